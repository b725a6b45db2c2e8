package keyprovider_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestKeyProvider(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "KeyProvider Suite")
}
