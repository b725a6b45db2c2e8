package refvalue_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestRefvalue(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Refvalue Suite")
}
