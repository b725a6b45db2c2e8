package mkfs_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestMkfs(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Mkfs Suite")
}
