package config_test

import (
	"github.com/openanolis/cryptpilot-go/pkg/config"
	"github.com/openanolis/cryptpilot-go/pkg/types"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("GenHashHex", func() {
	It("is deterministic for an identical bundle", func() {
		verbose := true
		bundle := types.FdeConfigBundle{
			Global: &types.GlobalConfig{Boot: &types.BootGlobalConfig{Verbose: verbose}},
		}
		h1, err := config.GenHashHex(bundle)
		Expect(err).NotTo(HaveOccurred())
		h2, err := config.GenHashHex(bundle)
		Expect(err).NotTo(HaveOccurred())
		Expect(h1).To(Equal(h2))
		Expect(h1).To(HaveLen(96)) // SHA-384 hex digest
	})

	It("changes when the bundle changes", func() {
		a := types.FdeConfigBundle{Global: &types.GlobalConfig{Boot: &types.BootGlobalConfig{Verbose: true}}}
		b := types.FdeConfigBundle{Global: &types.GlobalConfig{Boot: &types.BootGlobalConfig{Verbose: false}}}
		ha, err := config.GenHashHex(a)
		Expect(err).NotTo(HaveOccurred())
		hb, err := config.GenHashHex(b)
		Expect(err).NotTo(HaveOccurred())
		Expect(ha).NotTo(Equal(hb))
	})
})
