package config_test

import (
	"github.com/openanolis/cryptpilot-go/pkg/config"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ParseCloudInitUserData", func() {
	It("parses a well-formed bundle", func() {
		bundle, err := config.ParseCloudInitUserData(`#cryptpilot-fde-config

[global.boot]
verbose = true

[fde.rootfs]
rw_overlay = "disk"

[fde.rootfs.encrypt.exec]
command = "echo"
args = ["-n", "AAAaaawewe222"]

[fde.data]
integrity = true

[fde.data.encrypt.exec]
command = "echo"
args = ["-n", "AAAaaawewe222"]
`)
		Expect(err).NotTo(HaveOccurred())
		Expect(bundle.Global.IsVerbose()).To(BeTrue())
		Expect(bundle.Fde.Data.Integrity).To(BeTrue())
		Expect(bundle.Volumes).To(BeEmpty())
	})

	It("rejects user data missing the header", func() {
		_, err := config.ParseCloudInitUserData("[global.boot]\nverbose = true\n")
		Expect(err).To(HaveOccurred())
	})

	It("rejects empty user data", func() {
		_, err := config.ParseCloudInitUserData("   ")
		Expect(err).To(HaveOccurred())
	})
})
