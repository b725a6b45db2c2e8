package config_test

import (
	"context"

	"github.com/twpayne/go-vfs/v5/vfst"

	"github.com/openanolis/cryptpilot-go/pkg/config"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("FilesystemSource", func() {
	var cleanup func()

	AfterEach(func() {
		if cleanup != nil {
			cleanup()
		}
	})

	It("loads global, fde and volume configs from the config dir", func() {
		fs, c, err := vfst.NewTestFS(map[string]interface{}{
			"/etc/cryptpilot/global.toml": "[boot]\nverbose = true\n",
			"/etc/cryptpilot/fde.toml": `
[rootfs]
rw_overlay = "disk"
[rootfs.encrypt.otp]
[data]
integrity = true
[data.encrypt.otp]
`,
			"/etc/cryptpilot/volumes/data1.toml": `
volume = "data1"
dev = "/dev/data1"
auto_open = true
[encrypt.otp]
`,
		})
		cleanup = c
		Expect(err).NotTo(HaveOccurred())

		src := config.NewFilesystemSource(fs, "/etc/cryptpilot", nil)
		bundle, err := src.GetConfig(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(bundle.Global.IsVerbose()).To(BeTrue())
		Expect(bundle.Fde.Data.Integrity).To(BeTrue())
		Expect(bundle.Volumes).To(HaveLen(1))
		Expect(bundle.Volumes[0].Volume).To(Equal("data1"))
	})

	It("rejects duplicate volume names across files", func() {
		fs, c, err := vfst.NewTestFS(map[string]interface{}{
			"/etc/cryptpilot/volumes/a.toml": "volume = \"dup\"\ndev = \"/dev/a\"\n[encrypt.otp]\n",
			"/etc/cryptpilot/volumes/b.toml": "volume = \"dup\"\ndev = \"/dev/b\"\n[encrypt.otp]\n",
		})
		cleanup = c
		Expect(err).NotTo(HaveOccurred())

		src := config.NewFilesystemSource(fs, "/etc/cryptpilot", nil)
		_, err = src.GetConfig(context.Background())
		Expect(err).To(HaveOccurred())
	})

	It("rejects unknown fields in a volume config", func() {
		fs, c, err := vfst.NewTestFS(map[string]interface{}{
			"/etc/cryptpilot/volumes/a.toml": "volume = \"a\"\ndev = \"/dev/a\"\nnot_a_field = true\n[encrypt.otp]\n",
		})
		cleanup = c
		Expect(err).NotTo(HaveOccurred())

		src := config.NewFilesystemSource(fs, "/etc/cryptpilot", nil)
		_, err = src.GetConfig(context.Background())
		Expect(err).To(HaveOccurred())
	})

	It("tolerates a completely empty config dir", func() {
		fs, c, err := vfst.NewTestFS(map[string]interface{}{})
		cleanup = c
		Expect(err).NotTo(HaveOccurred())

		src := config.NewFilesystemSource(fs, "/etc/cryptpilot", nil)
		bundle, err := src.GetConfig(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(bundle.Global).To(BeNil())
		Expect(bundle.Fde).To(BeNil())
		Expect(bundle.Volumes).To(BeEmpty())
	})
})
