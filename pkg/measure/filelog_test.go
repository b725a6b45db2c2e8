package measure_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/openanolis/cryptpilot-go/pkg/measure"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeExtender struct {
	err error
}

func (f *fakeExtender) ExtendPCR(ctx context.Context, operation string, digest string) error {
	return f.err
}

var _ = Describe("FileSink", func() {
	It("creates the log on first use and appends on subsequent calls", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "measurements.toml")
		sink := measure.NewFileSink(path, nil)

		Expect(sink.Extend(context.Background(), "load_config_untrusted", []byte("bundle-one"))).To(Succeed())
		Expect(sink.Extend(context.Background(), "fde_rootfs_hash", []byte("bundle-two"))).To(Succeed())

		raw, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())

		var parsed struct {
			Entries []struct {
				Operation  string `toml:"operation"`
				HashSha384 string `toml:"hash_sha384"`
			} `toml:"entries"`
		}
		Expect(toml.Unmarshal(raw, &parsed)).To(Succeed())
		Expect(parsed.Entries).To(HaveLen(2))
		Expect(parsed.Entries[0].Operation).To(Equal("load_config_untrusted"))
		Expect(parsed.Entries[0].HashSha384).To(Equal(measure.HashMeasurementValue([]byte("bundle-one"))))
	})

	It("still records the log entry even when the TPM extender fails", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "measurements.toml")
		sink := measure.NewFileSink(path, nil).WithTpmExtender(&fakeExtender{err: errors.New("no tpm present")})

		Expect(sink.Extend(context.Background(), "initrd_switch_root", []byte("data"))).To(Succeed())

		raw, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(raw)).To(ContainSubstring("initrd_switch_root"))
	})
})
