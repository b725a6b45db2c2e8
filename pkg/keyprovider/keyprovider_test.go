package keyprovider_test

import (
	"context"
	"errors"

	"github.com/openanolis/cryptpilot-go/pkg/keyprovider"
	"github.com/openanolis/cryptpilot-go/pkg/runner"
	"github.com/openanolis/cryptpilot-go/pkg/types"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeRunner struct {
	out []byte
	err error
}

func (f *fakeRunner) Run(ctx context.Context, command string, args ...string) ([]byte, error) {
	return f.out, f.err
}

func (f *fakeRunner) RunWithEnv(ctx context.Context, env []string, command string, args ...string) ([]byte, error) {
	return f.out, f.err
}

func (f *fakeRunner) RunWithStdin(ctx context.Context, stdin []byte, command string, args ...string) ([]byte, error) {
	return f.out, f.err
}

var _ runner.Runner = (*fakeRunner)(nil)

var _ = Describe("New", func() {
	DescribeTable("dispatches the tagged union to the right provider",
		func(cfg types.KeyProviderConfig, wantVolumeType types.VolumeType) {
			p, err := keyprovider.New(cfg, &fakeRunner{}, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.VolumeType()).To(Equal(wantVolumeType))
		},
		Entry("otp", types.KeyProviderConfig{Otp: &types.OtpConfig{}}, types.VolumeTemporary),
		Entry("kms", types.KeyProviderConfig{Kms: &types.KmsConfig{SecretName: "s"}}, types.VolumePersistent),
		Entry("kbs", types.KeyProviderConfig{Kbs: &types.KbsConfig{KbsURL: "https://kbs"}}, types.VolumePersistent),
		Entry("oidc", types.KeyProviderConfig{Oidc: &types.OidcConfig{}}, types.VolumePersistent),
		Entry("exec", types.KeyProviderConfig{Exec: &types.ExecConfig{Command: "echo"}}, types.VolumePersistent),
		Entry("tpm2", types.KeyProviderConfig{Tpm2: &types.Tpm2Config{}}, types.VolumePersistent),
	)

	It("rejects a config with no variant set", func() {
		_, err := keyprovider.New(types.KeyProviderConfig{}, &fakeRunner{}, nil)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("OtpProvider", func() {
	It("returns a fresh random passphrase each call", func() {
		p := &keyprovider.OtpProvider{}
		k1, err := p.GetKey(context.Background())
		Expect(err).NotTo(HaveOccurred())
		k2, err := p.GetKey(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(k1.Bytes()).NotTo(Equal(k2.Bytes()))
	})
})

var _ = Describe("ExecProvider", func() {
	It("trims trailing whitespace from the command output", func() {
		p := &keyprovider.ExecProvider{
			Options: types.ExecConfig{Command: "echo", Args: []string{"test-key"}},
			Runner:  &fakeRunner{out: []byte("test-key\n\n")},
		}
		key, err := p.GetKey(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(string(key.Bytes())).To(Equal("test-key"))
	})

	It("propagates the command failure", func() {
		p := &keyprovider.ExecProvider{
			Options: types.ExecConfig{Command: "non_existent_command"},
			Runner:  &fakeRunner{err: errors.New("exit status 127")},
		}
		_, err := p.GetKey(context.Background())
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Tpm2Provider", func() {
	It("is not implemented", func() {
		p := &keyprovider.Tpm2Provider{}
		_, err := p.GetKey(context.Background())
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("KmsProvider", func() {
	It("rejects a KmsCertPem that does not parse as a PEM certificate, before making any KMS call", func() {
		p := &keyprovider.KmsProvider{
			Options: types.KmsConfig{
				KmsInstanceID: "kst-fake",
				SecretName:    "s",
				KmsCertPem:    "not a pem certificate",
			},
			Logger: nil,
		}
		_, err := p.GetKey(context.Background())
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("KmsCertPem"))
	})
})
