package types

// This file holds the pure data shapes for key-provider configuration.
// Behavior (the KeyProvider contract) lives in pkg/keyprovider, which
// imports these types; keeping them here lets pkg/config depend only on
// pkg/types and not on pkg/keyprovider, matching the leaves-first
// dependency order in spec §2.

// OtpConfig: One-Time-Password provider, spec §4.2. Carries no fields.
type OtpConfig struct{}

// KmsConfig configures the Aliyun-KMS-shaped cloud KMS provider.
type KmsConfig struct {
	KmsInstanceID     string `toml:"kms_instance_id"`
	SecretName        string `toml:"secret_name"`
	ClientKey         string `toml:"client_key"`
	ClientKeyPassword string `toml:"client_key_password"`
	KmsCertPem        string `toml:"kms_cert_pem"`
}

// CdhType discriminates the Kbs provider's one-shot vs. daemon sub-modes.
type CdhType string

const (
	CdhTypeOneShot CdhType = "one-shot"
	CdhTypeDaemon  CdhType = "daemon"
)

// KbsConfig configures the key-broker provider. CdhType defaults to
// "one-shot" when absent, matching the original's custom deserializer
// (spec §4.2).
type KbsConfig struct {
	CdhType     CdhType `toml:"cdh_type"`
	KbsURL      string  `toml:"kbs_url"`
	KbsRootCert *string `toml:"kbs_root_cert"`
	CdhSocket   string  `toml:"cdh_socket"`
	KeyURI      string  `toml:"key_uri"`
}

// OidcKms is the authorization-service + KMS pair used to redeem an OIDC
// token for a secret. Aliyun RAM+KMS is the only variant implemented.
type OidcKms struct {
	Type            string `toml:"type"`
	OidcProviderArn string `toml:"oidc_provider_arn"`
	RoleArn         string `toml:"role_arn"`
	RegionID        string `toml:"region_id"`
}

// OidcConfig configures the OIDC-token-to-KMS-unseal provider.
type OidcConfig struct {
	// Command and Args retrieve the raw OIDC token on stdout.
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	// KeyID is the secret id in the KMS.
	KeyID string  `toml:"key_id"`
	Kms   OidcKms `toml:"kms"`
}

// ExecConfig configures the external-command provider.
type ExecConfig struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
}

// Tpm2Config configures the (stub) TPM2-sealed-key provider.
type Tpm2Config struct{}

// KeyProviderConfig is the tagged union discriminated by which single
// sub-table was present in TOML (spec §3, §9). Exactly one of the pointer
// fields is non-nil after a successful parse.
type KeyProviderConfig struct {
	Otp  *OtpConfig  `toml:"otp,omitempty"`
	Kms  *KmsConfig  `toml:"kms,omitempty"`
	Kbs  *KbsConfig  `toml:"kbs,omitempty"`
	Oidc *OidcConfig `toml:"oidc,omitempty"`
	Exec *ExecConfig `toml:"exec,omitempty"`
	Tpm2 *Tpm2Config `toml:"tpm2,omitempty"`
}

// Kind returns the discriminant name, or "" if no variant is set.
func (c KeyProviderConfig) Kind() string {
	switch {
	case c.Otp != nil:
		return "otp"
	case c.Kms != nil:
		return "kms"
	case c.Kbs != nil:
		return "kbs"
	case c.Oidc != nil:
		return "oidc"
	case c.Exec != nil:
		return "exec"
	case c.Tpm2 != nil:
		return "tpm2"
	default:
		return ""
	}
}

// EncryptConfig wraps a KeyProviderConfig, spec §3 (VolumeConfig.encrypt,
// FdeConfig.rootfs.encrypt / data.encrypt).
type EncryptConfig struct {
	KeyProvider KeyProviderConfig `toml:",inline"`
}
