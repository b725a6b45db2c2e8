// Package keyprovider implements the pluggable KeyProvider contract, spec
// §4.2: every volume's passphrase is obtained from exactly one of a fixed
// set of sources (otp, kms, kbs, oidc, exec, tpm2), dispatched from the
// tagged union in pkg/types.KeyProviderConfig.
package keyprovider

import (
	"context"
	"fmt"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
	"github.com/openanolis/cryptpilot-go/pkg/runner"
	"github.com/openanolis/cryptpilot-go/pkg/types"
)

// KeyProvider is the contract every provider variant implements, mirroring
// the original KeyProvider trait (debug_name/get_key/volume_type).
type KeyProvider interface {
	DebugName() string
	GetKey(ctx context.Context) (*types.Passphrase, error)
	VolumeType() types.VolumeType
}

// New dispatches a types.KeyProviderConfig to its concrete provider, the Go
// equivalent of the original's IntoProvider trait implementations.
func New(cfg types.KeyProviderConfig, r runner.Runner, logger *cplog.Logger) (KeyProvider, error) {
	if logger == nil {
		logger = cplog.Default
	}
	switch {
	case cfg.Otp != nil:
		return &OtpProvider{Options: *cfg.Otp}, nil
	case cfg.Kms != nil:
		return &KmsProvider{Options: *cfg.Kms, Logger: logger}, nil
	case cfg.Kbs != nil:
		return &KbsProvider{Options: *cfg.Kbs, Runner: r, Logger: logger}, nil
	case cfg.Oidc != nil:
		return &OidcProvider{Options: *cfg.Oidc, Runner: r, Logger: logger}, nil
	case cfg.Exec != nil:
		return &ExecProvider{Options: *cfg.Exec, Runner: r}, nil
	case cfg.Tpm2 != nil:
		return &Tpm2Provider{Options: *cfg.Tpm2}, nil
	default:
		return nil, fmt.Errorf("key provider config has no variant set")
	}
}
