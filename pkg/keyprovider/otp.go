package keyprovider

import (
	"context"

	"github.com/openanolis/cryptpilot-go/pkg/types"
)

// OtpProvider generates a fresh random passphrase on every call, spec
// §4.2. Intended for Temporary volumes only: nothing is persisted, so the
// volume cannot be reopened with the same key after it is closed.
type OtpProvider struct {
	Options types.OtpConfig
}

func (p *OtpProvider) DebugName() string { return "Secure Random One-Time Password" }

func (p *OtpProvider) GetKey(ctx context.Context) (*types.Passphrase, error) {
	return types.RandomPassphrase()
}

func (p *OtpProvider) VolumeType() types.VolumeType { return types.VolumeTemporary }
