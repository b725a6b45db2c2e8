package keyprovider

import (
	"context"
	"errors"

	"github.com/openanolis/cryptpilot-go/pkg/types"
)

// Tpm2Provider is a stub: sealing passphrases into the TPM2 is listed as a
// supported variant in the config schema but not yet implemented, spec §9
// Open Questions.
type Tpm2Provider struct {
	Options types.Tpm2Config
}

func (p *Tpm2Provider) DebugName() string { return "TPM" }

func (p *Tpm2Provider) VolumeType() types.VolumeType { return types.VolumePersistent }

func (p *Tpm2Provider) GetKey(ctx context.Context) (*types.Passphrase, error) {
	return nil, errors.New("tpm2 key provider is not implemented")
}
