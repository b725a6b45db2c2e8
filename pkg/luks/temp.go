package luks

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/openanolis/cryptpilot-go/pkg/constants"
	"github.com/openanolis/cryptpilot-go/pkg/types"
)

// TempLuksVolume is a scoped resource: a LUKS2 volume opened under a
// randomly generated name, closed automatically when the caller is done
// with it, spec §4.3/§5. Used by MkfsEngine's no-wipe replay, which
// needs a real decrypted mapping to run mkfs/blkid against without
// touching the caller's own volume name.
type TempLuksVolume struct {
	engine *Engine
	name   string
}

// OpenTemp opens dev under a randomly generated `.cryptpilot-<rand>`
// mapper name and returns a handle whose Close deactivates it.
func OpenTemp(ctx context.Context, engine *Engine, dev string, passphrase *types.Passphrase, integrity types.IntegrityType) (*TempLuksVolume, error) {
	name, err := randomVolumeName()
	if err != nil {
		return nil, fmt.Errorf("failed to generate temporary volume name: %w", err)
	}

	engine.Logger.Infof("setting up a temporary luks volume %s", name)
	if err := engine.OpenWithCheckPassphrase(ctx, name, dev, passphrase, integrity); err != nil {
		return nil, err
	}
	return &TempLuksVolume{engine: engine, name: name}, nil
}

func (t *TempLuksVolume) VolumePath() string {
	return "/dev/mapper/" + t.name
}

// Close deactivates the temporary mapping. Errors are logged, not
// returned, matching the original's best-effort Drop impl — a scope-exit
// cleanup failing should not mask the caller's real error.
func (t *TempLuksVolume) Close(ctx context.Context) error {
	t.engine.Logger.Infof("closing the temporary luks volume %s", t.name)
	if err := t.engine.Close(ctx, t.name); err != nil {
		t.engine.Logger.Warnf("failed to close temporary luks volume %s: %v", t.name, err)
	}
	return nil
}

// tempVolumeNameRandLen is the length of the random alphanumeric suffix
// appended to constants.TempVolumeNamePrefix.
const tempVolumeNameRandLen = 20

const tempVolumeNameAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randomVolumeName() (string, error) {
	suffix := make([]byte, tempVolumeNameRandLen)
	for i := range suffix {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(tempVolumeNameAlphabet))))
		if err != nil {
			return "", err
		}
		suffix[i] = tempVolumeNameAlphabet[n.Int64()]
	}
	return constants.TempVolumeNamePrefix + string(suffix), nil
}
