package mkfs

import (
	"context"
	"fmt"

	"github.com/openanolis/cryptpilot-go/pkg/runner"
	"github.com/openanolis/cryptpilot-go/pkg/types"
)

// NormalMakeFs invokes the native mkfs/mkswap tool directly, spec §4.4. Used
// whenever the target volume has no integrity sub-device, where there is no
// uninitialized-sector restriction to work around.
func NormalMakeFs(ctx context.Context, r runner.Runner, dev string, fsType types.MakeFsType, label string) error {
	args := []string{forceFlag(fsType)}
	args = append(args, labelArgs(fsType, label)...)
	args = append(args, dev)

	if _, err := r.Run(ctx, mkfsCommand(fsType), args...); err != nil {
		return fmt.Errorf("failed to create %s filesystem on %s: %w", fsType, dev, err)
	}
	return nil
}
