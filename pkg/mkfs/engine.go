// Package mkfs implements MkfsEngine, spec §4.4: create filesystems on a
// volume, choosing between a direct invocation of the native mkfs tool and,
// for integrity-enabled volumes, a block-trace replay that avoids wiping the
// entire device first.
package mkfs

import (
	"context"
	"fmt"
	"strings"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
	"github.com/openanolis/cryptpilot-go/pkg/runner"
	"github.com/openanolis/cryptpilot-go/pkg/types"
)

// Engine is the concrete MkfsEngine.
type Engine struct {
	Runner runner.Runner
	Logger *cplog.Logger
}

func New(r runner.Runner, logger *cplog.Logger) *Engine {
	if logger == nil {
		logger = cplog.Default
	}
	return &Engine{Runner: r, Logger: logger}
}

// ForceMkfs creates fsType on dev, dispatching to the no-wipe replay path
// when integrity is enabled (spec §4.4).
func (e *Engine) ForceMkfs(ctx context.Context, dev string, fsType types.MakeFsType, label string, integrity types.IntegrityType) error {
	if !fsType.Valid() {
		return fmt.Errorf("unsupported makefs type %q", fsType)
	}
	if integrity == types.IntegrityNone {
		return NormalMakeFs(ctx, e.Runner, dev, fsType, label)
	}
	return IntegrityNoWipeMakeFs(ctx, e.Runner, e.Logger, dev, fsType, label)
}

// IsEmptyDisk classifies dev via blkid: a recognized filesystem signature
// means "not empty"; no signature (blkid exit code 2) means "empty", spec
// §4.4. blkid's {0,2} exit-code convention is tolerated via a StatusChecker
// rather than baked into the runner, so the tolerance is explicit here.
func (e *Engine) IsEmptyDisk(ctx context.Context, dev string) (bool, error) {
	checker := func(exitCode int, stdout, stderr []byte) error {
		if exitCode != 0 && exitCode != 2 {
			return fmt.Errorf("blkid exited with unexpected status %d", exitCode)
		}
		return nil
	}

	out, err := runner.RunWithStatusChecker(ctx, e.Runner, checker, "blkid", "-o", "export", dev)
	if err != nil {
		return false, fmt.Errorf("failed to probe %s: %w", dev, err)
	}

	for _, fs := range []string{"ext4", "xfs", "vfat", "swap"} {
		if strings.Contains(string(out), "TYPE="+fs) {
			return false, nil
		}
	}
	return true, nil
}

func forceFlag(fsType types.MakeFsType) string {
	switch fsType {
	case types.MakeFsSwap, types.MakeFsXfs:
		return "-f"
	case types.MakeFsExt4:
		return "-F"
	case types.MakeFsVfat:
		return "-I"
	default:
		return "-f"
	}
}

func mkfsCommand(fsType types.MakeFsType) string {
	switch fsType {
	case types.MakeFsSwap:
		return "mkswap"
	case types.MakeFsExt4:
		return "mkfs.ext4"
	case types.MakeFsXfs:
		return "mkfs.xfs"
	case types.MakeFsVfat:
		return "mkfs.vfat"
	default:
		return "mkfs." + string(fsType)
	}
}

func labelArgs(fsType types.MakeFsType, label string) []string {
	if label == "" {
		return nil
	}
	switch fsType {
	case types.MakeFsSwap:
		return []string{"-L", label}
	case types.MakeFsExt4:
		return []string{"-L", label}
	case types.MakeFsXfs:
		return []string{"-L", label}
	case types.MakeFsVfat:
		return []string{"-n", label}
	default:
		return nil
	}
}
