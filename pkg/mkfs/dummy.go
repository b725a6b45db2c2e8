package mkfs

import (
	"context"
	"fmt"
	"os"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
)

const dummyDeviceDirTmpfs = "/run/cryptpilot/mkfs-dummy"

// DummyDevice is a sparse-backed loop device with the same size as a real
// target device, used as the scratch surface for the integrity no-wipe
// mkfs replay, spec §4.4 step 2. The target's block size is not copied:
// the loop device keeps the kernel's default logical block size.
type DummyDevice struct {
	*LoopDevice
	backingPath string
}

// CreateDummyDevice creates a sparse file of sizeBytes and attaches it as a
// loop device. Prefers tmpfs (/run/cryptpilot/mkfs-dummy); for very large
// devices where tmpfs risks exhausting RAM, callers should pass a
// cacheDirOverride pointing at a user cache directory instead, falling back
// to tmpfs when that directory is unusable.
func CreateDummyDevice(ctx context.Context, logger *cplog.Logger, sizeBytes int64, cacheDirOverride string) (*DummyDevice, error) {
	if logger == nil {
		logger = cplog.Default
	}

	dir := dummyDeviceDirTmpfs
	if cacheDirOverride != "" {
		if err := os.MkdirAll(cacheDirOverride, 0o700); err == nil {
			dir = cacheDirOverride
		} else {
			logger.Warnf("cache directory %s unusable, falling back to tmpfs: %v", cacheDirOverride, err)
		}
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create dummy device directory %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, "dummy-*.img")
	if err != nil {
		return nil, fmt.Errorf("failed to create dummy backing file under %s: %w", dir, err)
	}
	backingPath := f.Name()

	if err := f.Truncate(sizeBytes); err != nil {
		f.Close()
		os.Remove(backingPath)
		return nil, fmt.Errorf("failed to size dummy backing file to %d bytes: %w", sizeBytes, err)
	}
	f.Close()

	loop, err := AttachLoop(ctx, logger, backingPath)
	if err != nil {
		os.Remove(backingPath)
		return nil, err
	}

	return &DummyDevice{LoopDevice: loop, backingPath: backingPath}, nil
}

// Close detaches the loop binding and removes the sparse backing file.
func (d *DummyDevice) Close() error {
	err := d.LoopDevice.Detach()
	if rmErr := os.Remove(d.backingPath); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}
