package mkfs

import (
	"context"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
	"github.com/openanolis/cryptpilot-go/pkg/runner"
	"github.com/openanolis/cryptpilot-go/pkg/types"
)

// IntegrityNoWipeMakeFs formats an integrity-enabled (dm-integrity backed)
// LUKS2 volume without touching every sector first, spec §4.4.
//
// A journal-integrity volume rejects reads on sectors that have never been
// written — each sector's integrity tag must exist before it can be read.
// A normal mkfs issues exactly that kind of speculative read on metadata
// that was never written, and writing the whole device up front would
// defeat the point of using no-wipe LUKS2 formatting. Instead: run mkfs and
// a blkid probe against a same-sized dummy loop device, record every page
// mkfs actually touched via a block trace, then replay only those pages
// onto the real device.
func IntegrityNoWipeMakeFs(ctx context.Context, r runner.Runner, logger *cplog.Logger, dev string, fsType types.MakeFsType, label string) error {
	if logger == nil {
		logger = cplog.Default
	}

	sizeBytes, err := queryDeviceSize(dev)
	if err != nil {
		return fmt.Errorf("failed to query size of %s: %w", dev, err)
	}

	dummy, err := CreateDummyDevice(ctx, logger, sizeBytes, "")
	if err != nil {
		return fmt.Errorf("failed to create dummy device for no-wipe mkfs: %w", err)
	}
	defer func() {
		if err := dummy.Close(); err != nil {
			logger.Warnf("failed to tear down dummy device: %v", err)
		}
	}()

	session, err := StartSession(ctx, logger, dummy.Path)
	if err != nil {
		return fmt.Errorf("failed to start block trace on dummy device: %w", err)
	}

	if err := NormalMakeFs(ctx, r, dummy.Path, fsType, label); err != nil {
		_, _ = session.Stop(ctx) // best-effort teardown after the real failure
		return fmt.Errorf("failed to run mkfs against dummy device: %w", err)
	}
	if _, err := r.Run(ctx, "blkid", "-o", "export", dummy.Path); err != nil {
		logger.Warnf("blkid probe of dummy device failed (continuing with mkfs-only trace): %v", err)
	}

	pages, err := session.Stop(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect block trace: %w", err)
	}
	logger.Infof("no-wipe mkfs replay: %d pages touched out of %d total", len(pages), sizeBytes/pageSize)

	if err := replayPages(dummy.Path, dev, pages); err != nil {
		return fmt.Errorf("failed to replay touched pages onto %s: %w", dev, err)
	}
	return nil
}

// replayPages copies each touched page verbatim from src to dst, flushing
// at the end, spec §4.4 step 7.
func replayPages(src, dst string, pages []int64) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s for replay read: %w", src, err)
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s for replay write: %w", dst, err)
	}
	defer dstFile.Close()

	buf := make([]byte, pageSize)
	for _, page := range pages {
		offset := page * pageSize
		if _, err := srcFile.ReadAt(buf, offset); err != nil {
			return fmt.Errorf("failed to read page at offset %d: %w", offset, err)
		}
		if _, err := dstFile.WriteAt(buf, offset); err != nil {
			return fmt.Errorf("failed to write page at offset %d: %w", offset, err)
		}
	}
	return dstFile.Sync()
}

// queryDeviceSize returns dev's size in bytes via the BLKGETSIZE64 ioctl.
func queryDeviceSize(dev string) (int64, error) {
	f, err := os.Open(dev)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var size uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size))); errno != 0 {
		return 0, fmt.Errorf("BLKGETSIZE64 failed: %w", errno)
	}
	return int64(size), nil
}
