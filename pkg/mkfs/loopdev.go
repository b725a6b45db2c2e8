package mkfs

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
)

const (
	loopRetryMinDelay = 1 * time.Millisecond
	loopRetryMaxDelay = 1 * time.Second
	loopRetryMaxTries = 200
)

// LoopDevice is a scoped resource wrapping an attached /dev/loopN device,
// spec §4.4/§5. Detach releases both the loop binding and the backing file.
type LoopDevice struct {
	Path       string
	backingFd  *os.File
	controlFd  *os.File
}

func errnoIsErr(err error) error {
	if errno, ok := err.(syscall.Errno); ok && errno != 0 {
		return err
	}
	return nil
}

// AttachLoop binds backingFile to a free loop device, retrying loop-device
// allocation with exponential backoff (1ms to 1s, up to 200 attempts) per
// spec §4.4 — the allocation races against any other process also scanning
// /dev/loop-control, so a single failed attempt is not itself fatal.
// Generalizes the teacher's pkg/utils/loop/loopback.go ioctl sequence.
func AttachLoop(ctx context.Context, logger *cplog.Logger, backingFile string) (*LoopDevice, error) {
	if logger == nil {
		logger = cplog.Default
	}

	delay := loopRetryMinDelay
	var lastErr error
	for attempt := 0; attempt < loopRetryMaxTries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		dev, err := tryAttachLoop(backingFile)
		if err == nil {
			return dev, nil
		}
		lastErr = err
		if cplog.Verbose() {
			logger.Debugf("loop device allocation attempt %d failed: %v", attempt, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > loopRetryMaxDelay {
			delay = loopRetryMaxDelay
		}
	}
	return nil, fmt.Errorf("failed to allocate a loop device for %s after %d attempts: %w", backingFile, loopRetryMaxTries, lastErr)
}

func tryAttachLoop(backingFile string) (*LoopDevice, error) {
	controlFd, err := os.OpenFile("/dev/loop-control", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/loop-control: %w", err)
	}

	loopInt, _, err := unix.Syscall(unix.SYS_IOCTL, controlFd.Fd(), unix.LOOP_CTL_GET_FREE, 0)
	if errnoIsErr(err) != nil {
		controlFd.Close()
		return nil, fmt.Errorf("failed to get a free loop device: %w", err)
	}
	loopPath := fmt.Sprintf("/dev/loop%d", loopInt)

	backingFd, err := os.OpenFile(backingFile, os.O_RDWR, 0)
	if err != nil {
		controlFd.Close()
		return nil, fmt.Errorf("failed to open loop backing file %s: %w", backingFile, err)
	}

	loopFd, err := os.OpenFile(loopPath, os.O_RDWR, 0)
	if err != nil {
		backingFd.Close()
		controlFd.Close()
		return nil, fmt.Errorf("failed to open loop device %s: %w", loopPath, err)
	}
	defer loopFd.Close()

	if _, _, err := unix.Syscall(unix.SYS_IOCTL, loopFd.Fd(), unix.LOOP_SET_FD, backingFd.Fd()); errnoIsErr(err) != nil {
		backingFd.Close()
		controlFd.Close()
		return nil, fmt.Errorf("failed to bind %s to %s: %w", backingFile, loopPath, err)
	}

	return &LoopDevice{Path: loopPath, backingFd: backingFd, controlFd: controlFd}, nil
}

// Detach clears the loop binding and releases the underlying file handles.
func (l *LoopDevice) Detach() error {
	defer l.backingFd.Close()
	defer l.controlFd.Close()

	fd, err := os.OpenFile(l.Path, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s for detach: %w", l.Path, err)
	}
	defer fd.Close()

	if _, _, err := unix.Syscall(unix.SYS_IOCTL, fd.Fd(), unix.LOOP_CLR_FD, 0); errnoIsErr(err) != nil {
		return fmt.Errorf("failed to clear loop device %s: %w", l.Path, err)
	}
	return nil
}
