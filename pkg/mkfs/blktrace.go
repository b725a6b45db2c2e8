package mkfs

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	mount "k8s.io/mount-utils"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
)

const (
	debugfsMountPoint = "/sys/kernel/debug"
	pageSize          = 4096
	sectorBytes       = 512 // blktrace reports sector offsets in 512-byte units regardless of device block size, spec §4.4 step 6.
)

// blktrace ioctl numbers, from linux/blktrace_api.h. x/sys/unix does not
// expose these directly (they are a niche block-layer feature), so the
// request codes are computed the same way the kernel header's _IOWR/_IO
// macros do.
const (
	blkTraceSetupSize = 72 // sizeof(struct blk_user_trace_setup)
	blkTraceSetup     = (3 << 30) | (blkTraceSetupSize << 16) | (0x12 << 8) | 115
	blkTraceStart     = (0 << 30) | (0x12 << 8) | 116
	blkTraceStop      = (0 << 30) | (0x12 << 8) | 117
	blkTraceTeardown  = (0 << 30) | (0x12 << 8) | 118
)

// blkIOTraceAction bits, from linux/blktrace_api.h: the low 16 bits hold
// the action, the high 16 bits the category mask shifted left by
// blkTCShift.
const (
	blkTCRead    = 1 << 0
	blkTCWrite   = 1 << 1
	blkTCDiscard = 1 << 13
	blkTCShift   = 16
	blkTAIssue   = 7
	blkTCActMask = 0xffff0000
	blkTAMask    = 0x0000ffff
)

// blkIOTrace mirrors struct blk_io_trace (the fixed-size header every
// blktrace binary record starts with; a variable-length pdu may follow,
// which is skipped here since only sector/bytes/action are needed).
type blkIOTrace struct {
	Magic    uint32
	Sequence uint32
	Time     uint64
	Sector   uint64
	Bytes    uint32
	Action   uint32
	PID      uint32
	Device   uint32
	CPU      uint32
	Error    uint16
	PduLen   uint16
}

// Session is a scoped block-trace resource attached to a single device,
// capturing read/write activity while held, spec §4.4 step 3.
type Session struct {
	logger   *cplog.Logger
	dev      string
	devFd    *os.File
	relayDir string
	pages    map[int64]struct{}
}

// ensureDebugfsMounted mounts debugfs at /sys/kernel/debug if it is not
// already mounted, via k8s.io/mount-utils — the same library the boot
// orchestrator uses for its own mount calls.
func ensureDebugfsMounted(mounter mount.Interface) error {
	notMnt, err := mounter.IsLikelyNotMountPoint(debugfsMountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(debugfsMountPoint, 0o755); mkErr != nil {
				return fmt.Errorf("failed to create debugfs mountpoint: %w", mkErr)
			}
			notMnt = true
		} else {
			return fmt.Errorf("failed to probe debugfs mountpoint: %w", err)
		}
	}
	if !notMnt {
		return nil
	}
	return mounter.Mount("debugfs", debugfsMountPoint, "debugfs", nil)
}

// StartSession attaches a per-CPU block trace to dev, auto-mounting
// debugfs if needed, spec §4.4 steps 3-4.
func StartSession(ctx context.Context, logger *cplog.Logger, dev string) (*Session, error) {
	if logger == nil {
		logger = cplog.Default
	}

	if err := ensureDebugfsMounted(mount.New("")); err != nil {
		return nil, fmt.Errorf("failed to mount debugfs: %w", err)
	}

	devFd, err := os.OpenFile(dev, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s for tracing: %w", dev, err)
	}

	devBase := filepath.Base(dev)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, devFd.Fd(), blkTraceSetup, 0); errno != 0 {
		devFd.Close()
		return nil, fmt.Errorf("BLKTRACESETUP failed for %s: %w", dev, errno)
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, devFd.Fd(), blkTraceStart, 0); errno != 0 {
		devFd.Close()
		return nil, fmt.Errorf("BLKTRACESTART failed for %s: %w", dev, errno)
	}

	if err := dropPageCaches(); err != nil {
		logger.Warnf("failed to drop page caches before tracing %s, trace may miss some reads: %v", dev, err)
	}

	return &Session{
		logger:   logger,
		dev:      dev,
		devFd:    devFd,
		relayDir: filepath.Join(debugfsMountPoint, "block", devBase),
		pages:    make(map[int64]struct{}),
	}, nil
}

// dropPageCaches drops clean page/dentry/inode caches so that subsequent
// reads against the traced device actually reach it, spec §4.4 step 4.
func dropPageCaches() error {
	return os.WriteFile("/proc/sys/vm/drop_caches", []byte("3\n"), 0o200)
}

// Stop halts tracing and reads every per-CPU relay file concurrently via
// errgroup, merging the observed page indices, spec §4.4 steps 3 and 6.
func (s *Session) Stop(ctx context.Context) ([]int64, error) {
	defer s.devFd.Close()

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, s.devFd.Fd(), blkTraceStop, 0); errno != 0 {
		s.logger.Warnf("BLKTRACESTOP failed for %s: %v", s.dev, errno)
	}

	ncpu := runtime.NumCPU()
	results := make([]map[int64]struct{}, ncpu)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < ncpu; i++ {
		i := i
		g.Go(func() error {
			pages, err := s.readRelayFile(gctx, i)
			if err != nil {
				return err
			}
			results[i] = pages
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, s.devFd.Fd(), blkTraceTeardown, 0); errno != 0 {
		s.logger.Warnf("BLKTRACETEARDOWN failed for %s: %v", s.dev, errno)
	}

	merged := make(map[int64]struct{})
	for _, m := range results {
		for p := range m {
			merged[p] = struct{}{}
		}
	}

	out := make([]int64, 0, len(merged))
	for p := range merged {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// readRelayFile reads one per-CPU relay file to completion (the kernel
// closes out the buffer once tracing is stopped, so a single pass
// suffices; on reaching the end it waits 10ms and makes one short final
// read to absorb anything still draining).
func (s *Session) readRelayFile(ctx context.Context, cpu int) (map[int64]struct{}, error) {
	path := filepath.Join(s.relayDir, fmt.Sprintf("trace%d", cpu))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[int64]struct{}{}, nil
		}
		return nil, fmt.Errorf("failed to open relay file %s: %w", path, err)
	}
	defer f.Close()

	pages := make(map[int64]struct{})
	r := bufio.NewReader(f)
	var hdr blkIOTrace
	finalRead := false
	for {
		select {
		case <-ctx.Done():
			return pages, ctx.Err()
		default:
		}

		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			if err == io.EOF {
				if finalRead {
					return pages, nil
				}
				finalRead = true
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return pages, fmt.Errorf("failed to decode trace record from %s: %w", path, err)
		}
		if hdr.PduLen > 0 {
			if _, err := io.CopyN(io.Discard, r, int64(hdr.PduLen)); err != nil {
				return pages, fmt.Errorf("failed to skip trace pdu from %s: %w", path, err)
			}
		}

		action := hdr.Action & blkTAMask
		class := (hdr.Action & blkTCActMask) >> blkTCShift
		if action != blkTAIssue {
			continue
		}
		isRW := class&(blkTCRead|blkTCWrite) != 0
		isDiscard := class&blkTCDiscard != 0
		if !isRW || isDiscard {
			continue
		}

		startByte := int64(hdr.Sector) * sectorBytes
		endByte := startByte + int64(hdr.Bytes)
		for b := startByte - (startByte % pageSize); b < endByte; b += pageSize {
			pages[b/pageSize] = struct{}{}
		}
	}
}
