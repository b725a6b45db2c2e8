package refvalue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
	"github.com/openanolis/cryptpilot-go/pkg/runner"
)

// nbdRuleDir and nbdRuleName are where the scoped udev rule silencing
// nbd* hotplug events is installed, grounded on fs/nbd.rs's UdevRule.
const (
	nbdRuleDir  = "/run/udev/rules.d"
	nbdRuleName = "99-cryptpilot-ignore.rules"
)

const nbdRuleContents = "\n# Device used by cryptpilot\nACTION==\"add|change\", KERNEL==\"nbd*\", OPTIONS:=\"nowatch\"\n"

// NbdDevice is a qemu-nbd-attached disk image, grounded on fs/nbd.rs's
// NbdDevice: Connect binds a free /dev/nbdN to an image file so the rest
// of ReferenceValueExtractor can treat it like any other block device,
// and Disconnect tears it back down, including any device-mapper devices
// the kernel stacked on top of its partitions.
type NbdDevice struct {
	path     string
	runner   runner.Runner
	logger   *cplog.Logger
	rulePath string
}

// ConnectNbd attaches diskImg to a free NBD device via qemu-nbd, grounded
// on fs/nbd.rs's NbdDevice::connect.
func ConnectNbd(ctx context.Context, r runner.Runner, logger *cplog.Logger, diskImg string) (*NbdDevice, error) {
	if logger == nil {
		logger = cplog.Default
	}
	if _, err := os.Stat(diskImg); err != nil {
		return nil, fmt.Errorf("disk image %s does not exist: %w", diskImg, err)
	}

	devPath, err := findAvailableNbdDevice(ctx, r)
	if err != nil {
		return nil, err
	}

	rulePath, err := installIgnoreNbdRule(ctx, r, logger)
	if err != nil {
		return nil, err
	}

	if _, err := r.Run(ctx, "qemu-nbd", "--connect", devPath, "--discard=on", "--detect-zeroes=unmap", diskImg); err != nil {
		removeIgnoreNbdRule(ctx, r, logger, rulePath)
		return nil, fmt.Errorf("failed to connect disk image %s to NBD device %s: %w", diskImg, devPath, err)
	}

	logger.Debugf("waiting 1 second for NBD device %s to be ready", devPath)
	time.Sleep(1 * time.Second)

	return &NbdDevice{path: devPath, runner: r, logger: logger, rulePath: rulePath}, nil
}

// Path is the attached /dev/nbdN device.
func (n *NbdDevice) Path() string { return n.path }

// Disconnect detaches the NBD device, removes any device-mapper devices
// stacked on its partitions, and removes the scoped udev rule, grounded
// on fs/nbd.rs's `impl Drop for NbdDevice`.
func (n *NbdDevice) Disconnect(ctx context.Context) error {
	var result *multierror.Error

	if _, err := n.runner.Run(ctx, "qemu-nbd", "--disconnect", n.path); err != nil {
		n.logger.Warnf("failed to disconnect NBD device %s: %v", n.path, err)
		result = multierror.Append(result, err)
	}

	if err := n.removeHolderDmDevices(ctx); err != nil {
		n.logger.Warnf("failed to remove holders of NBD device %s: %v", n.path, err)
		result = multierror.Append(result, err)
	}

	removeIgnoreNbdRule(ctx, n.runner, n.logger, n.rulePath)

	if result.ErrorOrNil() != nil {
		return fmt.Errorf("failed to fully disconnect NBD device %s: %w", n.path, result.ErrorOrNil())
	}
	return nil
}

// removeHolderDmDevices tears down every device-mapper device stacked on
// top of this NBD device's partitions, grounded on fs/nbd.rs's
// remove_holder_dm_devices. The original shells out to the devicemapper
// crate's DM::device_remove; since no devicemapper Go library is used
// anywhere else in this tree, this instead shells to `dmsetup remove`
// through the same runner every other subprocess call in this package
// goes through.
func (n *NbdDevice) removeHolderDmDevices(ctx context.Context) error {
	num := strings.TrimPrefix(n.path, "/dev/nbd")
	pattern := fmt.Sprintf("/sys/block/nbd%s/nbd%sp*/holders/*/dm/name", num, num)

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("failed to glob dm holders with pattern %s: %w", pattern, err)
	}

	var dmNames []string
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", m, err)
		}
		dmNames = append(dmNames, strings.TrimRight(string(data), "\n"))
	}

	if len(dmNames) > 0 {
		n.logger.Debugf("found dm devices %v related to NBD device %s, removing them", dmNames, n.path)
	}

	for _, name := range dmNames {
		if _, err := n.runner.Run(ctx, "dmsetup", "remove", name); err != nil {
			return fmt.Errorf("failed to remove device-mapper device %s: %w", name, err)
		}
	}
	return nil
}

// findAvailableNbdDevice scans /dev/nbd0.. for a device whose block size
// is currently zero (i.e. unattached), loading the nbd kernel module
// first if /dev/nbd0 does not yet exist, grounded on fs/nbd.rs's
// NbdDevice::is_module_loaded/modprobe/get_avaliable.
func findAvailableNbdDevice(ctx context.Context, r runner.Runner) (string, error) {
	if _, err := os.Stat("/dev/nbd0"); err != nil {
		if _, err := r.Run(ctx, "modprobe", "nbd", "max_part=8"); err != nil {
			return "", fmt.Errorf("failed to load kernel module 'nbd': %w", err)
		}
	}

	for i := 0; i <= 99; i++ {
		dev := fmt.Sprintf("/dev/nbd%d", i)
		if _, err := os.Stat(dev); err != nil {
			continue
		}

		size, err := blockDeviceSize(dev)
		if err != nil {
			continue
		}
		if size == 0 {
			return dev, nil
		}
	}

	return "", fmt.Errorf("no available NBD device")
}

// blockDeviceSize reads a block device's size in bytes via the
// BLKGETSIZE64 ioctl, issued through unix.IoctlGetUint64.
func blockDeviceSize(dev string) (uint64, error) {
	f, err := os.Open(dev)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	size, err := unix.IoctlGetUint64(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return 0, err
	}
	return size, nil
}

func installIgnoreNbdRule(ctx context.Context, r runner.Runner, logger *cplog.Logger) (string, error) {
	if _, err := os.Stat(nbdRuleDir); err != nil {
		logger.Debugf("%s does not exist, creating it", nbdRuleDir)
		if err := os.MkdirAll(nbdRuleDir, 0755); err != nil {
			return "", fmt.Errorf("failed to create %s: %w", nbdRuleDir, err)
		}
	}

	rulePath := filepath.Join(nbdRuleDir, nbdRuleName)
	if err := os.WriteFile(rulePath, []byte(nbdRuleContents), 0644); err != nil {
		return "", fmt.Errorf("failed to write udev rule %s: %w", rulePath, err)
	}

	if _, err := r.Run(ctx, "udevadm", "control", "--reload-rules"); err != nil {
		return "", fmt.Errorf("failed to reload udev rules: %w", err)
	}
	if _, err := r.Run(ctx, "udevadm", "trigger"); err != nil {
		return "", fmt.Errorf("failed to trigger udevadm: %w", err)
	}

	return rulePath, nil
}

func removeIgnoreNbdRule(ctx context.Context, r runner.Runner, logger *cplog.Logger, rulePath string) {
	if rulePath == "" {
		return
	}
	if err := os.Remove(rulePath); err != nil {
		logger.Warnf("failed to remove udev rule file %s: %v", rulePath, err)
	}
	if _, err := r.Run(ctx, "udevadm", "control", "--reload-rules"); err != nil {
		logger.Warnf("failed to reload udev rules: %v", err)
	}
	if _, err := r.Run(ctx, "udevadm", "trigger"); err != nil {
		logger.Warnf("failed to trigger udevadm: %v", err)
	}
}
