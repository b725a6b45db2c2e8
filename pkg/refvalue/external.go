package refvalue

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/jaypipes/ghw/pkg/block"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
	"github.com/openanolis/cryptpilot-go/pkg/runner"
)

// ExternalDisk reads boot artifacts off a disk that is not the running
// system — either a real block device or a disk image file attached
// through NBD — grounded on disk/external.rs's OnExternalFdeDisk. Every
// partition it needs (EFI, and either boot or root) is located, then
// temp-mounted for the lifetime of the ExternalDisk.
type ExternalDisk struct {
	runner runner.Runner
	logger *cplog.Logger

	nbd *NbdDevice

	bootType BootType

	efiMount  *tmpMount
	bootMount *tmpMount // only set when bootType == BootGrub
	rootMount *tmpMount // only set when bootType == BootNoFde

	bootDev string
}

// NewExternalDisk opens diskOrImage (a block device path, or an image
// file that gets NBD-attached) and resolves its EFI partition plus
// either a boot partition (Grub) or root partition (NoFde), grounded on
// disk/external.rs's OnExternalFdeDisk::new_from_disk. Callers must call
// Close to release temp mounts and any NBD attachment.
func NewExternalDisk(ctx context.Context, r runner.Runner, logger *cplog.Logger, diskOrImage string) (*ExternalDisk, error) {
	if logger == nil {
		logger = cplog.Default
	}
	if _, err := os.Stat(diskOrImage); err != nil {
		return nil, fmt.Errorf("file does not exist: %s", diskOrImage)
	}

	d := &ExternalDisk{runner: r, logger: logger}

	diskDevice := diskOrImage
	if !isBlockDevice(diskOrImage) {
		logger.Debugf("%s is not a block device, treating it as a disk image file", diskOrImage)
		nbd, err := ConnectNbd(ctx, r, logger, diskOrImage)
		if err != nil {
			return nil, err
		}
		d.nbd = nbd
		diskDevice = nbd.Path()
	}

	efiDev, err := detectEfiPart(ctx, r, logger, diskDevice)
	if err != nil {
		d.Close(ctx)
		return nil, fmt.Errorf("cannot find EFI partition on the disk: %w", err)
	}
	efiMount, err := mountTmp(ctx, r, efiDev)
	if err != nil {
		d.Close(ctx)
		return nil, err
	}
	d.efiMount = efiMount

	if bootDev, err := detectBootPart(ctx, r, diskDevice); err == nil {
		bootMount, err := mountTmp(ctx, r, bootDev)
		if err != nil {
			d.Close(ctx)
			return nil, err
		}
		d.bootMount = bootMount
		d.bootDev = bootDev
		d.bootType = BootGrub
	} else {
		logger.Warnf("cannot find boot partition on the disk, the disk may not be a cryptpilot encrypted disk: %v", err)
		rootDev, err := detectRootPart(ctx, r, &diskDevice)
		if err != nil {
			d.Close(ctx)
			return nil, fmt.Errorf("failed to detect root partition on the disk: %w", err)
		}
		rootMount, err := mountTmp(ctx, r, rootDev)
		if err != nil {
			d.Close(ctx)
			return nil, err
		}
		d.rootMount = rootMount
		d.bootDev = rootDev
		d.bootType = BootNoFde
	}

	return d, nil
}

// Close releases every temp mount and, if an image file was attached,
// disconnects the NBD device.
func (d *ExternalDisk) Close(ctx context.Context) {
	if d.bootMount != nil {
		d.bootMount.unmount(ctx, d.runner, d.logger)
	}
	if d.rootMount != nil {
		d.rootMount.unmount(ctx, d.runner, d.logger)
	}
	if d.efiMount != nil {
		d.efiMount.unmount(ctx, d.runner, d.logger)
	}
	if d.nbd != nil {
		if err := d.nbd.Disconnect(ctx); err != nil {
			d.logger.Warnf("failed to disconnect nbd device: %v", err)
		}
	}
}

func (d *ExternalDisk) BootType() BootType { return d.bootType }

func (d *ExternalDisk) BootDirDevice() string { return d.bootDev }

func (d *ExternalDisk) EfiPartRootDir() string { return d.efiMount.mountPoint }

// resolvePathOnRealDisk maps a /boot[/efi]-rooted path onto the real
// temp-mounted partition backing it, grounded on disk/external.rs's
// resolve_path_on_real_disk.
func (d *ExternalDisk) resolvePathOnRealDisk(p string) (string, error) {
	if !strings.HasPrefix(p, "/boot") {
		return "", fmt.Errorf("the path must start with /boot, but got %q", p)
	}

	if strings.HasPrefix(p, "/boot/efi") {
		return filepath.Join(d.efiMount.mountPoint, strings.TrimPrefix(p, "/boot/efi")), nil
	}

	if d.bootType == BootGrub {
		return filepath.Join(d.bootMount.mountPoint, strings.TrimPrefix(p, "/boot")), nil
	}
	return filepath.Join(d.rootMount.mountPoint, strings.TrimPrefix(p, "/")), nil
}

func (d *ExternalDisk) FileExists(p string) bool {
	real, err := d.resolvePathOnRealDisk(p)
	if err != nil {
		return false
	}
	_, err = os.Stat(real)
	return err == nil
}

func (d *ExternalDisk) ReadFile(p string) ([]byte, error) {
	real, err := d.followSymlinks(p)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(real)
}

func (d *ExternalDisk) ReadFileString(p string) (string, error) {
	data, err := d.ReadFile(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (d *ExternalDisk) ReadDirNames(dir string) ([]string, error) {
	real, err := d.resolvePathOnRealDisk(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(real)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (d *ExternalDisk) WalkFiles(root string, fn func(path string) error) error {
	real, err := d.resolvePathOnRealDisk(root)
	if err != nil {
		return err
	}
	return filepath.Walk(real, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		return fn(p)
	})
}

// LoadGlobalGrubEnv reads the grubenv file straight off the mounted boot
// partition, grounded on disk/external.rs's GrubBootFdeDisk impl, which
// cannot shell to the live `grub2-editenv` (there is no running
// bootloader for an offline disk) and reads the file content instead.
func (d *ExternalDisk) LoadGlobalGrubEnv(ctx context.Context, r runner.Runner) (string, error) {
	for _, p := range []string{"/boot/grubenv", "/boot/grub/grubenv", "/boot/grub2/grubenv"} {
		if d.FileExists(p) {
			return d.ReadFileString(p)
		}
	}
	return "", fmt.Errorf("no grubenv file found under /boot")
}

func (d *ExternalDisk) followSymlinks(p string) (string, error) {
	cur := p
	for {
		real, err := d.resolvePathOnRealDisk(cur)
		if err != nil {
			return "", err
		}
		info, err := os.Lstat(real)
		if err != nil {
			return real, nil
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return real, nil
		}
		link, err := os.Readlink(real)
		if err != nil {
			return "", fmt.Errorf("failed to read symlink %s: %w", real, err)
		}
		cur = path.Join(path.Dir(cur), link)
	}
}

func isBlockDevice(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeDevice != 0 && info.Mode()&os.ModeCharDevice == 0
}

// tmpMount is a scoped mount of a device at a temporary directory,
// grounded on fs/mount.rs's TmpMountPoint.
type tmpMount struct {
	mountPoint string
	device     string
}

func mountTmp(ctx context.Context, r runner.Runner, device string) (*tmpMount, error) {
	dir, err := os.MkdirTemp("", "cryptpilot-refvalue-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp mount point: %w", err)
	}
	if _, err := r.Run(ctx, "mount", device, dir); err != nil {
		os.Remove(dir)
		return nil, fmt.Errorf("failed to mount %s: %w", device, err)
	}
	return &tmpMount{mountPoint: dir, device: device}, nil
}

func (m *tmpMount) unmount(ctx context.Context, r runner.Runner, logger *cplog.Logger) {
	if _, err := r.Run(ctx, "umount", m.mountPoint); err != nil {
		logger.Warnf("failed to umount %s: %v", m.device, err)
	}
	if err := os.Remove(m.mountPoint); err != nil {
		logger.Warnf("failed to remove temp mount point %s: %v", m.mountPoint, err)
	}
}

// listPartitions enumerates every partition (optionally restricted to
// one disk's partitions when diskDevice is non-empty) via
// github.com/jaypipes/ghw's block package, mirroring the use of
// block.New(ghw.WithDisableTools(), ghw.WithDisableWarnings()) in the
// teacher repository's pkg/utils/getpartitions.go (GetPartitionFS),
// rather than shelling out to lsblk as disk/external.rs does — ghw
// already walks /sys/block for us.
func listPartitions(diskDevice string) ([]*block.Partition, error) {
	info, err := block.New(ghw.WithDisableTools(), ghw.WithDisableWarnings())
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate block devices: %w", err)
	}

	wantDisk := ""
	if diskDevice != "" {
		wantDisk = filepath.Base(diskDevice)
	}

	var parts []*block.Partition
	for _, disk := range info.Disks {
		if wantDisk != "" && disk.Name != wantDisk {
			continue
		}
		parts = append(parts, disk.Partitions...)
	}
	return parts, nil
}

// detectEfiPart finds the EFI system partition on diskDevice: the first
// partition that mounts with an EFI directory and no vmlinuz-* files,
// grounded on disk/external.rs's detect_efi_part.
func detectEfiPart(ctx context.Context, r runner.Runner, logger *cplog.Logger, diskDevice string) (string, error) {
	parts, err := listPartitions(diskDevice)
	if err != nil {
		return "", err
	}

	for _, p := range parts {
		partDev := "/dev/" + p.Name
		isEfi, err := func() (bool, error) {
			m, err := mountTmp(ctx, r, partDev)
			if err != nil {
				return false, err
			}
			defer m.unmount(ctx, r, logger)

			if _, err := os.Stat(filepath.Join(m.mountPoint, "EFI")); err != nil {
				return false, nil
			}
			matches, _ := filepath.Glob(filepath.Join(m.mountPoint, "vmlinuz-*"))
			return len(matches) == 0, nil
		}()
		if err != nil {
			logger.Debugf("failed to check EFI partition candidate %s: %v", partDev, err)
			continue
		}
		if isEfi {
			return partDev, nil
		}
	}

	return "", fmt.Errorf("no valid EFI partition found")
}

// detectBootPart finds the boot partition on diskDevice: first an ext4
// partition labeled "boot" via blkid, then (MBR-style fallback) any ext4
// partition on the system carrying a vmlinuz* file, grounded on
// disk/external.rs's detect_boot_part.
func detectBootPart(ctx context.Context, r runner.Runner, diskDevice string) (string, error) {
	out, err := r.Run(ctx, "blkid", "--match-types", "ext4", "--match-token", `PARTLABEL="boot"`, "--list-one", "--output", "device", diskDevice)
	if err == nil {
		if dev := strings.TrimSpace(string(out)); dev != "" {
			return dev, nil
		}
	}

	parts, err := listPartitions("")
	if err != nil {
		return "", err
	}
	for _, p := range parts {
		if p.Type != "ext4" {
			continue
		}
		partDev := "/dev/" + p.Name

		if _, err := r.Run(ctx, "findmnt", "-n", "-o", "TARGET", partDev); err == nil {
			continue
		}

		hasKernel, err := func() (bool, error) {
			m, err := mountTmp(ctx, r, partDev)
			if err != nil {
				return false, err
			}
			defer m.unmount(ctx, r, cplog.Default)

			entries, err := os.ReadDir(m.mountPoint)
			if err != nil {
				return false, err
			}
			for _, e := range entries {
				if strings.HasPrefix(e.Name(), "vmlinuz") {
					return true, nil
				}
			}
			return false, nil
		}()
		if err != nil {
			continue
		}
		if hasKernel {
			return partDev, nil
		}
	}

	return "", fmt.Errorf("no boot partition found (GPT and MBR methods both failed)")
}

// detectRootPart resolves the root partition, preferring the live
// mount source of / (when hintDevice is nil) then falling back to a
// LABEL=root ext4 match via blkid, grounded on disk/external.rs's
// detect_root_part.
func detectRootPart(ctx context.Context, r runner.Runner, hintDevice *string) (string, error) {
	if hintDevice == nil {
		if _, err := r.Run(ctx, "mountpoint", "/"); err == nil {
			if out, err := r.Run(ctx, "findmnt", "-n", "-o", "SOURCE", "/"); err == nil {
				if dev := strings.TrimSpace(string(out)); dev != "" {
					return dev, nil
				}
			}
		}
	}

	args := []string{"--match-types", "ext4", "--match-token", `LABEL="root"`, "--list-one", "--output", "device"}
	if hintDevice != nil {
		args = append(args, *hintDevice)
	}
	out, err := r.Run(ctx, "blkid", args...)
	if err == nil {
		if dev := strings.TrimSpace(string(out)); dev != "" {
			return dev, nil
		}
	}

	return "", fmt.Errorf("no boot partition found (GPT and MBR methods both failed)")
}
