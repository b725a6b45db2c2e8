// Package refvalue implements ReferenceValueExtractor, spec §4.6: given a
// handle onto an FDE-managed disk (the running system, an external block
// device, or an external disk image attached over NBD), compute a map
// from attestation-claim name to a list of expected hex digest values.
package refvalue

import (
	"context"
	"strings"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
	"github.com/openanolis/cryptpilot-go/pkg/runner"
)

// BootType distinguishes how the disk's bootloader stack is laid out,
// grounded on disk/mod.rs's FdeBootType.
type BootType int

const (
	// BootNoFde is a disk not protected by cryptpilot: /boot/efi holds
	// the EFI partition, / holds the root partition directly. Reference
	// values are still probed for GRUB artifacts on the root device.
	BootNoFde BootType = iota
	// BootGrub is a cryptpilot-protected disk booting through GRUB:
	// /boot/efi holds the EFI partition, /boot holds a distinct boot
	// partition, / holds the (possibly encrypted) root partition.
	BootGrub
	// BootUki is a cryptpilot-protected disk booting a Unified Kernel
	// Image directly from the EFI partition.
	BootUki
)

const (
	ukiFilePathInEfiPart = "EFI/BOOT/BOOTX64.EFI"
	ukiFilePath          = "/boot/efi/EFI/BOOT/BOOTX64.EFI"
)

// Disk is the low-level file-access contract every FdeDisk variant
// implements, grounded on disk/mod.rs's `Disk` trait.
type Disk interface {
	// FileExists reports whether path exists on the disk.
	FileExists(path string) bool
	// ReadFile reads path's full contents from the disk.
	ReadFile(path string) ([]byte, error)
	// ReadFileString is ReadFile decoded as UTF-8.
	ReadFileString(path string) (string, error)
	// ReadDirNames lists the entry names directly inside dir.
	ReadDirNames(dir string) ([]string, error)
	// WalkFiles calls fn with the path of every regular file under root,
	// recursively.
	WalkFiles(root string, fn func(path string) error) error
	// BootDirDevice is the block device backing /boot (or / when there
	// is no distinct boot partition).
	BootDirDevice() string
	// EfiPartRootDir is the root directory of the mounted EFI partition.
	EfiPartRootDir() string
}

// FdeDisk is the handle ReferenceValueExtractor operates on, grounded on
// disk/mod.rs's `FdeDisk` trait. The three concrete implementations are
// CurrentSystemDisk, ExternalBlockDeviceDisk, and ExternalImageDisk (the
// latter two share the OnExternalDisk type, only differing in whether an
// NBD device is attached first).
type FdeDisk interface {
	Disk
	BootType() BootType
	// LoadGlobalGrubEnv returns the content of the single GRUB environment
	// that applies to the whole disk (as opposed to a grubenv file found
	// alongside one particular grubx64.efi), grounded on disk/grub.rs's
	// GrubBootFdeDisk::load_global_grub_env_file — CurrentSystemDisk asks
	// the live bootloader via `grub2-editenv list`, while ExternalDisk
	// reads the grubenv file straight off its mounted boot partition.
	LoadGlobalGrubEnv(ctx context.Context, r runner.Runner) (string, error)
}

// diskOps bundles an FdeDisk with the plumbing (runner, logger) the GRUB
// and kernel artifact resolvers need for subprocess calls, grounded on
// disk/mod.rs's blanket `impl<T: FdeDisk> Disk for T` style composition
// (the original attaches default-method trait bodies directly to
// FdeDisk; Go expresses the same composition with a small wrapper
// struct instead of default interface methods).
type diskOps struct {
	disk   FdeDisk
	runner runner.Runner
	logger *cplog.Logger
}

func newDiskOps(disk FdeDisk, r runner.Runner, logger *cplog.Logger) *diskOps {
	if logger == nil {
		logger = cplog.Default
	}
	return &diskOps{disk: disk, runner: r, logger: logger}
}

// detectDiskPartitionType resolves the partition table type of the disk
// containing /boot, grounded on disk/mod.rs's Disk::detect_disk_partition_type.
func (d *diskOps) detectDiskPartitionType(ctx context.Context) (PartitionTableType, error) {
	diskDevice := diskRootDevice(d.disk.BootDirDevice())
	return detectPartitionTableType(ctx, d.runner, diskDevice)
}

// diskRootDevice strips a trailing partition number (and, for NVMe-style
// names, the 'p' separator) from a partition device path, grounded on
// disk/mod.rs's get_disk_root_device.
func diskRootDevice(partDev string) string {
	end := len(partDev)
	i := end
	for i > 0 && partDev[i-1] >= '0' && partDev[i-1] <= '9' {
		i--
	}
	if i == end {
		return partDev
	}
	disk := partDev[:i]
	disk = strings.TrimSuffix(disk, "p")
	return disk
}

// DetectBootType classifies a disk's boot-artifact layout, grounded on
// spec §4.6's dispatch rule: UKI if the BOOTX64.EFI image parses with a
// .linux section, else Grub if the disk reports a non-empty
// BootDirDevice, else NoFde. It does not check whether that device is a
// separate /boot partition, so a disk whose BootDirDevice is its root
// device is also classified as Grub.
func DetectBootType(disk Disk) BootType {
	if disk.FileExists(ukiFilePath) {
		if data, err := disk.ReadFile(ukiFilePath); err == nil {
			if assumeUkiImage(data) == nil {
				return BootUki
			}
		}
	}
	if disk.BootDirDevice() != "" {
		return BootGrub
	}
	return BootNoFde
}

// BootArtifacts is the result of extracting every boot artifact for one
// disk, carrying either GRUB-booted artifacts (one entry per discovered
// GRUB directory) or a single UKI image, grounded on disk/mod.rs's
// BootArtifactsType.
type BootArtifacts struct {
	Grub []GrubBootArtifactsItem
	Uki  *UkiBootArtifacts
}

// ExtractBootArtifacts dispatches on disk's boot type, grounded on
// disk/mod.rs's FdeDisk::extract_boot_artifacts.
func ExtractBootArtifacts(ctx context.Context, disk FdeDisk, r runner.Runner, logger *cplog.Logger) (*BootArtifacts, error) {
	ops := newDiskOps(disk, r, logger)

	switch disk.BootType() {
	case BootUki:
		uki, err := ops.extractBootArtifactsUki()
		if err != nil {
			return nil, err
		}
		return &BootArtifacts{Uki: uki}, nil
	default:
		// NoFde disks are not actually protected, but the original
		// still probes them for GRUB artifacts rather than failing
		// outright — a disk built without cryptpilot may still carry
		// a normal GRUB boot stack worth measuring.
		grub, err := ops.extractBootArtifactsGrub(ctx)
		if err != nil {
			return nil, err
		}
		return &BootArtifacts{Grub: grub}, nil
	}
}
