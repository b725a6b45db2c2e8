package refvalue

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/openanolis/cryptpilot-go/pkg/runner"
)

// CurrentSystemDisk reads boot artifacts directly off the running host,
// grounded on disk/current.rs's OnCurrentSystemFdeDisk. It must only be
// used once the system has reached its regular init stage (systemd), not
// from inside the initramfs.
type CurrentSystemDisk struct {
	bootType    BootType
	bootDirDev  string
	efiPartRoot string
}

// NewCurrentSystemDisk probes the running system's mount table to decide
// whether it boots through GRUB (a distinct /boot device) or carries no
// FDE boot stage at all, grounded on disk/current.rs's
// OnCurrentSystemFdeDisk::new.
func NewCurrentSystemDisk(ctx context.Context, r runner.Runner) (*CurrentSystemDisk, error) {
	bootDev, err := findmntOfDir(ctx, r, "/boot")
	if err == nil {
		return &CurrentSystemDisk{bootType: BootGrub, bootDirDev: bootDev, efiPartRoot: "/boot/efi"}, nil
	}

	rootDev, rootErr := findmntOfDir(ctx, r, "/")
	if rootErr != nil {
		return nil, fmt.Errorf("failed to determine /boot mount source (%v) or / mount source: %w", err, rootErr)
	}
	return &CurrentSystemDisk{bootType: BootNoFde, bootDirDev: rootDev, efiPartRoot: "/boot/efi"}, nil
}

func (d *CurrentSystemDisk) BootType() BootType { return d.bootType }

func (d *CurrentSystemDisk) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (d *CurrentSystemDisk) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (d *CurrentSystemDisk) ReadFileString(path string) (string, error) {
	data, err := d.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (d *CurrentSystemDisk) ReadDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (d *CurrentSystemDisk) WalkFiles(root string, fn func(path string) error) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		return fn(path)
	})
}

func (d *CurrentSystemDisk) BootDirDevice() string { return d.bootDirDev }

func (d *CurrentSystemDisk) EfiPartRootDir() string { return d.efiPartRoot }

// LoadGlobalGrubEnv asks the running bootloader for its environment,
// grounded on disk/current.rs's GrubBootFdeDisk::load_global_grub_env_file.
func (d *CurrentSystemDisk) LoadGlobalGrubEnv(ctx context.Context, r runner.Runner) (string, error) {
	out, err := r.Run(ctx, "grub2-editenv", "list")
	if err != nil {
		return "", fmt.Errorf("failed to run grub2-editenv list: %w", err)
	}
	return string(out), nil
}

// findmntOfDir resolves the block device backing dir's mountpoint,
// grounded on disk/mod.rs's findmnt_of_dir.
func findmntOfDir(ctx context.Context, r runner.Runner, dir string) (string, error) {
	out, err := r.Run(ctx, "findmnt", "-n", "-o", "SOURCE", dir)
	if err != nil {
		return "", fmt.Errorf("failed to run findmnt on %s: %w", dir, err)
	}
	dev := strings.TrimSpace(string(out))
	if dev == "" {
		return "", fmt.Errorf("findmnt returned no mount source for %s", dir)
	}
	if _, err := os.Stat(dev); err != nil {
		return "", fmt.Errorf("mount source of %s is %s but does not exist: %w", dir, dev, err)
	}
	return dev, nil
}
