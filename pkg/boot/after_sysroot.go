package boot

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openanolis/cryptpilot-go/pkg/constants"
	"github.com/openanolis/cryptpilot-go/pkg/types"
)

var mountBindDirs = []string{
	"/var/lib/containerd/io.containerd.snapshotter.v1.overlayfs/snapshots/",
	"/var/lib/containers/",
	"/var/lib/docker/",
}

// setupMountsRequiredByFde is the initrd-fde-after-sysroot stage body,
// grounded on boot_service/stage/after_sysroot.rs's
// setup_mounts_required_by_fde. Only the mount-bind setup for auxiliary
// snapshot directories is best-effort (spec §4.5): everything up to and
// including the data-volume bind mount is fatal if it fails.
func (o *Orchestrator) setupMountsRequiredByFde(ctx context.Context) error {
	fdeConfig, err := getFdeConfig(ctx, o)
	if err != nil {
		return err
	}
	if fdeConfig == nil {
		o.Logger.Infof("the system is not configured for FDE, skip setting up now")
		return nil
	}

	if err := checkSysroot(); err != nil {
		return err
	}

	o.Logger.Infof("[ 1/4 ] mounting data volume")
	if err := os.MkdirAll("/data_volume", 0o755); err != nil {
		return fmt.Errorf("failed to create /data_volume: %w", err)
	}
	if err := o.Mounter.Mount(constants.DataDevice, "/data_volume", "auto", []string{}); err != nil {
		return fmt.Errorf("failed to mount data volume on /data_volume: %w", err)
	}

	o.Logger.Infof("[ 2/4 ] setting up rootfs overlay")
	if err := os.MkdirAll("/sysroot_bak", 0o755); err != nil {
		return fmt.Errorf("failed to create /sysroot_bak: %w", err)
	}
	// mount-utils has no notion of propagation changes (that's a separate
	// `mount --make-private` remount, not a mount(2) option string), so the
	// bind mount and the private remount are issued as two calls, same as
	// the two-step shape mount(8) itself performs under --bind --make-private.
	if err := o.Mounter.Mount("/sysroot", "/sysroot_bak", "", []string{"bind"}); err != nil {
		return fmt.Errorf("failed to setup backup of /sysroot at /sysroot_bak: %w", err)
	}
	if _, err := o.Runner.Run(ctx, "mount", "--make-private", "/sysroot_bak"); err != nil {
		return fmt.Errorf("failed to make /sysroot_bak mount private: %w", err)
	}

	overlayType := fdeConfig.Rootfs.OverlayType()

	if _, err := o.Runner.Run(ctx, "modprobe", "overlay"); err != nil {
		return fmt.Errorf("failed to load kernel module 'overlay': %w", err)
	}

	overlayDir, err := o.setupRootfsOverlay(ctx, overlayType)
	if err != nil {
		return err
	}

	o.Logger.Infof("[ 3/4 ] setting up mount bind")
	for _, dir := range mountBindDirs {
		if err := o.setupMountBindForDir(ctx, dir, overlayDir); err != nil {
			o.Logger.Errorf("failed setting up mount bind for %s: %v", dir, err)
		}
	}

	o.Logger.Infof("[ 4/4 ] setting up user-data dir: /data")
	if err := os.MkdirAll("/data_volume/data", 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll("/sysroot/data", 0o755); err != nil {
		return err
	}
	if err := o.Mounter.Mount("/data_volume/data", "/sysroot/data", "", []string{"bind"}); err != nil {
		return fmt.Errorf("failed to setup mount bind on /sysroot/data: %w", err)
	}

	return nil
}

// checkSysroot verifies /sysroot is mounted from the expected verified
// device, since cryptpilot intentionally does not own /etc/fstab or the
// act of mounting /sysroot itself (spec §4.5 step 2).
func checkSysroot() error {
	f, err := os.Open("/etc/mtab")
	if err != nil {
		return fmt.Errorf("failed to read /etc/mtab: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[1] != "/sysroot" {
			continue
		}
		if fields[0] == constants.RootfsDevice {
			return nil
		}
		return fmt.Errorf("rootfs mounted at /sysroot is not expected and could be a security risk. Expected: %s, got: %s", constants.RootfsDevice, fields[0])
	}
	return fmt.Errorf("failed to find the device mounted at /sysroot")
}

func (o *Orchestrator) setupRootfsOverlay(ctx context.Context, overlayType types.RwOverlayType) (string, error) {
	switch overlayType {
	case types.RwOverlayRam:
		o.Logger.Infof("using tmpfs as rootfs overlay")
		if err := os.MkdirAll("/ram_overlay", 0o755); err != nil {
			return "", err
		}
		if err := o.Mounter.Mount("tmpfs", "/ram_overlay", "tmpfs", []string{}); err != nil {
			return "", fmt.Errorf("failed to create tmpfs for rootfs overlay: %w", err)
		}
		if err := os.MkdirAll("/ram_overlay/upper", 0o755); err != nil {
			return "", err
		}
		if err := os.MkdirAll("/ram_overlay/work", 0o755); err != nil {
			return "", err
		}
		if err := o.Mounter.Mount(constants.RootfsDevice, "/sysroot", "overlay",
			[]string{"lowerdir=/sysroot,upperdir=/ram_overlay/upper,workdir=/ram_overlay/work"}); err != nil {
			return "", fmt.Errorf("failed to mount overlayfs on /sysroot: %w", err)
		}
		return "/ram_overlay", nil

	case types.RwOverlayDisk, types.RwOverlayDiskPersist:
		shouldClear := overlayType == types.RwOverlayDisk
		overlayPath := "/data_volume/overlay"
		if shouldClear {
			o.Logger.Infof("using data-volume:/overlay as rootfs overlay (ephemeral mode, will be cleared on boot)")
			if _, err := os.Stat(overlayPath); err == nil {
				o.Logger.Infof("clearing overlay directory for ephemeral mode")
				if err := os.RemoveAll(overlayPath); err != nil {
					o.Logger.Warnf("failed to clear overlay directory: %v. Continuing anyway.", err)
				}
			}
		} else {
			o.Logger.Infof("using data-volume:/overlay as rootfs overlay (persistent mode)")
		}

		if err := os.MkdirAll(filepath.Join(overlayPath, "upper"), 0o755); err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Join(overlayPath, "work"), 0o755); err != nil {
			return "", err
		}
		overlayOpt := fmt.Sprintf("lowerdir=/sysroot,upperdir=%s,workdir=%s", filepath.Join(overlayPath, "upper"), filepath.Join(overlayPath, "work"))
		if err := o.Mounter.Mount(constants.RootfsDevice, "/sysroot", "overlay", []string{overlayOpt}); err != nil {
			return "", fmt.Errorf("failed to mount overlayfs on /sysroot: %w", err)
		}
		return overlayPath, nil

	default:
		return "", fmt.Errorf("unknown rw_overlay type %q", overlayType)
	}
}

// setupMountBindForDir preserves the lower-layer contents of dir across
// the overlay by copying them once into overlayDir/mount-binds/<dir> and
// bind-mounting that copy back over the target, spec §4.5 step 7.
func (o *Orchestrator) setupMountBindForDir(ctx context.Context, dir, overlayDir string) error {
	o.Logger.Infof("setting up mount bind for %s", dir)

	target := filepath.Join("/sysroot", dir)
	if info, err := os.Stat(target); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("the target %s exists but is not a dir", target)
		}
	} else if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("failed to create target dir %s: %w", target, err)
	}

	origin := filepath.Join(overlayDir, "mount-binds", dir)
	if info, err := os.Stat(origin); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("the origin %s exists but is not a dir", origin)
		}
	} else {
		if err := os.MkdirAll(origin, 0o755); err != nil {
			return fmt.Errorf("failed to create origin dir %s: %w", origin, err)
		}

		copySource := filepath.Join("/sysroot_bak", dir)
		if _, err := os.Stat(copySource); err == nil {
			if _, err := o.Runner.Run(ctx, "cp", "-a", copySource+"/.", origin); err != nil {
				os.RemoveAll(origin)
				return fmt.Errorf("failed to copy files from %s to %s: %w", copySource, origin, err)
			}
		}
	}

	if err := o.Mounter.Mount(origin, target, "", []string{"bind"}); err != nil {
		return fmt.Errorf("failed to setup mount bind on %s: %w", target, err)
	}
	return nil
}
