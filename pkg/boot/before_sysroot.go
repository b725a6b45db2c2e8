package boot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/openanolis/cryptpilot-go/pkg/config"
	"github.com/openanolis/cryptpilot-go/pkg/constants"
	"github.com/openanolis/cryptpilot-go/pkg/keyprovider"
	"github.com/openanolis/cryptpilot-go/pkg/runner"
	"github.com/openanolis/cryptpilot-go/pkg/types"
)

const cryptpilotLvmSystemDir = "/usr/lib/cryptpilot/lvm/"

// setupVolumesRequiredByFde is the initrd-fde-before-sysroot stage body,
// grounded on boot_service/stage/before_sysroot.rs's
// setup_volumes_required_by_fde. Any error here is fatal to boot (spec
// §4.5): a volume set the kernel can't trust or assemble leaves the system
// with no safe root to hand off to.
func (o *Orchestrator) setupVolumesRequiredByFde(ctx context.Context) error {
	fdeConfig, err := getFdeConfig(ctx, o)
	if err != nil {
		return err
	}
	if fdeConfig == nil {
		o.Logger.Infof("the system is not configured for FDE, skip setting up now")
		return nil
	}

	o.Logger.Infof("setting up volumes required by FDE")

	o.Logger.Infof("[ 1/4 ] checking and activating LVM volume group 'system'")
	if _, err := o.Runner.Run(ctx, "vgchange", "-a", "y", constants.LVMVolumeGroup); err != nil {
		return fmt.Errorf("failed to activate LVM volume group %q: %w", constants.LVMVolumeGroup, err)
	}

	o.Logger.Infof("[ 2/4 ] loading root-hash")
	metadata, err := LoadMetadata()
	if err != nil {
		return fmt.Errorf("failed to load metadata: %w", err)
	}
	o.Logger.Infof("got metadata type: %d, root-hash: %s", metadata.Type, metadata.RootHash)

	o.Logger.Infof("[ 3/4 ] setting up rootfs volume")
	lowerDevice := constants.RootfsLogicalVolume
	if fdeConfig.Rootfs.Encrypt != nil {
		o.Logger.Infof("fetching passphrase for rootfs volume")
		provider, err := keyprovider.New(fdeConfig.Rootfs.Encrypt.KeyProvider, o.Runner, o.Logger)
		if err != nil {
			return fmt.Errorf("failed to build key provider for rootfs volume: %w", err)
		}
		if provider.VolumeType() == types.VolumeTemporary {
			return fmt.Errorf("key provider %q is not supported for rootfs volume", provider.DebugName())
		}

		passphrase, err := provider.GetKey(ctx)
		if err != nil {
			return fmt.Errorf("failed to get passphrase for rootfs volume: %w", err)
		}
		defer passphrase.Zero()

		o.Logger.Infof("setting up dm-crypt for rootfs volume")
		if err := o.LuksEngine.OpenWithCheckPassphrase(ctx, constants.RootfsDecryptedMapperName, constants.RootfsLogicalVolume, passphrase, types.IntegrityNone); err != nil {
			return err
		}
		lowerDevice = constants.RootfsDecryptedDevice
	} else {
		o.Logger.Infof("encryption is disabled for rootfs volume, skip setting up dm-crypt")
	}

	o.Logger.Infof("setting up dm-verity for rootfs volume")
	if err := o.setupRootfsDmVerity(ctx, metadata.RootHash, lowerDevice); err != nil {
		return err
	}

	// Now we have the rootfs ro part.

	o.Logger.Infof("[ 4/4 ] setting up data volume")

	o.Logger.Infof("expanding system PV partition")
	if err := o.expandSystemPvPartition(ctx); err != nil {
		o.Logger.Warnf("failed to expand the system PV partition: %v", err)
	}

	createDataLv := !luksFileExists(constants.DataLogicalVolume)
	if createDataLv {
		o.Logger.Infof("data logical volume does not exist, assuming first boot and creating it")
		if err := o.createDataLogicalVolume(ctx); err != nil {
			return fmt.Errorf("failed to create data logical volume: %w", err)
		}
	} else {
		o.Logger.Infof("expanding data logical volume")
		if err := o.expandSystemDataLv(ctx); err != nil {
			o.Logger.Warnf("failed to expand data logical volume: %v", err)
		}
	}

	o.Logger.Infof("fetching passphrase for data volume")
	dataProvider, err := keyprovider.New(fdeConfig.Data.Encrypt.KeyProvider, o.Runner, o.Logger)
	if err != nil {
		return fmt.Errorf("failed to build key provider for data volume: %w", err)
	}
	passphrase, err := dataProvider.GetKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to get passphrase for data volume: %w", err)
	}
	defer passphrase.Zero()

	integrity := fdeConfig.Data.IntegrityType()

	recreateDataLvContent := createDataLv || dataProvider.VolumeType() == types.VolumeTemporary
	if recreateDataLvContent {
		o.Logger.Infof("creating LUKS2 on data volume")
		if err := o.LuksEngine.Format(ctx, constants.DataLogicalVolume, passphrase, integrity); err != nil {
			return err
		}
	}

	o.Logger.Infof("opening data volume")
	if err := o.LuksEngine.OpenWithCheckPassphrase(ctx, constants.DataMapperName, constants.DataLogicalVolume, passphrase, integrity); err != nil {
		return err
	}

	if recreateDataLvContent {
		o.Logger.Infof("creating ext4 fs on data volume")
		empty, err := o.MkfsEngine.IsEmptyDisk(ctx, constants.DataDevice)
		if err != nil {
			return fmt.Errorf("failed to probe data volume before mkfs: %w", err)
		}
		if empty {
			if err := o.MkfsEngine.ForceMkfs(ctx, constants.DataDevice, types.MakeFsExt4, "", integrity); err != nil {
				return err
			}
		}
	}

	o.Logger.Infof("both rootfs volume and data volume are ready")
	return nil
}

func getFdeConfig(ctx context.Context, o *Orchestrator) (*types.FdeConfig, error) {
	bundle, err := ensureInitrdStateSaved(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("failed to get fde config: %w", err)
	}
	return bundle.Fde, nil
}

// ensureInitrdStateSaved implements boot_service/copy_config.rs's
// copy_config_to_initrd_state_if_not_exist: every later boot stage reads
// the handoff file, so the first stage to run must populate it exactly
// once. Cloud-init is an untrusted channel, so a config bundle loaded
// from it is recorded as a runtime measurement before being trusted;
// loading from the config directory already on disk needs no such
// measurement, since that content is as trusted as the initrd image
// itself.
func ensureInitrdStateSaved(ctx context.Context, o *Orchestrator) (types.ConfigBundle, error) {
	if config.InitrdStateExists() {
		return config.NewInitrdStateSource().GetConfig(ctx)
	}

	o.Logger.Infof("trying to load config from cloud-init")
	bundle, err := config.NewCloudInitSource().GetConfig(ctx)
	loadedFromCloudInit := err == nil
	if err != nil {
		o.Logger.Infof("failed to load config from cloud-init, falling back to the config directory: %v", err)
		bundle, err = o.Source.GetConfig(ctx)
		if err != nil {
			return types.ConfigBundle{}, fmt.Errorf("failed to load config from any source: %w", err)
		}
	}

	fdeBundle := types.FdeConfigBundle{Global: bundle.Global, Fde: bundle.Fde}

	if loadedFromCloudInit {
		content, err := config.GenHashContent(fdeBundle)
		if err != nil {
			return types.ConfigBundle{}, fmt.Errorf("failed to hash cloud-init config bundle for measurement: %w", err)
		}
		if err := o.Sink.Extend(ctx, constants.MeasurementOpLoadConfigUntrusted, []byte(content)); err != nil {
			o.Logger.Warnf("failed to extend runtime measurement for config loaded from cloud-init: %v", err)
		}
	}

	if err := config.SaveInitrdState(types.InitrdState{FdeConfigBundle: fdeBundle}); err != nil {
		return types.ConfigBundle{}, fmt.Errorf("failed to save initrd state: %w", err)
	}

	return bundle, nil
}

func luksFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (o *Orchestrator) setupRootfsDmVerity(ctx context.Context, rootHash, lowerDevice string) error {
	if _, err := o.Runner.Run(ctx, "modprobe", "dm-verity"); err != nil {
		return fmt.Errorf("failed to load kernel module 'dm-verity': %w", err)
	}
	if _, err := o.Runner.Run(ctx, "veritysetup", "open", lowerDevice, constants.RootfsMapperName, constants.RootfsHashLogicalVolume, rootHash); err != nil {
		return fmt.Errorf("failed to setup rootfs_verity: %w", err)
	}

	if err := o.Sink.Extend(ctx, constants.MeasurementOpFdeRootfsHash, []byte(rootHash)); err != nil {
		o.Logger.Warnf("failed to extend runtime measurement for rootfs root-hash: %v", err)
	}
	return nil
}

// expandSystemPvPartition grows the partition backing the LVM PV to fill
// the disk, best-effort, grounded on the original's inline growpart/lsblk
// shell script.
func (o *Orchestrator) expandSystemPvPartition(ctx context.Context) error {
	script := `
set -euo pipefail
VG_NAME="system"
PV_DEV=$(pvs --noheadings -o pv_name,vg_name | awk "\$2==\"$VG_NAME\" {print \$1; exit}")
if [[ -z "$PV_DEV" ]]; then
    echo "Error: No physical volume found for volume group '$VG_NAME'" >&2
    exit 1
fi
DISK_DEV=$(lsblk -dno PKNAME "$PV_DEV")
DISK_PATH="/dev/$DISK_DEV"
if [[ ! -b "$DISK_PATH" ]]; then
    echo "Error: Disk device not found: $DISK_PATH" >&2
    exit 1
fi
LAST_PART_NUM=$(lsblk -nro NAME "$DISK_PATH" |
    grep -E "^${DISK_DEV}[p]*[0-9]+$" |
    tail -1 |
    sed -E "s/^${DISK_DEV}[p]*//")
if [[ -z "$LAST_PART_NUM" ]]; then
    echo "Error: Failed to detect last partition on $DISK_PATH" >&2
    exit 1
fi
if growpart "$DISK_PATH" "$LAST_PART_NUM"; then
    echo "Physical volume resized successfully"
elif [[ $? -eq 1 ]]; then
    echo "No action: partition $LAST_PART_NUM is already at maximum size."
else
    echo "ERROR: growpart failed unexpectedly." >&2
    exit 1
fi
`
	env := []string{"LVM_SYSTEM_DIR=" + cryptpilotLvmSystemDir}
	if _, err := o.Runner.RunWithEnv(ctx, env, "bash", "-c", script); err != nil {
		return err
	}
	return nil
}

// createDataLogicalVolume creates the data LV with zero-on-create disabled
// and manually zeroes its first 4096 bytes, working around the absence of
// udev in the initramfs (spec §4.5 step 7).
func (o *Orchestrator) createDataLogicalVolume(ctx context.Context) error {
	env := []string{"LVM_SYSTEM_DIR=" + cryptpilotLvmSystemDir}
	if _, err := o.Runner.RunWithEnv(ctx, env, "lvcreate", "-n", "data", "--zero", "n", "-l", "100%FREE", constants.LVMVolumeGroup); err != nil {
		return err
	}

	f, err := os.OpenFile(constants.DataLogicalVolume, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	zeroes := make([]byte, 4096)
	if _, err := f.Write(zeroes); err != nil {
		return err
	}
	return nil
}

// expandSystemDataLv tolerates lvextend's documented exit code 5 ("volume
// already at requested size") as success, the same {0,5} convention noted
// in pkg/runner's StatusChecker doc comment.
func (o *Orchestrator) expandSystemDataLv(ctx context.Context) error {
	env := []string{"LVM_SYSTEM_DIR=" + cryptpilotLvmSystemDir}
	_, err := o.Runner.RunWithEnv(ctx, env, "lvextend", "-l", "+100%FREE", constants.DataLogicalVolume)
	if err == nil {
		return nil
	}
	var exitErr *runner.ExitError
	if errors.As(err, &exitErr) {
		if ee, ok := exitErr.Err.(*exec.ExitError); ok && ee.ExitCode() == 5 {
			return nil
		}
	}
	return err
}
