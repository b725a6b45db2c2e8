package boot

import (
	"context"
	"fmt"

	"github.com/openanolis/cryptpilot-go/pkg/config"
	"github.com/openanolis/cryptpilot-go/pkg/keyprovider"
	"github.com/openanolis/cryptpilot-go/pkg/luks"
	"github.com/openanolis/cryptpilot-go/pkg/types"
)

// setupUserProvidedVolumes is the system-volumes-auto-open stage body,
// grounded on boot_service/stage/auto_open.rs's setup_user_provided_volumes.
// A single volume's failure is logged and does not abort the loop (spec
// §4.5): one misconfigured volume should never keep the rest of the fleet
// of user volumes from coming up.
func (o *Orchestrator) setupUserProvidedVolumes(ctx context.Context) error {
	o.Logger.Infof("checking status for all volumes now")
	volumeConfigs, err := config.GetVolumeConfigs(ctx, o.Source)
	if err != nil {
		return fmt.Errorf("failed to get volume configs: %w", err)
	}
	if len(volumeConfigs) == 0 {
		o.Logger.Infof("the volume configs is empty, exit now")
		return nil
	}

	logVolumeStatusTable(o, volumeConfigs)

	o.Logger.Infof("opening volumes according to volume configs")
	for _, vc := range volumeConfigs {
		if !vc.Extra.IsAutoOpen() {
			o.Logger.Infof("volume %s is skipped since 'auto_open = false'", vc.Volume)
			continue
		}

		o.Logger.Infof("setting up mapping for volume %s from device %s", vc.Volume, vc.Dev)
		if err := o.openForSpecificVolume(ctx, vc); err != nil {
			o.Logger.Errorf("failed to setup mapping for volume %s: %v", vc.Volume, err)
			continue
		}
		o.Logger.Infof("the mapping for volume %s is active now", vc.Volume)
	}

	o.Logger.Infof("checking status for all volumes again")
	logVolumeStatusTable(o, volumeConfigs)
	return nil
}

// openForSpecificVolume activates a single configured volume, grounded on
// cmd/open.rs's cmd_open: a temporary-key-provider volume is always
// reformatted on open since its passphrase can never be recovered across
// reboots, while any other provider expects an already-initialized LUKS2
// header and only unlocks it.
func (o *Orchestrator) openForSpecificVolume(ctx context.Context, vc types.VolumeConfig) error {
	if luks.IsActive(vc.Volume) {
		o.Logger.Infof("the mapping for %s already exists", vc.Volume)
		return nil
	}

	inUse, err := luks.IsDevInUse(vc.Dev)
	if err != nil {
		return fmt.Errorf("failed to check whether device %s is in use: %w", vc.Dev, err)
	}
	if inUse {
		return fmt.Errorf("the device %s is currently in use", vc.Dev)
	}

	provider, err := keyprovider.New(vc.Encrypt.KeyProvider, o.Runner, o.Logger)
	if err != nil {
		return fmt.Errorf("failed to build key provider for volume %s: %w", vc.Volume, err)
	}
	o.Logger.Infof("the key provider type for volume %s is %q", vc.Volume, provider.DebugName())

	integrity := vc.IntegrityType()

	if provider.VolumeType() == types.VolumeTemporary {
		passphrase, err := provider.GetKey(ctx)
		if err != nil {
			return fmt.Errorf("failed to get passphrase for volume %s: %w", vc.Volume, err)
		}
		defer passphrase.Zero()

		if err := o.LuksEngine.Format(ctx, vc.Dev, passphrase, integrity); err != nil {
			return err
		}
		if err := o.LuksEngine.OpenWithCheckPassphrase(ctx, vc.Volume, vc.Dev, passphrase, integrity); err != nil {
			return err
		}
		if err := o.LuksEngine.MarkInitialized(ctx, vc.Dev); err != nil {
			o.Logger.Warnf("failed to mark volume %s as initialized: %v", vc.Volume, err)
		}
		return nil
	}

	initialized, err := o.LuksEngine.IsInitialized(vc.Dev)
	if err != nil {
		return fmt.Errorf("failed to check whether device %s is initialized: %w", vc.Dev, err)
	}
	if !initialized {
		return fmt.Errorf("%s is not a valid LUKS2 volume, should be initialized before opening it", vc.Dev)
	}

	o.Logger.Infof("fetching passphrase for volume %s", vc.Volume)
	passphrase, err := provider.GetKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to get passphrase for volume %s: %w", vc.Volume, err)
	}
	defer passphrase.Zero()

	return o.LuksEngine.OpenWithCheckPassphrase(ctx, vc.Volume, vc.Dev, passphrase, integrity)
}

// logVolumeStatusTable is a lightweight stand-in for the original's
// print_as_table: the teacher's own CLI output (pkg/action, internal/webui)
// favors plain structured log lines over a table-rendering dependency, so
// volume status is reported the same way here rather than pulling in a
// table-formatting library for two call sites.
func logVolumeStatusTable(o *Orchestrator, volumeConfigs []types.VolumeConfig) {
	for _, vc := range volumeConfigs {
		o.Logger.Infof("volume=%s dev=%s active=%v auto_open=%v", vc.Volume, vc.Dev, luks.IsActive(vc.Volume), vc.Extra.IsAutoOpen())
	}
}
