// Package boot implements BootOrchestrator, spec §4.5: the stage machine
// driven by an external --stage argument, with transitions ordered
// externally by the init system rather than by this package.
package boot

import (
	"context"
	"fmt"

	mount "k8s.io/mount-utils"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
	"github.com/openanolis/cryptpilot-go/pkg/config"
	"github.com/openanolis/cryptpilot-go/pkg/constants"
	"github.com/openanolis/cryptpilot-go/pkg/luks"
	"github.com/openanolis/cryptpilot-go/pkg/measure"
	"github.com/openanolis/cryptpilot-go/pkg/mkfs"
	"github.com/openanolis/cryptpilot-go/pkg/runner"
)

// Stage names the three boot stages an external init system drives this
// process through, spec §4.5.
type Stage string

const (
	StageInitrdFdeBeforeSysroot Stage = "initrd-fde-before-sysroot"
	StageInitrdFdeAfterSysroot  Stage = "initrd-fde-after-sysroot"
	StageSystemVolumesAutoOpen  Stage = "system-volumes-auto-open"
)

func (s Stage) Valid() bool {
	switch s {
	case StageInitrdFdeBeforeSysroot, StageInitrdFdeAfterSysroot, StageSystemVolumesAutoOpen:
		return true
	default:
		return false
	}
}

// Orchestrator wires together the components every stage needs: a
// ConfigSource, LuksEngine, MkfsEngine, a mount.Interface for every mount
// operation (spec §4.5 ADD — the same library the teacher already uses
// for its own live-layer mounts), and a MeasurementSink.
type Orchestrator struct {
	Source     config.Source
	LuksEngine *luks.Engine
	MkfsEngine *mkfs.Engine
	Runner     runner.Runner
	Mounter    mount.Interface
	Sink       measure.Sink
	Logger     *cplog.Logger
}

func New(source config.Source, r runner.Runner, logger *cplog.Logger) *Orchestrator {
	if logger == nil {
		logger = cplog.Default
	}
	return &Orchestrator{
		Source:     source,
		LuksEngine: luks.New(r, logger),
		MkfsEngine: mkfs.New(r, logger),
		Runner:     r,
		Mounter:    mount.New(""),
		Sink:       measure.AutoDetect(context.Background(), logger),
		Logger:     logger,
	}
}

// RunStage dispatches to the handler for stage, spec §4.5. Errors from the
// before-sysroot stage are fatal to boot; after-sysroot and auto-open
// errors are handled per their own documented tolerance inside each
// handler, not here.
func (o *Orchestrator) RunStage(ctx context.Context, stage Stage) error {
	if !stage.Valid() {
		return fmt.Errorf("unknown boot stage %q", stage)
	}

	o.Logger.Infof("running boot stage %s", stage)
	switch stage {
	case StageInitrdFdeBeforeSysroot:
		if err := SyncTimeFromNTP(ctx, o.Logger); err != nil {
			o.Logger.Warnf("failed to sync system time from NTP, continuing with current clock: %v", err)
		}
		return o.setupVolumesRequiredByFde(ctx)
	case StageInitrdFdeAfterSysroot:
		if err := o.Sink.Extend(ctx, constants.MeasurementOpInitrdSwitchRoot, []byte("{}")); err != nil {
			o.Logger.Warnf("failed to record switch root event to runtime measurement: %v", err)
		}
		return o.setupMountsRequiredByFde(ctx)
	case StageSystemVolumesAutoOpen:
		return o.setupUserProvidedVolumes(ctx)
	}
	return nil
}
