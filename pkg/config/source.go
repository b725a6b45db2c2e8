// Package config implements ConfigSource, the layered configuration
// abstraction spec §4.1: a filesystem source reading /etc/cryptpilot, a
// cloud-init source reading Aliyun ECS user data, and an initrd-state
// source reading the handoff file the first boot stage writes. Any of
// them can be memoized by a Cached wrapper. The process-wide singleton
// defaults to the cached filesystem source; SetSource installs another.
package config

import (
	"context"
	"fmt"

	"github.com/openanolis/cryptpilot-go/pkg/types"
)

// Source is the contract every config backend implements, mirroring the
// original's ConfigSource trait.
type Source interface {
	SourceDebugString() string
	GetConfig(ctx context.Context) (types.ConfigBundle, error)
}

// GetVolumeConfigs returns every known volume, derived from GetConfig.
func GetVolumeConfigs(ctx context.Context, s Source) ([]types.VolumeConfig, error) {
	bundle, err := s.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get volume configs for all volumes: %w", err)
	}
	return bundle.Volumes, nil
}

// GetVolumeConfig looks up a single named volume.
func GetVolumeConfig(ctx context.Context, s Source, volume string) (types.VolumeConfig, error) {
	bundle, err := s.GetConfig(ctx)
	if err != nil {
		return types.VolumeConfig{}, fmt.Errorf("failed to get config for volume name: %s: %w", volume, err)
	}
	for _, v := range bundle.Volumes {
		if v.Volume == volume {
			return v, nil
		}
	}
	return types.VolumeConfig{}, fmt.Errorf("unknown volume name: %s. Maybe forgot to write config file for it?", volume)
}

// GetGlobalConfig returns the global config, if any.
func GetGlobalConfig(ctx context.Context, s Source) (*types.GlobalConfig, error) {
	bundle, err := s.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get global config: %w", err)
	}
	return bundle.Global, nil
}

// GetFdeConfig returns the FDE config, if any.
func GetFdeConfig(ctx context.Context, s Source) (*types.FdeConfig, error) {
	bundle, err := s.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get FDE config: %w", err)
	}
	return bundle.Fde, nil
}
