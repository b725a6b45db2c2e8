package config

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/sanity-io/litter"
	"github.com/twpayne/go-vfs/v5"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
	"github.com/openanolis/cryptpilot-go/pkg/constants"
	"github.com/openanolis/cryptpilot-go/pkg/types"
)

// FilesystemSource reads global.toml, fde.toml and volumes/*.toml under a
// config directory (default /etc/cryptpilot), spec §4.1. The directory is
// accessed through a vfs.FS so tests can exercise it against an in-memory
// tree instead of the real filesystem.
type FilesystemSource struct {
	Fs        vfs.FS
	ConfigDir string
	Logger    *cplog.Logger
}

// NewFilesystemSource builds a source rooted at the given directory.
func NewFilesystemSource(fs vfs.FS, configDir string, logger *cplog.Logger) *FilesystemSource {
	if logger == nil {
		logger = cplog.Default
	}
	return &FilesystemSource{Fs: fs, ConfigDir: configDir, Logger: logger}
}

// NewDefaultFilesystemSource reads from the real filesystem at
// constants.DefaultConfigDir.
func NewDefaultFilesystemSource(logger *cplog.Logger) *FilesystemSource {
	return NewFilesystemSource(vfs.OSFS, constants.DefaultConfigDir, logger)
}

func (s *FilesystemSource) SourceDebugString() string {
	return fmt.Sprintf("filesystem: %s", s.ConfigDir)
}

func decodeStrictTOML(data []byte, v interface{}) error {
	d := toml.NewDecoder(bytes.NewReader(data))
	d.DisallowUnknownFields()
	return d.Decode(v)
}

func (s *FilesystemSource) loadGlobalConfig() (*types.GlobalConfig, error) {
	path := filepath.Join(s.ConfigDir, constants.GlobalConfigFileName)
	s.Logger.Debugf("loading global config from: %s", path)
	if _, err := s.Fs.Stat(path); err != nil {
		s.Logger.Debugf("global config not found, skip: %s", path)
		return nil, nil
	}
	data, err := s.Fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load global config from %s: %w", path, err)
	}
	var cfg types.GlobalConfig
	if err := decodeStrictTOML(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load global config from %s: failed to parse content as TOML: %w", path, err)
	}
	return &cfg, nil
}

func (s *FilesystemSource) loadFdeConfig() (*types.FdeConfig, error) {
	path := filepath.Join(s.ConfigDir, constants.FdeConfigFileName)
	if _, err := s.Fs.Stat(path); err != nil {
		s.Logger.Debugf("FDE config not found, skip: %s", path)
		return nil, nil
	}
	s.Logger.Debugf("loading FDE config from: %s", path)
	data, err := s.Fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load FDE config from %s: %w", path, err)
	}
	var cfg types.FdeConfig
	if err := decodeStrictTOML(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load FDE config from %s: failed to parse content as TOML: %w", path, err)
	}
	return &cfg, nil
}

func (s *FilesystemSource) loadVolumeConfigs() ([]types.VolumeConfig, error) {
	dir := filepath.Join(s.ConfigDir, constants.VolumesSubDir)
	s.Logger.Debugf("loading volume configs from: %s", dir)

	if _, err := s.Fs.Stat(dir); err != nil {
		s.Logger.Debugf("volume configs directory not found, skip: %s", dir)
		return []types.VolumeConfig{}, nil
	}

	entries, err := s.Fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read volume config directory %s: %w", dir, err)
	}

	seen := make(map[string]string)
	var volumes []types.VolumeConfig

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := s.Fs.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to loading volume config file: %s: %w", path, err)
		}
		var vc types.VolumeConfig
		if err := decodeStrictTOML(data, &vc); err != nil {
			return nil, fmt.Errorf("failed to loading volume config file: %s: failed to parse content as TOML: %w", path, err)
		}
		if other, ok := seen[vc.Volume]; ok {
			return nil, fmt.Errorf("volume `%s` is already defined in other volume config files (%s and %s); please check your volume config files", vc.Volume, other, path)
		}
		seen[vc.Volume] = path
		vc.SourcePath = path
		volumes = append(volumes, vc)
	}

	sort.Slice(volumes, func(i, j int) bool { return volumes[i].Volume < volumes[j].Volume })
	return volumes, nil
}

func (s *FilesystemSource) GetConfig(ctx context.Context) (types.ConfigBundle, error) {
	global, err := s.loadGlobalConfig()
	if err != nil {
		return types.ConfigBundle{}, err
	}
	fde, err := s.loadFdeConfig()
	if err != nil {
		return types.ConfigBundle{}, err
	}
	volumes, err := s.loadVolumeConfigs()
	if err != nil {
		return types.ConfigBundle{}, err
	}
	bundle := types.ConfigBundle{Global: global, Fde: fde, Volumes: volumes}
	s.Logger.Debugf("loaded config bundle from %s: %s", s.ConfigDir, litter.Sdump(bundle))
	return bundle, nil
}
