package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/openanolis/cryptpilot-go/pkg/constants"
	"github.com/openanolis/cryptpilot-go/pkg/types"
)

// InitrdStateSource reads the handoff file the before-sysroot boot stage
// writes at constants.InitrdStatePath, spec §3, §4.1, §4.5.
type InitrdStateSource struct {
	Path string
}

func NewInitrdStateSource() *InitrdStateSource {
	return &InitrdStateSource{Path: constants.InitrdStatePath}
}

// InitrdStateExists reports whether the handoff file is present, used by
// the boot orchestrator to decide whether later stages should prefer it
// over re-deriving config from scratch.
func InitrdStateExists() bool {
	_, err := os.Stat(constants.InitrdStatePath)
	return err == nil
}

func (s *InitrdStateSource) SourceDebugString() string {
	return fmt.Sprintf("initrd state: %s", s.Path)
}

func (s *InitrdStateSource) GetConfig(ctx context.Context) (types.ConfigBundle, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return types.ConfigBundle{}, fmt.Errorf("failed to read initrd state from %s: %w", s.Path, err)
	}
	var state types.InitrdState
	if err := toml.Unmarshal(data, &state); err != nil {
		return types.ConfigBundle{}, fmt.Errorf("failed to parse initrd state from %s: %w", s.Path, err)
	}
	return state.FdeConfigBundle.Flatten(), nil
}

// SaveInitrdState persists the handoff file for later boot stages to read.
func SaveInitrdState(state types.InitrdState) error {
	data, err := toml.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize initrd state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(constants.InitrdStatePath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for initrd state: %w", err)
	}
	return os.WriteFile(constants.InitrdStatePath, data, 0o600)
}
