package keyprovider

import (
	"context"
	"fmt"
	"strings"

	"github.com/openanolis/cryptpilot-go/pkg/runner"
	"github.com/openanolis/cryptpilot-go/pkg/types"
)

// ExecProvider reads the passphrase directly from an external command's
// trimmed stdout, spec §4.2.
type ExecProvider struct {
	Options types.ExecConfig
	Runner  runner.Runner
}

func (p *ExecProvider) DebugName() string { return fmt.Sprintf("Exec (%s)", p.Options.Command) }

func (p *ExecProvider) VolumeType() types.VolumeType { return types.VolumePersistent }

func (p *ExecProvider) GetKey(ctx context.Context) (*types.Passphrase, error) {
	out, err := p.Runner.Run(ctx, p.Options.Command, p.Options.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute command: %s args: %s: %w", p.Options.Command, strings.Join(p.Options.Args, " "), err)
	}
	trimmed := strings.TrimRight(string(out), "\n\r\t ")
	return types.NewPassphrase([]byte(trimmed)), nil
}
