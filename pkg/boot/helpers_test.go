package boot_test

import (
	"context"

	"github.com/openanolis/cryptpilot-go/pkg/runner"
	"github.com/openanolis/cryptpilot-go/pkg/types"
)

// fakeRunner is a scripted runner.Runner, same shape as the fakes already
// used in pkg/keyprovider and pkg/mkfs's own test suites.
type fakeRunner struct {
	out []byte
	err error
}

func (f *fakeRunner) Run(ctx context.Context, command string, args ...string) ([]byte, error) {
	return f.out, f.err
}

func (f *fakeRunner) RunWithEnv(ctx context.Context, env []string, command string, args ...string) ([]byte, error) {
	return f.out, f.err
}

func (f *fakeRunner) RunWithStdin(ctx context.Context, stdin []byte, command string, args ...string) ([]byte, error) {
	return f.out, f.err
}

var _ runner.Runner = (*fakeRunner)(nil)

// fakeSource is a scripted config.Source returning a fixed bundle.
type fakeSource struct {
	bundle types.ConfigBundle
	err    error
}

func (f *fakeSource) SourceDebugString() string { return "fake" }

func (f *fakeSource) GetConfig(ctx context.Context) (types.ConfigBundle, error) {
	return f.bundle, f.err
}
