// Package runner is cryptpilot-go's subprocess execution abstraction,
// adapted from the teacher repo's pkg/implementations/runner: a thin
// interface over os/exec so that callers can be exercised against a fake
// in unit tests, with the real implementation logging every invocation at
// debug level when the global verbose flag (internal/cplog) is set.
package runner

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
)

// Runner is the subprocess execution contract used by every component that
// shells out (mkfs, blkid, lvm, veritysetup, mount, modprobe).
type Runner interface {
	Run(ctx context.Context, command string, args ...string) ([]byte, error)
	RunWithEnv(ctx context.Context, env []string, command string, args ...string) ([]byte, error)
	RunWithStdin(ctx context.Context, stdin []byte, command string, args ...string) ([]byte, error)
}

type RealRunner struct {
	Logger *cplog.Logger
}

func New(logger *cplog.Logger) *RealRunner {
	if logger == nil {
		logger = cplog.Default
	}
	return &RealRunner{Logger: logger}
}

func (r *RealRunner) Run(ctx context.Context, command string, args ...string) ([]byte, error) {
	return r.RunWithEnv(ctx, nil, command, args...)
}

func (r *RealRunner) RunWithEnv(ctx context.Context, env []string, command string, args ...string) ([]byte, error) {
	return r.run(ctx, env, nil, command, args...)
}

// RunWithStdin runs command with stdin fed the given bytes, never passed
// on argv — used for secrets like LUKS passphrases that must not appear
// in a process listing (spec §7).
func (r *RealRunner) RunWithStdin(ctx context.Context, stdin []byte, command string, args ...string) ([]byte, error) {
	return r.run(ctx, nil, stdin, command, args...)
}

func (r *RealRunner) run(ctx context.Context, env []string, stdin []byte, command string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	if cplog.Verbose() {
		r.Logger.Debugf("running cmd: '%s %s'", command, strings.Join(args, " "))
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, &ExitError{Command: command, Args: args, Output: out, Err: err}
	}
	return out, nil
}

// ExitError carries the command and captured output so that callers can
// build annotated error chains without re-running the command.
type ExitError struct {
	Command string
	Args    []string
	Output  []byte
	Err     error
}

func (e *ExitError) Error() string {
	return "command `" + e.Command + " " + strings.Join(e.Args, " ") + "` failed: " + e.Err.Error() + ": " + strings.TrimSpace(string(e.Output))
}

func (e *ExitError) Unwrap() error { return e.Err }

// StatusChecker lets a caller accept non-zero exit codes selectively, e.g.
// lvextend's documented `{0,5}` tolerance (spec §9 Open Questions) and
// blkid's `{0,2}` "no signature" convention (spec §4.4).
type StatusChecker func(exitCode int, stdout, stderr []byte) error

// RunWithStatusChecker mirrors the original Rust helper of the same name:
// it runs the command and lets checker decide whether a given exit code
// is actually a success.
func RunWithStatusChecker(ctx context.Context, r Runner, checker StatusChecker, command string, args ...string) ([]byte, error) {
	out, err := r.Run(ctx, command, args...)
	code := 0
	var exitErr *ExitError
	if err != nil {
		if !asExitError(err, &exitErr) {
			return out, err
		}
		if ee, ok := exitErr.Err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		} else {
			return out, err
		}
	}
	if chkErr := checker(code, out, nil); chkErr != nil {
		return out, chkErr
	}
	return out, nil
}

func asExitError(err error, target **ExitError) bool {
	ee, ok := err.(*ExitError)
	if ok {
		*target = ee
	}
	return ok
}
