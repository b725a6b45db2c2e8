package luks

import (
	"context"
	"os"
	"testing"

	"github.com/openanolis/cryptpilot-go/pkg/types"
)

type capturingRunner struct {
	command string
	args    []string
	stdin   []byte
}

func (f *capturingRunner) Run(ctx context.Context, command string, args ...string) ([]byte, error) {
	f.command, f.args = command, args
	return nil, nil
}

func (f *capturingRunner) RunWithEnv(ctx context.Context, env []string, command string, args ...string) ([]byte, error) {
	f.command, f.args = command, args
	return nil, nil
}

func (f *capturingRunner) RunWithStdin(ctx context.Context, stdin []byte, command string, args ...string) ([]byte, error) {
	f.command, f.args, f.stdin = command, args, stdin
	return nil, nil
}

func TestActivateWithNoJournalIntegrityShellsToCryptsetup(t *testing.T) {
	r := &capturingRunner{}
	e := New(r, nil)
	passphrase := types.NewPassphrase([]byte("s3cr3t"))

	if err := e.activate(context.Background(), "data0", "/dev/fake", passphrase, types.IntegrityNoJournal); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if r.command != "cryptsetup" {
		t.Fatalf("expected cryptsetup to be invoked, got %q", r.command)
	}
	wantArgs := []string{"open", "/dev/fake", "data0", "--integrity-no-journal"}
	if len(r.args) != len(wantArgs) {
		t.Fatalf("unexpected args: %v", r.args)
	}
	for i, a := range wantArgs {
		if r.args[i] != a {
			t.Fatalf("unexpected args: %v", r.args)
		}
	}
	if string(r.stdin) != "s3cr3t" {
		t.Fatalf("expected passphrase to be passed over stdin, got %q", r.stdin)
	}
}

func TestActivateWithoutIntegrityUsesAnatolLuks(t *testing.T) {
	r := &capturingRunner{}
	e := New(r, nil)
	passphrase := types.NewPassphrase([]byte("s3cr3t"))

	f, err := os.CreateTemp("", "luks-activate-no-integrity-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(make([]byte, 4096)); err != nil {
		t.Fatal(err)
	}
	f.Close()

	// Not a real LUKS2 header, so this is expected to fail opening the
	// device via anatol/luks.go -- the point of this test is that it
	// never reaches the runner at all (unlike the no-journal case above).
	if err := e.activate(context.Background(), "data0", f.Name(), passphrase, types.IntegrityNone); err == nil {
		t.Fatal("expected an error opening a non-LUKS2 file")
	}
	if r.command != "" {
		t.Fatalf("expected no subprocess to be invoked for non-integrity activation, got %q", r.command)
	}
}

func TestIsDevInUseReportsFreeDevice(t *testing.T) {
	f, err := os.CreateTemp("", "luks-dev-in-use-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	f.Close()

	inUse, err := IsDevInUse(f.Name())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inUse {
		t.Fatal("expected a freshly created regular file to report as not in use")
	}
}

func TestIsDevInUseRejectsMissingDevice(t *testing.T) {
	if _, err := IsDevInUse("/nonexistent/path/to/a/device"); err == nil {
		t.Fatal("expected an error for a nonexistent device path")
	}
}

func TestIsActive(t *testing.T) {
	if IsActive("definitely-not-a-real-volume") {
		t.Fatal("expected IsActive to report false for a volume with no /dev/mapper entry")
	}
}

func TestIsInitializedOnNonLuksFile(t *testing.T) {
	e := New(nil, nil)

	f, err := os.CreateTemp("", "luks-not-initialized-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(make([]byte, 512)); err != nil {
		t.Fatal(err)
	}
	f.Close()

	initialized, err := e.IsInitialized(f.Name())
	if err != nil {
		t.Fatalf("unexpected error for a short non-LUKS2 file: %v", err)
	}
	if initialized {
		t.Fatal("expected a non-LUKS2 file to report as not initialized")
	}
}

func TestIsInitializedOnMissingDevice(t *testing.T) {
	e := New(nil, nil)
	if _, err := e.IsInitialized("/nonexistent/path/to/a/device"); err == nil {
		t.Fatal("expected an error for a nonexistent device path")
	}
}
