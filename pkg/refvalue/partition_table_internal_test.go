package refvalue

import (
	"context"
	"testing"
)

type scriptedRunner struct {
	out []byte
	err error
}

func (r *scriptedRunner) Run(ctx context.Context, command string, args ...string) ([]byte, error) {
	return r.out, r.err
}
func (r *scriptedRunner) RunWithEnv(ctx context.Context, env []string, command string, args ...string) ([]byte, error) {
	return r.out, r.err
}
func (r *scriptedRunner) RunWithStdin(ctx context.Context, stdin []byte, command string, args ...string) ([]byte, error) {
	return r.out, r.err
}

func TestDetectPartitionTableTypeGpt(t *testing.T) {
	r := &scriptedRunner{out: []byte("Disk /dev/sda: 20 GiB\nDisklabel type: gpt\n")}
	got, err := detectPartitionTableType(context.Background(), r, "/dev/sda")
	if err != nil {
		t.Fatalf("detectPartitionTableType returned error: %v", err)
	}
	if got != PartitionTableGpt {
		t.Errorf("got %v, want PartitionTableGpt", got)
	}
}

func TestDetectPartitionTableTypeMbr(t *testing.T) {
	r := &scriptedRunner{out: []byte("Disk /dev/sda: 20 GiB\nDisklabel type: dos\n")}
	got, err := detectPartitionTableType(context.Background(), r, "/dev/sda")
	if err != nil {
		t.Fatalf("detectPartitionTableType returned error: %v", err)
	}
	if got != PartitionTableMbr {
		t.Errorf("got %v, want PartitionTableMbr", got)
	}
}

func TestDetectPartitionTableTypeDefaultsToGpt(t *testing.T) {
	r := &scriptedRunner{out: []byte("no disklabel line here\n")}
	got, err := detectPartitionTableType(context.Background(), r, "/dev/sda")
	if err != nil {
		t.Fatalf("detectPartitionTableType returned error: %v", err)
	}
	if got != PartitionTableGpt {
		t.Errorf("got %v, want PartitionTableGpt default", got)
	}
}
