package mkfs

import (
	"syscall"
	"testing"
)

func TestErrnoIsErr(t *testing.T) {
	if err := errnoIsErr(syscall.Errno(0)); err != nil {
		t.Fatalf("expected errno 0 to be treated as success, got %v", err)
	}
	if err := errnoIsErr(syscall.EBUSY); err == nil {
		t.Fatal("expected a nonzero errno to be treated as an error")
	}
}
