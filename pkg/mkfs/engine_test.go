package mkfs_test

import (
	"context"
	"errors"

	"github.com/openanolis/cryptpilot-go/pkg/mkfs"
	"github.com/openanolis/cryptpilot-go/pkg/runner"
	"github.com/openanolis/cryptpilot-go/pkg/types"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

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

var _ = Describe("Engine.ForceMkfs", func() {
	It("rejects an unsupported filesystem type", func() {
		e := mkfs.New(&fakeRunner{}, nil)
		err := e.ForceMkfs(context.Background(), "/dev/fake", types.MakeFsType("btrfs"), "", types.IntegrityNone)
		Expect(err).To(HaveOccurred())
	})

	It("propagates a failure from the underlying mkfs invocation", func() {
		e := mkfs.New(&fakeRunner{err: errors.New("mkfs.ext4: command not found")}, nil)
		err := e.ForceMkfs(context.Background(), "/dev/fake", types.MakeFsExt4, "", types.IntegrityNone)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Engine.IsEmptyDisk", func() {
	It("treats a device with no recognizable signature as empty", func() {
		e := mkfs.New(&fakeRunner{out: []byte("")}, nil)
		empty, err := e.IsEmptyDisk(context.Background(), "/dev/fake")
		Expect(err).NotTo(HaveOccurred())
		Expect(empty).To(BeTrue())
	})

	It("treats a device with a recognized ext4 signature as not empty", func() {
		e := mkfs.New(&fakeRunner{out: []byte("TYPE=ext4\n")}, nil)
		empty, err := e.IsEmptyDisk(context.Background(), "/dev/fake")
		Expect(err).NotTo(HaveOccurred())
		Expect(empty).To(BeFalse())
	})
})
