package boot_test

import (
	"context"

	"github.com/openanolis/cryptpilot-go/pkg/boot"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Stage", func() {
	DescribeTable("Valid",
		func(stage boot.Stage, want bool) {
			Expect(stage.Valid()).To(Equal(want))
		},
		Entry("before-sysroot", boot.StageInitrdFdeBeforeSysroot, true),
		Entry("after-sysroot", boot.StageInitrdFdeAfterSysroot, true),
		Entry("auto-open", boot.StageSystemVolumesAutoOpen, true),
		Entry("unknown", boot.Stage("bogus-stage"), false),
	)
})

var _ = Describe("Orchestrator.RunStage", func() {
	It("rejects an unknown stage without touching any component", func() {
		o := boot.New(&fakeSource{}, &fakeRunner{}, nil)
		err := o.RunStage(context.Background(), boot.Stage("bogus-stage"))
		Expect(err).To(HaveOccurred())
	})
})
