package config_test

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/openanolis/cryptpilot-go/pkg/config"
	"github.com/openanolis/cryptpilot-go/pkg/types"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type countingSource struct {
	calls int32
}

func (c *countingSource) SourceDebugString() string { return "counting" }

func (c *countingSource) GetConfig(ctx context.Context) (types.ConfigBundle, error) {
	atomic.AddInt32(&c.calls, 1)
	return types.ConfigBundle{}, nil
}

var _ = Describe("CachedSource", func() {
	It("calls the inner source at most once", func() {
		inner := &countingSource{}
		cached := config.NewCachedSource(inner)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := cached.GetConfig(context.Background())
				Expect(err).NotTo(HaveOccurred())
			}()
		}
		wg.Wait()

		Expect(atomic.LoadInt32(&inner.calls)).To(Equal(int32(1)))
	})
})
