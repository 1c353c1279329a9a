package order

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry(WithQueueSize(4096))
	require.NoError(t, r.Start(context.Background()))
	defer r.Close()

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				o, err := r.Create(buyLimit("1", "100"))
				if !assert.NoError(t, err) {
					return
				}
				_, _ = r.Submit(o.ID)
				xid := fmt.Sprintf("X-%d-%d", w, i)
				_, _ = r.Confirm(o.ID, xid, nil)
				for j := 0; j < 4; j++ {
					_, _ = r.HandleFill(xid, Fill{TradeID: fmt.Sprintf("%s-%d", xid, j), Volume: d("0.25"), Price: d("100")})
				}
				_, _ = r.Cancel(o.ID, "late")
			}
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = r.Active()
			_ = r.Stats()
			_ = r.ByPair("XBT/USD")
		}
	}()
	wg.Wait()

	s := r.Stats()
	assert.Equal(t, workers*perWorker, s.Tracked)
	assert.EqualValues(t, workers*perWorker, s.Filled)
	for _, o := range r.All() {
		assert.Equal(t, StateFilled, o.State)
		assert.True(t, o.VolumeExecuted.Equal(d("1")))
	}
	assertIndexes(t, r)
}
