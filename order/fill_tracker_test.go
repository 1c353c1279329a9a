package order

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFillTrackerRecordAndDedup(t *testing.T) {
	ft := NewFillTracker(0, 0)

	assert.False(t, ft.Seen("T1"))
	ft.Record(FillRecord{TradeID: "T1", OrderID: "o-1", Volume: d("1"), Price: d("100")})
	ft.Record(FillRecord{OrderID: "o-1", Volume: d("1"), Price: d("100"), Late: true})

	assert.True(t, ft.Seen("T1"))
	assert.False(t, ft.Seen(""), "empty trade id is never deduplicated")

	stats := ft.GetStats()
	assert.Equal(t, 2, stats.TotalFills)
	assert.Equal(t, 1, stats.LateFills)
	assert.Equal(t, 2, stats.RecentFills)
	assert.Equal(t, 1, stats.TrackedTradeIDs)
}

func TestFillTrackerWindow(t *testing.T) {
	clock := newFakeClock()
	ft := NewFillTracker(100, time.Hour)
	ft.now = clock.Now

	ft.Record(FillRecord{TradeID: "old"})
	clock.Advance(30 * time.Minute)
	ft.Record(FillRecord{TradeID: "mid"})

	assert.Len(t, ft.Recent(time.Hour), 2)
	assert.Len(t, ft.Recent(10*time.Minute), 1)

	clock.Advance(45 * time.Minute)
	ft.Record(FillRecord{TradeID: "new"})

	recent := ft.Recent(24 * time.Hour)
	require.Len(t, recent, 2)
	assert.Equal(t, "mid", recent[0].TradeID)
	assert.False(t, ft.Seen("old"), "trimmed records lose dedup protection")
	assert.True(t, ft.Seen("mid"))
}

func TestFillTrackerMaxHistory(t *testing.T) {
	ft := NewFillTracker(3, time.Hour)
	for i := 0; i < 5; i++ {
		ft.Record(FillRecord{TradeID: fmt.Sprintf("T%d", i)})
	}
	stats := ft.GetStats()
	assert.Equal(t, 5, stats.TotalFills)
	assert.Equal(t, 3, stats.RecentFills)
	assert.Equal(t, 3, stats.TrackedTradeIDs)
	assert.False(t, ft.Seen("T1"))
	assert.True(t, ft.Seen("T4"))
}

func TestFillTrackerReset(t *testing.T) {
	ft := NewFillTracker(0, 0)
	ft.Record(FillRecord{TradeID: "T1"})
	ft.Reset()
	assert.False(t, ft.Seen("T1"))
	assert.Equal(t, FillTrackerStats{}, ft.GetStats())
}
