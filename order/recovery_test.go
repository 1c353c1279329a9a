package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverFromSnapshot(t *testing.T) {
	r := NewRegistry()
	var recovered []string
	r.OnCreated(func(n CreatedNotice) {
		if n.Recovered {
			recovered = append(recovered, n.Order.ExchangeID)
		}
	})

	tracked := newOpenOrder(t, r, "X1", buyLimit("1", "100"))

	local, err := r.Create(Request{ClientID: "c-7", Pair: "XBT/USD", Side: SideSell, Type: TypeLimit, Volume: d("2"), Price: d("101")})
	require.NoError(t, err)
	_, err = r.Submit(local.ID)
	require.NoError(t, err)

	report := r.RecoverFromSnapshot([]ExternalOrder{
		{ExchangeID: "X1", Pair: "XBT/USD", Side: SideBuy, Volume: d("1"), Price: d("100"), State: StateOpen},
		{ExchangeID: "X7", ClientID: "c-7", Pair: "XBT/USD", Side: SideSell, Volume: d("2"), Price: d("101"), State: StateOpen},
		{ExchangeID: "X8", Pair: "XBT/USD", Side: SideBuy, Volume: d("1"), Price: d("99"), ExecutedVolume: d("0.4"), AveragePrice: d("98.5"), Fee: d("0.02"), State: StatePartiallyFilled},
		{ExchangeID: "X9", Pair: "ETH/USD", Side: SideSell, Volume: d("3"), Price: d("10"), ExecutedVolume: d("1"), State: StateCanceled},
		{ExchangeID: "X10", Pair: "ETH/USD", Side: SideSell, Volume: d("3"), Price: d("10"), ExecutedVolume: d("3"), State: StateFilled},
		{ExchangeID: "X11", Pair: "ETH/USD", Side: SideBuy, Volume: d("1"), Price: d("10"), State: StateRejected},
		{ExchangeID: "", Pair: "ETH/USD"},
		{ExchangeID: "X12", Pair: "ETH/USD", Side: SideBuy, Volume: d("1"), Price: d("10"), ExecutedVolume: d("2"), State: StateOpen},
	})

	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, []string{local.ID}, report.Bound)
	assert.Len(t, report.Recovered, 4)
	require.Len(t, report.Failed, 2)
	assert.Equal(t, "", report.Failed[0].ExchangeID)
	assert.ErrorIs(t, report.Failed[0].Err, ErrValidation)
	assert.Equal(t, "X12", report.Failed[1].ExchangeID)
	assert.ErrorIs(t, report.Failed[1].Err, ErrInvalidFill)

	got, ok := r.Get("X1")
	require.True(t, ok)
	assert.Equal(t, tracked.ID, got.ID)

	got, ok = r.Get("X7")
	require.True(t, ok)
	assert.Equal(t, local.ID, got.ID)
	assert.Equal(t, StateOpen, got.State)

	got, ok = r.Get("X8")
	require.True(t, ok)
	assert.Equal(t, StatePartiallyFilled, got.State)
	assert.True(t, got.VolumeExecuted.Equal(d("0.4")))
	assert.True(t, got.AverageFillPrice.Equal(d("98.5")))
	assert.True(t, got.TotalFeesPaid.Equal(d("0.02")))

	got, _ = r.Get("X9")
	assert.Equal(t, StateCanceled, got.State)
	assert.True(t, got.AverageFillPrice.Equal(d("10")), "falls back to limit price")
	assert.Equal(t, EventCancelConfirm, got.History[len(got.History)-1].Event)

	got, _ = r.Get("X10")
	assert.Equal(t, StateFilled, got.State)
	got, _ = r.Get("X11")
	assert.Equal(t, StateRejected, got.State)

	assert.Equal(t, []string{"X8", "X9", "X10", "X11"}, recovered)
	assert.EqualValues(t, 4, r.Stats().Recovered)
	assertIndexes(t, r)
}

func TestRecoverFromSnapshotIsIdempotent(t *testing.T) {
	r := NewRegistry()
	snapshot := []ExternalOrder{
		{ExchangeID: "X1", Pair: "XBT/USD", Side: SideBuy, Volume: d("1"), Price: d("100"), State: StateOpen},
		{ExchangeID: "X2", Pair: "XBT/USD", Side: SideSell, Type: TypeMarket, Volume: d("1"), State: StateOpen},
	}

	first := r.RecoverFromSnapshot(snapshot)
	require.Len(t, first.Recovered, 2)
	second := r.RecoverFromSnapshot(snapshot)
	assert.Empty(t, second.Recovered)
	assert.Equal(t, 2, second.Skipped)
	assert.Equal(t, 2, r.Len())

	got, _ := r.Get("X2")
	assert.Equal(t, TypeMarket, got.Type)
}

func TestRecoveredOrderAcceptsFills(t *testing.T) {
	r := NewRegistry()
	r.RecoverFromSnapshot([]ExternalOrder{
		{ExchangeID: "X1", Pair: "XBT/USD", Side: SideBuy, Volume: d("1"), Price: d("100"), ExecutedVolume: d("0.5"), AveragePrice: d("100"), State: StatePartiallyFilled},
	})

	outcome, err := r.HandleFill("X1", Fill{TradeID: "T2", Volume: d("0.5"), Price: d("102")})
	require.NoError(t, err)
	assert.Equal(t, FillApplied, outcome)

	got, _ := r.Get("X1")
	assert.Equal(t, StateFilled, got.State)
	assert.True(t, got.AverageFillPrice.Equal(d("101")))
}

func TestCleanupTerminal(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithClock(clock.Now))

	done := newOpenOrder(t, r, "X1", buyLimit("1", "100"))
	_, err := r.Cancel("X1", "user")
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	recent, err := r.Create(Request{ClientID: "c-2", Pair: "XBT/USD", Side: SideBuy, Type: TypeLimit, Volume: d("1"), Price: d("100")})
	require.NoError(t, err)
	_, err = r.Cancel(recent.ID, "user")
	require.NoError(t, err)
	live := newOpenOrder(t, r, "X3", buyLimit("1", "100"))

	clock.Advance(45 * time.Minute)
	evicted := r.CleanupTerminal(time.Hour)
	assert.Equal(t, []string{done.ID}, evicted)

	_, ok := r.Get("X1")
	assert.False(t, ok)
	_, ok = r.Get(done.ID)
	assert.False(t, ok)
	_, ok = r.Get(recent.ID)
	assert.True(t, ok)
	_, ok = r.Get(live.ID)
	assert.True(t, ok)

	clock.Advance(time.Hour)
	evicted = r.CleanupTerminal(time.Hour)
	assert.Equal(t, []string{recent.ID}, evicted)
	_, ok = r.GetByClientID("c-2")
	assert.False(t, ok)

	assert.Empty(t, r.CleanupTerminal(0), "live orders are never evicted")
	assert.Equal(t, 1, r.Len())
	assert.EqualValues(t, 2, r.Stats().Evicted)
	assertIndexes(t, r)
}

func TestRecoverSkipsEvictedOrders(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithClock(clock.Now))
	var created int
	r.OnCreated(func(CreatedNotice) { created++ })

	newOpenOrder(t, r, "X1", buyLimit("1", "100"))
	outcome, err := r.HandleFill("X1", Fill{TradeID: "T1", Volume: d("1"), Price: d("100")})
	require.NoError(t, err)
	require.Equal(t, FillApplied, outcome)

	clock.Advance(2 * time.Hour)
	require.Len(t, r.CleanupTerminal(time.Hour), 1)
	require.Equal(t, 0, r.Len())
	created = 0

	closed := []ExternalOrder{{ExchangeID: "X1", Pair: "XBT/USD", Side: SideBuy, Volume: d("1"), Price: d("100"), ExecutedVolume: d("1"), State: StateFilled}}
	for i := 0; i < 3; i++ {
		report := r.RecoverFromSnapshot(closed)
		assert.Empty(t, report.Recovered)
		assert.Equal(t, []string{"X1"}, report.Evicted)
	}
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, created)
	assert.EqualValues(t, 0, r.Stats().Recovered)
}

func TestEvictedMemoryIsBounded(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithClock(clock.Now), WithEvictedMemory(1))

	for _, id := range []string{"X1", "X2"} {
		newOpenOrder(t, r, id, buyLimit("1", "100"))
		_, err := r.Cancel(id, "user")
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	clock.Advance(2 * time.Hour)
	require.Len(t, r.CleanupTerminal(time.Hour), 2)

	report := r.RecoverFromSnapshot([]ExternalOrder{
		{ExchangeID: "X1", Pair: "XBT/USD", Side: SideBuy, Volume: d("1"), Price: d("100"), State: StateCanceled},
		{ExchangeID: "X2", Pair: "XBT/USD", Side: SideBuy, Volume: d("1"), Price: d("100"), State: StateCanceled},
	})
	assert.Len(t, report.Recovered, 1)
	assert.Equal(t, []string{"X2"}, report.Evicted)
	assert.Equal(t, 1, r.Len())
	assertIndexes(t, r)
}
