package order

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openOrder(t *testing.T, volume string) *Order {
	t.Helper()
	o := newOrder("o-1", Request{Pair: "XBT/USD", Side: SideBuy, Type: TypeLimit, Volume: d(volume), Price: d("100")}, nil, nil)
	require.True(t, o.TransitionTo(StatePendingSubmit, EventSubmit, "submit", nil))
	require.True(t, o.TransitionTo(StateOpen, EventConfirm, "confirm", nil))
	return o
}

func TestOrderTransitionRecordsHistoryAndTimestamps(t *testing.T) {
	o := newOrder("o-1", Request{Pair: "XBT/USD", Side: SideSell, Type: TypeLimit, Volume: d("2"), Price: d("10")}, nil, nil)
	assert.Equal(t, StatePendingNew, o.State)
	assert.False(t, o.CreatedAt.IsZero())

	require.True(t, o.TransitionTo(StatePendingSubmit, EventSubmit, "submit", Payload{"k": "v"}))
	submittedAt := o.SubmittedAt
	require.False(t, submittedAt.IsZero())

	require.True(t, o.TransitionTo(StateOpen, EventConfirm, "ack", nil))
	require.Len(t, o.History, 2)
	assert.Equal(t, StatePendingNew, o.History[0].From)
	assert.Equal(t, StatePendingSubmit, o.History[0].To)
	assert.Equal(t, EventSubmit, o.History[0].Event)
	assert.Equal(t, "v", o.History[0].Payload["k"])
	assert.Equal(t, submittedAt, o.SubmittedAt)
	assert.True(t, o.CompletedAt.IsZero())
}

func TestOrderTransitionRejectsMismatchedEvent(t *testing.T) {
	o := openOrder(t, "1")
	assert.False(t, o.TransitionTo(StateCanceled, EventExpire, "bad", nil))
	assert.False(t, o.TransitionTo(StatePendingNew, EventSubmit, "bad", nil))
	assert.Equal(t, StateOpen, o.State)
	assert.Len(t, o.History, 2)
}

func TestOrderTerminalIsIdempotent(t *testing.T) {
	o := openOrder(t, "1")
	require.True(t, o.TransitionTo(StateCanceled, EventCancelRequest, "user", nil))
	completedAt := o.CompletedAt
	require.False(t, completedAt.IsZero())
	historyLen := len(o.History)

	for _, ev := range []Event{EventCancelConfirm, EventConfirm, EventFullFill, EventExpire, EventReset, EventFail} {
		for _, to := range AllStates {
			assert.False(t, o.TransitionTo(to, ev, "again", nil))
		}
	}
	assert.False(t, o.HandleFill(d("0.1"), d("100"), decimal.Zero))
	assert.Equal(t, StateCanceled, o.State)
	assert.Equal(t, completedAt, o.CompletedAt)
	assert.Len(t, o.History, historyLen)
	assert.True(t, o.VolumeExecuted.IsZero())
}

func TestOrderHandleFillAggregates(t *testing.T) {
	o := openOrder(t, "1.0")

	require.True(t, o.HandleFill(d("0.4"), d("99.5"), d("0.1")))
	assert.Equal(t, StatePartiallyFilled, o.State)
	assert.True(t, o.VolumeExecuted.Equal(d("0.4")))
	assert.True(t, o.AverageFillPrice.Equal(d("99.5")))
	assert.False(t, o.FirstFillAt.IsZero())

	require.True(t, o.HandleFill(d("0.6"), d("100.5"), d("0.15")))
	assert.Equal(t, StateFilled, o.State)
	assert.True(t, o.VolumeExecuted.Equal(d("1.0")))
	assert.True(t, o.AverageFillPrice.Equal(d("100.1")), "avg=%s", o.AverageFillPrice)
	assert.True(t, o.TotalFeesPaid.Equal(d("0.25")))
	assert.Equal(t, 2, o.FillCount)
	assert.Equal(t, EventFullFill, o.History[len(o.History)-1].Event)
	assert.False(t, o.CompletedAt.IsZero())
}

func TestOrderHandleFillRejectsInvalid(t *testing.T) {
	o := openOrder(t, "1")

	assert.False(t, o.HandleFill(decimal.Zero, d("100"), decimal.Zero))
	assert.False(t, o.HandleFill(d("-1"), d("100"), decimal.Zero))
	assert.False(t, o.HandleFill(d("0.5"), d("-1"), decimal.Zero))
	assert.False(t, o.HandleFill(d("1.5"), d("100"), decimal.Zero), "overfill")
	assert.Equal(t, StateOpen, o.State)
	assert.Equal(t, 0, o.FillCount)
}

func TestOrderHandleFillToleratesRounding(t *testing.T) {
	o := openOrder(t, "1")
	require.True(t, o.HandleFill(d("0.9999999999"), d("100"), decimal.Zero))
	assert.Equal(t, StateFilled, o.State)
}

func TestOrderHandleFillCapsRoundingOverfill(t *testing.T) {
	o := openOrder(t, "1")
	require.True(t, o.HandleFill(d("0.4"), d("100"), decimal.Zero))
	require.True(t, o.HandleFill(d("0.6000000001"), d("110"), d("0.02")))

	assert.Equal(t, StateFilled, o.State)
	assert.Equal(t, EventFullFill, o.History[len(o.History)-1].Event)
	assert.True(t, o.VolumeExecuted.Equal(d("1")), o.VolumeExecuted.String())
	assert.True(t, o.FilledNotional.Equal(d("106")), o.FilledNotional.String())
	assert.True(t, o.AverageFillPrice.Equal(d("106")))
	assert.True(t, o.TotalFeesPaid.Equal(d("0.02")))

	beyond := openOrder(t, "1")
	require.True(t, beyond.HandleFill(d("0.4"), d("100"), decimal.Zero))
	assert.False(t, beyond.HandleFill(d("0.600000002"), d("100"), decimal.Zero))
	assert.Equal(t, StatePartiallyFilled, beyond.State)
	assert.True(t, beyond.VolumeExecuted.Equal(d("0.4")))
}

func TestOrderPendingCannotFill(t *testing.T) {
	o := newOrder("o-1", Request{Pair: "XBT/USD", Side: SideBuy, Type: TypeLimit, Volume: d("1"), Price: d("1")}, nil, nil)
	require.True(t, o.TransitionTo(StatePendingSubmit, EventSubmit, "", nil))
	assert.False(t, o.HandleFill(d("0.5"), d("1"), decimal.Zero))
	assert.Equal(t, StatePendingSubmit, o.State)
}

func TestOrderVolumeMonotonicAndBounded(t *testing.T) {
	o := openOrder(t, "1")
	fills := []string{"0.3", "0.5", "0.4", "0.2", "0.1"}
	prev := o.VolumeExecuted
	for _, f := range fills {
		o.HandleFill(d(f), d("100"), decimal.Zero)
		assert.True(t, o.VolumeExecuted.GreaterThanOrEqual(prev))
		assert.True(t, o.VolumeExecuted.LessThanOrEqual(o.Volume))
		prev = o.VolumeExecuted
	}
	assert.True(t, o.VolumeExecuted.Equal(d("1")))
	assert.Equal(t, StateFilled, o.State)
}

func TestOrderAveragePriceIndependentOfOrder(t *testing.T) {
	type fill struct{ vol, price string }
	fills := []fill{{"0.1", "100.3"}, {"0.25", "99.7"}, {"0.15", "101.1"}, {"0.2", "100.03"}}

	notional, total := decimal.Zero, decimal.Zero
	for _, f := range fills {
		notional = notional.Add(d(f.vol).Mul(d(f.price)))
		total = total.Add(d(f.vol))
	}
	want := notional.Div(total)

	var permute func(k int)
	perms := [][]fill{}
	permute = func(k int) {
		if k == len(fills) {
			perms = append(perms, append([]fill{}, fills...))
			return
		}
		for i := k; i < len(fills); i++ {
			fills[k], fills[i] = fills[i], fills[k]
			permute(k + 1)
			fills[k], fills[i] = fills[i], fills[k]
		}
	}
	permute(0)
	require.Len(t, perms, 24)

	for _, p := range perms {
		o := openOrder(t, "1")
		for _, f := range p {
			require.True(t, o.HandleFill(d(f.vol), d(f.price), decimal.Zero))
		}
		assert.True(t, o.VolumeExecuted.Equal(total))
		assert.True(t, o.AverageFillPrice.Equal(want), "avg=%s want=%s", o.AverageFillPrice, want)
	}
}

func TestOrderCloneIsDeep(t *testing.T) {
	o := openOrder(t, "1")
	o.History[0].Payload = Payload{"a": 1}

	c := o.Clone()
	c.History[0].Payload["a"] = 2
	c.History = append(c.History, Transition{})
	c.State = StateFilled

	assert.Equal(t, 1, o.History[0].Payload["a"])
	assert.Len(t, o.History, 2)
	assert.Equal(t, StateOpen, o.State)
}

func TestOrderUsesInjectedClock(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	o := newOrder("o-1", Request{Pair: "P", Side: SideBuy, Type: TypeMarket, Volume: d("1")}, nil, func() time.Time { return at })
	require.True(t, o.TransitionTo(StateCanceled, EventCancelRequest, "", nil))
	assert.Equal(t, at, o.CreatedAt)
	assert.Equal(t, at, o.CompletedAt)
}
