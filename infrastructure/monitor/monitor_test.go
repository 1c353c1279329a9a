package monitor

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-ledger/feed"
	"order-ledger/order"
	"order-ledger/reconcile"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openOrder(t *testing.T, r *order.Registry, exchangeID string) {
	t.Helper()
	o, err := r.Create(order.Request{
		Pair:   "XBT/USD",
		Side:   order.SideBuy,
		Type:   order.TypeLimit,
		Volume: d("1"),
		Price:  d("100"),
	})
	require.NoError(t, err)
	_, err = r.Submit(o.ID)
	require.NoError(t, err)
	ok, err := r.Confirm(o.ID, exchangeID, nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMonitorBindRecordsLifecycle(t *testing.T) {
	m := New(DefaultConfig())
	reg := order.NewRegistry()
	require.True(t, m.Bind(reg, nil))
	assert.False(t, m.Bind(reg, nil), "second bind must be refused")

	openOrder(t, reg, "X1")
	outcome, err := reg.HandleFill("X1", order.Fill{TradeID: "t1", Volume: d("0.4"), Price: d("100"), Fee: d("0.1")})
	require.NoError(t, err)
	require.Equal(t, order.FillApplied, outcome)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersCreated.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues(string(order.StateOpen))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues(string(order.StatePartiallyFilled))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fills))
	assert.InDelta(t, 0.4, testutil.ToFloat64(m.filledVolume), 1e-9)
	assert.InDelta(t, 0.1, testutil.ToFloat64(m.fees), 1e-9)
	assert.Equal(t, 1, testutil.CollectAndCount(m.confirmLatency))

	_, err = reg.Cancel("X1", "test")
	require.NoError(t, err)
	outcome, err = reg.HandleFill("X1", order.Fill{TradeID: "t2", Volume: d("0.2"), Price: d("100")})
	require.NoError(t, err)
	require.Equal(t, order.FillLate, outcome)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lateFills))
	assert.InDelta(t, 0.2, testutil.ToFloat64(m.lateVolume), 1e-9)
}

func TestMonitorTrackedGauges(t *testing.T) {
	m := New(DefaultConfig())
	reg := order.NewRegistry()
	m.Bind(reg, nil)

	openOrder(t, reg, "X1")
	openOrder(t, reg, "X2")
	_, err := reg.Create(order.Request{Pair: "XBT/USD", Side: order.SideSell, Type: order.TypeMarket, Volume: d("1")})
	require.NoError(t, err)

	expected := `
# HELP ledger_orders_tracked 当前跟踪的订单数（按状态）
# TYPE ledger_orders_tracked gauge
ledger_orders_tracked{state="CANCELED"} 0
ledger_orders_tracked{state="EXPIRED"} 0
ledger_orders_tracked{state="FAILED"} 0
ledger_orders_tracked{state="FILLED"} 0
ledger_orders_tracked{state="OPEN"} 2
ledger_orders_tracked{state="PARTIALLY_FILLED"} 0
ledger_orders_tracked{state="PENDING_NEW"} 1
ledger_orders_tracked{state="PENDING_SUBMIT"} 0
ledger_orders_tracked{state="REJECTED"} 0
ledger_orders_tracked{state="UNKNOWN"} 0
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "ledger_orders_tracked"))
}

func TestMonitorAdapterCounters(t *testing.T) {
	m := New(DefaultConfig())
	reg := order.NewRegistry()
	adapter := reconcile.NewAdapter(reg, nil)
	m.Bind(reg, adapter)

	outcome := adapter.OnTrade(reconcile.Trade{TradeID: "t1", OrderID: "missing", Volume: d("1"), Price: d("100")})
	m.RecordOutcome(feed.KindTrade, outcome)

	expected := `
# HELP ledger_reconcile_unknown_trades_total 未跟踪订单的成交消息数
# TYPE ledger_reconcile_unknown_trades_total counter
ledger_reconcile_unknown_trades_total 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "ledger_reconcile_unknown_trades_total"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.feedMessages.WithLabelValues(string(feed.KindTrade), reconcile.OutcomeUnknownOrder.String())))
}

func TestMonitorResyncAndStalePending(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordResync(nil)
	m.RecordResync(errors.New("timeout"))
	m.RecordResync(nil)
	m.SetStalePending(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.resyncs.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resyncs.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.stalePending))
}

func TestMonitorHandlerServesMetrics(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordFill(1, 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ledger_orders_fills_total 1")
}
