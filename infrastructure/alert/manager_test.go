package alert

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"order-ledger/order"
)

// mockChannel 记录收到的告警
type mockChannel struct {
	name      string
	alerts    []Alert
	shouldErr bool
}

func (c *mockChannel) Send(a Alert) error {
	if c.shouldErr {
		return errors.New("mock error")
	}
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *mockChannel) Name() string { return c.name }

func newTestManager(interval time.Duration, channels ...Channel) (*Manager, *time.Time) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(channels, interval)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestSendAlertSetsTimestamp(t *testing.T) {
	mock := &mockChannel{name: "mock"}
	m, now := newTestManager(time.Minute, mock)

	require.NoError(t, m.SendAlert(Alert{Level: LevelInfo, Kind: "probe", Message: "hello"}))
	require.Len(t, mock.alerts, 1)
	assert.Equal(t, *now, mock.alerts[0].Timestamp)
	assert.Equal(t, []string{"mock"}, m.GetChannels())
}

func TestThrottlePerOrder(t *testing.T) {
	mock := &mockChannel{name: "mock"}
	m, now := newTestManager(time.Minute, mock)

	o1 := order.Order{ID: "o1", SubmittedAt: now.Add(-time.Minute)}
	o2 := order.Order{ID: "o2", SubmittedAt: now.Add(-time.Minute)}

	require.NoError(t, m.StaleSubmit(o1))
	require.NoError(t, m.StaleSubmit(o1))
	require.NoError(t, m.StaleSubmit(o2))
	assert.Len(t, mock.alerts, 2, "same order is throttled, other orders are not")

	*now = now.Add(time.Minute)
	require.NoError(t, m.StaleSubmit(o1))
	assert.Len(t, mock.alerts, 3)
	assert.Equal(t, "2m0s", mock.alerts[2].Fields["age"])
}

func TestPruneThrottle(t *testing.T) {
	m, now := newTestManager(time.Minute, &mockChannel{name: "mock"})
	require.NoError(t, m.StaleSubmit(order.Order{ID: "o1", SubmittedAt: *now}))
	assert.Equal(t, 1, m.throttle.Len())

	m.PruneThrottle()
	assert.Equal(t, 1, m.throttle.Len())

	*now = now.Add(2 * time.Minute)
	m.PruneThrottle()
	assert.Equal(t, 0, m.throttle.Len())
}

func TestAllChannelsFailing(t *testing.T) {
	bad := &mockChannel{name: "bad", shouldErr: true}
	m, _ := newTestManager(time.Minute, bad)
	assert.Error(t, m.FeedLost(errors.New("eof"), 3))

	good := &mockChannel{name: "good"}
	m.AddChannel(good)
	m.throttle = NewThrottler(time.Minute)
	assert.NoError(t, m.FeedLost(errors.New("eof"), 3))
	require.Len(t, good.alerts, 1)
	assert.Equal(t, LevelCritical, good.alerts[0].Level)
	assert.Equal(t, 3, good.alerts[0].Fields["invalidated"])
}

func TestLateFillAlert(t *testing.T) {
	mock := &mockChannel{name: "mock"}
	m, _ := newTestManager(time.Minute, mock)

	require.NoError(t, m.LateFill(order.LateFillNotice{
		Order: order.Order{ID: "o1", ExchangeID: "X1", State: order.StateCanceled},
		Fill:  order.Fill{TradeID: "t9", Volume: decimal.RequireFromString("0.5"), Price: decimal.RequireFromString("100")},
	}))
	require.Len(t, mock.alerts, 1)
	a := mock.alerts[0]
	assert.Equal(t, "late_fill", a.Kind)
	assert.Equal(t, "o1", a.OrderID)
	assert.Equal(t, "CANCELED", a.Fields["state"])
	assert.Equal(t, "0.5", a.Fields["volume"])
}

func TestLogChannelWritesStructuredEntry(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ch := NewLogChannel("log", zap.New(core))

	require.NoError(t, ch.Send(Alert{
		Level:   LevelWarning,
		Kind:    "stale_submit",
		Message: "order submitted but not confirmed",
		OrderID: "o1",
		Fields:  map[string]interface{}{"pair": "XBT/USD"},
	}))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "alert", entries[0].LoggerName)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "o1", ctx["order_id"])
	assert.Equal(t, "XBT/USD", ctx["pair"])
	assert.Equal(t, "log", ch.Name())
}
