package alert

import (
	"fmt"
	"sync"
	"time"

	"order-ledger/order"
)

// Level 告警级别
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Alert 告警信息
type Alert struct {
	Level     Level
	Kind      string // stale_submit / late_fill / feed_lost ...
	Message   string
	OrderID   string
	Timestamp time.Time
	Fields    map[string]interface{}
}

// key 限流key：同一类告警针对同一订单只发一次
func (a Alert) key() string {
	return fmt.Sprintf("%s:%s:%s", a.Level, a.Kind, a.OrderID)
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Manager 告警管理器
type Manager struct {
	channels []Channel
	throttle *Throttler
	now      func() time.Time
	mu       sync.RWMutex
}

// Throttler 告警限流器
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	mu       sync.Mutex
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
	}
}

// Allow 检查是否允许发送（限流）
func (t *Throttler) Allow(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, exists := t.lastSent[key]
	if !exists || now.Sub(last) >= t.interval {
		t.lastSent[key] = now
		return true
	}
	return false
}

// Prune 删除早于 interval 的限流记录，避免按订单维度的 key 无限增长。
func (t *Throttler) Prune(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, last := range t.lastSent {
		if now.Sub(last) >= t.interval {
			delete(t.lastSent, k)
		}
	}
}

// Len 当前限流记录数
func (t *Throttler) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lastSent)
}

// NewManager 创建告警管理器
func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
		now:      time.Now,
	}
}

// SendAlert 发送告警；被限流时静默返回 nil。全部通道失败时返回最后一个错误。
func (m *Manager) SendAlert(alert Alert) error {
	now := m.now()
	if alert.Timestamp.IsZero() {
		alert.Timestamp = now
	}
	if !m.throttle.Allow(alert.key(), now) {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastErr error
	successCount := 0
	for _, ch := range m.channels {
		if err := ch.Send(alert); err != nil {
			lastErr = fmt.Errorf("channel %s failed: %w", ch.Name(), err)
		} else {
			successCount++
		}
	}
	if successCount == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// StaleSubmit 订单提交后长时间未被交易所确认。只告警，不撤单。
func (m *Manager) StaleSubmit(o order.Order) error {
	age := m.now().Sub(o.SubmittedAt)
	return m.SendAlert(Alert{
		Level:   LevelWarning,
		Kind:    "stale_submit",
		Message: "order submitted but not confirmed",
		OrderID: o.ID,
		Fields: map[string]interface{}{
			"client_id": o.ClientID,
			"pair":      o.Pair,
			"age":       age.Round(time.Millisecond).String(),
		},
	})
}

// LateFill 订单结束后收到成交，需要人工核对持仓。
func (m *Manager) LateFill(n order.LateFillNotice) error {
	return m.SendAlert(Alert{
		Level:   LevelError,
		Kind:    "late_fill",
		Message: "fill arrived after order completion",
		OrderID: n.Order.ID,
		Fields: map[string]interface{}{
			"exchange_id": n.Order.ExchangeID,
			"state":       string(n.Order.State),
			"trade_id":    n.Fill.TradeID,
			"volume":      n.Fill.Volume.String(),
			"price":       n.Fill.Price.String(),
		},
	})
}

// FeedLost 推送流中断，活跃订单已标记为 UNKNOWN。
func (m *Manager) FeedLost(err error, invalidated int) error {
	return m.SendAlert(Alert{
		Level:   LevelCritical,
		Kind:    "feed_lost",
		Message: "push feed disconnected",
		Fields: map[string]interface{}{
			"error":       fmt.Sprint(err),
			"invalidated": invalidated,
		},
	})
}

// AddChannel 添加告警通道
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// GetChannels 获取所有通道
func (m *Manager) GetChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// PruneThrottle 清理过期限流记录，由维护循环调用。
func (m *Manager) PruneThrottle() {
	m.throttle.Prune(m.now())
}
