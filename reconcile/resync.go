package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-ledger/order"
)

// SnapshotOrder 交易所快照中的一笔订单：状态消息加上重建订单所需的静态字段。
type SnapshotOrder struct {
	OrderStatus
	Pair       string
	Side       order.Side
	Type       order.Type
	LimitPrice decimal.Decimal
	OpenedAt   time.Time
}

// SnapshotSource 拉取交易所当前订单快照（REST 查询等，由传输层实现）。
type SnapshotSource interface {
	Snapshot(ctx context.Context) ([]SnapshotOrder, error)
}

// SnapshotSourceFunc 适配普通函数。
type SnapshotSourceFunc func(ctx context.Context) ([]SnapshotOrder, error)

func (f SnapshotSourceFunc) Snapshot(ctx context.Context) ([]SnapshotOrder, error) { return f(ctx) }

// Recoverer 快照恢复需要的登记簿操作。
type Recoverer interface {
	RecoverFromSnapshot(snapshot []order.ExternalOrder) order.RecoveryReport
	Active() []order.Order
	MarkUnknown(id, reason string) (bool, error)
}

// ResyncerConfig 快照对账配置
type ResyncerConfig struct {
	Interval time.Duration // 对账间隔
	OnResync func(err error) // 可选，每次对账结束后回调（指标）
}

// ResyncerStats 快照对账统计
type ResyncerStats struct {
	TotalResyncs   int64
	FailedResyncs  int64
	Recovered      int64
	Bound          int64
	Invalidated    int64
	LastResyncTime time.Time
	LastError      string
	Interval       time.Duration
}

// Resyncer 周期性拉取交易所快照：补齐缺失订单，再把每条快照作为状态消息重放。
type Resyncer struct {
	source   SnapshotSource
	ledger   Recoverer
	adapter  *Adapter
	logger   *zap.Logger
	interval time.Duration
	onResync func(err error)

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
	started  bool

	resyncMu sync.Mutex // 同一时间只执行一次对账
	mu       sync.RWMutex
	stats    ResyncerStats
}

// NewResyncer 创建快照对账器
func NewResyncer(source SnapshotSource, ledger Recoverer, adapter *Adapter, config ResyncerConfig, logger *zap.Logger) *Resyncer {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second // 默认30秒
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resyncer{
		source:   source,
		ledger:   ledger,
		adapter:  adapter,
		logger:   logger,
		interval: config.Interval,
		onResync: config.OnResync,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start 启动对账循环
func (r *Resyncer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	r.started = true
	go r.loop(ctx)
	return nil
}

// Stop 停止对账循环并等待退出
func (r *Resyncer) Stop() error {
	r.mu.RLock()
	started := r.started
	r.mu.RUnlock()

	r.stopOnce.Do(func() { close(r.stopChan) })
	if started {
		<-r.doneChan
	}
	return nil
}

func (r *Resyncer) loop(ctx context.Context) {
	defer close(r.doneChan)

	ticker := time.NewTicker(r.currentInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			if err := r.Resync(ctx); err != nil {
				r.logger.Warn("snapshot resync failed", zap.Error(err))
			}
			ticker.Reset(r.currentInterval())
		}
	}
}

// Resync 执行一次完整的快照对账
func (r *Resyncer) Resync(ctx context.Context) (err error) {
	r.resyncMu.Lock()
	defer r.resyncMu.Unlock()
	if r.onResync != nil {
		defer func() { r.onResync(err) }()
	}

	snapshot, err := r.source.Snapshot(ctx)
	r.mu.Lock()
	r.stats.TotalResyncs++
	r.stats.LastResyncTime = time.Now()
	if err != nil {
		r.stats.FailedResyncs++
		r.stats.LastError = err.Error()
		r.mu.Unlock()
		return fmt.Errorf("fetch snapshot failed: %w", err)
	}
	r.stats.LastError = ""
	r.mu.Unlock()

	external := make([]order.ExternalOrder, 0, len(snapshot))
	for _, s := range snapshot {
		external = append(external, toExternal(s))
	}
	report := r.ledger.RecoverFromSnapshot(external)

	evicted := make(map[string]struct{}, len(report.Evicted))
	for _, id := range report.Evicted {
		evicted[id] = struct{}{}
	}
	outcomes := make(map[Outcome]int)
	for _, s := range snapshot {
		if _, ok := evicted[s.OrderID]; ok {
			continue
		}
		outcomes[r.adapter.OnOrderStatus(s.OrderStatus)]++
	}

	r.mu.Lock()
	r.stats.Recovered += int64(len(report.Recovered))
	r.stats.Bound += int64(len(report.Bound))
	r.mu.Unlock()

	r.logger.Info("snapshot resync completed",
		zap.Int("orders", len(snapshot)),
		zap.Int("recovered", len(report.Recovered)),
		zap.Int("bound", len(report.Bound)),
		zap.Int("evicted", len(report.Evicted)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("applied", outcomes[OutcomeApplied]),
		zap.Int("stale", outcomes[OutcomeStale]),
	)
	return nil
}

// ForceResync 立即执行一次对账（推送流重连后或紧急情况）
func (r *Resyncer) ForceResync(ctx context.Context) error {
	return r.Resync(ctx)
}

// Invalidate 推送流中断：把所有活跃订单标记为 UNKNOWN，等待下一次快照恢复。
func (r *Resyncer) Invalidate(reason string) int {
	n := 0
	for _, o := range r.ledger.Active() {
		ok, err := r.ledger.MarkUnknown(o.ID, reason)
		if err != nil {
			r.logger.Warn("mark unknown failed", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		if ok {
			n++
		}
	}
	r.mu.Lock()
	r.stats.Invalidated += int64(n)
	r.mu.Unlock()
	if n > 0 {
		r.logger.Warn("active orders marked unknown", zap.Int("count", n), zap.String("reason", reason))
	}
	return n
}

// GetStatistics 获取对账统计信息
func (r *Resyncer) GetStatistics() ResyncerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.stats
	s.Interval = r.interval
	return s
}

// UpdateInterval 更新对账间隔，下一轮生效。
func (r *Resyncer) UpdateInterval(interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if interval > 0 {
		r.interval = interval
	}
}

func (r *Resyncer) currentInterval() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.interval
}

func toExternal(s SnapshotOrder) order.ExternalOrder {
	requested := s.RequestedVolume
	state, _ := MapStatus(s.Status, s.ExecutedVolume, requested)
	avg := s.Price
	if !avg.IsPositive() && s.Cost.IsPositive() && s.ExecutedVolume.IsPositive() {
		avg = s.Cost.Div(s.ExecutedVolume)
	}
	return order.ExternalOrder{
		ExchangeID:     s.OrderID,
		ClientID:       s.ClientID,
		Pair:           s.Pair,
		Side:           s.Side,
		Type:           s.Type,
		Volume:         requested,
		Price:          s.LimitPrice,
		ExecutedVolume: s.ExecutedVolume,
		AveragePrice:   avg,
		Fee:            s.Fee,
		State:          state,
		OpenedAt:       s.OpenedAt,
		Payload:        s.Payload,
	}
}
