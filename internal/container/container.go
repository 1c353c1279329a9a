package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"order-ledger/config"
	"order-ledger/feed"
	"order-ledger/infrastructure/alert"
	"order-ledger/infrastructure/logger"
	"order-ledger/infrastructure/monitor"
	"order-ledger/metrics"
	"order-ledger/order"
	"order-ledger/reconcile"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	configPath string
	cfgMu      sync.RWMutex
	cfg        config.AppConfig

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager
	watcher *config.Watcher

	// 核心服务
	registry  *order.Registry
	adapter   *reconcile.Adapter
	resyncer  *reconcile.Resyncer
	snapshots reconcile.SnapshotSource

	// 外部注入
	extraChannels []alert.Channel
	baseLogger    *logger.Logger

	feedConnected atomic.Bool
	stalePending  atomic.Int64

	// 生命周期管理
	lifecycle *LifecycleManager
	built     bool
}

// Option 配置 Container
type Option func(*Container)

// WithSnapshotSource 提供交易所快照查询，启用周期性快照对账与断线恢复。
func WithSnapshotSource(src reconcile.SnapshotSource) Option {
	return func(c *Container) { c.snapshots = src }
}

// WithAlertChannels 追加告警通道（日志通道总是存在）。
func WithAlertChannels(ch ...alert.Channel) Option {
	return func(c *Container) { c.extraChannels = append(c.extraChannels, ch...) }
}

// WithLogger 使用外部构造的 logger（测试）。
func WithLogger(l *logger.Logger) Option {
	return func(c *Container) { c.baseLogger = l }
}

// New 从配置文件创建Container，并监听配置文件热更新
func New(configPath string, opts ...Option) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c := NewWithConfig(cfg, opts...)
	c.configPath = configPath
	return c, nil
}

// NewWithConfig 使用已加载的配置创建Container，不监听文件
func NewWithConfig(cfg config.AppConfig, opts ...Option) *Container {
	c := &Container{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Build 构建所有组件
func (c *Container) Build() error {
	if c.built {
		return nil
	}
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}
	c.registerLifecycleComponents()
	c.built = true
	c.logger.Info("container built successfully")
	return nil
}

func (c *Container) buildInfrastructure() error {
	cfg := c.settings()

	if c.baseLogger != nil {
		c.logger = c.baseLogger
	} else {
		l, err := logger.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("create logger failed: %w", err)
		}
		c.logger = l
	}
	c.logger = c.logger.WithFields(map[string]interface{}{"env": cfg.Env})
	c.lifecycle = NewLifecycleManager(c.logger.Named("lifecycle"))

	monitorCfg := monitor.DefaultConfig()
	if cfg.Metrics.Namespace != "" {
		monitorCfg.Namespace = cfg.Metrics.Namespace
	}
	c.monitor = monitor.New(monitorCfg)

	channels := append([]alert.Channel{alert.NewLogChannel("log", c.logger.Logger)}, c.extraChannels...)
	c.alerts = alert.NewManager(channels, 5*time.Minute)

	if c.configPath != "" {
		w, err := config.NewWatcher(c.configPath, time.Second, c.logger.Named("config"))
		if err != nil {
			return err
		}
		c.watcher = w
	}

	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildCoreServices() error {
	cfg := c.settings()

	c.registry = order.NewRegistry(
		order.WithLogger(c.logger.Named("order")),
		order.WithQueueSize(cfg.Registry.EventQueueSize),
		order.WithFillTracker(order.NewFillTracker(cfg.Registry.FillHistory, cfg.Registry.FillWindow)),
		order.WithRiskChecks(order.RiskCheckFunc(c.checkPairLimits)),
	)
	c.registry.SetConstraints(cfg.SymbolConstraints())

	c.adapter = reconcile.NewAdapter(c.registry, c.logger.Named("reconcile"))
	c.resyncer = reconcile.NewResyncer(c.snapshots, c.registry, c.adapter, reconcile.ResyncerConfig{
		Interval: cfg.Reconcile.ResyncInterval,
		OnResync: c.monitor.RecordResync,
	}, c.logger.Named("resync"))

	c.monitor.Bind(c.registry, c.adapter)
	c.registry.OnLateFill(func(n order.LateFillNotice) {
		if err := c.alerts.LateFill(n); err != nil {
			c.logger.LogError(err, map[string]interface{}{"action": "alert_late_fill", "order_id": n.Order.ID})
		}
	})

	c.logger.Info("core services built", zap.Int("pairs", len(cfg.Pairs)))
	return nil
}

// checkPairLimits 按交易对配置执行名义上限与挂单数上限，配置热更新后立即生效。
func (c *Container) checkPairLimits(o order.Order) error {
	c.cfgMu.RLock()
	pc, ok := c.cfg.Pairs[o.Pair]
	c.cfgMu.RUnlock()
	if !ok {
		return nil
	}
	if err := (order.NotionalLimit{Max: pc.MaxNotional}).CheckOrder(o); err != nil {
		return err
	}
	return order.OpenOrderLimit{Max: pc.MaxOpenOrders, Count: c.registry.OpenCount}.CheckOrder(o)
}

func (c *Container) registerLifecycleComponents() {
	cfg := c.settings()

	if cfg.Registry.AsyncEvents {
		c.lifecycle.Register(&component{
			name:  "event_dispatcher",
			start: c.registry.Start,
			stop:  c.registry.Close,
		})
	}

	if cfg.Metrics.Addr != "" {
		c.lifecycle.Register(&httpServerComponent{
			name:    "ops_server",
			handler: metrics.NewRouter(c.monitor.Registry(), c.Health),
			addr:    cfg.Metrics.Addr,
			logger:  c.logger.Named("ops"),
		})
	}

	if c.snapshots != nil {
		c.lifecycle.Register(&component{
			name:  "resyncer",
			start: c.resyncer.Start,
			stop:  c.resyncer.Stop,
		})
	}

	c.lifecycle.Register(newLoopComponent("maintenance", c.runMaintenance))

	if cfg.Feed.URL != "" {
		c.lifecycle.Register(newLoopComponent("feed", c.runFeed))
	}

	if c.watcher != nil {
		c.lifecycle.Register(&component{
			name:  "config_watcher",
			start: func(ctx context.Context) error { return c.watcher.Start(ctx, c.applyConfig) },
			stop:  c.watcher.Stop,
		})
	}
}

// Start 启动全部组件
func (c *Container) Start(ctx context.Context) error {
	if err := c.Build(); err != nil {
		return err
	}
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

// Stop 逆序停止组件并输出最终统计
func (c *Container) Stop() error {
	if !c.built {
		return nil
	}
	c.logger.Info("stopping container...")

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}

	s := c.registry.Stats()
	a := c.adapter.Stats()
	c.logger.Info("ledger final stats",
		zap.Int("tracked", s.Tracked),
		zap.Int64("created", s.Created),
		zap.Int64("filled", s.Filled),
		zap.Int64("canceled", s.Canceled),
		zap.Int64("late_fills", s.LateFills),
		zap.Int64("dropped_notices", s.DroppedNotices),
		zap.Int64("unknown_trades", a.UnknownTrades),
		zap.Int64("stale_snapshots", a.StaleSnapshots),
	)

	if closeErr := c.logger.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// HealthCheck 检查各组件健康状态
func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Health /healthz 的内容：组件状态、未确认订单、推送流连接。
func (c *Container) Health() metrics.Health {
	cfg := c.settings()
	s := c.registry.Stats()
	stale := c.stalePending.Load()

	h := metrics.Health{
		Status: "ok",
		Details: map[string]interface{}{
			"tracked":               s.Tracked,
			"active":                s.ByState[order.StateOpen] + s.ByState[order.StatePartiallyFilled],
			"unknown":               s.ByState[order.StateUnknown],
			"stale_pending_submits": stale,
			"dropped_notices":       s.DroppedNotices,
		},
	}
	var problems []string
	if err := c.lifecycle.CheckHealth(); err != nil {
		problems = append(problems, err.Error())
	}
	if stale > 0 {
		problems = append(problems, fmt.Sprintf("%d orders pending submit beyond %s", stale, cfg.Registry.StalePendingAfter))
	}
	if cfg.Feed.URL != "" {
		connected := c.feedConnected.Load()
		h.Details["feed_connected"] = connected
		if !connected {
			problems = append(problems, "feed disconnected")
		}
	}
	if len(problems) > 0 {
		h.Status = "degraded"
		h.Details["problems"] = problems
	}
	return h
}

// Maintain 执行一次维护：淘汰过期终态订单、检查长时间未确认的提交。
func (c *Container) Maintain() {
	cfg := c.settings()

	evicted := c.registry.CleanupTerminal(cfg.Registry.Retention)
	c.adapter.Forget(evicted...)

	stale := c.registry.StalePendingSubmits(cfg.Registry.StalePendingAfter)
	c.stalePending.Store(int64(len(stale)))
	c.monitor.SetStalePending(len(stale))
	for _, o := range stale {
		c.logger.LogOrder("stale_submit", o.ID, map[string]interface{}{
			"client_id":    o.ClientID,
			"pair":         o.Pair,
			"submitted_at": o.SubmittedAt,
		})
		if err := c.alerts.StaleSubmit(o); err != nil {
			c.logger.LogError(err, map[string]interface{}{"action": "alert_stale_submit", "order_id": o.ID})
		}
	}
	c.alerts.PruneThrottle()
}

func (c *Container) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(c.settings().Registry.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Maintain()
			ticker.Reset(c.settings().Registry.CleanupInterval)
		}
	}
}

// runFeed 连接推送流并持续读取；断线后把活跃订单标记为 UNKNOWN，重连成功后立即做一次快照对账。
func (c *Container) runFeed(ctx context.Context) {
	log := c.logger.Named("feed")
	for {
		cfg := c.settings()
		dialer := &websocket.Dialer{HandshakeTimeout: cfg.Feed.HandshakeTimeout}
		conn, err := feed.Dial(ctx, cfg.Feed.URL, dialer)
		if err != nil {
			log.Warn("feed dial failed", zap.String("url", cfg.Feed.URL), zap.Error(err))
			if !sleepCtx(ctx, cfg.Feed.ReconnectDelay) {
				return
			}
			continue
		}

		c.feedConnected.Store(true)
		log.Info("feed connected", zap.String("url", cfg.Feed.URL))
		if c.snapshots != nil {
			if err := c.resyncer.ForceResync(ctx); err != nil {
				log.Warn("resync after connect failed", zap.Error(err))
			}
		}

		pump := &feed.Pump{
			Conn:      conn,
			Handler:   c.adapter,
			Logger:    log,
			OnOutcome: c.monitor.RecordOutcome,
		}
		err = pump.Run(ctx)
		c.feedConnected.Store(false)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("feed closed by peer")
		}

		n := c.resyncer.Invalidate(err.Error())
		if alertErr := c.alerts.FeedLost(err, n); alertErr != nil {
			c.logger.LogError(alertErr, map[string]interface{}{"action": "alert_feed_lost"})
		}
		if !sleepCtx(ctx, cfg.Feed.ReconnectDelay) {
			return
		}
	}
}

// applyConfig 热更新：交易对限制、风控上限、对账间隔、保留参数。
// 监听地址、推送流地址与事件队列等结构性参数需要重启。
func (c *Container) applyConfig(next config.AppConfig) {
	c.cfgMu.Lock()
	prev := c.cfg
	c.cfg.Pairs = next.Pairs
	c.cfg.Registry.Retention = next.Registry.Retention
	c.cfg.Registry.CleanupInterval = next.Registry.CleanupInterval
	c.cfg.Registry.StalePendingAfter = next.Registry.StalePendingAfter
	c.cfg.Reconcile.ResyncInterval = next.Reconcile.ResyncInterval
	c.cfg.Feed.ReconnectDelay = next.Feed.ReconnectDelay
	c.cfgMu.Unlock()

	c.registry.SetConstraints(next.SymbolConstraints())
	c.resyncer.UpdateInterval(next.Reconcile.ResyncInterval)

	if next.Metrics.Addr != prev.Metrics.Addr || next.Feed.URL != prev.Feed.URL || next.Registry.AsyncEvents != prev.Registry.AsyncEvents {
		c.logger.Warn("config change requires restart",
			zap.String("metrics_addr", next.Metrics.Addr),
			zap.String("feed_url", next.Feed.URL),
		)
	}
	c.logger.Info("config applied", zap.Int("pairs", len(next.Pairs)))
}

func (c *Container) settings() config.AppConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Registry 订单登记簿（策略侧下单入口）
func (c *Container) Registry() *order.Registry { return c.registry }

// Adapter 对账适配器（外部传输层可直接喂消息）
func (c *Container) Adapter() *reconcile.Adapter { return c.adapter }

// Monitor 指标
func (c *Container) Monitor() *monitor.Monitor { return c.monitor }

// Logger 进程 logger
func (c *Container) Logger() *logger.Logger { return c.logger }

// loopComponent 以独立 goroutine 运行 fn，Stop 时取消并等待退出。
type loopComponent struct {
	name   string
	fn     func(ctx context.Context)
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newLoopComponent(name string, fn func(ctx context.Context)) *loopComponent {
	return &loopComponent{name: name, fn: fn}
}

func (l *loopComponent) Name() string { return l.name }

func (l *loopComponent) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		l.fn(ctx)
	}(l.done)
	return nil
}

func (l *loopComponent) Stop() error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (l *loopComponent) Health() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel == nil {
		return fmt.Errorf("%s not running", l.name)
	}
	select {
	case <-l.done:
		return fmt.Errorf("%s exited", l.name)
	default:
		return nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
