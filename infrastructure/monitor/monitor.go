package monitor

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"order-ledger/feed"
	"order-ledger/order"
	"order-ledger/reconcile"
)

// Monitor Prometheus监控指标收集器
type Monitor struct {
	registry *prometheus.Registry
	factory  promauto.Factory
	cfg      Config

	// 订单指标
	ordersCreated  *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	fills          prometheus.Counter
	filledVolume   prometheus.Counter
	fees           prometheus.Counter
	lateFills      prometheus.Counter
	lateVolume     prometheus.Counter
	confirmLatency prometheus.Histogram
	stalePending   prometheus.Gauge

	// 对账指标
	feedMessages *prometheus.CounterVec
	resyncs      *prometheus.CounterVec

	mu    sync.Mutex
	bound bool
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "ledger",
		Subsystem: "orders",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()

	// 创建factory
	factory := promauto.With(reg)

	m := &Monitor{
		registry: reg,
		factory:  factory,
		cfg:      cfg,

		ordersCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "created_total",
			Help:      "订单创建总数（recovered 区分快照恢复）",
		}, []string{"recovered"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "transitions_total",
			Help:      "状态转换总数",
		}, []string{"to"}),
		fills: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "fills_total",
			Help:      "已记账成交笔数",
		}),
		filledVolume: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "filled_volume_total",
			Help:      "累计成交量",
		}),
		fees: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "fees_total",
			Help:      "累计手续费",
		}),
		lateFills: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "late_fills_total",
			Help:      "订单结束后到达的成交笔数",
		}),
		lateVolume: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "late_volume_total",
			Help:      "订单结束后到达的成交量",
		}),
		confirmLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "confirm_latency_seconds",
			Help:      "提交到交易所确认的延迟分布（秒）",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		stalePending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "stale_pending_submits",
			Help:      "长时间未确认的 PENDING_SUBMIT 订单数",
		}),

		feedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "reconcile",
			Name:      "messages_total",
			Help:      "推送消息对账结果",
		}, []string{"kind", "outcome"}),
		resyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "reconcile",
			Name:      "resyncs_total",
			Help:      "快照对账次数",
		}, []string{"result"}),
	}

	return m
}

// Bind 注册登记簿回调，并把登记簿、适配器的统计快照导出为 GaugeFunc / CounterFunc。
// 只能调用一次，重复调用返回 false。adapter 可为 nil。
func (m *Monitor) Bind(reg *order.Registry, adapter *reconcile.Adapter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bound {
		return false
	}
	m.bound = true

	reg.OnCreated(func(n order.CreatedNotice) {
		m.RecordCreated(n.Recovered)
	})
	reg.OnStateChange(func(_ order.Order, _, to order.State) {
		m.transitions.WithLabelValues(string(to)).Inc()
	})
	reg.OnEvent(order.EventConfirm, func(n order.TransitionNotice) {
		if n.From != order.StatePendingSubmit || n.Order.SubmittedAt.IsZero() || len(n.Order.History) == 0 {
			return
		}
		at := n.Order.History[len(n.Order.History)-1].At
		m.confirmLatency.Observe(at.Sub(n.Order.SubmittedAt).Seconds())
	})
	reg.OnFill(func(n order.FillNotice) {
		m.RecordFill(n.Fill.Volume.InexactFloat64(), n.Fill.Fee.InexactFloat64())
	})
	reg.OnLateFill(func(n order.LateFillNotice) {
		m.lateFills.Inc()
		m.lateVolume.Add(n.Fill.Volume.InexactFloat64())
	})

	// 按状态的订单数
	for _, st := range order.AllStates {
		st := st
		m.factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   m.cfg.Namespace,
			Subsystem:   m.cfg.Subsystem,
			Name:        "tracked",
			Help:        "当前跟踪的订单数（按状态）",
			ConstLabels: prometheus.Labels{"state": string(st)},
		}, func() float64 {
			return float64(len(reg.ByState(st)))
		})
	}

	m.counterFunc(m.cfg.Subsystem, "dropped_notices_total", "异步队列满而丢弃的事件数", func() float64 {
		return float64(reg.Stats().DroppedNotices)
	})
	m.counterFunc(m.cfg.Subsystem, "handler_failures_total", "事件回调 panic 次数", func() float64 {
		return float64(reg.Stats().HandlerFailures)
	})
	m.counterFunc(m.cfg.Subsystem, "refused_transitions_total", "被状态机拒绝的转换次数", func() float64 {
		return float64(reg.Stats().RefusedTransitions)
	})
	m.counterFunc(m.cfg.Subsystem, "duplicate_trades_total", "重复 trade id 次数", func() float64 {
		return float64(reg.Stats().DuplicateTrades)
	})
	m.counterFunc(m.cfg.Subsystem, "evicted_total", "保留期满被淘汰的终态订单数", func() float64 {
		return float64(reg.Stats().Evicted)
	})

	if adapter != nil {
		m.counterFunc("reconcile", "unknown_trades_total", "未跟踪订单的成交消息数", func() float64 {
			return float64(adapter.Stats().UnknownTrades)
		})
		m.counterFunc("reconcile", "stale_snapshots_total", "落后于本地状态的快照数", func() float64 {
			return float64(adapter.Stats().StaleSnapshots)
		})
		m.counterFunc("reconcile", "absorbed_trades_total", "已由快照增量计入的成交消息数", func() float64 {
			return float64(adapter.Stats().AbsorbedTrades)
		})
		m.counterFunc("reconcile", "unrecognized_statuses_total", "无法识别的交易所状态字符串数", func() float64 {
			return float64(adapter.Stats().UnrecognizedStatuses)
		})
	}
	return true
}

func (m *Monitor) counterFunc(subsystem, name, help string, fn func() float64) {
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

// RecordCreated 记录订单创建
func (m *Monitor) RecordCreated(recovered bool) {
	label := "false"
	if recovered {
		label = "true"
	}
	m.ordersCreated.WithLabelValues(label).Inc()
}

// RecordFill 记录成交
func (m *Monitor) RecordFill(volume, fee float64) {
	m.fills.Inc()
	m.filledVolume.Add(volume)
	if fee > 0 {
		m.fees.Add(fee)
	}
}

// RecordOutcome 记录推送消息对账结果，可直接作为 feed.Pump.OnOutcome。
func (m *Monitor) RecordOutcome(kind feed.Kind, outcome reconcile.Outcome) {
	m.feedMessages.WithLabelValues(string(kind), outcome.String()).Inc()
}

// RecordResync 记录一次快照对账
func (m *Monitor) RecordResync(err error) {
	if err != nil {
		m.resyncs.WithLabelValues("failed").Inc()
		return
	}
	m.resyncs.WithLabelValues("ok").Inc()
}

// SetStalePending 更新未确认订单数
func (m *Monitor) SetStalePending(n int) {
	m.stalePending.Set(float64(n))
}

// Handler 返回Prometheus HTTP handler
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回Prometheus注册表
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
