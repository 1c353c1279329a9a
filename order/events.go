package order

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	tomb "gopkg.in/tomb.v2"
)

// CreatedNotice 订单入库事件（包括从快照恢复的订单）。
type CreatedNotice struct {
	Order     Order
	Recovered bool
}

// TransitionNotice 一次成功的状态转换。
type TransitionNotice struct {
	Order  Order
	From   State
	To     State
	Event  Event
	Reason string
}

// FillNotice 成交导致的 PARTIAL_FILL / FULL_FILL 转换。
type FillNotice struct {
	TransitionNotice
	Fill Fill
}

// LateFillNotice 订单已结束后到达的成交，订单本身不变。
type LateFillNotice struct {
	Order Order
	Fill  Fill
}

// StateChangeFunc 全局状态变化观察者。
type StateChangeFunc func(o Order, oldState, newState State)

type notice interface {
	deliver(d *Dispatcher)
}

// DefaultQueueSize 异步分发队列长度。
const DefaultQueueSize = 1024

// Dispatcher 按事件类型维护强类型回调列表。回调在修改完成、锁释放之后执行；
// Start 之后改为在独立 goroutine 中执行，队列满时丢弃并计数，不阻塞对账。
type Dispatcher struct {
	mu          sync.RWMutex
	created     []func(CreatedNotice)
	events      map[Event][]func(TransitionNotice)
	fills       []func(FillNotice)
	lateFills   []func(LateFillNotice)
	stateChange []StateChangeFunc

	logger  *zap.Logger
	queue   chan notice
	t       *tomb.Tomb
	running bool

	handlerFailures atomic.Int64
	dropped         atomic.Int64
}

// NewDispatcher 创建分发器
func NewDispatcher(logger *zap.Logger, queueSize int) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Dispatcher{
		events: make(map[Event][]func(TransitionNotice)),
		logger: logger,
		queue:  make(chan notice, queueSize),
	}
}

func (d *Dispatcher) OnCreated(fn func(CreatedNotice)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.created = append(d.created, fn)
}

// OnEvent 订阅某一事件类型的状态转换。
func (d *Dispatcher) OnEvent(ev Event, fn func(TransitionNotice)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events[ev] = append(d.events[ev], fn)
}

func (d *Dispatcher) OnFill(fn func(FillNotice)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fills = append(d.fills, fn)
}

func (d *Dispatcher) OnLateFill(fn func(LateFillNotice)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lateFills = append(d.lateFills, fn)
}

// OnStateChange 订阅所有状态变化。
func (d *Dispatcher) OnStateChange(fn StateChangeFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stateChange = append(d.stateChange, fn)
}

// Start 启动异步分发 goroutine。ctx 结束或 Stop 时退出，退出前清空队列。
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		return nil
	}
	t, _ := tomb.WithContext(ctx)
	d.t = t
	d.running = true
	t.Go(func() error {
		return d.loop(t)
	})
	return nil
}

// Stop 停止异步分发，之后的事件在调用方 goroutine 中同步执行。
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	t := d.t
	d.t = nil
	d.running = false
	d.mu.Unlock()
	if t == nil {
		return nil
	}

	t.Kill(nil)
	if err := t.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (d *Dispatcher) loop(t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			d.drain()
			d.mu.Lock()
			d.running = false
			d.mu.Unlock()
			d.drain()
			return nil
		case n := <-d.queue:
			n.deliver(d)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case n := <-d.queue:
			n.deliver(d)
		default:
			return
		}
	}
}

func (d *Dispatcher) publish(n notice) {
	d.mu.RLock()
	if d.running {
		select {
		case d.queue <- n:
			d.mu.RUnlock()
			return
		default:
		}
		d.mu.RUnlock()
		d.dropped.Add(1)
		d.logger.Error("event queue full, notice dropped", zap.Int("queue_size", cap(d.queue)))
		return
	}
	d.mu.RUnlock()
	n.deliver(d)
}

// HandlerFailures 回调 panic 次数
func (d *Dispatcher) HandlerFailures() int64 { return d.handlerFailures.Load() }

// Dropped 因队列满被丢弃的事件数
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// QueueLen 当前排队的事件数
func (d *Dispatcher) QueueLen() int { return len(d.queue) }

func (d *Dispatcher) safeCall(kind string, orderID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.handlerFailures.Add(1)
			d.logger.Error("event handler panicked",
				zap.String("kind", kind),
				zap.String("order_id", orderID),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}

func (d *Dispatcher) transitionHandlers(ev Event) ([]func(TransitionNotice), []StateChangeFunc) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]func(TransitionNotice){}, d.events[ev]...), append([]StateChangeFunc{}, d.stateChange...)
}

func (d *Dispatcher) deliverTransition(n TransitionNotice) {
	handlers, observers := d.transitionHandlers(n.Event)
	for _, h := range handlers {
		d.safeCall(string(n.Event), n.Order.ID, func() { h(n) })
	}
	for _, obs := range observers {
		d.safeCall("state_change", n.Order.ID, func() { obs(n.Order, n.From, n.To) })
	}
}

func (n CreatedNotice) deliver(d *Dispatcher) {
	d.mu.RLock()
	handlers := append([]func(CreatedNotice){}, d.created...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safeCall("created", n.Order.ID, func() { h(n) })
	}
}

func (n TransitionNotice) deliver(d *Dispatcher) {
	d.deliverTransition(n)
}

func (n FillNotice) deliver(d *Dispatcher) {
	d.mu.RLock()
	handlers := append([]func(FillNotice){}, d.fills...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safeCall("fill", n.Order.ID, func() { h(n) })
	}
	d.deliverTransition(n.TransitionNotice)
}

func (n LateFillNotice) deliver(d *Dispatcher) {
	d.mu.RLock()
	handlers := append([]func(LateFillNotice){}, d.lateFills...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safeCall("late_fill", n.Order.ID, func() { h(n) })
	}
}
