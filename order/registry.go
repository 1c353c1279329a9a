package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
	"go.uber.org/zap"
)

// Fill 一笔增量成交。
type Fill struct {
	TradeID string
	Volume  decimal.Decimal
	Price   decimal.Decimal
	Fee     decimal.Decimal
	Time    time.Time
	Payload Payload
}

// FillOutcome HandleFill 的结果；只有 FillApplied 修改了订单。
type FillOutcome int

const (
	FillApplied   FillOutcome = iota
	FillRefused               // 状态机拒绝或超出委托量
	FillDuplicate             // trade id 已经记过账
	FillLate                  // 订单已结束，仅作为经济事件记录
)

func (f FillOutcome) Applied() bool { return f == FillApplied }

func (f FillOutcome) String() string {
	switch f {
	case FillApplied:
		return "applied"
	case FillRefused:
		return "refused"
	case FillDuplicate:
		return "duplicate"
	case FillLate:
		return "late"
	default:
		return "unknown"
	}
}

type completedEntry struct {
	at time.Time
	id string
}

type counters struct {
	created            int64
	submitted          int64
	confirmed          int64
	filled             int64
	canceled           int64
	rejected           int64
	expired            int64
	failed             int64
	reset              int64
	validationFailures int64
	riskFailures       int64
	refused            int64
	lateFills          int64
	duplicateTrades    int64
	recovered          int64
	evicted            int64
}

// Registry 持有全部订单，维护按交易对/状态的二级索引，提供生命周期操作。
//
// 所有修改都在 mu 写锁内完成且不做 I/O；事件回调在锁释放后分发。
// 主键在确认前是内部 id，确认后改为交易所 id；keys 把两种 id 都映射到当前主键。
type Registry struct {
	mu        sync.RWMutex
	sm        *StateMachine
	orders    map[string]*Order
	keys      map[string]string
	byClient  map[string]string
	byPair    map[string]map[string]struct{}
	byState   map[State]map[string]struct{}
	completed *btree.BTreeG[completedEntry]
	evicted   *evictedSet
	stats     counters

	hookMu      sync.RWMutex
	validators  []Validator
	riskChecks  []RiskCheck
	constraints ConstraintValidator

	dispatcher *Dispatcher
	fills      *FillTracker
	logger     *zap.Logger
	now        func() time.Time
	queueSize  int
	evictedCap int
}

// Option 配置 Registry。
type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock 注入时钟，便于测试保留窗口等逻辑。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithValidators(v ...Validator) Option {
	return func(r *Registry) { r.validators = append(r.validators, v...) }
}

func WithRiskChecks(c ...RiskCheck) Option {
	return func(r *Registry) { r.riskChecks = append(r.riskChecks, c...) }
}

func WithFillTracker(t *FillTracker) Option {
	return func(r *Registry) {
		if t != nil {
			r.fills = t
		}
	}
}

func WithQueueSize(n int) Option {
	return func(r *Registry) { r.queueSize = n }
}

// WithEvictedMemory 记住最近 n 个被淘汰的交易所 id，快照恢复时跳过；n<=0 关闭。
func WithEvictedMemory(n int) Option {
	return func(r *Registry) { r.evictedCap = n }
}

// DefaultEvictedMemory 默认记住的淘汰 id 数
const DefaultEvictedMemory = 10000

// NewRegistry 创建订单登记簿。默认带 BasicValidator。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sm:         DefaultStateMachine,
		orders:     make(map[string]*Order),
		keys:       make(map[string]string),
		byClient:   make(map[string]string),
		byPair:     make(map[string]map[string]struct{}),
		byState:    make(map[State]map[string]struct{}),
		validators: []Validator{BasicValidator{}},
		evictedCap: DefaultEvictedMemory,
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
		completed: btree.NewBTreeG(func(a, b completedEntry) bool {
			if !a.at.Equal(b.at) {
				return a.at.Before(b.at)
			}
			return a.id < b.id
		}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.fills == nil {
		r.fills = NewFillTracker(0, 0)
	}
	r.fills.now = r.now
	r.evicted = newEvictedSet(r.evictedCap)
	r.dispatcher = NewDispatcher(r.logger, r.queueSize)
	for _, s := range AllStates {
		r.byState[s] = make(map[string]struct{})
	}
	return r
}

// Start 启动异步事件分发。
func (r *Registry) Start(ctx context.Context) error {
	return r.dispatcher.Start(ctx)
}

// Close 停止异步分发并等待队列清空。
func (r *Registry) Close() error {
	return r.dispatcher.Stop()
}

func (r *Registry) OnCreated(fn func(CreatedNotice))          { r.dispatcher.OnCreated(fn) }
func (r *Registry) OnEvent(ev Event, fn func(TransitionNotice)) { r.dispatcher.OnEvent(ev, fn) }
func (r *Registry) OnFill(fn func(FillNotice))                  { r.dispatcher.OnFill(fn) }
func (r *Registry) OnLateFill(fn func(LateFillNotice))          { r.dispatcher.OnLateFill(fn) }
func (r *Registry) OnStateChange(fn StateChangeFunc)            { r.dispatcher.OnStateChange(fn) }

// AddValidator 追加请求校验器
func (r *Registry) AddValidator(v Validator) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.validators = append(r.validators, v)
}

// AddRiskCheck 追加风控检查
func (r *Registry) AddRiskCheck(c RiskCheck) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.riskChecks = append(r.riskChecks, c)
}

// SetConstraints 设置各交易对的精度/名义限制，支持热更新。
func (r *Registry) SetConstraints(c map[string]SymbolConstraints) {
	cp := make(map[string]SymbolConstraints, len(c))
	for pair, sc := range c {
		cp[pair] = sc
	}
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.constraints = ConstraintValidator{Constraints: cp}
}

func (r *Registry) hooks() ([]Validator, []RiskCheck) {
	r.hookMu.RLock()
	defer r.hookMu.RUnlock()
	vs := append([]Validator{}, r.validators...)
	if len(r.constraints.Constraints) > 0 {
		vs = append(vs, r.constraints)
	}
	return vs, append([]RiskCheck{}, r.riskChecks...)
}

// Create 校验请求、构造订单、执行风控后入库。校验或风控失败不产生任何修改。
// 风控在写锁外执行，检查与入库之间的并发创建不在保证范围内。
func (r *Registry) Create(req Request) (Order, error) {
	if req.Type == "" {
		req.Type = TypeLimit
	}
	validators, riskChecks := r.hooks()
	for _, v := range validators {
		if err := v.ValidateRequest(req); err != nil {
			r.countValidationFailure()
			r.logger.Warn("order request rejected by validator",
				zap.String("pair", req.Pair),
				zap.String("client_id", req.ClientID),
				zap.Error(err),
			)
			return Order{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	if req.ClientID != "" {
		if _, ok := r.GetByClientID(req.ClientID); ok {
			r.countValidationFailure()
			return Order{}, fmt.Errorf("%w: duplicate client id %s", ErrValidation, req.ClientID)
		}
	}

	o := newOrder("", req, r.sm, r.now)
	for _, c := range riskChecks {
		if err := c.CheckOrder(o.Clone()); err != nil {
			r.mu.Lock()
			r.stats.riskFailures++
			r.mu.Unlock()
			r.logger.Warn("order discarded by risk check",
				zap.String("pair", req.Pair),
				zap.String("client_id", req.ClientID),
				zap.Error(err),
			)
			return Order{}, fmt.Errorf("%w: %v", ErrRiskCheck, err)
		}
	}

	r.mu.Lock()
	if _, dup := r.byClient[req.ClientID]; req.ClientID != "" && dup {
		r.stats.validationFailures++
		r.mu.Unlock()
		return Order{}, fmt.Errorf("%w: duplicate client id %s", ErrValidation, req.ClientID)
	}
	o.ID = r.newIDLocked()
	r.insertLocked(o)
	r.stats.created++
	snap := o.Clone()
	r.mu.Unlock()

	r.logger.Info("order created",
		zap.String("order_id", snap.ID),
		zap.String("client_id", snap.ClientID),
		zap.String("pair", snap.Pair),
		zap.String("side", string(snap.Side)),
		zap.String("volume", snap.Volume.String()),
		zap.String("price", snap.Price.String()),
	)
	r.dispatcher.publish(CreatedNotice{Order: snap})
	return snap, nil
}

// Submit PENDING_NEW → PENDING_SUBMIT；未知 id 或状态不对返回错误。
func (r *Registry) Submit(id string) (Order, error) {
	snap, ok, err := r.apply(id, StatePendingSubmit, EventSubmit, "submitted to exchange", nil)
	if err != nil {
		return Order{}, err
	}
	if !ok {
		return snap, fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, id, snap.State, StatePendingSubmit)
	}
	return snap, nil
}

// Confirm PENDING_SUBMIT → OPEN，并把主键原子地切换为交易所 id。
// 状态不符返回 false（对账竞争），未知 id 或交易所 id 冲突返回错误。
func (r *Registry) Confirm(id, exchangeID string, payload Payload) (bool, error) {
	if exchangeID == "" {
		return false, fmt.Errorf("%w: empty exchange order id", ErrValidation)
	}
	r.mu.Lock()
	o, ok := r.resolveLocked(id)
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	if other, bound := r.resolveLocked(exchangeID); bound && other != o {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %s belongs to %s", ErrDuplicateExchangeID, exchangeID, other.ID)
	}
	from := o.State
	if from != StatePendingSubmit || !r.transitionLocked(o, StateOpen, EventConfirm, "confirmed by exchange", payload) {
		if from != StatePendingSubmit {
			r.stats.refused++
		}
		snap := o.Clone()
		r.mu.Unlock()
		r.logRefused(snap, StateOpen, EventConfirm)
		return false, nil
	}
	r.rekeyLocked(o, exchangeID)
	snap := o.Clone()
	r.mu.Unlock()

	r.logger.Info("order confirmed",
		zap.String("order_id", snap.ID),
		zap.String("exchange_id", exchangeID),
	)
	r.dispatcher.publish(TransitionNotice{Order: snap, From: from, To: StateOpen, Event: EventConfirm, Reason: "confirmed by exchange"})
	return true, nil
}

// Reject → REJECTED
func (r *Registry) Reject(id, reason string, payload Payload) (bool, error) {
	_, ok, err := r.apply(id, StateRejected, EventReject, reason, payload)
	return ok, err
}

// Expire → EXPIRED
func (r *Registry) Expire(id, reason string, payload Payload) (bool, error) {
	_, ok, err := r.apply(id, StateExpired, EventExpire, reason, payload)
	return ok, err
}

// Fail → FAILED，用于传输层确认下单失败等本地故障。
func (r *Registry) Fail(id, reason string) (bool, error) {
	_, ok, err := r.apply(id, StateFailed, EventFail, reason, nil)
	return ok, err
}

// MarkUnknown 推送流中断导致状态不可信时转入 UNKNOWN，等待快照恢复。
func (r *Registry) MarkUnknown(id, reason string) (bool, error) {
	_, ok, err := r.apply(id, StateUnknown, EventReset, reason, nil)
	return ok, err
}

// Cancel 撤单；订单已结束返回 ErrOrderTerminal。
func (r *Registry) Cancel(id, reason string) (Order, error) {
	r.mu.Lock()
	o, ok := r.resolveLocked(id)
	if !ok {
		r.mu.Unlock()
		return Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	if !o.CanBeCanceled() {
		snap := o.Clone()
		r.mu.Unlock()
		return snap, fmt.Errorf("%w: %s is %s", ErrOrderTerminal, id, snap.State)
	}
	r.mu.Unlock()

	snap, applied, err := r.apply(id, StateCanceled, EventCancelRequest, reason, nil)
	if err != nil {
		return Order{}, err
	}
	if !applied {
		// 两次加锁之间被并发推进到终态
		return snap, fmt.Errorf("%w: %s is %s", ErrOrderTerminal, id, snap.State)
	}
	return snap, nil
}

// AssertState 应用交易所断言的目标状态，事件由 (当前, 目标) 推导。
// 成交类事件必须走 HandleFill，确认必须走 Confirm（UNKNOWN 恢复除外），这些情况返回 false。
// 订单已处于目标状态时返回 true 且不做修改。
func (r *Registry) AssertState(id string, target State, reason string, payload Payload) (bool, error) {
	r.mu.RLock()
	o, ok := r.resolveLocked(id)
	if !ok {
		r.mu.RUnlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	current := o.State
	r.mu.RUnlock()

	if current == target {
		return true, nil
	}
	ev, ok := r.sm.EventFor(current, target)
	if !ok || ev == EventPartialFill || ev == EventFullFill || (ev == EventConfirm && current != StateUnknown) {
		r.mu.Lock()
		r.stats.refused++
		snap := o.Clone()
		r.mu.Unlock()
		r.logRefused(snap, target, ev)
		return false, nil
	}
	_, applied, err := r.apply(id, target, ev, reason, payload)
	return applied, err
}

// HandleFill 记录一笔增量成交。
//   - 数量非正或价格/手续费为负返回 ErrInvalidFill
//   - trade id 重复返回 FillDuplicate
//   - 订单已结束返回 FillLate：订单不变，成交作为经济事件记录并通知
//   - 其他非法情况返回 FillRefused
func (r *Registry) HandleFill(id string, fill Fill) (FillOutcome, error) {
	if !fill.Volume.IsPositive() || fill.Price.IsNegative() || fill.Fee.IsNegative() {
		return FillRefused, fmt.Errorf("%w: volume=%s price=%s fee=%s", ErrInvalidFill, fill.Volume, fill.Price, fill.Fee)
	}

	r.mu.Lock()
	o, ok := r.resolveLocked(id)
	if !ok {
		r.mu.Unlock()
		return FillRefused, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	if r.fills.Seen(fill.TradeID) {
		r.stats.duplicateTrades++
		r.mu.Unlock()
		r.logger.Debug("duplicate trade ignored",
			zap.String("order_id", o.ID),
			zap.String("trade_id", fill.TradeID),
		)
		return FillDuplicate, nil
	}

	rec := FillRecord{
		TradeID:   fill.TradeID,
		OrderID:   o.ID,
		Pair:      o.Pair,
		Side:      o.Side,
		Volume:    fill.Volume,
		Price:     fill.Price,
		Fee:       fill.Fee,
		Timestamp: fill.Time,
	}

	if o.IsTerminal() {
		r.stats.lateFills++
		rec.Late = true
		r.fills.Record(rec)
		snap := o.Clone()
		r.mu.Unlock()
		r.logger.Warn("fill arrived after order completed",
			zap.String("order_id", snap.ID),
			zap.String("state", string(snap.State)),
			zap.String("trade_id", fill.TradeID),
			zap.String("volume", fill.Volume.String()),
			zap.String("price", fill.Price.String()),
		)
		r.dispatcher.publish(LateFillNotice{Order: snap, Fill: fill})
		return FillLate, nil
	}

	from := o.State
	prevExecuted := o.VolumeExecuted
	if !o.applyFill(fill.Volume, fill.Price, fill.Fee, "", fill.Payload) {
		r.stats.refused++
		snap := o.Clone()
		r.mu.Unlock()
		r.logger.Warn("fill refused",
			zap.String("order_id", snap.ID),
			zap.String("state", string(snap.State)),
			zap.String("trade_id", fill.TradeID),
			zap.String("volume", fill.Volume.String()),
			zap.String("executed", snap.VolumeExecuted.String()),
			zap.String("requested", snap.Volume.String()),
		)
		return FillRefused, nil
	}
	r.afterTransitionLocked(o, from)
	if applied := o.VolumeExecuted.Sub(prevExecuted); !applied.Equal(fill.Volume) {
		fill.Volume = applied
		rec.Volume = applied
	}
	r.fills.Record(rec)
	last := o.History[len(o.History)-1]
	snap := o.Clone()
	r.mu.Unlock()

	r.logger.Info("order filled",
		zap.String("order_id", snap.ID),
		zap.String("event", string(last.Event)),
		zap.String("trade_id", fill.TradeID),
		zap.String("volume", fill.Volume.String()),
		zap.String("price", fill.Price.String()),
		zap.String("executed", snap.VolumeExecuted.String()),
		zap.String("avg_price", snap.AverageFillPrice.String()),
	)
	r.dispatcher.publish(FillNotice{
		TransitionNotice: TransitionNotice{Order: snap, From: from, To: snap.State, Event: last.Event, Reason: last.Reason},
		Fill:             fill,
	})
	return FillApplied, nil
}

// CancelOutcome 批量撤单中单个订单的结果
type CancelOutcome struct {
	OrderID string
	Order   Order
	Err     error
}

// Canceled 是否撤单成功
func (c CancelOutcome) Canceled() bool { return c.Err == nil }

// CancelAll 逐个撤销活跃与待确认订单（pair 为空表示全部交易对），单个失败不影响其他订单。
func (r *Registry) CancelAll(pair, reason string) []CancelOutcome {
	if reason == "" {
		reason = "cancel all"
	}
	var targets []Order
	for _, o := range append(r.Active(), r.Pending()...) {
		if pair == "" || o.Pair == pair {
			targets = append(targets, o)
		}
	}
	outcomes := make([]CancelOutcome, 0, len(targets))
	for _, t := range targets {
		snap, err := r.Cancel(t.ID, reason)
		if err != nil {
			r.logger.Warn("cancel failed", zap.String("order_id", t.ID), zap.Error(err))
		}
		outcomes = append(outcomes, CancelOutcome{OrderID: t.ID, Order: snap, Err: err})
	}
	return outcomes
}

// apply 通用单次转换：未知 id 返回错误，状态机拒绝返回 false。
func (r *Registry) apply(id string, to State, ev Event, reason string, payload Payload) (Order, bool, error) {
	r.mu.Lock()
	o, ok := r.resolveLocked(id)
	if !ok {
		r.mu.Unlock()
		return Order{}, false, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	from := o.State
	if !r.transitionLocked(o, to, ev, reason, payload) {
		snap := o.Clone()
		r.mu.Unlock()
		r.logRefused(snap, to, ev)
		return snap, false, nil
	}
	snap := o.Clone()
	r.mu.Unlock()

	r.logger.Info("order state changed",
		zap.String("order_id", snap.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("event", string(ev)),
		zap.String("reason", reason),
	)
	r.dispatcher.publish(TransitionNotice{Order: snap, From: from, To: to, Event: ev, Reason: reason})
	return snap, true, nil
}

func (r *Registry) logRefused(snap Order, to State, ev Event) {
	r.logger.Warn("state transition refused",
		zap.String("order_id", snap.ID),
		zap.String("from", string(snap.State)),
		zap.String("to", string(to)),
		zap.String("event", string(ev)),
	)
}

func (r *Registry) countValidationFailure() {
	r.mu.Lock()
	r.stats.validationFailures++
	r.mu.Unlock()
}

func (r *Registry) resolveLocked(id string) (*Order, bool) {
	key, ok := r.keys[id]
	if !ok {
		return nil, false
	}
	o, ok := r.orders[key]
	return o, ok
}

func (r *Registry) newIDLocked() string {
	for {
		id := uuid.NewString()
		if _, taken := r.keys[id]; !taken {
			return id
		}
	}
}

func (r *Registry) insertLocked(o *Order) {
	key := o.ID
	if o.ExchangeID != "" {
		key = o.ExchangeID
		r.keys[o.ExchangeID] = key
	}
	r.orders[key] = o
	r.keys[o.ID] = key
	if o.ClientID != "" {
		r.byClient[o.ClientID] = o.ID
	}
	set, ok := r.byPair[o.Pair]
	if !ok {
		set = make(map[string]struct{})
		r.byPair[o.Pair] = set
	}
	set[o.ID] = struct{}{}
	r.byState[o.State][o.ID] = struct{}{}
	if o.IsTerminal() {
		r.completed.Set(completedEntry{at: o.CompletedAt, id: o.ID})
	}
}

func (r *Registry) removeLocked(o *Order) {
	delete(r.orders, r.keys[o.ID])
	delete(r.keys, o.ID)
	if o.ExchangeID != "" {
		delete(r.keys, o.ExchangeID)
	}
	if o.ClientID != "" && r.byClient[o.ClientID] == o.ID {
		delete(r.byClient, o.ClientID)
	}
	if set, ok := r.byPair[o.Pair]; ok {
		delete(set, o.ID)
		if len(set) == 0 {
			delete(r.byPair, o.Pair)
		}
	}
	delete(r.byState[o.State], o.ID)
}

func (r *Registry) rekeyLocked(o *Order, exchangeID string) {
	oldKey := r.keys[o.ID]
	delete(r.orders, oldKey)
	if o.ExchangeID != "" && o.ExchangeID != exchangeID {
		delete(r.keys, o.ExchangeID)
	}
	o.ExchangeID = exchangeID
	r.orders[exchangeID] = o
	r.keys[o.ID] = exchangeID
	r.keys[exchangeID] = exchangeID
}

func (r *Registry) transitionLocked(o *Order, to State, ev Event, reason string, payload Payload) bool {
	from := o.State
	if !o.TransitionTo(to, ev, reason, payload) {
		r.stats.refused++
		return false
	}
	r.afterTransitionLocked(o, from)
	return true
}

// afterTransitionLocked 迁移状态索引并更新计数，保证 id ∈ byState[S] ⇔ order.State == S。
func (r *Registry) afterTransitionLocked(o *Order, from State) {
	if from == o.State {
		return
	}
	delete(r.byState[from], o.ID)
	r.byState[o.State][o.ID] = struct{}{}

	switch o.State {
	case StatePendingSubmit:
		r.stats.submitted++
	case StateOpen:
		if from == StatePendingSubmit {
			r.stats.confirmed++
		}
	case StateFilled:
		r.stats.filled++
	case StateCanceled:
		r.stats.canceled++
	case StateRejected:
		r.stats.rejected++
	case StateExpired:
		r.stats.expired++
	case StateFailed:
		r.stats.failed++
	case StateUnknown:
		r.stats.reset++
	}
	if o.IsTerminal() && !r.sm.IsTerminal(from) {
		r.completed.Set(completedEntry{at: o.CompletedAt, id: o.ID})
	}
}
