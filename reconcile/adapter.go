package reconcile

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-ledger/order"
)

// Ledger 对账需要的登记簿操作，*order.Registry 满足该接口。
type Ledger interface {
	Get(id string) (order.Order, bool)
	GetByClientID(clientID string) (order.Order, bool)
	Confirm(id, exchangeID string, payload order.Payload) (bool, error)
	AssertState(id string, target order.State, reason string, payload order.Payload) (bool, error)
	HandleFill(id string, fill order.Fill) (order.FillOutcome, error)
	TradeSeen(tradeID string) bool
}

const lockStripes = 64

// attribution 记录快照增量带来、尚未被逐笔成交认领的数量，以及订单结束后的迟到成交。
type attribution struct {
	unattributed decimal.Decimal
	lateVolume   decimal.Decimal
	lateNotional decimal.Decimal
	lateFees     decimal.Decimal
	absorbed     map[string]struct{}
}

// Stats 对账统计
type Stats struct {
	StatusMessages       int64
	TradeMessages        int64
	UnknownOrders        int64
	UnknownTrades        int64
	UnrecognizedStatuses int64
	StaleSnapshots       int64
	Confirms             int64
	Recoveries           int64
	SnapshotFills        int64
	TradeFills           int64
	AbsorbedTrades       int64
	DuplicateTrades      int64
	LateFills            int64
	Refused              int64
	Errors               int64
}

type counters struct {
	statusMessages       atomic.Int64
	tradeMessages        atomic.Int64
	unknownOrders        atomic.Int64
	unknownTrades        atomic.Int64
	unrecognizedStatuses atomic.Int64
	staleSnapshots       atomic.Int64
	confirms             atomic.Int64
	recoveries           atomic.Int64
	snapshotFills        atomic.Int64
	tradeFills           atomic.Int64
	absorbedTrades       atomic.Int64
	duplicateTrades      atomic.Int64
	lateFills            atomic.Int64
	refused              atomic.Int64
	errors               atomic.Int64
}

// Adapter 把推送流的状态快照与逐笔成交映射为登记簿上的确认、成交与状态断言。
// 同一订单的消息串行处理（分段锁），保证 读取-计算-记账 的原子性。
type Adapter struct {
	ledger Ledger
	logger *zap.Logger
	locks  [lockStripes]sync.Mutex

	mu   sync.Mutex
	attr map[string]*attribution

	stats counters
}

// NewAdapter 创建对账适配器
func NewAdapter(ledger Ledger, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		ledger: ledger,
		logger: logger,
		attr:   make(map[string]*attribution),
	}
}

// OnOrderStatus 处理一条状态快照：
// 补充确认 PENDING_SUBMIT、把 UNKNOWN 恢复为 OPEN、把累计成交量换算为增量成交、
// 最后断言终态。落后于本地的快照被忽略并计数。
func (a *Adapter) OnOrderStatus(msg OrderStatus) Outcome {
	a.stats.statusMessages.Add(1)
	if msg.ExecutedVolume.IsNegative() || msg.Fee.IsNegative() || msg.Cost.IsNegative() || msg.Price.IsNegative() {
		a.stats.errors.Add(1)
		a.logger.Warn("invalid order status",
			zap.String("order_id", msg.OrderID),
			zap.String("executed", msg.ExecutedVolume.String()),
		)
		return OutcomeInvalid
	}

	o, ok := a.resolve(msg.OrderID, msg.ClientID)
	if !ok {
		a.stats.unknownOrders.Add(1)
		a.logger.Warn("status for untracked order",
			zap.String("order_id", msg.OrderID),
			zap.String("client_id", msg.ClientID),
			zap.String("status", msg.Status),
		)
		return OutcomeUnknownOrder
	}

	lock := a.lockFor(o.ID)
	lock.Lock()
	defer lock.Unlock()

	if o, ok = a.ledger.Get(o.ID); !ok {
		a.stats.unknownOrders.Add(1)
		return OutcomeUnknownOrder
	}

	requested := msg.RequestedVolume
	if !requested.IsPositive() {
		requested = o.Volume
	}
	target, recognized := MapStatus(msg.Status, msg.ExecutedVolume, requested)
	if !recognized {
		a.stats.unrecognizedStatuses.Add(1)
		a.logger.Warn("unrecognized exchange status, treating as open",
			zap.String("order_id", o.ID),
			zap.String("status", msg.Status),
		)
	}

	changed := false
	var err error
	var bound bool
	if target != order.StatePendingSubmit && target != order.StateRejected {
		o, bound, err = a.bindPending(o, msg.OrderID, msg.Payload)
		if err != nil {
			return OutcomeInvalid
		}
		changed = changed || bound
	}

	acc := a.accounted(o)
	delta := msg.ExecutedVolume.Sub(acc.volume)
	if delta.IsNegative() {
		a.stats.staleSnapshots.Add(1)
		a.logger.Debug("stale order status ignored",
			zap.String("order_id", o.ID),
			zap.String("executed", msg.ExecutedVolume.String()),
			zap.String("local_executed", acc.volume.String()),
		)
		if changed {
			return OutcomeApplied
		}
		return OutcomeStale
	}

	if o.State == order.StateFilled && delta.IsPositive() && delta.LessThanOrEqual(order.FillTolerance) {
		// 末笔成交已按舍入误差截断计入
		delta = decimal.Zero
	}

	if o.State == order.StateUnknown && (delta.IsPositive() || !isTerminal(target)) {
		var recovered bool
		o, recovered, err = a.recoverUnknown(o, "exchange status "+msg.Status, msg.Payload)
		if err != nil {
			return OutcomeInvalid
		}
		changed = changed || recovered
	}

	late := false
	if delta.IsPositive() {
		fill := order.Fill{
			Volume:  delta,
			Price:   deltaPrice(msg, acc.notional, delta, o.Price),
			Fee:     decimal.Max(msg.Fee.Sub(acc.fees), decimal.Zero),
			Payload: msg.Payload,
		}
		outcome, err := a.ledger.HandleFill(o.ID, fill)
		if err != nil {
			a.stats.errors.Add(1)
			a.logger.Error("apply snapshot fill failed", zap.String("order_id", o.ID), zap.Error(err))
			return OutcomeInvalid
		}
		switch outcome {
		case order.FillApplied:
			a.stats.snapshotFills.Add(1)
			a.attribute(o.ID, fill, false)
			changed = true
		case order.FillLate:
			a.stats.lateFills.Add(1)
			a.attribute(o.ID, fill, true)
			late = true
		default:
			a.stats.refused.Add(1)
			a.logger.Warn("snapshot fill refused",
				zap.String("order_id", o.ID),
				zap.String("state", string(o.State)),
				zap.String("delta", delta.String()),
				zap.String("outcome", outcome.String()),
			)
			return OutcomeRefused
		}
		o, _ = a.ledger.Get(o.ID)
	}

	switch {
	case o.State == target:
	case o.IsTerminal():
		if late {
			break
		}
		if isTerminal(target) {
			a.stats.refused.Add(1)
			a.logger.Warn("exchange status conflicts with terminal order",
				zap.String("order_id", o.ID),
				zap.String("state", string(o.State)),
				zap.String("exchange_state", string(target)),
			)
			break
		}
		// 本地已撤单等，交易所尚未反映
		a.stats.staleSnapshots.Add(1)
		if !changed {
			return OutcomeStale
		}
	case target == order.StateFilled:
		a.stats.refused.Add(1)
		a.logger.Warn("exchange reports filled but executed volume is short",
			zap.String("order_id", o.ID),
			zap.String("state", string(o.State)),
			zap.String("executed", msg.ExecutedVolume.String()),
			zap.String("volume", o.Volume.String()),
		)
	case isTerminal(target):
		ok, err := a.ledger.AssertState(o.ID, target, "exchange status "+msg.Status, msg.Payload)
		if err != nil {
			a.stats.errors.Add(1)
			return OutcomeInvalid
		}
		if ok {
			changed = true
		} else {
			a.stats.refused.Add(1)
		}
	}

	switch {
	case late:
		return OutcomeLate
	case changed:
		return OutcomeApplied
	default:
		return OutcomeNoop
	}
}

// OnTrade 处理一笔逐笔成交。已由快照增量计入的数量被认领而不重复记账；
// trade id 重复投递只记一次。
func (a *Adapter) OnTrade(msg Trade) Outcome {
	a.stats.tradeMessages.Add(1)
	if !msg.Volume.IsPositive() || msg.Price.IsNegative() || msg.Fee.IsNegative() {
		a.stats.errors.Add(1)
		a.logger.Warn("invalid trade",
			zap.String("order_id", msg.OrderID),
			zap.String("trade_id", msg.TradeID),
			zap.String("volume", msg.Volume.String()),
		)
		return OutcomeInvalid
	}

	o, ok := a.resolve(msg.OrderID, "")
	if !ok {
		a.stats.unknownTrades.Add(1)
		a.logger.Warn("trade for untracked order",
			zap.String("order_id", msg.OrderID),
			zap.String("trade_id", msg.TradeID),
			zap.String("volume", msg.Volume.String()),
			zap.String("price", msg.Price.String()),
		)
		return OutcomeUnknownOrder
	}

	lock := a.lockFor(o.ID)
	lock.Lock()
	defer lock.Unlock()

	if o, ok = a.ledger.Get(o.ID); !ok {
		a.stats.unknownTrades.Add(1)
		return OutcomeUnknownOrder
	}
	if a.seen(o.ID, msg.TradeID) {
		a.stats.duplicateTrades.Add(1)
		return OutcomeDuplicate
	}

	var err error
	if o, _, err = a.bindPending(o, msg.OrderID, msg.Payload); err != nil {
		return OutcomeInvalid
	}
	if o, _, err = a.recoverUnknown(o, "trade received", msg.Payload); err != nil {
		return OutcomeInvalid
	}

	remainder := a.absorb(o.ID, msg.TradeID, msg.Volume)
	if !remainder.IsPositive() {
		a.stats.absorbedTrades.Add(1)
		a.logger.Debug("trade already attributed by status snapshot",
			zap.String("order_id", o.ID),
			zap.String("trade_id", msg.TradeID),
		)
		return OutcomeAbsorbed
	}

	fill := order.Fill{
		TradeID: msg.TradeID,
		Volume:  remainder,
		Price:   msg.Price,
		Fee:     msg.Fee,
		Time:    msg.Time,
		Payload: msg.Payload,
	}
	if !remainder.Equal(msg.Volume) {
		fill.Fee = msg.Fee.Mul(remainder).Div(msg.Volume)
	}

	outcome, err := a.ledger.HandleFill(o.ID, fill)
	if err != nil {
		a.stats.errors.Add(1)
		a.logger.Error("apply trade failed",
			zap.String("order_id", o.ID),
			zap.String("trade_id", msg.TradeID),
			zap.Error(err),
		)
		return OutcomeInvalid
	}
	switch outcome {
	case order.FillApplied:
		a.stats.tradeFills.Add(1)
		return OutcomeApplied
	case order.FillLate:
		a.stats.lateFills.Add(1)
		a.attribute(o.ID, fill, true)
		return OutcomeLate
	case order.FillDuplicate:
		a.stats.duplicateTrades.Add(1)
		return OutcomeDuplicate
	default:
		a.stats.refused.Add(1)
		return OutcomeRefused
	}
}

// Forget 丢弃已被登记簿淘汰的订单的归因状态。
func (a *Adapter) Forget(ids ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		delete(a.attr, id)
	}
}

// Stats 统计快照
func (a *Adapter) Stats() Stats {
	return Stats{
		StatusMessages:       a.stats.statusMessages.Load(),
		TradeMessages:        a.stats.tradeMessages.Load(),
		UnknownOrders:        a.stats.unknownOrders.Load(),
		UnknownTrades:        a.stats.unknownTrades.Load(),
		UnrecognizedStatuses: a.stats.unrecognizedStatuses.Load(),
		StaleSnapshots:       a.stats.staleSnapshots.Load(),
		Confirms:             a.stats.confirms.Load(),
		Recoveries:           a.stats.recoveries.Load(),
		SnapshotFills:        a.stats.snapshotFills.Load(),
		TradeFills:           a.stats.tradeFills.Load(),
		AbsorbedTrades:       a.stats.absorbedTrades.Load(),
		DuplicateTrades:      a.stats.duplicateTrades.Load(),
		LateFills:            a.stats.lateFills.Load(),
		Refused:              a.stats.refused.Load(),
		Errors:               a.stats.errors.Load(),
	}
}

func (a *Adapter) resolve(orderID, clientID string) (order.Order, bool) {
	if orderID != "" {
		if o, ok := a.ledger.Get(orderID); ok {
			return o, true
		}
	}
	if clientID != "" {
		return a.ledger.GetByClientID(clientID)
	}
	return order.Order{}, false
}

func (a *Adapter) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &a.locks[h.Sum32()%lockStripes]
}

// bindPending 交易所已经在报告这笔订单，而本地仍在等确认：补一次 CONFIRM 并绑定交易所 id。
func (a *Adapter) bindPending(o order.Order, exchangeID string, payload order.Payload) (order.Order, bool, error) {
	if o.State != order.StatePendingSubmit || exchangeID == "" || exchangeID == o.ID {
		return o, false, nil
	}
	ok, err := a.ledger.Confirm(o.ID, exchangeID, payload)
	if err != nil {
		a.stats.errors.Add(1)
		a.logger.Error("confirm from feed failed",
			zap.String("order_id", o.ID),
			zap.String("exchange_id", exchangeID),
			zap.Error(err),
		)
		return o, false, err
	}
	if !ok {
		return o, false, nil
	}
	a.stats.confirms.Add(1)
	fresh, _ := a.ledger.Get(o.ID)
	return fresh, true, nil
}

// recoverUnknown 把 UNKNOWN 恢复为 OPEN，这是状态表中 UNKNOWN 唯一的非终态出口。
// 已有部分成交的订单也回到 OPEN（VolumeExecuted 保留），直到下一笔正增量成交才重新进入 PARTIALLY_FILLED。
func (a *Adapter) recoverUnknown(o order.Order, reason string, payload order.Payload) (order.Order, bool, error) {
	if o.State != order.StateUnknown {
		return o, false, nil
	}
	ok, err := a.ledger.AssertState(o.ID, order.StateOpen, reason, payload)
	if err != nil {
		a.stats.errors.Add(1)
		return o, false, err
	}
	if !ok {
		return o, false, nil
	}
	a.stats.recoveries.Add(1)
	a.logger.Info("order recovered from unknown state", zap.String("order_id", o.ID))
	fresh, _ := a.ledger.Get(o.ID)
	return fresh, true, nil
}

type accounted struct {
	volume   decimal.Decimal
	notional decimal.Decimal
	fees     decimal.Decimal
}

// accounted 已计入的累计量：登记簿中的成交聚合加上迟到成交。
func (a *Adapter) accounted(o order.Order) accounted {
	acc := accounted{volume: o.VolumeExecuted, notional: o.FilledNotional, fees: o.TotalFeesPaid}
	a.mu.Lock()
	defer a.mu.Unlock()
	if at, ok := a.attr[o.ID]; ok {
		acc.volume = acc.volume.Add(at.lateVolume)
		acc.notional = acc.notional.Add(at.lateNotional)
		acc.fees = acc.fees.Add(at.lateFees)
	}
	return acc
}

func (a *Adapter) attributionLocked(id string) *attribution {
	at, ok := a.attr[id]
	if !ok {
		at = &attribution{absorbed: make(map[string]struct{})}
		a.attr[id] = at
	}
	return at
}

// attribute 记录快照增量（unattributed）或迟到成交。
func (a *Adapter) attribute(id string, fill order.Fill, late bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	at := a.attributionLocked(id)
	if fill.TradeID == "" {
		at.unattributed = at.unattributed.Add(fill.Volume)
	}
	if late {
		at.lateVolume = at.lateVolume.Add(fill.Volume)
		at.lateNotional = at.lateNotional.Add(fill.Volume.Mul(fill.Price))
		at.lateFees = at.lateFees.Add(fill.Fee)
	}
}

// absorb 用快照已计入的数量抵扣这笔成交，返回仍需记账的部分。
func (a *Adapter) absorb(id, tradeID string, volume decimal.Decimal) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	at, ok := a.attr[id]
	if !ok || !at.unattributed.IsPositive() {
		return volume
	}
	taken := decimal.Min(volume, at.unattributed)
	at.unattributed = at.unattributed.Sub(taken)
	if tradeID != "" {
		at.absorbed[tradeID] = struct{}{}
	}
	return volume.Sub(taken)
}

func (a *Adapter) seen(id, tradeID string) bool {
	if tradeID == "" {
		return false
	}
	if a.ledger.TradeSeen(tradeID) {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if at, ok := a.attr[id]; ok {
		_, dup := at.absorbed[tradeID]
		return dup
	}
	return false
}

// deltaPrice 由累计成交额（或累计均价）与已计入名义额之差推出增量成交价，无法推出时使用 fallback。
func deltaPrice(msg OrderStatus, accountedNotional, delta, fallback decimal.Decimal) decimal.Decimal {
	var cumulative decimal.Decimal
	switch {
	case msg.Cost.IsPositive():
		cumulative = msg.Cost
	case msg.Price.IsPositive():
		cumulative = msg.Price.Mul(msg.ExecutedVolume)
	default:
		return fallback
	}
	p := cumulative.Sub(accountedNotional).Div(delta)
	if p.IsNegative() {
		if msg.Price.IsPositive() {
			return msg.Price
		}
		return fallback
	}
	return p
}

func isTerminal(s order.State) bool {
	return order.DefaultStateMachine.IsTerminal(s)
}
