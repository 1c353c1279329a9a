package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FillTolerance 判断完全成交时容忍的精度误差（交易所回报常有末位舍入）。
var FillTolerance = decimal.New(1, -9)

// Request 策略侧下单请求。
type Request struct {
	ClientID string
	Pair     string
	Side     Side
	Type     Type
	Volume   decimal.Decimal
	Price    decimal.Decimal // 市价单可为零
}

// Transition 一次状态转换记录，只追加不修改。
type Transition struct {
	From    State
	To      State
	Event   Event
	Reason  string
	At      time.Time
	Payload Payload
}

// Order 单个订单的身份、请求参数、成交聚合与转换历史。
// Registry 独占修改权，对外只返回 Clone 后的副本。
type Order struct {
	ID         string
	ExchangeID string
	ClientID   string

	Pair   string
	Side   Side
	Type   Type
	Volume decimal.Decimal
	Price  decimal.Decimal

	VolumeExecuted   decimal.Decimal
	FilledNotional   decimal.Decimal // Σ(volume_i × price_i)
	AverageFillPrice decimal.Decimal
	TotalFeesPaid    decimal.Decimal
	FillCount        int

	State   State
	History []Transition

	CreatedAt   time.Time
	SubmittedAt time.Time
	FirstFillAt time.Time
	LastFillAt  time.Time
	CompletedAt time.Time

	LastReason string

	sm  *StateMachine
	now func() time.Time
}

func newOrder(id string, req Request, sm *StateMachine, now func() time.Time) *Order {
	o := &Order{
		ID:       id,
		ClientID: req.ClientID,
		Pair:     req.Pair,
		Side:     req.Side,
		Type:     req.Type,
		Volume:   req.Volume,
		Price:    req.Price,
		State:    StatePendingNew,
		sm:       sm,
		now:      now,
	}
	o.CreatedAt = o.clock()
	return o
}

func (o *Order) machine() *StateMachine {
	if o.sm == nil {
		return DefaultStateMachine
	}
	return o.sm
}

func (o *Order) clock() time.Time {
	if o.now == nil {
		return time.Now().UTC()
	}
	return o.now()
}

// TransitionTo 校验并执行状态转换。失败时不做任何修改并返回 false，
// 调用方应把 false 视为对账冲突而非错误。
func (o *Order) TransitionTo(to State, ev Event, reason string, payload Payload) bool {
	sm := o.machine()
	if !sm.IsValidTransition(o.State, to) {
		return false
	}
	if next, ok := sm.NextState(o.State, ev); !ok || next != to {
		return false
	}

	at := o.clock()
	o.History = append(o.History, Transition{
		From:    o.State,
		To:      to,
		Event:   ev,
		Reason:  reason,
		At:      at,
		Payload: payload.clone(),
	})
	o.State = to
	if reason != "" {
		o.LastReason = reason
	}

	if to == StatePendingSubmit && o.SubmittedAt.IsZero() {
		o.SubmittedAt = at
	}
	if ev == EventPartialFill || ev == EventFullFill {
		if o.FirstFillAt.IsZero() {
			o.FirstFillAt = at
		}
		o.LastFillAt = at
	}
	if sm.IsTerminal(to) && o.CompletedAt.IsZero() {
		o.CompletedAt = at
	}
	return true
}

// HandleFill 记录一笔增量成交并推进状态。非法成交（数量非正、超出委托量、
// 订单已结束等）返回 false 且不修改订单。
func (o *Order) HandleFill(volume, price, fee decimal.Decimal) bool {
	return o.applyFill(volume, price, fee, "", nil)
}

func (o *Order) applyFill(volume, price, fee decimal.Decimal, reason string, payload Payload) bool {
	if !volume.IsPositive() || price.IsNegative() || fee.IsNegative() {
		return false
	}
	applied, ok := o.fillable(volume)
	if !ok {
		return false
	}
	executed := o.VolumeExecuted.Add(applied)

	ev := EventPartialFill
	if executed.GreaterThanOrEqual(o.Volume.Sub(FillTolerance)) {
		ev = EventFullFill
	}
	to, ok := o.machine().NextState(o.State, ev)
	if !ok {
		return false
	}
	if reason == "" {
		reason = fmt.Sprintf("fill %s @ %s", volume.String(), price.String())
	}
	if !o.TransitionTo(to, ev, reason, payload) {
		return false
	}

	// avg' = (avg·v_old + vol·price) / v_new；avg·v_old 以精确的累计名义额保存，避免反复舍入。
	o.FilledNotional = o.FilledNotional.Add(applied.Mul(price))
	o.VolumeExecuted = executed
	o.AverageFillPrice = o.FilledNotional.Div(executed)
	o.TotalFeesPaid = o.TotalFeesPaid.Add(fee)
	o.FillCount++
	return true
}

// fillable 返回本次可计入的成交量。超出剩余量不超过 FillTolerance 的部分视为交易所舍入，
// 截断到剩余量；超出更多则拒绝。
func (o *Order) fillable(volume decimal.Decimal) (decimal.Decimal, bool) {
	remaining := o.Volume.Sub(o.VolumeExecuted)
	if volume.LessThanOrEqual(remaining) {
		return volume, true
	}
	if !remaining.IsPositive() || volume.Sub(remaining).GreaterThan(FillTolerance) {
		return decimal.Zero, false
	}
	return remaining, true
}

// RemainingVolume 剩余未成交数量
func (o *Order) RemainingVolume() decimal.Decimal {
	return o.Volume.Sub(o.VolumeExecuted)
}

func (o *Order) CanBeCanceled() bool { return o.machine().CanCancel(o.State) }
func (o *Order) CanBeModified() bool { return o.machine().CanModify(o.State) }
func (o *Order) IsActive() bool      { return o.machine().IsActive(o.State) }
func (o *Order) IsTerminal() bool    { return o.machine().IsTerminal(o.State) }
func (o *Order) IsPending() bool     { return o.machine().IsPending(o.State) }

// Clone 返回深拷贝，供查询接口对外暴露。
func (o *Order) Clone() Order {
	c := *o
	if o.History != nil {
		c.History = make([]Transition, len(o.History))
		for i, t := range o.History {
			t.Payload = t.Payload.clone()
			c.History[i] = t
		}
	}
	return c
}
