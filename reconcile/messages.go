package reconcile

import (
	"time"

	"github.com/shopspring/decimal"

	"order-ledger/order"
)

// OrderStatus 推送流中的订单状态快照，成交相关字段均为累计值。
type OrderStatus struct {
	OrderID         string // 交易所订单 id，也接受内部 id
	ClientID        string
	Status          string
	ExecutedVolume  decimal.Decimal
	RequestedVolume decimal.Decimal // 为零时使用本地委托量
	Price           decimal.Decimal // 累计成交均价
	Fee             decimal.Decimal // 累计手续费
	Cost            decimal.Decimal // 累计成交额
	Payload         order.Payload
}

// Trade 单笔成交回报（增量）。
type Trade struct {
	TradeID string
	OrderID string
	Volume  decimal.Decimal
	Price   decimal.Decimal
	Fee     decimal.Decimal
	Time    time.Time
	Payload order.Payload
}

// Outcome 单条消息的对账结果。
type Outcome int

const (
	OutcomeNoop         Outcome = iota // 重复断言，无修改
	OutcomeApplied                     // 确认、成交或状态变化已写入登记簿
	OutcomeAbsorbed                    // 成交量已由之前的快照增量计入
	OutcomeDuplicate                   // trade id 已处理
	OutcomeLate                        // 订单已结束，成交只作为经济事件记录
	OutcomeStale                       // 快照落后于本地状态
	OutcomeRefused                     // 状态机拒绝
	OutcomeUnknownOrder                // 未跟踪的订单
	OutcomeInvalid                     // 消息字段非法或登记簿返回错误
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoop:
		return "noop"
	case OutcomeApplied:
		return "applied"
	case OutcomeAbsorbed:
		return "absorbed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeLate:
		return "late"
	case OutcomeStale:
		return "stale"
	case OutcomeRefused:
		return "refused"
	case OutcomeUnknownOrder:
		return "unknown_order"
	case OutcomeInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}
