package order

// State represents order lifecycle.
type State string

const (
	StatePendingNew      State = "PENDING_NEW"      // 本地已创建，尚未提交
	StatePendingSubmit   State = "PENDING_SUBMIT"   // 已交给传输层，等待交易所确认
	StateOpen            State = "OPEN"             // 交易所已确认挂单
	StatePartiallyFilled State = "PARTIALLY_FILLED" // 部分成交
	StateFilled          State = "FILLED"
	StateCanceled        State = "CANCELED"
	StateRejected        State = "REJECTED"
	StateExpired         State = "EXPIRED"
	StateFailed          State = "FAILED"
	StateUnknown         State = "UNKNOWN" // 上下文丢失，等待快照恢复
)

// AllStates 按生命周期顺序列出全部状态。
var AllStates = []State{
	StatePendingNew,
	StatePendingSubmit,
	StateOpen,
	StatePartiallyFilled,
	StateFilled,
	StateCanceled,
	StateRejected,
	StateExpired,
	StateFailed,
	StateUnknown,
}

// Event 驱动状态转换的事件。
type Event string

const (
	EventSubmit        Event = "SUBMIT"
	EventConfirm       Event = "CONFIRM"
	EventReject        Event = "REJECT"
	EventPartialFill   Event = "PARTIAL_FILL"
	EventFullFill      Event = "FULL_FILL"
	EventCancelRequest Event = "CANCEL_REQUEST"
	EventCancelConfirm Event = "CANCEL_CONFIRM"
	EventModifyRequest Event = "MODIFY_REQUEST"
	EventModifyConfirm Event = "MODIFY_CONFIRM"
	EventExpire        Event = "EXPIRE"
	EventFail          Event = "FAIL"
	EventReset         Event = "RESET"
)

// Side 买卖方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Type 订单类型。
type Type string

const (
	TypeLimit  Type = "LIMIT"
	TypeMarket Type = "MARKET"
)

// Payload 交易所原始回报（已反序列化），随状态转换一起记录。
type Payload map[string]any

func (p Payload) clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
