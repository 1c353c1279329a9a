package order

// StateTransition 状态转换
type StateTransition struct {
	From State
	To   State
}

type eventKey struct {
	From  State
	Event Event
}

// StateMachine 订单状态机。构造后只读，可在多个 goroutine 间共享。
type StateMachine struct {
	transitions map[StateTransition]bool
	events      map[eventKey]State
}

// DefaultStateMachine 全局共享的只读状态机。
var DefaultStateMachine = NewStateMachine()

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[StateTransition]bool),
		events:      make(map[eventKey]State),
	}
	sm.initializeTransitions()
	sm.initializeEvents()
	return sm
}

// initializeTransitions 初始化所有合法的状态转换
func (sm *StateMachine) initializeTransitions() {
	legalTransitions := []StateTransition{
		// 从PENDING_NEW可以转到
		{StatePendingNew, StatePendingSubmit},
		{StatePendingNew, StateFailed},
		{StatePendingNew, StateCanceled},

		// 从PENDING_SUBMIT可以转到
		{StatePendingSubmit, StateOpen},
		{StatePendingSubmit, StateRejected},
		{StatePendingSubmit, StateFailed},
		{StatePendingSubmit, StateCanceled},

		// 从OPEN可以转到
		{StateOpen, StatePartiallyFilled},
		{StateOpen, StateFilled},
		{StateOpen, StateCanceled},
		{StateOpen, StateExpired},
		{StateOpen, StateFailed},
		{StateOpen, StateUnknown},

		// 从PARTIALLY_FILLED可以转到
		{StatePartiallyFilled, StatePartiallyFilled}, // 多次部分成交
		{StatePartiallyFilled, StateFilled},
		{StatePartiallyFilled, StateCanceled},
		{StatePartiallyFilled, StateExpired},
		{StatePartiallyFilled, StateFailed},
		{StatePartiallyFilled, StateUnknown},

		// UNKNOWN 只用于快照恢复
		{StateUnknown, StateOpen},
		{StateUnknown, StateCanceled},
		{StateUnknown, StateFilled},

		// 终态不能转换（FILLED, CANCELED, REJECTED, EXPIRED, FAILED）
	}

	for _, t := range legalTransitions {
		sm.transitions[t] = true
	}
}

// initializeEvents 事件到目标状态的映射；MODIFY_* 不改变状态，故不登记。
func (sm *StateMachine) initializeEvents() {
	add := func(ev Event, to State, from ...State) {
		for _, f := range from {
			sm.events[eventKey{From: f, Event: ev}] = to
		}
	}
	nonTerminal := []State{StatePendingNew, StatePendingSubmit, StateOpen, StatePartiallyFilled, StateUnknown}

	add(EventSubmit, StatePendingSubmit, StatePendingNew)
	add(EventConfirm, StateOpen, StatePendingSubmit, StateUnknown)
	add(EventReject, StateRejected, StatePendingSubmit)
	add(EventPartialFill, StatePartiallyFilled, StateOpen, StatePartiallyFilled)
	add(EventFullFill, StateFilled, StateOpen, StatePartiallyFilled, StateUnknown)
	add(EventCancelRequest, StateCanceled, nonTerminal...)
	add(EventCancelConfirm, StateCanceled, nonTerminal...)
	add(EventExpire, StateExpired, StateOpen, StatePartiallyFilled)
	add(EventFail, StateFailed, StatePendingNew, StatePendingSubmit, StateOpen, StatePartiallyFilled)
	add(EventReset, StateUnknown, StateOpen, StatePartiallyFilled)
}

// IsValidTransition 判断状态转换是否合法。相同状态只有在表中显式登记时才合法。
func (sm *StateMachine) IsValidTransition(from, to State) bool {
	return sm.transitions[StateTransition{From: from, To: to}]
}

// NextState 返回事件在当前状态下的目标状态；没有映射时第二个返回值为 false。
func (sm *StateMachine) NextState(from State, ev Event) (State, bool) {
	to, ok := sm.events[eventKey{From: from, Event: ev}]
	if !ok || !sm.IsValidTransition(from, to) {
		return "", false
	}
	return to, true
}

// EventFor 推导把 from 推进到 to 的事件，用于交易所直接给出目标状态的场景。
func (sm *StateMachine) EventFor(from, to State) (Event, bool) {
	if !sm.IsValidTransition(from, to) {
		return "", false
	}
	// 撤单确认优先于本地撤单请求：交易所断言的状态以确认事件记录。
	candidates := []Event{
		EventConfirm, EventReject, EventPartialFill, EventFullFill,
		EventCancelConfirm, EventExpire, EventFail, EventReset,
	}
	for _, ev := range candidates {
		if target, ok := sm.events[eventKey{From: from, Event: ev}]; ok && target == to {
			return ev, true
		}
	}
	return "", false
}

// AllowedTransitions 返回当前状态所有合法的目标状态
func (sm *StateMachine) AllowedTransitions(current State) []State {
	allowed := make([]State, 0)
	for _, to := range AllStates {
		if sm.transitions[StateTransition{From: current, To: to}] {
			allowed = append(allowed, to)
		}
	}
	return allowed
}

// IsTerminal 判断是否是终态
func (sm *StateMachine) IsTerminal(s State) bool {
	switch s {
	case StateFilled, StateCanceled, StateRejected, StateExpired, StateFailed:
		return true
	default:
		return false
	}
}

// IsActive 判断是否是活跃状态（可能产生成交）
func (sm *StateMachine) IsActive(s State) bool {
	return s == StateOpen || s == StatePartiallyFilled
}

// IsPending 判断订单是否还未被交易所确认
func (sm *StateMachine) IsPending(s State) bool {
	return s == StatePendingNew || s == StatePendingSubmit
}

// CanCancel 判断当前状态下是否可以撤单
func (sm *StateMachine) CanCancel(s State) bool {
	_, ok := sm.NextState(s, EventCancelRequest)
	return ok
}

// CanModify 只有交易所已确认且未结束的订单允许改单
func (sm *StateMachine) CanModify(s State) bool {
	return sm.IsActive(s)
}
