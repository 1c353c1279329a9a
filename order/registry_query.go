package order

import (
	"sort"
	"time"
)

// Stats 登记簿统计快照
type Stats struct {
	Created   int64
	Submitted int64
	Confirmed int64
	Filled    int64
	Canceled  int64
	Rejected  int64
	Expired   int64
	Failed    int64
	Reset     int64

	ValidationFailures int64
	RiskFailures       int64
	RefusedTransitions int64
	LateFills          int64
	DuplicateTrades    int64
	HandlerFailures    int64
	DroppedNotices     int64

	Recovered int64
	Evicted   int64

	Tracked int
	ByState map[State]int
	ByPair  map[string]int
}

// Get 按内部 id 或交易所 id 查询，返回副本。
func (r *Registry) Get(id string) (Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.resolveLocked(id)
	if !ok {
		return Order{}, false
	}
	return o.Clone(), true
}

// GetByClientID 按客户端 id 查询
func (r *Registry) GetByClientID(clientID string) (Order, bool) {
	if clientID == "" {
		return Order{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byClient[clientID]
	if !ok {
		return Order{}, false
	}
	o, ok := r.resolveLocked(id)
	if !ok {
		return Order{}, false
	}
	return o.Clone(), true
}

// ByPair 某交易对的全部订单
func (r *Registry) ByPair(pair string) []Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.byPair[pair])
}

// ByState 某状态的全部订单
func (r *Registry) ByState(s State) []Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.byState[s])
}

// Active OPEN ∪ PARTIALLY_FILLED
func (r *Registry) Active() []Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.byState[StateOpen], r.byState[StatePartiallyFilled])
}

// Pending PENDING_NEW ∪ PENDING_SUBMIT
func (r *Registry) Pending() []Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.byState[StatePendingNew], r.byState[StatePendingSubmit])
}

// All 返回全部订单
func (r *Registry) All() []Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Order, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, o.Clone())
	}
	sortOrders(out)
	return out
}

// Len 当前登记的订单数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orders)
}

// OpenCount 某交易对未结束订单数，可直接用于 OpenOrderLimit。
func (r *Registry) OpenCount(pair string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for id := range r.byPair[pair] {
		if o, ok := r.resolveLocked(id); ok && !o.IsTerminal() {
			n++
		}
	}
	return n
}

// StalePendingSubmits 健康检查：提交超过 olderThan 仍未被确认的订单。只报告，不自动撤单。
func (r *Registry) StalePendingSubmits(olderThan time.Duration) []Order {
	cutoff := r.now().Add(-olderThan)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Order
	for id := range r.byState[StatePendingSubmit] {
		o, ok := r.resolveLocked(id)
		if ok && o.SubmittedAt.Before(cutoff) {
			out = append(out, o.Clone())
		}
	}
	sortOrders(out)
	return out
}

// RecentFills 近期成交（包括迟到成交）
func (r *Registry) RecentFills(d time.Duration) []FillRecord {
	return r.fills.Recent(d)
}

// TradeSeen trade id 是否已经记过账（包括迟到成交）。
func (r *Registry) TradeSeen(tradeID string) bool {
	return r.fills.Seen(tradeID)
}

// Stats 统计快照
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		Created:            r.stats.created,
		Submitted:          r.stats.submitted,
		Confirmed:          r.stats.confirmed,
		Filled:             r.stats.filled,
		Canceled:           r.stats.canceled,
		Rejected:           r.stats.rejected,
		Expired:            r.stats.expired,
		Failed:             r.stats.failed,
		Reset:              r.stats.reset,
		ValidationFailures: r.stats.validationFailures,
		RiskFailures:       r.stats.riskFailures,
		RefusedTransitions: r.stats.refused,
		LateFills:          r.stats.lateFills,
		DuplicateTrades:    r.stats.duplicateTrades,
		HandlerFailures:    r.dispatcher.HandlerFailures(),
		DroppedNotices:     r.dispatcher.Dropped(),
		Recovered:          r.stats.recovered,
		Evicted:            r.stats.evicted,
		Tracked:            len(r.orders),
		ByState:            make(map[State]int, len(r.byState)),
		ByPair:             make(map[string]int, len(r.byPair)),
	}
	for st, set := range r.byState {
		s.ByState[st] = len(set)
	}
	for pair, set := range r.byPair {
		s.ByPair[pair] = len(set)
	}
	return s
}

func (r *Registry) collectLocked(sets ...map[string]struct{}) []Order {
	n := 0
	for _, set := range sets {
		n += len(set)
	}
	out := make([]Order, 0, n)
	for _, set := range sets {
		for id := range set {
			if o, ok := r.resolveLocked(id); ok {
				out = append(out, o.Clone())
			}
		}
	}
	sortOrders(out)
	return out
}

func sortOrders(orders []Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}
