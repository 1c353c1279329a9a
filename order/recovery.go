package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ExternalOrder 交易所快照中的一笔订单（状态已映射为本地 State）。
type ExternalOrder struct {
	ExchangeID     string
	ClientID       string
	Pair           string
	Side           Side
	Type           Type
	Volume         decimal.Decimal
	Price          decimal.Decimal
	ExecutedVolume decimal.Decimal
	AveragePrice   decimal.Decimal
	Fee            decimal.Decimal
	State          State
	OpenedAt       time.Time
	Payload        Payload
}

// RecoveryFailure 无法重建的快照条目
type RecoveryFailure struct {
	ExchangeID string
	Err        error
}

// RecoveryReport 快照恢复结果
type RecoveryReport struct {
	Recovered []string // 新建订单的内部 id
	Bound     []string // 通过 client id 找到并补充确认的本地订单
	Skipped   int      // 已在跟踪中
	Evicted   []string // 近期已被淘汰的交易所 id，不再重建
	Failed    []RecoveryFailure
}

const recoveredReason = "recovered from snapshot"

// RecoverFromSnapshot 推送流中断后按交易所快照补齐缺失的订单。
// 已跟踪的订单（按交易所 id 或 client id）不会重复创建；重建的订单同样经过合法转换链。
// 不执行校验器与风控：快照是交易所事实。
func (r *Registry) RecoverFromSnapshot(snapshot []ExternalOrder) RecoveryReport {
	var report RecoveryReport
	var notices []notice

	r.mu.Lock()
	for _, ext := range snapshot {
		if ext.ExchangeID == "" {
			report.Failed = append(report.Failed, RecoveryFailure{Err: fmt.Errorf("%w: empty exchange order id", ErrValidation)})
			continue
		}
		if _, tracked := r.resolveLocked(ext.ExchangeID); tracked {
			report.Skipped++
			continue
		}
		if r.evicted.has(ext.ExchangeID) {
			report.Evicted = append(report.Evicted, ext.ExchangeID)
			continue
		}
		if id, ok := r.byClient[ext.ClientID]; ext.ClientID != "" && ok {
			o, _ := r.resolveLocked(id)
			if o != nil && o.State == StatePendingSubmit {
				from := o.State
				if r.transitionLocked(o, StateOpen, EventConfirm, recoveredReason, ext.Payload) {
					r.rekeyLocked(o, ext.ExchangeID)
					report.Bound = append(report.Bound, o.ID)
					notices = append(notices, TransitionNotice{Order: o.Clone(), From: from, To: StateOpen, Event: EventConfirm, Reason: recoveredReason})
					continue
				}
			}
			report.Skipped++
			continue
		}

		o, err := r.rebuildLocked(ext)
		if err != nil {
			report.Failed = append(report.Failed, RecoveryFailure{ExchangeID: ext.ExchangeID, Err: err})
			continue
		}
		r.insertLocked(o)
		r.stats.recovered++
		report.Recovered = append(report.Recovered, o.ID)
		notices = append(notices, CreatedNotice{Order: o.Clone(), Recovered: true})
	}
	r.mu.Unlock()

	for _, f := range report.Failed {
		r.logger.Warn("snapshot order not recovered", zap.String("exchange_id", f.ExchangeID), zap.Error(f.Err))
	}
	if len(report.Recovered) > 0 || len(report.Bound) > 0 {
		r.logger.Info("recovered orders from snapshot",
			zap.Int("recovered", len(report.Recovered)),
			zap.Int("bound", len(report.Bound)),
			zap.Int("skipped", report.Skipped),
		)
	}
	if len(report.Evicted) > 0 {
		r.logger.Debug("snapshot lists evicted orders", zap.Int("count", len(report.Evicted)))
	}
	for _, n := range notices {
		r.dispatcher.publish(n)
	}
	return report
}

// rebuildLocked 从 PENDING_NEW 出发按合法路径推进到快照状态，任何一步失败都不入库。
func (r *Registry) rebuildLocked(ext ExternalOrder) (*Order, error) {
	req := Request{
		ClientID: ext.ClientID,
		Pair:     ext.Pair,
		Side:     ext.Side,
		Type:     ext.Type,
		Volume:   ext.Volume,
		Price:    ext.Price,
	}
	if req.Type == "" {
		req.Type = TypeLimit
		if !req.Price.IsPositive() {
			req.Type = TypeMarket
		}
	}
	if err := (BasicValidator{}).ValidateRequest(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	o := newOrder(r.newIDLocked(), req, r.sm, r.now)
	if !ext.OpenedAt.IsZero() {
		o.CreatedAt = ext.OpenedAt
	}
	o.ExchangeID = ext.ExchangeID

	step := func(to State, ev Event) error {
		if !o.TransitionTo(to, ev, recoveredReason, ext.Payload) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, o.State, to)
		}
		return nil
	}

	if err := step(StatePendingSubmit, EventSubmit); err != nil {
		return nil, err
	}
	if ext.State == StateRejected {
		return o, step(StateRejected, EventReject)
	}
	if err := step(StateOpen, EventConfirm); err != nil {
		return nil, err
	}
	if ext.ExecutedVolume.IsPositive() {
		price := ext.AveragePrice
		if !price.IsPositive() {
			price = ext.Price
		}
		if !o.applyFill(ext.ExecutedVolume, price, ext.Fee, "recovered fill", ext.Payload) {
			return nil, fmt.Errorf("%w: executed %s of %s", ErrInvalidFill, ext.ExecutedVolume, ext.Volume)
		}
	}

	switch ext.State {
	case "", StateOpen, StatePartiallyFilled, StatePendingSubmit, StatePendingNew:
	case StateFilled:
		if o.State != StateFilled {
			r.logger.Warn("snapshot reports filled but executed volume is short",
				zap.String("exchange_id", ext.ExchangeID),
				zap.String("executed", ext.ExecutedVolume.String()),
				zap.String("volume", ext.Volume.String()),
			)
		}
	default:
		if o.State != ext.State {
			ev, ok := r.sm.EventFor(o.State, ext.State)
			if !ok {
				return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, o.State, ext.State)
			}
			if err := step(ext.State, ev); err != nil {
				return nil, err
			}
		}
	}
	return o, nil
}

// CleanupTerminal 淘汰在 olderThan 之前结束的终态订单，从所有索引中移除，返回被淘汰的内部 id。
func (r *Registry) CleanupTerminal(olderThan time.Duration) []string {
	cutoff := r.now().Add(-olderThan)

	r.mu.Lock()
	var victims []completedEntry
	r.completed.Scan(func(e completedEntry) bool {
		if !e.at.Before(cutoff) {
			return false
		}
		victims = append(victims, e)
		return true
	})
	evicted := make([]string, 0, len(victims))
	for _, e := range victims {
		r.completed.Delete(e)
		if o, ok := r.resolveLocked(e.id); ok {
			r.evicted.add(o.ExchangeID)
			r.removeLocked(o)
			evicted = append(evicted, e.id)
		}
	}
	r.stats.evicted += int64(len(evicted))
	r.mu.Unlock()

	if len(evicted) > 0 {
		r.logger.Info("terminal orders evicted",
			zap.Int("count", len(evicted)),
			zap.Time("cutoff", cutoff),
		)
	}
	return evicted
}

// evictedSet 记住最近淘汰的交易所 id（FIFO，有上限），快照里再出现时不重建。
type evictedSet struct {
	ids   map[string]struct{}
	fifo  []string
	limit int
}

func newEvictedSet(limit int) *evictedSet {
	return &evictedSet{ids: make(map[string]struct{}), limit: limit}
}

func (s *evictedSet) add(id string) {
	if id == "" || s.limit <= 0 {
		return
	}
	if _, ok := s.ids[id]; ok {
		return
	}
	s.ids[id] = struct{}{}
	s.fifo = append(s.fifo, id)
	if len(s.fifo) > s.limit {
		delete(s.ids, s.fifo[0])
		s.fifo = s.fifo[1:]
	}
}

func (s *evictedSet) has(id string) bool {
	_, ok := s.ids[id]
	return ok
}
