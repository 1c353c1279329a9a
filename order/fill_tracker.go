package order

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// FillRecord 成交记录
type FillRecord struct {
	TradeID   string
	OrderID   string
	Pair      string
	Side      Side
	Volume    decimal.Decimal
	Price     decimal.Decimal
	Fee       decimal.Decimal
	Late      bool // 订单已结束后到达的成交，只记账不改变订单
	Timestamp time.Time
}

// FillTracker 跟踪成交历史，并按 trade id 去重（至少一次投递 → 恰好一次记账）。
// 去重窗口与保留的历史一致：被淘汰的记录同时失去去重保护。
type FillTracker struct {
	mu sync.RWMutex

	// 近期成交记录（滑动窗口）
	recentFills []FillRecord
	seen        map[string]struct{}
	maxHistory  int           // 最大历史记录数
	windowSize  time.Duration // 时间窗口

	// 统计信息
	totalFills int
	lateFills  int

	now func() time.Time
}

// NewFillTracker 创建成交跟踪器
func NewFillTracker(maxHistory int, windowSize time.Duration) *FillTracker {
	if maxHistory <= 0 {
		maxHistory = 10000
	}
	if windowSize <= 0 {
		windowSize = 24 * time.Hour
	}

	return &FillTracker{
		recentFills: make([]FillRecord, 0, 64),
		seen:        make(map[string]struct{}),
		maxHistory:  maxHistory,
		windowSize:  windowSize,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Seen 判断 trade id 是否已经记过账；空 id 视为未见过。
func (f *FillTracker) Seen(tradeID string) bool {
	if tradeID == "" {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.seen[tradeID]
	return ok
}

// Record 记录成交
func (f *FillTracker) Record(rec FillRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = f.now()
	}
	f.recentFills = append(f.recentFills, rec)
	if rec.TradeID != "" {
		f.seen[rec.TradeID] = struct{}{}
	}
	f.totalFills++
	if rec.Late {
		f.lateFills++
	}

	f.cleanOldFillsUnsafe()
}

// cleanOldFillsUnsafe 清理超出窗口的成交记录（非线程安全）
func (f *FillTracker) cleanOldFillsUnsafe() {
	cutoff := f.now().Add(-f.windowSize)

	validStart := len(f.recentFills)
	for i, fill := range f.recentFills {
		if fill.Timestamp.After(cutoff) {
			validStart = i
			break
		}
	}
	if over := len(f.recentFills) - f.maxHistory; over > validStart {
		validStart = over
	}
	if validStart == 0 {
		return
	}

	for _, fill := range f.recentFills[:validStart] {
		if fill.TradeID != "" {
			delete(f.seen, fill.TradeID)
		}
	}
	kept := make([]FillRecord, len(f.recentFills)-validStart, cap(f.recentFills))
	copy(kept, f.recentFills[validStart:])
	f.recentFills = kept
}

// Recent 获取近期成交记录（只读副本）
func (f *FillTracker) Recent(duration time.Duration) []FillRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()

	cutoff := f.now().Add(-duration)
	var result []FillRecord
	for _, fill := range f.recentFills {
		if fill.Timestamp.After(cutoff) {
			result = append(result, fill)
		}
	}
	return result
}

// Reset 重置跟踪器
func (f *FillTracker) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.recentFills = make([]FillRecord, 0, 64)
	f.seen = make(map[string]struct{})
	f.totalFills = 0
	f.lateFills = 0
}

// GetStats 获取统计信息
func (f *FillTracker) GetStats() FillTrackerStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return FillTrackerStats{
		TotalFills:      f.totalFills,
		LateFills:       f.lateFills,
		RecentFills:     len(f.recentFills),
		TrackedTradeIDs: len(f.seen),
	}
}

// FillTrackerStats 成交跟踪器统计
type FillTrackerStats struct {
	TotalFills      int
	LateFills       int
	RecentFills     int
	TrackedTradeIDs int
}
