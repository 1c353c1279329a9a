package reconcile

import (
	"strings"

	"github.com/shopspring/decimal"

	"order-ledger/order"
)

// MapStatus 把交易所状态字符串映射为本地状态。
// "open"/"new" 根据累计成交量细分为 OPEN / PARTIALLY_FILLED / FILLED；
// 无法识别的状态按 OPEN 处理并返回 false，由调用方记录。
func MapStatus(status string, executed, requested decimal.Decimal) (order.State, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "open", "new":
		switch {
		case !executed.IsPositive():
			return order.StateOpen, true
		case requested.IsPositive() && executed.GreaterThanOrEqual(requested.Sub(order.FillTolerance)):
			return order.StateFilled, true
		default:
			return order.StatePartiallyFilled, true
		}
	case "closed":
		return order.StateFilled, true
	case "canceled", "cancelled":
		return order.StateCanceled, true
	case "expired":
		return order.StateExpired, true
	case "pending":
		return order.StatePendingSubmit, true
	case "rejected":
		return order.StateRejected, true
	default:
		return order.StateOpen, false
	}
}
