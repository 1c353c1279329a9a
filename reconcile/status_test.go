package reconcile

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"order-ledger/order"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMapStatus(t *testing.T) {
	tests := []struct {
		status     string
		executed   string
		requested  string
		want       order.State
		recognized bool
	}{
		{"open", "0", "1", order.StateOpen, true},
		{"new", "0", "1", order.StateOpen, true},
		{"open", "0.4", "1", order.StatePartiallyFilled, true},
		{"open", "1", "1", order.StateFilled, true},
		{"open", "0.4", "0", order.StatePartiallyFilled, true},
		{"OPEN ", "0", "1", order.StateOpen, true},
		{"closed", "1", "1", order.StateFilled, true},
		{"canceled", "0.2", "1", order.StateCanceled, true},
		{"cancelled", "0", "1", order.StateCanceled, true},
		{"expired", "0", "1", order.StateExpired, true},
		{"pending", "0", "1", order.StatePendingSubmit, true},
		{"rejected", "0", "1", order.StateRejected, true},
		{"suspended", "0", "1", order.StateOpen, false},
		{"", "0", "1", order.StateOpen, false},
	}
	for _, tt := range tests {
		got, ok := MapStatus(tt.status, d(tt.executed), d(tt.requested))
		assert.Equal(t, tt.want, got, "%q executed=%s", tt.status, tt.executed)
		assert.Equal(t, tt.recognized, ok, "%q", tt.status)
	}
}
