package order

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Validator 在订单构造前检查请求；返回错误即拒绝，不产生任何修改。
type Validator interface {
	ValidateRequest(req Request) error
}

// ValidatorFunc 适配普通函数。
type ValidatorFunc func(req Request) error

func (f ValidatorFunc) ValidateRequest(req Request) error { return f(req) }

// RiskCheck 在订单构造后、入库前执行；拒绝的订单直接丢弃。
type RiskCheck interface {
	CheckOrder(o Order) error
}

// RiskCheckFunc 适配普通函数。
type RiskCheckFunc func(o Order) error

func (f RiskCheckFunc) CheckOrder(o Order) error { return f(o) }

// BasicValidator 检查请求的结构完整性。
type BasicValidator struct{}

func (BasicValidator) ValidateRequest(req Request) error {
	if req.Pair == "" {
		return errors.New("pair is required")
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return fmt.Errorf("unsupported side %q", req.Side)
	}
	switch req.Type {
	case TypeLimit:
		if !req.Price.IsPositive() {
			return fmt.Errorf("limit price %s must be > 0", req.Price)
		}
	case TypeMarket:
		if req.Price.IsNegative() {
			return fmt.Errorf("price %s must be >= 0", req.Price)
		}
	default:
		return fmt.Errorf("unsupported order type %q", req.Type)
	}
	if !req.Volume.IsPositive() {
		return fmt.Errorf("volume %s must be > 0", req.Volume)
	}
	return nil
}

// SymbolConstraints 描述交易对的步长与名义限制。
type SymbolConstraints struct {
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinVolume   decimal.Decimal
	MaxVolume   decimal.Decimal
	MinNotional decimal.Decimal
}

// Validate 检查订单价格/数量是否符合精度与最小名义。零值字段表示不限制。
func (c SymbolConstraints) Validate(price, volume decimal.Decimal) error {
	if c.TickSize.IsPositive() && price.IsPositive() && !isMultiple(price, c.TickSize) {
		return fmt.Errorf("price %s not aligned to tickSize %s", price, c.TickSize)
	}
	if c.StepSize.IsPositive() && !isMultiple(volume, c.StepSize) {
		return fmt.Errorf("volume %s not aligned to stepSize %s", volume, c.StepSize)
	}
	if c.MinVolume.IsPositive() && volume.LessThan(c.MinVolume) {
		return fmt.Errorf("volume %s < minVolume %s", volume, c.MinVolume)
	}
	if c.MaxVolume.IsPositive() && volume.GreaterThan(c.MaxVolume) {
		return fmt.Errorf("volume %s > maxVolume %s", volume, c.MaxVolume)
	}
	if c.MinNotional.IsPositive() && price.IsPositive() {
		if notional := price.Mul(volume); notional.LessThan(c.MinNotional) {
			return fmt.Errorf("notional %s < minNotional %s", notional, c.MinNotional)
		}
	}
	return nil
}

func isMultiple(value, step decimal.Decimal) bool {
	if !step.IsPositive() {
		return true
	}
	return value.Mod(step).IsZero()
}

// ConstraintValidator 按交易对套用 SymbolConstraints；未配置的交易对放行。
type ConstraintValidator struct {
	Constraints map[string]SymbolConstraints
}

func (v ConstraintValidator) ValidateRequest(req Request) error {
	c, ok := v.Constraints[req.Pair]
	if !ok {
		return nil
	}
	return c.Validate(req.Price, req.Volume)
}

// NotionalLimit 限制单笔订单名义价值。市价单没有价格，无法校验时放行。
type NotionalLimit struct {
	Max decimal.Decimal
}

func (l NotionalLimit) CheckOrder(o Order) error {
	if !l.Max.IsPositive() || !o.Price.IsPositive() {
		return nil
	}
	if notional := o.Price.Mul(o.Volume); notional.GreaterThan(l.Max) {
		return fmt.Errorf("notional %s > max %s", notional, l.Max)
	}
	return nil
}

// OpenOrderLimit 限制单个交易对上未结束订单的数量。Count 通常是 Registry.OpenCount。
type OpenOrderLimit struct {
	Max   int
	Count func(pair string) int
}

func (l OpenOrderLimit) CheckOrder(o Order) error {
	if l.Max <= 0 || l.Count == nil {
		return nil
	}
	if n := l.Count(o.Pair); n >= l.Max {
		return fmt.Errorf("pair %s has %d open orders, max %d", o.Pair, n, l.Max)
	}
	return nil
}
