package config

import (
	"fmt"

	"order-ledger/order"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

// Validate ensures required fields are present and bounds are sane.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return ErrInvalid("env is required")
	}
	if cfg.Registry.Retention <= 0 {
		return ErrInvalid("registry.retention must be > 0")
	}
	if cfg.Registry.CleanupInterval <= 0 {
		return ErrInvalid("registry.cleanupInterval must be > 0")
	}
	if cfg.Registry.StalePendingAfter <= 0 {
		return ErrInvalid("registry.stalePendingAfter must be > 0")
	}
	if cfg.Registry.EventQueueSize < 0 || cfg.Registry.FillHistory < 0 || cfg.Registry.FillWindow < 0 {
		return ErrInvalid("registry queue/history sizes must be >= 0")
	}
	if cfg.Reconcile.ResyncInterval < 0 {
		return ErrInvalid("reconcile.resyncInterval must be >= 0")
	}
	if cfg.Feed.ReconnectDelay < 0 || cfg.Feed.HandshakeTimeout < 0 {
		return ErrInvalid("feed timeouts must be >= 0")
	}
	for pair, pc := range cfg.Pairs {
		if pc.TickSize.IsNegative() {
			return fmt.Errorf("pair %s tickSize must be >= 0", pair)
		}
		if pc.StepSize.IsNegative() {
			return fmt.Errorf("pair %s stepSize must be >= 0", pair)
		}
		if pc.MinVolume.IsNegative() || pc.MaxVolume.IsNegative() {
			return fmt.Errorf("pair %s volume bounds must be >= 0", pair)
		}
		if pc.MaxVolume.IsPositive() && pc.MinVolume.GreaterThan(pc.MaxVolume) {
			return fmt.Errorf("pair %s minVolume %s > maxVolume %s", pair, pc.MinVolume, pc.MaxVolume)
		}
		if pc.MinNotional.IsNegative() || pc.MaxNotional.IsNegative() {
			return fmt.Errorf("pair %s notional bounds must be >= 0", pair)
		}
		if pc.MaxOpenOrders < 0 {
			return fmt.Errorf("pair %s maxOpenOrders must be >= 0", pair)
		}
	}
	return nil
}

// Constraints 转换为登记簿使用的精度限制。
func (pc PairConfig) Constraints() order.SymbolConstraints {
	return order.SymbolConstraints{
		TickSize:    pc.TickSize,
		StepSize:    pc.StepSize,
		MinVolume:   pc.MinVolume,
		MaxVolume:   pc.MaxVolume,
		MinNotional: pc.MinNotional,
	}
}

// SymbolConstraints 汇总全部交易对的限制，供 Registry.SetConstraints 使用。
func (cfg AppConfig) SymbolConstraints() map[string]order.SymbolConstraints {
	out := make(map[string]order.SymbolConstraints, len(cfg.Pairs))
	for pair, pc := range cfg.Pairs {
		out[pair] = pc.Constraints()
	}
	return out
}
