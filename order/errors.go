package order

import "errors"

var (
	ErrUnknownOrder        = errors.New("unknown order")
	ErrValidation          = errors.New("order validation failed")
	ErrRiskCheck           = errors.New("order risk check failed")
	ErrIllegalTransition   = errors.New("illegal state transition")
	ErrOrderTerminal       = errors.New("order already terminal")
	ErrDuplicateExchangeID = errors.New("exchange order id already bound")
	ErrInvalidFill         = errors.New("invalid fill")
)
