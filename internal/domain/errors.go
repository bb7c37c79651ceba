package domain

import "errors"

var (
	ErrNotFound                = errors.New("not found")
	ErrAccountNotFound         = errors.New("account not found")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrValidation              = errors.New("invalid request")
	ErrProviderRejected        = errors.New("provider rejected submission")
	ErrTerminalProviderFailure = errors.New("provider reported task failure")
	ErrStaleJob                = errors.New("job exceeded age limit")
	ErrDuplicateOperation      = errors.New("duplicate operation")
)
