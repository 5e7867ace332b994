package devnode

import "errors"

// Error kinds the Provider Facade reports. Mempool admission failures
// (NonceTooLow, InsufficientFunds, ...) are the sentinels already defined by
// package core and package txpool; these cover the facade-level kinds that
// have no other natural home.
var (
	ErrInvalidInput       = errors.New("devnode: invalid input")
	ErrUnmetHardfork      = errors.New("devnode: operation requires a later hardfork")
	ErrExecutionReverted  = errors.New("devnode: execution reverted")
	ErrHalt               = errors.New("devnode: EVM halted")
	ErrStateNotFound      = errors.New("devnode: state not found")
	ErrUnimplemented      = errors.New("devnode: unimplemented")
	ErrUnknownSnapshot    = errors.New("devnode: unknown snapshot id")
	ErrTimestampTooLow    = errors.New("devnode: block timestamp must be greater than parent")
	ErrImpersonationSetup = errors.New("devnode: cannot impersonate without a configured sender balance")
)
