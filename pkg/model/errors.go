package model

import "errors"

// Error kinds visible on the wire. The string form of each sentinel is the
// stable prefix clients match on; wrapping adds detail after a colon.
var (
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrUnknownAction      = errors.New("unknown_action")
	ErrSocketCreateFailed = errors.New("socket_create_failed")
	ErrConnectFailed      = errors.New("connect_failed")
	ErrWriteFailed        = errors.New("write_failed")
	ErrReadFailed         = errors.New("read_failed")
	ErrPoolFull           = errors.New("pool_full")
	ErrCircuitOpen        = errors.New("circuit_open")
	ErrInternal           = errors.New("internal")
)
