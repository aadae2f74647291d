package relay

import "errors"

var (
	ErrUnknownConn   = errors.New("connection not registered")
	ErrRelayClosed   = errors.New("relay closed")
	ErrBadBroadcast  = errors.New("only presence envelopes may be broadcast")
	ErrBadTargetType = errors.New("envelope type cannot be targeted")
)
