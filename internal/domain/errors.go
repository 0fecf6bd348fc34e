package domain

import "errors"

// Error taxonomy (sentinels). Transport-level conditions are retried by
// the connection manager; everything else is surfaced to the caller.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrNotConnected    = errors.New("broker not connected")
	ErrNotReady        = errors.New("broker not ready")
	ErrBackpressure    = errors.New("publish refused by flow control")
	ErrConfirmTimeout  = errors.New("publish confirm timeout")
	ErrPublishNacked   = errors.New("publish nacked by broker")
	ErrRPCTimeout      = errors.New("rpc timeout")
	ErrBrokerStopping  = errors.New("broker stopping")
	ErrSchemaInvalid   = errors.New("schema invalid")
	ErrInternal        = errors.New("internal error")
)
