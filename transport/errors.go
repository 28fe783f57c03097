package transport

import "errors"

var (
	// ErrBind indicates the datagram endpoint could not be bound. It is fatal
	// at startup and must be surfaced by the caller.
	ErrBind = errors.New("bind failed")
	// ErrNotConnected indicates Send was called without an active session.
	// It is a caller error, not a retryable network condition.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed indicates the socket has been disconnected or closed.
	ErrClosed = errors.New("socket closed")
	// ErrInvalidSubnet indicates a discovery subnet that cannot yield an IPv4 broadcast address.
	ErrInvalidSubnet = errors.New("invalid discovery subnet")
)
