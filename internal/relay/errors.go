package relay

import (
	dErrors "contactr/pkg/domain-errors"
	"contactr/pkg/platform/sentinel"
)

var (
	// ErrInvalidFormat is returned by the message handler for frames that are not valid JSON.
	ErrInvalidFormat = dErrors.New(dErrors.CodeInvalidInput, "Invalid message format")
	// ErrConnectionClosed is a delivery error for a connection that is no longer open.
	ErrConnectionClosed = dErrors.Wrap(sentinel.ErrClosed, dErrors.CodeUnavailable, "connection closed")
	// ErrSendQueueFull is a delivery error for a connection whose outbound queue is full.
	ErrSendQueueFull = dErrors.Wrap(sentinel.ErrQueueFull, dErrors.CodeUnavailable, "send queue full")
	// ErrDraining is returned by admission once shutdown has started.
	ErrDraining = dErrors.Wrap(sentinel.ErrDraining, dErrors.CodeUnavailable, "Server shutting down")
)
