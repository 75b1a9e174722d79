package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Transports and the upstream
// subscription return these (optionally wrapped) so the relay can translate
// them into domain errors or close codes.
//
// - ErrClosed: the connection or subscription has already been closed
// - ErrQueueFull: a connection's outbound queue cannot accept another frame
// - ErrUnavailable: a dependency (postgres, search index, redis) is unreachable
// - ErrDraining: the relay is shutting down and no longer admits connections
var (
	ErrClosed      = errors.New("closed")
	ErrQueueFull   = errors.New("queue full")
	ErrUnavailable = errors.New("unavailable")
	ErrDraining    = errors.New("draining")
)
