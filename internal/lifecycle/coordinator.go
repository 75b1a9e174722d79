// Package lifecycle orders relay startup and shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"contactr/internal/upstream"
	dErrors "contactr/pkg/domain-errors"
)

// State is the coordinator's lifecycle phase.
type State int32

const (
	StateStopped State = iota
	StateConnecting
	StateListening
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// GoingAwayReason accompanies the 1001 close frame sent during shutdown.
const GoingAwayReason = "going away"

const defaultShutdownTimeout = 15 * time.Second

// Upstream is the event source the coordinator starts first and stops last.
type Upstream interface {
	Connect(ctx context.Context, connect upstream.Connector) error
	Run(ctx context.Context) error
	Close() error
	WaitTasks(ctx context.Context) error
}

// Drainer closes every admitted connection and refuses new ones.
type Drainer interface {
	Drain(code int, reason string) int
}

// Coordinator runs the relay: upstream subscription first, then the
// connection listener, and on shutdown the reverse.
type Coordinator struct {
	upstream  Upstream
	connector upstream.Connector
	registry  Drainer
	server    *http.Server
	logger    *slog.Logger

	shutdownTimeout time.Duration
	listen          func(network, addr string) (net.Listener, error)

	state      atomic.Int32
	stopping   atomic.Bool
	addr       atomic.Pointer[string]
	listening  chan struct{}
	listenOnce sync.Once

	// connected is closed once Run is past Connecting, whatever the outcome.
	connected     chan struct{}
	connectMu     sync.Mutex
	cancelConnect context.CancelFunc

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	shutdownErr  error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.shutdownTimeout = d
		}
	}
}

// WithListenFunc replaces net.Listen, mostly for tests.
func WithListenFunc(fn func(network, addr string) (net.Listener, error)) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.listen = fn
		}
	}
}

func New(up Upstream, connector upstream.Connector, registry Drainer, server *http.Server, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		upstream:        up,
		connector:       connector,
		registry:        registry,
		server:          server,
		logger:          logger,
		shutdownTimeout: defaultShutdownTimeout,
		listen:          net.Listen,
		listening:       make(chan struct{}),
		connected:       make(chan struct{}),
		shutdownDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// State returns the current lifecycle phase.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Accepting reports whether new connections should be upgraded.
func (c *Coordinator) Accepting() bool {
	return c.State() == StateListening
}

// Addr returns the bound listener address once Listening has been reached.
func (c *Coordinator) Addr() string {
	if p := c.addr.Load(); p != nil {
		return *p
	}
	return ""
}

// Listening is closed once the coordinator starts accepting connections.
func (c *Coordinator) Listening() <-chan struct{} {
	return c.listening
}

// Run blocks until ctx is cancelled, Shutdown completes or a component
// fails. A failure to subscribe upstream or bind the listener is returned
// without serving anything. A Shutdown that arrives first makes Run return
// nil without ever reaching Listening.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateStopped), int32(StateConnecting)) {
		if c.stopping.Load() {
			return nil
		}
		return dErrors.New(dErrors.CodeInternal, "coordinator already started")
	}
	settle := sync.OnceFunc(func() { close(c.connected) })
	defer settle()

	if c.stopping.Load() {
		c.state.Store(int32(StateStopped))
		return nil
	}
	c.logger.InfoContext(ctx, "connecting upstream subscription")

	connectCtx, cancelConnect := context.WithCancel(ctx)
	c.connectMu.Lock()
	c.cancelConnect = cancelConnect
	c.connectMu.Unlock()
	if c.stopping.Load() {
		cancelConnect()
	}
	err := c.upstream.Connect(connectCtx, c.connector)
	cancelConnect()

	if c.stopping.Load() {
		_ = c.upstream.Close()
		c.logger.InfoContext(ctx, "shutdown requested while connecting upstream")
		return nil
	}
	if err != nil {
		c.state.Store(int32(StateStopped))
		c.logger.ErrorContext(ctx, "upstream subscription failed", "error", err)
		return err
	}

	ln, err := c.listen("tcp", c.server.Addr)
	if err != nil {
		_ = c.upstream.Close()
		c.state.Store(int32(StateStopped))
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "bind listener failed")
	}
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateListening)) {
		_ = ln.Close()
		_ = c.upstream.Close()
		return nil
	}
	settle()

	addr := ln.Addr().String()
	c.addr.Store(&addr)

	// The upstream loop keeps running through the drain and stops on Close.
	upstreamCtx := context.WithoutCancel(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "http server failed")
		}
		return nil
	})
	g.Go(func() error {
		return c.upstream.Run(upstreamCtx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-c.shutdownDone:
			return c.shutdownErr
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
		defer cancel()
		return c.Shutdown(shutdownCtx)
	})

	c.listenOnce.Do(func() { close(c.listening) })
	c.logger.InfoContext(ctx, "relay listening", "addr", addr)

	return g.Wait()
}

// Shutdown drains the relay: new connections are refused, every admitted one
// gets a 1001 close frame, the upstream subscription is closed, in-flight
// mirror tasks are awaited and the listening socket is released. Every call
// returns the result of the first.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		defer close(c.shutdownDone)
		c.shutdownErr = c.drain(ctx)
	})
	select {
	case <-c.shutdownDone:
		return c.shutdownErr
	case <-ctx.Done():
		return dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "shutdown still in progress")
	}
}

func (c *Coordinator) drain(ctx context.Context) error {
	c.stopping.Store(true)
	prev := State(c.state.Swap(int32(StateDraining)))
	if prev == StateStopped {
		c.state.Store(int32(StateStopped))
		return nil
	}
	start := time.Now()
	c.logger.InfoContext(ctx, "draining relay", "from", prev.String())

	var errs []error

	if prev == StateConnecting {
		c.connectMu.Lock()
		cancel := c.cancelConnect
		c.connectMu.Unlock()
		if cancel != nil {
			cancel()
		}
		select {
		case <-c.connected:
		case <-ctx.Done():
			errs = append(errs, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "upstream subscription still connecting"))
		}
	}

	closed := c.registry.Drain(websocket.CloseGoingAway, GoingAwayReason)
	c.logger.InfoContext(ctx, "connections closed", "count", closed)

	if err := c.upstream.Close(); err != nil {
		errs = append(errs, dErrors.Wrap(err, dErrors.CodeUnavailable, "close upstream subscription"))
	}
	if err := c.upstream.WaitTasks(ctx); err != nil {
		c.logger.WarnContext(ctx, "mirror tasks did not finish", "error", err)
	}

	if err := c.server.Shutdown(ctx); err != nil {
		errs = append(errs, dErrors.Wrap(err, dErrors.CodeTimeout, "release listener"))
		_ = c.server.Close()
	}

	c.state.Store(int32(StateStopped))
	c.logger.InfoContext(ctx, "relay stopped", "duration_ms", time.Since(start).Milliseconds())
	return errors.Join(errs...)
}
