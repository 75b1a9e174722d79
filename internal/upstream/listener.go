package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"contactr/internal/domain"
	"contactr/internal/platform/metrics"
	dErrors "contactr/pkg/domain-errors"
	"contactr/pkg/platform/sentinel"
)

var (
	// ErrMalformedPayload marks a notification whose payload is not valid JSON.
	ErrMalformedPayload = dErrors.New(dErrors.CodeInvalidInput, "malformed notification payload")
	// ErrListenerClosed is returned by Connect once Close has been called.
	ErrListenerClosed = dErrors.Wrap(sentinel.ErrClosed, dErrors.CodeUnavailable, "upstream listener closed")
	// ErrSubscriptionLost is the fatal upstream failure; the relay cannot run without it.
	ErrSubscriptionLost = dErrors.Wrap(sentinel.ErrUnavailable, dErrors.CodeUnavailable, "upstream subscription lost")
)

const defaultMirrorTimeout = 10 * time.Second

// Broadcaster delivers a change event to subscribers.
type Broadcaster interface {
	Broadcast(ev domain.ChangeEvent) int
}

// ChangeSink consumes change-feed events off the hot path.
type ChangeSink interface {
	HandleChange(ctx context.Context, ev domain.ChangeEvent)
}

// Channels names the two upstream notification channels.
type Channels struct {
	ChangeFeed string
	RecordLock string
}

// Listener owns the single upstream subscription and processes its
// notifications one at a time, in delivery order.
type Listener struct {
	channels    Channels
	broadcaster Broadcaster
	mirror      ChangeSink
	logger      *slog.Logger
	metrics     *metrics.Metrics

	lossGrace     time.Duration
	mirrorTimeout time.Duration
	now           func() time.Time

	subMu     sync.Mutex
	sub       Subscription
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
	tasks     sync.WaitGroup

	mu        sync.Mutex
	downSince time.Time
	lastErr   error
	wake      chan struct{}
}

// Option configures a Listener.
type Option func(*Listener)

// WithMirror routes change-feed events to sink as detached tasks.
func WithMirror(sink ChangeSink) Option {
	return func(l *Listener) {
		l.mirror = sink
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Listener) {
		l.metrics = m
	}
}

// WithLossGrace sets how long the subscription may stay disconnected before
// Run fails with ErrSubscriptionLost. Zero disables the watchdog.
func WithLossGrace(d time.Duration) Option {
	return func(l *Listener) {
		l.lossGrace = d
	}
}

func WithMirrorTimeout(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.mirrorTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Listener) {
		if now != nil {
			l.now = now
		}
	}
}

func NewListener(channels Channels, broadcaster Broadcaster, logger *slog.Logger, opts ...Option) *Listener {
	l := &Listener{
		channels:      channels,
		broadcaster:   broadcaster,
		logger:        logger,
		mirrorTimeout: defaultMirrorTimeout,
		now:           time.Now,
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Connect opens the subscription and listens on both channels. Any failure
// is an UpstreamSubscriptionError and leaves nothing open. A subscription
// that completes after Close is closed again and ErrListenerClosed returned.
func (l *Listener) Connect(ctx context.Context, connect Connector) error {
	if l.closing.Load() {
		return ErrListenerClosed
	}
	sub, err := connect(ctx, l.ReportEvent)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "upstream subscription failed")
	}

	for _, channel := range []string{l.channels.ChangeFeed, l.channels.RecordLock} {
		if err := listen(ctx, sub, channel); err != nil {
			_ = sub.Close()
			return dErrors.Wrap(err, dErrors.CodeUnavailable, fmt.Sprintf("listen on %q failed", channel))
		}
	}

	l.subMu.Lock()
	if l.closing.Load() {
		l.subMu.Unlock()
		_ = sub.Close()
		return ErrListenerClosed
	}
	l.sub = sub
	l.subMu.Unlock()

	l.logger.InfoContext(ctx, "upstream subscription established",
		"change_channel", l.channels.ChangeFeed,
		"lock_channel", l.channels.RecordLock,
	)
	return nil
}

// listen bounds Subscription.Listen by ctx; pq blocks until connected.
func listen(ctx context.Context, sub Subscription, channel string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- sub.Listen(channel)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		_ = sub.Close()
		return ctx.Err()
	}
}

// ReportEvent is the subscription's connection event callback.
func (l *Listener) ReportEvent(event pq.ListenerEventType, err error) {
	l.metrics.IncUpstreamEvent(eventName(event))

	l.mu.Lock()
	switch event {
	case pq.ListenerEventDisconnected:
		if l.downSince.IsZero() {
			l.downSince = l.now()
		}
		l.lastErr = err
	case pq.ListenerEventConnected, pq.ListenerEventReconnected:
		l.downSince = time.Time{}
		l.lastErr = nil
	case pq.ListenerEventConnectionAttemptFailed:
		l.lastErr = err
	}
	l.mu.Unlock()

	switch event {
	case pq.ListenerEventDisconnected:
		l.logger.Error("upstream subscription disconnected", "error", err)
	case pq.ListenerEventReconnected:
		l.logger.Info("upstream subscription reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warn("upstream reconnect attempt failed", "error", err)
	}

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run processes notifications until ctx ends or the subscription is closed
// by Close, returning nil in both cases. It returns ErrSubscriptionLost when
// the subscription stays down past the loss grace or closes unexpectedly.
func (l *Listener) Run(ctx context.Context) error {
	l.subMu.Lock()
	sub := l.sub
	l.subMu.Unlock()
	if sub == nil {
		return dErrors.New(dErrors.CodeInternal, "listener is not connected")
	}
	notifications := sub.NotificationChannel()

	var lossTimer *time.Timer
	var lossC <-chan time.Time
	stopTimer := func() {
		if lossTimer != nil {
			lossTimer.Stop()
			lossTimer, lossC = nil, nil
		}
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil

		case n, ok := <-notifications:
			if !ok {
				if l.closing.Load() {
					return nil
				}
				return fmt.Errorf("%w: notification channel closed", ErrSubscriptionLost)
			}
			if n == nil {
				// pq sends nil after a reconnect; anything emitted meanwhile is gone.
				l.logger.WarnContext(ctx, "upstream reconnected, notifications during the outage were not received")
				continue
			}
			l.process(ctx, n)

		case <-l.wake:
			since, _ := l.downState()
			if since.IsZero() {
				stopTimer()
				continue
			}
			if l.lossGrace > 0 && lossTimer == nil {
				lossTimer = time.NewTimer(l.lossGrace - l.now().Sub(since))
				lossC = lossTimer.C
			}

		case <-lossC:
			lossTimer, lossC = nil, nil
			since, lastErr := l.downState()
			if since.IsZero() {
				continue
			}
			down := l.now().Sub(since)
			if down < l.lossGrace {
				lossTimer = time.NewTimer(l.lossGrace - down)
				lossC = lossTimer.C
				continue
			}
			l.logger.ErrorContext(ctx, "upstream subscription not recovered", "down_for", down.String(), "error", lastErr)
			return fmt.Errorf("%w: disconnected for %s: %v", ErrSubscriptionLost, down.Round(time.Second), lastErr)
		}
	}
}

func (l *Listener) downState() (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.downSince, l.lastErr
}

func (l *Listener) process(ctx context.Context, n *pq.Notification) {
	l.metrics.IncNotification(n.Channel)

	ev, err := decodeNotification(n, l.now())
	if err != nil {
		l.metrics.IncMalformedPayload()
		l.logger.WarnContext(ctx, "dropping notification", "channel", n.Channel, "error", err)
		return
	}

	if ev.SourceChannel == l.channels.ChangeFeed && l.mirror != nil {
		l.detach(ctx, ev)
	}

	count := l.broadcaster.Broadcast(ev)
	l.logger.DebugContext(ctx, "notification broadcast", "channel", ev.SourceChannel, "count", count)
}

// detach runs the mirror without waiting for it. Its outcome is only visible
// in logs and metrics.
func (l *Listener) detach(ctx context.Context, ev domain.ChangeEvent) {
	l.tasks.Add(1)
	go func() {
		defer l.tasks.Done()
		taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.mirrorTimeout)
		defer cancel()
		l.mirror.HandleChange(taskCtx, ev)
	}()
}

// Close releases the subscription and makes later Connect calls fail. Safe
// to call more than once and before Connect.
func (l *Listener) Close() error {
	l.subMu.Lock()
	l.closing.Store(true)
	sub := l.sub
	l.subMu.Unlock()
	if sub == nil {
		return nil
	}
	l.closeOnce.Do(func() {
		l.closeErr = sub.Close()
	})
	return l.closeErr
}

// WaitTasks blocks until in-flight mirror tasks finish or ctx ends.
func (l *Listener) WaitTasks(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "mirror tasks still running")
	}
}

func decodeNotification(n *pq.Notification, observedAt time.Time) (domain.ChangeEvent, error) {
	payload := strings.TrimSpace(n.Extra)
	ev := domain.ChangeEvent{
		SourceChannel: n.Channel,
		ObservedAt:    observedAt,
	}
	if payload == "" {
		ev.Payload = json.RawMessage("null")
		return ev, nil
	}
	if !json.Valid([]byte(payload)) {
		return domain.ChangeEvent{}, ErrMalformedPayload
	}
	ev.Payload = json.RawMessage(payload)
	return ev, nil
}
