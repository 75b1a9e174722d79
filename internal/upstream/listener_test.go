package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"contactr/internal/domain"
	jwttoken "contactr/internal/jwt_token"
	"contactr/internal/relay"
	"contactr/internal/search"
	"contactr/internal/search/mocks"
	"contactr/pkg/testutil"
)

var testChannels = Channels{ChangeFeed: "contact_changes", RecordLock: "contact_locks"}

type fakeSubscription struct {
	mu        sync.Mutex
	listened  []string
	listenErr error
	ch        chan *pq.Notification
	closeOnce sync.Once
	closed    atomic.Bool
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{ch: make(chan *pq.Notification, 16)}
}

func (s *fakeSubscription) Listen(channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listenErr != nil {
		return s.listenErr
	}
	s.listened = append(s.listened, channel)
	return nil
}

func (s *fakeSubscription) NotificationChannel() <-chan *pq.Notification {
	return s.ch
}

func (s *fakeSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.ch)
	})
	return nil
}

func (s *fakeSubscription) notify(channel, payload string) {
	s.ch <- &pq.Notification{Channel: channel, Extra: payload}
}

func (s *fakeSubscription) connector() Connector {
	return func(context.Context, EventFunc) (Subscription, error) {
		return s, nil
	}
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
}

func (b *recordingBroadcaster) Broadcast(ev domain.ChangeEvent) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return 1
}

func (b *recordingBroadcaster) Events() []domain.ChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.ChangeEvent(nil), b.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runListener starts Run in the background and returns a function that
// closes the listener and returns Run's result.
func runListener(t *testing.T, l *Listener) func() error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	return func() error {
		_ = l.Close()
		select {
		case err := <-done:
			return err
		case <-time.After(time.Second):
			t.Fatal("listener did not stop")
			return nil
		}
	}
}

func TestConnect_ListensOnBothChannels(t *testing.T) {
	sub := newFakeSubscription()
	l := NewListener(testChannels, &recordingBroadcaster{}, discardLogger())

	require.NoError(t, l.Connect(context.Background(), sub.connector()))
	assert.Equal(t, []string{"contact_changes", "contact_locks"}, sub.listened)
}

func TestConnect_FailureIsUnavailable(t *testing.T) {
	l := NewListener(testChannels, &recordingBroadcaster{}, discardLogger())
	failing := func(context.Context, EventFunc) (Subscription, error) {
		return nil, errors.New("connection refused")
	}

	err := l.Connect(context.Background(), failing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	sub := newFakeSubscription()
	sub.listenErr = errors.New("permission denied")
	err = l.Connect(context.Background(), sub.connector())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contact_changes")
}

func TestConnect_AfterCloseIsRefused(t *testing.T) {
	l := NewListener(testChannels, &recordingBroadcaster{}, discardLogger())
	require.NoError(t, l.Close())

	connected := false
	err := l.Connect(context.Background(), func(context.Context, EventFunc) (Subscription, error) {
		connected = true
		return newFakeSubscription(), nil
	})
	require.ErrorIs(t, err, ErrListenerClosed)
	assert.False(t, connected, "no subscription is opened after Close")
}

func TestConnect_SubscriptionCompletingAfterCloseIsReleased(t *testing.T) {
	sub := newFakeSubscription()
	release := make(chan struct{})
	entered := make(chan struct{})
	l := NewListener(testChannels, &recordingBroadcaster{}, discardLogger())

	done := make(chan error, 1)
	go func() {
		done <- l.Connect(context.Background(), func(context.Context, EventFunc) (Subscription, error) {
			close(entered)
			<-release
			return sub, nil
		})
	}()

	<-entered
	require.NoError(t, l.Close())
	close(release)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrListenerClosed)
	case <-time.After(time.Second):
		t.Fatal("Connect did not return")
	}
	assert.True(t, sub.closed.Load(), "late subscription must be closed")
	require.Error(t, l.Run(context.Background()))
}

func TestRun_RequiresConnect(t *testing.T) {
	l := NewListener(testChannels, &recordingBroadcaster{}, discardLogger())
	require.Error(t, l.Run(context.Background()))
}

func TestRun_ChangeFeedReachesSubscribersAndMirror(t *testing.T) {
	testutil.Given(t, "two admitted connections and a subscribed listener", func(t *testing.T) {
		registry := relay.NewRegistry(nil)
		admitter := relay.NewAdmitter(jwttoken.NewClaimsExtractor(), registry, discardLogger())
		broadcaster := relay.NewBroadcaster(registry, discardLogger(), nil)

		var transports []*testutil.FakeTransport
		for _, email := range []string{"a@example.com", "b@example.com"} {
			tr := testutil.NewFakeTransport()
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"email": email}).SignedString([]byte("k"))
			require.NoError(t, err)
			u := &url.URL{Path: "/ws", RawQuery: url.Values{"token": {token}}.Encode()}
			_, err = admitter.Admit(context.Background(), tr, u)
			require.NoError(t, err)
			transports = append(transports, tr)
		}

		ctrl := gomock.NewController(t)
		indexer := mocks.NewMockIndexer(ctrl)
		mirrored := make(chan struct{})
		indexer.EXPECT().
			UpsertDocument(gomock.Any(), domain.ContactRecord{ID: "123"}).
			DoAndReturn(func(context.Context, domain.ContactRecord) error {
				close(mirrored)
				return nil
			}).
			Times(1)

		sub := newFakeSubscription()
		l := NewListener(testChannels, broadcaster, discardLogger(),
			WithMirror(search.NewMirror(indexer, discardLogger())))
		require.NoError(t, l.Connect(context.Background(), sub.connector()))
		stop := runListener(t, l)

		testutil.When(t, "a change notification arrives", func(t *testing.T) {
			sub.notify("contact_changes", `{"id":"123","action":"update","data":{"name":"X"}}`)

			testutil.Then(t, "both connections receive one broadcast frame", func(t *testing.T) {
				for _, tr := range transports {
					require.Eventually(t, func() bool { return len(tr.Frames()) == 2 }, time.Second, 5*time.Millisecond)
					var frame map[string]any
					require.NoError(t, json.Unmarshal(tr.Frames()[1], &frame))
					assert.Equal(t, "contact_changes", frame["channel"])
					assert.Equal(t, map[string]any{
						"id": "123", "action": "update", "data": map[string]any{"name": "X"},
					}, frame["payload"])
				}
			})

			testutil.Then(t, "the search mirror upserts contact 123 once", func(t *testing.T) {
				select {
				case <-mirrored:
				case <-time.After(time.Second):
					t.Fatal("mirror was not invoked")
				}
				require.NoError(t, l.WaitTasks(context.Background()))
			})
		})

		require.NoError(t, stop())
	})
}

func TestRun_MalformedPayloadIsDropped(t *testing.T) {
	sub := newFakeSubscription()
	b := &recordingBroadcaster{}
	l := NewListener(testChannels, b, discardLogger())
	require.NoError(t, l.Connect(context.Background(), sub.connector()))
	stop := runListener(t, l)

	sub.notify("contact_changes", `{not json`)
	sub.notify("contact_changes", `{"id":"1","action":"delete"}`)

	require.Eventually(t, func() bool { return len(b.Events()) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"id":"1","action":"delete"}`, string(b.Events()[0].Payload))
	require.NoError(t, stop())
}

func TestRun_EmptyPayloadBroadcastsNull(t *testing.T) {
	sub := newFakeSubscription()
	b := &recordingBroadcaster{}
	l := NewListener(testChannels, b, discardLogger())
	require.NoError(t, l.Connect(context.Background(), sub.connector()))
	stop := runListener(t, l)

	sub.notify("contact_locks", "")

	require.Eventually(t, func() bool { return len(b.Events()) == 1 }, time.Second, 5*time.Millisecond)
	ev := b.Events()[0]
	assert.Equal(t, "contact_locks", ev.SourceChannel)
	assert.Equal(t, "null", string(ev.Payload))
	require.NoError(t, stop())
}

func TestRun_LockChannelIsNotMirrored(t *testing.T) {
	ctrl := gomock.NewController(t)
	indexer := mocks.NewMockIndexer(ctrl)
	// No expectations: any indexer call fails the test.

	sub := newFakeSubscription()
	b := &recordingBroadcaster{}
	l := NewListener(testChannels, b, discardLogger(),
		WithMirror(search.NewMirror(indexer, discardLogger())))
	require.NoError(t, l.Connect(context.Background(), sub.connector()))
	stop := runListener(t, l)

	sub.notify("contact_locks", `{"id":"123","action":"update","lockedBy":"a@example.com"}`)

	require.Eventually(t, func() bool { return len(b.Events()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	require.NoError(t, l.WaitTasks(context.Background()))
}

func TestRun_PreservesDeliveryOrder(t *testing.T) {
	sub := newFakeSubscription()
	b := &recordingBroadcaster{}
	l := NewListener(testChannels, b, discardLogger())
	require.NoError(t, l.Connect(context.Background(), sub.connector()))
	stop := runListener(t, l)

	for _, id := range []string{"1", "2", "3", "4"} {
		sub.notify("contact_changes", `{"id":"`+id+`"}`)
	}

	require.Eventually(t, func() bool { return len(b.Events()) == 4 }, time.Second, 5*time.Millisecond)
	for i, ev := range b.Events() {
		assert.JSONEq(t, `{"id":"`+string(rune('1'+i))+`"}`, string(ev.Payload))
	}
	require.NoError(t, stop())
}

func TestRun_ReconnectMarkerIsSkipped(t *testing.T) {
	sub := newFakeSubscription()
	b := &recordingBroadcaster{}
	l := NewListener(testChannels, b, discardLogger())
	require.NoError(t, l.Connect(context.Background(), sub.connector()))
	stop := runListener(t, l)

	sub.ch <- nil
	sub.notify("contact_changes", `{"id":"9"}`)

	require.Eventually(t, func() bool { return len(b.Events()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
}

func TestRun_UnexpectedCloseIsFatal(t *testing.T) {
	sub := newFakeSubscription()
	l := NewListener(testChannels, &recordingBroadcaster{}, discardLogger())
	require.NoError(t, l.Connect(context.Background(), sub.connector()))

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	_ = sub.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSubscriptionLost)
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestRun_LossGraceExceededIsFatal(t *testing.T) {
	sub := newFakeSubscription()
	l := NewListener(testChannels, &recordingBroadcaster{}, discardLogger(),
		WithLossGrace(20*time.Millisecond))
	require.NoError(t, l.Connect(context.Background(), sub.connector()))

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	l.ReportEvent(pq.ListenerEventDisconnected, errors.New("server closed the connection"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSubscriptionLost)
		assert.Contains(t, err.Error(), "server closed the connection")
	case <-time.After(time.Second):
		t.Fatal("listener did not give up on the subscription")
	}
}

func TestRun_ReconnectWithinGraceRecovers(t *testing.T) {
	sub := newFakeSubscription()
	b := &recordingBroadcaster{}
	l := NewListener(testChannels, b, discardLogger(),
		WithLossGrace(200*time.Millisecond))
	require.NoError(t, l.Connect(context.Background(), sub.connector()))
	stop := runListener(t, l)

	l.ReportEvent(pq.ListenerEventDisconnected, errors.New("reset"))
	l.ReportEvent(pq.ListenerEventReconnected, nil)
	time.Sleep(300 * time.Millisecond)

	sub.notify("contact_changes", `{"id":"5"}`)
	require.Eventually(t, func() bool { return len(b.Events()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
}

func TestRun_ContextCancelStops(t *testing.T) {
	sub := newFakeSubscription()
	l := NewListener(testChannels, &recordingBroadcaster{}, discardLogger())
	require.NoError(t, l.Connect(context.Background(), sub.connector()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}

type blockingSink struct{ release chan struct{} }

func (s blockingSink) HandleChange(ctx context.Context, _ domain.ChangeEvent) {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
}

func TestWaitTasks_Timeout(t *testing.T) {
	sink := blockingSink{release: make(chan struct{})}
	sub := newFakeSubscription()
	b := &recordingBroadcaster{}
	l := NewListener(testChannels, b, discardLogger(), WithMirror(sink))
	require.NoError(t, l.Connect(context.Background(), sub.connector()))
	stop := runListener(t, l)

	sub.notify("contact_changes", `{"id":"1","action":"update"}`)
	require.Eventually(t, func() bool { return len(b.Events()) == 1 }, time.Second, 5*time.Millisecond, "broadcast must not wait for the mirror")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.WaitTasks(ctx))

	close(sink.release)
	require.NoError(t, l.WaitTasks(context.Background()))
	require.NoError(t, stop())
}
