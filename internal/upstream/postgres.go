package upstream

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"contactr/internal/platform/config"
)

// Subscription is the notification source. *pq.Listener satisfies it.
type Subscription interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

// EventFunc receives connection state changes of the subscription.
type EventFunc func(event pq.ListenerEventType, err error)

// Connector opens a Subscription, reporting its connection events to report.
type Connector func(ctx context.Context, report EventFunc) (Subscription, error)

const pingTimeout = 5 * time.Second

// PostgresConnector returns a Connector backed by lib/pq. The database is
// pinged first so an unreachable server fails fast instead of leaving the
// listener retrying in the background.
func PostgresConnector(cfg config.PostgresConfig) Connector {
	return func(ctx context.Context, report EventFunc) (Subscription, error) {
		db, err := sql.Open("postgres", cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}

		minReconnect := cfg.MinReconnectInterval
		if minReconnect <= 0 {
			minReconnect = 10 * time.Second
		}
		maxReconnect := cfg.MaxReconnectInterval
		if maxReconnect < minReconnect {
			maxReconnect = minReconnect
		}
		return pq.NewListener(cfg.URL, minReconnect, maxReconnect, pq.EventCallbackType(report)), nil
	}
}

func eventName(ev pq.ListenerEventType) string {
	switch ev {
	case pq.ListenerEventConnected:
		return "connected"
	case pq.ListenerEventDisconnected:
		return "disconnected"
	case pq.ListenerEventReconnected:
		return "reconnected"
	case pq.ListenerEventConnectionAttemptFailed:
		return "connection_attempt_failed"
	default:
		return "unknown"
	}
}
