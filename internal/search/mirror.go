package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"contactr/internal/domain"
	"contactr/internal/platform/metrics"
)

// changePayload is the JSON document published on the change-feed channel.
type changePayload struct {
	ID     json.RawMessage `json:"id"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// contactData lets the record id be a JSON string or number.
type contactData struct {
	ID json.RawMessage `json:"id"`
	domain.ContactRecord
}

// Mirror keeps the search index in step with the change feed. It is a
// best-effort side channel: no method returns an error and every failure is
// logged and counted instead.
type Mirror struct {
	indexer Indexer
	breaker *CircuitBreaker
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Mirror.
type Option func(*Mirror)

func WithMetrics(m *metrics.Metrics) Option {
	return func(mr *Mirror) {
		mr.metrics = m
	}
}

func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(mr *Mirror) {
		mr.breaker = cb
	}
}

func NewMirror(indexer Indexer, logger *slog.Logger, opts ...Option) *Mirror {
	m := &Mirror{
		indexer: indexer,
		logger:  logger,
		breaker: NewCircuitBreaker(0, 0),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// HandleChange decodes a change-feed event and syncs the affected record.
func (m *Mirror) HandleChange(ctx context.Context, ev domain.ChangeEvent) {
	action, record, err := decodeChange(ev.Payload)
	if err != nil {
		m.metrics.IncIndexSync("unknown", "failed")
		m.logger.WarnContext(ctx, "cannot mirror change event", "channel", ev.SourceChannel, "error", err)
		return
	}
	m.Sync(ctx, action, record)
}

// Sync applies one action to the index. Upsert adds or replaces the document
// keyed on record.ID; Delete removes it. Unknown actions are ignored.
func (m *Mirror) Sync(ctx context.Context, action domain.SyncAction, record domain.ContactRecord) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.IncIndexSync(string(action), "failed")
			m.logger.ErrorContext(ctx, "index sync panicked", "action", action, "id", record.ID, "panic", r)
		}
	}()

	if action != domain.SyncUpsert && action != domain.SyncDelete {
		m.metrics.IncIndexSync("unknown", "ignored")
		m.logger.WarnContext(ctx, "ignoring unknown index action", "action", action, "id", record.ID)
		return
	}
	if record.ID == "" {
		m.metrics.IncIndexSync(string(action), "failed")
		m.logger.WarnContext(ctx, "cannot sync record without id", "action", action)
		return
	}
	if !m.breaker.Allow() {
		m.metrics.IncIndexSync(string(action), "skipped")
		m.logger.DebugContext(ctx, "index circuit open, skipping sync", "action", action, "id", record.ID)
		return
	}

	var err error
	switch action {
	case domain.SyncUpsert:
		err = m.indexer.UpsertDocument(ctx, record)
	case domain.SyncDelete:
		err = m.indexer.DeleteDocument(ctx, record.ID)
	}

	if err != nil {
		m.metrics.IncIndexSync(string(action), "failed")
		if m.breaker.RecordFailure() {
			m.logger.ErrorContext(ctx, "search index unavailable, pausing sync", "error", err)
		}
		m.logger.WarnContext(ctx, "index sync failed", "action", action, "id", record.ID, "error", err)
		return
	}
	m.breaker.RecordSuccess()
	m.metrics.IncIndexSync(string(action), "ok")
	m.logger.DebugContext(ctx, "index synced", "action", action, "id", record.ID)
}

// decodeChange maps a change-feed payload onto a sync action and record.
// insert/update/upsert become upserts, delete becomes a delete; any other
// action is passed through unchanged so Sync can ignore it.
func decodeChange(payload json.RawMessage) (domain.SyncAction, domain.ContactRecord, error) {
	var p changePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", domain.ContactRecord{}, fmt.Errorf("decode change payload: %w", err)
	}

	var data contactData
	if raw := bytes.TrimSpace(p.Data); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, &data); err != nil {
			return "", domain.ContactRecord{}, fmt.Errorf("decode contact record: %w", err)
		}
	}

	record := data.ContactRecord
	record.ID = rawID(data.ID)
	if id := rawID(p.ID); id != "" {
		record.ID = id
	}

	switch strings.ToLower(p.Action) {
	case "insert", "create", "update", "upsert":
		return domain.SyncUpsert, record, nil
	case "delete", "remove":
		return domain.SyncDelete, record, nil
	default:
		return domain.SyncAction(p.Action), record, nil
	}
}

// rawID accepts string or numeric ids.
func rawID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
