package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flagwire/flagwire/internal/store"
)

// notifyPayload is the compact envelope sent over pg_notify. NOTIFY payloads
// are capped at 8000 bytes, so the full flag configuration stays in the
// flag_events row and subscribers fetch it by key.
type notifyPayload struct {
	EnvironmentID string `json:"environment_id"`
	FlagKey       string `json:"flag_key,omitempty"`
	EventType     string `json:"event_type"`
	Version       int64  `json:"version"`
}

// PublishFlagEvent inserts a flag event and sends a PostgreSQL NOTIFY on the
// configured channel within a single transaction, so a committed change
// always has a matching notification and an aborted one never notifies.
func (r *PostgresRepository) PublishFlagEvent(ctx context.Context, event FlagEvent) (FlagEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return FlagEvent{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created FlagEvent
	if err := tx.QueryRow(ctx, `
		INSERT INTO flag_events (environment_id, flag_key, event_type, version, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING event_id, environment_id, flag_key, event_type, version, payload, created_at
	`,
		event.EnvironmentID,
		event.FlagKey,
		event.EventType,
		event.Version,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.EnvironmentID,
		&created.FlagKey,
		&created.EventType,
		&created.Version,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return FlagEvent{}, fmt.Errorf("insert flag event: %w", err)
	}

	payload, err := marshalNotifyPayload(created)
	if err != nil {
		return FlagEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, payload); err != nil {
		return FlagEvent{}, fmt.Errorf("notify flag event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return FlagEvent{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// ListEventsSince returns up to 1000 flag events with IDs greater than
// eventID for the given environment, ordered by event ID. SSE handlers use
// this to replay events missed while a client was disconnected.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, environmentID string, eventID int64) ([]FlagEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, environment_id, flag_key, event_type, version, payload, created_at
		FROM flag_events
		WHERE event_id > $1 AND environment_id = $2
		ORDER BY event_id
		LIMIT $3
	`, eventID, environmentID, maxEventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	events := make([]FlagEvent, 0)
	for rows.Next() {
		var event FlagEvent
		if err := rows.Scan(
			&event.EventID,
			&event.EnvironmentID,
			&event.FlagKey,
			&event.EventType,
			&event.Version,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// SubscribeChanges returns a channel of typed change notifications driven by
// PostgreSQL LISTEN. The channel is closed when the underlying connection is
// lost; callers resubscribe. Notifications with payloads this node cannot
// parse are dropped, since the periodic resync covers them.
func (r *PostgresRepository) SubscribeChanges(ctx context.Context) (<-chan store.Change, error) {
	changes := make(chan store.Change, 64)

	go r.runChangeListener(ctx, changes)

	return changes, nil
}

func (r *PostgresRepository) runChangeListener(ctx context.Context, changes chan<- store.Change) {
	defer close(changes)

	for {
		err := r.listenForChanges(ctx, changes)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForChanges(ctx context.Context, changes chan<- store.Change) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for flag event notification: %w", err)
		}

		change, ok := parseChangeNotification(notification.Payload)
		if !ok {
			continue
		}

		select {
		case changes <- change:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func marshalNotifyPayload(event FlagEvent) (string, error) {
	serialized, err := json.Marshal(notifyPayload{
		EnvironmentID: event.EnvironmentID,
		FlagKey:       event.FlagKey,
		EventType:     event.EventType,
		Version:       event.Version,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}

func parseChangeNotification(payload string) (store.Change, bool) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return store.Change{}, false
	}
	if p.EnvironmentID == "" {
		return store.Change{}, false
	}

	change := store.Change{
		EnvironmentID: p.EnvironmentID,
		FlagKey:       p.FlagKey,
		Version:       p.Version,
	}
	switch p.EventType {
	case EventFlagCreated, EventFlagUpdated:
	case EventFlagDeleted:
		change.Deleted = true
	case EventSegmentsUpdated:
		change.SegmentsChanged = true
	default:
		return store.Change{}, false
	}
	if !change.SegmentsChanged && change.FlagKey == "" {
		return store.Change{}, false
	}

	return change, true
}
