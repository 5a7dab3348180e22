// Package repository provides PostgreSQL-backed persistence for projects,
// environments, flags, segments, API keys, and flag events. It also handles
// LISTEN/NOTIFY-based cache invalidation so the in-memory store stays fresh
// without polling the database into submission.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultNotifyChannel = "flag_events"
	maxEventBatchSize    = 1000
)

// Flag is the repository-level representation of a feature flag row. The
// rule and variation structures are stored as JSONB and decoded by the
// service layer; version is bumped by the database on every update so cache
// nodes can order changes without coordinating.
type Flag struct {
	EnvironmentID  string          `json:"environment_id"`
	Key            string          `json:"key"`
	Description    string          `json:"description"`
	Enabled        bool            `json:"enabled"`
	DefaultValue   json.RawMessage `json:"default_value"`
	Variations     json.RawMessage `json:"variations"`
	Rules          json.RawMessage `json:"rules"`
	DefaultRollout json.RawMessage `json:"default_rollout,omitempty"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Segment is a stored reusable targeting segment, scoped to an environment.
type Segment struct {
	EnvironmentID string          `json:"environment_id"`
	Key           string          `json:"key"`
	Description   string          `json:"description"`
	Rules         json.RawMessage `json:"rules"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Project represents a tenant or namespace grouping environments.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Environment is a deployment target (production, staging) within a project.
// Flags, segments, and API keys are all scoped to one environment.
type Environment struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// APIKey represents a stored API key record used for bearer-token
// authentication of SDK and admin API clients.
type APIKey struct {
	ID            string     `json:"id"`
	EnvironmentID string     `json:"environment_id"`
	Name          string     `json:"name"`
	KeyHash       string     `json:"key_hash"`
	CreatedAt     time.Time  `json:"created_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

// APIKeyMeta contains non-sensitive metadata for an API key, suitable for
// listing keys without exposing secrets.
type APIKeyMeta struct {
	ID            string    `json:"id"`
	EnvironmentID string    `json:"environment_id"`
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"created_at"`
}

// FlagEvent represents a change event stored in the flag_events table. The
// event log drives SSE streaming and Last-Event-ID catch-up; the version
// carried by each event lets caches discard stale notifications.
type FlagEvent struct {
	EventID       int64           `json:"event_id"`
	EnvironmentID string          `json:"environment_id"`
	FlagKey       string          `json:"flag_key,omitempty"`
	EventType     string          `json:"event_type"`
	Version       int64           `json:"version"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Flag event types as stored in flag_events.event_type.
const (
	EventFlagCreated     = "flag.created"
	EventFlagUpdated     = "flag.updated"
	EventFlagDeleted     = "flag.deleted"
	EventSegmentsUpdated = "segments.updated"
)

// PostgresRepository implements persistence backed by a pgxpool connection
// pool. It also supports LISTEN/NOTIFY for real-time cache invalidation.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "flag_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name for flag event notifications.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

const flagColumns = `environment_id, key, description, enabled, default_value, variations, rules, default_rollout, version, created_at, updated_at`

func scanFlag(row pgx.Row) (Flag, error) {
	var flag Flag
	err := row.Scan(
		&flag.EnvironmentID,
		&flag.Key,
		&flag.Description,
		&flag.Enabled,
		&flag.DefaultValue,
		&flag.Variations,
		&flag.Rules,
		&flag.DefaultRollout,
		&flag.Version,
		&flag.CreatedAt,
		&flag.UpdatedAt,
	)
	return flag, err
}

// CreateFlag inserts a new flag row at version 1 and returns the created
// record with server-generated timestamps.
func (r *PostgresRepository) CreateFlag(ctx context.Context, flag Flag) (Flag, error) {
	created, err := scanFlag(r.pool.QueryRow(ctx, `
		INSERT INTO flags (environment_id, key, description, enabled, default_value, variations, rules, default_rollout)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+flagColumns,
		flag.EnvironmentID,
		flag.Key,
		flag.Description,
		flag.Enabled,
		ensureJSON(flag.DefaultValue, "null"),
		ensureJSON(flag.Variations, "[]"),
		ensureJSON(flag.Rules, "[]"),
		flag.DefaultRollout,
	))
	if err != nil {
		return Flag{}, fmt.Errorf("create flag: %w", err)
	}

	return created, nil
}

// UpdateFlag updates an existing flag row identified by environment and key
// and returns the updated record with its incremented version. The bump
// happens in the same statement as the write, so concurrent updaters can
// never produce two rows at the same version. Returns pgx.ErrNoRows
// (wrapped) if the flag does not exist.
func (r *PostgresRepository) UpdateFlag(ctx context.Context, flag Flag) (Flag, error) {
	updated, err := scanFlag(r.pool.QueryRow(ctx, `
		UPDATE flags
		SET description = $3,
		    enabled = $4,
		    default_value = $5,
		    variations = $6,
		    rules = $7,
		    default_rollout = $8,
		    version = version + 1,
		    updated_at = NOW()
		WHERE environment_id = $1 AND key = $2
		RETURNING `+flagColumns,
		flag.EnvironmentID,
		flag.Key,
		flag.Description,
		flag.Enabled,
		ensureJSON(flag.DefaultValue, "null"),
		ensureJSON(flag.Variations, "[]"),
		ensureJSON(flag.Rules, "[]"),
		flag.DefaultRollout,
	))
	if err != nil {
		return Flag{}, fmt.Errorf("update flag: %w", err)
	}

	return updated, nil
}

// GetFlag retrieves a single flag by environment and key. Returns
// pgx.ErrNoRows (wrapped) if not found.
func (r *PostgresRepository) GetFlag(ctx context.Context, environmentID, key string) (Flag, error) {
	flag, err := scanFlag(r.pool.QueryRow(ctx, `
		SELECT `+flagColumns+`
		FROM flags
		WHERE environment_id = $1 AND key = $2
	`, environmentID, key))
	if err != nil {
		return Flag{}, fmt.Errorf("get flag: %w", err)
	}

	return flag, nil
}

// ListFlags returns all flags in an environment ordered by key.
func (r *PostgresRepository) ListFlags(ctx context.Context, environmentID string) ([]Flag, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+flagColumns+`
		FROM flags
		WHERE environment_id = $1
		ORDER BY key
	`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]Flag, 0)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		flags = append(flags, flag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w", err)
	}

	return flags, nil
}

// DeleteFlag removes a flag and returns the version the row held at
// deletion, so the caller can publish a tombstone event one version higher.
// Returns pgx.ErrNoRows (wrapped) if the flag does not exist.
func (r *PostgresRepository) DeleteFlag(ctx context.Context, environmentID, key string) (int64, error) {
	var version int64
	err := r.pool.QueryRow(ctx, `
		DELETE FROM flags
		WHERE environment_id = $1 AND key = $2
		RETURNING version
	`, environmentID, key).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("delete flag: %w", err)
	}

	return version, nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func noRows(commandTag pgconn.CommandTag, op string) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, pgx.ErrNoRows)
	}

	return nil
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
