package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditLogEntry records a mutation performed through the management API.
type AuditLogEntry struct {
	ID            int64           `json:"id"`
	EnvironmentID string          `json:"environment_id"`
	APIKeyID      string          `json:"api_key_id,omitempty"`
	Action        string          `json:"action"`
	FlagKey       string          `json:"flag_key,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// InsertAuditLog writes a single audit log entry.
func (r *PostgresRepository) InsertAuditLog(ctx context.Context, entry AuditLogEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (environment_id, api_key_id, action, flag_key, details)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.EnvironmentID, entry.APIKeyID, entry.Action, entry.FlagKey, entry.Details)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAuditLog returns audit log entries for an environment, newest first.
func (r *PostgresRepository) ListAuditLog(ctx context.Context, environmentID string, limit, offset int) ([]AuditLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, environment_id, api_key_id, action, flag_key, details, created_at
		FROM audit_log
		WHERE environment_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, environmentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditLogEntry, 0)
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.ID, &e.EnvironmentID, &e.APIKeyID, &e.Action, &e.FlagKey, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit log rows: %w", err)
	}

	return entries, nil
}
