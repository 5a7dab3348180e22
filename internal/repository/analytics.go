package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// EvaluationEvent is one recorded flag evaluation, batch-inserted by the
// analytics sink for rollout monitoring.
type EvaluationEvent struct {
	ID            string          `json:"id"`
	EnvironmentID string          `json:"environment_id"`
	FlagKey       string          `json:"flag_key"`
	ContextKey    string          `json:"context_key"`
	VariationID   string          `json:"variation_id,omitempty"`
	Value         json.RawMessage `json:"value"`
	Reason        string          `json:"reason"`
	FlagVersion   int64           `json:"flag_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// InsertEvaluationEvents bulk-inserts a batch of evaluation events using the
// COPY protocol. Batches are small and bounded by the sink's buffer, so one
// failed copy loses at most one batch.
func (r *PostgresRepository) InsertEvaluationEvents(ctx context.Context, events []EvaluationEvent) error {
	if len(events) == 0 {
		return nil
	}

	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"evaluation_events"},
		[]string{"id", "environment_id", "flag_key", "context_key", "variation_id", "value", "reason", "flag_version", "occurred_at"},
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			e := events[i]
			value := e.Value
			if len(value) == 0 {
				value = json.RawMessage("null")
			}
			return []any{e.ID, e.EnvironmentID, e.FlagKey, e.ContextKey, e.VariationID, value, e.Reason, e.FlagVersion, e.OccurredAt}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("insert evaluation events: %w", err)
	}

	return nil
}

// EvaluationCount aggregates evaluation volume per variation for one flag.
type EvaluationCount struct {
	VariationID string `json:"variation_id"`
	Reason      string `json:"reason"`
	Count       int64  `json:"count"`
}

// CountEvaluations returns per-variation evaluation counts for a flag within
// the given time window.
func (r *PostgresRepository) CountEvaluations(ctx context.Context, environmentID, flagKey string, since time.Time) ([]EvaluationCount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT variation_id, reason, COUNT(*)
		FROM evaluation_events
		WHERE environment_id = $1 AND flag_key = $2 AND occurred_at >= $3
		GROUP BY variation_id, reason
		ORDER BY variation_id, reason
	`, environmentID, flagKey, since)
	if err != nil {
		return nil, fmt.Errorf("count evaluations: %w", err)
	}
	defer rows.Close()

	counts := make([]EvaluationCount, 0)
	for rows.Next() {
		var c EvaluationCount
		if err := rows.Scan(&c.VariationID, &c.Reason, &c.Count); err != nil {
			return nil, fmt.Errorf("scan evaluation count: %w", err)
		}
		counts = append(counts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count evaluations rows: %w", err)
	}

	return counts, nil
}
