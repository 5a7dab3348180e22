package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const segmentColumns = `environment_id, key, description, rules, created_at, updated_at`

func scanSegment(row pgx.Row) (Segment, error) {
	var segment Segment
	err := row.Scan(
		&segment.EnvironmentID,
		&segment.Key,
		&segment.Description,
		&segment.Rules,
		&segment.CreatedAt,
		&segment.UpdatedAt,
	)
	return segment, err
}

// CreateSegment inserts a new segment row.
func (r *PostgresRepository) CreateSegment(ctx context.Context, segment Segment) (Segment, error) {
	created, err := scanSegment(r.pool.QueryRow(ctx, `
		INSERT INTO segments (environment_id, key, description, rules)
		VALUES ($1, $2, $3, $4)
		RETURNING `+segmentColumns,
		segment.EnvironmentID,
		segment.Key,
		segment.Description,
		ensureJSON(segment.Rules, "[]"),
	))
	if err != nil {
		return Segment{}, fmt.Errorf("create segment: %w", err)
	}

	return created, nil
}

// UpdateSegment updates an existing segment. Returns pgx.ErrNoRows (wrapped)
// if the segment does not exist.
func (r *PostgresRepository) UpdateSegment(ctx context.Context, segment Segment) (Segment, error) {
	updated, err := scanSegment(r.pool.QueryRow(ctx, `
		UPDATE segments
		SET description = $3,
		    rules = $4,
		    updated_at = NOW()
		WHERE environment_id = $1 AND key = $2
		RETURNING `+segmentColumns,
		segment.EnvironmentID,
		segment.Key,
		segment.Description,
		ensureJSON(segment.Rules, "[]"),
	))
	if err != nil {
		return Segment{}, fmt.Errorf("update segment: %w", err)
	}

	return updated, nil
}

// GetSegment retrieves a single segment by environment and key.
func (r *PostgresRepository) GetSegment(ctx context.Context, environmentID, key string) (Segment, error) {
	segment, err := scanSegment(r.pool.QueryRow(ctx, `
		SELECT `+segmentColumns+`
		FROM segments
		WHERE environment_id = $1 AND key = $2
	`, environmentID, key))
	if err != nil {
		return Segment{}, fmt.Errorf("get segment: %w", err)
	}

	return segment, nil
}

// ListSegments returns all segments in an environment ordered by key.
func (r *PostgresRepository) ListSegments(ctx context.Context, environmentID string) ([]Segment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+segmentColumns+`
		FROM segments
		WHERE environment_id = $1
		ORDER BY key
	`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	segments := make([]Segment, 0)
	for rows.Next() {
		segment, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		segments = append(segments, segment)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list segments rows: %w", err)
	}

	return segments, nil
}

// DeleteSegment removes a segment. Returns pgx.ErrNoRows (wrapped) if the
// segment does not exist.
func (r *PostgresRepository) DeleteSegment(ctx context.Context, environmentID, key string) error {
	commandTag, err := r.pool.Exec(ctx, `
		DELETE FROM segments WHERE environment_id = $1 AND key = $2
	`, environmentID, key)
	if err != nil {
		return fmt.Errorf("delete segment: %w", err)
	}

	return noRows(commandTag, "delete segment")
}
