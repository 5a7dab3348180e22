package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/flagwire/flagwire/evaluation"
	"github.com/flagwire/flagwire/internal/repository"
)

// CreateSegment validates and persists a new segment. Cycle detection runs
// at write time against the environment's full segment set, so evaluation
// never has to cope with a committed cycle.
func (s *Service) CreateSegment(ctx context.Context, row repository.Segment, actor string) (repository.Segment, error) {
	segment, err := s.validateSegmentRow(ctx, row)
	if err != nil {
		return repository.Segment{}, err
	}

	created, err := s.repo.CreateSegment(ctx, row)
	if err != nil {
		return repository.Segment{}, fmt.Errorf("create segment: %w", err)
	}

	s.refreshStoreSegments(created.EnvironmentID, segment)
	s.publishSegmentsEventBestEffort(ctx, created.EnvironmentID)
	s.auditBestEffort(ctx, created.EnvironmentID, actor, "segment.create", "", created)

	return created, nil
}

// UpdateSegment validates and persists a segment change.
func (s *Service) UpdateSegment(ctx context.Context, row repository.Segment, actor string) (repository.Segment, error) {
	segment, err := s.validateSegmentRow(ctx, row)
	if err != nil {
		return repository.Segment{}, err
	}

	updated, err := s.repo.UpdateSegment(ctx, row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Segment{}, ErrSegmentNotFound
		}
		return repository.Segment{}, fmt.Errorf("update segment: %w", err)
	}

	s.refreshStoreSegments(updated.EnvironmentID, segment)
	s.publishSegmentsEventBestEffort(ctx, updated.EnvironmentID)
	s.auditBestEffort(ctx, updated.EnvironmentID, actor, "segment.update", "", updated)

	return updated, nil
}

// GetSegment returns the authoritative segment row.
func (s *Service) GetSegment(ctx context.Context, environmentID, key string) (repository.Segment, error) {
	if strings.TrimSpace(key) == "" {
		return repository.Segment{}, fmt.Errorf("%w: segment key is required", ErrInvalidPayload)
	}

	row, err := s.repo.GetSegment(ctx, environmentID, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Segment{}, ErrSegmentNotFound
		}
		return repository.Segment{}, fmt.Errorf("get segment: %w", err)
	}
	return row, nil
}

// ListSegments returns all segments in an environment.
func (s *Service) ListSegments(ctx context.Context, environmentID string) ([]repository.Segment, error) {
	rows, err := s.repo.ListSegments(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	return rows, nil
}

// DeleteSegment removes a segment after verifying nothing still references
// it: a dangling reference would degrade every evaluation that touches it.
func (s *Service) DeleteSegment(ctx context.Context, environmentID, key, actor string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: segment key is required", ErrInvalidPayload)
	}

	if err := s.checkSegmentUnused(ctx, environmentID, key); err != nil {
		return err
	}

	if err := s.repo.DeleteSegment(ctx, environmentID, key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSegmentNotFound
		}
		return fmt.Errorf("delete segment: %w", err)
	}

	s.refreshStoreSegmentsAfterDelete(environmentID, key)
	s.publishSegmentsEventBestEffort(ctx, environmentID)
	s.auditBestEffort(ctx, environmentID, actor, "segment.delete", "", map[string]string{"segment_key": key})

	return nil
}

// validateSegmentRow decodes and validates a segment, then runs cycle
// detection over the environment's segments with the candidate in place.
func (s *Service) validateSegmentRow(ctx context.Context, row repository.Segment) (evaluation.Segment, error) {
	if strings.TrimSpace(row.EnvironmentID) == "" {
		return evaluation.Segment{}, fmt.Errorf("%w: environment id is required", ErrInvalidPayload)
	}

	segment, err := decodeSegment(row)
	if err != nil {
		return evaluation.Segment{}, err
	}
	if err := evaluation.ValidateSegment(segment); err != nil {
		return evaluation.Segment{}, err
	}

	rows, err := s.repo.ListSegments(ctx, row.EnvironmentID)
	if err != nil {
		return evaluation.Segment{}, fmt.Errorf("list segments: %w", err)
	}
	segments, err := decodeSegments(rows)
	if err != nil {
		return evaluation.Segment{}, err
	}
	segments[segment.Key] = segment

	if err := evaluation.DetectSegmentCycles(segments); err != nil {
		return evaluation.Segment{}, err
	}

	return segment, nil
}

// checkSegmentUnused rejects deletion while other segments or flag rules
// reference the segment.
func (s *Service) checkSegmentUnused(ctx context.Context, environmentID, key string) error {
	rows, err := s.repo.ListSegments(ctx, environmentID)
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}
	for _, row := range rows {
		if row.Key == key {
			continue
		}
		segment, err := decodeSegment(row)
		if err != nil {
			continue
		}
		for _, ref := range evaluation.SegmentRefs(segment.Rules) {
			if ref == key {
				return fmt.Errorf("%w: segment %q references it", ErrSegmentInUse, row.Key)
			}
		}
	}

	flags, err := s.repo.ListFlags(ctx, environmentID)
	if err != nil {
		return fmt.Errorf("list flags: %w", err)
	}
	for _, row := range flags {
		flag, err := decodeFlag(row)
		if err != nil {
			continue
		}
		for _, ref := range evaluation.SegmentRefs(flag.Rules) {
			if ref == key {
				return fmt.Errorf("%w: flag %q references it", ErrSegmentInUse, row.Key)
			}
		}
	}

	return nil
}

// refreshStoreSegments applies a segment write to the local store without
// waiting for the round trip through the event stream.
func (s *Service) refreshStoreSegments(environmentID string, segment evaluation.Segment) {
	segments := s.store.Segments(environmentID)
	next := make(evaluation.Segments, len(segments)+1)
	for key, existing := range segments {
		next[key] = existing
	}
	next[segment.Key] = segment
	s.store.ReplaceSegments(environmentID, next)
}

func (s *Service) refreshStoreSegmentsAfterDelete(environmentID, key string) {
	segments := s.store.Segments(environmentID)
	next := make(evaluation.Segments, len(segments))
	for existingKey, existing := range segments {
		if existingKey == key {
			continue
		}
		next[existingKey] = existing
	}
	s.store.ReplaceSegments(environmentID, next)
}
