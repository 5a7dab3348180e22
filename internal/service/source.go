package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flagwire/flagwire/evaluation"
	"github.com/flagwire/flagwire/internal/store"
)

// SyncSource adapts the repository into the synchronizer's view of the
// system of record, decoding stored rows into evaluation form.
func (s *Service) SyncSource() store.Source {
	return &syncSource{repo: s.repo, log: s.log}
}

type syncSource struct {
	repo Repository
	log  *slog.Logger
}

// LoadEnvironment loads every flag and segment in an environment. A row
// that fails to decode is skipped with a warning rather than failing the
// whole resync; serving the rest of the environment beats serving nothing.
func (s *syncSource) LoadEnvironment(ctx context.Context, environmentID string) ([]evaluation.Flag, evaluation.Segments, error) {
	rows, err := s.repo.ListFlags(ctx, environmentID)
	if err != nil {
		return nil, nil, fmt.Errorf("list flags: %w", err)
	}

	flags := make([]evaluation.Flag, 0, len(rows))
	for _, row := range rows {
		flag, err := decodeFlag(row)
		if err != nil {
			s.log.Warn("skip undecodable flag", "environment_id", environmentID, "flag_key", row.Key, "error", err)
			continue
		}
		flags = append(flags, flag)
	}

	segmentRows, err := s.repo.ListSegments(ctx, environmentID)
	if err != nil {
		return nil, nil, fmt.Errorf("list segments: %w", err)
	}
	segments := make(evaluation.Segments, len(segmentRows))
	for _, row := range segmentRows {
		segment, err := decodeSegment(row)
		if err != nil {
			s.log.Warn("skip undecodable segment", "environment_id", environmentID, "segment_key", row.Key, "error", err)
			continue
		}
		segments[row.Key] = segment
	}

	return flags, segments, nil
}

func (s *syncSource) LoadFlag(ctx context.Context, environmentID, flagKey string) (evaluation.Flag, error) {
	row, err := s.repo.GetFlag(ctx, environmentID, flagKey)
	if err != nil {
		return evaluation.Flag{}, fmt.Errorf("get flag: %w", err)
	}
	return decodeFlag(row)
}

func (s *syncSource) EnvironmentIDs(ctx context.Context) ([]string, error) {
	return s.repo.EnvironmentIDs(ctx)
}

func (s *syncSource) SubscribeChanges(ctx context.Context) (<-chan store.Change, error) {
	return s.repo.SubscribeChanges(ctx)
}
