package service

import (
	"encoding/json"
	"fmt"

	"github.com/flagwire/flagwire/evaluation"
	"github.com/flagwire/flagwire/internal/repository"
)

// decodeFlag turns a stored flag row into its evaluation form. The JSONB
// columns are authored through the API, so a decode failure here means the
// row predates a schema change or was written out of band.
func decodeFlag(row repository.Flag) (evaluation.Flag, error) {
	flag := evaluation.Flag{
		Key:       row.Key,
		Enabled:   row.Enabled,
		Version:   row.Version,
		UpdatedAt: row.UpdatedAt,
	}

	if len(row.DefaultValue) > 0 {
		if err := json.Unmarshal(row.DefaultValue, &flag.DefaultValue); err != nil {
			return evaluation.Flag{}, fmt.Errorf("%w: default value: %v", ErrInvalidPayload, err)
		}
	}
	if len(row.Variations) > 0 {
		if err := json.Unmarshal(row.Variations, &flag.Variations); err != nil {
			return evaluation.Flag{}, fmt.Errorf("%w: variations: %v", ErrInvalidPayload, err)
		}
	}
	if len(row.Rules) > 0 {
		if err := json.Unmarshal(row.Rules, &flag.Rules); err != nil {
			return evaluation.Flag{}, fmt.Errorf("%w: rules: %v", ErrInvalidPayload, err)
		}
	}
	if len(row.DefaultRollout) > 0 {
		var rollout evaluation.Rollout
		if err := json.Unmarshal(row.DefaultRollout, &rollout); err != nil {
			return evaluation.Flag{}, fmt.Errorf("%w: default rollout: %v", ErrInvalidPayload, err)
		}
		flag.DefaultRollout = &rollout
	}

	return flag, nil
}

// decodeSegment turns a stored segment row into its evaluation form.
func decodeSegment(row repository.Segment) (evaluation.Segment, error) {
	segment := evaluation.Segment{Key: row.Key}
	if len(row.Rules) > 0 {
		if err := json.Unmarshal(row.Rules, &segment.Rules); err != nil {
			return evaluation.Segment{}, fmt.Errorf("%w: segment rules: %v", ErrInvalidPayload, err)
		}
	}
	return segment, nil
}

func decodeSegments(rows []repository.Segment) (evaluation.Segments, error) {
	segments := make(evaluation.Segments, len(rows))
	for _, row := range rows {
		segment, err := decodeSegment(row)
		if err != nil {
			return nil, fmt.Errorf("segment %q: %w", row.Key, err)
		}
		segments[row.Key] = segment
	}
	return segments, nil
}
