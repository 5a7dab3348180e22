// Package service orchestrates flag management and evaluation: it validates
// mutations, keeps the in-memory store in step with committed writes, and
// publishes change events that fan out to cache nodes and SSE streams.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flagwire/flagwire/evaluation"
	"github.com/flagwire/flagwire/internal/repository"
	"github.com/flagwire/flagwire/internal/store"
)

const (
	bestEffortTimeout  = 2 * time.Second
	readThroughTimeout = 5 * time.Second
)

// tracer returns the package tracer. With no exporter configured this is
// the global no-op provider, so spans cost almost nothing.
func tracer() trace.Tracer {
	return otel.Tracer("github.com/flagwire/flagwire/internal/service")
}

var (
	ErrFlagNotFound        = errors.New("flag not found")
	ErrSegmentNotFound     = errors.New("segment not found")
	ErrEnvironmentNotFound = errors.New("environment not found")
	ErrProjectNotFound     = errors.New("project not found")
	ErrAPIKeyNotFound      = errors.New("api key not found")
	ErrSegmentInUse        = errors.New("segment is referenced by other configuration")
	ErrInvalidPayload      = errors.New("invalid payload")
)

// Repository is the persistence surface the service depends on.
type Repository interface {
	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	GetFlag(ctx context.Context, environmentID, key string) (repository.Flag, error)
	ListFlags(ctx context.Context, environmentID string) ([]repository.Flag, error)
	DeleteFlag(ctx context.Context, environmentID, key string) (int64, error)

	CreateSegment(ctx context.Context, segment repository.Segment) (repository.Segment, error)
	UpdateSegment(ctx context.Context, segment repository.Segment) (repository.Segment, error)
	GetSegment(ctx context.Context, environmentID, key string) (repository.Segment, error)
	ListSegments(ctx context.Context, environmentID string) ([]repository.Segment, error)
	DeleteSegment(ctx context.Context, environmentID, key string) error

	CreateProject(ctx context.Context, name, description string) (repository.Project, error)
	ListProjects(ctx context.Context) ([]repository.Project, error)
	GetProject(ctx context.Context, id string) (repository.Project, error)
	CreateEnvironment(ctx context.Context, projectID, name string) (repository.Environment, error)
	GetEnvironment(ctx context.Context, id string) (repository.Environment, error)
	ListEnvironments(ctx context.Context, projectID string) ([]repository.Environment, error)
	EnvironmentIDs(ctx context.Context) ([]string, error)

	CreateAPIKey(ctx context.Context, environmentID, name string) (string, string, error)
	ValidateAPIKey(ctx context.Context, id string) (string, string, error)
	ListAPIKeys(ctx context.Context, environmentID string) ([]repository.APIKeyMeta, error)
	DeleteAPIKey(ctx context.Context, environmentID, keyID string) error

	PublishFlagEvent(ctx context.Context, event repository.FlagEvent) (repository.FlagEvent, error)
	ListEventsSince(ctx context.Context, environmentID string, eventID int64) ([]repository.FlagEvent, error)
	SubscribeChanges(ctx context.Context) (<-chan store.Change, error)

	InsertAuditLog(ctx context.Context, entry repository.AuditLogEntry) error
	ListAuditLog(ctx context.Context, environmentID string, limit, offset int) ([]repository.AuditLogEntry, error)
	CountEvaluations(ctx context.Context, environmentID, flagKey string, since time.Time) ([]repository.EvaluationCount, error)
}

// EvaluationRecorder receives one event per evaluation, off the hot path.
type EvaluationRecorder interface {
	Record(event repository.EvaluationEvent)
}

// Service coordinates the repository, the in-memory store, and the
// analytics sink.
type Service struct {
	repo     Repository
	store    *store.Store
	log      *slog.Logger
	recorder EvaluationRecorder
	onEval   func(reason string)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithAnalytics routes evaluation events into the given recorder.
func WithAnalytics(recorder EvaluationRecorder) Option {
	return func(s *Service) { s.recorder = recorder }
}

// WithEvaluationCounter registers a per-reason counter invoked on every
// evaluation served.
func WithEvaluationCounter(onEval func(reason string)) Option {
	return func(s *Service) { s.onEval = onEval }
}

// New creates a Service. The store is expected to be primed and kept in
// sync by a [store.Synchronizer] built from [Service.SyncSource].
func New(repo Repository, st *store.Store, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}
	if st == nil {
		return nil, errors.New("store is nil")
	}

	s := &Service{
		repo:  repo,
		store: st,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Evaluate resolves a single flag for a context, serving from the in-memory
// store and reading through to the repository on a cache miss. Stale
// entries are served as-is; the synchronizer repairs them in the
// background.
func (s *Service) Evaluate(ctx context.Context, environmentID, flagKey string, evalCtx evaluation.Context) (evaluation.Result, error) {
	if strings.TrimSpace(flagKey) == "" {
		return evaluation.Result{}, fmt.Errorf("%w: flag key is required", ErrInvalidPayload)
	}

	ctx, span := tracer().Start(ctx, "service.Evaluate", trace.WithAttributes(
		attribute.String("flag.key", flagKey),
		attribute.String("environment.id", environmentID),
	))
	defer span.End()

	flag, state := s.store.GetFlag(environmentID, flagKey)
	if state == store.StateAbsent || state == store.StateLoading {
		loaded, err := s.readThrough(ctx, environmentID, flagKey)
		if err != nil {
			return evaluation.Result{}, err
		}
		flag = loaded
	}

	result, err := evaluation.Evaluate(flag, s.store.Segments(environmentID), evalCtx)
	if err != nil {
		return evaluation.Result{}, err
	}
	span.SetAttributes(attribute.String("evaluation.reason", string(result.Reason)))

	s.recordEvaluation(environmentID, flagKey, evalCtx, result)
	return result, nil
}

// EvaluateAll resolves every flag in an environment for one context.
func (s *Service) EvaluateAll(ctx context.Context, environmentID string, evalCtx evaluation.Context) (map[string]evaluation.Result, error) {
	ctx, span := tracer().Start(ctx, "service.EvaluateAll", trace.WithAttributes(
		attribute.String("environment.id", environmentID),
	))
	defer span.End()

	flags, segments, ok := s.store.Environment(environmentID)
	if !ok {
		if err := s.loadEnvironment(ctx, environmentID); err != nil {
			return nil, err
		}
		flags, segments, _ = s.store.Environment(environmentID)
	}

	results := evaluation.EvaluateAll(flags, segments, evalCtx)
	for key, result := range results {
		s.recordEvaluation(environmentID, key, evalCtx, result)
	}
	return results, nil
}

// readThrough fetches one flag from the repository on a cache miss. The
// LOADING placeholder keeps concurrent misses from observing a half-loaded
// environment as a real deletion.
func (s *Service) readThrough(ctx context.Context, environmentID, flagKey string) (evaluation.Flag, error) {
	s.store.MarkLoading(environmentID, flagKey)

	loadCtx, cancel := context.WithTimeout(ctx, readThroughTimeout)
	defer cancel()

	row, err := s.repo.GetFlag(loadCtx, environmentID, flagKey)
	if err != nil {
		s.store.DropLoading(environmentID, flagKey)
		if errors.Is(err, pgx.ErrNoRows) {
			return evaluation.Flag{}, ErrFlagNotFound
		}
		return evaluation.Flag{}, fmt.Errorf("load flag %q: %w", flagKey, err)
	}

	flag, err := decodeFlag(row)
	if err != nil {
		s.store.DropLoading(environmentID, flagKey)
		return evaluation.Flag{}, fmt.Errorf("decode flag %q: %w", flagKey, err)
	}

	s.store.ApplyFlag(environmentID, flag)
	return flag, nil
}

func (s *Service) loadEnvironment(ctx context.Context, environmentID string) error {
	loadCtx, cancel := context.WithTimeout(ctx, readThroughTimeout)
	defer cancel()

	flags, segments, err := s.SyncSource().LoadEnvironment(loadCtx, environmentID)
	if err != nil {
		return fmt.Errorf("load environment %q: %w", environmentID, err)
	}
	s.store.ReplaceEnvironment(environmentID, flags, segments)
	return nil
}

func (s *Service) recordEvaluation(environmentID, flagKey string, evalCtx evaluation.Context, result evaluation.Result) {
	if s.onEval != nil {
		s.onEval(string(result.Reason))
	}
	if s.recorder == nil {
		return
	}
	value, err := json.Marshal(result.Value)
	if err != nil {
		value = json.RawMessage("null")
	}
	s.recorder.Record(repository.EvaluationEvent{
		EnvironmentID: environmentID,
		FlagKey:       flagKey,
		ContextKey:    evalCtx.Key,
		VariationID:   result.VariationID,
		Value:         value,
		Reason:        string(result.Reason),
		FlagVersion:   result.FlagVersion,
	})
}

// CreateFlag validates and persists a new flag, then propagates it to the
// store and the event stream.
func (s *Service) CreateFlag(ctx context.Context, row repository.Flag, actor string) (repository.Flag, error) {
	flag, err := s.validateFlagRow(ctx, row)
	if err != nil {
		return repository.Flag{}, err
	}

	created, err := s.repo.CreateFlag(ctx, row)
	if err != nil {
		return repository.Flag{}, fmt.Errorf("create flag: %w", err)
	}

	flag.Version = created.Version
	flag.UpdatedAt = created.UpdatedAt
	s.store.ApplyFlag(created.EnvironmentID, flag)
	s.publishEventBestEffort(ctx, repository.EventFlagCreated, created)
	s.auditBestEffort(ctx, created.EnvironmentID, actor, "flag.create", created.Key, created)

	return created, nil
}

// UpdateFlag validates and persists a flag update. The repository bumps the
// version; the store applies the result under the monotonic rule.
func (s *Service) UpdateFlag(ctx context.Context, row repository.Flag, actor string) (repository.Flag, error) {
	flag, err := s.validateFlagRow(ctx, row)
	if err != nil {
		return repository.Flag{}, err
	}

	updated, err := s.repo.UpdateFlag(ctx, row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Flag{}, ErrFlagNotFound
		}
		return repository.Flag{}, fmt.Errorf("update flag: %w", err)
	}

	flag.Version = updated.Version
	flag.UpdatedAt = updated.UpdatedAt
	s.store.ApplyFlag(updated.EnvironmentID, flag)
	s.publishEventBestEffort(ctx, repository.EventFlagUpdated, updated)
	s.auditBestEffort(ctx, updated.EnvironmentID, actor, "flag.update", updated.Key, updated)

	return updated, nil
}

// GetFlag returns the authoritative flag row, bypassing the cache so
// management reads always see the latest committed write.
func (s *Service) GetFlag(ctx context.Context, environmentID, key string) (repository.Flag, error) {
	if strings.TrimSpace(key) == "" {
		return repository.Flag{}, fmt.Errorf("%w: flag key is required", ErrInvalidPayload)
	}

	row, err := s.repo.GetFlag(ctx, environmentID, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Flag{}, ErrFlagNotFound
		}
		return repository.Flag{}, fmt.Errorf("get flag: %w", err)
	}
	return row, nil
}

// ListFlags returns all flags in an environment.
func (s *Service) ListFlags(ctx context.Context, environmentID string) ([]repository.Flag, error) {
	flags, err := s.repo.ListFlags(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	return flags, nil
}

// DeleteFlag removes a flag and publishes a tombstone event one version
// past the deleted row, so caches holding the final version still evict.
func (s *Service) DeleteFlag(ctx context.Context, environmentID, key, actor string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: flag key is required", ErrInvalidPayload)
	}

	version, err := s.repo.DeleteFlag(ctx, environmentID, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrFlagNotFound
		}
		return fmt.Errorf("delete flag: %w", err)
	}

	tombstone := version + 1
	s.store.DeleteFlag(environmentID, key, tombstone)
	s.publishEventBestEffort(ctx, repository.EventFlagDeleted, repository.Flag{
		EnvironmentID: environmentID,
		Key:           key,
		Version:       tombstone,
	})
	s.auditBestEffort(ctx, environmentID, actor, "flag.delete", key, nil)

	return nil
}

// ListEventsSince returns the event log tail for SSE catch-up.
func (s *Service) ListEventsSince(ctx context.Context, environmentID string, eventID int64) ([]repository.FlagEvent, error) {
	events, err := s.repo.ListEventsSince(ctx, environmentID, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}
	return events, nil
}

// validateFlagRow decodes the incoming row, checks it against the
// configuration rules, and verifies referenced segments exist in the
// environment. Returns the decoded evaluation form for store application.
func (s *Service) validateFlagRow(ctx context.Context, row repository.Flag) (evaluation.Flag, error) {
	if strings.TrimSpace(row.EnvironmentID) == "" {
		return evaluation.Flag{}, fmt.Errorf("%w: environment id is required", ErrInvalidPayload)
	}

	flag, err := decodeFlag(row)
	if err != nil {
		return evaluation.Flag{}, err
	}
	if err := evaluation.ValidateFlag(flag); err != nil {
		return evaluation.Flag{}, err
	}

	refs := evaluation.SegmentRefs(flag.Rules)
	if len(refs) == 0 {
		return flag, nil
	}

	rows, err := s.repo.ListSegments(ctx, row.EnvironmentID)
	if err != nil {
		return evaluation.Flag{}, fmt.Errorf("list segments: %w", err)
	}
	known := make(map[string]bool, len(rows))
	for _, segment := range rows {
		known[segment.Key] = true
	}
	for _, ref := range refs {
		if !known[ref] {
			return evaluation.Flag{}, fmt.Errorf("%w: rule references unknown segment %q", ErrSegmentNotFound, ref)
		}
	}

	return flag, nil
}

// publishEventBestEffort records the change in the event log after the
// mutation has committed. A publish failure costs push freshness, not
// correctness: the periodic resync still converges every cache.
func (s *Service) publishEventBestEffort(ctx context.Context, eventType string, row repository.Flag) {
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	payload, err := json.Marshal(row)
	if err != nil {
		s.log.Warn("marshal flag event payload failed", "flag_key", row.Key, "error", err)
		return
	}

	if _, err := s.repo.PublishFlagEvent(publishCtx, repository.FlagEvent{
		EnvironmentID: row.EnvironmentID,
		FlagKey:       row.Key,
		EventType:     eventType,
		Version:       row.Version,
		Payload:       payload,
	}); err != nil {
		s.log.Warn("publish flag event failed", "flag_key", row.Key, "event_type", eventType, "error", err)
	}
}

func (s *Service) publishSegmentsEventBestEffort(ctx context.Context, environmentID string) {
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	if _, err := s.repo.PublishFlagEvent(publishCtx, repository.FlagEvent{
		EnvironmentID: environmentID,
		EventType:     repository.EventSegmentsUpdated,
	}); err != nil {
		s.log.Warn("publish segments event failed", "environment_id", environmentID, "error", err)
	}
}

func (s *Service) auditBestEffort(ctx context.Context, environmentID, actor, action, flagKey string, details any) {
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	var payload json.RawMessage
	if details != nil {
		if serialized, err := json.Marshal(details); err == nil {
			payload = serialized
		}
	}

	if err := s.repo.InsertAuditLog(auditCtx, repository.AuditLogEntry{
		EnvironmentID: environmentID,
		APIKeyID:      actor,
		Action:        action,
		FlagKey:       flagKey,
		Details:       payload,
	}); err != nil {
		s.log.Warn("insert audit log failed", "action", action, "flag_key", flagKey, "error", err)
	}
}
