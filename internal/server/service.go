package server

import (
	"context"
	"time"

	"github.com/flagwire/flagwire/evaluation"
	"github.com/flagwire/flagwire/internal/repository"
	"github.com/flagwire/flagwire/internal/service"
)

// Service is the surface of the flag service the HTTP handlers consume.
type Service interface {
	Evaluate(ctx context.Context, environmentID, flagKey string, evalCtx evaluation.Context) (evaluation.Result, error)
	EvaluateAll(ctx context.Context, environmentID string, evalCtx evaluation.Context) (map[string]evaluation.Result, error)

	CreateFlag(ctx context.Context, row repository.Flag, actor string) (repository.Flag, error)
	UpdateFlag(ctx context.Context, row repository.Flag, actor string) (repository.Flag, error)
	GetFlag(ctx context.Context, environmentID, key string) (repository.Flag, error)
	ListFlags(ctx context.Context, environmentID string) ([]repository.Flag, error)
	DeleteFlag(ctx context.Context, environmentID, key, actor string) error

	CreateSegment(ctx context.Context, row repository.Segment, actor string) (repository.Segment, error)
	UpdateSegment(ctx context.Context, row repository.Segment, actor string) (repository.Segment, error)
	GetSegment(ctx context.Context, environmentID, key string) (repository.Segment, error)
	ListSegments(ctx context.Context, environmentID string) ([]repository.Segment, error)
	DeleteSegment(ctx context.Context, environmentID, key, actor string) error

	CreateProject(ctx context.Context, name, description string) (repository.Project, error)
	ListProjects(ctx context.Context) ([]repository.Project, error)
	GetProject(ctx context.Context, id string) (repository.Project, error)
	CreateEnvironment(ctx context.Context, projectID, name string) (repository.Environment, error)
	GetEnvironment(ctx context.Context, id string) (repository.Environment, error)
	ListEnvironments(ctx context.Context, projectID string) ([]repository.Environment, error)

	CreateAPIKey(ctx context.Context, environmentID, name string) (string, error)
	ListAPIKeys(ctx context.Context, environmentID string) ([]repository.APIKeyMeta, error)
	DeleteAPIKey(ctx context.Context, environmentID, keyID string) error

	ListEventsSince(ctx context.Context, environmentID string, eventID int64) ([]repository.FlagEvent, error)
	ListAuditLog(ctx context.Context, environmentID string, limit, offset int) ([]repository.AuditLogEntry, error)
	FlagStats(ctx context.Context, environmentID, flagKey string, window time.Duration) ([]repository.EvaluationCount, error)
}

var _ Service = (*service.Service)(nil)
