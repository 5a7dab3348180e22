package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flagwire/flagwire/internal/repository"
)

// CreateProject creates a project.
func (s *Service) CreateProject(ctx context.Context, name, description string) (repository.Project, error) {
	if strings.TrimSpace(name) == "" {
		return repository.Project{}, fmt.Errorf("%w: project name is required", ErrInvalidPayload)
	}

	project, err := s.repo.CreateProject(ctx, name, description)
	if err != nil {
		return repository.Project{}, fmt.Errorf("create project: %w", err)
	}
	return project, nil
}

// ListProjects returns all projects.
func (s *Service) ListProjects(ctx context.Context) ([]repository.Project, error) {
	projects, err := s.repo.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// GetProject returns one project.
func (s *Service) GetProject(ctx context.Context, id string) (repository.Project, error) {
	project, err := s.repo.GetProject(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Project{}, ErrProjectNotFound
		}
		return repository.Project{}, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

// CreateEnvironment creates an environment under a project.
func (s *Service) CreateEnvironment(ctx context.Context, projectID, name string) (repository.Environment, error) {
	if strings.TrimSpace(name) == "" {
		return repository.Environment{}, fmt.Errorf("%w: environment name is required", ErrInvalidPayload)
	}
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return repository.Environment{}, err
	}

	environment, err := s.repo.CreateEnvironment(ctx, projectID, name)
	if err != nil {
		return repository.Environment{}, fmt.Errorf("create environment: %w", err)
	}
	return environment, nil
}

// GetEnvironment returns one environment.
func (s *Service) GetEnvironment(ctx context.Context, id string) (repository.Environment, error) {
	environment, err := s.repo.GetEnvironment(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Environment{}, ErrEnvironmentNotFound
		}
		return repository.Environment{}, fmt.Errorf("get environment: %w", err)
	}
	return environment, nil
}

// ListEnvironments returns a project's environments.
func (s *Service) ListEnvironments(ctx context.Context, projectID string) ([]repository.Environment, error) {
	environments, err := s.repo.ListEnvironments(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	return environments, nil
}

// CreateAPIKey mints a key for an environment and returns the bearer token
// in id.secret form. The secret is never stored or shown again.
func (s *Service) CreateAPIKey(ctx context.Context, environmentID, name string) (string, error) {
	if _, err := s.GetEnvironment(ctx, environmentID); err != nil {
		return "", err
	}

	id, secret, err := s.repo.CreateAPIKey(ctx, environmentID, name)
	if err != nil {
		return "", fmt.Errorf("create api key: %w", err)
	}
	return id + "." + secret, nil
}

// ListAPIKeys returns key metadata for an environment.
func (s *Service) ListAPIKeys(ctx context.Context, environmentID string) ([]repository.APIKeyMeta, error) {
	keys, err := s.repo.ListAPIKeys(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// DeleteAPIKey revokes a key.
func (s *Service) DeleteAPIKey(ctx context.Context, environmentID, keyID string) error {
	if err := s.repo.DeleteAPIKey(ctx, environmentID, keyID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAPIKeyNotFound
		}
		return fmt.Errorf("delete api key: %w", err)
	}
	return nil
}

// ListAuditLog returns audit entries for an environment, newest first.
func (s *Service) ListAuditLog(ctx context.Context, environmentID string, limit, offset int) ([]repository.AuditLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	entries, err := s.repo.ListAuditLog(ctx, environmentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	return entries, nil
}

// FlagStats returns per-variation evaluation counts for a flag over the
// trailing window.
func (s *Service) FlagStats(ctx context.Context, environmentID, flagKey string, window time.Duration) ([]repository.EvaluationCount, error) {
	if strings.TrimSpace(flagKey) == "" {
		return nil, fmt.Errorf("%w: flag key is required", ErrInvalidPayload)
	}
	if window <= 0 {
		window = 24 * time.Hour
	}

	counts, err := s.repo.CountEvaluations(ctx, environmentID, flagKey, time.Now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("flag stats: %w", err)
	}
	return counts, nil
}
