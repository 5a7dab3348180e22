package repository

import (
	"context"
	"fmt"
)

// CreateProject inserts a new project.
func (r *PostgresRepository) CreateProject(ctx context.Context, name, description string) (Project, error) {
	var p Project
	err := r.pool.QueryRow(ctx, `
		INSERT INTO projects (name, description)
		VALUES ($1, $2)
		RETURNING id, name, description, created_at, updated_at
	`, name, description).Scan(
		&p.ID,
		&p.Name,
		&p.Description,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return Project{}, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects ordered by name.
func (r *PostgresRepository) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, description, created_at, updated_at FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := make([]Project, 0)
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projects rows: %w", err)
	}

	return projects, nil
}

// GetProject retrieves a project by ID.
func (r *PostgresRepository) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM projects
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// CreateEnvironment inserts a new environment under a project.
func (r *PostgresRepository) CreateEnvironment(ctx context.Context, projectID, name string) (Environment, error) {
	var e Environment
	err := r.pool.QueryRow(ctx, `
		INSERT INTO environments (project_id, name)
		VALUES ($1, $2)
		RETURNING id, project_id, name, created_at, updated_at
	`, projectID, name).Scan(
		&e.ID,
		&e.ProjectID,
		&e.Name,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return Environment{}, fmt.Errorf("create environment: %w", err)
	}
	return e, nil
}

// GetEnvironment retrieves an environment by ID.
func (r *PostgresRepository) GetEnvironment(ctx context.Context, id string) (Environment, error) {
	var e Environment
	err := r.pool.QueryRow(ctx, `
		SELECT id, project_id, name, created_at, updated_at
		FROM environments
		WHERE id = $1
	`, id).Scan(&e.ID, &e.ProjectID, &e.Name, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return Environment{}, fmt.Errorf("get environment: %w", err)
	}
	return e, nil
}

// ListEnvironments returns all environments for a project ordered by name.
func (r *PostgresRepository) ListEnvironments(ctx context.Context, projectID string) ([]Environment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, name, created_at, updated_at
		FROM environments
		WHERE project_id = $1
		ORDER BY name
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	environments := make([]Environment, 0)
	for rows.Next() {
		var e Environment
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Name, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		environments = append(environments, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list environments rows: %w", err)
	}

	return environments, nil
}

// EnvironmentIDs returns the IDs of every environment, used by cache nodes
// to prime and resync their stores.
func (r *PostgresRepository) EnvironmentIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM environments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list environment ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan environment id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list environment ids rows: %w", err)
	}

	return ids, nil
}
