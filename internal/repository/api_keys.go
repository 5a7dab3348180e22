package repository

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// CreateAPIKey generates a new API key for the given environment, storing a
// bcrypt hash of the secret. The raw secret is returned exactly once; it
// cannot be retrieved later.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, environmentID, name string) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	if name == "" {
		name = "api-key-" + keyID[:8]
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, environment_id, name, key_hash)
		VALUES ($1, $2, $3, $4)
	`, keyID, environmentID, name, string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ValidateAPIKey returns the stored hash and environment ID for a
// non-revoked key ID. Callers verify the secret against the hash outside
// this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, string, error) {
	var keyHash string
	var environmentID string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash, environment_id
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash, &environmentID); err != nil {
		return "", "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, environmentID, nil
}

// ListAPIKeys returns metadata for all non-revoked API keys belonging to the
// given environment. Secrets are never included.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context, environmentID string) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, environment_id, name, created_at
		FROM api_keys
		WHERE environment_id = $1 AND revoked_at IS NULL
		ORDER BY created_at
	`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKeyMeta, 0)
	for rows.Next() {
		var k APIKeyMeta
		if err := rows.Scan(&k.ID, &k.EnvironmentID, &k.Name, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// DeleteAPIKey soft-deletes an API key by setting its revoked_at timestamp.
// Returns pgx.ErrNoRows (wrapped) if the key does not exist or is already
// revoked.
func (r *PostgresRepository) DeleteAPIKey(ctx context.Context, environmentID, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND environment_id = $2 AND revoked_at IS NULL
	`, keyID, environmentID)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}

	return noRows(commandTag, "delete api key")
}
