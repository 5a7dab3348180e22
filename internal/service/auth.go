package service

import (
	"context"
	"errors"
	"strings"

	"github.com/flagwire/flagwire/internal/middleware"
)

var errInvalidAPIKey = errors.New("invalid api key")

// ValidateToken checks an API key token of the form "keyID.secret" against
// the stored bcrypt hash and returns the environment ID the key is scoped
// to. It satisfies middleware.TokenValidator.
func (s *Service) ValidateToken(ctx context.Context, token string) (string, error) {
	keyID, secret, ok := strings.Cut(token, ".")
	if !ok || keyID == "" || secret == "" {
		return "", errInvalidAPIKey
	}

	hash, environmentID, err := s.repo.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", errInvalidAPIKey
	}
	if !middleware.APIKeyMatchesHash(hash, secret) {
		return "", errInvalidAPIKey
	}

	return environmentID, nil
}
