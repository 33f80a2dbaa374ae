package secret

import (
	"context"
	"errors"
	"strings"

	"github.com/caesium-cloud/lumen/internal/config"
)

// ErrNoCredentials is returned when neither the settings nor the process
// environment supply a provider API key.
var ErrNoCredentials = errors.New("no provider api key configured")

// APIKey picks the provider key for an execution: the settings' reference,
// then the settings' literal key, then fallback (usually LUMEN_PROVIDER_API_KEY).
// Any of them may itself be a secret:// reference.
func APIKey(ctx context.Context, resolver Resolver, creds *config.Credentials, fallback string) (string, error) {
	candidates := []string{fallback}
	if creds != nil {
		candidates = []string{creds.APIKeyRef, creds.APIKey, fallback}
	}

	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !IsRef(c) {
			return c, nil
		}
		if resolver == nil {
			return "", errors.New("secret reference configured but no resolver available")
		}
		return resolver.Resolve(ctx, c)
	}

	return "", ErrNoCredentials
}
