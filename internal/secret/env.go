package secret

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const providerEnv = "env"

// EnvResolver reads secret://env/<NAME> from the process environment. Path
// segments are joined with underscores, or ?name= overrides them.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

func NewEnvResolver() *EnvResolver {
	return &EnvResolver{lookup: os.LookupEnv}
}

func (r *EnvResolver) Resolve(_ context.Context, raw string) (string, error) {
	ref, err := ParseRef(raw)
	if err != nil {
		return "", err
	}
	if ref.Provider != providerEnv {
		return "", fmt.Errorf("env resolver cannot handle provider %q", ref.Provider)
	}

	name := strings.TrimSpace(ref.Query.Get("name"))
	if name == "" {
		name = strings.Join(ref.Segments, "_")
	}
	if name == "" {
		return "", fmt.Errorf("env secret requires a variable name")
	}

	value, ok := r.lookup(name)
	if !ok {
		return "", fmt.Errorf("environment variable %s not set", name)
	}

	return value, nil
}
