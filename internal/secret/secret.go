// Package secret resolves provider credentials. A credential is either a
// literal value or a secret://<provider>/<path> reference that is looked up
// at execution time, so snapshots never need to carry the value itself.
package secret

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

const scheme = "secret"

var (
	ErrEmptyRef        = errors.New("secret reference is empty")
	ErrUnknownProvider = errors.New("secret provider not configured")
)

// Resolver turns a reference into its value.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Ref is a parsed secret:// URI.
type Ref struct {
	Provider string
	Path     string
	Segments []string
	Query    url.Values
}

// IsRef reports whether s looks like a secret:// reference rather than a
// literal credential.
func IsRef(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), scheme+"://")
}

// ParseRef parses a secret:// URI.
func ParseRef(raw string) (*Ref, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyRef
	}

	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse secret reference: %w", err)
	}
	if u.Scheme != scheme {
		return nil, fmt.Errorf("invalid secret scheme %q", u.Scheme)
	}

	provider := strings.ToLower(strings.TrimSpace(u.Host))
	if provider == "" {
		return nil, errors.New("secret reference missing provider")
	}

	ref := &Ref{
		Provider: provider,
		Path:     strings.Trim(u.Path, "/"),
		Query:    u.Query(),
	}
	if ref.Path != "" {
		ref.Segments = strings.Split(ref.Path, "/")
	}

	return ref, nil
}

// Registry dispatches references to the resolver registered for their
// provider.
type Registry struct {
	providers map[string]Resolver
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Resolver{}}
}

// Register associates a provider name with a resolver, replacing any
// previous one.
func (r *Registry) Register(provider string, resolver Resolver) {
	r.providers[strings.ToLower(strings.TrimSpace(provider))] = resolver
}

// Providers returns the registered provider names, sorted.
func (r *Registry) Providers() []string {
	keys := make([]string, 0, len(r.providers))
	for k := range r.providers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) Resolve(ctx context.Context, raw string) (string, error) {
	if r == nil {
		return "", errors.New("secret resolver is not configured")
	}

	ref, err := ParseRef(raw)
	if err != nil {
		return "", err
	}

	resolver, ok := r.providers[ref.Provider]
	if !ok || resolver == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, ref.Provider)
	}

	return resolver.Resolve(ctx, raw)
}

// Config selects the providers available to a Registry.
type Config struct {
	EnableEnv bool
	Vault     *VaultConfig
}

// NewConfiguredRegistry builds a Registry from cfg.
func NewConfiguredRegistry(cfg Config) (*Registry, error) {
	reg := NewRegistry()

	if cfg.EnableEnv {
		reg.Register(providerEnv, NewEnvResolver())
	}

	if cfg.Vault != nil && strings.TrimSpace(cfg.Vault.Address) != "" {
		resolver, err := NewVaultResolver(*cfg.Vault)
		if err != nil {
			return nil, err
		}
		reg.Register(providerVault, resolver)
	}

	return reg, nil
}
