package secret

import (
	"context"
	"errors"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

const providerVault = "vault"

type vaultReader interface {
	ReadWithContext(ctx context.Context, path string) (*vault.Secret, error)
}

// VaultConfig describes how to reach a Vault cluster.
type VaultConfig struct {
	Address   string
	Token     string
	Namespace string
}

// VaultResolver reads secret://vault/<path>/<field> (or ?field=) from a
// KV v1 or v2 mount.
type VaultResolver struct {
	reader vaultReader
}

func NewVaultResolver(cfg VaultConfig) (*VaultResolver, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, errors.New("vault address is required")
	}

	client, err := vault.NewClient(&vault.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if token := strings.TrimSpace(cfg.Token); token != "" {
		client.SetToken(token)
	}
	if ns := strings.TrimSpace(cfg.Namespace); ns != "" {
		client.SetNamespace(ns)
	}

	return &VaultResolver{reader: client.Logical()}, nil
}

func newVaultResolver(reader vaultReader) *VaultResolver {
	return &VaultResolver{reader: reader}
}

func (r *VaultResolver) Resolve(ctx context.Context, raw string) (string, error) {
	ref, err := ParseRef(raw)
	if err != nil {
		return "", err
	}
	if ref.Provider != providerVault {
		return "", fmt.Errorf("vault resolver cannot handle provider %q", ref.Provider)
	}

	field := strings.TrimSpace(ref.Query.Get("field"))
	segments := append([]string(nil), ref.Segments...)
	if field == "" && len(segments) >= 2 {
		field = segments[len(segments)-1]
		segments = segments[:len(segments)-1]
	}

	path := strings.Join(segments, "/")
	switch {
	case path == "":
		return "", errors.New("vault secret missing path")
	case field == "":
		return "", fmt.Errorf("vault secret %s missing field", path)
	}

	sec, err := r.reader.ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("read vault secret %s: %w", path, err)
	}
	if sec == nil || sec.Data == nil {
		return "", fmt.Errorf("vault secret %s not found", path)
	}

	// KV v2 nests the payload under "data".
	if nested, ok := sec.Data["data"].(map[string]any); ok {
		if v, ok := nested[field]; ok {
			return fmt.Sprint(v), nil
		}
	}
	if v, ok := sec.Data[field]; ok {
		return fmt.Sprint(v), nil
	}

	return "", fmt.Errorf("vault secret %s missing field %s", path, field)
}
