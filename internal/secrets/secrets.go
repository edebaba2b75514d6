// Package secrets resolves per-tenant credentials and per-environment API keys.
// Callers re-resolve secrets at call time rather than caching them across a
// batch, so rotation mid-run takes effect immediately.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Store resolves named secrets within a project.
type Store interface {
	AccessSecret(ctx context.Context, project, name string) (string, error)
}

// PlatformKeyName is the conventional secret name for an environment's
// platform API key.
func PlatformKeyName(environment string) string {
	return "platform-api-key-" + environment
}

// ProviderCredentialsName is the conventional secret name for a provider's
// per-site credential document.
func ProviderCredentialsName(provider, siteID string) string {
	return fmt.Sprintf("%s-credentials-%s", provider, siteID)
}

// EnvStore resolves secrets from environment variables. The variable name is
// PREFIX_PROJECT_NAME with non-alphanumerics folded to underscores.
type EnvStore struct {
	prefix string
}

// NewEnvStore constructs an environment-backed store.
func NewEnvStore(prefix string) *EnvStore {
	if prefix == "" {
		prefix = "SECRET"
	}
	return &EnvStore{prefix: prefix}
}

// AccessSecret implements Store.
func (s *EnvStore) AccessSecret(_ context.Context, project, name string) (string, error) {
	key := fold(s.prefix) + "_" + fold(project) + "_" + fold(name)
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("secrets: %s not set", key)
	}
	return value, nil
}

func fold(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
