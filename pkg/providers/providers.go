// Package providers resolves per-node LLM provider configuration into live
// llm.Provider clients. API keys come from sealed org secrets when the node
// names one, otherwise from <PROVIDER>_API_KEY in the environment.
package providers

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/vespid-ai/vespid/pkg/llm"
	"github.com/vespid-ai/vespid/pkg/models"
	"github.com/vespid-ai/vespid/pkg/secrets"
	"github.com/vespid-ai/vespid/pkg/workflow"
)

// llmConnectorID scopes provider API keys in the secrets table.
const llmConnectorID = "llm"

// SecretSource loads sealed secrets within an org scope. *store.Store
// satisfies it.
type SecretSource interface {
	GetSecret(ctx context.Context, orgID, connectorID, name string) (*models.Secret, error)
}

// NewFactory builds the ProviderFactory the workflow engine and session core
// call per invocation. keyring may be nil; secret references then fail with
// an explicit error instead of a bad decrypt.
func NewFactory(source SecretSource, keyring *secrets.Keyring) workflow.ProviderFactory {
	return func(ctx context.Context, orgID string, pc workflow.ProviderConfig) (llm.Provider, error) {
		cfg := llm.Config{
			Provider: pc.Provider,
			BaseURL:  pc.APIBaseURL,
			Project:  pc.Project,
			Region:   pc.Region,
		}
		if cfg.Provider == "" {
			cfg.Provider = llm.ProviderOpenAI
		}

		if pc.SecretName != "" {
			if keyring == nil {
				return nil, fmt.Errorf("provider references secret %q but no keyring is configured", pc.SecretName)
			}
			secret, err := source.GetSecret(ctx, orgID, llmConnectorID, pc.SecretName)
			if err != nil {
				return nil, fmt.Errorf("failed to load provider secret %q: %w", pc.SecretName, err)
			}
			key, err := keyring.Open(secret.Ciphertext, secret.KEKID)
			if err != nil {
				return nil, fmt.Errorf("failed to unseal provider secret %q: %w", pc.SecretName, err)
			}
			cfg.APIKey = string(key)
		} else {
			cfg.APIKey = os.Getenv(strings.ToUpper(cfg.Provider) + "_API_KEY")
		}

		if cfg.Provider == llm.ProviderVertex {
			cfg.ClientID = os.Getenv("VERTEX_CLIENT_ID")
			cfg.ClientSecret = os.Getenv("VERTEX_CLIENT_SECRET")
			cfg.RefreshToken = os.Getenv("VERTEX_REFRESH_TOKEN")
		}
		return llm.New(cfg)
	}
}
