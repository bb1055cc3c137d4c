package providers

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/vespid/pkg/llm"
	"github.com/vespid-ai/vespid/pkg/models"
	"github.com/vespid-ai/vespid/pkg/secrets"
	"github.com/vespid-ai/vespid/pkg/store"
	"github.com/vespid-ai/vespid/pkg/workflow"
)

type fakeSecretSource struct {
	secrets map[string]*models.Secret
}

func (f *fakeSecretSource) GetSecret(_ context.Context, orgID, connectorID, name string) (*models.Secret, error) {
	s, ok := f.secrets[orgID+"/"+connectorID+"/"+name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func testKeyring(t *testing.T) *secrets.Keyring {
	t.Helper()
	k, err := secrets.NewKeyring("kek-1", map[string][]byte{
		"kek-1": bytes.Repeat([]byte{0x01}, 32),
	})
	require.NoError(t, err)
	return k
}

func TestNewFactory(t *testing.T) {
	t.Run("resolves an api key from a sealed secret", func(t *testing.T) {
		keyring := testKeyring(t)
		ct, kekID, err := keyring.Seal([]byte("sk-test"))
		require.NoError(t, err)

		source := &fakeSecretSource{secrets: map[string]*models.Secret{
			"org-1/llm/openai-key": {Ciphertext: ct, KEKID: kekID},
		}}
		factory := NewFactory(source, keyring)

		provider, err := factory(context.Background(), "org-1", workflow.ProviderConfig{
			Provider:   llm.ProviderOpenAI,
			SecretName: "openai-key",
		})
		require.NoError(t, err)
		assert.NotNil(t, provider)
	})

	t.Run("secret reference without a keyring fails", func(t *testing.T) {
		factory := NewFactory(&fakeSecretSource{}, nil)

		_, err := factory(context.Background(), "org-1", workflow.ProviderConfig{
			Provider:   llm.ProviderAnthropic,
			SecretName: "missing",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no keyring")
	})

	t.Run("unknown secret fails", func(t *testing.T) {
		factory := NewFactory(&fakeSecretSource{}, testKeyring(t))

		_, err := factory(context.Background(), "org-1", workflow.ProviderConfig{
			Provider:   llm.ProviderOpenAI,
			SecretName: "ghost",
		})
		assert.Error(t, err)
	})

	t.Run("falls back to the environment key", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "sk-env")
		factory := NewFactory(&fakeSecretSource{}, nil)

		provider, err := factory(context.Background(), "org-1", workflow.ProviderConfig{
			Provider: llm.ProviderAnthropic,
		})
		require.NoError(t, err)
		assert.NotNil(t, provider)
	})

	t.Run("defaults to openai when the node names no provider", func(t *testing.T) {
		factory := NewFactory(&fakeSecretSource{}, nil)

		provider, err := factory(context.Background(), "org-1", workflow.ProviderConfig{})
		require.NoError(t, err)
		assert.NotNil(t, provider)
	})

	t.Run("unknown provider fails", func(t *testing.T) {
		factory := NewFactory(&fakeSecretSource{}, nil)

		_, err := factory(context.Background(), "org-1", workflow.ProviderConfig{
			Provider: "cohere",
		})
		assert.Error(t, err)
	})
}
