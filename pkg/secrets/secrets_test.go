package secrets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	k, err := NewKeyring("kek-1", map[string][]byte{
		"kek-1": bytes.Repeat([]byte{0x01}, 32),
		"kek-0": bytes.Repeat([]byte{0x02}, 32),
	})
	require.NoError(t, err)
	return k
}

func TestKeyring(t *testing.T) {
	t.Run("seal and open round-trip", func(t *testing.T) {
		k := testKeyring(t)

		ct, kekID, err := k.Seal([]byte("ghp_token_value"))
		require.NoError(t, err)
		assert.Equal(t, "kek-1", kekID)
		assert.NotContains(t, string(ct), "ghp_token_value")

		pt, err := k.Open(ct, kekID)
		require.NoError(t, err)
		assert.Equal(t, []byte("ghp_token_value"), pt)
	})

	t.Run("opens ciphertext from a rotated-out key", func(t *testing.T) {
		old, err := NewKeyring("kek-0", map[string][]byte{
			"kek-0": bytes.Repeat([]byte{0x02}, 32),
		})
		require.NoError(t, err)
		ct, kekID, err := old.Seal([]byte("legacy"))
		require.NoError(t, err)

		pt, err := testKeyring(t).Open(ct, kekID)
		require.NoError(t, err)
		assert.Equal(t, []byte("legacy"), pt)
	})

	t.Run("unknown kek id", func(t *testing.T) {
		k := testKeyring(t)
		ct, _, err := k.Seal([]byte("x"))
		require.NoError(t, err)

		_, err = k.Open(ct, "kek-9")
		assert.ErrorIs(t, err, ErrUnknownKEK)
	})

	t.Run("tampered ciphertext fails", func(t *testing.T) {
		k := testKeyring(t)
		ct, kekID, err := k.Seal([]byte("x"))
		require.NoError(t, err)

		ct[len(ct)-1] ^= 0xff
		_, err = k.Open(ct, kekID)
		assert.Error(t, err)
	})

	t.Run("rejects short keys", func(t *testing.T) {
		_, err := NewKeyring("k", map[string][]byte{"k": []byte("short")})
		assert.Error(t, err)
	})

	t.Run("active kek must exist", func(t *testing.T) {
		_, err := NewKeyring("missing", map[string][]byte{})
		assert.Error(t, err)
	})
}
