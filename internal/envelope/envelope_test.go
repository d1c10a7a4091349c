package envelope

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// ENVELOPE UNIT TESTS
// ============================================================================

func TestProvider_SealOpen(t *testing.T) {
	provider, err := NewProvider("rsa-2025-01")
	require.NoError(t, err)
	assert.Equal(t, "rsa-2025-01", provider.KID())
	assert.True(t, provider.CanOpen())

	plaintext := []byte(`{"cookies":[{"name":"SID","value":"secret"}]}`)

	env, err := provider.Seal(plaintext)
	require.NoError(t, err)
	assert.Equal(t, "rsa-2025-01", env.KID)
	assert.NotEmpty(t, env.Ciphertext)
	assert.NotEmpty(t, env.Nonce)
	assert.NotEmpty(t, env.WrappedKey)

	// Ciphertext must not contain the plaintext
	raw, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")

	opened, err := provider.Open(env)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestProvider_FreshKeyPerSeal(t *testing.T) {
	provider, err := NewProvider("rsa-2025-01")
	require.NoError(t, err)

	plaintext := []byte("same payload twice")

	env1, err := provider.Seal(plaintext)
	require.NoError(t, err)
	env2, err := provider.Seal(plaintext)
	require.NoError(t, err)

	// Fresh data key and nonce per call: everything random differs
	assert.NotEqual(t, env1.Nonce, env2.Nonce)
	assert.NotEqual(t, env1.WrappedKey, env2.WrappedKey)
	assert.NotEqual(t, env1.Ciphertext, env2.Ciphertext)
}

func TestProvider_KIDMismatch(t *testing.T) {
	provider, err := NewProvider("rsa-2025-01")
	require.NoError(t, err)

	env, err := provider.Seal([]byte("payload"))
	require.NoError(t, err)

	env.KID = "rsa-2024-12"
	_, err = provider.Open(env)
	require.Error(t, err)
	assert.Equal(t, KindKIDMismatch, KindOf(err))
}

func TestSealOnlyProvider(t *testing.T) {
	full, err := NewProvider("rsa-2025-01")
	require.NoError(t, err)

	pemStr, err := full.PublicKeyPEM()
	require.NoError(t, err)

	sealOnly, err := NewSealOnlyProvider("rsa-2025-01", []byte(pemStr))
	require.NoError(t, err)
	assert.False(t, sealOnly.CanOpen())

	plaintext := []byte("client-sealed payload")
	env, err := sealOnly.Seal(plaintext)
	require.NoError(t, err)

	// The seal-only side cannot open its own envelopes
	_, err = sealOnly.Open(env)
	require.Error(t, err)
	assert.Equal(t, KindKeyMissing, KindOf(err))

	// The holder of the private key can
	opened, err := full.Open(env)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestProvider_TamperedCiphertext(t *testing.T) {
	provider, err := NewProvider("rsa-2025-01")
	require.NoError(t, err)

	env, err := provider.Seal([]byte("payload"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	require.NoError(t, err)
	raw[0] ^= 0xFF
	env.Ciphertext = base64.StdEncoding.EncodeToString(raw)

	_, err = provider.Open(env)
	require.Error(t, err)
	assert.Equal(t, KindDecryptFailed, KindOf(err))
}

func TestProvider_MalformedBase64(t *testing.T) {
	provider, err := NewProvider("rsa-2025-01")
	require.NoError(t, err)

	env, err := provider.Seal([]byte("payload"))
	require.NoError(t, err)

	env.Nonce = "!!! not base64 !!!"
	_, err = provider.Open(env)
	require.Error(t, err)
	assert.Equal(t, KindParseFailed, KindOf(err))
}

func TestNewProviderFromPrivatePEM(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tests := []struct {
		name string
		pem  []byte
	}{
		{
			"PKCS1",
			pem.EncodeToMemory(&pem.Block{
				Type:  "RSA PRIVATE KEY",
				Bytes: x509.MarshalPKCS1PrivateKey(priv),
			}),
		},
		{
			"PKCS8",
			func() []byte {
				der, err := x509.MarshalPKCS8PrivateKey(priv)
				require.NoError(t, err)
				return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewProviderFromPrivatePEM("rsa-2025-01", tt.pem)
			require.NoError(t, err)
			assert.True(t, provider.CanOpen())

			env, err := provider.Seal([]byte("round trip"))
			require.NoError(t, err)
			opened, err := provider.Open(env)
			require.NoError(t, err)
			assert.Equal(t, []byte("round trip"), opened)
		})
	}
}

func TestNewProviderFromPrivatePEM_Garbage(t *testing.T) {
	_, err := NewProviderFromPrivatePEM("rsa-2025-01", []byte("not a pem"))
	require.Error(t, err)
	assert.Equal(t, KindParseFailed, KindOf(err))
}

func TestProvider_PublicKeyPEM(t *testing.T) {
	provider, err := NewProvider("rsa-2025-01")
	require.NoError(t, err)

	pemStr, err := provider.PublicKeyPEM()
	require.NoError(t, err)
	assert.Contains(t, pemStr, "BEGIN PUBLIC KEY")
	assert.Contains(t, pemStr, "END PUBLIC KEY")
}

func TestEnvelope_JSONShape(t *testing.T) {
	provider, err := NewProvider("rsa-2025-01")
	require.NoError(t, err)

	env, err := provider.Seal([]byte("payload"))
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var fields map[string]string
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Contains(t, fields, "ciphertext")
	assert.Contains(t, fields, "nonce")
	assert.Contains(t, fields, "wrapped_key")
	assert.Contains(t, fields, "kid")
}

func TestKeyring_Rotation(t *testing.T) {
	old, err := NewProvider("rsa-2024-12")
	require.NoError(t, err)
	current, err := NewProvider("rsa-2025-01")
	require.NoError(t, err)

	oldEnv, err := old.Seal([]byte("sealed under the old key"))
	require.NoError(t, err)

	ring := NewKeyring(current)
	ring.Add(old)
	assert.Equal(t, "rsa-2025-01", ring.CurrentKID())

	// New envelopes carry the current kid
	newEnv, err := ring.Seal([]byte("sealed under the new key"))
	require.NoError(t, err)
	assert.Equal(t, "rsa-2025-01", newEnv.KID)

	// Old envelopes stay readable
	opened, err := ring.Open(oldEnv)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed under the old key"), opened)

	// Unknown kid is rejected
	oldEnv.KID = "rsa-2023-01"
	_, err = ring.Open(oldEnv)
	require.Error(t, err)
	assert.Equal(t, KindKIDMismatch, KindOf(err))
}

// ============================================================================
// BENCHMARKS
// ============================================================================

func BenchmarkProvider_Seal(b *testing.B) {
	provider, _ := NewProvider("rsa-2025-01")
	payload := make([]byte, 4096)
	rand.Read(payload)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		provider.Seal(payload)
	}
}

func BenchmarkProvider_Open(b *testing.B) {
	provider, _ := NewProvider("rsa-2025-01")
	payload := make([]byte, 4096)
	rand.Read(payload)
	env, _ := provider.Seal(payload)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		provider.Open(env)
	}
}
