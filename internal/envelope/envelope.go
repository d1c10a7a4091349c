package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
)

// ============================================================================
// ENVELOPE ENCRYPTION — AES-256-GCM payload, RSA-OAEP-SHA256 key wrap
// Storage-state blobs never leave the service in plaintext.
// ============================================================================

// Envelope is the wire form of an encrypted payload. All fields are
// standard base64.
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	WrappedKey string `json:"wrapped_key"`
	KID        string `json:"kid"`
}

// Alg is the key-wrap algorithm advertised alongside the public key.
const Alg = "RSA-OAEP-256"

const (
	dataKeySize = 32 // AES-256
	nonceSize   = 12 // GCM standard nonce
)

// ErrorKind classifies envelope failures for API error payloads.
type ErrorKind string

const (
	KindKeyMissing    ErrorKind = "key_missing"
	KindKIDMismatch   ErrorKind = "kid_mismatch"
	KindDecryptFailed ErrorKind = "decrypt_failed"
	KindParseFailed   ErrorKind = "parse_failed"
)

// CryptoError wraps an underlying failure with its taxonomy kind.
type CryptoError struct {
	Kind ErrorKind
	Err  error
}

func (e *CryptoError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// KindOf extracts the taxonomy kind from an error chain. Unclassified
// errors report as decrypt_failed.
func KindOf(err error) ErrorKind {
	var ce *CryptoError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindDecryptFailed
}

// ============================================================================
// RSA PROVIDER
// ============================================================================

// Provider seals and opens envelopes under a single key id. A provider
// built from a public key alone can seal but not open.
type Provider struct {
	kid     string
	public  *rsa.PublicKey
	private *rsa.PrivateKey
}

// NewProvider generates a fresh 2048-bit key pair. Used in development and
// tests; production deployments load PEM material instead.
func NewProvider(kid string) (*Provider, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("rsa key generation failed: %w", err)
	}
	return &Provider{kid: kid, public: &priv.PublicKey, private: priv}, nil
}

// NewProviderFromPrivatePEM parses a PKCS#1 or PKCS#8 private key and
// derives the public half.
func NewProviderFromPrivatePEM(kid string, pemData []byte) (*Provider, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, &CryptoError{Kind: KindParseFailed, Err: errors.New("no PEM block in private key")}
	}

	var priv *rsa.PrivateKey
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		priv = k
	} else if k, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, &CryptoError{Kind: KindParseFailed, Err: errors.New("private key is not RSA")}
		}
		priv = rk
	} else {
		return nil, &CryptoError{Kind: KindParseFailed, Err: fmt.Errorf("failed to parse private key: %w", err)}
	}

	return &Provider{kid: kid, public: &priv.PublicKey, private: priv}, nil
}

// NewSealOnlyProvider parses a PKIX public key. The resulting provider can
// seal envelopes but Open reports key_missing.
func NewSealOnlyProvider(kid string, pemData []byte) (*Provider, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, &CryptoError{Kind: KindParseFailed, Err: errors.New("no PEM block in public key")}
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, &CryptoError{Kind: KindParseFailed, Err: fmt.Errorf("failed to parse public key: %w", err)}
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, &CryptoError{Kind: KindParseFailed, Err: errors.New("public key is not RSA")}
	}
	return &Provider{kid: kid, public: rsaPub}, nil
}

// KID returns the key id envelopes sealed by this provider carry.
func (p *Provider) KID() string { return p.kid }

// CanOpen reports whether the provider holds the private half.
func (p *Provider) CanOpen() bool { return p.private != nil }

// Seal encrypts plaintext under a fresh data key and wraps that key for
// the provider's public key. Every call uses a new key and nonce.
func (p *Provider) Seal(plaintext []byte) (*Envelope, error) {
	key := make([]byte, dataKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("data key generation failed: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher init failed: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm init failed: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, p.public, key, nil)
	if err != nil {
		return nil, fmt.Errorf("key wrap failed: %w", err)
	}

	return &Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
		KID:        p.kid,
	}, nil
}

// Open unwraps the data key and decrypts the payload. The envelope's kid
// must match the provider's.
func (p *Provider) Open(env *Envelope) ([]byte, error) {
	if env.KID != p.kid {
		return nil, &CryptoError{Kind: KindKIDMismatch,
			Err: fmt.Errorf("envelope kid %q, provider holds %q", env.KID, p.kid)}
	}
	if p.private == nil {
		return nil, &CryptoError{Kind: KindKeyMissing,
			Err: fmt.Errorf("no private key for kid %q", p.kid)}
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, &CryptoError{Kind: KindParseFailed, Err: fmt.Errorf("ciphertext: %w", err)}
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, &CryptoError{Kind: KindParseFailed, Err: fmt.Errorf("nonce: %w", err)}
	}
	wrapped, err := base64.StdEncoding.DecodeString(env.WrappedKey)
	if err != nil {
		return nil, &CryptoError{Kind: KindParseFailed, Err: fmt.Errorf("wrapped_key: %w", err)}
	}
	if len(nonce) != nonceSize {
		return nil, &CryptoError{Kind: KindParseFailed,
			Err: fmt.Errorf("invalid nonce size: got %d, want %d", len(nonce), nonceSize)}
	}

	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, p.private, wrapped, nil)
	if err != nil {
		return nil, &CryptoError{Kind: KindDecryptFailed, Err: fmt.Errorf("key unwrap failed: %w", err)}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &CryptoError{Kind: KindDecryptFailed, Err: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &CryptoError{Kind: KindDecryptFailed, Err: err}
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &CryptoError{Kind: KindDecryptFailed, Err: fmt.Errorf("payload decrypt failed: %w", err)}
	}
	return plaintext, nil
}

// PublicKeyPEM returns the PKIX PEM encoding of the public key for the
// public-key discovery endpoint.
func (p *Provider) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(p.public)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ============================================================================
// KEYRING
// ============================================================================

// Keyring dispatches Open by envelope kid and seals under the current key.
// Rotation keeps old keys readable while new envelopes pick up the new kid.
type Keyring struct {
	providers map[string]*Provider
	current   string
}

// NewKeyring builds a keyring with the given provider as the current key.
func NewKeyring(current *Provider) *Keyring {
	return &Keyring{
		providers: map[string]*Provider{current.KID(): current},
		current:   current.KID(),
	}
}

// Add registers an additional provider for an older kid.
func (k *Keyring) Add(p *Provider) {
	k.providers[p.KID()] = p
}

// CurrentKID returns the kid new envelopes are sealed under.
func (k *Keyring) CurrentKID() string { return k.current }

// Current returns the active provider.
func (k *Keyring) Current() *Provider { return k.providers[k.current] }

// Seal encrypts under the current key.
func (k *Keyring) Seal(plaintext []byte) (*Envelope, error) {
	return k.providers[k.current].Seal(plaintext)
}

// Open decrypts with the provider matching the envelope's kid.
func (k *Keyring) Open(env *Envelope) ([]byte, error) {
	p, ok := k.providers[env.KID]
	if !ok {
		return nil, &CryptoError{Kind: KindKIDMismatch,
			Err: fmt.Errorf("no key registered for kid %q", env.KID)}
	}
	return p.Open(env)
}
