// Package vault encrypts tenant provider credentials at rest.
//
// Tokens are base64url strings of
//
//	[Version: 1 byte] [Nonce: 24 bytes (random)] [Ciphertext+Tag]
//
// sealed with XChaCha20-Poly1305 under a key derived from the deployment
// master key via HKDF-SHA256. The version byte is authenticated as AAD.
// Because each token carries its own random nonce, encrypting the same
// value twice yields different tokens.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	keySize      = 32
	tokenVersion = byte(0x01)
	tokenMinSize = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
)

var (
	hkdfInfoCredentials  = []byte("appointment-bot.vault.credentials.v1")
	hkdfInfoRoutingIndex = []byte("appointment-bot.vault.routing-index.v1")

	routingDomainTag = []byte("appointment-bot.routing-key.v1")
)

var (
	ErrMasterKeyTooShort = errors.New("VAULT_MASTER_KEY_TOO_SHORT")
	ErrMalformedToken    = errors.New("VAULT_MALFORMED_TOKEN")
	ErrDecryptFailed     = errors.New("VAULT_DECRYPT_FAILED")
)

type Vault struct {
	encKey   []byte
	indexKey []byte
}

func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) < keySize {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrMasterKeyTooShort, len(masterKey), keySize)
	}

	encKey, err := deriveKey(masterKey, hkdfInfoCredentials)
	if err != nil {
		return nil, err
	}
	indexKey, err := deriveKey(masterKey, hkdfInfoRoutingIndex)
	if err != nil {
		return nil, err
	}

	return &Vault{encKey: encKey, indexKey: indexKey}, nil
}

func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(v.encKey)
	if err != nil {
		return "", fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generating random nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), 1+len(nonce)+len(plaintext)+aead.Overhead())
	out[0] = tokenVersion
	copy(out[1:], nonce[:])
	out = aead.Seal(out, nonce[:], []byte(plaintext), []byte{tokenVersion})

	return base64.RawURLEncoding.EncodeToString(out), nil
}

func (v *Vault) Decrypt(token string) (string, error) {
	blob, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if len(blob) < tokenMinSize {
		return "", fmt.Errorf("%w: token is %d bytes, minimum is %d", ErrMalformedToken, len(blob), tokenMinSize)
	}
	if blob[0] != tokenVersion {
		return "", fmt.Errorf("%w: unsupported version %d", ErrMalformedToken, blob[0])
	}

	aead, err := chacha20poly1305.NewX(v.encKey)
	if err != nil {
		return "", fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], blob[:1])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return string(plaintext), nil
}

// RoutingHash returns a deterministic keyed digest of a provider routing
// key. It is stored next to the encrypted credential so webhook routing
// can look tenants up without decrypting every row.
func (v *Vault) RoutingHash(routingKey string) string {
	hasher, err := blake3.NewKeyed(v.indexKey)
	if err != nil {
		panic("vault: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(routingDomainTag)
	hasher.Write([]byte(routingKey))
	return hex.EncodeToString(hasher.Sum(nil))
}

func deriveKey(inputKeyMaterial, info []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, inputKeyMaterial, nil, info)
	derived := make([]byte, keySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return derived, nil
}
