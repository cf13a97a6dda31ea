// Package webhook implements the Webhook Ingress component (C5): decrypting
// the push-notification hook token, validating the body against it, and
// publishing a commit-sync event asynchronously.
package webhook

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Iterations and pbkdf2KeyLen turn an operator-supplied passphrase
// into a 32-byte AES-256 key, for deployments that prefer rotating a
// passphrase over managing a raw base64 key directly.
const (
	pbkdf2Iterations = 100_000
	pbkdf2KeyLen     = 32
)

// Cipher encrypts and decrypts hook tokens with AES-GCM. In eventlogd it is
// keyed from HOOK_TOKEN_SECRET via NewCipherFromPassphrase.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher builds a Cipher from a raw AES key (16, 24, or 32 bytes).
func NewCipher(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("webhook: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("webhook: gcm: %w", err)
	}
	return &Cipher{gcm: gcm}, nil
}

// NewCipherFromPassphrase derives a key from a passphrase and a static
// per-deployment salt via PBKDF2, for operators who rotate a passphrase
// rather than a raw key (see the golang.org/x/crypto note in DESIGN.md).
func NewCipherFromPassphrase(passphrase, salt string) (*Cipher, error) {
	key := pbkdf2.Key([]byte(passphrase), []byte(salt), pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return NewCipher(key)
}

// HookToken is the plaintext the encrypted X-Gitlab-Token header carries
// (§4.5).
type HookToken struct {
	ProjectID int64 `json:"project_id"`
}

// Encrypt serialises and seals tok, returning a base64 string suitable for
// the X-Gitlab-Token header. Within this module only the tests call it;
// no command here mints tokens.
func (c *Cipher) Encrypt(tok HookToken) (string, error) {
	plaintext, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("webhook: marshal token: %w", err)
	}
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("webhook: nonce: %w", err)
	}
	sealed := c.gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. The token is never logged by any caller of
// this function.
func (c *Cipher) Decrypt(encoded string) (HookToken, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return HookToken{}, fmt.Errorf("webhook: decode token: %w", err)
	}
	ns := c.gcm.NonceSize()
	if len(raw) < ns {
		return HookToken{}, fmt.Errorf("webhook: token too short")
	}
	nonce, ciphertext := raw[:ns], raw[ns:]
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return HookToken{}, fmt.Errorf("webhook: decrypt token: %w", err)
	}
	var tok HookToken
	if err := json.Unmarshal(plaintext, &tok); err != nil {
		return HookToken{}, fmt.Errorf("webhook: unmarshal token: %w", err)
	}
	return tok, nil
}
