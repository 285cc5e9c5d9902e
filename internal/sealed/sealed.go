// ABOUTME: Seals per-user secrets (HA tokens, OTP secrets) at rest with age X25519
// ABOUTME: Sealed values carry a prefix so unsealed legacy values still read back

package sealed

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// Prefix marks a stored value as age ciphertext.
const Prefix = "age:"

// ErrNoKey is returned when a sealed value is read without a configured key.
var ErrNoKey = errors.New("sealed value present but no sealing key configured")

// Sealer encrypts and decrypts short secrets for storage.
// A Sealer without an identity stores values as-is.
type Sealer struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// New parses an AGE-SECRET-KEY-1... identity. An empty key yields a
// pass-through Sealer.
func New(privateKey string) (*Sealer, error) {
	if privateKey == "" {
		return &Sealer{}, nil
	}
	identity, err := age.ParseX25519Identity(strings.TrimSpace(privateKey))
	if err != nil {
		return nil, fmt.Errorf("parsing sealing key: %w", err)
	}
	return &Sealer{identity: identity, recipient: identity.Recipient()}, nil
}

// GenerateKey returns a fresh identity string and its public recipient.
func GenerateKey() (privateKey, publicKey string, err error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generating age keypair: %w", err)
	}
	return identity.String(), identity.Recipient().String(), nil
}

// Enabled reports whether values are actually encrypted.
func (s *Sealer) Enabled() bool {
	return s != nil && s.identity != nil
}

// Seal encrypts plaintext. Empty input stays empty so "not configured"
// remains distinguishable in the database.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" || !s.Enabled() {
		return plaintext, nil
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}

	return Prefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open decrypts a value produced by Seal. Values without the prefix are
// returned unchanged.
func (s *Sealer) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, Prefix) {
		return stored, nil
	}
	if !s.Enabled() {
		return "", ErrNoKey
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, Prefix))
	if err != nil {
		return "", fmt.Errorf("decoding base64 ciphertext: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return string(plaintext), nil
}
