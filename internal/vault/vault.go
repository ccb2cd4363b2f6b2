// Package vault encrypts chat credentials at rest.
//
// Values are sealed with XChaCha20-Poly1305 under a key derived from the
// configured key material with HKDF-SHA256, and stored as
//
//	enc:v1:<base64url(nonce || ciphertext+tag)>
//
// The version byte is authenticated as additional data, so a token cannot be
// replayed under another format version. Values without the prefix are legacy
// plaintext and decrypt to themselves.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Prefix marks values produced by Encrypt.
const Prefix = "enc:v1:"

const version byte = 0x01

var (
	hkdfSalt = []byte("go-messenger-bridge.vault")
	hkdfInfo = []byte("credential.v1")
)

// ErrNoKey is returned by New when no key material is supplied.
var ErrNoKey = errors.New("vault: empty key material")

// DecryptionError reports a versioned token that failed to decode or authenticate.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string { return "vault: decrypt: " + e.Err.Error() }
func (e *DecryptionError) Unwrap() error { return e.Err }

// Vault seals and opens credential strings. It is safe for concurrent use.
type Vault struct {
	key [chacha20poly1305.KeySize]byte
}

// New derives the vault key from keyMaterial: 64 hex characters or standard
// base64 of 32 bytes are used as raw input keying material, anything else
// is treated as a passphrase.
func New(keyMaterial string) (*Vault, error) {
	keyMaterial = strings.TrimSpace(keyMaterial)
	if keyMaterial == "" {
		return nil, ErrNoKey
	}
	ikm := decodeKeyMaterial(keyMaterial)

	v := &Vault{}
	r := hkdf.New(sha256.New, ikm, hkdfSalt, hkdfInfo)
	if _, err := io.ReadFull(r, v.key[:]); err != nil {
		return nil, fmt.Errorf("vault: deriving key: %w", err)
	}
	return v, nil
}

func decodeKeyMaterial(s string) []byte {
	if len(s) == 64 {
		if b, err := hex.DecodeString(s); err == nil {
			return b
		}
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
		return b
	}
	return []byte(s)
}

// IsEncrypted reports whether value needs no encryption: empty values and
// values carrying the version prefix.
func IsEncrypted(value string) bool {
	return value == "" || strings.HasPrefix(value, Prefix)
}

// IsEncrypted is the method form of the package function.
func (v *Vault) IsEncrypted(value string) bool { return IsEncrypted(value) }

// Encrypt seals plaintext. Empty input yields "".
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(v.key[:])
	if err != nil {
		return "", fmt.Errorf("vault: creating cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("vault: generating nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce[:]...)
	out = aead.Seal(out, nonce[:], []byte(plaintext), []byte{version})
	return Prefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Decrypt opens a value produced by Encrypt. Legacy plaintext without the
// prefix is returned unchanged. A prefixed value that does not decode or
// authenticate yields a *DecryptionError.
func (v *Vault) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, Prefix) {
		return value, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", &DecryptionError{Err: fmt.Errorf("decoding: %w", err)}
	}
	if len(raw) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", &DecryptionError{Err: errors.New("token too short")}
	}
	aead, err := chacha20poly1305.NewX(v.key[:])
	if err != nil {
		return "", &DecryptionError{Err: err}
	}
	nonce, sealed := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, sealed, []byte{version})
	if err != nil {
		return "", &DecryptionError{Err: err}
	}
	return string(plain), nil
}
