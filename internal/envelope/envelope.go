// Package envelope implements the at-rest encryption scheme for provider
// credentials. Each credential list is sealed under a fresh data key
// (DEK) with AES-256-GCM; the DEK itself is wrapped under the process
// root key (KEK). The result is a self-describing JSON blob that can be
// stored in a text column.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	version    = 1
	cipherName = "AES-256-GCM"
	wrapName   = "KEK-AES-GCM"
)

// ErrBadKey is returned when the KEK is not exactly 32 bytes.
var ErrBadKey = errors.New("envelope: key must be 32 bytes")

// Envelope is the stored form of an encrypted credential list.
type Envelope struct {
	V          int    `json:"v"`
	Cipher     string `json:"cipher"`
	DEKWrap    string `json:"dek_wrap"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	WrapNonce  string `json:"wrap_nonce"`
	WrappedDEK string `json:"wrapped_dek"`
}

// Sealer seals and opens credential lists under a fixed root key.
type Sealer struct {
	kek []byte
}

// New creates a Sealer from a 32-byte root key.
func New(kek []byte) (*Sealer, error) {
	if len(kek) != 32 {
		return nil, ErrBadKey
	}
	s := &Sealer{kek: make([]byte, 32)}
	copy(s.kek, kek)
	return s, nil
}

// Seal encrypts the credential list and returns the envelope as a JSON
// string ready for storage. An empty list still produces an envelope so
// the stored blob never reveals whether keys exist.
func (s *Sealer) Seal(keys []string) (string, error) {
	if keys == nil {
		keys = []string{}
	}
	plaintext, err := json.Marshal(keys)
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}

	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return "", fmt.Errorf("generate dek: %w", err)
	}

	nonce, ct, err := gcmSeal(dek, plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypt payload: %w", err)
	}

	wrapNonce, wrapped, err := gcmSeal(s.kek, dek)
	if err != nil {
		return "", fmt.Errorf("wrap dek: %w", err)
	}

	env := Envelope{
		V:          version,
		Cipher:     cipherName,
		DEKWrap:    wrapName,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		WrapNonce:  base64.StdEncoding.EncodeToString(wrapNonce),
		WrappedDEK: base64.StdEncoding.EncodeToString(wrapped),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(out), nil
}

// Open decrypts a stored blob back into the credential list.
//
// Three stored forms are accepted: a v1 envelope, which is unwrapped and
// decrypted; a plain JSON array, which predates encryption and is
// returned as-is; and anything unparseable, which yields an empty list
// so one corrupt row can never stall a pull.
func (s *Sealer) Open(stored string) ([]string, error) {
	if stored == "" || stored == "[]" {
		return []string{}, nil
	}

	var env Envelope
	if err := json.Unmarshal([]byte(stored), &env); err == nil && env.Ciphertext != "" {
		if env.V != version {
			return []string{}, fmt.Errorf("unsupported envelope version %d", env.V)
		}
		return s.open(env)
	}

	// Legacy rows stored the list unencrypted.
	var legacy []string
	if err := json.Unmarshal([]byte(stored), &legacy); err == nil && legacy != nil {
		return legacy, nil
	}

	return []string{}, nil
}

func (s *Sealer) open(env Envelope) ([]string, error) {
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return []string{}, fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return []string{}, fmt.Errorf("decode ciphertext: %w", err)
	}
	wrapNonce, err := base64.StdEncoding.DecodeString(env.WrapNonce)
	if err != nil {
		return []string{}, fmt.Errorf("decode wrap nonce: %w", err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(env.WrappedDEK)
	if err != nil {
		return []string{}, fmt.Errorf("decode wrapped dek: %w", err)
	}

	dek, err := gcmOpen(s.kek, wrapNonce, wrapped)
	if err != nil {
		return []string{}, fmt.Errorf("unwrap dek: %w", err)
	}

	plaintext, err := gcmOpen(dek, nonce, ct)
	if err != nil {
		return []string{}, fmt.Errorf("decrypt payload: %w", err)
	}

	var keys []string
	if err := json.Unmarshal(plaintext, &keys); err != nil {
		return []string{}, fmt.Errorf("decode credentials: %w", err)
	}
	return keys, nil
}

// SealOne is a convenience wrapper for single secrets (pool keys).
func (s *Sealer) SealOne(key string) (string, error) {
	return s.Seal([]string{key})
}

// OpenOne returns the first credential of a stored blob or "".
func (s *Sealer) OpenOne(stored string) (string, error) {
	keys, err := s.Open(stored)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", nil
	}
	return keys[0], nil
}

func gcmSeal(key, plaintext []byte) (nonce, ct []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

func gcmOpen(key, nonce, ct []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("bad nonce size")
	}
	return gcm.Open(nil, nonce, ct, nil)
}
