// Package secrets opens the AES-GCM envelopes used for integration credentials.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"

	"github.com/smallbiznis/orderledger/internal/tenant/domain"
	"golang.org/x/crypto/hkdf"
	"gorm.io/datatypes"
)

const (
	envelopeVersion = 1
	keyInfo         = "orderledger/integration-config/v1"
)

type envelope struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Box seals and opens JSON objects with a key derived from a shared secret.
type Box struct {
	key []byte
}

func NewBox(secret string) *Box {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return &Box{}
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return &Box{}
	}
	return &Box{key: key}
}

func (b *Box) Seal(config map[string]any) (datatypes.JSON, error) {
	if b == nil || len(b.key) == 0 {
		return nil, domain.ErrEncryptionKeyMissing
	}

	payload, err := json.Marshal(config)
	if err != nil {
		return nil, domain.ErrInvalidIntegrationConfig
	}

	gcm, err := b.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nil, nonce, payload, nil)
	out, err := json.Marshal(envelope{
		Version:    envelopeVersion,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(out), nil
}

func (b *Box) Open(encrypted []byte) (map[string]any, error) {
	if b == nil || len(b.key) == 0 {
		return nil, domain.ErrEncryptionKeyMissing
	}
	if len(encrypted) == 0 {
		return nil, domain.ErrInvalidIntegrationConfig
	}

	var payload envelope
	if err := json.Unmarshal(encrypted, &payload); err != nil {
		return nil, domain.ErrInvalidIntegrationConfig
	}
	if payload.Version != envelopeVersion {
		return nil, domain.ErrInvalidIntegrationConfig
	}

	nonce, err := base64.RawStdEncoding.DecodeString(payload.Nonce)
	if err != nil {
		return nil, domain.ErrInvalidIntegrationConfig
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, domain.ErrInvalidIntegrationConfig
	}

	gcm, err := b.gcm()
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, domain.ErrInvalidIntegrationConfig
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, domain.ErrInvalidIntegrationConfig
	}

	var out map[string]any
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, domain.ErrInvalidIntegrationConfig
	}
	if len(out) == 0 {
		return nil, domain.ErrInvalidIntegrationConfig
	}
	return out, nil
}

func (b *Box) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
