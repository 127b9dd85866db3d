package service

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"

	"gorm.io/datatypes"

	"github.com/cloudact/quotagate/internal/integration/domain"
)

type encryptedPayload struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// EncryptConfig seals a credential config into a versioned AES-GCM envelope.
func EncryptConfig(key []byte, config map[string]any) (datatypes.JSON, error) {
	if len(key) == 0 {
		return nil, domain.ErrEncryptionKeyMissing
	}
	if len(config) == 0 {
		return nil, domain.ErrInvalidCredential
	}

	plain, err := json.Marshal(config)
	if err != nil {
		return nil, domain.ErrInvalidCredential
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, nonce, plain, nil)
	envelope := encryptedPayload{
		Version:    1,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(sealed),
	}
	out, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(out), nil
}

// DecryptConfig opens an envelope produced by EncryptConfig.
func DecryptConfig(key []byte, encrypted datatypes.JSON) (map[string]any, error) {
	if len(key) == 0 {
		return nil, domain.ErrEncryptionKeyMissing
	}
	if len(encrypted) == 0 {
		return nil, domain.ErrInvalidCredential
	}

	var payload encryptedPayload
	if err := json.Unmarshal(encrypted, &payload); err != nil {
		return nil, domain.ErrInvalidCredential
	}
	if payload.Version != 1 {
		return nil, domain.ErrInvalidCredential
	}

	nonce, err := base64.RawStdEncoding.DecodeString(payload.Nonce)
	if err != nil {
		return nil, domain.ErrInvalidCredential
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, domain.ErrInvalidCredential
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, domain.ErrInvalidCredential
	}

	var out map[string]any
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, domain.ErrInvalidCredential
	}
	if len(out) == 0 {
		return nil, domain.ErrInvalidCredential
	}
	return out, nil
}
