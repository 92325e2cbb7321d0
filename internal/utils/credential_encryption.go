package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log"

	"conversa-ai/config"
	"conversa-ai/internal/models"
)

// EncryptOverrideCredentials encrypts the API key of a per-session provider
// override before it is persisted.
func EncryptOverrideCredentials(override *models.ProviderOverride) error {
	if override == nil || override.APIKey == nil {
		return nil
	}
	key := []byte(config.Env.CredentialEncryptionKey)

	encrypted, err := encrypt(*override.APIKey, key)
	if err != nil {
		return fmt.Errorf("failed to encrypt provider api key: %v", err)
	}
	*override.APIKey = encrypted
	return nil
}

// DecryptOverrideCredentials decrypts the API key of a provider override.
// If decryption fails the stored value is used as-is, so overrides written
// before encryption was introduced keep working.
func DecryptOverrideCredentials(override *models.ProviderOverride) {
	if override == nil || override.APIKey == nil {
		return
	}
	key := []byte(config.Env.CredentialEncryptionKey)

	if decrypted, err := decrypt(*override.APIKey, key); err == nil {
		*override.APIKey = decrypted
	} else {
		log.Printf("Warning: Failed to decrypt provider api key, using as-is: %v", err)
	}
}

// encrypt encrypts a string using AES-GCM
func encrypt(plaintext string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, 12)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	ciphertext := aesgcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a string using AES-GCM
func decrypt(encodedData string, key []byte) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encodedData)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < 12 {
		return "", fmt.Errorf("data too short")
	}

	nonce := data[:12]
	ciphertext := data[12:]

	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
