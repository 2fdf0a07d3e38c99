package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrShortCiphertext is returned when a ciphertext is too short to contain a
// nonce, mirroring crypto_utils.hpp's failure-by-default EncryptionResult.
var ErrShortCiphertext = errors.New("ciphertext shorter than nonce")

// DeriveKey stretches a passphrase into a 32-byte AES-256 key via HKDF-SHA256,
// grounded on original_source's crypto_utils.hpp (generate_aes_key + hmac
// primitives) but using golang.org/x/crypto's HKDF instead of hand-rolled
// key stretching.
func DeriveKey(passphrase, salt string) ([]byte, error) {
	h := hkdf.New(sha256.New, []byte(passphrase), []byte(salt), []byte("riskctl-exchange-secret"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// EncryptSecret seals plaintext with AES-256-GCM and returns a hex-encoded
// nonce||ciphertext blob, suitable for storing in config.yml as
// encrypted_api_secret. Mirrors crypto_utils.hpp's encrypt_aes_gcm.
func EncryptSecret(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), nil
}

// Decrypt reverses EncryptSecret, the way the teacher's cmd/main.go calls
// util.Decrypt(key, encryptedPk) to recover a private key before dialing the
// RPC client. Here it recovers an exchange API secret before the risk
// evaluator or ingestion facade ever issues an outbound call.
func Decrypt(key []byte, encrypted string) (string, error) {
	blob, err := hex.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("decode hex: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	if len(blob) < gcm.NonceSize() {
		return "", ErrShortCiphertext
	}
	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// SignRequest HMAC-SHA256-signs an outbound exchange request body, the way
// crypto_utils.hpp's hmac_sha256_hex is used to sign REST calls.
func SignRequest(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
