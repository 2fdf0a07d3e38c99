package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptSecret_DecryptRoundTrip(t *testing.T) {
	key, err := DeriveKey("passphrase", "salt")
	require.NoError(t, err)
	require.Len(t, key, 32)

	sealed, err := EncryptSecret(key, "super-secret-api-key")
	require.NoError(t, err)
	assert.NotEmpty(t, sealed)

	plaintext, err := Decrypt(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-api-key", plaintext)
}

func TestDeriveKey_DifferentSaltsProduceDifferentKeys(t *testing.T) {
	a, err := DeriveKey("passphrase", "salt-a")
	require.NoError(t, err)
	b, err := DeriveKey("passphrase", "salt-b")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestDecrypt_ShortCiphertextReturnsErrShortCiphertext(t *testing.T) {
	key, err := DeriveKey("passphrase", "salt")
	require.NoError(t, err)

	_, err = Decrypt(key, "ab")
	assert.ErrorIs(t, err, ErrShortCiphertext)
}

func TestDecrypt_WrongKeyFailsToOpen(t *testing.T) {
	key1, err := DeriveKey("passphrase-1", "salt")
	require.NoError(t, err)
	key2, err := DeriveKey("passphrase-2", "salt")
	require.NoError(t, err)

	sealed, err := EncryptSecret(key1, "secret")
	require.NoError(t, err)

	_, err = Decrypt(key2, sealed)
	assert.Error(t, err)
}

func TestSignRequest_DeterministicForSameInputs(t *testing.T) {
	sig1 := SignRequest("secret", "body")
	sig2 := SignRequest("secret", "body")
	assert.Equal(t, sig1, sig2)

	sig3 := SignRequest("secret", "different-body")
	assert.NotEqual(t, sig1, sig3)
}
