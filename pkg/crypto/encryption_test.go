package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewEncryptor([]byte("a passphrase that is not 32 bytes"))
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt([]byte("sk-provider-secret"))
	require.NoError(t, err)
	assert.NotContains(t, ciphertext, "sk-provider-secret")

	plaintext, err := enc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "sk-provider-secret", string(plaintext))
}

func TestEncryptor_NoncesDifferAcrossCalls(t *testing.T) {
	enc, err := NewEncryptor([]byte("key"))
	require.NoError(t, err)

	a, err := enc.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	b, err := enc.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncryptor_DecryptRejectsTamperedCiphertext(t *testing.T) {
	enc, err := NewEncryptor([]byte("key"))
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt([]byte("secret"))
	require.NoError(t, err)

	tampered := ciphertext[:len(ciphertext)-4] + "abcd"
	_, err = enc.Decrypt(tampered)
	assert.Error(t, err)
}

func TestEncryptor_EmptyPlaintextRoundTripsToEmpty(t *testing.T) {
	enc, err := NewEncryptor([]byte("key"))
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt(nil)
	require.NoError(t, err)
	assert.Empty(t, ciphertext)

	plaintext, err := enc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Empty(t, plaintext)
}

func TestEncryptor_DifferentKeysCannotCrossDecrypt(t *testing.T) {
	encA, err := NewEncryptor([]byte("key-a"))
	require.NoError(t, err)
	encB, err := NewEncryptor([]byte("key-b"))
	require.NoError(t, err)

	ciphertext, err := encA.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = encB.Decrypt(ciphertext)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
