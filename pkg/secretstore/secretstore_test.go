package secretstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_PutThenGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	s, err := Open(path, []byte("master-key"))
	require.NoError(t, err)

	require.NoError(t, s.Put("provider/openai", []byte("sk-abc123")))

	value, err := s.Get("provider/openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-abc123", string(value))
}

func TestFileStore_GetMissingRefReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	s, err := Open(path, []byte("master-key"))
	require.NoError(t, err)

	_, err = s.Get("nonexistent")
	assert.Error(t, err)
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	key := []byte("master-key")

	s1, err := Open(path, key)
	require.NoError(t, err)
	require.NoError(t, s1.Put("provider/anthropic", []byte("sk-xyz789")))

	s2, err := Open(path, key)
	require.NoError(t, err)
	value, err := s2.Get("provider/anthropic")
	require.NoError(t, err)
	assert.Equal(t, "sk-xyz789", string(value))
}

func TestFileStore_WrongMasterKeyFailsToDecrypt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")

	s1, err := Open(path, []byte("key-one"))
	require.NoError(t, err)
	require.NoError(t, s1.Put("provider/openai", []byte("sk-abc123")))

	s2, err := Open(path, []byte("key-two"))
	require.NoError(t, err)
	_, err = s2.Get("provider/openai")
	assert.Error(t, err)
}

func TestOpen_MissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	s, err := Open(path, []byte("master-key"))
	require.NoError(t, err)

	_, err = s.Get("anything")
	assert.Error(t, err)
}
