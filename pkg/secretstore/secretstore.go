// Package secretstore implements the core's default out.SecretStore: an
// at-rest encrypted, file-backed key-value store. Every value is sealed
// with pkg/crypto's AES-256-GCM envelope under a process-level key, so a
// ref's bytes are never written to disk in the clear and the core never
// logs raw key material.
package secretstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	out "mailcore/core/port/out"
	appcrypto "mailcore/pkg/crypto"
)

// FileStore is a JSON file of ref -> base64 AES-GCM ciphertext, guarded by
// an in-process mutex and rewritten atomically on every Put.
type FileStore struct {
	mu        sync.Mutex
	path      string
	encryptor *appcrypto.Encryptor
	entries   map[string]string
}

// Open loads (or creates) the store at path, encrypting/decrypting with a
// key derived from masterKey.
func Open(path string, masterKey []byte) (*FileStore, error) {
	enc, err := appcrypto.NewEncryptor(masterKey)
	if err != nil {
		return nil, fmt.Errorf("secretstore: build encryptor: %w", err)
	}

	s := &FileStore{path: path, encryptor: enc, entries: make(map[string]string)}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("secretstore: read %s: %w", path, err)
	}

	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("secretstore: decode %s: %w", path, err)
	}
	return s, nil
}

// Get resolves ref to its decrypted value.
func (s *FileStore) Get(ref string) ([]byte, error) {
	s.mu.Lock()
	ciphertext, ok := s.entries[ref]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("secretstore: ref %q: %w", ref, out.ErrSecretNotFound)
	}
	return s.encryptor.Decrypt(ciphertext)
}

// Put encrypts value and stores it under ref, persisting the file.
func (s *FileStore) Put(ref string, value []byte) error {
	ciphertext, err := s.encryptor.Encrypt(value)
	if err != nil {
		return fmt.Errorf("secretstore: encrypt: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[ref] = ciphertext
	return s.flushLocked()
}

func (s *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("secretstore: encode: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("secretstore: mkdir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("secretstore: write temp: %w", err)
	}
	return os.Rename(tmp, s.path)
}
