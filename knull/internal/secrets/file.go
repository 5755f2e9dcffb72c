package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// FilePerms restricts the secrets file to its owner.
const FilePerms = 0o600

// EncryptionKeyName is the secret that holds the credential cipher key.
const EncryptionKeyName = "knull_encryption_key"

// Secret is one key/value entry in a secrets file.
type Secret struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

type secretsFile struct {
	Secrets []Secret `yaml:"secrets"`
}

// FileStore keeps secrets in a local YAML file.
type FileStore struct {
	Path string

	mu sync.Mutex
}

// NewFileStore returns a FileStore backed by path. The file is created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// GetValue returns the value for key, or nil if it is not set.
func (s *FileStore) GetValue(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.read()
	if err != nil {
		return nil, err
	}
	for _, secret := range secrets.Secrets {
		if secret.Key == key {
			return []byte(secret.Value), nil
		}
	}
	return nil, nil
}

// SetValue sets key to value, returning the previous value if there was one.
func (s *FileStore) SetValue(key string, value []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.read()
	if err != nil {
		return nil, err
	}

	var old []byte
	found := false
	for idx, secret := range secrets.Secrets {
		if secret.Key == key {
			old = []byte(secret.Value)
			secrets.Secrets[idx].Value = string(value)
			found = true
		}
	}
	if !found {
		secrets.Secrets = append(secrets.Secrets, Secret{Key: key, Value: string(value)})
	}

	data, err := yaml.Marshal(secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal secrets file %q: %w", s.Path, err)
	}
	if err := os.WriteFile(s.Path, data, FilePerms); err != nil {
		return nil, fmt.Errorf("failed to write secrets file %q: %w", s.Path, err)
	}
	return old, nil
}

func (s *FileStore) read() (secretsFile, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return secretsFile{}, nil
	}
	if err != nil {
		return secretsFile{}, fmt.Errorf("failed to read secrets file %q: %w", s.Path, err)
	}

	var secrets secretsFile
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return secretsFile{}, fmt.Errorf("failed to parse secrets file %q: %w", s.Path, err)
	}
	return secrets, nil
}

// LoadOrCreateCipher reads the cipher key from the store, generating and saving
// a random key if none exists yet.
func LoadOrCreateCipher(store *FileStore) (*Cipher, error) {
	encoded, err := store.GetValue(EncryptionKeyName)
	if err != nil {
		return nil, err
	}
	if len(encoded) > 0 {
		key, err := base64.StdEncoding.DecodeString(string(encoded))
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", EncryptionKeyName, err)
		}
		return NewCipher(key)
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	if _, err := store.SetValue(EncryptionKeyName, []byte(base64.StdEncoding.EncodeToString(key))); err != nil {
		return nil, fmt.Errorf("failed to store encryption key: %w", err)
	}
	slog.Info("generated new credential encryption key", "path", store.Path)
	return NewCipher(key)
}
