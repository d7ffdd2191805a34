package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/go-faster/errors"
)

const (
	secretService = "synapse"
	tokenAccount  = "access_token"
)

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

func readSecrets(p string) (map[string]map[string]string, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, errors.Wrap(err, "parsing secrets file")
	}
	return secrets, nil
}

func secretGet(p, service, account string) (string, error) {
	secrets, err := readSecrets(p)
	if err != nil {
		return "", errors.Wrap(err, "secret store not available")
	}
	svc, ok := secrets[service]
	if !ok {
		return "", errors.Errorf("service %q not found", service)
	}
	val, ok := svc[account]
	if !ok {
		return "", errors.Errorf("account %q not found in service %q", account, service)
	}
	return val, nil
}

func secretSet(p, service, account, value string) error {
	secrets, _ := readSecrets(p)
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	if value == "" {
		delete(secrets[service], account)
	} else {
		secrets[service][account] = value
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return errors.Wrap(err, "creating secrets dir")
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, out, 0o600)
}

// secretStore reads the secrets file at its default location.
type secretStore struct{}

func (secretStore) Get(service, account string) (string, error) {
	return secretGet(secretsFilePath(), service, account)
}

// TokenCache persists the Synapse access token in the secrets file
// ($XDG_DATA_HOME/mhx/secrets.json, mode 0600).
type TokenCache struct {
	path string
}

// NewTokenCache returns a cache backed by the default secrets file.
func NewTokenCache() *TokenCache {
	return &TokenCache{path: secretsFilePath()}
}

// NewTokenCacheAt returns a cache backed by the secrets file at path.
func NewTokenCacheAt(path string) *TokenCache {
	return &TokenCache{path: path}
}

func (c *TokenCache) Token() (string, error) {
	return secretGet(c.path, secretService, tokenAccount)
}

func (c *TokenCache) SaveToken(token string) error {
	return secretSet(c.path, secretService, tokenAccount, token)
}

// Clear removes the cached token.
func (c *TokenCache) Clear() error {
	return secretSet(c.path, secretService, tokenAccount, "")
}
