package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Secret names in the secrets file.
const (
	SecretAPIToken     = "api_token"
	SecretInferenceKey = "inference_api_key"
	SecretGeminiKey    = "gemini_api_key"
)

// EnvAPIToken overrides the stored API bearer token.
const EnvAPIToken = "QUIRE_API_TOKEN"

var errSecretNotFound = errors.New("secret not found")

// SecretStore reads and writes named secrets.
type SecretStore interface {
	Get(name string) (string, error)
	Set(name, value string) error
}

// FileSecrets keeps secrets as a flat JSON object in a 0600 file.
type FileSecrets struct {
	Path string
}

// NewSecretStore returns the secrets file under the data directory.
func NewSecretStore() FileSecrets {
	return FileSecrets{Path: filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "quire", "secrets.json")}
}

func (s FileSecrets) read() (map[string]string, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	secrets := map[string]string{}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (s FileSecrets) Get(name string) (string, error) {
	secrets, err := s.read()
	if err != nil {
		return "", err
	}
	v, ok := secrets[name]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", errSecretNotFound, name)
	}
	return v, nil
}

func (s FileSecrets) Set(name, value string) error {
	secrets, err := s.read()
	if err != nil {
		return err
	}
	secrets[name] = value
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.Path, out, 0o600)
}

// GetAPIToken returns the API bearer token from QUIRE_API_TOKEN or the
// secret store, generating and storing a new one on first use.
func GetAPIToken(s SecretStore) (string, error) {
	if v := os.Getenv(EnvAPIToken); v != "" {
		return v, nil
	}
	tok, err := s.Get(SecretAPIToken)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, errSecretNotFound) {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok = hex.EncodeToString(buf)
	if err := s.Set(SecretAPIToken, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
