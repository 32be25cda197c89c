// Package secrets is the in-process contract with the external secrets
// provider: supply a primary and secondary password per backing service so
// connection pools can support zero-downtime credential rotation.
package secrets

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Provider supplies credentials for a named backing service ("db", "redis").
// Secondary returns "" when no rotation is in progress.
type Provider interface {
	Primary(name string) (string, error)
	Secondary(name string) string
}

// EnvProvider reads MUTT_<NAME>_PASSWORD and MUTT_<NAME>_PASSWORD_SECONDARY.
type EnvProvider struct{}

func (EnvProvider) Primary(name string) (string, error) {
	key := fmt.Sprintf("MUTT_%s_PASSWORD", strings.ToUpper(name))
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("secret %s not set", key)
	}
	return v, nil
}

func (EnvProvider) Secondary(name string) string {
	return os.Getenv(fmt.Sprintf("MUTT_%s_PASSWORD_SECONDARY", strings.ToUpper(name)))
}

type fileEntry struct {
	Primary   string `yaml:"primary"`
	Secondary string `yaml:"secondary"`
}

// FileProvider reads a YAML map of service name to {primary, secondary}.
type FileProvider struct {
	entries map[string]fileEntry
}

func NewFileProvider(path string) (*FileProvider, error) {
	buff, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file %s: %w", path, err)
	}
	entries := map[string]fileEntry{}
	if err := yaml.Unmarshal(buff, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse secrets file %s: %w", path, err)
	}
	return &FileProvider{entries: entries}, nil
}

func (p *FileProvider) Primary(name string) (string, error) {
	e, ok := p.entries[name]
	if !ok {
		return "", fmt.Errorf("no secret entry for %q", name)
	}
	return e.Primary, nil
}

func (p *FileProvider) Secondary(name string) string {
	return p.entries[name].Secondary
}

// Static is a fixed-credential provider for tests and local development.
type Static map[string][2]string

func (s Static) Primary(name string) (string, error) {
	e, ok := s[name]
	if !ok {
		return "", fmt.Errorf("no secret entry for %q", name)
	}
	return e[0], nil
}

func (s Static) Secondary(name string) string { return s[name][1] }
