// Package credentials locates and stores the marketplace API key.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
)

// EnvAPIKey is the environment variable holding an API key.
const EnvAPIKey = "VAST_API_KEY"

// DefaultKeyFile is where the API key is stored between sessions.
const DefaultKeyFile = "~/.vast_api_key"

// Source describes where a key came from.
type Source string

const (
	SourceExplicit Source = "explicit"
	SourceEnv      Source = "env"
	SourceFile     Source = "file"
	SourceNone     Source = "none"
)

// Credential is a resolved API key.
type Credential struct {
	Key    string
	Source Source
	// Path is the key file, when Source is SourceFile.
	Path string
}

// Resolve finds an API key. The explicit key wins, then the VAST_API_KEY
// environment variable, then the key file. An empty path skips the file. A
// missing key file is not an error; the result then has SourceNone.
func Resolve(explicit, path string) (Credential, error) {
	if k := strings.TrimSpace(explicit); k != "" {
		return Credential{Key: k, Source: SourceExplicit}, nil
	}
	if k, ok := os.LookupEnv(EnvAPIKey); ok && strings.TrimSpace(k) != "" {
		return Credential{Key: strings.TrimSpace(k), Source: SourceEnv}, nil
	}
	if path == "" {
		return Credential{Source: SourceNone}, nil
	}

	full, err := ExpandHome(path)
	if err != nil {
		return Credential{}, err
	}
	k, err := readKeyFile(full)
	if err != nil {
		return Credential{}, err
	}
	if k == "" {
		return Credential{Source: SourceNone}, nil
	}
	return Credential{Key: k, Source: SourceFile, Path: full}, nil
}

// readKeyFile returns the trimmed key in path, or "" when the file does not
// exist.
func readKeyFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read api key file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save writes key to path atomically with owner-only permissions. An empty
// path disables persistence and returns nil.
func Save(path, key string) error {
	if path == "" {
		return nil
	}
	full, err := ExpandHome(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return fmt.Errorf("create api key dir: %w", err)
	}
	if err := atomic.WriteFile(full, strings.NewReader(key)); err != nil {
		return fmt.Errorf("write api key file: %w", err)
	}
	// atomic.WriteFile does not set permissions on new files.
	if err := os.Chmod(full, 0o600); err != nil {
		return fmt.Errorf("chmod api key file: %w", err)
	}
	return nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// EnvResolver resolves secret references of the form "env(VAR_NAME)" by
// reading environment variables, so config files can point at a key
// without containing it.
type EnvResolver struct{}

// Resolve looks up an env() reference and returns the value.
func (EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "env(") || !strings.HasSuffix(ref, ")") {
		return "", fmt.Errorf("unsupported secret reference format: %q (expected env(VAR_NAME))", ref)
	}

	varName := ref[4 : len(ref)-1]
	value, ok := os.LookupEnv(varName)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", varName)
	}

	return value, nil
}

// IsReference reports whether s is an env() reference.
func IsReference(s string) bool {
	return strings.HasPrefix(s, "env(") && strings.HasSuffix(s, ")")
}
