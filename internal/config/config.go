// Package config loads the backend profiles from the user configuration
// directory. Profiles name a storage backend plus its settings, so the
// CLI can select one with a single flag.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

const appDirName = "s3local"

// Backend is one named profile from backends.toml.
type Backend struct {
	// Type selects the provider: "local" or "drime".
	Type string `mapstructure:"type"`

	// Path is the data root of a local backend.
	Path string `mapstructure:"path"`

	// APIKey and WorkspaceID configure a drime backend. BaseURL overrides
	// the production endpoint, mostly for testing.
	APIKey      string `mapstructure:"api_key"`
	WorkspaceID int64  `mapstructure:"workspace_id"`
	BaseURL     string `mapstructure:"base_url"`
}

// File is the parsed backends.toml.
type File struct {
	Backends map[string]Backend `mapstructure:"backends"`
}

// Dir returns the application configuration directory, creating it with
// user-only permissions if needed.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	dir := filepath.Join(base, appDirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// DefaultCachePath is the standard location of the MD5 cache database.
func DefaultCachePath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "md5cache.sqlite"), nil
}

// Load reads backends.toml from path, or from the default configuration
// directory when path is empty. A missing file yields an empty profile
// set rather than an error.
func Load(path string) (File, error) {
	v := viper.New()
	v.SetConfigType("toml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		dir, err := Dir()
		if err != nil {
			return File{}, err
		}
		v.SetConfigName("backends")
		v.AddConfigPath(dir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			return File{}, nil
		}
		return File{}, fmt.Errorf("read backends config: %w", err)
	}

	var file File
	if err := v.Unmarshal(&file); err != nil {
		return File{}, fmt.Errorf("parse backends config: %w", err)
	}
	return file, nil
}

// Profile resolves one named backend profile.
func (f File) Profile(name string) (Backend, error) {
	backend, ok := f.Backends[name]
	if !ok {
		return Backend{}, fmt.Errorf("unknown backend profile %q", name)
	}
	switch backend.Type {
	case "local":
		if backend.Path == "" {
			return Backend{}, fmt.Errorf("backend profile %q: path is required", name)
		}
	case "drime":
		if backend.APIKey == "" || backend.WorkspaceID == 0 {
			return Backend{}, fmt.Errorf("backend profile %q: api_key and workspace_id are required", name)
		}
	default:
		return Backend{}, fmt.Errorf("backend profile %q: unknown type %q", name, backend.Type)
	}
	return backend, nil
}
