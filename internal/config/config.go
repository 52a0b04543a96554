// Package config resolves runner configuration from the environment.
//
// Three knobs are recognised, all optional: ARTIFACT_ENDPOINT overrides the
// base URL artifacts are fetched from, CACHE_DIR overrides the local cache
// path, and AUTH_TOKEN supplies a bearer token for artifact requests.
package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// DefaultEndpoint is the public artifact storage base URL.
const DefaultEndpoint = "https://api.starthub.so/storage/v1/object/public"

// Config holds the resolved runner configuration.
type Config struct {
	// Endpoint is the base URL for artifact fetches.
	Endpoint string
	// CacheDir is the root of the local content-addressed cache.
	CacheDir string
	// AuthToken, when non-empty, is sent as a bearer token on artifact requests.
	AuthToken string
}

// Load resolves configuration from environment variables, applying defaults
// for anything unset.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("artifact_endpoint", DefaultEndpoint)
	v.SetDefault("cache_dir", defaultCacheDir())
	v.SetDefault("auth_token", "")

	for _, env := range []string{"artifact_endpoint", "cache_dir", "auth_token"} {
		if err := v.BindEnv(env); err != nil {
			return nil, err
		}
	}

	return &Config{
		Endpoint:  v.GetString("artifact_endpoint"),
		CacheDir:  v.GetString("cache_dir"),
		AuthToken: v.GetString("auth_token"),
	}, nil
}

// defaultCacheDir mirrors the layout used by the hosted runners: the user
// cache directory when available, the system temp directory otherwise.
func defaultCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "starthub", "oci")
}
