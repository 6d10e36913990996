// Package config resolves the on-disk config directory and provides
// crash-safe JSON persistence for the main config and auth envelopes.
package config

import (
	"os"
	"path/filepath"
)

// Environment variable names (section 6).
const (
	EnvConfigDir  = "SHERRY_CONFIG_PATH"
	EnvAPIURL     = "SHERRY_API_URL"
	EnvSocketURL  = "SHERRY_SOCKET_URL"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultAPIURL    = "http://localhost:3000"
	DefaultSocketURL = "ws://localhost:3001"
)

// On-disk layout under the config directory.
const (
	DirName       = ".sherry"
	ConfigFile    = "config.json"
	AuthFile      = "auth.json"
	LogsDir       = "logs"
	HashesDir     = "hashes"
)

// dirPermissions and filePermissions are the modes used for every path
// created under the config directory.
const (
	dirPermissions  = 0o755
	filePermissions = 0o644
)

// ResolveDir resolves the config directory: an explicit CLI flag value wins,
// then SHERRY_CONFIG_PATH, then $HOME/.sherry. Relative paths are resolved
// against the current working directory.
func ResolveDir(flagValue string) (string, error) {
	candidate := flagValue
	if candidate == "" {
		candidate = os.Getenv(EnvConfigDir)
	}

	if candidate == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}

		candidate = filepath.Join(home, DirName)
	}

	if !filepath.IsAbs(candidate) {
		abs, err := filepath.Abs(candidate)
		if err != nil {
			return "", err
		}

		candidate = abs
	}

	return filepath.Clean(candidate), nil
}

// APIURL resolves the REST base URL: SHERRY_API_URL if set, else the default.
func APIURL() string {
	if v := os.Getenv(EnvAPIURL); v != "" {
		return v
	}

	return DefaultAPIURL
}

// SocketURL resolves the push-channel URL: SHERRY_SOCKET_URL if set, else
// the default.
func SocketURL() string {
	if v := os.Getenv(EnvSocketURL); v != "" {
		return v
	}

	return DefaultSocketURL
}

// HashIndexPath returns the path to a watcher's hash index file.
func HashIndexPath(dir, hashesID string) string {
	return filepath.Join(dir, HashesDir, hashesID+".json")
}

// LogFileName builds a rolling log file name from a process-start timestamp,
// an RFC3339 string with ':', '.', '+' and ' ' replaced by '-' (matching the
// original implementation's naming convention).
func LogFileName(rfc3339 string) string {
	replacer := func(r rune) rune {
		switch r {
		case ':', '.', '+', ' ':
			return '-'
		default:
			return r
		}
	}

	out := make([]rune, 0, len(rfc3339))
	for _, r := range rfc3339 {
		out = append(out, replacer(r))
	}

	return string(out) + ".log"
}
