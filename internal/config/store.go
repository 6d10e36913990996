package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sherry-sync/deamon/internal/syncmodel"
)

// Store persists the config and auth envelopes as crash-safe JSON.
// Every write is a full-document atomic replace (tempfile + fsync + rename):
// POSIX rename is metadata-only, so without an fsync a crash right after
// rename can leave the file truncated.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at dir (the resolved config directory).
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the config directory.
func (s *Store) Dir() string { return s.dir }

// EnsureLayout creates the config directory and its logs/ and hashes/
// subdirectories if they do not already exist.
func (s *Store) EnsureLayout() error {
	for _, d := range []string{s.dir, filepath.Join(s.dir, LogsDir), filepath.Join(s.dir, HashesDir)} {
		if err := os.MkdirAll(d, dirPermissions); err != nil {
			return fmt.Errorf("config: creating %s: %w", d, err)
		}
	}

	return nil
}

// LoadConfig reads config.json, creating a default document (and writing it)
// if the file does not yet exist.
func (s *Store) LoadConfig() (syncmodel.Config, error) {
	path := filepath.Join(s.dir, ConfigFile)

	var cfg syncmodel.Config
	if err := readJSON(path, &cfg); err != nil {
		if !os.IsNotExist(err) {
			return syncmodel.Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}

		cfg = syncmodel.Config{
			APIURL:    APIURL(),
			SocketURL: SocketURL(),
			Sources:   map[string]syncmodel.Source{},
			Watchers:  []syncmodel.Watcher{},
			Webhooks:  []string{},
		}

		if err := s.SaveConfig(cfg); err != nil {
			return syncmodel.Config{}, err
		}
	}

	return cfg, nil
}

// SaveConfig writes config.json atomically, pretty-printed, with map keys
// in sorted order (encoding/json sorts map[string]... keys automatically).
func (s *Store) SaveConfig(cfg syncmodel.Config) error {
	return s.writeJSON(ConfigFile, cfg)
}

// LoadAuth reads auth.json, creating a default document if absent.
func (s *Store) LoadAuth() (syncmodel.Auth, error) {
	path := filepath.Join(s.dir, AuthFile)

	var auth syncmodel.Auth
	if err := readJSON(path, &auth); err != nil {
		if !os.IsNotExist(err) {
			return syncmodel.Auth{}, fmt.Errorf("config: reading %s: %w", path, err)
		}

		auth = syncmodel.Auth{Records: map[string]syncmodel.Credentials{}}

		if err := s.SaveAuth(auth); err != nil {
			return syncmodel.Auth{}, err
		}
	}

	return auth, nil
}

// SaveAuth writes auth.json atomically.
func (s *Store) SaveAuth(auth syncmodel.Auth) error {
	return s.writeJSON(AuthFile, auth)
}

// RestoreLastGood rewrites both config.json and auth.json with the last
// known-good in-memory copies, whichever of them failed to parse — the
// self-healing behavior for
// I/O and Parse errors on the config directory watch (section 7).
func (s *Store) RestoreLastGood(cfg syncmodel.Config, auth syncmodel.Auth) error {
	if err := s.SaveConfig(cfg); err != nil {
		return err
	}

	return s.SaveAuth(auth)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, v)
}

func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encoding %s: %w", name, err)
	}

	return atomicWriteFile(filepath.Join(s.dir, name), data)
}

// AtomicWriteFile performs a crash-safe full-file replace: write to a
// tempfile in the same directory, fsync, close, chmod, then rename over the
// destination. Exported for the hash index, which persists one JSON file
// per watcher outside the config/auth pair but wants the same guarantee.
func AtomicWriteFile(path string, data []byte) error {
	return atomicWriteFile(path, data)
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".sherry-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return fmt.Errorf("syncing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, filePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}

	succeeded = true

	return nil
}
