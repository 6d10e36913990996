package config

import (
	"sync"

	"github.com/sherry-sync/deamon/internal/syncmodel"
)

// Documents provides thread-safe access to the canonical in-memory config
// and auth documents. The controller is the only writer; every other
// component takes a Snapshot and releases it quickly (section 5 shared
// state rules).
type Documents struct {
	mu   sync.RWMutex
	cfg  syncmodel.Config
	auth syncmodel.Auth
}

// NewDocuments creates a Documents holder seeded with the initial config
// and auth documents.
func NewDocuments(cfg syncmodel.Config, auth syncmodel.Auth) *Documents {
	return &Documents{cfg: cfg, auth: auth}
}

// Snapshot returns a deep-enough copy of both documents for a reader that
// must not observe later controller mutations.
func (d *Documents) Snapshot() (syncmodel.Config, syncmodel.Auth) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.cfg.Clone(), d.auth.Clone()
}

// Update replaces both documents. Only the controller calls this.
func (d *Documents) Update(cfg syncmodel.Config, auth syncmodel.Auth) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cfg = cfg
	d.auth = auth
}
