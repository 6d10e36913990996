// Package syncmodel holds the shared vocabulary of the change-propagation
// engine: the config-level entities (Source, Watcher, Credentials) and the
// internal event types that flow between the coalescer, optimizer, filter,
// scheduler, transport, and reconciliation components. No component owns
// these types privately — they are the contract between packages.
package syncmodel

import "time"

// AccessRole is a Source's access level for the bound user.
type AccessRole string

// Access roles as carried in config.json.
const (
	AccessRead  AccessRole = "READ"
	AccessWrite AccessRole = "WRITE"
	AccessOwner AccessRole = "OWNER"
)

// Source is a remote folder as configured by the server: the unit of access
// control and policy. It is an immutable snapshot, replaced wholesale on
// every controller revalidation pass rather than patched in place.
type Source struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Access            AccessRole `json:"access"`
	UserID            string     `json:"userId"`
	OwnerID           string     `json:"ownerId"`
	MaxFileSize       int64      `json:"maxFileSize"`
	MaxDirSize        int64      `json:"maxDirSize"`
	AllowDir          bool       `json:"allowDir"`
	AllowedFileNames  []string   `json:"allowedFileNames"`
	AllowedFileTypes  []string   `json:"allowedFileTypes"`
}

// Watcher is the local side of a source binding: one local directory
// watched for changes. Complete is false until the first successful
// reconciliation sweep has produced a consistent hash index.
type Watcher struct {
	Source    string `json:"source"`
	LocalPath string `json:"localPath"`
	HashesID  string `json:"hashesId"`
	UserID    string `json:"userId"`
	Complete  bool   `json:"complete"`
}

// Credentials is one user's access/refresh token pair plus bookkeeping.
// Expired is sticky: once refresh fails it stays true until a manual
// re-login updates the record (the controller never clears it itself).
type Credentials struct {
	UserID       string `json:"userId"`
	Email        string `json:"email"`
	Username     string `json:"username"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"` // unix seconds
	Expired      bool   `json:"expired"`
}

// RefreshThreshold is how far ahead of expiry a token is proactively
// refreshed (EXPIRATION_THRESHOLD in the original implementation: one week).
const RefreshThreshold = 7 * 24 * time.Hour

// NeedsRefresh reports whether these credentials should be refreshed before
// their next use: not already marked expired, and within the threshold of
// their stated expiry.
func (c Credentials) NeedsRefresh(now time.Time) bool {
	if c.Expired {
		return false
	}

	remaining := time.Unix(c.ExpiresIn, 0).Sub(now)

	return remaining <= RefreshThreshold
}

// Config is the on-disk main config envelope (config.json).
type Config struct {
	APIURL    string             `json:"apiUrl"`
	SocketURL string             `json:"socketUrl"`
	Sources   map[string]Source  `json:"sources"`
	Watchers  []Watcher          `json:"watchers"`
	Webhooks  []string           `json:"webhooks"`
}

// Auth is the on-disk credentials envelope (auth.json).
type Auth struct {
	Default string                 `json:"default"`
	Records map[string]Credentials `json:"records"`
}

// Clone returns a deep-enough copy of a Config for snapshot reads: callers
// that hold a Config value from Controller.Snapshot must not observe later
// mutations performed by the controller.
func (c Config) Clone() Config {
	sources := make(map[string]Source, len(c.Sources))
	for k, v := range c.Sources {
		sources[k] = v
	}

	watchers := make([]Watcher, len(c.Watchers))
	copy(watchers, c.Watchers)

	webhooks := make([]string, len(c.Webhooks))
	copy(webhooks, c.Webhooks)

	return Config{
		APIURL:    c.APIURL,
		SocketURL: c.SocketURL,
		Sources:   sources,
		Watchers:  watchers,
		Webhooks:  webhooks,
	}
}

// Clone returns a deep-enough copy of an Auth document for snapshot reads.
func (a Auth) Clone() Auth {
	records := make(map[string]Credentials, len(a.Records))
	for k, v := range a.Records {
		records[k] = v
	}

	return Auth{Default: a.Default, Records: records}
}

// FileType distinguishes regular files from directories in a SyncEvent.
type FileType int

const (
	FileTypeFile FileType = iota
	FileTypeDir
)

// SyncEventKind is the canonical, post-coalescing classification of a change.
type SyncEventKind int

const (
	EventCreated SyncEventKind = iota
	EventUpdated
	EventMoved
	EventDeleted
)

func (k SyncEventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventMoved:
		return "moved"
	case EventDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// SyncEvent is the internal, never-persisted unit the coalescer produces,
// the optimizer reduces, the filter screens, and the scheduler ships.
//
// Invariant: SyncPath has no leading separator, uses "/", and is the strict
// suffix of LocalPath once Base is removed.
type SyncEvent struct {
	SourceID    string
	Base        string
	FileType    FileType
	Kind        SyncEventKind
	LocalPath   string
	OldLocalPath string
	SyncPath    string
	OldSyncPath string
	Hash        string
	Size        int64
	Timestamp   int64 // ms since epoch
}

// NowMillis returns the current time as milliseconds since the Unix epoch,
// the timestamp unit used throughout the hash index and SyncEvent.
func NowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
