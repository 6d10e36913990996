package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// reconnectDelay is the fixed back-off between push-channel reconnect
// attempts (section 4.F). Unlike the REST retry loop this never gives up.
const reconnectDelay = 10 * time.Second

// RemoteEventKind enumerates the server→client push-channel event types
// (section 4.F).
type RemoteEventKind string

const (
	RemoteFolderCreated         RemoteEventKind = "FOLDER:CREATED"
	RemoteFolderUpdated         RemoteEventKind = "FOLDER:UPDATED"
	RemoteFolderDeleted         RemoteEventKind = "FOLDER:DELETED"
	RemotePermissionGranted     RemoteEventKind = "FOLDER:PERMISSION:GRANTED"
	RemotePermissionRevoked     RemoteEventKind = "FOLDER:PERMISSION:REVOKED"
	RemoteFileCreated           RemoteEventKind = "FOLDER:FILE:CREATED"
	RemoteFileUpdated           RemoteEventKind = "FOLDER:FILE:UPDATED"
	RemoteFileRenamed           RemoteEventKind = "FOLDER:FILE:RENAME"
	RemoteFileDeleted           RemoteEventKind = "FOLDER:FILE:DELETED"
)

// RemoteEvent is one decoded push-channel message.
type RemoteEvent struct {
	Kind     RemoteEventKind `json:"type"`
	SherryID string          `json:"sherryId"`
	Path     string          `json:"path"`
	Hash     string          `json:"hash"`
	Size     int64           `json:"size"`
	UpdatedAt int64          `json:"updatedAt"`
	Message  string          `json:"message"` // populated for the "error" event
}

// TokenLister supplies the set of non-expired access tokens to join into
// the push-channel's authorization header (one per watcher's owning user).
type TokenLister interface {
	NonExpiredTokens() []string
}

// PushChannel maintains the persistent bidirectional event stream, dialing
// and redialing with a fixed 10-second back-off until the process is
// stopped (section 4.F never tolerates giving up).
type PushChannel struct {
	socketURL string
	tokens    TokenLister
	logger    *slog.Logger

	active  atomic.Pointer[websocket.Conn]
	forceCh chan struct{}

	// dial is overridden in tests to avoid a real network connection.
	dial func(ctx context.Context, url string, header string) (*websocket.Conn, error)
}

// NewPushChannel creates a PushChannel. socketURL is SHERRY_SOCKET_URL.
func NewPushChannel(socketURL string, tokens TokenLister, logger *slog.Logger) *PushChannel {
	if logger == nil {
		logger = slog.Default()
	}

	return &PushChannel{
		socketURL: socketURL,
		tokens:    tokens,
		logger:    logger,
		forceCh:   make(chan struct{}, 1),
		dial:      defaultDial,
	}
}

// Run connects and reconnects forever (until ctx is canceled), delivering
// decoded RemoteEvents to handle. A panic inside one connection's read loop
// is recovered and treated like any other disconnect — it triggers the
// same reconnect back-off rather than killing the daemon.
func (p *PushChannel) Run(ctx context.Context, handle func(RemoteEvent)) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := p.runOnce(ctx, handle); err != nil {
			p.logger.Warn("push channel disconnected",
				slog.String("error", err.Error()),
				slog.Duration("reconnect_in", reconnectDelay),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-p.forceCh:
		case <-time.After(reconnectDelay):
		}
	}
}

// Reconnect closes the active connection, if any, so the run loop's next
// Read returns an error and redials immediately with a fresh token list
// instead of waiting out the remaining back-off window. Used by the
// controller after a credential set changes (section 4.H step 6).
func (p *PushChannel) Reconnect() {
	if conn := p.active.Load(); conn != nil {
		conn.Close(websocket.StatusNormalClosure, "reconnecting")
	}

	select {
	case p.forceCh <- struct{}{}:
	default:
	}
}

func (p *PushChannel) runOnce(ctx context.Context, handle func(RemoteEvent)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("push channel: panic: %v", r)
		}
	}()

	header := strings.Join(p.tokens.NonExpiredTokens(), ";")

	conn, dialErr := p.dial(ctx, p.socketURL, header)
	if dialErr != nil {
		return fmt.Errorf("push channel: dial: %w", dialErr)
	}

	p.active.Store(conn)
	defer p.active.Store(nil)
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, readErr := conn.Read(ctx)
		if readErr != nil {
			return fmt.Errorf("push channel: read: %w", readErr)
		}

		var ev RemoteEvent
		if jsonErr := json.Unmarshal(data, &ev); jsonErr != nil {
			p.logger.Warn("push channel: malformed event", slog.String("error", jsonErr.Error()))

			continue
		}

		if ev.Kind == "" && ev.Message != "" {
			p.logger.Error("push channel: server error event", slog.String("message", ev.Message))

			continue
		}

		handle(ev)
	}
}

func defaultDial(ctx context.Context, url string, authHeader string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: map[string][]string{"authorization": {authHeader}},
	})

	return conn, err
}
