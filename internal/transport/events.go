package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"strconv"

	"github.com/sherry-sync/deamon/internal/syncmodel"
)

// wireEvent is the JSON shape sent to /file/verify and as the text parts of
// the /file/event multipart body (section 4.F).
type wireEvent struct {
	SourceID  string `json:"sourceId"`
	Path      string `json:"path"`
	OldPath   string `json:"oldPath,omitempty"`
	Kind      string `json:"kind"`
	Hash      string `json:"hash,omitempty"`
	Size      int64  `json:"size"`
	Timestamp int64  `json:"timestamp"`
}

func toWireEvent(ev syncmodel.SyncEvent) wireEvent {
	return wireEvent{
		SourceID:  ev.SourceID,
		Path:      ev.SyncPath,
		OldPath:   ev.OldSyncPath,
		Kind:      ev.Kind.String(),
		Hash:      ev.Hash,
		Size:      ev.Size,
		Timestamp: ev.Timestamp,
	}
}

// EventSender encodes SyncEvents onto the wire for the verify and event
// endpoints, keeping the JSON/multipart encoding out of the scheduler that
// decides which events to send.
type EventSender struct {
	client *Client
}

// NewEventSender wraps a Client with the event-encoding logic of section 4.F.
func NewEventSender(client *Client) *EventSender {
	return &EventSender{client: client}
}

// Verify calls POST /file/verify and reports whether the server allows the
// change (HTTP 200).
func (s *EventSender) Verify(ctx context.Context, ev syncmodel.SyncEvent) (bool, error) {
	body, err := json.Marshal(toWireEvent(ev))
	if err != nil {
		return false, fmt.Errorf("transport: encoding verify body: %w", err)
	}

	resp, err := s.client.VerifyEvent(ctx, body)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return false, nil // non-200 on verify is an intentional skip, not a failure
		}

		return false, err
	}

	defer resp.Body.Close()

	return true, nil
}

// Send calls POST /file/event with the event's fields and, for
// non-delete kinds, the file's current content as a multipart file part.
// The whole multipart body, file included, is buffered in memory before the
// request is made.
func (s *EventSender) Send(ctx context.Context, ev syncmodel.SyncEvent) error {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	fields := toWireEvent(ev)
	for name, value := range map[string]string{
		"sourceId":  fields.SourceID,
		"path":      fields.Path,
		"oldPath":   fields.OldPath,
		"kind":      fields.Kind,
		"hash":      fields.Hash,
		"size":      strconv.FormatInt(fields.Size, 10),
		"timestamp": strconv.FormatInt(fields.Timestamp, 10),
	} {
		if value == "" {
			continue
		}

		if err := w.WriteField(name, value); err != nil {
			return fmt.Errorf("transport: writing field %s: %w", name, err)
		}
	}

	if ev.Kind != syncmodel.EventDeleted {
		if err := attachFile(w, ev.LocalPath); err != nil {
			return err
		}
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("transport: closing multipart body: %w", err)
	}

	resp, err := s.client.PostEvent(ctx, w.FormDataContentType(), bytes.NewReader(body.Bytes()))
	if err != nil {
		return err
	}

	defer resp.Body.Close()

	return nil
}

func attachFile(w *multipart.Writer, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("transport: opening %s: %w", localPath, err)
	}
	defer f.Close()

	part, err := w.CreateFormFile("file", localPath)
	if err != nil {
		return fmt.Errorf("transport: creating file part: %w", err)
	}

	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("transport: streaming %s: %w", localPath, err)
	}

	return nil
}
