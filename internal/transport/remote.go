package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sherry-sync/deamon/internal/reconcile"
)

// listingEntry is the wire shape of one row returned by GET /file/{sherryId}.
type listingEntry struct {
	SherryID  string `json:"sherryId"`
	Path      string `json:"path"`
	Hash      string `json:"hash"`
	Size      int64  `json:"size"`
	UpdatedAt int64  `json:"updatedAt"`
}

// RemoteClient adapts Client to reconcile.Remote: decoding the listing
// response and exposing the raw file body for streaming downloads.
type RemoteClient struct {
	client *Client
}

// NewRemoteClient wraps a Client for use by the reconciliation sweep.
func NewRemoteClient(client *Client) *RemoteClient {
	return &RemoteClient{client: client}
}

// FetchListing decodes the JSON array returned by GET /file/{sherryId}.
func (r *RemoteClient) FetchListing(ctx context.Context, folderID string) ([]reconcile.RemoteFile, error) {
	resp, err := r.client.FetchListing(ctx, folderID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var entries []listingEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("transport: decoding listing: %w", err)
	}

	out := make([]reconcile.RemoteFile, len(entries))
	for i, e := range entries {
		out[i] = reconcile.RemoteFile{
			SherryID:  e.SherryID,
			Path:      e.Path,
			Hash:      e.Hash,
			Size:      e.Size,
			UpdatedAt: e.UpdatedAt,
		}
	}

	return out, nil
}

// Download streams the current content of path from GET
// /file/instance/{sherryId}?path=. The caller must close the returned body.
func (r *RemoteClient) Download(ctx context.Context, sherryID, path string) (reconcile.ReadCloser, error) {
	resp, err := r.client.FetchFile(ctx, sherryID, path)
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}
