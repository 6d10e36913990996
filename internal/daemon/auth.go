package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/sherry-sync/deamon/internal/syncmodel"
	"github.com/sherry-sync/deamon/internal/transport"
)

// authAdapter satisfies controller.AuthRefresher against the REST client.
type authAdapter struct {
	client *transport.Client
}

func newAuthAdapter(client *transport.Client) *authAdapter {
	return &authAdapter{client: client}
}

// refreshResponse is the wire shape of POST /auth/refresh.
type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

func (a *authAdapter) Refresh(ctx context.Context, userID string, cred syncmodel.Credentials) (syncmodel.Credentials, error) {
	resp, err := a.client.RefreshToken(ctx, cred.RefreshToken)
	if err != nil {
		return syncmodel.Credentials{}, err
	}
	defer resp.Body.Close()

	var body refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return syncmodel.Credentials{}, fmt.Errorf("daemon: decoding refresh response: %w", err)
	}

	// The refresh-threshold logic of section 4.H step 1 is modeled on
	// oauth2.Token's access/refresh/expiry triple; only the value shape is
	// reused here since POST /auth/refresh is a plain REST call, not a
	// generic OAuth2 flow.
	token := &oauth2.Token{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		Expiry:       time.Unix(body.ExpiresIn, 0),
	}

	cred.AccessToken = token.AccessToken
	cred.RefreshToken = token.RefreshToken
	cred.ExpiresIn = token.Expiry.Unix()
	cred.Expired = false

	return cred, nil
}

// folderAdapter satisfies controller.FolderFetcher against the REST client.
type folderAdapter struct {
	client *transport.Client
}

func newFolderAdapter(client *transport.Client) *folderAdapter {
	return &folderAdapter{client: client}
}

func (a *folderAdapter) FetchSource(ctx context.Context, sourceID string) (syncmodel.Source, error) {
	resp, err := a.client.FetchFolder(ctx, sourceID)
	if err != nil {
		return syncmodel.Source{}, err
	}
	defer resp.Body.Close()

	var source syncmodel.Source
	if err := json.NewDecoder(resp.Body).Decode(&source); err != nil {
		return syncmodel.Source{}, fmt.Errorf("daemon: decoding folder response: %w", err)
	}

	return source, nil
}
