package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sherry-sync/deamon/internal/syncmodel"
	"github.com/sherry-sync/deamon/internal/transport"
)

type staticAuthToken struct{}

func (staticAuthToken) Token() (string, error) { return "tok", nil }

func TestAuthAdapter_Refresh_PopulatesCredentialsFromResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"accessToken":"new-access","refreshToken":"new-refresh","expiresIn":1999999999}`))
	}))
	defer srv.Close()

	client := transport.NewClient(srv.URL, srv.Client(), staticAuthToken{}, nil)
	adapter := newAuthAdapter(client)

	out, err := adapter.Refresh(context.Background(), "u1", syncmodel.Credentials{UserID: "u1", RefreshToken: "old"})
	require.NoError(t, err)

	assert.Equal(t, "new-access", out.AccessToken)
	assert.Equal(t, "new-refresh", out.RefreshToken)
	assert.Equal(t, int64(1999999999), out.ExpiresIn)
	assert.False(t, out.Expired)
}

func TestAuthAdapter_Refresh_ServerErrorPropagates(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := transport.NewClient(srv.URL, srv.Client(), staticAuthToken{}, nil)
	adapter := newAuthAdapter(client)

	_, err := adapter.Refresh(context.Background(), "u1", syncmodel.Credentials{UserID: "u1"})
	assert.Error(t, err)
}

func TestFolderAdapter_FetchSource_DecodesSource(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"src1","name":"docs","allowDir":true}`))
	}))
	defer srv.Close()

	client := transport.NewClient(srv.URL, srv.Client(), staticAuthToken{}, nil)
	adapter := newFolderAdapter(client)

	source, err := adapter.FetchSource(context.Background(), "src1")
	require.NoError(t, err)
	assert.Equal(t, "src1", source.ID)
	assert.Equal(t, "docs", source.Name)
	assert.True(t, source.AllowDir)
}
