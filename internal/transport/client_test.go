package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticToken struct{ tok string }

func (s staticToken) Token() (string, error) { return s.tok, nil }

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()

	c := NewClient(srv.URL, srv.Client(), staticToken{tok: "test-token"}, nil)
	c.sleepFunc = func(ctx context.Context, d time.Duration) error { return nil } // no real delay in tests

	return c
}

func TestDo_SendsBearerTokenAndUserAgent(t *testing.T) {
	t.Parallel()

	var gotAuth, gotUA string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	resp, err := c.Do(context.Background(), http.MethodGet, "/ping", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, userAgent, gotUA)
}

func TestDo_RetriesOn500ThenSucceeds(t *testing.T) {
	t.Parallel()

	var attempts int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	resp, err := c.Do(context.Background(), http.MethodGet, "/flaky", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestDo_TerminalErrorAfterMaxRetries(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	_, err := c.Do(context.Background(), http.MethodGet, "/always-fails", nil)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, errors.Is(err, ErrServerError))
}

func TestDo_NonRetryableStatusFailsImmediately(t *testing.T) {
	t.Parallel()

	var attempts int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	_, err := c.Do(context.Background(), http.MethodGet, "/missing", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestDo_ContextCanceledAbortsRetryLoop(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Do(ctx, http.MethodGet, "/any", nil)
	require.Error(t, err)
}

func TestFetchFolder_ReturnsBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sherry/src1", r.URL.Path)
		w.Write([]byte(`{"id":"src1"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	resp, err := c.FetchFolder(context.Background(), "src1")
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"src1"}`, string(data))
}

func TestRefreshToken_SendsRefreshTokenPayload(t *testing.T) {
	t.Parallel()

	var gotBody string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/refresh", r.URL.Path)

		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)

		w.Write([]byte(`{"accessToken":"a","refreshToken":"b","expiresIn":123}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	resp, err := c.RefreshToken(context.Background(), "old-refresh")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.JSONEq(t, `{"refreshToken":"old-refresh"}`, gotBody)
}
