// Package transport is the REST and push-channel client for the sherry
// synchronization API (section 4.F).
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Per section 4.F, requests carry a bearer token and are retried with
// exponential backoff; these constants mirror the teacher's Graph client
// tuning (no retry guidance is given by the sherry API itself).
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "sherryd/0.1"
)

// TokenSource provides the bearer token for the watcher's owning user.
// Defined at the consumer per "accept interfaces, return structs" — do not
// move this interface to the controller package.
type TokenSource interface {
	Token() (string, error)
}

// Client is an HTTP client for the sherry REST API. It handles request
// construction, authentication, retry with exponential backoff, and error
// classification.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a sherry API client. baseURL is SHERRY_API_URL.
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// Do executes an authenticated HTTP request against the sherry API with
// automatic retry on transient errors.
// The caller is responsible for closing the response body on success.
// On error, returns an *APIError wrapping a sentinel (use errors.Is to classify).
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	return c.doRetry(ctx, method, path, body, nil)
}

// DoWithHeaders executes an authenticated HTTP request with additional
// headers merged into every retry attempt (used for the multipart event
// upload's Content-Type boundary header).
func (c *Client) DoWithHeaders(
	ctx context.Context, method, path string, body io.Reader, extraHeaders http.Header,
) (*http.Response, error) {
	return c.doRetry(ctx, method, path, body, extraHeaders)
}

// RefreshToken calls POST /auth/refresh and returns the raw response body
// for the caller (controller) to decode into the credential triple.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*http.Response, error) {
	payload := fmt.Sprintf(`{"refreshToken":%q}`, refreshToken)

	return c.doRetry(ctx, http.MethodPost, "/auth/refresh", newJSONBody(payload), nil)
}

// FetchFolder calls GET /sherry/{folderId}, returning folder policy and
// permissions.
func (c *Client) FetchFolder(ctx context.Context, folderID string) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, "/sherry/"+url.PathEscape(folderID), nil)
}

// FetchListing calls GET /file/{sherryId}, returning the remote file
// listing used by the reconciliation sweep (section 4.G).
func (c *Client) FetchListing(ctx context.Context, sherryID string) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, "/file/"+url.PathEscape(sherryID), nil)
}

// FetchFile calls GET /file/instance/{sherryId}?path=, streaming the
// current file body. The caller must close the response body.
func (c *Client) FetchFile(ctx context.Context, sherryID, path string) (*http.Response, error) {
	q := url.Values{"path": {path}}

	return c.Do(ctx, http.MethodGet, "/file/instance/"+url.PathEscape(sherryID)+"?"+q.Encode(), nil)
}

// VerifyEvent calls POST /file/verify with a JSON-encoded event body. A 200
// response means the event is allowed by server-side policy.
func (c *Client) VerifyEvent(ctx context.Context, jsonBody []byte) (*http.Response, error) {
	return c.Do(ctx, http.MethodPost, "/file/verify", newBytesBody(jsonBody))
}

// PostEvent calls POST /file/event with a multipart body (event fields as
// text parts, optional file stream part). contentType is the multipart
// writer's boundary-bearing Content-Type header value.
func (c *Client) PostEvent(ctx context.Context, contentType string, body io.Reader) (*http.Response, error) {
	headers := http.Header{"Content-Type": []string{contentType}}

	return c.DoWithHeaders(ctx, http.MethodPost, "/file/event", body, headers)
}

// doRetry is the shared retry loop for every REST verb above.
func (c *Client) doRetry(
	ctx context.Context, method, path string, body io.Reader, extraHeaders http.Header,
) (*http.Response, error) {
	reqURL := c.baseURL + path

	var attempt int
	for {
		// Rewind seekable bodies so retries send the full payload.
		if err := rewindBody(body); err != nil {
			return nil, err
		}

		resp, err := c.doOnce(ctx, method, reqURL, body, extraHeaders)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("transport: request canceled: %w", ctx.Err())
			}

			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("transport: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("transport: %s %s failed after %d retries: %w", method, path, maxRetries, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		reqID := resp.Header.Get("x-request-id")

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("transport: request canceled: %w", err)
			}

			attempt++

			continue
		}

		return nil, c.terminalError(method, path, resp.StatusCode, reqID, errBody, attempt)
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(
	ctx context.Context, method, reqURL string, body io.Reader, extraHeaders http.Header,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	tok, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("obtaining token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", userAgent)

	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	for key, vals := range extraHeaders {
		for _, v := range vals {
			req.Header.Set(key, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed",
			slog.String("method", method),
			slog.String("url", reqURL),
			slog.String("error", err.Error()),
		)

		return nil, err
	}

	c.logger.Debug("HTTP response received",
		slog.String("method", method),
		slog.String("url", reqURL),
		slog.Int("status", resp.StatusCode),
	)

	return resp, nil
}

// terminalError builds an APIError and logs the final failure.
func (c *Client) terminalError(
	method, path string, statusCode int, reqID string, body []byte, attempt int,
) *APIError {
	apiErr := &APIError{
		StatusCode: statusCode,
		RequestID:  reqID,
		Message:    string(body),
		Err:        classifyStatus(statusCode),
	}

	if attempt > 0 {
		c.logger.Error("request failed after retries",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", statusCode),
			slog.Int("attempts", attempt+1),
		)
	} else {
		c.logger.Warn("request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", statusCode),
		)
	}

	return apiErr
}

// retryBackoff returns the backoff duration for a retryable response. A
// 429's Retry-After header takes precedence over calculated backoff.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// rewindBody seeks an io.Reader back to offset 0 if it implements io.Seeker.
// Callers pass bytes.NewReader bodies (an io.ReadSeeker), so the body is
// fully available on retry. Returns nil when body is nil or not seekable.
func rewindBody(body io.Reader) error {
	if body == nil {
		return nil
	}

	if seeker, ok := body.(io.Seeker); ok {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("transport: rewinding request body for retry: %w", err)
		}
	}

	return nil
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
