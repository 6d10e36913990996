package transport

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus_MapsKnownCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code int
		want error
	}{
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrConflict},
		{http.StatusGone, ErrGone},
		{http.StatusTooManyRequests, ErrThrottled},
		{http.StatusInternalServerError, ErrServerError},
		{http.StatusBadGateway, ErrServerError},
		{http.StatusOK, nil},
	}

	for _, c := range cases {
		got := classifyStatus(c.code)
		if c.want == nil {
			assert.NoError(t, got)
			continue
		}

		assert.True(t, errors.Is(got, c.want))
	}
}

func TestIsRetryable_OnlyTransientCodes(t *testing.T) {
	t.Parallel()

	retryable := []int{
		http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	}

	for _, code := range retryable {
		assert.True(t, isRetryable(code), "expected %d to be retryable", code)
	}

	nonRetryable := []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusOK}
	for _, code := range nonRetryable {
		assert.False(t, isRetryable(code), "expected %d not to be retryable", code)
	}
}

func TestAPIError_ErrorAndUnwrap(t *testing.T) {
	t.Parallel()

	err := &APIError{StatusCode: 404, Message: "missing", Err: ErrNotFound}

	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}
