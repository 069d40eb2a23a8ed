package proxy

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/metergate/gateway/limiter"
)

func TestExtractCredential_BearerPrefix(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("Authorization", "Bearer ck-abc123")

	raw, scheme := extractCredential(r)
	assert.Equal(t, "ck-abc123", raw)
	assert.Equal(t, "bearer", scheme)
}

func TestExtractCredential_XAPIKeyHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("x-api-key", "ck-abc123")

	raw, scheme := extractCredential(r)
	assert.Equal(t, "ck-abc123", raw)
	assert.Equal(t, "x-api-key", scheme)
}

func TestExtractCredential_Missing(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	raw, scheme := extractCredential(r)
	assert.Empty(t, raw)
	assert.Empty(t, scheme)
}

func TestWriteRejection_RateLimitSetsHourlyRetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	reset := time.Now().Add(time.Hour)
	writeRejection(w, &limiter.Rejection{
		Check: limiter.CheckRateName,
		Decision: limiter.Decision{
			Allowed: false, Limit: 100, Remaining: 0, ResetAt: reset,
		},
	})

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3600", w.Header().Get("Retry-After"))
	assert.Equal(t, "100", w.Header().Get("X-RateLimit-Limit"))
}

func TestWriteRejection_DailyQuotaSetsDailyRetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	writeRejection(w, &limiter.Rejection{
		Check: limiter.CheckQuotaName,
		Decision: limiter.Decision{
			Allowed: false, Limit: 50, Remaining: 0, ResetAt: time.Now(),
		},
	})

	assert.Equal(t, "86400", w.Header().Get("Retry-After"))
	assert.NotEmpty(t, w.Header().Get("X-DailyQuota-Limit"))
}

func TestWriteError_EmitsJSONErrorBody(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusUnauthorized, "authentication_error", "invalid API key")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "authentication_error")
	assert.Contains(t, w.Body.String(), "invalid API key")
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string { return "timeout" }
func (fakeTimeoutErr) Timeout() bool { return true }

func TestIsTimeout(t *testing.T) {
	assert.True(t, isTimeout(fakeTimeoutErr{}))
	assert.False(t, isTimeout(errors.New("boom")))
}
