package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health/live", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("Permissions-Policy"))
}

func TestCORS_MatchesAPISurface(t *testing.T) {
	opts := CORS(nil)
	assert.Equal(t, []string{"http://localhost:3000"}, opts.AllowedOrigins)
	assert.ElementsMatch(t, []string{"GET", "POST", "DELETE", "OPTIONS"}, opts.AllowedMethods)
	assert.NotContains(t, opts.AllowedMethods, "PUT")
	assert.Contains(t, opts.ExposedHeaders, "Retry-After")
	assert.False(t, opts.AllowCredentials)

	opts = CORS([]string{"*"})
	assert.Equal(t, []string{"*"}, opts.AllowedOrigins)
}
