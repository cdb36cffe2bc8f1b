package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthHandlerVerify(t *testing.T) {
	auth := NewAuthHandler("test-secret")
	assert.True(t, auth.Enabled())
	assert.True(t, auth.Verify("test-secret"))
	assert.False(t, auth.Verify("wrong-secret"))
	assert.False(t, auth.Verify(""))

	open := NewAuthHandler("")
	assert.False(t, open.Enabled())
	assert.True(t, open.Verify(""))
	assert.True(t, open.Verify("anything"))
}

func TestAuthHandlerMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := NewAuthHandler("test-secret").Middleware(next)

	tests := []struct {
		name   string
		secret string
		want   int
	}{
		{"valid secret", "test-secret", http.StatusNoContent},
		{"wrong secret", "nope", http.StatusUnauthorized},
		{"missing secret", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/invocations", nil)
			if tt.secret != "" {
				req.Header.Set(SecretHeader, tt.secret)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
