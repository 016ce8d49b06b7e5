package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"navyk-backend/internal/models"
	"navyk-backend/internal/ratelimit"
)

func echoUser(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(GetUserID(r.Context()).String()))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) models.APIError {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Error
}

func TestJWTAuth_RoundTrip(t *testing.T) {
	auth := NewJWTAuth("test-secret")
	user := uuid.New()

	token, err := auth.GenerateAccessToken(user, time.Minute)
	require.NoError(t, err)

	got, err := auth.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, user, got)

	_, err = NewJWTAuth("other-secret").ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTAuth_Middleware(t *testing.T) {
	auth := NewJWTAuth("test-secret")
	user := uuid.New()
	valid, err := auth.GenerateAccessToken(user, time.Minute)
	require.NoError(t, err)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": user.String(),
		"exp":     time.Now().Add(-time.Minute).Unix(),
	}).SignedString(auth.Secret)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
		code   string
	}{
		{"valid token", "Bearer " + valid, http.StatusOK, ""},
		{"missing header", "", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"wrong scheme", "Basic " + valid, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"expired token", "Bearer " + expired, http.StatusUnauthorized, "TOKEN_EXPIRED"},
	}

	h := auth.Middleware(http.HandlerFunc(echoUser))
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			if tc.code == "" {
				assert.Equal(t, user.String(), rec.Body.String())
				return
			}
			assert.Equal(t, tc.code, decodeError(t, rec).Code)
		})
	}
}

func TestRateLimiter_KeysByUserAndSetsRetryAfter(t *testing.T) {
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	window := ratelimit.NewWindow(1, time.Minute).WithClock(func() time.Time { return now })
	h := NewRateLimiter(window, nil).Middleware(http.HandlerFunc(echoUser))

	alice, bob := uuid.New(), uuid.New()
	serve := func(user uuid.UUID) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(WithUserID(req.Context(), user))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, serve(alice).Code)

	rec := serve(alice)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMITED", decodeError(t, rec).Code)

	assert.Equal(t, http.StatusOK, serve(bob).Code)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, assert.AnError
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	h := NewRateLimiter(failingLimiter{}, nil).Middleware(http.HandlerFunc(echoUser))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
