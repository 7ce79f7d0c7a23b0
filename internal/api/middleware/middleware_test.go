package middleware_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/phrazzld/runqueue/internal/api/middleware"
	"github.com/phrazzld/runqueue/internal/api/shared"
	"github.com/phrazzld/runqueue/internal/auth"
	"github.com/phrazzld/runqueue/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubValidator struct {
	claims *auth.Claims
	err    error
}

func (s stubValidator) ValidateToken(context.Context, string) (*auth.Claims, error) {
	return s.claims, s.err
}

func subjectEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ := shared.GetSubject(r.Context())
		_, _ = w.Write([]byte(subject))
	})
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	ok := stubValidator{claims: &auth.Claims{Subject: "ops"}}
	tests := []struct {
		name       string
		header     string
		validator  stubValidator
		wantStatus int
		wantBody   string
	}{
		{name: "valid", header: "Bearer abc", validator: ok, wantStatus: http.StatusOK, wantBody: "ops"},
		{name: "lowercase scheme", header: "bearer abc", validator: ok, wantStatus: http.StatusOK, wantBody: "ops"},
		{name: "missing header", validator: ok, wantStatus: http.StatusUnauthorized},
		{name: "basic scheme", header: "Basic abc", validator: ok, wantStatus: http.StatusUnauthorized},
		{name: "empty token", header: "Bearer ", validator: ok, wantStatus: http.StatusUnauthorized},
		{
			name:       "expired",
			header:     "Bearer abc",
			validator:  stubValidator{err: auth.ErrExpiredToken},
			wantStatus: http.StatusUnauthorized,
			wantBody:   "Token expired",
		},
		{
			name:       "invalid",
			header:     "Bearer abc",
			validator:  stubValidator{err: fmt.Errorf("bad signature: %w", auth.ErrInvalidToken)},
			wantStatus: http.StatusUnauthorized,
			wantBody:   "Invalid token",
		},
		{
			name:       "unexpected",
			header:     "Bearer abc",
			validator:  stubValidator{err: errors.New("keystore offline")},
			wantStatus: http.StatusInternalServerError,
			wantBody:   "Authentication error",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := middleware.NewAuthMiddleware(tc.validator).Authenticate(subjectEcho())
			req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestAuthenticate_RealTokens(t *testing.T) {
	t.Parallel()

	svc, err := auth.NewTokenService("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	token, err := svc.GenerateToken(context.Background(), "scheduler", time.Hour)
	require.NoError(t, err)

	h := middleware.NewAuthMiddleware(svc).Authenticate(subjectEcho())
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "scheduler", rec.Body.String())
}

func TestTraceMiddleware(t *testing.T) {
	t.Parallel()

	log, buf := logger.GetTestLogger(t)
	var traceID string
	h := middleware.NewTraceMiddleware(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = shared.GetTraceID(r.Context())
		logger.FromContext(r.Context()).Info("handled")
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	require.NotEmpty(t, traceID)
	entries, err := buf.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, traceID, e["trace_id"])
	}
}
