package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/redis"
)

func TestClientKeyFunc(t *testing.T) {
	tests := []struct {
		name     string
		clientID string
		remote   string
		expected string
	}{
		{"from header", "billing", "5.6.7.8:1234", "client:billing"},
		{"falls back to ip", "", "5.6.7.8:1234", "ip:5.6.7.8:1234"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.clientID != "" {
				req.Header.Set("X-Client-ID", tt.clientID)
			}
			req.RemoteAddr = tt.remote

			result := ClientKeyFunc(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		expected   string
	}{
		{"X-Forwarded-For", "1.2.3.4", "", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"X-Real-IP", "", "1.2.3.4", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"RemoteAddr fallback", "", "", "5.6.7.8:1234", "ip:5.6.7.8:1234"},
		{"Forwarded takes precedence", "1.1.1.1", "2.2.2.2", "3.3.3.3:1234", "ip:1.1.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			req.RemoteAddr = tt.remoteAddr

			result := IPKeyFunc(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

type stubLimiter struct {
	result *redis.RateLimitResult
	err    error
}

func (s stubLimiter) Allow(context.Context, string) (*redis.RateLimitResult, error) {
	return s.result, s.err
}

func TestRateLimitMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name    string
		limiter Limiter
		want    int
	}{
		{"no limiter", nil, http.StatusOK},
		{"allowed", stubLimiter{result: &redis.RateLimitResult{Allowed: true, Limit: 10, Remaining: 9, ResetAt: time.Now().Add(time.Minute)}}, http.StatusOK},
		{"rejected", stubLimiter{result: &redis.RateLimitResult{Allowed: false, Limit: 10, ResetAt: time.Now().Add(time.Minute)}}, http.StatusTooManyRequests},
		{"limiter error fails open", stubLimiter{err: errors.New("redis down")}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := RateLimitMiddleware(tt.limiter, zap.NewNop(), ClientKeyFunc)(ok)

			req := httptest.NewRequest("GET", "/test", nil)
			rec := httptest.NewRecorder()
			wrapped.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
			if tt.want == http.StatusTooManyRequests {
				if rec.Header().Get("Retry-After") == "" {
					t.Error("expected Retry-After header")
				}
				if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
					t.Errorf("content type = %q", ct)
				}
			}
		})
	}
}
