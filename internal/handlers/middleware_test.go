package handlers

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestGetClientIP(t *testing.T) {
	cases := []struct {
		name       string
		forwarded  string
		realIP     string
		trustProxy bool
		want       string
	}{
		{"remote addr only", "", "", true, "203.0.113.9"},
		{"forwarded trusted", "198.51.100.7, 10.0.0.1", "", true, "198.51.100.7"},
		{"real ip trusted", "", "198.51.100.7", true, "198.51.100.7"},
		{"forwarded untrusted", "198.51.100.7", "", false, "203.0.113.9"},
		{"real ip untrusted", "", "198.51.100.7", false, "203.0.113.9"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/qr", nil)
			req.RemoteAddr = "203.0.113.9:51234"
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := getClientIP(req, tc.trustProxy); got != tc.want {
				t.Fatalf("getClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIPRateLimiterIgnoresSpoofedHeadersWhenUntrusted(t *testing.T) {
	limiter := NewIPRateLimiter(1, time.Minute, false)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := limiter.Middleware(next)

	// Rotating X-Forwarded-For values must not open fresh buckets when the
	// headers are untrusted; the direct peer address is the bucket key.
	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest("GET", "/qr", nil)
		req.RemoteAddr = "203.0.113.9:51234"
		req.Header.Set("X-Forwarded-For", "198.51.100."+strconv.Itoa(i+1))
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d status %d, want %d", i, rec.Code, want)
		}
	}
}

func TestIPRateLimiterSeparatesForwardedClientsWhenTrusted(t *testing.T) {
	limiter := NewIPRateLimiter(1, time.Minute, true)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := limiter.Middleware(next)

	for _, client := range []string{"198.51.100.1", "198.51.100.2"} {
		req := httptest.NewRequest("GET", "/qr", nil)
		req.RemoteAddr = "10.0.0.1:51234"
		req.Header.Set("X-Forwarded-For", client)
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("client %s status %d, want 200", client, rec.Code)
		}
	}
}
