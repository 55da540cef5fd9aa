package handlers

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytesSent  int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytesSent += n
	return n, err
}

func LoggingMiddleware(logger *logrus.Logger, trustProxy bool) func(http.Handler) http.Handler {
	logEntry := logger.WithField("component", "http_middleware")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			defer func() {
				logEntry.WithFields(logrus.Fields{
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     lrw.statusCode,
					"duration":   time.Since(start),
					"client_ip":  getClientIP(r, trustProxy),
					"bytes":      lrw.bytesSent,
					"user_agent": r.UserAgent(),
				}).Info("Request processed")
			}()

			next.ServeHTTP(lrw, r)
		})
	}
}

// IPRateLimiter is the coarse per-client-IP limiter fronting the whole
// router. It is independent of the per-token scan window and exists mainly to
// slow down bearer-string guessing.
type IPRateLimiter struct {
	limit      int
	window     time.Duration
	trustProxy bool

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

func NewIPRateLimiter(limit int, window time.Duration, trustProxy bool) *IPRateLimiter {
	return &IPRateLimiter{
		limit:      limit,
		window:     window,
		trustProxy: trustProxy,
		clients:    make(map[string]*clientLimiter),
	}
}

func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := getClientIP(r, l.trustProxy)

		l.mu.Lock()
		client, exists := l.clients[clientIP]
		if !exists {
			client = &clientLimiter{
				limiter: rate.NewLimiter(
					rate.Limit(float64(l.limit)/l.window.Seconds()),
					l.limit,
				),
			}
			l.clients[clientIP] = client
		}
		client.lastSeen = time.Now()
		l.mu.Unlock()

		if !client.limiter.Allow() {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Cleanup evicts idle client limiters. Run it in its own goroutine.
func (l *IPRateLimiter) Cleanup() {
	for {
		time.Sleep(time.Minute)
		l.mu.Lock()
		for ip, client := range l.clients {
			if time.Since(client.lastSeen) > 3*time.Minute {
				delete(l.clients, ip)
			}
		}
		l.mu.Unlock()
	}
}

// getClientIP reads the forwarding headers only when the deployment declares
// a trusted proxy in front; otherwise a direct client could spoof arbitrary
// addresses into the limiter and the audit trail.
func getClientIP(r *http.Request, trustProxy bool) string {
	var ip string
	if trustProxy {
		ip = r.Header.Get("X-Forwarded-For")
		if ip == "" {
			ip = r.Header.Get("X-Real-IP")
		}
	}
	if ip == "" {
		var err error
		ip, _, err = net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
	}
	if strings.Contains(ip, ",") {
		parts := strings.Split(ip, ",")
		ip = strings.TrimSpace(parts[0])
	}
	return ip
}
