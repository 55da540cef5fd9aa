// Package settings loads the global toggles (allowed domains, default rate
// limit, login requirement) as immutable snapshots. Handlers take a snapshot
// per request; the provider refreshes it on a bounded interval rather than
// hitting the database on every scan.
package settings

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/qrfoundry/qrfoundry/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Snapshot struct {
	AllowedDomains         []string
	DefaultRateLimitPerMin int
	RequireLogin           bool
}

// URLAllowed reports whether the destination may be redirected to. Only
// http(s) URLs qualify; an empty allow-list allows every host; otherwise the
// host must equal an entry or be a subdomain of one.
func (s Snapshot) URLAllowed(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	if len(s.AllowedDomains) == 0 {
		return true
	}
	host := strings.ToLower(u.Hostname())
	for _, domain := range s.AllowedDomains {
		d := strings.ToLower(domain)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

type Provider struct {
	db  *gorm.DB
	log *logrus.Entry
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	cached   Snapshot
	loadedAt time.Time
	loading  bool
}

func NewProvider(logger *logrus.Logger, db *gorm.DB, ttl time.Duration) *Provider {
	return &Provider{
		db:  db,
		log: logger.WithField("component", "settings"),
		ttl: ttl,
		now: time.Now,
	}
}

// Snapshot returns the current settings, refreshing from the database when
// the cached copy is older than the configured interval. The database load
// runs outside the lock and at most one refresh is in flight; concurrent
// callers keep serving the stale snapshot meanwhile. A failed refresh keeps
// serving the previous snapshot.
func (p *Provider) Snapshot(ctx context.Context) Snapshot {
	p.mu.Lock()
	cached := p.cached
	fresh := !p.loadedAt.IsZero() && p.now().Sub(p.loadedAt) < p.ttl
	if fresh || p.loading {
		p.mu.Unlock()
		return cached
	}
	p.loading = true
	p.mu.Unlock()

	loaded, err := p.load(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.loading = false
	if err != nil {
		p.log.WithError(err).Warn("Settings refresh failed, keeping previous snapshot")
		return p.cached
	}
	p.cached = loaded
	p.loadedAt = p.now()
	return p.cached
}

func (p *Provider) load(ctx context.Context) (Snapshot, error) {
	var row models.QRSettings
	err := p.db.WithContext(ctx).Order("id").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}

	var domains []string
	for _, line := range strings.Split(row.AllowedDomains, "\n") {
		if d := strings.TrimSpace(line); d != "" {
			domains = append(domains, d)
		}
	}
	return Snapshot{
		AllowedDomains:         domains,
		DefaultRateLimitPerMin: row.DefaultRateLimitPerMin,
		RequireLogin:           row.RequireLogin,
	}, nil
}
