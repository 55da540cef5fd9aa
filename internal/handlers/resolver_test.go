package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/qrfoundry/qrfoundry/internal/encoding"
	"github.com/qrfoundry/qrfoundry/internal/models"
	"github.com/qrfoundry/qrfoundry/internal/ratelimit"
	"github.com/qrfoundry/qrfoundry/internal/scanlog"
	"github.com/qrfoundry/qrfoundry/internal/settings"
	"github.com/qrfoundry/qrfoundry/internal/token"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type resolverFixture struct {
	db       *gorm.DB
	store    *token.Store
	handler  *ResolveHandler
	identity Identity
}

type noFields struct{}

func (noFields) FieldValue(context.Context, string, string, string) (string, error) {
	return "", nil
}

func newResolverFixture(t *testing.T) *resolverFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.QRList{}, &models.QRToken{}, &models.ScanLog{}, &models.QRSettings{}); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	resolver, err := encoding.NewResolver(noFields{}, "https://example.com")
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	f := &resolverFixture{db: db}
	f.store = token.NewStore(log, db, resolver)
	f.handler = NewResolveHandler(log, f.store, resolver,
		ratelimit.NewRedisWindow(client, "rl_test"),
		settings.NewProvider(log, db, time.Minute),
		scanlog.NewWriter(log, db),
		func(*http.Request) Identity { return f.identity },
		true,
	)
	return f
}

func (f *resolverFixture) seedToken(t *testing.T, mutate func(*models.QRToken)) *models.QRToken {
	t.Helper()
	tok := &models.QRToken{
		Token:          "bearer-" + strings.ReplaceAll(t.Name(), "/", "_"),
		EncodedContent: "https://example.com/app/item/prod01",
		Status:         models.StatusActive,
	}
	if mutate != nil {
		mutate(tok)
	}
	if err := f.db.Create(tok).Error; err != nil {
		t.Fatalf("seed token: %v", err)
	}
	return tok
}

func (f *resolverFixture) seedSettings(t *testing.T, row models.QRSettings) {
	t.Helper()
	if err := f.db.Create(&row).Error; err != nil {
		t.Fatalf("seed settings: %v", err)
	}
}

func (f *resolverFixture) scan(t *testing.T, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	target := "/qr"
	if bearer != "" {
		target += "?token=" + bearer
	}
	req := httptest.NewRequest("GET", target, nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	f.handler.HandleResolve(rec, req)
	return rec
}

func (f *resolverFixture) lastLog(t *testing.T) *models.ScanLog {
	t.Helper()
	var entry models.ScanLog
	if err := f.db.Order("id DESC").First(&entry).Error; err != nil {
		t.Fatalf("read scan log: %v", err)
	}
	return &entry
}

func (f *resolverFixture) logCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := f.db.Model(&models.ScanLog{}).Count(&count).Error; err != nil {
		t.Fatalf("count scan logs: %v", err)
	}
	return count
}

func (f *resolverFixture) useCount(t *testing.T, id uint) int {
	t.Helper()
	var tok models.QRToken
	if err := f.db.First(&tok, id).Error; err != nil {
		t.Fatalf("reload token: %v", err)
	}
	return tok.UseCount
}

func TestResolveMissingToken(t *testing.T) {
	f := newResolverFixture(t)

	rec := f.scan(t, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"code":"invalid"`) {
		t.Fatalf("body %s", rec.Body.String())
	}

	if n := f.logCount(t); n != 1 {
		t.Fatalf("expected one audit entry, got %d", n)
	}
	entry := f.lastLog(t)
	if entry.Result != "invalid" || entry.QRTokenID != nil {
		t.Fatalf("unexpected audit entry %+v", entry)
	}
}

func TestResolveUnknownToken(t *testing.T) {
	f := newResolverFixture(t)

	rec := f.scan(t, "does-not-exist")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
	if entry := f.lastLog(t); entry.Result != "not_found" {
		t.Fatalf("result %s", entry.Result)
	}
}

func TestResolveRevokedToken(t *testing.T) {
	f := newResolverFixture(t)
	tok := f.seedToken(t, func(tok *models.QRToken) {
		tok.Status = models.StatusRevoked
	})

	rec := f.scan(t, tok.Token)
	if rec.Code != http.StatusGone {
		t.Fatalf("status %d, want 410", rec.Code)
	}
	if entry := f.lastLog(t); entry.Result != "revoked" {
		t.Fatalf("result %s", entry.Result)
	}
}

func TestResolveLoginRequired(t *testing.T) {
	f := newResolverFixture(t)
	f.seedSettings(t, models.QRSettings{RequireLogin: true})
	tok := f.seedToken(t, nil)

	rec := f.scan(t, tok.Token)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
	if entry := f.lastLog(t); entry.Result != "login_required" {
		t.Fatalf("result %s", entry.Result)
	}
}

func TestResolveLoginRequiredAuthenticatedPasses(t *testing.T) {
	f := newResolverFixture(t)
	f.seedSettings(t, models.QRSettings{RequireLogin: true})
	tok := f.seedToken(t, nil)
	f.identity = Identity{User: "alice@example.com"}

	rec := f.scan(t, tok.Token)
	if rec.Code != http.StatusFound {
		t.Fatalf("status %d, want 302", rec.Code)
	}
	if entry := f.lastLog(t); entry.UserName != "alice@example.com" {
		t.Fatalf("audit user %q", entry.UserName)
	}
}

func TestResolveExpiredToken(t *testing.T) {
	f := newResolverFixture(t)
	past := time.Now().Add(-time.Hour)
	tok := f.seedToken(t, func(tok *models.QRToken) {
		tok.ExpiresOn = &past
		tok.MaxUses = 100
	})

	rec := f.scan(t, tok.Token)
	if rec.Code != http.StatusGone {
		t.Fatalf("status %d, want 410", rec.Code)
	}
	if entry := f.lastLog(t); entry.Result != "expired" {
		t.Fatalf("result %s", entry.Result)
	}
	if n := f.useCount(t, tok.ID); n != 0 {
		t.Fatalf("expired scan consumed a use")
	}
}

func TestResolveExpiredTokenAfterSweep(t *testing.T) {
	f := newResolverFixture(t)
	past := time.Now().Add(-time.Hour)
	tok := f.seedToken(t, func(tok *models.QRToken) {
		tok.ExpiresOn = &past
	})

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	token.NewSweeper(log, f.db, time.Minute).SweepOnce(context.Background())

	var swept models.QRToken
	if err := f.db.First(&swept, tok.ID).Error; err != nil {
		t.Fatalf("reload token: %v", err)
	}
	if swept.Status != models.StatusExpired {
		t.Fatalf("sweep did not persist Expired, status %s", swept.Status)
	}

	rec := f.scan(t, tok.Token)
	if rec.Code != http.StatusGone {
		t.Fatalf("status %d, want 410", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"code":"expired"`) {
		t.Fatalf("swept token must report expired, body %s", rec.Body.String())
	}
	if entry := f.lastLog(t); entry.Result != "expired" {
		t.Fatalf("audit result %s, want expired", entry.Result)
	}
	if n := f.useCount(t, tok.ID); n != 0 {
		t.Fatalf("expired scan consumed a use")
	}
}

func TestResolveRateLimited(t *testing.T) {
	f := newResolverFixture(t)
	tok := f.seedToken(t, func(tok *models.QRToken) {
		tok.RateLimitPerMin = 1
	})

	if rec := f.scan(t, tok.Token); rec.Code != http.StatusFound {
		t.Fatalf("first scan status %d, want 302", rec.Code)
	}
	rec := f.scan(t, tok.Token)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second scan status %d, want 429", rec.Code)
	}
	if entry := f.lastLog(t); entry.Result != "rate_limited" {
		t.Fatalf("result %s", entry.Result)
	}
	if n := f.useCount(t, tok.ID); n != 1 {
		t.Fatalf("rate-limited scan consumed a use, count %d", n)
	}
}

func TestResolveDefaultRateLimitFromSettings(t *testing.T) {
	f := newResolverFixture(t)
	f.seedSettings(t, models.QRSettings{DefaultRateLimitPerMin: 1})
	tok := f.seedToken(t, nil)

	if rec := f.scan(t, tok.Token); rec.Code != http.StatusFound {
		t.Fatalf("first scan status %d, want 302", rec.Code)
	}
	if rec := f.scan(t, tok.Token); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second scan status %d, want 429", rec.Code)
	}
}

func TestResolveForbiddenDomainShowsValueWithoutConsuming(t *testing.T) {
	f := newResolverFixture(t)
	f.seedSettings(t, models.QRSettings{AllowedDomains: "allowed.example"})
	tok := f.seedToken(t, func(tok *models.QRToken) {
		tok.EncodedContent = "https://blocked.example/app"
	})

	rec := f.scan(t, tok.Token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "https://blocked.example/app") {
		t.Fatalf("destination not shown as value: %s", rec.Body.String())
	}
	if entry := f.lastLog(t); entry.Result != "forbidden" {
		t.Fatalf("result %s", entry.Result)
	}
	if n := f.useCount(t, tok.ID); n != 0 {
		t.Fatalf("forbidden destination burned a use")
	}
}

func TestResolveSingleUseLifecycle(t *testing.T) {
	f := newResolverFixture(t)
	tok := f.seedToken(t, func(tok *models.QRToken) {
		tok.MaxUses = 1
	})

	rec := f.scan(t, tok.Token)
	if rec.Code != http.StatusFound {
		t.Fatalf("first scan status %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://example.com/app/item/prod01" {
		t.Fatalf("redirect location %q", loc)
	}
	if n := f.useCount(t, tok.ID); n != 1 {
		t.Fatalf("use count %d after first scan, want 1", n)
	}
	if entry := f.lastLog(t); entry.Result != "ok" || entry.ResolvedURL == "" {
		t.Fatalf("unexpected audit entry %+v", entry)
	}

	rec = f.scan(t, tok.Token)
	if rec.Code != http.StatusGone {
		t.Fatalf("second scan status %d, want 410", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"code":"max_used"`) {
		t.Fatalf("body %s", rec.Body.String())
	}
	if n := f.useCount(t, tok.ID); n != 1 {
		t.Fatalf("use count %d after second scan, want 1", n)
	}
}

func TestResolveRelativeContentNormalized(t *testing.T) {
	f := newResolverFixture(t)
	tok := f.seedToken(t, func(tok *models.QRToken) {
		tok.EncodedContent = "/app/item/prod01"
	})

	rec := f.scan(t, tok.Token)
	if rec.Code != http.StatusFound {
		t.Fatalf("status %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://example.com/app/item/prod01" {
		t.Fatalf("redirect location %q", loc)
	}
}

func TestResolveTruncatesOversizedTokenParam(t *testing.T) {
	f := newResolverFixture(t)

	rec := f.scan(t, strings.Repeat("x", 2000))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
}

func TestResolveSecurityHeaders(t *testing.T) {
	f := newResolverFixture(t)
	tok := f.seedToken(t, nil)

	rec := f.scan(t, tok.Token)
	h := rec.Header()
	if got := h.Values("Referrer-Policy"); len(got) != 1 || got[0] != "no-referrer" {
		t.Fatalf("Referrer-Policy %v", got)
	}
	if got := h.Values("Cache-Control"); len(got) != 1 || got[0] != "no-store" {
		t.Fatalf("Cache-Control %v", got)
	}
	if got := h.Values("X-Robots-Tag"); len(got) != 1 || got[0] != "noindex, nofollow" {
		t.Fatalf("X-Robots-Tag %v", got)
	}
}

func TestResolveHeadersPreservedWhenAlreadySet(t *testing.T) {
	f := newResolverFixture(t)
	tok := f.seedToken(t, nil)

	req := httptest.NewRequest("GET", "/qr?token="+tok.Token, nil)
	rec := httptest.NewRecorder()
	rec.Header().Set("Cache-Control", "private")
	f.handler.HandleResolve(rec, req)

	if got := rec.Header().Values("Cache-Control"); len(got) != 1 || got[0] != "private" {
		t.Fatalf("existing Cache-Control overwritten: %v", got)
	}
}
