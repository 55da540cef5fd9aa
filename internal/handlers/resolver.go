package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/qrfoundry/qrfoundry/internal/encoding"
	"github.com/qrfoundry/qrfoundry/internal/models"
	"github.com/qrfoundry/qrfoundry/internal/qrerr"
	"github.com/qrfoundry/qrfoundry/internal/ratelimit"
	"github.com/qrfoundry/qrfoundry/internal/scanlog"
	"github.com/qrfoundry/qrfoundry/internal/settings"
	"github.com/qrfoundry/qrfoundry/internal/token"
	"github.com/sirupsen/logrus"
)

// Bearer strings are truncated before lookup so an oversized query parameter
// can neither match nor blow up the query.
const tokenParamMax = 256

// ResolveHandler serves GET /qr. Validation order is deliberate: existence,
// status, login, expiry and rate limit run before the domain allow-list so a
// policy violation never reveals whether a destination is well-formed, and
// the allow-list runs before consumption so a disallowed destination never
// burns a use. Consumption is the final, atomic gate.
type ResolveHandler struct {
	log        *logrus.Entry
	tokens     *token.Store
	resolver   *encoding.Resolver
	limiter    ratelimit.Limiter
	settings   *settings.Provider
	audit      *scanlog.Writer
	identity   IdentityFn
	trustProxy bool
	now        func() time.Time
}

func NewResolveHandler(logger *logrus.Logger, tokens *token.Store, resolver *encoding.Resolver,
	limiter ratelimit.Limiter, provider *settings.Provider, audit *scanlog.Writer,
	identity IdentityFn, trustProxy bool) *ResolveHandler {
	if identity == nil {
		identity = AnonymousIdentity
	}
	return &ResolveHandler{
		log:        logger.WithField("component", "resolver"),
		tokens:     tokens,
		resolver:   resolver,
		limiter:    limiter,
		settings:   provider,
		audit:      audit,
		identity:   identity,
		trustProxy: trustProxy,
		now:        time.Now,
	}
}

func (h *ResolveHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	setSecurityHeaders(w.Header())

	caller := h.identity(r)

	bearer := strings.TrimSpace(r.URL.Query().Get("token"))
	if len(bearer) > tokenParamMax {
		bearer = bearer[:tokenParamMax]
	}
	if bearer == "" {
		h.logScan(r, caller, "invalid", nil, "")
		writeMessage(w, r, http.StatusBadRequest, "Missing token", "No token was provided.", "invalid")
		return
	}

	tok, err := h.tokens.FindByBearer(ctx, bearer)
	if err != nil {
		if e, ok := qrerr.As(err); ok && e.Kind == qrerr.KindNotFound {
			h.logScan(r, caller, "not_found", nil, "")
			writeMessage(w, r, http.StatusNotFound, "Not found", "This token does not exist.", "not_found")
			return
		}
		h.log.WithError(err).Error("Token lookup failed")
		h.logScan(r, caller, "not_found", nil, "")
		writeMessage(w, r, http.StatusNotFound, "Not found", "This token does not exist.", "not_found")
		return
	}

	if tok.Status != models.StatusActive {
		// The background sweeper persists Expired onto stale rows; an expired
		// token must report expired here, not revoked.
		if tok.Status == models.StatusExpired {
			h.logScan(r, caller, "expired", &tok.ID, "")
			writeMessage(w, r, http.StatusGone, "Expired", "This code has expired.", "expired")
			return
		}
		h.logScan(r, caller, "revoked", &tok.ID, "")
		writeMessage(w, r, http.StatusGone, "Revoked", "This code has been revoked.", "revoked")
		return
	}

	snap := h.settings.Snapshot(ctx)
	if snap.RequireLogin && caller.Anonymous() {
		h.logScan(r, caller, "login_required", &tok.ID, "")
		writeMessage(w, r, http.StatusUnauthorized, "Login required", "Please sign in to access this code.", "login_required")
		return
	}

	target := h.resolver.ToAbsolute(tok.EncodedContent)

	if tok.ExpiresOn != nil && !h.now().Before(*tok.ExpiresOn) {
		h.logScan(r, caller, "expired", &tok.ID, "")
		writeMessage(w, r, http.StatusGone, "Expired", "This code has expired.", "expired")
		return
	}

	perMin := tok.RateLimitPerMin
	if perMin <= 0 {
		perMin = snap.DefaultRateLimitPerMin
	}
	allowed, err := h.limiter.Allow(ctx, tokenBucket(tok.ID), perMin)
	if err != nil {
		h.log.WithError(err).Warn("Rate limit check failed, allowing scan")
	}
	if !allowed {
		h.logScan(r, caller, "rate_limited", &tok.ID, "")
		writeMessage(w, r, http.StatusTooManyRequests, "Too many scans", "Please try again in a moment.", "rate_limited")
		return
	}

	if target == "" || !snap.URLAllowed(target) {
		h.logScan(r, caller, "forbidden", &tok.ID, target)
		writeValue(w, r, target)
		return
	}

	consumed, err := h.tokens.Consume(ctx, tok.ID)
	if err != nil {
		h.log.WithError(err).Error("Atomic consumption failed")
	}
	if !consumed {
		code := h.tokens.ClassifyConsumeFailure(ctx, tok.ID)
		title, message := consumeFailureMessage(code)
		h.logScan(r, caller, code, &tok.ID, "")
		writeMessage(w, r, http.StatusGone, title, message, code)
		return
	}

	h.logScan(r, caller, "ok", &tok.ID, target)
	http.Redirect(w, r, target, http.StatusFound)
}

func consumeFailureMessage(code string) (title, message string) {
	switch code {
	case "expired":
		return "Expired", "This code has expired."
	case "revoked":
		return "Unavailable", "This code is not active."
	default:
		return "Limit reached", "Usage limit reached."
	}
}

func (h *ResolveHandler) logScan(r *http.Request, caller Identity, result string, tokenID *uint, resolvedURL string) {
	h.audit.Write(r.Context(), scanlog.Entry{
		TokenID:     tokenID,
		ClientIP:    getClientIP(r, h.trustProxy),
		UserAgent:   r.UserAgent(),
		Referer:     r.Referer(),
		ResolvedURL: resolvedURL,
		Result:      result,
		UserName:    caller.User,
	})
}

func tokenBucket(id uint) string {
	return "tok:" + strconv.FormatUint(uint64(id), 10)
}
