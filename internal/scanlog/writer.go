// Package scanlog records every resolution attempt. Writes are best-effort
// and schema-tolerant: the writer probes which optional columns exist once at
// construction and degrades field-by-field instead of failing, because an
// incomplete audit trail beats a failed redirect.
package scanlog

import (
	"context"
	"net/url"
	"time"

	"github.com/qrfoundry/qrfoundry/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	userAgentMax = 500
	refererMax   = 2048
)

// Entry is one resolution attempt. TokenID is nil when no token row was
// identified (missing or unknown bearer); UserName is empty for anonymous.
type Entry struct {
	TokenID     *uint
	ClientIP    string
	UserAgent   string
	Referer     string
	ResolvedURL string
	Result      string
	UserName    string
}

type Writer struct {
	db       *gorm.DB
	log      *logrus.Entry
	cols     map[string]bool
	disabled bool
	now      func() time.Time
}

func NewWriter(logger *logrus.Logger, db *gorm.DB) *Writer {
	w := &Writer{
		db:   db,
		log:  logger.WithField("component", "scan_log"),
		cols: map[string]bool{},
		now:  time.Now,
	}

	migrator := db.Migrator()
	if !migrator.HasTable(&models.ScanLog{}) {
		w.disabled = true
		w.log.Warn("Scan log table missing, audit logging disabled")
		return w
	}

	for _, col := range []string{
		"qr_token_id", "client_ip", "user_agent", "referer",
		"resolved_url", "user_name",
	} {
		w.cols[col] = migrator.HasColumn(&models.ScanLog{}, col)
	}
	for _, col := range []string{"timestamp", "result"} {
		if !migrator.HasColumn(&models.ScanLog{}, col) {
			w.disabled = true
			w.log.WithField("column", col).Warn("Scan log column missing, audit logging disabled")
		}
	}
	return w
}

// Write appends one audit record. Failures are logged and swallowed.
func (w *Writer) Write(ctx context.Context, e Entry) {
	if w.disabled {
		return
	}

	record := map[string]interface{}{
		"timestamp": w.now(),
		"result":    e.Result,
	}
	if w.cols["qr_token_id"] && e.TokenID != nil {
		record["qr_token_id"] = *e.TokenID
	}
	if w.cols["client_ip"] {
		record["client_ip"] = e.ClientIP
	}
	if w.cols["user_agent"] {
		record["user_agent"] = truncate(e.UserAgent, userAgentMax)
	}
	if w.cols["referer"] {
		record["referer"] = truncate(e.Referer, refererMax)
	}
	if w.cols["resolved_url"] {
		record["resolved_url"] = SanitizeURL(e.ResolvedURL)
	}
	if w.cols["user_name"] {
		record["user_name"] = e.UserName
	}

	if err := w.db.WithContext(ctx).
		Table(models.ScanLog{}.TableName()).
		Create(record).Error; err != nil {
		w.log.WithError(err).Warn("Failed to save scan log")
	}
}

// SanitizeURL keeps scheme://host/path only, dropping query and fragment.
func SanitizeURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + u.Path
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
