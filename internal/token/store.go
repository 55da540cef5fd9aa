// Package token owns the bearer-token lifecycle: issuance, rotation,
// revocation and the atomic scan-time consumption of a use.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/qrfoundry/qrfoundry/internal/encoding"
	"github.com/qrfoundry/qrfoundry/internal/models"
	"github.com/qrfoundry/qrfoundry/internal/qrerr"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// 24 random bytes -> 32 chars of unpadded base64url, well over 128 bits.
const bearerBytes = 24

type Store struct {
	db       *gorm.DB
	log      *logrus.Entry
	resolver *encoding.Resolver
	now      func() time.Time
}

func NewStore(logger *logrus.Logger, db *gorm.DB, resolver *encoding.Resolver) *Store {
	return &Store{
		db:       db,
		log:      logger.WithField("component", "token_store"),
		resolver: resolver,
		now:      time.Now,
	}
}

func newBearer() (string, error) {
	raw := make([]byte, bearerBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("bearer generation failed: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// MaskBearer renders a bearer string safe for display and logs.
func MaskBearer(raw string) string {
	if len(raw) < 9 {
		return ""
	}
	return raw[:4] + "…" + raw[len(raw)-4:]
}

// EffectiveStatus derives the logical status without persisting it: a stored
// Active row past its expiry or use limit reads as Expired.
func EffectiveStatus(tok *models.QRToken, now time.Time) string {
	if tok.Status != models.StatusActive {
		return tok.Status
	}
	if tok.ExpiresOn != nil && !now.Before(*tok.ExpiresOn) {
		return models.StatusExpired
	}
	if tok.MaxUses > 0 && tok.UseCount >= tok.MaxUses {
		return models.StatusExpired
	}
	return models.StatusActive
}

// Issue resolves the list's target and returns its active token, creating one
// if needed. Issuance is idempotent: a live token bound to the same content is
// reused; one bound to drifted content is never repointed.
func (s *Store) Issue(ctx context.Context, list *models.QRList) (*models.QRToken, error) {
	mode := list.Mode
	if mode == "" {
		mode = models.ModeURL
	}
	if mode != models.ModeURL {
		return nil, qrerr.Validation("token_requires_url_mode",
			"token link type is available only for URL mode")
	}

	encoded, err := s.resolver.Resolve(ctx, encoding.SpecFromList(list))
	if err != nil {
		return nil, err
	}

	if current, err := s.currentToken(ctx, list); err != nil {
		return nil, err
	} else if current != nil && EffectiveStatus(current, s.now()) == models.StatusActive {
		if current.EncodedContent == encoded {
			return current, nil
		}
		return nil, qrerr.StateConflict("immutable_target",
			"this QR already has a token bound to a target; rotate the token to change it")
	}

	created, err := s.createAndLink(ctx, s.db, list, encoded)
	if err != nil {
		return nil, err
	}
	s.noteIssued(list, created)
	return created, nil
}

// Rotate creates a brand-new token for the current resolved content, revokes
// the previous token and repoints the list, all in one transaction so a
// failure never leaves two Active rows behind. The old row is never deleted
// here; only the list-deletion cascade may remove token rows.
func (s *Store) Rotate(ctx context.Context, list *models.QRList) (*models.QRToken, error) {
	previous, err := s.currentToken(ctx, list)
	if err != nil {
		return nil, err
	}

	encoded, err := s.resolver.Resolve(ctx, encoding.SpecFromList(list))
	if err != nil {
		if previous == nil {
			return nil, err
		}
		// Target fields may have been cleared since issuance; the bound
		// content is still the destination of record.
		encoded = previous.EncodedContent
	}

	var created *models.QRToken
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		created, txErr = s.createAndLink(ctx, tx, list, encoded)
		if txErr != nil {
			return txErr
		}
		if previous != nil {
			if err := tx.Model(&models.QRToken{}).
				Where("id = ?", previous.ID).
				Update("status", models.StatusRevoked).Error; err != nil {
				return fmt.Errorf("revoking previous token: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.noteIssued(list, created)
	return created, nil
}

// EnsureActive returns the bearer string of the list's active token, issuing
// one when none exists. Safe to call repeatedly.
func (s *Store) EnsureActive(ctx context.Context, list *models.QRList) (string, error) {
	if current, err := s.currentToken(ctx, list); err != nil {
		return "", err
	} else if current != nil && EffectiveStatus(current, s.now()) == models.StatusActive {
		return current.Token, nil
	}

	tok, err := s.Issue(ctx, list)
	if err != nil {
		return "", err
	}
	return tok.Token, nil
}

// FindByBearer looks a token up by its bearer string.
func (s *Store) FindByBearer(ctx context.Context, bearer string) (*models.QRToken, error) {
	var tok models.QRToken
	err := s.db.WithContext(ctx).Where("token = ?", bearer).First(&tok).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, qrerr.NotFound("not_found", "this token does not exist")
	}
	if err != nil {
		return nil, fmt.Errorf("token lookup: %w", err)
	}
	return &tok, nil
}

// Consume counts one use against the token. The status, expiry and use-limit
// checks and the increment happen in a single conditional UPDATE; the
// affected-row count is the success signal. Under a race on the last
// remaining use, exactly one caller sees true.
func (s *Store) Consume(ctx context.Context, id uint) (bool, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.QRToken{}).
		Where("id = ? AND status = ?", id, models.StatusActive).
		Where("(max_uses = 0 OR use_count < max_uses)").
		Where("(expires_on IS NULL OR expires_on > ?)", now).
		Updates(map[string]interface{}{
			"use_count":    gorm.Expr("use_count + 1"),
			"last_used_on": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("consume: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ClassifyConsumeFailure re-reads the token after a lost consumption race and
// names the reason, without re-attempting the mutation.
func (s *Store) ClassifyConsumeFailure(ctx context.Context, id uint) string {
	var tok models.QRToken
	if err := s.db.WithContext(ctx).First(&tok, id).Error; err != nil {
		s.log.WithError(err).Warn("Re-read after consumption failure failed")
		return "max_used"
	}

	now := s.now()
	switch {
	case tok.ExpiresOn != nil && !now.Before(*tok.ExpiresOn):
		return "expired"
	case tok.MaxUses > 0 && tok.UseCount >= tok.MaxUses:
		return "max_used"
	case tok.Status != models.StatusActive:
		return "revoked"
	default:
		return "max_used"
	}
}

// Revoke is the explicit terminal transition. It is never auto-reversed.
func (s *Store) Revoke(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&models.QRToken{}).
		Where("id = ?", id).
		Update("status", models.StatusRevoked)
	if res.Error != nil {
		return fmt.Errorf("revoke: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return qrerr.NotFound("not_found", "token not found")
	}
	return nil
}

// Update persists mutable policy fields (expiry, use limit, rate limit).
// The bound content, the owning list and the Revoked terminal state are
// immutable; counters are only writable through Consume.
func (s *Store) Update(ctx context.Context, tok *models.QRToken) error {
	var prev models.QRToken
	if err := s.db.WithContext(ctx).First(&prev, tok.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return qrerr.NotFound("not_found", "token not found")
		}
		return fmt.Errorf("token re-read: %w", err)
	}

	if tok.EncodedContent != prev.EncodedContent {
		return qrerr.StateConflict("immutable_content",
			"encoded content is immutable once set; rotate the token to change the target")
	}
	if !uintPtrEqual(tok.QRListID, prev.QRListID) {
		return qrerr.StateConflict("immutable_list",
			"the owning QR List reference is immutable once set")
	}
	if prev.Status == models.StatusRevoked && tok.Status != models.StatusRevoked {
		return qrerr.StateConflict("revoked_terminal", "a revoked token cannot be reactivated")
	}

	return s.db.WithContext(ctx).Model(&models.QRToken{}).
		Where("id = ?", tok.ID).
		Updates(map[string]interface{}{
			"status":             tok.Status,
			"expires_on":         tok.ExpiresOn,
			"max_uses":           tok.MaxUses,
			"rate_limit_per_min": tok.RateLimitPerMin,
		}).Error
}

// CleanupForList implements the list-deletion cascade: a linked token with
// scan history is only revoked so the audit trail survives; one without
// history is hard-deleted.
func (s *Store) CleanupForList(ctx context.Context, list *models.QRList) error {
	if list.QRTokenID == nil {
		return nil
	}

	var logCount int64
	if err := s.db.WithContext(ctx).Model(&models.ScanLog{}).
		Where("qr_token_id = ?", *list.QRTokenID).
		Count(&logCount).Error; err != nil {
		return fmt.Errorf("scan history check: %w", err)
	}

	if logCount > 0 {
		return s.db.WithContext(ctx).Model(&models.QRToken{}).
			Where("id = ?", *list.QRTokenID).
			Update("status", models.StatusRevoked).Error
	}
	return s.db.WithContext(ctx).Delete(&models.QRToken{}, *list.QRTokenID).Error
}

func (s *Store) currentToken(ctx context.Context, list *models.QRList) (*models.QRToken, error) {
	if list.QRTokenID == nil {
		return nil, nil
	}
	var tok models.QRToken
	err := s.db.WithContext(ctx).First(&tok, *list.QRTokenID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current token lookup: %w", err)
	}
	return &tok, nil
}

// createAndLink inserts the token row and repoints the list. db may be a
// transaction handle, so the in-memory list mutation and logging are deferred
// to noteIssued, which callers run only after a successful commit.
func (s *Store) createAndLink(ctx context.Context, db *gorm.DB, list *models.QRList, encoded string) (*models.QRToken, error) {
	bearer, err := newBearer()
	if err != nil {
		return nil, err
	}

	tok := &models.QRToken{
		Token:          bearer,
		EncodedContent: encoded,
		Status:         models.StatusActive,
		QRListID:       &list.ID,
	}
	if err := db.WithContext(ctx).Create(tok).Error; err != nil {
		return nil, fmt.Errorf("token insert: %w", err)
	}

	if err := db.WithContext(ctx).Model(&models.QRList{}).
		Where("id = ?", list.ID).
		Update("qr_token_id", tok.ID).Error; err != nil {
		return nil, fmt.Errorf("linking token to list: %w", err)
	}
	return tok, nil
}

func (s *Store) noteIssued(list *models.QRList, tok *models.QRToken) {
	list.QRTokenID = &tok.ID
	s.log.WithFields(logrus.Fields{
		"qr_list": list.ID,
		"token":   MaskBearer(tok.Token),
	}).Info("Token issued")
}

func uintPtrEqual(a, b *uint) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
