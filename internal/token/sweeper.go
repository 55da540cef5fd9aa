package token

import (
	"context"
	"time"

	"github.com/qrfoundry/qrfoundry/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Sweeper periodically persists the Expired status for Active rows that have
// passed their expiry or use limit. Resolution checks expiry itself and does
// not depend on the sweep.
type Sweeper struct {
	db       *gorm.DB
	log      *logrus.Entry
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(logger *logrus.Logger, db *gorm.DB, interval time.Duration) *Sweeper {
	return &Sweeper{
		db:       db,
		log:      logger.WithField("component", "token_sweeper"),
		interval: interval,
		now:      time.Now,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("Starting token sweeper")

	for {
		select {
		case <-ticker.C:
			s.SweepOnce(ctx)
		case <-ctx.Done():
			s.log.Info("Stopping token sweeper")
			return
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.QRToken{}).
		Where("status = ?", models.StatusActive).
		Where("(expires_on IS NOT NULL AND expires_on <= ?) OR (max_uses > 0 AND use_count >= max_uses)", now).
		Update("status", models.StatusExpired)
	if res.Error != nil {
		s.log.WithError(res.Error).Error("Token sweep failed")
		return
	}
	if res.RowsAffected > 0 {
		s.log.WithField("count", res.RowsAffected).Info("Marked stale tokens expired")
	}
}
