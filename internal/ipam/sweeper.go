package ipam

import (
	"context"
	"math"
	"time"

	"ipamd/internal/models"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const sweepBatch = 500

// Sweeper expires elapsed quarantines in bulk. Concurrent Sweep calls
// share one run.
type Sweeper struct {
	engine *Engine
	log    logrus.FieldLogger
	group  singleflight.Group
}

func NewSweeper(e *Engine) *Sweeper {
	return &Sweeper{engine: e, log: e.log.WithField("component", "sweeper")}
}

// Sweep expires every quarantine whose deadline has passed and returns how
// many records it transitioned.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	v, err, _ := s.group.Do("sweep", func() (any, error) {
		return s.sweep(ctx)
	})
	n, _ := v.(int)
	return n, err
}

func (s *Sweeper) sweep(ctx context.Context) (int, error) {
	e := s.engine
	now := e.now()
	expired := 0
	var cursor uint

	for {
		var ids []uint
		err := e.db.WithContext(ctx).Model(&models.Address{}).
			Where("id > ? AND status = ? AND (quarantine_until IS NULL OR quarantine_until <= ?)", cursor, models.StatusQuarantine, now).
			Order("id").
			Limit(sweepBatch).
			Pluck("id", &ids).Error
		if err != nil {
			return expired, errors.Wrap(err, "scan quarantines")
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return expired, err
			}
			ok, err := e.ExpireAddress(ctx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return expired, err
			}
			if ok {
				expired++
			}
			cursor = id
		}
		if len(ids) < sweepBatch {
			break
		}
	}

	lastSweep.Set(float64(expired))
	s.log.WithField("expired", expired).Info("quarantine sweep finished")
	return expired, nil
}

// Run sweeps every interval until ctx is done. A non-positive interval
// disables the loop.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		s.log.Info("periodic sweep disabled")
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Error("quarantine sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// QuarantineEntry — адрес в карантине и сколько дней осталось.
type QuarantineEntry struct {
	models.Address
	DaysRemaining int `json:"days_remaining"`
}

// QuarantineList returns quarantined records, soonest release first.
// Elapsed quarantines are expired before listing.
func (e *Engine) QuarantineList(ctx context.Context, limit int) ([]QuarantineEntry, error) {
	if limit <= 0 || limit > historyMaxLimit {
		limit = historyMaxLimit
	}
	if err := e.expireDue(ctx, func(db *gorm.DB) *gorm.DB { return db }, -1); err != nil {
		return nil, err
	}
	var recs []models.Address
	err := e.db.WithContext(ctx).
		Where("status = ?", models.StatusQuarantine).
		Order("quarantine_until").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, errors.Wrap(err, "list quarantine")
	}
	now := e.now()
	out := make([]QuarantineEntry, 0, len(recs))
	for _, r := range recs {
		days := 0
		if r.QuarantineUntil != nil && r.QuarantineUntil.After(now) {
			days = int(math.Ceil(r.QuarantineUntil.Sub(now).Hours() / 24))
		}
		out = append(out, QuarantineEntry{Address: r, DaysRemaining: days})
	}
	return out, nil
}

// Stats is Repo.Stats after expiring elapsed quarantines in scope.
func (e *Engine) Stats(ctx context.Context, networkID *uint) (*Stats, error) {
	scope := func(db *gorm.DB) *gorm.DB { return db }
	if networkID != nil {
		id := *networkID
		scope = func(db *gorm.DB) *gorm.DB {
			return db.Where("range_id IN (?)", e.db.Model(&models.Range{}).Select("id").Where("network_id = ?", id))
		}
	}
	if err := e.expireDue(ctx, scope, -1); err != nil {
		return nil, err
	}
	return e.repo.Stats(ctx, networkID)
}
