package ipam

import (
	"context"
	"strings"
	"time"

	"ipamd/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const (
	historyDefaultLimit = 100
	historyMaxLimit     = 500
)

// Ledger is the append-only transition journal. Entries are written inside
// the transaction of the transition they describe.
type Ledger struct{ db *gorm.DB }

func NewLedger(db *gorm.DB) *Ledger { return &Ledger{db: db} }

// Entry describes one transition to record.
type Entry struct {
	Action         string
	AssignedToType *string
	AssignedToID   *int64
	Actor          string
	At             time.Time
	QuarantineTill *time.Time
	BatchID        string
	Notes          string
}

// Append writes an entry for rec within tx.
func (l *Ledger) Append(tx *gorm.DB, rec *models.Address, e Entry) (*models.History, error) {
	h := &models.History{
		AddressID:      rec.ID,
		Address:        rec.Address,
		Action:         e.Action,
		AssignedToType: e.AssignedToType,
		AssignedToID:   e.AssignedToID,
		PerformedBy:    e.Actor,
		PerformedAt:    e.At.UTC(),
		QuarantineTill: e.QuarantineTill,
		BatchID:        e.BatchID,
		Notes:          e.Notes,
	}
	if err := tx.Create(h).Error; err != nil {
		return nil, errors.Wrapf(err, "append %s history for %s", e.Action, rec.Address)
	}
	return h, nil
}

// HistoryFilter narrows History. Zero values mean "any".
type HistoryFilter struct {
	Address    string
	DeviceType string
	DeviceID   *int64
	Action     string
	BatchID    string
	Limit      int
}

// List returns entries most recent first. Unfiltered queries are capped at
// 100 rows by default, filtered ones may ask for up to 500.
func (l *Ledger) List(ctx context.Context, f HistoryFilter) ([]models.History, error) {
	q := l.db.WithContext(ctx).Model(&models.History{})
	filtered := false

	if s := strings.TrimSpace(f.Address); s != "" {
		a, err := ParseAddr(s)
		if err != nil {
			return nil, err
		}
		q = q.Where("address = ?", a.String())
		filtered = true
	}
	if s := strings.TrimSpace(f.DeviceType); s != "" {
		q = q.Where("assigned_to_type = ?", s)
		filtered = true
	}
	if f.DeviceID != nil {
		q = q.Where("assigned_to_id = ?", *f.DeviceID)
		filtered = true
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.BatchID != "" {
		q = q.Where("batch_id = ?", f.BatchID)
		filtered = true
	}

	limit := f.Limit
	if limit <= 0 {
		limit = historyDefaultLimit
	}
	ceiling := historyDefaultLimit
	if filtered {
		ceiling = historyMaxLimit
	}
	if limit > ceiling {
		limit = ceiling
	}

	var out []models.History
	err := q.Order("performed_at DESC").Order("id DESC").Limit(limit).Find(&out).Error
	return out, errors.Wrap(err, "list history")
}
