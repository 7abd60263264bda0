package ipam

import (
	"context"
	"strings"

	"ipamd/internal/models"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"go4.org/netipx"
	"gorm.io/gorm"
)

// Connection-type hints accepted by Suggest.
const (
	HintPublic  = "public"
	HintPrivate = "private"
)

// expiryScanLimit bounds the lazy-expiry pass that precedes a search.
const expiryScanLimit = 100

// SuggestQuery scopes the search. Pool wins over VLAN, VLAN over the hint.
type SuggestQuery struct {
	PoolID *uint  `json:"pool_id"`
	VLANID *uint  `json:"vlan_id"`
	Hint   string `json:"connection_type"`
}

// scope returns the candidate filter for q; empty reports a scope that
// cannot contain anything (e.g. a VLAN without ranges).
func (e *Engine) scope(ctx context.Context, q SuggestQuery) (filter func(*gorm.DB) *gorm.DB, empty bool, err error) {
	switch {
	case q.PoolID != nil:
		pool, err := e.repo.GetPool(ctx, *q.PoolID)
		if err != nil {
			return nil, false, err
		}
		if !pool.IsActive {
			return nil, true, nil
		}
		return func(db *gorm.DB) *gorm.DB { return db.Where("pool_id = ?", pool.ID) }, false, nil

	case q.VLANID != nil:
		if _, err := e.repo.GetVLAN(ctx, *q.VLANID); err != nil {
			return nil, false, err
		}
		ids, err := e.repo.RangeIDsForVLAN(e.db.WithContext(ctx), *q.VLANID)
		if err != nil {
			return nil, false, err
		}
		if len(ids) == 0 {
			return nil, true, nil
		}
		return func(db *gorm.DB) *gorm.DB { return db.Where("range_id IN ?", ids) }, false, nil
	}

	switch strings.ToLower(strings.TrimSpace(q.Hint)) {
	case HintPrivate:
		r := netipx.RangeOfPrefix(e.opts.PrivateScope)
		from, to := addrKey(r.From()), addrKey(r.To())
		return func(db *gorm.DB) *gorm.DB { return db.Where("addr_key BETWEEN ? AND ?", from, to) }, false, nil
	case HintPublic, "":
		return func(db *gorm.DB) *gorm.DB { return db }, false, nil
	}
	return nil, false, malformed("unknown connection type %q", q.Hint)
}

// Suggest returns the lowest available address in scope, or nil when the
// scope has none. Repeated calls without writes return the same record.
func (e *Engine) Suggest(ctx context.Context, q SuggestQuery) (*models.Address, error) {
	filter, empty, err := e.scope(ctx, q)
	if err != nil || empty {
		return nil, err
	}
	if err := e.expireDue(ctx, filter, expiryScanLimit); err != nil {
		return nil, err
	}

	var rec models.Address
	err = filter(e.db.WithContext(ctx)).
		Where("status = ?", models.StatusAvailable).
		Order("addr_key").
		Limit(1).
		Find(&rec).Error
	if err != nil {
		return nil, errors.Wrap(err, "suggest")
	}
	if rec.ID == 0 {
		e.log.WithFields(logrus.Fields{"pool_id": lo.FromPtr(q.PoolID), "vlan_id": lo.FromPtr(q.VLANID), "hint": q.Hint}).Debug("no candidate")
		return nil, nil
	}
	return &rec, nil
}

// Nearby lists up to limit other available addresses of rec's range, in
// address order, as alternatives to a suggestion.
func (e *Engine) Nearby(ctx context.Context, rec *models.Address, limit int) ([]models.Address, error) {
	if rec == nil {
		return []models.Address{}, nil
	}
	if limit <= 0 || limit > e.opts.NearbyLimit {
		limit = e.opts.NearbyLimit
	}
	inRange := func(db *gorm.DB) *gorm.DB { return db.Where("range_id = ?", rec.RangeID) }
	if err := e.expireDue(ctx, inRange, expiryScanLimit); err != nil {
		return nil, err
	}
	out := []models.Address{}
	err := e.db.WithContext(ctx).
		Where("range_id = ? AND status = ? AND id <> ?", rec.RangeID, models.StatusAvailable, rec.ID).
		Order("addr_key").
		Limit(limit).
		Find(&out).Error
	return out, errors.Wrap(err, "nearby")
}

// expireDue runs lazy expiry over at most limit elapsed quarantines in scope.
func (e *Engine) expireDue(ctx context.Context, filter func(*gorm.DB) *gorm.DB, limit int) error {
	var ids []uint
	err := filter(e.db.WithContext(ctx).Model(&models.Address{})).
		Where("status = ? AND (quarantine_until IS NULL OR quarantine_until <= ?)", models.StatusQuarantine, e.now()).
		Order("addr_key").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return errors.Wrap(err, "scan expired quarantines")
	}
	for _, id := range ids {
		if _, err := e.ExpireAddress(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
