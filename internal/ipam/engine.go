package ipam

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"ipamd/internal/logs"
	"ipamd/internal/models"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const systemActor = "system"

// Options tune the engine; zero fields fall back to DefaultOptions.
type Options struct {
	QuarantineDays   int
	BulkLimit        int
	MaterializeBatch int
	MaterializeLimit int
	NearbyLimit      int
	PrivateScope     netip.Prefix
}

func DefaultOptions() Options {
	return Options{
		QuarantineDays:   90,
		BulkLimit:        1024,
		MaterializeBatch: 100,
		MaterializeLimit: 65536,
		NearbyLimit:      20,
		PrivateScope:     netip.MustParsePrefix("10.0.0.0/8"),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.QuarantineDays <= 0 {
		o.QuarantineDays = d.QuarantineDays
	}
	if o.BulkLimit <= 0 {
		o.BulkLimit = d.BulkLimit
	}
	if o.MaterializeBatch <= 0 {
		o.MaterializeBatch = d.MaterializeBatch
	}
	if o.MaterializeLimit <= 0 {
		o.MaterializeLimit = d.MaterializeLimit
	}
	if o.NearbyLimit <= 0 {
		o.NearbyLimit = d.NearbyLimit
	}
	if !o.PrivateScope.IsValid() {
		o.PrivateScope = d.PrivateScope
	}
	return o
}

// Engine is the allocation engine: every address transition goes through it.
type Engine struct {
	db     *gorm.DB
	repo   *Repo
	ledger *Ledger
	locker Locker
	log    logrus.FieldLogger
	opts   Options

	// Now — источник времени; в тестах подменяется для "перемотки".
	Now func() time.Time
}

type Option func(*Engine)

func WithLocker(l Locker) Option { return func(e *Engine) { e.locker = l } }

func WithLogger(l logrus.FieldLogger) Option { return func(e *Engine) { e.log = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.Now = now } }

func NewEngine(db *gorm.DB, opts Options, o ...Option) *Engine {
	e := &Engine{
		db:     db,
		repo:   NewRepo(db),
		ledger: NewLedger(db),
		locker: NewLocalLocker(),
		log:    logs.Logger,
		opts:   opts.withDefaults(),
		Now:    time.Now,
	}
	for _, fn := range o {
		fn(e)
	}
	return e
}

func (e *Engine) Repo() *Repo { return e.repo }

func (e *Engine) Ledger() *Ledger { return e.ledger }

func (e *Engine) Options() Options { return e.opts }

func (e *Engine) now() time.Time { return e.Now().UTC() }

func (e *Engine) quarantine() time.Duration {
	return time.Duration(e.opts.QuarantineDays) * 24 * time.Hour
}

/* ——— assign ——— */

type AssignRequest struct {
	Address    string            `json:"address"`
	DeviceType string            `json:"device_type"`
	DeviceID   int64             `json:"device_id"`
	Actor      string            `json:"actor"`
	Attrs      map[string]string `json:"attrs"`
	Notes      string            `json:"notes"`
	BatchID    string            `json:"-"`
}

// Assign moves an available (or expired-quarantine) address to assigned.
// Unmaterialised addresses inside a known range are created on demand.
func (e *Engine) Assign(ctx context.Context, req AssignRequest) (*models.Address, error) {
	rec, err := e.assign(ctx, req)
	if err != nil {
		return nil, e.reject("assign", req.Address, err)
	}
	return rec, nil
}

func (e *Engine) assign(ctx context.Context, req AssignRequest) (*models.Address, error) {
	a, err := ParseAddr(req.Address)
	if err != nil {
		return nil, err
	}
	deviceType := strings.TrimSpace(req.DeviceType)
	if deviceType == "" {
		return nil, malformed("device_type required")
	}
	if req.DeviceID <= 0 {
		return nil, malformed("device_id must be positive")
	}
	cols, err := AttrColumns(req.Attrs)
	if err != nil {
		return nil, err
	}
	actor := actorOr(req.Actor)

	unlock, err := e.locker.Lock(ctx, a.String())
	if err != nil {
		return nil, errors.Wrapf(err, "lock %s", a)
	}
	defer unlock()

	now := e.now()
	var out models.Address
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := e.loadOrCreate(tx, a)
		if err != nil {
			return err
		}
		if _, err := e.expireIfDue(tx, rec, now); err != nil {
			return err
		}

		switch rec.Status {
		case models.StatusAssigned:
			return &DuplicateError{Address: rec.Address, Existing: rec}
		case models.StatusQuarantine:
			return &QuarantineActiveError{Address: rec.Address, Until: *rec.QuarantineUntil, Remaining: rec.QuarantineUntil.Sub(now)}
		}
		next, err := nextStatus(rec.Address, rec.Status, EventAssign)
		if err != nil {
			return err
		}

		updates := map[string]any{
			"status":           next,
			"assigned_to_type": deviceType,
			"assigned_to_id":   req.DeviceID,
			"assignment_date":  now,
			"assigned_by":      actor,
			"release_date":     nil,
			"released_by":      nil,
			"quarantine_until": nil,
			"updated_at":       now,
		}
		for k, v := range cols {
			updates[k] = v
		}
		if err := e.cas(tx, rec, updates); err != nil {
			return err
		}
		if _, err := e.ledger.Append(tx, rec, Entry{
			Action:         models.ActionAssigned,
			AssignedToType: &deviceType,
			AssignedToID:   &req.DeviceID,
			Actor:          actor,
			At:             now,
			BatchID:        req.BatchID,
			Notes:          req.Notes,
		}); err != nil {
			return err
		}
		return tx.First(&out, rec.ID).Error
	})
	if err != nil {
		return nil, err
	}

	transitions.WithLabelValues(models.ActionAssigned).Inc()
	e.log.WithFields(logrus.Fields{
		"address":     out.Address,
		"range_id":    out.RangeID,
		"device_type": deviceType,
		"device_id":   req.DeviceID,
		"actor":       actor,
	}).Info("ip assigned")
	return &out, nil
}

/* ——— release ——— */

type ReleaseRequest struct {
	Address        string `json:"address"`
	Actor          string `json:"actor"`
	SkipQuarantine bool   `json:"skip_quarantine"`
	Notes          string `json:"notes"`
}

// Release clears the assignment and device fields. By default the address
// goes to quarantine; SkipQuarantine returns it to the free pool at once.
func (e *Engine) Release(ctx context.Context, req ReleaseRequest) (*models.Address, error) {
	rec, err := e.release(ctx, req)
	if err != nil {
		return nil, e.reject("release", req.Address, err)
	}
	return rec, nil
}

func (e *Engine) release(ctx context.Context, req ReleaseRequest) (*models.Address, error) {
	a, err := ParseAddr(req.Address)
	if err != nil {
		return nil, err
	}
	actor := actorOr(req.Actor)

	unlock, err := e.locker.Lock(ctx, a.String())
	if err != nil {
		return nil, errors.Wrapf(err, "lock %s", a)
	}
	defer unlock()

	now := e.now()
	var (
		out   models.Address
		until *time.Time
	)
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := findAddress(tx, a)
		if err != nil {
			return err
		}
		if rec == nil {
			return &NotAssignedError{Address: a.String()}
		}
		if _, err := e.expireIfDue(tx, rec, now); err != nil {
			return err
		}
		if rec.Status != models.StatusAssigned {
			return &NotAssignedError{Address: rec.Address, Status: rec.Status}
		}

		event := EventRelease
		if req.SkipQuarantine {
			event = EventReleaseNow
		}
		next, err := nextStatus(rec.Address, rec.Status, event)
		if err != nil {
			return err
		}

		updates := map[string]any{
			"status":           next,
			"assigned_to_type": nil,
			"assigned_to_id":   nil,
			"assignment_date":  nil,
			"assigned_by":      nil,
			"hostname":         "",
			"hypervisor_id":    nil,
			"mac_address":      "",
			"interface_name":   "",
			"interface_speed":  "",
			"is_primary":       false,
			"updated_at":       now,
		}
		notes := "No quarantine"
		if req.SkipQuarantine {
			updates["release_date"] = nil
			updates["released_by"] = nil
			updates["quarantine_until"] = nil
		} else {
			u := now.Add(e.quarantine())
			until = &u
			updates["release_date"] = now
			updates["released_by"] = actor
			updates["quarantine_until"] = u
			notes = "Quarantine until " + u.Format("2006-01-02")
		}
		if s := strings.TrimSpace(req.Notes); s != "" {
			notes += ". " + s
		}

		if err := e.cas(tx, rec, updates); err != nil {
			return err
		}
		if _, err := e.ledger.Append(tx, rec, Entry{
			Action:         models.ActionReleased,
			AssignedToType: rec.AssignedToType,
			AssignedToID:   rec.AssignedToID,
			Actor:          actor,
			At:             now,
			QuarantineTill: until,
			Notes:          notes,
		}); err != nil {
			return err
		}
		return tx.First(&out, rec.ID).Error
	})
	if err != nil {
		return nil, err
	}

	transitions.WithLabelValues(models.ActionReleased).Inc()
	entry := e.log.WithFields(logrus.Fields{"address": out.Address, "actor": actor})
	if until != nil {
		entry.WithField("quarantine_until", until.Format(time.RFC3339)).Info("ip released to quarantine")
	} else {
		entry.Info("ip released without quarantine")
	}
	return &out, nil
}

/* ——— reserve / unreserve ——— */

type ReserveRequest struct {
	Address string `json:"address"`
	Actor   string `json:"actor"`
	Notes   string `json:"notes"`
}

// Reserve takes an available address out of circulation.
func (e *Engine) Reserve(ctx context.Context, req ReserveRequest) (*models.Address, error) {
	rec, err := e.administrative(ctx, req, EventReserve, models.ActionReserved, true)
	if err != nil {
		return nil, e.reject("reserve", req.Address, err)
	}
	return rec, nil
}

// Unreserve returns a reserved address to available.
func (e *Engine) Unreserve(ctx context.Context, req ReserveRequest) (*models.Address, error) {
	rec, err := e.administrative(ctx, req, EventUnreserve, models.ActionUnreserved, false)
	if err != nil {
		return nil, e.reject("unreserve", req.Address, err)
	}
	return rec, nil
}

func (e *Engine) administrative(ctx context.Context, req ReserveRequest, event, action string, create bool) (*models.Address, error) {
	a, err := ParseAddr(req.Address)
	if err != nil {
		return nil, err
	}
	actor := actorOr(req.Actor)

	unlock, err := e.locker.Lock(ctx, a.String())
	if err != nil {
		return nil, errors.Wrapf(err, "lock %s", a)
	}
	defer unlock()

	now := e.now()
	var out models.Address
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec *models.Address
		if create {
			rec, err = e.loadOrCreate(tx, a)
		} else {
			rec, err = findAddress(tx, a)
			if err == nil && rec == nil {
				err = notFound("ip %s", a)
			}
		}
		if err != nil {
			return err
		}
		if _, err := e.expireIfDue(tx, rec, now); err != nil {
			return err
		}
		next, err := nextStatus(rec.Address, rec.Status, event)
		if err != nil {
			return err
		}
		updates := map[string]any{"status": next, "updated_at": now}
		if s := strings.TrimSpace(req.Notes); s != "" {
			updates["notes"] = s
		}
		if err := e.cas(tx, rec, updates); err != nil {
			return err
		}
		if _, err := e.ledger.Append(tx, rec, Entry{Action: action, Actor: actor, At: now, Notes: req.Notes}); err != nil {
			return err
		}
		return tx.First(&out, rec.ID).Error
	})
	if err != nil {
		return nil, err
	}
	transitions.WithLabelValues(action).Inc()
	e.log.WithFields(logrus.Fields{"address": out.Address, "actor": actor}).Infof("ip %s", action)
	return &out, nil
}

/* ——— reads ——— */

// CheckDuplicate returns the record holding address, or nil. excludeID
// skips one record (edit flows); 0 excludes nothing.
func (e *Engine) CheckDuplicate(ctx context.Context, address string, excludeID uint) (*models.Address, error) {
	a, err := ParseAddr(address)
	if err != nil {
		return nil, err
	}
	q := e.db.WithContext(ctx).Where("address = ?", a.String())
	if excludeID != 0 {
		q = q.Where("id <> ?", excludeID)
	}
	var rec models.Address
	if err := q.Limit(1).Find(&rec).Error; err != nil {
		return nil, errors.Wrap(err, "check duplicate")
	}
	if rec.ID == 0 {
		return nil, nil
	}
	return e.refresh(ctx, &rec)
}

// LookupResult — запись адреса, либо (если её ещё нет) диапазон, куда он попадёт.
type LookupResult struct {
	Record *models.Address `json:"record,omitempty"`
	Range  *models.Range   `json:"range,omitempty"`
}

func (e *Engine) Lookup(ctx context.Context, address string) (*LookupResult, error) {
	a, err := ParseAddr(address)
	if err != nil {
		return nil, err
	}
	rec, err := findAddress(e.db.WithContext(ctx), a)
	if err != nil {
		return nil, err
	}
	res := &LookupResult{}
	if rec != nil {
		if res.Record, err = e.refresh(ctx, rec); err != nil {
			return nil, err
		}
		if res.Range, err = e.repo.GetRange(ctx, rec.RangeID); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return res, nil
	}
	if res.Range, err = e.repo.RangeFor(e.db.WithContext(ctx), a); err != nil {
		return nil, err
	}
	return res, nil
}

// ExpireAddress evaluates quarantine expiry of one record under its lock.
// Safe to call redundantly: only the first caller past the deadline
// transitions the record and writes history.
func (e *Engine) ExpireAddress(ctx context.Context, id uint) (bool, error) {
	var rec models.Address
	if err := e.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		return false, wrapNotFound(err, "ip %d", id)
	}
	unlock, err := e.locker.Lock(ctx, rec.Address)
	if err != nil {
		return false, errors.Wrapf(err, "lock %s", rec.Address)
	}
	defer unlock()

	now := e.now()
	expired := false
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var fresh models.Address
		if err := tx.First(&fresh, id).Error; err != nil {
			return wrapNotFound(err, "ip %d", id)
		}
		expired, err = e.expireIfDue(tx, &fresh, now)
		return err
	})
	if err != nil {
		return false, err
	}
	if expired {
		transitions.WithLabelValues(models.ActionQuarantineExpired).Inc()
		e.log.WithField("address", rec.Address).Info("quarantine expired")
	}
	return expired, nil
}

// refresh applies lazy expiry to a record observed on a read path.
func (e *Engine) refresh(ctx context.Context, rec *models.Address) (*models.Address, error) {
	if !quarantineDue(rec, e.now()) {
		return rec, nil
	}
	if _, err := e.ExpireAddress(ctx, rec.ID); err != nil {
		return nil, err
	}
	var fresh models.Address
	if err := e.db.WithContext(ctx).First(&fresh, rec.ID).Error; err != nil {
		return nil, wrapNotFound(err, "ip %s", rec.Address)
	}
	return &fresh, nil
}

/* ——— internals ——— */

func quarantineDue(rec *models.Address, now time.Time) bool {
	if rec.Status != models.StatusQuarantine {
		return false
	}
	// без срока карантин считается истёкшим
	return rec.QuarantineUntil == nil || !now.Before(*rec.QuarantineUntil)
}

// expireIfDue moves an elapsed quarantine to available inside tx and
// records it. rec is updated in place. A lost CAS means another path
// already expired the record; that is not an error.
func (e *Engine) expireIfDue(tx *gorm.DB, rec *models.Address, now time.Time) (bool, error) {
	if !quarantineDue(rec, now) {
		return false, nil
	}
	next, err := nextStatus(rec.Address, rec.Status, EventExpire)
	if err != nil {
		return false, err
	}
	deadline := rec.QuarantineUntil
	err = e.cas(tx, rec, map[string]any{
		"status":           next,
		"quarantine_until": nil,
		"release_date":     nil,
		"released_by":      nil,
		"updated_at":       now,
	})
	var ce *ConflictError
	if errors.As(err, &ce) {
		return false, reload(tx, rec)
	}
	if err != nil {
		return false, err
	}
	if _, err := e.ledger.Append(tx, rec, Entry{
		Action:         models.ActionQuarantineExpired,
		Actor:          systemActor,
		At:             now,
		QuarantineTill: deadline,
		Notes:          "Quarantine period ended",
	}); err != nil {
		return false, err
	}
	return true, reload(tx, rec)
}

// cas applies updates only if the row still has the status rec was read
// with. Exactly one row must change.
func (e *Engine) cas(tx *gorm.DB, rec *models.Address, updates map[string]any) error {
	res := tx.Model(&models.Address{}).
		Where("id = ? AND status = ?", rec.ID, rec.Status).
		Updates(updates)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return &ConflictError{Subject: "ip " + rec.Address, Reason: "unique constraint violated"}
		}
		return errors.Wrapf(res.Error, "update %s", rec.Address)
	}
	if res.RowsAffected != 1 {
		return &ConflictError{Subject: "ip " + rec.Address, Reason: fmt.Sprintf("concurrent modification (expected status %s)", rec.Status)}
	}
	return nil
}

// loadOrCreate returns the record for a, creating it when a falls inside a
// configured range. A concurrent creator wins silently: the insert is
// ON CONFLICT DO NOTHING and the row is read back.
func (e *Engine) loadOrCreate(tx *gorm.DB, a netip.Addr) (*models.Address, error) {
	rec, err := findAddress(tx, a)
	if err != nil || rec != nil {
		return rec, err
	}
	rg, err := e.repo.RangeFor(tx, a)
	if err != nil {
		return nil, err
	}
	c, err := newClassifier(tx, rg)
	if err != nil {
		return nil, err
	}
	row := c.row(a)
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		if !isUniqueViolation(err) {
			return nil, errors.Wrapf(err, "materialize %s", a)
		}
	}
	rec, err = findAddress(tx, a)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &ConflictError{Subject: "ip " + a.String(), Reason: "record vanished after create"}
	}
	e.log.WithFields(logrus.Fields{"address": rec.Address, "range_id": rg.ID, "status": rec.Status}).Debug("ip materialized on demand")
	return rec, nil
}

func findAddress(tx *gorm.DB, a netip.Addr) (*models.Address, error) {
	var rec models.Address
	if err := tx.Where("address = ?", a.String()).Limit(1).Find(&rec).Error; err != nil {
		return nil, errors.Wrapf(err, "load %s", a)
	}
	if rec.ID == 0 {
		return nil, nil
	}
	return &rec, nil
}

func reload(tx *gorm.DB, rec *models.Address) error {
	var fresh models.Address
	if err := tx.First(&fresh, rec.ID).Error; err != nil {
		return errors.Wrapf(err, "reload %s", rec.Address)
	}
	*rec = fresh
	return nil
}

func (e *Engine) reject(op, address string, err error) error {
	if isUniqueViolation(err) {
		err = &ConflictError{Subject: "ip " + address, Reason: "unique constraint violated"}
	}
	rejections.WithLabelValues(op, errorKind(err)).Inc()
	e.log.WithFields(logrus.Fields{"address": address, "op": op}).WithError(err).Debug("rejected")
	return err
}

func actorOr(actor string) string {
	if s := strings.TrimSpace(actor); s != "" {
		return s
	}
	return systemActor
}
