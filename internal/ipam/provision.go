package ipam

import (
	"context"
	"net/netip"
	"strings"

	"ipamd/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go4.org/netipx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// classifier decides the initial status of addresses carved from a range.
type classifier struct {
	rg       *models.Range
	from, to netip.Addr
	gateway  netip.Addr
	block    netip.Prefix
	hasBlock bool
	masked   bool
}

func newClassifier(tx *gorm.DB, rg *models.Range) (*classifier, error) {
	ipr, err := rangeOf(rg.StartIP, rg.EndIP)
	if err != nil {
		return nil, errors.Wrapf(err, "range %d", rg.ID)
	}
	c := &classifier{rg: rg, from: ipr.From(), to: ipr.To()}

	var network models.Network
	if err := tx.Limit(1).Find(&network, rg.NetworkID).Error; err != nil {
		return nil, errors.Wrapf(err, "network of range %d", rg.ID)
	}
	parent, _ := netip.ParsePrefix(network.CIDR)
	c.block, c.hasBlock = containingBlock(c.from, rg.Netmask, parent)
	if m := strings.TrimSpace(rg.Netmask); m != "" {
		_, c.masked = maskBits(m)
	}

	if s := strings.TrimSpace(rg.Gateway); s != "" {
		if g, err := ParseAddr(s); err == nil {
			c.gateway = g
		}
	}
	return c, nil
}

// status: gateway, then network for the first address of the interval,
// broadcast (v4 only) for the last one; everything else is available.
// Blocks of /31 and /32 (or v6 /127, /128) have no special addresses.
func (c *classifier) status(a netip.Addr) string {
	if c.gateway.IsValid() && a == c.gateway {
		return models.StatusGateway
	}
	for _, b := range c.blocks(a) {
		if a == c.from && a == b.Masked().Addr() {
			return models.StatusNetwork
		}
		if a == c.to && a.Is4() && a == netipx.PrefixLastIP(b) {
			return models.StatusBroadcast
		}
	}
	return models.StatusAvailable
}

// blocks around a: the netmask block when set, else the parent network
// plus, for v4, the /24 holding a (x.x.x.0 / x.x.x.255 at the interval edges).
func (c *classifier) blocks(a netip.Addr) []netip.Prefix {
	var out []netip.Prefix
	if c.hasBlock && c.block.Addr().BitLen()-c.block.Bits() >= 2 {
		out = append(out, c.block)
	}
	if !c.masked && a.Is4() && (!c.hasBlock || c.block.Bits() < 24) {
		if p, err := a.Prefix(24); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func (c *classifier) row(a netip.Addr) models.Address {
	return models.Address{
		Address:   a.String(),
		AddrKey:   addrKey(a),
		IPVersion: ipVersion(a),
		RangeID:   c.rg.ID,
		Status:    c.status(a),
	}
}

// Provisioner populates ranges and performs best-effort bulk assignment.
type Provisioner struct {
	engine *Engine
	db     *gorm.DB
	log    logrus.FieldLogger
}

func NewProvisioner(e *Engine) *Provisioner {
	return &Provisioner{engine: e, db: e.db, log: e.log}
}

// MaterializeRange creates a record for every address of the range that
// does not exist yet and returns how many were created. Existing records
// are never touched, so running it again creates nothing. Each chunk is
// its own transaction.
func (p *Provisioner) MaterializeRange(ctx context.Context, rangeID uint) (int, error) {
	rg, err := p.engine.repo.GetRange(ctx, rangeID)
	if err != nil {
		return 0, err
	}
	ipr, err := rangeOf(rg.StartIP, rg.EndIP)
	if err != nil {
		return 0, err
	}
	opts := p.engine.opts
	if n := rangeSize(ipr, opts.MaterializeLimit); n > opts.MaterializeLimit {
		return 0, malformed("range %s has more than %d addresses", ipr, opts.MaterializeLimit)
	}
	c, err := newClassifier(p.db.WithContext(ctx), rg)
	if err != nil {
		return 0, err
	}

	created := 0
	var chunk []models.Address
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		rows := chunk
		chunk = nil
		return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
			if res.Error != nil {
				return errors.Wrapf(res.Error, "materialize range %d", rg.ID)
			}
			created += int(res.RowsAffected)
			return nil
		})
	}

	for a := ipr.From(); a.IsValid() && a.Compare(ipr.To()) <= 0; a = a.Next() {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		chunk = append(chunk, c.row(a))
		if len(chunk) >= opts.MaterializeBatch {
			if err := flush(); err != nil {
				return created, err
			}
		}
	}
	if err := flush(); err != nil {
		return created, err
	}

	materialized.Add(float64(created))
	p.log.WithFields(logrus.Fields{"range_id": rg.ID, "start": rg.StartIP, "end": rg.EndIP, "created": created}).Info("range materialized")
	return created, nil
}

type BulkRequest struct {
	Spec       string            `json:"range"`
	DeviceType string            `json:"device_type"`
	DeviceID   int64             `json:"device_id"`
	Actor      string            `json:"actor"`
	Notes      string            `json:"notes"`
	Attrs      map[string]string `json:"attrs"`
}

type BulkFailure struct {
	Address string `json:"address"`
	Kind    string `json:"kind"`
	Error   string `json:"error"`
}

type BulkResult struct {
	BatchID   string        `json:"batch_id"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Assigned  []string      `json:"assigned"`
	Failures  []BulkFailure `json:"failures"`
}

// BulkAssign runs assign on every address of a CIDR or "a-b" range for a
// single device. Every address is its own unit: failures are counted and
// skipped, successes are never rolled back. Cancelling ctx stops the loop
// and returns what was done so far together with the context error.
func (p *Provisioner) BulkAssign(ctx context.Context, req BulkRequest) (*BulkResult, error) {
	addrs, err := ExpandSpec(req.Spec, p.engine.opts.BulkLimit)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.DeviceType) == "" {
		return nil, malformed("device_type required")
	}
	if req.DeviceID <= 0 {
		return nil, malformed("device_id must be positive")
	}
	if _, err := AttrColumns(req.Attrs); err != nil {
		return nil, err
	}

	res := &BulkResult{BatchID: uuid.NewString(), Assigned: []string{}, Failures: []BulkFailure{}}
	notes := "Bulk assignment: " + strings.TrimSpace(req.Spec)
	if s := strings.TrimSpace(req.Notes); s != "" {
		notes = "Bulk assignment: " + s
	}
	attrs := make(map[string]string, len(req.Attrs)+1)
	for k, v := range req.Attrs {
		if def, ok := Def(k); ok && def.Column == "is_primary" {
			continue
		}
		attrs[k] = v
	}
	attrs["is_primary"] = "false"

	log := p.log.WithFields(logrus.Fields{"batch_id": res.BatchID, "device_type": req.DeviceType, "device_id": req.DeviceID})
	for _, a := range addrs {
		if err := ctx.Err(); err != nil {
			p.observe(res)
			return res, err
		}
		_, err := p.engine.Assign(ctx, AssignRequest{
			Address:    a.String(),
			DeviceType: req.DeviceType,
			DeviceID:   req.DeviceID,
			Actor:      req.Actor,
			Attrs:      attrs,
			Notes:      notes,
			BatchID:    res.BatchID,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				p.observe(res)
				return res, err
			}
			res.Failed++
			res.Failures = append(res.Failures, BulkFailure{Address: a.String(), Kind: errorKind(err), Error: err.Error()})
			log.WithField("address", a.String()).WithError(err).Debug("bulk assign skipped address")
			continue
		}
		res.Succeeded++
		res.Assigned = append(res.Assigned, a.String())
	}

	p.observe(res)
	log.WithFields(logrus.Fields{"succeeded": res.Succeeded, "failed": res.Failed}).Info("bulk assignment complete")
	return res, nil
}

func (p *Provisioner) observe(res *BulkResult) {
	bulkResults.WithLabelValues("succeeded").Add(float64(res.Succeeded))
	bulkResults.WithLabelValues("failed").Add(float64(res.Failed))
}
