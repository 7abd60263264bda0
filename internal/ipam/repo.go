package ipam

import (
	"context"
	"fmt"
	"math"
	"net/netip"
	"strings"

	"ipamd/internal/models"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

// Repo owns the topology tables (networks, vlans, ranges, pools) and the
// range index used to bound searches and validate membership.
type Repo struct{ db *gorm.DB }

func NewRepo(db *gorm.DB) *Repo { return &Repo{db: db} }

// DB exposes the handle for callers that need their own transaction.
func (r *Repo) DB() *gorm.DB { return r.db }

/* ——— networks ——— */

type NetworkInput struct {
	CIDR        string `json:"cidr"`
	IsPublic    bool   `json:"is_public"`
	Description string `json:"description"`
}

// CreateNetwork — создаёт сеть; CIDR нормализуется (host bits обнуляются).
func (r *Repo) CreateNetwork(ctx context.Context, in NetworkInput) (*models.Network, error) {
	p, err := netip.ParsePrefix(strings.TrimSpace(in.CIDR))
	if err != nil {
		return nil, malformed("invalid cidr %q", in.CIDR)
	}
	p = p.Masked()
	n := &models.Network{
		CIDR:        p.String(),
		PrefixLen:   p.Bits(),
		IPVersion:   ipVersion(p.Addr()),
		IsPublic:    in.IsPublic,
		Description: in.Description,
	}
	if err := r.db.WithContext(ctx).Create(n).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, &ConflictError{Subject: "network " + n.CIDR, Reason: "already exists"}
		}
		return nil, errors.Wrap(err, "create network")
	}
	return n, nil
}

func (r *Repo) GetNetwork(ctx context.Context, id uint) (*models.Network, error) {
	var n models.Network
	if err := r.db.WithContext(ctx).First(&n, id).Error; err != nil {
		return nil, wrapNotFound(err, "network %d", id)
	}
	return &n, nil
}

func (r *Repo) ListNetworks(ctx context.Context) ([]models.Network, error) {
	var out []models.Network
	err := r.db.WithContext(ctx).Order("id").Find(&out).Error
	return out, errors.Wrap(err, "list networks")
}

/* ——— vlans ——— */

type VLANInput struct {
	Number      int    `json:"vlan_number"`
	Name        string `json:"name"`
	Description string `json:"description"`
	VRF         string `json:"vrf"`
	IsPrivate   bool   `json:"is_private"`
	IsColo      bool   `json:"is_colo"`
	IsVPS       bool   `json:"is_vps"`
}

func (r *Repo) CreateVLAN(ctx context.Context, in VLANInput) (*models.VLAN, error) {
	if in.Number < 1 || in.Number > 4094 {
		return nil, malformed("vlan number %d out of 1-4094", in.Number)
	}
	v := &models.VLAN{
		Number:      in.Number,
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		VRF:         strings.TrimSpace(in.VRF),
		IsPrivate:   in.IsPrivate,
		IsColo:      in.IsColo,
		IsVPS:       in.IsVPS,
	}
	if err := r.db.WithContext(ctx).Create(v).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, &ConflictError{Subject: fmt.Sprintf("vlan %d", in.Number), Reason: "already exists"}
		}
		return nil, errors.Wrap(err, "create vlan")
	}
	return v, nil
}

func (r *Repo) GetVLAN(ctx context.Context, id uint) (*models.VLAN, error) {
	var v models.VLAN
	if err := r.db.WithContext(ctx).First(&v, id).Error; err != nil {
		return nil, wrapNotFound(err, "vlan %d", id)
	}
	return &v, nil
}

func (r *Repo) ListVLANs(ctx context.Context) ([]models.VLAN, error) {
	var out []models.VLAN
	err := r.db.WithContext(ctx).Order("vlan_number").Find(&out).Error
	return out, errors.Wrap(err, "list vlans")
}

/* ——— ranges ——— */

type RangeInput struct {
	NetworkID   uint   `json:"network_id"`
	VLANID      *uint  `json:"vlan_id"`
	StartIP     string `json:"start_ip"`
	EndIP       string `json:"end_ip"`
	Gateway     string `json:"gateway"`
	Netmask     string `json:"netmask"`
	RangeType   string `json:"range_type"`
	Status      string `json:"status"`
	Description string `json:"description"`
	Notes       string `json:"notes"`
}

// CreateRange validates membership in the parent network and rejects
// intervals overlapping an existing range: every address must resolve to
// at most one owning range.
func (r *Repo) CreateRange(ctx context.Context, in RangeInput) (*models.Range, error) {
	ipr, err := rangeOf(in.StartIP, in.EndIP)
	if err != nil {
		return nil, err
	}
	from, to := ipr.From(), ipr.To()

	network, err := r.GetNetwork(ctx, in.NetworkID)
	if err != nil {
		return nil, err
	}
	block, err := netip.ParsePrefix(network.CIDR)
	if err != nil {
		return nil, errors.Wrapf(err, "network %d has invalid cidr", network.ID)
	}
	if !block.Contains(from) || !block.Contains(to) {
		return nil, malformed("range %s-%s is outside network %s", from, to, block)
	}

	var gw string
	if s := strings.TrimSpace(in.Gateway); s != "" {
		g, err := ParseAddr(s)
		if err != nil {
			return nil, err
		}
		if !block.Contains(g) {
			return nil, malformed("gateway %s is outside network %s", g, block)
		}
		gw = g.String()
	}
	if s := strings.TrimSpace(in.Netmask); s != "" {
		if _, ok := maskBits(s); !ok {
			return nil, malformed("invalid netmask %q", s)
		}
	}

	rangeType := lo.Ternary(in.RangeType == "", models.RangePrimary, in.RangeType)
	if !lo.Contains([]string{models.RangePrimary, models.RangeSecondary}, rangeType) {
		return nil, malformed("invalid range type %q", in.RangeType)
	}
	status := lo.Ternary(in.Status == "", models.RangeActive, in.Status)
	if !lo.Contains([]string{models.RangeActive, models.RangeReserved, models.RangeDeprecated, models.RangeNotInUse}, status) {
		return nil, malformed("invalid range status %q", in.Status)
	}

	if in.VLANID != nil {
		if _, err := r.GetVLAN(ctx, *in.VLANID); err != nil {
			return nil, err
		}
	}

	rg := &models.Range{
		NetworkID:   network.ID,
		VLANID:      in.VLANID,
		StartIP:     from.String(),
		EndIP:       to.String(),
		StartKey:    addrKey(from),
		EndKey:      addrKey(to),
		Gateway:     gw,
		Netmask:     strings.TrimSpace(in.Netmask),
		RangeType:   rangeType,
		Status:      status,
		Description: in.Description,
		Notes:       in.Notes,
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var overlapping int64
		if err := tx.Model(&models.Range{}).
			Where("start_key <= ? AND end_key >= ?", rg.EndKey, rg.StartKey).
			Count(&overlapping).Error; err != nil {
			return err
		}
		if overlapping > 0 {
			return &ConflictError{Subject: "range " + rg.StartIP + "-" + rg.EndIP, Reason: "overlaps an existing range"}
		}
		return tx.Create(rg).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &ConflictError{Subject: "range " + rg.StartIP + "-" + rg.EndIP, Reason: "already exists"}
		}
		var ce *ConflictError
		if errors.As(err, &ce) {
			return nil, ce
		}
		return nil, errors.Wrap(err, "create range")
	}
	return rg, nil
}

func (r *Repo) GetRange(ctx context.Context, id uint) (*models.Range, error) {
	var rg models.Range
	if err := r.db.WithContext(ctx).First(&rg, id).Error; err != nil {
		return nil, wrapNotFound(err, "range %d", id)
	}
	return &rg, nil
}

// ListRanges — все диапазоны, либо только диапазоны одной сети.
func (r *Repo) ListRanges(ctx context.Context, networkID *uint) ([]models.Range, error) {
	q := r.db.WithContext(ctx).Order("start_key")
	if networkID != nil {
		q = q.Where("network_id = ?", *networkID)
	}
	var out []models.Range
	err := q.Find(&out).Error
	return out, errors.Wrap(err, "list ranges")
}

// DeleteRange removes the range and every address carved from it. History
// rows stay: they carry the literal address and are append-only.
func (r *Repo) DeleteRange(ctx context.Context, id uint) (int64, error) {
	var removed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rg models.Range
		if err := tx.First(&rg, id).Error; err != nil {
			return wrapNotFound(err, "range %d", id)
		}
		res := tx.Where("range_id = ?", id).Delete(&models.Address{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return tx.Delete(&rg).Error
	})
	return removed, err
}

// RangeFor resolves the range owning a. Ranges never overlap, so the
// greatest start_key not above the address is the only candidate.
func (r *Repo) RangeFor(tx *gorm.DB, a netip.Addr) (*models.Range, error) {
	key := addrKey(a)
	var rg models.Range
	err := tx.Where("start_key <= ? AND end_key >= ?", key, key).
		Order("start_key DESC").
		Limit(1).
		Find(&rg).Error
	if err != nil {
		return nil, errors.Wrap(err, "resolve range")
	}
	if rg.ID == 0 {
		return nil, &NotInAnyRangeError{Address: a.String()}
	}
	return &rg, nil
}

// RangeIDsForVLAN — диапазоны VLAN; используется как область поиска.
func (r *Repo) RangeIDsForVLAN(tx *gorm.DB, vlanID uint) ([]uint, error) {
	var ids []uint
	err := tx.Model(&models.Range{}).Where("vlan_id = ?", vlanID).Order("start_key").Pluck("id", &ids).Error
	return ids, errors.Wrap(err, "ranges for vlan")
}

/* ——— pools ——— */

type PoolInput struct {
	Name          string  `json:"name"`
	PoolType      string  `json:"pool_type"`
	VLANID        *uint   `json:"vlan_id"`
	HypervisorIDs []int64 `json:"hypervisor_ids"`
	IsActive      *bool   `json:"is_active"`
	AutoAssign    bool    `json:"auto_assign"`
	Description   string  `json:"description"`
	Notes         string  `json:"notes"`
}

func (r *Repo) CreatePool(ctx context.Context, in PoolInput) (*models.Pool, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, malformed("pool name required")
	}
	if in.VLANID != nil {
		if _, err := r.GetVLAN(ctx, *in.VLANID); err != nil {
			return nil, err
		}
	}
	p := &models.Pool{
		Name:          name,
		PoolType:      lo.Ternary(in.PoolType == "", "vps", in.PoolType),
		VLANID:        in.VLANID,
		HypervisorIDs: lo.Uniq(in.HypervisorIDs),
		IsActive:      in.IsActive == nil || *in.IsActive,
		AutoAssign:    in.AutoAssign,
		Description:   in.Description,
		Notes:         in.Notes,
	}
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, &ConflictError{Subject: "pool " + name, Reason: "already exists"}
		}
		return nil, errors.Wrap(err, "create pool")
	}
	return p, nil
}

func (r *Repo) GetPool(ctx context.Context, id uint) (*models.Pool, error) {
	var p models.Pool
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, wrapNotFound(err, "pool %d", id)
	}
	return &p, nil
}

func (r *Repo) ListPools(ctx context.Context) ([]models.Pool, error) {
	var out []models.Pool
	err := r.db.WithContext(ctx).Order("name").Find(&out).Error
	return out, errors.Wrap(err, "list pools")
}

// AssignToPool attaches materialised addresses of a range to the pool.
// With an empty list the whole range is attached.
func (r *Repo) AssignToPool(ctx context.Context, poolID, rangeID uint, addresses []string) (int64, error) {
	if _, err := r.GetPool(ctx, poolID); err != nil {
		return 0, err
	}
	if _, err := r.GetRange(ctx, rangeID); err != nil {
		return 0, err
	}
	q := r.db.WithContext(ctx).Model(&models.Address{}).Where("range_id = ?", rangeID)
	if len(addresses) > 0 {
		normalized := make([]string, 0, len(addresses))
		for _, s := range addresses {
			a, err := ParseAddr(s)
			if err != nil {
				return 0, err
			}
			normalized = append(normalized, a.String())
		}
		q = q.Where("address IN ?", lo.Uniq(normalized))
	}
	res := q.Update("pool_id", poolID)
	return res.RowsAffected, errors.Wrap(res.Error, "assign to pool")
}

/* ——— stats ——— */

type Stats struct {
	Total       int64            `json:"total"`
	ByStatus    map[string]int64 `json:"by_status"`
	Utilization float64          `json:"utilization"`
}

// Stats counts addresses by status, optionally within one network.
// Utilization is assigned/total in percent, one decimal.
func (r *Repo) Stats(ctx context.Context, networkID *uint) (*Stats, error) {
	q := r.db.WithContext(ctx).Model(&models.Address{})
	if networkID != nil {
		q = q.Where("range_id IN (?)", r.db.Model(&models.Range{}).Select("id").Where("network_id = ?", *networkID))
	}
	var rows []struct {
		Status string
		N      int64
	}
	if err := q.Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "stats")
	}
	st := &Stats{ByStatus: make(map[string]int64, len(models.AllStatuses))}
	for _, s := range models.AllStatuses {
		st.ByStatus[s] = 0
	}
	for _, row := range rows {
		st.ByStatus[row.Status] = row.N
		st.Total += row.N
	}
	if st.Total > 0 {
		st.Utilization = math.Round(float64(st.ByStatus[models.StatusAssigned])/float64(st.Total)*1000) / 10
	}
	return st, nil
}

/* ——— maintenance ——— */

// BackfillKeys fills addr_key/start_key/end_key for rows imported before
// the key columns existed. Rows with unparsable literals are skipped.
func (r *Repo) BackfillKeys(ctx context.Context) (int, error) {
	db := r.db.WithContext(ctx)
	fixed := 0

	var ranges []models.Range
	if err := db.Where("start_key IS NULL OR start_key = '' OR end_key IS NULL OR end_key = ''").Find(&ranges).Error; err != nil {
		return 0, errors.Wrap(err, "backfill ranges")
	}
	for _, rg := range ranges {
		ipr, err := rangeOf(rg.StartIP, rg.EndIP)
		if err != nil {
			continue
		}
		if err := db.Model(&models.Range{}).Where("id = ?", rg.ID).
			Updates(map[string]any{"start_key": addrKey(ipr.From()), "end_key": addrKey(ipr.To())}).Error; err != nil {
			return fixed, errors.Wrap(err, "backfill range keys")
		}
		fixed++
	}

	var addrs []models.Address
	err := db.Where("addr_key IS NULL OR addr_key = ''").
		FindInBatches(&addrs, 500, func(tx *gorm.DB, _ int) error {
			for _, rec := range addrs {
				a, err := ParseAddr(rec.Address)
				if err != nil {
					continue
				}
				if err := tx.Model(&models.Address{}).Where("id = ?", rec.ID).
					Updates(map[string]any{"addr_key": addrKey(a), "ip_version": ipVersion(a)}).Error; err != nil {
					return err
				}
				fixed++
			}
			return nil
		}).Error
	return fixed, errors.Wrap(err, "backfill address keys")
}

func wrapNotFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound(format, args...)
	}
	return errors.Wrapf(err, format, args...)
}
