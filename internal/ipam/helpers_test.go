package ipam

import (
	"context"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ipamd/internal/db"
	"ipamd/internal/logs"
	"ipamd/internal/models"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "ipam.db") + "?_pragma=busy_timeout(5000)"
	d, err := db.Open("sqlite", dsn)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(d))

	t.Cleanup(func() {
		if sqlDB, err := d.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return d
}

type testEnv struct {
	db     *gorm.DB
	clock  *fakeClock
	engine *Engine
	prov   *Provisioner
	ctx    context.Context
}

func newTestEnv(t *testing.T, opts Options, o ...Option) *testEnv {
	t.Helper()

	d := newTestDB(t)
	clock := &fakeClock{now: t0}
	o = append([]Option{WithClock(clock.Now), WithLogger(logs.Discard())}, o...)
	e := NewEngine(d, opts, o...)
	return &testEnv{db: d, clock: clock, engine: e, prov: NewProvisioner(e), ctx: context.Background()}
}

// network creates a network and returns it.
func (env *testEnv) network(t *testing.T, cidr string) *models.Network {
	t.Helper()
	n, err := env.engine.Repo().CreateNetwork(env.ctx, NetworkInput{CIDR: cidr})
	require.NoError(t, err)
	return n
}

// rangeIn creates a range inside network n.
func (env *testEnv) rangeIn(t *testing.T, n *models.Network, start, end, gateway string, vlanID *uint) *models.Range {
	t.Helper()
	rg, err := env.engine.Repo().CreateRange(env.ctx, RangeInput{
		NetworkID: n.ID,
		VLANID:    vlanID,
		StartIP:   start,
		EndIP:     end,
		Gateway:   gateway,
	})
	require.NoError(t, err)
	return rg
}

// scenarioRange is 10.0.0.1-10.0.0.4 with gateway .1 inside 10.0.0.0/24.
func (env *testEnv) scenarioRange(t *testing.T, materialize bool) *models.Range {
	t.Helper()
	rg := env.rangeIn(t, env.network(t, "10.0.0.0/24"), "10.0.0.1", "10.0.0.4", "10.0.0.1", nil)
	if materialize {
		_, err := env.prov.MaterializeRange(env.ctx, rg.ID)
		require.NoError(t, err)
	}
	return rg
}

func (env *testEnv) assign(t *testing.T, addr, deviceType string, deviceID int64) *models.Address {
	t.Helper()
	rec, err := env.engine.Assign(env.ctx, AssignRequest{Address: addr, DeviceType: deviceType, DeviceID: deviceID, Actor: "tester"})
	require.NoError(t, err)
	return rec
}

func (env *testEnv) record(t *testing.T, addr string) *models.Address {
	t.Helper()
	var rec models.Address
	require.NoError(t, env.db.Where("address = ?", addr).First(&rec).Error)
	return &rec
}

func (env *testEnv) statuses(t *testing.T, rangeID uint) map[string]string {
	t.Helper()
	var recs []models.Address
	require.NoError(t, env.db.Where("range_id = ?", rangeID).Find(&recs).Error)
	out := make(map[string]string, len(recs))
	for _, r := range recs {
		out[r.Address] = r.Status
	}
	return out
}

func (env *testEnv) actions(t *testing.T, addr string) []string {
	t.Helper()
	hs, err := env.engine.Ledger().List(env.ctx, HistoryFilter{Address: addr, Limit: 500})
	require.NoError(t, err)
	out := make([]string, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Action)
	}
	return out
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := ParseAddr(s)
	require.NoError(t, err)
	return a
}

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	require.NoError(t, err)
	return p
}

func ptr[T any](v T) *T { return &v }
