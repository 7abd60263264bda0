package ipam

import (
	"testing"

	"ipamd/internal/models"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateNetworkNormalizes(t *testing.T) {
	env := newTestEnv(t, Options{})
	repo := env.engine.Repo()

	n, err := repo.CreateNetwork(env.ctx, NetworkInput{CIDR: " 10.20.30.40/16 "})
	require.NoError(t, err)
	assert.Equal(t, "10.20.0.0/16", n.CIDR)
	assert.Equal(t, 16, n.PrefixLen)
	assert.Equal(t, 4, n.IPVersion)

	v6, err := repo.CreateNetwork(env.ctx, NetworkInput{CIDR: "2001:db8:1::1/48"})
	require.NoError(t, err)
	assert.Equal(t, "2001:db8:1::/48", v6.CIDR)
	assert.Equal(t, 6, v6.IPVersion)

	_, err = repo.CreateNetwork(env.ctx, NetworkInput{CIDR: "10.20.0.0/16"})
	assert.True(t, errors.Is(err, ErrInvariantViolation))

	_, err = repo.CreateNetwork(env.ctx, NetworkInput{CIDR: "10.0.0.0/33"})
	assert.True(t, errors.Is(err, ErrMalformedInput))

	list, err := repo.ListNetworks(env.ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = repo.GetNetwork(env.ctx, 42)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCreateVLAN(t *testing.T) {
	env := newTestEnv(t, Options{})
	repo := env.engine.Repo()

	for _, n := range []int{0, 4095, -1} {
		_, err := repo.CreateVLAN(env.ctx, VLANInput{Number: n})
		assert.True(t, errors.Is(err, ErrMalformedInput), n)
	}
	v, err := repo.CreateVLAN(env.ctx, VLANInput{Number: 4094, Name: " colo ", IsColo: true, IsVPS: true})
	require.NoError(t, err)
	assert.Equal(t, "colo", v.Name)
	assert.Equal(t, "colo", v.Classification())

	list, err := repo.ListVLANs(env.ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 4094, list[0].Number)
}

func TestCreateRangeValidation(t *testing.T) {
	env := newTestEnv(t, Options{})
	repo := env.engine.Repo()
	n := env.network(t, "10.0.0.0/24")
	env.rangeIn(t, n, "10.0.0.10", "10.0.0.20", "10.0.0.1", nil)

	cases := []struct {
		name string
		in   RangeInput
		kind error
	}{
		{"outside network", RangeInput{NetworkID: n.ID, StartIP: "10.0.0.200", EndIP: "10.0.1.5"}, ErrMalformedInput},
		{"reversed", RangeInput{NetworkID: n.ID, StartIP: "10.0.0.50", EndIP: "10.0.0.40"}, ErrMalformedInput},
		{"mixed families", RangeInput{NetworkID: n.ID, StartIP: "10.0.0.50", EndIP: "2001:db8::1"}, ErrMalformedInput},
		{"gateway outside", RangeInput{NetworkID: n.ID, StartIP: "10.0.0.50", EndIP: "10.0.0.60", Gateway: "10.0.1.1"}, ErrMalformedInput},
		{"bad netmask", RangeInput{NetworkID: n.ID, StartIP: "10.0.0.50", EndIP: "10.0.0.60", Netmask: "255.0.255.0"}, ErrMalformedInput},
		{"bad type", RangeInput{NetworkID: n.ID, StartIP: "10.0.0.50", EndIP: "10.0.0.60", RangeType: "tertiary"}, ErrMalformedInput},
		{"bad status", RangeInput{NetworkID: n.ID, StartIP: "10.0.0.50", EndIP: "10.0.0.60", Status: "gone"}, ErrMalformedInput},
		{"unknown network", RangeInput{NetworkID: 99, StartIP: "10.0.0.50", EndIP: "10.0.0.60"}, ErrNotFound},
		{"unknown vlan", RangeInput{NetworkID: n.ID, VLANID: ptr(uint(9)), StartIP: "10.0.0.50", EndIP: "10.0.0.60"}, ErrNotFound},
		{"overlap inside", RangeInput{NetworkID: n.ID, StartIP: "10.0.0.12", EndIP: "10.0.0.14"}, ErrInvariantViolation},
		{"overlap edge", RangeInput{NetworkID: n.ID, StartIP: "10.0.0.20", EndIP: "10.0.0.30"}, ErrInvariantViolation},
		{"overlap around", RangeInput{NetworkID: n.ID, StartIP: "10.0.0.5", EndIP: "10.0.0.25"}, ErrInvariantViolation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := repo.CreateRange(env.ctx, tc.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.kind), err.Error())
		})
	}

	rg, err := repo.CreateRange(env.ctx, RangeInput{NetworkID: n.ID, StartIP: "10.0.0.21", EndIP: "10.0.0.30", RangeType: models.RangeSecondary})
	require.NoError(t, err)
	assert.Equal(t, models.RangeActive, rg.Status)
	assert.Equal(t, models.RangeSecondary, rg.RangeType)

	list, err := repo.ListRanges(env.ctx, &n.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "10.0.0.10", list[0].StartIP)
}

func TestRangeFor(t *testing.T) {
	env := newTestEnv(t, Options{})
	repo := env.engine.Repo()
	n := env.network(t, "10.0.0.0/16")
	a := env.rangeIn(t, n, "10.0.0.2", "10.0.0.9", "", nil)
	b := env.rangeIn(t, n, "10.0.0.10", "10.0.0.100", "", nil)
	c := env.rangeIn(t, n, "10.0.1.0", "10.0.1.255", "", nil)

	cases := map[string]uint{
		"10.0.0.2":   a.ID,
		"10.0.0.9":   a.ID,
		"10.0.0.10":  b.ID,
		"10.0.0.100": b.ID,
		"10.0.1.0":   c.ID,
		"10.0.1.255": c.ID,
	}
	for addr, want := range cases {
		rg, err := repo.RangeFor(env.db, mustAddr(t, addr))
		require.NoError(t, err, addr)
		assert.Equal(t, want, rg.ID, addr)
	}
	for _, addr := range []string{"10.0.0.1", "10.0.0.101", "10.0.2.0", "2001:db8::1"} {
		_, err := repo.RangeFor(env.db, mustAddr(t, addr))
		assert.True(t, errors.Is(err, ErrOutOfRange), addr)
	}
}

func TestDeleteRangeKeepsHistory(t *testing.T) {
	env := newTestEnv(t, Options{})
	rg := env.scenarioRange(t, true)
	env.assign(t, "10.0.0.2", "server", 7)

	removed, err := env.engine.Repo().DeleteRange(env.ctx, rg.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), removed)

	var n int64
	require.NoError(t, env.db.Model(&models.Address{}).Count(&n).Error)
	assert.Zero(t, n)
	assert.Equal(t, []string{models.ActionAssigned}, env.actions(t, "10.0.0.2"))

	_, err = env.engine.Repo().GetRange(env.ctx, rg.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = env.engine.Repo().DeleteRange(env.ctx, rg.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, Options{})
	rg := env.scenarioRange(t, true)
	other := env.network(t, "10.9.0.0/24")
	orng := env.rangeIn(t, other, "10.9.0.1", "10.9.0.3", "", nil)
	_, err := env.prov.MaterializeRange(env.ctx, orng.ID)
	require.NoError(t, err)

	env.assign(t, "10.0.0.2", "server", 1)
	_, err = env.engine.Reserve(env.ctx, ReserveRequest{Address: "10.0.0.3"})
	require.NoError(t, err)

	st, err := env.engine.Repo().Stats(env.ctx, &rg.NetworkID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.Total)
	assert.Equal(t, int64(1), st.ByStatus[models.StatusAssigned])
	assert.Equal(t, int64(1), st.ByStatus[models.StatusGateway])
	assert.Equal(t, int64(1), st.ByStatus[models.StatusReserved])
	assert.Equal(t, int64(0), st.ByStatus[models.StatusQuarantine])
	assert.Equal(t, 25.0, st.Utilization)

	st, err = env.engine.Repo().Stats(env.ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), st.Total)
	assert.Equal(t, 14.3, st.Utilization)
}

func TestAssignToPool(t *testing.T) {
	env := newTestEnv(t, Options{})
	rg := env.scenarioRange(t, true)
	repo := env.engine.Repo()

	pool, err := repo.CreatePool(env.ctx, PoolInput{Name: "hv"})
	require.NoError(t, err)
	assert.True(t, pool.IsActive)
	assert.Equal(t, "vps", pool.PoolType)

	n, err := repo.AssignToPool(env.ctx, pool.ID, rg.ID, []string{"10.0.0.3", " 10.0.0.3", "10.0.0.9"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.AssignToPool(env.ctx, pool.ID, rg.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	_, err = repo.AssignToPool(env.ctx, pool.ID, rg.ID, []string{"bogus"})
	assert.True(t, errors.Is(err, ErrMalformedInput))
	_, err = repo.AssignToPool(env.ctx, 99, rg.ID, nil)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = repo.CreatePool(env.ctx, PoolInput{Name: "  "})
	assert.True(t, errors.Is(err, ErrMalformedInput))
}

func TestBackfillKeys(t *testing.T) {
	env := newTestEnv(t, Options{})
	rg := env.scenarioRange(t, true)

	require.NoError(t, env.db.Model(&models.Address{}).Where("1 = 1").Update("addr_key", "").Error)
	require.NoError(t, env.db.Model(&models.Range{}).Where("id = ?", rg.ID).
		Updates(map[string]any{"start_key": "", "end_key": ""}).Error)

	fixed, err := env.engine.Repo().BackfillKeys(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, fixed)

	rec := env.record(t, "10.0.0.4")
	assert.Equal(t, addrKey(mustAddr(t, "10.0.0.4")), rec.AddrKey)

	got, err := env.engine.Repo().RangeFor(env.db, mustAddr(t, "10.0.0.3"))
	require.NoError(t, err)
	assert.Equal(t, rg.ID, got.ID)

	fixed, err = env.engine.Repo().BackfillKeys(env.ctx)
	require.NoError(t, err)
	assert.Zero(t, fixed)
}
