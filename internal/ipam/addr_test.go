package ipam

import (
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddr(t *testing.T) {
	a, err := ParseAddr(" 10.0.0.1 ")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", a.String())

	a, err = ParseAddr("::ffff:10.0.0.1")
	require.NoError(t, err)
	assert.True(t, a.Is4())

	a, err = ParseAddr("2001:DB8::1")
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", a.String())

	for _, s := range []string{"", "10.0.0", "10.0.0.256", "fe80::1%eth0", "host.example"} {
		_, err := ParseAddr(s)
		assert.True(t, errors.Is(err, ErrMalformedInput), s)
	}
}

func TestAddrKeyOrdersNumerically(t *testing.T) {
	in := []string{"10.0.0.10", "10.0.0.9", "10.0.0.100", "9.255.255.255", "10.0.1.0", "10.0.0.2"}
	keys := make([]string, len(in))
	byKey := map[string]string{}
	for i, s := range in {
		keys[i] = addrKey(mustAddr(t, s))
		byKey[keys[i]] = s
	}
	sort.Strings(keys)

	var got []string
	for _, k := range keys {
		got = append(got, byKey[k])
	}
	assert.Equal(t, []string{"9.255.255.255", "10.0.0.2", "10.0.0.9", "10.0.0.10", "10.0.0.100", "10.0.1.0"}, got)
	assert.Len(t, keys[0], 32)
}

func TestExpandSpec(t *testing.T) {
	cases := []struct {
		spec  string
		limit int
		first string
		last  string
		n     int
	}{
		{"10.0.0.0/30", 16, "10.0.0.1", "10.0.0.2", 2},
		{"10.0.0.5/29", 16, "10.0.0.1", "10.0.0.6", 6},
		{"10.0.0.0/31", 16, "10.0.0.0", "10.0.0.1", 2},
		{"10.0.0.7/32", 16, "10.0.0.7", "10.0.0.7", 1},
		{"10.0.0.1-10.0.0.4", 16, "10.0.0.1", "10.0.0.4", 4},
		{" 10.0.0.250 - 10.0.1.2 ", 16, "10.0.0.250", "10.0.1.2", 9},
		{"2001:db8::/126", 16, "2001:db8::1", "2001:db8::3", 3},
		{"10.0.0.0/24", 254, "10.0.0.1", "10.0.0.254", 254},
	}
	for _, tc := range cases {
		t.Run(tc.spec, func(t *testing.T) {
			got, err := ExpandSpec(tc.spec, tc.limit)
			require.NoError(t, err)
			require.Len(t, got, tc.n)
			assert.Equal(t, tc.first, got[0].String())
			assert.Equal(t, tc.last, got[len(got)-1].String())
		})
	}

	for _, spec := range []string{"10.0.0.0/24", "10.0.0.1-10.0.0.200", "10.0.0.9-10.0.0.1", "10.0.0.1", "nonsense/8", "0.0.0.0/0"} {
		_, err := ExpandSpec(spec, 100)
		assert.True(t, errors.Is(err, ErrMalformedInput), spec)
	}
}

func TestMaskBits(t *testing.T) {
	cases := map[string]int{
		"255.255.255.0":   24,
		"255.255.255.248": 29,
		"255.255.255.255": 32,
		"0.0.0.0":         0,
		"24":              24,
		"/31":             31,
		"64":              64,
	}
	for in, want := range cases {
		got, ok := maskBits(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"255.0.255.0", "abc", "129", "24x", "ffff::"} {
		_, ok := maskBits(in)
		assert.False(t, ok, in)
	}
}

func TestContainingBlock(t *testing.T) {
	parent := mustPrefix(t, "10.0.0.0/16")

	p, ok := containingBlock(mustAddr(t, "10.0.3.9"), "255.255.255.0", parent)
	require.True(t, ok)
	assert.Equal(t, "10.0.3.0/24", p.Masked().String())

	p, ok = containingBlock(mustAddr(t, "10.0.3.9"), "", parent)
	require.True(t, ok)
	assert.Equal(t, parent, p)

	_, ok = containingBlock(mustAddr(t, "10.1.0.1"), "", parent)
	assert.False(t, ok)
}
