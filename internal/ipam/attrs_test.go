package ipam

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttrColumns(t *testing.T) {
	cols, err := AttrColumns(map[string]string{
		"VPS_Hostname":    "VM-12.example.net.",
		"mac":             "AA:BB:CC:DD:EE:FF",
		"interface_speed": "10 Gbps",
		"connection_type": "IPMI",
		"is_primary":      "0",
		"hypervisor_id":   "",
		"color":           "blue",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"hostname":        "vm-12.example.net.",
		"mac_address":     "aa:bb:cc:dd:ee:ff",
		"interface_speed": "10 Gbps",
		"connection_type": "ipmi",
		"is_primary":      false,
		"hypervisor_id":   nil,
	}, cols)

	cols, err = AttrColumns(nil)
	require.NoError(t, err)
	assert.Empty(t, cols)
}

func TestAttrColumnsRejectsBadValues(t *testing.T) {
	bad := map[string]string{
		"hostname":        "-bad-.example",
		"mac_address":     "00:11:22:33:44",
		"interface_name":  "eth 0",
		"interface_speed": "fast",
		"connection_type": "wifi",
		"is_primary":      "maybe",
		"hypervisor_id":   "-3",
	}
	for k, v := range bad {
		_, err := AttrColumns(map[string]string{k: v})
		assert.True(t, errors.Is(err, ErrMalformedInput), "%s=%q", k, v)
	}
}

func TestCatalogAliases(t *testing.T) {
	seen := map[string]string{}
	for _, d := range Catalog {
		for _, k := range append([]string{d.Key}, d.Aliases...) {
			prev, dup := seen[k]
			assert.False(t, dup, "%s declared by %s and %s", k, prev, d.Key)
			seen[k] = d.Key
		}
		got, ok := Def(d.Key)
		require.True(t, ok)
		assert.Equal(t, d.Column, got.Column)

		_, err := d.Validate(d.Example)
		assert.NoError(t, err, "example of %s", d.Key)
	}

	_, ok := Def("status")
	assert.False(t, ok)
}
