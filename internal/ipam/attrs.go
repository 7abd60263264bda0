package ipam

import (
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// AttrDef describes one auxiliary attribute a caller may set on assign.
type AttrDef struct {
	Key      string
	Aliases  []string
	Column   string
	Example  string
	Validate func(string) (any, error) // нормализация/проверка одного значения
}

/* ——— validators ——— */

var (
	reHostname = regexp.MustCompile(`^(?i:[a-z0-9](?:[a-z0-9-_]{0,61}[a-z0-9])?)(?:\.(?i:[a-z0-9](?:[a-z0-9-_]{0,61}[a-z0-9])?))*\.?$`)
	reIface    = regexp.MustCompile(`^[A-Za-z0-9_.:@-]{1,50}$`)
	reSpeed    = regexp.MustCompile(`^(?i)\d+(\.\d+)?\s*[kmgt]?bps$`)
)

func normHostname(v string) (any, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	if s == "" {
		return "", nil
	}
	if len(s) > 253 || !reHostname.MatchString(s) {
		return nil, errors.New("invalid hostname")
	}
	return s, nil
}

func normMAC(v string) (any, error) {
	s := strings.TrimSpace(v)
	if s == "" {
		return "", nil
	}
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return nil, errors.New("invalid mac address")
	}
	return hw.String(), nil
}

func normIface(v string) (any, error) {
	s := strings.TrimSpace(v)
	if s == "" {
		return "", nil
	}
	if !reIface.MatchString(s) {
		return nil, errors.New("invalid interface name")
	}
	return s, nil
}

func normSpeed(v string) (any, error) {
	s := strings.TrimSpace(v)
	if s == "" {
		return "", nil
	}
	if !reSpeed.MatchString(s) {
		return nil, errors.New("invalid interface speed (e.g. 10Gbps)")
	}
	return s, nil
}

func normBool(v string) (any, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on", "y":
		return true, nil
	case "", "0", "false", "no", "off", "n":
		return false, nil
	}
	return nil, errors.New("invalid bool")
}

func normID(v string) (any, error) {
	s := strings.TrimSpace(v)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return nil, errors.New("invalid id")
	}
	return n, nil
}

func normConnType(v string) (any, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	switch s {
	case "", HintPublic, HintPrivate, "ipmi":
		return s, nil
	}
	return nil, errors.New("connection_type must be public|private|ipmi")
}

func normText(max int) func(string) (any, error) {
	return func(v string) (any, error) {
		s := strings.TrimSpace(v)
		if len(s) > max {
			return nil, errors.Errorf("value longer than %d chars", max)
		}
		return s, nil
	}
}

/* ——— catalog ——— */

var Catalog = []AttrDef{
	{Key: "hostname", Aliases: []string{"vps_hostname"}, Column: "hostname", Example: "web01.example.com", Validate: normHostname},
	{Key: "hypervisor_id", Column: "hypervisor_id", Example: "14", Validate: normID},
	{Key: "mac_address", Aliases: []string{"mac"}, Column: "mac_address", Example: "00:11:22:33:44:55", Validate: normMAC},
	{Key: "interface_name", Aliases: []string{"interface"}, Column: "interface_name", Example: "eth0", Validate: normIface},
	{Key: "interface_speed", Column: "interface_speed", Example: "10Gbps", Validate: normSpeed},
	{Key: "ptr_record", Aliases: []string{"ptr"}, Column: "ptr_record", Example: "web01.example.com", Validate: normHostname},
	{Key: "connection_type", Column: "connection_type", Example: "public", Validate: normConnType},
	{Key: "is_primary", Aliases: []string{"primary"}, Column: "is_primary", Example: "true", Validate: normBool},
	{Key: "notes", Column: "notes", Example: "rack 4, port 12", Validate: normText(4096)},
}

/* ——— registry ——— */

var byKey map[string]AttrDef

func init() {
	byKey = make(map[string]AttrDef, len(Catalog)*2)
	for _, d := range Catalog {
		byKey[d.Key] = d
		for _, a := range d.Aliases {
			byKey[a] = d
		}
	}
}

func Def(key string) (AttrDef, bool) {
	d, ok := byKey[strings.ToLower(strings.TrimSpace(key))]
	return d, ok
}

// AttrColumns validates attrs and maps them onto column updates. Unknown
// keys are dropped; a known key with a bad value rejects the whole set.
func AttrColumns(attrs map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		def, ok := Def(k)
		if !ok {
			continue
		}
		val, err := def.Validate(v)
		if err != nil {
			return nil, malformed("attribute %s: %v", def.Key, err)
		}
		out[def.Column] = val
	}
	return out, nil
}
