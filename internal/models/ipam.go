package models

import (
	"time"

	"gorm.io/gorm"
)

// Address statuses.
const (
	StatusAvailable  = "available"
	StatusAssigned   = "assigned"
	StatusReserved   = "reserved"
	StatusQuarantine = "quarantine"
	StatusGateway    = "gateway"
	StatusNetwork    = "network"
	StatusBroadcast  = "broadcast"
)

// AllStatuses lists every address status in display order.
var AllStatuses = []string{
	StatusAvailable, StatusAssigned, StatusReserved, StatusQuarantine,
	StatusGateway, StatusNetwork, StatusBroadcast,
}

// Range types and operational statuses.
const (
	RangePrimary   = "primary"
	RangeSecondary = "secondary"

	RangeActive     = "active"
	RangeReserved   = "reserved"
	RangeDeprecated = "deprecated"
	RangeNotInUse   = "not_in_use"
)

// Network — верхнеуровневый блок (например, анонсируемый по BGP).
// Уникальность CIDR держит частичный индекс из MigrateUniqueIndexes.
type Network struct {
	gorm.Model
	CIDR        string `gorm:"column:cidr;type:varchar(64);not null" json:"cidr"`
	PrefixLen   int    `gorm:"not null" json:"prefix_len"`
	IPVersion   int    `gorm:"column:ip_version;default:4" json:"ip_version"`
	IsPublic    bool   `gorm:"default:false" json:"is_public"`
	Description string `gorm:"type:text" json:"description"`
}

func (Network) TableName() string { return "networks" }

// VLAN is a weak label: ranges and pools point at it, it owns nothing.
type VLAN struct {
	gorm.Model
	Number      int    `gorm:"column:vlan_number;not null" json:"vlan_number"`
	Name        string `gorm:"type:varchar(50)" json:"name"`
	Description string `gorm:"type:text" json:"description"`
	VRF         string `gorm:"column:vrf;type:varchar(50)" json:"vrf"`
	IsPrivate   bool   `gorm:"default:false" json:"is_private"`
	IsColo      bool   `gorm:"default:false" json:"is_colo"`
	IsVPS       bool   `gorm:"column:is_vps;default:false" json:"is_vps"`
}

func (VLAN) TableName() string { return "vlans" }

// Classification collapses the three flags; private wins over colo, colo over vps.
func (v VLAN) Classification() string {
	switch {
	case v.IsPrivate:
		return "private"
	case v.IsColo:
		return "colo"
	case v.IsVPS:
		return "vps"
	}
	return ""
}

// Range — непрерывный интервал [start, end] внутри одной сети.
// StartKey/EndKey — 16-байтовое hex-представление, сортируется как число.
type Range struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	NetworkID   uint      `gorm:"index;not null" json:"network_id"`
	VLANID      *uint     `gorm:"column:vlan_id;index" json:"vlan_id"`
	StartIP     string    `gorm:"column:start_ip;type:varchar(45);not null;uniqueIndex:ux_range_bounds,priority:1" json:"start_ip"`
	EndIP       string    `gorm:"column:end_ip;type:varchar(45);not null;uniqueIndex:ux_range_bounds,priority:2" json:"end_ip"`
	StartKey    string    `gorm:"column:start_key;type:char(32);index:idx_range_keys,priority:1" json:"-"`
	EndKey      string    `gorm:"column:end_key;type:char(32);index:idx_range_keys,priority:2" json:"-"`
	Gateway     string    `gorm:"type:varchar(45)" json:"gateway"`
	Netmask     string    `gorm:"type:varchar(45)" json:"netmask"`
	RangeType   string    `gorm:"type:varchar(20);default:primary" json:"range_type"`
	Status      string    `gorm:"type:varchar(20);default:active" json:"status"`
	Description string    `gorm:"type:text" json:"description"`
	Notes       string    `gorm:"type:text" json:"notes"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Range) TableName() string { return "ip_ranges" }

// Pool groups addresses for collective allocation (e.g. per hypervisor).
type Pool struct {
	gorm.Model
	Name          string  `gorm:"type:varchar(50);not null" json:"name"`
	PoolType      string  `gorm:"type:varchar(20);default:vps" json:"pool_type"`
	VLANID        *uint   `gorm:"column:vlan_id;index" json:"vlan_id"`
	HypervisorIDs []int64 `gorm:"column:hypervisor_ids;type:text;serializer:json" json:"hypervisor_ids"`
	IsActive      bool    `gorm:"not null" json:"is_active"`
	AutoAssign    bool    `gorm:"default:false" json:"auto_assign"`
	Description   string  `gorm:"type:text" json:"description"`
	Notes         string  `gorm:"type:text" json:"notes"`
}

func (Pool) TableName() string { return "ip_pools" }

// Address — одна строка на каждый адрес, единственный источник правды.
// Поле Address уникально глобально; это вторая линия защиты от дублей.
type Address struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Address   string `gorm:"type:varchar(45);not null;uniqueIndex:ux_ip_addresses_address" json:"address"`
	AddrKey   string `gorm:"column:addr_key;type:char(32);index:idx_ip_key;index:idx_ip_range_status,priority:3;index:idx_ip_pool_status,priority:3" json:"-"`
	IPVersion int    `gorm:"column:ip_version;default:4" json:"ip_version"`

	RangeID uint  `gorm:"not null;index:idx_ip_range_status,priority:1" json:"range_id"`
	PoolID  *uint `gorm:"index:idx_ip_pool_status,priority:1" json:"pool_id"`

	Status string `gorm:"type:varchar(20);not null;default:available;index:idx_ip_status;index:idx_ip_range_status,priority:2;index:idx_ip_pool_status,priority:2" json:"status"`

	AssignedToType *string    `gorm:"type:varchar(20);index:idx_ip_assignment,priority:1" json:"assigned_to_type"`
	AssignedToID   *int64     `gorm:"index:idx_ip_assignment,priority:2" json:"assigned_to_id"`
	AssignmentDate *time.Time `json:"assignment_date"`
	AssignedBy     *string    `gorm:"type:varchar(100)" json:"assigned_by"`

	ReleaseDate     *time.Time `json:"release_date"`
	ReleasedBy      *string    `gorm:"type:varchar(100)" json:"released_by"`
	QuarantineUntil *time.Time `gorm:"index:idx_ip_quarantine" json:"quarantine_until"`

	Hostname       string `gorm:"type:varchar(255)" json:"hostname"`
	HypervisorID   *int64 `json:"hypervisor_id"`
	MACAddress     string `gorm:"column:mac_address;type:varchar(17)" json:"mac_address"`
	InterfaceName  string `gorm:"type:varchar(50)" json:"interface_name"`
	InterfaceSpeed string `gorm:"type:varchar(20)" json:"interface_speed"`
	PTRRecord      string `gorm:"column:ptr_record;type:varchar(255)" json:"ptr_record"`
	ConnectionType string `gorm:"type:varchar(20)" json:"connection_type"`
	IsPrimary      bool   `gorm:"default:false" json:"is_primary"`
	Notes          string `gorm:"type:text" json:"notes"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Address) TableName() string { return "ip_addresses" }
