package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// History actions.
const (
	ActionAssigned          = "assigned"
	ActionReleased          = "released"
	ActionQuarantineExpired = "quarantine_expired"
	ActionReserved          = "reserved"
	ActionUnreserved        = "unreserved"
)

var ErrHistoryImmutable = errors.New("history entries are append-only")

// History — журнал переходов. Строки никогда не меняются и не удаляются,
// поэтому адрес продублирован: запись переживает каскадное удаление диапазона.
type History struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	AddressID      uint       `gorm:"not null;index:idx_history_ip" json:"address_id"`
	Address        string     `gorm:"type:varchar(45);index:idx_history_address" json:"address"`
	Action         string     `gorm:"type:varchar(20);not null" json:"action"`
	AssignedToType *string    `gorm:"type:varchar(20);index:idx_history_device,priority:1" json:"assigned_to_type"`
	AssignedToID   *int64     `gorm:"index:idx_history_device,priority:2" json:"assigned_to_id"`
	PerformedBy    string     `gorm:"type:varchar(100)" json:"performed_by"`
	PerformedAt    time.Time  `gorm:"not null;index:idx_history_date" json:"performed_at"`
	QuarantineTill *time.Time `gorm:"column:quarantine_until" json:"quarantine_until"`
	BatchID        string     `gorm:"type:varchar(36);index" json:"batch_id"`
	Notes          string     `gorm:"type:text" json:"notes"`
}

func (History) TableName() string { return "ip_history" }

func (h *History) BeforeUpdate(*gorm.DB) error { return ErrHistoryImmutable }
func (h *History) BeforeDelete(*gorm.DB) error { return ErrHistoryImmutable }
