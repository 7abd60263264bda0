package ipam

import (
	"fmt"
	"math"
	"strings"
	"time"

	"ipamd/internal/models"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Error kinds. Concrete errors below match them with errors.Is.
var (
	ErrInvariantViolation = errors.New("invariant violation")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrQuarantineActive   = errors.New("quarantine active")
	ErrOutOfRange         = errors.New("address does not belong to any configured range")
	ErrMalformedInput     = errors.New("malformed input")
	ErrNotFound           = errors.New("not found")
)

// DuplicateError is returned when an address is already assigned.
type DuplicateError struct {
	Address  string
	Existing *models.Address
}

func (e *DuplicateError) Error() string {
	if e.Existing != nil && e.Existing.AssignedToType != nil && e.Existing.AssignedToID != nil {
		return fmt.Sprintf("ip %s is already assigned to %s #%d", e.Address, *e.Existing.AssignedToType, *e.Existing.AssignedToID)
	}
	return fmt.Sprintf("ip %s is already assigned", e.Address)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrInvariantViolation }

// QuarantineActiveError carries the time left before the address can be reused.
type QuarantineActiveError struct {
	Address   string
	Until     time.Time
	Remaining time.Duration
}

func (e *QuarantineActiveError) Error() string {
	return fmt.Sprintf("ip %s is in quarantine for %d more days (until %s)", e.Address, e.RemainingDays(), humanize.Time(e.Until))
}

func (e *QuarantineActiveError) Is(target error) bool { return target == ErrQuarantineActive }

// RemainingDays rounds up, so a fresh 90-day quarantine reports 90.
func (e *QuarantineActiveError) RemainingDays() int {
	return int(math.Ceil(e.Remaining.Hours() / 24))
}

// NotAssignedError is returned by release on anything but an assigned address.
type NotAssignedError struct {
	Address string
	Status  string
}

func (e *NotAssignedError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("ip %s is not currently assigned (not materialized)", e.Address)
	}
	return fmt.Sprintf("ip %s is not currently assigned (status %s)", e.Address, e.Status)
}

func (e *NotAssignedError) Is(target error) bool { return target == ErrInvalidTransition }

// TransitionError — событие недопустимо в текущем состоянии.
type TransitionError struct {
	Address string
	From    string
	Event   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("ip %s: %s not allowed in status %s", e.Address, e.Event, e.From)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// NotInAnyRangeError — адрес вне всех настроенных диапазонов.
type NotInAnyRangeError struct {
	Address string
}

func (e *NotInAnyRangeError) Error() string {
	return fmt.Sprintf("ip %s does not belong to any configured range", e.Address)
}

func (e *NotInAnyRangeError) Is(target error) bool { return target == ErrOutOfRange }

// ConflictError reports a lost compare-and-set or a unique violation.
type ConflictError struct {
	Subject string
	Reason  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Subject, e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == ErrInvariantViolation }

func malformed(format string, args ...any) error {
	return errors.Wrapf(ErrMalformedInput, format, args...)
}

func notFound(format string, args ...any) error {
	return errors.Wrapf(ErrNotFound, format, args...)
}

// isUniqueViolation recognises unique-index failures from every supported
// driver, translated or not.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry")
}
