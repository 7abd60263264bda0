package ipam

import (
	"ipamd/internal/models"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
)

// Lifecycle events of a single address.
const (
	EventAssign     = "assign"
	EventRelease    = "release"
	EventReleaseNow = "release_now"
	EventExpire     = "expire"
	EventReserve    = "reserve"
	EventUnreserve  = "unreserve"
)

// Events describes every legal transition. gateway, network and broadcast
// appear in no Src list: nothing ever moves an address out of them.
func Events() fsm.Events {
	return fsm.Events{
		{Name: EventAssign, Src: []string{models.StatusAvailable}, Dst: models.StatusAssigned},
		{Name: EventRelease, Src: []string{models.StatusAssigned}, Dst: models.StatusQuarantine},
		// administrative override, no cool-down
		{Name: EventReleaseNow, Src: []string{models.StatusAssigned}, Dst: models.StatusAvailable},
		{Name: EventExpire, Src: []string{models.StatusQuarantine}, Dst: models.StatusAvailable},
		{Name: EventReserve, Src: []string{models.StatusAvailable}, Dst: models.StatusReserved},
		{Name: EventUnreserve, Src: []string{models.StatusReserved}, Dst: models.StatusAvailable},
	}
}

// nextStatus runs event against a machine positioned at current and returns
// the destination status.
func nextStatus(address, current, event string) (string, error) {
	m := fsm.NewFSM(current, Events(), fsm.Callbacks{})

	err := m.Event(event)
	if err == nil {
		return m.Current(), nil
	}
	if errors.As(err, &fsm.InvalidEventError{}) || errors.As(err, &fsm.UnknownEventError{}) {
		return "", &TransitionError{Address: address, From: current, Event: event}
	}
	return "", errors.Wrapf(err, "transition %s on %s", event, address)
}
