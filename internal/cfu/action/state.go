// Package action implements the component update state machine.
//
// Each update phase is its own type, and each type only has the methods that
// are legal in that phase:
//
//	Idle             PrepareComponent, Bail
//	Ready            EvaluateOffer, AcceptOffer, RejectOffer, Bail
//	Busy             PrepareComponent (while waiting on sub-components),
//	                 ReceiveNextContentChunk, FinalizeUpdate, Bail
//	FinalizingUpdate FinishComponentUpdate, Bail
//
// A typed handle is only valid until the next transition on its device.
// Transitions recheck the device's live state and return cfu.ErrStateMismatch
// when called through a stale handle.
//
// Use Load to obtain the typed handle for a device's current phase.
package action

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu"
	"github.com/nerrad567/gray-logic-cfu/internal/cfu/protocol"
)

// State is a typed handle for a device in any phase.
type State interface {
	Kind() cfu.ComponentState
	Device() *cfu.Device
	Bail(ctx context.Context) Idle
}

// Load returns the typed handle for the device's current phase.
func Load(dev *cfu.Device) State {
	b := base{dev: dev}
	switch dev.State().State {
	case cfu.StateReady:
		return Ready{b}
	case cfu.StateBusy:
		return Busy{b}
	case cfu.StateFinalizingUpdate:
		return FinalizingUpdate{b}
	default:
		return Idle{b}
	}
}

// base carries the device shared by every phase type.
type base struct {
	dev *cfu.Device
}

// Device returns the underlying device.
func (b base) Device() *cfu.Device { return b.dev }

// ComponentID returns the device's component ID.
func (b base) ComponentID() cfu.ComponentID { return b.dev.ComponentID() }

// Bail abandons any update in progress and returns the device to Idle.
func (b base) Bail(ctx context.Context) Idle {
	b.dev.Logger().Info("component stopping update", "component", b.dev.ComponentID(), "from", b.dev.State().State.String())
	b.dev.SetState(cfu.InternalState{State: cfu.StateIdle})
	return Idle{b}
}

// transition moves the device to `to` if its current state satisfies want.
func (b base) transition(want func(cfu.InternalState) bool, to cfu.InternalState) error {
	return b.dev.UpdateState(func(cur cfu.InternalState) (cfu.InternalState, error) {
		if !want(cur) {
			return cur, fmt.Errorf("%w: component %d is %s", cfu.ErrStateMismatch, b.dev.ComponentID(), cur.State)
		}
		return to, nil
	})
}

// require fails unless the device's current state satisfies want.
func (b base) require(want func(cfu.InternalState) bool) error {
	cur := b.dev.State()
	if !want(cur) {
		return fmt.Errorf("%w: component %d is %s", cfu.ErrStateMismatch, b.dev.ComponentID(), cur.State)
	}
	return nil
}

func is(state cfu.ComponentState) func(cfu.InternalState) bool {
	return func(s cfu.InternalState) bool { return s.State == state }
}

func busyWaiting(s cfu.InternalState) bool {
	return s.State == cfu.StateBusy && s.WaitingOnSubs
}

// driverError classifies a failure returned by the device driver.
func driverError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", cfu.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", cfu.ErrProtocol, err)
}

// badResponse reports a response of the wrong kind.
func badResponse(got cfu.InternalResponseData) error {
	return fmt.Errorf("%w: %w: got %s", cfu.ErrProtocol, protocol.ErrBadResponse, cfu.ResponseKind(got))
}
