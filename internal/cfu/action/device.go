package action

import (
	"context"
	"fmt"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu"
	"github.com/nerrad567/gray-logic-cfu/internal/cfu/protocol"
)

// Idle is a device with no update in progress.
type Idle struct{ base }

// Ready is a prepared device waiting for an offer.
type Ready struct{ base }

// Busy is a device receiving an image, or a primary waiting on its sub-components.
type Busy struct{ base }

// FinalizingUpdate is a device committing a transferred image.
type FinalizingUpdate struct{ base }

// Kind returns cfu.StateIdle.
func (Idle) Kind() cfu.ComponentState { return cfu.StateIdle }

// Kind returns cfu.StateReady.
func (Ready) Kind() cfu.ComponentState { return cfu.StateReady }

// Kind returns cfu.StateBusy.
func (Busy) Kind() cfu.ComponentState { return cfu.StateBusy }

// Kind returns cfu.StateFinalizingUpdate.
func (FinalizingUpdate) Kind() cfu.ComponentState { return cfu.StateFinalizingUpdate }

// WaitingOnSubs reports whether the device is between the first and second
// prepare of a sub-component update.
func (b Busy) WaitingOnSubs() bool { return b.dev.State().WaitingOnSubs }

// PrepareResult is the outcome of a prepare cycle: either the device is
// Ready, or it is Busy waiting for the listed sub-components.
type PrepareResult struct {
	ready *Ready
	busy  *Busy
	subs  []cfu.ComponentID
}

// Ready returns the Ready handle if preparation completed.
func (r PrepareResult) Ready() (Ready, bool) {
	if r.ready == nil {
		return Ready{}, false
	}
	return *r.ready, true
}

// AwaitingSubs returns the Busy handle and the sub-components that must be
// prepared before the device can be prepared again.
func (r PrepareResult) AwaitingSubs() (Busy, []cfu.ComponentID, bool) {
	if r.busy == nil {
		return Busy{}, nil, false
	}
	return *r.busy, r.subs, true
}

// PrepareComponent asks the component to prepare for an update.
//
// Outcomes:
//   - ComponentPrepared: the device becomes Ready
//   - PrimaryNeedsSubcomponentsPrepared: the device becomes Busy waiting on
//     the listed sub-components
//   - anything else: cfu.ErrProtocol, state unchanged
func (i Idle) PrepareComponent(ctx context.Context) (PrepareResult, error) {
	return i.prepare(ctx, is(cfu.StateIdle))
}

// PrepareComponent runs the second prepare cycle of a primary whose
// sub-components have been prepared. It is only legal while WaitingOnSubs.
func (b Busy) PrepareComponent(ctx context.Context) (PrepareResult, error) {
	return b.prepare(ctx, busyWaiting)
}

func (b base) prepare(ctx context.Context, from func(cfu.InternalState) bool) (PrepareResult, error) {
	id := b.dev.ComponentID()
	log := b.dev.Logger()

	if err := b.require(from); err != nil {
		return PrepareResult{}, err
	}

	log.Info("preparing component for update", "component", id)
	resp, err := b.dev.ExecuteDeviceRequest(ctx, cfu.PrepareComponentForUpdate{})
	if err != nil {
		return PrepareResult{}, driverError(err)
	}

	switch r := resp.(type) {
	case cfu.ComponentPrepared:
		if err := b.transition(from, cfu.InternalState{State: cfu.StateReady}); err != nil {
			return PrepareResult{}, err
		}
		log.Info("component prepared", "component", id)
		return PrepareResult{ready: &Ready{b}}, nil

	case cfu.PrimaryNeedsSubcomponentsPrepared:
		var waiting bool
		err := b.dev.UpdateState(func(cur cfu.InternalState) (cfu.InternalState, error) {
			if !from(cur) {
				return cur, fmt.Errorf("%w: component %d is %s", cfu.ErrStateMismatch, id, cur.State)
			}
			waiting = cur.WaitingOnSubs
			if waiting {
				return cfu.InternalState{State: cfu.StateReady}, nil
			}
			return cfu.InternalState{State: cfu.StateBusy, WaitingOnSubs: true}, nil
		})
		if err != nil {
			return PrepareResult{}, err
		}

		if waiting {
			log.Info("component prepared after sub-components", "component", id)
			b.dev.SendResponse(cfu.ComponentPrepared{})
			return PrepareResult{ready: &Ready{b}}, nil
		}

		subs := append([]cfu.ComponentID(nil), r.IDs...)
		log.Info("component waiting on sub-components", "component", id, "subcomponents", subs)
		b.dev.SendResponse(cfu.PrimaryNeedsSubcomponentsPrepared{IDs: subs})
		return PrepareResult{busy: &Busy{b}, subs: subs}, nil

	default:
		log.Warn("unexpected prepare response", "component", id, "kind", cfu.ResponseKind(resp))
		return PrepareResult{}, badResponse(resp)
	}
}

// EvaluateOffer forwards an offer to the component and returns its verdict.
// A component that reports itself busy yields cfu.ErrComponentBusy.
// The device stays Ready whatever the verdict.
func (r Ready) EvaluateOffer(ctx context.Context, offer protocol.FwUpdateOfferCommand) (protocol.FwUpdateOfferResponse, error) {
	if err := r.require(is(cfu.StateReady)); err != nil {
		return protocol.FwUpdateOfferResponse{}, err
	}

	resp, err := r.dev.ExecuteDeviceRequest(ctx, cfu.GiveOffer{Offer: offer})
	if err != nil {
		return protocol.FwUpdateOfferResponse{}, driverError(err)
	}

	switch v := resp.(type) {
	case cfu.OfferResponse:
		r.dev.Logger().Info("offer evaluated",
			"component", r.dev.ComponentID(),
			"version", offer.FwVersion.String(),
			"status", v.Response.Status.String(),
		)
		return v.Response, nil
	case cfu.ComponentBusy:
		return protocol.FwUpdateOfferResponse{Status: protocol.OfferBusy}, fmt.Errorf("%w: component %d", cfu.ErrComponentBusy, r.dev.ComponentID())
	default:
		return protocol.FwUpdateOfferResponse{}, badResponse(resp)
	}
}

// AcceptOffer moves the device to Busy to receive content.
func (r Ready) AcceptOffer(ctx context.Context) (Busy, error) {
	if err := r.transition(is(cfu.StateReady), cfu.InternalState{State: cfu.StateBusy}); err != nil {
		return Busy{}, err
	}
	r.dev.Logger().Info("offer accepted, receiving content", "component", r.dev.ComponentID())
	return Busy{r.base}, nil
}

// RejectOffer records a rejected offer. The device stays Ready.
func (r Ready) RejectOffer(ctx context.Context) (Ready, error) {
	if err := r.require(is(cfu.StateReady)); err != nil {
		return Ready{}, err
	}
	r.dev.Logger().Info("offer rejected", "component", r.dev.ComponentID())
	return r, nil
}

// ReceiveNextContentChunk forwards one image block to the component and
// relays the component's answer as a notification.
//
// The device stays Busy when the block is written. A non-success content
// status returns the response together with cfu.ErrBadImage; the caller is
// expected to Bail.
func (b Busy) ReceiveNextContentChunk(ctx context.Context, chunk protocol.FwUpdateContentCommand) (protocol.FwUpdateContentResponse, error) {
	if err := b.require(is(cfu.StateBusy)); err != nil {
		return protocol.FwUpdateContentResponse{}, err
	}

	id := b.dev.ComponentID()
	b.dev.Logger().Debug("received content chunk", "component", id, "sequence", chunk.SequenceNumber)

	resp, err := b.dev.ExecuteDeviceRequest(ctx, cfu.GiveContent{Chunk: chunk})
	if err != nil {
		return protocol.FwUpdateContentResponse{}, driverError(err)
	}

	cr, ok := resp.(cfu.ContentResponse)
	if !ok {
		return protocol.FwUpdateContentResponse{}, badResponse(resp)
	}
	b.dev.SendResponse(cr)

	if !cr.Response.Success() {
		return cr.Response, fmt.Errorf("%w: component %d block %d: %s",
			cfu.ErrBadImage, id, cr.Response.SequenceNumber, cr.Response.Status)
	}
	return cr.Response, nil
}

// FinalizeUpdate moves the device to FinalizingUpdate once all content is written.
func (b Busy) FinalizeUpdate(ctx context.Context) (FinalizingUpdate, error) {
	if err := b.transition(is(cfu.StateBusy), cfu.InternalState{State: cfu.StateFinalizingUpdate}); err != nil {
		return FinalizingUpdate{}, err
	}
	b.dev.Logger().Info("update complete, finalizing", "component", b.dev.ComponentID())
	return FinalizingUpdate{b.base}, nil
}

// FinishComponentUpdate returns the device to Idle and reports it prepared.
func (f FinalizingUpdate) FinishComponentUpdate(ctx context.Context) (Idle, error) {
	if err := f.transition(is(cfu.StateFinalizingUpdate), cfu.InternalState{State: cfu.StateIdle}); err != nil {
		return Idle{}, err
	}
	f.dev.Logger().Info("component attached", "component", f.dev.ComponentID())
	f.dev.SendResponse(cfu.ComponentPrepared{})
	return Idle{f.base}, nil
}
