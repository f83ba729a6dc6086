package cfu

import (
	"fmt"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu/protocol"
)

// ComponentID is re-exported so callers rarely need the protocol package.
type ComponentID = protocol.ComponentID

// ComponentState is the update phase a component is in.
type ComponentState uint8

// Update phases.
const (
	StateIdle ComponentState = iota
	StateReady
	StateBusy
	StateFinalizingUpdate
)

var stateNames = map[ComponentState]string{
	StateIdle:             "idle",
	StateReady:            "ready",
	StateBusy:             "busy",
	StateFinalizingUpdate: "finalizing_update",
}

// String returns the lower-case name of the state.
func (s ComponentState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// MarshalText encodes the state by name.
func (s ComponentState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *ComponentState) UnmarshalText(b []byte) error {
	for st, name := range stateNames {
		if name == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("%w: unknown state %q", ErrProtocol, b)
}

// InternalState is a component's phase plus whether it is between the first
// and second prepare of a sub-component update.
type InternalState struct {
	State         ComponentState `json:"state"`
	WaitingOnSubs bool           `json:"waiting_on_subs"`
}

// RequestData is the payload of a request to a component.
// The set of implementations is closed.
type RequestData interface {
	requestKind() string
}

// FwVersionRequest asks a component for its firmware version report.
type FwVersionRequest struct{}

// PrimaryNeedsSubcomponentFwVersion asks for the versions of the listed sub-components.
type PrimaryNeedsSubcomponentFwVersion struct {
	IDs []ComponentID
}

// GiveContent carries one image block.
type GiveContent struct {
	Chunk protocol.FwUpdateContentCommand
}

// GiveOffer carries an update offer.
type GiveOffer struct {
	Offer protocol.FwUpdateOfferCommand
}

// PrepareComponentForUpdate asks a component to get ready for an update.
type PrepareComponentForUpdate struct{}

// FinalizeUpdate asks a component to commit the transferred image.
type FinalizeUpdate struct{}

// AbortUpdate abandons any update in progress on a component and returns it to Idle.
type AbortUpdate struct{}

func (FwVersionRequest) requestKind() string                  { return "fw_version" }
func (PrimaryNeedsSubcomponentFwVersion) requestKind() string { return "subcomponent_fw_version" }
func (GiveContent) requestKind() string                       { return "give_content" }
func (GiveOffer) requestKind() string                         { return "give_offer" }
func (PrepareComponentForUpdate) requestKind() string         { return "prepare" }
func (FinalizeUpdate) requestKind() string                    { return "finalize" }
func (AbortUpdate) requestKind() string                       { return "abort" }

// RequestKind returns a stable name for a request payload, for logs and metrics.
func RequestKind(d RequestData) string {
	if d == nil {
		return "none"
	}
	return d.requestKind()
}

// InternalResponseData is the payload of a component's answer.
// The set of implementations is closed.
type InternalResponseData interface {
	responseKind() string
}

// FwVersionResponse reports a component's firmware versions.
type FwVersionResponse struct {
	Response protocol.GetFwVersionResponse
}

// SubcomponentFwVersionResponse reports versions gathered from sub-components.
type SubcomponentFwVersionResponse struct {
	Versions []protocol.FwVerComponentInfo
}

// ContentResponse answers a content block.
type ContentResponse struct {
	Response protocol.FwUpdateContentResponse
}

// OfferResponse answers an offer.
type OfferResponse struct {
	Response protocol.FwUpdateOfferResponse
}

// ComponentPrepared signals the component finished preparing.
type ComponentPrepared struct{}

// PrimaryNeedsSubcomponentsPrepared signals the listed sub-components must be
// prepared before the primary can finish preparing.
type PrimaryNeedsSubcomponentsPrepared struct {
	IDs []ComponentID
}

// ComponentBusy signals the component cannot take the request now.
type ComponentBusy struct{}

func (FwVersionResponse) responseKind() string                 { return "fw_version" }
func (SubcomponentFwVersionResponse) responseKind() string     { return "subcomponent_fw_version" }
func (ContentResponse) responseKind() string                   { return "content" }
func (OfferResponse) responseKind() string                     { return "offer" }
func (ComponentPrepared) responseKind() string                 { return "component_prepared" }
func (PrimaryNeedsSubcomponentsPrepared) responseKind() string { return "primary_needs_subcomponents_prepared" }
func (ComponentBusy) responseKind() string                     { return "component_busy" }

// ResponseKind returns a stable name for a response payload, for logs and metrics.
func ResponseKind(d InternalResponseData) string {
	if d == nil {
		return "none"
	}
	return d.responseKind()
}

// InternalResponse is the outcome of a request. Err is set on failure. Data
// is set on success, and also on failure when the component answered, as
// with a content block rejected with ErrBadImage.
type InternalResponse struct {
	Data InternalResponseData
	Err  error
}

// Request is addressed to one component.
type Request struct {
	ID   ComponentID
	Data RequestData
}
