package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu"
	"github.com/nerrad567/gray-logic-cfu/internal/cfu/protocol"
)

// Request actions. They match cfu.RequestKind for the corresponding payload.
const (
	ActionFwVersion             = "fw_version"
	ActionSubcomponentFwVersion = "subcomponent_fw_version"
	ActionPrepare               = "prepare"
	ActionGiveOffer             = "give_offer"
	ActionGiveContent           = "give_content"
	ActionFinalize              = "finalize"
	ActionAbort                 = "abort"
)

// Error codes carried in ResponseError.Code.
const (
	ErrCodeInvalidRequest   = "invalid_request"
	ErrCodeInvalidComponent = "invalid_component"
	ErrCodeBusy             = "component_busy"
	ErrCodeBadImage         = "bad_image"
	ErrCodeTimeout          = "timeout"
	ErrCodeProtocol         = "protocol_error"
	ErrCodeStateMismatch    = "state_mismatch"
	ErrCodeOverloaded       = "overloaded"
	ErrCodeInternal         = "internal_error"
)

// RequestMessage is published by an update tool to ask a component to act.
// Topic: graylogic/cfu/request/{request_id}
type RequestMessage struct {
	// RequestID correlates the response. Defaults to the topic's last level.
	RequestID string `json:"request_id"`

	// Timestamp is when the request was issued (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Action is one of the Action* constants.
	Action string `json:"action"`

	// ComponentID is the component the request is made on behalf of, or
	// addressed to when Route is set.
	ComponentID int `json:"component_id"`

	// Route executes the request directly on the component's driver instead
	// of submitting it to the client task.
	Route bool `json:"route,omitempty"`

	// Offer is required for give_offer.
	Offer *protocol.FwUpdateOfferCommand `json:"offer,omitempty"`

	// Content is required for give_content.
	Content *protocol.FwUpdateContentCommand `json:"content,omitempty"`

	// Subcomponents lists IDs for subcomponent_fw_version.
	Subcomponents []int `json:"subcomponents,omitempty"`
}

// ResponseMessage answers a RequestMessage.
// Topic: graylogic/cfu/response/{request_id}
type ResponseMessage struct {
	RequestID   string         `json:"request_id"`
	Timestamp   time.Time      `json:"timestamp"`
	ComponentID int            `json:"component_id"`
	Success     bool           `json:"success"`
	Kind        string         `json:"kind,omitempty"`
	Data        any            `json:"data,omitempty"`
	Error       *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventMessage reports component activity.
// Topic: graylogic/cfu/event/{component_id}
type EventMessage struct {
	ComponentID int                `json:"component_id"`
	Timestamp   time.Time          `json:"timestamp"`
	Type        string             `json:"type"`
	From        *cfu.InternalState `json:"from,omitempty"`
	To          *cfu.InternalState `json:"to,omitempty"`
	Kind        string             `json:"kind,omitempty"`
	Data        any                `json:"data,omitempty"`
}

// Event types.
const (
	EventTransition   = "transition"
	EventNotification = "notification"
)

// TransitionEvent builds the event for a device state change.
func TransitionEvent(id cfu.ComponentID, from, to cfu.InternalState) EventMessage {
	return EventMessage{
		ComponentID: int(id),
		Timestamp:   time.Now().UTC(),
		Type:        EventTransition,
		From:        &from,
		To:          &to,
	}
}

// NotificationEvent builds the event for an outbound device notification.
func NotificationEvent(id cfu.ComponentID, resp cfu.InternalResponseData) EventMessage {
	return EventMessage{
		ComponentID: int(id),
		Timestamp:   time.Now().UTC(),
		Type:        EventNotification,
		Kind:        cfu.ResponseKind(resp),
		Data:        responseData(resp),
	}
}

var errInvalidRequest = errors.New("mailbox: invalid request")

// componentID validates and converts the message's component ID.
func (m RequestMessage) componentID() (cfu.ComponentID, error) {
	if m.ComponentID < 0 || m.ComponentID > 0xff {
		return 0, fmt.Errorf("%w: component_id %d out of range", errInvalidRequest, m.ComponentID)
	}
	return cfu.ComponentID(m.ComponentID), nil
}

// requestData builds the engine payload for the message's action.
func (m RequestMessage) requestData() (cfu.RequestData, error) {
	switch m.Action {
	case ActionFwVersion:
		return cfu.FwVersionRequest{}, nil
	case ActionPrepare:
		return cfu.PrepareComponentForUpdate{}, nil
	case ActionFinalize:
		return cfu.FinalizeUpdate{}, nil
	case ActionAbort:
		return cfu.AbortUpdate{}, nil
	case ActionGiveOffer:
		if m.Offer == nil {
			return nil, fmt.Errorf("%w: offer is required for %s", errInvalidRequest, m.Action)
		}
		return cfu.GiveOffer{Offer: *m.Offer}, nil
	case ActionGiveContent:
		if m.Content == nil {
			return nil, fmt.Errorf("%w: content is required for %s", errInvalidRequest, m.Action)
		}
		return cfu.GiveContent{Chunk: *m.Content}, nil
	case ActionSubcomponentFwVersion:
		if len(m.Subcomponents) == 0 {
			return nil, fmt.Errorf("%w: subcomponents are required for %s", errInvalidRequest, m.Action)
		}
		ids := make([]cfu.ComponentID, len(m.Subcomponents))
		for i, id := range m.Subcomponents {
			if id < 0 || id > 0xff {
				return nil, fmt.Errorf("%w: subcomponent %d out of range", errInvalidRequest, id)
			}
			ids[i] = cfu.ComponentID(id)
		}
		return cfu.PrimaryNeedsSubcomponentFwVersion{IDs: ids}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action %q", errInvalidRequest, m.Action)
	}
}

// responseData flattens a response payload for JSON.
func responseData(resp cfu.InternalResponseData) any {
	switch r := resp.(type) {
	case cfu.FwVersionResponse:
		return r.Response
	case cfu.SubcomponentFwVersionResponse:
		return map[string]any{"versions": r.Versions}
	case cfu.ContentResponse:
		return r.Response
	case cfu.OfferResponse:
		return r.Response
	case cfu.PrimaryNeedsSubcomponentsPrepared:
		return map[string]any{"subcomponents": r.IDs}
	default:
		return nil
	}
}

// errorCode maps an engine error to a wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, errInvalidRequest):
		return ErrCodeInvalidRequest
	case errors.Is(err, cfu.ErrInvalidComponent):
		return ErrCodeInvalidComponent
	case errors.Is(err, cfu.ErrComponentBusy):
		return ErrCodeBusy
	case errors.Is(err, cfu.ErrBadImage):
		return ErrCodeBadImage
	case errors.Is(err, cfu.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, cfu.ErrStateMismatch):
		return ErrCodeStateMismatch
	case errors.Is(err, cfu.ErrProtocol), errors.Is(err, protocol.ErrInvalidCommand), errors.Is(err, protocol.ErrInvalidBlock):
		return ErrCodeProtocol
	default:
		return ErrCodeInternal
	}
}
