// Package history keeps a local record of each component's update activity.
//
// Three kinds of entries are stored in the update_history table:
//   - transition: the component's state machine moved between states
//   - notification: the component emitted an unsolicited response to the host
//   - request: a host-driven update session finished (with its result)
//
// The record survives restarts and does not depend on InfluxDB being up.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu"
)

// Entry kinds.
const (
	KindTransition   = "transition"
	KindNotification = "notification"
	KindRequest      = "request"
)

// ErrInvalidEntry is returned when an entry cannot be stored.
var ErrInvalidEntry = errors.New("history: invalid entry")

// Entry is one row of a component's update history.
type Entry struct {
	// ID is the auto-incremented primary key.
	ID int64 `json:"id"`

	// ComponentID identifies the component the entry belongs to.
	ComponentID cfu.ComponentID `json:"component_id"`

	// Kind is one of KindTransition, KindNotification or KindRequest.
	Kind string `json:"kind"`

	// From and To hold state names for transitions; empty otherwise.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// Detail is a kind-specific JSON object.
	Detail json.RawMessage `json:"detail"`

	// CreatedAt is when the entry was recorded (UTC).
	CreatedAt time.Time `json:"created_at"`
}

// Query filters a history lookup. Filters apply before Limit.
type Query struct {
	// Limit caps the number of entries. Zero uses the default.
	Limit int

	// Kind keeps only entries of this kind when set.
	Kind string

	// Since keeps only entries recorded at or after this time when set.
	Since time.Time
}

// Repository stores and retrieves component update history.
//
// Implementations must be safe for concurrent use.
type Repository interface {
	// Record persists an entry. CreatedAt and ID are assigned by the store.
	Record(ctx context.Context, e Entry) error

	// GetHistory returns a component's most recent entries matching q,
	// newest first. The limit is clamped by the implementation.
	GetHistory(ctx context.Context, id cfu.ComponentID, q Query) ([]Entry, error)

	// PruneHistory deletes entries older than olderThan and reports how many.
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}

// TransitionEntry builds the entry for a state change.
func TransitionEntry(id cfu.ComponentID, from, to cfu.InternalState) Entry {
	detail, _ := json.Marshal(map[string]bool{ //nolint:errcheck // map of bools always marshals
		"from_waiting_on_subs": from.WaitingOnSubs,
		"to_waiting_on_subs":   to.WaitingOnSubs,
	})
	return Entry{
		ComponentID: id,
		Kind:        KindTransition,
		From:        from.State.String(),
		To:          to.State.String(),
		Detail:      detail,
	}
}

// NotificationEntry builds the entry for an outbound notification.
func NotificationEntry(id cfu.ComponentID, resp cfu.InternalResponseData) Entry {
	detail := map[string]any{"kind": cfu.ResponseKind(resp)}
	if needs, ok := resp.(cfu.PrimaryNeedsSubcomponentsPrepared); ok {
		ids := make([]int, len(needs.IDs))
		for i, sub := range needs.IDs {
			ids[i] = int(sub)
		}
		detail["subcomponents"] = ids
	}
	raw, _ := json.Marshal(detail) //nolint:errcheck // string and int values only
	return Entry{ComponentID: id, Kind: KindNotification, Detail: raw}
}

// RequestEntry builds the entry for a finished host session. detail is
// marshalled as-is; a marshalling failure is reported to the caller.
func RequestEntry(id cfu.ComponentID, detail any) (Entry, error) {
	raw, err := json.Marshal(detail)
	if err != nil {
		return Entry{}, err
	}
	return Entry{ComponentID: id, Kind: KindRequest, Detail: raw}, nil
}
