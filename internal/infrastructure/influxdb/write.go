package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the CFU service.
const (
	MeasurementTransitions   = "cfu_transitions"
	MeasurementNotifications = "cfu_notifications"
	MeasurementSessions      = "cfu_sessions"
)

// WriteTransition records a component state machine transition.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - componentID: Component whose state changed
//   - from: Previous state name (e.g., "idle")
//   - to: New state name (e.g., "ready")
//   - waitingOnSubs: Whether the new state is waiting on subcomponents
func (c *Client) WriteTransition(componentID uint8, from, to string, waitingOnSubs bool) {
	c.WritePoint(MeasurementTransitions,
		map[string]string{
			"component_id": componentTag(componentID),
			"from":         from,
			"to":           to,
		},
		map[string]interface{}{
			"count":           1,
			"waiting_on_subs": waitingOnSubs,
		},
	)
}

// WriteNotification records a notification emitted by a component.
//
// Parameters:
//   - componentID: Component that sent the notification
//   - kind: Response kind (e.g., "component_prepared")
func (c *Client) WriteNotification(componentID uint8, kind string) {
	c.WritePoint(MeasurementNotifications,
		map[string]string{
			"component_id": componentTag(componentID),
			"kind":         kind,
		},
		map[string]interface{}{
			"count": 1,
		},
	)
}

// WriteSession records the outcome of a host-driven update session.
//
// Parameters:
//   - componentID: Component that was updated
//   - result: Session result (e.g., "success", "up_to_date", "rejected")
//   - bytes: Image bytes transferred
//   - duration: Wall-clock session duration
func (c *Client) WriteSession(componentID uint8, result string, bytes int, duration time.Duration) {
	c.WritePoint(MeasurementSessions,
		map[string]string{
			"component_id": componentTag(componentID),
			"result":       result,
		},
		map[string]interface{}{
			"bytes":            bytes,
			"duration_seconds": duration.Seconds(),
		},
	)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}

func componentTag(id uint8) string {
	return strconv.Itoa(int(id))
}
