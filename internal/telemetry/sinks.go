package telemetry

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu"
	"github.com/nerrad567/gray-logic-cfu/internal/history"
)

// writeTimeout bounds one history insert.
const writeTimeout = 5 * time.Second

// HistorySink records events in the update history.
type HistorySink struct {
	repo   history.Repository
	logger Logger
}

// NewHistorySink creates a sink writing to repo.
func NewHistorySink(repo history.Repository, logger Logger) *HistorySink {
	if logger == nil {
		logger = noopLogger{}
	}
	return &HistorySink{repo: repo, logger: logger}
}

// StateChanged implements cfu.Observer.
func (s *HistorySink) StateChanged(id cfu.ComponentID, from, to cfu.InternalState) {
	s.record(history.TransitionEntry(id, from, to))
}

// Notified implements cfu.Observer.
func (s *HistorySink) Notified(id cfu.ComponentID, resp cfu.InternalResponseData) {
	s.record(history.NotificationEntry(id, resp))
}

func (s *HistorySink) record(e history.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.repo.Record(ctx, e); err != nil {
		s.logger.Warn("failed to record update history", "component", e.ComponentID, "kind", e.Kind, "error", err)
	}
}

// PointWriter is the time-series surface used by InfluxSink.
// *influxdb.Client implements it.
type PointWriter interface {
	WriteTransition(componentID uint8, from, to string, waitingOnSubs bool)
	WriteNotification(componentID uint8, kind string)
}

// InfluxSink writes events as time-series points.
type InfluxSink struct {
	w PointWriter
}

// NewInfluxSink creates a sink writing to w.
func NewInfluxSink(w PointWriter) *InfluxSink {
	return &InfluxSink{w: w}
}

// StateChanged implements cfu.Observer.
func (s *InfluxSink) StateChanged(id cfu.ComponentID, from, to cfu.InternalState) {
	s.w.WriteTransition(uint8(id), from.State.String(), to.State.String(), to.WaitingOnSubs)
}

// Notified implements cfu.Observer.
func (s *InfluxSink) Notified(id cfu.ComponentID, resp cfu.InternalResponseData) {
	s.w.WriteNotification(uint8(id), cfu.ResponseKind(resp))
}
