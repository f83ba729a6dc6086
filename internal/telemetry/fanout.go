// Package telemetry distributes component activity to the service's sinks:
// update history, InfluxDB, Prometheus, MQTT events and websocket clients.
//
// Devices call their observer while holding no locks but on the request path,
// so Fanout only counts and enqueues. A single worker started with Run
// delivers events to the sinks in order.
package telemetry

import (
	"context"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu"
	"github.com/nerrad567/gray-logic-cfu/internal/metrics"
)

// DefaultQueueSize is the event buffer used when NewFanout gets size <= 0.
const DefaultQueueSize = 256

// Logger defines the logging interface used by telemetry.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

type event struct {
	id       cfu.ComponentID
	from, to cfu.InternalState
	resp     cfu.InternalResponseData
	notify   bool
}

// Fanout is a cfu.Observer that forwards events to a set of sinks.
type Fanout struct {
	queue  chan event
	sinks  []cfu.Observer
	logger Logger
}

// NewFanout creates a Fanout delivering to sinks. Nil sinks are skipped.
func NewFanout(size int, sinks ...cfu.Observer) *Fanout {
	if size <= 0 {
		size = DefaultQueueSize
	}
	f := &Fanout{queue: make(chan event, size), logger: noopLogger{}}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Add appends a sink. Nil is ignored. Call before Run.
func (f *Fanout) Add(sink cfu.Observer) {
	if sink != nil {
		f.sinks = append(f.sinks, sink)
	}
}

// SetLogger sets the logger for dropped events. Call before Run.
func (f *Fanout) SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	f.logger = l
}

// StateChanged implements cfu.Observer.
func (f *Fanout) StateChanged(id cfu.ComponentID, from, to cfu.InternalState) {
	metrics.RecordTransition(uint8(id), from.State.String(), to.State.String())
	f.enqueue(event{id: id, from: from, to: to})
}

// Notified implements cfu.Observer.
func (f *Fanout) Notified(id cfu.ComponentID, resp cfu.InternalResponseData) {
	metrics.RecordNotification(uint8(id), cfu.ResponseKind(resp))
	f.enqueue(event{id: id, resp: resp, notify: true})
}

func (f *Fanout) enqueue(ev event) {
	select {
	case f.queue <- ev:
	default:
		metrics.RecordDroppedEvent()
		f.logger.Warn("telemetry queue full, dropping event", "component", ev.id, "notification", ev.notify)
	}
}

// Run delivers queued events until ctx is cancelled, then flushes what is
// already queued and returns nil.
func (f *Fanout) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-f.queue:
			f.deliver(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-f.queue:
					f.deliver(ev)
				default:
					return nil
				}
			}
		}
	}
}

func (f *Fanout) deliver(ev event) {
	for _, s := range f.sinks {
		if ev.notify {
			s.Notified(ev.id, ev.resp)
		} else {
			s.StateChanged(ev.id, ev.from, ev.to)
		}
	}
}
