// Package mailbox exposes the update engine over MQTT.
//
// Update tools publish a RequestMessage to graylogic/cfu/request/{request_id}.
// The mailbox executes it through the service context and publishes a
// ResponseMessage on graylogic/cfu/response/{request_id}. Component state
// changes and notifications are published as EventMessages on
// graylogic/cfu/event/{component_id}.
package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu"
	"github.com/nerrad567/gray-logic-cfu/internal/infrastructure/mqtt"
)

// DefaultMaxInFlight bounds concurrently executing requests.
const DefaultMaxInFlight = 16

// Core is the part of the service context the mailbox needs.
type Core interface {
	SendRequest(ctx context.Context, from cfu.ComponentID, data cfu.RequestData) (cfu.InternalResponseData, error)
	RouteRequest(ctx context.Context, to cfu.ComponentID, data cfu.RequestData) (cfu.InternalResponseData, error)
}

// Transport is the MQTT surface the mailbox uses. *mqtt.Client implements it.
type Transport interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	PublishJSON(topic string, v any) error
}

// Logger defines the logging interface used by the mailbox.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Mailbox bridges MQTT requests to the update engine.
type Mailbox struct {
	core      Core
	transport Transport
	logger    Logger
	inflight  *errgroup.Group
	baseCtx   context.Context
}

// New creates a Mailbox. maxInFlight <= 0 uses DefaultMaxInFlight.
func New(core Core, transport Transport, maxInFlight int) *Mailbox {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	g := &errgroup.Group{}
	g.SetLimit(maxInFlight)
	return &Mailbox{
		core:      core,
		transport: transport,
		logger:    noopLogger{},
		inflight:  g,
		baseCtx:   context.Background(),
	}
}

// SetLogger sets the logger for request handling.
func (m *Mailbox) SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	m.logger = l
}

// Run subscribes to the request topic and serves requests until ctx is
// cancelled, then waits for in-flight requests to finish.
func (m *Mailbox) Run(ctx context.Context) error {
	m.baseCtx = ctx
	if err := m.transport.Subscribe(mqtt.Topics{}.AllCFURequests(), 1, m.onMessage); err != nil {
		return fmt.Errorf("subscribing to requests: %w", err)
	}
	<-ctx.Done()
	return m.inflight.Wait()
}

// onMessage hands a request to a worker. When the mailbox is saturated the
// request is answered immediately with ErrCodeOverloaded.
func (m *Mailbox) onMessage(topic string, payload []byte) error {
	started := m.inflight.TryGo(func() error {
		if err := m.HandleRequest(m.baseCtx, topic, payload); err != nil {
			m.logger.Warn("mailbox request failed", "topic", topic, "error", err)
		}
		return nil
	})
	if started {
		return nil
	}

	id := mqtt.RequestIDFromTopic(topic)
	if id == "" {
		return fmt.Errorf("dropping request on %s: mailbox overloaded", topic)
	}
	return m.transport.PublishJSON(mqtt.Topics{}.CFUResponse(id), ResponseMessage{
		RequestID: id,
		Timestamp: time.Now().UTC(),
		Error:     &ResponseError{Code: ErrCodeOverloaded, Message: "too many requests in flight"},
	})
}

// HandleRequest decodes, executes and answers one request.
//
// The returned error reports only failures to publish the response; request
// failures are reported to the requester in the response.
func (m *Mailbox) HandleRequest(ctx context.Context, topic string, payload []byte) error {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		req.RequestID = mqtt.RequestIDFromTopic(topic)
		if req.RequestID == "" {
			return fmt.Errorf("parsing request on %s: %w", topic, err)
		}
		return m.respond(req, nil, fmt.Errorf("%w: %w", errInvalidRequest, err))
	}
	if req.RequestID == "" {
		req.RequestID = mqtt.RequestIDFromTopic(topic)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	m.logger.Debug("mailbox request",
		"request_id", req.RequestID,
		"action", req.Action,
		"component", req.ComponentID,
		"route", req.Route,
	)

	resp, err := m.execute(ctx, req)
	return m.respond(req, resp, err)
}

func (m *Mailbox) execute(ctx context.Context, req RequestMessage) (cfu.InternalResponseData, error) {
	id, err := req.componentID()
	if err != nil {
		return nil, err
	}
	data, err := req.requestData()
	if err != nil {
		return nil, err
	}
	if req.Route {
		return m.core.RouteRequest(ctx, id, data)
	}
	return m.core.SendRequest(ctx, id, data)
}

func (m *Mailbox) respond(req RequestMessage, resp cfu.InternalResponseData, err error) error {
	msg := ResponseMessage{
		RequestID:   req.RequestID,
		Timestamp:   time.Now().UTC(),
		ComponentID: req.ComponentID,
		Success:     err == nil,
	}
	if resp != nil {
		msg.Kind = cfu.ResponseKind(resp)
		msg.Data = responseData(resp)
	}
	if err != nil {
		msg.Error = &ResponseError{Code: errorCode(err), Message: err.Error()}
	}

	if perr := m.transport.PublishJSON(mqtt.Topics{}.CFUResponse(req.RequestID), msg); perr != nil {
		return fmt.Errorf("publishing response %s: %w", req.RequestID, perr)
	}
	return nil
}

// StateChanged publishes a transition event. It implements part of cfu.Observer.
func (m *Mailbox) StateChanged(id cfu.ComponentID, from, to cfu.InternalState) {
	m.publishEvent(id, TransitionEvent(id, from, to))
}

// Notified publishes a notification event. It implements part of cfu.Observer.
func (m *Mailbox) Notified(id cfu.ComponentID, resp cfu.InternalResponseData) {
	m.publishEvent(id, NotificationEvent(id, resp))
}

func (m *Mailbox) publishEvent(id cfu.ComponentID, ev EventMessage) {
	if err := m.transport.PublishJSON(mqtt.Topics{}.CFUEvent(uint8(id)), ev); err != nil {
		m.logger.Warn("failed to publish component event", "component", id, "type", ev.Type, "error", err)
	}
}
