package cfu

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu/deferred"
)

// Driver executes requests against the component's backing hardware or transport.
type Driver interface {
	ExecuteDeviceRequest(ctx context.Context, req RequestData) (InternalResponseData, error)
}

// DriverFunc adapts a function to the Driver interface.
type DriverFunc func(ctx context.Context, req RequestData) (InternalResponseData, error)

// ExecuteDeviceRequest calls f.
func (f DriverFunc) ExecuteDeviceRequest(ctx context.Context, req RequestData) (InternalResponseData, error) {
	return f(ctx, req)
}

// Observer receives a device's state changes and outbound notifications.
// Implementations must not block.
type Observer interface {
	StateChanged(id ComponentID, from, to InternalState)
	Notified(id ComponentID, resp InternalResponseData)
}

// Logger is the logging surface used by this package and the state machine.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// DeviceRequests is the per-device request channel type.
type DeviceRequests = deferred.Channel[RequestData, InternalResponse]

// Device is one updatable component.
//
// The component ID never changes. State is only changed through the state
// machine in package action. Calls into the driver are serialised so two
// requests never reach the same component at once.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Device struct {
	id     ComponentID
	driver Driver

	exec     chan struct{}
	requests *DeviceRequests

	mu       sync.Mutex
	state    InternalState
	observer Observer
	logger   Logger
}

// NewDevice creates an Idle device backed by driver.
func NewDevice(id ComponentID, driver Driver) *Device {
	return &Device{
		id:       id,
		driver:   driver,
		exec:     make(chan struct{}, 1),
		requests: deferred.New[RequestData, InternalResponse](deferred.DefaultQueueDepth),
		state:    InternalState{State: StateIdle},
		logger:   noopLogger{},
	}
}

// ComponentID returns the device's component ID.
func (d *Device) ComponentID() ComponentID {
	return d.id
}

// SetLogger sets the logger used for this device and its transitions.
func (d *Device) SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	d.mu.Lock()
	d.logger = l
	d.mu.Unlock()
}

// Logger returns the device's logger.
func (d *Device) Logger() Logger {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.logger
}

// SetObserver sets the observer notified of state changes and notifications.
func (d *Device) SetObserver(o Observer) {
	d.mu.Lock()
	d.observer = o
	d.mu.Unlock()
}

// State returns a snapshot of the device's state.
func (d *Device) State() InternalState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SetState replaces the device's state unconditionally.
func (d *Device) SetState(s InternalState) {
	_ = d.UpdateState(func(InternalState) (InternalState, error) {
		return s, nil
	})
}

// UpdateState applies fn to the current state under the device lock.
// If fn returns an error the state is left unchanged and the error returned.
func (d *Device) UpdateState(fn func(InternalState) (InternalState, error)) error {
	d.mu.Lock()
	from := d.state
	to, err := fn(from)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.state = to
	obs := d.observer
	d.mu.Unlock()

	if obs != nil && from != to {
		obs.StateChanged(d.id, from, to)
	}
	return nil
}

// ExecuteDeviceRequest runs req on the driver and waits for its answer.
func (d *Device) ExecuteDeviceRequest(ctx context.Context, req RequestData) (InternalResponseData, error) {
	select {
	case d.exec <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-d.exec }()

	if d.driver == nil {
		return nil, fmt.Errorf("component %d: no driver", d.id)
	}
	return d.driver.ExecuteDeviceRequest(ctx, req)
}

// SendRequest queues req for the device's Serve loop without waiting.
func (d *Device) SendRequest(ctx context.Context, req RequestData) (deferred.RequestID, error) {
	return d.requests.Send(ctx, req)
}

// WaitResponse waits for the answer to a request queued with SendRequest.
func (d *Device) WaitResponse(ctx context.Context, id deferred.RequestID) (InternalResponse, error) {
	return d.requests.WaitResponse(ctx, id)
}

// WaitAnyResponse waits for the next answered request queued with SendRequest.
func (d *Device) WaitAnyResponse(ctx context.Context) (deferred.RequestID, InternalResponse, error) {
	return d.requests.WaitAny(ctx)
}

// Serve drains requests queued with SendRequest until ctx ends.
// Exactly one Serve loop should run per device.
func (d *Device) Serve(ctx context.Context) error {
	for {
		r, err := d.requests.Receive(ctx)
		if err != nil {
			return err
		}
		data, err := d.ExecuteDeviceRequest(ctx, r.Data)
		if rerr := r.Respond(InternalResponse{Data: data, Err: err}); rerr != nil {
			d.Logger().Warn("dropping duplicate device response", "component", d.id, "error", rerr)
		}
	}
}

// SendResponse publishes a notification produced by the state machine.
func (d *Device) SendResponse(resp InternalResponseData) {
	d.mu.Lock()
	obs := d.observer
	logger := d.logger
	d.mu.Unlock()

	logger.Debug("component notification", "component", d.id, "kind", ResponseKind(resp))
	if obs != nil {
		obs.Notified(d.id, resp)
	}
}
