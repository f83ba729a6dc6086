// Package service provides the client context of the update engine: the
// device registry, the inbound request channel, and the one-time token that
// grants the right to receive requests.
//
// A process normally has one Context, created with Init and retrieved with
// Default. Tests and embedders may build independent contexts with New.
//
// Anyone may register devices and submit requests. Only the holder of the
// Token, created once per Context, may receive them.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu"
	"github.com/nerrad567/gray-logic-cfu/internal/cfu/deferred"
	"github.com/nerrad567/gray-logic-cfu/internal/cfu/registry"
)

// Incoming is a request received by the token holder, answered with Respond.
type Incoming = deferred.Request[cfu.Request, cfu.InternalResponse]

// Options configures a Context.
type Options struct {
	// QueueDepth bounds unreceived requests. Zero uses deferred.DefaultQueueDepth.
	QueueDepth int

	// RequestTimeout bounds waits that have no deadline of their own. Zero disables it.
	RequestTimeout time.Duration

	// Observer is attached to every registered device.
	Observer cfu.Observer

	// Logger is attached to every registered device.
	Logger cfu.Logger
}

// Context is the shared state of the update engine.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Context struct {
	devices  *registry.Registry
	requests *deferred.Channel[cfu.Request, cfu.InternalResponse]
	timeout  time.Duration
	observer cfu.Observer
	logger   cfu.Logger

	tokenIssued atomic.Bool

	regMu      sync.Mutex
	onRegister func(*cfu.Device)
}

// New creates an independent Context.
func New(opts Options) *Context {
	return &Context{
		devices:  registry.New(),
		requests: deferred.New[cfu.Request, cfu.InternalResponse](opts.QueueDepth),
		timeout:  opts.RequestTimeout,
		observer: opts.Observer,
		logger:   opts.Logger,
	}
}

var (
	defaultOnce sync.Once
	defaultCtx  *Context
)

// Init creates the process-wide Context on first call and returns it.
// Later calls return the same Context and ignore opts.
func Init(opts Options) *Context {
	defaultOnce.Do(func() {
		defaultCtx = New(opts)
	})
	return defaultCtx
}

// Default returns the process-wide Context, creating it with zero Options if
// Init has not been called.
func Default() *Context {
	return Init(Options{})
}

// CreateToken issues the receive token. Only the first call succeeds;
// later calls return cfu.ErrAlreadyInitialized.
func (c *Context) CreateToken() (*Token, error) {
	if !c.tokenIssued.CompareAndSwap(false, true) {
		return nil, cfu.ErrAlreadyInitialized
	}
	return &Token{ctx: c}, nil
}

// RegisterDevice adds dev to the registry and attaches the context's
// observer and logger to it.
func (c *Context) RegisterDevice(dev *cfu.Device) error {
	if dev == nil {
		return fmt.Errorf("%w: nil device", cfu.ErrInvalidComponent)
	}
	if c.observer != nil {
		dev.SetObserver(c.observer)
	}
	if c.logger != nil {
		dev.SetLogger(c.logger)
	}

	c.regMu.Lock()
	defer c.regMu.Unlock()
	if err := c.devices.Register(dev); err != nil {
		return err
	}
	if c.onRegister != nil {
		c.onRegister(dev)
	}
	return nil
}

// watchDevices installs fn to be called for every device registered from now
// on and returns the devices registered so far. fn must not block.
func (c *Context) watchDevices(fn func(*cfu.Device)) []*cfu.Device {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	c.onRegister = fn
	return c.devices.Devices()
}

// ComponentStatus is a read-only view of one registered device.
type ComponentStatus struct {
	ID    cfu.ComponentID   `json:"id"`
	State cfu.InternalState `json:"state"`
}

// Components returns the status of every device in registration order.
func (c *Context) Components() []ComponentStatus {
	devs := c.devices.Devices()
	out := make([]ComponentStatus, 0, len(devs))
	for _, d := range devs {
		out = append(out, ComponentStatus{ID: d.ComponentID(), State: d.State()})
	}
	return out
}

// Component returns the status of one device.
func (c *Context) Component(id cfu.ComponentID) (ComponentStatus, error) {
	dev, err := c.devices.Get(id)
	if err != nil {
		return ComponentStatus{}, err
	}
	return ComponentStatus{ID: id, State: dev.State()}, nil
}

// SendRequest submits a request on behalf of component `from` to the token
// holder and waits for the answer.
func (c *Context) SendRequest(ctx context.Context, from cfu.ComponentID, data cfu.RequestData) (cfu.InternalResponseData, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.requests.Execute(ctx, cfu.Request{ID: from, Data: data})
	if err != nil {
		return nil, waitError(err)
	}
	return resp.Data, resp.Err
}

// RouteRequest executes a request directly on component `to`, bypassing the
// token holder. Driver failures are wrapped in cfu.ErrProtocol, or
// cfu.ErrTimeout when the deadline expired.
func (c *Context) RouteRequest(ctx context.Context, to cfu.ComponentID, data cfu.RequestData) (cfu.InternalResponseData, error) {
	dev, err := c.devices.Get(to)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := dev.ExecuteDeviceRequest(ctx, data)
	if err != nil {
		return nil, driverError(err)
	}
	return resp, nil
}

// SendDeviceRequest queues a request on component `to` without waiting.
// The device's Serve loop must be running for it to be answered.
func (c *Context) SendDeviceRequest(ctx context.Context, to cfu.ComponentID, data cfu.RequestData) (deferred.RequestID, error) {
	dev, err := c.devices.Get(to)
	if err != nil {
		return 0, err
	}
	id, err := dev.SendRequest(ctx, data)
	if err != nil {
		return 0, waitError(err)
	}
	return id, nil
}

// WaitDeviceResponse waits for the answer to request id on component `to`.
func (c *Context) WaitDeviceResponse(ctx context.Context, to cfu.ComponentID, id deferred.RequestID) (cfu.InternalResponseData, error) {
	dev, err := c.devices.Get(to)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := dev.WaitResponse(ctx, id)
	if err != nil {
		return nil, waitError(err)
	}
	return resp.Data, resp.Err
}

// WaitAnyDeviceResponse waits for the next answered request on component `to`.
func (c *Context) WaitAnyDeviceResponse(ctx context.Context, to cfu.ComponentID) (deferred.RequestID, cfu.InternalResponseData, error) {
	dev, err := c.devices.Get(to)
	if err != nil {
		return 0, nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	id, resp, err := dev.WaitAnyResponse(ctx)
	if err != nil {
		return 0, nil, waitError(err)
	}
	return id, resp.Data, resp.Err
}

func (c *Context) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// driverError classifies a failure returned by a device driver.
func driverError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", cfu.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %w", cfu.ErrProtocol, err)
	}
}

func waitError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", cfu.ErrTimeout, err)
	}
	return err
}
