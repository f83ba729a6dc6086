// Package client implements the update client task: the single consumer of
// the service context's request channel.
//
// The task receives each request, resolves the addressed device, drives the
// device state machine and answers the request. Failures are answered to the
// submitter and logged; they never stop the task.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu"
	"github.com/nerrad567/gray-logic-cfu/internal/cfu/action"
	"github.com/nerrad567/gray-logic-cfu/internal/cfu/protocol"
	"github.com/nerrad567/gray-logic-cfu/internal/cfu/service"
	"github.com/nerrad567/gray-logic-cfu/internal/metrics"
)

// Logger defines the logging interface used by the client.
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

// Client owns the receive token of a service context.
type Client struct {
	token  *service.Token
	logger Logger
}

// New creates the client for svc. It fails with cfu.ErrAlreadyInitialized
// if a client already holds the context's token.
func New(svc *service.Context) (*Client, error) {
	tok, err := svc.CreateToken()
	if err != nil {
		return nil, fmt.Errorf("creating cfu client: %w", err)
	}
	return &Client{token: tok, logger: noopLogger{}}, nil
}

// SetLogger sets the logger for client operations.
func (c *Client) SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	c.logger = l
}

// Run processes requests until ctx ends. It also runs the Serve loop of
// every registered device, including devices registered while Run is active.
func (c *Client) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	var (
		mu      sync.Mutex
		stopped bool
	)
	serve := func(dev *cfu.Device) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		g.Go(func() error {
			if err := dev.Serve(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("component %d: %w", dev.ComponentID(), err)
			}
			return nil
		})
	}

	// Holds the group open until shutdown so late registrations never race Wait.
	g.Go(func() error {
		<-gctx.Done()
		mu.Lock()
		stopped = true
		mu.Unlock()
		return nil
	})

	devs := c.token.WatchDevices(func(dev *cfu.Device) {
		c.logger.Info("serving late-registered component", "component", dev.ComponentID())
		serve(dev)
	})
	defer c.token.WatchDevices(nil)

	c.logger.Info("starting cfu client task", "components", len(devs))
	for _, dev := range devs {
		serve(dev)
	}

	g.Go(func() error {
		for {
			if err := c.ProcessRequest(gctx); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				c.logger.Error("error processing request", "error", err)
			}
		}
	})

	return g.Wait()
}

// ProcessRequest receives one request, handles it and answers it.
// The returned error is the handling error, already delivered to the submitter.
func (c *Client) ProcessRequest(ctx context.Context) error {
	in, err := c.token.Receive(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	kind := cfu.RequestKind(in.Data.Data)
	data, herr := c.handle(ctx, in.Data)
	metrics.RecordRequest(kind, herr, time.Since(start))

	if rerr := in.Respond(cfu.InternalResponse{Data: data, Err: herr}); rerr != nil {
		c.logger.Warn("request already answered", "component", in.Data.ID, "kind", kind)
	}
	if herr != nil {
		return fmt.Errorf("%s for component %d: %w", kind, in.Data.ID, herr)
	}
	return nil
}

func (c *Client) handle(ctx context.Context, req cfu.Request) (cfu.InternalResponseData, error) {
	dev, err := c.token.GetDevice(req.ID)
	if err != nil {
		return nil, err
	}

	switch d := req.Data.(type) {
	case cfu.FwVersionRequest:
		c.logger.Info("received fw version request", "component", req.ID)
		return c.fwVersion(ctx, dev)
	case cfu.PrimaryNeedsSubcomponentFwVersion:
		c.logger.Info("received sub-component fw version request", "component", req.ID, "subcomponents", d.IDs)
		return c.subcomponentVersions(ctx, d.IDs)
	case cfu.PrepareComponentForUpdate:
		return c.prepare(ctx, dev)
	case cfu.GiveOffer:
		return c.offer(ctx, dev, d.Offer)
	case cfu.GiveContent:
		return c.content(ctx, dev, d.Chunk)
	case cfu.FinalizeUpdate:
		return c.finalize(ctx, dev)
	case cfu.AbortUpdate:
		return c.abort(ctx, dev)
	default:
		return nil, fmt.Errorf("%w: %w: unsupported request %T", cfu.ErrProtocol, protocol.ErrInvalidCommand, req.Data)
	}
}

func (c *Client) fwVersion(ctx context.Context, dev *cfu.Device) (cfu.InternalResponseData, error) {
	info, resp, err := queryVersion(ctx, dev)
	if err != nil {
		return nil, err
	}
	c.logger.Info("got fw version", "component", dev.ComponentID(), "version", info.FwVersion.String())
	return resp, nil
}

func (c *Client) subcomponentVersions(ctx context.Context, ids []cfu.ComponentID) (cfu.InternalResponseData, error) {
	if len(ids) > protocol.MaxSubcomponentCount {
		return nil, fmt.Errorf("%w: %w: %d sub-components exceeds %d",
			cfu.ErrProtocol, protocol.ErrInvalidCommand, len(ids), protocol.MaxSubcomponentCount)
	}

	versions := make([]protocol.FwVerComponentInfo, 0, len(ids))
	for _, id := range ids {
		sub, err := c.token.GetDevice(id)
		if err != nil {
			return nil, err
		}
		info, _, err := queryVersion(ctx, sub)
		if err != nil {
			return nil, err
		}
		c.logger.Info("got fw version", "component", id, "version", info.FwVersion.String())
		versions = append(versions, info)
	}
	return cfu.SubcomponentFwVersionResponse{Versions: versions}, nil
}

func (c *Client) prepare(ctx context.Context, dev *cfu.Device) (cfu.InternalResponseData, error) {
	var (
		res action.PrepareResult
		err error
	)

	switch st := action.Load(dev).(type) {
	case action.Idle:
		res, err = st.PrepareComponent(ctx)
	case action.Busy:
		if !st.WaitingOnSubs() {
			return nil, mismatch(dev)
		}
		res, err = st.PrepareComponent(ctx)
	case action.Ready:
		return cfu.ComponentPrepared{}, nil
	default:
		return nil, mismatch(dev)
	}
	if err != nil {
		return nil, err
	}

	if _, ids, ok := res.AwaitingSubs(); ok {
		return cfu.PrimaryNeedsSubcomponentsPrepared{IDs: ids}, nil
	}
	return cfu.ComponentPrepared{}, nil
}

func (c *Client) offer(ctx context.Context, dev *cfu.Device, offer protocol.FwUpdateOfferCommand) (cfu.InternalResponseData, error) {
	ready, ok := action.Load(dev).(action.Ready)
	if !ok {
		return nil, mismatch(dev)
	}

	resp, err := ready.EvaluateOffer(ctx, offer)
	if err != nil {
		return nil, err
	}

	if resp.Accepted() {
		if _, err := ready.AcceptOffer(ctx); err != nil {
			return nil, err
		}
	} else if _, err := ready.RejectOffer(ctx); err != nil {
		return nil, err
	}
	return cfu.OfferResponse{Response: resp}, nil
}

func (c *Client) content(ctx context.Context, dev *cfu.Device, chunk protocol.FwUpdateContentCommand) (cfu.InternalResponseData, error) {
	busy, ok := action.Load(dev).(action.Busy)
	if !ok {
		return nil, mismatch(dev)
	}

	resp, err := busy.ReceiveNextContentChunk(ctx, chunk)
	if errors.Is(err, cfu.ErrBadImage) {
		busy.Bail(ctx)
		return cfu.ContentResponse{Response: resp}, err
	}
	if err != nil {
		return nil, err
	}
	return cfu.ContentResponse{Response: resp}, nil
}

func (c *Client) finalize(ctx context.Context, dev *cfu.Device) (cfu.InternalResponseData, error) {
	busy, ok := action.Load(dev).(action.Busy)
	if !ok {
		return nil, mismatch(dev)
	}

	fin, err := busy.FinalizeUpdate(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := dev.ExecuteDeviceRequest(ctx, cfu.FinalizeUpdate{})
	if err != nil {
		fin.Bail(ctx)
		return nil, fmt.Errorf("%w: %w", cfu.ErrProtocol, err)
	}
	if _, ok := resp.(cfu.ComponentPrepared); !ok {
		fin.Bail(ctx)
		return nil, fmt.Errorf("%w: %w: finalize answered %s", cfu.ErrProtocol, protocol.ErrBadResponse, cfu.ResponseKind(resp))
	}

	if _, err := fin.FinishComponentUpdate(ctx); err != nil {
		return nil, err
	}
	return cfu.ComponentPrepared{}, nil
}

// abort tells the driver to drop any staged transfer and bails the device to
// Idle from whatever phase it is in. A driver failure is logged; the device
// is returned to Idle regardless.
func (c *Client) abort(ctx context.Context, dev *cfu.Device) (cfu.InternalResponseData, error) {
	if _, err := dev.ExecuteDeviceRequest(ctx, cfu.AbortUpdate{}); err != nil {
		c.logger.Warn("driver did not acknowledge abort", "component", dev.ComponentID(), "error", err)
	}
	action.Load(dev).Bail(ctx)
	return cfu.ComponentPrepared{}, nil
}

// queryVersion asks dev for its version report and returns its own entry.
func queryVersion(ctx context.Context, dev *cfu.Device) (protocol.FwVerComponentInfo, cfu.FwVersionResponse, error) {
	resp, err := dev.ExecuteDeviceRequest(ctx, cfu.FwVersionRequest{})
	if err != nil {
		return protocol.FwVerComponentInfo{}, cfu.FwVersionResponse{}, fmt.Errorf("%w: %w", cfu.ErrProtocol, err)
	}
	v, ok := resp.(cfu.FwVersionResponse)
	if !ok || len(v.Response.ComponentInfo) == 0 {
		return protocol.FwVerComponentInfo{}, cfu.FwVersionResponse{}, fmt.Errorf("%w: %w: fw version from component %d",
			cfu.ErrProtocol, protocol.ErrBadResponse, dev.ComponentID())
	}
	return v.Response.ComponentInfo[0], v, nil
}

func mismatch(dev *cfu.Device) error {
	return fmt.Errorf("%w: component %d is %s", cfu.ErrStateMismatch, dev.ComponentID(), dev.State().State)
}
