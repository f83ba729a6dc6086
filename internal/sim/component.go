// Package sim provides in-process component drivers that model a component's
// firmware store. They back components declared in the configuration file
// when no hardware transport is attached, and serve as drivers in tests.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu"
	"github.com/nerrad567/gray-logic-cfu/internal/cfu/protocol"
)

// Config describes one simulated component.
type Config struct {
	ID            cfu.ComponentID
	Name          string
	Version       protocol.FwVersion
	Bank          uint8
	Subcomponents []cfu.ComponentID

	// Latency delays every request, honouring the request context.
	Latency time.Duration
}

// Component is a simulated component implementing cfu.Driver.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Component struct {
	cfg Config

	mu       sync.Mutex
	version  protocol.FwVersion
	pending  *protocol.FwVersion
	nextSeq  uint16
	written  int
	staged   bool
	busyLeft int
	failSeq  int
}

// New creates a simulated component.
func New(cfg Config) *Component {
	return &Component{
		cfg:     cfg,
		version: cfg.Version,
		failSeq: -1,
	}
}

// Name returns the configured component name.
func (c *Component) Name() string { return c.cfg.Name }

// Subcomponents returns the IDs of the component's sub-components.
func (c *Component) Subcomponents() []cfu.ComponentID {
	return append([]cfu.ComponentID(nil), c.cfg.Subcomponents...)
}

// Version returns the currently committed firmware version.
func (c *Component) Version() protocol.FwVersion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// InjectBusy makes the next n offers answer ComponentBusy.
func (c *Component) InjectBusy(n int) {
	c.mu.Lock()
	c.busyLeft = n
	c.mu.Unlock()
}

// InjectContentFailure makes the block with the given sequence number fail its CRC check.
func (c *Component) InjectContentFailure(seq uint16) {
	c.mu.Lock()
	c.failSeq = int(seq)
	c.mu.Unlock()
}

// ExecuteDeviceRequest implements cfu.Driver.
func (c *Component) ExecuteDeviceRequest(ctx context.Context, req cfu.RequestData) (cfu.InternalResponseData, error) {
	if c.cfg.Latency > 0 {
		t := time.NewTimer(c.cfg.Latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch r := req.(type) {
	case cfu.FwVersionRequest:
		return c.versionReport(), nil
	case cfu.PrepareComponentForUpdate:
		return c.prepare(), nil
	case cfu.GiveOffer:
		return c.offer(r.Offer), nil
	case cfu.GiveContent:
		return c.content(r.Chunk), nil
	case cfu.FinalizeUpdate:
		return c.finalize()
	case cfu.AbortUpdate:
		c.resetTransfer()
		return cfu.ComponentPrepared{}, nil
	default:
		return nil, fmt.Errorf("%w: component %d cannot handle %s", protocol.ErrInvalidCommand, c.cfg.ID, cfu.RequestKind(req))
	}
}

func (c *Component) versionReport() cfu.InternalResponseData {
	return cfu.FwVersionResponse{Response: protocol.GetFwVersionResponse{
		ComponentCount: 1,
		ComponentInfo: []protocol.FwVerComponentInfo{{
			ComponentID: c.cfg.ID,
			FwVersion:   c.version,
			Bank:        c.cfg.Bank,
		}},
	}}
}

func (c *Component) prepare() cfu.InternalResponseData {
	c.resetTransfer()
	if len(c.cfg.Subcomponents) > 0 {
		return cfu.PrimaryNeedsSubcomponentsPrepared{IDs: c.Subcomponents()}
	}
	return cfu.ComponentPrepared{}
}

func (c *Component) offer(o protocol.FwUpdateOfferCommand) cfu.InternalResponseData {
	if c.busyLeft > 0 {
		c.busyLeft--
		return cfu.ComponentBusy{}
	}
	if c.pending != nil {
		return cfu.ComponentBusy{}
	}

	resp := protocol.FwUpdateOfferResponse{Token: o.Token}
	switch {
	case o.ComponentID != c.cfg.ID:
		resp.Status = protocol.OfferReject
		resp.RejectReason = protocol.RejectInvalidComponent
	case !o.ForceIgnoreVersion && !c.version.Less(o.FwVersion):
		resp.Status = protocol.OfferReject
		resp.RejectReason = protocol.RejectOldFirmware
	default:
		v := o.FwVersion
		c.pending = &v
		c.nextSeq = 0
		c.written = 0
		c.staged = false
		resp.Status = protocol.OfferAccept
	}
	return cfu.OfferResponse{Response: resp}
}

func (c *Component) content(chunk protocol.FwUpdateContentCommand) cfu.InternalResponseData {
	status := c.write(chunk)
	return cfu.ContentResponse{Response: protocol.FwUpdateContentResponse{
		SequenceNumber: chunk.SequenceNumber,
		Status:         status,
	}}
}

func (c *Component) write(chunk protocol.FwUpdateContentCommand) protocol.ContentStatus {
	if c.pending == nil {
		return protocol.ContentErrorNoOffer
	}
	if err := chunk.Validate(); err != nil {
		return protocol.ContentErrorInvalid
	}
	if chunk.SequenceNumber != c.nextSeq || chunk.First() != (chunk.SequenceNumber == 0) {
		return protocol.ContentErrorInvalid
	}
	if int(chunk.SequenceNumber) == c.failSeq {
		c.failSeq = -1
		c.resetTransfer()
		return protocol.ContentErrorCRC
	}

	c.nextSeq++
	c.written += len(chunk.Data)
	if chunk.Last() {
		c.staged = true
	}
	return protocol.ContentSuccess
}

func (c *Component) finalize() (cfu.InternalResponseData, error) {
	if c.pending == nil || !c.staged {
		c.resetTransfer()
		return nil, fmt.Errorf("%w: component %d has no complete image", protocol.ErrInvalidCommand, c.cfg.ID)
	}
	c.version = *c.pending
	c.resetTransfer()
	return cfu.ComponentPrepared{}, nil
}

func (c *Component) resetTransfer() {
	c.pending = nil
	c.nextSeq = 0
	c.written = 0
	c.staged = false
}
