// Package host drives complete update sessions against the update engine,
// playing the part of the external update host: it queries the version,
// prepares the component and its sub-components, offers the image, streams
// it in blocks and finalizes it.
package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu"
	"github.com/nerrad567/gray-logic-cfu/internal/cfu/protocol"
	"github.com/nerrad567/gray-logic-cfu/internal/cfu/service"
	"github.com/nerrad567/gray-logic-cfu/internal/metrics"
)

// abortTimeout bounds the cleanup of a failed session. It runs on its own
// deadline because the session's context has often expired by then.
const abortTimeout = 5 * time.Second

// Core is the part of the service context the driver needs.
type Core interface {
	SendRequest(ctx context.Context, from cfu.ComponentID, data cfu.RequestData) (cfu.InternalResponseData, error)
	Components() []service.ComponentStatus
}

// Logger defines the logging interface used by the driver.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Options tunes update sessions.
type Options struct {
	// ChunkSize is the payload size of each content block, at most protocol.MaxContentData.
	ChunkSize int

	// OfferRetries is how many times a busy offer is retried.
	OfferRetries int

	// OfferRetryDelay is the pause between busy offer retries.
	OfferRetryDelay time.Duration
}

// Image is a firmware image addressed to one component.
type Image struct {
	ComponentID cfu.ComponentID
	Version     protocol.FwVersion
	Data        []byte
	Token       uint8

	// Force skips the version check and sets ForceIgnoreVersion on the offer.
	Force bool
}

// Result describes a finished session.
type Result struct {
	SessionID     string             `json:"session_id"`
	ComponentID   cfu.ComponentID    `json:"component_id"`
	From          protocol.FwVersion `json:"from"`
	To            protocol.FwVersion `json:"to"`
	Subcomponents []cfu.ComponentID  `json:"subcomponents,omitempty"`
	Blocks        int                `json:"blocks"`
	Bytes         int                `json:"bytes"`
	Duration      time.Duration      `json:"duration"`
}

// ComponentVersion is one entry of an inventory.
type ComponentVersion struct {
	ID      cfu.ComponentID    `json:"id"`
	State   string             `json:"state"`
	Version protocol.FwVersion `json:"version"`
	Error   string             `json:"error,omitempty"`
}

// Driver runs update sessions.
type Driver struct {
	core   Core
	opts   Options
	logger Logger
}

// NewDriver creates a Driver over core.
func NewDriver(core Core, opts Options) *Driver {
	if opts.ChunkSize <= 0 || opts.ChunkSize > protocol.MaxContentData {
		opts.ChunkSize = protocol.MaxContentData
	}
	if opts.OfferRetryDelay <= 0 {
		opts.OfferRetryDelay = 500 * time.Millisecond
	}
	return &Driver{core: core, opts: opts, logger: noopLogger{}}
}

// SetLogger sets the logger for session progress.
func (d *Driver) SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	d.logger = l
}

// Update runs one full session for img.
func (d *Driver) Update(ctx context.Context, img Image) (Result, error) {
	res := Result{SessionID: uuid.NewString(), ComponentID: img.ComponentID, To: img.Version}
	start := time.Now()

	err := d.update(ctx, img, &res)
	res.Duration = time.Since(start)

	metrics.RecordSession(uint8(img.ComponentID), SessionResult(err))
	if err != nil {
		d.logger.Warn("update session failed", "session", res.SessionID, "component", img.ComponentID, "error", err)
		return res, err
	}
	d.logger.Info("update session complete",
		"session", res.SessionID,
		"component", img.ComponentID,
		"from", res.From.String(),
		"to", res.To.String(),
		"bytes", res.Bytes,
	)
	return res, nil
}

func (d *Driver) update(ctx context.Context, img Image, res *Result) (err error) {
	if len(img.Data) == 0 {
		return ErrEmptyImage
	}

	from, err := d.version(ctx, img.ComponentID)
	if err != nil {
		return fmt.Errorf("querying version: %w", err)
	}
	res.From = from
	if !img.Force && !from.Less(img.Version) {
		return fmt.Errorf("%w: running %s, offered %s", ErrUpToDate, from, img.Version)
	}

	// From the first prepare on, a failed session must not leave components
	// mid-update.
	defer func() {
		if err != nil {
			d.abort(ctx, img.ComponentID, res.Subcomponents)
		}
	}()

	subs, err := d.prepare(ctx, img.ComponentID)
	res.Subcomponents = subs
	if err != nil {
		return fmt.Errorf("preparing: %w", err)
	}

	if err := d.offer(ctx, img); err != nil {
		return err
	}

	blocks, err := d.transfer(ctx, img)
	if err != nil {
		return fmt.Errorf("transferring content: %w", err)
	}
	res.Blocks = blocks
	res.Bytes = len(img.Data)

	resp, err := d.core.SendRequest(ctx, img.ComponentID, cfu.FinalizeUpdate{})
	if err != nil {
		return fmt.Errorf("finalizing: %w", err)
	}
	if _, ok := resp.(cfu.ComponentPrepared); !ok {
		return fmt.Errorf("finalizing: %w: %w", cfu.ErrProtocol, protocol.ErrBadResponse)
	}
	return nil
}

func (d *Driver) version(ctx context.Context, id cfu.ComponentID) (protocol.FwVersion, error) {
	resp, err := d.core.SendRequest(ctx, id, cfu.FwVersionRequest{})
	if err != nil {
		return protocol.FwVersion{}, err
	}
	v, ok := resp.(cfu.FwVersionResponse)
	if !ok || len(v.Response.ComponentInfo) == 0 {
		return protocol.FwVersion{}, fmt.Errorf("%w: %w", cfu.ErrProtocol, protocol.ErrBadResponse)
	}
	return v.Response.ComponentInfo[0].FwVersion, nil
}

// prepare prepares id, preparing any sub-components it asks for first.
// It returns every sub-component it asked to prepare, including on failure.
func (d *Driver) prepare(ctx context.Context, id cfu.ComponentID) ([]cfu.ComponentID, error) {
	resp, err := d.core.SendRequest(ctx, id, cfu.PrepareComponentForUpdate{})
	if err != nil {
		return nil, err
	}

	switch r := resp.(type) {
	case cfu.ComponentPrepared:
		return nil, nil
	case cfu.PrimaryNeedsSubcomponentsPrepared:
		var all []cfu.ComponentID
		for _, sub := range r.IDs {
			if sub == id {
				return all, fmt.Errorf("%w: component %d lists itself as a sub-component", cfu.ErrProtocol, id)
			}
			nested, err := d.prepare(ctx, sub)
			all = append(all, sub)
			all = append(all, nested...)
			if err != nil {
				return all, fmt.Errorf("sub-component %d: %w", sub, err)
			}
		}

		resp, err := d.core.SendRequest(ctx, id, cfu.PrepareComponentForUpdate{})
		if err != nil {
			return all, err
		}
		if _, ok := resp.(cfu.ComponentPrepared); !ok {
			return all, fmt.Errorf("%w: %w: second prepare answered %s", cfu.ErrProtocol, protocol.ErrBadResponse, cfu.ResponseKind(resp))
		}
		return all, nil
	default:
		return nil, fmt.Errorf("%w: %w: prepare answered %s", cfu.ErrProtocol, protocol.ErrBadResponse, cfu.ResponseKind(resp))
	}
}

// abort returns the component and its prepared sub-components to Idle after a
// failed session. Failures are logged.
func (d *Driver) abort(ctx context.Context, id cfu.ComponentID, subs []cfu.ComponentID) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	for _, c := range append([]cfu.ComponentID{id}, subs...) {
		if _, err := d.core.SendRequest(actx, c, cfu.AbortUpdate{}); err != nil {
			d.logger.Warn("aborting component update failed", "component", c, "error", err)
		}
	}
	d.logger.Info("aborted update session", "component", id, "subcomponents", subs)
}

func (d *Driver) offer(ctx context.Context, img Image) error {
	cmd := protocol.FwUpdateOfferCommand{
		ComponentID:        img.ComponentID,
		Token:              img.Token,
		FwVersion:          img.Version,
		ForceIgnoreVersion: img.Force,
	}

	for attempt := 0; ; attempt++ {
		resp, err := d.core.SendRequest(ctx, img.ComponentID, cfu.GiveOffer{Offer: cmd})
		if errors.Is(err, cfu.ErrComponentBusy) && attempt < d.opts.OfferRetries {
			d.logger.Info("component busy, retrying offer", "component", img.ComponentID, "attempt", attempt+1)
			select {
			case <-time.After(d.opts.OfferRetryDelay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			return fmt.Errorf("offering: %w", err)
		}

		o, ok := resp.(cfu.OfferResponse)
		if !ok {
			return fmt.Errorf("offering: %w: %w", cfu.ErrProtocol, protocol.ErrBadResponse)
		}
		if !o.Response.Accepted() {
			return fmt.Errorf("%w: status %s reason %d", ErrOfferRejected, o.Response.Status, o.Response.RejectReason)
		}
		return nil
	}
}

func (d *Driver) transfer(ctx context.Context, img Image) (int, error) {
	blocks := 0
	for off := 0; off < len(img.Data); off += d.opts.ChunkSize {
		end := min(off+d.opts.ChunkSize, len(img.Data))

		chunk := protocol.FwUpdateContentCommand{
			SequenceNumber: uint16(blocks),
			Address:        uint32(off),
			Data:           img.Data[off:end],
		}
		if off == 0 {
			chunk.Flags |= protocol.FlagFirstBlock
		}
		if end == len(img.Data) {
			chunk.Flags |= protocol.FlagLastBlock
		}

		resp, err := d.core.SendRequest(ctx, img.ComponentID, cfu.GiveContent{Chunk: chunk})
		if err != nil {
			return blocks, fmt.Errorf("block %d: %w", chunk.SequenceNumber, err)
		}
		cr, ok := resp.(cfu.ContentResponse)
		if !ok || !cr.Response.Success() {
			return blocks, fmt.Errorf("block %d: %w: %w", chunk.SequenceNumber, cfu.ErrProtocol, protocol.ErrBadResponse)
		}
		blocks++
	}
	return blocks, nil
}

// Inventory reports the state and firmware version of every component.
// Components that fail to answer are listed with the error.
func (d *Driver) Inventory(ctx context.Context) []ComponentVersion {
	comps := d.core.Components()
	out := make([]ComponentVersion, 0, len(comps))
	for _, c := range comps {
		cv := ComponentVersion{ID: c.ID, State: c.State.State.String()}
		v, err := d.version(ctx, c.ID)
		if err != nil {
			cv.Error = err.Error()
		} else {
			cv.Version = v
		}
		out = append(out, cv)
	}
	return out
}

// SessionResult classifies a session error for metrics and telemetry.
func SessionResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrUpToDate):
		return "up_to_date"
	case errors.Is(err, ErrOfferRejected):
		return "rejected"
	case errors.Is(err, cfu.ErrBadImage):
		return "bad_image"
	case errors.Is(err, cfu.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
