package action

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu"
	"github.com/nerrad567/gray-logic-cfu/internal/cfu/protocol"
)

// scriptedDriver answers requests from a queue of canned responses.
type scriptedDriver struct {
	mu        sync.Mutex
	responses []cfu.InternalResponseData
	err       error
	requests  []string
}

func (d *scriptedDriver) ExecuteDeviceRequest(_ context.Context, req cfu.RequestData) (cfu.InternalResponseData, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, cfu.RequestKind(req))
	if d.err != nil {
		return nil, d.err
	}
	if len(d.responses) == 0 {
		return nil, errors.New("no scripted response")
	}
	r := d.responses[0]
	d.responses = d.responses[1:]
	return r, nil
}

type notifications struct {
	mu    sync.Mutex
	kinds []string
	ids   [][]cfu.ComponentID
}

func (n *notifications) StateChanged(cfu.ComponentID, cfu.InternalState, cfu.InternalState) {}

func (n *notifications) Notified(_ cfu.ComponentID, resp cfu.InternalResponseData) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, cfu.ResponseKind(resp))
	if p, ok := resp.(cfu.PrimaryNeedsSubcomponentsPrepared); ok {
		n.ids = append(n.ids, p.IDs)
	}
}

func newDevice(responses ...cfu.InternalResponseData) (*cfu.Device, *scriptedDriver, *notifications) {
	drv := &scriptedDriver{responses: responses}
	dev := cfu.NewDevice(1, drv)
	obs := &notifications{}
	dev.SetObserver(obs)
	return dev, drv, obs
}

func mustIdle(t *testing.T, dev *cfu.Device) Idle {
	t.Helper()
	idle, ok := Load(dev).(Idle)
	if !ok {
		t.Fatalf("device is %s, want idle", dev.State().State)
	}
	return idle
}

func TestLoadFreshDeviceIsIdle(t *testing.T) {
	dev, _, _ := newDevice()
	if k := Load(dev).Kind(); k != cfu.StateIdle {
		t.Errorf("Load().Kind() = %s, want idle", k)
	}
}

func TestPrepareComponentPrepared(t *testing.T) {
	ctx := context.Background()
	dev, _, _ := newDevice(cfu.ComponentPrepared{})

	res, err := mustIdle(t, dev).PrepareComponent(ctx)
	if err != nil {
		t.Fatalf("PrepareComponent() error = %v", err)
	}
	if _, ok := res.Ready(); !ok {
		t.Fatal("expected Ready result")
	}
	if got := dev.State(); got != (cfu.InternalState{State: cfu.StateReady}) {
		t.Errorf("state = %+v, want ready", got)
	}
}

func TestPrepareWithSubcomponents(t *testing.T) {
	ctx := context.Background()
	subs := []cfu.ComponentID{2, 3}
	dev, _, obs := newDevice(
		cfu.PrimaryNeedsSubcomponentsPrepared{IDs: subs},
		cfu.PrimaryNeedsSubcomponentsPrepared{IDs: subs},
	)

	res, err := mustIdle(t, dev).PrepareComponent(ctx)
	if err != nil {
		t.Fatalf("first PrepareComponent() error = %v", err)
	}
	busy, ids, ok := res.AwaitingSubs()
	if !ok {
		t.Fatal("expected AwaitingSubs result")
	}
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 3 {
		t.Errorf("AwaitingSubs ids = %v, want [2 3]", ids)
	}
	if got := dev.State(); got != (cfu.InternalState{State: cfu.StateBusy, WaitingOnSubs: true}) {
		t.Errorf("state after first prepare = %+v, want busy/waiting", got)
	}

	res, err = busy.PrepareComponent(ctx)
	if err != nil {
		t.Fatalf("second PrepareComponent() error = %v", err)
	}
	if _, ok := res.Ready(); !ok {
		t.Fatal("expected Ready after second prepare")
	}
	if got := dev.State(); got != (cfu.InternalState{State: cfu.StateReady}) {
		t.Errorf("state after second prepare = %+v, want ready", got)
	}

	want := []string{"primary_needs_subcomponents_prepared", "component_prepared"}
	if len(obs.kinds) != len(want) {
		t.Fatalf("notifications = %v, want %v", obs.kinds, want)
	}
	for i := range want {
		if obs.kinds[i] != want[i] {
			t.Errorf("notification[%d] = %q, want %q", i, obs.kinds[i], want[i])
		}
	}
	if len(obs.ids) != 1 || len(obs.ids[0]) != 2 {
		t.Errorf("notified ids = %v, want [[2 3]]", obs.ids)
	}
}

func TestPrepareBadResponseLeavesState(t *testing.T) {
	ctx := context.Background()
	dev, _, _ := newDevice(cfu.ComponentBusy{})

	_, err := mustIdle(t, dev).PrepareComponent(ctx)
	if !errors.Is(err, cfu.ErrProtocol) || !errors.Is(err, protocol.ErrBadResponse) {
		t.Fatalf("PrepareComponent() error = %v, want ErrProtocol/ErrBadResponse", err)
	}
	if got := dev.State().State; got != cfu.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestPrepareDriverError(t *testing.T) {
	ctx := context.Background()
	dev, drv, _ := newDevice()
	drv.err = protocol.ErrTransport

	_, err := mustIdle(t, dev).PrepareComponent(ctx)
	if !errors.Is(err, cfu.ErrProtocol) || !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("PrepareComponent() error = %v, want ErrProtocol wrapping ErrTransport", err)
	}
	if got := dev.State().State; got != cfu.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestBusyPrepareRequiresWaiting(t *testing.T) {
	ctx := context.Background()
	dev, drv, _ := newDevice(cfu.ComponentPrepared{})
	dev.SetState(cfu.InternalState{State: cfu.StateBusy})

	busy := Load(dev).(Busy)
	if _, err := busy.PrepareComponent(ctx); !errors.Is(err, cfu.ErrStateMismatch) {
		t.Fatalf("PrepareComponent() error = %v, want ErrStateMismatch", err)
	}
	if len(drv.requests) != 0 {
		t.Errorf("driver saw %v, want no requests", drv.requests)
	}
}

func readyDevice(t *testing.T, responses ...cfu.InternalResponseData) (*cfu.Device, Ready, *notifications) {
	t.Helper()
	dev, _, obs := newDevice(append([]cfu.InternalResponseData{cfu.ComponentPrepared{}}, responses...)...)
	res, err := mustIdle(t, dev).PrepareComponent(context.Background())
	if err != nil {
		t.Fatalf("PrepareComponent() error = %v", err)
	}
	ready, ok := res.Ready()
	if !ok {
		t.Fatal("expected ready")
	}
	return dev, ready, obs
}

func TestEvaluateOffer(t *testing.T) {
	offer := protocol.FwUpdateOfferCommand{ComponentID: 1, FwVersion: protocol.FwVersion{Major: 2}}

	tests := []struct {
		name       string
		response   cfu.InternalResponseData
		wantStatus protocol.OfferStatus
		wantErr    error
	}{
		{
			name:       "accept",
			response:   cfu.OfferResponse{Response: protocol.FwUpdateOfferResponse{Status: protocol.OfferAccept}},
			wantStatus: protocol.OfferAccept,
		},
		{
			name:       "reject",
			response:   cfu.OfferResponse{Response: protocol.FwUpdateOfferResponse{Status: protocol.OfferReject, RejectReason: protocol.RejectOldFirmware}},
			wantStatus: protocol.OfferReject,
		},
		{
			name:       "busy",
			response:   cfu.ComponentBusy{},
			wantStatus: protocol.OfferBusy,
			wantErr:    cfu.ErrComponentBusy,
		},
		{
			name:     "wrong kind",
			response: cfu.ComponentPrepared{},
			wantErr:  protocol.ErrBadResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, ready, _ := readyDevice(t, tt.response)

			resp, err := ready.EvaluateOffer(context.Background(), offer)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("EvaluateOffer() error = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("EvaluateOffer() error = %v", err)
			}
			if tt.wantErr != protocol.ErrBadResponse && resp.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", resp.Status, tt.wantStatus)
			}
			if got := dev.State().State; got != cfu.StateReady {
				t.Errorf("state = %s, want ready", got)
			}
		})
	}
}

func TestFullUpdateCycle(t *testing.T) {
	ctx := context.Background()
	ok := cfu.ContentResponse{Response: protocol.FwUpdateContentResponse{Status: protocol.ContentSuccess}}
	dev, ready, obs := readyDevice(t, ok, ok)

	if _, err := ready.RejectOffer(ctx); err != nil {
		t.Fatalf("RejectOffer() error = %v", err)
	}
	if got := dev.State().State; got != cfu.StateReady {
		t.Fatalf("state after reject = %s, want ready", got)
	}

	busy, err := ready.AcceptOffer(ctx)
	if err != nil {
		t.Fatalf("AcceptOffer() error = %v", err)
	}

	for seq := uint16(0); seq < 2; seq++ {
		resp, err := busy.ReceiveNextContentChunk(ctx, protocol.FwUpdateContentCommand{SequenceNumber: seq, Data: []byte{1}})
		if err != nil {
			t.Fatalf("ReceiveNextContentChunk(%d) error = %v", seq, err)
		}
		if !resp.Success() {
			t.Errorf("chunk %d status = %s", seq, resp.Status)
		}
		if got := dev.State().State; got != cfu.StateBusy {
			t.Fatalf("state after chunk = %s, want busy", got)
		}
	}

	fin, err := busy.FinalizeUpdate(ctx)
	if err != nil {
		t.Fatalf("FinalizeUpdate() error = %v", err)
	}
	if got := dev.State().State; got != cfu.StateFinalizingUpdate {
		t.Fatalf("state = %s, want finalizing_update", got)
	}

	if _, err := fin.FinishComponentUpdate(ctx); err != nil {
		t.Fatalf("FinishComponentUpdate() error = %v", err)
	}
	if got := dev.State().State; got != cfu.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}

	last := obs.kinds[len(obs.kinds)-1]
	if last != "component_prepared" {
		t.Errorf("last notification = %q, want component_prepared", last)
	}
}

func TestContentFailureIsBadImage(t *testing.T) {
	ctx := context.Background()
	fail := cfu.ContentResponse{Response: protocol.FwUpdateContentResponse{SequenceNumber: 4, Status: protocol.ContentErrorCRC}}
	dev, ready, obs := readyDevice(t, fail)

	busy, err := ready.AcceptOffer(ctx)
	if err != nil {
		t.Fatalf("AcceptOffer() error = %v", err)
	}

	resp, err := busy.ReceiveNextContentChunk(ctx, protocol.FwUpdateContentCommand{SequenceNumber: 4, Data: []byte{1}})
	if !errors.Is(err, cfu.ErrBadImage) {
		t.Fatalf("ReceiveNextContentChunk() error = %v, want ErrBadImage", err)
	}
	if resp.Status != protocol.ContentErrorCRC {
		t.Errorf("status = %s, want error_crc", resp.Status)
	}
	if len(obs.kinds) == 0 || obs.kinds[len(obs.kinds)-1] != "content" {
		t.Errorf("notifications = %v, want content relayed", obs.kinds)
	}

	busy.Bail(ctx)
	if got := dev.State().State; got != cfu.StateIdle {
		t.Errorf("state after bail = %s, want idle", got)
	}
}

func TestBailFromEveryState(t *testing.T) {
	states := []cfu.InternalState{
		{State: cfu.StateIdle},
		{State: cfu.StateReady},
		{State: cfu.StateBusy},
		{State: cfu.StateBusy, WaitingOnSubs: true},
		{State: cfu.StateFinalizingUpdate},
	}

	for _, s := range states {
		t.Run(s.State.String(), func(t *testing.T) {
			dev, _, _ := newDevice()
			dev.SetState(s)

			st := Load(dev)
			if st.Kind() != s.State {
				t.Fatalf("Load().Kind() = %s, want %s", st.Kind(), s.State)
			}
			st.Bail(context.Background())

			if got := dev.State(); got != (cfu.InternalState{State: cfu.StateIdle}) {
				t.Errorf("state after bail = %+v, want idle", got)
			}
		})
	}
}

func TestStaleHandleRejected(t *testing.T) {
	ctx := context.Background()
	dev, ready, _ := readyDevice(t)

	if _, err := ready.AcceptOffer(ctx); err != nil {
		t.Fatalf("AcceptOffer() error = %v", err)
	}
	// ready is now stale.
	if _, err := ready.AcceptOffer(ctx); !errors.Is(err, cfu.ErrStateMismatch) {
		t.Errorf("AcceptOffer() on stale handle error = %v, want ErrStateMismatch", err)
	}
	if got := dev.State().State; got != cfu.StateBusy {
		t.Errorf("state = %s, want busy", got)
	}
}
