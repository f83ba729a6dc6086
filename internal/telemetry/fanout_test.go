package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu"
	"github.com/nerrad567/gray-logic-cfu/internal/history"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) StateChanged(_ cfu.ComponentID, _, to cfu.InternalState) {
	s.mu.Lock()
	s.events = append(s.events, "state:"+to.State.String())
	s.mu.Unlock()
}

func (s *recordingSink) Notified(_ cfu.ComponentID, resp cfu.InternalResponseData) {
	s.mu.Lock()
	s.events = append(s.events, "notify:"+cfu.ResponseKind(resp))
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

type countingLogger struct {
	mu    sync.Mutex
	warns int
}

func (l *countingLogger) Warn(string, ...any) {
	l.mu.Lock()
	l.warns++
	l.mu.Unlock()
}

func TestFanoutDeliversInOrder(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	f := NewFanout(8, a, nil)
	f.Add(nil)
	f.Add(b)
	if len(f.sinks) != 2 {
		t.Fatalf("sinks = %d, want 2", len(f.sinks))
	}

	f.StateChanged(1, cfu.InternalState{State: cfu.StateIdle}, cfu.InternalState{State: cfu.StateReady})
	f.Notified(1, cfu.ComponentPrepared{})
	f.StateChanged(1, cfu.InternalState{State: cfu.StateReady}, cfu.InternalState{State: cfu.StateBusy})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A cancelled Run still flushes what is queued.
	if err := f.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{"state:ready", "notify:component_prepared", "state:busy"}
	for _, s := range []*recordingSink{a, b} {
		got := s.snapshot()
		if len(got) != len(want) {
			t.Fatalf("events = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("events[%d] = %q, want %q", i, got[i], want[i])
			}
		}
	}
}

func TestFanoutDropsWhenFull(t *testing.T) {
	sink := &recordingSink{}
	logger := &countingLogger{}
	f := NewFanout(1, sink)
	f.SetLogger(logger)

	f.Notified(2, cfu.ComponentBusy{})
	f.Notified(2, cfu.ComponentBusy{})

	if logger.warns != 1 {
		t.Errorf("warns = %d, want 1", logger.warns)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = f.Run(ctx)
	if got := sink.snapshot(); len(got) != 1 {
		t.Errorf("delivered %d events, want 1", len(got))
	}
}

func TestFanoutRunLive(t *testing.T) {
	sink := &recordingSink{}
	f := NewFanout(0, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.Run(ctx)
		close(done)
	}()

	f.Notified(3, cfu.ComponentPrepared{})

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event not delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

type fakeRepo struct {
	mu      sync.Mutex
	entries []history.Entry
	err     error
}

func (r *fakeRepo) Record(_ context.Context, e history.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, e)
	return nil
}

func (r *fakeRepo) GetHistory(context.Context, cfu.ComponentID, history.Query) ([]history.Entry, error) {
	return nil, nil
}

func (r *fakeRepo) PruneHistory(context.Context, time.Duration) (int64, error) { return 0, nil }

func TestHistorySink(t *testing.T) {
	repo := &fakeRepo{}
	s := NewHistorySink(repo, nil)

	s.StateChanged(5, cfu.InternalState{State: cfu.StateBusy}, cfu.InternalState{State: cfu.StateFinalizingUpdate})
	s.Notified(5, cfu.ComponentPrepared{})

	if len(repo.entries) != 2 {
		t.Fatalf("recorded %d entries, want 2", len(repo.entries))
	}
	if e := repo.entries[0]; e.Kind != history.KindTransition || e.To != "finalizing_update" {
		t.Errorf("transition entry = %+v", e)
	}
	if e := repo.entries[1]; e.Kind != history.KindNotification {
		t.Errorf("notification entry = %+v", e)
	}

	logger := &countingLogger{}
	repo.err = errors.New("disk full")
	NewHistorySink(repo, logger).Notified(5, cfu.ComponentBusy{})
	if logger.warns != 1 {
		t.Errorf("warns = %d, want 1 on record failure", logger.warns)
	}
}

type fakeWriter struct {
	transitions   []string
	notifications []string
}

func (w *fakeWriter) WriteTransition(_ uint8, from, to string, _ bool) {
	w.transitions = append(w.transitions, from+">"+to)
}

func (w *fakeWriter) WriteNotification(_ uint8, kind string) {
	w.notifications = append(w.notifications, kind)
}

func TestInfluxSink(t *testing.T) {
	w := &fakeWriter{}
	s := NewInfluxSink(w)

	s.StateChanged(1, cfu.InternalState{State: cfu.StateReady}, cfu.InternalState{State: cfu.StateBusy})
	s.Notified(1, cfu.ComponentPrepared{})

	if len(w.transitions) != 1 || w.transitions[0] != "ready>busy" {
		t.Errorf("transitions = %v", w.transitions)
	}
	if len(w.notifications) != 1 || w.notifications[0] != "component_prepared" {
		t.Errorf("notifications = %v", w.notifications)
	}
}
