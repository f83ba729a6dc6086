package deferred

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// echo answers every request with its payload doubled until ctx ends.
func echo(ctx context.Context, c *Channel[int, int]) {
	for {
		r, err := c.Receive(ctx)
		if err != nil {
			return
		}
		_ = r.Respond(r.Data * 2)
	}
}

func TestExecute(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := New[int, int](4)
	go echo(ctx, c)

	got, err := c.Execute(ctx, 21)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got != 42 {
		t.Errorf("Execute() = %d, want 42", got)
	}
	if n := c.Pending(); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}
}

func TestExecuteConcurrentCallersGetOwnAnswers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := New[int, int](2)
	go echo(ctx, c)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := c.Execute(ctx, n)
			if err != nil {
				errs <- err
				return
			}
			if got != n*2 {
				errs <- errors.New("mismatched answer")
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestReceiveIsFIFO(t *testing.T) {
	ctx := context.Background()
	c := New[int, int](4)

	for i := 1; i <= 3; i++ {
		if _, err := c.Send(ctx, i); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
	}

	for want := 1; want <= 3; want++ {
		r, err := c.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
		if r.Data != want {
			t.Errorf("Receive() = %d, want %d", r.Data, want)
		}
	}
}

func TestWaitResponseOutOfOrder(t *testing.T) {
	ctx := context.Background()
	c := New[string, string](4)

	idA, err := c.Send(ctx, "a")
	if err != nil {
		t.Fatalf("Send(a) error = %v", err)
	}
	idB, err := c.Send(ctx, "b")
	if err != nil {
		t.Fatalf("Send(b) error = %v", err)
	}

	ra, _ := c.Receive(ctx)
	rb, _ := c.Receive(ctx)

	// Answer B before A.
	if err := rb.Respond("B"); err != nil {
		t.Fatalf("Respond(B) error = %v", err)
	}
	if err := ra.Respond("A"); err != nil {
		t.Fatalf("Respond(A) error = %v", err)
	}

	got, err := c.WaitResponse(ctx, idA)
	if err != nil || got != "A" {
		t.Errorf("WaitResponse(a) = %q, %v; want A", got, err)
	}
	got, err = c.WaitResponse(ctx, idB)
	if err != nil || got != "B" {
		t.Errorf("WaitResponse(b) = %q, %v; want B", got, err)
	}
	if n := c.Pending(); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}
}

func TestWaitAnyCompletionOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := New[int, int](4)
	id1, _ := c.Send(ctx, 1)
	id2, _ := c.Send(ctx, 2)

	r1, _ := c.Receive(ctx)
	r2, _ := c.Receive(ctx)
	_ = r2.Respond(20)
	_ = r1.Respond(10)

	id, resp, err := c.WaitAny(ctx)
	if err != nil {
		t.Fatalf("WaitAny() error = %v", err)
	}
	if id != id2 || resp != 20 {
		t.Errorf("WaitAny() = (%d, %d), want (%d, 20)", id, resp, id2)
	}

	id, resp, err = c.WaitAny(ctx)
	if err != nil {
		t.Fatalf("WaitAny() error = %v", err)
	}
	if id != id1 || resp != 10 {
		t.Errorf("WaitAny() = (%d, %d), want (%d, 10)", id, resp, id1)
	}
}

func TestWaitAnyBlocksUntilAnswer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := New[int, int](1)
	id, _ := c.Send(ctx, 7)

	go func() {
		r, err := c.Receive(ctx)
		if err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
		_ = r.Respond(70)
	}()

	got, resp, err := c.WaitAny(ctx)
	if err != nil {
		t.Fatalf("WaitAny() error = %v", err)
	}
	if got != id || resp != 70 {
		t.Errorf("WaitAny() = (%d, %d), want (%d, 70)", got, resp, id)
	}
}

func TestWaitResponseAndWaitAnyShareOneAnswer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for run := 0; run < 100; run++ {
		c := New[int, int](1)
		id, _ := c.Send(ctx, 21)

		anyCtx, stopAny := context.WithCancel(ctx)
		byID := make(chan error, 1)
		byAny := make(chan error, 1)
		var delivered sync.Map

		go func() {
			resp, err := c.WaitResponse(ctx, id)
			if err == nil {
				delivered.Store("by id", resp)
			}
			byID <- err
		}()
		go func() {
			got, resp, err := c.WaitAny(anyCtx)
			if err == nil && got == id {
				delivered.Store("any", resp)
			}
			byAny <- err
		}()

		r, err := c.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
		_ = r.Respond(42)

		switch err := <-byID; {
		case err == nil:
			// WaitAny lost the race and must keep waiting.
			stopAny()
			if err := <-byAny; !errors.Is(err, context.Canceled) {
				t.Fatalf("run %d: WaitAny() error = %v, want context.Canceled", run, err)
			}
		case errors.Is(err, ErrUnknownRequest):
			if err := <-byAny; err != nil {
				t.Fatalf("run %d: WaitAny() error = %v", run, err)
			}
		default:
			t.Fatalf("run %d: WaitResponse() error = %v", run, err)
		}
		stopAny()

		n := 0
		delivered.Range(func(_, v any) bool {
			n++
			if v.(int) != 42 {
				t.Errorf("run %d: delivered %v, want 42", run, v)
			}
			return true
		})
		if n != 1 {
			t.Fatalf("run %d: answer delivered %d times, want 1", run, n)
		}
		if p := c.Pending(); p != 0 {
			t.Fatalf("run %d: Pending() = %d, want 0", run, p)
		}
	}
}

func TestRespondTwice(t *testing.T) {
	ctx := context.Background()
	c := New[int, int](1)
	_, _ = c.Send(ctx, 1)
	r, _ := c.Receive(ctx)

	if err := r.Respond(1); err != nil {
		t.Fatalf("first Respond() error = %v", err)
	}
	if err := r.Respond(2); !errors.Is(err, ErrAlreadyResponded) {
		t.Errorf("second Respond() error = %v, want ErrAlreadyResponded", err)
	}
}

func TestAbandonedExecuteReleasesSlot(t *testing.T) {
	c := New[int, int](1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Execute(ctx, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Execute() error = %v, want DeadlineExceeded", err)
	}
	if n := c.Pending(); n != 0 {
		t.Errorf("Pending() = %d, want 0 after abandon", n)
	}

	// The consumer still sees the request; its late answer is dropped.
	r, err := c.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if err := r.Respond(2); err != nil {
		t.Errorf("Respond() to abandoned request error = %v", err)
	}
	if n := c.Pending(); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}
}

func TestFullQueueBlocksSubmitter(t *testing.T) {
	c := New[int, int](1)
	if _, err := c.Send(context.Background(), 1); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Send(ctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send() on full queue error = %v, want DeadlineExceeded", err)
	}
	if n := c.Pending(); n != 1 {
		t.Errorf("Pending() = %d, want 1", n)
	}
}

func TestWaitResponseUnknown(t *testing.T) {
	c := New[int, int](1)
	if _, err := c.WaitResponse(context.Background(), 99); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("WaitResponse(99) error = %v, want ErrUnknownRequest", err)
	}
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	c := New[int, int](1)
	id, _ := c.Send(ctx, 1)
	c.Forget(id)

	r, _ := c.Receive(ctx)
	_ = r.Respond(1)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, _, err := c.WaitAny(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitAny() after Forget error = %v, want DeadlineExceeded", err)
	}
}
