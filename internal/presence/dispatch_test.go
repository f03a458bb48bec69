package presence

import (
	"context"
	"testing"
	"time"

	"person_location/internal/queue"
)

// fullQueue returns a started single-worker queue whose worker and buffer are
// both occupied until release is closed.
func fullQueue(t *testing.T) (*queue.Queue, chan struct{}) {
	t.Helper()
	q := queue.New(1, 1, 10*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q.Start(ctx)

	release := make(chan struct{})
	busy := make(chan struct{})
	block := func(context.Context) error { <-release; return nil }
	if !q.Enqueue(queue.Job{ID: "busy", Source: "test", Work: func(ctx context.Context) error { close(busy); return block(ctx) }}) {
		t.Fatalf("expected first job queued")
	}
	<-busy
	if !q.Enqueue(queue.Job{ID: "filler", Source: "test", Work: block}) {
		t.Fatalf("expected filler job queued")
	}
	return q, release
}

func TestDispatchWaitsForRoomInFullQueue(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	q, release := fullQueue(t)
	h.i.queue = q

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()
	ran := make(chan struct{})
	h.i.dispatch("trigger", target, func(context.Context) error { close(ran); return nil })

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected job to run once the queue drained")
	}
	if got := q.Stats().Processed; got < 2 {
		t.Fatalf("expected queued jobs processed first, got %d", got)
	}
}

func TestDispatchRunsInlineWhenQueueStaysFull(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	q, release := fullQueue(t)
	defer close(release)
	h.i.queue = q

	ran := false
	h.i.dispatch("trigger", target, func(context.Context) error { ran = true; return nil })
	if !ran {
		t.Fatalf("expected job run inline after the enqueue window")
	}
}
