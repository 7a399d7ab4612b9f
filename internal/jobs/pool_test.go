package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsJobs(t *testing.T) {
	p := NewPool(2, 16)
	defer p.Stop(time.Second)

	var ran int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		p.Enqueue(Job{Name: "work", Run: func(ctx context.Context) {
			atomic.AddInt32(&ran, 1)
			wg.Done()
		}})
	}
	wg.Wait()
	if atomic.LoadInt32(&ran) != 10 {
		t.Fatalf("expected 10 jobs to run, got %d", ran)
	}
}

func TestPoolDropsOldestOnOverflow(t *testing.T) {
	p := NewPool(1, 2)
	defer p.Stop(time.Second)

	block := make(chan struct{})
	started := make(chan struct{})
	p.Enqueue(Job{Name: "blocker", Run: func(ctx context.Context) {
		close(started)
		<-block
	}})
	<-started

	var ranMu sync.Mutex
	ran := map[string]bool{}
	mark := func(name string) func(context.Context) {
		return func(ctx context.Context) {
			ranMu.Lock()
			ran[name] = true
			ranMu.Unlock()
		}
	}

	// Fill the queue, then overflow it: "first" is the oldest queued job
	// and must be the one dropped.
	p.Enqueue(Job{Name: "first", Run: mark("first")})
	p.Enqueue(Job{Name: "second", Run: mark("second")})
	p.Enqueue(Job{Name: "third", Run: mark("third")})

	close(block)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ranMu.Lock()
		done := ran["second"] && ran["third"]
		ranMu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	ranMu.Lock()
	defer ranMu.Unlock()
	if !ran["second"] || !ran["third"] {
		t.Fatalf("expected the newer jobs to survive, ran: %v", ran)
	}
	if ran["first"] {
		t.Fatalf("expected the oldest queued job to be dropped, ran: %v", ran)
	}
}

func TestPoolStopDrainsQueue(t *testing.T) {
	p := NewPool(1, 16)

	var ran int32
	for i := 0; i < 5; i++ {
		p.Enqueue(Job{Name: "work", Run: func(ctx context.Context) {
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&ran, 1)
		}})
	}

	p.Stop(5 * time.Second)
	if got := atomic.LoadInt32(&ran); got != 5 {
		t.Fatalf("expected queued jobs drained on stop, got %d of 5", got)
	}
}

func TestPoolRejectsAfterStop(t *testing.T) {
	p := NewPool(1, 4)
	p.Stop(time.Second)

	ran := make(chan struct{}, 1)
	p.Enqueue(Job{Name: "late", Run: func(ctx context.Context) { ran <- struct{}{} }})

	select {
	case <-ran:
		t.Fatalf("job enqueued after Stop must not run")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPoolStopCancelsStuckJobs(t *testing.T) {
	p := NewPool(1, 4)

	observed := make(chan struct{})
	p.Enqueue(Job{Name: "stuck", Run: func(ctx context.Context) {
		<-ctx.Done()
		close(observed)
	}})

	done := make(chan struct{})
	go func() {
		p.Stop(50 * time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not escalate to cancellation")
	}
	<-observed
}
