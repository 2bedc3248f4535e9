package parallel

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeTarget struct {
	mu sync.Mutex
	n  int
}

func (f *fakeTarget) ParallelStreams() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func (f *fakeTarget) SetParallelStreams(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n = n
}

// feeder drives a controller with one sample per simulated second.
type feeder struct {
	c     *Controller
	now   time.Time
	bytes int64
}

func newFeeder(c *Controller) *feeder {
	f := &feeder{c: c, now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c.Observe(f.now, 0, true)
	return f
}

func (f *feeder) run(seconds int, rate int64) {
	for range seconds {
		f.now = f.now.Add(time.Second)
		f.bytes += rate
		f.c.Observe(f.now, f.bytes, true)
	}
}

func (f *feeder) idle(seconds int) {
	for range seconds {
		f.now = f.now.Add(time.Second)
		f.c.Observe(f.now, f.bytes, false)
	}
}

func TestFlatSpeedTriesAndRevertsStream(t *testing.T) {
	target := &fakeTarget{n: 3}
	f := newFeeder(NewController(target, DefaultOptions()))

	f.run(8, 1000)
	if target.ParallelStreams() != 3 {
		t.Fatalf("first window only sets the baseline, got %d streams", target.ParallelStreams())
	}
	f.run(8, 1000)
	if target.ParallelStreams() != 4 || !f.c.Pending() {
		t.Fatalf("flat speed should start an experiment, got %d streams", target.ParallelStreams())
	}
	f.run(8, 1050)
	if target.ParallelStreams() != 3 {
		t.Fatalf("an increase below the margin should be reverted, got %d streams", target.ParallelStreams())
	}
	if f.c.Pending() {
		t.Error("experiment should be finished")
	}
}

func TestExperimentKeptWhenFaster(t *testing.T) {
	target := &fakeTarget{n: 2}
	f := newFeeder(NewController(target, DefaultOptions()))
	f.run(16, 1000)
	if target.ParallelStreams() != 3 {
		t.Fatalf("expected experiment, got %d streams", target.ParallelStreams())
	}
	f.run(8, 1500)
	if target.ParallelStreams() != 3 {
		t.Fatalf("faster experiment should be kept, got %d streams", target.ParallelStreams())
	}
}

func TestRegressionKeepsBaseline(t *testing.T) {
	target := &fakeTarget{n: 3}
	f := newFeeder(NewController(target, DefaultOptions()))
	f.run(8, 1000)
	f.run(8, 500)
	f.run(8, 500)
	if target.ParallelStreams() != 3 {
		t.Fatalf("regression must not change streams, got %d", target.ParallelStreams())
	}
	if f.c.Pending() {
		t.Fatal("regression must not start an experiment")
	}
}

func TestPausedTimeIsExcluded(t *testing.T) {
	target := &fakeTarget{n: 3}
	f := newFeeder(NewController(target, DefaultOptions()))
	f.run(8, 1000)
	f.run(4, 1000)
	f.idle(90)
	f.c.Observe(f.now, f.bytes, true)
	f.run(3, 1000)
	if target.ParallelStreams() != 3 {
		t.Fatal("evaluation ran before a full window of active time")
	}
	f.run(1, 1000)
	if target.ParallelStreams() != 4 {
		t.Fatalf("pause should not read as a slowdown, got %d streams", target.ParallelStreams())
	}
}

func TestMaxStreamsCapsExperiments(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxStreams = 2
	target := &fakeTarget{n: 2}
	f := newFeeder(NewController(target, opts))
	f.run(24, 1000)
	if target.ParallelStreams() != 2 || f.c.Pending() {
		t.Fatalf("expected no experiment at the cap, got %d streams", target.ParallelStreams())
	}
}

func TestRunStopsWithContext(t *testing.T) {
	opts := DefaultOptions()
	opts.BaseInterval = 5 * time.Millisecond
	c := NewController(&fakeTarget{n: 1}, opts)
	ctx, cancel := context.WithCancel(context.Background())
	calls := make(chan struct{}, 100)
	done := make(chan struct{})
	go func() {
		c.Run(ctx, func() (int64, bool) {
			calls <- struct{}{}
			return 0, true
		})
		close(done)
	}()
	<-calls
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
