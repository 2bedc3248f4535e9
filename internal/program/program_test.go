package program

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tanq16/pullstream/internal/progress"
)

const (
	C = progress.Complete
	N = progress.NotStarted
)

type fakeSource struct {
	mu       sync.Mutex
	chunks   []progress.ChunkStatus
	parallel int
	// done counts completions per chunk; owner records the slice start that completed it.
	done    map[int]int
	owner   map[int]int
	onClaim func(index int)
}

func newFakeSource(parallel int, chunks ...progress.ChunkStatus) *fakeSource {
	return &fakeSource{chunks: chunks, parallel: parallel, done: map[int]int{}, owner: map[int]int{}}
}

func (f *fakeSource) Chunks() []progress.ChunkStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]progress.ChunkStatus(nil), f.chunks...)
}

func (f *fakeSource) TryClaim(index int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onClaim != nil {
		hook := f.onClaim
		f.onClaim = nil
		hook(index)
	}
	if index < 0 || index >= len(f.chunks) || f.chunks[index] != N {
		return false
	}
	f.chunks[index] = progress.InProgress
	return true
}

// walk reads a slice the way a fetch does: the first chunk is already owned, every later
// chunk is claimed on arrival and the walk stops at the first one it cannot claim.
func (f *fakeSource) walk(s Slice) {
	for i := s.Start; ; i++ {
		f.mu.Lock()
		f.chunks[i] = C
		f.done[i]++
		f.owner[i] = s.Start
		f.mu.Unlock()
		if i+1 >= s.End || !f.TryClaim(i+1) {
			return
		}
	}
}

func (f *fakeSource) assertEachChunkOnce(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, status := range f.chunks {
		if status != C {
			t.Errorf("chunk %d not complete", i)
		}
		if f.done[i] != 1 {
			t.Errorf("chunk %d completed %d times", i, f.done[i])
		}
	}
}

func (f *fakeSource) ParallelStreams() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.parallel
}

func (f *fakeSource) SetParallelStreams(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parallel = n
}

func TestStreamSelectsSecondHalfOfLargestGap(t *testing.T) {
	src := newFakeSource(2, C, C, N, N, N, N, C, N, N)
	p := NewStream(src)
	slice, ok := p.SelectNextSlice(src.Chunks())
	if !ok {
		t.Fatal("expected a slice")
	}
	if slice != (Slice{Start: 4, End: 6}) {
		t.Fatalf("got %+v, want {4 6}", slice)
	}

	if !src.TryClaim(slice.Start) {
		t.Fatal("first chunk of a fresh slice should be claimable")
	}
	assertGaps(t, Gaps(src.Chunks()), []Slice{{Start: 2, End: 4}, {Start: 5, End: 6}, {Start: 7, End: 9}})

	// Reading on into chunk 5 takes it out of the gaps.
	src.mu.Lock()
	src.chunks[4] = C
	src.mu.Unlock()
	if !src.TryClaim(5) {
		t.Fatal("expected to claim chunk 5")
	}
	assertGaps(t, Gaps(src.Chunks()), []Slice{{Start: 2, End: 4}, {Start: 7, End: 9}})
	if src.TryClaim(5) {
		t.Error("a claimed chunk must not be claimed twice")
	}
}

func assertGaps(t *testing.T, got, want []Slice) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got gaps %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("gap %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestStreamTieKeepsLeftmostGap(t *testing.T) {
	p := NewStream(newFakeSource(2))
	slice, ok := p.SelectNextSlice([]progress.ChunkStatus{N, N, C, N, N})
	if !ok || slice != (Slice{Start: 1, End: 2}) {
		t.Fatalf("got %+v (%v), want {1 2}", slice, ok)
	}
	if _, ok := p.SelectNextSlice([]progress.ChunkStatus{C, progress.InProgress}); ok {
		t.Fatal("no slice expected when nothing is not-started")
	}
}

func TestChunksSelectsLeftmost(t *testing.T) {
	p := NewChunks(newFakeSource(2))
	slice, ok := p.SelectNextSlice([]progress.ChunkStatus{C, progress.InProgress, N, N})
	if !ok || slice != (Slice{Start: 2, End: 3}) {
		t.Fatalf("got %+v (%v), want {2 3}", slice, ok)
	}
}

func TestNewKinds(t *testing.T) {
	src := newFakeSource(1)
	if p, err := New("", src); err != nil {
		t.Fatalf("New: %v", err)
	} else if _, ok := p.(*Stream); !ok {
		t.Errorf("default program should be stream, got %T", p)
	}
	if p, err := New(KindChunks, src); err != nil {
		t.Fatalf("New: %v", err)
	} else if _, ok := p.(*Chunks); !ok {
		t.Errorf("expected chunks program, got %T", p)
	}
	if _, err := New("bogus", src); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestSingleStreamRunsSequentialSlices(t *testing.T) {
	src := newFakeSource(1, N, N, C, N)
	var slices []Slice
	err := NewStream(src).Run(context.Background(), func(ctx context.Context, s Slice) error {
		slices = append(slices, s)
		src.walk(s)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []Slice{{Start: 0, End: 2}, {Start: 3, End: 4}}
	if len(slices) != len(want) || slices[0] != want[0] || slices[1] != want[1] {
		t.Fatalf("got slices %+v, want %+v", slices, want)
	}
}

func TestSingleStreamResumesFromFirstGap(t *testing.T) {
	src := newFakeSource(1, C, N, N)
	var slices []Slice
	err := NewStream(src).Run(context.Background(), func(ctx context.Context, s Slice) error {
		slices = append(slices, s)
		src.walk(s)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(slices) != 1 || slices[0] != (Slice{Start: 1, End: 3}) {
		t.Fatalf("got slices %+v, want one {1 3}", slices)
	}
}

func TestRunRespectsParallelLimit(t *testing.T) {
	chunks := make([]progress.ChunkStatus, 10)
	src := newFakeSource(4, chunks...)

	var active, peak, calls atomic.Int32
	var started sync.WaitGroup
	started.Add(4)
	var mu sync.Mutex
	var first []Slice
	err := NewStream(src).Run(context.Background(), func(ctx context.Context, s Slice) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if calls.Add(1) <= 4 {
			mu.Lock()
			first = append(first, s)
			mu.Unlock()
			started.Done()
		}
		started.Wait()
		active.Add(-1)
		src.walk(s)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if peak.Load() != 4 {
		t.Fatalf("expected peak concurrency 4, got %d", peak.Load())
	}
	want := map[Slice]bool{{Start: 5, End: 10}: true, {Start: 2, End: 5}: true, {Start: 8, End: 10}: true, {Start: 1, End: 2}: true}
	for _, s := range first {
		if !want[s] {
			t.Errorf("unexpected opening slice %+v, want one of %v", s, want)
		}
	}
	if src.owner[8] != 8 || src.owner[5] != 5 {
		t.Errorf("slice [5,10) should stop where [8,10) began, owners %v", src.owner)
	}
	src.assertEachChunkOnce(t)
}

func TestRunReselectsWhenChunkWasReached(t *testing.T) {
	src := newFakeSource(2, N, N, N, N)
	// A running slice reaches chunk 2 between the snapshot and the claim.
	src.onClaim = func(index int) { src.chunks[index] = progress.InProgress }
	var mu sync.Mutex
	var slices []Slice
	err := NewStream(src).Run(context.Background(), func(ctx context.Context, s Slice) error {
		mu.Lock()
		slices = append(slices, s)
		mu.Unlock()
		src.walk(s)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	reselected := false
	for _, s := range slices {
		if s.Start == 2 {
			t.Errorf("slice %+v started on a chunk it could not claim", s)
		}
		reselected = reselected || s == (Slice{Start: 1, End: 2})
	}
	if !reselected {
		t.Fatalf("expected the bisection of the remaining gap {0 2}, got %+v", slices)
	}
}

func TestChunksRaisingParallelismStartsSlice(t *testing.T) {
	src := newFakeSource(2, N, N, N, N)
	p := NewChunks(src)
	release := make(chan struct{})
	started := make(chan Slice, 4)

	done := make(chan error, 1)
	go func() {
		done <- p.Run(context.Background(), func(ctx context.Context, s Slice) error {
			started <- s
			<-release
			src.walk(s)
			return nil
		})
	}()

	for range 2 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("initial slices did not start")
		}
	}
	p.SetParallelStreams(3)
	select {
	case s := <-started:
		if s != (Slice{Start: 2, End: 3}) {
			t.Errorf("unexpected third slice %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("raising parallel streams did not start a new slice")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	src.assertEachChunkOnce(t)
}

func TestStreamRaisingParallelismSplitsRunningSlice(t *testing.T) {
	src := newFakeSource(2, N, N, N, N, N, N, N, N)
	p := NewStream(src)
	release := make(chan struct{})
	started := make(chan Slice, 8)

	done := make(chan error, 1)
	go func() {
		done <- p.Run(context.Background(), func(ctx context.Context, s Slice) error {
			started <- s
			<-release
			src.walk(s)
			return nil
		})
	}()

	opening := map[Slice]bool{}
	for range 2 {
		select {
		case s := <-started:
			opening[s] = true
		case <-time.After(2 * time.Second):
			t.Fatal("initial slices did not start")
		}
	}
	if !opening[Slice{Start: 4, End: 8}] || !opening[Slice{Start: 2, End: 4}] {
		t.Fatalf("unexpected opening slices %v", opening)
	}

	// Both running slices already own their first chunk; the unread tail of [4,8) is still a gap.
	p.SetParallelStreams(3)
	select {
	case s := <-started:
		if s != (Slice{Start: 6, End: 8}) {
			t.Errorf("unexpected third slice %+v, want {6 8}", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("raising parallel streams did not start a new slice")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if src.owner[4] != 4 || src.owner[6] != 6 {
		t.Errorf("slice [4,8) should stop before chunk 6, owners %v", src.owner)
	}
	src.assertEachChunkOnce(t)
}

func TestRunReturnsFirstError(t *testing.T) {
	src := newFakeSource(2, N, N, N, N)
	boom := errors.New("boom")
	err := NewChunks(src).Run(context.Background(), func(ctx context.Context, s Slice) error {
		if s.Start == 0 {
			return boom
		}
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestAbortReturnsWithoutWaiting(t *testing.T) {
	src := newFakeSource(2, N, N, N, N)
	p := NewStream(src)
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{}, 2)

	done := make(chan error, 1)
	go func() {
		done <- p.Run(context.Background(), func(ctx context.Context, s Slice) error {
			started <- struct{}{}
			<-release
			return nil
		})
	}()
	<-started
	p.Abort()
	p.Abort()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("abort should not surface an error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Abort")
	}
}
