package program

import (
	"context"
	"fmt"
	"sync"

	"github.com/tanq16/pullstream/internal/progress"
)

const (
	KindStream = "stream"
	KindChunks = "chunks"
)

// Slice is a range of chunk indices [Start, End) handed to one concurrent fetch. Only Start is
// claimed when the slice is issued; the fetch claims each following chunk as it reaches it
// and stops at the first one it cannot claim, so a later slice may take over its tail.
type Slice struct {
	Start int
	End   int
}

func (s Slice) Len() int {
	return s.End - s.Start
}

// Source gives a program read access to the chunk map it schedules over. The owner of the
// map stays the only writer of chunk statuses; TryClaim is the single mutation a program makes.
type Source interface {
	Chunks() []progress.ChunkStatus
	TryClaim(index int) bool
	ParallelStreams() int
	SetParallelStreams(n int)
}

// SliceFunc downloads one slice. Its context is cancelled when the run fails or is aborted.
type SliceFunc func(ctx context.Context, slice Slice) error

type Program interface {
	SelectNextSlice(chunks []progress.ChunkStatus) (Slice, bool)
	Run(ctx context.Context, fn SliceFunc) error
	SetParallelStreams(n int)
	Abort()
}

// New returns the program registered under kind. An empty kind selects the stream program.
func New(kind string, src Source) (Program, error) {
	switch kind {
	case "", KindStream:
		return NewStream(src), nil
	case KindChunks:
		return NewChunks(src), nil
	default:
		return nil, fmt.Errorf("unknown download program %q", kind)
	}
}

// driver is the dispatch loop shared by every program.
type driver struct {
	src       Source
	selectFn  func([]progress.ChunkStatus) (Slice, bool)
	wake      chan struct{}
	abort     chan struct{}
	abortOnce sync.Once
}

func newDriver(src Source, selectFn func([]progress.ChunkStatus) (Slice, bool)) driver {
	return driver{
		src:      src,
		selectFn: selectFn,
		wake:     make(chan struct{}, 1),
		abort:    make(chan struct{}),
	}
}

// SetParallelStreams updates the concurrency limit. Raising it wakes a Run that is blocked
// on a full active set, so new slices start right away.
func (d *driver) SetParallelStreams(n int) {
	n = max(n, 1)
	old := d.src.ParallelStreams()
	d.src.SetParallelStreams(n)
	if n > old {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
}

// Abort stops Run from issuing new slices. Run returns nil without waiting for slices in flight.
func (d *driver) Abort() {
	d.abortOnce.Do(func() { close(d.abort) })
}

func (d *driver) aborted() bool {
	select {
	case <-d.abort:
		return true
	default:
		return false
	}
}

func (d *driver) next() (Slice, bool) {
	chunks := d.src.Chunks()
	if d.src.ParallelStreams() == 1 {
		return sequentialSlice(chunks)
	}
	return d.selectFn(chunks)
}

func (d *driver) Run(ctx context.Context, fn SliceFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	finished := make(chan struct{})
	defer close(finished)
	results := make(chan error)

	active := 0
	drain := func() {
		for ; active > 0; active-- {
			<-results
		}
	}
	for {
		if d.aborted() {
			return nil
		}
		for active < d.src.ParallelStreams() {
			slice, ok := d.next()
			if !ok {
				break
			}
			// A running slice reached this chunk after the snapshot; select again.
			if !d.src.TryClaim(slice.Start) {
				continue
			}
			active++
			go func(slice Slice) {
				err := fn(ctx, slice)
				select {
				case results <- err:
				case <-finished:
				}
			}(slice)
		}
		if active == 0 {
			return nil
		}
		select {
		case err := <-results:
			active--
			if err != nil {
				cancel()
				drain()
				return err
			}
		case <-d.wake:
		case <-d.abort:
			cancel()
			return nil
		case <-ctx.Done():
			drain()
			return ctx.Err()
		}
	}
}

// sequentialSlice is the first gap. Running alone, the slice covers everything up to the
// next chunk that is already complete.
func sequentialSlice(chunks []progress.ChunkStatus) (Slice, bool) {
	gaps := Gaps(chunks)
	if len(gaps) == 0 {
		return Slice{}, false
	}
	return gaps[0], true
}
