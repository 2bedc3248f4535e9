package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tanq16/pullstream/internal/fetch"
	"github.com/tanq16/pullstream/internal/parallel"
	"github.com/tanq16/pullstream/internal/program"
	"github.com/tanq16/pullstream/internal/progress"
	"github.com/tanq16/pullstream/internal/types"
	"github.com/tanq16/pullstream/internal/utils"
	"github.com/tanq16/pullstream/internal/write"
)

var (
	ErrInvalidOptions     = errors.New("engine: invalid options")
	ErrAlreadyDownloading = errors.New("engine: download already in progress")
	ErrNoEngine           = errors.New("engine: no download added")
	ErrIncomplete         = errors.New("engine: part finished with missing chunks")
	ErrClosed             = errors.New("engine: closed")

	// errSliceTaken ends a slice whose next chunk was handed to a later slice.
	errSliceTaken = errors.New("engine: slice reached a chunk owned by another slice")
)

type Options struct {
	File            *types.DownloadFile
	Fetch           *fetch.Stream
	Writer          write.Stream
	ChunkSize       int64
	ParallelStreams int
	Program         string
	// SaveProgress persists the resume state. Calls never overlap.
	SaveProgress func(ctx context.Context, info *progress.SaveProgressInfo) error
	// OnFinished runs after the sink is truncated and the finished event is emitted.
	OnFinished      func(ctx context.Context) error
	Comment         string
	TransferAction  string
	Adaptive        bool
	ParallelOptions parallel.Options
}

// Engine downloads one file part by part, running a program of concurrent slices for each.
type Engine struct {
	id      string
	opts    Options
	file    *types.DownloadFile
	fetch   *fetch.Stream
	writer  write.Stream
	tracker *progress.Tracker
	emitter

	mu        sync.Mutex
	status    DownloadStatus
	program   program.Program
	cancel    context.CancelFunc
	startTime time.Time
	endTime   time.Time
	err       error
	closed    bool

	saveMu    sync.Mutex
	slices    sync.WaitGroup
	sliceID   atomic.Int64
	closeOnce sync.Once
	closeErr  error
	log       zerolog.Logger
}

func New(opts Options) (*Engine, error) {
	if opts.File == nil || len(opts.File.Parts) == 0 {
		return nil, fmt.Errorf("%w: no file parts", ErrInvalidOptions)
	}
	if opts.Fetch == nil {
		return nil, fmt.Errorf("%w: no fetch stream", ErrInvalidOptions)
	}
	if opts.Writer == nil {
		return nil, fmt.Errorf("%w: no write stream", ErrInvalidOptions)
	}
	switch opts.Program {
	case "", program.KindStream, program.KindChunks:
	default:
		return nil, fmt.Errorf("%w: unknown program %q", ErrInvalidOptions, opts.Program)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = utils.DefaultChunkSize
	}
	if opts.TransferAction == "" {
		opts.TransferAction = "Downloading"
	}
	saved := opts.File.DownloadProgress
	if saved != nil && (saved.Part < 0 || saved.Part >= len(opts.File.Parts)) {
		opts.File.DownloadProgress = nil
		saved = nil
	}
	if opts.ParallelStreams <= 0 {
		opts.ParallelStreams = utils.DefaultParallelStreams
		if saved != nil && saved.ParallelStreams > 0 {
			opts.ParallelStreams = saved.ParallelStreams
		}
	}

	sizes := make([]int64, len(opts.File.Parts))
	for i, part := range opts.File.Parts {
		sizes[i] = part.Size
	}
	id := uuid.New().String()
	e := &Engine{
		id:      id,
		opts:    opts,
		file:    opts.File,
		fetch:   opts.Fetch,
		writer:  opts.Writer,
		tracker: progress.NewTracker(sizes, opts.File.TotalSize, opts.ChunkSize, opts.ParallelStreams),
		log:     utils.GetLogger("engine").With().Str("id", id[:8]).Str("file", opts.File.LocalFileName).Logger(),
	}
	return e, nil
}

func (e *Engine) ID() string {
	return e.id
}

func (e *Engine) File() *types.DownloadFile {
	return e.file
}

// Download runs every remaining part to completion. A download stopped by Close returns nil.
func (e *Engine) Download(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.status == StatusActive || e.status == StatusPaused {
		e.mu.Unlock()
		return ErrAlreadyDownloading
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancel = cancel
	e.status = StatusActive
	e.err = nil
	e.startTime = time.Now()
	e.endTime = time.Time{}
	e.mu.Unlock()

	e.log.Debug().Int64("size", e.file.TotalSize).Int("parts", len(e.file.Parts)).Msg("download started")
	e.emit(EventStart, e.Status())

	if e.opts.Adaptive {
		ctrl := parallel.NewController(e, e.opts.ParallelOptions)
		go ctrl.Run(ctx, e.activity)
	}

	saved := e.file.DownloadProgress
	first := 0
	if saved != nil {
		first = saved.Part
	}
	for part := first; part < len(e.file.Parts); part++ {
		var err error
		if e.file.Parts[part].Size <= 0 {
			err = e.downloadUnbounded(ctx, part)
		} else {
			err = e.downloadPart(ctx, part, saved)
		}
		saved = nil
		if e.isClosed() {
			return nil
		}
		if err != nil {
			return e.fail(err)
		}
	}
	// A Close that lands after the last slice still wins over finishing.
	if e.isClosed() {
		return nil
	}
	e.file.DownloadProgress = nil
	return e.finish(ctx)
}

func (e *Engine) downloadPart(ctx context.Context, part int, saved *progress.SaveProgressInfo) error {
	p := e.file.Parts[part]
	// A part that cannot serve ranges starts over as one sequential slice.
	e.tracker.Reset(part, saved, !p.AcceptRange)
	if e.tracker.AllComplete() {
		return nil
	}
	src := &partSource{tracker: e.tracker, single: !p.AcceptRange}
	prog, err := program.New(e.opts.Program, src)
	if err != nil {
		return err
	}
	if !e.setProgram(prog) {
		return nil
	}
	defer e.setProgram(nil)

	e.log.Debug().Int("part", part).Int64("size", p.Size).Bool("ranges", p.AcceptRange).Msg("part started")
	err = prog.Run(ctx, func(ctx context.Context, slice program.Slice) error {
		return e.downloadSlice(ctx, part, slice)
	})
	if err != nil {
		e.tracker.Release()
		return err
	}
	if e.isClosed() {
		return nil
	}
	if !e.tracker.AllComplete() {
		return fmt.Errorf("%w: part %d", ErrIncomplete, part)
	}
	return nil
}

// downloadUnbounded reads a part of unknown length in one slice and records its size.
func (e *Engine) downloadUnbounded(ctx context.Context, part int) error {
	e.tracker.Reset(part, nil, true)
	if err := e.downloadSlice(ctx, part, program.Slice{}); err != nil {
		return err
	}
	if e.isClosed() {
		return nil
	}
	size := e.tracker.CompleteBytes()
	e.file.Parts[part].Size = size
	e.tracker.SetPartSize(part, size)
	e.log.Debug().Int("part", part).Int64("size", size).Msg("unbounded part finished")
	return nil
}

func (e *Engine) downloadSlice(ctx context.Context, part int, slice program.Slice) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.slices.Add(1)
	e.mu.Unlock()
	defer e.slices.Done()

	id := int(e.sliceID.Add(1))
	defer e.tracker.ClearInFlight(id)

	p := e.file.Parts[part]
	offset := e.file.PartOffset(part)
	stream := e.fetch.WithSubState(fetch.SubState{
		Part:         p,
		StartChunk:   slice.Start,
		EndChunk:     slice.End,
		ChunkSize:    e.tracker.ChunkSize(),
		PartSize:     p.Size,
		RangeSupport: p.AcceptRange,
		OnProgress: func(buffered int64) {
			e.tracker.SetInFlight(id, buffered)
		},
	})
	err := stream.FetchChunks(ctx, func(pieces [][]byte, position int64, index int) error {
		switch e.tracker.Status(index) {
		case progress.Complete:
			// Replayed after a restart from the beginning of a part without ranges.
			return nil
		case progress.NotStarted:
			if !e.tracker.TryClaim(index) {
				return errSliceTaken
			}
		}
		if err := e.writer.Write(offset+position, pieces); err != nil {
			return err
		}
		var size int64
		for _, piece := range pieces {
			size += int64(len(piece))
		}
		e.tracker.SetInFlight(id, 0)
		if !e.tracker.MarkComplete(index, size) {
			return nil
		}
		// The next chunk is claimed before the save so a slice never owns more than one chunk.
		taken := index+1 < slice.End && !e.tracker.TryClaim(index+1)
		if err := e.save(ctx); err != nil {
			return err
		}
		if taken {
			return errSliceTaken
		}
		return nil
	})
	if errors.Is(err, errSliceTaken) {
		return nil
	}
	return err
}

// save persists the chunk map and reports progress. The lock keeps saves from interleaving.
func (e *Engine) save(ctx context.Context) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	info := e.tracker.Info()
	e.file.DownloadProgress = info
	if e.opts.SaveProgress != nil {
		if err := e.opts.SaveProgress(ctx, info); err != nil {
			return fmt.Errorf("error saving progress: %w", err)
		}
	}
	status := e.Status()
	e.emit(EventSave, status)
	e.emit(EventProgress, status)
	return nil
}

func (e *Engine) finish(ctx context.Context) error {
	var total int64
	for _, part := range e.file.Parts {
		total += part.Size
	}
	e.file.TotalSize = total
	if t, ok := e.writer.(write.Truncater); ok {
		if err := t.Truncate(total); err != nil {
			return e.fail(err)
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.status = StatusFinished
	e.endTime = time.Now()
	e.mu.Unlock()
	status := e.Status()
	e.log.Debug().Dur("elapsed", status.Elapsed(time.Now())).Msg("download finished")
	e.emit(EventProgress, status)
	e.emit(EventFinished, status)

	if e.opts.OnFinished != nil {
		if err := e.opts.OnFinished(ctx); err != nil {
			return e.record(err)
		}
	}
	return nil
}

// fail records err as the terminal state. A closed engine stays cancelled and reports nil.
func (e *Engine) fail(err error) error {
	if e.isClosed() {
		return nil
	}
	return e.record(err)
}

func (e *Engine) record(err error) error {
	e.mu.Lock()
	if errors.Is(err, context.Canceled) {
		e.status = StatusCancelled
	} else {
		e.status = StatusError
	}
	e.err = err
	e.endTime = time.Now()
	e.mu.Unlock()
	e.log.Error().Err(err).Msg("download failed")
	e.emit(EventProgress, e.Status())
	return err
}

// setProgram installs the running program. It reports false once the engine is closed.
func (e *Engine) setProgram(p program.Program) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p != nil && e.closed {
		return false
	}
	e.program = p
	return true
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// activity feeds the adaptive controller; paused or retrying time does not count.
func (e *Engine) activity() (int64, bool) {
	return e.tracker.TransferredBytes(), !e.fetch.Paused() && !e.fetch.Retrying()
}

// Pause gates further reads of every slice. Requests already issued are not stopped.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.status != StatusActive {
		e.mu.Unlock()
		return
	}
	e.status = StatusPaused
	e.mu.Unlock()
	e.fetch.Pause()
	e.emit(EventPaused, e.Status())
}

func (e *Engine) Resume() {
	e.mu.Lock()
	if e.status != StatusPaused {
		e.mu.Unlock()
		return
	}
	e.status = StatusActive
	e.mu.Unlock()
	e.fetch.Resume()
	e.emit(EventResumed, e.Status())
}

// Close aborts a running download and always closes the fetch stream and the sink. It is
// safe to call more than once; only the first call emits the closed event.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		prog, cancel := e.program, e.cancel
		if e.status == StatusActive || e.status == StatusPaused {
			e.status = StatusCancelled
			e.endTime = time.Now()
		}
		e.mu.Unlock()

		if prog != nil {
			prog.Abort()
		}
		e.fetch.Close()
		if cancel != nil {
			cancel()
		}
		e.slices.Wait()
		e.closeErr = e.writer.Close()
		e.emit(EventClosed, e.Status())
	})
	return e.closeErr
}

func (e *Engine) ParallelStreams() int {
	return e.tracker.ParallelStreams()
}

// SetParallelStreams changes the number of concurrent slices, waking the running program
// when the number grows.
func (e *Engine) SetParallelStreams(n int) {
	e.mu.Lock()
	prog := e.program
	e.mu.Unlock()
	if prog != nil {
		prog.SetParallelStreams(n)
		return
	}
	e.tracker.SetParallelStreams(n)
}

func (e *Engine) Status() ProgressStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ProgressStatus{
		ID:                 e.id,
		TotalBytes:         e.file.TotalSize,
		TotalDownloadParts: len(e.file.Parts),
		FileName:           e.file.LocalFileName,
		Comment:            e.opts.Comment,
		DownloadPart:       e.tracker.Part() + 1,
		TransferredBytes:   e.tracker.TransferredBytes(),
		ParallelStreams:    e.tracker.ParallelStreams(),
		StartTime:          e.startTime,
		EndTime:            e.endTime,
		TransferAction:     e.opts.TransferAction,
		DownloadStatus:     e.status,
		Err:                e.err,
	}
}

// partSource adapts the tracker to a program. Parts without range support run one stream.
type partSource struct {
	tracker *progress.Tracker
	single  bool
}

func (s *partSource) Chunks() []progress.ChunkStatus { return s.tracker.Chunks() }
func (s *partSource) TryClaim(index int) bool        { return s.tracker.TryClaim(index) }
func (s *partSource) SetParallelStreams(n int)       { s.tracker.SetParallelStreams(n) }

func (s *partSource) ParallelStreams() int {
	if s.single {
		return 1
	}
	return s.tracker.ParallelStreams()
}
