package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type MultiOptions struct {
	// Concurrency bounds how many files download at once. 0 means all of them.
	Concurrency int
}

// Multi downloads several files with bounded concurrency and forwards their events.
type Multi struct {
	opts MultiOptions
	emitter

	mu      sync.Mutex
	engines []*Engine
	active  bool
}

func NewMulti(opts MultiOptions) *Multi {
	return &Multi{opts: opts}
}

// Add registers engines. Every event they emit is re-emitted by the Multi.
func (m *Multi) Add(engines ...*Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range engines {
		for _, event := range []Event{EventStart, EventPaused, EventResumed, EventProgress, EventSave, EventFinished, EventClosed} {
			e.On(event, func(status ProgressStatus) {
				m.emit(event, status)
			})
		}
		m.engines = append(m.engines, e)
	}
}

func (m *Multi) Engines() []*Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Engine(nil), m.engines...)
}

// Download runs every engine. One failing file does not stop the others; all failures are
// joined into the returned error.
func (m *Multi) Download(ctx context.Context) error {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return ErrAlreadyDownloading
	}
	if len(m.engines) == 0 {
		m.mu.Unlock()
		return ErrNoEngine
	}
	m.active = true
	engines := append([]*Engine(nil), m.engines...)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.active = false
		m.mu.Unlock()
	}()

	var g errgroup.Group
	if m.opts.Concurrency > 0 {
		g.SetLimit(m.opts.Concurrency)
	}
	var errMu sync.Mutex
	var errs []error
	for _, e := range engines {
		g.Go(func() error {
			if err := e.Download(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", e.File().LocalFileName, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// Status aggregates all engines: bytes are summed, DownloadPart counts finished files and
// TotalDownloadParts counts files.
func (m *Multi) Status() (ProgressStatus, error) {
	engines := m.Engines()
	if len(engines) == 0 {
		return ProgressStatus{}, ErrNoEngine
	}
	agg := ProgressStatus{
		TotalDownloadParts: len(engines),
		FileName:           fmt.Sprintf("%d files", len(engines)),
		TransferAction:     "Downloading",
	}
	var active, paused, finished, failed, cancelled int
	var errs []error
	allEnded := true
	for _, e := range engines {
		s := e.Status()
		agg.TotalBytes += s.TotalBytes
		agg.TransferredBytes += s.TransferredBytes
		agg.ParallelStreams += s.ParallelStreams
		if !s.StartTime.IsZero() && (agg.StartTime.IsZero() || s.StartTime.Before(agg.StartTime)) {
			agg.StartTime = s.StartTime
		}
		if s.EndTime.IsZero() {
			allEnded = false
		} else if s.EndTime.After(agg.EndTime) {
			agg.EndTime = s.EndTime
		}
		switch s.DownloadStatus {
		case StatusActive:
			active++
		case StatusPaused:
			paused++
		case StatusFinished:
			finished++
		case StatusError:
			failed++
			errs = append(errs, s.Err)
		case StatusCancelled:
			cancelled++
		}
	}
	if !allEnded {
		agg.EndTime = time.Time{}
	}
	agg.DownloadPart = finished
	agg.Err = errors.Join(errs...)
	switch {
	case active > 0:
		agg.DownloadStatus = StatusActive
	case paused > 0:
		agg.DownloadStatus = StatusPaused
	case failed > 0:
		agg.DownloadStatus = StatusError
	case cancelled > 0:
		agg.DownloadStatus = StatusCancelled
	case finished == len(engines):
		agg.DownloadStatus = StatusFinished
	default:
		agg.DownloadStatus = StatusNotStarted
	}
	return agg, nil
}

func (m *Multi) Pause() {
	for _, e := range m.Engines() {
		e.Pause()
	}
}

func (m *Multi) Resume() {
	for _, e := range m.Engines() {
		e.Resume()
	}
}

func (m *Multi) Close() error {
	var errs []error
	for _, e := range m.Engines() {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
