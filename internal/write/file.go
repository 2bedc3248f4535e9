package write

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanq16/pullstream/internal/utils"
)

const (
	minCoalesceSize = 64 * utils.KB
	maxCoalesceSize = 8 * utils.MB
	DefaultMaxWait  = time.Second
)

type FileOptions struct {
	// CoalesceSize is the pending byte count that forces a flush. 0 derives it from ExpectedSize.
	CoalesceSize int64
	MaxWait      time.Duration
	// ExpectedSize is the final file size. Resume metadata lives right after it.
	ExpectedSize    int64
	SpaceRetries    int
	SpaceRetryDelay time.Duration
	DeleteOnClose   bool
}

// AutoCoalesceSize is 0.5% of the file size, kept within [64KiB, 8MiB].
func AutoCoalesceSize(expectedSize int64) int64 {
	return min(max(expectedSize/200, minCoalesceSize), maxCoalesceSize)
}

type record struct {
	offset int64
	data   []byte
}

func (r record) end() int64 {
	return r.offset + int64(len(r.data))
}

// FileWriter coalesces positional writes into larger WriteAt calls. Pending records are kept
// sorted and disjoint; contiguous or overlapping writes merge, and the newer bytes win.
type FileWriter struct {
	path string
	file *os.File
	opts FileOptions

	mu           sync.Mutex
	pending      []record
	pendingBytes int64
	metadata     []byte
	lastFlush    time.Time
	timer        *time.Timer
	closed       bool
	err          error

	flushMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	log       zerolog.Logger
}

func NewFileWriter(path string, opts FileOptions) (*FileWriter, error) {
	if opts.CoalesceSize <= 0 {
		opts.CoalesceSize = AutoCoalesceSize(opts.ExpectedSize)
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	if opts.SpaceRetries <= 0 {
		opts.SpaceRetries = 5
	}
	if opts.SpaceRetryDelay <= 0 {
		opts.SpaceRetryDelay = time.Second
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening output file: %v", err)
	}
	return &FileWriter{
		path:      path,
		file:      file,
		opts:      opts,
		lastFlush: time.Now(),
		log:       utils.GetLogger("write").With().Str("file", path).Logger(),
	}, nil
}

func (w *FileWriter) Path() string {
	return w.path
}

func (w *FileWriter) Write(cursor int64, buffers [][]byte) error {
	n := totalLen(buffers)
	if n == 0 {
		return nil
	}
	data := make([]byte, 0, n)
	for _, b := range buffers {
		data = append(data, b...)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.err != nil {
		err := w.err
		w.mu.Unlock()
		return err
	}
	w.insert(record{offset: cursor, data: data})
	due := w.pendingBytes >= w.opts.CoalesceSize || time.Since(w.lastFlush) >= w.opts.MaxWait
	if !due && w.timer == nil {
		w.timer = time.AfterFunc(w.opts.MaxWait, w.backgroundFlush)
	}
	w.mu.Unlock()

	if due {
		return w.flush()
	}
	return nil
}

// insert merges rec into the pending list. Caller holds mu.
func (w *FileWriter) insert(rec record) {
	start, end := rec.offset, rec.end()
	first, last := len(w.pending), -1
	for i, p := range w.pending {
		if p.end() >= start && p.offset <= end {
			first = min(first, i)
			last = i
		}
	}
	if last < 0 {
		i := 0
		for i < len(w.pending) && w.pending[i].offset < start {
			i++
		}
		w.pending = append(w.pending, record{})
		copy(w.pending[i+1:], w.pending[i:])
		w.pending[i] = rec
		w.pendingBytes += int64(len(rec.data))
		return
	}

	mergedStart := min(start, w.pending[first].offset)
	mergedEnd := max(end, w.pending[last].end())
	merged := make([]byte, mergedEnd-mergedStart)
	for _, p := range w.pending[first : last+1] {
		copy(merged[p.offset-mergedStart:], p.data)
		w.pendingBytes -= int64(len(p.data))
	}
	copy(merged[start-mergedStart:], rec.data)
	w.pendingBytes += int64(len(merged))

	w.pending = append(w.pending[:first+1], w.pending[last+1:]...)
	w.pending[first] = record{offset: mergedStart, data: merged}
}

func (w *FileWriter) backgroundFlush() {
	w.mu.Lock()
	w.timer = nil
	w.mu.Unlock()
	if err := w.flush(); err != nil {
		w.log.Error().Err(err).Msg("background flush failed")
	}
}

// flush writes every pending record, then the metadata trailer. The flush lock keeps
// flushes in submission order.
func (w *FileWriter) flush() error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	pending, metadata := w.pending, w.metadata
	w.pending, w.pendingBytes, w.metadata = nil, 0, nil
	w.lastFlush = time.Now()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	for _, rec := range pending {
		if err := w.writeAt(rec.data, rec.offset); err != nil {
			return w.fail(err)
		}
	}
	if metadata != nil {
		if err := w.writeAt(metadata, w.opts.ExpectedSize); err != nil {
			return w.fail(err)
		}
		if err := w.file.Truncate(w.opts.ExpectedSize + int64(len(metadata))); err != nil {
			return w.fail(err)
		}
	}
	return nil
}

func (w *FileWriter) fail(err error) error {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
	return err
}

// writeAt retries on a full disk, which an operator can fix while the download waits.
func (w *FileWriter) writeAt(data []byte, offset int64) error {
	for attempt := 0; ; attempt++ {
		_, err := w.file.WriteAt(data, offset)
		if err == nil {
			return nil
		}
		if !errors.Is(err, syscall.ENOSPC) || attempt >= w.opts.SpaceRetries {
			return fmt.Errorf("error writing to output file: %w", err)
		}
		w.log.Warn().Int("attempt", attempt+1).Msg("no space left on device, retrying write")
		time.Sleep(w.opts.SpaceRetryDelay)
	}
}

// Flush writes pending data now.
func (w *FileWriter) Flush() error {
	return w.flush()
}

// SaveMetadata queues data to be stored after ExpectedSize. It reaches the disk with the next
// flush, after the chunk data it describes. Files of unknown size keep no metadata.
func (w *FileWriter) SaveMetadata(data []byte) error {
	if w.opts.ExpectedSize <= 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.metadata = append([]byte(nil), data...)
	if w.timer == nil {
		w.timer = time.AfterFunc(w.opts.MaxWait, w.backgroundFlush)
	}
	return nil
}

// ReadMetadata returns the bytes stored past ExpectedSize, or nil when there are none.
func (w *FileWriter) ReadMetadata() ([]byte, error) {
	if w.opts.ExpectedSize <= 0 {
		return nil, nil
	}
	stat, err := w.file.Stat()
	if err != nil {
		return nil, err
	}
	if stat.Size() <= w.opts.ExpectedSize {
		return nil, nil
	}
	data := make([]byte, stat.Size()-w.opts.ExpectedSize)
	if _, err := w.file.ReadAt(data, w.opts.ExpectedSize); err != nil && err != io.EOF {
		return nil, err
	}
	return data, nil
}

// Truncate flushes and cuts the file to size, dropping any metadata trailer.
func (w *FileWriter) Truncate(size int64) error {
	w.mu.Lock()
	w.metadata = nil
	w.mu.Unlock()
	if err := w.flush(); err != nil {
		return err
	}
	if err := w.file.Truncate(size); err != nil {
		return fmt.Errorf("error truncating output file: %v", err)
	}
	return nil
}

// Close flushes pending writes and releases the file. Only the first call has an effect.
func (w *FileWriter) Close() error {
	w.closeOnce.Do(func() {
		flushErr := w.flush()

		w.mu.Lock()
		w.closed = true
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		w.mu.Unlock()

		w.closeErr = w.file.Close()
		if flushErr != nil {
			w.closeErr = flushErr
		}
		if w.opts.DeleteOnClose {
			w.closeErr = nil
			if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
				w.closeErr = err
			}
		}
	})
	return w.closeErr
}

// Commit flushes, closes the file and moves it to path. A later Close is a no-op and
// DeleteOnClose no longer applies.
func (w *FileWriter) Commit(path string) error {
	committed := false
	w.closeOnce.Do(func() {
		committed = true
		if err := w.flush(); err != nil {
			w.closeErr = err
			w.file.Close()
			return
		}
		w.mu.Lock()
		w.closed = true
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		w.mu.Unlock()
		if err := w.file.Close(); err != nil {
			w.closeErr = err
			return
		}
		if err := os.Rename(w.path, path); err != nil {
			w.closeErr = fmt.Errorf("error renaming output file: %v", err)
			return
		}
		w.path = path
	})
	if !committed {
		return ErrClosed
	}
	return w.closeErr
}
