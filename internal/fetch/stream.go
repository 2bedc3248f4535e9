package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tanq16/pullstream/internal/types"
	"github.com/tanq16/pullstream/internal/utils"
)

type Options struct {
	Retries    int
	Factor     float64
	MinTimeout time.Duration
	MaxTimeout time.Duration
	Header     http.Header
	// AlternateHeaders are tried in order when a metadata request fails with a non-retryable status.
	AlternateHeaders     []http.Header
	AlternateHeaderDelay time.Duration
	RateLimit            int64 // bytes per second shared by all slices, 0 for unlimited
	MaxWaitForData       time.Duration
	ReadBufferSize       int
}

func DefaultOptions() Options {
	return Options{
		Retries:              utils.DefaultRetries,
		Factor:               2,
		MinTimeout:           time.Second,
		MaxTimeout:           30 * time.Second,
		AlternateHeaderDelay: 500 * time.Millisecond,
		MaxWaitForData:       utils.DefaultMaxWaitForData,
		ReadBufferSize:       utils.DefaultReadBufferSize,
	}
}

// SubState binds a stream clone to one slice of a part.
type SubState struct {
	Part         *types.DownloadFilePart
	StartChunk   int
	EndChunk     int // exclusive
	ChunkSize    int64
	PartSize     int64 // <= 0 when unknown
	RangeSupport bool
	// OnProgress reports bytes received but not yet emitted as a whole chunk.
	OnProgress func(buffered int64)
}

// byteRange is [start, end) within the part; end is 0 when the part size is unknown.
func (s *SubState) byteRange() (int64, int64) {
	start := int64(s.StartChunk) * s.ChunkSize
	if s.PartSize <= 0 {
		return start, 0
	}
	end := min(int64(s.EndChunk)*s.ChunkSize, s.PartSize)
	return start, end
}

// shared is the state every clone of a stream observes.
type shared struct {
	errors   atomic.Int64
	retrying atomic.Int32
	header   atomic.Int32
	gate     Gate
	ctx      context.Context
	cancel   context.CancelFunc
	limiter  *rate.Limiter
}

// Stream fetches bytes through a Transport with retries, pause and abort. Clones made with
// WithSubState share the parent's error counter, gate, abort signal and rate limiter.
type Stream struct {
	transport Transport
	opts      Options
	shared    *shared
	sub       *SubState
	log       zerolog.Logger
}

func NewStream(t Transport, opts Options) *Stream {
	defaults := DefaultOptions()
	if opts.Factor <= 1 {
		opts.Factor = defaults.Factor
	}
	if opts.MinTimeout <= 0 {
		opts.MinTimeout = defaults.MinTimeout
	}
	if opts.MaxTimeout < opts.MinTimeout {
		opts.MaxTimeout = max(defaults.MaxTimeout, opts.MinTimeout)
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = defaults.ReadBufferSize
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	sh := &shared{}
	sh.ctx, sh.cancel = context.WithCancel(context.Background())
	if opts.RateLimit > 0 {
		burst := max(int(opts.RateLimit), opts.ReadBufferSize)
		sh.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &Stream{
		transport: t,
		opts:      opts,
		shared:    sh,
		log:       utils.GetLogger("fetch").With().Str("transport", t.Name()).Logger(),
	}
}

func (s *Stream) Transport() Transport {
	return s.transport
}

// WithSubState returns a clone bound to sub.
func (s *Stream) WithSubState(sub SubState) *Stream {
	clone := *s
	clone.sub = &sub
	return &clone
}

func (s *Stream) Pause()  { s.shared.gate.Pause() }
func (s *Stream) Resume() { s.shared.gate.Resume() }

func (s *Stream) Paused() bool {
	return s.shared.gate.Paused()
}

// Retrying reports whether any clone is waiting out a backoff.
func (s *Stream) Retrying() bool {
	return s.shared.retrying.Load() > 0
}

// ErrorCount is the number of failed attempts across all clones.
func (s *Stream) ErrorCount() int64 {
	return s.shared.errors.Load()
}

// Close aborts every clone. Fetches interrupted this way return nil.
func (s *Stream) Close() {
	s.shared.cancel()
	s.shared.gate.Resume()
}

func (s *Stream) aborted() bool {
	return s.shared.ctx.Err() != nil
}

func (s *Stream) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.shared.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Stream) headerSets() []http.Header {
	return append([]http.Header{s.opts.Header}, s.opts.AlternateHeaders...)
}

func (s *Stream) activeHeader() http.Header {
	sets := s.headerSets()
	i := int(s.shared.header.Load())
	if i < 0 || i >= len(sets) {
		return s.opts.Header
	}
	return sets[i]
}

func (s *Stream) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.MinTimeout
	bo.Multiplier = s.opts.Factor
	bo.MaxInterval = s.opts.MaxTimeout
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (s *Stream) retryDelay(err error, bo *backoff.ExponentialBackOff) time.Duration {
	var se *StatusError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return se.RetryAfter
	}
	d := bo.NextBackOff()
	if d == backoff.Stop {
		return s.opts.MaxTimeout
	}
	return d
}

func (s *Stream) sleep(ctx context.Context, d time.Duration) error {
	s.shared.retrying.Add(1)
	defer s.shared.retrying.Add(-1)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FetchDownloadInfo queries url. Transient failures back off and retry; a non-retryable status
// moves on to the next alternate header set, and the set that succeeds is used for data.
func (s *Stream) FetchDownloadInfo(ctx context.Context, url string) (*DownloadInfo, error) {
	ctx, cancel := s.bind(ctx)
	defer cancel()
	sets := s.headerSets()
	hi := int(s.shared.header.Load())
	bo := s.newBackOff()
	attempts := 0
	for {
		if err := s.shared.gate.Wait(ctx); err != nil {
			return nil, err
		}
		info, err := s.transport.Stat(ctx, url, sets[hi])
		if err == nil {
			s.shared.header.Store(int32(hi))
			return info, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.shared.errors.Add(1)
		var se *StatusError
		if errors.As(err, &se) && !Retryable(err) {
			if hi+1 >= len(sets) {
				return nil, err
			}
			hi++
			s.log.Debug().Int("status", se.StatusCode).Int("headerSet", hi).Msg("metadata request rejected, trying alternate headers")
			if werr := s.sleep(ctx, s.opts.AlternateHeaderDelay); werr != nil {
				return nil, werr
			}
			continue
		}
		if !Retryable(err) {
			return nil, err
		}
		attempts++
		if attempts > s.opts.Retries {
			return nil, err
		}
		delay := s.retryDelay(err, bo)
		s.log.Debug().Err(err).Int("attempt", attempts).Dur("delay", delay).Msg("retrying metadata request")
		if werr := s.sleep(ctx, delay); werr != nil {
			return nil, werr
		}
	}
}

// FetchChunks streams the sub state's range and calls fn once per chunk. Errors returned by
// fn abort the fetch unchanged. An abort through Close returns nil.
func (s *Stream) FetchChunks(ctx context.Context, fn ChunkFunc) error {
	if s.sub == nil || s.sub.Part == nil {
		return errors.New("fetch: stream is not bound to a slice")
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()

	sub := s.sub
	start, end := sub.byteRange()
	splitter := NewSplitter(sub.ChunkSize, start, sub.StartChunk, func(pieces [][]byte, position int64, index int) error {
		if err := fn(pieces, position, index); err != nil {
			return &callbackError{err: err}
		}
		return nil
	})
	resumable := s.transport.Resumable() && sub.RangeSupport && end > 0

	bo := s.newBackOff()
	attempts := 0
	for {
		attemptStart := time.Now()
		before := splitter.Next()
		err := s.fetchRange(ctx, splitter, end)
		if err == nil {
			return nil
		}
		if s.aborted() {
			return nil
		}
		var cbErr *callbackError
		if errors.As(err, &cbErr) {
			return cbErr.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.shared.errors.Add(1)
		if splitter.Next() > before {
			attempts = 0
			bo.Reset()
		}
		attempts++
		if attempts > s.opts.Retries {
			return err
		}

		switch {
		case isAuthExpiry(err) && sub.Part.URLSubstituted():
			if rerr := s.refreshURL(ctx, sub.Part, attemptStart); rerr != nil {
				if s.aborted() {
					return nil
				}
				return rerr
			}
		case Retryable(err):
			delay := s.retryDelay(err, bo)
			s.log.Debug().Err(err).Int("attempt", attempts).Int64("position", splitter.Next()).
				Dur("delay", delay).Msg("retrying slice")
			if werr := s.sleep(ctx, delay); werr != nil {
				if s.aborted() {
					return nil
				}
				return werr
			}
		default:
			return err
		}
		if !resumable {
			splitter.Reset(start, sub.StartChunk)
		}
	}
}

// refreshURL re-resolves a stale substituted URL. The part lock and the update time make
// concurrent slices that failed on the same URL refresh it only once.
func (s *Stream) refreshURL(ctx context.Context, part *types.DownloadFilePart, attemptStart time.Time) error {
	lock := part.RefreshLock()
	lock.Lock()
	defer lock.Unlock()
	if part.URLUpdatedAt().After(attemptStart) {
		return nil
	}
	info, err := s.FetchDownloadInfo(ctx, part.OriginalURL)
	if err != nil {
		return err
	}
	next := info.NewURL
	if next == "" {
		next = part.OriginalURL
	}
	part.SetURL(next)
	s.log.Debug().Str("url", part.OriginalURL).Msg("refreshed download url")
	return nil
}

func (s *Stream) fetchRange(ctx context.Context, splitter *Splitter, end int64) error {
	if err := s.shared.gate.Wait(ctx); err != nil {
		return err
	}
	sub := s.sub
	from := splitter.Next()
	url := sub.Part.URL()

	var body io.ReadCloser
	if sub.RangeSupport && end > 0 {
		var length int64
		var err error
		body, length, err = s.transport.Open(ctx, url, from, end, s.activeHeader())
		if err != nil {
			return err
		}
		if length >= 0 && length != end-from {
			body.Close()
			s.log.Error().Str("url", url).Int64("expected", end-from).Int64("got", length).Msg("content length mismatch")
			return ErrContentLengthMismatch
		}
	} else {
		var err error
		body, _, err = s.transport.Open(ctx, url, 0, 0, s.activeHeader())
		if err != nil {
			return err
		}
		if from > 0 {
			if _, err := io.CopyN(io.Discard, body, from); err != nil {
				body.Close()
				return err
			}
		}
	}
	defer body.Close()
	return s.pump(ctx, body, splitter, end)
}

// pump copies body into the splitter. A watchdog closes the body when no data arrives for
// MaxWaitForData; paused time is not counted.
func (s *Stream) pump(ctx context.Context, body io.ReadCloser, splitter *Splitter, end int64) error {
	var stalled atomic.Bool
	wait := s.opts.MaxWaitForData
	var watchdog *time.Timer
	if wait > 0 {
		watchdog = time.AfterFunc(wait, func() {
			stalled.Store(true)
			body.Close()
		})
		defer watchdog.Stop()
	}

	for {
		if s.shared.gate.Paused() {
			if watchdog != nil {
				watchdog.Stop()
			}
			if err := s.shared.gate.Wait(ctx); err != nil {
				return err
			}
			if watchdog != nil {
				watchdog.Reset(wait)
			}
		}
		buf := make([]byte, s.opts.ReadBufferSize)
		n, err := body.Read(buf)
		if n > 0 {
			if watchdog != nil {
				watchdog.Reset(wait)
			}
			if end > 0 && splitter.Next()+int64(n) > end {
				return ErrContentLengthMismatch
			}
			if s.shared.limiter != nil {
				if werr := s.shared.limiter.WaitN(ctx, n); werr != nil {
					return werr
				}
			}
			if werr := splitter.Write(buf[:n]); werr != nil {
				return werr
			}
			if s.sub.OnProgress != nil {
				s.sub.OnProgress(splitter.Buffered())
			}
		}
		if err == io.EOF {
			if end > 0 && splitter.Next() < end {
				return io.ErrUnexpectedEOF
			}
			return splitter.Flush()
		}
		if err != nil {
			if stalled.Load() {
				return ErrStalled
			}
			return err
		}
	}
}
