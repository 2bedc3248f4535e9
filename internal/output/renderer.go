package output

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tanq16/pullstream/internal/engine"
	"github.com/tanq16/pullstream/internal/utils"
)

// Source is a download the renderer can follow, usually an *engine.Engine.
type Source interface {
	Status() engine.ProgressStatus
	On(event engine.Event, fn engine.Listener) func()
}

type Options struct {
	Out  io.Writer
	Tick time.Duration
	// Live redraws all lines in place every tick. Otherwise each file is printed once it ends.
	Live bool
	// FullName shows the full destination path instead of a shortened base name.
	FullName bool
	Width    int
	Height   int
}

type entry struct {
	src         Source
	status      engine.ProgressStatus
	reported    bool
	unsubscribe []func()
}

// Renderer draws one line per download, refreshed at a fixed tick regardless of how often
// the engines emit progress.
type Renderer struct {
	opts Options

	mu       sync.Mutex
	entries  []*entry
	numLines int

	doneCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewRenderer(opts Options) *Renderer {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Tick <= 0 {
		opts.Tick = 300 * time.Millisecond
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		w, h := terminalSize(os.Stdout)
		if opts.Width <= 0 {
			opts.Width = w
		}
		if opts.Height <= 0 {
			opts.Height = h
		}
	}
	return &Renderer{opts: opts, doneCh: make(chan struct{})}
}

// Track adds a download. Terminal events are captured as they happen so the final line
// reflects the status at the moment the download ended.
func (r *Renderer) Track(src Source) {
	e := &entry{src: src, status: src.Status()}
	for _, event := range []engine.Event{engine.EventStart, engine.EventPaused, engine.EventResumed, engine.EventFinished, engine.EventClosed} {
		e.unsubscribe = append(e.unsubscribe, src.On(event, func(status engine.ProgressStatus) {
			r.mu.Lock()
			e.status = status
			r.mu.Unlock()
		}))
	}
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *Renderer) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.opts.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.refresh()
				r.draw(time.Now())
			case <-r.doneCh:
				return
			}
		}
	}()
}

// Stop draws the final state and the summary. It is safe to call more than once.
func (r *Renderer) Stop() {
	r.stopOnce.Do(func() {
		close(r.doneCh)
		r.wg.Wait()
		r.refresh()
		r.draw(time.Now())
		r.mu.Lock()
		for _, e := range r.entries {
			for _, fn := range e.unsubscribe {
				fn()
			}
		}
		r.mu.Unlock()
		r.summary()
	})
}

// refresh polls running downloads so in-flight bytes show between chunk events.
func (r *Renderer) refresh() {
	r.mu.Lock()
	var running []*entry
	for _, e := range r.entries {
		if !e.status.DownloadStatus.Done() {
			running = append(running, e)
		}
	}
	r.mu.Unlock()
	for _, e := range running {
		status := e.src.Status()
		r.mu.Lock()
		if !e.status.DownloadStatus.Done() {
			e.status = status
		}
		r.mu.Unlock()
	}
}

func (r *Renderer) draw(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	if r.opts.Live {
		if r.numLines > 0 {
			fmt.Fprintf(&b, "\033[%dA\033[J", r.numLines)
		}
		lines := r.lines(now)
		for _, line := range lines {
			b.WriteString(line + "\n")
		}
		r.numLines = len(lines)
	} else {
		for _, e := range r.entries {
			if e.reported || !e.status.DownloadStatus.Done() {
				continue
			}
			e.reported = true
			for _, line := range r.entryLines(e.status, now) {
				b.WriteString(line + "\n")
			}
		}
	}
	io.WriteString(r.opts.Out, b.String())
}

// lines renders every entry, dropping the oldest finished ones when the terminal is too short.
func (r *Renderer) lines(now time.Time) []string {
	available := r.opts.Height - 3
	var running, ended [][]string
	for _, e := range r.entries {
		rendered := r.entryLines(e.status, now)
		if e.status.DownloadStatus.Done() {
			ended = append(ended, rendered)
		} else {
			running = append(running, rendered)
		}
	}
	var out []string
	for _, l := range running {
		out = append(out, l...)
	}
	remaining := available - len(out)
	var tail []string
	hidden := 0
	for i := len(ended) - 1; i >= 0; i-- {
		if len(ended[i]) > remaining {
			hidden = i + 1
			break
		}
		remaining -= len(ended[i])
		tail = append(append([]string(nil), ended[i]...), tail...)
	}
	if hidden > 0 {
		out = append(out, infoStyle.Render(fmt.Sprintf("  %d more ended downloads hidden ...", hidden)))
	}
	return append(out, tail...)
}

func (r *Renderer) entryLines(s engine.ProgressStatus, now time.Time) []string {
	name := s.FileName
	if !r.opts.FullName {
		name = shortenName(filepath.Base(name), max(r.opts.Width/3, 12))
	}
	if s.Comment != "" {
		name += " " + debugStyle.Render("("+s.Comment+")")
	}
	elapsed := s.Elapsed(now).Round(time.Second)

	var indicator, message string
	switch s.DownloadStatus {
	case engine.StatusNotStarted:
		return []string{fmt.Sprintf("  %s %s %s", pendingStyle.Render(StyleSymbols["pending"]), pendingStyle.Render("Waiting"), name)}
	case engine.StatusActive:
		indicator = pendingStyle.Render(StyleSymbols["pending"])
		message = pendingStyle.Render(s.TransferAction + " " + name)
	case engine.StatusPaused:
		indicator = warningStyle.Render(StyleSymbols["pause"])
		message = warningStyle.Render("Paused " + name)
	case engine.StatusFinished:
		indicator = successStyle.Render(StyleSymbols["pass"])
		message = successStyle.Render("Pulled " + name)
	case engine.StatusCancelled:
		indicator = warningStyle.Render(StyleSymbols["warning"])
		message = warningStyle.Render("Cancelled " + name)
	default:
		indicator = errorStyle.Render(StyleSymbols["fail"])
		message = errorStyle.Render("Failed " + name)
	}
	lines := []string{fmt.Sprintf("  %s %s %s", indicator, debugStyle.Render(elapsed.String()), message)}

	if s.DownloadStatus == engine.StatusError && s.Err != nil {
		lines = append(lines, "      "+errorStyle.Render(s.Err.Error()))
		return lines
	}
	details := []string{fmt.Sprintf("%.1f%%", s.Percentage())}
	if s.TotalBytes > 0 {
		details = append(details, fmt.Sprintf("%s / %s", utils.FormatBytes(uint64(s.TransferredBytes)), utils.FormatBytes(uint64(s.TotalBytes))))
	} else {
		details = append(details, utils.FormatBytes(uint64(s.TransferredBytes)))
	}
	if secs := s.Elapsed(now).Seconds(); secs > 0 {
		details = append(details, utils.FormatSpeed(s.TransferredBytes, secs))
	}
	if s.TotalDownloadParts > 1 {
		details = append(details, fmt.Sprintf("part %d/%d", s.DownloadPart, s.TotalDownloadParts))
	}
	if s.DownloadStatus == engine.StatusActive {
		details = append(details, fmt.Sprintf("%d streams", s.ParallelStreams))
	}
	sep := " " + StyleSymbols["bullet"] + " "
	bar := progressBar(s.TransferredBytes, s.TotalBytes, 30)
	lines = append(lines, "      "+streamStyle.Render(bar+" "+strings.Join(details, sep)))
	return lines
}

// Counts reports finished and total tracked downloads.
func (r *Renderer) Counts() (finished, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.status.DownloadStatus == engine.StatusFinished {
			finished++
		}
	}
	return finished, len(r.entries)
}

func (r *Renderer) summary() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var finished int
	var failed []engine.ProgressStatus
	for _, e := range r.entries {
		switch e.status.DownloadStatus {
		case engine.StatusFinished:
			finished++
		case engine.StatusError:
			failed = append(failed, e.status)
		}
	}
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString("  " + success2Style.Render(fmt.Sprintf("Pulled %d of %d file(s)", finished, len(r.entries))) + "\n")
	if len(failed) > 0 {
		b.WriteString("  " + errorStyle.Render(fmt.Sprintf("Failed %d of %d", len(failed), len(r.entries))) + "\n\n")
		b.WriteString("  " + errorStyle.Bold(true).Render("Errors:") + "\n")
		for i, s := range failed {
			fmt.Fprintf(&b, "    %s %s\n", errorStyle.Render(fmt.Sprintf("%d.", i+1)), errorStyle.Render(s.FileName))
			fmt.Fprintf(&b, "      %s\n", errorStyle.Render(fmt.Sprintf("Error: %v", s.Err)))
		}
	}
	b.WriteString("\n")
	io.WriteString(r.opts.Out, b.String())
}
