package parallel

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanq16/pullstream/internal/utils"
)

type Options struct {
	BaseInterval      time.Duration
	Window            time.Duration
	DecreaseThreshold float64
	IncreaseMargin    float64
	MinStreams        int
	MaxStreams        int
}

func DefaultOptions() Options {
	return Options{
		BaseInterval:      time.Second,
		Window:            8 * time.Second,
		DecreaseThreshold: 0.10,
		IncreaseMargin:    0.10,
		MinStreams:        1,
		MaxStreams:        16,
	}
}

// Target is whatever owns the live concurrency level.
type Target interface {
	ParallelStreams() int
	SetParallelStreams(n int)
}

// StatusFunc reports cumulative transferred bytes and whether the transfer is making
// progress right now (not paused, not waiting out a retry).
type StatusFunc func() (transferred int64, active bool)

type sample struct {
	at    time.Time
	bytes int64
}

// Controller searches for a better stream count. Once per window of active time it compares
// the rolling speed with the previous check: a regression leaves everything alone, a flat
// speed starts a one stream experiment, and the experiment is kept only if it beats the
// best speed seen by IncreaseMargin.
type Controller struct {
	opts   Options
	target Target

	mu         sync.Mutex
	samples    []sample
	active     bool
	lastTick   time.Time
	activeTime time.Duration
	lastSpeed  float64
	bestSpeed  float64
	pending    bool

	log zerolog.Logger
}

func NewController(target Target, opts Options) *Controller {
	defaults := DefaultOptions()
	if opts.BaseInterval <= 0 {
		opts.BaseInterval = defaults.BaseInterval
	}
	if opts.Window <= 0 {
		opts.Window = defaults.Window
	}
	if opts.DecreaseThreshold <= 0 {
		opts.DecreaseThreshold = defaults.DecreaseThreshold
	}
	if opts.IncreaseMargin <= 0 {
		opts.IncreaseMargin = defaults.IncreaseMargin
	}
	if opts.MinStreams < 1 {
		opts.MinStreams = 1
	}
	if opts.MaxStreams < opts.MinStreams {
		opts.MaxStreams = max(defaults.MaxStreams, opts.MinStreams)
	}
	return &Controller{
		opts:   opts,
		target: target,
		log:    utils.GetLogger("parallel"),
	}
}

// Run samples status every BaseInterval until ctx is done.
func (c *Controller) Run(ctx context.Context, status StatusFunc) {
	ticker := time.NewTicker(c.opts.BaseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			transferred, active := status()
			c.Observe(now, transferred, active)
		}
	}
}

// Observe feeds one sample. Inactive periods drop the window; the first active sample after
// one becomes the new anchor so a pause never reads as a throughput collapse.
func (c *Controller) Observe(now time.Time, transferred int64, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !active {
		c.active = false
		c.samples = c.samples[:0]
		return
	}
	if !c.active {
		c.active = true
		c.lastTick = now
		c.samples = append(c.samples[:0], sample{at: now, bytes: transferred})
		return
	}

	c.activeTime += now.Sub(c.lastTick)
	c.lastTick = now
	c.samples = append(c.samples, sample{at: now, bytes: transferred})
	cut := 0
	for cut < len(c.samples)-1 && now.Sub(c.samples[cut].at) > c.opts.Window {
		cut++
	}
	c.samples = c.samples[cut:]

	if c.activeTime >= c.opts.Window {
		c.activeTime = 0
		c.evaluate(c.speed())
	}
}

// speed is bytes per second across the sample window.
func (c *Controller) speed() float64 {
	if len(c.samples) < 2 {
		return 0
	}
	first, last := c.samples[0], c.samples[len(c.samples)-1]
	span := last.at.Sub(first.at).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(last.bytes-first.bytes) / span
}

func (c *Controller) evaluate(speed float64) {
	streams := c.target.ParallelStreams()
	if c.pending {
		c.pending = false
		if speed > c.bestSpeed*(1+c.opts.IncreaseMargin) {
			c.log.Debug().Int("streams", streams).Float64("speed", speed).Msg("keeping added stream")
		} else if streams > c.opts.MinStreams {
			c.target.SetParallelStreams(streams - 1)
			c.log.Debug().Int("streams", streams-1).Float64("speed", speed).Msg("reverting added stream")
		}
		c.bestSpeed = max(c.bestSpeed, speed)
		c.lastSpeed = speed
		return
	}

	switch {
	case speed < c.lastSpeed && speed > 0 && (c.lastSpeed-speed)/speed > c.opts.DecreaseThreshold,
		speed == 0 && c.lastSpeed > 0:
		c.log.Debug().Float64("speed", speed).Float64("baseline", c.lastSpeed).Msg("speed regressed")
	case speed > c.lastSpeed:
		c.lastSpeed = speed
		c.bestSpeed = max(c.bestSpeed, speed)
	default:
		c.lastSpeed = speed
		c.bestSpeed = max(c.bestSpeed, speed)
		if streams < c.opts.MaxStreams {
			c.pending = true
			c.target.SetParallelStreams(streams + 1)
			c.log.Debug().Int("streams", streams+1).Float64("speed", speed).Msg("trying an extra stream")
		}
	}
}

// Pending reports whether an increase experiment is running.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}
