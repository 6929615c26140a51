// Package throttle provides a cooperative CPU admission gate. CPU-heavy
// pipeline stages ask the gate before starting work, and the gate makes them
// wait while the process is already saturating its cores.
package throttle

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const (
	defaultSampleInterval = time.Second
	minWaitStep           = 100 * time.Millisecond
	maxWaitStep           = 500 * time.Millisecond
)

// CPUGate samples this process's CPU usage in the background and exposes a
// blocking admission check. Load is normalized to 0..1 across all cores, so
// 1.0 means every core fully busy.
type CPUGate struct {
	highWatermark  float64
	maxWait        time.Duration
	sampleInterval time.Duration
	logger         *slog.Logger

	proc *process.Process
	load atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Option configures a CPUGate.
type Option func(*CPUGate)

// WithSampleInterval overrides how often the background sampler refreshes the
// load reading.
func WithSampleInterval(d time.Duration) Option {
	return func(g *CPUGate) {
		if d > 0 {
			g.sampleInterval = d
		}
	}
}

// New creates a CPUGate that admits work while normalized load stays below
// highWatermark and never delays a single caller longer than maxWait.
func New(highWatermark float64, maxWait time.Duration, logger *slog.Logger, opts ...Option) (*CPUGate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("attaching cpu sampler to own process: %w", err)
	}

	g := &CPUGate{
		highWatermark:  highWatermark,
		maxWait:        maxWait,
		sampleInterval: defaultSampleInterval,
		logger:         logger,
		proc:           proc,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Start launches the background sampler.
func (g *CPUGate) Start() {
	// Prime the sampler; the first Percent call establishes the baseline.
	_, _ = g.proc.Percent(0)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.sampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-g.done:
				return
			case <-ticker.C:
				pct, err := g.proc.Percent(0)
				if err != nil {
					continue
				}
				g.storeLoad(pct / 100 / float64(runtime.NumCPU()))
			}
		}
	}()
}

// Stop terminates the sampler.
func (g *CPUGate) Stop() {
	g.once.Do(func() { close(g.done) })
	g.wg.Wait()
}

// Load returns the last sampled normalized CPU load.
func (g *CPUGate) Load() float64 {
	return math.Float64frombits(g.load.Load())
}

// WaitIfNeeded blocks while the sampled load is at or above the watermark.
// It sleeps in growing steps between 100ms and 500ms, gives up after the
// configured maximum wait, and honors context cancellation. The returned
// duration is how long the caller was delayed.
func (g *CPUGate) WaitIfNeeded(ctx context.Context) time.Duration {
	if g.highWatermark <= 0 || g.Load() < g.highWatermark {
		return 0
	}

	var waited time.Duration
	step := minWaitStep
	for g.Load() >= g.highWatermark && waited < g.maxWait {
		select {
		case <-ctx.Done():
			return waited
		case <-time.After(step):
		}
		waited += step
		if step < maxWaitStep {
			step += minWaitStep
		}
	}
	return waited
}

func (g *CPUGate) storeLoad(v float64) {
	g.load.Store(math.Float64bits(v))
}
