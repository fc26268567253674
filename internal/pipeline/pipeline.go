// Package pipeline ties the result cache, the single-flight coordinator and the recognizer
// into a per-frame processing loop that never waits on recognition.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/facewatch/internal/annotate"
	"github.com/andresmejia3/facewatch/internal/cache"
	"github.com/andresmejia3/facewatch/internal/flight"
	"github.com/andresmejia3/facewatch/internal/frame"
	"github.com/andresmejia3/facewatch/internal/recognize"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/rs/zerolog"
)

// ErrCaptureUnavailable marks a stream that ended because its source could not be opened or read.
var ErrCaptureUnavailable = errors.New("capture unavailable")

// Config controls the background recognition pool.
type Config struct {
	Workers   int
	QueueSize int
	// CacheEmptyResults stores runs that found no faces (or failed). When false those
	// fingerprints are recognised again the next time they show up.
	CacheEmptyResults bool
	// StaleWindow lets a cache miss reuse the last result shown, if it is younger than this.
	// Zero disables it and misses are emitted unannotated.
	StaleWindow time.Duration
}

func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 8}
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Frames       uint64 `json:"frames"`
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Triggered    uint64 `json:"triggered"`
	Deduplicated uint64 `json:"deduplicated"`
	Dropped      uint64 `json:"dropped"`
	Runs         uint64 `json:"runs"`
	EmptyResults uint64 `json:"empty_results"`
	InFlight     int    `json:"in_flight"`
	Queued       int    `json:"queued"`
}

// Event describes one completed recognition run.
type Event struct {
	Fingerprint frame.Fingerprint
	Result      types.Result
	Duration    time.Duration
	At          time.Time
}

// Source hands out frames. Read returns io.EOF when the stream ends normally.
type Source interface {
	Read(ctx context.Context) (frame.Frame, error)
	Close() error
}

type job struct {
	fp    frame.Fingerprint
	frame frame.Frame
}

type shownResult struct {
	result types.Result
	at     time.Time
}

// Pipeline processes frames against a shared result cache. Recognition runs on a fixed pool
// of goroutines started by New; Close stops them.
type Pipeline struct {
	cache      *cache.ResultCache
	flights    *flight.Coordinator
	recognizer *recognize.Recognizer
	cfg        Config
	log        zerolog.Logger

	onResult []func(Event)

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup

	mu     sync.RWMutex // guards closed against sends on jobs
	closed bool

	last atomic.Pointer[shownResult]

	frames, hits, misses             atomic.Uint64
	triggered, deduplicated, dropped atomic.Uint64
	runs, emptyResults               atomic.Uint64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithResultHook registers fn to be called from the worker goroutine after every run.
// Hooks run in registration order.
func WithResultHook(fn func(Event)) Option {
	return func(p *Pipeline) { p.onResult = append(p.onResult, fn) }
}

// New builds a pipeline and starts its worker pool.
func New(c *cache.ResultCache, flights *flight.Coordinator, rec *recognize.Recognizer, cfg Config, log zerolog.Logger, opts ...Option) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = cfg.Workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cache:      c,
		flights:    flights,
		recognizer: rec,
		cfg:        cfg,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		jobs:       make(chan job, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			p.work(workerID)
		}(i)
	}
	log.Debug().Int("workers", cfg.Workers).Int("queue_size", cfg.QueueSize).Msg("recognition pool started")
	return p
}

// ProcessFrame returns f annotated with the best result currently available. It never blocks
// on recognition.
func (p *Pipeline) ProcessFrame(f frame.Frame) frame.Frame {
	out, _ := p.Process(f)
	return out
}

// Process is ProcessFrame that also returns the result used for annotation.
func (p *Pipeline) Process(f frame.Frame) (frame.Frame, types.Result) {
	p.frames.Add(1)

	if err := f.Validate(); err != nil {
		p.log.Warn().Err(err).Str("stage", "validate").Msg("emitting malformed frame as is")
		return f, nil
	}

	fp := f.Fingerprint()
	if result, ok := p.cache.Get(fp); ok {
		p.hits.Add(1)
		p.remember(result)
		return annotate.Annotate(f, result), result
	}

	p.misses.Add(1)
	p.trigger(fp, f)

	result := p.fallback()
	return annotate.Annotate(f, result), result
}

// Enroll returns the descriptor of the largest face in f, or recognize.ErrNoFace.
func (p *Pipeline) Enroll(ctx context.Context, f frame.Frame) (types.Detection, error) {
	if err := f.Validate(); err != nil {
		return types.Detection{}, fmt.Errorf("invalid frame: %w", err)
	}
	return p.recognizer.Enroll(ctx, f)
}

// Stream reads frames from src, processes them and hands them to emit until the source ends,
// fails, ctx is cancelled, or emit returns an error. src is closed on every return path.
// A clean end of stream returns nil; source failures wrap ErrCaptureUnavailable.
func (p *Pipeline) Stream(ctx context.Context, src Source, emit func(frame.Frame) error) error {
	defer func() {
		if cerr := src.Close(); cerr != nil {
			p.log.Warn().Err(cerr).Msg("failed to release capture source")
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		f, err := src.Read(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error().Err(err).Str("stage", "capture").Msg("capture failed, ending stream")
			if errors.Is(err, ErrCaptureUnavailable) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
		}

		if err := emit(p.ProcessFrame(f)); err != nil {
			return fmt.Errorf("emit frame: %w", err)
		}
	}
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:       p.frames.Load(),
		Hits:         p.hits.Load(),
		Misses:       p.misses.Load(),
		Triggered:    p.triggered.Load(),
		Deduplicated: p.deduplicated.Load(),
		Dropped:      p.dropped.Load(),
		Runs:         p.runs.Load(),
		EmptyResults: p.emptyResults.Load(),
		InFlight:     p.flights.InFlight(),
		Queued:       len(p.jobs),
	}
}

// Cache exposes the result cache for status reporting.
func (p *Pipeline) Cache() *cache.ResultCache { return p.cache }

// CacheStats is shorthand for Cache().Stats().
func (p *Pipeline) CacheStats() cache.Stats { return p.cache.Stats() }

// Close stops accepting work, abandons queued jobs and waits for running ones to return.
// Frames can still be processed afterwards; they are just never recognised.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cancel()
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}

// trigger schedules a run for fp unless one is already in flight. It never blocks.
func (p *Pipeline) trigger(fp frame.Fingerprint, f frame.Frame) {
	if !p.flights.TryBegin(fp) {
		p.deduplicated.Add(1)
		return
	}

	// A run for fp may have completed between the cache miss and TryBegin
	if _, ok := p.cache.Get(fp); ok {
		p.flights.Done(fp)
		p.deduplicated.Add(1)
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.flights.Done(fp)
		return
	}

	select {
	case p.jobs <- job{fp: fp, frame: f.Clone()}:
		p.triggered.Add(1)
	default:
		p.flights.Done(fp)
		p.dropped.Add(1)
		p.log.Debug().Str("fingerprint", fp.Short()).Msg("recognition queue full, dropping frame")
	}
}

func (p *Pipeline) work(workerID int) {
	for j := range p.jobs {
		if p.ctx.Err() != nil {
			p.flights.Done(j.fp)
			continue
		}
		p.run(workerID, j)
	}
}

func (p *Pipeline) run(workerID int, j job) {
	// Released only after the cache write so a concurrent trigger sees either the flight or the entry
	defer p.flights.Done(j.fp)

	start := time.Now()
	result := p.recognizer.Run(p.ctx, j.fp, j.frame)
	elapsed := time.Since(start)
	p.runs.Add(1)

	p.log.Debug().
		Int("worker", workerID).
		Str("fingerprint", j.fp.Short()).
		Int("faces", len(result)).
		Dur("elapsed", elapsed).
		Msg("recognition finished")

	if len(result) == 0 {
		p.emptyResults.Add(1)
	}
	if len(result) > 0 || p.cfg.CacheEmptyResults {
		p.cache.Set(j.fp, result)
		p.remember(result)
	}

	ev := Event{Fingerprint: j.fp, Result: result, Duration: elapsed, At: start.Add(elapsed)}
	for _, fn := range p.onResult {
		fn(ev)
	}
}

func (p *Pipeline) remember(result types.Result) {
	if p.cfg.StaleWindow <= 0 {
		return
	}
	p.last.Store(&shownResult{result: result, at: time.Now()})
}

func (p *Pipeline) fallback() types.Result {
	if p.cfg.StaleWindow <= 0 {
		return nil
	}
	last := p.last.Load()
	if last == nil || time.Since(last.at) > p.cfg.StaleWindow {
		return nil
	}
	return last.result
}
