package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds configuration for the recorder.
type Config struct {
	// BufferSize bounds queued events while the recorder runs asynchronously.
	// Default: 256.
	BufferSize int

	// EmitTimeout bounds a single sink delivery. Default: 5s.
	EmitTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BufferSize:  256,
		EmitTimeout: 5 * time.Second,
	}
}

// Recorder fans events out to every sink. Before Start (and after Stop) it
// delivers synchronously; while running it delivers from a background loop.
type Recorder struct {
	config *Config
	sinks  []Sink
	logger zerolog.Logger

	queue   chan Event
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewRecorder creates a recorder over the given sinks.
func NewRecorder(config *Config, logger zerolog.Logger, sinks ...Sink) *Recorder {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	if config.EmitTimeout <= 0 {
		config.EmitTimeout = 5 * time.Second
	}
	return &Recorder{
		config: config,
		sinks:  sinks,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Start begins asynchronous delivery.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.queue = make(chan Event, r.config.BufferSize)
	r.stopCh = make(chan struct{})

	r.wg.Add(1)
	go r.loop(r.queue, r.stopCh)

	r.logger.Info().Int("sinks", len(r.sinks)).Msg("Audit recorder started")
}

// Stop drains queued events and returns to synchronous delivery.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info().Msg("Audit recorder stopped")
}

// Record delivers e to every sink. Sink failures are logged, never returned.
func (r *Recorder) Record(ctx context.Context, e Event) {
	r.mu.Lock()
	if r.running {
		select {
		case r.queue <- e:
			r.mu.Unlock()
			return
		default:
			r.logger.Warn().Str("action", e.Action).Msg("Audit queue full; delivering inline")
		}
	}
	r.mu.Unlock()
	r.dispatch(ctx, e)
}

func (r *Recorder) loop(queue <-chan Event, stop <-chan struct{}) {
	defer r.wg.Done()
	for {
		select {
		case e := <-queue:
			r.dispatch(context.Background(), e)
		case <-stop:
			for {
				select {
				case e := <-queue:
					r.dispatch(context.Background(), e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) dispatch(ctx context.Context, e Event) {
	for _, sink := range r.sinks {
		emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.EmitTimeout)
		if err := sink.Emit(emitCtx, e); err != nil {
			r.logger.Error().Err(err).Str("action", e.Action).Str("event_id", e.ID.String()).Msg("Failed to emit audit event")
		}
		cancel()
	}
}
