package artifacts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/brunobiangulo/poalegal/retrieval"
)

// Dispatcher saves artifacts in the background. Submit never blocks the
// caller; a full queue drops the artifact with ErrQueueFull.
type Dispatcher struct {
	sink    Sink
	timeout time.Duration
	queue   chan *retrieval.StorableArtifact

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	saved  int64
	failed int64
}

// NewDispatcher starts one worker writing to sink. timeout bounds each save.
func NewDispatcher(sink Sink, queueSize int, timeout time.Duration) *Dispatcher {
	if queueSize < 1 {
		queueSize = 64
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	d := &Dispatcher{
		sink:    sink,
		timeout: timeout,
		queue:   make(chan *retrieval.StorableArtifact, queueSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Submit(a *retrieval.StorableArtifact) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- a:
		return nil
	default:
		slog.Warn("artifacts: queue full, dropping artifact", "artifact_id", a.ArtifactID)
		return ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for a := range d.queue {
		d.save(a)
	}
}

func (d *Dispatcher) save(a *retrieval.StorableArtifact) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	start := time.Now()
	err := d.sink.Save(ctx, a)

	d.mu.Lock()
	if err != nil {
		d.failed++
	} else {
		d.saved++
	}
	d.mu.Unlock()

	if err != nil {
		slog.Error("artifacts: save failed",
			"artifact_id", a.ArtifactID, "sink", d.sink.Name(), "error", err)
		return
	}
	slog.Debug("artifacts: saved",
		"artifact_id", a.ArtifactID, "sink", d.sink.Name(),
		"elapsed_ms", time.Since(start).Milliseconds())
}

// Stats returns the number of successful and failed saves so far.
func (d *Dispatcher) Stats() (saved, failed int64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.saved, d.failed
}

// Close stops accepting artifacts and waits for queued ones to be saved,
// or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
