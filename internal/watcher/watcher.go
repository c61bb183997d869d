// Package watcher waits for an embedded interview to finish. A Watcher races
// independent completion signals (status polling, a cross-window message,
// the interview window closing, the server's event stream) and reports the
// first one exactly once.
package watcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Signal is a completion notification from one source.
type Signal struct {
	Source string
	// ResponseData is set by sources that observed the payload itself.
	ResponseData json.RawMessage
}

// Source produces at most one completion signal. Run blocks until it fires,
// ctx is cancelled, or it fails.
type Source interface {
	Name() string
	Run(ctx context.Context, fire func(Signal)) error
}

// Watcher races its sources and calls onComplete for the first signal.
type Watcher struct {
	sources    []Source
	onComplete func(Signal)
	logger     *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	done    chan struct{}
	result  Signal
}

// New creates a watcher over sources. onComplete runs on its own goroutine
// and may be nil when callers use Wait instead.
func New(onComplete func(Signal), logger *slog.Logger, sources ...Source) *Watcher {
	return &Watcher{
		sources:    sources,
		onComplete: onComplete,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start launches every source. A second Start is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	for _, src := range w.sources {
		w.wg.Add(1)
		go func(src Source) {
			defer w.wg.Done()
			err := src.Run(ctx, w.fire)
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("completion source failed", "source", src.Name(), "error", err)
			}
		}(src)
	}
}

// fire records the first signal, cancels the other sources, and notifies.
func (w *Watcher) fire(sig Signal) {
	w.once.Do(func() {
		w.mu.Lock()
		w.result = sig
		cancel := w.cancel
		w.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		w.logger.Info("interview completed", "source", sig.Source)
		close(w.done)
		if w.onComplete != nil {
			// Off the source goroutine so onComplete may call Stop.
			go w.onComplete(sig)
		}
	})
}

// Done is closed once a signal has fired.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until a signal fires or ctx ends.
func (w *Watcher) Wait(ctx context.Context) (Signal, error) {
	select {
	case <-w.done:
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.result, nil
	case <-ctx.Done():
		return Signal{}, ctx.Err()
	}
}

// Stop cancels every source and waits for them to return. A signal that
// has not fired by then never will.
func (w *Watcher) Stop() {
	w.once.Do(func() {})

	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}
