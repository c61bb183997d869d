package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is a Poller lifecycle state.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateDone
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDone:
		return "done"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DefaultInterval is the gap between status checks.
const DefaultInterval = 2 * time.Second

// Poller checks the completion status once immediately and then on a
// single ticker until a completed status with data is seen.
type Poller struct {
	fetcher  StatusFetcher
	interval time.Duration
	onDone   func(Status)
	logger   *slog.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller. onDone runs at most once, on the polling
// goroutine, after the poller has reached StateDone.
func NewPoller(fetcher StatusFetcher, interval time.Duration, onDone func(Status), logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		fetcher:  fetcher,
		interval: interval,
		onDone:   onDone,
		logger:   logger,
	}
}

// State returns the current lifecycle state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start begins polling. Calling Start while polling, done or stopped is a
// no-op, so there is never more than one ticker.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateIdle {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.state = StatePolling
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop cancels polling and waits for the polling goroutine to exit. No
// fetch is issued after Stop returns.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.state == StatePolling {
		p.state = StateStopped
	}
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context) {
	status, ok := p.loop(ctx)

	p.mu.Lock()
	switch {
	case p.state != StatePolling:
		ok = false
	case ok:
		p.state = StateDone
	default:
		p.state = StateStopped
	}
	p.mu.Unlock()
	p.wg.Done()

	if ok && p.onDone != nil {
		p.onDone(status)
	}
}

func (p *Poller) loop(ctx context.Context) (Status, bool) {
	if status, ok := p.check(ctx); ok {
		return status, true
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Status{}, false
		case <-ticker.C:
			if ctx.Err() != nil {
				return Status{}, false
			}
			if status, ok := p.check(ctx); ok {
				return status, true
			}
		}
	}
}

func (p *Poller) check(ctx context.Context) (Status, bool) {
	status, err := p.fetcher.FetchStatus(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("completion status check failed", "error", err)
		}
		return Status{}, false
	}
	return status, status.HasData()
}
