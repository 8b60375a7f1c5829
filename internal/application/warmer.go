package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jobrunner/tessera/internal/domain"
)

// ErrRateLimited is returned when the warm-up API rate limit is exceeded.
var ErrRateLimited = errors.New("rate limit exceeded")

// triggerCooldown is the minimum time between two manual warm-ups.
const triggerCooldown = 30 * time.Second

// WarmResult contains the result of a warm-up run.
type WarmResult struct {
	Patterns        int       `json:"patterns"`
	Resolved        int       `json:"resolved"`
	Failed          int       `json:"failed"`
	Files           int       `json:"files"`
	WarmedAt        time.Time `json:"warmed_at"`
	NextScheduledAt time.Time `json:"next_scheduled_at,omitempty"`
}

// Warmer resolves configured patterns at startup and re-resolves them
// periodically so that requests find a fresh cache entry.
type Warmer struct {
	resolver *DatasetResolver
	patterns []domain.LocationPattern
	interval time.Duration
	logger   *slog.Logger

	// Lifecycle management
	stopCh chan struct{}
	wg     sync.WaitGroup

	// Rate limiting for API triggers
	lastAPIWarm time.Time
	apiMutex    sync.Mutex

	// Prevents concurrent warm-ups
	warmOpMutex sync.Mutex

	nextWarm time.Time
	warmMu   sync.RWMutex
}

// NewWarmer creates a new warmer. An interval of zero warms once at start.
func NewWarmer(resolver *DatasetResolver, patterns []domain.LocationPattern, interval time.Duration, logger *slog.Logger) *Warmer {
	return &Warmer{
		resolver: resolver,
		patterns: patterns,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		// Allow an immediate first API call
		lastAPIWarm: time.Now().Add(-triggerCooldown - time.Second),
	}
}

// Start warms the cache once and then on every interval.
func (w *Warmer) Start(ctx context.Context) {
	w.logger.Info("starting cache warmer", "patterns", len(w.patterns), "interval", w.interval)

	w.wg.Add(1)
	go w.run(ctx)
}

func (w *Warmer) run(ctx context.Context) {
	defer w.wg.Done()

	w.Warm(ctx)
	if w.interval <= 0 {
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.setNextWarm(time.Now().Add(w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("cache warmer stopped: context canceled")
			return
		case <-w.stopCh:
			w.logger.Info("cache warmer stopped")
			return
		case <-ticker.C:
			w.logger.Debug("scheduled warm-up triggered")
			w.Warm(ctx)
			w.setNextWarm(time.Now().Add(w.interval))
		}
	}
}

// Stop gracefully stops the warmer.
func (w *Warmer) Stop() {
	w.logger.Info("stopping cache warmer")
	close(w.stopCh)
	w.wg.Wait()
}

// TriggerWarm re-resolves all configured patterns on request. It returns
// ErrRateLimited when called again within the cooldown.
func (w *Warmer) TriggerWarm(ctx context.Context) (WarmResult, error) {
	w.apiMutex.Lock()
	defer w.apiMutex.Unlock()

	if time.Since(w.lastAPIWarm) < triggerCooldown {
		return WarmResult{}, ErrRateLimited
	}
	w.lastAPIWarm = time.Now()

	res := w.Warm(ctx)
	res.NextScheduledAt = w.getNextWarm()
	return res, nil
}

// Warm re-resolves every configured pattern. Failures are logged and
// counted; they do not stop the run.
func (w *Warmer) Warm(ctx context.Context) WarmResult {
	w.warmOpMutex.Lock()
	defer w.warmOpMutex.Unlock()

	res := WarmResult{Patterns: len(w.patterns)}
	for _, p := range w.patterns {
		if ctx.Err() != nil {
			break
		}
		ds, err := w.resolver.Refresh(ctx, p)
		if err != nil {
			res.Failed++
			w.logger.Warn("warming dataset failed", "pattern", p, "error", err)
			continue
		}
		res.Resolved++
		res.Files += len(ds.Files)
	}
	res.WarmedAt = time.Now()

	w.logger.Info("cache warm-up completed",
		"resolved", res.Resolved,
		"failed", res.Failed,
		"files", res.Files,
	)
	return res
}

func (w *Warmer) setNextWarm(t time.Time) {
	w.warmMu.Lock()
	defer w.warmMu.Unlock()
	w.nextWarm = t
}

func (w *Warmer) getNextWarm() time.Time {
	w.warmMu.RLock()
	defer w.warmMu.RUnlock()
	return w.nextWarm
}

// Interval returns the warm-up interval.
func (w *Warmer) Interval() time.Duration {
	return w.interval
}
