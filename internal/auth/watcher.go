package auth

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/keithlinneman/formhub-edge/internal/log"
)

const (
	DefaultPollInterval = time.Minute

	// maxBackoff caps exponential backoff on consecutive poll errors.
	maxBackoff = 5 * time.Minute
)

type pollResult int

const (
	pollNoChange pollResult = iota
	pollSwapped
	pollPointerError // CurrentHash failed, back off
	pollLoadError    // new hash seen but fetch/verify/parse failed, keep current set
)

// WatcherMetrics is implemented by the metrics package.
type WatcherMetrics interface {
	IncUsersPolls()
	IncUsersSwaps()
	IncUsersError(stage string)
	SetUsersLoaded(n int)
}

type WatcherOptions struct {
	Logger       log.Logger
	Loader       Loader
	Store        *Store
	PollInterval time.Duration
	Metrics      WatcherMetrics
}

// Watcher polls a Loader and swaps new credentials into a Store.
type Watcher struct {
	loader   Loader
	store    *Store
	logger   log.Logger
	interval time.Duration
	metrics  WatcherMetrics

	currentHash     string
	consecutiveErrs int
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		loader:      opts.Loader,
		store:       opts.Store,
		logger:      opts.Logger,
		interval:    interval,
		metrics:     opts.Metrics,
		currentHash: opts.Store.SHA256(),
	}
}

// Run polls until ctx is cancelled. Launch with: go w.Run(ctx)
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "users watcher starting",
		"poll_interval", w.interval.String(),
		"current_hash", truncHash(w.currentHash),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "users watcher stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			if w.checkOnce(ctx) == pollPointerError {
				w.consecutiveErrs++
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "users watcher: backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_poll_in", backoff.String(),
				)
				ticker.Reset(backoff)
			} else if w.consecutiveErrs > 0 {
				w.logger.Info(ctx, "users watcher: recovered", "had_consecutive_errors", w.consecutiveErrs)
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}
		}
	}
}

func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	if w.metrics != nil {
		w.metrics.IncUsersPolls()
	}

	hash, err := w.loader.CurrentHash(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "users watcher: poll failed")
		if w.metrics != nil {
			w.metrics.IncUsersError("pointer")
		}
		return pollPointerError
	}
	if hashEqual(hash, w.currentHash) {
		return pollNoChange
	}

	snap, err := w.loader.LoadHash(ctx, hash)
	if err != nil {
		w.logger.Error(ctx, err, "users watcher: load failed, keeping current credentials",
			"hash", truncHash(hash),
		)
		if w.metrics != nil {
			stage := "load"
			var le *LoadError
			if errors.As(err, &le) {
				stage = le.Stage
			}
			w.metrics.IncUsersError(stage)
		}
		return pollLoadError
	}

	old, oldSource := w.currentHash, w.store.Source()
	w.store.Set(*snap)
	w.currentHash = snap.SHA256
	w.logger.Info(ctx, "users watcher: credentials swapped",
		"old_hash", truncHash(old),
		"old_source", oldSource,
		"new_hash", truncHash(snap.SHA256),
		"users", len(snap.Users),
	)
	if w.metrics != nil {
		w.metrics.IncUsersSwaps()
		w.metrics.SetUsersLoaded(len(snap.Users))
	}
	return pollSwapped
}

// consecutiveErrs=1 -> 2x interval, 2 -> 4x, capped at maxBackoff.
func (w *Watcher) backoffDuration() time.Duration {
	d := time.Duration(float64(w.interval) * math.Pow(2, float64(w.consecutiveErrs)))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
