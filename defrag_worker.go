package quadpool

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefragWorkerConfig configures idle-time defragmentation.
type DefragWorkerConfig struct {
	Interval time.Duration // Time between passes.

	// Threshold is the fragmentation ratio, from 0 to 1, above which a pool
	// is defragmented.
	Threshold float64
}

func DefaultDefragWorkerConfig() DefragWorkerConfig {
	return DefragWorkerConfig{
		Interval:  time.Second,
		Threshold: 0.3,
	}
}

func (c DefragWorkerConfig) Validate() error {
	var errs []error
	if c.Interval <= 0 {
		errs = append(errs, errors.New("invalid config: Interval must be positive"))
	}
	if c.Threshold < 0 || c.Threshold >= 1 {
		errs = append(errs, errors.New("invalid config: Threshold must be in [0, 1)"))
	}
	return errors.Join(errs...)
}

// DefragWorker periodically defragments the fragmented pools of a registry.
type DefragWorker struct {
	registry  *Registry
	interval  time.Duration
	threshold float64
	logger    *slog.Logger
}

func NewDefragWorker(r *Registry, config DefragWorkerConfig) (*DefragWorker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &DefragWorker{
		registry:  r,
		interval:  config.Interval,
		threshold: config.Threshold,
		logger:    r.logger,
	}, nil
}

// Run defragments pools every interval until ctx is done.
func (w *DefragWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce()
		}
	}
}

// RunOnce defragments every usable pool whose fragmentation exceeds the
// threshold and returns the number of groups merged.
func (w *DefragWorker) RunOnce() int {
	merged := 0
	for _, p := range w.registry.Pools() {
		ratio := p.Fragmentation()
		if ratio <= w.threshold {
			continue
		}
		w.logger.Debug("High fragmentation detected, defragmenting pool",
			"pool", p.Name(), "fragmentation", ratio)
		n, err := p.Defragment()
		merged += n
		if err != nil && !errors.Is(err, ErrPoolClosed) && !errors.Is(err, ErrPoolCorrupted) {
			w.logger.Error("Error during defragmentation", "pool", p.Name(), "error", err)
		}
	}
	return merged
}
