package muxadapter

import (
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// StatsCollector periodically samples pane stats for every session name
// it is told about, so the supervisor can surface pane size/liveness
// without polling on every request.
type StatsCollector struct {
	adapter Adapter
	logger  *slog.Logger
	cron    *cron.Cron

	mu     sync.Mutex
	names  map[string]struct{}
	latest map[string]PaneStats
}

// NewStatsCollector builds a collector sampling at the given cron
// schedule (e.g. "@every 5s"). The teacher had no equivalent scheduler
// of its own; cron/v3 is used here instead of a hand-rolled ticker so
// the sampling cadence is configurable via a standard expression.
func NewStatsCollector(adapter Adapter, logger *slog.Logger, schedule string) (*StatsCollector, error) {
	c := cron.New()
	sc := &StatsCollector{
		adapter: adapter,
		logger:  logger,
		cron:    c,
		names:   make(map[string]struct{}),
		latest:  make(map[string]PaneStats),
	}
	if _, err := c.AddFunc(schedule, sc.sample); err != nil {
		return nil, err
	}
	return sc, nil
}

func (sc *StatsCollector) Start() { sc.cron.Start() }
func (sc *StatsCollector) Stop()  { sc.cron.Stop() }

// Track registers a session name for sampling.
func (sc *StatsCollector) Track(name string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.names[name] = struct{}{}
}

// Untrack removes a session name from sampling.
func (sc *StatsCollector) Untrack(name string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	delete(sc.names, name)
	delete(sc.latest, name)
}

// Latest returns the most recent sample for a session, if any.
func (sc *StatsCollector) Latest(name string) (PaneStats, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	st, ok := sc.latest[name]
	return st, ok
}

func (sc *StatsCollector) sample() {
	sc.mu.Lock()
	names := make([]string, 0, len(sc.names))
	for n := range sc.names {
		names = append(names, n)
	}
	sc.mu.Unlock()

	for _, name := range names {
		st, err := sc.adapter.Stats(name)
		if err != nil {
			sc.logger.Debug("stats sample failed", "name", name, "err", err)
			continue
		}
		sc.mu.Lock()
		sc.latest[name] = st
		sc.mu.Unlock()
	}
}
