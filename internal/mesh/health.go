package mesh

import (
	"context"
	"time"
)

// Health states derived from last-seen timestamps.
const (
	HealthActive   = "active"
	HealthInactive = "inactive"
	HealthStale    = "stale"
)

// Liveness thresholds.
const (
	ActiveWindow   = 60 * time.Second
	InactiveWindow = 30 * time.Minute
)

// HealthFor derives the health state from a last-seen timestamp in unix
// milliseconds. Zero (never seen) is stale.
func HealthFor(lastSeenMs int64, now time.Time) string {
	if lastSeenMs <= 0 {
		return HealthStale
	}
	age := now.Sub(time.UnixMilli(lastSeenMs))
	switch {
	case age < ActiveWindow:
		return HealthActive
	case age < InactiveWindow:
		return HealthInactive
	default:
		return HealthStale
	}
}

// StartHealthMonitor recomputes every agent's health on the interval and
// emits a health_changed event when an agent crosses a threshold. Runs until
// ctx is cancelled.
func (r *Registry) StartHealthMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweepHealth()
			}
		}
	}()
}

func (r *Registry) sweepHealth() {
	agents, err := r.all(`SELECT ` + manifestCols + ` FROM manifests`)
	if err != nil {
		r.logger.Warn("mesh.health.sweep_failed", "error", err)
		return
	}
	for _, a := range agents {
		r.mu.Lock()
		prev, seen := r.lastHealth[a.ID]
		r.lastHealth[a.ID] = a.Health
		r.mu.Unlock()

		if seen && prev != a.Health {
			r.event(a.ID, EventHealthChanged, prev+"->"+a.Health)
			r.logger.Info("mesh.agent.health_changed", "id", a.ID, "from", prev, "to", a.Health)
		}
	}
}
