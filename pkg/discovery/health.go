package discovery

import (
	"time"

	"DroidView/pkg/broadcast"
)

// Status is the coarse discovery health
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
)

// Health is a snapshot of discovery health. A degraded poller leaves the
// registry as it was; it never reports "no devices" on a bridge failure.
type Health struct {
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	LastSuccess         time.Time `json:"lastSuccess,omitempty"`
	SkippedTicks        uint64    `json:"skippedTicks"`
}

// Health returns the current snapshot
func (p *Poller) Health() Health {
	p.healthMu.RLock()
	h := p.health
	p.healthMu.RUnlock()
	h.SkippedTicks = p.skipped.Load()
	return h
}

// SubscribeHealth streams health transitions after this call
func (p *Poller) SubscribeHealth() *broadcast.Subscription[Health] {
	return p.healthHub.Subscribe()
}

func (p *Poller) recordFailure(err error) {
	p.healthMu.Lock()
	p.health.Status = StatusDegraded
	p.health.ConsecutiveFailures++
	p.health.LastError = err.Error()
	h := p.health
	p.healthMu.Unlock()

	p.logger.Warn().Err(err).Int("failures", h.ConsecutiveFailures).Msg("Discovery degraded")
	h.SkippedTicks = p.skipped.Load()
	p.healthHub.Publish(h)
}

func (p *Poller) recordSuccess() {
	p.healthMu.Lock()
	changed := p.health.Status != StatusHealthy
	p.health.Status = StatusHealthy
	p.health.ConsecutiveFailures = 0
	p.health.LastError = ""
	p.health.LastSuccess = time.Now()
	h := p.health
	p.healthMu.Unlock()

	if changed {
		p.logger.Info().Msg("Discovery healthy")
		h.SkippedTicks = p.skipped.Load()
		p.healthHub.Publish(h)
	}
}
