package orchestrator

import (
	"context"

	"github.com/crossline/relayd/pkg/message"
)

type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

type ChainHealth struct {
	Name         string `json:"name"`
	Connected    bool   `json:"connected"`
	CurrentBlock uint64 `json:"currentBlock"`
	Balance      string `json:"balance"`
}

type Health struct {
	Status           HealthStatus                     `json:"status"`
	Uptime           string                           `json:"uptime"`
	TotalRelays      int                              `json:"totalRelays"`
	SuccessfulRelays int                              `json:"successfulRelays"`
	FailedRelays     int                              `json:"failedRelays"`
	PendingRelays    int                              `json:"pendingRelays"`
	Chains           map[message.DomainID]ChainHealth `json:"chains"`
}

// HealthSummary reports overall service health: healthy when at least half
// of the configured chains are connected, degraded when some are, unhealthy
// when none are.
func (o *Orchestrator) HealthSummary(ctx context.Context) *Health {
	chains := make(map[message.DomainID]ChainHealth, len(o.relayers))
	connected := 0
	for domain, r := range o.relayers {
		ch := ChainHealth{Name: r.Name(), Connected: r.IsConnected(), Balance: "0"}
		if ch.Connected {
			connected++
			if height, err := r.CurrentBlock(ctx); err == nil {
				ch.CurrentBlock = height
			}
			if bal, err := r.Balance(ctx); err == nil {
				ch.Balance = bal.String()
			}
		}
		chains[domain] = ch
	}

	status := StatusUnhealthy
	switch {
	case len(o.relayers) == 0:
		// Nothing configured; nothing can be unhealthy.
		status = StatusHealthy
	case connected*2 >= len(o.relayers):
		status = StatusHealthy
	case connected > 0:
		status = StatusDegraded
	}

	stats := o.tracker.Stats()
	return &Health{
		Status:           status,
		Uptime:           o.Uptime().String(),
		TotalRelays:      stats.Total,
		SuccessfulRelays: stats.Success,
		FailedRelays:     stats.Failed,
		PendingRelays:    stats.Pending + stats.Relaying,
		Chains:           chains,
	}
}
