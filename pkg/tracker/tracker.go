// Package tracker keeps the per-message relay state machine. The map it owns
// is the only mutable shared state in the process; every mutation goes
// through a method on Tracker under one mutex.
package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crossline/relayd/pkg/message"
	"github.com/crossline/relayd/pkg/relayer"
)

var (
	trackedRelays = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayd_tracked_relays",
			Help: "Current number of tracked relay entries (including unexpired terminal ones)",
		})
	relaysExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayd_tracked_relays_expired_total",
			Help: "Total number of relay entries purged after the retention window",
		})
)

// Status is the lifecycle state of a relay.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRelaying Status = "relaying"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
)

// RelayStatus is the unit of durable relay state, keyed by message hash.
// Success is terminal and permanent; failed is terminal only once retries
// are exhausted.
type RelayStatus struct {
	MessageHash       message.Hash          `json:"messageHash"`
	SourceDomain      message.DomainID      `json:"sourceDomain"`
	DestinationDomain message.DomainID      `json:"destinationDomain"`
	Nonce             uint64                `json:"nonce"`
	Status            Status                `json:"status"`
	Attempts          int                   `json:"attempts"`
	LastAttemptTime   time.Time             `json:"lastAttemptTime"`
	NextRetryTime     time.Time             `json:"nextRetryTime"`
	TxHash            string                `json:"txHash,omitempty"`
	Error             string                `json:"error,omitempty"`
	CreatedAt         time.Time             `json:"createdAt"`
	UpdatedAt         time.Time             `json:"updatedAt"`
	History           []relayer.RelayResult `json:"history"`
}

// Stats aggregates tracked relays by status and destination domain.
type Stats struct {
	Total    int                      `json:"total"`
	Pending  int                      `json:"pending"`
	Relaying int                      `json:"relaying"`
	Success  int                      `json:"success"`
	Failed   int                      `json:"failed"`
	ByDomain map[message.DomainID]int `json:"byDomain"`
}

// Config sets the retry policy.
type Config struct {
	MaxRetries int
	// BaseDelay is the first retry delay; doubled per attempt when
	// ExponentialBackoff is set, capped at MaxDelay.
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	ExponentialBackoff bool
}

// DefaultConfig mirrors the production retry policy: five attempts, one
// minute base delay, exponential backoff capped at one hour.
func DefaultConfig() Config {
	return Config{
		MaxRetries:         5,
		BaseDelay:          time.Minute,
		MaxDelay:           time.Hour,
		ExponentialBackoff: true,
	}
}

// Tracker deduplicates messages and computes retry eligibility.
type Tracker struct {
	mu     sync.Mutex
	relays map[message.Hash]*RelayStatus
	cfg    Config

	// now is swappable for deterministic backoff and cleanup tests.
	now func() time.Time
}

func New(cfg Config) *Tracker {
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = time.Hour
	}
	return &Tracker{
		relays: make(map[message.Hash]*RelayStatus),
		cfg:    cfg,
		now:    time.Now,
	}
}

// nextRetryDelay computes min(base * 2^(attempts-1), max) for exponential
// backoff, or the flat base delay otherwise.
func (t *Tracker) nextRetryDelay(attempts int) time.Duration {
	if !t.cfg.ExponentialBackoff {
		return t.cfg.BaseDelay
	}
	d := t.cfg.BaseDelay * time.Duration(1<<uint(attempts-1)) // #nosec G115 -- attempts bounded by MaxRetries
	if d > t.cfg.MaxDelay || d <= 0 {
		return t.cfg.MaxDelay
	}
	return d
}

// Create registers an attempt for hash. The first call creates the entry
// with status relaying and attempts=1; later calls increment attempts,
// recompute the next retry time and move the entry back to relaying.
func (t *Tracker) Create(hash message.Hash, src, dst message.DomainID, nonce uint64) *RelayStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	r, ok := t.relays[hash]
	if !ok {
		r = &RelayStatus{
			MessageHash:       hash,
			SourceDomain:      src,
			DestinationDomain: dst,
			Nonce:             nonce,
			Status:            StatusRelaying,
			Attempts:          1,
			LastAttemptTime:   now,
			NextRetryTime:     now.Add(t.nextRetryDelay(1)),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		t.relays[hash] = r
		trackedRelays.Set(float64(len(t.relays)))
		return snapshot(r)
	}

	r.Attempts++
	r.Status = StatusRelaying
	r.LastAttemptTime = now
	r.NextRetryTime = now.Add(t.nextRetryDelay(r.Attempts))
	r.UpdatedAt = now
	return snapshot(r)
}

// MarkSuccess finalizes the relay. Success is terminal.
func (t *Tracker) MarkSuccess(hash message.Hash, result relayer.RelayResult) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.relays[hash]
	if !ok {
		return fmt.Errorf("no relay tracked for %s", hash)
	}
	r.Status = StatusSuccess
	r.TxHash = result.TxHash
	r.Error = ""
	r.History = append(r.History, result)
	r.UpdatedAt = t.now()
	return nil
}

// MarkFailed records a failed attempt. The entry goes back to pending while
// retries remain, preserving retryability; otherwise it becomes terminal
// failed.
func (t *Tracker) MarkFailed(hash message.Hash, result relayer.RelayResult) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.relays[hash]
	if !ok {
		return fmt.Errorf("no relay tracked for %s", hash)
	}
	if r.Attempts >= t.cfg.MaxRetries {
		r.Status = StatusFailed
	} else {
		r.Status = StatusPending
	}
	r.Error = result.Error
	r.History = append(r.History, result)
	r.UpdatedAt = t.now()
	return nil
}

// CanRetry reports whether a new attempt for hash is currently allowed.
func (t *Tracker) CanRetry(hash message.Hash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.relays[hash]
	if !ok {
		return true
	}
	if r.Status == StatusSuccess || r.Status == StatusRelaying {
		return false
	}
	if r.Attempts >= t.cfg.MaxRetries {
		return false
	}
	return !t.now().Before(r.NextRetryTime)
}

// IsRelayed reports a terminal successful delivery.
func (t *Tracker) IsRelayed(hash message.Hash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.relays[hash]
	return ok && r.Status == StatusSuccess
}

// IsRelaying reports an attempt currently in flight. This is the
// single-flight gate: the orchestrator checks it before starting an attempt.
func (t *Tracker) IsRelaying(hash message.Hash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.relays[hash]
	return ok && r.Status == StatusRelaying
}

// Relay returns a copy of the tracked entry for hash.
func (t *Tracker) Relay(hash message.Hash) (*RelayStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.relays[hash]
	if !ok {
		return nil, false
	}
	return snapshot(r), true
}

// RelayByNonce looks an entry up by its source domain and nonce.
func (t *Tracker) RelayByNonce(src message.DomainID, nonce uint64) (*RelayStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.relays {
		if r.SourceDomain == src && r.Nonce == nonce {
			return snapshot(r), true
		}
	}
	return nil, false
}

// PendingRelays returns entries eligible for the retry sweep: pending or
// failed-with-retries-left, past their next retry time.
func (t *Tracker) PendingRelays() []*RelayStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var out []*RelayStatus
	for _, r := range t.relays {
		if r.Status != StatusPending && r.Status != StatusFailed {
			continue
		}
		if r.Attempts >= t.cfg.MaxRetries {
			continue
		}
		if now.Before(r.NextRetryTime) {
			continue
		}
		out = append(out, snapshot(r))
	}
	return out
}

// Cleanup purges terminal entries older than maxAge: successes, and failures
// with retries exhausted. Pending and relaying entries are never purged.
// Returns the purged hashes so the caller can drop cached attestations.
func (t *Tracker) Cleanup(maxAge time.Duration) []message.Hash {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-maxAge)
	var purged []message.Hash
	for hash, r := range t.relays {
		terminal := r.Status == StatusSuccess ||
			(r.Status == StatusFailed && r.Attempts >= t.cfg.MaxRetries)
		if !terminal || r.UpdatedAt.After(cutoff) {
			continue
		}
		delete(t.relays, hash)
		purged = append(purged, hash)
	}
	if len(purged) > 0 {
		relaysExpired.Add(float64(len(purged)))
		trackedRelays.Set(float64(len(t.relays)))
	}
	return purged
}

// Stats aggregates counts by status and destination domain.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{ByDomain: make(map[message.DomainID]int)}
	for _, r := range t.relays {
		s.Total++
		s.ByDomain[r.DestinationDomain]++
		switch r.Status {
		case StatusPending:
			s.Pending++
		case StatusRelaying:
			s.Relaying++
		case StatusSuccess:
			s.Success++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// MaxRetries exposes the configured attempt ceiling.
func (t *Tracker) MaxRetries() int {
	return t.cfg.MaxRetries
}

func snapshot(r *RelayStatus) *RelayStatus {
	cp := *r
	cp.History = append([]relayer.RelayResult(nil), r.History...)
	return &cp
}
