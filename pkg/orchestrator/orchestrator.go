// Package orchestrator owns the set of chain relayers and the relay tracker.
// It gates incoming attestations, routes them to the destination chain's
// relayer and runs the periodic retry sweep.
package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/crossline/relayd/pkg/db"
	"github.com/crossline/relayd/pkg/message"
	"github.com/crossline/relayd/pkg/relayer"
	"github.com/crossline/relayd/pkg/tracker"
)

var (
	attestationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_attestations_processed_total",
			Help: "Total number of attestations handed to the orchestrator, by outcome of the gate checks",
		}, []string{"outcome"})
	relayAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_relay_attempts_total",
			Help: "Total number of relay attempts, by destination chain",
		}, []string{"chain"})
	relaySuccesses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_relay_successes_total",
			Help: "Total number of successful relays, by destination chain",
		}, []string{"chain"})
	relayFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_relay_failures_total",
			Help: "Total number of failed relay attempts, by destination chain",
		}, []string{"chain"})
	chainsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayd_chains_connected",
			Help: "Number of chain relayers currently connected",
		})
	pendingRelaysGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayd_pending_relays",
			Help: "Number of relays currently pending or in flight",
		})
	relayerBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayd_relayer_balance",
			Help: "Relay identity balance per chain, in the chain's base unit",
		}, []string{"chain"})
	relayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayd_relay_duration_seconds",
			Help:    "End-to-end duration of relay attempts including confirmation wait",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"chain"})
)

// Config is the orchestrator's runtime policy.
type Config struct {
	// SignatureThreshold is the minimum attester signature count. An
	// attestation below it is dropped, never retried.
	SignatureThreshold int
	// PollInterval is the retry sweep period.
	PollInterval time.Duration
	// CleanupInterval is the tracker reaping period.
	CleanupInterval time.Duration
	// RetentionWindow is how long terminal entries stay queryable before
	// cleanup reaps them.
	RetentionWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		SignatureThreshold: 2,
		PollInterval:       30 * time.Second,
		CleanupInterval:    5 * time.Minute,
		RetentionWindow:    24 * time.Hour,
	}
}

type Orchestrator struct {
	logger   *zap.Logger
	cfg      Config
	tracker  *tracker.Tracker
	db       *db.Database
	relayers map[message.DomainID]relayer.Relayer

	// gate serializes the dedup/threshold checks against relay creation so
	// two concurrent deliveries of the same message cannot both pass. It
	// also guards closed.
	gate   sync.Mutex
	closed bool

	// inflight lets Run wait for attempts to settle before disconnecting,
	// so an abandoned submission cannot be double-submitted later. Attempts
	// are registered inside admit, under the gate, so teardown cannot slip
	// between admission and the attempt.
	inflight sync.WaitGroup

	events    chan Event
	startTime time.Time
}

func New(logger *zap.Logger, cfg Config, tr *tracker.Tracker, store *db.Database, relayers []relayer.Relayer) *Orchestrator {
	byDomain := make(map[message.DomainID]relayer.Relayer, len(relayers))
	for _, r := range relayers {
		byDomain[r.Domain()] = r
	}
	return &Orchestrator{
		logger:    logger,
		cfg:       cfg,
		tracker:   tr,
		db:        store,
		relayers:  byDomain,
		events:    make(chan Event, eventBuffer),
		startTime: time.Now(),
	}
}

// Tracker exposes read access for the status API.
func (o *Orchestrator) Tracker() *tracker.Tracker { return o.tracker }

// Relayers returns the routing table. The map is never mutated after New.
func (o *Orchestrator) Relayers() map[message.DomainID]relayer.Relayer { return o.relayers }

// ProcessAttestation validates, deduplicates and relays one attestation.
// The returned result is nil when the attestation was dropped or skipped by
// a gate; gates are not failures.
func (o *Orchestrator) ProcessAttestation(ctx context.Context, a *message.Attestation) *relayer.RelayResult {
	decoded, ok := o.admit(a)
	if !ok {
		return nil
	}
	return o.relay(ctx, a, decoded)
}

// admit runs the gate checks and, when they pass, registers the attempt and
// caches the attestation for the retry sweep. Holding the gate across check
// and create is what makes a concurrent duplicate a no-op.
func (o *Orchestrator) admit(a *message.Attestation) (*message.DecodedMessage, bool) {
	logger := o.logger.With(zap.Stringer("messageHash", a.MessageHash))

	// A threshold violation is a correctness problem, not a transient one.
	if !a.ThresholdMet || a.SignatureCount < o.cfg.SignatureThreshold {
		attestationsProcessed.WithLabelValues("below_threshold").Inc()
		logger.Warn("attestation below signature threshold, dropping",
			zap.Int("signatures", a.SignatureCount),
			zap.Int("threshold", o.cfg.SignatureThreshold),
			zap.Bool("thresholdMet", a.ThresholdMet))
		return nil, false
	}

	o.gate.Lock()
	defer o.gate.Unlock()

	if o.closed {
		attestationsProcessed.WithLabelValues("shutdown").Inc()
		logger.Warn("orchestrator shutting down, rejecting attestation")
		return nil, false
	}

	if o.tracker.IsRelayed(a.MessageHash) || o.tracker.IsRelaying(a.MessageHash) {
		attestationsProcessed.WithLabelValues("duplicate").Inc()
		logger.Debug("message already relayed or in flight, skipping")
		return nil, false
	}
	if !o.tracker.CanRetry(a.MessageHash) {
		attestationsProcessed.WithLabelValues("backoff").Inc()
		logger.Debug("message not yet eligible for retry, skipping")
		return nil, false
	}

	decoded, err := message.Unmarshal(a.Message)
	if err != nil {
		// Malformed bytes can never succeed on retry.
		attestationsProcessed.WithLabelValues("malformed").Inc()
		logger.Error("failed to decode message, dropping", zap.Error(err))
		return nil, false
	}

	o.tracker.Create(a.MessageHash, decoded.SourceDomain, decoded.DestinationDomain, decoded.Nonce)

	if err := o.db.StoreAttestation(a); err != nil {
		// The relay proceeds; only sweep-driven retries are degraded.
		logger.Error("failed to cache attestation for retries", zap.Error(err))
	}

	attestationsProcessed.WithLabelValues("accepted").Inc()
	o.inflight.Add(1)
	return decoded, true
}

// relay routes the admitted attestation and records the outcome.
func (o *Orchestrator) relay(ctx context.Context, a *message.Attestation, decoded *message.DecodedMessage) *relayer.RelayResult {
	defer o.inflight.Done()

	logger := o.logger.With(
		zap.Stringer("messageHash", a.MessageHash),
		zap.Uint32("destinationDomain", uint32(decoded.DestinationDomain)),
		zap.String("messageId", decoded.MessageID()))

	dest, ok := o.relayers[decoded.DestinationDomain]
	if !ok {
		// Recorded as a normal failed attempt so operators see it in
		// /stats; it will not self-heal without a config change.
		result := &relayer.RelayResult{
			ChainDomain: decoded.DestinationDomain,
			Error:       fmt.Sprintf("No relayer configured for domain %d", decoded.DestinationDomain),
			Timestamp:   time.Now(),
		}
		o.recordFailure(logger, a.MessageHash, result)
		return result
	}

	// A chain whose connection never came up (or was torn down) must not be
	// driven; its client state is unusable. Same bookkeeping as a missing
	// relayer, so the entry stays visible and retries once it reconnects.
	if !dest.IsConnected() {
		relayFailures.WithLabelValues(dest.Name()).Inc()
		result := &relayer.RelayResult{
			Chain:       dest.Name(),
			ChainDomain: decoded.DestinationDomain,
			Error:       fmt.Sprintf("Relayer for domain %d is not connected", decoded.DestinationDomain),
			Timestamp:   time.Now(),
		}
		o.recordFailure(logger, a.MessageHash, result)
		return result
	}

	relayAttempts.WithLabelValues(dest.Name()).Inc()
	start := time.Now()
	result := dest.RelayMessage(ctx, a)
	relayDuration.WithLabelValues(dest.Name()).Observe(time.Since(start).Seconds())

	if result.Success {
		relaySuccesses.WithLabelValues(dest.Name()).Inc()
		if err := o.tracker.MarkSuccess(a.MessageHash, *result); err != nil {
			logger.Error("failed to record success", zap.Error(err))
		}
		if err := o.db.StoreArchivedResult(a.MessageHash, result); err != nil {
			logger.Error("failed to archive result", zap.Error(err))
		}
		o.emit(Event{Type: EventRelaySucceeded, MessageHash: a.MessageHash, Result: result})
		logger.Info("relay succeeded",
			zap.String("txHash", result.TxHash),
			zap.Uint64("gasUsed", result.GasUsed))
	} else {
		relayFailures.WithLabelValues(dest.Name()).Inc()
		o.recordFailure(logger, a.MessageHash, result)
	}
	return result
}

func (o *Orchestrator) recordFailure(logger *zap.Logger, hash message.Hash, result *relayer.RelayResult) {
	if err := o.tracker.MarkFailed(hash, *result); err != nil {
		logger.Error("failed to record failure", zap.Error(err))
	}
	if status, ok := o.tracker.Relay(hash); ok && status.Status == tracker.StatusFailed {
		// Retries exhausted; archive the terminal outcome.
		if err := o.db.StoreArchivedResult(hash, result); err != nil {
			logger.Error("failed to archive result", zap.Error(err))
		}
		o.emit(Event{Type: EventRelayExhausted, MessageHash: hash, Result: result})
	} else {
		o.emit(Event{Type: EventRelayFailed, MessageHash: hash, Result: result})
	}
	logger.Warn("relay failed", zap.String("error", result.Error))
}

// sweepRetries re-attempts every tracked relay whose backoff has elapsed,
// using the attestation cached at admission. A missing cache entry is a
// normal failure: the entry stays visible and the aggregator can re-deliver.
func (o *Orchestrator) sweepRetries(ctx context.Context) {
	pending := o.tracker.PendingRelays()
	if len(pending) == 0 {
		return
	}
	o.logger.Info("retry sweep", zap.Int("eligible", len(pending)))

	for _, p := range pending {
		if ctx.Err() != nil {
			return
		}

		a, err := o.db.Attestation(p.MessageHash)
		if err != nil {
			o.logger.Error("no cached attestation for retry",
				zap.Stringer("messageHash", p.MessageHash), zap.Error(err))
			o.tracker.Create(p.MessageHash, p.SourceDomain, p.DestinationDomain, p.Nonce)
			result := &relayer.RelayResult{
				ChainDomain: p.DestinationDomain,
				Error:       "attestation not cached, cannot resubmit",
				Timestamp:   time.Now(),
			}
			o.recordFailure(o.logger, p.MessageHash, result)
			continue
		}

		o.emit(Event{Type: EventRetryScheduled, MessageHash: p.MessageHash})
		o.ProcessAttestation(ctx, a)
	}
}

// refreshGauges updates the connection, backlog and balance gauges.
func (o *Orchestrator) refreshGauges(ctx context.Context) {
	connected := 0
	for _, r := range o.relayers {
		if !r.IsConnected() {
			continue
		}
		connected++
		if bal, err := r.Balance(ctx); err == nil {
			f, _ := new(big.Float).SetInt(bal).Float64()
			relayerBalance.WithLabelValues(r.Name()).Set(f)
		}
	}
	chainsConnected.Set(float64(connected))

	stats := o.tracker.Stats()
	pendingRelaysGauge.Set(float64(stats.Pending + stats.Relaying))
}

// Run connects every enabled relayer and drives the retry and cleanup
// timers until ctx is cancelled. Individual connection failures leave that
// chain out of routing; they do not fail startup.
func (o *Orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for domain, r := range o.relayers {
		wg.Add(1)
		go func(domain message.DomainID, r relayer.Relayer) {
			defer wg.Done()
			if err := r.Connect(ctx); err != nil {
				o.logger.Error("chain connection failed, excluded from routing",
					zap.String("chain", r.Name()),
					zap.Uint32("domain", uint32(domain)),
					zap.Error(err))
			}
		}(domain, r)
	}
	wg.Wait()
	o.refreshGauges(ctx)
	o.logger.Info("orchestrator started", zap.Int("chains", len(o.relayers)))

	sweep := time.NewTicker(o.cfg.PollInterval)
	defer sweep.Stop()
	cleanup := time.NewTicker(o.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			// Refuse new admissions first, then let in-flight submissions
			// settle before tearing down connections; abandoning an
			// unsettled submission invites a double-spend on restart. Once
			// the gate is closed and the in-flight count drained, nothing
			// can emit or touch a relayer again.
			o.gate.Lock()
			o.closed = true
			o.gate.Unlock()
			o.inflight.Wait()
			for _, r := range o.relayers {
				r.Close()
			}
			close(o.events)
			o.logger.Info("orchestrator stopped")
			return ctx.Err()
		case <-sweep.C:
			o.sweepRetries(ctx)
			o.refreshGauges(ctx)
		case <-cleanup.C:
			purged := o.tracker.Cleanup(o.cfg.RetentionWindow)
			for _, hash := range purged {
				if err := o.db.DeleteAttestation(hash); err != nil {
					o.logger.Error("failed to drop cached attestation",
						zap.Stringer("messageHash", hash), zap.Error(err))
				}
			}
			if len(purged) > 0 {
				o.logger.Info("reaped terminal relays", zap.Int("count", len(purged)))
			}
		}
	}
}

// Uptime reports how long the orchestrator has been constructed.
func (o *Orchestrator) Uptime() time.Duration {
	return time.Since(o.startTime)
}
