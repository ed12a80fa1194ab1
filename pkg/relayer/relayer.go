// Package relayer defines the uniform contract each destination chain family
// implements. One Relayer instance serves one destination chain, owns its own
// connection state, and uses a single relay identity for all submissions so
// nonce and sequence assignment stays single-writer at the chain level.
package relayer

import (
	"context"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/crossline/relayd/pkg/message"
)

// Relayer is the per-destination-chain contract. All blocking operations take
// a context and are expected to be bounded by a per-call timeout. Read-only
// queries never mutate chain or relayer state.
type Relayer interface {
	// Connect opens the persistent client, resolves the relay identity and
	// binds the destination contract/program/pallet. A chain identifier
	// mismatch against the endpoint's actual network is a fatal error and
	// is not retried internally.
	Connect(ctx context.Context) error
	Close()

	// RelayMessage submits an attested message, idempotently: if the
	// destination already reports the message as received, it returns
	// success without submitting. Errors never escape as error returns;
	// every outcome is folded into the RelayResult.
	RelayMessage(ctx context.Context, a *message.Attestation) *RelayResult

	IsMessageReceived(ctx context.Context, hash message.Hash) (bool, error)
	IsNonceUsed(ctx context.Context, sourceDomain message.DomainID, nonce uint64) (bool, error)
	Balance(ctx context.Context) (*big.Int, error)
	CurrentBlock(ctx context.Context) (uint64, error)
	EstimateFee(ctx context.Context, a *message.Attestation) (*big.Int, error)

	Stats() Stats
	IsConnected() bool
	Domain() message.DomainID
	Name() string
}

// RelayResult records one relay attempt outcome. Immutable once returned.
type RelayResult struct {
	Success     bool             `json:"success"`
	Chain       string           `json:"chain"`
	ChainDomain message.DomainID `json:"chainDomain"`
	TxHash      string           `json:"txHash,omitempty"`
	GasUsed     uint64           `json:"gasUsed,omitempty"`
	BlockNumber uint64           `json:"blockNumber,omitempty"`
	Error       string           `json:"error,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Stats is a point-in-time snapshot of a relayer's submission counters.
type Stats struct {
	Submitted      uint64    `json:"submitted"`
	Confirmed      uint64    `json:"confirmed"`
	Failed         uint64    `json:"failed"`
	LastSubmission time.Time `json:"lastSubmission,omitempty"`
}

// StatsTracker is embedded by the chain family implementations to keep their
// submission counters without locking.
type StatsTracker struct {
	submitted      atomic.Uint64
	confirmed      atomic.Uint64
	failed         atomic.Uint64
	lastSubmission atomic.Int64
}

func (s *StatsTracker) RecordSubmission() {
	s.submitted.Add(1)
	s.lastSubmission.Store(time.Now().UnixNano())
}

func (s *StatsTracker) RecordConfirmed() {
	s.confirmed.Add(1)
}

func (s *StatsTracker) RecordFailed() {
	s.failed.Add(1)
}

func (s *StatsTracker) Snapshot() Stats {
	stats := Stats{
		Submitted: s.submitted.Load(),
		Confirmed: s.confirmed.Load(),
		Failed:    s.failed.Load(),
	}
	if ns := s.lastSubmission.Load(); ns != 0 {
		stats.LastSubmission = time.Unix(0, ns)
	}
	return stats
}
