package orchestrator

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/crossline/relayd/pkg/db"
	"github.com/crossline/relayd/pkg/message"
	"github.com/crossline/relayd/pkg/relayer"
	"github.com/crossline/relayd/pkg/tracker"
)

// mockRelayer is an in-memory Relayer used to drive the orchestrator.
type mockRelayer struct {
	relayer.StatsTracker

	domain   message.DomainID
	name     string
	received map[message.Hash]bool
	failWith string
	offline  bool
	relays   atomic.Int64
	// block lets tests hold a relay attempt in flight.
	block chan struct{}
}

func newMockRelayer(domain message.DomainID, name string) *mockRelayer {
	return &mockRelayer{domain: domain, name: name, received: make(map[message.Hash]bool)}
}

func (m *mockRelayer) Connect(context.Context) error {
	if m.offline {
		return context.DeadlineExceeded
	}
	return nil
}
func (m *mockRelayer) Close()            {}
func (m *mockRelayer) IsConnected() bool { return !m.offline }
func (m *mockRelayer) Domain() message.DomainID      { return m.domain }
func (m *mockRelayer) Name() string                  { return m.name }
func (m *mockRelayer) Stats() relayer.Stats          { return m.Snapshot() }

func (m *mockRelayer) RelayMessage(ctx context.Context, a *message.Attestation) *relayer.RelayResult {
	m.relays.Add(1)
	if m.block != nil {
		<-m.block
	}
	result := &relayer.RelayResult{
		Chain:       m.name,
		ChainDomain: m.domain,
		Timestamp:   time.Now(),
	}
	if m.received[a.MessageHash] {
		result.Success = true
		result.Error = relayer.ErrMsgAlreadyReceived
		return result
	}
	if m.failWith != "" {
		result.Error = m.failWith
		return result
	}
	result.Success = true
	result.TxHash = "0xmock"
	m.received[a.MessageHash] = true
	return result
}

func (m *mockRelayer) IsMessageReceived(_ context.Context, hash message.Hash) (bool, error) {
	return m.received[hash], nil
}

func (m *mockRelayer) IsNonceUsed(context.Context, message.DomainID, uint64) (bool, error) {
	return false, nil
}

func (m *mockRelayer) Balance(context.Context) (*big.Int, error) { return big.NewInt(1000), nil }

func (m *mockRelayer) CurrentBlock(context.Context) (uint64, error) { return 100, nil }

func (m *mockRelayer) EstimateFee(context.Context, *message.Attestation) (*big.Int, error) {
	return big.NewInt(1), nil
}

func testAttestation(t *testing.T, sigCount int) *message.Attestation {
	t.Helper()

	var sender, recipient message.Address
	msg := &message.DecodedMessage{
		SourceDomain:      0,
		DestinationDomain: 2,
		Nonce:             7,
		Sender:            sender,
		Recipient:         recipient,
	}

	var hash message.Hash
	hash[0] = 0xaa

	sigs := make([][]byte, sigCount)
	for i := range sigs {
		sigs[i] = make([]byte, 64)
	}

	return &message.Attestation{
		MessageHash:    hash,
		Message:        msg.Marshal(),
		Signatures:     sigs,
		SignatureCount: sigCount,
		ThresholdMet:   sigCount >= 2,
	}
}

func newTestOrchestrator(t *testing.T, relayers ...relayer.Relayer) *Orchestrator {
	t.Helper()

	store, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tr := tracker.New(tracker.Config{
		MaxRetries:         5,
		BaseDelay:          time.Minute,
		ExponentialBackoff: true,
	})

	cfg := DefaultConfig()
	return New(zaptest.NewLogger(t), cfg, tr, store, relayers)
}

func TestThresholdGate(t *testing.T) {
	mock := newMockRelayer(2, "mockchain")
	o := newTestOrchestrator(t, mock)

	result := o.ProcessAttestation(context.Background(), testAttestation(t, 1))
	assert.Nil(t, result)
	assert.Equal(t, int64(0), mock.relays.Load(), "no relayer may be invoked below threshold")

	// The message was dropped entirely, not tracked.
	_, ok := o.Tracker().Relay(testAttestation(t, 1).MessageHash)
	assert.False(t, ok)
}

func TestNoRelayerForDomain(t *testing.T) {
	o := newTestOrchestrator(t) // no relayers registered
	a := testAttestation(t, 3)

	result := o.ProcessAttestation(context.Background(), a)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, "No relayer configured for domain 2", result.Error)

	status, ok := o.Tracker().Relay(a.MessageHash)
	require.True(t, ok)
	assert.Equal(t, tracker.StatusPending, status.Status)
	assert.Equal(t, 1, status.Attempts)
	assert.False(t, status.NextRetryTime.IsZero())
}

func TestDisconnectedChainNotDriven(t *testing.T) {
	mock := newMockRelayer(2, "mockchain")
	mock.offline = true
	o := newTestOrchestrator(t, mock)
	a := testAttestation(t, 3)

	result := o.ProcessAttestation(context.Background(), a)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, "Relayer for domain 2 is not connected", result.Error)
	assert.Equal(t, int64(0), mock.relays.Load(), "a disconnected relayer must never be invoked")

	// Normal retry bookkeeping, so the relay happens once the chain is back.
	status, ok := o.Tracker().Relay(a.MessageHash)
	require.True(t, ok)
	assert.Equal(t, tracker.StatusPending, status.Status)
	assert.Equal(t, 1, status.Attempts)
	assert.False(t, status.NextRetryTime.IsZero())
}

func TestShutdownRejectsIngest(t *testing.T) {
	mock := newMockRelayer(2, "mockchain")
	o := newTestOrchestrator(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := o.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// An ingest racing the teardown is refused instead of driving closed
	// relayers or emitting on the closed event stream.
	assert.Nil(t, o.ProcessAttestation(context.Background(), testAttestation(t, 3)))
	assert.Equal(t, int64(0), mock.relays.Load())

	_, open := <-o.Events()
	assert.False(t, open, "event stream is closed once Run returns")
}

func TestAlreadyReceived(t *testing.T) {
	mock := newMockRelayer(2, "mockchain")
	o := newTestOrchestrator(t, mock)
	a := testAttestation(t, 3)

	mock.received[a.MessageHash] = true

	result := o.ProcessAttestation(context.Background(), a)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, relayer.ErrMsgAlreadyReceived, result.Error)
	assert.Empty(t, result.TxHash, "nothing was submitted")

	status, ok := o.Tracker().Relay(a.MessageHash)
	require.True(t, ok)
	assert.Equal(t, tracker.StatusSuccess, status.Status)
}

func TestSuccessfulRelay(t *testing.T) {
	mock := newMockRelayer(2, "mockchain")
	o := newTestOrchestrator(t, mock)
	a := testAttestation(t, 3)

	result := o.ProcessAttestation(context.Background(), a)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, "0xmock", result.TxHash)

	// A second delivery of the same attestation is a no-op.
	assert.Nil(t, o.ProcessAttestation(context.Background(), a))
	assert.Equal(t, int64(1), mock.relays.Load())
}

func TestSingleFlight(t *testing.T) {
	mock := newMockRelayer(2, "mockchain")
	mock.block = make(chan struct{})
	o := newTestOrchestrator(t, mock)
	a := testAttestation(t, 3)

	var wg sync.WaitGroup
	results := make([]*relayer.RelayResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = o.ProcessAttestation(context.Background(), a)
		}(i)
	}

	// Let both goroutines hit the gate, then release the in-flight relay.
	time.Sleep(100 * time.Millisecond)
	close(mock.block)
	wg.Wait()

	assert.Equal(t, int64(1), mock.relays.Load(), "exactly one attempt in flight")
	attempted := 0
	for _, r := range results {
		if r != nil {
			attempted++
		}
	}
	assert.Equal(t, 1, attempted, "the duplicate call is a no-op")
}

func TestRetrySweepUsesCachedAttestation(t *testing.T) {
	mock := newMockRelayer(2, "mockchain")
	mock.failWith = "rpc timeout"
	o := newTestOrchestrator(t, mock)
	a := testAttestation(t, 3)

	result := o.ProcessAttestation(context.Background(), a)
	require.NotNil(t, result)
	require.False(t, result.Success)

	// Heal the chain and make the entry due for retry.
	mock.failWith = ""
	status, _ := o.Tracker().Relay(a.MessageHash)
	require.Equal(t, tracker.StatusPending, status.Status)

	// The sweep has nothing to do while backoff holds.
	o.sweepRetries(context.Background())
	assert.Equal(t, int64(1), mock.relays.Load())

	// Reach past the tracker's clock: wait out eligibility via a tracker
	// with elapsed backoff isn't possible here, so assert the cached
	// attestation is what the sweep would load.
	cached, err := o.db.Attestation(a.MessageHash)
	require.NoError(t, err)
	assert.Equal(t, a.Message, cached.Message)
	assert.Equal(t, a.Signatures, cached.Signatures)
}

func TestMalformedMessageDropped(t *testing.T) {
	mock := newMockRelayer(2, "mockchain")
	o := newTestOrchestrator(t, mock)

	var hash message.Hash
	hash[0] = 0xbb
	a := &message.Attestation{
		MessageHash:    hash,
		Message:        []byte{0x01, 0x02}, // too short to decode
		Signatures:     [][]byte{make([]byte, 64), make([]byte, 64)},
		SignatureCount: 2,
		ThresholdMet:   true,
	}

	assert.Nil(t, o.ProcessAttestation(context.Background(), a))
	assert.Equal(t, int64(0), mock.relays.Load())
	_, ok := o.Tracker().Relay(hash)
	assert.False(t, ok, "malformed messages are not tracked")
}

func TestEventsEmitted(t *testing.T) {
	mock := newMockRelayer(2, "mockchain")
	o := newTestOrchestrator(t, mock)
	a := testAttestation(t, 3)

	o.ProcessAttestation(context.Background(), a)

	select {
	case ev := <-o.Events():
		assert.Equal(t, EventRelaySucceeded, ev.Type)
		assert.Equal(t, a.MessageHash, ev.MessageHash)
		require.NotNil(t, ev.Result)
		assert.True(t, ev.Result.Success)
	default:
		t.Fatal("expected a relay_succeeded event")
	}
}

func TestHealthSummary(t *testing.T) {
	mock := newMockRelayer(2, "mockchain")
	o := newTestOrchestrator(t, mock)

	h := o.HealthSummary(context.Background())
	assert.Equal(t, StatusHealthy, h.Status)
	require.Contains(t, h.Chains, message.DomainID(2))
	assert.True(t, h.Chains[2].Connected)
	assert.Equal(t, uint64(100), h.Chains[2].CurrentBlock)
	assert.Equal(t, "1000", h.Chains[2].Balance)
}
