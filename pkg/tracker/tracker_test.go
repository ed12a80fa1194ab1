package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossline/relayd/pkg/message"
	"github.com/crossline/relayd/pkg/relayer"
)

func testHash(b byte) message.Hash {
	var h message.Hash
	h[0] = b
	return h
}

// frozen pins the tracker clock to a settable instant.
func frozen(t *Tracker) *time.Time {
	now := time.Unix(1_700_000_000, 0)
	t.now = func() time.Time { return now }
	return &now
}

func TestBackoffTable(t *testing.T) {
	tr := New(Config{
		MaxRetries:         10,
		BaseDelay:          60000 * time.Millisecond,
		MaxDelay:           3600000 * time.Millisecond,
		ExponentialBackoff: true,
	})

	expected := []time.Duration{
		60000 * time.Millisecond,
		120000 * time.Millisecond,
		240000 * time.Millisecond,
		480000 * time.Millisecond,
		960000 * time.Millisecond,
	}
	for i, want := range expected {
		assert.Equal(t, want, tr.nextRetryDelay(i+1), "attempt %d", i+1)
	}

	// 60s * 2^6 = 64m, over the cap.
	assert.Equal(t, 3600000*time.Millisecond, tr.nextRetryDelay(7))
	// Shift overflow territory still returns the cap.
	assert.Equal(t, 3600000*time.Millisecond, tr.nextRetryDelay(64))
}

func TestFlatBackoff(t *testing.T) {
	tr := New(Config{MaxRetries: 3, BaseDelay: time.Minute})
	assert.Equal(t, time.Minute, tr.nextRetryDelay(1))
	assert.Equal(t, time.Minute, tr.nextRetryDelay(5))
}

func TestCreateTransitions(t *testing.T) {
	tr := New(DefaultConfig())
	now := frozen(tr)
	hash := testHash(0xaa)

	r := tr.Create(hash, 0, 2, 7)
	assert.Equal(t, StatusRelaying, r.Status)
	assert.Equal(t, 1, r.Attempts)
	assert.Equal(t, now.Add(time.Minute), r.NextRetryTime)
	assert.True(t, tr.IsRelaying(hash))
	assert.False(t, tr.IsRelayed(hash))

	require.NoError(t, tr.MarkFailed(hash, relayer.RelayResult{Error: "rpc timeout"}))
	r, ok := tr.Relay(hash)
	require.True(t, ok)
	assert.Equal(t, StatusPending, r.Status, "failed with retries left goes back to pending")
	assert.Equal(t, "rpc timeout", r.Error)
	assert.Len(t, r.History, 1)

	r = tr.Create(hash, 0, 2, 7)
	assert.Equal(t, 2, r.Attempts)
	assert.Equal(t, now.Add(2*time.Minute), r.NextRetryTime)

	require.NoError(t, tr.MarkSuccess(hash, relayer.RelayResult{Success: true, TxHash: "0xbeef"}))
	r, ok = tr.Relay(hash)
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, r.Status)
	assert.Equal(t, "0xbeef", r.TxHash)
	assert.Empty(t, r.Error)
	assert.True(t, tr.IsRelayed(hash))
}

func TestMarkUnknownHash(t *testing.T) {
	tr := New(DefaultConfig())
	assert.Error(t, tr.MarkSuccess(testHash(1), relayer.RelayResult{}))
	assert.Error(t, tr.MarkFailed(testHash(1), relayer.RelayResult{}))
}

func TestCanRetry(t *testing.T) {
	tr := New(Config{MaxRetries: 2, BaseDelay: time.Minute, ExponentialBackoff: true})
	now := frozen(tr)
	hash := testHash(0xbb)

	assert.True(t, tr.CanRetry(hash), "unknown hash is always eligible")

	tr.Create(hash, 0, 2, 7)
	assert.False(t, tr.CanRetry(hash), "in-flight attempt blocks retry")

	require.NoError(t, tr.MarkFailed(hash, relayer.RelayResult{Error: "revert"}))
	assert.False(t, tr.CanRetry(hash), "backoff window not yet elapsed")

	*now = now.Add(time.Minute)
	assert.True(t, tr.CanRetry(hash))

	tr.Create(hash, 0, 2, 7)
	require.NoError(t, tr.MarkFailed(hash, relayer.RelayResult{Error: "revert"}))
	*now = now.Add(24 * time.Hour)
	assert.False(t, tr.CanRetry(hash), "retries exhausted")

	success := testHash(0xcc)
	tr.Create(success, 0, 2, 8)
	require.NoError(t, tr.MarkSuccess(success, relayer.RelayResult{Success: true}))
	assert.False(t, tr.CanRetry(success), "success is terminal")
}

func TestPendingRelays(t *testing.T) {
	tr := New(Config{MaxRetries: 3, BaseDelay: time.Minute, ExponentialBackoff: true})
	now := frozen(tr)

	due := testHash(1)
	tr.Create(due, 0, 2, 1)
	require.NoError(t, tr.MarkFailed(due, relayer.RelayResult{Error: "timeout"}))

	young := testHash(2)
	tr.Create(young, 0, 3, 2)

	done := testHash(3)
	tr.Create(done, 0, 2, 3)
	require.NoError(t, tr.MarkSuccess(done, relayer.RelayResult{Success: true}))

	*now = now.Add(2 * time.Minute)

	pending := tr.PendingRelays()
	require.Len(t, pending, 1)
	assert.Equal(t, due, pending[0].MessageHash)
}

func TestCleanupBoundary(t *testing.T) {
	tr := New(Config{MaxRetries: 1, BaseDelay: time.Minute})
	now := frozen(tr)

	oldSuccess := testHash(1)
	tr.Create(oldSuccess, 0, 2, 1)
	require.NoError(t, tr.MarkSuccess(oldSuccess, relayer.RelayResult{Success: true}))

	oldExhausted := testHash(2)
	tr.Create(oldExhausted, 0, 2, 2)
	require.NoError(t, tr.MarkFailed(oldExhausted, relayer.RelayResult{Error: "revert"}))

	oldPending := testHash(3)
	tr.Create(oldPending, 0, 2, 3)

	*now = now.Add(48 * time.Hour)

	youngSuccess := testHash(4)
	tr.Create(youngSuccess, 0, 2, 4)
	require.NoError(t, tr.MarkSuccess(youngSuccess, relayer.RelayResult{Success: true}))

	purged := tr.Cleanup(24 * time.Hour)
	assert.ElementsMatch(t, []message.Hash{oldSuccess, oldExhausted}, purged)

	_, ok := tr.Relay(youngSuccess)
	assert.True(t, ok, "entry younger than the window is retained")

	_, ok = tr.Relay(oldPending)
	assert.True(t, ok, "pending entries are never purged regardless of age")
}

func TestRelayByNonce(t *testing.T) {
	tr := New(DefaultConfig())
	tr.Create(testHash(9), 5, 2, 42)

	r, ok := tr.RelayByNonce(5, 42)
	require.True(t, ok)
	assert.Equal(t, testHash(9), r.MessageHash)

	_, ok = tr.RelayByNonce(5, 43)
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	tr := New(Config{MaxRetries: 1, BaseDelay: time.Minute})

	tr.Create(testHash(1), 0, 2, 1)
	tr.Create(testHash(2), 0, 2, 2)
	require.NoError(t, tr.MarkSuccess(testHash(2), relayer.RelayResult{Success: true}))
	tr.Create(testHash(3), 0, 3, 3)
	require.NoError(t, tr.MarkFailed(testHash(3), relayer.RelayResult{Error: "revert"}))

	s := tr.Stats()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Relaying)
	assert.Equal(t, 1, s.Success)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 2, s.ByDomain[2])
	assert.Equal(t, 1, s.ByDomain[3])
}

func TestSnapshotIsolation(t *testing.T) {
	tr := New(DefaultConfig())
	hash := testHash(7)
	tr.Create(hash, 0, 2, 7)

	r, _ := tr.Relay(hash)
	r.Status = StatusFailed
	r.History = append(r.History, relayer.RelayResult{Error: "mutated"})

	fresh, _ := tr.Relay(hash)
	assert.Equal(t, StatusRelaying, fresh.Status)
	assert.Empty(t, fresh.History)
}
