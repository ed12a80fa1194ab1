package message

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAttestation(t *testing.T) *Attestation {
	t.Helper()
	a, err := AttestationFromHex(
		"0x"+strings.Repeat("aa", 32),
		hex.EncodeToString(testMessage().Marshal()),
		[]string{strings.Repeat("01", 64), strings.Repeat("02", 64)},
		true,
	)
	require.NoError(t, err)
	return a
}

func TestAttestationFromHex(t *testing.T) {
	a := testAttestation(t)

	assert.Equal(t, uint8(0xaa), a.MessageHash[0])
	assert.Equal(t, 2, a.SignatureCount)
	assert.True(t, a.ThresholdMet)
	assert.Len(t, a.Signatures[0], 64)
}

func TestAttestationFromHexRejectsBadInput(t *testing.T) {
	_, err := AttestationFromHex("xx", "00", nil, true)
	assert.Error(t, err)

	_, err = AttestationFromHex(strings.Repeat("aa", 32), "zz", nil, true)
	assert.Error(t, err)

	_, err = AttestationFromHex(strings.Repeat("aa", 32), "00", []string{"zz"}, true)
	assert.Error(t, err)
}

func TestAttestationBinaryRoundTrip(t *testing.T) {
	a := testAttestation(t)

	data, err := a.MarshalBinary()
	require.NoError(t, err)

	decoded, err := UnmarshalAttestation(data)
	require.NoError(t, err)

	assert.Equal(t, a.MessageHash, decoded.MessageHash)
	assert.Equal(t, a.Message, decoded.Message)
	assert.Equal(t, a.Signatures, decoded.Signatures)
	assert.Equal(t, a.SignatureCount, decoded.SignatureCount)
	assert.Equal(t, a.ThresholdMet, decoded.ThresholdMet)
}

func TestUnmarshalAttestationTruncated(t *testing.T) {
	a := testAttestation(t)
	data, err := a.MarshalBinary()
	require.NoError(t, err)

	for _, n := range []int{0, 16, 33, len(data) - 1} {
		_, err := UnmarshalAttestation(data[:n])
		assert.Error(t, err, "truncated at %d", n)
	}
}
