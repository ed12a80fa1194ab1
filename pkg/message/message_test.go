package message

import (
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage() *DecodedMessage {
	var sender, recipient Address
	sender[31] = 0x11
	recipient[31] = 0x22

	return &DecodedMessage{
		SourceDomain:      0,
		DestinationDomain: 2,
		Nonce:             7,
		Sender:            sender,
		Recipient:         recipient,
		Amount:            big.NewInt(1_000_000),
		Payload:           []byte{0xde, 0xad, 0xbe, 0xef},
	}
}

func TestRoundTrip(t *testing.T) {
	m := testMessage()

	decoded, err := Unmarshal(m.Marshal())
	require.NoError(t, err)

	assert.Equal(t, m.SourceDomain, decoded.SourceDomain)
	assert.Equal(t, m.DestinationDomain, decoded.DestinationDomain)
	assert.Equal(t, m.Nonce, decoded.Nonce)
	assert.Equal(t, m.Sender, decoded.Sender)
	assert.Equal(t, m.Recipient, decoded.Recipient)
	assert.Equal(t, 0, m.Amount.Cmp(decoded.Amount))
	assert.Equal(t, m.Payload, decoded.Payload)
}

func TestRoundTripNoOptionalFields(t *testing.T) {
	m := testMessage()
	m.Amount = nil
	m.Payload = nil

	data := m.Marshal()
	assert.Len(t, data, 80)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Nil(t, decoded.Amount)
	assert.Nil(t, decoded.Payload)
}

func TestRoundTripAmountNoPayload(t *testing.T) {
	m := testMessage()
	m.Payload = nil

	data := m.Marshal()
	assert.Len(t, data, 96)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	require.NotNil(t, decoded.Amount)
	assert.Equal(t, 0, m.Amount.Cmp(decoded.Amount))
	assert.Nil(t, decoded.Payload)
}

func TestUnmarshalTooShort(t *testing.T) {
	_, err := Unmarshal(make([]byte, 79))
	assert.ErrorIs(t, err, ErrMessageTooShort)

	_, err = Unmarshal(nil)
	assert.ErrorIs(t, err, ErrMessageTooShort)
}

func TestUnmarshalTruncatedAmount(t *testing.T) {
	// Every length strictly between header and header+amount has no valid
	// reading and must not decode to something Marshal cannot reproduce.
	for n := minMessageLength + 1; n < minMessageLength+amountLength; n++ {
		_, err := Unmarshal(make([]byte, n))
		assert.ErrorIs(t, err, ErrTruncatedAmount, "length %d", n)
	}

	// The boundaries themselves stay valid.
	m, err := Unmarshal(make([]byte, minMessageLength))
	require.NoError(t, err)
	assert.Len(t, m.Marshal(), minMessageLength)

	m, err = Unmarshal(make([]byte, minMessageLength+amountLength))
	require.NoError(t, err)
	assert.Len(t, m.Marshal(), minMessageLength+amountLength)
}

func TestUnmarshalHex(t *testing.T) {
	m := testMessage()

	decoded, err := UnmarshalHex("0x" + hex.EncodeToString(m.Marshal()))
	require.NoError(t, err)
	assert.Equal(t, m.Nonce, decoded.Nonce)

	_, err = UnmarshalHex("zz")
	assert.Error(t, err)
}

func TestHashFromHex(t *testing.T) {
	h, err := HashFromHex("0x" + "aa" + strings.Repeat("00", 31))
	require.NoError(t, err)
	assert.Equal(t, uint8(0xaa), h[0])

	_, err = HashFromHex("aabb")
	assert.Error(t, err)
}

func TestAddressFromBytes(t *testing.T) {
	a, err := AddressFromBytes([]byte{0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, uint8(0x01), a[30])
	assert.Equal(t, uint8(0x02), a[31])

	_, err = AddressFromBytes(make([]byte, 33))
	assert.Error(t, err)
}

func TestMessageID(t *testing.T) {
	assert.Equal(t, "0/7", testMessage().MessageID())
}
