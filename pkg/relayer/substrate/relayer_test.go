package substrate

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFee(t *testing.T) {
	fee, ok := parseFee("125000000")
	require.True(t, ok)
	assert.Equal(t, big.NewInt(125000000), fee)

	fee, ok = parseFee("0xff")
	require.True(t, ok)
	assert.Equal(t, big.NewInt(255), fee)

	_, ok = parseFee("not-a-fee")
	assert.False(t, ok)
}

func TestNonceStorageKey(t *testing.T) {
	key := nonceStorageKey(0x01020304, 0x05060708090a0b0c)
	require.Len(t, key, 12)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, key[:4])
	assert.Equal(t, []byte{0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c}, key[4:])
}
