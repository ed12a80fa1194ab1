package evm

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgeABIParses(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(bridgeABI))
	require.NoError(t, err)

	for _, method := range []string{"receiveMessage", "isMessageReceived", "isNonceUsed"} {
		_, ok := parsed.Methods[method]
		assert.True(t, ok, "missing method %s", method)
	}
}

func TestPackReceiveMessage(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(bridgeABI))
	require.NoError(t, err)

	msg := make([]byte, 80)
	sigs := [][]byte{make([]byte, 65), make([]byte, 65)}

	calldata, err := parsed.Pack("receiveMessage", msg, sigs)
	require.NoError(t, err)
	assert.Equal(t, parsed.Methods["receiveMessage"].ID, calldata[:4])
}

func TestPackQueries(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(bridgeABI))
	require.NoError(t, err)

	var hash [32]byte
	hash[0] = 0xaa
	calldata, err := parsed.Pack("isMessageReceived", hash)
	require.NoError(t, err)
	assert.Len(t, calldata, 4+32)

	calldata, err = parsed.Pack("isNonceUsed", uint32(0), uint64(7))
	require.NoError(t, err)
	assert.Len(t, calldata, 4+64)
}

func TestLegacyFeeCap(t *testing.T) {
	// Cap tracks the padded gas price quote, not the tip.
	tipCap := big.NewInt(2_000_000_000)
	gasPrice := big.NewInt(50_000_000_000)
	assert.Equal(t, big.NewInt(60_000_000_000), legacyFeeCap(tipCap, gasPrice))

	// A quote below the tip is clamped up so the pair stays valid.
	tipCap = big.NewInt(100_000_000_000)
	assert.Equal(t, tipCap, legacyFeeCap(tipCap, big.NewInt(1_000_000_000)))
}
