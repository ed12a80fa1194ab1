package tron

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	eth_crypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossline/relayd/pkg/message"
)

func TestAddressFromKey(t *testing.T) {
	key, err := eth_crypto.HexToECDSA("4c0883a69102937d6231471b5dbb6204fe512961708279f1d5e5fafe4d4e3f2e")
	require.NoError(t, err)

	addr := addressFromKey(key)
	assert.True(t, strings.HasPrefix(addr, "41"))
	assert.Len(t, addr, 42)
}

func TestNormalizeAddress(t *testing.T) {
	full := "41" + strings.Repeat("ab", 20)

	got, err := normalizeAddress(full)
	require.NoError(t, err)
	assert.Equal(t, full, got)

	got, err = normalizeAddress("0x" + strings.Repeat("ab", 20))
	require.NoError(t, err)
	assert.Equal(t, full, got)

	_, err = normalizeAddress("42" + strings.Repeat("ab", 20))
	assert.Error(t, err)

	_, err = normalizeAddress("abcd")
	assert.Error(t, err)
}

func TestNormalizeAddressBase58Check(t *testing.T) {
	payload, err := hex.DecodeString("41" + strings.Repeat("ab", 20))
	require.NoError(t, err)
	h1 := sha256.Sum256(payload)
	h2 := sha256.Sum256(h1[:])
	encoded := base58.Encode(append(payload, h2[:4]...))
	require.True(t, strings.HasPrefix(encoded, "T"))

	got, err := normalizeAddress(encoded)
	require.NoError(t, err)
	assert.Equal(t, "41"+strings.Repeat("ab", 20), got)

	// Corrupt the checksum.
	bad := base58.Encode(append(payload, 0, 0, 0, 0))
	require.True(t, strings.HasPrefix(bad, "T"))
	_, err = normalizeAddress(bad)
	assert.Error(t, err)
}

func TestPackReceiveMessage(t *testing.T) {
	a := &message.Attestation{
		Message:    make([]byte, 80),
		Signatures: [][]byte{make([]byte, 65)},
	}

	param, err := packReceiveMessage(a)
	require.NoError(t, err)

	raw, err := hex.DecodeString(param)
	require.NoError(t, err)
	// Two head words precede the dynamic tails.
	assert.GreaterOrEqual(t, len(raw), 64+32+80)
	assert.Equal(t, byte(0x40), raw[31], "first head word points past the head")
}

func TestPackNonceQuery(t *testing.T) {
	param := packNonceQuery(2, 7)
	require.Len(t, param, 128)
	assert.Equal(t, strings.Repeat("0", 63)+"2", param[:64])
	assert.Equal(t, strings.Repeat("0", 63)+"7", param[64:])
}

func TestConstantResultTrue(t *testing.T) {
	trueWord := strings.Repeat("0", 63) + "1"
	falseWord := strings.Repeat("0", 64)

	assert.True(t, constantResultTrue([]byte(`{"constant_result": ["`+trueWord+`"]}`)))
	assert.False(t, constantResultTrue([]byte(`{"constant_result": ["`+falseWord+`"]}`)))
	assert.False(t, constantResultTrue([]byte(`{}`)))
}

func TestParseReceipt(t *testing.T) {
	success := []byte(`{"receipt": {"result": "SUCCESS", "energy_usage_total": 31895}, "blockNumber": 55721891}`)
	rec, found := parseReceipt(success)
	require.True(t, found)
	assert.True(t, rec.success)
	assert.Equal(t, uint64(31895), rec.energyUsed)
	assert.Equal(t, uint64(55721891), rec.blockNumber)

	reverted := []byte(`{"receipt": {"result": "REVERT", "energy_usage_total": 12000}, "resMessage": "` +
		hex.EncodeToString([]byte("message already processed")) + `", "blockNumber": 55721900}`)
	rec, found = parseReceipt(reverted)
	require.True(t, found)
	assert.False(t, rec.success)
	assert.Equal(t, "message already processed", rec.revertMessage)

	_, found = parseReceipt([]byte(`{}`))
	assert.False(t, found)
}

func TestDecodeHexMessage(t *testing.T) {
	assert.Equal(t, "REVERT opcode executed", decodeHexMessage(hex.EncodeToString([]byte("REVERT opcode executed"))))
	assert.Equal(t, "not-hex!", decodeHexMessage("not-hex!"))
}

func TestAPIError(t *testing.T) {
	assert.Equal(t, "class org.tron.core.exception", apiError([]byte(`{"Error": "class org.tron.core.exception"}`)))
	msg := hex.EncodeToString([]byte("contract validate error"))
	assert.Equal(t, "contract validate error", apiError([]byte(`{"result": {"result": false, "message": "`+msg+`"}}`)))
	assert.Empty(t, apiError([]byte(`{"result": {"result": true}}`)))
	assert.Empty(t, apiError([]byte(`{"constant_result": ["00"]}`)))
}
