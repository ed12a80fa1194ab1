package tron

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/tidwall/gjson"

	"github.com/crossline/relayd/pkg/message"
)

// The virtual machine is EVM-compatible; parameters are standard ABI
// encodings minus the four-byte selector, which the API carries separately
// as function_selector.
var (
	bytesType, _    = abi.NewType("bytes", "", nil)
	bytesArrType, _ = abi.NewType("bytes[]", "", nil)

	receiveMessageArgs = abi.Arguments{
		{Type: bytesType},
		{Type: bytesArrType},
	}
)

func packReceiveMessage(a *message.Attestation) (string, error) {
	packed, err := receiveMessageArgs.Pack(a.Message, a.Signatures)
	if err != nil {
		return "", fmt.Errorf("failed to pack arguments: %w", err)
	}
	return hex.EncodeToString(packed), nil
}

// packNonceQuery encodes (uint32 sourceDomain, uint64 nonce) as two
// left-padded 32-byte words.
func packNonceQuery(sourceDomain message.DomainID, nonce uint64) string {
	var buf [64]byte
	buf[28] = byte(sourceDomain >> 24)
	buf[29] = byte(sourceDomain >> 16)
	buf[30] = byte(sourceDomain >> 8)
	buf[31] = byte(sourceDomain)
	for i := 0; i < 8; i++ {
		buf[56+i] = byte(nonce >> (56 - 8*i))
	}
	return hex.EncodeToString(buf[:])
}

// constantResultTrue decodes a boolean return word from a constant call
// response.
func constantResultTrue(out []byte) bool {
	res := gjson.GetBytes(out, "constant_result.0").String()
	res = strings.TrimLeft(res, "0")
	return res == "1"
}
