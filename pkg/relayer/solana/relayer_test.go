package solana

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossline/relayd/pkg/message"
)

func TestInstructionData(t *testing.T) {
	sig := make([]byte, 64)
	sig[0] = 0x11
	sig[32] = 0x22

	a := &message.Attestation{
		Message:    []byte{0xde, 0xad},
		Signatures: [][]byte{sig},
	}

	data := instructionData(a)

	assert.Equal(t, byte(receiveMessageInstructionID), data[0])
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(data[1:5]))
	assert.Equal(t, []byte{0xde, 0xad}, data[5:7])
	assert.Equal(t, byte(1), data[7])

	// The 64-byte signature is carried as two 32-byte chunks.
	hi := data[8 : 8+32]
	lo := data[8+32 : 8+64]
	assert.Equal(t, byte(0x11), hi[0])
	assert.Equal(t, byte(0x22), lo[0])
	assert.Len(t, data, 8+64)
}

func TestInstructionDataShortSignature(t *testing.T) {
	a := &message.Attestation{
		Message:    []byte{0x01},
		Signatures: [][]byte{{0xff}},
	}

	data := instructionData(a)
	require.Len(t, data, 1+4+1+1+64)
	assert.Equal(t, byte(0xff), data[7])
}
