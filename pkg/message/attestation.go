package message

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// AttestationFromHex builds an Attestation from the aggregator's hex-encoded
// representation. SignatureCount is derived from the signature list; the
// caller supplies ThresholdMet as reported by the aggregator.
func AttestationFromHex(messageHash string, messageHex string, signatureHexes []string, thresholdMet bool) (*Attestation, error) {
	hash, err := HashFromHex(messageHash)
	if err != nil {
		return nil, err
	}

	msg, err := hex.DecodeString(strings.TrimPrefix(messageHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid message hex: %w", err)
	}

	sigs := make([][]byte, len(signatureHexes))
	for i, s := range signatureHexes {
		sig, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid signature hex [%d]: %w", i, err)
		}
		sigs[i] = sig
	}

	return &Attestation{
		MessageHash:    hash,
		Message:        msg,
		Signatures:     sigs,
		SignatureCount: len(sigs),
		ThresholdMet:   thresholdMet,
	}, nil
}

// MarshalBinary serializes the attestation for the durable cache. Layout:
// 32-byte hash, uint8 threshold flag, uint32 message length + message,
// uint8 signature count, then per signature uint16 length + bytes.
func (a *Attestation) MarshalBinary() ([]byte, error) {
	if len(a.Signatures) > 255 {
		return nil, fmt.Errorf("too many signatures: %d", len(a.Signatures))
	}

	buf := new(bytes.Buffer)
	buf.Write(a.MessageHash[:])

	flag := uint8(0)
	if a.ThresholdMet {
		flag = 1
	}
	MustWrite(buf, binary.BigEndian, flag)

	MustWrite(buf, binary.BigEndian, uint32(len(a.Message))) // #nosec G115 -- length bounded by wire format
	buf.Write(a.Message)

	MustWrite(buf, binary.BigEndian, uint8(len(a.Signatures)))
	for _, sig := range a.Signatures {
		if len(sig) > 0xffff {
			return nil, fmt.Errorf("signature too long: %d", len(sig))
		}
		MustWrite(buf, binary.BigEndian, uint16(len(sig)))
		buf.Write(sig)
	}

	return buf.Bytes(), nil
}

// UnmarshalAttestation is the inverse of MarshalBinary.
func UnmarshalAttestation(data []byte) (*Attestation, error) {
	a := &Attestation{}
	reader := bytes.NewReader(data)

	if n, err := reader.Read(a.MessageHash[:]); err != nil || n != len(a.MessageHash) {
		return nil, fmt.Errorf("failed to read message hash: %w", err)
	}

	flag, err := reader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read threshold flag: %w", err)
	}
	a.ThresholdMet = flag == 1

	var msgLen uint32
	if err := binary.Read(reader, binary.BigEndian, &msgLen); err != nil {
		return nil, fmt.Errorf("failed to read message length: %w", err)
	}
	if int(msgLen) > reader.Len() {
		return nil, fmt.Errorf("message length %d exceeds remaining %d bytes", msgLen, reader.Len())
	}
	a.Message = make([]byte, msgLen)
	if _, err := io.ReadFull(reader, a.Message); err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	sigCount, err := reader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read signature count: %w", err)
	}
	a.Signatures = make([][]byte, sigCount)
	for i := range a.Signatures {
		var sigLen uint16
		if err := binary.Read(reader, binary.BigEndian, &sigLen); err != nil {
			return nil, fmt.Errorf("failed to read signature length [%d]: %w", i, err)
		}
		if int(sigLen) > reader.Len() {
			return nil, fmt.Errorf("signature length %d exceeds remaining %d bytes", sigLen, reader.Len())
		}
		a.Signatures[i] = make([]byte, sigLen)
		if _, err := io.ReadFull(reader, a.Signatures[i]); err != nil {
			return nil, fmt.Errorf("failed to read signature [%d]: %w", i, err)
		}
	}
	a.SignatureCount = int(sigCount)

	return a, nil
}
