package message

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"strings"
)

type (
	// DomainID identifies one chain in the routing table. Domain assignments
	// are stable across the whole system; they are not chain IDs.
	DomainID uint32

	// Address is a routing address. Native addresses shorter than 32 bytes
	// are zero-padded on the left.
	Address [32]byte

	// Hash is a 32-byte message hash, the primary key of a relay.
	Hash [32]byte

	// DecodedMessage holds the routing fields decoded from the fixed-layout
	// wire message. It is derived deterministically and never mutated.
	DecodedMessage struct {
		SourceDomain      DomainID
		DestinationDomain DomainID
		Nonce             uint64
		Sender            Address
		Recipient         Address
		// Amount is the optional 128-bit transfer amount. Nil when the
		// message carries no amount field.
		Amount *big.Int
		// Payload is the optional application payload trailing the header.
		Payload []byte
	}

	// Attestation is a message plus its attester signatures, as handed over
	// by the aggregation service once the signature threshold is reached.
	// Signature validity is established upstream; ThresholdMet is trusted.
	Attestation struct {
		MessageHash    Hash     `json:"messageHash"`
		Message        []byte   `json:"-"`
		Signatures     [][]byte `json:"-"`
		SignatureCount int      `json:"signatureCount"`
		ThresholdMet   bool     `json:"thresholdMet"`
	}
)

const (
	// minMessageLength is the fixed header: 4 source domain + 4 destination
	// domain + 8 nonce + 32 sender + 32 recipient.
	minMessageLength = 80

	// amountLength is the optional big-endian amount field.
	amountLength = 16
)

var (
	ErrMessageTooShort = fmt.Errorf("message shorter than %d byte header", minMessageLength)

	// ErrTruncatedAmount rejects a trailer longer than the header but shorter
	// than the amount field; such a message has no valid reading.
	ErrTruncatedAmount = fmt.Errorf("message trailer shorter than the %d byte amount field", amountLength)
)

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

func (a Address) Bytes() []byte {
	return a[:]
}

func (a Address) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`"%s"`, a)), nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`"%s"`, h)), nil
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := HashFromHex(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// HashFromHex parses a 32-byte hex string, with or without a 0x prefix.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return h, fmt.Errorf("invalid message hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("invalid message hash length: %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// AddressFromBytes left-pads input shorter than 32 bytes.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) > len(a) {
		return a, fmt.Errorf("address longer than 32 bytes: %d", len(b))
	}
	copy(a[len(a)-len(b):], b)
	return a, nil
}

// Unmarshal decodes the fixed-layout wire message:
//
//	[0:4)   source domain
//	[4:8)   destination domain
//	[8:16)  nonce
//	[16:48) sender
//	[48:80) recipient
//	[80:96) amount (optional)
//	[96:)   payload (optional)
//
// All integers big-endian. The amount and payload are best-effort trailing
// fields; anything shorter than the 80-byte header is rejected, as is a
// trailer too short to hold the amount.
func Unmarshal(data []byte) (*DecodedMessage, error) {
	if len(data) < minMessageLength {
		return nil, ErrMessageTooShort
	}

	m := &DecodedMessage{}
	reader := bytes.NewReader(data)

	if err := binary.Read(reader, binary.BigEndian, &m.SourceDomain); err != nil {
		return nil, fmt.Errorf("failed to read source domain: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &m.DestinationDomain); err != nil {
		return nil, fmt.Errorf("failed to read destination domain: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &m.Nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	if n, err := reader.Read(m.Sender[:]); err != nil || n != len(m.Sender) {
		return nil, fmt.Errorf("failed to read sender: %w", err)
	}
	if n, err := reader.Read(m.Recipient[:]); err != nil || n != len(m.Recipient) {
		return nil, fmt.Errorf("failed to read recipient: %w", err)
	}

	// A trailer shorter than the amount field cannot be an amount and cannot
	// be a payload either (a payload is only valid after an amount), so it is
	// malformed rather than best-effort.
	if n := reader.Len(); n > 0 && n < amountLength {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrTruncatedAmount, n)
	}

	if reader.Len() >= amountLength {
		amount := make([]byte, amountLength)
		if _, err := io.ReadFull(reader, amount); err != nil {
			return nil, fmt.Errorf("failed to read amount: %w", err)
		}
		m.Amount = new(big.Int).SetBytes(amount)
	}

	if reader.Len() > 0 {
		m.Payload = make([]byte, reader.Len())
		if _, err := io.ReadFull(reader, m.Payload); err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
	}

	return m, nil
}

// UnmarshalHex decodes a hex-encoded wire message, with or without a 0x prefix.
func UnmarshalHex(s string) (*DecodedMessage, error) {
	data, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid message hex: %w", err)
	}
	return Unmarshal(data)
}

// Marshal is the exact inverse of Unmarshal. A nil Amount produces a message
// without the optional amount field; a payload without an amount is not
// representable and panics, since it would decode ambiguously.
func (m *DecodedMessage) Marshal() []byte {
	if m.Amount == nil && len(m.Payload) > 0 {
		panic("message with payload but no amount is not representable")
	}

	buf := new(bytes.Buffer)
	MustWrite(buf, binary.BigEndian, m.SourceDomain)
	MustWrite(buf, binary.BigEndian, m.DestinationDomain)
	MustWrite(buf, binary.BigEndian, m.Nonce)
	buf.Write(m.Sender[:])
	buf.Write(m.Recipient[:])

	if m.Amount != nil {
		amount := make([]byte, amountLength)
		m.Amount.FillBytes(amount)
		buf.Write(amount)
		buf.Write(m.Payload)
	}

	return buf.Bytes()
}

// MessageID returns a human-readable source_domain/nonce tuple.
func (m *DecodedMessage) MessageID() string {
	return fmt.Sprintf("%d/%d", m.SourceDomain, m.Nonce)
}

// MustWrite calls binary.Write and panics on errors
func MustWrite(w io.Writer, order binary.ByteOrder, data interface{}) {
	if err := binary.Write(w, order, data); err != nil {
		panic(fmt.Errorf("failed to write binary data: %v", data).Error())
	}
}
