package relayer

import (
	"fmt"
	"strings"
	"time"

	"github.com/crossline/relayd/pkg/message"
)

// ChainType selects the chain family a destination belongs to. The family
// decides transaction format, fee model and confirmation semantics.
type ChainType uint8

const (
	ChainTypeUnset ChainType = iota
	// ChainTypeEVM is the account/contract-call family (EIP-1559 fee pairs,
	// N block confirmations).
	ChainTypeEVM
	// ChainTypeSolana is the register-based family (compute-unit pricing,
	// commitment-level finality).
	ChainTypeSolana
	// ChainTypeSubstrate is the extrinsic family (weight billed via a
	// pre-flight dry-run, block inclusion plus finalization).
	ChainTypeSubstrate
	// ChainTypeTron is the energy-metered family (energy/bandwidth billing
	// with a fee-limit ceiling, receipt polling).
	ChainTypeTron
)

func (t ChainType) String() string {
	switch t {
	case ChainTypeEVM:
		return "evm"
	case ChainTypeSolana:
		return "solana"
	case ChainTypeSubstrate:
		return "substrate"
	case ChainTypeTron:
		return "tron"
	default:
		return fmt.Sprintf("unknown chain type: %d", uint8(t))
	}
}

// ChainTypeFromString parses the config-file representation of a chain type.
func ChainTypeFromString(s string) (ChainType, error) {
	switch strings.ToLower(s) {
	case "evm":
		return ChainTypeEVM, nil
	case "solana":
		return ChainTypeSolana, nil
	case "substrate":
		return ChainTypeSubstrate, nil
	case "tron":
		return ChainTypeTron, nil
	default:
		return ChainTypeUnset, fmt.Errorf("unknown chain type: %s", s)
	}
}

func (t *ChainType) UnmarshalText(text []byte) error {
	parsed, err := ChainTypeFromString(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t ChainType) MarshalText() ([]byte, error) {
	if t == ChainTypeUnset {
		return nil, fmt.Errorf("chain type is unset")
	}
	return []byte(t.String()), nil
}

// ChainConfig is the static per-destination-chain configuration. Loaded once
// at startup and immutable thereafter.
type ChainConfig struct {
	// Name is the human-readable chain name used in logs and metrics.
	Name string    `mapstructure:"name" json:"name"`
	Type ChainType `mapstructure:"type" json:"type"`
	// Domain is the routing domain this chain serves as a destination.
	Domain message.DomainID `mapstructure:"domain" json:"domain"`
	RPC    string           `mapstructure:"rpc" json:"rpc"`
	// WS is the optional streaming endpoint, used by families that support
	// subscription-based confirmation waits.
	WS string `mapstructure:"ws" json:"ws,omitempty"`
	// ChainID is the chain's own network identifier, verified against the
	// endpoint at connect time for families that expose one.
	ChainID uint64 `mapstructure:"chainId" json:"chainId,omitempty"`
	// GenesisHash is the expected genesis hash, the network identity check
	// for families without a numeric chain id. Optional.
	GenesisHash string `mapstructure:"genesisHash" json:"genesisHash,omitempty"`
	// Contract is the destination contract/program/pallet receiving the
	// relayed message, in the chain's native address encoding.
	Contract string `mapstructure:"contract" json:"contract"`
	// Confirmations is the chain's confirmation depth before an attempt is
	// reported successful. Families with instant finality ignore it.
	Confirmations uint64 `mapstructure:"confirmations" json:"confirmations"`
	// GasLimit is the static fee/gas/energy ceiling used when estimation
	// fails. Denominated in the family's own unit.
	GasLimit uint64 `mapstructure:"gasLimit" json:"gasLimit"`
	// Key is the relay identity's signing key, hex or base58 per family.
	Key     string `mapstructure:"key" json:"-"`
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
}

// Validate rejects configurations that cannot produce a working relayer.
func (c *ChainConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("chain name is required")
	}
	if c.Type == ChainTypeUnset {
		return fmt.Errorf("chain %s: type is required", c.Name)
	}
	if c.RPC == "" {
		return fmt.Errorf("chain %s: rpc endpoint is required", c.Name)
	}
	if c.Contract == "" {
		return fmt.Errorf("chain %s: destination contract is required", c.Name)
	}
	if c.Key == "" {
		return fmt.Errorf("chain %s: relay identity key is required", c.Name)
	}
	return nil
}

// Per-call bounds shared by all families.
const (
	// RPCTimeout bounds a single RPC round trip.
	RPCTimeout = 10 * time.Second
	// ConfirmTimeout bounds the whole confirmation wait; finality-based
	// chains can take tens of seconds.
	ConfirmTimeout = 120 * time.Second
)
