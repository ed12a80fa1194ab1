package relayer

import (
	"math/big"
	"strings"
)

// feeMarginNum/feeMarginDen apply the 20% safety margin over a fee estimate.
const (
	feeMarginNum = 120
	feeMarginDen = 100
)

// ApplyFeeMargin returns the estimate plus the shared safety margin.
func ApplyFeeMargin(estimate *big.Int) *big.Int {
	padded := new(big.Int).Mul(estimate, big.NewInt(feeMarginNum))
	return padded.Div(padded, big.NewInt(feeMarginDen))
}

// ApplyGasMargin is ApplyFeeMargin for plain uint64 gas/energy units.
func ApplyGasMargin(estimate uint64) uint64 {
	return estimate * feeMarginNum / feeMarginDen
}

// alreadyProcessedMarkers are revert/dispatch reasons that mean the message
// was delivered by someone else. Each family decodes its own reason string;
// the match is shared.
var alreadyProcessedMarkers = []string{
	"already processed",
	"already received",
	"nonce already used",
	"message already executed",
	"duplicate message",
}

// IsAlreadyProcessed reports whether a decoded rejection reason indicates the
// message is already delivered on the destination. Such a rejection is
// idempotent convergence, not a failure.
func IsAlreadyProcessed(reason string) bool {
	reason = strings.ToLower(reason)
	for _, marker := range alreadyProcessedMarkers {
		if strings.Contains(reason, marker) {
			return true
		}
	}
	return false
}

// Stable result strings shared across families so the tracker and tests see
// uniform outcomes.
const (
	ErrMsgAlreadyReceived = "Already received"
)
