// Package evm implements the account/contract-call chain family: EIP-1559
// fee pairs, receipt polling and N block confirmations.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	eth_common "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/crossline/relayd/pkg/message"
	"github.com/crossline/relayd/pkg/relayer"
)

var (
	evmConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_evm_connection_errors_total",
			Help: "Total number of EVM connection errors (either during initial connection or while relaying)",
		}, []string{"evm_network", "reason"})
	evmMessagesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_evm_messages_submitted_total",
			Help: "Total number of messages submitted to EVM chains (pre-confirmation)",
		}, []string{"evm_network"})
	evmMessagesConfirmed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_evm_messages_confirmed_total",
			Help: "Total number of messages confirmed on EVM chains (post-confirmation)",
		}, []string{"evm_network"})
	currentEvmHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayd_evm_current_height",
			Help: "Current EVM block height",
		}, []string{"evm_network"})
	evmGasUsed = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayd_evm_gas_used",
			Help:    "Gas consumed by confirmed EVM relay transactions",
			Buckets: prometheus.ExponentialBuckets(21000, 2, 10),
		}, []string{"evm_network"})
)

// bridgeABI is the destination bridge contract surface the relayer needs.
const bridgeABI = `[
	{"type":"function","name":"receiveMessage","stateMutability":"nonpayable","inputs":[{"name":"message","type":"bytes"},{"name":"signatures","type":"bytes[]"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"isMessageReceived","stateMutability":"view","inputs":[{"name":"messageHash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"isNonceUsed","stateMutability":"view","inputs":[{"name":"sourceDomain","type":"uint32"},{"name":"nonce","type":"uint64"}],"outputs":[{"name":"","type":"bool"}]}
]`

const receiptPollInterval = 3 * time.Second

// Relayer submits attested messages to one EVM destination chain using a
// single relay identity, so account nonce assignment stays single-writer.
type Relayer struct {
	relayer.StatsTracker

	cfg      relayer.ChainConfig
	logger   *zap.Logger
	client   *ethclient.Client
	contract eth_common.Address
	abi      abi.ABI
	auth     *bind.TransactOpts
	sender   eth_common.Address

	connected atomic.Bool
}

func New(cfg relayer.ChainConfig, logger *zap.Logger) *Relayer {
	return &Relayer{
		cfg:    cfg,
		logger: logger.With(zap.String("chain", cfg.Name), zap.Uint32("domain", uint32(cfg.Domain))),
	}
}

func (r *Relayer) Connect(ctx context.Context) error {
	parsed, err := abi.JSON(strings.NewReader(bridgeABI))
	if err != nil {
		return fmt.Errorf("failed to parse bridge ABI: %w", err)
	}
	r.abi = parsed

	key, err := crypto.HexToECDSA(strings.TrimPrefix(r.cfg.Key, "0x"))
	if err != nil {
		return fmt.Errorf("failed to parse relay identity key: %w", err)
	}
	r.sender = crypto.PubkeyToAddress(key.PublicKey)

	var client *ethclient.Client
	dial := func() error {
		client, err = ethclient.DialContext(ctx, r.cfg.RPC)
		if err != nil {
			evmConnectionErrors.WithLabelValues(r.cfg.Name, "dial_error").Inc()
			r.logger.Warn("dial failed, retrying", zap.Error(err))
		}
		return err
	}
	if err := backoff.Retry(dial, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)); err != nil {
		return fmt.Errorf("failed to dial %s: %w", r.cfg.RPC, err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to fetch chain id: %w", err)
	}
	// A chain id mismatch means the endpoint serves a different network than
	// configured. Fatal: retrying cannot fix it, and signing with the wrong
	// chain id would produce invalid or replayable transactions.
	if chainID.Uint64() != r.cfg.ChainID {
		client.Close()
		return fmt.Errorf("chain id mismatch: endpoint reports %d, config says %d", chainID, r.cfg.ChainID)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to build transactor: %w", err)
	}

	r.client = client
	r.auth = auth
	r.contract = eth_common.HexToAddress(r.cfg.Contract)
	r.connected.Store(true)

	r.logger.Info("connected",
		zap.String("endpoint", r.cfg.RPC),
		zap.Uint64("chainId", chainID.Uint64()),
		zap.Stringer("sender", r.sender),
		zap.Stringer("contract", r.contract))
	return nil
}

func (r *Relayer) Close() {
	if r.connected.CompareAndSwap(true, false) && r.client != nil {
		r.client.Close()
	}
}

func (r *Relayer) IsConnected() bool { return r.connected.Load() }

func (r *Relayer) Domain() message.DomainID { return r.cfg.Domain }

func (r *Relayer) Name() string { return r.cfg.Name }

func (r *Relayer) Stats() relayer.Stats { return r.Snapshot() }

func (r *Relayer) RelayMessage(ctx context.Context, a *message.Attestation) *relayer.RelayResult {
	result := &relayer.RelayResult{
		Chain:       r.cfg.Name,
		ChainDomain: r.cfg.Domain,
		Timestamp:   time.Now(),
	}

	received, err := r.IsMessageReceived(ctx, a.MessageHash)
	if err != nil {
		evmConnectionErrors.WithLabelValues(r.cfg.Name, "received_query_error").Inc()
		result.Error = fmt.Sprintf("failed to query message state: %v", err)
		return result
	}
	if received {
		// Destination state is authoritative; nothing to submit.
		result.Success = true
		result.Error = relayer.ErrMsgAlreadyReceived
		return result
	}

	calldata, err := r.abi.Pack("receiveMessage", a.Message, a.Signatures)
	if err != nil {
		result.Error = fmt.Sprintf("failed to pack calldata: %v", err)
		return result
	}

	tx, err := r.submit(ctx, calldata)
	if err != nil {
		evmConnectionErrors.WithLabelValues(r.cfg.Name, "submit_error").Inc()
		result.Error = fmt.Sprintf("failed to submit transaction: %v", err)
		return result
	}
	r.RecordSubmission()
	evmMessagesSubmitted.WithLabelValues(r.cfg.Name).Inc()
	result.TxHash = tx.Hash().Hex()
	r.logger.Info("transaction submitted", zap.Stringer("tx", tx.Hash()))

	receipt, err := r.waitConfirmed(ctx, tx.Hash())
	if err != nil {
		// Transport error or timeout: the outcome is unknown, distinct from
		// an on-chain revert. The next attempt converges through the
		// isMessageReceived check.
		result.Error = fmt.Sprintf("failed to confirm transaction: %v", err)
		r.RecordFailed()
		return result
	}

	result.GasUsed = receipt.GasUsed
	result.BlockNumber = receipt.BlockNumber.Uint64()

	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := r.revertReason(ctx, tx, receipt.BlockNumber)
		if relayer.IsAlreadyProcessed(reason) {
			result.Success = true
			result.Error = relayer.ErrMsgAlreadyReceived
			r.RecordConfirmed()
			return result
		}
		result.Error = fmt.Sprintf("transaction reverted: %s", reason)
		r.RecordFailed()
		return result
	}

	r.RecordConfirmed()
	evmMessagesConfirmed.WithLabelValues(r.cfg.Name).Inc()
	evmGasUsed.WithLabelValues(r.cfg.Name).Observe(float64(receipt.GasUsed))
	result.Success = true
	return result
}

// submit builds and sends the EIP-1559 transaction carrying the calldata.
func (r *Relayer) submit(ctx context.Context, calldata []byte) (*types.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, relayer.RPCTimeout)
	defer cancel()

	nonce, err := r.client.PendingNonceAt(ctx, r.sender)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account nonce: %w", err)
	}

	gasLimit := r.estimateGasLimit(ctx, calldata)
	tipCap, feeCap := r.feeCaps(ctx)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(r.cfg.ChainID),
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &r.contract,
		Data:      calldata,
	})
	signed, err := r.auth.Signer(r.sender, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := r.client.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

// estimateGasLimit pads the node's estimate with the shared safety margin and
// falls back to the configured static ceiling when estimation fails.
func (r *Relayer) estimateGasLimit(ctx context.Context, calldata []byte) uint64 {
	estimate, err := r.client.EstimateGas(ctx, ethereum.CallMsg{
		From: r.sender,
		To:   &r.contract,
		Data: calldata,
	})
	if err != nil {
		r.logger.Warn("gas estimation failed, using configured ceiling",
			zap.Uint64("gasLimit", r.cfg.GasLimit), zap.Error(err))
		return r.cfg.GasLimit
	}
	return relayer.ApplyGasMargin(estimate)
}

// feeCaps computes the priority-fee/base-fee pair. The fee cap covers a
// doubling of the base fee before inclusion. On chains without a base fee
// the cap is derived from the node's legacy gas price quote instead; the
// tip alone sits far below the prevailing price there.
func (r *Relayer) feeCaps(ctx context.Context) (tipCap, feeCap *big.Int) {
	tipCap, err := r.client.SuggestGasTipCap(ctx)
	if err != nil {
		tipCap = big.NewInt(1_500_000_000) // 1.5 gwei
	}
	head, err := r.client.HeaderByNumber(ctx, nil)
	if err != nil || head.BaseFee == nil {
		gasPrice, err := r.client.SuggestGasPrice(ctx)
		if err != nil {
			return tipCap, relayer.ApplyFeeMargin(tipCap)
		}
		return tipCap, legacyFeeCap(tipCap, gasPrice)
	}
	feeCap = new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)
	return tipCap, feeCap
}

// legacyFeeCap pads the legacy gas price quote with the shared margin and
// keeps the cap at or above the tip, which a valid fee pair requires.
func legacyFeeCap(tipCap, gasPrice *big.Int) *big.Int {
	feeCap := relayer.ApplyFeeMargin(gasPrice)
	if feeCap.Cmp(tipCap) < 0 {
		return new(big.Int).Set(tipCap)
	}
	return feeCap
}

// waitConfirmed polls for the receipt, then waits until the chain head is at
// least the configured confirmation depth past the inclusion block.
func (r *Relayer) waitConfirmed(ctx context.Context, txHash eth_common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, relayer.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	var receipt *types.Receipt
	for receipt == nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			var err error
			receipt, err = r.client.TransactionReceipt(ctx, txHash)
			if err != nil && !errors.Is(err, ethereum.NotFound) {
				return nil, err
			}
		}
	}

	target := receipt.BlockNumber.Uint64() + r.cfg.Confirmations
	for {
		height, err := r.client.BlockNumber(ctx)
		if err != nil {
			return nil, err
		}
		currentEvmHeight.WithLabelValues(r.cfg.Name).Set(float64(height))
		if height >= target {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// revertReason re-executes the transaction as a call at its inclusion block
// to recover the revert string. Best effort; an empty reason is acceptable.
func (r *Relayer) revertReason(ctx context.Context, tx *types.Transaction, blockNumber *big.Int) string {
	ctx, cancel := context.WithTimeout(ctx, relayer.RPCTimeout)
	defer cancel()

	msg := ethereum.CallMsg{
		From:  r.sender,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	_, err := r.client.CallContract(ctx, msg, blockNumber)
	if err == nil {
		return "unknown revert"
	}
	return err.Error()
}

func (r *Relayer) IsMessageReceived(ctx context.Context, hash message.Hash) (bool, error) {
	var hash32 [32]byte = hash
	return r.callBool(ctx, "isMessageReceived", hash32)
}

func (r *Relayer) IsNonceUsed(ctx context.Context, sourceDomain message.DomainID, nonce uint64) (bool, error) {
	return r.callBool(ctx, "isNonceUsed", uint32(sourceDomain), nonce)
}

func (r *Relayer) callBool(ctx context.Context, method string, args ...interface{}) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, relayer.RPCTimeout)
	defer cancel()

	calldata, err := r.abi.Pack(method, args...)
	if err != nil {
		return false, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: calldata}, nil)
	if err != nil {
		return false, err
	}
	values, err := r.abi.Unpack(method, out)
	if err != nil {
		return false, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	res, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected %s return type", method)
	}
	return res, nil
}

func (r *Relayer) Balance(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, relayer.RPCTimeout)
	defer cancel()
	return r.client.BalanceAt(ctx, r.sender, nil)
}

func (r *Relayer) CurrentBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, relayer.RPCTimeout)
	defer cancel()
	height, err := r.client.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	currentEvmHeight.WithLabelValues(r.cfg.Name).Set(float64(height))
	return height, nil
}

// EstimateFee returns the worst-case native-token cost of relaying a,
// gas limit times fee cap, with the shared safety margin applied.
func (r *Relayer) EstimateFee(ctx context.Context, a *message.Attestation) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, relayer.RPCTimeout)
	defer cancel()

	calldata, err := r.abi.Pack("receiveMessage", a.Message, a.Signatures)
	if err != nil {
		return nil, fmt.Errorf("failed to pack calldata: %w", err)
	}
	gasLimit := r.estimateGasLimit(ctx, calldata)
	_, feeCap := r.feeCaps(ctx)
	return new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), feeCap), nil
}
