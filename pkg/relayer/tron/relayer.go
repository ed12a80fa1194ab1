// Package tron implements the energy-metered chain family. The node speaks a
// plain HTTP JSON API; execution is billed in energy and bandwidth, bounded
// by a native-token fee limit, and success is read off the transaction
// receipt.
package tron

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	eth_crypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/crossline/relayd/pkg/message"
	"github.com/crossline/relayd/pkg/relayer"
)

var (
	tronConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_tron_connection_errors_total",
			Help: "Total number of Tron API errors",
		}, []string{"tron_network", "reason"})
	tronMessagesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_tron_messages_submitted_total",
			Help: "Total number of messages broadcast to Tron chains (pre-receipt)",
		}, []string{"tron_network"})
	tronMessagesConfirmed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_tron_messages_confirmed_total",
			Help: "Total number of messages with a successful Tron receipt",
		}, []string{"tron_network"})
	currentTronHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayd_tron_current_height",
			Help: "Current Tron block height",
		}, []string{"tron_network"})
	tronEnergyUsed = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayd_tron_energy_used",
			Help:    "Energy consumed by confirmed Tron relay transactions",
			Buckets: prometheus.ExponentialBuckets(10000, 2, 10),
		}, []string{"tron_network"})
)

const (
	// energyPriceSun converts an energy estimate into a sun-denominated fee
	// limit. The chain-governed price moves rarely; the 20% margin absorbs
	// small increases.
	energyPriceSun = 420

	receiptPollInterval = 3 * time.Second

	receiveMessageSelector    = "receiveMessage(bytes,bytes[])"
	isMessageReceivedSelector = "isMessageReceived(bytes32)"
	isNonceUsedSelector       = "isNonceUsed(uint32,uint64)"
)

type Relayer struct {
	relayer.StatsTracker

	cfg    relayer.ChainConfig
	logger *zap.Logger
	api    *client
	key    *ecdsa.PrivateKey
	// sender and contract are 21-byte 0x41-prefixed Tron addresses, hex.
	sender   string
	contract string

	connected atomic.Bool
}

func New(cfg relayer.ChainConfig, logger *zap.Logger) *Relayer {
	return &Relayer{
		cfg:    cfg,
		logger: logger.With(zap.String("chain", cfg.Name), zap.Uint32("domain", uint32(cfg.Domain))),
	}
}

func (r *Relayer) Connect(ctx context.Context) error {
	key, err := eth_crypto.HexToECDSA(strings.TrimPrefix(r.cfg.Key, "0x"))
	if err != nil {
		return fmt.Errorf("failed to parse relay identity key: %w", err)
	}

	contract, err := normalizeAddress(r.cfg.Contract)
	if err != nil {
		return fmt.Errorf("invalid contract address: %w", err)
	}

	api := newClient(r.cfg.RPC)

	genesis, err := api.genesisBlockID(ctx)
	if err != nil {
		tronConnectionErrors.WithLabelValues(r.cfg.Name, "genesis_query_error").Inc()
		return fmt.Errorf("failed to fetch genesis block: %w", err)
	}
	// Genesis block id identifies the network. Mismatch is fatal.
	if r.cfg.GenesisHash != "" && genesis != strings.TrimPrefix(r.cfg.GenesisHash, "0x") {
		return fmt.Errorf("genesis block mismatch: endpoint reports %s, config says %s", genesis, r.cfg.GenesisHash)
	}

	r.api = api
	r.key = key
	r.sender = addressFromKey(key)
	r.contract = contract
	r.connected.Store(true)

	r.logger.Info("connected",
		zap.String("endpoint", r.cfg.RPC),
		zap.String("sender", r.sender),
		zap.String("contract", r.contract))
	return nil
}

func (r *Relayer) Close() {
	r.connected.Store(false)
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
		tronConnectionErrors.WithLabelValues(r.cfg.Name, "received_query_error").Inc()
		result.Error = fmt.Sprintf("failed to query message state: %v", err)
		return result
	}
	if received {
		result.Success = true
		result.Error = relayer.ErrMsgAlreadyReceived
		return result
	}

	param, err := packReceiveMessage(a)
	if err != nil {
		result.Error = fmt.Sprintf("failed to encode parameters: %v", err)
		return result
	}

	feeLimit := r.feeLimit(ctx, param)

	txID, err := r.submit(ctx, param, feeLimit)
	if err != nil {
		tronConnectionErrors.WithLabelValues(r.cfg.Name, "submit_error").Inc()
		result.Error = fmt.Sprintf("failed to broadcast transaction: %v", err)
		return result
	}
	r.RecordSubmission()
	tronMessagesSubmitted.WithLabelValues(r.cfg.Name).Inc()
	result.TxHash = txID
	r.logger.Info("transaction broadcast", zap.String("txId", txID))

	receipt, err := r.waitReceipt(ctx, txID)
	if err != nil {
		result.Error = fmt.Sprintf("failed to confirm transaction: %v", err)
		r.RecordFailed()
		return result
	}

	result.GasUsed = receipt.energyUsed
	result.BlockNumber = receipt.blockNumber

	if !receipt.success {
		if relayer.IsAlreadyProcessed(receipt.revertMessage) {
			result.Success = true
			result.Error = relayer.ErrMsgAlreadyReceived
			r.RecordConfirmed()
			return result
		}
		result.Error = fmt.Sprintf("transaction reverted: %s", receipt.revertMessage)
		r.RecordFailed()
		return result
	}

	r.RecordConfirmed()
	tronMessagesConfirmed.WithLabelValues(r.cfg.Name).Inc()
	tronEnergyUsed.WithLabelValues(r.cfg.Name).Observe(float64(receipt.energyUsed))
	result.Success = true
	return result
}

// feeLimit converts a dry-run energy estimate into a sun fee limit with the
// shared margin, falling back to the configured ceiling (in sun) when the
// dry run fails.
func (r *Relayer) feeLimit(ctx context.Context, param string) uint64 {
	energy, err := r.api.estimateEnergy(ctx, r.sender, r.contract, receiveMessageSelector, param)
	if err != nil {
		r.logger.Warn("energy estimation failed, using configured ceiling",
			zap.Uint64("feeLimit", r.cfg.GasLimit), zap.Error(err))
		return r.cfg.GasLimit
	}
	return relayer.ApplyGasMargin(energy * energyPriceSun)
}

func (r *Relayer) submit(ctx context.Context, param string, feeLimit uint64) (string, error) {
	tx, err := r.api.triggerSmartContract(ctx, r.sender, r.contract, receiveMessageSelector, param, feeLimit)
	if err != nil {
		return "", err
	}

	rawData, err := hex.DecodeString(tx.rawDataHex)
	if err != nil {
		return "", fmt.Errorf("invalid raw_data_hex: %w", err)
	}
	digest := sha256.Sum256(rawData)
	sig, err := eth_crypto.Sign(digest[:], r.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := r.api.broadcast(ctx, tx.raw, hex.EncodeToString(sig)); err != nil {
		return "", err
	}
	return tx.txID, nil
}

func (r *Relayer) waitReceipt(ctx context.Context, txID string) (*receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, relayer.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			rec, found, err := r.api.transactionInfo(ctx, txID)
			if err != nil {
				return nil, err
			}
			if found {
				return rec, nil
			}
		}
	}
}

func (r *Relayer) constantReturnsTrue(ctx context.Context, selector, param string) (bool, error) {
	out, err := r.api.triggerConstantContract(ctx, r.sender, r.contract, selector, param)
	if err != nil {
		return false, err
	}
	return constantResultTrue(out), nil
}

func (r *Relayer) IsMessageReceived(ctx context.Context, hash message.Hash) (bool, error) {
	return r.constantReturnsTrue(ctx, isMessageReceivedSelector, hex.EncodeToString(hash[:]))
}

func (r *Relayer) IsNonceUsed(ctx context.Context, sourceDomain message.DomainID, nonce uint64) (bool, error) {
	return r.constantReturnsTrue(ctx, isNonceUsedSelector, packNonceQuery(sourceDomain, nonce))
}

func (r *Relayer) Balance(ctx context.Context) (*big.Int, error) {
	return r.api.accountBalance(ctx, r.sender)
}

func (r *Relayer) CurrentBlock(ctx context.Context) (uint64, error) {
	height, err := r.api.nowBlock(ctx)
	if err != nil {
		return 0, err
	}
	currentTronHeight.WithLabelValues(r.cfg.Name).Set(float64(height))
	return height, nil
}

// EstimateFee returns the sun-denominated fee limit the next relay of a
// would be submitted with.
func (r *Relayer) EstimateFee(ctx context.Context, a *message.Attestation) (*big.Int, error) {
	param, err := packReceiveMessage(a)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(r.feeLimit(ctx, param)), nil
}

// addressFromKey derives the 0x41-prefixed Tron address for an ECDSA key.
func addressFromKey(key *ecdsa.PrivateKey) string {
	eth := eth_crypto.PubkeyToAddress(key.PublicKey)
	return "41" + hex.EncodeToString(eth.Bytes())
}

// normalizeAddress accepts either the customary base58check form ("T...")
// or a hex address with or without the 0x41 prefix byte spelled out, and
// returns the 41-prefixed hex form the node API expects.
func normalizeAddress(addr string) (string, error) {
	if strings.HasPrefix(addr, "T") {
		return decodeBase58Check(addr)
	}
	addr = strings.TrimPrefix(strings.ToLower(addr), "0x")
	b, err := hex.DecodeString(addr)
	if err != nil {
		return "", err
	}
	switch len(b) {
	case 21:
		if b[0] != 0x41 {
			return "", fmt.Errorf("tron address must start with 0x41")
		}
		return addr, nil
	case 20:
		return "41" + addr, nil
	default:
		return "", fmt.Errorf("unexpected address length %d", len(b))
	}
}

// decodeBase58Check decodes a base58check address: 21 payload bytes followed
// by the first four bytes of sha256(sha256(payload)).
func decodeBase58Check(addr string) (string, error) {
	raw, err := base58.Decode(addr)
	if err != nil {
		return "", fmt.Errorf("invalid base58 address: %w", err)
	}
	if len(raw) != 25 {
		return "", fmt.Errorf("unexpected base58 address length %d", len(raw))
	}
	payload, checksum := raw[:21], raw[21:]
	h1 := sha256.Sum256(payload)
	h2 := sha256.Sum256(h1[:])
	if !bytes.Equal(checksum, h2[:4]) {
		return "", fmt.Errorf("address checksum mismatch")
	}
	if payload[0] != 0x41 {
		return "", fmt.Errorf("tron address must start with 0x41")
	}
	return hex.EncodeToString(payload), nil
}
