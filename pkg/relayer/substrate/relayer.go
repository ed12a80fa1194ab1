// Package substrate implements the extrinsic chain family. Fees are abstract
// weight billed through a pre-flight dry-run, and an extrinsic is not done
// until the block that includes it is finalized.
package substrate

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/crossline/relayd/pkg/message"
	"github.com/crossline/relayd/pkg/relayer"
)

var (
	substrateConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_substrate_connection_errors_total",
			Help: "Total number of Substrate connection errors",
		}, []string{"substrate_network", "reason"})
	substrateExtrinsicsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_substrate_extrinsics_submitted_total",
			Help: "Total number of extrinsics submitted to Substrate chains (pre-finality)",
		}, []string{"substrate_network"})
	substrateExtrinsicsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_substrate_extrinsics_finalized_total",
			Help: "Total number of extrinsics finalized on Substrate chains",
		}, []string{"substrate_network"})
	currentSubstrateHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayd_substrate_current_height",
			Help: "Current Substrate best block height",
		}, []string{"substrate_network"})
)

// Pallet call and storage names on the destination chain.
const (
	receiveMessageCall     = "Bridge.receive_message"
	receivedMessagesPrefix = "ReceivedMessages"
	usedNoncesPrefix       = "UsedNonces"
	bridgePallet           = "Bridge"
)

type Relayer struct {
	relayer.StatsTracker

	cfg     relayer.ChainConfig
	logger  *zap.Logger
	api     *gsrpc.SubstrateAPI
	meta    *types.Metadata
	genesis types.Hash
	keypair signature.KeyringPair

	connected atomic.Bool
}

func New(cfg relayer.ChainConfig, logger *zap.Logger) *Relayer {
	return &Relayer{
		cfg:    cfg,
		logger: logger.With(zap.String("chain", cfg.Name), zap.Uint32("domain", uint32(cfg.Domain))),
	}
}

func (r *Relayer) Connect(ctx context.Context) error {
	keypair, err := signature.KeyringPairFromSecret(r.cfg.Key, uint16(r.cfg.ChainID)) // #nosec G115 -- ss58 network id
	if err != nil {
		return fmt.Errorf("failed to parse relay identity key: %w", err)
	}

	api, err := gsrpc.NewSubstrateAPI(r.cfg.RPC)
	if err != nil {
		substrateConnectionErrors.WithLabelValues(r.cfg.Name, "dial_error").Inc()
		return fmt.Errorf("failed to dial %s: %w", r.cfg.RPC, err)
	}

	meta, err := api.RPC.State.GetMetadataLatest()
	if err != nil {
		return fmt.Errorf("failed to fetch runtime metadata: %w", err)
	}

	genesis, err := api.RPC.Chain.GetBlockHash(0)
	if err != nil {
		return fmt.Errorf("failed to fetch genesis hash: %w", err)
	}
	// Genesis hash is the network identity; a mismatch is fatal and not
	// retried.
	if r.cfg.GenesisHash != "" && genesis.Hex() != r.cfg.GenesisHash {
		return fmt.Errorf("genesis hash mismatch: endpoint reports %s, config says %s", genesis.Hex(), r.cfg.GenesisHash)
	}

	r.api = api
	r.meta = meta
	r.genesis = genesis
	r.keypair = keypair
	r.connected.Store(true)

	r.logger.Info("connected",
		zap.String("endpoint", r.cfg.RPC),
		zap.String("genesis", genesis.Hex()),
		zap.String("signer", keypair.Address))
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
		substrateConnectionErrors.WithLabelValues(r.cfg.Name, "received_query_error").Inc()
		result.Error = fmt.Sprintf("failed to query message state: %v", err)
		return result
	}
	if received {
		result.Success = true
		result.Error = relayer.ErrMsgAlreadyReceived
		return result
	}

	ext, err := r.buildExtrinsic(a)
	if err != nil {
		result.Error = fmt.Sprintf("failed to build extrinsic: %v", err)
		return result
	}

	blockHash, err := r.submitAndWaitFinalized(ctx, ext)
	if err != nil {
		if relayer.IsAlreadyProcessed(err.Error()) {
			result.Success = true
			result.Error = relayer.ErrMsgAlreadyReceived
			return result
		}
		substrateConnectionErrors.WithLabelValues(r.cfg.Name, "submit_error").Inc()
		result.Error = fmt.Sprintf("failed to submit extrinsic: %v", err)
		r.RecordFailed()
		return result
	}

	header, err := r.api.RPC.Chain.GetHeader(blockHash)
	if err == nil {
		result.BlockNumber = uint64(header.Number)
	}

	r.RecordConfirmed()
	substrateExtrinsicsFinalized.WithLabelValues(r.cfg.Name).Inc()
	result.Success = true
	result.TxHash = blockHash.Hex()
	return result
}

func (r *Relayer) buildExtrinsic(a *message.Attestation) (*types.Extrinsic, error) {
	sigs := make([]types.Bytes, len(a.Signatures))
	for i, s := range a.Signatures {
		sigs[i] = types.Bytes(s)
	}

	call, err := types.NewCall(r.meta, receiveMessageCall, types.Bytes(a.Message), sigs)
	if err != nil {
		return nil, fmt.Errorf("failed to build call: %w", err)
	}

	ext := types.NewExtrinsic(call)

	rv, err := r.api.RPC.State.GetRuntimeVersionLatest()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch runtime version: %w", err)
	}

	nonce, err := r.accountNonce()
	if err != nil {
		return nil, err
	}

	opts := types.SignatureOptions{
		BlockHash:          r.genesis,
		Era:                types.ExtrinsicEra{IsImmortalEra: true},
		GenesisHash:        r.genesis,
		Nonce:              types.NewUCompactFromUInt(nonce),
		SpecVersion:        rv.SpecVersion,
		Tip:                types.NewUCompactFromUInt(0),
		TransactionVersion: rv.TransactionVersion,
	}
	if err := ext.Sign(r.keypair, opts); err != nil {
		return nil, fmt.Errorf("failed to sign extrinsic: %w", err)
	}
	return &ext, nil
}

func (r *Relayer) accountNonce() (uint64, error) {
	var info types.AccountInfo
	key, err := types.CreateStorageKey(r.meta, "System", "Account", r.keypair.PublicKey)
	if err != nil {
		return 0, fmt.Errorf("failed to build account storage key: %w", err)
	}
	ok, err := r.api.RPC.State.GetStorageLatest(key, &info)
	if err != nil {
		return 0, fmt.Errorf("failed to read account info: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return uint64(info.Nonce), nil
}

// submitAndWaitFinalized watches the extrinsic through inclusion and then
// finalization. Inclusion alone is not success; the including block can be
// reorged away before finality.
func (r *Relayer) submitAndWaitFinalized(ctx context.Context, ext *types.Extrinsic) (types.Hash, error) {
	ctx, cancel := context.WithTimeout(ctx, relayer.ConfirmTimeout)
	defer cancel()

	sub, err := r.api.RPC.Author.SubmitAndWatchExtrinsic(*ext)
	if err != nil {
		return types.Hash{}, err
	}
	defer sub.Unsubscribe()

	r.RecordSubmission()
	substrateExtrinsicsSubmitted.WithLabelValues(r.cfg.Name).Inc()

	var included bool
	for {
		select {
		case <-ctx.Done():
			return types.Hash{}, ctx.Err()
		case err := <-sub.Err():
			return types.Hash{}, err
		case status := <-sub.Chan():
			switch {
			case status.IsInBlock:
				included = true
				r.logger.Debug("extrinsic included", zap.String("block", status.AsInBlock.Hex()))
			case status.IsFinalized:
				return status.AsFinalized, nil
			case status.IsDropped, status.IsInvalid, status.IsUsurped:
				return types.Hash{}, fmt.Errorf("extrinsic rejected (included=%v, dropped=%v, invalid=%v, usurped=%v)",
					included, status.IsDropped, status.IsInvalid, status.IsUsurped)
			}
		}
	}
}

func (r *Relayer) storageExists(prefix string, key []byte) (bool, error) {
	storageKey, err := types.CreateStorageKey(r.meta, bridgePallet, prefix, key)
	if err != nil {
		return false, fmt.Errorf("failed to build storage key: %w", err)
	}
	var exists types.Bool
	ok, err := r.api.RPC.State.GetStorageLatest(storageKey, &exists)
	if err != nil {
		return false, err
	}
	return ok && bool(exists), nil
}

func (r *Relayer) IsMessageReceived(_ context.Context, hash message.Hash) (bool, error) {
	return r.storageExists(receivedMessagesPrefix, hash[:])
}

func (r *Relayer) IsNonceUsed(_ context.Context, sourceDomain message.DomainID, nonce uint64) (bool, error) {
	key := nonceStorageKey(sourceDomain, nonce)
	return r.storageExists(usedNoncesPrefix, key)
}

func (r *Relayer) Balance(_ context.Context) (*big.Int, error) {
	var info types.AccountInfo
	key, err := types.CreateStorageKey(r.meta, "System", "Account", r.keypair.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build account storage key: %w", err)
	}
	ok, err := r.api.RPC.State.GetStorageLatest(key, &info)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return info.Data.Free.Int, nil
}

func (r *Relayer) CurrentBlock(_ context.Context) (uint64, error) {
	header, err := r.api.RPC.Chain.GetHeaderLatest()
	if err != nil {
		return 0, err
	}
	height := uint64(header.Number)
	currentSubstrateHeight.WithLabelValues(r.cfg.Name).Set(float64(height))
	return height, nil
}

// EstimateFee dry-runs the signed extrinsic through payment_queryInfo and
// pads the partial fee with the shared margin. Estimation failure falls back
// to the configured ceiling.
func (r *Relayer) EstimateFee(_ context.Context, a *message.Attestation) (*big.Int, error) {
	ext, err := r.buildExtrinsic(a)
	if err != nil {
		return nil, err
	}

	enc, err := codec.EncodeToHex(ext)
	if err != nil {
		return nil, fmt.Errorf("failed to encode extrinsic: %w", err)
	}

	var info struct {
		PartialFee string `json:"partialFee"`
	}
	if err := r.api.Client.Call(&info, "payment_queryInfo", enc); err != nil {
		r.logger.Warn("fee dry-run failed, using configured ceiling",
			zap.Uint64("ceiling", r.cfg.GasLimit), zap.Error(err))
		return new(big.Int).SetUint64(r.cfg.GasLimit), nil
	}

	fee, ok := parseFee(info.PartialFee)
	if !ok {
		return new(big.Int).SetUint64(r.cfg.GasLimit), nil
	}
	return relayer.ApplyFeeMargin(fee), nil
}

// parseFee accepts both encodings nodes use for partialFee: a decimal
// string, or 0x-prefixed hex.
func parseFee(s string) (*big.Int, bool) {
	if strings.HasPrefix(s, "0x") {
		return new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	}
	return new(big.Int).SetString(s, 10)
}

func nonceStorageKey(sourceDomain message.DomainID, nonce uint64) []byte {
	key := make([]byte, 12)
	key[0] = byte(sourceDomain >> 24)
	key[1] = byte(sourceDomain >> 16)
	key[2] = byte(sourceDomain >> 8)
	key[3] = byte(sourceDomain)
	for i := 0; i < 8; i++ {
		key[4+i] = byte(nonce >> (56 - 8*i))
	}
	return key
}
