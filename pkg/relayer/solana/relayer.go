// Package solana implements the register-based chain family. Delivery state
// lives in program-derived accounts, fees are charged per signature plus an
// optional compute-unit price, and finality is the finalized commitment.
package solana

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/crossline/relayd/pkg/message"
	"github.com/crossline/relayd/pkg/relayer"
)

var (
	solanaConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_solana_connection_errors_total",
			Help: "Total number of Solana connection errors",
		}, []string{"solana_network", "reason"})
	solanaMessagesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_solana_messages_submitted_total",
			Help: "Total number of messages submitted to Solana chains (pre-finality)",
		}, []string{"solana_network"})
	solanaMessagesFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_solana_messages_finalized_total",
			Help: "Total number of messages finalized on Solana chains",
		}, []string{"solana_network"})
	currentSolanaSlot = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayd_solana_current_slot",
			Help: "Current Solana slot height (finalized commitment)",
		}, []string{"solana_network"})
)

const (
	// receiveMessageInstructionID tags the program instruction carrying the
	// attested message.
	receiveMessageInstructionID = 0x01

	signatureChunkLen = 32

	statusPollInterval = 2 * time.Second
)

// Seeds for the program-derived accounts holding delivery state.
var (
	receivedSeed = []byte("received")
	nonceSeed    = []byte("nonce")
)

type Relayer struct {
	relayer.StatsTracker

	cfg     relayer.ChainConfig
	logger  *zap.Logger
	client  *rpc.Client
	program solana.PublicKey
	key     solana.PrivateKey
	payer   solana.PublicKey

	connected atomic.Bool
}

func New(cfg relayer.ChainConfig, logger *zap.Logger) *Relayer {
	return &Relayer{
		cfg:    cfg,
		logger: logger.With(zap.String("chain", cfg.Name), zap.Uint32("domain", uint32(cfg.Domain))),
	}
}

func (r *Relayer) Connect(ctx context.Context) error {
	key, err := solana.PrivateKeyFromBase58(r.cfg.Key)
	if err != nil {
		return fmt.Errorf("failed to parse relay identity key: %w", err)
	}
	program, err := solana.PublicKeyFromBase58(r.cfg.Contract)
	if err != nil {
		return fmt.Errorf("failed to parse program address: %w", err)
	}

	client := rpc.New(r.cfg.RPC)

	genesis, err := client.GetGenesisHash(ctx)
	if err != nil {
		solanaConnectionErrors.WithLabelValues(r.cfg.Name, "genesis_query_error").Inc()
		return fmt.Errorf("failed to fetch genesis hash: %w", err)
	}
	// Wrong genesis hash means the endpoint serves a different cluster.
	// Fatal, not retried.
	if r.cfg.GenesisHash != "" && genesis.String() != r.cfg.GenesisHash {
		return fmt.Errorf("genesis hash mismatch: endpoint reports %s, config says %s", genesis, r.cfg.GenesisHash)
	}

	r.client = client
	r.key = key
	r.payer = key.PublicKey()
	r.program = program
	r.connected.Store(true)

	r.logger.Info("connected",
		zap.String("endpoint", r.cfg.RPC),
		zap.Stringer("payer", r.payer),
		zap.Stringer("program", r.program))
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
		solanaConnectionErrors.WithLabelValues(r.cfg.Name, "received_query_error").Inc()
		result.Error = fmt.Sprintf("failed to query message state: %v", err)
		return result
	}
	if received {
		result.Success = true
		result.Error = relayer.ErrMsgAlreadyReceived
		return result
	}

	sig, err := r.submit(ctx, a)
	if err != nil {
		if relayer.IsAlreadyProcessed(err.Error()) {
			// The program rejected the duplicate during preflight.
			result.Success = true
			result.Error = relayer.ErrMsgAlreadyReceived
			return result
		}
		solanaConnectionErrors.WithLabelValues(r.cfg.Name, "submit_error").Inc()
		result.Error = fmt.Sprintf("failed to submit transaction: %v", err)
		return result
	}
	r.RecordSubmission()
	solanaMessagesSubmitted.WithLabelValues(r.cfg.Name).Inc()
	result.TxHash = sig.String()
	r.logger.Info("transaction submitted", zap.Stringer("signature", sig))

	slot, err := r.waitFinalized(ctx, sig)
	if err != nil {
		result.Error = fmt.Sprintf("failed to finalize transaction: %v", err)
		r.RecordFailed()
		return result
	}

	r.RecordConfirmed()
	solanaMessagesFinalized.WithLabelValues(r.cfg.Name).Inc()
	result.Success = true
	result.BlockNumber = slot
	return result
}

func (r *Relayer) submit(ctx context.Context, a *message.Attestation) (solana.Signature, error) {
	ctx, cancel := context.WithTimeout(ctx, relayer.RPCTimeout)
	defer cancel()

	recent, err := r.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to fetch recent blockhash: %w", err)
	}

	receivedAccount, _, err := r.receivedAccount(a.MessageHash)
	if err != nil {
		return solana.Signature{}, err
	}

	inst := solana.NewInstruction(r.program, solana.AccountMetaSlice{
		solana.NewAccountMeta(r.payer, true, true),
		solana.NewAccountMeta(receivedAccount, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, instructionData(a))

	tx, err := solana.NewTransaction(
		[]solana.Instruction{inst},
		recent.Value.Blockhash,
		solana.TransactionPayer(r.payer),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(r.payer) {
			return &r.key
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	return r.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
}

// instructionData packs the attested message for the program. Each 64-byte
// attester signature is carried as a pair of 32-byte chunks; that split is a
// wire-format concern of this family only and never leaks upstream.
func instructionData(a *message.Attestation) []byte {
	data := make([]byte, 0, 1+4+len(a.Message)+1+len(a.Signatures)*2*signatureChunkLen)
	data = append(data, receiveMessageInstructionID)
	data = binary.BigEndian.AppendUint32(data, uint32(len(a.Message))) // #nosec G115 -- length bounded by wire format
	data = append(data, a.Message...)
	data = append(data, byte(len(a.Signatures)))
	for _, sig := range a.Signatures {
		var hi, lo [signatureChunkLen]byte
		copy(hi[:], sig)
		if len(sig) > signatureChunkLen {
			copy(lo[:], sig[signatureChunkLen:])
		}
		data = append(data, hi[:]...)
		data = append(data, lo[:]...)
	}
	return data
}

func (r *Relayer) receivedAccount(hash message.Hash) (solana.PublicKey, uint8, error) {
	account, bump, err := solana.FindProgramAddress([][]byte{receivedSeed, hash[:]}, r.program)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("failed to derive received account: %w", err)
	}
	return account, bump, nil
}

func (r *Relayer) nonceAccount(sourceDomain message.DomainID, nonce uint64) (solana.PublicKey, error) {
	seed := make([]byte, 12)
	binary.BigEndian.PutUint32(seed[0:4], uint32(sourceDomain))
	binary.BigEndian.PutUint64(seed[4:12], nonce)
	account, _, err := solana.FindProgramAddress([][]byte{nonceSeed, seed}, r.program)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive nonce account: %w", err)
	}
	return account, nil
}

// waitFinalized polls signature status until the cluster reports the
// finalized commitment. Confirmed is not enough: a confirmed transaction can
// still be dropped with the fork it landed on.
func (r *Relayer) waitFinalized(ctx context.Context, sig solana.Signature) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, relayer.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
			out, err := r.client.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				return 0, err
			}
			if len(out.Value) == 0 || out.Value[0] == nil {
				continue
			}
			status := out.Value[0]
			if status.Err != nil {
				return 0, fmt.Errorf("transaction failed on chain: %v", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return status.Slot, nil
			}
		}
	}
}

// accountExists reports whether a program-derived state account is live.
func (r *Relayer) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, relayer.RPCTimeout)
	defer cancel()

	out, err := r.client.GetAccountInfoWithOpts(ctx, account, &rpc.GetAccountInfoOpts{
		Commitment: rpc.CommitmentFinalized,
	})
	if err == rpc.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out.Value != nil, nil
}

func (r *Relayer) IsMessageReceived(ctx context.Context, hash message.Hash) (bool, error) {
	account, _, err := r.receivedAccount(hash)
	if err != nil {
		return false, err
	}
	return r.accountExists(ctx, account)
}

func (r *Relayer) IsNonceUsed(ctx context.Context, sourceDomain message.DomainID, nonce uint64) (bool, error) {
	account, err := r.nonceAccount(sourceDomain, nonce)
	if err != nil {
		return false, err
	}
	return r.accountExists(ctx, account)
}

func (r *Relayer) Balance(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, relayer.RPCTimeout)
	defer cancel()

	out, err := r.client.GetBalance(ctx, r.payer, rpc.CommitmentFinalized)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(out.Value), nil
}

func (r *Relayer) CurrentBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, relayer.RPCTimeout)
	defer cancel()

	slot, err := r.client.GetSlot(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return 0, err
	}
	currentSolanaSlot.WithLabelValues(r.cfg.Name).Set(float64(slot))
	return slot, nil
}

// EstimateFee asks the cluster for the fee of the assembled transaction
// message and pads it with the shared margin. Falls back to the configured
// ceiling, interpreted as lamports, when estimation fails.
func (r *Relayer) EstimateFee(ctx context.Context, a *message.Attestation) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, relayer.RPCTimeout)
	defer cancel()

	recent, err := r.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return new(big.Int).SetUint64(r.cfg.GasLimit), nil
	}

	receivedAccount, _, err := r.receivedAccount(a.MessageHash)
	if err != nil {
		return nil, err
	}
	inst := solana.NewInstruction(r.program, solana.AccountMetaSlice{
		solana.NewAccountMeta(r.payer, true, true),
		solana.NewAccountMeta(receivedAccount, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, instructionData(a))
	tx, err := solana.NewTransaction([]solana.Instruction{inst}, recent.Value.Blockhash, solana.TransactionPayer(r.payer))
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}

	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message: %w", err)
	}
	out, err := r.client.GetFeeForMessage(ctx, base64.StdEncoding.EncodeToString(msg), rpc.CommitmentFinalized)
	if err != nil || out.Value == nil {
		r.logger.Warn("fee estimation failed, using configured ceiling",
			zap.Uint64("lamports", r.cfg.GasLimit), zap.Error(err))
		return new(big.Int).SetUint64(r.cfg.GasLimit), nil
	}
	return relayer.ApplyFeeMargin(new(big.Int).SetUint64(*out.Value)), nil
}
