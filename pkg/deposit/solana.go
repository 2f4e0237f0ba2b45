package deposit

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"swap-router/config"
	"swap-router/pkg/types"
)

// lamports reserved for the signature fee of a transfer
const signatureFee = 5000

// SolanaClient reads from and, when a key is configured, signs for Solana
type SolanaClient struct {
	config     config.SolanaConfig
	client     *rpc.Client
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
}

// NewSolanaClient creates a Solana client. The private key is optional;
// without one the client is read-only.
func NewSolanaClient(cfg config.SolanaConfig) (*SolanaClient, error) {
	if cfg.RPCUrl == "" {
		return nil, fmt.Errorf("RPC URL not configured for Solana")
	}

	s := &SolanaClient{
		config: cfg,
		client: rpc.New(cfg.RPCUrl),
	}
	if cfg.PrivateKey != "" {
		privateKey, err := solana.PrivateKeyFromBase58(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		s.privateKey = privateKey
		s.publicKey = privateKey.PublicKey()
	}
	return s, nil
}

// CanSign reports whether a private key is configured
func (s *SolanaClient) CanSign() bool {
	return len(s.privateKey) > 0
}

// PublicKey returns the signing key's public key
func (s *SolanaClient) PublicKey() solana.PublicKey {
	return s.publicKey
}

// SendTransaction signs a base64 encoded, unsigned transaction built by a
// venue and sends it
func (s *SolanaClient) SendTransaction(ctx context.Context, encoded string) (string, error) {
	if !s.CanSign() {
		return "", fmt.Errorf("private key not configured for Solana")
	}
	tx, err := decodeTransaction(encoded)
	if err != nil {
		return "", err
	}
	if !tx.IsSigner(s.publicKey) {
		return "", fmt.Errorf("transaction does not need a signature from %s", s.publicKey)
	}
	if err := s.sign(tx); err != nil {
		return "", err
	}
	return s.send(ctx, tx)
}

// SendTransfer sends amount (base units) of SOL, or of the SPL token mint
// when set, to recipient
func (s *SolanaClient) SendTransfer(ctx context.Context, mint, recipient string, amount uint64) (string, error) {
	if !s.CanSign() {
		return "", fmt.Errorf("private key not configured for Solana")
	}
	to, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return "", fmt.Errorf("invalid recipient address: %w", err)
	}
	if mint == "" {
		return s.sendNativeSOL(ctx, to, amount)
	}
	return s.sendSPLToken(ctx, to, mint, amount)
}

func (s *SolanaClient) sendNativeSOL(ctx context.Context, recipient solana.PublicKey, lamports uint64) (string, error) {
	balance, err := s.getBalance(ctx)
	if err != nil {
		return "", err
	}
	if balance < lamports+signatureFee {
		return "", fmt.Errorf("insufficient balance: have %d lamports, need %d (including fees)", balance, lamports+signatureFee)
	}

	instruction := system.NewTransferInstruction(lamports, s.publicKey, recipient).Build()
	return s.buildAndSend(ctx, []solana.Instruction{instruction})
}

func (s *SolanaClient) sendSPLToken(ctx context.Context, recipient solana.PublicKey, mintStr string, amount uint64) (string, error) {
	mint, err := solana.PublicKeyFromBase58(mintStr)
	if err != nil {
		return "", fmt.Errorf("invalid token mint address: %w", err)
	}

	source, _, err := solana.FindAssociatedTokenAddress(s.publicKey, mint)
	if err != nil {
		return "", fmt.Errorf("failed to derive source token account: %w", err)
	}
	balance, err := s.getTokenBalance(ctx, source)
	if err != nil {
		return "", err
	}
	if balance < amount {
		return "", fmt.Errorf("insufficient token balance: have %d, need %d", balance, amount)
	}

	dest, _, err := solana.FindAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return "", fmt.Errorf("failed to derive destination token account: %w", err)
	}
	exists, err := s.accountExists(ctx, dest)
	if err != nil {
		return "", fmt.Errorf("failed to check destination account: %w", err)
	}

	var instructions []solana.Instruction
	if !exists {
		instructions = append(instructions, associatedtokenaccount.NewCreateInstruction(s.publicKey, recipient, mint).Build())
	}
	instructions = append(instructions, token.NewTransferInstruction(
		amount,
		source,
		dest,
		s.publicKey,
		[]solana.PublicKey{},
	).Build())
	return s.buildAndSend(ctx, instructions)
}

func (s *SolanaClient) buildAndSend(ctx context.Context, instructions []solana.Instruction) (string, error) {
	recent, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", types.Retryable(fmt.Errorf("failed to get recent blockhash: %w", err))
	}
	tx, err := solana.NewTransaction(instructions, recent.Value.Blockhash, solana.TransactionPayer(s.publicKey))
	if err != nil {
		return "", fmt.Errorf("failed to create transaction: %w", err)
	}
	if err := s.sign(tx); err != nil {
		return "", err
	}
	return s.send(ctx, tx)
}

func (s *SolanaClient) sign(tx *solana.Transaction) error {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.publicKey) {
			return &s.privateKey
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	return nil
}

func (s *SolanaClient) send(ctx context.Context, tx *solana.Transaction) (string, error) {
	sig, err := s.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       s.config.SkipPreflight,
		PreflightCommitment: s.Commitment(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig.String(), nil
}

// SignatureStatus returns the status of a transaction signature, or nil when
// the cluster has not seen it
func (s *SolanaClient) SignatureStatus(ctx context.Context, signature string) (*rpc.SignatureStatusesResult, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction signature: %w", err)
	}
	out, err := s.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, types.Retryable(fmt.Errorf("failed to get signature status: %w", err))
	}
	if out == nil || len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

func (s *SolanaClient) getBalance(ctx context.Context) (uint64, error) {
	balance, err := s.client.GetBalance(ctx, s.publicKey, rpc.CommitmentFinalized)
	if err != nil {
		return 0, types.Retryable(fmt.Errorf("failed to get balance: %w", err))
	}
	return balance.Value, nil
}

func (s *SolanaClient) getTokenBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	info, err := s.client.GetTokenAccountBalance(ctx, account, rpc.CommitmentFinalized)
	if err != nil {
		return 0, types.Retryable(fmt.Errorf("failed to get token balance: %w", err))
	}
	amount, err := strconv.ParseUint(info.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token balance: %w", err)
	}
	return amount, nil
}

func (s *SolanaClient) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	info, err := s.client.GetAccountInfo(ctx, account)
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Value != nil, nil
}

// Commitment returns the configured commitment level
func (s *SolanaClient) Commitment() rpc.CommitmentType {
	switch strings.ToLower(s.config.Commitment) {
	case "finalized":
		return rpc.CommitmentFinalized
	case "processed":
		return rpc.CommitmentProcessed
	default:
		return rpc.CommitmentConfirmed
	}
}

// Close releases the client
func (s *SolanaClient) Close() {
	if s.client != nil {
		_ = s.client.Close()
	}
}

func decodeTransaction(encoded string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("transaction is not base64: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}
