package deposit

import (
	"context"
	"fmt"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"

	"swap-router/pkg/chain"
	"swap-router/pkg/client"
	"swap-router/pkg/process"
	"swap-router/pkg/types"
)

// ChannelStatusAPI reports the execution status of a deposit channel
type ChannelStatusAPI interface {
	GetSwapStatus(ctx context.Context, depositAddress string) (*client.ChannelStatus, error)
}

// Tracker follows submissions on their chain, or through the venue for
// deposit channels
type Tracker struct {
	manager  *Manager
	channels ChannelStatusAPI
	logger   zerolog.Logger
}

// NewTracker creates a tracker. channels may be nil when no deposit-channel
// venue is configured.
func NewTracker(manager *Manager, channels ChannelStatusAPI, logger zerolog.Logger) *Tracker {
	return &Tracker{
		manager:  manager,
		channels: channels,
		logger:   logger.With().Str("component", "tracker").Logger(),
	}
}

// Track implements process.Tracker
func (t *Tracker) Track(ctx context.Context, req process.TrackRequest) (*process.Confirmation, error) {
	if req.Venue == types.VenueDepositChannel {
		return t.trackChannel(ctx, req)
	}
	if req.TransactionHash == "" {
		return nil, types.ErrNothingToTrack
	}

	// the artifact decides which runtime carried the transaction; chains
	// such as moonbeam take both substrate extrinsics and EVM transactions
	if req.Artifact != nil {
		switch req.Artifact.Kind {
		case types.ArtifactEVM:
			return t.trackEVM(ctx, req)
		case types.ArtifactSolana:
			return t.trackSolana(ctx, req)
		case types.ArtifactSubstrate:
			return t.trackSubstrate(ctx, req)
		}
	}

	c, err := t.manager.registry.Chain(req.Chain)
	if err != nil {
		return nil, err
	}
	switch c.Kind {
	case chain.KindEVM:
		return t.trackEVM(ctx, req)
	case chain.KindSolana:
		return t.trackSolana(ctx, req)
	case chain.KindSubstrate:
		return t.trackSubstrate(ctx, req)
	}
	return nil, fmt.Errorf("cannot track transactions on %s", req.Chain)
}

func (t *Tracker) trackChannel(ctx context.Context, req process.TrackRequest) (*process.Confirmation, error) {
	address := req.TransactionID
	if address == "" && req.Artifact != nil && req.Artifact.Kind == types.ArtifactTransfer {
		address = req.Artifact.Calls[0].Recipient
	}
	if address == "" || t.channels == nil {
		return nil, types.ErrNothingToTrack
	}

	st, err := t.channels.GetSwapStatus(ctx, address)
	if err != nil {
		return nil, err
	}

	out := &process.Confirmation{
		State:           process.ConfirmationPending,
		TransactionID:   address,
		TransactionHash: req.TransactionHash,
	}
	if out.TransactionHash == "" && len(st.OriginTxHashes) > 0 {
		out.TransactionHash = st.OriginTxHashes[0]
	}

	switch {
	case st.Succeeded():
		out.State = process.ConfirmationConfirmed
	case st.Terminal():
		out.State = process.ConfirmationFailed
		out.Reason = fmt.Sprintf("deposit channel %s ended as %s", address, st.Status)
	case st.Status == client.ChannelProcessing || len(st.OriginTxHashes) > 0:
		out.State = process.ConfirmationObserved
	}

	t.logger.Debug().
		Str("deposit_address", address).
		Str("status", st.Status).
		Str("state", string(out.State)).
		Msg("channel status")
	return out, nil
}

func (t *Tracker) trackEVM(ctx context.Context, req process.TrackRequest) (*process.Confirmation, error) {
	ec, err := t.manager.EVM(req.Chain)
	if err != nil {
		return nil, err
	}
	receipt, err := ec.Receipt(ctx, req.TransactionHash)
	if err != nil {
		return nil, err
	}

	out := &process.Confirmation{
		State:           process.ConfirmationPending,
		TransactionID:   req.TransactionID,
		TransactionHash: req.TransactionHash,
	}
	if receipt == nil {
		return out, nil
	}
	if receipt.Status == ethtypes.ReceiptStatusSuccessful {
		out.State = process.ConfirmationConfirmed
	} else {
		out.State = process.ConfirmationFailed
		out.Reason = fmt.Sprintf("transaction reverted in block %s", receipt.BlockNumber)
	}
	return out, nil
}

func (t *Tracker) trackSolana(ctx context.Context, req process.TrackRequest) (*process.Confirmation, error) {
	sc, err := t.manager.Solana()
	if err != nil {
		return nil, err
	}
	st, err := sc.SignatureStatus(ctx, req.TransactionHash)
	if err != nil {
		return nil, err
	}

	out := &process.Confirmation{
		State:           process.ConfirmationPending,
		TransactionID:   req.TransactionID,
		TransactionHash: req.TransactionHash,
	}
	if st == nil {
		return out, nil
	}
	if st.Err != nil {
		out.State = process.ConfirmationFailed
		out.Reason = fmt.Sprintf("transaction failed: %v", st.Err)
		return out, nil
	}
	out.State = process.ConfirmationObserved
	if reached(st.ConfirmationStatus, sc.Commitment()) {
		out.State = process.ConfirmationConfirmed
	}
	return out, nil
}

// reached reports whether status satisfies the wanted commitment
func reached(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	rank := map[string]int{
		string(rpc.ConfirmationStatusProcessed): 1,
		string(rpc.ConfirmationStatusConfirmed): 2,
		string(rpc.ConfirmationStatusFinalized): 3,
	}
	return rank[string(status)] >= rank[string(want)] && rank[string(status)] > 0
}

func (t *Tracker) trackSubstrate(ctx context.Context, req process.TrackRequest) (*process.Confirmation, error) {
	if t.manager.substrate == nil {
		return nil, types.ErrNothingToTrack
	}
	st, err := t.manager.substrate.Status(ctx, req.Chain, req.TransactionHash)
	if err != nil {
		return nil, err
	}

	out := &process.Confirmation{
		State:           process.ConfirmationPending,
		TransactionID:   req.TransactionID,
		TransactionHash: req.TransactionHash,
	}
	switch st.Status {
	case client.ExtrinsicFinalized:
		out.State = process.ConfirmationConfirmed
	case client.ExtrinsicInBlock:
		out.State = process.ConfirmationObserved
	case client.ExtrinsicFailed:
		out.State = process.ConfirmationFailed
		out.Reason = st.Error
		if out.Reason == "" {
			out.Reason = "extrinsic failed"
		}
	}
	return out, nil
}
