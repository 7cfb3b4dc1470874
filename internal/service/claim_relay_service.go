package service

import (
	"context"
	"fmt"

	"github.com/purchase-relay/internal/chain"
	apperrors "github.com/purchase-relay/internal/errors"
	"github.com/purchase-relay/internal/logging"
	"github.com/purchase-relay/internal/models"
)

// claimEventMethod is the runtime event confirming the claim actually paid out.
const claimEventMethod = "Claimed"

// RelayResult reports a finalized sponsored claim. AmountReceivedByUser is
// always the full authorized amount; the fee comes out of the maker balance
// alone.
type RelayResult struct {
	TxHash               string
	GasCostPaidByMaker   uint64
	AmountReceivedByUser uint64
}

// ClaimRelayService submits pre-signed claim authorizations with the maker
// account as the fee-paying submitter. It holds no retry policy; the worker
// decides whether a failed claim is retried.
type ClaimRelayService struct {
	chain        chain.Client
	makerAddress string
	makerReserve uint64
	feeEstimate  uint64
	logger       *logging.Logger
}

func NewClaimRelayService(chainClient chain.Client, makerAddress string, makerReserve, feeEstimate uint64, logger *logging.Logger) *ClaimRelayService {
	return &ClaimRelayService{
		chain:        chainClient,
		makerAddress: makerAddress,
		makerReserve: makerReserve,
		feeEstimate:  feeEstimate,
		logger:       logger,
	}
}

// Init verifies the maker account is funded above the configured reserve.
// The relay must never start under-funded, so a shortfall is fatal.
func (s *ClaimRelayService) Init(ctx context.Context) error {
	if s.makerAddress == "" {
		return fmt.Errorf("maker address is not configured")
	}
	balance, err := s.chain.Balance(ctx, s.makerAddress)
	if err != nil {
		return err
	}
	if balance < s.makerReserve {
		return apperrors.NewInsufficientGasError(balance, s.makerReserve)
	}
	s.logger.WithFields(map[string]interface{}{
		"maker":   s.makerAddress,
		"balance": balance,
	}).Info("Claim relay initialized")
	return nil
}

// RelayClaim submits the authorization verbatim, signed by the maker, and
// waits for finality. The maker balance is re-checked against the worst-case
// fee estimate first; an under-funded maker refuses to submit at all.
func (s *ClaimRelayService) RelayClaim(ctx context.Context, auth *models.ClaimAuthorization) (*RelayResult, error) {
	balance, err := s.chain.Balance(ctx, s.makerAddress)
	if err != nil {
		return nil, err
	}
	if balance < s.feeEstimate {
		return nil, apperrors.NewInsufficientGasError(balance, s.feeEstimate)
	}

	events, err := s.chain.SubmitClaim(ctx, auth)
	if err != nil {
		return nil, err
	}

	for ev := range events {
		if ev.Err != nil {
			return nil, apperrors.NewChainSubmissionError("claim status stream failed", "", ev.Err)
		}
		switch ev.Phase {
		case chain.PhaseInBlock:
			s.logger.WithFields(map[string]interface{}{
				"orderId":   auth.OrderID,
				"blockHash": ev.BlockHash.Hex(),
			}).Debug("Claim in block")
		case chain.PhaseFinalized:
			if ev.DispatchError != nil {
				return nil, apperrors.NewChainSubmissionError(
					"claim extrinsic failed", ev.DispatchError.Error(), ev.DispatchError)
			}
			if !hasClaimEvent(ev.Events) {
				return nil, apperrors.NewChainSubmissionError(
					"finalized claim produced no claim event", "", nil)
			}
			return &RelayResult{
				TxHash:               ev.TxHash.Hex(),
				GasCostPaidByMaker:   ev.FeePaid,
				AmountReceivedByUser: auth.Amount,
			}, nil
		case chain.PhaseInvalid, chain.PhaseDropped, chain.PhaseUsurped:
			return nil, apperrors.NewChainSubmissionError(
				fmt.Sprintf("claim extrinsic %s", ev.Phase), "", nil)
		}
	}
	return nil, apperrors.NewChainSubmissionError("claim status stream ended without finality", "", nil)
}

func hasClaimEvent(events []chain.Event) bool {
	for _, ev := range events {
		if ev.Method == claimEventMethod {
			return true
		}
	}
	return false
}
