package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethrpc "github.com/ethereum/go-ethereum/rpc"

	apperrors "github.com/purchase-relay/internal/errors"
	"github.com/purchase-relay/internal/logging"
	"github.com/purchase-relay/internal/models"
)

// rpcNamespace is the node-side RPC namespace all relay methods live under.
const rpcNamespace = "memopark"

// rawStatus is the wire shape of one subscription notification. Every field
// the relay consumes is declared here; an unknown status value aborts the
// stream instead of being skipped.
type rawStatus struct {
	Status        string         `json:"status"`
	TxHash        common.Hash    `json:"txHash"`
	BlockHash     *common.Hash   `json:"blockHash,omitempty"`
	FeePaid       *uint64        `json:"feePaid,omitempty"`
	DispatchError *DispatchError `json:"dispatchError,omitempty"`
	Events        []Event        `json:"events,omitempty"`
}

var phaseByStatus = map[string]Phase{
	"submitted": PhaseSubmitted,
	"ready":     PhaseSubmitted,
	"broadcast": PhaseSubmitted,
	"inBlock":   PhaseInBlock,
	"finalized": PhaseFinalized,
	"invalid":   PhaseInvalid,
	"dropped":   PhaseDropped,
	"usurped":   PhaseUsurped,
}

// RPCClient implements Client over the node's JSON-RPC endpoint.
type RPCClient struct {
	rpc            *ethrpc.Client
	serviceAddress string
	logger         *logging.Logger
}

// Dial connects to the node RPC endpoint. serviceAddress names the account
// whose node-held key signs settlement extrinsics. WebSocket URLs are required
// for submission streams; plain HTTP only supports the query methods.
func Dial(ctx context.Context, url, serviceAddress string, logger *logging.Logger) (*RPCClient, error) {
	if serviceAddress == "" {
		return nil, fmt.Errorf("chain service address is required")
	}
	c, err := ethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to chain node at %s: %w", url, err)
	}
	return &RPCClient{rpc: c, serviceAddress: serviceAddress, logger: logger}, nil
}

func (c *RPCClient) HasFirstPurchased(ctx context.Context, address string) (bool, error) {
	var purchased bool
	err := c.rpc.CallContext(ctx, &purchased, rpcNamespace+"_hasFirstPurchased", address)
	if err != nil {
		return false, apperrors.NewChainSubmissionError("first-purchase query failed", "", err)
	}
	return purchased, nil
}

func (c *RPCClient) ReferrerByCode(ctx context.Context, code string) (string, error) {
	var account *string
	err := c.rpc.CallContext(ctx, &account, rpcNamespace+"_referrerByCode", code)
	if err != nil {
		return "", apperrors.NewChainSubmissionError("referral query failed", "", err)
	}
	if account == nil {
		return "", nil
	}
	return *account, nil
}

func (c *RPCClient) IsValidMember(ctx context.Context, address string) (bool, error) {
	var valid bool
	err := c.rpc.CallContext(ctx, &valid, rpcNamespace+"_isValidMember", address)
	if err != nil {
		return false, apperrors.NewChainSubmissionError("membership query failed", "", err)
	}
	return valid, nil
}

func (c *RPCClient) Balance(ctx context.Context, address string) (uint64, error) {
	var balance struct {
		Free uint64 `json:"free"`
	}
	err := c.rpc.CallContext(ctx, &balance, rpcNamespace+"_accountBalance", address)
	if err != nil {
		return 0, apperrors.NewChainSubmissionError("balance query failed", "", err)
	}
	return balance.Free, nil
}

func (c *RPCClient) SubmitFirstPurchase(ctx context.Context, call *FirstPurchaseCall) (<-chan StatusEvent, error) {
	return c.subscribe(ctx, "submitFirstPurchase", c.serviceAddress, call)
}

func (c *RPCClient) SubmitClaim(ctx context.Context, auth *models.ClaimAuthorization) (<-chan StatusEvent, error) {
	return c.subscribe(ctx, "submitClaim", auth)
}

// subscribe opens a submission subscription and adapts its notifications into
// a typed StatusEvent stream. The returned channel is closed after the first
// terminal event or error.
func (c *RPCClient) subscribe(ctx context.Context, method string, args ...interface{}) (<-chan StatusEvent, error) {
	raw := make(chan rawStatus, 8)
	sub, err := c.rpc.Subscribe(ctx, rpcNamespace, raw, append([]interface{}{method}, args...)...)
	if err != nil {
		return nil, apperrors.NewChainSubmissionError(
			fmt.Sprintf("%s submission failed", method), "", err)
	}

	out := make(chan StatusEvent, 8)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case st, ok := <-raw:
				if !ok {
					return
				}
				ev, err := st.toEvent()
				if err != nil {
					c.logger.WithError(err).Error("Malformed status notification")
					out <- StatusEvent{Err: err}
					return
				}
				out <- ev
				if ev.Phase.Terminal() {
					return
				}
			case err := <-sub.Err():
				if err != nil {
					out <- StatusEvent{Err: fmt.Errorf("status subscription closed: %w", err)}
				}
				return
			}
		}
	}()
	return out, nil
}

func (st rawStatus) toEvent() (StatusEvent, error) {
	phase, ok := phaseByStatus[st.Status]
	if !ok {
		return StatusEvent{}, fmt.Errorf("unknown extrinsic status %q", st.Status)
	}
	ev := StatusEvent{
		Phase:         phase,
		TxHash:        st.TxHash,
		DispatchError: st.DispatchError,
		Events:        st.Events,
	}
	if st.BlockHash != nil {
		ev.BlockHash = *st.BlockHash
	}
	if st.FeePaid != nil {
		ev.FeePaid = *st.FeePaid
	}
	return ev, nil
}

func (c *RPCClient) Close() {
	c.rpc.Close()
}
