package service

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/purchase-relay/internal/chain"
	"github.com/purchase-relay/internal/models"
)

// mockChain is an in-memory chain.Client for service tests.
type mockChain struct {
	mu sync.Mutex

	purchased map[string]bool
	referrers map[string]string // code -> account
	members   map[string]bool
	balances  map[string]uint64

	purchaseEvents []chain.StatusEvent
	purchaseErr    error
	purchaseCalls  []*chain.FirstPurchaseCall

	claimEvents []chain.StatusEvent
	claimErr    error
	claimCalls  []*models.ClaimAuthorization
}

func newMockChain() *mockChain {
	return &mockChain{
		purchased: map[string]bool{},
		referrers: map[string]string{},
		members:   map[string]bool{},
		balances:  map[string]uint64{},
	}
}

func (m *mockChain) HasFirstPurchased(_ context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purchased[address], nil
}

func (m *mockChain) ReferrerByCode(_ context.Context, code string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.referrers[code], nil
}

func (m *mockChain) IsValidMember(_ context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[address], nil
}

func (m *mockChain) Balance(_ context.Context, address string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[address], nil
}

func (m *mockChain) SubmitFirstPurchase(_ context.Context, call *chain.FirstPurchaseCall) (<-chan chain.StatusEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.purchaseErr != nil {
		return nil, m.purchaseErr
	}
	m.purchaseCalls = append(m.purchaseCalls, call)
	return streamOf(m.purchaseEvents), nil
}

func (m *mockChain) SubmitClaim(_ context.Context, auth *models.ClaimAuthorization) (<-chan chain.StatusEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	m.claimCalls = append(m.claimCalls, auth)
	return streamOf(m.claimEvents), nil
}

func (m *mockChain) Close() {}

func (m *mockChain) purchaseCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.purchaseCalls)
}

func streamOf(events []chain.StatusEvent) <-chan chain.StatusEvent {
	ch := make(chan chain.StatusEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func dispatchErrorStream(module, name string) []chain.StatusEvent {
	return []chain.StatusEvent{
		{Phase: chain.PhaseSubmitted},
		{Phase: chain.PhaseInBlock, BlockHash: common.HexToHash("0xb10c")},
		{
			Phase:         chain.PhaseFinalized,
			BlockHash:     common.HexToHash("0xb10c"),
			DispatchError: &chain.DispatchError{Module: module, Name: name},
		},
	}
}

func finalizedStream(blockHash, txHash string, feePaid uint64, events ...chain.Event) []chain.StatusEvent {
	return []chain.StatusEvent{
		{Phase: chain.PhaseSubmitted},
		{Phase: chain.PhaseInBlock, BlockHash: common.HexToHash(blockHash)},
		{
			Phase:     chain.PhaseFinalized,
			BlockHash: common.HexToHash(blockHash),
			TxHash:    common.HexToHash(txHash),
			FeePaid:   feePaid,
			Events:    events,
		},
	}
}
