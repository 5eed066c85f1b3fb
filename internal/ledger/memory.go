package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store with the same locking discipline as the
// Postgres implementation (one mutex standing in for the row lock). Used in
// tests and as an injectable fake.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	txns     []*Transaction
	seq      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

func (s *MemoryStore) GetBalance(_ context.Context, tenantID string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[tenantID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) CheckSufficient(_ context.Context, tenantID string, required int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[tenantID]
	if !ok {
		return false, ErrAccountNotFound
	}
	return a.Balance >= required, nil
}

func (s *MemoryStore) Deduct(_ context.Context, p DeductParams) (*Transaction, error) {
	if p.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[p.TenantID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if a.Balance < p.Amount {
		return nil, ErrInsufficientCredits
	}

	s.seq++
	txn := &Transaction{
		ID:            uuid.New().String(),
		Seq:           s.seq,
		TenantID:      p.TenantID,
		ActorID:       p.ActorID,
		Kind:          KindUsage,
		Amount:        -p.Amount,
		BalanceBefore: a.Balance,
		BalanceAfter:  a.Balance - p.Amount,
		OperationRef:  p.OperationRef,
		Description:   p.Description,
		CreatedAt:     time.Now(),
	}
	a.Balance -= p.Amount
	a.TotalUsed += p.Amount
	a.UpdatedAt = txn.CreatedAt
	s.txns = append(s.txns, txn)

	cp := *txn
	return &cp, nil
}

func (s *MemoryStore) Add(_ context.Context, p AddParams) (*Transaction, error) {
	if p.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	kind, err := creditKind(p.Kind)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[p.TenantID]
	if !ok {
		now := time.Now()
		a = &Account{TenantID: p.TenantID, CreatedAt: now, UpdatedAt: now}
		s.accounts[p.TenantID] = a
	}

	s.seq++
	txn := &Transaction{
		ID:            uuid.New().String(),
		Seq:           s.seq,
		TenantID:      p.TenantID,
		ActorID:       p.ActorID,
		Kind:          kind,
		Amount:        p.Amount,
		BalanceBefore: a.Balance,
		BalanceAfter:  a.Balance + p.Amount,
		OperationRef:  p.PaymentRef,
		Description:   p.Description,
		CreatedAt:     time.Now(),
	}
	a.Balance += p.Amount
	a.TotalPurchased += p.Amount
	a.UpdatedAt = txn.CreatedAt
	if kind == KindPurchase {
		t := txn.CreatedAt
		a.LastPurchaseAt = &t
	}
	s.txns = append(s.txns, txn)

	cp := *txn
	return &cp, nil
}

func (s *MemoryStore) GetHistory(_ context.Context, tenantID string, limit, offset int) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*Transaction
	for i := len(s.txns) - 1; i >= 0; i-- { // newest first
		if s.txns[i].TenantID == tenantID {
			cp := *s.txns[i]
			all = append(all, &cp)
		}
	}

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}
