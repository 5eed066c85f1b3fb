package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrAccountNotFound     = errors.New("credit account not found")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidKind         = errors.New("invalid transaction kind for credit")
)

// Kind classifies a balance change in the transaction log.
type Kind string

const (
	KindPurchase   Kind = "PURCHASE"
	KindUsage      Kind = "USAGE"
	KindRefund     Kind = "REFUND"
	KindAdjustment Kind = "ADJUSTMENT"
	KindPromo      Kind = "PROMO"
)

// Account is the authoritative balance row for a tenant.
// Invariant: Balance == TotalPurchased - TotalUsed, Balance >= 0.
type Account struct {
	TenantID       string     `json:"tenant_id"`
	Balance        int64      `json:"balance"`
	TotalPurchased int64      `json:"total_purchased"`
	TotalUsed      int64      `json:"total_used"`
	LastPurchaseAt *time.Time `json:"last_purchase_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Transaction is one append-only log entry. Rows are never updated or
// deleted; ordering by Seq reconstructs the balance history and
// BalanceAfter == BalanceBefore + Amount holds for every row. Seq is a
// store-assigned monotonic counter; CreatedAt alone cannot order rows
// committed within the same clock tick.
type Transaction struct {
	ID            string    `json:"id"`
	Seq           int64     `json:"seq"`
	TenantID      string    `json:"tenant_id"`
	ActorID       *string   `json:"actor_id,omitempty"` // absent for API-key-initiated operations
	Kind          Kind      `json:"kind"`
	Amount        int64     `json:"amount"` // signed: negative for USAGE
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	OperationRef  *string   `json:"operation_ref,omitempty"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"created_at"`
}

// DeductParams describes a usage charge. Amount is the positive number of
// credits to remove; the logged transaction carries -Amount.
type DeductParams struct {
	TenantID     string
	ActorID      *string
	Amount       int64
	OperationRef *string
	Description  string
}

// AddParams describes a credit grant. Kind defaults to PURCHASE and must be
// one of PURCHASE, REFUND, ADJUSTMENT or PROMO.
type AddParams struct {
	TenantID    string
	ActorID     *string
	Amount      int64
	Kind        Kind
	PaymentRef  *string
	Description string
}

type Store interface {
	// GetBalance returns the account row, or ErrAccountNotFound.
	GetBalance(ctx context.Context, tenantID string) (*Account, error)

	// CheckSufficient reports whether the balance covers required credits.
	// Read-only; takes no lock, so a positive answer can go stale before
	// Deduct runs. Deduct re-checks under the row lock.
	CheckSufficient(ctx context.Context, tenantID string, required int64) (bool, error)

	// Deduct removes credits inside a single transaction: row lock, balance
	// check, balance update, USAGE log insert. Fails closed with
	// ErrInsufficientCredits (nothing written) when the balance is short.
	Deduct(ctx context.Context, p DeductParams) (*Transaction, error)

	// Add grants credits, lazily creating the account row on first grant.
	Add(ctx context.Context, p AddParams) (*Transaction, error)

	// GetHistory returns transactions newest first, ordered by Seq.
	GetHistory(ctx context.Context, tenantID string, limit, offset int) ([]*Transaction, error)
}

func creditKind(k Kind) (Kind, error) {
	switch k {
	case "":
		return KindPurchase, nil
	case KindPurchase, KindRefund, KindAdjustment, KindPromo:
		return k, nil
	default:
		return "", ErrInvalidKind
	}
}
