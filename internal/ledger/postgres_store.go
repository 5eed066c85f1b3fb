package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PostgresStore struct {
	db  DB
	log zerolog.Logger
}

func NewPostgresStore(db DB, logger zerolog.Logger) Store {
	return &PostgresStore{db: db, log: logger}
}

func (s *PostgresStore) GetBalance(ctx context.Context, tenantID string) (*Account, error) {
	query := `
		SELECT tenant_id, balance, total_purchased, total_used, last_purchase_at, created_at, updated_at
		FROM credit_accounts
		WHERE tenant_id = $1
	`

	var a Account
	err := s.db.QueryRow(ctx, query, tenantID).Scan(
		&a.TenantID, &a.Balance, &a.TotalPurchased, &a.TotalUsed,
		&a.LastPurchaseAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get credit account: %w", err)
	}

	return &a, nil
}

func (s *PostgresStore) CheckSufficient(ctx context.Context, tenantID string, required int64) (bool, error) {
	query := `SELECT balance >= $2 FROM credit_accounts WHERE tenant_id = $1`

	var ok bool
	err := s.db.QueryRow(ctx, query, tenantID, required).Scan(&ok)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrAccountNotFound
		}
		return false, fmt.Errorf("failed to check balance: %w", err)
	}

	return ok, nil
}

// Deduct serializes concurrent charges for the same tenant on the account
// row lock. The balance row and the log row commit together or not at all.
func (s *PostgresStore) Deduct(ctx context.Context, p DeductParams) (*Transaction, error) {
	if p.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin deduct: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT balance FROM credit_accounts WHERE tenant_id = $1 FOR UPDATE`,
		p.TenantID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to lock credit account: %w", err)
	}

	if balance < p.Amount {
		s.log.Debug().
			Str("tenant_id", p.TenantID).
			Int64("balance", balance).
			Int64("required", p.Amount).
			Msg("deduct rejected: insufficient credits")
		return nil, ErrInsufficientCredits
	}

	_, err = tx.Exec(ctx, `
		UPDATE credit_accounts
		SET balance = balance - $2, total_used = total_used + $2, updated_at = now()
		WHERE tenant_id = $1
	`, p.TenantID, p.Amount)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	txn := &Transaction{
		TenantID:      p.TenantID,
		ActorID:       p.ActorID,
		Kind:          KindUsage,
		Amount:        -p.Amount,
		BalanceBefore: balance,
		BalanceAfter:  balance - p.Amount,
		OperationRef:  p.OperationRef,
		Description:   p.Description,
	}
	if err := s.insertTransaction(ctx, tx, txn); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit deduct: %w", err)
	}

	s.log.Debug().
		Str("tenant_id", p.TenantID).
		Int64("amount", p.Amount).
		Int64("balance_after", txn.BalanceAfter).
		Msg("credits deducted")

	return txn, nil
}

func (s *PostgresStore) Add(ctx context.Context, p AddParams) (*Transaction, error) {
	if p.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	kind, err := creditKind(p.Kind)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin add: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lazily create the account row before locking it.
	_, err = tx.Exec(ctx,
		`INSERT INTO credit_accounts (tenant_id) VALUES ($1) ON CONFLICT (tenant_id) DO NOTHING`,
		p.TenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure credit account: %w", err)
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT balance FROM credit_accounts WHERE tenant_id = $1 FOR UPDATE`,
		p.TenantID,
	).Scan(&balance)
	if err != nil {
		return nil, fmt.Errorf("failed to lock credit account: %w", err)
	}

	update := `
		UPDATE credit_accounts
		SET balance = balance + $2, total_purchased = total_purchased + $2, updated_at = now()
		WHERE tenant_id = $1
	`
	if kind == KindPurchase {
		update = `
			UPDATE credit_accounts
			SET balance = balance + $2, total_purchased = total_purchased + $2,
			    last_purchase_at = now(), updated_at = now()
			WHERE tenant_id = $1
		`
	}
	if _, err := tx.Exec(ctx, update, p.TenantID, p.Amount); err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	txn := &Transaction{
		TenantID:      p.TenantID,
		ActorID:       p.ActorID,
		Kind:          kind,
		Amount:        p.Amount,
		BalanceBefore: balance,
		BalanceAfter:  balance + p.Amount,
		OperationRef:  p.PaymentRef,
		Description:   p.Description,
	}
	if err := s.insertTransaction(ctx, tx, txn); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit add: %w", err)
	}

	s.log.Info().
		Str("tenant_id", p.TenantID).
		Str("kind", string(kind)).
		Int64("amount", p.Amount).
		Int64("balance_after", txn.BalanceAfter).
		Msg("credits added")

	return txn, nil
}

func (s *PostgresStore) insertTransaction(ctx context.Context, tx pgx.Tx, txn *Transaction) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO credit_transactions
			(tenant_id, actor_id, kind, amount, balance_before, balance_after, operation_ref, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, seq, created_at
	`, txn.TenantID, txn.ActorID, txn.Kind, txn.Amount,
		txn.BalanceBefore, txn.BalanceAfter, txn.OperationRef, txn.Description,
	).Scan(&txn.ID, &txn.Seq, &txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert credit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetHistory(ctx context.Context, tenantID string, limit, offset int) ([]*Transaction, error) {
	// seq is the identity column on credit_transactions; created_at can
	// tie within a clock tick, so it is not a usable replay order.
	query := `
		SELECT id, seq, tenant_id, actor_id, kind, amount, balance_before, balance_after,
		       operation_ref, description, created_at
		FROM credit_transactions
		WHERE tenant_id = $1
		ORDER BY seq DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := s.db.Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query credit transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		var t Transaction
		err := rows.Scan(
			&t.ID, &t.Seq, &t.TenantID, &t.ActorID, &t.Kind, &t.Amount,
			&t.BalanceBefore, &t.BalanceAfter, &t.OperationRef, &t.Description, &t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credit transaction: %w", err)
		}
		txns = append(txns, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credit transactions: %w", err)
	}

	return txns, nil
}
