// Package funds reads stored account credit balances.
package funds

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/noah-isme/backend-bullion/internal/pricing"
)

// ErrInvalidAccount is returned for an empty account identifier.
var ErrInvalidAccount = errors.New("funds: account id required")

// Repository returns an account's stored credit balance.
type Repository interface {
	Balance(ctx context.Context, accountID string) (pricing.Money, error)
}

// DBTX is the subset of pgx used by the repository; *pgxpool.Pool satisfies it.
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PgRepository reads balances from the account_funds table.
type PgRepository struct {
	DB DBTX
}

// NewPgRepository creates a PgRepository.
func NewPgRepository(db DBTX) *PgRepository {
	return &PgRepository{DB: db}
}

// Balance returns the balance in minor units. Accounts without a row have no funds.
func (r *PgRepository) Balance(ctx context.Context, accountID string) (pricing.Money, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return 0, ErrInvalidAccount
	}
	var balance int64
	err := r.DB.QueryRow(ctx,
		`SELECT balance_minor FROM account_funds WHERE account_id = $1`, accountID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying funds for %s: %w", accountID, err)
	}
	return max(balance, 0), nil
}

// SetBalance upserts the balance for an account.
func (r *PgRepository) SetBalance(ctx context.Context, accountID string, balance pricing.Money) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ErrInvalidAccount
	}
	if balance < 0 {
		return fmt.Errorf("funds: balance cannot be negative")
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO account_funds (account_id, balance_minor, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			balance_minor = EXCLUDED.balance_minor,
			updated_at = EXCLUDED.updated_at`,
		accountID, balance)
	if err != nil {
		return fmt.Errorf("upserting funds for %s: %w", accountID, err)
	}
	return nil
}
