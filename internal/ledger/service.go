package ledger

import (
	"context"
	"errors"

	"vaultpay/internal/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrInsufficientFunds is returned by Debit when the available balance is
// lower than the requested amount. It is an expected, user-actionable branch.
var ErrInsufficientFunds = errors.New("insufficient funds")

type Balance struct {
	Currency  types.Currency  `json:"currency"`
	Available decimal.Decimal `json:"available"`
}

// Service owns the balances table. Every mutation goes through Debit or
// Credit; nothing else writes to the available column.
type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// Debit decrements the available balance only if available >= amount. The
// check and the decrement are one conditional update, so concurrent debits
// against the same (user, currency) row serialize inside Postgres and two
// requests can never both spend funds sufficient for one.
func (s *Service) Debit(ctx context.Context, tx pgx.Tx, userID string, currency types.Currency, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return errors.New("amount must be positive")
	}
	tag, err := tx.Exec(ctx,
		"update balances set available = available - $3, updated_at = now() where user_id = $1 and currency = $2 and available >= $3",
		userID, string(currency), amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// Credit increments the available balance, creating the row on first use.
// Credit never fails for business reasons; it is used only to reverse the
// debit of exactly one withdrawal moving to rejected.
func (s *Service) Credit(ctx context.Context, tx pgx.Tx, userID string, currency types.Currency, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return errors.New("amount must be positive")
	}
	_, err := tx.Exec(ctx,
		"insert into balances (user_id, currency, available) values ($1, $2, $3) on conflict (user_id, currency) do update set available = balances.available + excluded.available, updated_at = now()",
		userID, string(currency), amount)
	return err
}

func (s *Service) Balance(ctx context.Context, userID string, currency types.Currency) (decimal.Decimal, error) {
	var available decimal.Decimal
	err := s.pool.QueryRow(ctx,
		"select available from balances where user_id = $1 and currency = $2",
		userID, string(currency)).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	return available, err
}

func (s *Service) BalancesByUser(ctx context.Context, userID string) ([]Balance, error) {
	rows, err := s.pool.Query(ctx,
		"select currency, available from balances where user_id = $1 order by currency",
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Balance
	for rows.Next() {
		var b Balance
		var currency string
		if err := rows.Scan(&currency, &b.Available); err != nil {
			return nil, err
		}
		b.Currency = types.Currency(currency)
		out = append(out, b)
	}
	return out, rows.Err()
}
