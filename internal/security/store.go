package security

import (
	"context"
	"errors"
	"time"

	"vaultpay/internal/model"
	"vaultpay/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrAlreadyWhitelisted = errors.New("already whitelisted")
	ErrAlreadyVerified    = errors.New("address already verified")
	ErrNotFound           = errors.New("not found")
)

// Store owns the per-account allow-lists. The Gate reads them; the account
// holder maintains them through the security handlers.
type Store interface {
	ListIPs(ctx context.Context, userID string) ([]string, error)
	AddIP(ctx context.Context, userID, ip string) error
	RemoveIP(ctx context.Context, userID, ip string) error

	ListAddresses(ctx context.Context, userID string) ([]model.WhitelistedAddress, error)
	AddAddress(ctx context.Context, entry model.WhitelistedAddress) (model.WhitelistedAddress, error)
	VerifyAddress(ctx context.Context, userID, id string) (model.WhitelistedAddress, error)
	RemoveAddress(ctx context.Context, userID, id string) error
	HasVerifiedAddress(ctx context.Context, userID string, currency types.Currency, address string) (bool, error)
}

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) ListIPs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, "select ip from whitelisted_ips where user_id = $1 order by created_at", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		out = append(out, ip)
	}
	return out, rows.Err()
}

func (s *PGStore) AddIP(ctx context.Context, userID, ip string) error {
	tag, err := s.pool.Exec(ctx,
		"insert into whitelisted_ips (user_id, ip, created_at) values ($1, $2, $3) on conflict do nothing",
		userID, ip, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyWhitelisted
	}
	return nil
}

func (s *PGStore) RemoveIP(ctx context.Context, userID, ip string) error {
	tag, err := s.pool.Exec(ctx, "delete from whitelisted_ips where user_id = $1 and ip = $2", userID, ip)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ListAddresses(ctx context.Context, userID string) ([]model.WhitelistedAddress, error) {
	rows, err := s.pool.Query(ctx,
		"select id, user_id, currency, address, label, verified, created_at from whitelisted_addresses where user_id = $1 order by created_at desc",
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.WhitelistedAddress
	for rows.Next() {
		entry, err := scanAddress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PGStore) AddAddress(ctx context.Context, entry model.WhitelistedAddress) (model.WhitelistedAddress, error) {
	entry.ID = uuid.NewString()
	entry.Verified = false
	entry.CreatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		"insert into whitelisted_addresses (id, user_id, currency, address, label, verified, created_at) values ($1, $2, $3, $4, $5, false, $6) on conflict (user_id, currency, address) do nothing",
		entry.ID, entry.UserID, string(entry.Currency), entry.Address, entry.Label, entry.CreatedAt)
	if err != nil {
		return model.WhitelistedAddress{}, err
	}
	if tag.RowsAffected() == 0 {
		return model.WhitelistedAddress{}, ErrAlreadyWhitelisted
	}
	return entry, nil
}

func (s *PGStore) VerifyAddress(ctx context.Context, userID, id string) (model.WhitelistedAddress, error) {
	row := s.pool.QueryRow(ctx,
		"update whitelisted_addresses set verified = true where id = $1 and user_id = $2 and verified = false returning id, user_id, currency, address, label, verified, created_at",
		id, userID)
	entry, err := scanAddress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish missing from already verified.
		var verified bool
		lookupErr := s.pool.QueryRow(ctx,
			"select verified from whitelisted_addresses where id = $1 and user_id = $2", id, userID).Scan(&verified)
		if lookupErr != nil {
			return model.WhitelistedAddress{}, ErrNotFound
		}
		return model.WhitelistedAddress{}, ErrAlreadyVerified
	}
	return entry, err
}

func (s *PGStore) RemoveAddress(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx, "delete from whitelisted_addresses where id = $1 and user_id = $2", id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) HasVerifiedAddress(ctx context.Context, userID string, currency types.Currency, address string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		"select exists (select 1 from whitelisted_addresses where user_id = $1 and currency = $2 and address = $3 and verified = true)",
		userID, string(currency), address).Scan(&ok)
	return ok, err
}

func scanAddress(row pgx.Row) (model.WhitelistedAddress, error) {
	var entry model.WhitelistedAddress
	var currency string
	err := row.Scan(&entry.ID, &entry.UserID, &currency, &entry.Address, &entry.Label, &entry.Verified, &entry.CreatedAt)
	if err != nil {
		return entry, err
	}
	entry.Currency = types.Currency(currency)
	return entry, nil
}
