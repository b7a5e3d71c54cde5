package withdrawals

import (
	"context"
	"errors"
	"time"

	"vaultpay/internal/ledger"
	"vaultpay/internal/model"
	"vaultpay/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("withdrawal not found")
	// ErrInvalidTransition means the compare-and-swap on status failed:
	// another actor already resolved the request. A conflict, not a crash.
	ErrInvalidTransition = errors.New("invalid transition")
)

// TransitionUpdate carries the fields written alongside a CAS status change.
// Empty strings and nil pointers leave the stored values untouched.
type TransitionUpdate struct {
	AdminActorID string
	AdminNotes   string
	ExternalRef  string
	TxHash       string
	NetworkFee   *decimal.Decimal
	ApprovedAt   *time.Time
	CompletedAt  *time.Time
}

type Store interface {
	// Create debits the account balance and inserts the pending record as one
	// unit: either both happen or neither does. Returns
	// ledger.ErrInsufficientFunds when the balance cannot cover the amount.
	Create(ctx context.Context, w *model.Withdrawal) error
	Get(ctx context.Context, id string) (model.Withdrawal, error)
	GetByExternalRef(ctx context.Context, ref string) (model.Withdrawal, error)
	ListByUser(ctx context.Context, userID string) ([]model.Withdrawal, error)
	// List returns all records most-recent-first; status "" means no filter.
	List(ctx context.Context, status types.WithdrawalStatus) ([]model.Withdrawal, error)
	// Transition moves status from→to only if the current status still reads
	// from, applying set in the same update. ErrInvalidTransition on CAS miss.
	Transition(ctx context.Context, id string, from, to types.WithdrawalStatus, set TransitionUpdate) (model.Withdrawal, error)
	// RejectPending credits the full amount back and moves pending→rejected
	// in one transaction, so a rejected record always has its matching credit.
	RejectPending(ctx context.Context, id, adminID, notes string) (model.Withdrawal, error)
}

type PGStore struct {
	pool   *pgxpool.Pool
	ledger *ledger.Service
}

func NewPGStore(pool *pgxpool.Pool, ledgerSvc *ledger.Service) *PGStore {
	return &PGStore{pool: pool, ledger: ledgerSvc}
}

const withdrawalColumns = "id, user_id, currency, amount, destination_address, provider, status, admin_actor_id, admin_notes, external_ref, tx_hash, network_fee, created_at, approved_at, rejected_at, completed_at"

func (s *PGStore) Create(ctx context.Context, w *model.Withdrawal) error {
	w.ID = uuid.NewString()
	w.Status = types.WithdrawalStatusPending
	w.CreatedAt = time.Now().UTC()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := s.ledger.Debit(ctx, tx, w.UserID, w.Currency, w.Amount); err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		"insert into withdrawals (id, user_id, currency, amount, destination_address, provider, status, created_at) values ($1, $2, $3, $4, $5, $6, $7, $8)",
		w.ID, w.UserID, string(w.Currency), w.Amount, w.DestinationAddress, string(w.Provider), string(w.Status), w.CreatedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Get(ctx context.Context, id string) (model.Withdrawal, error) {
	row := s.pool.QueryRow(ctx, "select "+withdrawalColumns+" from withdrawals where id = $1", id)
	w, err := scanWithdrawal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return w, ErrNotFound
	}
	return w, err
}

func (s *PGStore) GetByExternalRef(ctx context.Context, ref string) (model.Withdrawal, error) {
	row := s.pool.QueryRow(ctx, "select "+withdrawalColumns+" from withdrawals where external_ref = $1", ref)
	w, err := scanWithdrawal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return w, ErrNotFound
	}
	return w, err
}

func (s *PGStore) ListByUser(ctx context.Context, userID string) ([]model.Withdrawal, error) {
	rows, err := s.pool.Query(ctx,
		"select "+withdrawalColumns+" from withdrawals where user_id = $1 order by created_at desc", userID)
	if err != nil {
		return nil, err
	}
	return collectWithdrawals(rows)
}

func (s *PGStore) List(ctx context.Context, status types.WithdrawalStatus) ([]model.Withdrawal, error) {
	var rows pgx.Rows
	var err error
	if status == "" {
		rows, err = s.pool.Query(ctx, "select "+withdrawalColumns+" from withdrawals order by created_at desc")
	} else {
		rows, err = s.pool.Query(ctx,
			"select "+withdrawalColumns+" from withdrawals where status = $1 order by created_at desc", string(status))
	}
	if err != nil {
		return nil, err
	}
	return collectWithdrawals(rows)
}

func (s *PGStore) Transition(ctx context.Context, id string, from, to types.WithdrawalStatus, set TransitionUpdate) (model.Withdrawal, error) {
	row := s.pool.QueryRow(ctx, `
		update withdrawals set
			status = $3,
			admin_actor_id = coalesce(nullif($4, ''), admin_actor_id),
			admin_notes = coalesce(nullif($5, ''), admin_notes),
			external_ref = coalesce(nullif($6, ''), external_ref),
			tx_hash = coalesce(nullif($7, ''), tx_hash),
			network_fee = coalesce($8, network_fee),
			approved_at = coalesce($9, approved_at),
			completed_at = coalesce($10, completed_at)
		where id = $1 and status = $2
		returning `+withdrawalColumns,
		id, string(from), string(to),
		set.AdminActorID, set.AdminNotes, set.ExternalRef, set.TxHash,
		set.NetworkFee, set.ApprovedAt, set.CompletedAt)
	w, err := scanWithdrawal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return w, s.casFailure(ctx, id)
	}
	return w, err
}

func (s *PGStore) RejectPending(ctx context.Context, id, adminID, notes string) (model.Withdrawal, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.Withdrawal{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		update withdrawals set
			status = $2,
			admin_actor_id = $3,
			admin_notes = coalesce(nullif($4, ''), admin_notes),
			rejected_at = now()
		where id = $1 and status = $5
		returning `+withdrawalColumns,
		id, string(types.WithdrawalStatusRejected), adminID, notes, string(types.WithdrawalStatusPending))
	w, err := scanWithdrawal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return w, s.casFailure(ctx, id)
	}
	if err != nil {
		return w, err
	}
	if err := s.ledger.Credit(ctx, tx, w.UserID, w.Currency, w.Amount); err != nil {
		return model.Withdrawal{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Withdrawal{}, err
	}
	return w, nil
}

// casFailure tells a missing record apart from a lost status race.
func (s *PGStore) casFailure(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, "select exists (select 1 from withdrawals where id = $1)", id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

func scanWithdrawal(row pgx.Row) (model.Withdrawal, error) {
	var w model.Withdrawal
	var currency, provider, status string
	var adminActor, adminNotes, externalRef, txHash *string
	err := row.Scan(&w.ID, &w.UserID, &currency, &w.Amount, &w.DestinationAddress,
		&provider, &status, &adminActor, &adminNotes, &externalRef, &txHash,
		&w.NetworkFee, &w.CreatedAt, &w.ApprovedAt, &w.RejectedAt, &w.CompletedAt)
	if err != nil {
		return w, err
	}
	w.Currency = types.Currency(currency)
	w.Provider = types.Provider(provider)
	w.Status = types.WithdrawalStatus(status)
	w.AdminActorID = deref(adminActor)
	w.AdminNotes = deref(adminNotes)
	w.ExternalRef = deref(externalRef)
	w.TxHash = deref(txHash)
	return w, nil
}

func collectWithdrawals(rows pgx.Rows) ([]model.Withdrawal, error) {
	defer rows.Close()
	var out []model.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
