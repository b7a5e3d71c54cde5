package withdrawals

import (
	"context"
	"errors"
	"sync"
	"testing"

	"vaultpay/internal/ledger"
	"vaultpay/internal/model"
	"vaultpay/internal/notify"
	"vaultpay/internal/payout"
	"vaultpay/internal/security"
	"vaultpay/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAdapter scripts the provider response for one test.
type fakeAdapter struct {
	provider types.Provider
	result   payout.Result
	err      error
	calls    int
}

func (f *fakeAdapter) Provider() types.Provider { return f.provider }

func (f *fakeAdapter) InitiatePayout(context.Context, model.Withdrawal) (payout.Result, error) {
	f.calls++
	if f.err != nil {
		return payout.Result{}, f.err
	}
	return f.result, nil
}

func (f *fakeAdapter) VerifyCallback([]byte, string) (payout.Callback, error) {
	return payout.Callback{}, payout.ErrInvalidSignature
}

type capturedEvents struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *capturedEvents) Record(_ context.Context, ev notify.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capturedEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	svc    *Service
	store  *MemStore
	led    *ledger.MemLedger
	sec    *security.MemStore
	sink   *capturedEvents
	nowpay *fakeAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	led := ledger.NewMemLedger()
	sec := security.NewMemStore()
	store := NewMemStore(led)
	sink := &capturedEvents{}
	nowpay := &fakeAdapter{
		provider: types.ProviderNOWPayments,
		result:   payout.Result{ExternalRef: "np-batch-1"},
	}
	svc := NewService(store, security.NewGate(sec), payout.NewRegistry(nowpay), sink, zap.NewNop())
	return &fixture{svc: svc, store: store, led: led, sec: sec, sink: sink, nowpay: nowpay}
}

func (f *fixture) fund(t *testing.T, userID string, currency types.Currency, amount string) {
	t.Helper()
	require.NoError(t, f.led.Credit(context.Background(), userID, currency, decimal.RequireFromString(amount)))
}

func (f *fixture) whitelistAddress(t *testing.T, userID string, currency types.Currency, address string) {
	t.Helper()
	entry, err := f.sec.AddAddress(context.Background(), model.WhitelistedAddress{
		UserID: userID, Currency: currency, Address: address,
	})
	require.NoError(t, err)
	_, err = f.sec.VerifyAddress(context.Background(), userID, entry.ID)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID string, currency types.Currency) decimal.Decimal {
	t.Helper()
	bal, err := f.led.Balance(context.Background(), userID, currency)
	require.NoError(t, err)
	return bal
}

func cryptoCreate(userID, address string) CreateParams {
	return CreateParams{
		UserID:             userID,
		OriginIP:           "203.0.113.1",
		Currency:           types.CurrencyUSDT,
		Amount:             decimal.NewFromInt(30),
		DestinationAddress: address,
		Provider:           types.ProviderNOWPayments,
	}
}

func TestCreateDebitsImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", types.CurrencyUSDT, "100")
	f.whitelistAddress(t, "u1", types.CurrencyUSDT, "0xdest")

	w, err := f.svc.Create(ctx, cryptoCreate("u1", "0xdest"))
	require.NoError(t, err)
	assert.Equal(t, types.WithdrawalStatusPending, w.Status)
	assert.True(t, f.balance(t, "u1", types.CurrencyUSDT).Equal(decimal.NewFromInt(70)))
	assert.Contains(t, f.sink.types(), notify.EventWithdrawalCreated)
}

func TestCreateInsufficientFundsLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", types.CurrencyUSDT, "10")
	f.whitelistAddress(t, "u1", types.CurrencyUSDT, "0xdest")

	_, err := f.svc.Create(ctx, cryptoCreate("u1", "0xdest"))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	list, err := f.svc.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.True(t, f.balance(t, "u1", types.CurrencyUSDT).Equal(decimal.NewFromInt(10)))
}

func TestConcurrentCreateSingleDebit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", types.CurrencyUSDT, "30")
	f.whitelistAddress(t, "u1", types.CurrencyUSDT, "0xdest")

	// Two simultaneous requests each ask for the full balance; at most one
	// may survive the gate, the debit, and the insert.
	start := make(chan struct{})
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			_, err := f.svc.Create(ctx, cryptoCreate("u1", "0xdest"))
			errs <- err
		}()
	}
	close(start)

	var created, insufficient int
	for i := 0; i < 2; i++ {
		err := <-errs
		switch {
		case err == nil:
			created++
		case errors.Is(err, ledger.ErrInsufficientFunds):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, insufficient)
	assert.True(t, f.balance(t, "u1", types.CurrencyUSDT).IsZero())

	list, err := f.svc.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", types.CurrencyUSDT, "100")

	p := cryptoCreate("u1", "0xdest")
	p.Amount = decimal.Zero
	_, err := f.svc.Create(ctx, p)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	p = cryptoCreate("u1", "")
	_, err = f.svc.Create(ctx, p)
	assert.ErrorIs(t, err, ErrAddressRequired)
}

func TestCreateGateDeniedBeforeDebit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", types.CurrencyUSDT, "100")
	// Address never whitelisted.

	_, err := f.svc.Create(ctx, cryptoCreate("u1", "0xdest"))
	var denied *security.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.True(t, f.balance(t, "u1", types.CurrencyUSDT).Equal(decimal.NewFromInt(100)))
	assert.Contains(t, f.sink.types(), notify.EventGateDenied)
}

func TestCreateFiatSkipsAddressCheck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", types.CurrencyUSD, "100")

	w, err := f.svc.Create(ctx, CreateParams{
		UserID:   "u1",
		OriginIP: "203.0.113.1",
		Currency: types.CurrencyUSD,
		Amount:   decimal.NewFromInt(30),
		// A stray address on a fiat request is dropped, not rejected.
		DestinationAddress: "0xignored",
	})
	require.NoError(t, err)
	assert.Empty(t, w.DestinationAddress)
}

func TestCreateFiatDropsStrayProvider(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", types.CurrencyUSD, "100")

	w, err := f.svc.Create(ctx, CreateParams{
		UserID:   "u1",
		OriginIP: "203.0.113.1",
		Currency: types.CurrencyUSD,
		Amount:   decimal.NewFromInt(30),
		Provider: types.ProviderNOWPayments,
	})
	require.NoError(t, err)
	assert.Empty(t, w.Provider)

	// Approval settles manually instead of routing USD through a crypto rail.
	approved, err := f.svc.Approve(ctx, w.ID, "admin-1", "", "WIRE-101", nil)
	require.NoError(t, err)
	assert.Equal(t, types.WithdrawalStatusCompleted, approved.Status)
	assert.Equal(t, 0, f.nowpay.calls)
}

func TestRejectRefundsExactAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", types.CurrencyUSD, "100")

	w, err := f.svc.Create(ctx, CreateParams{
		UserID: "u1", OriginIP: "203.0.113.1",
		Currency: types.CurrencyUSD, Amount: decimal.NewFromInt(30),
	})
	require.NoError(t, err)
	assert.True(t, f.balance(t, "u1", types.CurrencyUSD).Equal(decimal.NewFromInt(70)))

	rejected, err := f.svc.Reject(ctx, w.ID, "admin1", "suspicious")
	require.NoError(t, err)
	assert.Equal(t, types.WithdrawalStatusRejected, rejected.Status)
	assert.Equal(t, "admin1", rejected.AdminActorID)
	assert.NotNil(t, rejected.RejectedAt)
	assert.True(t, f.balance(t, "u1", types.CurrencyUSD).Equal(decimal.NewFromInt(100)))
	assert.Contains(t, f.sink.types(), notify.EventWithdrawalRejected)
}

func TestApproveSynchronousProviderCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", types.CurrencyUSDT, "100")
	f.whitelistAddress(t, "u1", types.CurrencyUSDT, "0xdest")
	f.nowpay.result = payout.Result{ExternalRef: "ref-1", TxHash: "abc123", Confirmed: true}

	w, err := f.svc.Create(ctx, cryptoCreate("u1", "0xdest"))
	require.NoError(t, err)

	approved, err := f.svc.Approve(ctx, w.ID, "admin1", "", "", nil)
	require.NoError(t, err)
	assert.Equal(t, types.WithdrawalStatusCompleted, approved.Status)
	assert.Equal(t, "abc123", approved.TxHash)
	assert.NotNil(t, approved.ApprovedAt)
	assert.NotNil(t, approved.CompletedAt)
	// Completion never touches the balance; the debit already happened.
	assert.True(t, f.balance(t, "u1", types.CurrencyUSDT).Equal(decimal.NewFromInt(70)))

	// Second disposition of the same request must fail.
	_, err = f.svc.Approve(ctx, w.ID, "admin2", "", "", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.Reject(ctx, w.ID, "admin2", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, f.nowpay.calls)
}

func TestApproveAsynchronousProviderMovesToProcessing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", types.CurrencyUSDT, "100")
	f.whitelistAddress(t, "u1", types.CurrencyUSDT, "0xdest")

	w, err := f.svc.Create(ctx, cryptoCreate("u1", "0xdest"))
	require.NoError(t, err)

	approved, err := f.svc.Approve(ctx, w.ID, "admin1", "looks fine", "", nil)
	require.NoError(t, err)
	assert.Equal(t, types.WithdrawalStatusProcessing, approved.Status)
	assert.Equal(t, "np-batch-1", approved.ExternalRef)
	assert.NotNil(t, approved.ApprovedAt)
	assert.Nil(t, approved.CompletedAt)
	assert.Contains(t, f.sink.types(), notify.EventWithdrawalApproved)
}

func TestApproveProviderErrorKeepsPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", types.CurrencyUSDT, "100")
	f.whitelistAddress(t, "u1", types.CurrencyUSDT, "0xdest")
	f.nowpay.err = &payout.AdapterError{Provider: types.ProviderNOWPayments, Op: "payout", Err: errors.New("timeout")}

	w, err := f.svc.Create(ctx, cryptoCreate("u1", "0xdest"))
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, w.ID, "admin1", "", "", nil)
	var adapterErr *payout.AdapterError
	require.ErrorAs(t, err, &adapterErr)

	got, err := f.svc.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WithdrawalStatusPending, got.Status)
	assert.True(t, f.balance(t, "u1", types.CurrencyUSDT).Equal(decimal.NewFromInt(70)))

	// Retry succeeds once the provider recovers.
	f.nowpay.err = nil
	approved, err := f.svc.Approve(ctx, w.ID, "admin1", "", "", nil)
	require.NoError(t, err)
	assert.Equal(t, types.WithdrawalStatusProcessing, approved.Status)
}

func TestApproveUnconfiguredProvider(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", types.CurrencyUSDT, "100")
	f.whitelistAddress(t, "u1", types.CurrencyUSDT, "0xdest")

	p := cryptoCreate("u1", "0xdest")
	p.Provider = types.ProviderCryptomus // not in the registry
	w, err := f.svc.Create(ctx, p)
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, w.ID, "admin1", "", "", nil)
	var adapterErr *payout.AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, types.ProviderCryptomus, adapterErr.Provider)
}

func TestApproveFiatSettlesManually(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", types.CurrencyUSD, "100")

	w, err := f.svc.Create(ctx, CreateParams{
		UserID: "u1", OriginIP: "203.0.113.1",
		Currency: types.CurrencyUSD, Amount: decimal.NewFromInt(30),
	})
	require.NoError(t, err)

	fee := decimal.RequireFromString("0.5")
	approved, err := f.svc.Approve(ctx, w.ID, "admin1", "wire sent", "WIRE-773", &fee)
	require.NoError(t, err)
	assert.Equal(t, types.WithdrawalStatusCompleted, approved.Status)
	assert.Equal(t, "WIRE-773", approved.TxHash)
	require.NotNil(t, approved.NetworkFee)
	assert.True(t, approved.NetworkFee.Equal(fee))
	// No provider call happens on the manual path.
	assert.Equal(t, 0, f.nowpay.calls)
}

func TestApproveMissingWithdrawal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.Approve(ctx, "no-such-id", "admin1", "", "", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReconcileCompletesProcessing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", types.CurrencyUSDT, "100")
	f.whitelistAddress(t, "u1", types.CurrencyUSDT, "0xdest")

	w, err := f.svc.Create(ctx, cryptoCreate("u1", "0xdest"))
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, w.ID, "admin1", "", "", nil)
	require.NoError(t, err)

	cb := payout.Callback{ExternalRef: "np-batch-1", Status: payout.StatusCompleted, TxHash: "deadbeef"}
	require.NoError(t, f.svc.Reconcile(ctx, cb))

	got, err := f.svc.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WithdrawalStatusCompleted, got.Status)
	assert.Equal(t, "deadbeef", got.TxHash)
	assert.NotNil(t, got.CompletedAt)

	// A retried callback with the same outcome is a no-op.
	require.NoError(t, f.svc.Reconcile(ctx, cb))
	again, err := f.svc.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, got.CompletedAt, again.CompletedAt)
}

func TestReconcileFailureDoesNotRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", types.CurrencyUSDT, "100")
	f.whitelistAddress(t, "u1", types.CurrencyUSDT, "0xdest")

	w, err := f.svc.Create(ctx, cryptoCreate("u1", "0xdest"))
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, w.ID, "admin1", "", "", nil)
	require.NoError(t, err)

	cb := payout.Callback{ExternalRef: "np-batch-1", Status: payout.StatusFailed, RawStatus: "FAILED", Reason: "node unreachable"}
	require.NoError(t, f.svc.Reconcile(ctx, cb))

	got, err := f.svc.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WithdrawalStatusFailed, got.Status)
	assert.Contains(t, got.AdminNotes, "FAILED")
	// Funds stay debited until an operator decides otherwise.
	assert.True(t, f.balance(t, "u1", types.CurrencyUSDT).Equal(decimal.NewFromInt(70)))
	assert.Contains(t, f.sink.types(), notify.EventWithdrawalFailed)
}

func TestReconcileInterimStatusIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", types.CurrencyUSDT, "100")
	f.whitelistAddress(t, "u1", types.CurrencyUSDT, "0xdest")

	w, err := f.svc.Create(ctx, cryptoCreate("u1", "0xdest"))
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, w.ID, "admin1", "", "", nil)
	require.NoError(t, err)

	cb := payout.Callback{ExternalRef: "np-batch-1", Status: payout.StatusProcessing, RawStatus: "CONFIRMING"}
	require.NoError(t, f.svc.Reconcile(ctx, cb))

	got, err := f.svc.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WithdrawalStatusProcessing, got.Status)
}

func TestReconcileUnknownReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	err := f.svc.Reconcile(ctx, payout.Callback{ExternalRef: "ghost", Status: payout.StatusCompleted})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", types.CurrencyUSDT, "100")
	f.whitelistAddress(t, "u1", types.CurrencyUSDT, "0xdest")

	w, err := f.svc.Create(ctx, cryptoCreate("u1", "0xdest"))
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, w.ID, "admin1", "", "", nil)
	require.NoError(t, err)
	require.NoError(t, f.svc.Reconcile(ctx, payout.Callback{ExternalRef: "np-batch-1", Status: payout.StatusFailed, RawStatus: "EXPIRED"}))

	// A later success callback for a failed request must not resurrect it.
	err = f.svc.Reconcile(ctx, payout.Callback{ExternalRef: "np-batch-1", Status: payout.StatusCompleted, TxHash: "late"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := f.svc.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WithdrawalStatusFailed, got.Status)
	assert.Empty(t, got.TxHash)
}

func TestListFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", types.CurrencyUSD, "100")

	first, err := f.svc.Create(ctx, CreateParams{
		UserID: "u1", OriginIP: "203.0.113.1",
		Currency: types.CurrencyUSD, Amount: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, CreateParams{
		UserID: "u1", OriginIP: "203.0.113.1",
		Currency: types.CurrencyUSD, Amount: decimal.NewFromInt(20),
	})
	require.NoError(t, err)
	_, err = f.svc.Reject(ctx, first.ID, "admin1", "")
	require.NoError(t, err)

	pending, err := f.svc.List(ctx, types.WithdrawalStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	all, err := f.svc.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
