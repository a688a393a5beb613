package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinledger/internal/fraud"
	"coinledger/internal/gateway"
	"coinledger/internal/model"
	"coinledger/internal/notify"
	"coinledger/internal/repository"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeIdem struct {
	mu      sync.Mutex
	results map[string][]byte
	claimed map[string]bool
}

func newFakeIdem() *fakeIdem {
	return &fakeIdem{results: map[string][]byte{}, claimed: map[string]bool{}}
}

func (f *fakeIdem) Claim(_ context.Context, key string, _ int64, prior any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.claimed[key] {
		f.claimed[key] = true
		return nil
	}
	stored, ok := f.results[key]
	if !ok {
		return repository.ErrResultPending
	}
	if prior != nil {
		if err := json.Unmarshal(stored, prior); err != nil {
			return err
		}
	}
	return repository.ErrDuplicateKey
}

func (f *fakeIdem) StoreResult(_ context.Context, key string, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[key] = payload
	return nil
}

func (f *fakeIdem) ReleaseKey(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.results[key]; !ok {
		delete(f.claimed, key)
	}
	return nil
}

type fakePayWallets struct {
	mu         sync.Mutex
	balance    map[int64]int64
	locked     map[int64]int64
	credits    int
	creditKeys []string
	nextID     int
	reserves   map[string]int64 // entry ID -> amount
}

func newFakePayWallets() *fakePayWallets {
	return &fakePayWallets{
		balance:  map[int64]int64{},
		locked:   map[int64]int64{},
		reserves: map[string]int64{},
	}
}

func (f *fakePayWallets) wallet(userID int64) *model.Wallet {
	return &model.Wallet{UserID: userID, Balance: f.balance[userID], Locked: f.locked[userID]}
}

func (f *fakePayWallets) CreditIdempotent(_ context.Context, userID, amount int64, txType, idemKey string, _ map[string]string) (*model.Wallet, *model.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance[userID] += amount
	f.credits++
	f.creditKeys = append(f.creditKeys, idemKey)
	return f.wallet(userID), &model.Transaction{ID: "credit", Type: txType, Amount: amount, IdempotencyKey: &idemKey}, nil
}

func (f *fakePayWallets) Reserve(_ context.Context, userID, amount int64, txType string, _ map[string]string) (*model.Wallet, *model.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balance[userID] < amount {
		return nil, nil, repository.ErrInsufficientBalance
	}
	f.balance[userID] -= amount
	f.locked[userID] += amount
	f.nextID++
	id := fmt.Sprintf("reserve-%d", f.nextID)
	f.reserves[id] = amount
	return f.wallet(userID), &model.Transaction{ID: id, Type: txType, Amount: -amount, Status: model.TxStatusPending}, nil
}

func (f *fakePayWallets) Release(_ context.Context, userID, amount int64, entryID string) (*model.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked[userID] < amount {
		return nil, repository.ErrInsufficientLocked
	}
	f.locked[userID] -= amount
	f.balance[userID] += amount
	delete(f.reserves, entryID)
	return f.wallet(userID), nil
}

func (f *fakePayWallets) Settle(_ context.Context, userID, amount int64, entryID string) (*model.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked[userID] < amount {
		return nil, repository.ErrInsufficientLocked
	}
	f.locked[userID] -= amount
	delete(f.reserves, entryID)
	return f.wallet(userID), nil
}

type fakeIntents struct {
	mu     sync.Mutex
	nextID int
	byID   map[string]*model.PaymentIntent
}

func newFakeIntents() *fakeIntents {
	return &fakeIntents{byID: map[string]*model.PaymentIntent{}}
}

func (f *fakeIntents) Create(_ context.Context, intent *model.PaymentIntent) (*model.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	intent.ID = fmt.Sprintf("intent-%d", f.nextID)
	intent.CreatedAt = time.Now()
	stored := *intent
	f.byID[intent.ID] = &stored
	out := stored
	return &out, nil
}

func (f *fakeIntents) GetByProviderRef(_ context.Context, provider, ref string) (*model.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.byID {
		if p.Provider == provider && p.ProviderRef == ref {
			out := *p
			return &out, nil
		}
	}
	return nil, repository.ErrIntentNotFound
}

func (f *fakeIntents) UpdateStatus(_ context.Context, id, status string) (*model.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrIntentNotFound
	}
	if p.Terminal() {
		return nil, repository.ErrIntentTerminal
	}
	p.Status = status
	out := *p
	return &out, nil
}

func (f *fakeIntents) SetProviderRef(_ context.Context, id, ref, redirectURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byID[id]
	if !ok {
		return repository.ErrIntentNotFound
	}
	p.ProviderRef = ref
	p.RedirectURL = redirectURL
	return nil
}

func (f *fakeIntents) ExpirePending(_ context.Context, now time.Time) ([]*model.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var expired []*model.PaymentIntent
	for _, p := range f.byID {
		if (p.Status == model.IntentStatusAccepted || p.Status == model.IntentStatusPending) && p.ExpiresAt.Before(now) {
			p.Status = model.IntentStatusFailed
			out := *p
			expired = append(expired, &out)
		}
	}
	return expired, nil
}

type fakeHistory struct {
	velocity int
	avg      int64
	country  string
}

func (f *fakeHistory) CountSince(context.Context, int64, []string, time.Time) (int, error) {
	return f.velocity, nil
}
func (f *fakeHistory) AvgAmountSince(context.Context, int64, []string, time.Time) (int64, error) {
	return f.avg, nil
}
func (f *fakeHistory) CommonCountry(context.Context, int64, time.Time) (string, error) {
	return f.country, nil
}

type fakeLimits struct{ err error }

func (f *fakeLimits) Validate(context.Context, int64, int64) error { return f.err }

type fakeAdapter struct {
	mu          sync.Mutex
	name        string
	initiates   int
	initiateErr error
	verify      *gateway.VerificationResult
	verifyErr   error
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Initiate(_ context.Context, intent *model.PaymentIntent) (*gateway.InitiateResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initiates++
	if a.initiateErr != nil {
		return nil, a.initiateErr
	}
	return &gateway.InitiateResult{
		ProviderRef: "ref-" + intent.ID,
		RedirectURL: "https://pay.example/" + intent.ID,
	}, nil
}

func (a *fakeAdapter) Verify(context.Context, []byte, http.Header) (*gateway.VerificationResult, error) {
	if a.verifyErr != nil {
		return nil, a.verifyErr
	}
	out := *a.verify
	return &out, nil
}

type fakeRegistry struct{ adapter *fakeAdapter }

func (f *fakeRegistry) Get(name string) (gateway.Adapter, error) {
	if f.adapter == nil || f.adapter.name != name {
		return nil, gateway.ErrUnknownProvider
	}
	return f.adapter, nil
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type paymentFixture struct {
	svc     *PaymentService
	wallets *fakePayWallets
	intents *fakeIntents
	idem    *fakeIdem
	history *fakeHistory
	limits  *fakeLimits
	adapter *fakeAdapter
	now     time.Time
}

func newPaymentFixture() *paymentFixture {
	f := &paymentFixture{
		wallets: newFakePayWallets(),
		intents: newFakeIntents(),
		idem:    newFakeIdem(),
		history: &fakeHistory{},
		limits:  &fakeLimits{},
		adapter: &fakeAdapter{name: "testpay"},
		now:     time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	f.svc = NewPaymentService(
		f.wallets, f.intents, f.idem, f.history, f.limits,
		fraud.NewDetector(fraud.DefaultConfig()),
		&fakeRegistry{adapter: f.adapter},
		notify.Nop{},
		PaymentConfig{
			IntentTTL:      30 * time.Minute,
			CoinsPerCent:   1,
			VelocityWindow: time.Hour,
			HistoryWindow:  30 * 24 * time.Hour,
		},
		func() time.Time { return f.now },
	)
	return f
}

func topupRequest() InitiateRequest {
	return InitiateRequest{
		UserID:         7,
		Amount:         5000,
		Currency:       "USD",
		Method:         "testpay",
		IdempotencyKey: "client-key-1",
	}
}

// ---------------------------------------------------------------------------
// Initiate
// ---------------------------------------------------------------------------

func TestInitiatePaymentHappyPath(t *testing.T) {
	f := newPaymentFixture()

	intent, err := f.svc.InitiatePayment(context.Background(), topupRequest())
	require.NoError(t, err)

	assert.Equal(t, model.IntentStatusPending, intent.Status)
	assert.Equal(t, model.IntentKindTopup, intent.Kind)
	assert.Equal(t, "ref-"+intent.ID, intent.ProviderRef)
	assert.NotEmpty(t, intent.RedirectURL)
	assert.Equal(t, fraud.ActionAllow, intent.RiskAction)
	assert.Equal(t, 1, f.adapter.initiates)
}

func TestInitiatePaymentIdempotentReplay(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()

	first, err := f.svc.InitiatePayment(ctx, topupRequest())
	require.NoError(t, err)

	// Same key retried: no second provider call, same intent back.
	second, err := f.svc.InitiatePayment(ctx, topupRequest())
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ProviderRef, second.ProviderRef)
	assert.Equal(t, 1, f.adapter.initiates)
}

func TestInitiatePaymentDerivedKeyDeduplicates(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()

	req := topupRequest()
	req.IdempotencyKey = ""
	req.Nonce = "nonce-1"

	first, err := f.svc.InitiatePayment(ctx, req)
	require.NoError(t, err)
	second, err := f.svc.InitiatePayment(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// A different nonce is a different request.
	req.Nonce = "nonce-2"
	third, err := f.svc.InitiatePayment(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
	assert.Equal(t, 2, f.adapter.initiates)
}

func TestInitiatePaymentUnknownProvider(t *testing.T) {
	f := newPaymentFixture()

	req := topupRequest()
	req.Method = "wiretransfer"

	_, err := f.svc.InitiatePayment(context.Background(), req)
	assert.ErrorIs(t, err, gateway.ErrUnknownProvider)
	assert.Zero(t, f.adapter.initiates)
}

func TestInitiatePaymentLimitFailureReleasesKey(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	f.limits.err = errors.New("cap exceeded")

	_, err := f.svc.InitiatePayment(ctx, topupRequest())
	require.Error(t, err)

	// The key was released; once the cap clears the same key works.
	f.limits.err = nil
	intent, err := f.svc.InitiatePayment(ctx, topupRequest())
	require.NoError(t, err)
	assert.Equal(t, model.IntentStatusPending, intent.Status)
}

func TestInitiatePaymentBlocked(t *testing.T) {
	f := newPaymentFixture()
	// Six payments in the window plus a 50x amount anomaly: scores 100.
	f.history.velocity = 6
	f.history.avg = 100

	intent, err := f.svc.InitiatePayment(context.Background(), topupRequest())
	require.ErrorIs(t, err, ErrFraudBlocked)

	require.NotNil(t, intent)
	assert.Equal(t, model.IntentStatusBlocked, intent.Status)
	assert.Equal(t, 100, intent.RiskScore)
	assert.Zero(t, f.adapter.initiates, "blocked request must never reach the provider")
}

func TestInitiatePaymentBlockedReplayStaysBlocked(t *testing.T) {
	f := newPaymentFixture()
	f.history.velocity = 6
	f.history.avg = 100
	ctx := context.Background()

	first, err := f.svc.InitiatePayment(ctx, topupRequest())
	require.ErrorIs(t, err, ErrFraudBlocked)

	// The replay returns the stored blocked intent without rescoring.
	second, err := f.svc.InitiatePayment(ctx, topupRequest())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, model.IntentStatusBlocked, second.Status)
	assert.Zero(t, f.adapter.initiates)
}

func TestInitiatePaymentReviewWithholdsSettlement(t *testing.T) {
	f := newPaymentFixture()

	req := topupRequest()
	req.Description = "test transaction"
	req.Country = "NP"
	f.history.country = "US"

	intent, err := f.svc.InitiatePayment(context.Background(), req)
	require.ErrorIs(t, err, ErrFraudReviewRequired)

	require.NotNil(t, intent)
	assert.Equal(t, model.IntentStatusAccepted, intent.Status)
	assert.Equal(t, fraud.ActionReview, intent.RiskAction)
	assert.Zero(t, f.adapter.initiates, "review withholds the provider call")
}

func TestInitiatePaymentProviderFailure(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	f.adapter.initiateErr = gateway.ErrProviderError

	_, err := f.svc.InitiatePayment(ctx, topupRequest())
	require.ErrorIs(t, err, gateway.ErrProviderError)

	// Key released: the retry goes through once the provider recovers.
	f.adapter.initiateErr = nil
	intent, err := f.svc.InitiatePayment(ctx, topupRequest())
	require.NoError(t, err)
	assert.Equal(t, model.IntentStatusPending, intent.Status)
}

// ---------------------------------------------------------------------------
// Withdrawals
// ---------------------------------------------------------------------------

func TestInitiateWithdrawalReservesCoins(t *testing.T) {
	f := newPaymentFixture()
	f.wallets.balance[7] = 10000

	intent, err := f.svc.InitiateWithdrawal(context.Background(), topupRequest())
	require.NoError(t, err)

	assert.Equal(t, model.IntentKindWithdraw, intent.Kind)
	require.NotNil(t, intent.ReserveTxID)
	assert.Equal(t, int64(5000), f.wallets.balance[7])
	assert.Equal(t, int64(5000), f.wallets.locked[7])
}

func TestInitiateWithdrawalInsufficientBalance(t *testing.T) {
	f := newPaymentFixture()
	f.wallets.balance[7] = 100

	_, err := f.svc.InitiateWithdrawal(context.Background(), topupRequest())
	assert.ErrorIs(t, err, repository.ErrInsufficientBalance)
	assert.Equal(t, int64(100), f.wallets.balance[7])
}

func TestInitiateWithdrawalProviderFailureReleasesReserve(t *testing.T) {
	f := newPaymentFixture()
	f.wallets.balance[7] = 10000
	f.adapter.initiateErr = gateway.ErrProviderError

	_, err := f.svc.InitiateWithdrawal(context.Background(), topupRequest())
	require.ErrorIs(t, err, gateway.ErrProviderError)

	assert.Equal(t, int64(10000), f.wallets.balance[7], "reservation must be released on provider failure")
	assert.Zero(t, f.wallets.locked[7])
}

// ---------------------------------------------------------------------------
// Callbacks
// ---------------------------------------------------------------------------

func (f *paymentFixture) pendingIntent(t *testing.T) *model.PaymentIntent {
	t.Helper()
	intent, err := f.svc.InitiatePayment(context.Background(), topupRequest())
	require.NoError(t, err)
	return intent
}

func (f *paymentFixture) verification(intent *model.PaymentIntent, txID string) *gateway.VerificationResult {
	return &gateway.VerificationResult{
		IsValid:      true,
		Amount:       intent.RequestedAmount,
		Currency:     intent.Currency,
		OrderRef:     intent.ProviderRef,
		ProviderTxID: txID,
	}
}

func TestCallbackCreditsWallet(t *testing.T) {
	f := newPaymentFixture()
	intent := f.pendingIntent(t)
	f.adapter.verify = f.verification(intent, "settle-1")

	result, err := f.svc.HandleProviderCallback(context.Background(), "testpay", []byte(`{}`), nil)
	require.NoError(t, err)

	assert.True(t, result.IsValid)
	assert.Equal(t, int64(5000), f.wallets.balance[7])
	assert.Equal(t, 1, f.wallets.credits)
	assert.Equal(t, []string{"cb:testpay:settle-1"}, f.wallets.creditKeys,
		"settlement credit must carry the callback key")
	assert.Equal(t, model.IntentStatusCompleted, f.intents.byID[intent.ID].Status)
}

func TestCallbackReplayCreditsOnce(t *testing.T) {
	f := newPaymentFixture()
	intent := f.pendingIntent(t)
	f.adapter.verify = f.verification(intent, "settle-1")
	ctx := context.Background()

	_, err := f.svc.HandleProviderCallback(ctx, "testpay", []byte(`{}`), nil)
	require.NoError(t, err)

	// The provider retries the same settlement three more times.
	for i := 0; i < 3; i++ {
		result, err := f.svc.HandleProviderCallback(ctx, "testpay", []byte(`{}`), nil)
		require.NoError(t, err)
		assert.True(t, result.IsValid)
	}

	assert.Equal(t, 1, f.wallets.credits, "replayed settlement must credit exactly once")
	assert.Equal(t, int64(5000), f.wallets.balance[7])
}

func TestCallbackAmountMismatchRejected(t *testing.T) {
	f := newPaymentFixture()
	intent := f.pendingIntent(t)
	v := f.verification(intent, "settle-1")
	v.Amount = 9999
	f.adapter.verify = v

	_, err := f.svc.HandleProviderCallback(context.Background(), "testpay", []byte(`{}`), nil)
	require.ErrorIs(t, err, ErrAmountMismatch)
	assert.Zero(t, f.wallets.credits)
	assert.Equal(t, model.IntentStatusPending, f.intents.byID[intent.ID].Status)
}

func TestCallbackAfterExpiryNeverSilentlyApplied(t *testing.T) {
	f := newPaymentFixture()
	intent := f.pendingIntent(t)
	f.adapter.verify = f.verification(intent, "settle-1")

	// The intent expires before the provider calls back.
	f.now = f.now.Add(31 * time.Minute)
	require.NoError(t, f.svc.ExpirePending(context.Background()))

	_, err := f.svc.HandleProviderCallback(context.Background(), "testpay", []byte(`{}`), nil)
	require.ErrorIs(t, err, ErrStaleCallback)
	assert.Zero(t, f.wallets.credits)
}

func TestCallbackProviderReportedFailure(t *testing.T) {
	f := newPaymentFixture()
	intent := f.pendingIntent(t)
	v := f.verification(intent, "settle-1")
	v.IsValid = false
	v.Reason = "card declined"
	f.adapter.verify = v

	result, err := f.svc.HandleProviderCallback(context.Background(), "testpay", []byte(`{}`), nil)
	require.NoError(t, err)

	assert.False(t, result.IsValid)
	assert.Zero(t, f.wallets.credits)
	assert.Equal(t, model.IntentStatusFailed, f.intents.byID[intent.ID].Status)
}

func TestCallbackInvalidSignature(t *testing.T) {
	f := newPaymentFixture()
	f.pendingIntent(t)
	f.adapter.verify = nil
	f.adapter.verifyErr = gateway.ErrInvalidSignature

	_, err := f.svc.HandleProviderCallback(context.Background(), "testpay", []byte(`{}`), nil)
	assert.ErrorIs(t, err, gateway.ErrInvalidSignature)
	assert.Zero(t, f.wallets.credits)
}

func TestCallbackSettlesWithdrawal(t *testing.T) {
	f := newPaymentFixture()
	f.wallets.balance[7] = 10000

	intent, err := f.svc.InitiateWithdrawal(context.Background(), topupRequest())
	require.NoError(t, err)
	f.adapter.verify = f.verification(intent, "payout-1")

	_, err = f.svc.HandleProviderCallback(context.Background(), "testpay", []byte(`{}`), nil)
	require.NoError(t, err)

	assert.Equal(t, int64(5000), f.wallets.balance[7])
	assert.Zero(t, f.wallets.locked[7], "settled withdrawal burns the reserved coins")
	assert.Equal(t, model.IntentStatusCompleted, f.intents.byID[intent.ID].Status)
}

func TestCallbackFailedWithdrawalReleasesReserve(t *testing.T) {
	f := newPaymentFixture()
	f.wallets.balance[7] = 10000

	intent, err := f.svc.InitiateWithdrawal(context.Background(), topupRequest())
	require.NoError(t, err)
	v := f.verification(intent, "payout-1")
	v.IsValid = false
	v.Reason = "payout rejected"
	f.adapter.verify = v

	_, err = f.svc.HandleProviderCallback(context.Background(), "testpay", []byte(`{}`), nil)
	require.NoError(t, err)

	assert.Equal(t, int64(10000), f.wallets.balance[7], "rejected payout returns the coins")
	assert.Zero(t, f.wallets.locked[7])
}

// ---------------------------------------------------------------------------
// Expiry
// ---------------------------------------------------------------------------

func TestExpirePendingReleasesWithdrawReservations(t *testing.T) {
	f := newPaymentFixture()
	f.wallets.balance[7] = 10000

	_, err := f.svc.InitiateWithdrawal(context.Background(), topupRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(5000), f.wallets.locked[7])

	f.now = f.now.Add(31 * time.Minute)
	require.NoError(t, f.svc.ExpirePending(context.Background()))

	assert.Equal(t, int64(10000), f.wallets.balance[7])
	assert.Zero(t, f.wallets.locked[7])
}

func TestExpirePendingLeavesFreshIntents(t *testing.T) {
	f := newPaymentFixture()
	intent := f.pendingIntent(t)

	f.now = f.now.Add(5 * time.Minute)
	require.NoError(t, f.svc.ExpirePending(context.Background()))

	assert.Equal(t, model.IntentStatusPending, f.intents.byID[intent.ID].Status)
}
