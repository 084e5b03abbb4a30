package offers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paddockmarket/paddock/internal/escrow"
	"github.com/paddockmarket/paddock/internal/ledger"
	"github.com/paddockmarket/paddock/internal/payments"
)

const (
	buyer    = "b1000000"
	buyerTwo = "b2000000"
	seller   = "5e110000"
	horse    = "a0000001"
)

func newTestEngine(t *testing.T) (*Service, *ledger.MemoryStore, *payments.Fake) {
	t.Helper()

	store := ledger.NewMemoryStore()
	fake := payments.NewFake()
	esc := escrow.NewService(store, fake).
		WithDirectory(escrow.DirectoryFunc(func(ctx context.Context, sellerID string) (string, error) {
			return "acct-" + sellerID, nil
		})).
		WithFeeBps(500).
		WithHoldDays(7)
	svc := NewService(store).WithOpener(esc)
	return svc, store, fake
}

func validCreate() CreateOfferRequest {
	return CreateOfferRequest{
		HorseID:     horse,
		SellerID:    seller,
		AmountCents: 1_000_000, // $10,000
		PaymentRef:  "pi_hold_1",
		Message:     "would love to take her home",
	}
}

func TestCreateOffer(t *testing.T) {
	svc, store, _ := newTestEngine(t)
	ctx := context.Background()

	offer, err := svc.Create(ctx, buyer, validCreate())
	require.NoError(t, err)

	assert.Equal(t, ledger.OfferPending, offer.Status)
	assert.Equal(t, ledger.OfferTypeInitial, offer.Type)
	assert.Equal(t, buyer, offer.AuthorID)
	assert.Equal(t, seller, offer.RecipientID)
	assert.Equal(t, int64(1_000_000), offer.AmountCents)

	events, err := store.ListOfferEvents(ctx, offer.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventOfferCreated, events[0].EventType)
	assert.Equal(t, buyer, events[0].CreatedBy)
}

func TestCreateOfferValidation(t *testing.T) {
	svc, _, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateOfferRequest)
	}{
		{"zero amount", func(r *CreateOfferRequest) { r.AmountCents = 0 }},
		{"negative amount", func(r *CreateOfferRequest) { r.AmountCents = -500 }},
		{"missing payment ref", func(r *CreateOfferRequest) { r.PaymentRef = "" }},
		{"self dealing", func(r *CreateOfferRequest) { r.SellerID = buyer }},
		{"past deadline", func(r *CreateOfferRequest) {
			past := time.Now().Add(-time.Hour)
			r.ExpiresAt = &past
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validCreate()
			tc.mutate(&req)
			_, err := svc.Create(ctx, buyer, req)
			assert.Error(t, err)
		})
	}
}

func TestCreateOfferLiveConflict(t *testing.T) {
	svc, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, buyer, validCreate())
	require.NoError(t, err)

	_, err = svc.Create(ctx, buyer, validCreate())
	assert.ErrorIs(t, err, ledger.ErrLiveOfferExists)

	// A different buyer is fine.
	_, err = svc.Create(ctx, buyerTwo, validCreate())
	assert.NoError(t, err)
}

func TestCreateOfferConcurrentDuplicates(t *testing.T) {
	svc, _, _ := newTestEngine(t)
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Create(ctx, buyer, validCreate())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, conflicted := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ledger.ErrLiveOfferExists):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, attempts-1, conflicted)
}

func TestCounterRoundTrip(t *testing.T) {
	svc, store, _ := newTestEngine(t)
	ctx := context.Background()

	// Buyer opens at $10,000.
	initial, err := svc.Create(ctx, buyer, validCreate())
	require.NoError(t, err)

	// Seller counters at $12,000.
	counter, err := svc.Counter(ctx, initial.ID, seller, CounterRequest{AmountCents: 1_200_000})
	require.NoError(t, err)

	assert.Equal(t, ledger.OfferTypeCounter, counter.Type)
	assert.Equal(t, initial.ID, counter.ParentOfferID)
	assert.Equal(t, seller, counter.AuthorID)
	assert.Equal(t, buyer, counter.RecipientID)
	assert.Equal(t, buyer, counter.BuyerID)
	assert.Equal(t, seller, counter.SellerID)
	assert.Equal(t, "pi_hold_1", counter.PaymentRef)

	parent, err := store.GetOffer(ctx, initial.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OfferCountered, parent.Status)
	require.NotNil(t, parent.RespondedAt)

	// Buyer accepts the counter.
	accepted, txn, err := svc.Accept(ctx, counter.ID, buyer, AcceptRequest{Message: "deal"})
	require.NoError(t, err)

	assert.Equal(t, ledger.OfferAccepted, accepted.Status)
	require.NotNil(t, txn)
	assert.Equal(t, int64(1_200_000), txn.FinalPriceCents)
	assert.Equal(t, int64(1_000_000), txn.ListingPriceCents)
	assert.Equal(t, int64(60_000), txn.PlatformFeeCents)
	assert.Equal(t, int64(1_140_000), txn.SellerReceivesCents)
	assert.Equal(t, ledger.TxnPaymentHeld, txn.Status)
}

func TestCounterInheritsTerms(t *testing.T) {
	svc, _, _ := newTestEngine(t)
	ctx := context.Background()

	req := validCreate()
	req.IncludesTransport = true
	req.Contingencies = []string{"vet check within 10 days"}
	deadline := time.Now().Add(72 * time.Hour).UTC()
	req.ExpiresAt = &deadline
	initial, err := svc.Create(ctx, buyer, req)
	require.NoError(t, err)

	counter, err := svc.Counter(ctx, initial.ID, seller, CounterRequest{AmountCents: 1_100_000})
	require.NoError(t, err)
	assert.True(t, counter.IncludesTransport)
	assert.Equal(t, initial.Contingencies, counter.Contingencies)
	require.NotNil(t, counter.ExpiresAt)
	assert.True(t, counter.ExpiresAt.Equal(deadline))

	// Overrides replace inherited terms.
	noTransport := false
	laterDeadline := time.Now().Add(96 * time.Hour).UTC()
	counter2, err := svc.Counter(ctx, counter.ID, buyer, CounterRequest{
		AmountCents:       1_050_000,
		IncludesTransport: &noTransport,
		ExpiresAt:         &laterDeadline,
	})
	require.NoError(t, err)
	assert.False(t, counter2.IncludesTransport)
	require.NotNil(t, counter2.ExpiresAt)
	assert.True(t, counter2.ExpiresAt.Equal(laterDeadline))
}

func TestCounterRules(t *testing.T) {
	svc, _, _ := newTestEngine(t)
	ctx := context.Background()

	initial, err := svc.Create(ctx, buyer, validCreate())
	require.NoError(t, err)

	// Author cannot counter their own offer.
	_, err = svc.Counter(ctx, initial.ID, buyer, CounterRequest{AmountCents: 900_000})
	assert.ErrorIs(t, err, ErrUnauthorized)

	// Counter must change the amount.
	_, err = svc.Counter(ctx, initial.ID, seller, CounterRequest{AmountCents: initial.AmountCents})
	assert.Error(t, err)

	// Countering closes the parent for further responses.
	_, err = svc.Counter(ctx, initial.ID, seller, CounterRequest{AmountCents: 1_200_000})
	require.NoError(t, err)
	_, err = svc.Counter(ctx, initial.ID, seller, CounterRequest{AmountCents: 1_300_000})
	assert.ErrorIs(t, err, ledger.ErrInvalidStatus)
}

func TestAcceptRejectsCompetingOffers(t *testing.T) {
	svc, store, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, buyer, validCreate())
	require.NoError(t, err)

	second := validCreate()
	second.AmountCents = 950_000
	second.PaymentRef = "pi_hold_2"
	competing, err := svc.Create(ctx, buyerTwo, second)
	require.NoError(t, err)

	_, txn, err := svc.Accept(ctx, first.ID, seller, AcceptRequest{})
	require.NoError(t, err)
	require.NotNil(t, txn)

	loser, err := store.GetOffer(ctx, competing.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OfferRejected, loser.Status)
	assert.NotEmpty(t, loser.ResponseMessage)

	events, err := store.ListOfferEvents(ctx, competing.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ledger.EventOfferRejected, events[1].EventType)
}

func TestAcceptAuthz(t *testing.T) {
	svc, _, _ := newTestEngine(t)
	ctx := context.Background()

	initial, err := svc.Create(ctx, buyer, validCreate())
	require.NoError(t, err)

	// Only the recipient may accept.
	_, _, err = svc.Accept(ctx, initial.ID, buyer, AcceptRequest{})
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, _, err = svc.Accept(ctx, initial.ID, buyerTwo, AcceptRequest{})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAcceptGatewayFailureLeavesOfferPending(t *testing.T) {
	svc, store, fake := newTestEngine(t)
	ctx := context.Background()

	initial, err := svc.Create(ctx, buyer, validCreate())
	require.NoError(t, err)

	fake.FailNext("confirm_hold", &payments.Error{Op: "confirm_hold", Err: errors.New("card declined")})

	_, _, err = svc.Accept(ctx, initial.ID, seller, AcceptRequest{})
	require.Error(t, err)
	assert.True(t, payments.IsGatewayError(err))

	got, err := store.GetOffer(ctx, initial.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OfferPending, got.Status)

	txns, err := store.ListTransactionsByParty(ctx, buyer)
	require.NoError(t, err)
	assert.Empty(t, txns)

	// Retry succeeds once the gateway recovers.
	_, txn, err := svc.Accept(ctx, initial.ID, seller, AcceptRequest{})
	require.NoError(t, err)
	assert.NotNil(t, txn)
}

func TestRejectAndWithdraw(t *testing.T) {
	svc, _, _ := newTestEngine(t)
	ctx := context.Background()

	initial, err := svc.Create(ctx, buyer, validCreate())
	require.NoError(t, err)

	// Author cannot reject; recipient cannot withdraw.
	_, err = svc.Reject(ctx, initial.ID, buyer, "no thanks")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = svc.Withdraw(ctx, initial.ID, seller, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	rejected, err := svc.Reject(ctx, initial.ID, seller, "price too low")
	require.NoError(t, err)
	assert.Equal(t, ledger.OfferRejected, rejected.Status)
	assert.Equal(t, "price too low", rejected.ResponseMessage)

	// Terminal offers cannot transition again.
	_, err = svc.Withdraw(ctx, initial.ID, buyer, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidStatus)
	_, _, err = svc.Accept(ctx, initial.ID, seller, AcceptRequest{})
	assert.ErrorIs(t, err, ledger.ErrInvalidStatus)

	// The chain is free again for a fresh offer.
	fresh, err := svc.Create(ctx, buyer, validCreate())
	require.NoError(t, err)

	withdrawn, err := svc.Withdraw(ctx, fresh.ID, buyer, "found another horse")
	require.NoError(t, err)
	assert.Equal(t, ledger.OfferWithdrawn, withdrawn.Status)
}

// forceDeadline rewrites a pending offer's deadline to the past.
func forceDeadline(t *testing.T, store *ledger.MemoryStore, id string, deadline time.Time) {
	t.Helper()
	offer, err := store.GetOffer(context.Background(), id)
	require.NoError(t, err)
	offer.ExpiresAt = &deadline
	require.NoError(t, store.UpdateOffer(context.Background(), offer, ledger.OfferPending))
}

func TestExpireAndExtend(t *testing.T) {
	svc, store, _ := newTestEngine(t)
	ctx := context.Background()

	initial, err := svc.Create(ctx, buyer, validCreate())
	require.NoError(t, err)

	// Not yet due.
	_, err = svc.Expire(ctx, initial.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidStatus)

	forceDeadline(t, store, initial.ID, time.Now().Add(-time.Minute))

	expired, err := svc.Expire(ctx, initial.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OfferExpired, expired.Status)

	// Idempotent.
	again, err := svc.Expire(ctx, initial.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OfferExpired, again.Status)

	// The deadline gate applies to responses too.
	_, _, err = svc.Accept(ctx, initial.ID, seller, AcceptRequest{})
	assert.ErrorIs(t, err, ledger.ErrInvalidStatus)

	// Only the author extends, with a future deadline.
	_, err = svc.Extend(ctx, initial.ID, seller, time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = svc.Extend(ctx, initial.ID, buyer, time.Now().Add(-time.Hour))
	assert.Error(t, err)

	reopened, err := svc.Extend(ctx, initial.ID, buyer, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ledger.OfferPending, reopened.Status)

	// And the reopened offer is decidable again.
	_, txn, err := svc.Accept(ctx, initial.ID, seller, AcceptRequest{})
	require.NoError(t, err)
	assert.NotNil(t, txn)
}

func TestExtendBlockedByNewerLiveOffer(t *testing.T) {
	svc, store, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, buyer, validCreate())
	require.NoError(t, err)

	forceDeadline(t, store, first.ID, time.Now().Add(-time.Minute))
	_, err = svc.Expire(ctx, first.ID)
	require.NoError(t, err)

	// Buyer opened a replacement in the meantime.
	_, err = svc.Create(ctx, buyer, validCreate())
	require.NoError(t, err)

	_, err = svc.Extend(ctx, first.ID, buyer, time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ledger.ErrLiveOfferExists)
}

func TestPendingPastDeadlineNotActionable(t *testing.T) {
	svc, store, _ := newTestEngine(t)
	ctx := context.Background()

	initial, err := svc.Create(ctx, buyer, validCreate())
	require.NoError(t, err)
	forceDeadline(t, store, initial.ID, time.Now().Add(-time.Minute))

	// Still pending in the store, but past due: responses are refused
	// even before the sweep flips it.
	_, _, err = svc.Accept(ctx, initial.ID, seller, AcceptRequest{})
	assert.ErrorIs(t, err, ErrOfferExpired)
	_, err = svc.Counter(ctx, initial.ID, seller, CounterRequest{AmountCents: 1_100_000})
	assert.ErrorIs(t, err, ErrOfferExpired)
}

func TestExpireDue(t *testing.T) {
	svc, store, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, buyer, validCreate())
	require.NoError(t, err)
	second := validCreate()
	second.PaymentRef = "pi_hold_2"
	fresh, err := svc.Create(ctx, buyerTwo, second)
	require.NoError(t, err)

	forceDeadline(t, store, first.ID, time.Now().Add(-time.Minute))

	n, err := svc.ExpireDue(ctx, time.Now().UTC(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := store.GetOffer(ctx, first.ID)
	assert.Equal(t, ledger.OfferExpired, got.Status)
	got, _ = store.GetOffer(ctx, fresh.ID)
	assert.Equal(t, ledger.OfferPending, got.Status)
}
