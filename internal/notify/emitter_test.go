package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paddockmarket/paddock/internal/ledger"
)

type recorded struct {
	partyID string
	event   string
	payload map[string]any
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []recorded
	wake chan struct{}
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{wake: make(chan struct{}, 16)}
}

func (d *recordingDispatcher) Notify(ctx context.Context, partyID, eventType string, payload map[string]any) error {
	d.mu.Lock()
	d.sent = append(d.sent, recorded{partyID, eventType, payload})
	d.mu.Unlock()
	d.wake <- struct{}{}
	return nil
}

func (d *recordingDispatcher) waitN(t *testing.T, n int) []recorded {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		d.mu.Lock()
		got := len(d.sent)
		d.mu.Unlock()
		if got >= n {
			break
		}
		select {
		case <-d.wake:
		case <-deadline:
			t.Fatalf("got %d notifications, want %d", got, n)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]recorded(nil), d.sent...)
}

func TestOfferReceivedRoutesToRecipient(t *testing.T) {
	d := newRecordingDispatcher()
	e := NewEmitter(d, nil)

	e.OfferReceived(&ledger.Offer{
		ID: "off_1", HorseID: "a0000001", Type: ledger.OfferTypeInitial,
		AuthorID: "b1000000", RecipientID: "5e110000",
		AmountCents: 1_000_000, Status: ledger.OfferPending,
	})

	sent := d.waitN(t, 1)
	assert.Equal(t, "5e110000", sent[0].partyID)
	assert.Equal(t, ledger.EventOfferCreated, sent[0].event)
	assert.Equal(t, "off_1", sent[0].payload["offer_id"])

	e.OfferReceived(&ledger.Offer{
		ID: "off_2", Type: ledger.OfferTypeCounter,
		AuthorID: "5e110000", RecipientID: "b1000000",
		Status: ledger.OfferPending,
	})

	sent = d.waitN(t, 2)
	assert.Equal(t, "b1000000", sent[1].partyID)
	assert.Equal(t, ledger.EventOfferCountered, sent[1].event)
}

func TestRefundRequestedRoutesToCounterparty(t *testing.T) {
	txn := &ledger.Transaction{
		ID: "txn_1", BuyerID: "b1000000", SellerID: "5e110000",
		Status: ledger.TxnPaymentHeld,
	}

	d := newRecordingDispatcher()
	e := NewEmitter(d, nil)

	e.RefundRequested(txn, &ledger.RefundRequest{ID: "rr_1", RequestedBy: "b1000000", AmountCents: 500})
	sent := d.waitN(t, 1)
	require.Equal(t, "5e110000", sent[0].partyID)

	e.RefundRequested(txn, &ledger.RefundRequest{ID: "rr_2", RequestedBy: "5e110000", AmountCents: 500})
	sent = d.waitN(t, 2)
	require.Equal(t, "b1000000", sent[1].partyID)
}

func TestBothPartyEventsFanOut(t *testing.T) {
	txn := &ledger.Transaction{
		ID: "txn_1", BuyerID: "b1000000", SellerID: "5e110000",
		Status: ledger.TxnCompleted, SellerReceivesCents: 950_000,
	}

	d := newRecordingDispatcher()
	e := NewEmitter(d, nil)

	e.EscrowReleased(txn)
	sent := d.waitN(t, 2)

	parties := map[string]bool{}
	for _, s := range sent {
		assert.Equal(t, ledger.EventTxnFundsReleased, s.event)
		parties[s.partyID] = true
	}
	assert.True(t, parties["b1000000"] && parties["5e110000"])
}

func TestNilEmitterIsSafe(t *testing.T) {
	var e *Emitter
	e.OfferReceived(&ledger.Offer{ID: "off_1", RecipientID: "5e110000"})
	e.EscrowReleased(&ledger.Transaction{ID: "txn_1", BuyerID: "b1000000", SellerID: "5e110000"})
}

func TestEmptyPartyIsSkipped(t *testing.T) {
	d := newRecordingDispatcher()
	e := NewEmitter(d, nil)

	e.OfferExpired(&ledger.Offer{ID: "off_1"}) // no author

	time.Sleep(50 * time.Millisecond)
	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Empty(t, d.sent)
}
