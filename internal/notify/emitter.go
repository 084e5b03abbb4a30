package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/paddockmarket/paddock/internal/ledger"
	"github.com/paddockmarket/paddock/internal/metrics"
)

const dispatchTimeout = 5 * time.Second

// Emitter sends lifecycle notifications after a transition has
// committed. Every method is fire-and-forget: delivery happens on its
// own goroutine with its own deadline, failures are logged and counted
// but never surfaced to the caller. A nil *Emitter is a no-op.
type Emitter struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewEmitter creates an emitter over the given dispatcher.
func NewEmitter(d Dispatcher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{dispatcher: d, logger: logger}
}

func (e *Emitter) emit(partyID, eventType string, payload map[string]any) {
	if e == nil || e.dispatcher == nil || partyID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()

		if err := e.dispatcher.Notify(ctx, partyID, eventType, payload); err != nil {
			metrics.NotificationsTotal.WithLabelValues(eventType, "error").Inc()
			e.logger.Warn("notification delivery failed",
				"party_id", partyID, "event", eventType, "error", err)
			return
		}
		metrics.NotificationsTotal.WithLabelValues(eventType, "ok").Inc()
	}()
}

func offerPayload(o *ledger.Offer) map[string]any {
	return map[string]any{
		"offer_id":     o.ID,
		"horse_id":     o.HorseID,
		"amount_cents": o.AmountCents,
		"status":       string(o.Status),
	}
}

func txnPayload(t *ledger.Transaction) map[string]any {
	return map[string]any{
		"transaction_id":    t.ID,
		"offer_id":          t.OfferID,
		"horse_id":          t.HorseID,
		"final_price_cents": t.FinalPriceCents,
		"status":            string(t.Status),
	}
}

// OfferReceived tells the recipient a new or countered offer awaits
// their decision.
func (e *Emitter) OfferReceived(o *ledger.Offer) {
	event := ledger.EventOfferCreated
	if o.Type == ledger.OfferTypeCounter {
		event = ledger.EventOfferCountered
	}
	e.emit(o.RecipientID, event, offerPayload(o))
}

// OfferAccepted tells the offer's author their bid won, with the escrow
// transaction that now holds their payment.
func (e *Emitter) OfferAccepted(o *ledger.Offer, t *ledger.Transaction) {
	payload := offerPayload(o)
	payload["transaction_id"] = t.ID
	e.emit(o.AuthorID, ledger.EventOfferAccepted, payload)
}

// OfferRejected tells the offer's author their bid was declined.
func (e *Emitter) OfferRejected(o *ledger.Offer) {
	payload := offerPayload(o)
	if o.ResponseMessage != "" {
		payload["message"] = o.ResponseMessage
	}
	e.emit(o.AuthorID, ledger.EventOfferRejected, payload)
}

// OfferExpired tells the offer's author the deadline passed undecided.
func (e *Emitter) OfferExpired(o *ledger.Offer) {
	e.emit(o.AuthorID, ledger.EventOfferExpired, offerPayload(o))
}

// EscrowReleased tells both parties the funds moved to the seller.
func (e *Emitter) EscrowReleased(t *ledger.Transaction) {
	payload := txnPayload(t)
	payload["seller_receives_cents"] = t.SellerReceivesCents
	e.emit(t.BuyerID, ledger.EventTxnFundsReleased, payload)
	e.emit(t.SellerID, ledger.EventTxnFundsReleased, payload)
}

// RefundRequested tells the counterparty a refund was asked for.
func (e *Emitter) RefundRequested(t *ledger.Transaction, r *ledger.RefundRequest) {
	payload := txnPayload(t)
	payload["refund_request_id"] = r.ID
	payload["amount_cents"] = r.AmountCents

	counterparty := t.SellerID
	if r.RequestedBy == t.SellerID {
		counterparty = t.BuyerID
	}
	e.emit(counterparty, ledger.EventTxnRefundRequested, payload)
}

// RefundProcessed tells both parties money went back to the buyer.
func (e *Emitter) RefundProcessed(t *ledger.Transaction, r *ledger.RefundRequest) {
	payload := txnPayload(t)
	payload["refund_request_id"] = r.ID
	payload["amount_cents"] = r.AmountCents
	e.emit(t.BuyerID, ledger.EventTxnRefundProcessed, payload)
	e.emit(t.SellerID, ledger.EventTxnRefundProcessed, payload)
}

// RefundRejected tells the requester their ask was declined.
func (e *Emitter) RefundRejected(t *ledger.Transaction, r *ledger.RefundRequest) {
	payload := txnPayload(t)
	payload["refund_request_id"] = r.ID
	e.emit(r.RequestedBy, ledger.EventTxnRefundRejected, payload)
}

// TransactionCancelled tells both parties the sale was voided.
func (e *Emitter) TransactionCancelled(t *ledger.Transaction) {
	payload := txnPayload(t)
	e.emit(t.BuyerID, ledger.EventTxnCancelled, payload)
	e.emit(t.SellerID, ledger.EventTxnCancelled, payload)
}
