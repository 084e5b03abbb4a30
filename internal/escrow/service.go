// Package escrow implements the transaction engine: capturing the
// buyer's payment when an offer is accepted, holding it, and moving it
// out through release, refund, or cancellation.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/paddockmarket/paddock/internal/idgen"
	"github.com/paddockmarket/paddock/internal/ledger"
	"github.com/paddockmarket/paddock/internal/logging"
	"github.com/paddockmarket/paddock/internal/metrics"
	"github.com/paddockmarket/paddock/internal/notify"
	"github.com/paddockmarket/paddock/internal/payments"
	"github.com/paddockmarket/paddock/internal/traces"
	"github.com/paddockmarket/paddock/internal/validation"
)

var (
	// ErrUnauthorized means the actor is not the party allowed to
	// perform this operation.
	ErrUnauthorized = errors.New("actor may not perform this action on the transaction")

	// ErrInvalidAmount means a refund amount is non-positive or exceeds
	// what remains refundable.
	ErrInvalidAmount = errors.New("invalid refund amount")
)

// maxChainDepth bounds the walk from a counter offer back to the
// opening bid.
const maxChainDepth = 64

// PayoutDirectory resolves a seller to their payout destination at the
// payment processor.
type PayoutDirectory interface {
	Destination(ctx context.Context, sellerID string) (string, error)
}

// DirectoryFunc adapts a function to PayoutDirectory.
type DirectoryFunc func(ctx context.Context, sellerID string) (string, error)

func (f DirectoryFunc) Destination(ctx context.Context, sellerID string) (string, error) {
	return f(ctx, sellerID)
}

// Service is the escrow transaction engine.
type Service struct {
	store     ledger.Store
	gateway   payments.Gateway
	directory PayoutDirectory
	emitter   *notify.Emitter

	feeBps   int
	holdDays int

	locks sync.Map // transaction ID → *sync.Mutex
}

// NewService creates the escrow engine.
func NewService(store ledger.Store, gateway payments.Gateway) *Service {
	return &Service{
		store:    store,
		gateway:  gateway,
		feeBps:   500,
		holdDays: 7,
	}
}

// WithDirectory sets the payout destination resolver.
func (s *Service) WithDirectory(d PayoutDirectory) *Service {
	s.directory = d
	return s
}

// WithEmitter sets the notification emitter.
func (s *Service) WithEmitter(e *notify.Emitter) *Service {
	s.emitter = e
	return s
}

// WithFeeBps sets the platform fee in basis points.
func (s *Service) WithFeeBps(bps int) *Service {
	s.feeBps = bps
	return s
}

// WithHoldDays sets how long escrow is held before auto-release.
func (s *Service) WithHoldDays(days int) *Service {
	s.holdDays = days
	return s
}

func (s *Service) lock(txnID string) func() {
	v, _ := s.locks.LoadOrStore(txnID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// PlatformFee computes the platform's cut of priceCents at bps basis
// points, rounding half-up. The seller's share is the remainder, so
// fee + seller share always reconstructs the price exactly.
func PlatformFee(priceCents int64, bps int) int64 {
	return (priceCents*int64(bps) + 5000) / 10000
}

// chainRoot walks a counter chain back to the opening bid.
func (s *Service) chainRoot(ctx context.Context, offer *ledger.Offer) (*ledger.Offer, error) {
	cur := offer
	for depth := 0; cur.ParentOfferID != "" && depth < maxChainDepth; depth++ {
		parent, err := s.store.GetOffer(ctx, cur.ParentOfferID)
		if err != nil {
			return nil, fmt.Errorf("walk offer chain: %w", err)
		}
		cur = parent
	}
	return cur, nil
}

// OpenTransaction captures the accepted offer's payment hold and, in
// one atomic write, marks the offer accepted, rejects competing
// pending offers, and opens the escrow transaction. If the capture
// fails nothing is persisted.
func (s *Service) OpenTransaction(ctx context.Context, accepted *ledger.Offer) (*ledger.Transaction, []*ledger.Offer, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.OpenTransaction")
	defer span.End()
	span.SetAttributes(traces.OfferID(accepted.ID), traces.AmountCents(accepted.AmountCents))

	root, err := s.chainRoot(ctx, accepted)
	if err != nil {
		return nil, nil, err
	}

	if err := s.gateway.ConfirmHold(ctx, accepted.PaymentRef, "capture-"+accepted.ID); err != nil {
		traces.RecordError(span, err)
		return nil, nil, err
	}

	now := time.Now().UTC()
	fee := PlatformFee(accepted.AmountCents, s.feeBps)

	txn := &ledger.Transaction{
		ID:                  idgen.WithPrefix("txn_"),
		OfferID:             accepted.ID,
		HorseID:             accepted.HorseID,
		BuyerID:             accepted.BuyerID,
		SellerID:            accepted.SellerID,
		ListingPriceCents:   root.AmountCents,
		FinalPriceCents:     accepted.AmountCents,
		PlatformFeeCents:    fee,
		SellerReceivesCents: accepted.AmountCents - fee,
		PaymentRef:          accepted.PaymentRef,
		Status:              ledger.TxnPaymentHeld,
		EscrowReleaseDate:   now.AddDate(0, 0, s.holdDays),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	offerEvent := &ledger.OfferEvent{
		ID:        idgen.WithPrefix("oev_"),
		OfferID:   accepted.ID,
		EventType: ledger.EventOfferAccepted,
		EventData: ledger.OfferAcceptedData{TransactionID: txn.ID}.Data(),
		CreatedBy: accepted.RecipientID,
		CreatedAt: now,
	}
	txnEvent := &ledger.TransactionEvent{
		ID:            idgen.WithPrefix("tev_"),
		TransactionID: txn.ID,
		EventType:     ledger.EventTxnCreated,
		NewStatus:     ledger.TxnPaymentHeld,
		AmountCents:   txn.FinalPriceCents,
		TriggeredBy:   accepted.RecipientID,
		CreatedAt:     now,
	}

	rejected, err := s.store.AcceptOffer(ctx, accepted, "another offer was accepted", txn, offerEvent, txnEvent)
	if err != nil {
		traces.RecordError(span, err)
		// The capture went through but the ledger write lost a race.
		// The idempotency key makes a retried acceptance harmless.
		return nil, nil, err
	}

	metrics.TransactionsTotal.WithLabelValues(string(ledger.TxnPaymentHeld)).Inc()
	logging.L(ctx).Info("escrow transaction opened",
		"transaction_id", txn.ID, "offer_id", accepted.ID,
		"final_price_cents", txn.FinalPriceCents,
		"platform_fee_cents", txn.PlatformFeeCents,
		"escrow_release_date", txn.EscrowReleaseDate)

	return txn, rejected, nil
}

// Get returns one transaction.
func (s *Service) Get(ctx context.Context, id string) (*ledger.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// Events returns a transaction's append-only history.
func (s *Service) Events(ctx context.Context, id string) ([]*ledger.TransactionEvent, error) {
	if _, err := s.store.GetTransaction(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListTransactionEvents(ctx, id)
}

// ListByParty returns all transactions a party is buyer or seller on.
func (s *Service) ListByParty(ctx context.Context, partyID string) ([]*ledger.Transaction, error) {
	return s.store.ListTransactionsByParty(ctx, partyID)
}

// RefundRequests returns all refund requests on a transaction.
func (s *Service) RefundRequests(ctx context.Context, txnID string) ([]*ledger.RefundRequest, error) {
	if _, err := s.store.GetTransaction(ctx, txnID); err != nil {
		return nil, err
	}
	return s.store.ListRefundRequests(ctx, txnID)
}

// ReleaseEscrow pays the seller their share and completes the
// transaction. Buyer only. Safe against double submission: the
// transfer's idempotency key is stable per transaction and the status
// write is conditional on payment_held.
func (s *Service) ReleaseEscrow(ctx context.Context, txnID, requesterID string) (*ledger.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleaseEscrow")
	defer span.End()
	span.SetAttributes(traces.TransactionID(txnID), traces.PartyID(requesterID))

	unlock := s.lock(txnID)
	defer unlock()

	txn, err := s.store.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if requesterID != txn.BuyerID {
		return nil, ErrUnauthorized
	}

	return s.release(ctx, txn, requesterID, ledger.EventTxnFundsReleased)
}

// release moves the seller's share out of escrow and flips the
// transaction to completed. Caller must hold the transaction lock and
// have authorized the actor.
func (s *Service) release(ctx context.Context, txn *ledger.Transaction, by string, eventType string) (*ledger.Transaction, error) {
	if txn.Status != ledger.TxnPaymentHeld {
		return nil, fmt.Errorf("transaction %s is %s: %w", txn.ID, txn.Status, ledger.ErrInvalidStatus)
	}

	dest, err := s.directory.Destination(ctx, txn.SellerID)
	if err != nil {
		return nil, fmt.Errorf("resolve payout destination for %s: %w", txn.SellerID, err)
	}

	transferRef, err := s.gateway.Transfer(ctx, dest, txn.SellerReceivesCents, "release-"+txn.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	prev := txn.Status
	txn.Status = ledger.TxnCompleted
	txn.TransferRef = transferRef
	txn.EscrowReleasedAt = &now
	txn.EscrowReleasedBy = by
	txn.CompletedAt = &now
	txn.UpdatedAt = now

	if err := s.store.UpdateTransaction(ctx, txn, ledger.TxnPaymentHeld); err != nil {
		// The transfer happened. A concurrent winner wrote the same
		// transfer ref thanks to the shared idempotency key.
		return nil, err
	}
	_ = s.store.AppendTransactionEvent(ctx, &ledger.TransactionEvent{
		ID:             idgen.WithPrefix("tev_"),
		TransactionID:  txn.ID,
		EventType:      eventType,
		PreviousStatus: prev,
		NewStatus:      ledger.TxnCompleted,
		AmountCents:    txn.SellerReceivesCents,
		TriggeredBy:    by,
		CreatedAt:      now,
	})

	metrics.TransactionsTotal.WithLabelValues(string(ledger.TxnCompleted)).Inc()
	logging.L(ctx).Info("escrow released",
		"transaction_id", txn.ID, "transfer_ref", transferRef,
		"seller_receives_cents", txn.SellerReceivesCents, "by", by)

	s.emitter.EscrowReleased(txn)
	return txn, nil
}

// AutoReleaseDue releases every held transaction whose escrow date
// passed before now. Retryable gateway failures are skipped for the
// next sweep; permanent ones are flagged for the operator. Returns how
// many were released.
func (s *Service) AutoReleaseDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.store.ListReleasableTransactions(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list releasable transactions: %w", err)
	}

	released := 0
	for _, t := range due {
		unlock := s.lock(t.ID)
		txn, err := s.store.GetTransaction(ctx, t.ID)
		if err == nil {
			_, err = s.release(ctx, txn, "system", ledger.EventTxnFundsReleased)
		}
		unlock()

		if err != nil {
			if payments.IsRetryable(err) {
				logging.L(ctx).Warn("auto-release deferred",
					"transaction_id", t.ID, "error", err)
			} else if errors.Is(err, ledger.ErrInvalidStatus) {
				// Moved between the list and the lock. Nothing to do.
			} else {
				logging.L(ctx).Error("auto-release failed, needs operator attention",
					"transaction_id", t.ID, "error", err)
			}
			continue
		}
		released++
	}
	return released, nil
}

// ManuallyComplete completes a held transaction without a payout
// through the gateway, for sales settled out-of-band. Operator only
// (enforced at the route).
func (s *Service) ManuallyComplete(ctx context.Context, txnID, operatorID string) (*ledger.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ManuallyComplete")
	defer span.End()
	span.SetAttributes(traces.TransactionID(txnID))

	unlock := s.lock(txnID)
	defer unlock()

	txn, err := s.store.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.Status != ledger.TxnPaymentHeld {
		return nil, fmt.Errorf("transaction %s is %s: %w", txn.ID, txn.Status, ledger.ErrInvalidStatus)
	}

	now := time.Now().UTC()
	prev := txn.Status
	txn.Status = ledger.TxnCompleted
	txn.EscrowReleasedAt = &now
	txn.EscrowReleasedBy = operatorID
	txn.CompletedAt = &now
	txn.UpdatedAt = now

	if err := s.store.UpdateTransaction(ctx, txn, ledger.TxnPaymentHeld); err != nil {
		return nil, err
	}
	_ = s.store.AppendTransactionEvent(ctx, &ledger.TransactionEvent{
		ID:             idgen.WithPrefix("tev_"),
		TransactionID:  txn.ID,
		EventType:      ledger.EventTxnManuallyCompleted,
		PreviousStatus: prev,
		NewStatus:      ledger.TxnCompleted,
		TriggeredBy:    operatorID,
		CreatedAt:      now,
	})

	metrics.TransactionsTotal.WithLabelValues(string(ledger.TxnCompleted)).Inc()
	logging.L(ctx).Info("transaction manually completed",
		"transaction_id", txn.ID, "operator", operatorID)

	s.emitter.EscrowReleased(txn)
	return txn, nil
}

// RequestRefund records a party's ask for money back. It moves no
// money; an operator decides via ProcessRefund or RejectRefund. A zero
// amount means the full remaining refundable amount.
func (s *Service) RequestRefund(ctx context.Context, txnID, requesterID, reason string, amountCents int64) (*ledger.RefundRequest, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RequestRefund")
	defer span.End()
	span.SetAttributes(traces.TransactionID(txnID), traces.PartyID(requesterID))

	unlock := s.lock(txnID)
	defer unlock()

	txn, err := s.store.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if requesterID != txn.BuyerID && requesterID != txn.SellerID {
		return nil, ErrUnauthorized
	}
	switch txn.Status {
	case ledger.TxnPaymentHeld, ledger.TxnCompleted, ledger.TxnPartiallyRefunded:
	default:
		return nil, fmt.Errorf("transaction %s is %s: %w", txn.ID, txn.Status, ledger.ErrInvalidStatus)
	}

	remaining := txn.RemainingRefundableCents()
	if amountCents == 0 {
		amountCents = remaining
	}
	if amountCents <= 0 || amountCents > remaining {
		return nil, fmt.Errorf("%w: %d cents requested, %d refundable", ErrInvalidAmount, amountCents, remaining)
	}

	now := time.Now().UTC()
	req := &ledger.RefundRequest{
		ID:            idgen.WithPrefix("rr_"),
		TransactionID: txn.ID,
		RequestedBy:   requesterID,
		Reason:        validation.SanitizeString(reason, validation.MaxMessageLength),
		AmountCents:   amountCents,
		Status:        ledger.RefundPending,
		CreatedAt:     now,
	}

	if err := s.store.CreateRefundRequest(ctx, req); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	_ = s.store.AppendTransactionEvent(ctx, &ledger.TransactionEvent{
		ID:            idgen.WithPrefix("tev_"),
		TransactionID: txn.ID,
		EventType:     ledger.EventTxnRefundRequested,
		AmountCents:   amountCents,
		TriggeredBy:   requesterID,
		Notes:         req.Reason,
		CreatedAt:     now,
	})

	logging.L(ctx).Info("refund requested",
		"transaction_id", txn.ID, "refund_request_id", req.ID,
		"amount_cents", amountCents, "by", requesterID)

	s.emitter.RefundRequested(txn, req)
	return req, nil
}

// ProcessRefund approves the pending refund request and moves the money
// back to the buyer. Operator only (enforced at the route). On gateway
// failure nothing changes and the request stays pending.
func (s *Service) ProcessRefund(ctx context.Context, txnID, operatorID string, amountOverride int64) (*ledger.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ProcessRefund")
	defer span.End()
	span.SetAttributes(traces.TransactionID(txnID))

	unlock := s.lock(txnID)
	defer unlock()

	txn, err := s.store.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	req, err := s.store.GetPendingRefundRequest(ctx, txnID)
	if err != nil {
		return nil, err
	}

	amount := req.AmountCents
	if amountOverride > 0 {
		amount = amountOverride
	}
	remaining := txn.RemainingRefundableCents()
	if amount <= 0 || amount > remaining {
		return nil, fmt.Errorf("%w: %d cents requested, %d refundable", ErrInvalidAmount, amount, remaining)
	}
	switch txn.Status {
	case ledger.TxnPaymentHeld, ledger.TxnCompleted, ledger.TxnPartiallyRefunded:
	default:
		return nil, fmt.Errorf("transaction %s is %s: %w", txn.ID, txn.Status, ledger.ErrInvalidStatus)
	}

	if _, err := s.gateway.Refund(ctx, txn.PaymentRef, amount, "refund-"+req.ID); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	now := time.Now().UTC()
	prev := txn.Status
	txn.RefundedAmountCents += amount
	txn.RefundedAt = &now
	if txn.RefundedAmountCents >= txn.FinalPriceCents {
		txn.Status = ledger.TxnRefunded
	} else {
		txn.Status = ledger.TxnPartiallyRefunded
	}
	txn.UpdatedAt = now

	if err := s.store.UpdateTransaction(ctx, txn, prev); err != nil {
		return nil, err
	}
	if err := s.store.ResolveRefundRequest(ctx, req.ID, ledger.RefundApproved, operatorID, now); err != nil {
		logging.L(ctx).Error("refund request resolution failed after refund",
			"refund_request_id", req.ID, "error", err)
	}
	_ = s.store.AppendTransactionEvent(ctx, &ledger.TransactionEvent{
		ID:             idgen.WithPrefix("tev_"),
		TransactionID:  txn.ID,
		EventType:      ledger.EventTxnRefundProcessed,
		PreviousStatus: prev,
		NewStatus:      txn.Status,
		AmountCents:    amount,
		TriggeredBy:    operatorID,
		CreatedAt:      now,
	})

	metrics.TransactionsTotal.WithLabelValues(string(txn.Status)).Inc()
	logging.L(ctx).Info("refund processed",
		"transaction_id", txn.ID, "refund_request_id", req.ID,
		"amount_cents", amount, "new_status", txn.Status)

	req.Status = ledger.RefundApproved
	req.AmountCents = amount
	s.emitter.RefundProcessed(txn, req)
	return txn, nil
}

// RejectRefund declines the pending refund request without touching the
// transaction. Operator only (enforced at the route).
func (s *Service) RejectRefund(ctx context.Context, txnID, operatorID, notes string) (*ledger.RefundRequest, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RejectRefund")
	defer span.End()
	span.SetAttributes(traces.TransactionID(txnID))

	unlock := s.lock(txnID)
	defer unlock()

	txn, err := s.store.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	req, err := s.store.GetPendingRefundRequest(ctx, txnID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.store.ResolveRefundRequest(ctx, req.ID, ledger.RefundRejected, operatorID, now); err != nil {
		return nil, err
	}
	_ = s.store.AppendTransactionEvent(ctx, &ledger.TransactionEvent{
		ID:            idgen.WithPrefix("tev_"),
		TransactionID: txn.ID,
		EventType:     ledger.EventTxnRefundRejected,
		TriggeredBy:   operatorID,
		Notes:         validation.SanitizeString(notes, validation.MaxMessageLength),
		CreatedAt:     now,
	})

	logging.L(ctx).Info("refund rejected",
		"transaction_id", txn.ID, "refund_request_id", req.ID, "operator", operatorID)

	req.Status = ledger.RefundRejected
	req.ProcessedBy = operatorID
	req.ProcessedAt = &now
	s.emitter.RefundRejected(txn, req)
	return req, nil
}

// CancelTransaction voids a held transaction whose payment hold was
// reversed out-of-band. Operator only (enforced at the route). No
// gateway call is made.
func (s *Service) CancelTransaction(ctx context.Context, txnID, operatorID, reason string) (*ledger.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CancelTransaction")
	defer span.End()
	span.SetAttributes(traces.TransactionID(txnID))

	unlock := s.lock(txnID)
	defer unlock()

	txn, err := s.store.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.Status != ledger.TxnPaymentHeld {
		return nil, fmt.Errorf("transaction %s is %s: %w", txn.ID, txn.Status, ledger.ErrInvalidStatus)
	}

	now := time.Now().UTC()
	prev := txn.Status
	txn.Status = ledger.TxnCancelled
	txn.UpdatedAt = now

	if err := s.store.UpdateTransaction(ctx, txn, ledger.TxnPaymentHeld); err != nil {
		return nil, err
	}
	_ = s.store.AppendTransactionEvent(ctx, &ledger.TransactionEvent{
		ID:             idgen.WithPrefix("tev_"),
		TransactionID:  txn.ID,
		EventType:      ledger.EventTxnCancelled,
		PreviousStatus: prev,
		NewStatus:      ledger.TxnCancelled,
		TriggeredBy:    operatorID,
		Notes:          validation.SanitizeString(reason, validation.MaxMessageLength),
		CreatedAt:      now,
	})

	metrics.TransactionsTotal.WithLabelValues(string(ledger.TxnCancelled)).Inc()
	logging.L(ctx).Info("transaction cancelled",
		"transaction_id", txn.ID, "operator", operatorID)

	s.emitter.TransactionCancelled(txn)
	return txn, nil
}
