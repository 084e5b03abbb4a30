// Package ledger defines the marketplace's persistent domain records:
// offers, escrow transactions, their append-only event histories, and
// refund requests. Store implementations provide atomic conditional
// writes so that engines can race safely across processes.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	ErrOfferNotFound       = errors.New("offer not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrRefundNotFound      = errors.New("refund request not found")

	// ErrLiveOfferExists means the buyer already has an undecided offer
	// chain on this horse.
	ErrLiveOfferExists = errors.New("a live offer already exists for this horse and buyer")

	// ErrPendingRefundExists means the transaction already has an
	// unresolved refund request.
	ErrPendingRefundExists = errors.New("a pending refund request already exists")

	// ErrInvalidStatus means a conditional write found the record in a
	// different status than expected.
	ErrInvalidStatus = errors.New("record is not in the expected status")
)

// OfferStatus is the lifecycle state of an offer.
type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferExpired   OfferStatus = "expired"
	OfferWithdrawn OfferStatus = "withdrawn"
	OfferCountered OfferStatus = "countered"
)

// OfferType distinguishes an opening offer from a counter in a chain.
type OfferType string

const (
	OfferTypeInitial OfferType = "initial"
	OfferTypeCounter OfferType = "counter"
)

// Offer is a single bid in a negotiation chain. Offers are never
// deleted; every transition appends an OfferEvent.
type Offer struct {
	ID            string      `json:"id"`
	HorseID       string      `json:"horse_id"`
	BuyerID       string      `json:"buyer_id"`
	SellerID      string      `json:"seller_id"`
	AuthorID      string      `json:"author_id"`    // who made this particular offer
	RecipientID   string      `json:"recipient_id"` // who must respond to it
	AmountCents   int64       `json:"amount_cents"`
	Type          OfferType   `json:"type"`
	ParentOfferID string      `json:"parent_offer_id,omitempty"`
	Status        OfferStatus `json:"status"`

	Message           string   `json:"message,omitempty"`
	IncludesTransport bool     `json:"includes_transport"`
	IncludesVetting   bool     `json:"includes_vetting"`
	Contingencies     []string `json:"contingencies,omitempty"`

	// PaymentRef is the authorized payment hold supplied by the buyer at
	// creation. It is captured when the offer chain is accepted.
	PaymentRef string `json:"payment_ref,omitempty"`

	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	RespondedAt     *time.Time `json:"responded_at,omitempty"`
	ResponseMessage string     `json:"response_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsLive reports whether the offer still awaits a decision.
func (o *Offer) IsLive() bool {
	return o.Status == OfferPending
}

// IsTerminal reports whether the offer can no longer transition,
// except that expired offers may be re-opened by the author.
func (o *Offer) IsTerminal() bool {
	switch o.Status {
	case OfferAccepted, OfferRejected, OfferWithdrawn:
		return true
	}
	return false
}

// Offer event types.
const (
	EventOfferCreated   = "offer_created"
	EventOfferCountered = "offer_countered"
	EventOfferAccepted  = "offer_accepted"
	EventOfferRejected  = "offer_rejected"
	EventOfferWithdrawn = "offer_withdrawn"
	EventOfferExpired   = "offer_expired"
	EventOfferExtended  = "offer_extended"
)

// OfferEvent is one append-only entry in an offer's history.
type OfferEvent struct {
	ID        string         `json:"id"`
	OfferID   string         `json:"offer_id"`
	EventType string         `json:"event_type"`
	EventData map[string]any `json:"event_data,omitempty"`
	CreatedBy string         `json:"created_by,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Typed payloads for OfferEvent.EventData. Writers build one of these
// and call Data; what comes back out of the JSONB column is the
// decoded map form.

type OfferCreatedData struct {
	AmountCents   int64  `json:"amount_cents"`
	ParentOfferID string `json:"parent_offer_id,omitempty"`
}

type OfferCounteredData struct {
	CounterOfferID string `json:"counter_offer_id"`
	AmountCents    int64  `json:"amount_cents"`
}

type OfferAcceptedData struct {
	TransactionID string `json:"transaction_id"`
}

type OfferRejectedData struct {
	Reason string `json:"reason,omitempty"`
}

type OfferExtendedData struct {
	ExpiresAt time.Time `json:"expires_at"`
}

func (d OfferCreatedData) Data() map[string]any { return toEventData(d) }

func (d OfferCounteredData) Data() map[string]any { return toEventData(d) }

func (d OfferAcceptedData) Data() map[string]any { return toEventData(d) }

func (d OfferRejectedData) Data() map[string]any { return toEventData(d) }

func (d OfferExtendedData) Data() map[string]any { return toEventData(d) }

func toEventData(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// TransactionStatus is the lifecycle state of an escrow transaction.
type TransactionStatus string

const (
	TxnPaymentHeld       TransactionStatus = "payment_held"
	TxnCompleted         TransactionStatus = "completed"
	TxnRefunded          TransactionStatus = "refunded"
	TxnPartiallyRefunded TransactionStatus = "partially_refunded"
	TxnCancelled         TransactionStatus = "cancelled"
)

// Transaction is the escrow record created when an offer is accepted.
// Exactly one exists per accepted offer; PlatformFeeCents +
// SellerReceivesCents always equals FinalPriceCents.
type Transaction struct {
	ID       string `json:"id"`
	OfferID  string `json:"offer_id"`
	HorseID  string `json:"horse_id"`
	BuyerID  string `json:"buyer_id"`
	SellerID string `json:"seller_id"`

	ListingPriceCents   int64 `json:"listing_price_cents"`
	FinalPriceCents     int64 `json:"final_price_cents"`
	PlatformFeeCents    int64 `json:"platform_fee_cents"`
	SellerReceivesCents int64 `json:"seller_receives_cents"`

	PaymentRef  string `json:"payment_ref"`
	TransferRef string `json:"transfer_ref,omitempty"` // set exactly once, at completion

	Status TransactionStatus `json:"status"`

	EscrowReleaseDate time.Time  `json:"escrow_release_date"`
	EscrowReleasedAt  *time.Time `json:"escrow_released_at,omitempty"`
	EscrowReleasedBy  string     `json:"escrow_released_by,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`

	RefundedAmountCents int64      `json:"refunded_amount_cents"`
	RefundedAt          *time.Time `json:"refunded_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RemainingRefundableCents is how much of the final price has not yet
// been refunded.
func (t *Transaction) RemainingRefundableCents() int64 {
	return t.FinalPriceCents - t.RefundedAmountCents
}

// Transaction event types.
const (
	EventTxnCreated           = "created"
	EventTxnFundsReleased     = "funds_released"
	EventTxnManuallyCompleted = "manually_completed"
	EventTxnRefundRequested   = "refund_requested"
	EventTxnRefundProcessed   = "refund_processed"
	EventTxnRefundRejected    = "refund_rejected"
	EventTxnCancelled         = "cancelled"
)

// TransactionEvent is one append-only entry in a transaction's history.
type TransactionEvent struct {
	ID             string            `json:"id"`
	TransactionID  string            `json:"transaction_id"`
	EventType      string            `json:"event_type"`
	PreviousStatus TransactionStatus `json:"previous_status,omitempty"`
	NewStatus      TransactionStatus `json:"new_status,omitempty"`
	AmountCents    int64             `json:"amount_cents,omitempty"`
	TriggeredBy    string            `json:"triggered_by,omitempty"`
	Notes          string            `json:"notes,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// RefundStatus is the lifecycle state of a refund request.
type RefundStatus string

const (
	RefundPending  RefundStatus = "pending"
	RefundApproved RefundStatus = "approved"
	RefundRejected RefundStatus = "rejected"
)

// RefundRequest records a party's ask for money back. At most one
// pending request exists per transaction.
type RefundRequest struct {
	ID            string       `json:"id"`
	TransactionID string       `json:"transaction_id"`
	RequestedBy   string       `json:"requested_by"`
	Reason        string       `json:"reason"`
	AmountCents   int64        `json:"amount_cents"`
	Status        RefundStatus `json:"status"`
	ProcessedBy   string       `json:"processed_by,omitempty"`
	ProcessedAt   *time.Time   `json:"processed_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Store is the persistence contract for the marketplace ledger.
//
// Conditional writes (UpdateOffer, UpdateTransaction,
// ResolveRefundRequest) compare-and-swap on the record's current status
// and return ErrInvalidStatus when the record has moved. The composite
// operations (CreateCounterOffer, AcceptOffer) commit all of their
// writes as one unit or none at all.
type Store interface {
	// Offers
	CreateOffer(ctx context.Context, offer *Offer, event *OfferEvent) error
	GetOffer(ctx context.Context, id string) (*Offer, error)
	UpdateOffer(ctx context.Context, offer *Offer, expect OfferStatus) error
	ListOffersByHorse(ctx context.Context, horseID string) ([]*Offer, error)
	ListOffersByParty(ctx context.Context, partyID string) ([]*Offer, error)
	ListExpiredOffers(ctx context.Context, before time.Time, limit int) ([]*Offer, error)
	AppendOfferEvent(ctx context.Context, event *OfferEvent) error
	ListOfferEvents(ctx context.Context, offerID string) ([]*OfferEvent, error)

	// CreateCounterOffer flips the original from pending to countered and
	// inserts the counter offer plus both events, atomically.
	CreateCounterOffer(ctx context.Context, original, counter *Offer, origEvent, counterEvent *OfferEvent) error

	// AcceptOffer flips the accepted offer from pending to accepted,
	// rejects every other pending offer on the same horse (recording
	// rejectMessage and an offer_rejected event on each), and inserts the
	// escrow transaction with its opening event, atomically. The rejected
	// offers are returned so callers can notify their authors.
	AcceptOffer(ctx context.Context, accepted *Offer, rejectMessage string, txn *Transaction, offerEvent *OfferEvent, txnEvent *TransactionEvent) ([]*Offer, error)

	// Transactions
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, txn *Transaction, expect TransactionStatus) error
	ListTransactionsByParty(ctx context.Context, partyID string) ([]*Transaction, error)
	ListReleasableTransactions(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
	AppendTransactionEvent(ctx context.Context, event *TransactionEvent) error
	ListTransactionEvents(ctx context.Context, txnID string) ([]*TransactionEvent, error)

	// Refund requests
	CreateRefundRequest(ctx context.Context, req *RefundRequest) error
	GetRefundRequest(ctx context.Context, id string) (*RefundRequest, error)
	GetPendingRefundRequest(ctx context.Context, txnID string) (*RefundRequest, error)
	ResolveRefundRequest(ctx context.Context, id string, status RefundStatus, by string, at time.Time) error
	ListRefundRequests(ctx context.Context, txnID string) ([]*RefundRequest, error)
}
