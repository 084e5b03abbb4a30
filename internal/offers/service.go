// Package offers implements the negotiation engine: offer chains
// between a buyer and a seller over one horse, from initial bid
// through counters to a final decision.
package offers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/paddockmarket/paddock/internal/ledger"
	"github.com/paddockmarket/paddock/internal/logging"
	"github.com/paddockmarket/paddock/internal/metrics"
	"github.com/paddockmarket/paddock/internal/notify"
	"github.com/paddockmarket/paddock/internal/traces"
	"github.com/paddockmarket/paddock/internal/validation"

	"github.com/paddockmarket/paddock/internal/idgen"
)

var (
	// ErrUnauthorized means the actor is not the party allowed to
	// perform this transition.
	ErrUnauthorized = errors.New("actor may not perform this action on the offer")

	// ErrOfferExpired means the offer's deadline passed before the
	// transition was attempted.
	ErrOfferExpired = errors.New("offer deadline has passed")
)

// TransactionOpener turns an accepted offer into a funded escrow
// transaction. Implemented by the escrow engine; on error nothing has
// been persisted and the offer remains pending.
type TransactionOpener interface {
	OpenTransaction(ctx context.Context, accepted *ledger.Offer) (*ledger.Transaction, []*ledger.Offer, error)
}

// Service is the offer negotiation engine.
type Service struct {
	store   ledger.Store
	opener  TransactionOpener
	emitter *notify.Emitter

	// defaultTTL is applied to new offers without an explicit deadline.
	// Zero means such offers never expire.
	defaultTTL time.Duration

	locks sync.Map // offer ID → *sync.Mutex
}

// NewService creates the negotiation engine.
func NewService(store ledger.Store) *Service {
	return &Service{store: store}
}

// WithOpener sets the escrow engine used on acceptance.
func (s *Service) WithOpener(o TransactionOpener) *Service {
	s.opener = o
	return s
}

// WithEmitter sets the notification emitter.
func (s *Service) WithEmitter(e *notify.Emitter) *Service {
	s.emitter = e
	return s
}

// WithDefaultTTL sets the deadline applied to offers created without one.
func (s *Service) WithDefaultTTL(ttl time.Duration) *Service {
	s.defaultTTL = ttl
	return s
}

func (s *Service) lock(offerID string) func() {
	v, _ := s.locks.LoadOrStore(offerID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// CreateOfferRequest carries the buyer's opening bid.
type CreateOfferRequest struct {
	HorseID           string     `json:"horse_id"`
	SellerID          string     `json:"seller_id"`
	AmountCents       int64      `json:"amount_cents"`
	Message           string     `json:"message"`
	IncludesTransport bool       `json:"includes_transport"`
	IncludesVetting   bool       `json:"includes_vetting"`
	Contingencies     []string   `json:"contingencies"`
	PaymentRef        string     `json:"payment_ref"`
	ExpiresAt         *time.Time `json:"expires_at"`
}

// Create opens a new negotiation with an initial offer from buyerID.
func (s *Service) Create(ctx context.Context, buyerID string, req CreateOfferRequest) (*ledger.Offer, error) {
	ctx, span := traces.StartSpan(ctx, "offers.Create")
	defer span.End()
	span.SetAttributes(traces.HorseID(req.HorseID), traces.PartyID(buyerID), traces.AmountCents(req.AmountCents))

	errs := &validation.Errors{}
	validation.RequireID(errs, "buyer_id", buyerID)
	validation.RequireID(errs, "horse_id", req.HorseID)
	validation.RequireID(errs, "seller_id", req.SellerID)
	validation.RequirePositiveCents(errs, "amount_cents", req.AmountCents)
	if req.PaymentRef == "" {
		errs.Add("payment_ref", "is required")
	}
	if buyerID == req.SellerID {
		errs.Add("seller_id", "buyer and seller must differ")
	}
	if len(req.Contingencies) > validation.MaxContingencies {
		errs.Add("contingencies", "too many entries")
	}
	now := time.Now().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		errs.Add("expires_at", "must be in the future")
	}
	if errs.HasErrors() {
		return nil, errs
	}

	expiresAt := req.ExpiresAt
	if expiresAt == nil && s.defaultTTL > 0 {
		t := now.Add(s.defaultTTL)
		expiresAt = &t
	}

	offer := &ledger.Offer{
		ID:                idgen.WithPrefix("off_"),
		HorseID:           req.HorseID,
		BuyerID:           buyerID,
		SellerID:          req.SellerID,
		AuthorID:          buyerID,
		RecipientID:       req.SellerID,
		AmountCents:       req.AmountCents,
		Type:              ledger.OfferTypeInitial,
		Status:            ledger.OfferPending,
		Message:           validation.SanitizeString(req.Message, validation.MaxMessageLength),
		IncludesTransport: req.IncludesTransport,
		IncludesVetting:   req.IncludesVetting,
		Contingencies:     req.Contingencies,
		PaymentRef:        req.PaymentRef,
		ExpiresAt:         expiresAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	event := &ledger.OfferEvent{
		ID:        idgen.WithPrefix("oev_"),
		OfferID:   offer.ID,
		EventType: ledger.EventOfferCreated,
		EventData: ledger.OfferCreatedData{AmountCents: offer.AmountCents}.Data(),
		CreatedBy: buyerID,
		CreatedAt: now,
	}

	if err := s.store.CreateOffer(ctx, offer, event); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	metrics.OffersTotal.WithLabelValues(string(ledger.OfferPending)).Inc()
	logging.L(ctx).Info("offer created",
		"offer_id", offer.ID, "horse_id", offer.HorseID,
		"buyer_id", offer.BuyerID, "amount_cents", offer.AmountCents)

	s.emitter.OfferReceived(offer)
	return offer, nil
}

// Get returns one offer.
func (s *Service) Get(ctx context.Context, id string) (*ledger.Offer, error) {
	return s.store.GetOffer(ctx, id)
}

// Events returns an offer's append-only history.
func (s *Service) Events(ctx context.Context, id string) ([]*ledger.OfferEvent, error) {
	if _, err := s.store.GetOffer(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListOfferEvents(ctx, id)
}

// ListByHorse returns all offers on a horse, newest first.
func (s *Service) ListByHorse(ctx context.Context, horseID string) ([]*ledger.Offer, error) {
	return s.store.ListOffersByHorse(ctx, horseID)
}

// ListByParty returns all offers a party is buyer or seller on.
func (s *Service) ListByParty(ctx context.Context, partyID string) ([]*ledger.Offer, error) {
	return s.store.ListOffersByParty(ctx, partyID)
}

// loadPendingFor fetches the offer and checks it is actionable by the
// recipient right now.
func (s *Service) loadPendingFor(ctx context.Context, offerID, actorID string) (*ledger.Offer, error) {
	offer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.Status != ledger.OfferPending {
		return nil, fmt.Errorf("offer %s is %s: %w", offer.ID, offer.Status, ledger.ErrInvalidStatus)
	}
	if offer.RecipientID != actorID {
		return nil, ErrUnauthorized
	}
	if offer.ExpiresAt != nil && !offer.ExpiresAt.After(time.Now().UTC()) {
		return nil, ErrOfferExpired
	}
	return offer, nil
}

// CounterRequest carries a counter-offer. Zero-value fields inherit
// the parent's terms; AmountCents must differ from the parent's.
type CounterRequest struct {
	AmountCents       int64      `json:"amount_cents"`
	Message           string     `json:"message"`
	IncludesTransport *bool      `json:"includes_transport"`
	IncludesVetting   *bool      `json:"includes_vetting"`
	Contingencies     []string   `json:"contingencies"`
	PaymentRef        string     `json:"payment_ref"`
	ExpiresAt         *time.Time `json:"expires_at"`
}

// Counter answers a pending offer with new terms, atomically closing
// the parent as countered and opening a fresh pending offer with the
// roles reversed.
func (s *Service) Counter(ctx context.Context, offerID, actorID string, req CounterRequest) (*ledger.Offer, error) {
	ctx, span := traces.StartSpan(ctx, "offers.Counter")
	defer span.End()
	span.SetAttributes(traces.OfferID(offerID), traces.PartyID(actorID))

	unlock := s.lock(offerID)
	defer unlock()

	parent, err := s.loadPendingFor(ctx, offerID, actorID)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	errs := &validation.Errors{}
	validation.RequirePositiveCents(errs, "amount_cents", req.AmountCents)
	if req.AmountCents == parent.AmountCents {
		errs.Add("amount_cents", "counter must change the amount")
	}
	now := time.Now().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		errs.Add("expires_at", "must be in the future")
	}
	if errs.HasErrors() {
		return nil, errs
	}

	counter := &ledger.Offer{
		ID:                idgen.WithPrefix("off_"),
		HorseID:           parent.HorseID,
		BuyerID:           parent.BuyerID,
		SellerID:          parent.SellerID,
		AuthorID:          actorID,
		RecipientID:       parent.AuthorID,
		AmountCents:       req.AmountCents,
		Type:              ledger.OfferTypeCounter,
		ParentOfferID:     parent.ID,
		Status:            ledger.OfferPending,
		Message:           validation.SanitizeString(req.Message, validation.MaxMessageLength),
		IncludesTransport: parent.IncludesTransport,
		IncludesVetting:   parent.IncludesVetting,
		Contingencies:     parent.Contingencies,
		PaymentRef:        parent.PaymentRef,
		ExpiresAt:         req.ExpiresAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.IncludesTransport != nil {
		counter.IncludesTransport = *req.IncludesTransport
	}
	if req.IncludesVetting != nil {
		counter.IncludesVetting = *req.IncludesVetting
	}
	if req.Contingencies != nil {
		counter.Contingencies = req.Contingencies
	}
	if req.PaymentRef != "" {
		counter.PaymentRef = req.PaymentRef
	}
	if counter.ExpiresAt == nil {
		// Deadline inherits too. loadPendingFor already ruled out a
		// parent past its deadline.
		counter.ExpiresAt = parent.ExpiresAt
	}
	if counter.ExpiresAt == nil && s.defaultTTL > 0 {
		t := now.Add(s.defaultTTL)
		counter.ExpiresAt = &t
	}

	parent.Status = ledger.OfferCountered
	parent.RespondedAt = &now
	parent.UpdatedAt = now

	origEvent := &ledger.OfferEvent{
		ID:        idgen.WithPrefix("oev_"),
		OfferID:   parent.ID,
		EventType: ledger.EventOfferCountered,
		EventData: ledger.OfferCounteredData{CounterOfferID: counter.ID, AmountCents: counter.AmountCents}.Data(),
		CreatedBy: actorID,
		CreatedAt: now,
	}
	counterEvent := &ledger.OfferEvent{
		ID:        idgen.WithPrefix("oev_"),
		OfferID:   counter.ID,
		EventType: ledger.EventOfferCreated,
		EventData: ledger.OfferCreatedData{AmountCents: counter.AmountCents, ParentOfferID: parent.ID}.Data(),
		CreatedBy: actorID,
		CreatedAt: now,
	}

	if err := s.store.CreateCounterOffer(ctx, parent, counter, origEvent, counterEvent); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	metrics.OffersTotal.WithLabelValues(string(ledger.OfferCountered)).Inc()
	logging.L(ctx).Info("offer countered",
		"offer_id", parent.ID, "counter_offer_id", counter.ID,
		"amount_cents", counter.AmountCents)

	s.emitter.OfferReceived(counter)
	return counter, nil
}

// AcceptRequest carries the recipient's acceptance.
type AcceptRequest struct {
	Message    string `json:"message"`
	PaymentRef string `json:"payment_ref"` // overrides the chain's hold if re-authorized
}

// Accept closes the negotiation in the offer's favor: the buyer's hold
// is captured into escrow, every competing pending offer on the horse
// is rejected, and exactly one transaction record is opened. If the
// payment capture fails nothing changes and the offer stays pending.
func (s *Service) Accept(ctx context.Context, offerID, actorID string, req AcceptRequest) (*ledger.Offer, *ledger.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "offers.Accept")
	defer span.End()
	span.SetAttributes(traces.OfferID(offerID), traces.PartyID(actorID))

	unlock := s.lock(offerID)
	defer unlock()

	offer, err := s.loadPendingFor(ctx, offerID, actorID)
	if err != nil {
		traces.RecordError(span, err)
		return nil, nil, err
	}

	now := time.Now().UTC()
	offer.Status = ledger.OfferAccepted
	offer.RespondedAt = &now
	offer.ResponseMessage = validation.SanitizeString(req.Message, validation.MaxMessageLength)
	offer.UpdatedAt = now
	if req.PaymentRef != "" {
		offer.PaymentRef = req.PaymentRef
	}

	txn, rejected, err := s.opener.OpenTransaction(ctx, offer)
	if err != nil {
		traces.RecordError(span, err)
		return nil, nil, err
	}

	metrics.OffersTotal.WithLabelValues(string(ledger.OfferAccepted)).Inc()
	logging.L(ctx).Info("offer accepted",
		"offer_id", offer.ID, "transaction_id", txn.ID,
		"final_price_cents", txn.FinalPriceCents, "rejected_competing", len(rejected))

	s.emitter.OfferAccepted(offer, txn)
	for _, r := range rejected {
		s.emitter.OfferRejected(r)
	}
	return offer, txn, nil
}

// Reject declines a pending offer. Recipient only.
func (s *Service) Reject(ctx context.Context, offerID, actorID, message string) (*ledger.Offer, error) {
	ctx, span := traces.StartSpan(ctx, "offers.Reject")
	defer span.End()
	span.SetAttributes(traces.OfferID(offerID), traces.PartyID(actorID))

	unlock := s.lock(offerID)
	defer unlock()

	offer, err := s.loadPendingFor(ctx, offerID, actorID)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	now := time.Now().UTC()
	offer.Status = ledger.OfferRejected
	offer.RespondedAt = &now
	offer.ResponseMessage = validation.SanitizeString(message, validation.MaxMessageLength)
	offer.UpdatedAt = now

	if err := s.store.UpdateOffer(ctx, offer, ledger.OfferPending); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	_ = s.store.AppendOfferEvent(ctx, &ledger.OfferEvent{
		ID:        idgen.WithPrefix("oev_"),
		OfferID:   offer.ID,
		EventType: ledger.EventOfferRejected,
		EventData: ledger.OfferRejectedData{Reason: offer.ResponseMessage}.Data(),
		CreatedBy: actorID,
		CreatedAt: now,
	})

	metrics.OffersTotal.WithLabelValues(string(ledger.OfferRejected)).Inc()
	logging.L(ctx).Info("offer rejected", "offer_id", offer.ID, "by", actorID)

	s.emitter.OfferRejected(offer)
	return offer, nil
}

// Withdraw retracts a pending offer. Author only; allowed even past
// the deadline since it only ever closes the offer.
func (s *Service) Withdraw(ctx context.Context, offerID, actorID, message string) (*ledger.Offer, error) {
	ctx, span := traces.StartSpan(ctx, "offers.Withdraw")
	defer span.End()
	span.SetAttributes(traces.OfferID(offerID), traces.PartyID(actorID))

	unlock := s.lock(offerID)
	defer unlock()

	offer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.Status != ledger.OfferPending {
		return nil, fmt.Errorf("offer %s is %s: %w", offer.ID, offer.Status, ledger.ErrInvalidStatus)
	}
	if offer.AuthorID != actorID {
		return nil, ErrUnauthorized
	}

	now := time.Now().UTC()
	offer.Status = ledger.OfferWithdrawn
	offer.RespondedAt = &now
	offer.ResponseMessage = validation.SanitizeString(message, validation.MaxMessageLength)
	offer.UpdatedAt = now

	if err := s.store.UpdateOffer(ctx, offer, ledger.OfferPending); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	_ = s.store.AppendOfferEvent(ctx, &ledger.OfferEvent{
		ID:        idgen.WithPrefix("oev_"),
		OfferID:   offer.ID,
		EventType: ledger.EventOfferWithdrawn,
		CreatedBy: actorID,
		CreatedAt: now,
	})

	metrics.OffersTotal.WithLabelValues(string(ledger.OfferWithdrawn)).Inc()
	logging.L(ctx).Info("offer withdrawn", "offer_id", offer.ID)
	return offer, nil
}

// Expire closes a pending offer whose deadline has passed. Idempotent:
// an already-expired offer is returned unchanged. Called by the
// reconciliation sweep, not exposed to parties.
func (s *Service) Expire(ctx context.Context, offerID string) (*ledger.Offer, error) {
	unlock := s.lock(offerID)
	defer unlock()

	offer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.Status == ledger.OfferExpired {
		return offer, nil
	}
	if offer.Status != ledger.OfferPending {
		return nil, fmt.Errorf("offer %s is %s: %w", offer.ID, offer.Status, ledger.ErrInvalidStatus)
	}
	now := time.Now().UTC()
	if offer.ExpiresAt == nil || offer.ExpiresAt.After(now) {
		return nil, fmt.Errorf("offer %s has not reached its deadline: %w", offer.ID, ledger.ErrInvalidStatus)
	}

	offer.Status = ledger.OfferExpired
	offer.UpdatedAt = now

	if err := s.store.UpdateOffer(ctx, offer, ledger.OfferPending); err != nil {
		if errors.Is(err, ledger.ErrInvalidStatus) {
			// Lost the race to a concurrent decision. Fine.
			return s.store.GetOffer(ctx, offerID)
		}
		return nil, err
	}
	_ = s.store.AppendOfferEvent(ctx, &ledger.OfferEvent{
		ID:        idgen.WithPrefix("oev_"),
		OfferID:   offer.ID,
		EventType: ledger.EventOfferExpired,
		CreatedAt: now,
	})

	metrics.OffersTotal.WithLabelValues(string(ledger.OfferExpired)).Inc()
	logging.L(ctx).Info("offer expired", "offer_id", offer.ID)

	s.emitter.OfferExpired(offer)
	return offer, nil
}

// ExpireDue expires every pending offer whose deadline passed before
// now. Returns how many were expired.
func (s *Service) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.store.ListExpiredOffers(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list expired offers: %w", err)
	}

	expired := 0
	for _, o := range due {
		if _, err := s.Expire(ctx, o.ID); err != nil {
			logging.L(ctx).Warn("expire offer failed", "offer_id", o.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

// Extend re-opens an expired offer with a new future deadline. Author
// only. Fails with ErrLiveOfferExists if a newer live offer has taken
// the chain's place.
func (s *Service) Extend(ctx context.Context, offerID, actorID string, newDeadline time.Time) (*ledger.Offer, error) {
	ctx, span := traces.StartSpan(ctx, "offers.Extend")
	defer span.End()
	span.SetAttributes(traces.OfferID(offerID), traces.PartyID(actorID))

	unlock := s.lock(offerID)
	defer unlock()

	offer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.Status != ledger.OfferExpired {
		return nil, fmt.Errorf("offer %s is %s, only expired offers can be extended: %w",
			offer.ID, offer.Status, ledger.ErrInvalidStatus)
	}
	if offer.AuthorID != actorID {
		return nil, ErrUnauthorized
	}

	now := time.Now().UTC()
	if !newDeadline.After(now) {
		errs := &validation.Errors{}
		errs.Add("expires_at", "must be in the future")
		return nil, errs
	}

	deadline := newDeadline.UTC()
	offer.Status = ledger.OfferPending
	offer.ExpiresAt = &deadline
	offer.UpdatedAt = now

	if err := s.store.UpdateOffer(ctx, offer, ledger.OfferExpired); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	_ = s.store.AppendOfferEvent(ctx, &ledger.OfferEvent{
		ID:        idgen.WithPrefix("oev_"),
		OfferID:   offer.ID,
		EventType: ledger.EventOfferExtended,
		EventData: ledger.OfferExtendedData{ExpiresAt: deadline}.Data(),
		CreatedBy: actorID,
		CreatedAt: now,
	})

	logging.L(ctx).Info("offer extended", "offer_id", offer.ID, "expires_at", deadline)

	s.emitter.OfferReceived(offer)
	return offer, nil
}
