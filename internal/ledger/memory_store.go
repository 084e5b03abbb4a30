package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/paddockmarket/paddock/internal/idgen"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	offers    map[string]*Offer
	txns      map[string]*Transaction
	offerEvts map[string][]*OfferEvent       // offer ID → events in append order
	txnEvts   map[string][]*TransactionEvent // transaction ID → events in append order
	refunds   map[string]*RefundRequest
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers:    make(map[string]*Offer),
		txns:      make(map[string]*Transaction),
		offerEvts: make(map[string][]*OfferEvent),
		txnEvts:   make(map[string][]*TransactionEvent),
		refunds:   make(map[string]*RefundRequest),
	}
}

var _ Store = (*MemoryStore)(nil)

func copyOffer(o *Offer) *Offer {
	c := *o
	if o.Contingencies != nil {
		c.Contingencies = append([]string(nil), o.Contingencies...)
	}
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		c.ExpiresAt = &t
	}
	if o.RespondedAt != nil {
		t := *o.RespondedAt
		c.RespondedAt = &t
	}
	return &c
}

func copyTxn(t *Transaction) *Transaction {
	c := *t
	if t.EscrowReleasedAt != nil {
		v := *t.EscrowReleasedAt
		c.EscrowReleasedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.RefundedAt != nil {
		v := *t.RefundedAt
		c.RefundedAt = &v
	}
	return &c
}

func copyRefund(r *RefundRequest) *RefundRequest {
	c := *r
	if r.ProcessedAt != nil {
		v := *r.ProcessedAt
		c.ProcessedAt = &v
	}
	return &c
}

func copyOfferEvent(e *OfferEvent) *OfferEvent {
	c := *e
	if e.EventData != nil {
		c.EventData = make(map[string]any, len(e.EventData))
		for k, v := range e.EventData {
			c.EventData[k] = v
		}
	}
	return &c
}

// hasLiveOffer reports whether the buyer has an undecided offer chain
// on the horse. Caller must hold mu.
func (s *MemoryStore) hasLiveOffer(horseID, buyerID string) bool {
	for _, o := range s.offers {
		if o.HorseID == horseID && o.BuyerID == buyerID && o.Status == OfferPending {
			return true
		}
	}
	return false
}

func (s *MemoryStore) CreateOffer(ctx context.Context, offer *Offer, event *OfferEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasLiveOffer(offer.HorseID, offer.BuyerID) {
		return ErrLiveOfferExists
	}

	s.offers[offer.ID] = copyOffer(offer)
	if event != nil {
		s.offerEvts[offer.ID] = append(s.offerEvts[offer.ID], copyOfferEvent(event))
	}
	return nil
}

func (s *MemoryStore) GetOffer(ctx context.Context, id string) (*Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	return copyOffer(o), nil
}

func (s *MemoryStore) UpdateOffer(ctx context.Context, offer *Offer, expect OfferStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.offers[offer.ID]
	if !ok {
		return ErrOfferNotFound
	}
	if cur.Status != expect {
		return ErrInvalidStatus
	}
	if offer.Status == OfferPending && cur.Status != OfferPending {
		// Re-opening must not collide with a newer live offer.
		for id, o := range s.offers {
			if id != offer.ID && o.HorseID == offer.HorseID && o.BuyerID == offer.BuyerID && o.Status == OfferPending {
				return ErrLiveOfferExists
			}
		}
	}

	s.offers[offer.ID] = copyOffer(offer)
	return nil
}

func (s *MemoryStore) ListOffersByHorse(ctx context.Context, horseID string) ([]*Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Offer
	for _, o := range s.offers {
		if o.HorseID == horseID {
			out = append(out, copyOffer(o))
		}
	}
	sortOffers(out)
	return out, nil
}

func (s *MemoryStore) ListOffersByParty(ctx context.Context, partyID string) ([]*Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Offer
	for _, o := range s.offers {
		if o.BuyerID == partyID || o.SellerID == partyID {
			out = append(out, copyOffer(o))
		}
	}
	sortOffers(out)
	return out, nil
}

func (s *MemoryStore) ListExpiredOffers(ctx context.Context, before time.Time, limit int) ([]*Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Offer
	for _, o := range s.offers {
		if o.Status == OfferPending && o.ExpiresAt != nil && o.ExpiresAt.Before(before) {
			out = append(out, copyOffer(o))
		}
	}
	sortOffers(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendOfferEvent(ctx context.Context, event *OfferEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.offerEvts[event.OfferID] = append(s.offerEvts[event.OfferID], copyOfferEvent(event))
	return nil
}

func (s *MemoryStore) ListOfferEvents(ctx context.Context, offerID string) ([]*OfferEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evts := s.offerEvts[offerID]
	out := make([]*OfferEvent, len(evts))
	for i, e := range evts {
		out[i] = copyOfferEvent(e)
	}
	return out, nil
}

func (s *MemoryStore) CreateCounterOffer(ctx context.Context, original, counter *Offer, origEvent, counterEvent *OfferEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.offers[original.ID]
	if !ok {
		return ErrOfferNotFound
	}
	if cur.Status != OfferPending {
		return ErrInvalidStatus
	}

	s.offers[original.ID] = copyOffer(original)
	s.offers[counter.ID] = copyOffer(counter)
	s.offerEvts[original.ID] = append(s.offerEvts[original.ID], copyOfferEvent(origEvent))
	s.offerEvts[counter.ID] = append(s.offerEvts[counter.ID], copyOfferEvent(counterEvent))
	return nil
}

func (s *MemoryStore) AcceptOffer(ctx context.Context, accepted *Offer, rejectMessage string, txn *Transaction, offerEvent *OfferEvent, txnEvent *TransactionEvent) ([]*Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.offers[accepted.ID]
	if !ok {
		return nil, ErrOfferNotFound
	}
	if cur.Status != OfferPending {
		return nil, ErrInvalidStatus
	}

	now := txn.CreatedAt
	var rejected []*Offer
	for id, o := range s.offers {
		if id == accepted.ID || o.HorseID != accepted.HorseID || o.Status != OfferPending {
			continue
		}
		r := copyOffer(o)
		r.Status = OfferRejected
		r.ResponseMessage = rejectMessage
		respondedAt := now
		r.RespondedAt = &respondedAt
		r.UpdatedAt = now
		s.offers[id] = r
		s.offerEvts[id] = append(s.offerEvts[id], &OfferEvent{
			ID:        idgen.WithPrefix("oev_"),
			OfferID:   id,
			EventType: EventOfferRejected,
			EventData: OfferRejectedData{Reason: rejectMessage}.Data(),
			CreatedBy: accepted.RecipientID,
			CreatedAt: now,
		})
		rejected = append(rejected, copyOffer(r))
	}

	s.offers[accepted.ID] = copyOffer(accepted)
	if offerEvent != nil {
		s.offerEvts[accepted.ID] = append(s.offerEvts[accepted.ID], copyOfferEvent(offerEvent))
	}
	s.txns[txn.ID] = copyTxn(txn)
	if txnEvent != nil {
		s.txnEvts[txn.ID] = append(s.txnEvts[txn.ID], copyTxnEvent(txnEvent))
	}
	return rejected, nil
}

func copyTxnEvent(e *TransactionEvent) *TransactionEvent {
	c := *e
	return &c
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyTxn(t), nil
}

func (s *MemoryStore) UpdateTransaction(ctx context.Context, txn *Transaction, expect TransactionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.txns[txn.ID]
	if !ok {
		return ErrTransactionNotFound
	}
	if cur.Status != expect {
		return ErrInvalidStatus
	}

	s.txns[txn.ID] = copyTxn(txn)
	return nil
}

func (s *MemoryStore) ListTransactionsByParty(ctx context.Context, partyID string) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Transaction
	for _, t := range s.txns {
		if t.BuyerID == partyID || t.SellerID == partyID {
			out = append(out, copyTxn(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListReleasableTransactions(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Transaction
	for _, t := range s.txns {
		if t.Status == TxnPaymentHeld && t.EscrowReleaseDate.Before(before) {
			out = append(out, copyTxn(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EscrowReleaseDate.Before(out[j].EscrowReleaseDate)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendTransactionEvent(ctx context.Context, event *TransactionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.txnEvts[event.TransactionID] = append(s.txnEvts[event.TransactionID], copyTxnEvent(event))
	return nil
}

func (s *MemoryStore) ListTransactionEvents(ctx context.Context, txnID string) ([]*TransactionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evts := s.txnEvts[txnID]
	out := make([]*TransactionEvent, len(evts))
	for i, e := range evts {
		out[i] = copyTxnEvent(e)
	}
	return out, nil
}

func (s *MemoryStore) CreateRefundRequest(ctx context.Context, req *RefundRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.refunds {
		if r.TransactionID == req.TransactionID && r.Status == RefundPending {
			return ErrPendingRefundExists
		}
	}

	s.refunds[req.ID] = copyRefund(req)
	return nil
}

func (s *MemoryStore) GetRefundRequest(ctx context.Context, id string) (*RefundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.refunds[id]
	if !ok {
		return nil, ErrRefundNotFound
	}
	return copyRefund(r), nil
}

func (s *MemoryStore) GetPendingRefundRequest(ctx context.Context, txnID string) (*RefundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.refunds {
		if r.TransactionID == txnID && r.Status == RefundPending {
			return copyRefund(r), nil
		}
	}
	return nil, ErrRefundNotFound
}

func (s *MemoryStore) ResolveRefundRequest(ctx context.Context, id string, status RefundStatus, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.refunds[id]
	if !ok {
		return ErrRefundNotFound
	}
	if r.Status != RefundPending {
		return ErrInvalidStatus
	}

	r.Status = status
	r.ProcessedBy = by
	processedAt := at
	r.ProcessedAt = &processedAt
	return nil
}

func (s *MemoryStore) ListRefundRequests(ctx context.Context, txnID string) ([]*RefundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*RefundRequest
	for _, r := range s.refunds {
		if r.TransactionID == txnID {
			out = append(out, copyRefund(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func sortOffers(offers []*Offer) {
	sort.Slice(offers, func(i, j int) bool {
		if offers[i].CreatedAt.Equal(offers[j].CreatedAt) {
			return offers[i].ID < offers[j].ID
		}
		return offers[i].CreatedAt.After(offers[j].CreatedAt)
	})
}
