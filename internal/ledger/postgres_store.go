package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/paddockmarket/paddock/internal/idgen"
)

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a postgres-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const offerColumns = `id, horse_id, buyer_id, seller_id, author_id, recipient_id,
	amount_cents, type, parent_offer_id, status, message, includes_transport,
	includes_vetting, contingencies, payment_ref, expires_at, responded_at,
	response_message, created_at, updated_at`

func scanOffer(s scanner) (*Offer, error) {
	var o Offer
	var parentID, message, paymentRef, responseMessage sql.NullString
	var expiresAt, respondedAt sql.NullTime
	var contingencies pq.StringArray

	err := s.Scan(
		&o.ID, &o.HorseID, &o.BuyerID, &o.SellerID, &o.AuthorID, &o.RecipientID,
		&o.AmountCents, &o.Type, &parentID, &o.Status, &message, &o.IncludesTransport,
		&o.IncludesVetting, &contingencies, &paymentRef, &expiresAt, &respondedAt,
		&responseMessage, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.ParentOfferID = parentID.String
	o.Message = message.String
	o.PaymentRef = paymentRef.String
	o.ResponseMessage = responseMessage.String
	o.Contingencies = []string(contingencies)
	if expiresAt.Valid {
		t := expiresAt.Time
		o.ExpiresAt = &t
	}
	if respondedAt.Valid {
		t := respondedAt.Time
		o.RespondedAt = &t
	}
	return &o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// querier abstracts sql.DB and sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertOffer(ctx context.Context, q querier, o *Offer) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO offers (id, horse_id, buyer_id, seller_id, author_id, recipient_id,
			amount_cents, type, parent_offer_id, status, message, includes_transport,
			includes_vetting, contingencies, payment_ref, expires_at, responded_at,
			response_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		o.ID, o.HorseID, o.BuyerID, o.SellerID, o.AuthorID, o.RecipientID,
		o.AmountCents, o.Type, nullString(o.ParentOfferID), o.Status, nullString(o.Message),
		o.IncludesTransport, o.IncludesVetting, pq.Array(o.Contingencies),
		nullString(o.PaymentRef), nullTime(o.ExpiresAt), nullTime(o.RespondedAt),
		nullString(o.ResponseMessage), o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func insertOfferEvent(ctx context.Context, q querier, e *OfferEvent) error {
	var data []byte
	if e.EventData != nil {
		var err error
		data, err = json.Marshal(e.EventData)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO offer_events (id, offer_id, event_type, event_data, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.OfferID, e.EventType, data, nullString(e.CreatedBy), e.CreatedAt,
	)
	return err
}

// isLiveOfferConflict detects the partial unique index guarding one
// live offer per (horse, buyer).
func isLiveOfferConflict(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "offers_one_live_per_horse_buyer"
}

func (s *PostgresStore) CreateOffer(ctx context.Context, offer *Offer, event *OfferEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertOffer(ctx, tx, offer); err != nil {
		if isLiveOfferConflict(err) {
			return ErrLiveOfferExists
		}
		return fmt.Errorf("insert offer: %w", err)
	}
	if event != nil {
		if err := insertOfferEvent(ctx, tx, event); err != nil {
			return fmt.Errorf("insert offer event: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetOffer(ctx context.Context, id string) (*Offer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get offer: %w", err)
	}
	return o, nil
}

func updateOffer(ctx context.Context, q querier, o *Offer, expect OfferStatus) error {
	res, err := q.ExecContext(ctx, `
		UPDATE offers
		SET status = $1, responded_at = $2, response_message = $3, expires_at = $4, updated_at = $5
		WHERE id = $6 AND status = $7`,
		o.Status, nullTime(o.RespondedAt), nullString(o.ResponseMessage),
		nullTime(o.ExpiresAt), o.UpdatedAt, o.ID, expect,
	)
	if isLiveOfferConflict(err) {
		// Re-opening an expired offer collides with a newer live offer.
		return ErrLiveOfferExists
	}
	if err != nil {
		return fmt.Errorf("update offer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish missing from moved.
		var exists bool
		if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM offers WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check offer: %w", err)
		}
		if !exists {
			return ErrOfferNotFound
		}
		return ErrInvalidStatus
	}
	return nil
}

func (s *PostgresStore) UpdateOffer(ctx context.Context, offer *Offer, expect OfferStatus) error {
	return updateOffer(ctx, s.db, offer, expect)
}

func (s *PostgresStore) listOffers(ctx context.Context, query string, args ...any) ([]*Offer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()

	var out []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListOffersByHorse(ctx context.Context, horseID string) ([]*Offer, error) {
	return s.listOffers(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE horse_id = $1 ORDER BY created_at DESC, id`,
		horseID)
}

func (s *PostgresStore) ListOffersByParty(ctx context.Context, partyID string) ([]*Offer, error) {
	return s.listOffers(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at DESC, id`,
		partyID)
}

func (s *PostgresStore) ListExpiredOffers(ctx context.Context, before time.Time, limit int) ([]*Offer, error) {
	return s.listOffers(ctx,
		`SELECT `+offerColumns+` FROM offers
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at LIMIT $2`,
		before, limit)
}

func (s *PostgresStore) AppendOfferEvent(ctx context.Context, event *OfferEvent) error {
	if err := insertOfferEvent(ctx, s.db, event); err != nil {
		return fmt.Errorf("append offer event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListOfferEvents(ctx context.Context, offerID string) ([]*OfferEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, offer_id, event_type, event_data, created_by, created_at
		FROM offer_events WHERE offer_id = $1 ORDER BY created_at, id`,
		offerID)
	if err != nil {
		return nil, fmt.Errorf("list offer events: %w", err)
	}
	defer rows.Close()

	var out []*OfferEvent
	for rows.Next() {
		var e OfferEvent
		var data []byte
		var createdBy sql.NullString
		if err := rows.Scan(&e.ID, &e.OfferID, &e.EventType, &data, &createdBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan offer event: %w", err)
		}
		e.CreatedBy = createdBy.String
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.EventData); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateCounterOffer(ctx context.Context, original, counter *Offer, origEvent, counterEvent *OfferEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := updateOffer(ctx, tx, original, OfferPending); err != nil {
		return err
	}
	if err := insertOffer(ctx, tx, counter); err != nil {
		return fmt.Errorf("insert counter: %w", err)
	}
	if err := insertOfferEvent(ctx, tx, origEvent); err != nil {
		return fmt.Errorf("insert original event: %w", err)
	}
	if err := insertOfferEvent(ctx, tx, counterEvent); err != nil {
		return fmt.Errorf("insert counter event: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) AcceptOffer(ctx context.Context, accepted *Offer, rejectMessage string, txn *Transaction, offerEvent *OfferEvent, txnEvent *TransactionEvent) ([]*Offer, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := updateOffer(ctx, tx, accepted, OfferPending); err != nil {
		return nil, err
	}

	// Reject every other pending offer on the horse, collecting the
	// losers for post-commit notification.
	rows, err := tx.QueryContext(ctx, `
		UPDATE offers
		SET status = 'rejected', response_message = $1, responded_at = $2, updated_at = $2
		WHERE horse_id = $3 AND status = 'pending' AND id <> $4
		RETURNING `+offerColumns,
		nullString(rejectMessage), txn.CreatedAt, accepted.HorseID, accepted.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("reject competing offers: %w", err)
	}
	var rejected []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan rejected offer: %w", err)
		}
		rejected = append(rejected, o)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, o := range rejected {
		evt := &OfferEvent{
			ID:        idgen.WithPrefix("oev_"),
			OfferID:   o.ID,
			EventType: EventOfferRejected,
			EventData: OfferRejectedData{Reason: rejectMessage}.Data(),
			CreatedBy: accepted.RecipientID,
			CreatedAt: txn.CreatedAt,
		}
		if err := insertOfferEvent(ctx, tx, evt); err != nil {
			return nil, fmt.Errorf("insert rejection event: %w", err)
		}
	}

	if offerEvent != nil {
		if err := insertOfferEvent(ctx, tx, offerEvent); err != nil {
			return nil, fmt.Errorf("insert accept event: %w", err)
		}
	}
	if err := insertTransaction(ctx, tx, txn); err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	if txnEvent != nil {
		if err := insertTransactionEvent(ctx, tx, txnEvent); err != nil {
			return nil, fmt.Errorf("insert transaction event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return rejected, nil
}

const txnColumns = `id, offer_id, horse_id, buyer_id, seller_id, listing_price_cents,
	final_price_cents, platform_fee_cents, seller_receives_cents, payment_ref,
	transfer_ref, status, escrow_release_date, escrow_released_at, escrow_released_by,
	completed_at, refunded_amount_cents, refunded_at, created_at, updated_at`

func scanTransaction(s scanner) (*Transaction, error) {
	var t Transaction
	var transferRef, releasedBy sql.NullString
	var releasedAt, completedAt, refundedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.OfferID, &t.HorseID, &t.BuyerID, &t.SellerID, &t.ListingPriceCents,
		&t.FinalPriceCents, &t.PlatformFeeCents, &t.SellerReceivesCents, &t.PaymentRef,
		&transferRef, &t.Status, &t.EscrowReleaseDate, &releasedAt, &releasedBy,
		&completedAt, &t.RefundedAmountCents, &refundedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.TransferRef = transferRef.String
	t.EscrowReleasedBy = releasedBy.String
	if releasedAt.Valid {
		v := releasedAt.Time
		t.EscrowReleasedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	if refundedAt.Valid {
		v := refundedAt.Time
		t.RefundedAt = &v
	}
	return &t, nil
}

func insertTransaction(ctx context.Context, q querier, t *Transaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO transactions (id, offer_id, horse_id, buyer_id, seller_id,
			listing_price_cents, final_price_cents, platform_fee_cents,
			seller_receives_cents, payment_ref, transfer_ref, status,
			escrow_release_date, escrow_released_at, escrow_released_by, completed_at,
			refunded_amount_cents, refunded_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		t.ID, t.OfferID, t.HorseID, t.BuyerID, t.SellerID,
		t.ListingPriceCents, t.FinalPriceCents, t.PlatformFeeCents,
		t.SellerReceivesCents, t.PaymentRef, nullString(t.TransferRef), t.Status,
		t.EscrowReleaseDate, nullTime(t.EscrowReleasedAt), nullString(t.EscrowReleasedBy),
		nullTime(t.CompletedAt), t.RefundedAmountCents, nullTime(t.RefundedAt),
		t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func insertTransactionEvent(ctx context.Context, q querier, e *TransactionEvent) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO transaction_events (id, transaction_id, event_type, previous_status,
			new_status, amount_cents, triggered_by, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.TransactionID, e.EventType, nullString(string(e.PreviousStatus)),
		nullString(string(e.NewStatus)), e.AmountCents, nullString(e.TriggeredBy),
		nullString(e.Notes), e.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) UpdateTransaction(ctx context.Context, txn *Transaction, expect TransactionStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, transfer_ref = $2, escrow_released_at = $3, escrow_released_by = $4,
			completed_at = $5, refunded_amount_cents = $6, refunded_at = $7, updated_at = $8
		WHERE id = $9 AND status = $10`,
		txn.Status, nullString(txn.TransferRef), nullTime(txn.EscrowReleasedAt),
		nullString(txn.EscrowReleasedBy), nullTime(txn.CompletedAt),
		txn.RefundedAmountCents, nullTime(txn.RefundedAt), txn.UpdatedAt,
		txn.ID, expect,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, txn.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check transaction: %w", err)
		}
		if !exists {
			return ErrTransactionNotFound
		}
		return ErrInvalidStatus
	}
	return nil
}

func (s *PostgresStore) listTransactions(ctx context.Context, query string, args ...any) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTransactionsByParty(ctx context.Context, partyID string) ([]*Transaction, error) {
	return s.listTransactions(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at DESC, id`,
		partyID)
}

func (s *PostgresStore) ListReleasableTransactions(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	return s.listTransactions(ctx,
		`SELECT `+txnColumns+` FROM transactions
		WHERE status = 'payment_held' AND escrow_release_date < $1
		ORDER BY escrow_release_date LIMIT $2`,
		before, limit)
}

func (s *PostgresStore) AppendTransactionEvent(ctx context.Context, event *TransactionEvent) error {
	if err := insertTransactionEvent(ctx, s.db, event); err != nil {
		return fmt.Errorf("append transaction event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTransactionEvents(ctx context.Context, txnID string) ([]*TransactionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, event_type, previous_status, new_status,
			amount_cents, triggered_by, notes, created_at
		FROM transaction_events WHERE transaction_id = $1 ORDER BY created_at, id`,
		txnID)
	if err != nil {
		return nil, fmt.Errorf("list transaction events: %w", err)
	}
	defer rows.Close()

	var out []*TransactionEvent
	for rows.Next() {
		var e TransactionEvent
		var prev, next, by, notes sql.NullString
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.EventType, &prev, &next,
			&e.AmountCents, &by, &notes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction event: %w", err)
		}
		e.PreviousStatus = TransactionStatus(prev.String)
		e.NewStatus = TransactionStatus(next.String)
		e.TriggeredBy = by.String
		e.Notes = notes.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

// isPendingRefundConflict detects the partial unique index guarding one
// pending refund request per transaction.
func isPendingRefundConflict(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "refund_requests_one_pending_per_txn"
}

func (s *PostgresStore) CreateRefundRequest(ctx context.Context, req *RefundRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refund_requests (id, transaction_id, requested_by, reason,
			amount_cents, status, processed_by, processed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		req.ID, req.TransactionID, req.RequestedBy, nullString(req.Reason),
		req.AmountCents, req.Status, nullString(req.ProcessedBy),
		nullTime(req.ProcessedAt), req.CreatedAt,
	)
	if isPendingRefundConflict(err) {
		return ErrPendingRefundExists
	}
	if err != nil {
		return fmt.Errorf("insert refund request: %w", err)
	}
	return nil
}

const refundColumns = `id, transaction_id, requested_by, reason, amount_cents,
	status, processed_by, processed_at, created_at`

func scanRefund(s scanner) (*RefundRequest, error) {
	var r RefundRequest
	var reason, processedBy sql.NullString
	var processedAt sql.NullTime

	err := s.Scan(&r.ID, &r.TransactionID, &r.RequestedBy, &reason, &r.AmountCents,
		&r.Status, &processedBy, &processedAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}

	r.Reason = reason.String
	r.ProcessedBy = processedBy.String
	if processedAt.Valid {
		v := processedAt.Time
		r.ProcessedAt = &v
	}
	return &r, nil
}

func (s *PostgresStore) GetRefundRequest(ctx context.Context, id string) (*RefundRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refund_requests WHERE id = $1`, id)
	r, err := scanRefund(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get refund request: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) GetPendingRefundRequest(ctx context.Context, txnID string) (*RefundRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+refundColumns+` FROM refund_requests WHERE transaction_id = $1 AND status = 'pending'`,
		txnID)
	r, err := scanRefund(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pending refund request: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ResolveRefundRequest(ctx context.Context, id string, status RefundStatus, by string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refund_requests
		SET status = $1, processed_by = $2, processed_at = $3
		WHERE id = $4 AND status = 'pending'`,
		status, nullString(by), at, id,
	)
	if err != nil {
		return fmt.Errorf("resolve refund request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM refund_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check refund request: %w", err)
		}
		if !exists {
			return ErrRefundNotFound
		}
		return ErrInvalidStatus
	}
	return nil
}

func (s *PostgresStore) ListRefundRequests(ctx context.Context, txnID string) ([]*RefundRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+refundColumns+` FROM refund_requests WHERE transaction_id = $1 ORDER BY created_at, id`,
		txnID)
	if err != nil {
		return nil, fmt.Errorf("list refund requests: %w", err)
	}
	defer rows.Close()

	var out []*RefundRequest
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, fmt.Errorf("scan refund request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
