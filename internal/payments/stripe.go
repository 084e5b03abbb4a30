package payments

import (
	"context"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/paddockmarket/paddock/internal/metrics"
)

// StripeGateway implements Gateway on Stripe: captures map to
// PaymentIntent captures, payouts to Transfers, refunds to Refunds.
// Every call carries the caller's idempotency key and a bounded
// deadline.
type StripeGateway struct {
	sc      *client.API
	timeout time.Duration
}

// NewStripeGateway creates a gateway using the given secret key.
func NewStripeGateway(apiKey string, timeout time.Duration) *StripeGateway {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &StripeGateway{sc: sc, timeout: timeout}
}

var _ Gateway = (*StripeGateway)(nil)

func (g *StripeGateway) ConfirmHold(ctx context.Context, paymentRef, idempotencyKey string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	_, err := g.sc.PaymentIntents.Capture(paymentRef, params)
	if err != nil {
		metrics.GatewayCallsTotal.WithLabelValues("confirm_hold", "error").Inc()
		return classify("confirm_hold", err)
	}
	metrics.GatewayCallsTotal.WithLabelValues("confirm_hold", "ok").Inc()
	return nil
}

func (g *StripeGateway) Transfer(ctx context.Context, destination string, amountCents int64, idempotencyKey string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amountCents),
		Currency:    stripe.String(string(stripe.CurrencyUSD)),
		Destination: stripe.String(destination),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	tr, err := g.sc.Transfers.New(params)
	if err != nil {
		metrics.GatewayCallsTotal.WithLabelValues("transfer", "error").Inc()
		return "", classify("transfer", err)
	}
	metrics.GatewayCallsTotal.WithLabelValues("transfer", "ok").Inc()
	return tr.ID, nil
}

func (g *StripeGateway) Refund(ctx context.Context, paymentRef string, amountCents int64, idempotencyKey string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentRef),
		Amount:        stripe.Int64(amountCents),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	rf, err := g.sc.Refunds.New(params)
	if err != nil {
		metrics.GatewayCallsTotal.WithLabelValues("refund", "error").Inc()
		return "", classify("refund", err)
	}
	metrics.GatewayCallsTotal.WithLabelValues("refund", "ok").Inc()
	return rf.ID, nil
}

// classify maps a Stripe error to a Gateway error. Declines and
// malformed requests are permanent; processor faults, rate limits, and
// network trouble are retryable with the same idempotency key.
func classify(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch se.Type {
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest, stripe.ErrorTypeIdempotency:
			return &Error{Op: op, Retryable: false, Err: err}
		}
		if se.HTTPStatusCode == 429 || se.HTTPStatusCode >= 500 {
			return &Error{Op: op, Retryable: true, Err: err}
		}
		return &Error{Op: op, Retryable: false, Err: err}
	}
	// Timeouts and transport failures never confirm the operation
	// either way, so they are safe to retry.
	return &Error{Op: op, Retryable: true, Err: err}
}
