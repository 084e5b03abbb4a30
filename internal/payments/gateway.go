// Package payments defines the money-movement contract between the
// escrow engine and the payment processor, plus the Stripe
// implementation of it.
package payments

import (
	"context"
	"errors"
	"fmt"
)

// Gateway moves money. All calls are idempotent on the caller-supplied
// key: retrying with the same key must not move money twice.
type Gateway interface {
	// ConfirmHold captures the buyer's authorized payment into the
	// platform's escrow balance.
	ConfirmHold(ctx context.Context, paymentRef, idempotencyKey string) error

	// Transfer pays amountCents from escrow to the destination account
	// and returns the processor's transfer reference.
	Transfer(ctx context.Context, destination string, amountCents int64, idempotencyKey string) (string, error)

	// Refund returns amountCents of the captured payment to the buyer
	// and returns the processor's refund reference.
	Refund(ctx context.Context, paymentRef string, amountCents int64, idempotencyKey string) (string, error)
}

// Error classifies a gateway failure. Retryable failures (timeouts,
// processor 5xx) are safe to retry with the same idempotency key;
// permanent ones (declined, invalid request) are not.
type Error struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("gateway %s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a retryable gateway failure.
func IsRetryable(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Retryable
}

// IsGatewayError reports whether err originated at the gateway.
func IsGatewayError(err error) bool {
	var ge *Error
	return errors.As(err, &ge)
}
