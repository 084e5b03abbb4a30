package payments

import (
	"context"
	"fmt"
	"sync"
)

// FakeCall records one gateway invocation.
type FakeCall struct {
	Op          string
	Ref         string
	Destination string
	AmountCents int64
	Key         string
}

// Fake is an in-memory Gateway for tests. It records every call and
// deduplicates on idempotency key the way a real processor does.
type Fake struct {
	mu    sync.Mutex
	calls []FakeCall
	seen  map[string]string // idempotency key → returned ref

	// Errors to inject, by op. Consumed once per entry.
	failures map[string][]error

	refSeq int
}

// NewFake creates an empty fake gateway.
func NewFake() *Fake {
	return &Fake{
		seen:     make(map[string]string),
		failures: make(map[string][]error),
	}
}

var _ Gateway = (*Fake)(nil)

// FailNext queues err to be returned by the next call to op.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// Calls returns a copy of all recorded calls.
func (f *Fake) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall(nil), f.calls...)
}

// CallsFor returns recorded calls for one op.
func (f *Fake) CallsFor(op string) []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []FakeCall
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) takeFailure(op string) error {
	if errs := f.failures[op]; len(errs) > 0 {
		f.failures[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (f *Fake) ConfirmHold(ctx context.Context, paymentRef, idempotencyKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, dup := f.seen[idempotencyKey]; dup {
		return nil
	}
	if err := f.takeFailure("confirm_hold"); err != nil {
		return err
	}
	f.seen[idempotencyKey] = paymentRef
	f.calls = append(f.calls, FakeCall{Op: "confirm_hold", Ref: paymentRef, Key: idempotencyKey})
	return nil
}

func (f *Fake) Transfer(ctx context.Context, destination string, amountCents int64, idempotencyKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ref, dup := f.seen[idempotencyKey]; dup {
		return ref, nil
	}
	if err := f.takeFailure("transfer"); err != nil {
		return "", err
	}
	f.refSeq++
	ref := fmt.Sprintf("fake_tr_%d", f.refSeq)
	f.seen[idempotencyKey] = ref
	f.calls = append(f.calls, FakeCall{Op: "transfer", Destination: destination, AmountCents: amountCents, Key: idempotencyKey})
	return ref, nil
}

func (f *Fake) Refund(ctx context.Context, paymentRef string, amountCents int64, idempotencyKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ref, dup := f.seen[idempotencyKey]; dup {
		return ref, nil
	}
	if err := f.takeFailure("refund"); err != nil {
		return "", err
	}
	f.refSeq++
	ref := fmt.Sprintf("fake_re_%d", f.refSeq)
	f.seen[idempotencyKey] = ref
	f.calls = append(f.calls, FakeCall{Op: "refund", Ref: paymentRef, AmountCents: amountCents, Key: idempotencyKey})
	return ref, nil
}
