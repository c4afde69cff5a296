// Package paymentstest provides an in-memory payments.Authority for tests.
package paymentstest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/example/reservation-engine/internal/payments"
)

var ErrDeclined = errors.New("card declined")

// Fake records every call. Setting a Fail* field makes the matching call
// return ErrDeclined. Transfers are deduplicated by idempotency key.
type Fake struct {
	mu sync.Mutex

	FailAuthorize bool
	FailCapture   bool
	FailCancel    bool
	FailRefund    bool
	// FailTransferTo fails transfers to these destinations.
	FailTransferTo map[string]bool

	Authorized map[string]payments.AuthorizeRequest
	Captured   []string
	Cancelled  []string
	Transfers  map[string]payments.TransferRequest
	Refunds    []payments.RefundRequest
	seq        int
}

func New() *Fake {
	return &Fake{
		FailTransferTo: make(map[string]bool),
		Authorized:     make(map[string]payments.AuthorizeRequest),
		Transfers:      make(map[string]payments.TransferRequest),
	}
}

func (f *Fake) next(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func (f *Fake) Authorize(_ context.Context, req payments.AuthorizeRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAuthorize {
		return "", ErrDeclined
	}
	id := f.next("pi")
	f.Authorized[id] = req
	return id, nil
}

func (f *Fake) Capture(_ context.Context, intentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCapture {
		return ErrDeclined
	}
	f.Captured = append(f.Captured, intentID)
	return nil
}

func (f *Fake) Cancel(_ context.Context, intentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCancel {
		return ErrDeclined
	}
	f.Cancelled = append(f.Cancelled, intentID)
	return nil
}

// Transfer returns the same id for a repeated idempotency key.
func (f *Fake) Transfer(_ context.Context, req payments.TransferRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailTransferTo[req.Destination] {
		return "", ErrDeclined
	}
	for id, prev := range f.Transfers {
		if req.IdempotencyKey != "" && prev.IdempotencyKey == req.IdempotencyKey {
			return id, nil
		}
	}
	id := f.next("tr")
	f.Transfers[id] = req
	return id, nil
}

func (f *Fake) Refund(_ context.Context, req payments.RefundRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailRefund {
		return "", ErrDeclined
	}
	f.Refunds = append(f.Refunds, req)
	return f.next("re"), nil
}

// Counts returns captured, cancelled and transfer counts under the lock.
func (f *Fake) Counts() (captured, cancelled, transfers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Captured), len(f.Cancelled), len(f.Transfers)
}

var _ payments.Authority = (*Fake)(nil)
