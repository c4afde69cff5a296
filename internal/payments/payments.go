// Package payments talks to the payment authority: authorizations held for
// manual capture, payee transfers and refunds.
package payments

import (
	"context"

	"github.com/example/reservation-engine/internal/models"
)

// Authority is the external payment processor. Implementations must honour
// IdempotencyKey so that retried calls do not move money twice.
type Authority interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (string, error)
	Capture(ctx context.Context, intentID string) error
	Cancel(ctx context.Context, intentID string) error
	Transfer(ctx context.Context, req TransferRequest) (string, error)
	Refund(ctx context.Context, req RefundRequest) (string, error)
}

type AuthorizeRequest struct {
	Amount         models.Money
	CustomerID     string
	ReservationID  string
	IdempotencyKey string
}

type TransferRequest struct {
	Amount         models.Money
	Destination    string
	SettlementID   string
	IdempotencyKey string
}

type RefundRequest struct {
	IntentID       string
	Amount         models.Money
	IdempotencyKey string
}
