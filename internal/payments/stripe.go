package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
	"github.com/stripe/stripe-go/v74/transfer"
)

// StripeClient is a thin wrapper around stripe-go: PaymentIntents with
// manual capture for holds, Transfers for payouts, Refunds for cancellations.
type StripeClient struct {
	currency string
}

// NewStripeClient sets the global stripe key. Amounts are sent in the
// currency's minor unit.
func NewStripeClient(apiKey, currency string) *StripeClient {
	stripe.Key = apiKey
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeClient{currency: currency}
}

// Authorize creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(int64(req.Amount)),
		Currency: stripe.String(s.currency),
	}
	params.Context = ctx
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("reservation_id", req.ReservationID)
	params.AddMetadata("customer_id", req.CustomerID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, intentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(intentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, intentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(intentID, params)
	return err
}

// Transfer pays a connected account.
func (s *StripeClient) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(int64(req.Amount)),
		Currency:      stripe.String(s.currency),
		Destination:   stripe.String(req.Destination),
		TransferGroup: stripe.String(req.SettlementID),
	}
	params.Context = ctx
	params.AddMetadata("settlement_id", req.SettlementID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	tr, err := transfer.New(params)
	if err != nil {
		return "", err
	}
	return tr.ID, nil
}

// Refund returns captured funds; a zero amount refunds the whole charge.
func (s *StripeClient) Refund(ctx context.Context, req RefundRequest) (string, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(req.IntentID)}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(int64(req.Amount))
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	r, err := refund.New(params)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

var _ Authority = (*StripeClient)(nil)
