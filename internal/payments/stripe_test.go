package payments

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v74"
)

type captured struct {
	path        string
	form        url.Values
	idempotency string
}

func stubStripe(t *testing.T, body string) *captured {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.path = r.URL.Path
		got.form, _ = url.ParseQuery(string(b))
		got.idempotency = r.Header.Get("Idempotency-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}))
	t.Cleanup(func() { stripe.SetBackend(stripe.APIBackend, nil) })
	return got
}

func TestStripeAuthorizeHoldsForManualCapture(t *testing.T) {
	got := stubStripe(t, `{"id":"pi_123","object":"payment_intent","status":"requires_capture"}`)
	c := NewStripeClient("sk_test_123", "usd")

	id, err := c.Authorize(context.Background(), AuthorizeRequest{Amount: 230000, ReservationID: "r1", IdempotencyKey: "hold:r1"})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", id)
	assert.Equal(t, "/v1/payment_intents", got.path)
	assert.Equal(t, "manual", got.form.Get("capture_method"))
	assert.Equal(t, "230000", got.form.Get("amount"))
	assert.Equal(t, "usd", got.form.Get("currency"))
	assert.Equal(t, "r1", got.form.Get("metadata[reservation_id]"))
	assert.Equal(t, "hold:r1", got.idempotency)
}

func TestStripeTransferCarriesIdempotencyKey(t *testing.T) {
	got := stubStripe(t, `{"id":"tr_9","object":"transfer"}`)
	c := NewStripeClient("sk_test_123", "usd")

	id, err := c.Transfer(context.Background(), TransferRequest{Amount: 8501, Destination: "acct_1", SettlementID: "s1", IdempotencyKey: "settlement:s1:operator:op-1"})
	require.NoError(t, err)
	assert.Equal(t, "tr_9", id)
	assert.Equal(t, "/v1/transfers", got.path)
	assert.Equal(t, "acct_1", got.form.Get("destination"))
	assert.Equal(t, "8501", got.form.Get("amount"))
	assert.Equal(t, "settlement:s1:operator:op-1", got.idempotency)
}
