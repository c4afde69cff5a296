package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/reservation-engine/internal/events"
)

// Webhook posts events as JSON to an alerting endpoint. Only the listed
// types are sent; an empty list sends everything.
type Webhook struct {
	Endpoint string
	Client   *http.Client
	types    map[events.Type]bool
}

func NewWebhook(endpoint string, only ...events.Type) *Webhook {
	w := &Webhook{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
	if len(only) > 0 {
		w.types = make(map[events.Type]bool, len(only))
		for _, t := range only {
			w.types[t] = true
		}
	}
	return w
}

func (w *Webhook) Notify(ctx context.Context, ev events.Event) error {
	if w.types != nil && !w.types[ev.Type] {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook %s: status %d", ev.Type, resp.StatusCode)
	}
	return nil
}
