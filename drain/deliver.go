package drain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/always-cache/offline-cache/queue"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Deliverer sends one record to the server.
type Deliverer interface {
	Deliver(ctx context.Context, rec queue.Record) error
}

type DelivererFunc func(ctx context.Context, rec queue.Record) error

func (f DelivererFunc) Deliver(ctx context.Context, rec queue.Record) error {
	return f(ctx, rec)
}

// DeliveryError reports a record the server did not accept.
type DeliveryError struct {
	ID         int64
	StatusCode int
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("record %d rejected with status %d", e.ID, e.StatusCode)
}

// HTTPDeliverer posts records as JSON to the collection endpoint.
type HTTPDeliverer struct {
	Endpoint string
	// Client defaults to http.DefaultClient.
	Client *http.Client
	// Extra headers sent with every delivery.
	Header http.Header
}

type payload struct {
	Title   string `json:"title"`
	Notes   string `json:"notes"`
	Created int64  `json:"created"`
}

func (h HTTPDeliverer) Deliver(ctx context.Context, rec queue.Record) error {
	body, err := json.Marshal(payload{
		Title:   rec.Title,
		Notes:   rec.Notes,
		Created: rec.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for name, values := range h.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &DeliveryError{ID: rec.ID, StatusCode: res.StatusCode}
	}
	return nil
}
