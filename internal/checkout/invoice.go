// Package checkout turns departed entities into invoice submissions and keeps
// failed submissions in a durable retry queue.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/banshee-data/tablepick/internal/cart"
	"github.com/banshee-data/tablepick/internal/httputil"
)

var (
	// ErrFlushFailed wraps every failed invoice submission.
	ErrFlushFailed = errors.New("invoice submission failed")
	// ErrUnlinked marks a departure with items but no identity.
	ErrUnlinked = errors.New("unlinked checkout")
	// ErrInvalidInvoice is returned for requests the backend would refuse.
	ErrInvalidInvoice = errors.New("invalid invoice")
)

// InvoiceRequest is the body posted to the invoicing service.
type InvoiceRequest struct {
	UserID string          `json:"user_id"`
	Items  []cart.LineItem `json:"items"`
}

// BuildInvoice returns the request for userID with one entry per ledger
// line, unmerged. It fails when there is nothing to bill.
func BuildInvoice(userID string, items []cart.LineItem) (InvoiceRequest, error) {
	req := InvoiceRequest{UserID: userID, Items: append([]cart.LineItem(nil), items...)}
	if err := req.Validate(); err != nil {
		return InvoiceRequest{}, err
	}
	return req, nil
}

// Validate checks the constraints the invoicing service enforces.
func (r InvoiceRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidInvoice)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidInvoice)
	}
	for _, it := range r.Items {
		if it.Name == "" || it.Quantity <= 0 {
			return fmt.Errorf("%w: bad item %+v", ErrInvalidInvoice, it)
		}
	}
	return nil
}

// TotalQuantity sums item quantities.
func (r InvoiceRequest) TotalQuantity() int {
	n := 0
	for _, it := range r.Items {
		n += it.Quantity
	}
	return n
}

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("invoice service returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether err is worth submitting again later. Client
// errors other than 408 and 429 are final.
func Retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		if se.StatusCode == http.StatusRequestTimeout || se.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return se.StatusCode >= 500
	}
	return err != nil
}

// Client posts invoices to the invoicing service.
type Client struct {
	http httputil.HTTPClient
	url  string
}

// NewClient returns a Client posting to url.
func NewClient(c httputil.HTTPClient, url string) *Client {
	return &Client{http: c, url: url}
}

// Submit posts req once. key is sent as Idempotency-Key so a resubmission
// of the same flush is recognisable by the service.
func (c *Client) Submit(ctx context.Context, key string, req InvoiceRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFlushFailed, err)
	}
	status, respBody, err := httputil.Post(ctx, c.http, c.url, "application/json", body,
		http.Header{"Idempotency-Key": {key}})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFlushFailed, err)
	}
	if !httputil.IsSuccess(status) {
		return fmt.Errorf("%w: %w", ErrFlushFailed, &StatusError{StatusCode: status, Body: truncate(string(respBody), 200)})
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
