package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Callback status values from the payment gateway.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Payload is the callback body the gateway posts after attempting payment.
// Amount is in minor units (cents).
type Payload struct {
	OrderID          string                 `json:"order_id"`
	Status           string                 `json:"status"`
	PaymentReference string                 `json:"payment_reference"`
	AmountCents      int64                  `json:"amount"`
	Currency         string                 `json:"currency"`
	Timestamp        string                 `json:"timestamp"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// ParsePayload decodes and validates a callback body.
func ParsePayload(body []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}

	if _, err := uuid.Parse(p.OrderID); err != nil {
		return nil, fmt.Errorf("invalid order_id %q", p.OrderID)
	}
	if p.Status != StatusSuccess && p.Status != StatusFailed {
		return nil, fmt.Errorf("invalid status %q", p.Status)
	}
	if p.PaymentReference == "" {
		return nil, fmt.Errorf("missing payment_reference")
	}
	if p.AmountCents <= 0 {
		return nil, fmt.Errorf("invalid amount %d", p.AmountCents)
	}
	if p.Currency == "" {
		return nil, fmt.Errorf("missing currency")
	}
	if _, err := time.Parse(time.RFC3339, p.Timestamp); err != nil {
		return nil, fmt.Errorf("invalid timestamp %q", p.Timestamp)
	}

	return &p, nil
}
