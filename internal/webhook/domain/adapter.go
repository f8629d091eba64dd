package domain

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
)

type AdapterConfig struct {
	TenantID      snowflake.ID
	IntegrationID snowflake.ID
	Provider      string
	BaseURL       string
	Secrets       map[string]any
	HTTPClient    *http.Client
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}

// Adapter understands one provider's callback format.
type Adapter interface {
	Verify(ctx context.Context, in Inbound) error
	// Payload returns the JSON document persisted for the delivery.
	Payload(in Inbound) ([]byte, error)
	Fingerprint(in Inbound, payload []byte) string
	Topic(in Inbound, payload []byte) string
	Parse(ctx context.Context, payload []byte) (*PaymentSignal, error)
}

// StatusPoller is implemented by adapters that can confirm an ambiguous signal.
type StatusPoller interface {
	PollStatus(ctx context.Context, signal *PaymentSignal) (*PaymentSignal, error)
}
