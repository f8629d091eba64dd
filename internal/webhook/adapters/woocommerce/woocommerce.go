package woocommerce

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/smallbiznis/orderledger/internal/webhook/adapters"
	"github.com/smallbiznis/orderledger/internal/webhook/domain"
)

const (
	ProviderName = "woocommerce"

	headerSignature  = "X-WC-Webhook-Signature"
	headerDeliveryID = "X-WC-Webhook-Delivery-ID"
	headerTopic      = "X-WC-Webhook-Topic"

	correlationKey = "order_session_id"
)

var paidStatuses = map[string]struct{}{
	"processing": {},
	"completed":  {},
}

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return ProviderName
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	secret := adapters.ReadSecret(cfg.Secrets, "webhook_secret")
	if secret == "" {
		return nil, domain.ErrInvalidConfig
	}
	return &Adapter{webhookSecret: secret}, nil
}

type Adapter struct {
	webhookSecret string
}

func (a *Adapter) Verify(ctx context.Context, in domain.Inbound) error {
	signature := strings.TrimSpace(in.Headers.Get(headerSignature))
	if signature == "" {
		return domain.ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write(in.Body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Payload(in domain.Inbound) ([]byte, error) {
	if len(in.Body) == 0 || !json.Valid(in.Body) {
		return nil, domain.ErrInvalidPayload
	}
	return in.Body, nil
}

func (a *Adapter) Fingerprint(in domain.Inbound, payload []byte) string {
	if id := strings.TrimSpace(in.Headers.Get(headerDeliveryID)); id != "" {
		return ProviderName + ":delivery:" + id
	}
	sum := sha256.Sum256(payload)
	return ProviderName + ":sha256:" + hex.EncodeToString(sum[:])
}

func (a *Adapter) Topic(in domain.Inbound, payload []byte) string {
	if topic := strings.TrimSpace(in.Headers.Get(headerTopic)); topic != "" {
		return topic
	}
	return "order.updated"
}

type order struct {
	ID       json.Number `json:"id"`
	Status   string      `json:"status"`
	Total    any         `json:"total"`
	Currency string      `json:"currency"`
	MetaData []metaEntry `json:"meta_data"`
}

type metaEntry struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.PaymentSignal, error) {
	var o order
	decoder := json.NewDecoder(strings.NewReader(string(payload)))
	decoder.UseNumber()
	if err := decoder.Decode(&o); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	var correlation string
	for _, meta := range o.MetaData {
		if strings.EqualFold(strings.TrimSpace(meta.Key), correlationKey) {
			correlation, _ = adapters.StringValue(meta.Value)
			break
		}
	}
	if correlation == "" {
		return nil, domain.ErrMissingCorrelation
	}

	status := strings.ToLower(strings.TrimSpace(o.Status))
	state := domain.PaidStateUnpaid
	if _, ok := paidStatuses[status]; ok {
		state = domain.PaidStatePaid
	}

	var amount int64
	if raw, ok := adapters.StringValue(o.Total); ok {
		amount, _ = adapters.ParseMajorToMinor(raw)
	}

	return &domain.PaymentSignal{
		Provider:          ProviderName,
		State:             state,
		CorrelationID:     correlation,
		ProviderReference: o.ID.String(),
		AmountMinor:       amount,
		Currency:          strings.ToUpper(strings.TrimSpace(o.Currency)),
		Status:            status,
		Evidence:          "status",
	}, nil
}
