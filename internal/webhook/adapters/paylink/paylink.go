package paylink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	obstracing "github.com/smallbiznis/orderledger/internal/observability/tracing"
	"github.com/smallbiznis/orderledger/internal/webhook/adapters"
	"github.com/smallbiznis/orderledger/internal/webhook/domain"
)

const (
	ProviderName = "paylink"

	headerToken        = "X-Paylink-Token"
	tokenField         = "token"
	defaultPollTimeout = 10 * time.Second
)

// fingerprintFields are the payload fields that identify a delivery.
var fingerprintFields = []string{
	"order_session_id", "reference", "order_id",
	"payment_id", "id", "transaction_id", "txn_id",
	"status", "payment_status", "amount", "amount_paid", "paid", "confirmed",
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
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultPollTimeout}
	}
	return &Adapter{
		webhookSecret: secret,
		apiKey:        adapters.ReadSecret(cfg.Secrets, "api_key"),
		baseURL:       strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		httpClient:    obstracing.WrapHTTPClient(client),
	}, nil
}

type Adapter struct {
	webhookSecret string
	apiKey        string
	baseURL       string
	httpClient    *http.Client
}

func (a *Adapter) Verify(ctx context.Context, in domain.Inbound) error {
	token := strings.TrimSpace(in.Query.Get(tokenField))
	if token == "" {
		token = strings.TrimSpace(in.Headers.Get(headerToken))
	}
	if token == "" {
		if fields, err := decodeFields(in); err == nil {
			token, _ = adapters.StringValue(fields[tokenField])
		}
	}
	if token == "" {
		return domain.ErrInvalidSignature
	}
	if !hmac.Equal([]byte(token), []byte(a.webhookSecret)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// Payload merges query and body fields into one JSON object without the token.
func (a *Adapter) Payload(in domain.Inbound) ([]byte, error) {
	fields, err := decodeFields(in)
	if err != nil {
		return nil, err
	}
	delete(fields, tokenField)
	if len(fields) == 0 {
		return nil, domain.ErrInvalidPayload
	}
	return json.Marshal(fields)
}

func (a *Adapter) Fingerprint(in domain.Inbound, payload []byte) string {
	fields := map[string]any{}
	_ = json.Unmarshal(payload, &fields)

	parts := make([]string, 0, len(fingerprintFields))
	for _, key := range fingerprintFields {
		value, ok := adapters.StringValue(fields[key])
		if !ok || value == "" {
			continue
		}
		parts = append(parts, key+"="+strings.ToLower(value))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "&")))
	return ProviderName + ":" + hex.EncodeToString(sum[:])
}

func (a *Adapter) Topic(in domain.Inbound, payload []byte) string {
	fields := map[string]any{}
	_ = json.Unmarshal(payload, &fields)
	for _, key := range statusFields {
		if status, ok := adapters.StringValue(fields[key]); ok && status != "" {
			return "payment." + strings.ToLower(status)
		}
	}
	return "payment.callback"
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.PaymentSignal, error) {
	fields := map[string]any{}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(&fields); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	correlation := firstString(fields, correlationFields...)
	if correlation == "" {
		if metadata, ok := fields["metadata"].(map[string]any); ok {
			correlation = firstString(metadata, correlationFields...)
		}
	}
	if correlation == "" {
		return nil, domain.ErrMissingCorrelation
	}

	signal := Classify(fields)
	signal.CorrelationID = correlation
	return signal, nil
}

func decodeFields(in domain.Inbound) (map[string]any, error) {
	fields := map[string]any{}
	body := bytes.TrimSpace(in.Body)
	if len(body) > 0 {
		if body[0] == '{' {
			decoder := json.NewDecoder(bytes.NewReader(body))
			decoder.UseNumber()
			if err := decoder.Decode(&fields); err != nil {
				return nil, domain.ErrInvalidPayload
			}
		} else {
			form, err := url.ParseQuery(string(body))
			if err != nil {
				return nil, domain.ErrInvalidPayload
			}
			for key, values := range form {
				if len(values) > 0 {
					fields[key] = values[0]
				}
			}
		}
	}
	for key, values := range in.Query {
		if _, exists := fields[key]; exists || len(values) == 0 {
			continue
		}
		fields[key] = values[0]
	}
	return fields, nil
}
