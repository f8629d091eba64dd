package woocommerce

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/smallbiznis/orderledger/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func newAdapter(t *testing.T) domain.Adapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(domain.AdapterConfig{Secrets: map[string]any{"webhook_secret": "wc_secret"}})
	require.NoError(t, err)
	return adapter
}

func TestNewAdapterRequiresSecret(t *testing.T) {
	_, err := NewFactory().NewAdapter(domain.AdapterConfig{})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestVerify(t *testing.T) {
	adapter := newAdapter(t)
	body := []byte(`{"id":1}`)

	headers := http.Header{}
	headers.Set("X-WC-Webhook-Signature", sign("wc_secret", body))
	require.NoError(t, adapter.Verify(context.Background(), domain.Inbound{Headers: headers, Body: body}))

	headers.Set("X-WC-Webhook-Signature", sign("other", body))
	assert.ErrorIs(t, adapter.Verify(context.Background(), domain.Inbound{Headers: headers, Body: body}), domain.ErrInvalidSignature)
	assert.ErrorIs(t, adapter.Verify(context.Background(), domain.Inbound{Headers: http.Header{}, Body: body}), domain.ErrInvalidSignature)
}

func TestFingerprintPrefersDeliveryID(t *testing.T) {
	adapter := newAdapter(t)
	body := []byte(`{"id":1}`)

	headers := http.Header{}
	headers.Set("X-WC-Webhook-Delivery-ID", "abc-1")
	assert.Equal(t, "woocommerce:delivery:abc-1", adapter.Fingerprint(domain.Inbound{Headers: headers}, body))

	a := adapter.Fingerprint(domain.Inbound{Headers: http.Header{}}, body)
	b := adapter.Fingerprint(domain.Inbound{Headers: http.Header{}}, []byte(`{"id":2}`))
	assert.Contains(t, a, "woocommerce:sha256:")
	assert.NotEqual(t, a, b)
}

func TestParse(t *testing.T) {
	adapter := newAdapter(t)
	cases := []struct {
		name  string
		body  string
		state domain.PaidState
		err   error
	}{
		{
			name:  "processing is paid",
			body:  `{"id":77,"status":"processing","total":"12.50","currency":"gbp","meta_data":[{"key":"order_session_id","value":"123"}]}`,
			state: domain.PaidStatePaid,
		},
		{
			name:  "completed is paid",
			body:  `{"id":77,"status":"completed","total":"12.50","meta_data":[{"key":"order_session_id","value":123}]}`,
			state: domain.PaidStatePaid,
		},
		{
			name:  "on-hold is unpaid",
			body:  `{"id":77,"status":"on-hold","meta_data":[{"key":"order_session_id","value":"123"}]}`,
			state: domain.PaidStateUnpaid,
		},
		{
			name: "missing correlation",
			body: `{"id":77,"status":"completed","meta_data":[]}`,
			err:  domain.ErrMissingCorrelation,
		},
		{
			name: "garbage",
			body: `[1,2`,
			err:  domain.ErrInvalidPayload,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			signal, err := adapter.Parse(context.Background(), []byte(tc.body))
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.state, signal.State)
			assert.Equal(t, "123", signal.CorrelationID)
			assert.Equal(t, "77", signal.ProviderReference)
		})
	}

	signal, err := adapter.Parse(context.Background(), []byte(`{"id":1,"status":"completed","total":"12.5","currency":"gbp","meta_data":[{"key":"order_session_id","value":"9"}]}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1250), signal.AmountMinor)
	assert.Equal(t, "GBP", signal.Currency)
}
