package paylink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/smallbiznis/orderledger/internal/webhook/domain"
)

const maxStatusBody = 64 << 10

// PollStatus asks the provider for the payment status of an ambiguous
// callback. Without a base url or api key the signal is returned unchanged.
func (a *Adapter) PollStatus(ctx context.Context, signal *domain.PaymentSignal) (*domain.PaymentSignal, error) {
	if signal == nil || signal.State != domain.PaidStateAmbiguous {
		return signal, nil
	}
	if a.baseURL == "" || a.apiKey == "" {
		return signal, nil
	}
	paymentID := strings.TrimSpace(signal.ProviderReference)
	if paymentID == "" {
		paymentID = signal.CorrelationID
	}
	if paymentID == "" {
		return signal, nil
	}

	endpoint := a.baseURL + "/api/v1/payments/" + url.PathEscape(paymentID) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return signal, nil
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("paylink status returned %s", resp.Status)
	}

	fields := map[string]any{}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&fields); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if data, ok := fields["data"].(map[string]any); ok {
		fields = data
	}

	polled := Classify(fields)
	polled.CorrelationID = signal.CorrelationID
	if polled.ProviderReference == "" {
		polled.ProviderReference = signal.ProviderReference
	}
	if polled.AmountMinor == 0 {
		polled.AmountMinor = signal.AmountMinor
	}
	if polled.Currency == "" {
		polled.Currency = signal.Currency
	}
	if polled.Evidence != "" {
		polled.Evidence = "poll:" + polled.Evidence
	}
	return polled, nil
}
