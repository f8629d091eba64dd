package paylink

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/smallbiznis/orderledger/internal/webhook/adapters"
	"github.com/smallbiznis/orderledger/internal/webhook/domain"
)

var (
	correlationFields  = []string{"order_session_id", "reference", "order_id"}
	statusFields       = []string{"status", "payment_status", "state"}
	confirmationFields = []string{"paid", "is_paid", "confirmed", "payment_confirmed"}
	transactionFields  = []string{"transaction_id", "txn_id", "charge_id"}
	referenceFields    = []string{"payment_id", "id", "transaction_id", "txn_id"}
	amountMinorFields  = []string{"amount_minor", "amount_paid_minor"}
	amountMajorFields  = []string{"amount_paid", "paid_amount", "amount"}
)

var (
	paidStatuses = map[string]struct{}{
		"paid": {}, "succeeded": {}, "success": {}, "successful": {}, "completed": {},
		"complete": {}, "captured": {}, "settled": {}, "confirmed": {},
	}
	unpaidStatuses = map[string]struct{}{
		"pending": {}, "unpaid": {}, "failed": {}, "failure": {}, "cancelled": {}, "canceled": {},
		"expired": {}, "declined": {}, "refunded": {}, "voided": {}, "void": {}, "abandoned": {},
	}
)

// Classify decides whether a callback proves payment. An explicit status
// string wins, then a confirmation flag, then a transaction id with a
// positive amount. Anything else is ambiguous.
func Classify(fields map[string]any) *domain.PaymentSignal {
	signal := &domain.PaymentSignal{
		Provider:          ProviderName,
		State:             domain.PaidStateAmbiguous,
		ProviderReference: firstString(fields, referenceFields...),
		Currency:          strings.ToUpper(firstString(fields, "currency")),
	}
	signal.AmountMinor = amountMinor(fields)

	for _, key := range statusFields {
		status, ok := adapters.StringValue(fields[key])
		if !ok || status == "" {
			continue
		}
		status = strings.ToLower(status)
		if _, paid := paidStatuses[status]; paid {
			signal.State = domain.PaidStatePaid
			signal.Status = status
			signal.Evidence = key
			return signal
		}
		if _, unpaid := unpaidStatuses[status]; unpaid {
			signal.State = domain.PaidStateUnpaid
			signal.Status = status
			signal.Evidence = key
			return signal
		}
		if signal.Status == "" {
			signal.Status = status
		}
	}

	for _, key := range confirmationFields {
		if truthy(fields[key]) {
			signal.State = domain.PaidStatePaid
			signal.Evidence = key
			return signal
		}
	}

	if txn := firstString(fields, transactionFields...); txn != "" && signal.AmountMinor > 0 {
		signal.State = domain.PaidStatePaid
		signal.Evidence = "transaction_id"
		if signal.ProviderReference == "" {
			signal.ProviderReference = txn
		}
		return signal
	}
	return signal
}

func amountMinor(fields map[string]any) int64 {
	for _, key := range amountMinorFields {
		if raw, ok := adapters.StringValue(fields[key]); ok && raw != "" {
			if minor, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return minor
			}
		}
	}
	for _, key := range amountMajorFields {
		if raw, ok := adapters.StringValue(fields[key]); ok && raw != "" {
			if minor, ok := adapters.ParseMajorToMinor(raw); ok {
				return minor
			}
		}
	}
	return 0
}

func truthy(v any) bool {
	switch cast := v.(type) {
	case bool:
		return cast
	case json.Number:
		n, err := cast.Int64()
		return err == nil && n > 0
	case float64:
		return cast > 0
	case string:
		switch strings.ToLower(strings.TrimSpace(cast)) {
		case "true", "1", "yes", "y", "on":
			return true
		}
	}
	return false
}

func firstString(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := adapters.StringValue(fields[key]); ok && value != "" {
			return value
		}
	}
	return ""
}
