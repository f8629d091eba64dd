package tracing

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

var blockedAttributeKeys = []string{"email", "token", "secret", "signature", "password"}

// ExtractContext restores an upstream trace context from carrier headers.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// SafeAttributes drops attributes whose keys look like personal data or secrets.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		key := strings.ToLower(string(attr.Key))
		blocked := false
		for _, needle := range blockedAttributeKeys {
			if strings.Contains(key, needle) {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, attr)
		}
	}
	return out
}

// SafeError reduces an error to its message so wrapped payloads are not exported.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(err.Error())
}
