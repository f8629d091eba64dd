package adapters

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ParseMajorToMinor converts a decimal major amount such as "12.5" into minor units.
func ParseMajorToMinor(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	negative := strings.HasPrefix(raw, "-")
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "-"), "+")

	whole, frac, _ := strings.Cut(raw, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, false
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, false
	}
	minor := w*100 + f
	if negative {
		minor = -minor
	}
	return minor, true
}

// StringValue renders scalar JSON values as strings.
func StringValue(v any) (string, bool) {
	switch cast := v.(type) {
	case string:
		return strings.TrimSpace(cast), true
	case json.Number:
		return cast.String(), true
	case float64:
		return strconv.FormatFloat(cast, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(cast), true
	case int64:
		return strconv.FormatInt(cast, 10), true
	case int:
		return strconv.Itoa(cast), true
	default:
		return "", false
	}
}

func ReadSecret(secrets map[string]any, key string) string {
	if secrets == nil {
		return ""
	}
	value, ok := secrets[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}
