package notify

import (
	"sort"
	"strings"
	"unicode"
)

const maskToken = "****"

var (
	sensitiveFragments = []string{"password", "secret", "token"}
	sensitiveWords     = map[string]struct{}{"pass": {}, "passcode": {}, "pin": {}, "otp": {}, "2fa": {}, "recovery": {}}
)

// MaskAnswers redacts answers for sensitive product fields and for keys that
// look like credentials.
func MaskAnswers(answers map[string]string, sensitive map[string]struct{}) map[string]string {
	if len(answers) == 0 {
		return nil
	}
	out := make(map[string]string, len(answers))
	for key, value := range answers {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		if isSensitive(trimmedKey, sensitive) {
			out[trimmedKey] = MaskSecret(value)
			continue
		}
		out[trimmedKey] = strings.TrimSpace(value)
	}
	return out
}

// MaskSecret hides a value entirely. Empty values stay empty.
func MaskSecret(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return maskToken
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return MaskSecret(email)
	}
	return email[:1] + maskToken + email[at:]
}

func isSensitive(key string, sensitive map[string]struct{}) bool {
	lower := strings.ToLower(key)
	if _, ok := sensitive[lower]; ok {
		return true
	}
	for _, fragment := range sensitiveFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	for _, word := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if _, ok := sensitiveWords[word]; ok {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
