package masking

import "strings"

const maskToken = "****"

// MaskSecret redacts a secret while keeping a minimal suffix for auditing.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}

	return prefix + maskToken + remainder[len(remainder)-4:]
}

// MaskPhone keeps the network prefix and the last three digits.
// 0712345678 becomes 071****678.
func MaskPhone(value string) string {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) <= 6 {
		return maskToken
	}
	return trimmed[:3] + maskToken + trimmed[len(trimmed)-3:]
}

var phoneKeys = map[string]struct{}{
	"phone":  {},
	"msisdn": {},
}

var secretKeys = map[string]struct{}{
	"password": {},
	"secret":   {},
	"token":    {},
	"passkey":  {},
}

// MaskMetadata returns a copy of input with phone numbers and secrets masked.
// Other values are kept as is.
func MaskMetadata(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}

	masked := make(map[string]any, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		masked[trimmedKey] = maskField(strings.ToLower(trimmedKey), value)
	}

	if len(masked) == 0 {
		return nil
	}
	return masked
}

func maskField(key string, value any) any {
	switch cast := value.(type) {
	case string:
		if _, ok := phoneKeys[key]; ok {
			return MaskPhone(cast)
		}
		if _, ok := secretKeys[key]; ok {
			return MaskSecret(cast)
		}
		return cast
	case map[string]any:
		return MaskMetadata(cast)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskField(key, item))
		}
		return out
	default:
		return value
	}
}

func splitPrefix(value string) (string, string) {
	lastUnderscore := strings.LastIndex(value, "_")
	if lastUnderscore == -1 || lastUnderscore == len(value)-1 {
		return "", value
	}
	return value[:lastUnderscore+1], value[lastUnderscore+1:]
}
