package tracing

import (
	"errors"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

var blockedAttributeKeys = map[attribute.Key]struct{}{
	"phone":           {},
	"msisdn":          {},
	"authorization":   {},
	"password":        {},
	"secret":          {},
	"http.url":        {},
	"http.target":     {},
	"mpesa.passkey":   {},
	"webhook.payload": {},
}

// SafeAttributes drops keys that may carry customer or credential data.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, blocked := blockedAttributeKeys[attr.Key]; blocked {
			continue
		}
		out = append(out, attr)
	}
	return out
}

var phonePattern = regexp.MustCompile(`(?:\+?254|0)[17]\d{8}`)

// SafeError returns an error whose message has phone numbers redacted.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return nil
	}
	return errors.New(phonePattern.ReplaceAllString(msg, "[phone]"))
}
