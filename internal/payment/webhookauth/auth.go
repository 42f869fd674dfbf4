// Package webhookauth decides whether an inbound gateway callback or cron
// trigger may be processed.
package webhookauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
)

const (
	HeaderSecret     = "X-Webhook-Secret"
	HeaderSignature  = "X-Signature"
	HeaderCronSecret = "X-Cron-Secret"
	QuerySecret      = "secret"
)

const (
	ReasonOK               = "ok"
	ReasonMissingSecret    = "missing_secret"
	ReasonBadSecret        = "bad_secret"
	ReasonMissingSignature = "missing_signature"
	ReasonBadSignature     = "bad_signature"
	ReasonNotConfigured    = "not_configured"
	ReasonOpen             = "unauthenticated_allowed"
)

type Config struct {
	SharedSecret           string
	HMACSecret             string
	Production             bool
	FailClosedInProduction bool
}

type Result struct {
	Authorized bool   `json:"authorized"`
	Reason     string `json:"reason"`
}

// Verify checks body against the configured secrets. Every configured check
// must pass. With nothing configured the request is only allowed outside a
// fail-closed production deployment.
func Verify(cfg Config, body []byte, headers http.Header, query url.Values) Result {
	shared := strings.TrimSpace(cfg.SharedSecret)
	hmacSecret := strings.TrimSpace(cfg.HMACSecret)

	if shared == "" && hmacSecret == "" {
		if cfg.Production && cfg.FailClosedInProduction {
			return Result{Reason: ReasonNotConfigured}
		}
		return Result{Authorized: true, Reason: ReasonOpen}
	}

	if shared != "" {
		presented := strings.TrimSpace(headers.Get(HeaderSecret))
		if presented == "" {
			presented = strings.TrimSpace(query.Get(QuerySecret))
		}
		if presented == "" {
			return Result{Reason: ReasonMissingSecret}
		}
		if !equal(presented, shared) {
			return Result{Reason: ReasonBadSecret}
		}
	}

	if hmacSecret != "" {
		signature := strings.TrimSpace(headers.Get(HeaderSignature))
		signature = strings.TrimPrefix(signature, "sha256=")
		if signature == "" {
			return Result{Reason: ReasonMissingSignature}
		}
		if !validSignature(hmacSecret, body, signature) {
			return Result{Reason: ReasonBadSignature}
		}
	}

	return Result{Authorized: true, Reason: ReasonOK}
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if decoded, err := hex.DecodeString(signature); err == nil && hmac.Equal(decoded, expected) {
		return true
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if decoded, err := enc.DecodeString(signature); err == nil && hmac.Equal(decoded, expected) {
			return true
		}
	}
	return false
}

// VerifyCronSecret accepts X-Cron-Secret, a bearer token or ?secret=. An
// unconfigured secret denies in production and allows elsewhere.
func VerifyCronSecret(secret string, production bool, headers http.Header, query url.Values) Result {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		if production {
			return Result{Reason: ReasonNotConfigured}
		}
		return Result{Authorized: true, Reason: ReasonOpen}
	}

	presented := strings.TrimSpace(headers.Get(HeaderCronSecret))
	if presented == "" {
		auth := strings.TrimSpace(headers.Get("Authorization"))
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			presented = strings.TrimSpace(auth[7:])
		}
	}
	if presented == "" {
		presented = strings.TrimSpace(query.Get(QuerySecret))
	}
	if presented == "" {
		return Result{Reason: ReasonMissingSecret}
	}
	if !equal(presented, secret) {
		return Result{Reason: ReasonBadSecret}
	}
	return Result{Authorized: true, Reason: ReasonOK}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
