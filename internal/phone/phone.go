// Package phone normalises Kenyan mobile numbers. The canonical stored form is
// the 10-digit local number (07XXXXXXXX or 01XXXXXXXX); the gateway expects
// the 12-digit international form without a plus sign.
package phone

import (
	"errors"
	"strings"
)

var ErrInvalidPhone = errors.New("invalid_phone")

const countryCode = "254"

// Normalize accepts 07.., 01.., 7.., 1.., 2547.., +2547.. with spaces, dashes
// or parentheses and returns the local 10-digit form.
func Normalize(raw string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9':
			return r
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			return -1
		case r == '+':
			return -1
		default:
			return 'x'
		}
	}, strings.TrimSpace(raw))
	if strings.ContainsRune(digits, 'x') {
		return "", ErrInvalidPhone
	}
	if strings.Count(raw, "+") > 1 || (strings.Contains(raw, "+") && !strings.HasPrefix(strings.TrimSpace(raw), "+")) {
		return "", ErrInvalidPhone
	}

	var subscriber string
	switch {
	case len(digits) == 12 && strings.HasPrefix(digits, countryCode):
		subscriber = digits[3:]
	case len(digits) == 10 && digits[0] == '0':
		subscriber = digits[1:]
	case len(digits) == 9:
		subscriber = digits
	default:
		return "", ErrInvalidPhone
	}

	if subscriber[0] != '7' && subscriber[0] != '1' {
		return "", ErrInvalidPhone
	}
	return "0" + subscriber, nil
}

// ToGateway converts any accepted input to 2547XXXXXXXX / 2541XXXXXXXX.
func ToGateway(raw string) (string, error) {
	local, err := Normalize(raw)
	if err != nil {
		return "", err
	}
	return countryCode + local[1:], nil
}

// FromGateway converts a gateway MSISDN back to the canonical local form.
func FromGateway(msisdn string) (string, error) {
	return Normalize(msisdn)
}

// Equal reports whether two inputs normalise to the same number.
func Equal(a, b string) bool {
	na, errA := Normalize(a)
	nb, errB := Normalize(b)
	return errA == nil && errB == nil && na == nb
}
