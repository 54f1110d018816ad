// Package identity canonicalizes contact addresses so that every
// representation of the same phone number (formatted, bare digits,
// WhatsApp JID) resolves to a single comparable key.
package identity

import (
	"errors"
	"strings"
)

var (
	// ErrEmpty is returned when the raw input contains no digits.
	ErrEmpty = errors.New("identity: empty input")
	// ErrInvalidLength is returned when the normalized number falls outside [10,15] digits.
	ErrInvalidLength = errors.New("identity: invalid length")
)

const (
	minDigits = 10
	maxDigits = 15

	// matchKeyDigits is the number of trailing digits used for duplicate
	// matching. Eleven digits absorb an optional country code or the
	// Brazilian ninth mobile digit, which is the ambiguity this system
	// actually sees in production traffic.
	matchKeyDigits = 11
)

// Canonical is the single normalized representation of a contact address.
type Canonical string

// String returns the canonical identity as a plain string.
func (c Canonical) String() string {
	return string(c)
}

// jidSuffixes are WhatsApp JID domains stripped before digit extraction.
var jidSuffixes = []string{
	"@s.whatsapp.net",
	"@c.us",
	"@g.us",
	"@lid",
}

// Normalize canonicalizes a raw phone representation. The default country
// code is prepended only when the digit string does not already carry it,
// so re-normalizing a canonical identity returns the same value.
func Normalize(raw string, defaultCountryCode string) (Canonical, error) {
	stripped := StripJID(raw)
	digits := digitsOnly(stripped)
	if digits == "" {
		return "", ErrEmpty
	}
	cc := digitsOnly(defaultCountryCode)
	if cc != "" && !strings.HasPrefix(digits, cc) {
		digits = cc + digits
	}
	if len(digits) < minDigits || len(digits) > maxDigits {
		return "", ErrInvalidLength
	}
	return Canonical(digits), nil
}

// MatchKey returns the loose comparison key for an identity: its last
// eleven significant digits. Identities that differ only by a leading
// country code or carrier digit collide into the same bucket.
func MatchKey(c Canonical) string {
	digits := string(c)
	if len(digits) <= matchKeyDigits {
		return digits
	}
	return digits[len(digits)-matchKeyDigits:]
}

// MatchKeyOf normalizes a raw value and returns its match key. Invalid
// inputs fall back to the bare digit string so callers grouping legacy
// rows never lose them.
func MatchKeyOf(raw string, defaultCountryCode string) string {
	canonical, err := Normalize(raw, defaultCountryCode)
	if err != nil {
		digits := digitsOnly(StripJID(raw))
		if len(digits) <= matchKeyDigits {
			return digits
		}
		return digits[len(digits)-matchKeyDigits:]
	}
	return MatchKey(canonical)
}

// StripJID removes a WhatsApp JID suffix (for example "@s.whatsapp.net")
// and any device part ("5511999990000:12") from the input.
func StripJID(raw string) string {
	value := strings.TrimSpace(raw)
	for _, suffix := range jidSuffixes {
		if strings.HasSuffix(value, suffix) {
			value = strings.TrimSuffix(value, suffix)
			break
		}
	}
	if idx := strings.IndexByte(value, ':'); idx >= 0 {
		value = value[:idx]
	}
	return value
}

func digitsOnly(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
