// Package convkey maps raw WhatsApp identifiers (JIDs, phone strings) to the
// canonical conversation key used by the buffer, cooldown and session stores.
//
// A key is the digits-only phone number of the counterpart:
//
//	5585999999999@s.whatsapp.net → 5585999999999
//	+55 (85) 99999-9999          → 5585999999999
//	5585999@lid                  → rejected (device link)
//	120363000000000000@g.us      → rejected (group)
package convkey

import (
	"errors"
	"fmt"
	"strings"
)

const (
	minDigits = 10
	maxDigits = 15

	deviceLinkMarker = "@lid"
	groupMarker      = "@g.us"
)

// Key is a canonical conversation key (digits only).
type Key string

func (k Key) String() string { return string(k) }

var (
	// ErrRejected is wrapped by every normalization failure.
	ErrRejected = errors.New("convkey: identifier rejected")

	ErrEmpty      = fmt.Errorf("%w: empty", ErrRejected)
	ErrDeviceLink = fmt.Errorf("%w: device link identifier", ErrRejected)
	ErrGroup      = fmt.Errorf("%w: group identifier", ErrRejected)
	ErrMalformed  = fmt.Errorf("%w: not a phone number", ErrRejected)
)

// Normalize converts a raw identifier into a Key.
func Normalize(raw string) (Key, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmpty
	}
	if strings.Contains(raw, deviceLinkMarker) {
		return "", ErrDeviceLink
	}
	if strings.Contains(raw, groupMarker) {
		return "", ErrGroup
	}
	if idx := strings.IndexByte(raw, '@'); idx >= 0 {
		raw = raw[:idx]
	}

	digits := Digits(raw)
	if len(digits) < minDigits || len(digits) > maxDigits {
		return "", ErrMalformed
	}
	return Key(digits), nil
}

// First normalizes candidates in priority order and returns the first one that
// yields a valid key. Empty candidates are skipped.
func First(candidates ...string) (Key, error) {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if k, err := Normalize(c); err == nil {
			return k, nil
		}
	}
	return "", ErrMalformed
}

// Digits strips every non-digit rune from s.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
