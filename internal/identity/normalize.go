// Package identity normalizes external contact identifiers into canonical
// lookup candidates.
package identity

import (
	"strings"

	"github.com/loopdesk/loopdesk/internal/channel"
)

// Candidates expands a raw external contact id into an ordered,
// duplicate-free list of canonical forms to probe against stored identities.
// Historical records may hold more than one representation of the same
// logical identity, so lookup candidates are a set, not a single value.
//
// The function is pure and total: it never fails, and an empty input yields
// a one-element list containing that same value. The first candidate is the
// form stored when a new identity is created.
func Candidates(raw string, channelType channel.Type) []string {
	if raw == "" {
		return []string{raw}
	}

	switch {
	case channelType.PhoneBased():
		return phoneCandidates(raw)
	case channelType == channel.TypeInstagram, channelType == channel.TypeFacebook:
		return []string{strings.ToLower(strings.TrimSpace(raw))}
	case channelType == channel.TypeEmail:
		return []string{strings.ToLower(strings.TrimSpace(raw))}
	default:
		return []string{raw}
	}
}

// phoneCandidates strips provider suffixes and non-digits, expands the
// Brazilian ninth-digit ambiguity, and emits every variant both with and
// without a leading "+".
func phoneCandidates(raw string) []string {
	trimmed := raw
	if at := strings.IndexByte(trimmed, '@'); at >= 0 {
		trimmed = trimmed[:at]
	}
	digits := keepDigits(trimmed)
	if digits == "" {
		return []string{raw}
	}

	variants := []string{digits}
	if sibling, ok := brazilSibling(digits); ok {
		variants = append(variants, sibling)
	}

	out := make([]string, 0, len(variants)*2)
	seen := make(map[string]struct{}, len(variants)*2)
	for _, v := range variants {
		for _, form := range []string{"+" + v, v} {
			if _, dup := seen[form]; dup {
				continue
			}
			seen[form] = struct{}{}
			out = append(out, form)
		}
	}
	return out
}

// brazilSibling returns the sibling representation of a Brazilian mobile
// number: numbers with country code 55 and 12 or 13 digits exist in the wild
// both with and without the extra mobile "9" after the area code.
func brazilSibling(digits string) (string, bool) {
	if !strings.HasPrefix(digits, "55") {
		return "", false
	}
	switch len(digits) {
	case 13:
		// 55 + area(2) + 9 + number(8): drop the ninth digit.
		return digits[:4] + digits[5:], true
	case 12:
		// 55 + area(2) + number(8): insert the ninth digit.
		return digits[:4] + "9" + digits[4:], true
	default:
		return "", false
	}
}

func keepDigits(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
