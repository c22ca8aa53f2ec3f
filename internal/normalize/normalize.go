// Package normalize canonicalises the contact fields used as match keys:
// phone numbers, email addresses and display names.
package normalize

import (
	"regexp"
	"strings"
)

const minPhoneDigits = 10

var emailRegex = regexp.MustCompile(`^[^@]+@[^@]+\.[^@]+$`)

// Phone normalises a raw phone number into E.164-like form ("+" followed by
// digits). Non-digits are stripped, a leading "00" international prefix is
// dropped, and an 11-digit number starting with "8" is rewritten to start
// with "7". Returns "" when fewer than 10 digits remain.
func Phone(raw string) string {
	if raw == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	if strings.HasPrefix(digits, "00") {
		digits = digits[2:]
	}
	if len(digits) == 11 && digits[0] == '8' {
		digits = "7" + digits[1:]
	}
	if len(digits) < minPhoneDigits {
		return ""
	}
	return "+" + digits
}

// Email trims surrounding whitespace and lowercases the address. It performs
// no validity check; see validEmail.
func Email(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// validEmail reports whether the address looks like local@domain.tld.
// Deliberately loose; the directory rejects anything it cannot store.
func validEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// DisplayName splits a raw display name into display, given and family parts.
// The given name is the first whitespace-delimited token, the family name the
// remainder. Family is "" for single-token names.
func DisplayName(raw string) (display, given, family string) {
	display = strings.TrimSpace(raw)
	if display == "" {
		return "", "", ""
	}
	parts := strings.Fields(display)
	given = parts[0]
	if len(parts) > 1 {
		family = strings.Join(parts[1:], " ")
	}
	return display, given, family
}

// Unique returns the sequence with empties dropped and duplicates removed,
// preserving first-seen order.
func Unique(seq []string) []string {
	seen := make(map[string]struct{}, len(seq))
	result := make([]string, 0, len(seq))
	for _, item := range seq {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		result = append(result, item)
	}
	return result
}
