// Package textx provides small text utilities used across the project.
package textx

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

var (
	paraRe   = regexp.MustCompile(`\n\s*\n+`)
	spaceRe  = regexp.MustCompile(`[ \t\r\f\v]+`)
	inlineRe = regexp.MustCompile(` ?\n ?`)
)

// CleanText produces the canonical document text: NFC-normalized UTF-8 with
// all whitespace collapsed to single spaces, keeping paragraph breaks as a
// double newline. Deterministic for identical input bytes.
func CleanText(s string) string {
	s = norm.NFC.String(SanitizeText(s))
	// protect paragraph boundaries before collapsing the rest
	s = paraRe.ReplaceAllString(s, "\x00")
	s = spaceRe.ReplaceAllString(s, " ")
	s = inlineRe.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "\x00", "\n\n")
	return strings.TrimSpace(s)
}

// Conservative PII patterns: prefer misses over false positives, since every
// replacement destroys source text.
var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
)

// EmailToken and PhoneToken replace matched PII in masked text.
const (
	EmailToken = "[EMAIL]"
	PhoneToken = "[PHONE]"
)

// MaskPII replaces e-mail addresses and phone numbers with opaque tokens and
// returns the originals in match order.
func MaskPII(s string) (masked string, emails, phones []string) {
	masked = emailRe.ReplaceAllStringFunc(s, func(m string) string {
		emails = append(emails, m)
		return EmailToken
	})
	masked = phoneRe.ReplaceAllStringFunc(masked, func(m string) string {
		// digit count distinguishes phone numbers from year spans like
		// 2015-2019 (8 digits)
		digits := 0
		for _, r := range m {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits < 9 || digits > 15 {
			return m
		}
		phones = append(phones, strings.TrimSpace(m))
		return PhoneToken
	})
	return masked, emails, phones
}
