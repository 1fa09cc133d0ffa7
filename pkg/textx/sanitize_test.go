// Package textx contains tests for the text utilities.
package textx

import (
	"strings"
	"testing"
)

func TestSanitizeText(t *testing.T) {
	in := "he\x00llo\nwo\x7frld\t!"
	got := SanitizeText(in)
	if got != "hello\nworld\t!" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestCleanTextCollapsesWhitespace(t *testing.T) {
	in := "Senior   Engineer\t resume\nwith  wrapped lines\n\n\nNext   paragraph"
	got := CleanText(in)
	if got != "Senior Engineer resume with wrapped lines\n\nNext paragraph" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestCleanTextNFC(t *testing.T) {
	// e + combining acute must normalize to the precomposed form
	in := "café"
	got := CleanText(in)
	if got != "café" {
		t.Fatalf("expected NFC form, got %q", got)
	}
}

func TestCleanTextDeterministic(t *testing.T) {
	in := "a  b\nc\n\n d "
	if CleanText(in) != CleanText(in) {
		t.Fatalf("CleanText must be deterministic")
	}
	// idempotent on its own output
	once := CleanText(in)
	if CleanText(once) != once {
		t.Fatalf("CleanText must be idempotent")
	}
}

func TestMaskPIIEmails(t *testing.T) {
	masked, emails, _ := MaskPII("Contact jane.doe+cv@example.co.uk for details")
	if !strings.Contains(masked, EmailToken) || strings.Contains(masked, "@") {
		t.Fatalf("email not masked: %q", masked)
	}
	if len(emails) != 1 || emails[0] != "jane.doe+cv@example.co.uk" {
		t.Fatalf("unexpected emails: %v", emails)
	}
}

func TestMaskPIIPhones(t *testing.T) {
	masked, _, phones := MaskPII("Call +44 20 7946 0958 or (555) 123-4567.")
	if strings.Count(masked, PhoneToken) != 2 {
		t.Fatalf("phones not masked: %q", masked)
	}
	if len(phones) != 2 {
		t.Fatalf("unexpected phones: %v", phones)
	}
}

func TestMaskPIILeavesYearsAlone(t *testing.T) {
	in := "Worked 2015-2019 on team of 12"
	masked, _, phones := MaskPII(in)
	if masked != in || len(phones) != 0 {
		t.Fatalf("year range must not be masked: %q %v", masked, phones)
	}
}
