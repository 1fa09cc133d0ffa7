package mailingest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// subjectRe matches "Applicant Name | ENG-2026-001" style subjects after
// reply/forward prefixes are stripped.
var subjectRe = regexp.MustCompile(`^(.+?)\s*\|\s*([A-Z]{2,4}-\d{4}-\d{3})$`)

var replyPrefixRe = regexp.MustCompile(`(?i)^(re|fwd?)\s*:\s*`)

// ParseSubject extracts the applicant name and subject code from a mail
// subject. Reply and forward prefixes are stripped first, repeatedly, so
// "Re: Fwd: Jane | ENG-2026-001" still routes.
func ParseSubject(subject string) (name, code string, err error) {
	s := strings.TrimSpace(subject)
	for {
		stripped := replyPrefixRe.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = strings.TrimSpace(stripped)
	}
	m := subjectRe.FindStringSubmatch(s)
	if m == nil {
		return "", "", fmt.Errorf("%w: subject %q does not match applicant | code", domain.ErrInvalidArgument, subject)
	}
	return strings.TrimSpace(m[1]), m[2], nil
}
