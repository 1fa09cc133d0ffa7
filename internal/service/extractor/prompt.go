package extractor

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

const schemaName = "document_extraction"

// extractionSchema is the strict JSON schema handed to the model. Arrays
// are open-ended here; cardinality is enforced by Normalize afterwards so
// a slightly over-eager model does not fail the whole extraction.
const extractionSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["job_title", "category", "skills", "responsibilities", "years_experience"],
  "properties": {
    "job_title": {"type": "string"},
    "category": {"type": "string"},
    "skills": {"type": "array", "items": {"type": "string"}, "maxItems": 30},
    "responsibilities": {"type": "array", "items": {"type": "string"}, "maxItems": 15},
    "years_experience": {"type": "number", "minimum": 0}
  }
}`

func buildPrompt(kind domain.DocumentKind, text string) string {
	var b strings.Builder
	switch kind {
	case domain.KindCV:
		b.WriteString("You are extracting structured data from a candidate CV.\n")
		b.WriteString("years_experience is the candidate's total professional experience in years.\n")
	default:
		b.WriteString("You are extracting structured data from a job description.\n")
		b.WriteString("years_experience is the minimum experience the role requires in years; use 0 when not stated.\n")
	}
	fmt.Fprintf(&b, "Return JSON only. List up to %d distinct skills and up to %d distinct responsibilities, ", domain.SkillCount, domain.RespCount)
	b.WriteString("most important first, each a short phrase copied or minimally normalized from the document. ")
	b.WriteString("category is a broad job field such as \"software engineering\", \"data science\", \"finance\", \"healthcare\", \"logistics\", \"hospitality\", \"construction\", \"legal\" or similar, lowercase.\n\n")
	b.WriteString("Document:\n\"\"\"\n")
	b.WriteString(text)
	b.WriteString("\n\"\"\"")
	return b.String()
}
