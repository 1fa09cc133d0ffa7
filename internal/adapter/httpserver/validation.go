package httpserver

import (
	"regexp"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult represents the result of validation
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var validJobID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateJobID validates a job ID path parameter.
func ValidateJobID(jobID string) ValidationResult {
	if jobID == "" {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "id", Code: "REQUIRED", Message: "Job ID is required"},
			},
		}
	}
	if len(jobID) > 100 {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "id", Code: "TOO_LONG", Message: "Job ID is too long (max 100 characters)"},
			},
		}
	}
	if !validJobID.MatchString(jobID) {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "id", Code: "INVALID_FORMAT", Message: "Job ID contains invalid characters"},
			},
		}
	}
	return ValidationResult{Valid: true}
}
