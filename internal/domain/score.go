package domain

// DefaultWeightsVersion tags the score cache and result payloads so a
// weight change invalidates cached scores.
const DefaultWeightsVersion = "v1"

// Weights are the composite score coefficients. Absent components get their
// weight redistributed across the present ones at scoring time.
type Weights struct {
	Version          string  `json:"version"`
	Skills           float64 `json:"skills"`
	Responsibilities float64 `json:"responsibilities"`
	Title            float64 `json:"title"`
	Experience       float64 `json:"experience"`
}

// DefaultWeights returns the v1 coefficients.
func DefaultWeights() Weights {
	return Weights{
		Version:          DefaultWeightsVersion,
		Skills:           0.50,
		Responsibilities: 0.20,
		Title:            0.20,
		Experience:       0.10,
	}
}

// Score is the result of matching a CV against a JD. Component values and
// Overall are in [0, 100]; Overall is rounded to one decimal.
type Score struct {
	JDID             string   `json:"jd_id"`
	CVID             string   `json:"cv_id"`
	Overall          float64  `json:"overall"`
	Skills           float64  `json:"skills"`
	Responsibilities float64  `json:"responsibilities"`
	Title            float64  `json:"title"`
	Experience       float64  `json:"experience"`
	WeightsVersion   string   `json:"weights_version"`
	Explanations     []string `json:"explanations,omitempty"`
}

// BulkMatchResult is one ranked entry of a bulk match.
type BulkMatchResult struct {
	CVID  string  `json:"cv_id"`
	Score *Score  `json:"score,omitempty"`
	Error string  `json:"error,omitempty"`
}
