package domain

import (
	"encoding/binary"
	"fmt"
	"math"
)

// VectorDim is the embedding dimensionality.
const VectorDim = 768

// VectorsPerDoc is 20 skills + 10 responsibilities + title + experience.
const VectorsPerDoc = SkillCount + RespCount + 2

// Embeddings is the per-document vector bundle, written and read as one
// record. All vectors are L2-normalized; padded slots hold the zero vector.
type Embeddings struct {
	DocumentID       string      `json:"document_id"`
	ModelID          string      `json:"model_id"`
	SkillVectors     [][]float32 `json:"skill_vectors"`
	RespVectors      [][]float32 `json:"resp_vectors"`
	TitleVector      []float32   `json:"title_vector"`
	ExperienceVector []float32   `json:"experience_vector"`
}

// Validate checks the 32x768 shape and that every vector is unit-norm or
// zero (padded).
func (e *Embeddings) Validate() error {
	if len(e.SkillVectors) != SkillCount {
		return fmt.Errorf("%w: %d skill vectors", ErrDimMismatch, len(e.SkillVectors))
	}
	if len(e.RespVectors) != RespCount {
		return fmt.Errorf("%w: %d responsibility vectors", ErrDimMismatch, len(e.RespVectors))
	}
	all := make([][]float32, 0, VectorsPerDoc)
	all = append(all, e.SkillVectors...)
	all = append(all, e.RespVectors...)
	all = append(all, e.TitleVector, e.ExperienceVector)
	for _, v := range all {
		if len(v) != VectorDim {
			return fmt.Errorf("%w: dim %d", ErrDimMismatch, len(v))
		}
		n := L2Norm(v)
		if n != 0 && (n < 0.99 || n > 1.01) {
			return fmt.Errorf("%w: vector norm %.4f", ErrInvariant, n)
		}
	}
	return nil
}

// L2Norm returns the Euclidean norm of v.
func L2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// NormalizeVector scales v to unit length in place. The zero vector is left
// untouched so padded slots stay zero.
func NormalizeVector(v []float32) {
	n := L2Norm(v)
	if n == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
}

// IsZeroVector reports whether v is all zeros (a padded slot).
func IsZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// EncodeVector serializes v as little-endian float32 values.
func EncodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(x))
	}
	return out
}

// DecodeVector parses a little-endian float32 payload produced by
// EncodeVector, enforcing the expected dimension.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrDimMismatch, len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	if len(v) != VectorDim {
		return nil, fmt.Errorf("%w: dim %d", ErrDimMismatch, len(v))
	}
	return v, nil
}
