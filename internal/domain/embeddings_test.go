package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unitVec(axis int) []float32 {
	v := make([]float32, VectorDim)
	v[axis%VectorDim] = 1
	return v
}

func validBundle() Embeddings {
	e := Embeddings{
		DocumentID:       "doc-1",
		ModelID:          "embed-test-1",
		TitleVector:      unitVec(0),
		ExperienceVector: unitVec(1),
	}
	for i := 0; i < SkillCount; i++ {
		e.SkillVectors = append(e.SkillVectors, unitVec(i+2))
	}
	for i := 0; i < RespCount; i++ {
		e.RespVectors = append(e.RespVectors, unitVec(i+30))
	}
	return e
}

func TestEmbeddingsValidate(t *testing.T) {
	t.Parallel()
	e := validBundle()
	require.NoError(t, e.Validate())

	// padded slots stay zero and still validate
	e.SkillVectors[5] = make([]float32, VectorDim)
	require.NoError(t, e.Validate())
}

func TestEmbeddingsValidateRejectsBadShape(t *testing.T) {
	t.Parallel()
	e := validBundle()
	e.SkillVectors = e.SkillVectors[:SkillCount-1]
	assert.ErrorIs(t, e.Validate(), ErrDimMismatch)

	e = validBundle()
	e.TitleVector = e.TitleVector[:100]
	assert.ErrorIs(t, e.Validate(), ErrDimMismatch)
}

func TestEmbeddingsValidateRejectsNonUnitNorm(t *testing.T) {
	t.Parallel()
	e := validBundle()
	e.RespVectors[0][0] = 2
	assert.ErrorIs(t, e.Validate(), ErrInvariant)
}

func TestNormalizeVector(t *testing.T) {
	t.Parallel()
	v := make([]float32, VectorDim)
	v[0], v[1] = 3, 4
	NormalizeVector(v)
	assert.InDelta(t, 1.0, L2Norm(v), 1e-6)

	zero := make([]float32, VectorDim)
	NormalizeVector(zero)
	assert.True(t, IsZeroVector(zero))
}

func TestVectorRoundTripLittleEndian(t *testing.T) {
	t.Parallel()
	v := make([]float32, VectorDim)
	for i := range v {
		v[i] = float32(math.Sin(float64(i)))
	}
	NormalizeVector(v)

	raw := EncodeVector(v)
	require.Len(t, raw, 4*VectorDim)
	// float32 LE: 1.0 encodes as 00 00 80 3f
	one := EncodeVector([]float32{1})
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f}, one[:4])

	got, err := DecodeVector(raw)
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = DecodeVector(raw[:8])
	assert.ErrorIs(t, err, ErrDimMismatch)
}
