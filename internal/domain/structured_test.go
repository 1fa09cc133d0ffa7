package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePadsToFixedCardinality(t *testing.T) {
	t.Parallel()
	s := Structured{
		JobTitle:         " Backend Engineer ",
		Category:         "Software Engineering",
		Skills:           []string{"Go", "Postgres", "Kafka", "Redis", "Docker"},
		Responsibilities: []string{"Design APIs", "Operate services"},
		YearsExperience:  4,
	}
	s.Normalize()
	require.NoError(t, s.Validate())
	assert.Equal(t, "Backend Engineer", s.JobTitle)
	assert.Len(t, s.Skills, SkillCount)
	assert.Len(t, s.Responsibilities, RespCount)
	assert.Equal(t, []string{"Go", "Postgres", "Kafka", "Redis", "Docker"}, s.Skills[:5])
	for _, v := range s.Skills[5:] {
		assert.Equal(t, PadToken, v)
	}
	for _, v := range s.Responsibilities[2:] {
		assert.Equal(t, PadToken, v)
	}
}

func TestNormalizeDedupesCaseInsensitively(t *testing.T) {
	t.Parallel()
	s := Structured{
		Skills:           []string{"Go", "go", " GO ", "Rust"},
		Responsibilities: []string{"Ship", "ship"},
	}
	s.Normalize()
	assert.Equal(t, "Go", s.Skills[0])
	assert.Equal(t, "Rust", s.Skills[1])
	assert.Equal(t, PadToken, s.Skills[2])
	assert.Equal(t, "Ship", s.Responsibilities[0])
	assert.Equal(t, PadToken, s.Responsibilities[1])
}

func TestNormalizeDropsEmptiesAndStrayPads(t *testing.T) {
	t.Parallel()
	s := Structured{
		Skills:           []string{"", "  ", PadToken, "Go"},
		Responsibilities: nil,
		YearsExperience:  -2,
	}
	s.Normalize()
	assert.Equal(t, "Go", s.Skills[0])
	assert.Equal(t, PadToken, s.Skills[1])
	assert.Zero(t, s.YearsExperience)
}

func TestNormalizeTruncatesLongEntriesWithoutSplittingRunes(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("é", 200) // 400 bytes
	s := Structured{Skills: []string{long}}
	s.Normalize()
	got := s.Skills[0]
	assert.LessOrEqual(t, len(got), MaxPhraseBytes)
	require.NoError(t, s.Validate())
}

func TestNormalizeTruncatesOverfullLists(t *testing.T) {
	t.Parallel()
	skills := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		skills = append(skills, "skill-"+string(rune('a'+i)))
	}
	s := Structured{Skills: skills}
	s.Normalize()
	assert.Len(t, s.Skills, SkillCount)
	assert.NotContains(t, s.Skills, PadToken)
}

func TestValidateRejectsWrongCardinality(t *testing.T) {
	t.Parallel()
	s := Structured{Skills: []string{"Go"}, Responsibilities: make([]string, RespCount)}
	err := s.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	t.Parallel()
	s := Structured{
		Skills:           []string{"Go", "Kafka"},
		Responsibilities: []string{"Ship software"},
	}
	s.Normalize()
	first := append([]string(nil), s.Skills...)
	s.Normalize()
	assert.Equal(t, first, s.Skills)
}
