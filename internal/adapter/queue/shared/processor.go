// Package shared holds the job handlers executed by queue workers. Every
// handler owns its success bookkeeping: progress, result JSON and the
// completed status. Failures propagate to the consumer, which decides
// between retry and terminal failure.
package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
	"github.com/fairyhunter13/cv-match-engine/internal/service/embedder"
	"github.com/fairyhunter13/cv-match-engine/internal/service/extractor"
	"github.com/fairyhunter13/cv-match-engine/internal/service/matcher"
)

// StageTimeouts bounds each pipeline stage independently so one slow
// upstream cannot consume the whole job deadline.
type StageTimeouts struct {
	Parse   time.Duration
	Extract time.Duration
	Embed   time.Duration
	Store   time.Duration
	Match   time.Duration
}

// DefaultStageTimeouts mirrors the per-stage budgets used in production.
func DefaultStageTimeouts() StageTimeouts {
	return StageTimeouts{
		Parse:   30 * time.Second,
		Extract: 60 * time.Second,
		Embed:   30 * time.Second,
		Store:   10 * time.Second,
		Match:   5 * time.Second,
	}
}

// Processor dispatches jobs by kind to the pipeline implementations.
type Processor struct {
	jobs     domain.JobRepository
	docs     domain.DocumentRepository
	postings domain.PostingRepository
	apps     domain.ApplicationRepository
	blobs    domain.ObjectStore
	parser   domain.TextExtractor
	extract  *extractor.Service
	embed    *embedder.Service
	match    *matcher.Service
	vectors  domain.VectorStore

	timeouts  StageTimeouts
	chunkSize int
}

// ProcessorDeps carries the full dependency set for NewProcessor.
type ProcessorDeps struct {
	Jobs         domain.JobRepository
	Docs         domain.DocumentRepository
	Postings     domain.PostingRepository
	Applications domain.ApplicationRepository
	Blobs        domain.ObjectStore
	Parser       domain.TextExtractor
	Extractor    *extractor.Service
	Embedder     *embedder.Service
	Matcher      *matcher.Service
	Vectors      domain.VectorStore
	Timeouts     StageTimeouts
	// ChunkSize bounds concurrent sub-matches inside a bulk job.
	ChunkSize int
}

// NewProcessor validates and wires the handler set.
func NewProcessor(d ProcessorDeps) (*Processor, error) {
	if d.Jobs == nil || d.Docs == nil || d.Blobs == nil || d.Parser == nil ||
		d.Extractor == nil || d.Embedder == nil || d.Matcher == nil || d.Vectors == nil {
		return nil, fmt.Errorf("%w: processor missing dependencies", domain.ErrConfig)
	}
	if d.ChunkSize <= 0 {
		d.ChunkSize = 50
	}
	zero := StageTimeouts{}
	if d.Timeouts == zero {
		d.Timeouts = DefaultStageTimeouts()
	}
	return &Processor{
		jobs:      d.Jobs,
		docs:      d.Docs,
		postings:  d.Postings,
		apps:      d.Applications,
		blobs:     d.Blobs,
		parser:    d.Parser,
		extract:   d.Extractor,
		embed:     d.Embedder,
		match:     d.Matcher,
		vectors:   d.Vectors,
		timeouts:  d.Timeouts,
		chunkSize: d.ChunkSize,
	}, nil
}

// Handle routes one job to its pipeline.
func (p *Processor) Handle(ctx domain.Context, j domain.Job) error {
	switch j.Kind {
	case domain.JobIngestCV, domain.JobIngestJD:
		return p.handleIngest(ctx, j)
	case domain.JobBulkMatch:
		return p.handleBulkMatch(ctx, j)
	case domain.JobEmailApplication:
		return p.handleEmailApplication(ctx, j)
	default:
		return fmt.Errorf("%w: unknown job kind %q", domain.ErrInvalidArgument, j.Kind)
	}
}

// stage runs fn under its own timeout.
func stage(ctx domain.Context, timeout time.Duration, fn func(domain.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(stageCtx)
}
