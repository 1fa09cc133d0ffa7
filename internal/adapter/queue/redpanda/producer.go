// Package redpanda provides the Kafka-backed durable job queue.
//
// Jobs are persisted to Postgres first and then published inside a Kafka
// transaction, so a job visible on the topic always has a backing row.
// Consumers fetch with read-committed isolation and run a dynamically
// sized worker pool.
package redpanda

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/cv-match-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

const (
	// TopicJobs carries every job kind; routing happens on the consumer
	// side so priority aging can see the whole backlog.
	TopicJobs = "engine-jobs"

	headerJobID = "job_id"
	headerKind  = "kind"
)

// Producer implements domain.Queue on a transactional Kafka producer.
type Producer struct {
	client     *kgo.Client
	jobs       domain.JobRepository
	maxPending int64
	idemWindow time.Duration
	topic      string

	// memory gate: intake stops at memHighPct used and resumes only
	// after usage falls ten points below it
	memHighPct float64
	memPct     func() float64
	memTripped atomic.Bool

	// serializes transactions across concurrent Submit calls
	txnCh chan struct{}
}

// NewProducer constructs a Producer with exactly-once publish semantics.
func NewProducer(brokers []string, jobs domain.JobRepository, maxPending int64, idemWindow time.Duration) (*Producer, error) {
	return newProducer(brokers, "cv-match-engine-producer", TopicJobs, jobs, maxPending, idemWindow)
}

// NewProducerWithTransactionalID constructs a Producer with an explicit
// transactional id. Processes running alongside the API server must not
// share its id, or the brokers fence one of them off.
func NewProducerWithTransactionalID(brokers []string, transactionalID string, jobs domain.JobRepository, maxPending int64, idemWindow time.Duration) (*Producer, error) {
	return newProducer(brokers, transactionalID, TopicJobs, jobs, maxPending, idemWindow)
}

func newProducer(brokers []string, transactionalID, topic string, jobs domain.JobRepository, maxPending int64, idemWindow time.Duration) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: no seed brokers provided", domain.ErrConfig)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.client: %w", err)
	}

	if err := ensureJobsTopic(client, topic); err != nil {
		slog.Warn("topic creation failed, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}

	return &Producer{
		client:     client,
		jobs:       jobs,
		maxPending: maxPending,
		idemWindow: idemWindow,
		topic:      topic,
		memHighPct: 80,
		memPct:     sampleMemPct,
		txnCh:      make(chan struct{}, 1),
	}, nil
}

// SetMemoryHighWater overrides the intake memory limit. Zero disables the
// gate.
func (p *Producer) SetMemoryHighWater(pct float64) { p.memHighPct = pct }

func sampleMemPct() float64 {
	if vm, err := mem.VirtualMemory(); err == nil {
		return vm.UsedPercent
	}
	return 0
}

// memoryGate enforces the intake high-water mark with hysteresis, so
// admission does not flap around the threshold.
func (p *Producer) memoryGate() error {
	if p.memHighPct <= 0 || p.memPct == nil {
		return nil
	}
	pct := p.memPct()
	if p.memTripped.Load() {
		if pct > p.memHighPct-10 {
			return fmt.Errorf("%w: memory at %.1f%%, resume below %.1f%%", domain.ErrBackPressure, pct, p.memHighPct-10)
		}
		p.memTripped.Store(false)
		return nil
	}
	if pct >= p.memHighPct {
		p.memTripped.Store(true)
		return fmt.Errorf("%w: memory at %.1f%% (max %.1f%%)", domain.ErrBackPressure, pct, p.memHighPct)
	}
	return nil
}

// Submit persists the job and publishes it. Duplicate idempotency keys
// inside the window return the prior job id with ErrConflict; a backlog
// past the configured maximum or resident memory past the high-water
// mark returns ErrBackPressure.
func (p *Producer) Submit(ctx domain.Context, j domain.Job) (string, error) {
	if j.IdemKey != "" {
		prior, err := p.jobs.FindByIdemKey(ctx, j.IdemKey, p.idemWindow)
		switch {
		case err == nil:
			return prior.ID, fmt.Errorf("%w: idem_key already accepted as job %s", domain.ErrConflict, prior.ID)
		case !errors.Is(err, domain.ErrNotFound):
			return "", fmt.Errorf("op=queue.idem_lookup: %w", err)
		}
	}

	if err := p.memoryGate(); err != nil {
		observability.JobsRejectedTotal.Inc()
		return "", err
	}

	pending, err := p.jobs.CountPending(ctx)
	if err != nil {
		return "", fmt.Errorf("op=queue.count_pending: %w", err)
	}
	if pending >= p.maxPending {
		observability.JobsRejectedTotal.Inc()
		return "", fmt.Errorf("%w: %d jobs pending (max %d)", domain.ErrBackPressure, pending, p.maxPending)
	}

	if j.Status == "" {
		j.Status = domain.JobQueued
	}
	id, err := p.jobs.Create(ctx, j)
	if err != nil {
		return "", fmt.Errorf("op=queue.create_job: %w", err)
	}
	j.ID = id

	if err := p.publish(ctx, j); err != nil {
		// the row survives; the stale-job sweeper re-publishes it
		errMsg := "publish failed: " + err.Error()
		_ = p.jobs.UpdateStatus(ctx, id, domain.JobQueued, &errMsg)
		return "", err
	}

	observability.EnqueueJob(string(j.Kind))
	slog.Info("job enqueued",
		slog.String("job_id", id),
		slog.String("kind", string(j.Kind)),
		slog.Int("priority", int(j.Priority)))
	return id, nil
}

// Republish puts an already-persisted job back on the topic, used by
// retry handling and the stale-job sweeper.
func (p *Producer) Republish(ctx domain.Context, j domain.Job) error {
	return p.publish(ctx, j)
}

func (p *Producer) publish(ctx domain.Context, j domain.Job) error {
	select {
	case p.txnCh <- struct{}{}:
		defer func() { <-p.txnCh }()
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
	}

	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("op=queue.marshal: %w", err)
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("op=queue.begin_txn: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(j.ID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: headerJobID, Value: []byte(j.ID)},
			{Key: headerKind, Value: []byte(j.Kind)},
		},
	}

	promise := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, promise.Promise())
	if err := promise.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("transaction abort failed", slog.Any("error", abortErr))
		}
		return fmt.Errorf("op=queue.produce: %w", err)
	}

	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("op=queue.commit_txn: %w", err)
	}
	return nil
}

// Ping checks broker connectivity, for readiness probes.
func (p *Producer) Ping(ctx domain.Context) error {
	return p.client.Ping(ctx)
}

// Close closes the underlying Kafka client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

var _ domain.Queue = (*Producer)(nil)
