package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/cv-match-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// Handler executes one job. Implementations own terminal bookkeeping for
// success (SetResult plus completed status); the consumer owns failure and
// retry bookkeeping.
type Handler interface {
	Handle(ctx domain.Context, j domain.Job) error
}

// Requeuer re-publishes a persisted job after a retryable failure.
type Requeuer interface {
	Republish(ctx domain.Context, j domain.Job) error
}

// Consumer fetches jobs from Kafka into a priority buffer and drains it
// with a supervisor-scaled worker pool.
type Consumer struct {
	session    *kgo.GroupTransactSession
	jobs       domain.JobRepository
	handler    Handler
	requeue    Requeuer
	retry      domain.RetryConfig
	buf        *priorityBuffer
	super      *supervisor
	cfg        WorkerConfig
	topic      string
	groupID    string
	poller     *AdaptivePoller
	shutdown   chan struct{}
	workerSeq  atomic.Int64
	liveWorker atomic.Int64
	closeOnce  sync.Once
}

// NewConsumer constructs a Consumer in the given consumer group.
func NewConsumer(brokers []string, groupID string, jobs domain.JobRepository, handler Handler, requeue Requeuer, retry domain.RetryConfig, cfg WorkerConfig) (*Consumer, error) {
	return newConsumer(brokers, groupID, "cv-match-engine-consumer", TopicJobs, jobs, handler, requeue, retry, cfg)
}

func newConsumer(brokers []string, groupID, transactionalID, topic string, jobs domain.JobRepository, handler Handler, requeue Requeuer, retry domain.RetryConfig, cfg WorkerConfig) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: no seed brokers provided", domain.ErrConfig)
	}
	if groupID == "" {
		return nil, fmt.Errorf("%w: missing consumer group id", domain.ErrConfig)
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))

	session, err := kgo.NewGroupTransactSession(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.RequireStableFetchOffsets(),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.RebalanceTimeout(10*time.Second),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.FetchMaxWait(2*time.Second),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.session: %w", err)
	}

	buf := newPriorityBuffer(cfg.AgingInterval)
	return &Consumer{
		session:  session,
		jobs:     jobs,
		handler:  handler,
		requeue:  requeue,
		retry:    retry,
		buf:      buf,
		super:    newSupervisor(cfg, jobs, buf),
		cfg:      cfg,
		topic:    topic,
		groupID:  groupID,
		poller:   NewAdaptivePoller(100 * time.Millisecond),
		shutdown: make(chan struct{}),
	}, nil
}

// Start runs fetcher, supervisor and the initial worker pool until ctx is
// cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("starting queue consumer",
		slog.String("group_id", c.groupID),
		slog.String("topic", c.topic),
		slog.Int("min_workers", c.cfg.MinWorkers),
		slog.Int("max_workers", c.cfg.MaxWorkers))

	for i := 0; i < c.cfg.MinWorkers; i++ {
		c.spawnWorker(ctx)
	}
	go c.fetch(ctx)
	go c.super.Run(ctx, func() { c.spawnWorker(ctx) })

	<-ctx.Done()
	c.Close()
	return ctx.Err()
}

func (c *Consumer) fetch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		fetches := c.session.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				slog.Error("fetch error",
					slog.String("topic", e.Topic),
					slog.Int("partition", int(e.Partition)),
					slog.Any("error", e.Err))
			}
			c.poller.RecordFailure()
			sleepInterruptible(ctx, c.poller.GetNextInterval())
			continue
		}
		if fetches.NumRecords() == 0 {
			c.poller.RecordSuccess()
			sleepInterruptible(ctx, c.poller.GetNextInterval())
			continue
		}
		c.poller.RecordSuccess()

		fetches.EachRecord(func(record *kgo.Record) {
			var j domain.Job
			if err := json.Unmarshal(record.Value, &j); err != nil {
				slog.Error("dropping undecodable job record",
					slog.Int64("offset", record.Offset),
					slog.Any("error", err))
				return
			}
			c.buf.Push(j)
		})
	}
}

func sleepInterruptible(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *Consumer) spawnWorker(ctx context.Context) {
	id := c.workerSeq.Add(1)
	c.liveWorker.Add(1)
	go func() {
		defer c.liveWorker.Add(-1)
		c.worker(ctx, id)
	}()
}

func (c *Consumer) worker(ctx context.Context, id int64) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		j, ok, timedOut := c.buf.PopTimeout(c.cfg.IdleTimeout)
		if timedOut {
			// idle workers above the floor retire
			if c.liveWorker.Load() > int64(c.cfg.MinWorkers) {
				slog.Debug("idle worker exiting", slog.Int64("worker_id", id))
				return
			}
			continue
		}
		if !ok {
			return
		}
		if halt := c.process(ctx, j); halt {
			slog.Error("worker halting on fatal error", slog.Int64("worker_id", id))
			return
		}

		// surplus workers exit after finishing their job
		if c.liveWorker.Load() > int64(c.super.Desired()) && c.liveWorker.Load() > int64(c.cfg.MinWorkers) {
			slog.Debug("worker exiting, pool over target", slog.Int64("worker_id", id))
			return
		}
	}
}

// process runs one job end to end. The return is true when the job hit a
// fatal error and the worker must halt.
func (c *Consumer) process(ctx context.Context, j domain.Job) bool {
	tracer := otel.Tracer("queue.consumer")
	ctx, span := tracer.Start(ctx, "ProcessJob")
	defer span.End()

	current, err := c.jobs.Get(ctx, j.ID)
	if err != nil {
		slog.Error("job row lookup failed", slog.String("job_id", j.ID), slog.Any("error", err))
		return false
	}
	if current.Status.Terminal() {
		// replayed record for an already-finished job
		return false
	}
	j = current

	if j.Deadline != nil && time.Now().After(*j.Deadline) {
		msg := "deadline exceeded before processing started"
		_ = c.jobs.UpdateStatus(ctx, j.ID, domain.JobCancelled, &msg)
		return false
	}

	if err := c.jobs.UpdateStatus(ctx, j.ID, domain.JobProcessing, nil); err != nil {
		slog.Error("status update failed", slog.String("job_id", j.ID), slog.Any("error", err))
		return false
	}
	observability.StartProcessingJob(string(j.Kind))
	started := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if j.Deadline != nil {
		runCtx, cancel = context.WithDeadline(ctx, *j.Deadline)
		defer cancel()
	}

	handleErr := c.handler.Handle(runCtx, j)
	if handleErr == nil {
		c.super.clearFatal()
		observability.CompleteJob(string(j.Kind), time.Since(started).Seconds())
		return false
	}

	slog.Error("job failed",
		slog.String("job_id", j.ID),
		slog.String("kind", string(j.Kind)),
		slog.Int("attempts", j.Attempts),
		slog.Any("error", handleErr))
	return c.handleFailure(ctx, j, handleErr)
}

// handleFailure decides between cancelled, failed and retry. It reports
// whether the failure was fatal.
func (c *Consumer) handleFailure(ctx context.Context, j domain.Job, handleErr error) bool {
	msg := handleErr.Error()

	// cancellation is terminal but not a failure, and never spends a retry
	if domain.CancelledError(handleErr) {
		_ = c.jobs.UpdateStatus(ctx, j.ID, domain.JobCancelled, &msg)
		return false
	}

	if domain.FatalError(handleErr) {
		c.super.reportFatal()
		_ = c.jobs.UpdateStatus(ctx, j.ID, domain.JobFailed, &msg)
		observability.FailJob(string(j.Kind))
		return true
	}

	if !domain.RetryableError(handleErr) {
		_ = c.jobs.UpdateStatus(ctx, j.ID, domain.JobFailed, &msg)
		observability.FailJob(string(j.Kind))
		return false
	}

	attempt := j.Attempts + 1
	if attempt >= c.retry.MaxAttempts {
		exhausted := fmt.Sprintf("retries exhausted after %d attempts: %s", attempt, msg)
		_ = c.jobs.UpdateStatus(ctx, j.ID, domain.JobFailed, &exhausted)
		observability.FailJob(string(j.Kind))
		return false
	}

	if err := c.jobs.IncrementAttempts(ctx, j.ID); err != nil {
		slog.Error("attempt bump failed", slog.String("job_id", j.ID), slog.Any("error", err))
	}
	_ = c.jobs.UpdateStatus(ctx, j.ID, domain.JobQueued, &msg)

	delay := c.retry.Delay(attempt)
	slog.Info("job scheduled for retry",
		slog.String("job_id", j.ID),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))

	j.Attempts = attempt
	go func(job domain.Job, d time.Duration) {
		sleepInterruptible(ctx, d)
		if ctx.Err() != nil {
			return
		}
		if err := c.requeue.Republish(ctx, job); err != nil {
			slog.Error("retry republish failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}(j, delay)
	return false
}

// Close stops fetching and lets workers drain the buffer.
func (c *Consumer) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)
		c.buf.Close()
		if c.session != nil {
			c.session.Close()
		}
	})
}
