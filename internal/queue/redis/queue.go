package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/avelichka/trustshare-server/internal/logger"
	"github.com/avelichka/trustshare-server/internal/model"
)

const (
	pendingPrefix    = "jobs:pending:"
	processingPrefix = "jobs:processing:"
	retryPrefix      = "jobs:retry:"
	deadPrefix       = "jobs:dead:"
	claimsPrefix     = "jobs:claims:"

	promoteBatchSize  = 100
	defaultAckTimeout = 10 * time.Second
)

// Config tunes queue behavior.
type Config struct {
	Concurrency       int
	MaxAttempts       int
	RetryBase         time.Duration
	RetryMax          time.Duration
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	AckTimeout        time.Duration
}

var _ model.Queue = (*Queue)(nil)

// Queue is a Redis-backed job queue with at-least-once delivery. Jobs wait
// on a pending list per type, are claimed by an atomic move to a processing
// list, and are acknowledged by removal. Failed jobs wait in a retry set
// scored by their due time; jobs out of attempts land on a dead-letter list.
// A claim that is not acknowledged before its visibility deadline is
// requeued, so a handler may see the same job more than once.
type Queue struct {
	rdb      *redis.Client
	cfg      Config
	logger   *logger.Logger
	handlers map[string]model.JobHandler
	wg       sync.WaitGroup
}

func New(rdb *redis.Client, cfg Config, logger *logger.Logger) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 5 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 10 * time.Minute
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}

	return &Queue{
		rdb:      rdb,
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]model.JobHandler),
	}
}

// envelope is a job's durable representation on the broker.
type envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	LastError  string          `json:"lastError,omitempty"`
}

// Enqueue serializes payload and pushes a job of the given type.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	env := envelope{
		ID:         uuid.NewString(),
		Type:       jobType,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := q.rdb.LPush(ctx, pendingKey(jobType), raw).Err(); err != nil {
		return "", fmt.Errorf("failed to push job: %w", err)
	}

	return env.ID, nil
}

// Register binds a handler for a job type. Must be called before Run.
func (q *Queue) Register(jobType string, handler model.JobHandler) {
	q.handlers[jobType] = handler
}

// Run starts the consumers for every registered job type and returns. Cancel
// ctx to stop claiming; Shutdown then waits for in-flight handlers.
func (q *Queue) Run(ctx context.Context) {
	for jobType, handler := range q.handlers {
		for i := 0; i < q.cfg.Concurrency; i++ {
			q.wg.Add(1)
			go q.worker(ctx, jobType, handler)
		}
		q.wg.Add(2)
		go q.mover(ctx, jobType)
		go q.reaper(ctx, jobType)
	}
}

// Shutdown waits until all consumer goroutines have drained or ctx expires.
func (q *Queue) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker(ctx context.Context, jobType string, handler model.JobHandler) {
	defer q.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		raw, err := q.rdb.BLMove(ctx, pendingKey(jobType), processingKey(jobType), "right", "left", q.cfg.PollInterval).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("failed to claim job", "job_type", jobType, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.cfg.PollInterval):
			}
			continue
		}

		q.process(jobType, handler, raw)
	}
}

func (q *Queue) process(jobType string, handler model.JobHandler, raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// An undecodable envelope can never succeed; dead-letter it now.
		q.logger.Error("dead-lettering undecodable job", "job_type", jobType, "error", err)
		dlCtx, cancel := context.WithTimeout(context.Background(), q.cfg.AckTimeout)
		defer cancel()
		pipe := q.rdb.TxPipeline()
		pipe.LRem(dlCtx, processingKey(jobType), 1, raw)
		pipe.LPush(dlCtx, deadKey(jobType), raw)
		if _, err := pipe.Exec(dlCtx); err != nil {
			q.logger.Error("failed to dead-letter job", "job_type", jobType, "error", err)
		}
		return
	}

	env.Attempt++
	deadline := time.Now().Add(q.cfg.VisibilityTimeout)
	claimCtx, claimCancel := context.WithTimeout(context.Background(), q.cfg.AckTimeout)
	if err := q.rdb.HSet(claimCtx, claimsKey(jobType), env.ID, deadline.UnixMilli()).Err(); err != nil {
		q.logger.Error("failed to record claim", "job_id", env.ID, "error", err)
	}
	claimCancel()

	// The handler runs against its own deadline-bounded context so shutdown
	// drains in-flight jobs instead of aborting them mid-write.
	hctx, hcancel := context.WithDeadline(context.Background(), deadline)
	err := handler(hctx, model.Delivery{
		JobID:   env.ID,
		Type:    env.Type,
		Payload: env.Payload,
		Attempt: env.Attempt,
	})
	hcancel()

	// The settle window opens only after the handler returns: a handler that
	// runs long still gets the full ack timeout to record its outcome.
	ackCtx, cancel := context.WithTimeout(context.Background(), q.cfg.AckTimeout)
	defer cancel()

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ackCtx, processingKey(jobType), 1, raw)
	pipe.HDel(ackCtx, claimsKey(jobType), env.ID)

	switch {
	case err == nil:
		// ack only

	case env.Attempt >= q.cfg.MaxAttempts:
		env.LastError = err.Error()
		next, merr := json.Marshal(env)
		if merr != nil {
			next = []byte(raw)
		}
		pipe.LPush(ackCtx, deadKey(jobType), next)
		q.logger.Error("job dead-lettered",
			"job_id", env.ID,
			"job_type", jobType,
			"attempt", env.Attempt,
			"error", err)

	default:
		env.LastError = err.Error()
		next, merr := json.Marshal(env)
		if merr != nil {
			next = []byte(raw)
		}
		delay := backoff(env.Attempt, q.cfg.RetryBase, q.cfg.RetryMax)
		due := time.Now().Add(delay)
		pipe.ZAdd(ackCtx, retryKey(jobType), redis.Z{
			Score:  float64(due.UnixMilli()),
			Member: next,
		})
		q.logger.Warn("job failed, retry scheduled",
			"job_id", env.ID,
			"job_type", jobType,
			"attempt", env.Attempt,
			"retry_in", delay,
			"error", err)
	}

	if _, perr := pipe.Exec(ackCtx); perr != nil {
		// The claim stays on the processing list; the reaper requeues it
		// after the visibility deadline.
		q.logger.Error("failed to settle job", "job_id", env.ID, "error", perr)
	}
}

// mover promotes due retries back onto the pending list.
func (q *Queue) mover(ctx context.Context, jobType string) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.promoteDue(ctx, jobType)
		}
	}
}

func (q *Queue) promoteDue(ctx context.Context, jobType string) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, retryKey(jobType), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: promoteBatchSize,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Error("failed to read retry set", "job_type", jobType, "error", err)
		}
		return
	}

	for _, raw := range members {
		// LPush and ZRem commit together, so a crash cannot drop the member
		// between them. A racing promoter at worst pushes a duplicate, which
		// the redelivery semantics already absorb.
		pipe := q.rdb.TxPipeline()
		pipe.LPush(ctx, pendingKey(jobType), raw)
		pipe.ZRem(ctx, retryKey(jobType), raw)
		if _, err := pipe.Exec(ctx); err != nil {
			q.logger.Error("failed to promote retry", "job_type", jobType, "error", err)
		}
	}
}

// reaper requeues claims whose visibility deadline lapsed without an ack,
// which happens after a worker crash between claim and settle.
func (q *Queue) reaper(ctx context.Context, jobType string) {
	defer q.wg.Done()

	// Entries seen on the processing list without a claim record: a fresh
	// claim records itself just after the move, so require two sightings
	// before treating the claim as lost.
	unclaimed := make(map[string]int)

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.reapExpired(ctx, jobType, unclaimed)
		}
	}
}

func (q *Queue) reapExpired(ctx context.Context, jobType string, unclaimed map[string]int) {
	raws, err := q.rdb.LRange(ctx, processingKey(jobType), 0, -1).Result()
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Error("failed to read processing list", "job_type", jobType, "error", err)
		}
		return
	}

	seen := make(map[string]bool, len(raws))
	for _, raw := range raws {
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		seen[env.ID] = true

		deadlineStr, err := q.rdb.HGet(ctx, claimsKey(jobType), env.ID).Result()
		if errors.Is(err, redis.Nil) {
			unclaimed[env.ID]++
			if unclaimed[env.ID] < 2 {
				continue
			}
		} else if err != nil {
			continue
		} else {
			deadlineMs, perr := strconv.ParseInt(deadlineStr, 10, 64)
			if perr != nil || time.Now().UnixMilli() < deadlineMs {
				continue
			}
		}

		delete(unclaimed, env.ID)
		q.requeue(ctx, jobType, env.ID, raw)
	}

	for id := range unclaimed {
		if !seen[id] {
			delete(unclaimed, id)
		}
	}
}

func (q *Queue) requeue(ctx context.Context, jobType, jobID, raw string) {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, processingKey(jobType), 1, raw)
	pipe.HDel(ctx, claimsKey(jobType), jobID)
	pipe.LPush(ctx, pendingKey(jobType), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("failed to requeue expired claim", "job_id", jobID, "error", err)
		return
	}
	q.logger.Warn("requeued job with expired claim", "job_id", jobID, "job_type", jobType)
}

// backoff doubles from base per attempt, capped at max.
func backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func pendingKey(jobType string) string    { return pendingPrefix + jobType }
func processingKey(jobType string) string { return processingPrefix + jobType }
func retryKey(jobType string) string      { return retryPrefix + jobType }
func deadKey(jobType string) string       { return deadPrefix + jobType }
func claimsKey(jobType string) string     { return claimsPrefix + jobType }
