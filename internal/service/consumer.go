package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitt-app/mitt-worker/internal/domain"
	"github.com/mitt-app/mitt-worker/internal/infrastructure/logger"
	"github.com/mitt-app/mitt-worker/internal/port"
	"github.com/sethvargo/go-retry"
)

type ConsumerConfig struct {
	WorkerID string
	// ProcessTimeout bounds one routine call. Zero means no bound.
	ProcessTimeout           time.Duration
	ExitOnPersistenceFailure bool
	ErrorBackoffBase         time.Duration
	ErrorBackoffMax          time.Duration
}

type ConsumerStats struct {
	WorkerID            string    `json:"workerId"`
	StartedAt           time.Time `json:"startedAt"`
	CurrentJob          string    `json:"currentJob,omitempty"`
	Acquired            int64     `json:"acquired"`
	Completed           int64     `json:"completed"`
	Failed              int64     `json:"failed"`
	Duplicates          int64     `json:"duplicates"`
	IdlePolls           int64     `json:"idlePolls"`
	PollErrors          int64     `json:"pollErrors"`
	PersistenceFailures int64     `json:"persistenceFailures"`
}

type Consumer struct {
	leaser    *Leaser
	codec     port.JobCodec
	processor port.Processor
	cfg       ConsumerConfig

	startedAt           time.Time
	acquired            atomic.Int64
	completed           atomic.Int64
	failed              atomic.Int64
	duplicates          atomic.Int64
	idlePolls           atomic.Int64
	pollErrors          atomic.Int64
	persistenceFailures atomic.Int64

	mu         sync.Mutex
	currentJob string
}

func NewConsumer(leaser *Leaser, codec port.JobCodec, processor port.Processor, cfg ConsumerConfig) *Consumer {
	if cfg.ErrorBackoffBase <= 0 {
		cfg.ErrorBackoffBase = 500 * time.Millisecond
	}
	if cfg.ErrorBackoffMax < cfg.ErrorBackoffBase {
		cfg.ErrorBackoffMax = 30 * time.Second
	}
	return &Consumer{
		leaser:    leaser,
		codec:     codec,
		processor: processor,
		cfg:       cfg,
		startedAt: time.Now(),
	}
}

// Run consumes jobs until ctx is done. A stop request is honoured between
// jobs: an item moved during the last wait is still processed and settled.
// Run returns a non-nil error only for an unrecoverable persistence failure.
func (c *Consumer) Run(ctx context.Context) error {
	logger.Info.Printf("consumer %s started", logger.SanitizeForLog(c.cfg.WorkerID))
	defer logger.Info.Printf("consumer %s stopped", logger.SanitizeForLog(c.cfg.WorkerID))

	backoff := c.newBackoff()
	for {
		if ctx.Err() != nil {
			return nil
		}

		lease, err := c.leaser.Acquire(context.WithoutCancel(ctx))
		if err != nil {
			c.pollErrors.Add(1)
			delay, _ := backoff.Next()
			logger.Error.Printf("consumer %s: poll failed, retrying in %s: %v", logger.SanitizeForLog(c.cfg.WorkerID), delay, err)
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}
		backoff = c.newBackoff()

		if lease == nil {
			c.idlePolls.Add(1)
			logger.Debug.Printf("consumer %s: queue idle", logger.SanitizeForLog(c.cfg.WorkerID))
			continue
		}
		c.acquired.Add(1)

		if err := c.handle(ctx, lease); err != nil {
			return err
		}
	}
}

func (c *Consumer) handle(ctx context.Context, lease *Lease) error {
	// Store writes for a moved item outlive the stop signal.
	bg := context.WithoutCancel(ctx)

	job, err := c.codec.Decode(lease.Raw)
	if err != nil {
		var decodeErr *domain.DecodeError
		if !errors.As(err, &decodeErr) {
			logger.Error.Printf("undecodable item left in active list: %v", err)
			return nil
		}
		lease.JobID = decodeErr.JobID
		c.setCurrent(lease.JobID)
		defer c.setCurrent("")
		logger.Warn.Printf("job %s: %s", logger.SanitizeForLog(lease.JobID), logger.SanitizeForLog(err.Error()))
		return c.settle(ctx, lease, c.leaser.Fail(bg, lease, err))
	}

	c.setCurrent(job.ID)
	defer c.setCurrent("")

	if err := c.leaser.Begin(bg, lease, job); err != nil {
		if errors.Is(err, domain.ErrAlreadySettled) {
			c.duplicates.Add(1)
			logger.Warn.Printf("job %s: duplicate delivery skipped", logger.SanitizeForLog(job.ID))
			return nil
		}
		return err
	}
	logger.Info.Printf("job %s: processing %s", logger.SanitizeForLog(job.ID), logger.SanitizeForLog(job.Payload.VideoURL))

	result, err := c.invoke(bg, lease, job)
	if err != nil {
		logger.Error.Printf("job %s failed: %s", logger.SanitizeForLog(job.ID), logger.SanitizeForLog(err.Error()))
		return c.settle(ctx, lease, c.leaser.Fail(bg, lease, err))
	}

	err = c.leaser.Complete(bg, lease, result)
	if errors.Is(err, domain.ErrProcessing) {
		logger.Error.Printf("job %s: result not storable: %v", logger.SanitizeForLog(job.ID), err)
		err = c.leaser.Fail(bg, lease, err)
	}
	return c.settle(ctx, lease, err)
}

// invoke runs the routine with panic containment. Progress reported by the
// routine goes through the lease, which keeps it clamped and monotone.
func (c *Consumer) invoke(ctx context.Context, lease *Lease, job *domain.Job) (result domain.Result, err error) {
	runCtx := ctx
	if c.cfg.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.cfg.ProcessTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error.Printf("job %s: routine panicked: %v\n%s", logger.SanitizeForLog(job.ID), r, debug.Stack())
			result, err = nil, fmt.Errorf("%w: panic: %v", domain.ErrProcessing, r)
		}
	}()

	progress := func(percent int) {
		c.leaser.ReportProgress(ctx, lease, percent)
	}
	result, err = c.processor.Process(runCtx, job.Payload, progress)
	if err == nil && runCtx.Err() != nil {
		err = fmt.Errorf("%w: %v", domain.ErrProcessing, runCtx.Err())
	}
	return result, err
}

// settle escalates a terminal write that exhausted its retries. The loop
// never polls again before the record lands, unless configured to exit.
func (c *Consumer) settle(ctx context.Context, lease *Lease, err error) error {
	backoff := c.newBackoff()
	for errors.Is(err, domain.ErrPersistence) {
		c.persistenceFailures.Add(1)
		if c.cfg.ExitOnPersistenceFailure {
			return err
		}
		delay, _ := backoff.Next()
		logger.Error.Printf("%v; pausing %s before retrying", err, delay)
		if !sleep(ctx, delay) {
			return fmt.Errorf("stopped with job %s still active: %w", lease.JobID, err)
		}
		err = c.leaser.Flush(context.WithoutCancel(ctx), lease)
	}
	if errors.Is(err, domain.ErrAlreadySettled) {
		c.duplicates.Add(1)
		return nil
	}
	if err != nil {
		logger.Error.Printf("job %s: %v", logger.SanitizeForLog(lease.JobID), err)
		return nil
	}

	switch lease.State() {
	case domain.JobStateCompleted:
		c.completed.Add(1)
		logger.Info.Printf("job %s completed", logger.SanitizeForLog(lease.JobID))
	case domain.JobStateFailed:
		c.failed.Add(1)
	}
	return nil
}

func (c *Consumer) Stats() ConsumerStats {
	c.mu.Lock()
	current := c.currentJob
	c.mu.Unlock()
	return ConsumerStats{
		WorkerID:            c.cfg.WorkerID,
		StartedAt:           c.startedAt,
		CurrentJob:          current,
		Acquired:            c.acquired.Load(),
		Completed:           c.completed.Load(),
		Failed:              c.failed.Load(),
		Duplicates:          c.duplicates.Load(),
		IdlePolls:           c.idlePolls.Load(),
		PollErrors:          c.pollErrors.Load(),
		PersistenceFailures: c.persistenceFailures.Load(),
	}
}

func (c *Consumer) setCurrent(id string) {
	c.mu.Lock()
	c.currentJob = id
	c.mu.Unlock()
}

func (c *Consumer) newBackoff() retry.Backoff {
	b := retry.NewExponential(c.cfg.ErrorBackoffBase)
	return retry.WithCappedDuration(c.cfg.ErrorBackoffMax, b)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
