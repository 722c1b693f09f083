package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mitt-app/mitt-worker/internal/domain"
	"github.com/mitt-app/mitt-worker/internal/infrastructure/logger"
	"github.com/mitt-app/mitt-worker/internal/port"
	"github.com/sethvargo/go-retry"
)

type LeaseConfig struct {
	Keys        domain.QueueKeys
	PollTimeout time.Duration
	// TerminalRetries is the number of retries after the first failed
	// terminal write.
	TerminalRetries int
	RetryBase       time.Duration
	RetryMax        time.Duration
}

// Lease is one job owned by this consumer, from the atomic move until its
// terminal record is stored.
type Lease struct {
	Raw        []byte
	JobID      string
	Job        *domain.Job
	AcquiredAt time.Time

	mu       sync.Mutex
	state    domain.JobState
	progress int
	pending  *port.Settlement
	target   domain.JobState
}

func (l *Lease) State() domain.JobState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lease) Progress() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.progress
}

type Leaser struct {
	store  port.QueueStore
	codec  port.JobCodec
	cfg    LeaseConfig
	events EventPublisher
	now    func() time.Time
}

func NewLeaser(store port.QueueStore, codec port.JobCodec, cfg LeaseConfig, events EventPublisher) *Leaser {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = 10 * time.Second
	}
	if cfg.TerminalRetries < 0 {
		cfg.TerminalRetries = 0
	}
	return &Leaser{
		store:  store,
		codec:  codec,
		cfg:    cfg,
		events: events,
		now:    time.Now,
	}
}

// Acquire moves the oldest waiting item to the active list. It returns
// nil, nil when nothing arrived within the poll timeout.
func (l *Leaser) Acquire(ctx context.Context) (*Lease, error) {
	raw, err := l.store.Move(ctx, l.cfg.Keys.Wait(), l.cfg.Keys.Active(), l.cfg.PollTimeout)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return &Lease{
		Raw:        raw,
		AcquiredAt: l.now(),
		state:      domain.JobStateActive,
	}, nil
}

// Begin binds the decoded job to the lease and records the start. When the
// job already has a terminal record (a duplicate delivery) the item is
// dropped from the active list and ErrAlreadySettled is returned.
func (l *Leaser) Begin(ctx context.Context, lease *Lease, job *domain.Job) error {
	lease.mu.Lock()
	lease.Job = job
	lease.JobID = job.ID
	lease.progress = 0
	lease.mu.Unlock()

	job.State = domain.JobStateActive
	job.Progress = 0
	job.ProcessedOn = lease.AcquiredAt
	key := l.cfg.Keys.Job(job.ID)

	existing, err := l.store.GetFields(ctx, key)
	if err != nil {
		logger.Warn.Printf("job %s: could not read existing record: %v", logger.SanitizeForLog(job.ID), err)
	} else if _, settled := existing[l.codec.TerminalField()]; settled {
		if _, err := l.store.Remove(ctx, l.cfg.Keys.Active(), lease.Raw); err != nil {
			logger.Warn.Printf("job %s: could not drop duplicate from active list: %v", logger.SanitizeForLog(job.ID), err)
		}
		lease.mu.Lock()
		lease.state = domain.JobState(existing["state"])
		lease.mu.Unlock()
		return fmt.Errorf("job %s: %w", job.ID, domain.ErrAlreadySettled)
	}

	if err := l.store.SetFields(ctx, key, l.codec.StartFields(lease.AcquiredAt)); err != nil {
		logger.Warn.Printf("job %s: could not record start: %v", logger.SanitizeForLog(job.ID), err)
	}
	l.publish(Event{Type: EventAcquired, JobID: job.ID})
	return nil
}

// ReportProgress stores an advisory percentage. Values are clamped to
// [0,100]; values not above the last report are ignored. Write errors are
// logged and never fail the job.
func (l *Leaser) ReportProgress(ctx context.Context, lease *Lease, percent int) {
	percent = max(0, min(100, percent))

	lease.mu.Lock()
	if lease.Job == nil || lease.state != domain.JobStateActive || percent <= lease.progress {
		lease.mu.Unlock()
		return
	}
	lease.progress = percent
	lease.Job.Progress = percent
	id := lease.JobID
	lease.mu.Unlock()

	if err := l.store.SetFields(ctx, l.cfg.Keys.Job(id), l.codec.ProgressFields(percent)); err != nil {
		logger.Warn.Printf("job %s: progress %d%% not stored: %v", logger.SanitizeForLog(id), percent, err)
	}
	l.publish(Event{Type: EventProgress, JobID: id, Progress: percent})
}

// Complete stores the result as the terminal record. An unencodable result
// is reported as ErrProcessing and leaves the lease active so the caller
// can fail it instead.
func (l *Leaser) Complete(ctx context.Context, lease *Lease, result domain.Result) error {
	if lease.Job == nil {
		return fmt.Errorf("%w: complete without a decoded job", domain.ErrInvalidTransition)
	}
	if err := l.checkTransition(lease, domain.JobStateCompleted); err != nil {
		return err
	}

	l.ReportProgress(ctx, lease, 100)

	fields, err := l.codec.ResultFields(lease.Job, result, l.now())
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProcessing, err)
	}
	lease.Job.Result = result
	return l.prepareAndFlush(ctx, lease, domain.JobStateCompleted, fields)
}

// Fail stores cause as the terminal record. It works for leases whose item
// could not be decoded; the raw item is then kept in the record.
func (l *Leaser) Fail(ctx context.Context, lease *Lease, cause error) error {
	if err := l.checkTransition(lease, domain.JobStateFailed); err != nil {
		return err
	}
	if lease.JobID == "" {
		return fmt.Errorf("%w: fail without a job id", domain.ErrInvalidTransition)
	}

	var raw []byte
	if lease.Job == nil {
		raw = lease.Raw
	} else {
		lease.Job.Error = cause.Error()
	}
	fields := l.codec.ErrorFields(lease.Job, cause, raw, l.now())
	return l.prepareAndFlush(ctx, lease, domain.JobStateFailed, fields)
}

func (l *Leaser) checkTransition(lease *Lease, next domain.JobState) error {
	lease.mu.Lock()
	defer lease.mu.Unlock()
	if !lease.state.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, lease.state, next)
	}
	if lease.pending != nil && lease.target != next {
		return fmt.Errorf("%w: %s already pending", domain.ErrInvalidTransition, lease.target)
	}
	return nil
}

func (l *Leaser) prepareAndFlush(ctx context.Context, lease *Lease, target domain.JobState, fields map[string]string) error {
	lease.mu.Lock()
	if lease.pending == nil {
		lease.pending = &port.Settlement{
			Key:        l.cfg.Keys.Job(lease.JobID),
			Fields:     fields,
			GuardField: l.codec.TerminalField(),
			List:       l.cfg.Keys.Active(),
			Item:       lease.Raw,
		}
		lease.target = target
	}
	lease.mu.Unlock()
	return l.Flush(ctx, lease)
}

// Flush retries the pending terminal write with exponential backoff. After
// TerminalRetries retries it returns ErrPersistence and the lease stays
// active; calling Flush again resumes with the same record. When another
// terminal record won, it returns ErrAlreadySettled.
func (l *Leaser) Flush(ctx context.Context, lease *Lease) error {
	lease.mu.Lock()
	pending, target := lease.pending, lease.target
	lease.mu.Unlock()
	if pending == nil {
		return nil
	}

	b := retry.NewExponential(l.cfg.RetryBase)
	b = retry.WithCappedDuration(l.cfg.RetryMax, b)
	b = retry.WithMaxRetries(uint64(l.cfg.TerminalRetries), b)

	var written bool
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		var err error
		written, err = l.store.Settle(ctx, *pending)
		if err != nil {
			logger.Warn.Printf("job %s: terminal write attempt %d failed: %v", logger.SanitizeForLog(lease.JobID), attempt, err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: job %s after %d attempts: %v", domain.ErrPersistence, lease.JobID, attempt, err)
	}

	if !written {
		return l.settledElsewhere(ctx, lease, target)
	}

	lease.mu.Lock()
	lease.state = target
	lease.pending = nil
	if lease.Job != nil {
		lease.Job.State = target
		lease.Job.FinishedOn = l.now()
	}
	lease.mu.Unlock()

	event := Event{Type: EventCompleted, JobID: lease.JobID, Progress: lease.Progress()}
	if target == domain.JobStateFailed {
		event.Type = EventFailed
		event.Message = pending.Fields["failedReason"]
	}
	l.publish(event)
	return nil
}

// settledElsewhere adopts the state of a terminal record written by someone
// else. Nothing is published since this lease did not decide the outcome.
func (l *Leaser) settledElsewhere(ctx context.Context, lease *Lease, target domain.JobState) error {
	state := target
	existing, err := l.store.GetFields(ctx, l.cfg.Keys.Job(lease.JobID))
	if err != nil {
		logger.Warn.Printf("job %s: could not read the stored record: %v", logger.SanitizeForLog(lease.JobID), err)
	} else if stored := domain.JobState(existing["state"]); stored.Terminal() {
		state = stored
	}

	lease.mu.Lock()
	lease.state = state
	lease.pending = nil
	if lease.Job != nil {
		lease.Job.State = state
	}
	lease.mu.Unlock()

	logger.Warn.Printf("job %s: terminal record already present (%s), kept the first one", logger.SanitizeForLog(lease.JobID), state)
	return fmt.Errorf("job %s: %w", lease.JobID, domain.ErrAlreadySettled)
}

func (l *Leaser) publish(event Event) {
	if l.events != nil {
		l.events.Publish(event)
	}
}
