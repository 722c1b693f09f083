package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mitt-app/mitt-worker/internal/adapter/codec/bullmq"
	"github.com/mitt-app/mitt-worker/internal/adapter/queue/sqlite"
	"github.com/mitt-app/mitt-worker/internal/domain"
	"github.com/mitt-app/mitt-worker/internal/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKeys = domain.NewQueueKeys("bull", "video-analysis")

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.NewStore(t.TempDir(), 5*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testLeaseConfig() LeaseConfig {
	return LeaseConfig{
		Keys:            testKeys,
		PollTimeout:     50 * time.Millisecond,
		TerminalRetries: 2,
		RetryBase:       time.Millisecond,
		RetryMax:        5 * time.Millisecond,
	}
}

// flakyStore fails the next settleFailures Settle calls.
type flakyStore struct {
	port.QueueStore

	mu             sync.Mutex
	settleFailures int
	settleCalls    int
}

func (s *flakyStore) Settle(ctx context.Context, st port.Settlement) (bool, error) {
	s.mu.Lock()
	s.settleCalls++
	if s.settleFailures > 0 {
		s.settleFailures--
		s.mu.Unlock()
		return false, fmt.Errorf("%w: injected", domain.ErrConnectivity)
	}
	s.mu.Unlock()
	return s.QueueStore.Settle(ctx, st)
}

func (s *flakyStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settleCalls
}

// unreliableStore fails every SetFields call when failSetFields is set and
// the next moveFailures Move calls.
type unreliableStore struct {
	port.QueueStore

	failSetFields bool
	mu            sync.Mutex
	moveFailures  int
}

func (s *unreliableStore) SetFields(ctx context.Context, key string, fields map[string]string) error {
	if s.failSetFields {
		return fmt.Errorf("%w: injected", domain.ErrConnectivity)
	}
	return s.QueueStore.SetFields(ctx, key, fields)
}

func (s *unreliableStore) Move(ctx context.Context, src, dst string, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	if s.moveFailures > 0 {
		s.moveFailures--
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: injected", domain.ErrConnectivity)
	}
	s.mu.Unlock()
	return s.QueueStore.Move(ctx, src, dst, timeout)
}

func push(t *testing.T, store port.QueueStore, raw string) {
	t.Helper()
	require.NoError(t, store.Push(context.Background(), testKeys.Wait(), []byte(raw)))
}

func acquireJob(t *testing.T, leaser *Leaser) (*Lease, *domain.Job) {
	t.Helper()
	ctx := context.Background()
	lease, err := leaser.Acquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, lease)
	job, err := bullmq.Decode(lease.Raw)
	require.NoError(t, err)
	require.NoError(t, leaser.Begin(ctx, lease, job))
	return lease, job
}

func TestLeaser_AcquireIdle(t *testing.T) {
	leaser := NewLeaser(newTestStore(t), bullmq.NewCodec(), testLeaseConfig(), nil)

	start := time.Now()
	lease, err := leaser.Acquire(context.Background())

	require.NoError(t, err)
	assert.Nil(t, lease)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLeaser_BeginRecordsStart(t *testing.T) {
	store := newTestStore(t)
	leaser := NewLeaser(store, bullmq.NewCodec(), testLeaseConfig(), nil)
	push(t, store, `{"id":"J1","data":{"videoUrl":"http://x/a.mp4"}}`)

	lease, job := acquireJob(t, leaser)

	assert.Equal(t, "J1", lease.JobID)
	assert.Equal(t, domain.JobStateActive, job.State)
	fields, err := store.GetFields(context.Background(), testKeys.Job("J1"))
	require.NoError(t, err)
	assert.Equal(t, "0", fields[bullmq.FieldProgress])
	assert.NotEmpty(t, fields[bullmq.FieldProcessedOn])
	assert.NotContains(t, fields, bullmq.FieldFinishedOn)
}

func TestLeaser_ProgressClampedAndMonotone(t *testing.T) {
	store := newTestStore(t)
	bus := NewEventBus()
	events := bus.Subscribe("J1")
	leaser := NewLeaser(store, bullmq.NewCodec(), testLeaseConfig(), bus)
	push(t, store, `{"id":"J1","data":{"videoUrl":"http://x/a.mp4"}}`)
	ctx := context.Background()

	lease, _ := acquireJob(t, leaser)
	for _, p := range []int{-5, 30, 20, 30, 70, 250} {
		leaser.ReportProgress(ctx, lease, p)
	}

	assert.Equal(t, 100, lease.Progress())
	fields, err := store.GetFields(ctx, testKeys.Job("J1"))
	require.NoError(t, err)
	assert.Equal(t, "100", fields[bullmq.FieldProgress])

	assert.Equal(t, EventAcquired, (<-events).Type)
	var seen []int
	for len(events) > 0 {
		seen = append(seen, (<-events).Progress)
	}
	assert.Equal(t, []int{30, 70, 100}, seen)
}

func TestLeaser_CompleteWritesTerminalRecord(t *testing.T) {
	store := newTestStore(t)
	leaser := NewLeaser(store, bullmq.NewCodec(), testLeaseConfig(), nil)
	push(t, store, `{"id":"J1","data":{"videoUrl":"http://x/a.mp4"}}`)
	ctx := context.Background()

	lease, _ := acquireJob(t, leaser)
	leaser.ReportProgress(ctx, lease, 40)
	require.NoError(t, leaser.Complete(ctx, lease, map[string]any{"analysisComplete": true}))

	assert.Equal(t, domain.JobStateCompleted, lease.State())
	fields, err := store.GetFields(ctx, testKeys.Job("J1"))
	require.NoError(t, err)
	assert.Equal(t, "100", fields[bullmq.FieldProgress])
	assert.Equal(t, "completed", fields[bullmq.FieldState])
	assert.JSONEq(t, `{"analysisComplete":true}`, fields[bullmq.FieldReturnValue])

	active, err := store.Range(ctx, testKeys.Active())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestLeaser_RejectsInvalidTransitions(t *testing.T) {
	store := newTestStore(t)
	leaser := NewLeaser(store, bullmq.NewCodec(), testLeaseConfig(), nil)
	push(t, store, `{"id":"J1","data":{"videoUrl":"http://x/a.mp4"}}`)
	ctx := context.Background()

	lease, _ := acquireJob(t, leaser)
	require.NoError(t, leaser.Fail(ctx, lease, errors.New("boom")))

	err := leaser.Complete(ctx, lease, "late")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	err = leaser.Fail(ctx, lease, errors.New("again"))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	fields, err := store.GetFields(ctx, testKeys.Job("J1"))
	require.NoError(t, err)
	assert.Equal(t, "boom", fields[bullmq.FieldFailedReason])
	assert.NotContains(t, fields, bullmq.FieldReturnValue)
}

func TestLeaser_FailWithoutJobID(t *testing.T) {
	store := newTestStore(t)
	leaser := NewLeaser(store, bullmq.NewCodec(), testLeaseConfig(), nil)
	push(t, store, `garbage`)

	lease, err := leaser.Acquire(context.Background())
	require.NoError(t, err)

	err = leaser.Fail(context.Background(), lease, errors.New("boom"))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestLeaser_CompleteUnencodableResult(t *testing.T) {
	store := newTestStore(t)
	leaser := NewLeaser(store, bullmq.NewCodec(), testLeaseConfig(), nil)
	push(t, store, `{"id":"J1","data":{"videoUrl":"http://x/a.mp4"}}`)
	ctx := context.Background()

	lease, _ := acquireJob(t, leaser)
	err := leaser.Complete(ctx, lease, make(chan int))

	assert.ErrorIs(t, err, domain.ErrProcessing)
	assert.Equal(t, domain.JobStateActive, lease.State())
	require.NoError(t, leaser.Fail(ctx, lease, err))
	assert.Equal(t, domain.JobStateFailed, lease.State())
}

func TestLeaser_DuplicateDeliverySkipped(t *testing.T) {
	store := newTestStore(t)
	leaser := NewLeaser(store, bullmq.NewCodec(), testLeaseConfig(), nil)
	raw := `{"id":"J1","data":{"videoUrl":"http://x/a.mp4"}}`
	ctx := context.Background()

	push(t, store, raw)
	first, _ := acquireJob(t, leaser)
	require.NoError(t, leaser.Complete(ctx, first, "done"))

	push(t, store, raw)
	second, err := leaser.Acquire(ctx)
	require.NoError(t, err)
	job, err := bullmq.Decode(second.Raw)
	require.NoError(t, err)

	err = leaser.Begin(ctx, second, job)
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)

	active, err := store.Range(ctx, testKeys.Active())
	require.NoError(t, err)
	assert.Empty(t, active)
	fields, err := store.GetFields(ctx, testKeys.Job("J1"))
	require.NoError(t, err)
	assert.Equal(t, "completed", fields[bullmq.FieldState])
	assert.Equal(t, "100", fields[bullmq.FieldProgress])
}

func TestLeaser_FlushRetriesThenSucceeds(t *testing.T) {
	store := &flakyStore{QueueStore: newTestStore(t), settleFailures: 2}
	leaser := NewLeaser(store, bullmq.NewCodec(), testLeaseConfig(), nil)
	push(t, store, `{"id":"J1","data":{"videoUrl":"http://x/a.mp4"}}`)

	lease, _ := acquireJob(t, leaser)
	require.NoError(t, leaser.Complete(context.Background(), lease, "ok"))

	assert.Equal(t, 3, store.calls())
	assert.Equal(t, domain.JobStateCompleted, lease.State())
}

func TestLeaser_FlushExhaustsRetries(t *testing.T) {
	store := &flakyStore{QueueStore: newTestStore(t), settleFailures: 5}
	leaser := NewLeaser(store, bullmq.NewCodec(), testLeaseConfig(), nil)
	push(t, store, `{"id":"J1","data":{"videoUrl":"http://x/a.mp4"}}`)
	ctx := context.Background()

	lease, _ := acquireJob(t, leaser)
	err := leaser.Complete(ctx, lease, "ok")

	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.Equal(t, 3, store.calls())
	assert.Equal(t, domain.JobStateActive, lease.State())

	active, err := store.Range(ctx, testKeys.Active())
	require.NoError(t, err)
	assert.Len(t, active, 1)

	// A different terminal state cannot replace the pending one.
	err = leaser.Fail(ctx, lease, errors.New("other"))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, leaser.Flush(ctx, lease))
	assert.Equal(t, domain.JobStateCompleted, lease.State())
}

func TestLeaser_CompleteLosesToExistingRecord(t *testing.T) {
	store := newTestStore(t)
	bus := NewEventBus()
	leaser := NewLeaser(store, bullmq.NewCodec(), testLeaseConfig(), bus)
	push(t, store, `{"id":"J1","data":{"videoUrl":"http://x/a.mp4"}}`)
	ctx := context.Background()

	lease, _ := acquireJob(t, leaser)
	events := bus.Subscribe("J1")
	require.NoError(t, store.SetFields(ctx, testKeys.Job("J1"), map[string]string{
		bullmq.FieldState:        "failed",
		bullmq.FieldFailedReason: "settled by another worker",
		bullmq.FieldFinishedOn:   "1",
	}))

	err := leaser.Complete(ctx, lease, "mine")

	assert.ErrorIs(t, err, domain.ErrAlreadySettled)
	assert.Equal(t, domain.JobStateFailed, lease.State())
	for len(events) > 0 {
		assert.False(t, (<-events).Terminal())
	}

	fields, err := store.GetFields(ctx, testKeys.Job("J1"))
	require.NoError(t, err)
	assert.Equal(t, "settled by another worker", fields[bullmq.FieldFailedReason])
	assert.NotContains(t, fields, bullmq.FieldReturnValue)
	active, err := store.Range(ctx, testKeys.Active())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestLeaser_ProgressWriteErrorsAreSwallowed(t *testing.T) {
	store := &unreliableStore{QueueStore: newTestStore(t), failSetFields: true}
	leaser := NewLeaser(store, bullmq.NewCodec(), testLeaseConfig(), nil)
	push(t, store, `{"id":"J1","data":{"videoUrl":"http://x/a.mp4"}}`)
	ctx := context.Background()

	lease, _ := acquireJob(t, leaser)
	leaser.ReportProgress(ctx, lease, 40)
	assert.Equal(t, 40, lease.Progress())

	require.NoError(t, leaser.Complete(ctx, lease, "ok"))
	fields, err := store.GetFields(ctx, testKeys.Job("J1"))
	require.NoError(t, err)
	assert.Equal(t, "completed", fields[bullmq.FieldState])
	assert.Equal(t, "100", fields[bullmq.FieldProgress])
}
