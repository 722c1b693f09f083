package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/mitt-app/mitt-worker/internal/domain"
	"github.com/mitt-app/mitt-worker/internal/port"
)

// Admin exposes the producer and operator side of a queue.
type Admin struct {
	store port.QueueStore
	codec port.JobCodec
	keys  domain.QueueKeys
}

func NewAdmin(store port.QueueStore, codec port.JobCodec, keys domain.QueueKeys) *Admin {
	return &Admin{store: store, codec: codec, keys: keys}
}

// Enqueue pushes a job to the wait list and returns its id. An empty id is
// replaced by a random UUID.
func (a *Admin) Enqueue(ctx context.Context, id string, payload domain.Payload) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	raw, err := a.codec.Encode(id, payload)
	if err != nil {
		return "", fmt.Errorf("encode job %s: %w", id, err)
	}
	if err := a.store.Push(ctx, a.keys.Wait(), raw); err != nil {
		return "", fmt.Errorf("enqueue job %s: %w", id, err)
	}
	return id, nil
}

func (a *Admin) Status(ctx context.Context, id string) (*domain.Job, error) {
	fields, err := a.store.GetFields(ctx, a.keys.Job(id))
	if err != nil {
		return nil, err
	}
	return a.codec.DecodeRecord(id, fields)
}

// ActiveItem is one entry of the active list. Job is nil when the raw item
// does not decode.
type ActiveItem struct {
	Raw []byte
	Job *domain.Job
	Err error
}

func (a *Admin) Active(ctx context.Context) ([]ActiveItem, error) {
	raws, err := a.store.Range(ctx, a.keys.Active())
	if err != nil {
		return nil, err
	}
	items := make([]ActiveItem, 0, len(raws))
	for _, raw := range raws {
		job, err := a.codec.Decode(raw)
		items = append(items, ActiveItem{Raw: raw, Job: job, Err: err})
	}
	return items, nil
}

// Requeue moves the active item of job id back to the wait list. The item
// is pushed before it is removed, so a crash in between duplicates the
// delivery instead of losing it.
func (a *Admin) Requeue(ctx context.Context, id string) error {
	items, err := a.Active(ctx)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(items, func(it ActiveItem) bool {
		if it.Job != nil {
			return it.Job.ID == id
		}
		var decodeErr *domain.DecodeError
		return errors.As(it.Err, &decodeErr) && decodeErr.JobID == id
	})
	if idx < 0 {
		return fmt.Errorf("job %s in active list: %w", id, domain.ErrNotFound)
	}

	raw := items[idx].Raw
	if err := a.store.Push(ctx, a.keys.Wait(), raw); err != nil {
		return fmt.Errorf("requeue job %s: %w", id, err)
	}
	if _, err := a.store.Remove(ctx, a.keys.Active(), raw); err != nil {
		return fmt.Errorf("requeue job %s: %w", id, err)
	}
	return nil
}
