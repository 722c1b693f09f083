package port

import (
	"context"
	"time"
)

// Settlement is a terminal write: Fields are stored under Key and Item is
// removed from List in one indivisible step. When Key already holds
// GuardField the fields are left untouched and only the removal happens.
type Settlement struct {
	Key        string
	Fields     map[string]string
	GuardField string
	List       string
	Item       []byte
}

// QueueStore is the capability the consumer needs from a shared backend.
type QueueStore interface {
	Ping(ctx context.Context) error
	// Push adds item at the head of list; Move takes from the tail.
	Push(ctx context.Context, list string, item []byte) error
	// Move atomically pops the oldest item of src and pushes it onto dst,
	// waiting at most timeout. It returns nil, nil when nothing arrived.
	Move(ctx context.Context, src, dst string, timeout time.Duration) ([]byte, error)
	Range(ctx context.Context, list string) ([][]byte, error)
	Remove(ctx context.Context, list string, item []byte) (bool, error)
	SetFields(ctx context.Context, key string, fields map[string]string) error
	GetFields(ctx context.Context, key string) (map[string]string, error)
	// Settle reports false when the guard field was already present.
	Settle(ctx context.Context, s Settlement) (bool, error)
	Close() error
}
