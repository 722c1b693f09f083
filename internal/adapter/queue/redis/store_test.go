package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mitt-app/mitt-worker/internal/adapter/queue/queuetest"
	"github.com/mitt-app/mitt-worker/internal/domain"
	"github.com/mitt-app/mitt-worker/internal/port"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewStore("redis://" + mr.Addr())
	require.NoError(t, err)
	return store, mr
}

func TestStoreContract(t *testing.T) {
	// BRPOPLPUSH timeouts have one-second resolution.
	queuetest.Run(t, func(t *testing.T) port.QueueStore {
		store, _ := newTestStore(t)
		return store
	}, time.Second)
}

func TestNewStore_InvalidURL(t *testing.T) {
	store, err := NewStore("not-a-url://")
	assert.Error(t, err)
	assert.Nil(t, store)
}

func TestPing_Unreachable(t *testing.T) {
	store := NewStoreFromClient(goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	}))
	defer store.Close()

	err := store.Ping(context.Background())
	assert.True(t, errors.Is(err, domain.ErrConnectivity))
}

func TestMove_ServerGone(t *testing.T) {
	store, mr := newTestStore(t)
	defer store.Close()
	mr.Close()

	item, err := store.Move(context.Background(), "wait", "active", time.Second)
	assert.Nil(t, item)
	assert.True(t, errors.Is(err, domain.ErrConnectivity))
}

func TestMove_UsesBullMQLayout(t *testing.T) {
	store, mr := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	keys := domain.NewQueueKeys("bull", "video-analysis")
	_, err := mr.Lpush(keys.Wait(), `{"id":"J1","data":{"videoUrl":"http://x/a.mp4"}}`)
	require.NoError(t, err)

	item, err := store.Move(ctx, keys.Wait(), keys.Active(), time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"J1","data":{"videoUrl":"http://x/a.mp4"}}`, string(item))

	active, err := mr.List(keys.Active())
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestSettle_WritesHashFields(t *testing.T) {
	store, mr := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	written, err := store.Settle(ctx, port.Settlement{
		Key:        "bull:video-analysis:J1",
		Fields:     map[string]string{"returnvalue": `{"analysisComplete":true}`, "finishedOn": "10"},
		GuardField: "finishedOn",
		List:       "bull:video-analysis:active",
		Item:       []byte("gone"),
	})
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, `{"analysisComplete":true}`, mr.HGet("bull:video-analysis:J1", "returnvalue"))
}
