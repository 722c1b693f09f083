// Package redis implements port.QueueStore on Redis lists and hashes, the
// layout BullMQ producers already write.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mitt-app/mitt-worker/internal/domain"
	"github.com/mitt-app/mitt-worker/internal/port"
	goredis "github.com/redis/go-redis/v9"
)

// settleScript removes the leased item and writes the terminal fields unless
// the guard field already exists.
// KEYS[1] job hash, KEYS[2] list; ARGV[1] item, ARGV[2] guard, ARGV[3..] pairs.
var settleScript = goredis.NewScript(`
redis.call('LREM', KEYS[2], -1, ARGV[1])
if ARGV[2] ~= '' and redis.call('HEXISTS', KEYS[1], ARGV[2]) == 1 then
	return 0
end
if #ARGV > 2 then
	redis.call('HSET', KEYS[1], unpack(ARGV, 3))
end
return 1
`)

type Store struct {
	client *goredis.Client
}

// NewStore parses a redis:// URL. It does not contact the server.
func NewStore(redisURL string) (*Store, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewStoreFromClient(goredis.NewClient(opts)), nil
}

func NewStoreFromClient(client *goredis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectivity, err)
	}
	return nil
}

func (s *Store) Push(ctx context.Context, list string, item []byte) error {
	if err := s.client.LPush(ctx, list, item).Err(); err != nil {
		return fmt.Errorf("push %s: %w", list, err)
	}
	return nil
}

func (s *Store) Move(ctx context.Context, src, dst string, timeout time.Duration) ([]byte, error) {
	item, err := s.client.BRPopLPush(ctx, src, dst, timeout).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: move %s -> %s: %v", domain.ErrConnectivity, src, dst, err)
	}
	return item, nil
}

func (s *Store) Range(ctx context.Context, list string) ([][]byte, error) {
	values, err := s.client.LRange(ctx, list, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", list, err)
	}
	items := make([][]byte, len(values))
	for i, v := range values {
		items[i] = []byte(v)
	}
	return items, nil
}

func (s *Store) Remove(ctx context.Context, list string, item []byte) (bool, error) {
	n, err := s.client.LRem(ctx, list, -1, item).Result()
	if err != nil {
		return false, fmt.Errorf("remove from %s: %w", list, err)
	}
	return n > 0, nil
}

func (s *Store) SetFields(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	pairs := make([]any, 0, 2*len(fields))
	for k, v := range fields {
		pairs = append(pairs, k, v)
	}
	if err := s.client.HSet(ctx, key, pairs...).Err(); err != nil {
		return fmt.Errorf("set fields on %s: %w", key, err)
	}
	return nil
}

func (s *Store) GetFields(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("get fields of %s: %w", key, err)
	}
	return fields, nil
}

func (s *Store) Settle(ctx context.Context, st port.Settlement) (bool, error) {
	args := make([]any, 0, 2+2*len(st.Fields))
	args = append(args, st.Item, st.GuardField)
	for k, v := range st.Fields {
		args = append(args, k, v)
	}

	written, err := settleScript.Run(ctx, s.client, []string{st.Key, st.List}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("settle %s: %w", st.Key, err)
	}
	return written == 1, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

var _ port.QueueStore = (*Store)(nil)
