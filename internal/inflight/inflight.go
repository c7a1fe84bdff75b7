// Package inflight guards a work order against concurrent execution. The
// local marker covers a single process; the Redis marker spans processes
// sharing one database.
package inflight

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrBusy = errors.New("work order already in flight")

// Marker hands out exclusive, expiring claims on a key.
type Marker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

type Local struct {
	mu      sync.Mutex
	now     func() time.Time
	holders map[string]time.Time
}

func NewLocal() *Local {
	return &Local{now: time.Now, holders: make(map[string]time.Time)}
}

func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if exp, ok := l.holders[key]; ok && now.Before(exp) {
		return nil, ErrBusy
	}
	exp := now.Add(ttl)
	l.holders[key] = exp
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.holders[key]; ok && cur.Equal(exp) {
			delete(l.holders, key)
		}
	}, nil
}

// releaseScript deletes the key only while it still holds our token.
// KEYS[1] = marker key
// ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client, prefix: "missioncontrol:inflight:"}
}

// Dial connects to a standalone Redis server.
func Dial(addr, password string, db int) *Redis {
	return NewRedis(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	k := r.prefix + key
	ok, err := r.client.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis inflight marker: %w", err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, r.client, []string{k}, token).Err()
	}, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
