// Package lock provides a best-effort mutual exclusion for background jobs
// that several server instances would otherwise run at the same time.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	rdb "github.com/redis/go-redis/v9"
)

// Locker acquires a named lease. ok is false when someone else holds it.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// Local always grants the lease. Used when the server runs alone.
type Local struct{}

func (Local) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}

// releaseScript deletes the key only when it still holds our token, so an
// expired lease taken over by another instance is left alone.
var releaseScript = rdb.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type Redis struct {
	client rdb.Cmdable
}

func NewRedis(client rdb.Cmdable) *Redis {
	return &Redis{client: client}
}

// Key is the Redis key backing a lease name.
func Key(name string) string {
	return "hms:lock:" + name
}

func (r *Redis) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}
	key := Key(name)
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		releaseScript.Run(context.WithoutCancel(ctx), r.client, []string{key}, token)
	}
	return release, true, nil
}

func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
