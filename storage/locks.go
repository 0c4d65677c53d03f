package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockBusy is returned when a container lock could not be acquired
// within the caller's deadline.
var ErrLockBusy = errors.New("container lock busy")

// releaseScript deletes the lock only when the caller still owns it, so a
// slow holder whose TTL expired cannot release somebody else's lock.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// ContainerLocks serializes moves per (user, container) across all API
// instances. Two concurrent moves in the same container would otherwise
// read the same neighbor orders and write colliding values.
type ContainerLocks struct {
	client     *redis.Client
	ttl        time.Duration
	retryDelay time.Duration
}

// NewContainerLocks creates a lock manager. ttl bounds how long a crashed
// holder can block a container.
func NewContainerLocks(client *redis.Client, ttl time.Duration) *ContainerLocks {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &ContainerLocks{client: client, ttl: ttl, retryDelay: 25 * time.Millisecond}
}

func lockKey(userID, container string) string {
	return "lock:board:" + userID + ":" + container
}

// Acquire blocks until the lock is held or ctx expires. The returned
// release function is safe to call once; it only releases a lock this
// caller still owns.
func (l *ContainerLocks) Acquire(ctx context.Context, userID, container string) (func(), error) {
	key := lockKey(userID, container)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ErrLockBusy
		case <-time.After(l.retryDelay):
		}
	}
	release := func() {
		// Release must not depend on the request context still being
		// alive.
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.client.Eval(relCtx, releaseScript, []string{key}, token).Err()
	}
	return release, nil
}

// AcquireMany takes locks for several containers in sorted order to avoid
// lock-order inversion between concurrent multi-container moves.
func (l *ContainerLocks) AcquireMany(ctx context.Context, userID string, containers []string) (func(), error) {
	deduped := dedupeSorted(containers)
	releases := make([]func(), 0, len(deduped))
	for _, c := range deduped {
		release, err := l.Acquire(ctx, userID, c)
		if err != nil {
			for i := len(releases) - 1; i >= 0; i-- {
				releases[i]()
			}
			return nil, err
		}
		releases = append(releases, release)
	}
	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}, nil
}

func dedupeSorted(in []string) []string {
	out := append([]string(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	n := 0
	for i, v := range out {
		if i == 0 || v != out[n-1] {
			out[n] = v
			n++
		}
	}
	return out[:n]
}
