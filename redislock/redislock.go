package redislock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "pdftables:lock:job:"

// ErrNotAcquired means another holder owns the lock.
var ErrNotAcquired = errors.New("lock held by another worker")

// Client is a single-key Redis lock: SET NX PX plus Lua compare-and-release/refresh.
// It keeps two worker replicas from processing the same job at once.
type Client struct {
	rdb     *redis.Client
	prefix  string
	ttl     time.Duration
	refresh time.Duration
}

func New(rdb *redis.Client, prefix string, ttl, refresh time.Duration) *Client {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	if refresh <= 0 || refresh >= ttl {
		refresh = ttl / 4
	}
	return &Client{rdb: rdb, prefix: prefix, ttl: ttl, refresh: refresh}
}

func (c *Client) Key(jobID string) string {
	return c.prefix + strings.TrimSpace(jobID)
}

func Token() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// Hold runs fn while holding the lock for jobID, refreshing it in the background.
// It returns ErrNotAcquired without running fn when the lock is taken.
func (c *Client) Hold(ctx context.Context, jobID string, fn func() error) error {
	if c == nil || c.rdb == nil {
		return errors.New("redis lock not initialised")
	}
	token, err := Token()
	if err != nil {
		return err
	}
	key := c.Key(jobID)
	ok, err := c.Acquire(ctx, key, token)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	defer func() {
		_, _ = c.Release(context.Background(), key, token)
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		t := time.NewTicker(c.refresh)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if _, err := c.Refresh(context.Background(), key, token); err != nil {
					// best-effort; TTL is long enough for typical jobs
					slog.Warn("lock refresh failed", "key", key, "err", err)
				}
			}
		}
	}()

	return fn()
}

func (c *Client) Acquire(ctx context.Context, key, token string) (bool, error) {
	if key == "" || token == "" {
		return false, errors.New("lock key/token is empty")
	}
	return c.rdb.SetNX(ctx, key, token, c.ttl).Result()
}

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

func (c *Client) Refresh(ctx context.Context, key, token string) (bool, error) {
	if key == "" || token == "" {
		return false, errors.New("lock key/token is empty")
	}
	n, err := refreshScript.Run(ctx, c.rdb, []string{key}, token, c.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	// PEXPIRE returns 1 if timeout was set, 0 otherwise.
	return n == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (c *Client) Release(ctx context.Context, key, token string) (bool, error) {
	if key == "" || token == "" {
		return false, errors.New("lock key/token is empty")
	}
	n, err := releaseScript.Run(ctx, c.rdb, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
