package streamq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pdftables/dispatch"
)

// TerminalError marks an error as terminal: the message is ACKed even though err != nil.
// Failed jobs are recorded in their job directory and are never retried.
type TerminalError struct{ Err error }

func (e TerminalError) Error() string {
	if e.Err == nil {
		return "terminal"
	}
	return e.Err.Error()
}

func (e TerminalError) Unwrap() error { return e.Err }

func Terminal(err error) error { return TerminalError{Err: err} }

func IsTerminal(err error) bool {
	var te TerminalError
	return errors.As(err, &te)
}

const (
	fieldJobID    = "jobId"
	fieldFilePath = "filePath"
	fieldJobDir   = "jobDir"
)

// RedisStreamQueue is a dispatch.Dispatcher backed by a Redis Stream.
type RedisStreamQueue struct {
	rdb    *redis.Client
	stream string
	group  string
	maxLen int64
}

var _ dispatch.Dispatcher = (*RedisStreamQueue)(nil)

func NewRedisStreamQueue(rdb *redis.Client, stream, group string, maxLen int64) *RedisStreamQueue {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &RedisStreamQueue{
		rdb:    rdb,
		stream: strings.TrimSpace(stream),
		group:  strings.TrimSpace(group),
		maxLen: maxLen,
	}
}

func (q *RedisStreamQueue) Dispatch(ctx context.Context, t dispatch.Task) error {
	if q == nil || q.rdb == nil {
		return errors.New("redis stream queue not initialised")
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if q.stream == "" {
		return errors.New("stream key is empty")
	}
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: taskValues(t),
	}).Err()
}

func (q *RedisStreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil || q.rdb == nil {
		return errors.New("redis stream queue not initialised")
	}
	if q.stream == "" || q.group == "" {
		return errors.New("stream/group is empty")
	}
	// MKSTREAM: create stream automatically if it doesn't exist.
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err == nil {
		return nil
	}
	// BUSYGROUP means already exists.
	if strings.Contains(strings.ToLower(err.Error()), "busygroup") {
		return nil
	}
	return err
}

func taskValues(t dispatch.Task) map[string]interface{} {
	return map[string]interface{}{
		fieldJobID:    strings.TrimSpace(t.JobID),
		fieldFilePath: t.FilePath,
		fieldJobDir:   t.JobDir,
	}
}

func taskFromValues(values map[string]interface{}) (dispatch.Task, error) {
	get := func(k string) string {
		v, ok := values[k]
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprintf("%v", v)
	}
	t := dispatch.Task{
		JobID:    strings.TrimSpace(get(fieldJobID)),
		FilePath: get(fieldFilePath),
		JobDir:   get(fieldJobDir),
	}
	return t, t.Validate()
}

type Consumer struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
	count    int64
	concur   chan struct{}
	logger   *slog.Logger

	// Pending handling (XAUTOCLAIM). Disabled when claimMinIdle is zero.
	claimMinIdle    time.Duration
	claimCount      int64
	claimStart      string
	claimEvery      time.Duration
	lastClaimedTime time.Time
}

func NewConsumer(rdb *redis.Client, stream, group, consumer string, logger *slog.Logger) *Consumer {
	c := strings.TrimSpace(consumer)
	if c == "" {
		c = "c-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		rdb:      rdb,
		stream:   strings.TrimSpace(stream),
		group:    strings.TrimSpace(group),
		consumer: c,
		block:    10 * time.Second,
		count:    10,
		logger:   logger,

		claimCount: 50,
		claimStart: "0-0",
		claimEvery: 3 * time.Second,
	}
}

func (c *Consumer) Name() string { return c.consumer }

// SetConcurrency sets the max concurrent handler goroutines.
// n<=1 means run sequentially.
func (c *Consumer) SetConcurrency(n int) {
	if c == nil {
		return
	}
	if n <= 1 {
		c.concur = nil
		return
	}
	c.concur = make(chan struct{}, n)
}

// SetClaimMinIdle enables re-claiming messages left pending by a crashed consumer
// once they have been idle for d. Zero disables it.
func (c *Consumer) SetClaimMinIdle(d time.Duration) {
	if c == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	c.claimMinIdle = d
}

// ConsumeLoop reads the stream until ctx is done. Handlers started before that are
// given a context that is not cancelled, so a running extraction is never interrupted.
func (c *Consumer) ConsumeLoop(ctx context.Context, handler dispatch.Handler) error {
	if c == nil || c.rdb == nil {
		return errors.New("consumer not initialised")
	}
	if c.stream == "" || c.group == "" {
		return errors.New("stream/group is empty")
	}
	if handler == nil {
		return errors.New("handler is nil")
	}
	defer c.drain()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.maybeAutoClaim(ctx, handler)

		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    c.count,
			Block:    c.block,
			NoAck:    false,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// transient network issue: keep looping
			c.logger.Warn("stream consume error", "err", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				c.dispatchOne(ctx, handler, msg)
			}
		}
	}
}

func (c *Consumer) dispatchOne(ctx context.Context, handler dispatch.Handler, msg redis.XMessage) {
	hctx := context.WithoutCancel(ctx)
	if c.concur == nil {
		c.handleOne(hctx, handler, msg)
		return
	}
	c.concur <- struct{}{}
	go func(m redis.XMessage) {
		defer func() { <-c.concur }()
		c.handleOne(hctx, handler, m)
	}(msg)
}

// drain waits for in-flight handlers.
func (c *Consumer) drain() {
	if c.concur == nil {
		return
	}
	for i := 0; i < cap(c.concur); i++ {
		c.concur <- struct{}{}
	}
	for i := 0; i < cap(c.concur); i++ {
		<-c.concur
	}
}

func (c *Consumer) ack(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	return c.rdb.XAck(ctx, c.stream, c.group, id).Err()
}

func (c *Consumer) handleOne(ctx context.Context, handler dispatch.Handler, msg redis.XMessage) {
	t, err := taskFromValues(msg.Values)
	if err != nil {
		c.logger.Warn("drop malformed stream message", "msg_id", msg.ID, "err", err)
		_ = c.ack(ctx, msg.ID)
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("handler panic", "msg_id", msg.ID, "job_id", t.JobID, "panic", r)
				// treat panic as terminal to avoid hot-looping on a poison message
				err = Terminal(fmt.Errorf("panic: %v", r))
			}
		}()
		err = handler(ctx, t)
	}()

	// ACK rules:
	// - nil or Terminal(err): always ACK
	// - otherwise: keep pending (may be auto-claimed later)
	if err == nil || IsTerminal(err) {
		_ = c.ack(ctx, msg.ID)
		return
	}
	c.logger.Warn("handler non-terminal error, keep pending", "msg_id", msg.ID, "job_id", t.JobID, "err", err)
}

func (c *Consumer) maybeAutoClaim(ctx context.Context, handler dispatch.Handler) {
	if c == nil || c.rdb == nil {
		return
	}
	if c.claimEvery <= 0 || c.claimMinIdle <= 0 {
		return
	}
	now := time.Now()
	if !c.lastClaimedTime.IsZero() && now.Sub(c.lastClaimedTime) < c.claimEvery {
		return
	}
	c.lastClaimedTime = now

	msgs, nextStart, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  c.claimMinIdle,
		Start:    c.claimStart,
		Count:    c.claimCount,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("xautoclaim error", "err", err)
		}
		return
	}
	if strings.TrimSpace(nextStart) != "" {
		c.claimStart = nextStart
	}
	for _, msg := range msgs {
		c.dispatchOne(ctx, handler, msg)
	}
}
