package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"pdftables/domain"
)

// JobStore keeps submission metadata and timings for extraction jobs.
//
// NOTE: it is an index, not the source of truth. Job state always comes from the job
// directory; a missing record only means less detail in GET /jobs/{id}.
type JobStore interface {
	Create(ctx context.Context, job *domain.ExtractJob) error
	Get(ctx context.Context, id string) (*domain.ExtractJob, bool, error)
	Update(ctx context.Context, id string, fn func(j *domain.ExtractJob)) (*domain.ExtractJob, bool, error)
}

type InMemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.ExtractJob
}

func NewInMemoryJobStore() *InMemoryJobStore {
	return &InMemoryJobStore{jobs: make(map[string]*domain.ExtractJob)}
}

func (s *InMemoryJobStore) Create(_ context.Context, job *domain.ExtractJob) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return errors.New("job/id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return nil
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *InMemoryJobStore) Get(_ context.Context, id string) (*domain.ExtractJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j == nil {
		return nil, false, nil
	}
	// Return a copy to avoid accidental mutation outside the lock.
	cp := *j
	return &cp, true, nil
}

func (s *InMemoryJobStore) Update(_ context.Context, id string, fn func(j *domain.ExtractJob)) (*domain.ExtractJob, bool, error) {
	if fn == nil {
		return nil, false, errors.New("update fn is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false, nil
	}
	fn(j)
	cp := *j
	return &cp, true, nil
}

type jobRecord struct {
	ID         string     `json:"id"`
	FileName   string     `json:"fileName"`
	FilePath   string     `json:"filePath"`
	Size       int64      `json:"size"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Outcome    string     `json:"outcome,omitempty"`
	Rows       int        `json:"rows,omitempty"`
	Error      string     `json:"error,omitempty"`
}

func recordFromJob(j *domain.ExtractJob) jobRecord {
	if j == nil {
		return jobRecord{}
	}
	return jobRecord{
		ID:         j.ID,
		FileName:   j.FileName,
		FilePath:   j.FilePath,
		Size:       j.Size,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		Outcome:    j.Outcome,
		Rows:       j.Rows,
		Error:      j.Error,
	}
}

func jobFromRecord(r jobRecord) *domain.ExtractJob {
	return &domain.ExtractJob{
		ID:         r.ID,
		FileName:   r.FileName,
		FilePath:   r.FilePath,
		Size:       r.Size,
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Outcome:    r.Outcome,
		Rows:       r.Rows,
		Error:      r.Error,
	}
}

type RedisJobStore struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func NewRedisJobStore(rdb *redis.Client, keyPrefix string, ttl time.Duration) (*RedisJobStore, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "pdftables:job:"
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisJobStore{rdb: rdb, keyPrefix: keyPrefix, ttl: ttl}, nil
}

func (s *RedisJobStore) key(id string) string {
	return s.keyPrefix + strings.TrimSpace(id)
}

func (s *RedisJobStore) Create(ctx context.Context, job *domain.ExtractJob) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return errors.New("job/id is empty")
	}
	b, err := json.Marshal(recordFromJob(job))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.rdb.SetNX(ctx, s.key(job.ID), b, s.ttl).Err()
}

func (s *RedisJobStore) Get(ctx context.Context, id string) (*domain.ExtractJob, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	val, err := s.rdb.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec jobRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, false, err
	}
	return jobFromRecord(rec), true, nil
}

func (s *RedisJobStore) Update(ctx context.Context, id string, fn func(j *domain.ExtractJob)) (*domain.ExtractJob, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	if fn == nil {
		return nil, false, errors.New("update fn is nil")
	}

	key := s.key(id)

	var out *domain.ExtractJob
	var ok bool

	ctx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()

	for i := 0; i < 8; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				ok = false
				out = nil
				return nil
			}
			if err != nil {
				return err
			}
			var rec jobRecord
			if err := json.Unmarshal([]byte(val), &rec); err != nil {
				return err
			}
			j := jobFromRecord(rec)
			fn(j)
			out = j
			ok = true

			nb, err := json.Marshal(recordFromJob(j))
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, nb, redis.KeepTTL)
				return nil
			})
			return err
		}, key)

		if err == nil {
			return out, ok, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}

	return nil, false, errors.New("redis update retry exceeded")
}
