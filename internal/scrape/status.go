package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TaskState is the lifecycle state of one queued deep-scrape task.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskProcessing TaskState = "processing"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

// TaskRecord is the externally visible status of one task. Result is
// set once the task completes.
type TaskRecord struct {
	TaskID    string      `json:"task_id"`
	Username  string      `json:"username"`
	State     TaskState   `json:"status"`
	Error     string      `json:"error,omitempty"`
	Result    *TaskResult `json:"result,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// TaskResult aggregates what a completed deep scrape collected. The
// full follower rows live in storage; the record carries the counts and
// the mutual audience usernames.
type TaskResult struct {
	FollowersCount  int      `json:"followers_count"`
	FollowingsCount int      `json:"followings_count"`
	MutualsCount    int      `json:"mutuals_count"`
	MediaCount      int      `json:"media_count"`
	CommentsCount   int      `json:"comments_count"`
	Mutuals         []string `json:"mutuals,omitempty"`
}

// TaskStore keeps task status records with a bounded lifetime.
type TaskStore interface {
	Put(ctx context.Context, rec TaskRecord) error
	Get(ctx context.Context, taskID string) (TaskRecord, bool, error)
	List(ctx context.Context) ([]TaskRecord, error)
	Close() error
}

// NewTaskStore builds the configured task store backend.
func NewTaskStore(backend, redisURL string, ttl time.Duration) (TaskStore, error) {
	switch backend {
	case "memory", "":
		return NewMemoryTaskStore(ttl), nil
	case "redis":
		if redisURL == "" {
			return nil, fmt.Errorf("redis task store requires redis_url")
		}
		return NewRedisTaskStore(redisURL, ttl)
	default:
		return nil, fmt.Errorf("unknown task store backend %q", backend)
	}
}

// MemoryTaskStore keeps task records in a map; Sweep evicts stale ones.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	ttl   time.Duration
	tasks map[string]TaskRecord
}

func NewMemoryTaskStore(ttl time.Duration) *MemoryTaskStore {
	return &MemoryTaskStore{ttl: ttl, tasks: make(map[string]TaskRecord)}
}

func (s *MemoryTaskStore) Put(ctx context.Context, rec TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[rec.TaskID] = rec
	return nil
}

func (s *MemoryTaskStore) Get(ctx context.Context, taskID string) (TaskRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tasks[taskID]
	if !ok || s.expired(rec, time.Now()) {
		return TaskRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *MemoryTaskStore) List(ctx context.Context) ([]TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	out := make([]TaskRecord, 0, len(s.tasks))
	for _, rec := range s.tasks {
		if s.expired(rec, now) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Sweep removes records past their lifetime and reports how many went.
func (s *MemoryTaskStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.tasks {
		if s.expired(rec, now) {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed
}

func (s *MemoryTaskStore) expired(rec TaskRecord, now time.Time) bool {
	return s.ttl > 0 && now.Sub(rec.UpdatedAt) > s.ttl
}

func (s *MemoryTaskStore) Close() error { return nil }

// RedisTaskStore keeps task records in Redis and leans on native key
// expiry instead of a sweeper.
type RedisTaskStore struct {
	client *redis.Client
	ttl    time.Duration
}

const redisTaskPrefix = "scrape:task:"

func NewRedisTaskStore(redisURL string, ttl time.Duration) (*RedisTaskStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisTaskStore{client: client, ttl: ttl}, nil
}

func (s *RedisTaskStore) Put(ctx context.Context, rec TaskRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode task record: %w", err)
	}
	if err := s.client.Set(ctx, redisTaskPrefix+rec.TaskID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store task record: %w", err)
	}
	return nil
}

func (s *RedisTaskStore) Get(ctx context.Context, taskID string) (TaskRecord, bool, error) {
	data, err := s.client.Get(ctx, redisTaskPrefix+taskID).Bytes()
	if err == redis.Nil {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, fmt.Errorf("load task record: %w", err)
	}
	var rec TaskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return TaskRecord{}, false, fmt.Errorf("decode task record: %w", err)
	}
	return rec, true, nil
}

func (s *RedisTaskStore) List(ctx context.Context) ([]TaskRecord, error) {
	var out []TaskRecord
	iter := s.client.Scan(ctx, 0, redisTaskPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load task record: %w", err)
		}
		var rec TaskRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan task records: %w", err)
	}
	return out, nil
}

func (s *RedisTaskStore) Close() error { return s.client.Close() }

// QueueStatus aggregates the task store for the status endpoint.
type QueueStatus struct {
	PendingCount int      `json:"pending_count"`
	Processing   []string `json:"processing"`
	Completed    []string `json:"completed"`
	Failed       []string `json:"failed"`
	WorkerAlive  bool     `json:"worker_alive"`
}
