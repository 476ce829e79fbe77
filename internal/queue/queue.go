package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// QueueRender holds every render job; the job type selects the planner.
const QueueRender = "queue:render"

// Job types.
const (
	TypeCompose  = "compose"
	TypeSpeedFit = "speed_fit"
	TypeZoom     = "zoom"
	TypeTrim     = "trim"
)

type Queue struct {
	client *redis.Client
}

// Job is the queue message. The request itself is stored on the job row;
// the message only carries the id.
type Job struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	Attempt   int       `json:"attempt,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Ping checks the redis connection; used by the health endpoint.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, job *Job) error {
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, queueName, data).Err()
}

// Dequeue blocks for up to timeout. It returns (nil, nil) when no job
// arrived in time.
func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, queueName).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}
	return decodeJob([]byte(result[1]))
}

// EnqueueRender queues a render job of the given type.
func (q *Queue) EnqueueRender(ctx context.Context, jobType string, jobID uuid.UUID) error {
	return q.Enqueue(ctx, QueueRender, &Job{ID: jobID, Type: jobType})
}

func encodeJob(job *Job) ([]byte, error) {
	if !ValidType(job.Type) {
		return nil, fmt.Errorf("unknown job type %q", job.Type)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}

func decodeJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.ID == uuid.Nil {
		return nil, fmt.Errorf("job message has no id")
	}
	return &job, nil
}

// ValidType reports whether t is a known job type.
func ValidType(t string) bool {
	switch t {
	case TypeCompose, TypeSpeedFit, TypeZoom, TypeTrim:
		return true
	}
	return false
}
