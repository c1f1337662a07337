package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

type JobType string

const (
	JobTypeEmailNotification JobType = "email_notification"
)

var ErrNoHandler = errors.New("no handler registered for job type")

type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	MaxTries  int             `json:"max_tries"`
	CreatedAt time.Time       `json:"created_at"`
	ProcessAt time.Time       `json:"process_at"`
	LastError string          `json:"last_error,omitempty"`
}

// Decode unmarshals the job payload into dest.
func (j *Job) Decode(dest interface{}) error {
	if err := json.Unmarshal(j.Payload, dest); err != nil {
		return fmt.Errorf("failed to decode payload of job %s: %w", j.ID, err)
	}
	return nil
}

func newJob(jobType JobType, payload interface{}, maxTries int, now, processAt time.Time) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("failed to generate job id: %w", err)
	}
	return &Job{
		ID:        id.String(),
		Type:      jobType,
		Payload:   data,
		MaxTries:  maxTries,
		CreatedAt: now,
		ProcessAt: processAt,
	}, nil
}

// Key layout for a queue named Q: Q holds ready jobs, Q:processing:<id> jobs
// claimed by worker <id>, Q:workers worker ids scored by their last heartbeat
// in milliseconds, Q:delayed jobs scored by their process_at in milliseconds,
// Q:dead jobs that exhausted their tries.
func processingKey(queue, workerID string) string { return queue + ":processing:" + workerID }
func processingPattern(queue string) string       { return queue + ":processing:*" }
func workersKey(queue string) string              { return queue + ":workers" }
func delayedKey(queue string) string              { return queue + ":delayed" }
func deadKey(queue string) string                 { return queue + ":dead" }

type QueueOptions struct {
	MaxTries       int
	EnqueueTimeout time.Duration
	Clock          clockwork.Clock
}

func DefaultQueueOptions() *QueueOptions {
	return &QueueOptions{
		MaxTries:       3,
		EnqueueTimeout: 5 * time.Second,
		Clock:          clockwork.NewRealClock(),
	}
}

type JobQueue struct {
	client  *redis.Client
	queue   string
	options QueueOptions
}

func NewJobQueue(client *redis.Client, queue string, opts *QueueOptions) *JobQueue {
	options := *DefaultQueueOptions()
	if opts != nil {
		if opts.MaxTries > 0 {
			options.MaxTries = opts.MaxTries
		}
		if opts.EnqueueTimeout > 0 {
			options.EnqueueTimeout = opts.EnqueueTimeout
		}
		if opts.Clock != nil {
			options.Clock = opts.Clock
		}
	}
	return &JobQueue{client: client, queue: queue, options: options}
}

func (q *JobQueue) Name() string {
	return q.queue
}

func (q *JobQueue) Enqueue(ctx context.Context, jobType JobType, payload interface{}) (*Job, error) {
	return q.EnqueueAt(ctx, jobType, payload, q.options.Clock.Now())
}

// EnqueueAt pushes the job onto the ready list, or onto the delayed set when
// processAt lies in the future.
func (q *JobQueue) EnqueueAt(ctx context.Context, jobType JobType, payload interface{}, processAt time.Time) (*Job, error) {
	now := q.options.Clock.Now()
	job, err := newJob(jobType, payload, q.options.MaxTries, now, processAt)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, q.options.EnqueueTimeout)
	defer cancel()

	if processAt.After(now) {
		err = q.client.ZAdd(ctx, delayedKey(q.queue), redis.Z{
			Score:  float64(processAt.UnixMilli()),
			Member: data,
		}).Err()
	} else {
		err = q.client.RPush(ctx, q.queue, data).Err()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return job, nil
}

func (q *JobQueue) Size(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queue).Result()
}

// ProcessingSize counts jobs claimed by any worker and not yet acknowledged.
func (q *JobQueue) ProcessingSize(ctx context.Context) (int64, error) {
	var total int64
	iter := q.client.Scan(ctx, 0, processingPattern(q.queue), 100).Iterator()
	for iter.Next(ctx) {
		n, err := q.client.LLen(ctx, iter.Val()).Result()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, iter.Err()
}

func (q *JobQueue) DelayedSize(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, delayedKey(q.queue)).Result()
}

func (q *JobQueue) DeadSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, deadKey(q.queue)).Result()
}

// DeadJobs returns up to limit jobs from the dead letter list, oldest first.
func (q *JobQueue) DeadJobs(ctx context.Context, limit int64) ([]Job, error) {
	raw, err := q.client.LRange(ctx, deadKey(q.queue), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead jobs: %w", err)
	}
	jobs := make([]Job, 0, len(raw))
	for _, item := range raw {
		var job Job
		if err := json.Unmarshal([]byte(item), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *JobQueue) Stats(ctx context.Context) map[string]interface{} {
	stats := map[string]interface{}{"queue": q.queue}
	sizes := map[string]func(context.Context) (int64, error){
		"ready":      q.Size,
		"processing": q.ProcessingSize,
		"delayed":    q.DelayedSize,
		"dead":       q.DeadSize,
	}
	for name, size := range sizes {
		n, err := size(ctx)
		if err != nil {
			stats["error"] = err.Error()
			continue
		}
		stats[name] = n
	}
	return stats
}
