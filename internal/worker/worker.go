package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

type JobHandler func(ctx context.Context, job *Job) error

// promoteScript moves due members of the delayed set onto the ready list.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	redis.call('RPUSH', KEYS[2], member)
end
return #due
`)

const promoteBatch = 100

type WorkerConfig struct {
	RedisClient    *redis.Client
	Queue          string
	PollInterval   time.Duration
	JobTimeout     time.Duration
	RetryBaseDelay time.Duration

	// LeaseTimeout is how long a worker may go without a heartbeat before
	// other workers requeue its claimed jobs. At least three poll intervals,
	// 30s by default.
	LeaseTimeout time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Worker claims jobs into its own processing list and heartbeats into the
// queue's worker set, so replicas only ever requeue jobs of workers whose
// lease expired.
type Worker struct {
	id             string
	client         *redis.Client
	queue          string
	pollInterval   time.Duration
	jobTimeout     time.Duration
	retryBaseDelay time.Duration
	leaseTimeout   time.Duration
	clock          clockwork.Clock
	logger         *slog.Logger

	handlers map[JobType]JobHandler
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewWorker(config WorkerConfig) *Worker {
	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		id:             uuid.Must(uuid.NewV4()).String(),
		client:         config.RedisClient,
		queue:          config.Queue,
		pollInterval:   config.PollInterval,
		jobTimeout:     config.JobTimeout,
		retryBaseDelay: config.RetryBaseDelay,
		leaseTimeout:   config.LeaseTimeout,
		clock:          config.Clock,
		logger:         config.Logger,
		handlers:       make(map[JobType]JobHandler),
		ctx:            ctx,
		cancel:         cancel,
	}
	if w.pollInterval <= 0 {
		w.pollInterval = time.Second
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = 30 * time.Second
	}
	if w.retryBaseDelay <= 0 {
		w.retryBaseDelay = 30 * time.Second
	}
	if w.leaseTimeout <= 0 {
		w.leaseTimeout = 30 * time.Second
	}
	if w.leaseTimeout < 3*w.pollInterval {
		w.leaseTimeout = 3 * w.pollInterval
	}
	if w.clock == nil {
		w.clock = clockwork.NewRealClock()
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("component", "worker", "queue", w.queue, "worker_id", w.id)
	return w
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) RegisterHandler(jobType JobType, handler JobHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = handler
}

// Start registers the worker and launches concurrency consumers plus one
// goroutine that heartbeats, promotes due delayed jobs and requeues jobs of
// expired workers.
func (w *Worker) Start(concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	w.logger.Info("starting worker", "concurrency", concurrency)
	if err := w.heartbeat(w.ctx); err != nil {
		w.logger.Error("failed to register worker", "error", err)
	}

	for i := 0; i < concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop()
	}
	w.wg.Add(1)
	go w.promoteLoop()
}

// Stop cancels polling, waits for in-flight jobs to finish and deregisters
// the worker.
func (w *Worker) Stop() {
	w.logger.Info("stopping worker")
	w.cancel()
	w.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := w.requeue(ctx, w.id); err != nil {
		w.logger.Error("failed to release claimed jobs", "error", err)
	} else if err := w.client.ZRem(ctx, workersKey(w.queue), w.id).Err(); err != nil {
		w.logger.Error("failed to deregister worker", "error", err)
	}
	w.logger.Info("worker stopped")
}

func (w *Worker) workerLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		if _, err := w.processNextJob(w.ctx); err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.logger.Error("error processing job", "error", err)
			select {
			case <-w.ctx.Done():
				return
			case <-w.clock.After(w.pollInterval):
			}
		}
	}
}

func (w *Worker) promoteLoop() {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.Chan():
			if err := w.heartbeat(w.ctx); err != nil && w.ctx.Err() == nil {
				w.logger.Error("failed to heartbeat", "error", err)
			}
			if _, err := w.promoteDueJobs(w.ctx); err != nil && w.ctx.Err() == nil {
				w.logger.Error("failed to promote delayed jobs", "error", err)
			}
			if _, err := w.RecoverInFlight(w.ctx); err != nil && w.ctx.Err() == nil {
				w.logger.Error("failed to recover in-flight jobs", "error", err)
			}
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context) error {
	return w.client.ZAdd(ctx, workersKey(w.queue), redis.Z{
		Score:  float64(w.clock.Now().UnixMilli()),
		Member: w.id,
	}).Err()
}

// RecoverInFlight moves jobs claimed by workers whose lease expired back onto
// the ready list and forgets those workers. Jobs of live workers, this one
// included, are left alone.
func (w *Worker) RecoverInFlight(ctx context.Context) (int, error) {
	cutoff := w.clock.Now().Add(-w.leaseTimeout).UnixMilli()
	stale, err := w.client.ZRangeByScore(ctx, workersKey(w.queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list expired workers: %w", err)
	}

	moved := 0
	for _, id := range stale {
		if id == w.id {
			continue
		}
		n, err := w.requeue(ctx, id)
		moved += n
		if err != nil {
			return moved, err
		}
		if err := w.client.ZRem(ctx, workersKey(w.queue), id).Err(); err != nil {
			return moved, fmt.Errorf("failed to forget worker %s: %w", id, err)
		}
		if n > 0 {
			w.logger.Info("recovered in-flight jobs", "count", n, "expired_worker", id)
		}
	}
	return moved, nil
}

// requeue moves every job in the processing list of workerID back onto the
// ready list, oldest claim first.
func (w *Worker) requeue(ctx context.Context, workerID string) (int, error) {
	moved := 0
	for {
		err := w.client.LMove(ctx, processingKey(w.queue, workerID), w.queue, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("failed to requeue jobs of worker %s: %w", workerID, err)
		}
		moved++
	}
}

func (w *Worker) promoteDueJobs(ctx context.Context) (int, error) {
	now := w.clock.Now().UnixMilli()
	n, err := promoteScript.Run(ctx, w.client,
		[]string{delayedKey(w.queue), w.queue}, now, promoteBatch).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	return n, nil
}

// processNextJob claims one job, blocking up to the poll interval. It reports
// whether a job was handled.
func (w *Worker) processNextJob(ctx context.Context) (bool, error) {
	raw, err := w.client.BLMove(ctx, w.queue, processingKey(w.queue, w.id), "LEFT", "RIGHT", w.pollInterval).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim job: %w", err)
	}

	// Acknowledgement must survive Stop cancelling the polling context.
	return true, w.handle(context.WithoutCancel(ctx), raw)
}

func (w *Worker) handle(ctx context.Context, raw string) error {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		w.logger.Error("discarding malformed job", "error", err)
		_, txErr := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, processingKey(w.queue, w.id), 1, raw)
			pipe.RPush(ctx, deadKey(w.queue), raw)
			return nil
		})
		return txErr
	}

	log := w.logger.With("job_id", job.ID, "job_type", job.Type)
	log.Debug("processing job", "attempt", job.Attempts+1)

	jobErr := w.execute(ctx, &job)
	if jobErr == nil {
		log.Info("job completed")
		return w.client.LRem(ctx, processingKey(w.queue, w.id), 1, raw).Err()
	}

	job.Attempts++
	job.LastError = jobErr.Error()

	if job.Attempts >= job.MaxTries {
		log.Error("job failed permanently", "attempts", job.Attempts, "error", jobErr)
		return w.moveToDeadQueue(ctx, raw, &job)
	}

	delay := w.backoff(job.Attempts)
	log.Warn("job failed, retrying", "attempts", job.Attempts, "max_tries", job.MaxTries,
		"retry_in", delay, "error", jobErr)
	return w.retryJob(ctx, raw, &job, delay)
}

func (w *Worker) execute(ctx context.Context, job *Job) (err error) {
	w.mu.RLock()
	handler, exists := w.handlers[job.Type]
	w.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNoHandler, job.Type)
	}

	ctx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

// backoff returns base * 2^attempts.
func (w *Worker) backoff(attempts int) time.Duration {
	if attempts > 20 {
		attempts = 20
	}
	return w.retryBaseDelay * time.Duration(1<<attempts)
}

func (w *Worker) retryJob(ctx context.Context, raw string, job *Job, delay time.Duration) error {
	job.ProcessAt = w.clock.Now().Add(delay)
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, delayedKey(w.queue), redis.Z{
			Score:  float64(job.ProcessAt.UnixMilli()),
			Member: data,
		})
		pipe.LRem(ctx, processingKey(w.queue, w.id), 1, raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reschedule job %s: %w", job.ID, err)
	}
	return nil
}

func (w *Worker) moveToDeadQueue(ctx context.Context, raw string, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal dead job: %w", err)
	}

	_, err = w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, deadKey(w.queue), data)
		pipe.LRem(ctx, processingKey(w.queue, w.id), 1, raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to move job %s to dead queue: %w", job.ID, err)
	}
	return nil
}
