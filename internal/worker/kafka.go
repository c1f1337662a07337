package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/twmb/franz-go/pkg/kgo"
)

type KafkaConfig struct {
	Brokers  []string
	Topic    string
	Group    string
	MaxTries int
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

func deadTopic(topic string) string {
	return topic + ".dead"
}

// retryTopic holds jobs waiting for their backoff, so they never sit in front
// of fresh jobs on the main topic.
func retryTopic(topic string) string {
	return topic + ".retry"
}

// republishBackoff is how long a partition stays paused after a retry or
// dead letter could not be published.
const republishBackoff = 5 * time.Second

// maxPollRecords bounds a poll, since rebalances wait for it to be processed.
const maxPollRecords = 50

// NewKafkaClient builds a producer client, or a consumer group member when
// group is set.
func NewKafkaClient(brokers []string, topic, group string) (*kgo.Client, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.AllowAutoTopicCreation(),
	}
	if group != "" {
		opts = append(opts,
			kgo.ConsumerGroup(group),
			kgo.ConsumeTopics(topic, retryTopic(topic)),
			kgo.DisableAutoCommit(),
			kgo.BlockRebalanceOnPoll(),
		)
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return client, nil
}

// KafkaQueue publishes jobs as JSON records keyed by job id.
type KafkaQueue struct {
	client   *kgo.Client
	topic    string
	maxTries int
	clock    clockwork.Clock
	logger   *slog.Logger
}

func NewKafkaQueue(client *kgo.Client, config KafkaConfig) *KafkaQueue {
	q := &KafkaQueue{
		client:   client,
		topic:    config.Topic,
		maxTries: config.MaxTries,
		clock:    config.Clock,
		logger:   config.Logger,
	}
	if q.maxTries <= 0 {
		q.maxTries = 3
	}
	if q.clock == nil {
		q.clock = clockwork.NewRealClock()
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q
}

// Enqueue hands the record to the client's produce buffer and returns without
// waiting for the broker; delivery failures are logged.
func (q *KafkaQueue) Enqueue(ctx context.Context, jobType JobType, payload interface{}) (*Job, error) {
	now := q.clock.Now()
	job, err := newJob(jobType, payload, q.maxTries, now, now)
	if err != nil {
		return nil, err
	}
	record, err := jobRecord(q.topic, job)
	if err != nil {
		return nil, err
	}

	q.client.Produce(context.WithoutCancel(ctx), record, func(_ *kgo.Record, err error) {
		if err != nil {
			q.logger.Error("failed to publish job", "job_id", job.ID, "topic", q.topic, "error", err)
		}
	})
	return job, nil
}

func (q *KafkaQueue) Close() {
	q.client.Close()
}

func jobRecord(topic string, job *Job) (*kgo.Record, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return &kgo.Record{Topic: topic, Key: []byte(job.ID), Value: data}, nil
}

// ConsumerClient is the part of *kgo.Client a KafkaConsumer drives.
type ConsumerClient interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	PauseFetchPartitions(topicPartitions map[string][]int32) map[string][]int32
	ResumeFetchPartitions(topicPartitions map[string][]int32)
	SetOffsets(setOffsets map[string]map[int32]kgo.EpochOffset)
	AllowRebalance()
}

var _ ConsumerClient = (*kgo.Client)(nil)

// KafkaConsumer runs registered handlers over a topic and its retry topic.
// Failed jobs are republished to "<topic>.retry" with attempts+1 and a future
// process_at; jobs out of tries go to "<topic>.dead". A record is committed
// only once it is handled and its follow-up is published.
type KafkaConsumer struct {
	client   ConsumerClient
	topic    string
	clock    clockwork.Clock
	logger   *slog.Logger
	handlers map[JobType]JobHandler
	mu       sync.RWMutex

	retryBaseDelay time.Duration
	jobTimeout     time.Duration
}

func NewKafkaConsumer(client ConsumerClient, config KafkaConfig, retryBaseDelay, jobTimeout time.Duration) *KafkaConsumer {
	c := &KafkaConsumer{
		client:         client,
		topic:          config.Topic,
		clock:          config.Clock,
		logger:         config.Logger,
		handlers:       make(map[JobType]JobHandler),
		retryBaseDelay: retryBaseDelay,
		jobTimeout:     jobTimeout,
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.retryBaseDelay <= 0 {
		c.retryBaseDelay = 30 * time.Second
	}
	if c.jobTimeout <= 0 {
		c.jobTimeout = 30 * time.Second
	}
	c.logger = c.logger.With("component", "kafka_consumer", "topic", c.topic)
	return c
}

func (c *KafkaConsumer) RegisterHandler(jobType JobType, handler JobHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[jobType] = handler
}

// Run polls until ctx is cancelled or the client is closed. Rebalances wait
// until a poll is fully processed. A partition that
// stops early is rewound to its first unprocessed record so the record is
// fetched again once the partition resumes.
func (c *KafkaConsumer) Run(ctx context.Context) {
	for {
		fetches := c.client.PollRecords(ctx, maxPollRecords)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			c.logger.Info("kafka consumer stopped")
			return
		}
		fetches.EachError(func(t string, p int32, err error) {
			c.logger.Error("fetch error", "topic", t, "partition", p, "error", err)
		})

		rewind := make(map[string]map[int32]kgo.EpochOffset)
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			stoppedAt := c.processPartition(ctx, p.Topic, p.Partition, p.Records)
			if stoppedAt == nil {
				return
			}
			if rewind[p.Topic] == nil {
				rewind[p.Topic] = make(map[int32]kgo.EpochOffset)
			}
			rewind[p.Topic][p.Partition] = kgo.EpochOffset{Epoch: stoppedAt.LeaderEpoch, Offset: stoppedAt.Offset}
		})
		if len(rewind) > 0 {
			c.client.SetOffsets(rewind)
		}
		c.client.AllowRebalance()
	}
}

// processPartition handles records in offset order. It returns the first
// record it left uncommitted, with the partition paused until that record
// is worth fetching again, or nil when every record was committed.
func (c *KafkaConsumer) processPartition(ctx context.Context, topic string, partition int32, records []*kgo.Record) *kgo.Record {
	for _, record := range records {
		if ctx.Err() != nil {
			return nil
		}

		if wait := c.dueIn(record); wait > 0 {
			c.pauseFor(topic, partition, wait)
			return record
		}

		if followUp := c.handleRecord(ctx, record); followUp != nil {
			if err := c.client.ProduceSync(ctx, followUp).FirstErr(); err != nil {
				c.logger.Error("failed to republish job", "topic", followUp.Topic,
					"offset", record.Offset, "error", err)
				c.pauseFor(topic, partition, republishBackoff)
				return record
			}
		}
		if err := c.client.CommitRecords(ctx, record); err != nil {
			c.logger.Error("failed to commit record", "offset", record.Offset, "error", err)
		}
	}
	return nil
}

func (c *KafkaConsumer) pauseFor(topic string, partition int32, d time.Duration) {
	tp := map[string][]int32{topic: {partition}}
	c.client.PauseFetchPartitions(tp)
	c.clock.AfterFunc(d, func() {
		c.client.ResumeFetchPartitions(tp)
	})
}

// dueIn reports how long until the record's job may run. Malformed records
// are due immediately so handleRecord can dead-letter them.
func (c *KafkaConsumer) dueIn(record *kgo.Record) time.Duration {
	var head struct {
		ProcessAt time.Time `json:"process_at"`
	}
	if err := json.Unmarshal(record.Value, &head); err != nil {
		return 0
	}
	return head.ProcessAt.Sub(c.clock.Now())
}

// handleRecord runs the job carried by record and returns the record to
// publish afterwards: a retry, a dead letter, or nil on success.
func (c *KafkaConsumer) handleRecord(ctx context.Context, record *kgo.Record) *kgo.Record {
	var job Job
	if err := json.Unmarshal(record.Value, &job); err != nil {
		c.logger.Error("discarding malformed job", "offset", record.Offset, "error", err)
		return &kgo.Record{Topic: deadTopic(c.topic), Key: record.Key, Value: record.Value}
	}

	jobErr := c.execute(ctx, &job)
	if jobErr == nil {
		c.logger.Info("job completed", "job_id", job.ID, "job_type", job.Type)
		return nil
	}

	job.Attempts++
	job.LastError = jobErr.Error()

	topic := retryTopic(c.topic)
	if job.Attempts >= job.MaxTries {
		c.logger.Error("job failed permanently", "job_id", job.ID, "attempts", job.Attempts, "error", jobErr)
		topic = deadTopic(c.topic)
	} else {
		job.ProcessAt = c.clock.Now().Add(c.backoff(job.Attempts))
		c.logger.Warn("job failed, retrying", "job_id", job.ID, "attempts", job.Attempts, "error", jobErr)
	}

	followUp, err := jobRecord(topic, &job)
	if err != nil {
		c.logger.Error("failed to encode job", "job_id", job.ID, "error", err)
		return nil
	}
	return followUp
}

func (c *KafkaConsumer) execute(ctx context.Context, job *Job) (err error) {
	c.mu.RLock()
	handler, ok := c.handlers[job.Type]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, job.Type)
	}

	ctx, cancel := context.WithTimeout(ctx, c.jobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (c *KafkaConsumer) backoff(attempts int) time.Duration {
	if attempts > 20 {
		attempts = 20
	}
	return c.retryBaseDelay * time.Duration(1<<attempts)
}
