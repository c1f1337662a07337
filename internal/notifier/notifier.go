package notifier

import (
	"context"
	"fmt"
	"log/slog"

	"task-tracker/backend/internal/mailer"
	"task-tracker/backend/internal/worker"
)

type Status string

const (
	StatusCreated Status = "creada"
	StatusUpdated Status = "actualizada"
)

type Notification struct {
	Email     string `json:"email"`
	TaskTitle string `json:"task_title"`
	Status    Status `json:"status"`
}

func (n Notification) Subject() string {
	return fmt.Sprintf("Tarea %s %s", n.TaskTitle, n.Status)
}

func (n Notification) Body() string {
	return fmt.Sprintf("La tarea \"%s\" fue %s exitosamente.", n.TaskTitle, n.Status)
}

// Notifier hands a task notification off for asynchronous delivery.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Enqueuer is satisfied by worker.JobQueue and worker.KafkaQueue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType worker.JobType, payload interface{}) (*worker.Job, error)
}

type QueueNotifier struct {
	queue  Enqueuer
	logger *slog.Logger
}

func NewQueueNotifier(queue Enqueuer, logger *slog.Logger) *QueueNotifier {
	return &QueueNotifier{queue: queue, logger: logger}
}

func (q *QueueNotifier) Notify(ctx context.Context, n Notification) error {
	job, err := q.queue.Enqueue(ctx, worker.JobTypeEmailNotification, n)
	if err != nil {
		return fmt.Errorf("failed to enqueue notification for %s: %w", n.Email, err)
	}
	q.logger.DebugContext(ctx, "notification enqueued", "job_id", job.ID, "status", n.Status)
	return nil
}

// LogNotifier only logs notifications.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.logger.InfoContext(ctx, "task notification",
		"email", n.Email,
		"subject", n.Subject(),
	)
	return nil
}

// NewEmailJobHandler returns the worker handler that delivers
// email_notification jobs through sender.
func NewEmailJobHandler(sender mailer.Sender, from string) worker.JobHandler {
	return func(ctx context.Context, job *worker.Job) error {
		var n Notification
		if err := job.Decode(&n); err != nil {
			return err
		}
		return sender.Send(ctx, mailer.Message{
			From:    from,
			To:      []string{n.Email},
			Subject: n.Subject(),
			Body:    n.Body(),
		})
	}
}
