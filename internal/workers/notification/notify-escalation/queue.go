// internal/workers/notification/notify-escalation/queue.go
package notifyescalation

import (
	"context"
	"encoding/json"
	"fmt"

	"appointment-bot/internal/common/logger"
	"appointment-bot/internal/models"

	"github.com/hibiken/asynq"
)

// TaskEnqueuer is implemented by *asynq.Client.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer hands escalation notices to the asynq queue.
type Enqueuer struct {
	client TaskEnqueuer
	config *Config
	logger logger.Logger
}

func NewEnqueuer(client TaskEnqueuer, cfg *Config, log logger.Logger) *Enqueuer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Enqueuer{
		client: client,
		config: cfg,
		logger: log.WithFields(map[string]interface{}{"taskType": TaskType}),
	}
}

func NewTask(notice models.EscalationNotice) (*asynq.Task, error) {
	b, err := json.Marshal(notice)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskType, b), nil
}

func (e *Enqueuer) NotifyEscalation(ctx context.Context, notice models.EscalationNotice) error {
	task, err := NewTask(notice)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	info, err := e.client.EnqueueContext(ctx, task,
		asynq.Queue(e.config.Queue),
		asynq.MaxRetry(e.config.MaxRetry),
		asynq.Timeout(e.config.Timeout),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", TaskType, err)
	}

	e.logger.Debug("escalation notice queued", map[string]interface{}{
		"taskId":   info.ID,
		"tenantId": notice.TenantID,
		"kind":     notice.Kind,
	})
	return nil
}

// DirectNotifier delivers in the caller's goroutine, for deployments
// without a queue.
type DirectNotifier struct {
	handler *Handler
}

func NewDirectNotifier(h *Handler) *DirectNotifier {
	return &DirectNotifier{handler: h}
}

func (d *DirectNotifier) NotifyEscalation(ctx context.Context, notice models.EscalationNotice) error {
	_, err := d.handler.Deliver(ctx, notice)
	return err
}

// NewServer builds the asynq server that consumes the notifications queue.
func NewServer(opt asynq.RedisConnOpt, cfg *Config, log logger.Logger) *asynq.Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{cfg.Queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.Warn("notification task failed", map[string]interface{}{
				"taskType": task.Type(),
				"retry":    retried,
				"maxRetry": maxRetry,
				"error":    err.Error(),
			})
		}),
	})
}
