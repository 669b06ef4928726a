// internal/workers/handoff/release-handoff/handler.go
package releasehandoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"appointment-bot/internal/common/clock"
	apperrors "appointment-bot/internal/common/errors"
	"appointment-bot/internal/common/logger"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const (
	TaskType = "release-handoff"
)

var (
	ErrInvalidInput = errors.New("INVALID_INPUT")
)

// Releaser is implemented by *conversation.Router.
type Releaser interface {
	ReleaseHandoff(tenantID, userID string) bool
}

type Handler struct {
	config   *Config
	releaser Releaser
	errors   *apperrors.ErrorHandler
	clock    clock.Clock
	logger   logger.Logger
}

func NewHandler(config *Config, releaser Releaser, log logger.Logger) (*Handler, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:   config,
		releaser: releaser,
		errors:   apperrors.NewErrorHandler(log),
		clock:    clock.Real(),
		logger:   log,
	}, nil
}

func (h *Handler) WithClock(c clock.Clock) *Handler {
	h.clock = c
	return h
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	var input Input
	if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
		h.errors.HandleJobError(ctx, client, job, apperrors.NewMalformedPayloadError(err.Error()))
		return
	}

	output, err := h.execute(ctx, &input)
	if err != nil {
		h.errors.HandleJobError(ctx, client, job, apperrors.NewMalformedPayloadError(err.Error()))
		return
	}

	h.completeJob(ctx, client, job, output)
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	if strings.TrimSpace(input.TenantID) == "" || strings.TrimSpace(input.UserID) == "" {
		return nil, fmt.Errorf("%w: tenantId and userId are required", ErrInvalidInput)
	}

	released := h.releaser.ReleaseHandoff(input.TenantID, input.UserID)
	h.logger.Info("handoff released", map[string]interface{}{
		"tenantId": input.TenantID,
		"userId":   input.UserID,
		"active":   released,
	})

	return &Output{
		Released:   released,
		ReleasedAt: h.clock.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, output *Output) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if _, err := cmd.Send(ctx); err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}
