package errors

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

// BPMNError is the shape thrown back to the workflow engine.
type BPMNError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns a map suitable for setting Camunda job fail variables.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	return map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
}

func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	return &BPMNError{
		Code:      string(stdErr.Code),
		Message:   stdErr.Message,
		Details:   stdErr.Details,
		Retryable: stdErr.Retryable,
	}
}

type Logger interface {
	Error(msg string, fields map[string]interface{})
}

// ErrorHandler normalizes errors and reports them, either to a Zeebe job
// or to the log only.
type ErrorHandler struct {
	logger Logger
}

func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Normalize converts any error into a *StandardError.
func (h *ErrorHandler) Normalize(err error) *StandardError {
	if stdErr, ok := AsStandard(err); ok {
		return stdErr
	}
	return NewInternalError(err)
}

// Report logs err with its taxonomy category and returns the normalized form.
func (h *ErrorHandler) Report(msg string, err error, fields map[string]interface{}) *StandardError {
	stdErr := h.Normalize(err)
	out := map[string]interface{}{
		"errorCode":     string(stdErr.Code),
		"errorCategory": GetErrorCategory(stdErr.Code),
		"details":       stdErr.Details,
		"retryable":     stdErr.Retryable,
	}
	for k, v := range fields {
		out[k] = v
	}
	h.logger.Error(msg, out)
	return stdErr
}

func (h *ErrorHandler) HandleJobError(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	stdErr := h.Report("job failed", err, map[string]interface{}{
		"jobKey":           job.Key,
		"jobType":          job.Type,
		"workflowInstance": job.ProcessInstanceKey,
	})
	bpmnErr := ConvertToBPMNError(stdErr)

	retries := GetRetryCount(stdErr.Code)
	if retries > 0 && job.Retries > 0 {
		h.failJobWithRetries(ctx, client, job, bpmnErr, retries)
		return
	}
	h.throwBPMNError(ctx, client, job, bpmnErr)
}

func (h *ErrorHandler) failJobWithRetries(ctx context.Context, client worker.JobClient, job entities.Job, bpmnErr *BPMNError, maxRetries int) {
	retriesToUse := maxRetries
	if int(job.Retries) < maxRetries {
		retriesToUse = int(job.Retries) - 1
	}

	cmd := client.NewFailJobCommand().
		JobKey(job.Key).
		Retries(int32(retriesToUse)).
		ErrorMessage(bpmnErr.Message)

	if _, err := cmd.Send(ctx); err != nil {
		h.logger.Error("failed to send fail job command", map[string]interface{}{
			"jobKey": job.Key,
			"error":  err.Error(),
		})
	}
}

func (h *ErrorHandler) throwBPMNError(ctx context.Context, client worker.JobClient, job entities.Job, bpmnErr *BPMNError) {
	varsJSON, _ := json.Marshal(bpmnErr.ToErrorVariables())

	cmd := client.NewThrowErrorCommand().
		JobKey(job.Key).
		ErrorCode(bpmnErr.Code).
		ErrorMessage(bpmnErr.Message)

	if withVars, err := cmd.VariablesFromString(string(varsJSON)); err == nil {
		if _, err := withVars.Send(ctx); err == nil {
			return
		}
	}

	if _, err := cmd.Send(ctx); err != nil {
		h.logger.Error("failed to throw bpmn error", map[string]interface{}{
			"jobKey": job.Key,
			"error":  err.Error(),
		})
	}
}

// Provider error categories returned by the outbound messaging client.
const (
	ProviderRateLimited      = "rate_limited"
	ProviderInvalidRecipient = "invalid_recipient"
	ProviderPolicyFiltered   = "policy_filtered"
	ProviderAuthExpired      = "auth_expired"
)

// UserFacingMessage maps an outbound provider error category to the copy
// shown to the end-user.
func UserFacingMessage(category string) string {
	switch category {
	case ProviderRateLimited:
		return "We're receiving a lot of messages right now. Please try again in a minute."
	case ProviderPolicyFiltered:
		return "We couldn't deliver that message. Please type *menu* to start again."
	case ProviderAuthExpired, ProviderInvalidRecipient:
		return ""
	default:
		return "Sorry, something went wrong on our side. Please type *menu* to start again."
	}
}
