// Package errors provides the standardized error taxonomy of the bot.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Transport / validation
	ErrCodeInvalidToken     ErrorCode = "INVALID_TOKEN"
	ErrCodeBadSignature     ErrorCode = "BAD_SIGNATURE"
	ErrCodeMalformedPayload ErrorCode = "MALFORMED_PAYLOAD"
	ErrCodeUnknownTenant    ErrorCode = "UNKNOWN_TENANT"

	// Tenant level
	ErrCodeTenantInactive           ErrorCode = "TENANT_INACTIVE"
	ErrCodeQuotaExceeded            ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeTenantValidationFailed   ErrorCode = "TENANT_VALIDATION_FAILED"
	ErrCodeTenantProvisioningFailed ErrorCode = "TENANT_PROVISIONING_FAILED"

	// Conversation level
	ErrCodeInvalidSelection ErrorCode = "INVALID_SELECTION"

	// Concurrency
	ErrCodeSlotTaken ErrorCode = "SLOT_TAKEN"

	// Collaborators
	ErrCodeStorageFailed          ErrorCode = "STORAGE_FAILED"
	ErrCodeOutboundSendFailed     ErrorCode = "OUTBOUND_SEND_FAILED"
	ErrCodeNotificationSendFailed ErrorCode = "NOTIFICATION_SEND_FAILED"
	ErrCodeVaultFailure           ErrorCode = "VAULT_FAILURE"
	ErrCodeWorkflowFailed         ErrorCode = "WORKFLOW_FAILED"

	ErrCodeExternalService  ErrorCode = "EXTERNAL_SERVICE_ERROR"
	ErrCodeTimeout          ErrorCode = "TIMEOUT_ERROR"
	ErrCodeResourceNotFound ErrorCode = "RESOURCE_NOT_FOUND"

	ErrCodeAuthentication ErrorCode = "AUTHENTICATION_ERROR"
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// WithMetadata attaches a key/value pair and returns the same error.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

func newError(code ErrorCode, message, details string, retryable bool) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// 2. Error Constructors
// ==========================

func NewInvalidTokenError(details string) *StandardError {
	return newError(ErrCodeInvalidToken, "Subscription verify token mismatch", details, false)
}

func NewBadSignatureError(details string) *StandardError {
	return newError(ErrCodeBadSignature, "Webhook signature mismatch", details, false)
}

func NewMalformedPayloadError(details string) *StandardError {
	return newError(ErrCodeMalformedPayload, "Webhook payload is malformed", details, false)
}

func NewUnknownTenantError(routingKey string) *StandardError {
	return newError(ErrCodeUnknownTenant, "No tenant owns this routing key", fmt.Sprintf("routingKey: %s", routingKey), false)
}

func NewTenantInactiveError(tenantID string) *StandardError {
	return newError(ErrCodeTenantInactive, "Tenant is not active", fmt.Sprintf("tenantId: %s", tenantID), false)
}

func NewQuotaExceededError(tenantID string, usage, limit int64) *StandardError {
	return newError(ErrCodeQuotaExceeded, "Daily message quota exceeded",
		fmt.Sprintf("tenantId: %s, usage: %d, limit: %d", tenantID, usage, limit), false)
}

func NewTenantValidationFailedError(details string) *StandardError {
	return newError(ErrCodeTenantValidationFailed, "Tenant profile validation failed", details, false)
}

func NewTenantProvisioningFailedError(err error) *StandardError {
	return newError(ErrCodeTenantProvisioningFailed, "Tenant storage provisioning failed", err.Error(), false)
}

func NewInvalidSelectionError(input string) *StandardError {
	return newError(ErrCodeInvalidSelection, "Selection does not match any option", fmt.Sprintf("input: %q", input), false)
}

func NewSlotTakenError(date, tm string) *StandardError {
	return newError(ErrCodeSlotTaken, "Slot already booked", fmt.Sprintf("date: %s, time: %s", date, tm), false)
}

func NewStorageFailedError(operation string, err error) *StandardError {
	return newError(ErrCodeStorageFailed, "Storage operation failed", fmt.Sprintf("operation: %s, error: %s", operation, err.Error()), true)
}

func NewOutboundSendFailedError(err error) *StandardError {
	return newError(ErrCodeOutboundSendFailed, "Outbound message delivery failed", err.Error(), true)
}

func NewNotificationSendFailedError(channel string, err error) *StandardError {
	return newError(ErrCodeNotificationSendFailed, "Notification delivery failed",
		fmt.Sprintf("channel: %s, error: %s", channel, err.Error()), true)
}

func NewVaultFailureError(err error) *StandardError {
	return newError(ErrCodeVaultFailure, "Credential vault operation failed", err.Error(), false)
}

func NewWorkflowFailedError(err error) *StandardError {
	return newError(ErrCodeWorkflowFailed, "Workflow engine call failed", err.Error(), true)
}

func NewAuthenticationError(details string) *StandardError {
	return newError(ErrCodeAuthentication, "Authentication failed", details, false)
}

func NewExternalServiceError(service string, err error) *StandardError {
	return newError(ErrCodeExternalService, fmt.Sprintf("External service '%s' error", service), err.Error(), true)
}

func NewTimeoutError(service string, err error) *StandardError {
	return newError(ErrCodeTimeout, fmt.Sprintf("Service '%s' timeout", service), err.Error(), true)
}

func NewResourceNotFoundError(service, details string) *StandardError {
	return newError(ErrCodeResourceNotFound, fmt.Sprintf("Resource not found in %s", service), details, false)
}

func NewInternalError(err error) *StandardError {
	return newError(ErrCodeInternal, "Unexpected error", err.Error(), false)
}

// ==========================
// 3. Taxonomy
// ==========================

const (
	CategoryTransport    = "transport"
	CategoryTenant       = "tenant"
	CategoryConversation = "conversation"
	CategoryConcurrency  = "concurrency"
	CategoryCollaborator = "collaborator"
	CategoryInternal     = "internal"
)

var errorCategories = map[ErrorCode]string{
	ErrCodeInvalidToken:             CategoryTransport,
	ErrCodeBadSignature:             CategoryTransport,
	ErrCodeMalformedPayload:         CategoryTransport,
	ErrCodeUnknownTenant:            CategoryTransport,
	ErrCodeTenantInactive:           CategoryTenant,
	ErrCodeQuotaExceeded:            CategoryTenant,
	ErrCodeTenantValidationFailed:   CategoryTenant,
	ErrCodeTenantProvisioningFailed: CategoryTenant,
	ErrCodeInvalidSelection:         CategoryConversation,
	ErrCodeSlotTaken:                CategoryConcurrency,
	ErrCodeStorageFailed:            CategoryCollaborator,
	ErrCodeOutboundSendFailed:       CategoryCollaborator,
	ErrCodeNotificationSendFailed:   CategoryCollaborator,
	ErrCodeVaultFailure:             CategoryCollaborator,
	ErrCodeWorkflowFailed:           CategoryCollaborator,
	ErrCodeExternalService:          CategoryCollaborator,
	ErrCodeTimeout:                  CategoryCollaborator,
}

// GetErrorCategory returns the taxonomy bucket of a code.
func GetErrorCategory(code ErrorCode) string {
	if c, ok := errorCategories[code]; ok {
		return c
	}
	return CategoryInternal
}

func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeStorageFailed,
		ErrCodeOutboundSendFailed,
		ErrCodeNotificationSendFailed,
		ErrCodeWorkflowFailed,
		ErrCodeExternalService:
		return 3
	case ErrCodeTimeout:
		return 2
	default:
		return 0
	}
}

// AsStandard extracts a *StandardError from an error chain.
func AsStandard(err error) (*StandardError, bool) {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr, true
	}
	return nil, false
}

// HasCode reports whether any StandardError in the chain carries code.
func HasCode(err error, code ErrorCode) bool {
	stdErr, ok := AsStandard(err)
	return ok && stdErr.Code == code
}

func IsRetryable(err error) bool {
	stdErr, ok := AsStandard(err)
	return ok && stdErr.Retryable
}
