package domain

import (
	"errors"
	"fmt"
)

// Error codes used across the worker, store, and API layers. Codes are
// stable strings; Retryable tells the broker whether another attempt
// could succeed.
const (
	CodeInvalidRecipient    = "invalid_recipient"
	CodeTemplateNotFound    = "template_not_found"
	CodeTemplateRender      = "template_render"
	CodeContactNotFound     = "contact_not_found"
	CodeJobNotFound         = "pipeline_job_not_found"
	CodeSendFailed          = "send_failed"
	CodeChannelNotSupported = "channel_not_supported"
)

// PipelineError is the typed error carried through job processing.
type PipelineError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// ErrSendFailed wraps a provider-level failure. Retryable by default;
// pass retryable=false for hard provider rejections.
func ErrSendFailed(msg string, retryable bool) *PipelineError {
	return &PipelineError{Code: CodeSendFailed, Message: msg, Retryable: retryable}
}

// ErrTemplateRender wraps a liquid parse or render failure. The same
// template fails the same way every time, so the error is never
// retried: the worker skips the job with TEMPLATE_ERROR instead.
func ErrTemplateRender(err error) *PipelineError {
	return &PipelineError{Code: CodeTemplateRender, Message: "template render failed", Err: err}
}

// ErrTemplateNotFound reports a missing template version.
func ErrTemplateNotFound(versionID string) *PipelineError {
	return &PipelineError{Code: CodeTemplateNotFound, Message: fmt.Sprintf("template version %s not found", versionID)}
}

// ErrContactNotFound reports a contact id that resolved to nothing.
func ErrContactNotFound(contactID string) *PipelineError {
	return &PipelineError{Code: CodeContactNotFound, Message: fmt.Sprintf("contact %s not found", contactID)}
}

// ErrJobNotFound reports a job row that vanished. Callers must not
// write any status for it.
func ErrJobNotFound(jobID string) *PipelineError {
	return &PipelineError{Code: CodeJobNotFound, Message: fmt.Sprintf("pipeline job %s not found", jobID)}
}

// ErrChannelNotSupported reports an unrecognized channel value.
func ErrChannelNotSupported(channel string) *PipelineError {
	return &PipelineError{Code: CodeChannelNotSupported, Message: fmt.Sprintf("channel %q not supported", channel)}
}

// InvalidRecipientError is returned by recipient validation. It maps
// directly to a skip reason: the job is skipped, never failed.
type InvalidRecipientError struct {
	Reason  SkipReason
	Message string
}

func (e *InvalidRecipientError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", CodeInvalidRecipient, e.Message, e.Reason)
}

// InvalidStateTransition is returned by the job store when a requested
// edge is not in the state machine. Callers treat it as a programming
// error, never as retryable.
type InvalidStateTransition struct {
	JobID string
	From  JobStatus
	To    JobStatus
}

func (e *InvalidStateTransition) Error() string {
	return fmt.Sprintf("invalid state transition for job %s: %s -> %s", e.JobID, e.From, e.To)
}

// IsRetryable reports whether another attempt at the failed operation
// could succeed. Unknown error types default to retryable (transient
// infrastructure failures are the common case).
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	var ir *InvalidRecipientError
	if errors.As(err, &ir) {
		return false
	}
	var ist *InvalidStateTransition
	if errors.As(err, &ist) {
		return false
	}
	return true
}

// CodeOf extracts the stable error code, or "" for untyped errors.
func CodeOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	var ir *InvalidRecipientError
	if errors.As(err, &ir) {
		return CodeInvalidRecipient
	}
	return ""
}

// IsJobNotFound reports whether err is the vanished-job case.
func IsJobNotFound(err error) bool { return CodeOf(err) == CodeJobNotFound }
