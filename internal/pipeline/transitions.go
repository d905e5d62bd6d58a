package pipeline

import (
	"context"
	"time"

	"github.com/ignite/message-pipeline/internal/domain"
)

// Thin wrappers over JobStore.Transition for the edges job processing
// actually takes. Keeping them here keeps call sites readable and the
// store interface small.

// MarkSent records a successful dispatch with the provider's id.
func MarkSent(ctx context.Context, store JobStore, tenantID, jobID, providerMessageID string) (*domain.PipelineJob, error) {
	upd := TransitionUpdate{}
	if providerMessageID != "" {
		upd.ProviderMessageID = &providerMessageID
	}
	return store.Transition(ctx, tenantID, jobID, domain.StatusSent, upd)
}

// MarkFailed records a failed attempt with its error message.
func MarkFailed(ctx context.Context, store JobStore, tenantID, jobID, errMsg string) (*domain.PipelineJob, error) {
	return store.Transition(ctx, tenantID, jobID, domain.StatusFailed, TransitionUpdate{
		ErrorMessage: &errMsg,
	})
}

// MarkSkipped terminally skips a job with its reason.
func MarkSkipped(ctx context.Context, store JobStore, tenantID, jobID string, reason domain.SkipReason, errMsg string) (*domain.PipelineJob, error) {
	upd := TransitionUpdate{SkipReason: &reason}
	if errMsg != "" {
		upd.ErrorMessage = &errMsg
	}
	return store.Transition(ctx, tenantID, jobID, domain.StatusSkipped, upd)
}

// MarkDead moves an exhausted job to DEAD with its final error.
func MarkDead(ctx context.Context, store JobStore, tenantID, jobID, errMsg string) (*domain.PipelineJob, error) {
	upd := TransitionUpdate{}
	if errMsg != "" {
		upd.ErrorMessage = &errMsg
	}
	return store.Transition(ctx, tenantID, jobID, domain.StatusDead, upd)
}

// MarkDelivered records provider delivery confirmation.
func MarkDelivered(ctx context.Context, store JobStore, tenantID, jobID string) (*domain.PipelineJob, error) {
	return store.Transition(ctx, tenantID, jobID, domain.StatusDelivered, TransitionUpdate{})
}

// ScheduleRetry moves a FAILED job to RETRYING with its new attempt
// bookkeeping.
func ScheduleRetry(ctx context.Context, store JobStore, tenantID, jobID string, retryCount int, nextAttemptAt time.Time) (*domain.PipelineJob, error) {
	return store.Transition(ctx, tenantID, jobID, domain.StatusRetrying, TransitionUpdate{
		RetryCount:    &retryCount,
		NextAttemptAt: &nextAttemptAt,
	})
}
