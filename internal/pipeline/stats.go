package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/ignite/message-pipeline/internal/domain"
	"github.com/ignite/message-pipeline/internal/events"
)

// Stats aggregates per-run outcome counters and finalizes campaign runs
// once every recipient is accounted for. The counter increments are
// atomic on the store side, so concurrent workers can report outcomes
// without coordination; whichever increment pushes processed_count to
// the total triggers finalization exactly once.
type Stats struct {
	runs RunStore
	jobs JobStore
	bus  events.Publisher
}

// NewStats creates the aggregator.
func NewStats(runs RunStore, jobs JobStore, bus events.Publisher) *Stats {
	if bus == nil {
		bus = events.NopPublisher{}
	}
	return &Stats{runs: runs, jobs: jobs, bus: bus}
}

// IncrementSent records one successfully dispatched recipient.
func (s *Stats) IncrementSent(ctx context.Context, tenantID, runID string) error {
	run, err := s.runs.IncrementSent(ctx, runID)
	if err != nil {
		return err
	}
	return s.maybeFinalize(ctx, tenantID, run)
}

// IncrementFailed records one permanently failed recipient.
func (s *Stats) IncrementFailed(ctx context.Context, tenantID, runID string) error {
	run, err := s.runs.IncrementFailed(ctx, runID)
	if err != nil {
		return err
	}
	return s.maybeFinalize(ctx, tenantID, run)
}

// IncrementSkipped records one skipped recipient.
func (s *Stats) IncrementSkipped(ctx context.Context, tenantID, runID string) error {
	run, err := s.runs.IncrementSkipped(ctx, runID)
	if err != nil {
		return err
	}
	return s.maybeFinalize(ctx, tenantID, run)
}

// maybeFinalize checks the post-increment snapshot and, when every
// recipient has an outcome, moves the run to its terminal status. The
// store-side guard makes the completion event fire at most once even
// when two workers race past the threshold.
func (s *Stats) maybeFinalize(ctx context.Context, tenantID string, run *domain.CampaignRun) error {
	if run.TotalRecipients <= 0 || run.ProcessedCount < run.TotalRecipients {
		return nil
	}
	if run.Finalized() {
		return nil
	}

	status := domain.RunCompleted
	if run.SentCount == 0 {
		status = domain.RunFailed
	}
	won, err := s.runs.FinalizeRun(ctx, run.ID, status)
	if err != nil {
		return fmt.Errorf("finalize run %s: %w", run.ID, err)
	}
	if !won {
		return nil
	}

	log.Printf("[Stats] campaign run %s finalized as %s (sent=%d failed=%d skipped=%d of %d)",
		run.ID, status, run.SentCount, run.FailedCount, run.SkippedCount, run.TotalRecipients)

	s.bus.Publish(ctx, domain.NewEvent(domain.SubjectRunCompleted, tenantID, run.ID, map[string]any{
		"campaign_run_id":  run.ID,
		"campaign_id":      run.CampaignID,
		"status":           string(status),
		"total_recipients": run.TotalRecipients,
		"sent_count":       run.SentCount,
		"failed_count":     run.FailedCount,
		"skipped_count":    run.SkippedCount,
	}))
	return nil
}

// Recalculate rebuilds the run counters from a ground-truth count of
// its jobs. Used by operators after manual interventions leave the
// incremental counters out of step.
func (s *Stats) Recalculate(ctx context.Context, tenantID, runID string) (*domain.CampaignRun, error) {
	run, err := s.runs.FindRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("campaign run %s not found", runID)
	}

	counts, err := s.jobs.CountsByRun(ctx, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("recount jobs for run %s: %w", runID, err)
	}

	sent := counts[domain.StatusSent] + counts[domain.StatusDelivered]
	failed := counts[domain.StatusFailed] + counts[domain.StatusDead]
	skipped := counts[domain.StatusSkipped]
	processed := sent + failed + skipped

	if err := s.runs.SetCounts(ctx, runID, sent, failed, skipped, processed); err != nil {
		return nil, err
	}

	run.SentCount = sent
	run.FailedCount = failed
	run.SkippedCount = skipped
	run.ProcessedCount = processed
	return run, nil
}
