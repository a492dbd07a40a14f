package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluentlane/progress-engine/internal/domain/activity"
	"github.com/fluentlane/progress-engine/internal/domain/shared"
	"github.com/fluentlane/progress-engine/internal/domain/stats"
	"github.com/fluentlane/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECONCILE STREAK COMMAND
// Normalizes one user's stored activity document: merges dates out of
// corrupted shapes, recomputes the streak counters, and writes back the
// canonical form. Safe to run repeatedly.
// ══════════════════════════════════════════════════════════════════════════════

// ReconcileStreakCommand requests reconciliation of one user's document.
type ReconcileStreakCommand struct {
	// UserID is the user whose document is reconciled.
	UserID string

	// ReferenceDay anchors the current-streak recomputation. Zero value
	// means the UTC calendar day of "now".
	ReferenceDay activity.DateKey

	// DryRun computes and reports the repair without writing anything.
	DryRun bool

	// CorrelationID for tracing.
	CorrelationID string
}

// Validate validates the command.
func (c ReconcileStreakCommand) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return errors.New("reconcile_streak: user_id is required")
	}
	if c.ReferenceDay != "" && !c.ReferenceDay.IsValid() {
		return fmt.Errorf("reconcile_streak: invalid reference day %q", c.ReferenceDay)
	}
	return nil
}

// ReconcileStreakResult contains the outcome of one reconciliation.
type ReconcileStreakResult struct {
	// UserID is the user whose document was reconciled.
	UserID string

	// Report describes what was found and produced.
	Report activity.RepairReport

	// WasCorrupted indicates a corruption pattern was present.
	WasCorrupted bool

	// Written indicates the canonical form was persisted. False for dry
	// runs and for documents that were already canonical and current.
	Written bool

	// DryRun echoes the command flag.
	DryRun bool

	// ReconciledAt is when the reconciliation ran.
	ReconciledAt time.Time
}

// ReconcileStreakHandler handles the ReconcileStreakCommand.
type ReconcileStreakHandler struct {
	activityRepo activity.Repository
	auditRepo    activity.AuditRepository
	statsRepo    stats.StatsRepository
	publisher    shared.EventPublisher
	logger       *logger.Logger
}

// NewReconcileStreakHandler creates a new ReconcileStreakHandler.
func NewReconcileStreakHandler(
	activityRepo activity.Repository,
	auditRepo activity.AuditRepository,
	statsRepo stats.StatsRepository,
	publisher shared.EventPublisher,
	log *logger.Logger,
) *ReconcileStreakHandler {
	if log == nil {
		log = logger.Default()
	}
	return &ReconcileStreakHandler{
		activityRepo: activityRepo,
		auditRepo:    auditRepo,
		statsRepo:    statsRepo,
		publisher:    publisher,
		logger:       log.With(logger.Component("reconcile_streak")),
	}
}

// Handle executes the reconcile streak command.
//
// A missing document is an error, never an implicit creation: reconciliation
// repairs what exists. Malformed documents that match no known corruption
// pattern fail with activity.ErrMalformedRecord and are left untouched.
func (h *ReconcileStreakHandler) Handle(ctx context.Context, cmd ReconcileStreakCommand) (*ReconcileStreakResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	refDay := cmd.ReferenceDay
	if refDay == "" {
		refDay = activity.DateKeyOf(now)
	}
	userID := activity.UserID(strings.TrimSpace(cmd.UserID))

	raw, err := h.activityRepo.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("reconcile_streak: load record: %w", err)
	}

	res, err := activity.Reconcile(userID, raw.Doc, refDay, now)
	if err != nil {
		return nil, fmt.Errorf("reconcile_streak: %w", err)
	}
	report := res.Report

	written := false
	if report.Changed && !cmd.DryRun {
		if err := h.activityRepo.Save(ctx, res.Record); err != nil {
			return nil, fmt.Errorf("reconcile_streak: save canonical record: %w", err)
		}
		written = true

		if err := h.statsRepo.UpsertStreaks(ctx, userID.String(), res.Record.CurrentStreak, res.Record.BestStreak); err != nil {
			h.logger.Warn("stats streak sync failed",
				logger.UserID(userID.String()), logger.Err(err))
		}
	}

	if report.Changed {
		h.audit(ctx, report, cmd.DryRun, now)

		event := shared.NewStreakRepairedEvent(
			userID.String(), report.Shapes, report.DatesMerged,
			report.StreakBefore, report.StreakAfter,
			report.BestBefore, report.BestAfter, cmd.DryRun,
		)
		if cmd.CorrelationID != "" {
			event.BaseEvent = event.BaseEvent.WithCorrelationID(cmd.CorrelationID)
		}
		if err := h.publisher.Publish(event); err != nil {
			h.logger.Warn("streak.repaired publish failed",
				logger.UserID(userID.String()), logger.Err(err))
		}
	}

	h.logger.Info("reconciled activity document",
		logger.UserID(userID.String()),
		logger.Any("shapes", report.Shapes),
		logger.Bool("changed", report.Changed),
		logger.Bool("written", written),
		logger.DryRun(cmd.DryRun))

	return &ReconcileStreakResult{
		UserID:       userID.String(),
		Report:       report,
		WasCorrupted: report.WasCorrupted(),
		Written:      written,
		DryRun:       cmd.DryRun,
		ReconciledAt: now,
	}, nil
}

// audit appends the reconciliation to the repair audit trail. Failures are
// logged, not propagated; the repair itself already succeeded.
func (h *ReconcileStreakHandler) audit(ctx context.Context, report activity.RepairReport, dryRun bool, at time.Time) {
	entry := activity.RepairAuditEntry{
		ID:           uuid.NewString(),
		UserID:       report.UserID,
		Shapes:       report.Shapes,
		DatesMerged:  report.DatesMerged,
		StreakBefore: report.StreakBefore,
		StreakAfter:  report.StreakAfter,
		BestBefore:   report.BestBefore,
		BestAfter:    report.BestAfter,
		DryRun:       dryRun,
		RepairedAt:   at,
	}
	if err := h.auditRepo.Record(ctx, entry); err != nil {
		h.logger.Warn("repair audit write failed",
			logger.UserID(report.UserID.String()), logger.Err(err))
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// BATCH RECONCILE COMMAND
// Reconciles many users with bounded concurrency. Used by the nightly
// audit job and the one-shot CLI audit.
// ══════════════════════════════════════════════════════════════════════════════

// ReconcileBatchStreakCommand reconciles a set of users.
type ReconcileBatchStreakCommand struct {
	UserIDs       []string
	ReferenceDay  activity.DateKey
	DryRun        bool
	CorrelationID string
}

// ReconcileBatchStreakResult aggregates per-user outcomes.
type ReconcileBatchStreakResult struct {
	TotalCount     int
	SuccessCount   int
	FailedCount    int
	ChangedCount   int
	CorruptedCount int
	Results        []*ReconcileStreakResult
	Errors         map[string]error
}

// FailureRate returns the fraction of failed reconciliations, 0..1.
func (r *ReconcileBatchStreakResult) FailureRate() float64 {
	if r.TotalCount == 0 {
		return 0
	}
	return float64(r.FailedCount) / float64(r.TotalCount)
}

// ReconcileBatchStreakHandler handles batch reconciliation.
type ReconcileBatchStreakHandler struct {
	handler     *ReconcileStreakHandler
	concurrency int
}

// ReconcileBatchStreakHandlerConfig contains configuration for the batch
// handler.
type ReconcileBatchStreakHandlerConfig struct {
	// Concurrency bounds the number of in-flight reconciliations.
	Concurrency int
}

// DefaultReconcileBatchStreakHandlerConfig returns default configuration.
func DefaultReconcileBatchStreakHandlerConfig() ReconcileBatchStreakHandlerConfig {
	return ReconcileBatchStreakHandlerConfig{Concurrency: 5}
}

// NewReconcileBatchStreakHandler creates a new batch handler.
func NewReconcileBatchStreakHandler(
	handler *ReconcileStreakHandler,
	config ReconcileBatchStreakHandlerConfig,
) *ReconcileBatchStreakHandler {
	if config.Concurrency <= 0 {
		config = DefaultReconcileBatchStreakHandlerConfig()
	}
	return &ReconcileBatchStreakHandler{
		handler:     handler,
		concurrency: config.Concurrency,
	}
}

// Handle executes the batch reconcile command. Per-user failures are
// collected, not fatal; the caller decides what failure rate is acceptable.
func (h *ReconcileBatchStreakHandler) Handle(
	ctx context.Context,
	cmd ReconcileBatchStreakCommand,
) (*ReconcileBatchStreakResult, error) {
	result := &ReconcileBatchStreakResult{
		TotalCount: len(cmd.UserIDs),
		Results:    make([]*ReconcileStreakResult, 0, len(cmd.UserIDs)),
		Errors:     make(map[string]error),
	}

	sem := make(chan struct{}, h.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i, id := range cmd.UserIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				mu.Lock()
				result.FailedCount++
				result.Errors[fmt.Sprintf("%d:%s", i, id)] = ctx.Err()
				mu.Unlock()
				return
			}
			defer func() { <-sem }()

			res, err := h.handler.Handle(ctx, ReconcileStreakCommand{
				UserID:        id,
				ReferenceDay:  cmd.ReferenceDay,
				DryRun:        cmd.DryRun,
				CorrelationID: cmd.CorrelationID,
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.FailedCount++
				result.Errors[fmt.Sprintf("%d:%s", i, id)] = err
				return
			}
			result.SuccessCount++
			if res.Report.Changed {
				result.ChangedCount++
			}
			if res.WasCorrupted {
				result.CorruptedCount++
			}
			result.Results = append(result.Results, res)
		}(i, id)
	}

	wg.Wait()
	return result, nil
}
