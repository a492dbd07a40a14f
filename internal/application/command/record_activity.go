// Package command contains write operations (CQRS commands).
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fluentlane/progress-engine/internal/domain/activity"
	"github.com/fluentlane/progress-engine/internal/domain/shared"
	"github.com/fluentlane/progress-engine/internal/domain/stats"
	"github.com/fluentlane/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD ACTIVITY COMMAND
// Records one calendar day of user activity and maintains the streak
// counters incrementally. The hot write path of the service.
// ══════════════════════════════════════════════════════════════════════════════

// RecordActivityCommand contains the data to record an activity.
type RecordActivityCommand struct {
	// UserID is the user whose activity is recorded.
	UserID string

	// OccurredAt is when the activity happened (defaults to now if zero).
	// The activity day is the UTC calendar day of this timestamp.
	OccurredAt time.Time

	// CorrelationID for tracing.
	CorrelationID string
}

// Validate validates the command.
func (c RecordActivityCommand) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return errors.New("record_activity: user_id is required")
	}
	return nil
}

// RecordActivityResult contains the result of recording an activity.
type RecordActivityResult struct {
	// UserID is the user the activity was recorded for.
	UserID string

	// Day is the UTC calendar day that was marked active.
	Day activity.DateKey

	// CurrentStreak and BestStreak are the counters after the write.
	CurrentStreak int
	BestStreak    int

	// StreakGrew indicates the current streak increased with this activity.
	StreakGrew bool

	// AlreadyCounted indicates the day was active before this command ran.
	AlreadyCounted bool

	// Repaired indicates a corrupted stored document was normalized before
	// the day was appended.
	Repaired bool

	// RecordedAt is when the activity was recorded.
	RecordedAt time.Time
}

// RecordActivityHandler handles the RecordActivityCommand.
type RecordActivityHandler struct {
	activityRepo activity.Repository
	auditRepo    activity.AuditRepository
	statsRepo    stats.StatsRepository
	publisher    shared.EventPublisher
	logger       *logger.Logger
}

// NewRecordActivityHandler creates a new RecordActivityHandler.
func NewRecordActivityHandler(
	activityRepo activity.Repository,
	auditRepo activity.AuditRepository,
	statsRepo stats.StatsRepository,
	publisher shared.EventPublisher,
	log *logger.Logger,
) *RecordActivityHandler {
	if log == nil {
		log = logger.Default()
	}
	return &RecordActivityHandler{
		activityRepo: activityRepo,
		auditRepo:    auditRepo,
		statsRepo:    statsRepo,
		publisher:    publisher,
		logger:       log.With(logger.Component("record_activity")),
	}
}

// Handle executes the record activity command.
//
// The stored document is loaded and reconciled first: a corrupted document
// is repaired (never dry-run on this path) before the new day is appended,
// so the write always produces the canonical shape. The incremental streak
// update equals a full recompute over the stored days.
func (h *RecordActivityHandler) Handle(ctx context.Context, cmd RecordActivityCommand) (*RecordActivityResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	occurredAt := cmd.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	userID := activity.UserID(strings.TrimSpace(cmd.UserID))
	day := activity.DateKeyOf(occurredAt)

	record, repaired, err := h.loadRecord(ctx, userID, day, occurredAt)
	if err != nil {
		return nil, err
	}

	wasActive := record.HasActivityOn(day)
	grew, err := record.MarkDay(day, occurredAt)
	if err != nil {
		return nil, fmt.Errorf("record_activity: mark day: %w", err)
	}

	if err := h.activityRepo.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("record_activity: save record: %w", err)
	}

	// Secondary writes are best-effort; the activity itself is recorded.
	if err := h.statsRepo.UpsertStreaks(ctx, userID.String(), record.CurrentStreak, record.BestStreak); err != nil {
		h.logger.Warn("stats streak sync failed",
			logger.UserID(userID.String()), logger.Err(err))
	}

	event := shared.NewActivityRecordedEvent(
		userID.String(), day.String(), record.CurrentStreak, record.BestStreak, grew,
	)
	if cmd.CorrelationID != "" {
		event.BaseEvent = event.BaseEvent.WithCorrelationID(cmd.CorrelationID)
	}
	if err := h.publisher.Publish(event); err != nil {
		h.logger.Warn("activity.recorded publish failed",
			logger.UserID(userID.String()), logger.Err(err))
	}

	return &RecordActivityResult{
		UserID:         userID.String(),
		Day:            day,
		CurrentStreak:  record.CurrentStreak,
		BestStreak:     record.BestStreak,
		StreakGrew:     grew,
		AlreadyCounted: wasActive,
		Repaired:       repaired,
		RecordedAt:     occurredAt,
	}, nil
}

// loadRecord fetches and reconciles the user's stored document. A missing
// document initializes an empty record; a corrupted one is repaired and the
// repair is audited.
func (h *RecordActivityHandler) loadRecord(
	ctx context.Context,
	userID activity.UserID,
	day activity.DateKey,
	occurredAt time.Time,
) (*activity.ActivityRecord, bool, error) {
	raw, err := h.activityRepo.Get(ctx, userID)
	if errors.Is(err, activity.ErrRecordNotFound) {
		record, err := activity.NewActivityRecord(userID)
		if err != nil {
			return nil, false, fmt.Errorf("record_activity: %w", err)
		}
		return record, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("record_activity: load record: %w", err)
	}

	result, err := activity.Reconcile(userID, raw.Doc, day, occurredAt)
	if err != nil {
		return nil, false, fmt.Errorf("record_activity: reconcile stored document: %w", err)
	}

	repaired := result.Report.WasCorrupted()
	if repaired {
		h.logger.Info("repaired corrupted activity document",
			logger.UserID(userID.String()),
			logger.Any("shapes", result.Report.Shapes),
			logger.Int("dates_merged", result.Report.DatesMerged))
		h.auditRepair(ctx, result.Report, occurredAt)
	}

	return result.Record, repaired, nil
}

// auditRepair records a write-path repair in the audit trail. Failures are
// logged, not propagated.
func (h *RecordActivityHandler) auditRepair(ctx context.Context, report activity.RepairReport, at time.Time) {
	entry := activity.RepairAuditEntry{
		ID:           uuid.NewString(),
		UserID:       report.UserID,
		Shapes:       report.Shapes,
		DatesMerged:  report.DatesMerged,
		StreakBefore: report.StreakBefore,
		StreakAfter:  report.StreakAfter,
		BestBefore:   report.BestBefore,
		BestAfter:    report.BestAfter,
		DryRun:       false,
		RepairedAt:   at,
	}
	if err := h.auditRepo.Record(ctx, entry); err != nil {
		h.logger.Warn("repair audit write failed",
			logger.UserID(report.UserID.String()), logger.Err(err))
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// BATCH ACTIVITY COMMAND
// For recording multiple activities at once (e.g. from an import).
// ══════════════════════════════════════════════════════════════════════════════

// RecordBatchActivityCommand contains multiple activities to record.
type RecordBatchActivityCommand struct {
	Activities    []RecordActivityCommand
	CorrelationID string
}

// RecordBatchActivityResult contains results for batch recording.
type RecordBatchActivityResult struct {
	TotalCount   int
	SuccessCount int
	FailedCount  int
	Results      []*RecordActivityResult
	Errors       map[string]error
}

// RecordBatchActivityHandler handles batch activity recording.
type RecordBatchActivityHandler struct {
	handler *RecordActivityHandler
}

// NewRecordBatchActivityHandler creates a new batch handler.
func NewRecordBatchActivityHandler(handler *RecordActivityHandler) *RecordBatchActivityHandler {
	return &RecordBatchActivityHandler{handler: handler}
}

// Handle executes the batch record activity command.
func (h *RecordBatchActivityHandler) Handle(
	ctx context.Context,
	cmd RecordBatchActivityCommand,
) (*RecordBatchActivityResult, error) {
	result := &RecordBatchActivityResult{
		TotalCount: len(cmd.Activities),
		Results:    make([]*RecordActivityResult, 0, len(cmd.Activities)),
		Errors:     make(map[string]error),
	}

	for i, act := range cmd.Activities {
		if act.CorrelationID == "" {
			act.CorrelationID = cmd.CorrelationID
		}

		actResult, err := h.handler.Handle(ctx, act)
		if err != nil {
			result.FailedCount++
			result.Errors[fmt.Sprintf("%d:%s", i, act.UserID)] = err
			continue
		}

		result.SuccessCount++
		result.Results = append(result.Results, actResult)
	}

	return result, nil
}
