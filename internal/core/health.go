package core

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/echoport/echoport/internal/model"
)

// Aggregate health states, ordered worst to best.
const (
	HealthUnhealthy = "unhealthy"
	HealthDegraded  = "degraded"
	HealthHealthy   = "healthy"
)

// Per-target health states.
const (
	TargetHealthOK              = "ok"
	TargetHealthOverdue         = "overdue"
	TargetHealthLastFailed      = "last_failed"
	TargetHealthInvalidSchedule = "invalid_schedule"
)

const (
	recentFailureWindow = 7 * 24 * time.Hour
	recentFailureLimit  = 10
)

// TargetHealth is the per-target entry in a health report.
type TargetHealth struct {
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	Overdue       bool       `json:"overdue"`
	OverdueHours  *float64   `json:"overdue_hours,omitempty"`
	LastSuccess   *time.Time `json:"last_success"`
	NextScheduled *time.Time `json:"next_scheduled"`
}

// HealthReport is the response body of the public status endpoint. Error
// messages from failed runs are deliberately absent: the endpoint is
// unauthenticated and messages can leak paths and hostnames.
type HealthReport struct {
	Status         string         `json:"status"`
	CheckedAt      time.Time      `json:"checked_at"`
	Targets        []TargetHealth `json:"targets"`
	RecentFailures []RunFailure   `json:"recent_failures"`
}

// HealthService evaluates backup freshness across all active targets.
type HealthService struct {
	targets *TargetStore
	backups *BackupRunStore
	logger  zerolog.Logger
}

func NewHealthService(targets *TargetStore, backups *BackupRunStore, logger zerolog.Logger) *HealthService {
	return &HealthService{
		targets: targets,
		backups: backups,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Report computes the current health report. A target is overdue when its
// schedule has fired and no backup has succeeded since that firing; any
// overdue target makes the whole report unhealthy. Failed last runs and
// unparseable schedules degrade the report without making it unhealthy.
func (h *HealthService) Report(ctx context.Context) (*HealthReport, error) {
	now := time.Now().UTC()
	report := &HealthReport{
		Status:         HealthHealthy,
		CheckedAt:      now,
		Targets:        []TargetHealth{},
		RecentFailures: []RunFailure{},
	}

	targets, err := h.targets.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	anyOverdue := false
	anyDegraded := false

	for i := range targets {
		th, err := h.targetHealth(ctx, &targets[i], now)
		if err != nil {
			return nil, err
		}
		report.Targets = append(report.Targets, th)

		switch th.Status {
		case TargetHealthOverdue:
			anyOverdue = true
		case TargetHealthLastFailed, TargetHealthInvalidSchedule:
			anyDegraded = true
		}
	}

	failures, err := h.backups.RecentFailures(ctx, now.Add(-recentFailureWindow), recentFailureLimit)
	if err != nil {
		return nil, err
	}
	if failures != nil {
		report.RecentFailures = failures
	}

	switch {
	case anyOverdue:
		report.Status = HealthUnhealthy
	case anyDegraded || len(failures) > 0:
		report.Status = HealthDegraded
	}

	return report, nil
}

func (h *HealthService) targetHealth(ctx context.Context, target *model.Target, now time.Time) (TargetHealth, error) {
	th := TargetHealth{Name: target.Name, Status: TargetHealthOK}

	lastSuccess, err := h.backups.LastSuccess(ctx, target.ID)
	if err != nil {
		return th, err
	}
	if lastSuccess != nil {
		t := lastSuccess.StartedAt
		th.LastSuccess = &t
	}

	lastRun, err := h.backups.LastRun(ctx, target.ID)
	if err != nil {
		return th, err
	}

	// Targets without a schedule are manual-only: never overdue, but a
	// failed last run still degrades them.
	if target.Schedule == "" {
		if lastRunFailed(lastRun) {
			th.Status = TargetHealthLastFailed
		}
		return th, nil
	}

	sched, err := parseSchedule(target.Schedule)
	if err != nil {
		h.logger.Warn().Str("target", target.Name).Str("schedule", target.Schedule).Msg("invalid schedule")
		th.Status = TargetHealthInvalidSchedule
		return th, nil
	}

	next := sched.Next(now)
	th.NextScheduled = &next

	if prev, ok := prevFiring(sched, now); ok {
		if lastSuccess == nil || lastSuccess.StartedAt.Before(prev) {
			th.Status = TargetHealthOverdue
			th.Overdue = true
			hours := now.Sub(prev).Hours()
			th.OverdueHours = &hours
			return th, nil
		}
	}

	if lastRunFailed(lastRun) {
		th.Status = TargetHealthLastFailed
	}
	return th, nil
}

func lastRunFailed(run *model.BackupRun) bool {
	return run != nil && (run.Status == model.RunFailed || run.Status == model.RunTimeout)
}
