package model

import "time"

// Target lifecycle statuses.
const (
	TargetActive   = "active"
	TargetPaused   = "paused"
	TargetDisabled = "disabled"
)

// Run statuses, shared by backup and restore runs.
const (
	RunPending = "pending"
	RunRunning = "running"
	RunSuccess = "success"
	RunFailed  = "failed"
	RunTimeout = "timeout"
)

// Run triggers.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerAPI       = "api"
)

// Target is the source of truth for backup configuration: what to back up,
// where it goes, and how long to keep it.
type Target struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Icon           string   `json:"icon,omitempty"`
	Service        string   `json:"service"`
	DBPath         string   `json:"db_path,omitempty"`
	BackupFiles    []string `json:"backup_files,omitempty"`
	Schedule       string   `json:"schedule,omitempty"`
	Status         string   `json:"status"`
	RetentionDays  int      `json:"retention_days"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	StorageBucket  string   `json:"storage_bucket"`
	// ServiceName is the systemd unit stopped while a restore runs.
	ServiceName string    `json:"service_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Active reports whether the target accepts new backup runs.
func (t *Target) Active() bool {
	return t.Status == TargetActive
}

// BackupRun is one backup execution attempt against a target.
type BackupRun struct {
	ID          string `json:"id"`
	TargetID    string `json:"target_id"`
	Status      string `json:"status"`
	Trigger     string `json:"trigger"`
	TriggeredBy string `json:"triggered_by,omitempty"`
	JobID       *int64 `json:"job_id,omitempty"`
	// Result fields, populated only on success.
	StorageBucket  string     `json:"storage_bucket,omitempty"`
	StorageKey     string     `json:"storage_key,omitempty"`
	SizeBytes      *int64     `json:"size_bytes,omitempty"`
	ChecksumSHA256 string     `json:"checksum_sha256,omitempty"`
	FileCount      *int       `json:"file_count,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	Logs           string     `json:"logs,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// RestoreRun is one restore attempt, sourced from a successful BackupRun.
type RestoreRun struct {
	ID            string     `json:"id"`
	BackupRunID   string     `json:"backup_run_id"`
	TargetID      string     `json:"target_id"`
	Status        string     `json:"status"`
	Trigger       string     `json:"trigger"`
	TriggeredBy   string     `json:"triggered_by,omitempty"`
	JobID         *int64     `json:"job_id,omitempty"`
	FilesRestored *int       `json:"files_restored,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	Logs          string     `json:"logs,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Active reports whether the run is still in progress.
func (r *BackupRun) Active() bool {
	return r.Status == RunPending || r.Status == RunRunning
}

// Restorable reports whether this run can be used as a restore source.
// A backup without a checksum cannot be integrity-verified, so it is not
// restorable even when it succeeded.
func (r *BackupRun) Restorable() bool {
	return r.Status == RunSuccess && r.ChecksumSHA256 != ""
}

// DurationSeconds returns the run duration, or zero if still running.
func (r *BackupRun) DurationSeconds() float64 {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt).Seconds()
}

// Active reports whether the restore is still in progress.
func (r *RestoreRun) Active() bool {
	return r.Status == RunPending || r.Status == RunRunning
}
