package runner

import (
	"strings"
)

// Step states reported by FastDeploy.
const (
	StepSuccess = "success"
	StepSkipped = "skipped"
	StepFailure = "failure"
	StepRunning = "running"
)

// Step is one reported stage of a job's execution.
type Step struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Message string `json:"message"`
}

// JobStatus is the polled state of a FastDeploy job.
type JobStatus struct {
	ID        int64   `json:"id"`
	ServiceID int64   `json:"service_id"`
	Started   *string `json:"started"`
	Finished  *string `json:"finished"`
	Steps     []Step  `json:"steps"`
}

// IsFinished reports whether the job has reached a terminal state.
func (s JobStatus) IsFinished() bool {
	return s.Finished != nil
}

// IsSuccessful reports whether the job finished with every step in a
// success or skipped state.
func (s JobStatus) IsSuccessful() bool {
	if !s.IsFinished() {
		return false
	}
	for _, step := range s.Steps {
		if step.State != StepSuccess && step.State != StepSkipped {
			return false
		}
	}
	return true
}

// FailedStep returns the first step with state failure, if any.
func (s JobStatus) FailedStep() *Step {
	for i := range s.Steps {
		if s.Steps[i].State == StepFailure {
			return &s.Steps[i]
		}
	}
	return nil
}

// StepLogs renders a human-readable log from the job steps: a header line
// per step followed by its message when present.
func StepLogs(steps []Step) string {
	var parts []string
	for _, step := range steps {
		name := step.Name
		if name == "" {
			name = "unknown"
		}
		state := step.State
		if state == "" {
			state = "unknown"
		}
		parts = append(parts, "["+name+"] ("+state+")")
		if step.Message != "" {
			parts = append(parts, step.Message)
		}
	}
	return strings.Join(parts, "\n")
}
