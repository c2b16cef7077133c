package main

import (
	"sync"
	"time"

	"github.com/kwv/cloudreg/publish"
	"github.com/kwv/cloudreg/registration"
)

// JobStatus is the tracked state of the running or latest job.
type JobStatus struct {
	Job       string                 `json:"job"`
	Running   bool                   `json:"running"`
	StartedAt time.Time              `json:"startedAt"`
	Progress  *registration.Progress `json:"progress,omitempty"`
	Result    *publish.ResultMessage `json:"result,omitempty"`
}

// StatusTracker tracks job progress for the HTTP endpoints
type StatusTracker struct {
	mu        sync.RWMutex
	current   *JobStatus
	completed int
	failed    int
}

// NewStatusTracker creates an empty status tracker
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{}
}

// StartJob marks job as running, replacing the previous status.
func (st *StatusTracker) StartJob(job string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.current = &JobStatus{Job: job, Running: true, StartedAt: time.Now()}
}

// UpdateProgress records the latest iteration of job.
func (st *StatusTracker) UpdateProgress(job string, p registration.Progress) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.current == nil || st.current.Job != job {
		return
	}
	st.current.Progress = &p
}

// FinishJob records the outcome of job.
func (st *StatusTracker) FinishJob(job string, result *registration.RegistrationResult) {
	msg := publish.NewResultMessage(job, result)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.current == nil || st.current.Job != job {
		st.current = &JobStatus{Job: job}
	}
	st.current.Running = false
	st.current.Result = &msg
	if result.Outcome.Usable() {
		st.completed++
	} else {
		st.failed++
	}
}

// Current returns a copy of the latest job status.
func (st *StatusTracker) Current() (JobStatus, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.current == nil {
		return JobStatus{}, false
	}
	return *st.current, true
}

// Counts returns how many jobs ended with a usable and an unusable outcome.
func (st *StatusTracker) Counts() (completed, failed int) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.completed, st.failed
}
