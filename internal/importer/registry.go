package importer

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/knximport/internal/knxproj"
)

// Registry is the concurrency-safe store of import jobs. A job owns four
// entries (metadata, uploaded bytes, detected features, working context)
// that are created and removed together. Every method is atomic for its job
// and every snapshot it hands out is a deep copy.
type Registry struct {
	mu       sync.RWMutex
	jobs     map[string]*jobEntry
	data     map[string][]byte
	features map[string]knxproj.Features
	contexts map[string]ImportContext

	now func() time.Time
}

type jobEntry struct {
	job Job
	// running is set while a pipeline run owns the job. Only Park clears
	// it; terminal jobs never start another run.
	running bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs:     make(map[string]*jobEntry),
		data:     make(map[string][]byte),
		features: make(map[string]knxproj.Features),
		contexts: make(map[string]ImportContext),
		now:      time.Now,
	}
}

// Create registers a new job in Analyzing with the upload step completed.
// The job is marked as owned by the analysis run that follows.
func (r *Registry) Create(fileName string, data []byte) Job {
	now := r.now()
	job := Job{
		ID:        uuid.New().String(),
		FileName:  fileName,
		Status:    StatusAnalyzing,
		Steps:     newSteps(),
		CreatedAt: now,
	}
	applyStep(&job.Steps[StepUploadFile], StepCompleted, 100, "", now)
	job.Progress = overallProgress(job.Steps, 0)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs[job.ID] = &jobEntry{job: job, running: true}
	r.data[job.ID] = data
	r.contexts[job.ID] = ImportContext{JobID: job.ID, FileName: fileName}

	return job.Clone()
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.job.Clone(), true
}

// List returns snapshots of all jobs, newest first.
func (r *Registry) List() []Job {
	r.mu.RLock()
	jobs := make([]Job, 0, len(r.jobs))
	for _, e := range r.jobs {
		jobs = append(jobs, e.job.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs
}

// Data returns the uploaded bytes of a job. The slice is shared and must
// not be modified.
func (r *Registry) Data(id string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.data[id]
	return d, ok
}

// StoreFeatures caches the detection result of a job.
func (r *Registry) StoreFeatures(id string, f knxproj.Features) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; !ok {
		return ErrJobNotFound
	}
	r.features[id] = f
	return nil
}

// Features returns the cached detection result of a job.
func (r *Registry) Features(id string) (knxproj.Features, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.features[id]
	return f, ok
}

// Context returns a copy of the job's working context without the uploaded
// bytes.
func (r *Registry) Context(id string) (ImportContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.contexts[id]
	if !ok {
		return ImportContext{}, false
	}
	return c.clone(), true
}

// UpdateContext applies fn to the job's working context.
func (r *Registry) UpdateContext(id string, fn func(*ImportContext)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contexts[id]
	if !ok {
		return ErrJobNotFound
	}
	fn(&c)
	r.contexts[id] = c.clone()
	return nil
}

// UpdateStatus moves a non-terminal job to status.
func (r *Registry) UpdateStatus(id string, status Status) error {
	return r.mutate(id, func(e *jobEntry, _ time.Time) error {
		if e.job.Status.Terminal() {
			return ErrJobFinished
		}
		e.job.Status = status
		return nil
	})
}

// UpdateStep records step progress. Repeating an update is a no-op, and the
// step timestamps only move on status transitions. Finished jobs are frozen.
func (r *Registry) UpdateStep(id string, step StepType, status StepStatus, progress int, errMsg string) error {
	return r.mutate(id, func(e *jobEntry, now time.Time) error {
		if e.job.Status.Terminal() {
			return ErrJobFinished
		}
		if step < 0 || int(step) >= len(e.job.Steps) {
			return nil
		}
		applyStep(&e.job.Steps[step], status, progress, errMsg, now)
		e.job.Progress = overallProgress(e.job.Steps, e.job.Progress)
		return nil
	})
}

// AddRequirement records an input the job needs. A second requirement of
// the same type is ignored.
func (r *Registry) AddRequirement(id string, req Requirement) error {
	return r.mutate(id, func(e *jobEntry, _ time.Time) error {
		e.job.Requirements.Add(req)
		return nil
	})
}

// FulfillRequirement marks a requirement as satisfied and reports whether
// every requirement of the job is now fulfilled.
func (r *Registry) FulfillRequirement(id string, t RequirementType) (bool, error) {
	var all bool
	err := r.mutate(id, func(e *jobEntry, _ time.Time) error {
		if !e.job.Requirements.update(t, func(req *Requirement) { req.Fulfilled = true }) {
			return ErrRequirementNotRequested
		}
		all = e.job.Requirements.AllFulfilled()
		return nil
	})
	return all, err
}

// UnfulfillRequirement withdraws an accepted input without charging an
// attempt.
func (r *Registry) UnfulfillRequirement(id string, t RequirementType) error {
	return r.mutate(id, func(e *jobEntry, _ time.Time) error {
		if !e.job.Requirements.update(t, func(req *Requirement) { req.Fulfilled = false }) {
			return ErrRequirementNotRequested
		}
		return nil
	})
}

// RejectRequirement un-fulfills a requirement whose value proved wrong and
// returns the attempts left. Attempts never drop below zero.
func (r *Registry) RejectRequirement(id string, t RequirementType) (int, error) {
	var remaining int
	err := r.mutate(id, func(e *jobEntry, _ time.Time) error {
		ok := e.job.Requirements.update(t, func(req *Requirement) {
			req.Fulfilled = false
			if req.RemainingAttempts > 0 {
				req.RemainingAttempts--
			}
			remaining = req.RemainingAttempts
		})
		if !ok {
			return ErrRequirementNotRequested
		}
		return nil
	})
	return remaining, err
}

// Park returns a job to WaitingForInput and releases its run ownership.
func (r *Registry) Park(id string) error {
	return r.mutate(id, func(e *jobEntry, _ time.Time) error {
		if e.job.Status.Terminal() {
			return ErrJobFinished
		}
		e.job.Status = StatusWaitingForInput
		e.running = false
		return nil
	})
}

// BeginImport claims a waiting job for a resumption run. It fails unless the
// job is waiting, has every requirement fulfilled and no run owns it.
func (r *Registry) BeginImport(id string) error {
	return r.mutate(id, func(e *jobEntry, _ time.Time) error {
		switch {
		case e.job.Status.Terminal():
			return ErrJobFinished
		case e.running:
			return ErrRunInFlight
		case e.job.Status != StatusWaitingForInput:
			return ErrNotWaiting
		case !e.job.Requirements.AllFulfilled():
			return ErrRequirementsPending
		}
		e.running = true
		e.job.Status = StatusImporting
		return nil
	})
}

// Running reports whether a pipeline run owns the job.
func (r *Registry) Running(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.jobs[id]
	return ok && e.running && !e.job.Status.Terminal()
}

// Complete records the result of a successful import. A job that reached a
// terminal state first keeps it.
func (r *Registry) Complete(id string, result Result) error {
	return r.mutate(id, func(e *jobEntry, now time.Time) error {
		if e.job.Status.Terminal() {
			return ErrJobFinished
		}
		e.job.Status = StatusCompleted
		e.job.Progress = 100
		e.job.Result = &result
		e.job.CompletedAt = &now
		return nil
	})
}

// Fail records a fatal error. Steps still in progress are marked failed.
func (r *Registry) Fail(id, msg string) error {
	return r.mutate(id, func(e *jobEntry, now time.Time) error {
		if e.job.Status.Terminal() {
			return ErrJobFinished
		}
		for i := range e.job.Steps {
			if e.job.Steps[i].Status == StepInProgress {
				applyStep(&e.job.Steps[i], StepFailed, e.job.Steps[i].Progress, msg, now)
			}
		}
		e.job.Status = StatusFailed
		e.job.Error = msg
		e.job.CompletedAt = &now
		return nil
	})
}

// Cancel marks a non-terminal job cancelled.
func (r *Registry) Cancel(id string) error {
	return r.mutate(id, func(e *jobEntry, now time.Time) error {
		if e.job.Status.Terminal() {
			return ErrJobFinished
		}
		e.job.Status = StatusCancelled
		e.job.CompletedAt = &now
		return nil
	})
}

// Remove deletes all entries of a job.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; !ok {
		return false
	}
	delete(r.jobs, id)
	delete(r.data, id)
	delete(r.features, id)
	delete(r.contexts, id)
	return true
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Expired returns the ids of jobs finished before finishedBefore and of
// jobs still waiting for input that were created before waitingBefore.
func (r *Registry) Expired(finishedBefore, waitingBefore time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, e := range r.jobs {
		switch {
		case e.job.Status.Terminal():
			if e.job.CompletedAt != nil && e.job.CompletedAt.Before(finishedBefore) {
				ids = append(ids, id)
			}
		case e.job.Status == StatusWaitingForInput && !e.running:
			if e.job.CreatedAt.Before(waitingBefore) {
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) mutate(id string, fn func(e *jobEntry, now time.Time) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	return fn(e, r.now())
}

func applyStep(s *Step, status StepStatus, progress int, errMsg string, now time.Time) {
	progress = min(max(progress, 0), 100)
	if status == StepCompleted {
		progress = 100
		errMsg = ""
	}
	if s.Status == status && s.Progress == progress && s.Error == errMsg {
		return
	}

	switch status {
	case StepInProgress:
		if s.StartTime == nil {
			s.StartTime = &now
		}
		s.EndTime = nil
	case StepCompleted, StepFailed:
		if s.StartTime == nil {
			s.StartTime = &now
		}
		if s.Status != status || s.EndTime == nil {
			end := now
			s.EndTime = &end
		}
	case StepPending:
		s.StartTime = nil
		s.EndTime = nil
	}

	s.Status = status
	s.Progress = progress
	s.Error = errMsg
}

// overallProgress averages step progress. It never reports less than prev.
func overallProgress(steps []Step, prev int) int {
	if len(steps) == 0 {
		return prev
	}
	total := 0
	for _, s := range steps {
		total += s.Progress
	}
	return max(prev, total/len(steps))
}
