package queue

import (
	"sync"
	"time"

	"mailqueue/internal/models"
)

// FastPath is the process-local list of jobs known to be ready, so workers
// can skip a store round trip. It is never authoritative.
// It holds at most one entry per job id.
type FastPath struct {
	mu     sync.Mutex
	jobs   []*models.EmailJob
	queued map[string]struct{}
	ready  chan struct{}
}

func NewFastPath() *FastPath {
	return &FastPath{
		queued: make(map[string]struct{}),
		ready:  make(chan struct{}, 1),
	}
}

// Push appends job and wakes one idle worker. If a job with the same id is
// already queued it is replaced in place by the newer copy.
func (f *FastPath) Push(job *models.EmailJob) {
	if job == nil {
		return
	}

	f.mu.Lock()
	if _, ok := f.queued[job.ID]; ok {
		for i, queued := range f.jobs {
			if queued.ID == job.ID {
				f.jobs[i] = job
				break
			}
		}
	} else {
		f.queued[job.ID] = struct{}{}
		f.jobs = append(f.jobs, job)
	}
	f.mu.Unlock()

	select {
	case f.ready <- struct{}{}:
	default:
	}
}

// TryPop removes and returns the oldest job that is due at now. Jobs waiting
// out a retry delay keep their position.
func (f *FastPath) TryPop(now time.Time) (*models.EmailJob, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, job := range f.jobs {
		if !job.Due(now) {
			continue
		}
		copy(f.jobs[i:], f.jobs[i+1:])
		f.jobs[len(f.jobs)-1] = nil
		f.jobs = f.jobs[:len(f.jobs)-1]
		delete(f.queued, job.ID)
		return job, true
	}

	return nil, false
}

func (f *FastPath) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

// Ready fires after a Push. It carries no count: a receiver should keep
// popping until TryPop reports nothing.
func (f *FastPath) Ready() <-chan struct{} {
	return f.ready
}
