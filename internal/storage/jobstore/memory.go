package jobstore

import (
	"context"
	"sync"
	"time"

	"github.com/catherinevee/remediator/internal/remediation"
)

type key struct{ tenant, job string }

// MemoryStore keeps jobs in process. Jobs are cloned on the way in and out.
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[key]*remediation.Job
	clock Clock
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(clock Clock) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		jobs:  make(map[key]*remediation.Job),
		clock: clock,
	}
}

func (s *MemoryStore) Create(_ context.Context, job *remediation.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{job.TenantID, job.JobID}
	if _, exists := s.jobs[k]; exists {
		return ErrExists(job.JobID)
	}
	s.jobs[k] = prepareCreate(job, s.clock())
	return nil
}

func (s *MemoryStore) Get(_ context.Context, tenantID, jobID string) (*remediation.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[key{tenantID, jobID}]
	if !ok {
		return nil, ErrNotFound(tenantID, jobID)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, tenantID, jobID string, patch remediation.JobPatch) (*remediation.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[key{tenantID, jobID}]
	if !ok {
		return nil, ErrNotFound(tenantID, jobID)
	}

	next := stored.Clone()
	if err := remediation.ApplyPatch(next, patch, s.clock()); err != nil {
		return nil, err
	}
	s.jobs[key{tenantID, jobID}] = next
	return next.Clone(), nil
}

func (s *MemoryStore) QueryByStatus(_ context.Context, status remediation.Status) ([]*remediation.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*remediation.Job
	for _, job := range s.jobs {
		if job.Status == status {
			out = append(out, job.Clone())
		}
	}
	sortJobs(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
