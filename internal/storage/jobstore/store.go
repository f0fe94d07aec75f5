// Package jobstore persists remediation jobs. Every backend applies updates
// through remediation.ApplyPatch, so the status graph and the write-once
// artifacts are enforced the same way regardless of where jobs live.
package jobstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/catherinevee/remediator/internal/remediation"
	"github.com/catherinevee/remediator/internal/shared/errors"
)

// Store is the job persistence boundary.
type Store interface {
	// Create inserts job. It fails with a conflict error if the id exists.
	Create(ctx context.Context, job *remediation.Job) error
	// Get returns the job or a not_found error.
	Get(ctx context.Context, tenantID, jobID string) (*remediation.Job, error)
	// Update applies patch atomically and returns the updated job.
	Update(ctx context.Context, tenantID, jobID string, patch remediation.JobPatch) (*remediation.Job, error)
	// QueryByStatus returns jobs across tenants ordered by request time.
	QueryByStatus(ctx context.Context, status remediation.Status) ([]*remediation.Job, error)
	Close() error
}

// Clock is the time source used for UpdatedAt.
type Clock func() time.Time

// ErrNotFound builds the not_found error for a job.
func ErrNotFound(tenantID, jobID string) error {
	err := errors.NewNotFoundError(jobID)
	err.Message = fmt.Sprintf("job %s not found", jobID)
	err.Details = map[string]interface{}{"tenantId": tenantID}
	return err
}

// ErrExists builds the conflict error for a duplicate create.
func ErrExists(jobID string) error {
	err := errors.NewConflictError(jobID, fmt.Sprintf("job %s already exists", jobID))
	err.Code = remediation.CodeJobExists
	return err
}

// ErrStale builds the conflict error for a lost concurrent update.
func ErrStale(jobID string) error {
	err := errors.NewConflictError(jobID, "job was modified concurrently")
	err.Code = remediation.CodeStaleVersion
	err.UserHelp = "Reload the job and retry"
	return err
}

func sortJobs(jobs []*remediation.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].RequestedAt.Equal(jobs[j].RequestedAt) {
			return jobs[i].RequestedAt.Before(jobs[j].RequestedAt)
		}
		return jobs[i].JobID < jobs[j].JobID
	})
}

func prepareCreate(job *remediation.Job, now time.Time) *remediation.Job {
	cp := job.Clone()
	if cp.Version == 0 {
		cp.Version = 1
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now.UTC()
	}
	return cp
}

func storeError(op, jobID string, err error) error {
	return errors.NewError(errors.ErrorTypeSystem, "job store "+op+" failed").
		WithOperation(op).
		WithResource(jobID).
		WithWrapped(err).
		Build()
}

// timeKey formats t so that lexical order matches chronological order.
func timeKey(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}
