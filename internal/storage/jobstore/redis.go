package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/catherinevee/remediator/internal/remediation"
)

// RedisStore keeps each job as a JSON string and maintains one set of job
// keys per status for QueryByStatus.
type RedisStore struct {
	client *redis.Client
	prefix string
	clock  Clock
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, opts *redis.Options, prefix string, clock Clock) (*RedisStore, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return NewRedisStore(client, prefix, clock), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string, clock Clock) *RedisStore {
	if prefix == "" {
		prefix = "remediator"
	}
	if clock == nil {
		clock = time.Now
	}
	return &RedisStore{client: client, prefix: prefix, clock: clock}
}

func (s *RedisStore) jobKey(tenantID, jobID string) string {
	return s.prefix + ":job:" + tenantID + ":" + jobID
}

func (s *RedisStore) statusKey(status remediation.Status) string {
	return s.prefix + ":status:" + string(status)
}

func (s *RedisStore) Create(ctx context.Context, job *remediation.Job) error {
	stored := prepareCreate(job, s.clock())
	doc, err := json.Marshal(stored)
	if err != nil {
		return storeError("create", job.JobID, err)
	}

	key := s.jobKey(job.TenantID, job.JobID)
	ok, err := s.client.SetNX(ctx, key, doc, 0).Result()
	if err != nil {
		return storeError("create", job.JobID, err)
	}
	if !ok {
		return ErrExists(job.JobID)
	}
	if err := s.client.SAdd(ctx, s.statusKey(stored.Status), key).Err(); err != nil {
		return storeError("create", job.JobID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, tenantID, jobID string) (*remediation.Job, error) {
	doc, err := s.client.Get(ctx, s.jobKey(tenantID, jobID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound(tenantID, jobID)
	}
	if err != nil {
		return nil, storeError("get", jobID, err)
	}
	return decodeJob(doc)
}

// Update watches the job key, so a write by anyone else between the read
// and the transaction aborts it as stale.
func (s *RedisStore) Update(ctx context.Context, tenantID, jobID string, patch remediation.JobPatch) (*remediation.Job, error) {
	key := s.jobKey(tenantID, jobID)
	var updated *remediation.Job

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		doc, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return ErrNotFound(tenantID, jobID)
		}
		if err != nil {
			return storeError("update", jobID, err)
		}

		job, err := decodeJob(doc)
		if err != nil {
			return storeError("update", jobID, err)
		}
		previous := job.Status
		if err := remediation.ApplyPatch(job, patch, s.clock()); err != nil {
			return err
		}
		next, err := json.Marshal(job)
		if err != nil {
			return storeError("update", jobID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			if previous != job.Status {
				pipe.SRem(ctx, s.statusKey(previous), key)
				pipe.SAdd(ctx, s.statusKey(job.Status), key)
			}
			return nil
		})
		if err == redis.TxFailedErr {
			return ErrStale(jobID)
		}
		if err != nil {
			return storeError("update", jobID, err)
		}
		updated = job
		return nil
	}, key)
	if err == redis.TxFailedErr {
		return nil, ErrStale(jobID)
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *RedisStore) QueryByStatus(ctx context.Context, status remediation.Status) ([]*remediation.Job, error) {
	keys, err := s.client.SMembers(ctx, s.statusKey(status)).Result()
	if err != nil {
		return nil, storeError("query", "", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storeError("query", "", err)
	}

	jobs := make([]*remediation.Job, 0, len(values))
	for _, v := range values {
		doc, ok := v.(string)
		if !ok {
			continue
		}
		job, err := decodeJob(doc)
		if err != nil {
			return nil, storeError("query", "", err)
		}
		// The set can briefly lag a status change made by another writer.
		if job.Status == status {
			jobs = append(jobs, job)
		}
	}
	sortJobs(jobs)
	return jobs, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
