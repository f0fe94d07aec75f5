package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/catherinevee/remediator/internal/remediation"
)

var tableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// SQLStore keeps each job as a JSON document alongside the columns needed
// for lookups. It works against sqlite3 and postgres.
type SQLStore struct {
	db    *sqlx.DB
	table string
	clock Clock
}

type jobRow struct {
	TenantID    string `db:"tenant_id"`
	JobID       string `db:"job_id"`
	Status      string `db:"status"`
	Version     int64  `db:"version"`
	RequestedAt string `db:"requested_at"`
	UpdatedAt   string `db:"updated_at"`
	Document    string `db:"document"`
}

// OpenSQL connects to the database and creates the table if needed.
func OpenSQL(ctx context.Context, driver, dsn, table string, clock Clock) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}

	store, err := NewSQLStore(db, table, clock)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an existing connection.
func NewSQLStore(db *sqlx.DB, table string, clock Clock) (*SQLStore, error) {
	if table == "" {
		table = "remediation_jobs"
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLStore{db: db, table: table, clock: clock}, nil
}

// Migrate creates the jobs table and its status index.
func (s *SQLStore) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant_id    TEXT NOT NULL,
			job_id       TEXT NOT NULL,
			status       TEXT NOT NULL,
			version      BIGINT NOT NULL,
			requested_at TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			document     TEXT NOT NULL,
			PRIMARY KEY (tenant_id, job_id)
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_idx ON %s (status, requested_at)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", s.table, err)
		}
	}
	return nil
}

func toRow(job *remediation.Job) (jobRow, error) {
	doc, err := json.Marshal(job)
	if err != nil {
		return jobRow{}, err
	}
	return jobRow{
		TenantID:    job.TenantID,
		JobID:       job.JobID,
		Status:      string(job.Status),
		Version:     job.Version,
		RequestedAt: timeKey(job.RequestedAt),
		UpdatedAt:   timeKey(job.UpdatedAt),
		Document:    string(doc),
	}, nil
}

func decodeJob(doc string) (*remediation.Job, error) {
	var job remediation.Job
	if err := json.Unmarshal([]byte(doc), &job); err != nil {
		return nil, fmt.Errorf("corrupt job document: %w", err)
	}
	return &job, nil
}

func (s *SQLStore) Create(ctx context.Context, job *remediation.Job) error {
	row, err := toRow(prepareCreate(job, s.clock()))
	if err != nil {
		return storeError("create", job.JobID, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (tenant_id, job_id, status, version, requested_at, updated_at, document)
		VALUES (:tenant_id, :job_id, :status, :version, :requested_at, :updated_at, :document)
		ON CONFLICT DO NOTHING`, s.table)

	res, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return storeError("create", job.JobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("create", job.JobID, err)
	}
	if n == 0 {
		return ErrExists(job.JobID)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, tenantID, jobID string) (*remediation.Job, error) {
	query := s.db.Rebind(fmt.Sprintf(`SELECT document FROM %s WHERE tenant_id = ? AND job_id = ?`, s.table))

	var doc string
	if err := s.db.GetContext(ctx, &doc, query, tenantID, jobID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound(tenantID, jobID)
		}
		return nil, storeError("get", jobID, err)
	}
	return decodeJob(doc)
}

// Update reads the job, applies the patch and writes it back conditioned on
// the version it read. A concurrent writer makes the update fail as stale.
func (s *SQLStore) Update(ctx context.Context, tenantID, jobID string, patch remediation.JobPatch) (*remediation.Job, error) {
	job, err := s.Get(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}

	readVersion := job.Version
	if err := remediation.ApplyPatch(job, patch, s.clock()); err != nil {
		return nil, err
	}

	row, err := toRow(job)
	if err != nil {
		return nil, storeError("update", jobID, err)
	}

	query := s.db.Rebind(fmt.Sprintf(`
		UPDATE %s SET status = ?, version = ?, updated_at = ?, document = ?
		WHERE tenant_id = ? AND job_id = ? AND version = ?`, s.table))

	res, err := s.db.ExecContext(ctx, query,
		row.Status, row.Version, row.UpdatedAt, row.Document,
		tenantID, jobID, readVersion)
	if err != nil {
		return nil, storeError("update", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storeError("update", jobID, err)
	}
	if n == 0 {
		return nil, ErrStale(jobID)
	}
	return job, nil
}

func (s *SQLStore) QueryByStatus(ctx context.Context, status remediation.Status) ([]*remediation.Job, error) {
	query := s.db.Rebind(fmt.Sprintf(
		`SELECT document FROM %s WHERE status = ? ORDER BY requested_at, job_id`, s.table))

	var docs []string
	if err := s.db.SelectContext(ctx, &docs, query, string(status)); err != nil {
		return nil, storeError("query", "", err)
	}

	jobs := make([]*remediation.Job, 0, len(docs))
	for _, doc := range docs {
		job, err := decodeJob(doc)
		if err != nil {
			return nil, storeError("query", "", err)
		}
		jobs = append(jobs, job)
	}
	sortJobs(jobs)
	return jobs, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
