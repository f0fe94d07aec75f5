// Package audit records remediation decisions in an append-only trail.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/catherinevee/remediator/internal/shared/logger"
)

// Action names what happened to a job.
type Action string

const (
	ActionRequested         Action = "remediation.requested"
	ActionSafetyFailed      Action = "remediation.safety_failed"
	ActionApprovalRequested Action = "remediation.approval_requested"
	ActionApproved          Action = "remediation.approved"
	ActionApplied           Action = "remediation.applied"
	ActionFailed            Action = "remediation.failed"
	ActionRolledBack        Action = "remediation.rolled_back"
)

// Event is a single audit record.
type Event struct {
	ID            string                 `json:"id"`
	Action        Action                 `json:"action"`
	ActorID       string                 `json:"actor_id"`
	TargetID      string                 `json:"target_id"`
	TenantID      string                 `json:"tenant_id,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// Sink is the append-only audit boundary.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// Filter selects events when reading a trail back.
type Filter struct {
	StartTime     time.Time
	EndTime       time.Time
	Actions       []Action
	TargetID      string
	CorrelationID string
	Limit         int
}

func stamp(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
}

// FileSink writes events as JSON lines and rotates by size.
type FileSink struct {
	mu          sync.Mutex
	basePath    string
	currentFile *os.File
	size        int64
	maxFileSize int64
	rotateCount int
}

// FileOption configures a FileSink.
type FileOption func(*FileSink)

// WithMaxFileSize sets the size at which the current file is rotated.
func WithMaxFileSize(n int64) FileOption {
	return func(s *FileSink) { s.maxFileSize = n }
}

// WithRotateCount sets how many rotated files are kept.
func WithRotateCount(n int) FileOption {
	return func(s *FileSink) { s.rotateCount = n }
}

// NewFileSink creates the directory if needed and opens audit.log for append.
func NewFileSink(basePath string, opts ...FileOption) (*FileSink, error) {
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	sink := &FileSink{
		basePath:    basePath,
		maxFileSize: 100 * 1024 * 1024, // 100MB
		rotateCount: 10,
	}
	for _, opt := range opts {
		opt(sink)
	}

	if err := sink.openCurrentFile(); err != nil {
		return nil, err
	}
	return sink, nil
}

// Append writes the event and syncs the file before returning.
func (s *FileSink) Append(_ context.Context, event Event) error {
	stamp(&event)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentFile == nil {
		return fmt.Errorf("audit sink is closed")
	}
	if s.maxFileSize > 0 && s.size > 0 && s.size+int64(len(data)) > s.maxFileSize {
		if err := s.rotate(); err != nil {
			return err
		}
	}

	n, err := s.currentFile.Write(data)
	s.size += int64(n)
	if err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return s.currentFile.Sync()
}

// Query reads events from rotated files (oldest first) and then the
// current file.
func (s *FileSink) Query(_ context.Context, filter Filter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ReadDir(s.basePath, s.rotateCount, filter)
}

// Rotate closes the current file and shifts older ones.
func (s *FileSink) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotate()
}

// Close closes the current file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentFile == nil {
		return nil
	}
	err := s.currentFile.Close()
	s.currentFile = nil
	return err
}

func (s *FileSink) rotate() error {
	if s.currentFile != nil {
		s.currentFile.Close()
		s.currentFile = nil
	}

	for i := s.rotateCount - 1; i > 0; i-- {
		os.Rename(rotatedFilePath(s.basePath, i-1), rotatedFilePath(s.basePath, i))
	}

	current := currentFilePath(s.basePath)
	if _, err := os.Stat(current); err == nil {
		if err := os.Rename(current, rotatedFilePath(s.basePath, 0)); err != nil {
			return fmt.Errorf("rotating audit file: %w", err)
		}
	}
	return s.openCurrentFile()
}

func (s *FileSink) openCurrentFile() error {
	path := currentFilePath(s.basePath)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("opening audit file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("opening audit file: %w", err)
	}
	s.currentFile = file
	s.size = info.Size()
	return nil
}

func currentFilePath(basePath string) string {
	return filepath.Join(basePath, "audit.log")
}

func rotatedFilePath(basePath string, index int) string {
	return filepath.Join(basePath, fmt.Sprintf("audit.log.%d", index+1))
}

// ReadDir reads a trail written by FileSink without opening it for writing.
func ReadDir(basePath string, rotateCount int, filter Filter) ([]Event, error) {
	var paths []string
	for i := rotateCount - 1; i >= 0; i-- {
		path := rotatedFilePath(basePath, i)
		if _, err := os.Stat(path); err == nil {
			paths = append(paths, path)
		}
	}
	paths = append(paths, currentFilePath(basePath))

	var results []Event
	for _, path := range paths {
		events, err := readEventsFromFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return results, err
		}
		for _, event := range events {
			if !matchesFilter(event, filter) {
				continue
			}
			results = append(results, event)
			if filter.Limit > 0 && len(results) >= filter.Limit {
				return results, nil
			}
		}
	}
	return results, nil
}

func readEventsFromFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err == nil {
			events = append(events, event)
		}
	}
	return events, scanner.Err()
}

func matchesFilter(event Event, filter Filter) bool {
	if !filter.StartTime.IsZero() && event.Timestamp.Before(filter.StartTime) {
		return false
	}
	if !filter.EndTime.IsZero() && event.Timestamp.After(filter.EndTime) {
		return false
	}
	if len(filter.Actions) > 0 && !contains(filter.Actions, event.Action) {
		return false
	}
	if filter.TargetID != "" && event.TargetID != filter.TargetID {
		return false
	}
	if filter.CorrelationID != "" && event.CorrelationID != filter.CorrelationID {
		return false
	}
	return true
}

func contains[T comparable](slice []T, item T) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that logs each event at info level.
func NewLogSink(l zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.Component(l, "audit")}
}

func (s *LogSink) Append(_ context.Context, event Event) error {
	stamp(&event)
	s.logger.Info().
		Str("audit_id", event.ID).
		Str("action", string(event.Action)).
		Str("actor_id", event.ActorID).
		Str("target_id", event.TargetID).
		Str("tenant_id", event.TenantID).
		Str("correlation_id", event.CorrelationID).
		Fields(event.Details).
		Time("event_time", event.Timestamp).
		Msg("audit")
	return nil
}

// MultiSink appends to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Append(ctx context.Context, event Event) error {
	stamp(&event)
	var errs []error
	for _, sink := range m {
		if err := sink.Append(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Append(context.Context, Event) error { return nil }
