package rollback

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/remediator/internal/remediation"
	"github.com/catherinevee/remediator/internal/shared/errors"
	"github.com/catherinevee/remediator/internal/shared/metrics"
)

type mockActuator struct {
	mock.Mock
}

func (m *mockActuator) Rollback(ctx context.Context, desc remediation.RollbackDescriptor) []remediation.ActionOutcome {
	args := m.Called(ctx, desc)
	return args.Get(0).([]remediation.ActionOutcome)
}

func outcome(status remediation.ActionStatus) remediation.ActionOutcome {
	return remediation.ActionOutcome{Action: "undo", Resource: "r", Status: status}
}

func completedJob() *remediation.Job {
	return &remediation.Job{
		JobID:  "job-1",
		Status: remediation.StatusCompleted,
		RollbackDescriptor: &remediation.RollbackDescriptor{
			Kind:         "storage-bucket/enable-bucket-encryption",
			Data:         json.RawMessage(`{"bucket":"reports-bucket"}`),
			Automatable:  true,
			Instructions: []string{"Restore the previous configuration"},
		},
	}
}

func TestAggregate(t *testing.T) {
	ok := remediation.ActionSuccess
	fail := remediation.ActionFailed
	skip := remediation.ActionSkipped

	tests := []struct {
		name     string
		statuses []remediation.ActionStatus
		success  bool
		partial  bool
	}{
		{"all succeeded", []remediation.ActionStatus{ok, ok}, true, false},
		{"success with skip", []remediation.ActionStatus{ok, skip}, true, false},
		{"all skipped", []remediation.ActionStatus{skip}, false, false},
		{"all failed", []remediation.ActionStatus{fail, fail}, false, false},
		{"some failed", []remediation.ActionStatus{ok, fail}, false, true},
		{"failed and skipped", []remediation.ActionStatus{skip, fail}, false, true},
		{"no actions", nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var actions []remediation.ActionOutcome
			for _, s := range tt.statuses {
				actions = append(actions, outcome(s))
			}
			got := Aggregate(actions)
			assert.Equal(t, tt.success, got.Success)
			assert.Equal(t, tt.partial, got.PartialRollback)
			assert.Len(t, got.Actions, len(actions))
		})
	}
}

func TestExecuteRollback(t *testing.T) {
	act := &mockActuator{}
	job := completedJob()
	act.On("Rollback", mock.Anything, *job.RollbackDescriptor).
		Return([]remediation.ActionOutcome{outcome(remediation.ActionSuccess)}).Once()

	reg := prometheus.NewRegistry()
	c := NewCoordinator(act, metrics.NewRecorder(reg), zerolog.Nop())

	res, err := c.ExecuteRollback(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.PartialRollback)
	assert.Equal(t, []string{"Restore the previous configuration"}, res.Instructions)
	act.AssertExpectations(t)

	count, err := testutil.GatherAndCount(reg, "remediator_rollback_actions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestExecuteRollback_PartialIsNotAnError(t *testing.T) {
	act := &mockActuator{}
	act.On("Rollback", mock.Anything, mock.Anything).Return([]remediation.ActionOutcome{
		outcome(remediation.ActionSuccess),
		{Action: "authorize tcp/3389", Resource: "sg-web", Status: remediation.ActionFailed, Error: "UnauthorizedOperation"},
	})

	res, err := NewCoordinator(act, nil, zerolog.Nop()).ExecuteRollback(context.Background(), completedJob())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.PartialRollback)
	assert.Equal(t, "UnauthorizedOperation", res.Actions[1].Error)
}

func TestExecuteRollback_RejectsIneligibleJobs(t *testing.T) {
	statuses := []remediation.Status{
		remediation.StatusPending,
		remediation.StatusPendingApproval,
		remediation.StatusApproved,
		remediation.StatusFailed,
		remediation.StatusRolledBack,
	}

	for _, s := range statuses {
		t.Run(string(s), func(t *testing.T) {
			act := &mockActuator{}
			job := completedJob()
			job.Status = s

			_, err := NewCoordinator(act, nil, zerolog.Nop()).ExecuteRollback(context.Background(), job)
			require.Error(t, err)
			assert.True(t, errors.Is(err, remediation.ErrRollback))
			assert.True(t, errors.Is(err, &errors.Error{Type: errors.ErrorTypeRollback, Code: remediation.CodeNotCompleted}))
			act.AssertNotCalled(t, "Rollback", mock.Anything, mock.Anything)
		})
	}

	t.Run("missing descriptor", func(t *testing.T) {
		act := &mockActuator{}
		job := completedJob()
		job.RollbackDescriptor = nil

		_, err := NewCoordinator(act, nil, zerolog.Nop()).ExecuteRollback(context.Background(), job)
		assert.True(t, errors.Is(err, &errors.Error{Type: errors.ErrorTypeRollback, Code: remediation.CodeNoDescriptor}))
		act.AssertNotCalled(t, "Rollback", mock.Anything, mock.Anything)
	})
}
