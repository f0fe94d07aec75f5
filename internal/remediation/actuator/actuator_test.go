package actuator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/remediator/internal/remediation"
	"github.com/catherinevee/remediator/internal/shared/errors"
)

type stubHandler struct {
	kind      Kind
	baseline  remediation.ImpactEstimate
	result    *remediation.ExecutionResult
	err       error
	outcomes  []remediation.ActionOutcome
	executed  []remediation.Request
	rolledBck []json.RawMessage
}

func (s *stubHandler) Kind() Kind                          { return s.kind }
func (s *stubHandler) Baseline() remediation.ImpactEstimate { return s.baseline }

func (s *stubHandler) Execute(_ context.Context, req remediation.Request) (*remediation.ExecutionResult, error) {
	s.executed = append(s.executed, req)
	return s.result, s.err
}

func (s *stubHandler) Rollback(_ context.Context, data json.RawMessage) []remediation.ActionOutcome {
	s.rolledBck = append(s.rolledBck, data)
	return s.outcomes
}

func newStub() *stubHandler {
	return &stubHandler{
		kind: Kind{remediation.ResourceStorageBucket, remediation.RemediationEnableVersioning},
		baseline: remediation.ImpactEstimate{
			RiskLevel:   remediation.RiskLow,
			Mitigations: []string{"recorded"},
		},
		result: &remediation.ExecutionResult{Success: true, Message: "ok"},
	}
}

func bucketRequest(id string) remediation.Request {
	return remediation.Request{
		TenantID:        "tenant-1",
		FindingID:       "finding-1",
		ResourceID:      id,
		ResourceType:    remediation.ResourceStorageBucket,
		RemediationType: remediation.RemediationEnableVersioning,
		RequestedBy:     "alice",
	}
}

func TestActuator_Register(t *testing.T) {
	a := New()
	require.NoError(t, a.Register(newStub()))

	err := a.Register(newStub())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	assert.True(t, a.Supports(remediation.ResourceStorageBucket, remediation.RemediationEnableVersioning))
	assert.False(t, a.Supports(remediation.ResourceStorageBucket, remediation.RemediationDeleteResource))
	assert.Len(t, a.Kinds(), 1)
}

func TestActuator_EstimateImpact(t *testing.T) {
	a := New()
	require.NoError(t, a.Register(newStub()))

	t.Run("non-production keeps baseline", func(t *testing.T) {
		est, err := a.EstimateImpact(bucketRequest("team-logs"))
		require.NoError(t, err)
		assert.Equal(t, remediation.RiskLow, est.RiskLevel)
		assert.Equal(t, 1, est.AffectedResources)
		assert.Equal(t, []string{"recorded"}, est.Mitigations)
	})

	t.Run("production escalates one tier", func(t *testing.T) {
		est, err := a.EstimateImpact(bucketRequest("prod-logs"))
		require.NoError(t, err)
		assert.Equal(t, remediation.RiskMedium, est.RiskLevel)
		assert.Len(t, est.Mitigations, 2)
	})

	t.Run("baseline is not mutated", func(t *testing.T) {
		_, err := a.EstimateImpact(bucketRequest("prod-logs"))
		require.NoError(t, err)
		est, err := a.EstimateImpact(bucketRequest("team-logs"))
		require.NoError(t, err)
		assert.Len(t, est.Mitigations, 1)
	})

	t.Run("custom matcher", func(t *testing.T) {
		a.SetProductionMatcher(remediation.ProductionNameMatcher([]string{"live"}))
		defer a.SetProductionMatcher(nil)

		est, err := a.EstimateImpact(bucketRequest("live-logs"))
		require.NoError(t, err)
		assert.Equal(t, remediation.RiskMedium, est.RiskLevel)
	})

	t.Run("unsupported", func(t *testing.T) {
		req := bucketRequest("team-logs")
		req.RemediationType = "paint-it-blue"
		_, err := a.EstimateImpact(req)
		require.Error(t, err)
		assert.True(t, errors.Is(err, &errors.Error{Type: errors.ErrorTypeRemediation, Code: remediation.CodeUnsupported}))
	})
}

func TestActuator_Execute(t *testing.T) {
	t.Run("fills missing descriptor", func(t *testing.T) {
		stub := newStub()
		a := New()
		require.NoError(t, a.Register(stub))

		res, err := a.Execute(context.Background(), bucketRequest("team-logs"))
		require.NoError(t, err)
		require.NotNil(t, res.RollbackDescriptor)
		assert.False(t, res.RollbackDescriptor.Automatable)
		assert.NotEmpty(t, res.RollbackDescriptor.Instructions)
		assert.Len(t, stub.executed, 1)
	})

	t.Run("wraps handler failure", func(t *testing.T) {
		stub := newStub()
		stub.err = fmt.Errorf("AccessDenied")
		a := New()
		require.NoError(t, a.Register(stub))

		_, err := a.Execute(context.Background(), bucketRequest("team-logs"))
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeRemediation))
		assert.ErrorContains(t, err, "AccessDenied")
	})

	t.Run("validation passes through", func(t *testing.T) {
		stub := newStub()
		stub.err = remediation.NewMissingParameterError("team-logs", fmt.Errorf("policyArn is required"))
		a := New()
		require.NoError(t, a.Register(stub))

		_, err := a.Execute(context.Background(), bucketRequest("team-logs"))
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})

	t.Run("unsupported", func(t *testing.T) {
		a := New()
		_, err := a.Execute(context.Background(), bucketRequest("team-logs"))
		assert.True(t, errors.IsType(err, errors.ErrorTypeRemediation))
	})
}

func TestActuator_Rollback(t *testing.T) {
	stub := newStub()
	stub.outcomes = []remediation.ActionOutcome{success("undo", "team-logs")}
	a := New()
	require.NoError(t, a.Register(stub))

	t.Run("dispatches by kind", func(t *testing.T) {
		desc, err := AutomatedRollback(stub.kind, map[string]string{"bucket": "team-logs"})
		require.NoError(t, err)

		out := a.Rollback(context.Background(), *desc)
		require.Len(t, out, 1)
		assert.Equal(t, remediation.ActionSuccess, out[0].Status)
		require.Len(t, stub.rolledBck, 1)
		assert.JSONEq(t, `{"bucket":"team-logs"}`, string(stub.rolledBck[0]))
	})

	t.Run("manual descriptor is skipped", func(t *testing.T) {
		out := a.Rollback(context.Background(), *remediation.ManualRollback(stub.kind.String(), "do it by hand"))
		require.Len(t, out, 1)
		assert.Equal(t, remediation.ActionSkipped, out[0].Status)
	})

	t.Run("unknown kind is skipped", func(t *testing.T) {
		out := a.Rollback(context.Background(), remediation.RollbackDescriptor{
			Kind: "nope/nope", Data: json.RawMessage(`{}`), Automatable: true,
		})
		require.Len(t, out, 1)
		assert.Equal(t, remediation.ActionSkipped, out[0].Status)
	})
}

func TestDecodeParams(t *testing.T) {
	var p flowLogsParams
	err := DecodeParams("vpc-1", remediation.Parameters{"logGroupName": "flows"}, &p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, &errors.Error{Type: errors.ErrorTypeValidation, Code: remediation.CodeMissingParameter}))
	assert.ErrorContains(t, err, "deliverLogsPermissionArn")

	err = DecodeParams("vpc-1", remediation.Parameters{
		"logGroupName":             "flows",
		"deliverLogsPermissionArn": "arn:aws:iam::123456789012:role/flow-logs",
		"trafficType":              "REJECT",
	}, &p)
	require.NoError(t, err)
	assert.Equal(t, "REJECT", p.TrafficType)

	var b bucketEncryptionParams
	err = DecodeParams("bucket", remediation.Parameters{"algorithm": "aws:kms"}, &b)
	assert.ErrorContains(t, err, "kmsKeyId")
}

func TestDryRunResult(t *testing.T) {
	res := DryRunResult(Kind{"a", "b"}, []remediation.Change{{Action: "x"}})
	assert.True(t, res.Success)
	assert.False(t, res.RollbackDescriptor.Automatable)
	assert.Equal(t, "a/b", res.RollbackDescriptor.Kind)
	assert.Contains(t, res.Message, "1 change")
}

func TestActuator_ValidateParams(t *testing.T) {
	a, _, f := newAWSActuator(t)

	tests := []struct {
		name    string
		req     remediation.Request
		wantErr *errors.Error
		errMsg  string
	}{
		{
			name:    "missing required parameter",
			req:     request("ci-deployer", remediation.ResourceIdentityRole, remediation.RemediationModifyPermissions, nil),
			wantErr: &errors.Error{Type: errors.ErrorTypeValidation, Code: remediation.CodeMissingParameter},
			errMsg:  "policyArn is required",
		},
		{
			name: "conditional parameter",
			req: request("team-logs", remediation.ResourceStorageBucket, remediation.RemediationEnableBucketEncryption,
				remediation.Parameters{"algorithm": "aws:kms"}),
			wantErr: remediation.ErrValidation,
			errMsg:  "kmsKeyId",
		},
		{
			name: "complete parameters",
			req: request("ci-deployer", remediation.ResourceIdentityRole, remediation.RemediationModifyPermissions,
				remediation.Parameters{"policyArn": "arn:aws:iam::aws:policy/AdministratorAccess"}),
		},
		{
			name: "handler without parameters",
			req:  request("key-1", remediation.ResourceEncryptionKey, remediation.RemediationEnableKeyRotation, nil),
		},
		{
			name:    "unsupported pair",
			req:     request("queue", "message-queue", "purge", nil),
			wantErr: remediation.ErrRemediation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.ValidateParams(tt.req)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr))
			if tt.errMsg != "" {
				assert.Contains(t, err.Error(), tt.errMsg)
			}
		})
	}

	assert.Empty(t, f.iam.detached, "validation never calls the cloud")
}
