package actuator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/catherinevee/remediator/internal/remediation"
)

type keyRotationRollback struct {
	KeyID string `json:"keyId"`
}

type keyRotationHandler struct{ c *Clients }

func (h *keyRotationHandler) Kind() Kind {
	return Kind{remediation.ResourceEncryptionKey, remediation.RemediationEnableKeyRotation}
}

func (h *keyRotationHandler) Baseline() remediation.ImpactEstimate {
	return remediation.ImpactEstimate{
		RiskLevel:         remediation.RiskLow,
		AffectedResources: 1,
		CostImpact:        1,
		Description:       "Enable yearly automatic rotation of the key material; existing ciphertext stays decryptable",
	}
}

func (h *keyRotationHandler) Execute(ctx context.Context, req remediation.Request) (*remediation.ExecutionResult, error) {
	keyID := req.ResourceID
	status, err := h.c.KMS.GetKeyRotationStatus(ctx, &kms.GetKeyRotationStatusInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, fmt.Errorf("failed to get key rotation status: %w", err)
	}
	if status.KeyRotationEnabled {
		return &remediation.ExecutionResult{
			Success:            true,
			RollbackDescriptor: remediation.ManualRollback(h.Kind().String(), "No change was made; rotation was already enabled"),
			Message:            fmt.Sprintf("key rotation already enabled on %s", keyID),
		}, nil
	}

	changes := []remediation.Change{{
		Action:   "enable-key-rotation",
		Resource: keyID,
		Before:   map[string]any{"keyRotationEnabled": false},
		After:    map[string]any{"keyRotationEnabled": true},
	}}

	if req.DryRun {
		return DryRunResult(h.Kind(), changes), nil
	}

	if err := h.c.mutate(ctx); err != nil {
		return nil, err
	}
	if _, err := h.c.KMS.EnableKeyRotation(ctx, &kms.EnableKeyRotationInput{KeyId: aws.String(keyID)}); err != nil {
		return nil, fmt.Errorf("failed to enable key rotation: %w", err)
	}

	desc, err := AutomatedRollback(h.Kind(), keyRotationRollback{KeyID: keyID},
		fmt.Sprintf("Disable automatic rotation on key %s", keyID))
	if err != nil {
		return nil, err
	}

	return &remediation.ExecutionResult{
		Success:            true,
		Changes:            changes,
		RollbackDescriptor: desc,
		Message:            fmt.Sprintf("key rotation enabled on %s", keyID),
	}, nil
}

func (h *keyRotationHandler) Rollback(ctx context.Context, data json.RawMessage) []remediation.ActionOutcome {
	var rb keyRotationRollback
	if err := json.Unmarshal(data, &rb); err != nil {
		return []remediation.ActionOutcome{failure("disable-key-rotation", "", err)}
	}

	if err := h.c.mutate(ctx); err != nil {
		return []remediation.ActionOutcome{failure("disable-key-rotation", rb.KeyID, err)}
	}
	if _, err := h.c.KMS.DisableKeyRotation(ctx, &kms.DisableKeyRotationInput{KeyId: aws.String(rb.KeyID)}); err != nil {
		return []remediation.ActionOutcome{failure("disable-key-rotation", rb.KeyID, err)}
	}
	return []remediation.ActionOutcome{success("disable-key-rotation", rb.KeyID)}
}
