package actuator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/catherinevee/remediator/internal/remediation"
)

// encryptionRule is the serializable form of one bucket encryption rule.
type encryptionRule struct {
	Algorithm        string `json:"algorithm"`
	KMSKeyID         string `json:"kmsKeyId,omitempty"`
	BucketKeyEnabled bool   `json:"bucketKeyEnabled,omitempty"`
}

type bucketEncryptionParams struct {
	Algorithm        string `json:"algorithm" validate:"omitempty,oneof=AES256 aws:kms"`
	KMSKeyID         string `json:"kmsKeyId" validate:"required_if=Algorithm aws:kms"`
	BucketKeyEnabled bool   `json:"bucketKeyEnabled"`
}

type bucketEncryptionRollback struct {
	Bucket   string           `json:"bucket"`
	Previous []encryptionRule `json:"previous"`
}

type bucketEncryptionHandler struct{ c *Clients }

func (h *bucketEncryptionHandler) Kind() Kind {
	return Kind{remediation.ResourceStorageBucket, remediation.RemediationEnableBucketEncryption}
}

func (h *bucketEncryptionHandler) Baseline() remediation.ImpactEstimate {
	return remediation.ImpactEstimate{
		RiskLevel:         remediation.RiskLow,
		AffectedResources: 1,
		Description:       "Enable default server-side encryption on the bucket; existing objects are not rewritten",
		Mitigations:       []string{"Previous encryption configuration is recorded for rollback"},
	}
}

func (h *bucketEncryptionHandler) ValidateParams(resourceID string, params remediation.Parameters) error {
	var p bucketEncryptionParams
	return DecodeParams(resourceID, params, &p)
}

func (h *bucketEncryptionHandler) Execute(ctx context.Context, req remediation.Request) (*remediation.ExecutionResult, error) {
	var p bucketEncryptionParams
	if err := DecodeParams(req.ResourceID, req.Parameters, &p); err != nil {
		return nil, err
	}
	if p.Algorithm == "" {
		p.Algorithm = string(s3types.ServerSideEncryptionAes256)
	}

	bucket := req.ResourceID
	previous, err := h.currentRules(ctx, bucket)
	if err != nil {
		return nil, err
	}

	target := encryptionRule{Algorithm: p.Algorithm, KMSKeyID: p.KMSKeyID, BucketKeyEnabled: p.BucketKeyEnabled}
	changes := []remediation.Change{{
		Action:   "put-bucket-encryption",
		Resource: bucket,
		Before:   previous,
		After:    []encryptionRule{target},
	}}

	if req.DryRun {
		return DryRunResult(h.Kind(), changes), nil
	}

	if err := h.c.mutate(ctx); err != nil {
		return nil, err
	}
	if _, err := h.c.S3.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
		Bucket: aws.String(bucket),
		ServerSideEncryptionConfiguration: &s3types.ServerSideEncryptionConfiguration{
			Rules: toS3Rules([]encryptionRule{target}),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to update bucket encryption: %w", err)
	}

	desc, err := AutomatedRollback(h.Kind(), bucketEncryptionRollback{Bucket: bucket, Previous: previous},
		fmt.Sprintf("Restore the previous default encryption configuration on bucket %s", bucket))
	if err != nil {
		return nil, err
	}

	return &remediation.ExecutionResult{
		Success:            true,
		Changes:            changes,
		RollbackDescriptor: desc,
		Message:            fmt.Sprintf("default encryption %s enabled on bucket %s", p.Algorithm, bucket),
	}, nil
}

func (h *bucketEncryptionHandler) currentRules(ctx context.Context, bucket string) ([]encryptionRule, error) {
	out, err := h.c.S3.GetBucketEncryption(ctx, &s3.GetBucketEncryptionInput{Bucket: aws.String(bucket)})
	if err != nil {
		if errorCode(err) == "ServerSideEncryptionConfigurationNotFoundError" {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read bucket encryption: %w", err)
	}
	if out.ServerSideEncryptionConfiguration == nil {
		return nil, nil
	}

	var rules []encryptionRule
	for _, r := range out.ServerSideEncryptionConfiguration.Rules {
		if r.ApplyServerSideEncryptionByDefault == nil {
			continue
		}
		rules = append(rules, encryptionRule{
			Algorithm:        string(r.ApplyServerSideEncryptionByDefault.SSEAlgorithm),
			KMSKeyID:         aws.ToString(r.ApplyServerSideEncryptionByDefault.KMSMasterKeyID),
			BucketKeyEnabled: aws.ToBool(r.BucketKeyEnabled),
		})
	}
	return rules, nil
}

func (h *bucketEncryptionHandler) Rollback(ctx context.Context, data json.RawMessage) []remediation.ActionOutcome {
	var rb bucketEncryptionRollback
	if err := json.Unmarshal(data, &rb); err != nil {
		return []remediation.ActionOutcome{failure("restore-bucket-encryption", "", err)}
	}

	if err := h.c.mutate(ctx); err != nil {
		return []remediation.ActionOutcome{failure("restore-bucket-encryption", rb.Bucket, err)}
	}

	if len(rb.Previous) == 0 {
		_, err := h.c.S3.DeleteBucketEncryption(ctx, &s3.DeleteBucketEncryptionInput{Bucket: aws.String(rb.Bucket)})
		if err != nil {
			return []remediation.ActionOutcome{failure("delete-bucket-encryption", rb.Bucket, err)}
		}
		return []remediation.ActionOutcome{success("delete-bucket-encryption", rb.Bucket)}
	}

	_, err := h.c.S3.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
		Bucket: aws.String(rb.Bucket),
		ServerSideEncryptionConfiguration: &s3types.ServerSideEncryptionConfiguration{
			Rules: toS3Rules(rb.Previous),
		},
	})
	if err != nil {
		return []remediation.ActionOutcome{failure("restore-bucket-encryption", rb.Bucket, err)}
	}
	return []remediation.ActionOutcome{success("restore-bucket-encryption", rb.Bucket)}
}

func toS3Rules(rules []encryptionRule) []s3types.ServerSideEncryptionRule {
	out := make([]s3types.ServerSideEncryptionRule, 0, len(rules))
	for _, r := range rules {
		def := &s3types.ServerSideEncryptionByDefault{SSEAlgorithm: s3types.ServerSideEncryption(r.Algorithm)}
		if r.KMSKeyID != "" {
			def.KMSMasterKeyID = aws.String(r.KMSKeyID)
		}
		out = append(out, s3types.ServerSideEncryptionRule{
			ApplyServerSideEncryptionByDefault: def,
			BucketKeyEnabled:                   aws.Bool(r.BucketKeyEnabled),
		})
	}
	return out
}

// publicAccessBlock is the serializable form of the bucket public access block.
type publicAccessBlock struct {
	BlockPublicAcls       bool `json:"blockPublicAcls"`
	IgnorePublicAcls      bool `json:"ignorePublicAcls"`
	BlockPublicPolicy     bool `json:"blockPublicPolicy"`
	RestrictPublicBuckets bool `json:"restrictPublicBuckets"`
}

type bucketPublicAccessRollback struct {
	Bucket   string             `json:"bucket"`
	Previous *publicAccessBlock `json:"previous"`
}

type bucketPublicAccessHandler struct{ c *Clients }

func (h *bucketPublicAccessHandler) Kind() Kind {
	return Kind{remediation.ResourceStorageBucket, remediation.RemediationBlockPublicAccess}
}

func (h *bucketPublicAccessHandler) Baseline() remediation.ImpactEstimate {
	return remediation.ImpactEstimate{
		RiskLevel:         remediation.RiskMedium,
		AffectedResources: 1,
		Description:       "Block all public access to the bucket; public readers lose access",
		Mitigations: []string{
			"Confirm no website hosting or public distribution depends on the bucket",
			"Previous public access block is recorded for rollback",
		},
	}
}

func (h *bucketPublicAccessHandler) Execute(ctx context.Context, req remediation.Request) (*remediation.ExecutionResult, error) {
	bucket := req.ResourceID

	var previous *publicAccessBlock
	out, err := h.c.S3.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{Bucket: aws.String(bucket)})
	switch {
	case err != nil && errorCode(err) == "NoSuchPublicAccessBlockConfiguration":
	case err != nil:
		return nil, fmt.Errorf("failed to read public access block: %w", err)
	case out.PublicAccessBlockConfiguration != nil:
		cfg := out.PublicAccessBlockConfiguration
		previous = &publicAccessBlock{
			BlockPublicAcls:       aws.ToBool(cfg.BlockPublicAcls),
			IgnorePublicAcls:      aws.ToBool(cfg.IgnorePublicAcls),
			BlockPublicPolicy:     aws.ToBool(cfg.BlockPublicPolicy),
			RestrictPublicBuckets: aws.ToBool(cfg.RestrictPublicBuckets),
		}
	}

	target := publicAccessBlock{true, true, true, true}
	changes := []remediation.Change{{
		Action:   "put-public-access-block",
		Resource: bucket,
		Before:   previous,
		After:    target,
	}}

	if req.DryRun {
		return DryRunResult(h.Kind(), changes), nil
	}

	if err := h.c.mutate(ctx); err != nil {
		return nil, err
	}
	if _, err := h.c.S3.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket:                         aws.String(bucket),
		PublicAccessBlockConfiguration: toS3PublicAccessBlock(target),
	}); err != nil {
		return nil, fmt.Errorf("failed to block public access: %w", err)
	}

	desc, err := AutomatedRollback(h.Kind(), bucketPublicAccessRollback{Bucket: bucket, Previous: previous},
		fmt.Sprintf("Restore the previous public access block on bucket %s", bucket))
	if err != nil {
		return nil, err
	}

	return &remediation.ExecutionResult{
		Success:            true,
		Changes:            changes,
		RollbackDescriptor: desc,
		Message:            fmt.Sprintf("public access blocked on bucket %s", bucket),
	}, nil
}

func (h *bucketPublicAccessHandler) Rollback(ctx context.Context, data json.RawMessage) []remediation.ActionOutcome {
	var rb bucketPublicAccessRollback
	if err := json.Unmarshal(data, &rb); err != nil {
		return []remediation.ActionOutcome{failure("restore-public-access-block", "", err)}
	}

	if err := h.c.mutate(ctx); err != nil {
		return []remediation.ActionOutcome{failure("restore-public-access-block", rb.Bucket, err)}
	}

	if rb.Previous == nil {
		if _, err := h.c.S3.DeletePublicAccessBlock(ctx, &s3.DeletePublicAccessBlockInput{Bucket: aws.String(rb.Bucket)}); err != nil {
			return []remediation.ActionOutcome{failure("delete-public-access-block", rb.Bucket, err)}
		}
		return []remediation.ActionOutcome{success("delete-public-access-block", rb.Bucket)}
	}

	if _, err := h.c.S3.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket:                         aws.String(rb.Bucket),
		PublicAccessBlockConfiguration: toS3PublicAccessBlock(*rb.Previous),
	}); err != nil {
		return []remediation.ActionOutcome{failure("restore-public-access-block", rb.Bucket, err)}
	}
	return []remediation.ActionOutcome{success("restore-public-access-block", rb.Bucket)}
}

func toS3PublicAccessBlock(b publicAccessBlock) *s3types.PublicAccessBlockConfiguration {
	return &s3types.PublicAccessBlockConfiguration{
		BlockPublicAcls:       aws.Bool(b.BlockPublicAcls),
		IgnorePublicAcls:      aws.Bool(b.IgnorePublicAcls),
		BlockPublicPolicy:     aws.Bool(b.BlockPublicPolicy),
		RestrictPublicBuckets: aws.Bool(b.RestrictPublicBuckets),
	}
}

type bucketVersioningRollback struct {
	Bucket   string `json:"bucket"`
	Previous string `json:"previous"`
}

type bucketVersioningHandler struct{ c *Clients }

func (h *bucketVersioningHandler) Kind() Kind {
	return Kind{remediation.ResourceStorageBucket, remediation.RemediationEnableVersioning}
}

func (h *bucketVersioningHandler) Baseline() remediation.ImpactEstimate {
	return remediation.ImpactEstimate{
		RiskLevel:         remediation.RiskLow,
		AffectedResources: 1,
		CostImpact:        5,
		Description:       "Enable object versioning on the bucket; storage grows with retained versions",
		Mitigations:       []string{"Add a lifecycle rule to expire noncurrent versions"},
	}
}

func (h *bucketVersioningHandler) Execute(ctx context.Context, req remediation.Request) (*remediation.ExecutionResult, error) {
	bucket := req.ResourceID

	out, err := h.c.S3.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: aws.String(bucket)})
	if err != nil {
		return nil, fmt.Errorf("failed to read bucket versioning: %w", err)
	}
	previous := string(out.Status)

	changes := []remediation.Change{{
		Action:   "put-bucket-versioning",
		Resource: bucket,
		Before:   previous,
		After:    string(s3types.BucketVersioningStatusEnabled),
	}}

	if req.DryRun {
		return DryRunResult(h.Kind(), changes), nil
	}

	if err := h.c.mutate(ctx); err != nil {
		return nil, err
	}
	if _, err := h.c.S3.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket: aws.String(bucket),
		VersioningConfiguration: &s3types.VersioningConfiguration{
			Status: s3types.BucketVersioningStatusEnabled,
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to update bucket versioning: %w", err)
	}

	desc, err := AutomatedRollback(h.Kind(), bucketVersioningRollback{Bucket: bucket, Previous: previous},
		fmt.Sprintf("Suspend versioning on bucket %s; existing object versions are kept", bucket))
	if err != nil {
		return nil, err
	}

	return &remediation.ExecutionResult{
		Success:            true,
		Changes:            changes,
		RollbackDescriptor: desc,
		Message:            fmt.Sprintf("versioning enabled on bucket %s", bucket),
	}, nil
}

func (h *bucketVersioningHandler) Rollback(ctx context.Context, data json.RawMessage) []remediation.ActionOutcome {
	var rb bucketVersioningRollback
	if err := json.Unmarshal(data, &rb); err != nil {
		return []remediation.ActionOutcome{failure("suspend-versioning", "", err)}
	}

	if rb.Previous == string(s3types.BucketVersioningStatusEnabled) {
		return []remediation.ActionOutcome{skipped("suspend-versioning", rb.Bucket, "versioning was already enabled")}
	}

	// A bucket can never return to unversioned, only to suspended
	if err := h.c.mutate(ctx); err != nil {
		return []remediation.ActionOutcome{failure("suspend-versioning", rb.Bucket, err)}
	}
	if _, err := h.c.S3.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket: aws.String(rb.Bucket),
		VersioningConfiguration: &s3types.VersioningConfiguration{
			Status: s3types.BucketVersioningStatusSuspended,
		},
	}); err != nil {
		return []remediation.ActionOutcome{failure("suspend-versioning", rb.Bucket, err)}
	}
	return []remediation.ActionOutcome{success("suspend-versioning", rb.Bucket)}
}
