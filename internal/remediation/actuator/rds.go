package actuator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/catherinevee/remediator/internal/remediation"
)

const defaultRDSKey = "alias/aws/rds"

func (c *Clients) describeDBInstance(ctx context.Context, id string) (*rdstypes.DBInstance, error) {
	out, err := c.RDS.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: aws.String(id),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe DB instance: %w", err)
	}
	if len(out.DBInstances) == 0 {
		return nil, fmt.Errorf("DB instance %s not found", id)
	}
	return &out.DBInstances[0], nil
}

func (c *Clients) waitForSnapshot(ctx context.Context, id string) error {
	waiter := rds.NewDBSnapshotAvailableWaiter(c.RDS)
	return waiter.Wait(ctx, &rds.DescribeDBSnapshotsInput{
		DBSnapshotIdentifier: aws.String(id),
	}, c.SnapshotWait)
}

type dbEncryptionParams struct {
	KMSKeyID         string `json:"kmsKeyId"`
	TargetInstanceID string `json:"targetInstanceId"`
}

// dbEncryptionHandler encrypts an instance by restoring an encrypted
// snapshot copy into a new instance. The source instance is left running
// for cutover, and the change can only be undone by hand.
type dbEncryptionHandler struct{ c *Clients }

func (h *dbEncryptionHandler) Kind() Kind {
	return Kind{remediation.ResourceDatabaseInstance, remediation.RemediationEnableEncryption}
}

func (h *dbEncryptionHandler) Baseline() remediation.ImpactEstimate {
	return remediation.ImpactEstimate{
		RiskLevel:         remediation.RiskHigh,
		AffectedResources: 1,
		Downtime:          true,
		CostImpact:        50,
		Description:       "Encrypt the database by restoring an encrypted snapshot copy into a new instance; clients must cut over",
		Mitigations: []string{
			"An unencrypted snapshot is taken before any change",
			"The original instance is kept until cutover is verified",
		},
	}
}

func (h *dbEncryptionHandler) ValidateParams(resourceID string, params remediation.Parameters) error {
	var p dbEncryptionParams
	return DecodeParams(resourceID, params, &p)
}

func (h *dbEncryptionHandler) Execute(ctx context.Context, req remediation.Request) (*remediation.ExecutionResult, error) {
	var p dbEncryptionParams
	if err := DecodeParams(req.ResourceID, req.Parameters, &p); err != nil {
		return nil, err
	}
	if p.KMSKeyID == "" {
		p.KMSKeyID = defaultRDSKey
	}
	if p.TargetInstanceID == "" {
		p.TargetInstanceID = req.ResourceID + "-encrypted"
	}

	id := req.ResourceID
	instance, err := h.c.describeDBInstance(ctx, id)
	if err != nil {
		return nil, err
	}

	if aws.ToBool(instance.StorageEncrypted) {
		return &remediation.ExecutionResult{
			Success:            true,
			RollbackDescriptor: remediation.ManualRollback(h.Kind().String(), "No change was made; the instance was already encrypted"),
			Message:            fmt.Sprintf("DB instance %s is already encrypted", id),
		}, nil
	}

	stamp := h.c.Now().UTC().Format("20060102150405")
	snapshotID := fmt.Sprintf("%s-pre-encryption-%s", id, stamp)
	encryptedID := fmt.Sprintf("%s-encrypted-%s", id, stamp)

	changes := []remediation.Change{
		{Action: "create-db-snapshot", Resource: snapshotID, After: map[string]any{"source": id}},
		{Action: "copy-db-snapshot", Resource: encryptedID, After: map[string]any{"source": snapshotID, "kmsKeyId": p.KMSKeyID}},
		{Action: "restore-db-instance", Resource: p.TargetInstanceID,
			Before: map[string]any{"instance": id, "storageEncrypted": false},
			After:  map[string]any{"instance": p.TargetInstanceID, "storageEncrypted": true}},
	}

	desc := remediation.ManualRollback(h.Kind().String(),
		fmt.Sprintf("Point clients back to the original instance %s", id),
		fmt.Sprintf("Delete the encrypted instance %s once traffic is drained", p.TargetInstanceID),
		fmt.Sprintf("The unencrypted snapshot %s remains available for restore", snapshotID),
	)

	if req.DryRun {
		return DryRunResult(h.Kind(), changes), nil
	}

	if err := h.c.mutate(ctx); err != nil {
		return nil, err
	}
	if _, err := h.c.RDS.CreateDBSnapshot(ctx, &rds.CreateDBSnapshotInput{
		DBInstanceIdentifier: aws.String(id),
		DBSnapshotIdentifier: aws.String(snapshotID),
	}); err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}
	if err := h.c.waitForSnapshot(ctx, snapshotID); err != nil {
		return nil, fmt.Errorf("snapshot %s did not become available: %w", snapshotID, err)
	}

	if err := h.c.mutate(ctx); err != nil {
		return nil, err
	}
	if _, err := h.c.RDS.CopyDBSnapshot(ctx, &rds.CopyDBSnapshotInput{
		SourceDBSnapshotIdentifier: aws.String(snapshotID),
		TargetDBSnapshotIdentifier: aws.String(encryptedID),
		KmsKeyId:                   aws.String(p.KMSKeyID),
	}); err != nil {
		return nil, fmt.Errorf("failed to copy snapshot with encryption: %w", err)
	}
	if err := h.c.waitForSnapshot(ctx, encryptedID); err != nil {
		return nil, fmt.Errorf("encrypted snapshot %s did not become available: %w", encryptedID, err)
	}

	restore := &rds.RestoreDBInstanceFromDBSnapshotInput{
		DBInstanceIdentifier: aws.String(p.TargetInstanceID),
		DBSnapshotIdentifier: aws.String(encryptedID),
		DBInstanceClass:      instance.DBInstanceClass,
		PubliclyAccessible:   instance.PubliclyAccessible,
	}
	if instance.DBSubnetGroup != nil {
		restore.DBSubnetGroupName = instance.DBSubnetGroup.DBSubnetGroupName
	}
	for _, sg := range instance.VpcSecurityGroups {
		restore.VpcSecurityGroupIds = append(restore.VpcSecurityGroupIds, aws.ToString(sg.VpcSecurityGroupId))
	}

	if err := h.c.mutate(ctx); err != nil {
		return nil, err
	}
	if _, err := h.c.RDS.RestoreDBInstanceFromDBSnapshot(ctx, restore); err != nil {
		return nil, fmt.Errorf("failed to restore encrypted instance: %w", err)
	}

	return &remediation.ExecutionResult{
		Success:            true,
		Changes:            changes,
		RollbackDescriptor: desc,
		Message: fmt.Sprintf("encrypted instance %s is being created from %s; cut clients over from %s",
			p.TargetInstanceID, encryptedID, id),
	}, nil
}

func (h *dbEncryptionHandler) Rollback(_ context.Context, _ json.RawMessage) []remediation.ActionOutcome {
	return []remediation.ActionOutcome{skipped("restore-unencrypted", "", "encryption at rest cannot be reverted automatically")}
}

type dbPublicAccessRollback struct {
	Instance           string `json:"instance"`
	PubliclyAccessible bool   `json:"publiclyAccessible"`
}

type dbPublicAccessHandler struct{ c *Clients }

func (h *dbPublicAccessHandler) Kind() Kind {
	return Kind{remediation.ResourceDatabaseInstance, remediation.RemediationDisablePublicAccess}
}

func (h *dbPublicAccessHandler) Baseline() remediation.ImpactEstimate {
	return remediation.ImpactEstimate{
		RiskLevel:         remediation.RiskMedium,
		AffectedResources: 1,
		Description:       "Remove the public endpoint of the database; clients outside the VPC lose connectivity",
		Mitigations:       []string{"Confirm all clients connect from inside the VPC"},
	}
}

func (h *dbPublicAccessHandler) Execute(ctx context.Context, req remediation.Request) (*remediation.ExecutionResult, error) {
	id := req.ResourceID
	instance, err := h.c.describeDBInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	previous := aws.ToBool(instance.PubliclyAccessible)

	changes := []remediation.Change{{
		Action:   "modify-db-instance",
		Resource: id,
		Before:   map[string]any{"publiclyAccessible": previous},
		After:    map[string]any{"publiclyAccessible": false},
	}}

	if req.DryRun {
		return DryRunResult(h.Kind(), changes), nil
	}

	if err := h.c.mutate(ctx); err != nil {
		return nil, err
	}
	if _, err := h.c.RDS.ModifyDBInstance(ctx, &rds.ModifyDBInstanceInput{
		DBInstanceIdentifier: aws.String(id),
		PubliclyAccessible:   aws.Bool(false),
		ApplyImmediately:     aws.Bool(true),
	}); err != nil {
		return nil, fmt.Errorf("failed to modify DB instance: %w", err)
	}

	desc, err := AutomatedRollback(h.Kind(), dbPublicAccessRollback{Instance: id, PubliclyAccessible: previous},
		fmt.Sprintf("Set PubliclyAccessible=%t on DB instance %s", previous, id))
	if err != nil {
		return nil, err
	}

	return &remediation.ExecutionResult{
		Success:            true,
		Changes:            changes,
		RollbackDescriptor: desc,
		Message:            fmt.Sprintf("public access disabled on DB instance %s", id),
	}, nil
}

func (h *dbPublicAccessHandler) Rollback(ctx context.Context, data json.RawMessage) []remediation.ActionOutcome {
	var rb dbPublicAccessRollback
	if err := json.Unmarshal(data, &rb); err != nil {
		return []remediation.ActionOutcome{failure("restore-public-access", "", err)}
	}
	if !rb.PubliclyAccessible {
		return []remediation.ActionOutcome{skipped("restore-public-access", rb.Instance, "instance was not publicly accessible")}
	}

	if err := h.c.mutate(ctx); err != nil {
		return []remediation.ActionOutcome{failure("restore-public-access", rb.Instance, err)}
	}
	if _, err := h.c.RDS.ModifyDBInstance(ctx, &rds.ModifyDBInstanceInput{
		DBInstanceIdentifier: aws.String(rb.Instance),
		PubliclyAccessible:   aws.Bool(true),
		ApplyImmediately:     aws.Bool(true),
	}); err != nil {
		return []remediation.ActionOutcome{failure("restore-public-access", rb.Instance, err)}
	}
	return []remediation.ActionOutcome{success("restore-public-access", rb.Instance)}
}

type dbBackupsParams struct {
	RetentionDays int32 `json:"retentionDays" validate:"omitempty,min=1,max=35"`
}

type dbBackupsRollback struct {
	Instance      string `json:"instance"`
	RetentionDays int32  `json:"retentionDays"`
}

type dbBackupsHandler struct{ c *Clients }

func (h *dbBackupsHandler) Kind() Kind {
	return Kind{remediation.ResourceDatabaseInstance, remediation.RemediationEnableBackups}
}

func (h *dbBackupsHandler) Baseline() remediation.ImpactEstimate {
	return remediation.ImpactEstimate{
		RiskLevel:         remediation.RiskLow,
		AffectedResources: 1,
		CostImpact:        10,
		Description:       "Enable automated backups; enabling from zero retention causes a brief I/O suspension",
		Mitigations:       []string{"Apply during the preferred backup window"},
	}
}

func (h *dbBackupsHandler) ValidateParams(resourceID string, params remediation.Parameters) error {
	var p dbBackupsParams
	return DecodeParams(resourceID, params, &p)
}

func (h *dbBackupsHandler) Execute(ctx context.Context, req remediation.Request) (*remediation.ExecutionResult, error) {
	var p dbBackupsParams
	if err := DecodeParams(req.ResourceID, req.Parameters, &p); err != nil {
		return nil, err
	}
	if p.RetentionDays == 0 {
		p.RetentionDays = 7
	}

	id := req.ResourceID
	instance, err := h.c.describeDBInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	previous := aws.ToInt32(instance.BackupRetentionPeriod)

	changes := []remediation.Change{{
		Action:   "modify-db-instance",
		Resource: id,
		Before:   map[string]any{"backupRetentionPeriod": previous},
		After:    map[string]any{"backupRetentionPeriod": p.RetentionDays},
	}}

	if req.DryRun {
		return DryRunResult(h.Kind(), changes), nil
	}

	if err := h.c.mutate(ctx); err != nil {
		return nil, err
	}
	if _, err := h.c.RDS.ModifyDBInstance(ctx, &rds.ModifyDBInstanceInput{
		DBInstanceIdentifier:  aws.String(id),
		BackupRetentionPeriod: aws.Int32(p.RetentionDays),
		ApplyImmediately:      aws.Bool(true),
	}); err != nil {
		return nil, fmt.Errorf("failed to modify DB instance: %w", err)
	}

	desc, err := AutomatedRollback(h.Kind(), dbBackupsRollback{Instance: id, RetentionDays: previous},
		fmt.Sprintf("Set the backup retention period of %s back to %d day(s)", id, previous))
	if err != nil {
		return nil, err
	}

	return &remediation.ExecutionResult{
		Success:            true,
		Changes:            changes,
		RollbackDescriptor: desc,
		Message:            fmt.Sprintf("automated backups retained for %d day(s) on %s", p.RetentionDays, id),
	}, nil
}

func (h *dbBackupsHandler) Rollback(ctx context.Context, data json.RawMessage) []remediation.ActionOutcome {
	var rb dbBackupsRollback
	if err := json.Unmarshal(data, &rb); err != nil {
		return []remediation.ActionOutcome{failure("restore-backup-retention", "", err)}
	}

	if err := h.c.mutate(ctx); err != nil {
		return []remediation.ActionOutcome{failure("restore-backup-retention", rb.Instance, err)}
	}
	if _, err := h.c.RDS.ModifyDBInstance(ctx, &rds.ModifyDBInstanceInput{
		DBInstanceIdentifier:  aws.String(rb.Instance),
		BackupRetentionPeriod: aws.Int32(rb.RetentionDays),
		ApplyImmediately:      aws.Bool(true),
	}); err != nil {
		return []remediation.ActionOutcome{failure("restore-backup-retention", rb.Instance, err)}
	}
	return []remediation.ActionOutcome{success("restore-backup-retention", rb.Instance)}
}
