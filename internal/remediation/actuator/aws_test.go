package actuator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/remediator/internal/remediation"
	"github.com/catherinevee/remediator/internal/remediation/safety"
)

var _ safety.Inspector = (*Inspector)(nil)

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

type fakeS3 struct {
	S3API
	encryption  *s3types.ServerSideEncryptionConfiguration
	tags        []s3types.Tag
	headErr     error
	tagErr      error
	putRules    [][]s3types.ServerSideEncryptionRule
	deletedEnc  int
	versioning  s3types.BucketVersioningStatus
	putVersions []s3types.BucketVersioningStatus
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

func (f *fakeS3) GetBucketTagging(context.Context, *s3.GetBucketTaggingInput, ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error) {
	if f.tagErr != nil {
		return nil, f.tagErr
	}
	return &s3.GetBucketTaggingOutput{TagSet: f.tags}, nil
}

func (f *fakeS3) GetBucketEncryption(context.Context, *s3.GetBucketEncryptionInput, ...func(*s3.Options)) (*s3.GetBucketEncryptionOutput, error) {
	if f.encryption == nil {
		return nil, apiError("ServerSideEncryptionConfigurationNotFoundError")
	}
	return &s3.GetBucketEncryptionOutput{ServerSideEncryptionConfiguration: f.encryption}, nil
}

func (f *fakeS3) PutBucketEncryption(_ context.Context, in *s3.PutBucketEncryptionInput, _ ...func(*s3.Options)) (*s3.PutBucketEncryptionOutput, error) {
	f.putRules = append(f.putRules, in.ServerSideEncryptionConfiguration.Rules)
	f.encryption = in.ServerSideEncryptionConfiguration
	return &s3.PutBucketEncryptionOutput{}, nil
}

func (f *fakeS3) DeleteBucketEncryption(context.Context, *s3.DeleteBucketEncryptionInput, ...func(*s3.Options)) (*s3.DeleteBucketEncryptionOutput, error) {
	f.deletedEnc++
	f.encryption = nil
	return &s3.DeleteBucketEncryptionOutput{}, nil
}

func (f *fakeS3) GetBucketVersioning(context.Context, *s3.GetBucketVersioningInput, ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error) {
	return &s3.GetBucketVersioningOutput{Status: f.versioning}, nil
}

func (f *fakeS3) PutBucketVersioning(_ context.Context, in *s3.PutBucketVersioningInput, _ ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error) {
	f.putVersions = append(f.putVersions, in.VersioningConfiguration.Status)
	return &s3.PutBucketVersioningOutput{}, nil
}

type fakeRDS struct {
	RDSAPI
	instance  rdstypes.DBInstance
	snapshots []string
	copies    []*rds.CopyDBSnapshotInput
	restored  []*rds.RestoreDBInstanceFromDBSnapshotInput
	modified  []*rds.ModifyDBInstanceInput
}

func (f *fakeRDS) DescribeDBInstances(context.Context, *rds.DescribeDBInstancesInput, ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error) {
	return &rds.DescribeDBInstancesOutput{DBInstances: []rdstypes.DBInstance{f.instance}}, nil
}

func (f *fakeRDS) ModifyDBInstance(_ context.Context, in *rds.ModifyDBInstanceInput, _ ...func(*rds.Options)) (*rds.ModifyDBInstanceOutput, error) {
	f.modified = append(f.modified, in)
	return &rds.ModifyDBInstanceOutput{}, nil
}

func (f *fakeRDS) CreateDBSnapshot(_ context.Context, in *rds.CreateDBSnapshotInput, _ ...func(*rds.Options)) (*rds.CreateDBSnapshotOutput, error) {
	f.snapshots = append(f.snapshots, aws.ToString(in.DBSnapshotIdentifier))
	return &rds.CreateDBSnapshotOutput{}, nil
}

func (f *fakeRDS) CopyDBSnapshot(_ context.Context, in *rds.CopyDBSnapshotInput, _ ...func(*rds.Options)) (*rds.CopyDBSnapshotOutput, error) {
	f.copies = append(f.copies, in)
	return &rds.CopyDBSnapshotOutput{}, nil
}

func (f *fakeRDS) DescribeDBSnapshots(_ context.Context, in *rds.DescribeDBSnapshotsInput, _ ...func(*rds.Options)) (*rds.DescribeDBSnapshotsOutput, error) {
	return &rds.DescribeDBSnapshotsOutput{DBSnapshots: []rdstypes.DBSnapshot{{
		DBSnapshotIdentifier: in.DBSnapshotIdentifier,
		Status:               aws.String("available"),
	}}}, nil
}

func (f *fakeRDS) RestoreDBInstanceFromDBSnapshot(_ context.Context, in *rds.RestoreDBInstanceFromDBSnapshotInput, _ ...func(*rds.Options)) (*rds.RestoreDBInstanceFromDBSnapshotOutput, error) {
	f.restored = append(f.restored, in)
	return &rds.RestoreDBInstanceFromDBSnapshotOutput{}, nil
}

type fakeIAM struct {
	IAMAPI
	role     iamtypes.Role
	attached []iamtypes.AttachedPolicy
	detached []string
	reatt    []string
}

func (f *fakeIAM) GetRole(context.Context, *iam.GetRoleInput, ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	return &iam.GetRoleOutput{Role: &f.role}, nil
}

func (f *fakeIAM) ListAttachedRolePolicies(context.Context, *iam.ListAttachedRolePoliciesInput, ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	return &iam.ListAttachedRolePoliciesOutput{AttachedPolicies: f.attached}, nil
}

func (f *fakeIAM) DetachRolePolicy(_ context.Context, in *iam.DetachRolePolicyInput, _ ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error) {
	f.detached = append(f.detached, aws.ToString(in.PolicyArn))
	return &iam.DetachRolePolicyOutput{}, nil
}

func (f *fakeIAM) AttachRolePolicy(_ context.Context, in *iam.AttachRolePolicyInput, _ ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	f.reatt = append(f.reatt, aws.ToString(in.PolicyArn))
	return &iam.AttachRolePolicyOutput{}, nil
}

type fakeEC2 struct {
	EC2API
	group      ec2types.SecurityGroup
	interfaces []ec2types.NetworkInterface
	revoked    []ec2types.IpPermission
	authErrs   map[string]error
	authorized []string
	flowLogs   []ec2types.FlowLog
	created    []*ec2.CreateFlowLogsInput
	deleted    [][]string
}

func (f *fakeEC2) DescribeSecurityGroups(context.Context, *ec2.DescribeSecurityGroupsInput, ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: []ec2types.SecurityGroup{f.group}}, nil
}

func (f *fakeEC2) DescribeNetworkInterfaces(context.Context, *ec2.DescribeNetworkInterfacesInput, ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error) {
	return &ec2.DescribeNetworkInterfacesOutput{NetworkInterfaces: f.interfaces}, nil
}

func (f *fakeEC2) RevokeSecurityGroupIngress(_ context.Context, in *ec2.RevokeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error) {
	f.revoked = append(f.revoked, in.IpPermissions...)
	return &ec2.RevokeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(_ context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	p := in.IpPermissions[0]
	key := fmt.Sprintf("%s/%d", aws.ToString(p.IpProtocol), aws.ToInt32(p.FromPort))
	f.authorized = append(f.authorized, key)
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, f.authErrs[key]
}

func (f *fakeEC2) DescribeFlowLogs(context.Context, *ec2.DescribeFlowLogsInput, ...func(*ec2.Options)) (*ec2.DescribeFlowLogsOutput, error) {
	return &ec2.DescribeFlowLogsOutput{FlowLogs: f.flowLogs}, nil
}

func (f *fakeEC2) CreateFlowLogs(_ context.Context, in *ec2.CreateFlowLogsInput, _ ...func(*ec2.Options)) (*ec2.CreateFlowLogsOutput, error) {
	f.created = append(f.created, in)
	return &ec2.CreateFlowLogsOutput{FlowLogIds: []string{"fl-123"}}, nil
}

func (f *fakeEC2) DeleteFlowLogs(_ context.Context, in *ec2.DeleteFlowLogsInput, _ ...func(*ec2.Options)) (*ec2.DeleteFlowLogsOutput, error) {
	f.deleted = append(f.deleted, in.FlowLogIds)
	return &ec2.DeleteFlowLogsOutput{}, nil
}

type fakeKMS struct {
	KMSAPI
	enabled  bool
	disabled int
}

func (f *fakeKMS) GetKeyRotationStatus(context.Context, *kms.GetKeyRotationStatusInput, ...func(*kms.Options)) (*kms.GetKeyRotationStatusOutput, error) {
	return &kms.GetKeyRotationStatusOutput{KeyRotationEnabled: f.enabled}, nil
}

func (f *fakeKMS) EnableKeyRotation(context.Context, *kms.EnableKeyRotationInput, ...func(*kms.Options)) (*kms.EnableKeyRotationOutput, error) {
	f.enabled = true
	return &kms.EnableKeyRotationOutput{}, nil
}

func (f *fakeKMS) DisableKeyRotation(context.Context, *kms.DisableKeyRotationInput, ...func(*kms.Options)) (*kms.DisableKeyRotationOutput, error) {
	f.enabled = false
	f.disabled++
	return &kms.DisableKeyRotationOutput{}, nil
}

type fakeCloudTrail struct {
	CloudTrailAPI
	validation bool
	updates    []bool
	pages      [][]cttypes.Event
	lookups    []*cloudtrail.LookupEventsInput
}

func (f *fakeCloudTrail) LookupEvents(_ context.Context, in *cloudtrail.LookupEventsInput, _ ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error) {
	f.lookups = append(f.lookups, in)
	page := 0
	if in.NextToken != nil {
		fmt.Sscanf(aws.ToString(in.NextToken), "%d", &page)
	}
	if page >= len(f.pages) {
		return &cloudtrail.LookupEventsOutput{}, nil
	}
	out := &cloudtrail.LookupEventsOutput{Events: f.pages[page]}
	if page+1 < len(f.pages) {
		out.NextToken = aws.String(fmt.Sprintf("%d", page+1))
	}
	return out, nil
}

func (f *fakeCloudTrail) GetTrail(_ context.Context, in *cloudtrail.GetTrailInput, _ ...func(*cloudtrail.Options)) (*cloudtrail.GetTrailOutput, error) {
	return &cloudtrail.GetTrailOutput{Trail: &cttypes.Trail{Name: in.Name, LogFileValidationEnabled: aws.Bool(f.validation)}}, nil
}

func (f *fakeCloudTrail) UpdateTrail(_ context.Context, in *cloudtrail.UpdateTrailInput, _ ...func(*cloudtrail.Options)) (*cloudtrail.UpdateTrailOutput, error) {
	f.updates = append(f.updates, aws.ToBool(in.EnableLogFileValidation))
	return &cloudtrail.UpdateTrailOutput{}, nil
}

type fakes struct {
	s3  *fakeS3
	rds *fakeRDS
	iam *fakeIAM
	ec2 *fakeEC2
	kms *fakeKMS
	ct  *fakeCloudTrail
}

func newAWSActuator(t *testing.T) (*Actuator, *Clients, *fakes) {
	t.Helper()
	f := &fakes{
		s3:  &fakeS3{},
		rds: &fakeRDS{},
		iam: &fakeIAM{},
		ec2: &fakeEC2{authErrs: map[string]error{}},
		kms: &fakeKMS{},
		ct:  &fakeCloudTrail{},
	}
	c := &Clients{
		S3: f.s3, RDS: f.rds, IAM: f.iam, EC2: f.ec2, KMS: f.kms, CloudTrail: f.ct,
		SnapshotWait: time.Minute,
		Now:          func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) },
	}
	a := New()
	require.NoError(t, RegisterAWSHandlers(a, c))
	return a, c, f
}

func request(resourceID, resourceType, remediationType string, params remediation.Parameters) remediation.Request {
	return remediation.Request{
		TenantID:        "tenant-1",
		FindingID:       "finding-1",
		ResourceID:      resourceID,
		ResourceType:    resourceType,
		RemediationType: remediationType,
		RequestedBy:     "alice",
		Parameters:      params,
	}
}

func TestRegisterAWSHandlers(t *testing.T) {
	a, _, _ := newAWSActuator(t)
	assert.Len(t, a.Kinds(), 11)
	assert.True(t, a.Supports(remediation.ResourceStorageBucket, remediation.RemediationEnableBucketEncryption))
	assert.True(t, a.Supports(remediation.ResourceDatabaseInstance, remediation.RemediationEnableEncryption))
	assert.False(t, a.Supports(remediation.ResourceStorageBucket, remediation.RemediationDeleteResource))
}

func TestBucketEncryption_ExecuteAndRollback(t *testing.T) {
	a, _, f := newAWSActuator(t)
	req := request("team-logs", remediation.ResourceStorageBucket, remediation.RemediationEnableBucketEncryption, nil)

	est, err := a.EstimateImpact(req)
	require.NoError(t, err)
	assert.Equal(t, remediation.RiskLow, est.RiskLevel)

	res, err := a.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, f.s3.putRules, 1)
	assert.Equal(t, s3types.ServerSideEncryptionAes256, f.s3.putRules[0][0].ApplyServerSideEncryptionByDefault.SSEAlgorithm)

	desc := res.RollbackDescriptor
	require.NotNil(t, desc)
	assert.True(t, desc.Automatable)
	assert.NotEmpty(t, desc.Data)
	assert.NotEmpty(t, desc.Instructions)

	out := a.Rollback(context.Background(), *desc)
	require.Len(t, out, 1)
	assert.Equal(t, remediation.ActionSuccess, out[0].Status)
	assert.Equal(t, 1, f.s3.deletedEnc)
}

func TestBucketEncryption_RollbackRestoresPrevious(t *testing.T) {
	a, _, f := newAWSActuator(t)
	f.s3.encryption = &s3types.ServerSideEncryptionConfiguration{Rules: []s3types.ServerSideEncryptionRule{{
		ApplyServerSideEncryptionByDefault: &s3types.ServerSideEncryptionByDefault{
			SSEAlgorithm:   s3types.ServerSideEncryptionAwsKms,
			KMSMasterKeyID: aws.String("alias/old"),
		},
	}}}

	res, err := a.Execute(context.Background(), request("team-logs", remediation.ResourceStorageBucket,
		remediation.RemediationEnableBucketEncryption, remediation.Parameters{"algorithm": "AES256"}))
	require.NoError(t, err)

	out := a.Rollback(context.Background(), *res.RollbackDescriptor)
	require.Len(t, out, 1)
	assert.Equal(t, remediation.ActionSuccess, out[0].Status)
	require.Len(t, f.s3.putRules, 2)
	assert.Equal(t, "alias/old", aws.ToString(f.s3.putRules[1][0].ApplyServerSideEncryptionByDefault.KMSMasterKeyID))
	assert.Zero(t, f.s3.deletedEnc)
}

func TestBucketEncryption_DryRun(t *testing.T) {
	a, _, f := newAWSActuator(t)
	req := request("team-logs", remediation.ResourceStorageBucket, remediation.RemediationEnableBucketEncryption, nil)
	req.DryRun = true

	res, err := a.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, res.Changes, 1)
	assert.False(t, res.RollbackDescriptor.Automatable)
	assert.Empty(t, f.s3.putRules)
}

func TestBucketVersioning_RollbackSkipsWhenPreviouslyEnabled(t *testing.T) {
	a, _, f := newAWSActuator(t)
	f.s3.versioning = s3types.BucketVersioningStatusSuspended

	res, err := a.Execute(context.Background(), request("team-logs", remediation.ResourceStorageBucket,
		remediation.RemediationEnableVersioning, nil))
	require.NoError(t, err)

	out := a.Rollback(context.Background(), *res.RollbackDescriptor)
	require.Len(t, out, 1)
	assert.Equal(t, remediation.ActionSuccess, out[0].Status)
	assert.Equal(t, []s3types.BucketVersioningStatus{
		s3types.BucketVersioningStatusEnabled,
		s3types.BucketVersioningStatusSuspended,
	}, f.s3.putVersions)
}

func TestDBEncryption_ProductionIsCriticalAndManual(t *testing.T) {
	a, _, f := newAWSActuator(t)
	f.rds.instance = rdstypes.DBInstance{
		DBInstanceIdentifier: aws.String("prod-orders-db"),
		DBInstanceClass:      aws.String("db.r6g.large"),
		StorageEncrypted:     aws.Bool(false),
		PubliclyAccessible:   aws.Bool(false),
		DBSubnetGroup:        &rdstypes.DBSubnetGroup{DBSubnetGroupName: aws.String("private")},
		VpcSecurityGroups:    []rdstypes.VpcSecurityGroupMembership{{VpcSecurityGroupId: aws.String("sg-db")}},
	}
	req := request("prod-orders-db", remediation.ResourceDatabaseInstance, remediation.RemediationEnableEncryption, nil)

	est, err := a.EstimateImpact(req)
	require.NoError(t, err)
	assert.Equal(t, remediation.RiskCritical, est.RiskLevel)
	assert.True(t, est.Downtime)

	res, err := a.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, res.Changes, 3)
	assert.Equal(t, []string{"prod-orders-db-pre-encryption-20260302100000"}, f.rds.snapshots)
	require.Len(t, f.rds.copies, 1)
	assert.Equal(t, defaultRDSKey, aws.ToString(f.rds.copies[0].KmsKeyId))
	require.Len(t, f.rds.restored, 1)
	assert.Equal(t, "prod-orders-db-encrypted", aws.ToString(f.rds.restored[0].DBInstanceIdentifier))
	assert.Equal(t, "private", aws.ToString(f.rds.restored[0].DBSubnetGroupName))
	assert.Equal(t, []string{"sg-db"}, f.rds.restored[0].VpcSecurityGroupIds)

	desc := res.RollbackDescriptor
	assert.False(t, desc.Automatable)
	assert.Nil(t, desc.Data)
	assert.GreaterOrEqual(t, len(desc.Instructions), 2)

	out := a.Rollback(context.Background(), *desc)
	require.Len(t, out, 1)
	assert.Equal(t, remediation.ActionSkipped, out[0].Status)
}

func TestDBEncryption_AlreadyEncrypted(t *testing.T) {
	a, _, f := newAWSActuator(t)
	f.rds.instance = rdstypes.DBInstance{StorageEncrypted: aws.Bool(true)}

	res, err := a.Execute(context.Background(), request("orders-db", remediation.ResourceDatabaseInstance,
		remediation.RemediationEnableEncryption, nil))
	require.NoError(t, err)
	assert.Empty(t, res.Changes)
	assert.Empty(t, f.rds.snapshots)
}

func TestDBBackups_RollbackRestoresRetention(t *testing.T) {
	a, _, f := newAWSActuator(t)
	f.rds.instance = rdstypes.DBInstance{BackupRetentionPeriod: aws.Int32(0)}

	res, err := a.Execute(context.Background(), request("orders-db", remediation.ResourceDatabaseInstance,
		remediation.RemediationEnableBackups, remediation.Parameters{"retentionDays": 14}))
	require.NoError(t, err)
	require.Len(t, f.rds.modified, 1)
	assert.Equal(t, int32(14), aws.ToInt32(f.rds.modified[0].BackupRetentionPeriod))

	out := a.Rollback(context.Background(), *res.RollbackDescriptor)
	assert.Equal(t, remediation.ActionSuccess, out[0].Status)
	assert.Equal(t, int32(0), aws.ToInt32(f.rds.modified[1].BackupRetentionPeriod))
}

func TestDBBackups_RejectsRetentionOutOfRange(t *testing.T) {
	a, _, _ := newAWSActuator(t)
	_, err := a.Execute(context.Background(), request("orders-db", remediation.ResourceDatabaseInstance,
		remediation.RemediationEnableBackups, remediation.Parameters{"retentionDays": 90}))
	require.Error(t, err)
	assert.ErrorContains(t, err, "retentionDays")
}

func TestRolePermissions(t *testing.T) {
	a, _, f := newAWSActuator(t)
	admin := "arn:aws:iam::aws:policy/AdministratorAccess"
	f.iam.attached = []iamtypes.AttachedPolicy{
		{PolicyArn: aws.String(admin), PolicyName: aws.String("AdministratorAccess")},
		{PolicyArn: aws.String("arn:aws:iam::aws:policy/ReadOnlyAccess"), PolicyName: aws.String("ReadOnlyAccess")},
	}

	t.Run("missing parameter", func(t *testing.T) {
		_, err := a.Execute(context.Background(), request("app", remediation.ResourceIdentityRole,
			remediation.RemediationModifyPermissions, nil))
		assert.ErrorContains(t, err, "policyArn")
	})

	t.Run("policy not attached", func(t *testing.T) {
		_, err := a.Execute(context.Background(), request("app", remediation.ResourceIdentityRole,
			remediation.RemediationModifyPermissions, remediation.Parameters{"policyArn": "arn:aws:iam::aws:policy/Nope"}))
		assert.ErrorContains(t, err, "not attached")
	})

	t.Run("detach and re-attach", func(t *testing.T) {
		res, err := a.Execute(context.Background(), request("app", remediation.ResourceIdentityRole,
			remediation.RemediationModifyPermissions, remediation.Parameters{"policyArn": admin}))
		require.NoError(t, err)
		assert.Equal(t, []string{admin}, f.iam.detached)

		out := a.Rollback(context.Background(), *res.RollbackDescriptor)
		assert.Equal(t, remediation.ActionSuccess, out[0].Status)
		assert.Equal(t, []string{admin}, f.iam.reatt)
	})
}

func openGroup() ec2types.SecurityGroup {
	return ec2types.SecurityGroup{
		GroupId: aws.String("sg-web"),
		IpPermissions: []ec2types.IpPermission{
			{
				IpProtocol: aws.String("tcp"), FromPort: aws.Int32(22), ToPort: aws.Int32(22),
				IpRanges: []ec2types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}, {CidrIp: aws.String("10.0.0.0/8")}},
			},
			{
				IpProtocol: aws.String("tcp"), FromPort: aws.Int32(3389), ToPort: aws.Int32(3389),
				Ipv6Ranges: []ec2types.Ipv6Range{{CidrIpv6: aws.String("::/0")}},
			},
			{
				IpProtocol: aws.String("tcp"), FromPort: aws.Int32(443), ToPort: aws.Int32(443),
				IpRanges: []ec2types.IpRange{{CidrIp: aws.String("10.0.0.0/8")}},
			},
		},
	}
}

func TestRestrictIngress_PartialRollback(t *testing.T) {
	a, _, f := newAWSActuator(t)
	f.ec2.group = openGroup()

	res, err := a.Execute(context.Background(), request("sg-web", remediation.ResourceNetworkIngressGroup,
		remediation.RemediationRestrictIngress, nil))
	require.NoError(t, err)
	assert.Len(t, res.Changes, 2)
	require.Len(t, f.ec2.revoked, 2)
	assert.Equal(t, "0.0.0.0/0", aws.ToString(f.ec2.revoked[0].IpRanges[0].CidrIp))
	assert.Equal(t, "::/0", aws.ToString(f.ec2.revoked[1].Ipv6Ranges[0].CidrIpv6))

	f.ec2.authErrs["tcp/22"] = apiError("InvalidPermission.Duplicate")
	f.ec2.authErrs["tcp/3389"] = apiError("UnauthorizedOperation")

	out := a.Rollback(context.Background(), *res.RollbackDescriptor)
	require.Len(t, out, 2)
	assert.Equal(t, remediation.ActionSuccess, out[0].Status)
	assert.Equal(t, remediation.ActionFailed, out[1].Status)
	assert.Contains(t, out[1].Error, "UnauthorizedOperation")
}

func TestRestrictIngress_PortFilter(t *testing.T) {
	a, _, f := newAWSActuator(t)
	f.ec2.group = openGroup()

	res, err := a.Execute(context.Background(), request("sg-web", remediation.ResourceNetworkIngressGroup,
		remediation.RemediationRestrictIngress, remediation.Parameters{"ports": []int{22}}))
	require.NoError(t, err)
	assert.Len(t, res.Changes, 1)
	assert.Equal(t, "tcp/22-22 from 0.0.0.0/0", res.Changes[0].Before)
}

func TestRestrictIngress_NothingToRevoke(t *testing.T) {
	a, _, f := newAWSActuator(t)
	f.ec2.group = openGroup()

	res, err := a.Execute(context.Background(), request("sg-web", remediation.ResourceNetworkIngressGroup,
		remediation.RemediationRestrictIngress, remediation.Parameters{"cidrs": []string{"192.168.0.0/16"}}))
	require.NoError(t, err)
	assert.Empty(t, res.Changes)
	assert.Empty(t, f.ec2.revoked)
	assert.False(t, res.RollbackDescriptor.Automatable)
}

func TestFlowLogs(t *testing.T) {
	a, _, f := newAWSActuator(t)
	params := remediation.Parameters{
		"logGroupName":             "vpc-flows",
		"deliverLogsPermissionArn": "arn:aws:iam::123456789012:role/flow-logs",
	}

	res, err := a.Execute(context.Background(), request("vpc-1", remediation.ResourceVirtualNetwork,
		remediation.RemediationEnableFlowLogs, params))
	require.NoError(t, err)
	require.Len(t, f.ec2.created, 1)
	assert.Equal(t, ec2types.TrafficTypeAll, f.ec2.created[0].TrafficType)
	assert.Equal(t, ec2types.FlowLogsResourceTypeVpc, f.ec2.created[0].ResourceType)

	out := a.Rollback(context.Background(), *res.RollbackDescriptor)
	require.Len(t, out, 1)
	assert.Equal(t, remediation.ActionSuccess, out[0].Status)
	assert.Equal(t, [][]string{{"fl-123"}}, f.ec2.deleted)
}

func TestKeyRotation(t *testing.T) {
	a, _, f := newAWSActuator(t)
	req := request("key-1", remediation.ResourceEncryptionKey, remediation.RemediationEnableKeyRotation, nil)

	res, err := a.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, f.kms.enabled)

	out := a.Rollback(context.Background(), *res.RollbackDescriptor)
	assert.Equal(t, remediation.ActionSuccess, out[0].Status)
	assert.False(t, f.kms.enabled)

	f.kms.enabled = true
	res, err = a.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, res.Changes)
	out = a.Rollback(context.Background(), *res.RollbackDescriptor)
	assert.Equal(t, remediation.ActionSkipped, out[0].Status)
	assert.Equal(t, 1, f.kms.disabled)
}

func TestTrailValidation(t *testing.T) {
	a, _, f := newAWSActuator(t)

	res, err := a.Execute(context.Background(), request("org-trail", remediation.ResourceAuditTrail,
		remediation.RemediationEnableLogFileValidation, nil))
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, f.ct.updates)

	out := a.Rollback(context.Background(), *res.RollbackDescriptor)
	assert.Equal(t, remediation.ActionSuccess, out[0].Status)
	assert.Equal(t, []bool{true, false}, f.ct.updates)
}

func TestInspector(t *testing.T) {
	_, c, f := newAWSActuator(t)
	insp := NewInspector(c)
	ctx := context.Background()

	t.Run("bucket exists", func(t *testing.T) {
		ok, err := insp.BucketExists(ctx, "b")
		require.NoError(t, err)
		assert.True(t, ok)

		f.s3.headErr = apiError("NotFound")
		ok, err = insp.BucketExists(ctx, "b")
		require.NoError(t, err)
		assert.False(t, ok)

		f.s3.headErr = apiError("Forbidden")
		_, err = insp.BucketExists(ctx, "b")
		assert.Error(t, err)
		f.s3.headErr = nil
	})

	t.Run("bucket tags", func(t *testing.T) {
		f.s3.tags = []s3types.Tag{{Key: aws.String("env"), Value: aws.String("prod")}}
		tags, err := insp.BucketTags(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"env": "prod"}, tags)

		f.s3.tagErr = apiError("NoSuchTagSet")
		tags, err = insp.BucketTags(ctx, "b")
		require.NoError(t, err)
		assert.Empty(t, tags)
	})

	t.Run("service role by path", func(t *testing.T) {
		f.iam.role = iamtypes.Role{Path: aws.String("/aws-service-role/")}
		ok, err := insp.IsServiceRole(ctx, "r")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("service role by trust policy", func(t *testing.T) {
		doc := `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"Service":"lambda.amazonaws.com"},"Action":"sts:AssumeRole"}]}`
		f.iam.role = iamtypes.Role{Path: aws.String("/"), AssumeRolePolicyDocument: aws.String(url.QueryEscape(doc))}
		ok, err := insp.IsServiceRole(ctx, "r")
		require.NoError(t, err)
		assert.True(t, ok)

		doc = `{"Statement":[{"Principal":{"AWS":"arn:aws:iam::123456789012:root"}}]}`
		f.iam.role = iamtypes.Role{Path: aws.String("/"), AssumeRolePolicyDocument: aws.String(url.QueryEscape(doc))}
		ok, err = insp.IsServiceRole(ctx, "r")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("admin policies", func(t *testing.T) {
		f.iam.attached = []iamtypes.AttachedPolicy{
			{PolicyName: aws.String("AdministratorAccess")},
			{PolicyName: aws.String("ReadOnlyAccess")},
		}
		names, err := insp.AdminPolicies(ctx, "r")
		require.NoError(t, err)
		assert.Equal(t, []string{"AdministratorAccess"}, names)
	})

	t.Run("attached instances", func(t *testing.T) {
		f.ec2.interfaces = []ec2types.NetworkInterface{
			{Attachment: &ec2types.NetworkInterfaceAttachment{InstanceId: aws.String("i-1")}},
			{Attachment: &ec2types.NetworkInterfaceAttachment{InstanceId: aws.String("i-1")}},
			{Attachment: &ec2types.NetworkInterfaceAttachment{InstanceId: aws.String("i-2")}},
			{},
		}
		n, err := insp.AttachedInstanceCount(ctx, "sg-web")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("open ingress", func(t *testing.T) {
		f.ec2.group = openGroup()
		rules, err := insp.OpenIngressRules(ctx, "sg-web")
		require.NoError(t, err)
		assert.Equal(t, []string{"tcp/22-22 from 0.0.0.0/0", "tcp/3389-3389 from ::/0"}, rules)
	})

	t.Run("recent changes", func(t *testing.T) {
		f.ct.pages = [][]cttypes.Event{
			{{EventName: aws.String("PutBucketPolicy"), ReadOnly: aws.String("false")}},
			{
				{EventName: aws.String("GetBucketPolicy"), ReadOnly: aws.String("true")},
				{EventName: aws.String("PutBucketTagging"), ReadOnly: aws.String("false")},
			},
		}
		since := c.Now().Add(-24 * time.Hour)

		n, err := insp.RecentChanges(ctx, "logs-bucket", since)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		require.Len(t, f.ct.lookups, 2)
		assert.Equal(t, "logs-bucket", aws.ToString(f.ct.lookups[0].LookupAttributes[0].AttributeValue))
		assert.Equal(t, since, aws.ToTime(f.ct.lookups[0].StartTime))
	})
}

func TestIngressRuleJSON(t *testing.T) {
	rule := ingressRule{Protocol: "-1", CIDR: "0.0.0.0/0"}
	data, err := json.Marshal(rule)
	require.NoError(t, err)
	assert.JSONEq(t, `{"protocol":"-1","cidr":"0.0.0.0/0"}`, string(data))
	assert.Equal(t, "all traffic from 0.0.0.0/0", rule.String())
	assert.True(t, rule.covers(8080))
}
