package actuator

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"golang.org/x/time/rate"

	"github.com/catherinevee/remediator/internal/remediation"
)

// S3API is the subset of the S3 client the handlers use.
type S3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	GetBucketTagging(ctx context.Context, in *s3.GetBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error)
	GetBucketEncryption(ctx context.Context, in *s3.GetBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.GetBucketEncryptionOutput, error)
	PutBucketEncryption(ctx context.Context, in *s3.PutBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.PutBucketEncryptionOutput, error)
	DeleteBucketEncryption(ctx context.Context, in *s3.DeleteBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketEncryptionOutput, error)
	GetPublicAccessBlock(ctx context.Context, in *s3.GetPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error)
	PutPublicAccessBlock(ctx context.Context, in *s3.PutPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error)
	DeletePublicAccessBlock(ctx context.Context, in *s3.DeletePublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.DeletePublicAccessBlockOutput, error)
	GetBucketVersioning(ctx context.Context, in *s3.GetBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error)
	PutBucketVersioning(ctx context.Context, in *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
}

// RDSAPI is the subset of the RDS client the handlers use.
type RDSAPI interface {
	DescribeDBInstances(ctx context.Context, in *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
	ModifyDBInstance(ctx context.Context, in *rds.ModifyDBInstanceInput, optFns ...func(*rds.Options)) (*rds.ModifyDBInstanceOutput, error)
	CreateDBSnapshot(ctx context.Context, in *rds.CreateDBSnapshotInput, optFns ...func(*rds.Options)) (*rds.CreateDBSnapshotOutput, error)
	CopyDBSnapshot(ctx context.Context, in *rds.CopyDBSnapshotInput, optFns ...func(*rds.Options)) (*rds.CopyDBSnapshotOutput, error)
	DescribeDBSnapshots(ctx context.Context, in *rds.DescribeDBSnapshotsInput, optFns ...func(*rds.Options)) (*rds.DescribeDBSnapshotsOutput, error)
	RestoreDBInstanceFromDBSnapshot(ctx context.Context, in *rds.RestoreDBInstanceFromDBSnapshotInput, optFns ...func(*rds.Options)) (*rds.RestoreDBInstanceFromDBSnapshotOutput, error)
}

// IAMAPI is the subset of the IAM client the handlers use.
type IAMAPI interface {
	GetRole(ctx context.Context, in *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	ListAttachedRolePolicies(ctx context.Context, in *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error)
	DetachRolePolicy(ctx context.Context, in *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
	AttachRolePolicy(ctx context.Context, in *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	SimulatePrincipalPolicy(ctx context.Context, in *iam.SimulatePrincipalPolicyInput, optFns ...func(*iam.Options)) (*iam.SimulatePrincipalPolicyOutput, error)
}

// EC2API is the subset of the EC2 client the handlers use.
type EC2API interface {
	DescribeSecurityGroups(ctx context.Context, in *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	DescribeNetworkInterfaces(ctx context.Context, in *ec2.DescribeNetworkInterfacesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error)
	RevokeSecurityGroupIngress(ctx context.Context, in *ec2.RevokeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	DescribeFlowLogs(ctx context.Context, in *ec2.DescribeFlowLogsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeFlowLogsOutput, error)
	CreateFlowLogs(ctx context.Context, in *ec2.CreateFlowLogsInput, optFns ...func(*ec2.Options)) (*ec2.CreateFlowLogsOutput, error)
	DeleteFlowLogs(ctx context.Context, in *ec2.DeleteFlowLogsInput, optFns ...func(*ec2.Options)) (*ec2.DeleteFlowLogsOutput, error)
}

// KMSAPI is the subset of the KMS client the handlers use.
type KMSAPI interface {
	GetKeyRotationStatus(ctx context.Context, in *kms.GetKeyRotationStatusInput, optFns ...func(*kms.Options)) (*kms.GetKeyRotationStatusOutput, error)
	EnableKeyRotation(ctx context.Context, in *kms.EnableKeyRotationInput, optFns ...func(*kms.Options)) (*kms.EnableKeyRotationOutput, error)
	DisableKeyRotation(ctx context.Context, in *kms.DisableKeyRotationInput, optFns ...func(*kms.Options)) (*kms.DisableKeyRotationOutput, error)
}

// CloudTrailAPI is the subset of the CloudTrail client the handlers use.
type CloudTrailAPI interface {
	GetTrail(ctx context.Context, in *cloudtrail.GetTrailInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.GetTrailOutput, error)
	UpdateTrail(ctx context.Context, in *cloudtrail.UpdateTrailInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.UpdateTrailOutput, error)
	LookupEvents(ctx context.Context, in *cloudtrail.LookupEventsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error)
}

// Clients bundles the service clients and the mutation throttle shared by
// the AWS handlers.
type Clients struct {
	S3         S3API
	RDS        RDSAPI
	IAM        IAMAPI
	EC2        EC2API
	KMS        KMSAPI
	CloudTrail CloudTrailAPI
	STS        STSAPI

	// Limiter throttles mutating calls. Nil means unthrottled.
	Limiter *rate.Limiter
	// SnapshotWait bounds how long the RDS handlers wait for snapshots.
	SnapshotWait time.Duration
	Now          func() time.Time
}

// ClientOptions configures the mutation throttle.
type ClientOptions struct {
	MaxMutationsPerSecond float64
	Burst                 int
}

// NewClientsFromConfig builds the service clients from a loaded config.
func NewClientsFromConfig(cfg aws.Config, opts ClientOptions) *Clients {
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}

	var limiter *rate.Limiter
	if opts.MaxMutationsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.MaxMutationsPerSecond), burst)
	}

	return &Clients{
		S3:           s3.NewFromConfig(cfg),
		RDS:          rds.NewFromConfig(cfg),
		IAM:          iam.NewFromConfig(cfg),
		EC2:          ec2.NewFromConfig(cfg),
		KMS:          kms.NewFromConfig(cfg),
		CloudTrail:   cloudtrail.NewFromConfig(cfg),
		STS:          sts.NewFromConfig(cfg),
		Limiter:      limiter,
		SnapshotWait: 30 * time.Minute,
		Now:          time.Now,
	}
}

// RegisterAWSHandlers registers every AWS-backed handler with a.
func RegisterAWSHandlers(a *Actuator, c *Clients) error {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.SnapshotWait <= 0 {
		c.SnapshotWait = 30 * time.Minute
	}

	handlers := []Handler{
		&bucketEncryptionHandler{c: c},
		&bucketPublicAccessHandler{c: c},
		&bucketVersioningHandler{c: c},
		&dbEncryptionHandler{c: c},
		&dbPublicAccessHandler{c: c},
		&dbBackupsHandler{c: c},
		&rolePermissionsHandler{c: c},
		&restrictIngressHandler{c: c},
		&flowLogsHandler{c: c},
		&keyRotationHandler{c: c},
		&trailValidationHandler{c: c},
	}

	for _, h := range handlers {
		if err := a.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// mutate waits for the throttle before a mutating call.
func (c *Clients) mutate(ctx context.Context) error {
	if c.Limiter == nil {
		return nil
	}
	return c.Limiter.Wait(ctx)
}

func (c *Clients) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// errorCode extracts the AWS API error code, if any.
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// Rollback outcome helpers.
func success(action, resource string) remediation.ActionOutcome {
	return remediation.ActionOutcome{Action: action, Resource: resource, Status: remediation.ActionSuccess}
}

func failure(action, resource string, err error) remediation.ActionOutcome {
	return remediation.ActionOutcome{Action: action, Resource: resource, Status: remediation.ActionFailed, Error: err.Error()}
}

func skipped(action, resource, reason string) remediation.ActionOutcome {
	return remediation.ActionOutcome{Action: action, Resource: resource, Status: remediation.ActionSkipped, Error: reason}
}
