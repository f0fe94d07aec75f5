package actuator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// AdminPolicyNames are managed policies that grant account-wide control.
var AdminPolicyNames = []string{"AdministratorAccess", "PowerUserAccess", "IAMFullAccess"}

// Inspector answers the safety gate's read-only questions using the same
// clients as the handlers.
type Inspector struct {
	c *Clients
}

// NewInspector creates an inspector over c.
func NewInspector(c *Clients) *Inspector {
	return &Inspector{c: c}
}

// BucketExists reports whether the bucket exists and is reachable.
func (i *Inspector) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := i.c.S3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return true, nil
	}
	switch errorCode(err) {
	case "NotFound", "NoSuchBucket":
		return false, nil
	}
	return false, fmt.Errorf("failed to head bucket: %w", err)
}

// BucketTags returns the bucket's tag set. A bucket without tags yields an
// empty map.
func (i *Inspector) BucketTags(ctx context.Context, bucket string) (map[string]string, error) {
	out, err := i.c.S3.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: aws.String(bucket)})
	if err != nil {
		if errorCode(err) == "NoSuchTagSet" {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to get bucket tags: %w", err)
	}

	tags := make(map[string]string, len(out.TagSet))
	for _, tag := range out.TagSet {
		tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return tags, nil
}

// IsServiceRole reports whether the role is assumed by an AWS service rather
// than by principals in an account.
func (i *Inspector) IsServiceRole(ctx context.Context, role string) (bool, error) {
	out, err := i.c.IAM.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(role)})
	if err != nil {
		return false, fmt.Errorf("failed to get role: %w", err)
	}
	if out.Role == nil {
		return false, fmt.Errorf("role %s not found", role)
	}

	path := aws.ToString(out.Role.Path)
	if strings.HasPrefix(path, "/service-role/") || strings.HasPrefix(path, "/aws-service-role/") {
		return true, nil
	}

	doc := aws.ToString(out.Role.AssumeRolePolicyDocument)
	if doc == "" {
		return false, nil
	}
	return trustsService(doc)
}

// trustsService parses a URL-encoded trust policy and looks for a Service
// principal.
func trustsService(doc string) (bool, error) {
	decoded, err := url.QueryUnescape(doc)
	if err != nil {
		decoded = doc
	}

	var policy struct {
		Statement []struct {
			Principal json.RawMessage `json:"Principal"`
		} `json:"Statement"`
	}
	if err := json.Unmarshal([]byte(decoded), &policy); err != nil {
		return false, fmt.Errorf("failed to parse trust policy: %w", err)
	}

	for _, stmt := range policy.Statement {
		var principal map[string]json.RawMessage
		if err := json.Unmarshal(stmt.Principal, &principal); err != nil {
			continue
		}
		if _, ok := principal["Service"]; ok {
			return true, nil
		}
	}
	return false, nil
}

// AdminPolicies returns the names of attached managed policies that grant
// administrative access.
func (i *Inspector) AdminPolicies(ctx context.Context, role string) ([]string, error) {
	attached, err := i.c.attachedRolePolicies(ctx, role)
	if err != nil {
		return nil, err
	}

	var admin []string
	for _, policy := range attached {
		name := aws.ToString(policy.PolicyName)
		if contains(AdminPolicyNames, name) {
			admin = append(admin, name)
		}
	}
	return admin, nil
}

// AttachedInstanceCount counts distinct instances with an interface in the
// security group.
func (i *Inspector) AttachedInstanceCount(ctx context.Context, groupID string) (int, error) {
	instances := make(map[string]struct{})
	paginator := ec2.NewDescribeNetworkInterfacesPaginator(i.c.EC2, &ec2.DescribeNetworkInterfacesInput{
		Filters: []ec2types.Filter{{Name: aws.String("group-id"), Values: []string{groupID}}},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to describe network interfaces: %w", err)
		}
		for _, ni := range page.NetworkInterfaces {
			if ni.Attachment == nil || ni.Attachment.InstanceId == nil {
				continue
			}
			instances[aws.ToString(ni.Attachment.InstanceId)] = struct{}{}
		}
	}
	return len(instances), nil
}

// OpenIngressRules lists the group's ingress rules that are open to the
// internet, for example "tcp/22-22 from 0.0.0.0/0".
func (i *Inspector) OpenIngressRules(ctx context.Context, groupID string) ([]string, error) {
	rules, err := i.c.securityGroupRules(ctx, groupID)
	if err != nil {
		return nil, err
	}

	var open []string
	for _, rule := range rules {
		if contains(openCIDRs, rule.CIDR) {
			open = append(open, rule.String())
		}
	}
	sort.Strings(open)
	return open, nil
}

// RecentChanges counts mutating CloudTrail events recorded against the
// resource since the given time. Read-only calls are ignored.
func (i *Inspector) RecentChanges(ctx context.Context, resourceID string, since time.Time) (int, error) {
	paginator := cloudtrail.NewLookupEventsPaginator(i.c.CloudTrail, &cloudtrail.LookupEventsInput{
		LookupAttributes: []cttypes.LookupAttribute{{
			AttributeKey:   cttypes.LookupAttributeKeyResourceName,
			AttributeValue: aws.String(resourceID),
		}},
		StartTime: aws.Time(since),
		EndTime:   aws.Time(i.c.now()),
	})

	count := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to look up events: %w", err)
		}
		for _, ev := range page.Events {
			if aws.ToString(ev.ReadOnly) == "true" {
				continue
			}
			count++
		}
	}
	return count, nil
}
