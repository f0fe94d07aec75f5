package jobstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/catherinevee/remediator/internal/remediation"
)

// StatusIndex is the global secondary index keyed by status and
// requested_at.
const StatusIndex = "status-index"

// DynamoDBAPI is the subset of the DynamoDB client the store uses.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

var _ DynamoDBAPI = (*dynamodb.Client)(nil)

// DynamoDBStore keeps jobs in a table keyed by tenant_id and job_id.
type DynamoDBStore struct {
	client DynamoDBAPI
	table  string
	clock  Clock
}

// NewDynamoDBStore creates a store over an existing table.
func NewDynamoDBStore(client DynamoDBAPI, table string, clock Clock) *DynamoDBStore {
	if table == "" {
		table = "remediation_jobs"
	}
	if clock == nil {
		clock = time.Now
	}
	return &DynamoDBStore{client: client, table: table, clock: clock}
}

func jobItem(job *remediation.Job) (map[string]types.AttributeValue, error) {
	doc, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	return map[string]types.AttributeValue{
		"tenant_id":    &types.AttributeValueMemberS{Value: job.TenantID},
		"job_id":       &types.AttributeValueMemberS{Value: job.JobID},
		"status":       &types.AttributeValueMemberS{Value: string(job.Status)},
		"version":      &types.AttributeValueMemberN{Value: strconv.FormatInt(job.Version, 10)},
		"requested_at": &types.AttributeValueMemberS{Value: timeKey(job.RequestedAt)},
		"document":     &types.AttributeValueMemberS{Value: string(doc)},
	}, nil
}

func itemJob(item map[string]types.AttributeValue) (*remediation.Job, error) {
	attr, ok := item["document"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("item has no document attribute")
	}
	return decodeJob(attr.Value)
}

func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if stderrors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return stderrors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

func (s *DynamoDBStore) Create(ctx context.Context, job *remediation.Job) error {
	item, err := jobItem(prepareCreate(job, s.clock()))
	if err != nil {
		return storeError("create", job.JobID, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(job_id)"),
	})
	if err != nil {
		if isConditionFailure(err) {
			return ErrExists(job.JobID)
		}
		return storeError("create", job.JobID, err)
	}
	return nil
}

func (s *DynamoDBStore) Get(ctx context.Context, tenantID, jobID string) (*remediation.Job, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"tenant_id": &types.AttributeValueMemberS{Value: tenantID},
			"job_id":    &types.AttributeValueMemberS{Value: jobID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, storeError("get", jobID, err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound(tenantID, jobID)
	}
	job, err := itemJob(out.Item)
	if err != nil {
		return nil, storeError("get", jobID, err)
	}
	return job, nil
}

func (s *DynamoDBStore) Update(ctx context.Context, tenantID, jobID string, patch remediation.JobPatch) (*remediation.Job, error) {
	job, err := s.Get(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}

	readVersion := job.Version
	if err := remediation.ApplyPatch(job, patch, s.clock()); err != nil {
		return nil, err
	}

	item, err := jobItem(job)
	if err != nil {
		return nil, storeError("update", jobID, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("version = :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(readVersion, 10)},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return nil, ErrStale(jobID)
		}
		return nil, storeError("update", jobID, err)
	}
	return job, nil
}

func (s *DynamoDBStore) QueryByStatus(ctx context.Context, status remediation.Status) ([]*remediation.Job, error) {
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(StatusIndex),
		KeyConditionExpression: aws.String("#s = :s"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberS{Value: string(status)},
		},
	})

	var jobs []*remediation.Job
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, storeError("query", "", err)
		}
		for _, item := range page.Items {
			job, err := itemJob(item)
			if err != nil {
				return nil, storeError("query", "", err)
			}
			jobs = append(jobs, job)
		}
	}
	sortJobs(jobs)
	return jobs, nil
}

func (s *DynamoDBStore) Close() error { return nil }
