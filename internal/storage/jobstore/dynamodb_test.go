package jobstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/remediator/internal/remediation"
	"github.com/catherinevee/remediator/internal/shared/config"
	"github.com/catherinevee/remediator/internal/shared/errors"
)

// fakeDynamo understands just the condition expressions the store issues and
// pages query results one item at a time.
type fakeDynamo struct {
	mu      sync.Mutex
	items   map[string]map[string]types.AttributeValue
	queries int
	putErr  error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func attrS(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func attrN(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberN); ok {
		return v.Value
	}
	return ""
}

func itemKey(item map[string]types.AttributeValue) string {
	return attrS(item, "tenant_id") + "/" + attrS(item, "job_id")
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}

	k := itemKey(in.Item)
	existing, exists := f.items[k]
	switch aws.ToString(in.ConditionExpression) {
	case "attribute_not_exists(job_id)":
		if exists {
			return nil, conditionFailed()
		}
	case "version = :v":
		if !exists || attrN(existing, "version") != attrN(in.ExpressionAttributeValues, ":v") {
			return nil, conditionFailed()
		}
	case "":
	default:
		return nil, fmt.Errorf("unexpected condition %q", aws.ToString(in.ConditionExpression))
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++

	if aws.ToString(in.IndexName) != StatusIndex {
		return nil, fmt.Errorf("unexpected index %q", aws.ToString(in.IndexName))
	}
	status := attrS(in.ExpressionAttributeValues, ":s")

	var matches []map[string]types.AttributeValue
	for _, item := range f.items {
		if attrS(item, "status") == status {
			matches = append(matches, item)
		}
	}

	sort.Slice(matches, func(i, j int) bool { return itemKey(matches[i]) < itemKey(matches[j]) })

	start := 0
	if in.ExclusiveStartKey != nil {
		start, _ = strconv.Atoi(attrN(in.ExclusiveStartKey, "offset"))
	}
	if start >= len(matches) {
		return &dynamodb.QueryOutput{}, nil
	}
	out := &dynamodb.QueryOutput{Items: matches[start : start+1]}
	if start+1 < len(matches) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"offset": &types.AttributeValueMemberN{Value: strconv.Itoa(start + 1)},
		}
	}
	return out, nil
}

func configStore(backend string) config.StoreSettings {
	return config.StoreSettings{Backend: backend, Table: "remediation_jobs"}
}

func TestDynamoDBStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewDynamoDBStore(newFakeDynamo(), "remediation_jobs", fixedClock)
	})
}

func TestDynamoDBStore_QueryFollowsPages(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	s := NewDynamoDBStore(fake, "", fixedClock)

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		require.NoError(t, s.Create(ctx, newJob("t1", id, base)))
	}

	jobs, err := s.QueryByStatus(ctx, remediation.StatusPending)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
	assert.Equal(t, 3, fake.queries)
}

func TestDynamoDBStore_LostRaceIsStale(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	s := NewDynamoDBStore(fake, "", fixedClock)
	require.NoError(t, s.Create(ctx, newJob("t1", "job-1", base)))

	// Another writer bumps the version between our read and write.
	racer := newJob("t1", "job-1", base)
	racer.Version = 7
	item, err := jobItem(racer)
	require.NoError(t, err)
	stale := &staleDynamo{fakeDynamo: fake, inject: item}

	_, err = NewDynamoDBStore(stale, "", fixedClock).Update(ctx, "t1", "job-1", remediation.JobPatch{
		Message: remediation.StringPtr("hello"),
	})
	assert.True(t, hasCode(err, errors.ErrorTypeConflict, remediation.CodeStaleVersion))
}

func TestDynamoDBStore_BackendErrorIsSystem(t *testing.T) {
	fake := newFakeDynamo()
	fake.putErr = fmt.Errorf("throttled")

	err := NewDynamoDBStore(fake, "", fixedClock).Create(context.Background(), newJob("t1", "job-1", base))
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeSystem, errors.TypeOf(err))
}

// staleDynamo overwrites the stored item right after it is read.
type staleDynamo struct {
	*fakeDynamo
	inject map[string]types.AttributeValue
}

func (s *staleDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	out, err := s.fakeDynamo.GetItem(ctx, in, opts...)
	s.mu.Lock()
	s.items[itemKey(s.inject)] = s.inject
	s.mu.Unlock()
	return out, err
}
