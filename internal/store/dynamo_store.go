package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ILLUVRSE/account-pool/internal/models"
)

// StatusIndex is the global secondary index on the status attribute.
const StatusIndex = "status-index"

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoStore keeps one item per resource and implements compare-and-swap with
// condition expressions on status and version.
type DynamoStore struct {
	client DynamoAPI
	table  string
}

func NewDynamoStore(client DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

func strAttr(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func numAttr(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func keyOf(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": strAttr(id)}
}

func encodeItem(r models.Resource) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id":            strAttr(r.ID),
		"status":        strAttr(string(r.Status)),
		"account_id":    strAttr(r.Descriptor.AccountID),
		"role_arn":      strAttr(r.Descriptor.RoleARN),
		"holder":        strAttr(r.Holder),
		"version":       numAttr(r.Version),
		"registered_at": numAttr(r.RegisteredAt.UnixNano()),
		"last_updated":  numAttr(r.LastUpdated.UnixNano()),
	}
}

func decodeItem(item map[string]types.AttributeValue) (models.Resource, error) {
	str := func(name string) string {
		if v, ok := item[name].(*types.AttributeValueMemberS); ok {
			return v.Value
		}
		return ""
	}
	num := func(name string) (int64, error) {
		v, ok := item[name].(*types.AttributeValueMemberN)
		if !ok {
			return 0, fmt.Errorf("attribute %s missing", name)
		}
		return strconv.ParseInt(v.Value, 10, 64)
	}
	version, err := num("version")
	if err != nil {
		return models.Resource{}, err
	}
	registered, err := num("registered_at")
	if err != nil {
		return models.Resource{}, err
	}
	updated, err := num("last_updated")
	if err != nil {
		return models.Resource{}, err
	}
	return models.Resource{
		ID:     str("id"),
		Status: models.Status(str("status")),
		Descriptor: models.Descriptor{
			AccountID: str("account_id"),
			RoleARN:   str("role_arn"),
		},
		Holder:       str("holder"),
		Version:      version,
		RegisteredAt: time.Unix(0, registered).UTC(),
		LastUpdated:  time.Unix(0, updated).UTC(),
	}, nil
}

func decodeItems(items []map[string]types.AttributeValue, out []models.Resource) ([]models.Resource, error) {
	for _, item := range items {
		r, err := decodeItem(item)
		if err != nil {
			return nil, fmt.Errorf("decode resource: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func conditionFailed(err error) (*types.ConditionalCheckFailedException, bool) {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ccf, true
	}
	return nil, false
}

func (s *DynamoStore) Create(ctx context.Context, in CreateInput) (models.Resource, error) {
	res := newResource(in)
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                encodeItem(res),
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		if _, ok := conditionFailed(err); ok {
			return models.Resource{}, ErrDuplicate
		}
		return models.Resource{}, fmt.Errorf("put resource: %w", err)
	}
	return res, nil
}

func (s *DynamoStore) Get(ctx context.Context, id string) (models.Resource, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyOf(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return models.Resource{}, fmt.Errorf("get resource: %w", err)
	}
	if len(out.Item) == 0 {
		return models.Resource{}, ErrNotFound
	}
	return decodeItem(out.Item)
}

func (s *DynamoStore) List(ctx context.Context) ([]models.Resource, error) {
	out := []models.Resource{}
	var start map[string]types.AttributeValue
	for {
		page, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.table),
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("scan resources: %w", err)
		}
		if out, err = decodeItems(page.Items, out); err != nil {
			return nil, err
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = page.LastEvaluatedKey
	}
}

func (s *DynamoStore) statusQuery(status models.Status, start map[string]types.AttributeValue) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		IndexName:                 aws.String(StatusIndex),
		KeyConditionExpression:    aws.String("#status = :status"),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":status": strAttr(string(status))},
		ExclusiveStartKey:         start,
	}
}

func (s *DynamoStore) ListByStatus(ctx context.Context, status models.Status, limit int) ([]models.Resource, error) {
	out := []models.Resource{}
	var start map[string]types.AttributeValue
	for {
		in := s.statusQuery(status, start)
		if limit > 0 {
			in.Limit = aws.Int32(int32(limit - len(out)))
		}
		page, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query resources by status: %w", err)
		}
		if out, err = decodeItems(page.Items, out); err != nil {
			return nil, err
		}
		if len(page.LastEvaluatedKey) == 0 || (limit > 0 && len(out) >= limit) {
			return out, nil
		}
		start = page.LastEvaluatedKey
	}
}

func (s *DynamoStore) CompareAndSwap(ctx context.Context, in SwapInput) (models.Resource, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 keyOf(in.ID),
		UpdateExpression:    aws.String("SET #status = :status, holder = :holder, last_updated = :at, version = version + :one"),
		ConditionExpression: aws.String("attribute_exists(id) AND #status = :expect_status AND version = :expect_version"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":         strAttr(string(in.Status)),
			":holder":         strAttr(in.Holder),
			":at":             numAttr(in.At.UnixNano()),
			":one":            numAttr(1),
			":expect_status":  strAttr(string(in.ExpectStatus)),
			":expect_version": numAttr(in.ExpectVersion),
		},
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		if ccf, ok := conditionFailed(err); ok {
			if len(ccf.Item) == 0 {
				return models.Resource{}, ErrNotFound
			}
			return models.Resource{}, ErrConflict
		}
		return models.Resource{}, fmt.Errorf("swap resource: %w", err)
	}
	return decodeItem(out.Attributes)
}

func (s *DynamoStore) Overwrite(ctx context.Context, in OverwriteInput) (models.Resource, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 keyOf(in.ID),
		UpdateExpression:    aws.String("SET #status = :status, holder = :holder, last_updated = :at, version = version + :one"),
		ConditionExpression: aws.String("attribute_exists(id)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": strAttr(string(in.Status)),
			":holder": strAttr(in.Holder),
			":at":     numAttr(in.At.UnixNano()),
			":one":    numAttr(1),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if _, ok := conditionFailed(err); ok {
			return models.Resource{}, ErrNotFound
		}
		return models.Resource{}, fmt.Errorf("overwrite resource: %w", err)
	}
	return decodeItem(out.Attributes)
}

func (s *DynamoStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 keyOf(id),
		ConditionExpression: aws.String("attribute_exists(id)"),
	})
	if err != nil {
		if _, ok := conditionFailed(err); ok {
			return ErrNotFound
		}
		return fmt.Errorf("delete resource: %w", err)
	}
	return nil
}

func (s *DynamoStore) countStatus(ctx context.Context, status models.Status) (int, error) {
	total := 0
	var start map[string]types.AttributeValue
	for {
		in := s.statusQuery(status, start)
		in.Select = types.SelectCount
		page, err := s.client.Query(ctx, in)
		if err != nil {
			return 0, fmt.Errorf("count %s resources: %w", status, err)
		}
		total += int(page.Count)
		if len(page.LastEvaluatedKey) == 0 {
			return total, nil
		}
		start = page.LastEvaluatedKey
	}
}

func (s *DynamoStore) Counts(ctx context.Context) (Counts, error) {
	available, err := s.countStatus(ctx, models.StatusAvailable)
	if err != nil {
		return Counts{}, err
	}
	inUse, err := s.countStatus(ctx, models.StatusInUse)
	if err != nil {
		return Counts{}, err
	}
	return Counts{Available: available, InUse: inUse, Total: available + inUse}, nil
}

func (s *DynamoStore) Ping(ctx context.Context) error {
	if _, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}); err != nil {
		return fmt.Errorf("describe table: %w", err)
	}
	return nil
}
