package store

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/account-pool/internal/models"
)

// fakeDynamo records the last request of each kind and returns canned responses.
type fakeDynamo struct {
	DynamoAPI

	item       map[string]types.AttributeValue
	updateErr  error
	lastUpdate *dynamodb.UpdateItemInput
	lastPut    *dynamodb.PutItemInput
	putErr     error
	queries    []*dynamodb.QueryInput
	pages      []*dynamodb.QueryOutput
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPut = in
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.item = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.item}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdate = in
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &dynamodb.UpdateItemOutput{Attributes: f.item}, nil
}

func (f *fakeDynamo) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queries = append(f.queries, in)
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func TestDynamoStoreCreateAndGet(t *testing.T) {
	fake := &fakeDynamo{}
	st := NewDynamoStore(fake, "accounts")
	now := time.Unix(1700000000, 42).UTC()

	created, err := st.Create(context.Background(), CreateInput{
		ID:         "123456789012",
		Descriptor: models.Descriptor{AccountID: "123456789012", RoleARN: "arn:aws:iam::123456789012:role/worker"},
		At:         now,
	})
	require.NoError(t, err)
	assert.Equal(t, "attribute_not_exists(id)", aws.ToString(fake.lastPut.ConditionExpression))

	got, err := st.Get(context.Background(), "123456789012")
	require.NoError(t, err)
	assert.Equal(t, created, got)

	fake.putErr = &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	_, err = st.Create(context.Background(), CreateInput{ID: "123456789012", At: now})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestDynamoStoreCompareAndSwapConditions(t *testing.T) {
	now := time.Now().UTC()
	current := encodeItem(models.Resource{ID: "a", Status: models.StatusInUse, Version: 4, RegisteredAt: now, LastUpdated: now})
	fake := &fakeDynamo{item: current}
	st := NewDynamoStore(fake, "accounts")

	in := SwapInput{ID: "a", ExpectStatus: models.StatusInUse, ExpectVersion: 4, Status: models.StatusAvailable, At: now}
	_, err := st.CompareAndSwap(context.Background(), in)
	require.NoError(t, err)
	assert.Contains(t, aws.ToString(fake.lastUpdate.ConditionExpression), "version = :expect_version")
	assert.Equal(t, &types.AttributeValueMemberN{Value: "4"}, fake.lastUpdate.ExpressionAttributeValues[":expect_version"])
	assert.Equal(t, types.ReturnValuesOnConditionCheckFailureAllOld, fake.lastUpdate.ReturnValuesOnConditionCheckFailure)

	fake.updateErr = &types.ConditionalCheckFailedException{Item: current}
	_, err = st.CompareAndSwap(context.Background(), in)
	assert.ErrorIs(t, err, ErrConflict)

	fake.updateErr = &types.ConditionalCheckFailedException{}
	_, err = st.CompareAndSwap(context.Background(), in)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoStoreCountsPaginates(t *testing.T) {
	fake := &fakeDynamo{pages: []*dynamodb.QueryOutput{
		{Count: 2, LastEvaluatedKey: keyOf("b")},
		{Count: 1},
		{Count: 4},
	}}
	st := NewDynamoStore(fake, "accounts")

	counts, err := st.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counts{Available: 3, InUse: 4, Total: 7}, counts)
	require.Len(t, fake.queries, 3)
	assert.Equal(t, StatusIndex, aws.ToString(fake.queries[0].IndexName))
	assert.Equal(t, types.SelectCount, fake.queries[0].Select)
}
