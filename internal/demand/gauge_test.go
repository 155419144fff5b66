package demand

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/account-pool/internal/models"
	"github.com/ILLUVRSE/account-pool/internal/store"
)

type fakeSQS struct {
	in    *sqs.GetQueueAttributesInput
	attrs map[string]string
	err   error
}

func (f *fakeSQS) GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.GetQueueAttributesOutput{Attributes: f.attrs}, nil
}

func TestSQSQueueDepth(t *testing.T) {
	fake := &fakeSQS{attrs: map[string]string{"ApproximateNumberOfMessages": "17"}}
	q := NewSQSQueue(fake, "https://sqs.us-east-1.amazonaws.com/123/work")

	n, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 17, n)
	assert.Equal(t, "https://sqs.us-east-1.amazonaws.com/123/work", aws.ToString(fake.in.QueueUrl))
	assert.Equal(t, []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages}, fake.in.AttributeNames)
}

func TestSQSQueueDepthErrors(t *testing.T) {
	q := NewSQSQueue(&fakeSQS{attrs: map[string]string{"ApproximateNumberOfMessages": "lots"}}, "u")
	_, err := q.Depth(context.Background())
	assert.Error(t, err)

	q = NewSQSQueue(&fakeSQS{err: errors.New("throttled")}, "u")
	_, err = q.Depth(context.Background())
	assert.ErrorContains(t, err, "throttled")

	q = NewSQSQueue(&fakeSQS{attrs: map[string]string{}}, "u")
	n, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCounterQueueNeverNegative(t *testing.T) {
	q := NewCounterQueue()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(3)
			q.Dequeue(1)
		}()
	}
	wg.Wait()

	n, _ := q.Depth(context.Background())
	assert.Equal(t, 40, n)

	q.Dequeue(100)
	n, _ = q.Depth(context.Background())
	assert.Zero(t, n)
}

func TestGaugeSnapshot(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	for _, id := range []string{"a", "b", "c"} {
		_, err := st.Create(ctx, store.CreateInput{ID: id, Descriptor: models.Descriptor{RoleARN: "arn:" + id}})
		require.NoError(t, err)
	}
	res, err := st.Get(ctx, "a")
	require.NoError(t, err)
	_, err = st.CompareAndSwap(ctx, store.SwapInput{
		ID: "a", ExpectStatus: models.StatusAvailable, ExpectVersion: res.Version, Status: models.StatusInUse, Holder: "h",
	})
	require.NoError(t, err)

	q := NewCounterQueue()
	q.Enqueue(5)

	snap, err := NewGauge(q, st).Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.PendingWork)
	assert.Equal(t, 2, snap.Available)
	assert.Equal(t, 3, snap.Total)
	assert.False(t, snap.CapturedAt.IsZero())
}
