package demand

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// WorkQueue reports how many work items are waiting for a resource.
type WorkQueue interface {
	Depth(ctx context.Context) (int, error)
}

type SQSAPI interface {
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSQueue reads the approximate visible message count of a queue. SQS reports an
// estimate, so demand derived from it is eventually consistent.
type SQSQueue struct {
	client SQSAPI
	url    string
}

func NewSQSQueue(client SQSAPI, queueURL string) *SQSQueue {
	return &SQSQueue{client: client, url: queueURL}
}

func (q *SQSQueue) Depth(ctx context.Context) (int, error) {
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, fmt.Errorf("get queue attributes: %w", err)
	}
	raw, ok := out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse queue depth %q: %w", raw, err)
	}
	return n, nil
}

// CounterQueue is an in-process depth counter fed by queue notifications.
type CounterQueue struct {
	n atomic.Int64
}

func NewCounterQueue() *CounterQueue {
	return &CounterQueue{}
}

func (q *CounterQueue) Enqueue(count int) {
	if count > 0 {
		q.n.Add(int64(count))
	}
}

// Dequeue never drives the counter below zero.
func (q *CounterQueue) Dequeue(count int) {
	if count <= 0 {
		return
	}
	for {
		cur := q.n.Load()
		next := cur - int64(count)
		if next < 0 {
			next = 0
		}
		if q.n.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (q *CounterQueue) Depth(ctx context.Context) (int, error) {
	return int(q.n.Load()), nil
}
