package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
)

// EventSource is the source attribute stamped on EventBridge entries.
const EventSource = "custom.accountPool"

type EventBridgeAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgePublisher puts each event on an EventBridge bus with the event type as detail-type.
type EventBridgePublisher struct {
	client  EventBridgeAPI
	busName string
}

func NewEventBridgePublisher(client EventBridgeAPI, busName string) *EventBridgePublisher {
	return &EventBridgePublisher{client: client, busName: busName}
}

func (p *EventBridgePublisher) Publish(ctx context.Context, ev Event) error {
	detail, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	out, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{{
			Source:       aws.String(EventSource),
			DetailType:   aws.String(string(ev.Type)),
			Detail:       aws.String(string(detail)),
			EventBusName: aws.String(p.busName),
			Time:         aws.Time(ev.Timestamp),
		}},
	})
	if err != nil {
		return fmt.Errorf("put events: %w", err)
	}
	if out.FailedEntryCount > 0 {
		msg := "unknown"
		if len(out.Entries) > 0 && out.Entries[0].ErrorMessage != nil {
			msg = aws.ToString(out.Entries[0].ErrorMessage)
		}
		return fmt.Errorf("put events: entry rejected: %s", msg)
	}
	return nil
}
