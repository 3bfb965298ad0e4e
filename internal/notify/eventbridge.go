package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"

	"boxoffice/internal/apperr"
)

// PutEventsAPI is the slice of the EventBridge client the publisher uses.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

type EventBridge struct {
	client PutEventsAPI
	source string
	logger *zap.Logger
}

func NewEventBridge(client PutEventsAPI, source string, logger *zap.Logger) *EventBridge {
	if source == "" {
		source = "boxoffice"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBridge{client: client, source: source, logger: logger}
}

// LoadEventBridge builds a publisher from the default AWS credential chain.
func LoadEventBridge(ctx context.Context, region, source string, logger *zap.Logger) (*EventBridge, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewEventBridge(eventbridge.NewFromConfig(cfg), source, logger), nil
}

func (p *EventBridge) Publish(ctx context.Context, bus string, msg Message) error {
	detail, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	out, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{{
			EventBusName: aws.String(bus),
			Source:       aws.String(p.source),
			DetailType:   aws.String(msg.Event),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(msg.Time),
			Resources:    []string{fmt.Sprintf("boxoffice:%s:%s", msg.Project, msg.Subject)},
		}},
	})
	if err != nil {
		return apperr.Wrap(apperr.ServiceUnavailable, err, "publish to event bus %s", bus)
	}
	if out.FailedEntryCount > 0 {
		for _, e := range out.Entries {
			if e.ErrorCode != nil {
				p.logger.Error("event bus rejected entry",
					zap.String("bus", bus),
					zap.String("event", msg.Event),
					zap.String("error_code", aws.ToString(e.ErrorCode)),
					zap.String("error_message", aws.ToString(e.ErrorMessage)))
			}
		}
		return apperr.NewServiceUnavailable("event bus %s rejected %d entries", bus, out.FailedEntryCount)
	}
	return nil
}
