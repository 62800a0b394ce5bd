// Package sns implements the EventSink interface using AWS SNS.
//
// Each completed position operation is published as a JSON message to the topic
// configured for its kind. Downstream consumers filter on message attributes.
//
// Message Attributes:
//   - eventType: "DepositAndBorrow" or "PaybackAndWithdraw"
//   - caller: the user address, checksummed hex
//   - operationId: the journal ID of the operation
//
// FIFO topics are supported: the caller is used as the message group and the
// operation ID as the deduplication ID.
//
// For testing, use the memory.EventSink adapter instead.
package sns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
	"github.com/archon-research/stl/stl-wrapper/internal/pkg/retry"
	"github.com/archon-research/stl/stl-wrapper/internal/ports/outbound"
)

// Compile-time check that EventSink implements outbound.EventSink
var _ outbound.EventSink = (*EventSink)(nil)

// SNSPublisher defines the subset of SNS client methods used by EventSink.
// This interface allows for easy mocking in tests.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// TopicARNs holds the ARNs of the SNS topics to publish events to.
// Each event type is published to its own topic.
type TopicARNs struct {
	// DepositAndBorrow is the ARN for DepositAndBorrow events.
	DepositAndBorrow string
	// PaybackAndWithdraw is the ARN for PaybackAndWithdraw events.
	PaybackAndWithdraw string
}

// Config holds configuration for the SNS event sink.
type Config struct {
	// Topics contains the ARNs of the SNS topics for each event type.
	Topics TopicARNs

	// MaxRetries is the maximum number of retry attempts for transient failures.
	MaxRetries int

	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied to backoff after each retry.
	BackoffFactor float64

	// Logger is the structured logger for the sink.
	Logger *slog.Logger
}

// ConfigDefaults returns a config with default values.
func ConfigDefaults() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		Logger:         slog.Default(),
	}
}

// EventSink publishes position events to AWS SNS.
type EventSink struct {
	client    SNSPublisher
	config    Config
	logger    *slog.Logger
	closeOnce sync.Once
	closed    bool
	mu        sync.RWMutex
}

// NewEventSink creates a new SNS event sink.
func NewEventSink(client SNSPublisher, config Config) (*EventSink, error) {
	if client == nil {
		return nil, errors.New("sns client is required")
	}
	if config.Topics.DepositAndBorrow == "" {
		return nil, errors.New("DepositAndBorrow topic ARN is required")
	}
	if config.Topics.PaybackAndWithdraw == "" {
		return nil, errors.New("PaybackAndWithdraw topic ARN is required")
	}

	// Apply defaults for unset values
	defaults := ConfigDefaults()
	if config.MaxRetries == 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.BackoffFactor == 0 {
		config.BackoffFactor = defaults.BackoffFactor
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &EventSink{
		client: client,
		config: config,
		logger: config.Logger.With("component", "sns-eventsink"),
	}, nil
}

// Publish publishes an event to the topic for its kind.
func (s *EventSink) Publish(ctx context.Context, event entity.PositionEvent) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errors.New("event sink is closed")
	}
	s.mu.RUnlock()

	topicARN := s.getTopicARN(event.EventType())
	if topicARN == "" {
		return fmt.Errorf("no topic ARN configured for event type: %s", event.EventType())
	}

	messageBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(topicARN),
		Message:  aws.String(string(messageBytes)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"eventType": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.EventType())),
			},
			"caller": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.GetCaller().Hex()),
			},
			"operationId": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.GetOperationID().String()),
			},
		},
	}
	if strings.HasSuffix(topicARN, ".fifo") {
		input.MessageGroupId = aws.String(event.GetCaller().Hex())
		input.MessageDeduplicationId = aws.String(event.GetOperationID().String())
	}

	cfg := retry.Config{
		MaxRetries:     s.config.MaxRetries,
		InitialBackoff: s.config.InitialBackoff,
		MaxBackoff:     s.config.MaxBackoff,
		BackoffFactor:  s.config.BackoffFactor,
	}
	onRetry := func(attempt int, err error, backoff time.Duration) {
		s.logger.Warn("request failed, retrying",
			"attempt", attempt,
			"maxRetries", s.config.MaxRetries,
			"backoff", backoff,
			"error", err,
			"eventType", event.EventType(),
			"operationId", event.GetOperationID(),
		)
	}

	err = retry.DoVoid(ctx, cfg, isRetryableError, onRetry, func() error {
		_, err := s.client.Publish(ctx, input)
		return err
	})
	if err != nil {
		s.logger.Error("failed to publish event",
			"error", err,
			"eventType", event.EventType(),
			"operationId", event.GetOperationID(),
		)
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}
	return nil
}

// getTopicARN returns the topic ARN for the given event type.
func (s *EventSink) getTopicARN(eventType entity.OperationKind) string {
	switch eventType {
	case entity.OperationDepositAndBorrow:
		return s.config.Topics.DepositAndBorrow
	case entity.OperationPaybackAndWithdraw:
		return s.config.Topics.PaybackAndWithdraw
	default:
		return ""
	}
}

// isRetryableError determines if an error should trigger a retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are not retryable
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Request-shape errors will fail the same way again.
	var invalidParam *types.InvalidParameterException
	if errors.As(err, &invalidParam) {
		return false
	}
	var notFound *types.NotFoundException
	if errors.As(err, &notFound) {
		return false
	}
	var authErr *types.AuthorizationErrorException
	if errors.As(err, &authErr) {
		return false
	}

	// Throttling, internal errors and network issues are transient.
	return true
}

// Close marks the sink as closed and prevents further publishing.
func (s *EventSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.logger.Info("SNS event sink closed")
	})
	return nil
}
