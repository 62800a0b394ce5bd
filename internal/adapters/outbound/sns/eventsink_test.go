package sns

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
)

// mockSNSClient implements SNSPublisher for testing.
type mockSNSClient struct {
	publishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	calls       []*sns.PublishInput
}

func (m *mockSNSClient) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.calls = append(m.calls, params)
	if m.publishFunc != nil {
		return m.publishFunc(ctx, params, optFns...)
	}
	return &sns.PublishOutput{
		MessageId: aws.String("test-message-id"),
	}, nil
}

const (
	testDepositTopic = "arn:aws:sns:us-east-1:123456789:position-deposit-and-borrow"
	testPaybackTopic = "arn:aws:sns:us-east-1:123456789:position-payback-and-withdraw.fifo"
)

func testTopics() TopicARNs {
	return TopicARNs{DepositAndBorrow: testDepositTopic, PaybackAndWithdraw: testPaybackTopic}
}

func testConfig() Config {
	cfg := ConfigDefaults()
	cfg.Topics = testTopics()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	return cfg
}

func depositEvent() entity.DepositAndBorrowEvent {
	return entity.DepositAndBorrowEvent{
		CollateralAsset:     common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"),
		CollateralAmount:    uint256.NewInt(10000),
		DebtAmountRequested: uint256.NewInt(1),
		DebtAmountActual:    uint256.NewInt(1),
		RateMode:            entity.RateModeStable,
		Caller:              common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		OperationID:         uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		DebtAsset:           common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
	}
}

func TestNewEventSink_RequiresClient(t *testing.T) {
	_, err := NewEventSink(nil, Config{Topics: testTopics()})
	if err == nil {
		t.Fatal("expected error for nil client")
	}
	if err.Error() != "sns client is required" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewEventSink_RequiresTopics(t *testing.T) {
	tests := []struct {
		name   string
		topics TopicARNs
	}{
		{name: "missing deposit topic", topics: TopicARNs{PaybackAndWithdraw: testPaybackTopic}},
		{name: "missing payback topic", topics: TopicARNs{DepositAndBorrow: testDepositTopic}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEventSink(&mockSNSClient{}, Config{Topics: tt.topics}); err == nil {
				t.Error("expected error for missing topic ARN")
			}
		})
	}
}

func TestNewEventSink_AppliesDefaults(t *testing.T) {
	sink, err := NewEventSink(&mockSNSClient{}, Config{Topics: testTopics()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sink.config.MaxRetries != 3 {
		t.Errorf("expected MaxRetries=3, got %d", sink.config.MaxRetries)
	}
	if sink.config.InitialBackoff != 100*time.Millisecond {
		t.Errorf("expected InitialBackoff=100ms, got %v", sink.config.InitialBackoff)
	}
	if sink.config.BackoffFactor != 2.0 {
		t.Errorf("expected BackoffFactor=2.0, got %v", sink.config.BackoffFactor)
	}
}

func TestPublish_Success(t *testing.T) {
	client := &mockSNSClient{}
	sink, err := NewEventSink(client, testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	event := depositEvent()
	if err := sink.Publish(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(client.calls) != 1 {
		t.Fatalf("expected 1 publish call, got %d", len(client.calls))
	}
	input := client.calls[0]
	if *input.TopicArn != testDepositTopic {
		t.Errorf("topic = %s, want %s", *input.TopicArn, testDepositTopic)
	}
	if input.MessageGroupId != nil {
		t.Error("standard topic should not carry a message group")
	}

	attrs := input.MessageAttributes
	if got := *attrs["eventType"].StringValue; got != "DepositAndBorrow" {
		t.Errorf("eventType = %s", got)
	}
	if got := *attrs["caller"].StringValue; got != event.Caller.Hex() {
		t.Errorf("caller = %s", got)
	}
	if got := *attrs["operationId"].StringValue; got != event.OperationID.String() {
		t.Errorf("operationId = %s", got)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(*input.Message), &decoded); err != nil {
		t.Fatalf("message is not JSON: %v", err)
	}
	if decoded["rateMode"] != "stable" {
		t.Errorf("rateMode = %v", decoded["rateMode"])
	}
}

func TestPublish_FIFOTopicSetsGroupAndDedup(t *testing.T) {
	client := &mockSNSClient{}
	sink, _ := NewEventSink(client, testConfig())

	event := entity.PaybackAndWithdrawEvent{
		Caller:      common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		OperationID: uuid.New(),
		RateMode:    entity.RateModeVariable,
	}
	if err := sink.Publish(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	input := client.calls[0]
	if *input.TopicArn != testPaybackTopic {
		t.Errorf("topic = %s", *input.TopicArn)
	}
	if input.MessageGroupId == nil || *input.MessageGroupId != event.Caller.Hex() {
		t.Errorf("MessageGroupId = %v", input.MessageGroupId)
	}
	if input.MessageDeduplicationId == nil || *input.MessageDeduplicationId != event.OperationID.String() {
		t.Errorf("MessageDeduplicationId = %v", input.MessageDeduplicationId)
	}
}

func TestPublish_RetriesTransientErrors(t *testing.T) {
	attempts := 0
	client := &mockSNSClient{
		publishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			attempts++
			if attempts < 3 {
				return nil, &types.ThrottledException{Message: aws.String("slow down")}
			}
			return &sns.PublishOutput{}, nil
		},
	}
	sink, _ := NewEventSink(client, testConfig())

	if err := sink.Publish(context.Background(), depositEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestPublish_DoesNotRetryInvalidParameter(t *testing.T) {
	client := &mockSNSClient{
		publishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			return nil, &types.InvalidParameterException{Message: aws.String("bad")}
		},
	}
	sink, _ := NewEventSink(client, testConfig())

	err := sink.Publish(context.Background(), depositEvent())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(client.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(client.calls))
	}
	var invalid *types.InvalidParameterException
	if !errors.As(err, &invalid) {
		t.Errorf("error should wrap InvalidParameterException: %v", err)
	}
}

func TestPublish_GivesUpAfterMaxRetries(t *testing.T) {
	client := &mockSNSClient{
		publishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			return nil, errors.New("connection reset")
		},
	}
	cfg := testConfig()
	cfg.MaxRetries = 2
	sink, _ := NewEventSink(client, cfg)

	if err := sink.Publish(context.Background(), depositEvent()); err == nil {
		t.Fatal("expected error")
	}
	if len(client.calls) != 3 {
		t.Errorf("calls = %d, want 3", len(client.calls))
	}
}

func TestPublish_AfterClose(t *testing.T) {
	client := &mockSNSClient{}
	sink, _ := NewEventSink(client, testConfig())
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := sink.Publish(context.Background(), depositEvent()); err == nil {
		t.Error("expected error publishing on closed sink")
	}
	if len(client.calls) != 0 {
		t.Errorf("closed sink made %d calls", len(client.calls))
	}
}
