package command_worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
	"github.com/archon-research/stl/stl-wrapper/internal/pkg/sigauth"
	"github.com/archon-research/stl/stl-wrapper/internal/ports/outbound"
	"github.com/archon-research/stl/stl-wrapper/internal/services/command"
)

type fakeConsumer struct {
	mu         sync.Mutex
	messages   []outbound.SQSMessage
	receiveErr error
	deleted    []string
}

func (f *fakeConsumer) ReceiveMessages(ctx context.Context, maxMessages int) ([]outbound.SQSMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	n := min(maxMessages, len(f.messages))
	batch := f.messages[:n]
	f.messages = f.messages[n:]
	return batch, nil
}

func (f *fakeConsumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, receiptHandle)
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

func (f *fakeConsumer) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// fakeExecutor treats the signature string as the caller and fails with errs[signature].
type fakeExecutor struct {
	mu       sync.Mutex
	errs     map[string]error
	executed []common.Address
}

func (f *fakeExecutor) Authenticate(raw []byte, sigHex string) (command.Command, common.Address, error) {
	if sigHex == "bad" {
		return command.Command{}, common.Address{}, sigauth.ErrInvalidSignature
	}
	cmd, err := command.Decode(raw)
	if err != nil {
		return command.Command{}, common.Address{}, err
	}
	return cmd, common.HexToAddress(sigHex), nil
}

func (f *fakeExecutor) Execute(ctx context.Context, cmd command.Command, caller common.Address) (command.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[caller.Hex()]; err != nil {
		return command.Result{}, err
	}
	f.executed = append(f.executed, caller)
	return command.Result{Type: cmd.Type, Caller: caller}, nil
}

func envelope(sig string) string {
	return fmt.Sprintf(`{"command":{"type":"addValidUser","user":"0x00000000000000000000000000000000000000b2","deadline":1},"signature":%q}`, sig)
}

func newTestService(t *testing.T, consumer *fakeConsumer, executor *fakeExecutor, cfg Config) *Service {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewService(cfg, consumer, executor)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestProcessMessages_DeletePolicy(t *testing.T) {
	callerOK := common.HexToAddress("0x01")
	callerDomain := common.HexToAddress("0x02")
	callerBusy := common.HexToAddress("0x03")
	callerRPC := common.HexToAddress("0x04")

	tests := []struct {
		name       string
		body       string
		wantDelete bool
	}{
		{"success", envelope(callerOK.Hex()), true},
		{"domain failure", envelope(callerDomain.Hex()), true},
		{"lock held", envelope(callerBusy.Hex()), false},
		{"unknown failure", envelope(callerRPC.Hex()), false},
		{"bad signature", envelope("bad"), true},
		{"malformed envelope", `not json`, true},
		{"empty command", `{"signature":"0x01"}`, true},
		{"invalid command", `{"command":{"type":"mint"},"signature":"0x01"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			consumer := &fakeConsumer{messages: []outbound.SQSMessage{{MessageID: "m1", ReceiptHandle: "r1", Body: tt.body, ReceiveCount: 1}}}
			executor := &fakeExecutor{errs: map[string]error{
				callerDomain.Hex(): fmt.Errorf("wrapped: %w", entity.ErrNotAValidUser),
				callerBusy.Hex():   entity.ErrOperationInProgress,
				callerRPC.Hex():    errors.New("connection reset"),
			}}
			svc := newTestService(t, consumer, executor, Config{})

			err := svc.processMessages(context.Background())
			deleted := len(consumer.deletedHandles()) == 1
			if deleted != tt.wantDelete {
				t.Errorf("deleted = %v, want %v", deleted, tt.wantDelete)
			}
			if !tt.wantDelete && err == nil {
				t.Error("expected an error for a message left on the queue")
			}
		})
	}
}

func TestProcessMessages_MaxReceivesDropsPoisonMessage(t *testing.T) {
	caller := common.HexToAddress("0x04")
	consumer := &fakeConsumer{messages: []outbound.SQSMessage{{MessageID: "m1", ReceiptHandle: "r1", Body: envelope(caller.Hex()), ReceiveCount: 4}}}
	executor := &fakeExecutor{errs: map[string]error{caller.Hex(): errors.New("connection reset")}}
	svc := newTestService(t, consumer, executor, Config{MaxReceives: 3})

	_ = svc.processMessages(context.Background())
	if got := consumer.deletedHandles(); len(got) != 1 {
		t.Errorf("deleted = %v, want the poison message dropped", got)
	}
}

func TestProcessMessages_BatchContinuesAfterFailure(t *testing.T) {
	busy := common.HexToAddress("0x03")
	ok := common.HexToAddress("0x01")
	consumer := &fakeConsumer{messages: []outbound.SQSMessage{
		{MessageID: "m1", ReceiptHandle: "r1", Body: envelope(busy.Hex())},
		{MessageID: "m2", ReceiptHandle: "r2", Body: envelope(ok.Hex())},
	}}
	executor := &fakeExecutor{errs: map[string]error{busy.Hex(): entity.ErrOperationInProgress}}
	svc := newTestService(t, consumer, executor, Config{})

	if err := svc.processMessages(context.Background()); !errors.Is(err, entity.ErrOperationInProgress) {
		t.Errorf("error = %v, want ErrOperationInProgress", err)
	}
	if got := consumer.deletedHandles(); len(got) != 1 || got[0] != "r2" {
		t.Errorf("deleted = %v, want [r2]", got)
	}
	if len(executor.executed) != 1 || executor.executed[0] != ok {
		t.Errorf("executed = %v", executor.executed)
	}
}

func TestHealth(t *testing.T) {
	consumer := &fakeConsumer{}
	svc := newTestService(t, consumer, &fakeExecutor{}, Config{StaleAfter: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	svc.now = func() time.Time { return now }

	if svc.IsReady() {
		t.Error("ready before the first poll")
	}
	if !svc.IsHealthy() {
		t.Error("unhealthy before the first poll")
	}

	if err := svc.processMessages(context.Background()); err != nil {
		t.Fatalf("processMessages: %v", err)
	}
	if !svc.IsReady() || !svc.IsHealthy() {
		t.Error("expected ready and healthy after a successful poll")
	}

	now = now.Add(2 * time.Minute)
	if svc.IsHealthy() {
		t.Error("expected unhealthy after StaleAfter without a poll")
	}

	consumer.receiveErr = errors.New("throttled")
	if err := svc.processMessages(context.Background()); err == nil {
		t.Error("expected receive error")
	}
	if svc.IsHealthy() {
		t.Error("a failed poll must not refresh health")
	}
}

func TestStartStop(t *testing.T) {
	ok := common.HexToAddress("0x01")
	consumer := &fakeConsumer{messages: []outbound.SQSMessage{{MessageID: "m1", ReceiptHandle: "r1", Body: envelope(ok.Hex())}}}
	svc := newTestService(t, consumer, &fakeExecutor{}, Config{PollInterval: time.Millisecond})

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(consumer.deletedHandles()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := consumer.deletedHandles(); len(got) != 1 {
		t.Errorf("deleted = %v, want [r1]", got)
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{entity.ErrOperationInProgress, false},
		{errors.New("timeout"), false},
		{entity.ErrInsufficientLedgerBalance, true},
		{sigauth.ErrExpired, true},
		{fmt.Errorf("%w: push failed", entity.ErrCompensationFailed), true},
	}
	for _, tt := range tests {
		if got := IsTerminal(fmt.Errorf("ctx: %w", tt.err)); got != tt.want {
			t.Errorf("IsTerminal(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestNewService_Validation(t *testing.T) {
	if _, err := NewService(Config{}, nil, &fakeExecutor{}); err == nil {
		t.Error("expected error for nil consumer")
	}
	if _, err := NewService(Config{}, &fakeConsumer{}, nil); err == nil {
		t.Error("expected error for nil executor")
	}
}
