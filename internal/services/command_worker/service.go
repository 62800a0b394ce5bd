// Package command_worker consumes signed commands from SQS and executes them.
//
// Each message body is an envelope {"command": <command json>, "signature": "0x..."}.
// The signature covers the exact bytes of the command value. Commands that fail for
// a domain reason are deleted; anything else stays on the queue for redelivery.
// Redelivery of a command that did commit is answered from the operation journal.
package command_worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
	"github.com/archon-research/stl/stl-wrapper/internal/pkg/sigauth"
	"github.com/archon-research/stl/stl-wrapper/internal/ports/inbound"
	"github.com/archon-research/stl/stl-wrapper/internal/ports/outbound"
	"github.com/archon-research/stl/stl-wrapper/internal/services/command"
)

// Compile-time check that Service implements inbound.HealthChecker
var _ inbound.HealthChecker = (*Service)(nil)

// Config holds configuration for the command worker.
type Config struct {
	MaxMessages  int
	PollInterval time.Duration

	// MaxReceives drops a message delivered more often than this. Zero leaves
	// poison messages to the queue's redrive policy.
	MaxReceives int

	// StaleAfter marks the worker unhealthy when no poll has succeeded for this long.
	// Default: 5 minutes
	StaleAfter time.Duration

	Logger *slog.Logger
}

func configDefaults() Config {
	return Config{
		MaxMessages:  10,
		PollInterval: 100 * time.Millisecond,
		StaleAfter:   5 * time.Minute,
		Logger:       slog.Default(),
	}
}

// Envelope is the SQS message body.
type Envelope struct {
	Command   json.RawMessage `json:"command"`
	Signature string          `json:"signature"`
}

// Executor authenticates and runs commands. *command.Dispatcher implements it.
type Executor interface {
	Authenticate(raw []byte, sigHex string) (command.Command, common.Address, error)
	Execute(ctx context.Context, cmd command.Command, caller common.Address) (command.Result, error)
}

// Service polls the command queue.
type Service struct {
	config   Config
	consumer outbound.SQSConsumer
	executor Executor

	lastPoll atomic.Int64
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// NewService creates a new command worker.
func NewService(config Config, consumer outbound.SQSConsumer, executor Executor) (*Service, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer cannot be nil")
	}
	if executor == nil {
		return nil, fmt.Errorf("executor cannot be nil")
	}

	defaults := configDefaults()
	if config.MaxMessages == 0 {
		config.MaxMessages = defaults.MaxMessages
	}
	if config.PollInterval == 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.StaleAfter == 0 {
		config.StaleAfter = defaults.StaleAfter
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Service{
		config:   config,
		consumer: consumer,
		executor: executor,
		now:      time.Now,
		logger:   config.Logger.With("component", "command-worker"),
	}, nil
}

// Start begins processing messages in the background.
func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.processLoop()
	s.logger.Info("command worker started", "maxMessages", s.config.MaxMessages)
	return nil
}

// Stop stops the poll loop and waits for the in-flight batch to finish.
func (s *Service) Stop() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.logger.Info("command worker stopped")
	return nil
}

// IsReady reports whether the queue has answered at least one poll.
func (s *Service) IsReady() bool {
	return s.lastPoll.Load() != 0
}

// IsHealthy reports whether a poll succeeded recently.
func (s *Service) IsHealthy() bool {
	last := s.lastPoll.Load()
	if last == 0 {
		return true
	}
	return s.now().Sub(time.Unix(0, last)) < s.config.StaleAfter
}

func (s *Service) processLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.processMessages(s.ctx); err != nil {
				s.logger.Error("error processing messages", "error", err)
			}
		}
	}
}

func (s *Service) processMessages(ctx context.Context) error {
	messages, err := s.consumer.ReceiveMessages(ctx, s.config.MaxMessages)
	if err != nil {
		return fmt.Errorf("receiving messages: %w", err)
	}
	s.lastPoll.Store(s.now().UnixNano())

	if len(messages) == 0 {
		return nil
	}
	s.logger.Debug("received messages", "count", len(messages))

	var errs []error
	for _, msg := range messages {
		if err := s.processMessage(ctx, msg); err != nil {
			if !IsTerminal(err) && !s.exhausted(msg) {
				s.logger.Warn("command left for redelivery",
					"messageId", msg.MessageID,
					"receiveCount", msg.ReceiveCount,
					"error", err)
				errs = append(errs, err)
				continue
			}
			s.logger.Warn("dropping command",
				"messageId", msg.MessageID,
				"receiveCount", msg.ReceiveCount,
				"error", err)
		}

		if deleteErr := s.consumer.DeleteMessage(ctx, msg.ReceiptHandle); deleteErr != nil {
			s.logger.Error("failed to delete message", "messageId", msg.MessageID, "error", deleteErr)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (s *Service) exhausted(msg outbound.SQSMessage) bool {
	return s.config.MaxReceives > 0 && msg.ReceiveCount > s.config.MaxReceives
}

func (s *Service) processMessage(ctx context.Context, msg outbound.SQSMessage) error {
	var env Envelope
	if err := json.Unmarshal([]byte(msg.Body), &env); err != nil {
		return fmt.Errorf("%w: parsing envelope: %v", entity.ErrInvalidRequest, err)
	}
	if len(env.Command) == 0 {
		return fmt.Errorf("%w: envelope has no command", entity.ErrInvalidRequest)
	}

	cmd, caller, err := s.executor.Authenticate(env.Command, env.Signature)
	if err != nil {
		return fmt.Errorf("authenticating command: %w", err)
	}

	result, err := s.executor.Execute(ctx, cmd, caller)
	if err != nil {
		return fmt.Errorf("executing %s for %s: %w", cmd.Type, caller.Hex(), err)
	}

	attrs := []any{"messageId", msg.MessageID, "type", result.Type, "caller", result.Caller.Hex()}
	if result.Event != nil {
		attrs = append(attrs, "operationId", result.Event.GetOperationID().String())
	}
	s.logger.Info("command processed", attrs...)
	return nil
}

// IsTerminal reports whether redelivering a command that failed with err cannot succeed.
// A held per-user lock clears on its own; a failed compensation needs an operator and
// is never replayed automatically.
func IsTerminal(err error) bool {
	switch {
	case errors.Is(err, entity.ErrOperationInProgress):
		return false
	case errors.Is(err, entity.ErrCompensationFailed),
		errors.Is(err, entity.ErrNotAuthorized),
		errors.Is(err, entity.ErrNotAValidUser),
		errors.Is(err, entity.ErrInsufficientAllowanceOrBalance),
		errors.Is(err, entity.ErrExternalProtocolRejected),
		errors.Is(err, entity.ErrInsufficientLedgerBalance),
		errors.Is(err, entity.ErrInvalidRequest),
		errors.Is(err, entity.ErrAmountOverflow),
		errors.Is(err, entity.ErrOperationConflict),
		errors.Is(err, sigauth.ErrInvalidSignature),
		errors.Is(err, sigauth.ErrExpired),
		errors.Is(err, sigauth.ErrDeadlineTooFar):
		return true
	default:
		return false
	}
}
