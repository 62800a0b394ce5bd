// Package command decodes, authenticates and executes signed user commands.
//
// The HTTP API and the SQS worker accept the same JSON command format. The caller
// is never read from the body: it is the address recovered from the signature
// over the exact command bytes.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
	"github.com/archon-research/stl/stl-wrapper/internal/pkg/sigauth"
	"github.com/archon-research/stl/stl-wrapper/internal/ports/inbound"
)

// Type names a command.
type Type string

const (
	TypeDepositAndBorrow   Type = "depositAndBorrow"
	TypePaybackAndWithdraw Type = "paybackAndWithdraw"
	TypeAddValidUser       Type = "addValidUser"
	TypeRemoveValidUser    Type = "removeValidUser"
)

// Command is the signed request body. Amounts are decimal or 0x-hex strings.
type Command struct {
	Type        Type      `json:"type"`
	OperationID uuid.UUID `json:"operationId"`
	Deadline    int64     `json:"deadline"`

	CollateralAsset  common.Address  `json:"collateralAsset"`
	CollateralAmount *uint256.Int    `json:"collateralAmount,omitempty"`
	WithdrawAmount   *uint256.Int    `json:"withdrawAmount,omitempty"`
	DebtAsset        common.Address  `json:"debtAsset"`
	DebtAmount       *uint256.Int    `json:"debtAmount,omitempty"`
	RepayAmount      *uint256.Int    `json:"repayAmount,omitempty"`
	RateMode         entity.RateMode `json:"rateMode,omitempty"`

	User common.Address `json:"user"`
}

// Decode parses raw strictly. Unknown fields are rejected.
func Decode(raw []byte) (Command, error) {
	var cmd Command
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		return Command{}, fmt.Errorf("%w: malformed command: %v", entity.ErrInvalidRequest, err)
	}
	switch cmd.Type {
	case TypeDepositAndBorrow, TypePaybackAndWithdraw, TypeAddValidUser, TypeRemoveValidUser:
	default:
		return Command{}, fmt.Errorf("%w: unknown command type %q", entity.ErrInvalidRequest, cmd.Type)
	}
	return cmd, nil
}

// DepositAndBorrowRequest converts the command for caller.
func (c Command) DepositAndBorrowRequest(caller common.Address) entity.DepositAndBorrowRequest {
	return entity.DepositAndBorrowRequest{
		OperationID:      c.OperationID,
		Caller:           caller,
		CollateralAsset:  c.CollateralAsset,
		CollateralAmount: c.CollateralAmount,
		DebtAsset:        c.DebtAsset,
		DebtAmount:       c.DebtAmount,
		RateMode:         c.RateMode,
	}
}

// PaybackAndWithdrawRequest converts the command for caller.
func (c Command) PaybackAndWithdrawRequest(caller common.Address) entity.PaybackAndWithdrawRequest {
	return entity.PaybackAndWithdrawRequest{
		OperationID:     c.OperationID,
		Caller:          caller,
		CollateralAsset: c.CollateralAsset,
		WithdrawAmount:  c.WithdrawAmount,
		DebtAsset:       c.DebtAsset,
		RepayAmount:     c.RepayAmount,
		RateMode:        c.RateMode,
	}
}

// Result is the outcome of an executed command.
type Result struct {
	Type   Type           `json:"type"`
	Caller common.Address `json:"caller"`

	// Event is set for position commands.
	Event entity.PositionEvent `json:"event,omitempty"`

	// Changed is set for allowlist commands; false means the call was a no-op.
	Changed *bool `json:"changed,omitempty"`
}

// Dispatcher authenticates commands and routes them to the services.
type Dispatcher struct {
	positions inbound.PositionService
	access    inbound.AccessService
	verifier  *sigauth.Verifier
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(positions inbound.PositionService, access inbound.AccessService, verifier *sigauth.Verifier, logger *slog.Logger) (*Dispatcher, error) {
	if positions == nil {
		return nil, fmt.Errorf("position service is required")
	}
	if access == nil {
		return nil, fmt.Errorf("access service is required")
	}
	if verifier == nil {
		verifier = sigauth.NewVerifier(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		positions: positions,
		access:    access,
		verifier:  verifier,
		logger:    logger.With("component", "command-dispatcher"),
	}, nil
}

// Authenticate decodes raw and recovers the signer of raw from sigHex.
func (d *Dispatcher) Authenticate(raw []byte, sigHex string) (Command, common.Address, error) {
	cmd, err := Decode(raw)
	if err != nil {
		return Command{}, common.Address{}, err
	}
	caller, err := d.verifier.Verify(raw, sigHex, cmd.Deadline)
	if err != nil {
		return Command{}, common.Address{}, err
	}
	return cmd, caller, nil
}

// Execute runs cmd on behalf of caller.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command, caller common.Address) (Result, error) {
	result := Result{Type: cmd.Type, Caller: caller}

	switch cmd.Type {
	case TypeDepositAndBorrow:
		event, err := d.positions.DepositAndBorrow(ctx, cmd.DepositAndBorrowRequest(caller))
		if err != nil {
			return Result{}, err
		}
		result.Event = event
	case TypePaybackAndWithdraw:
		event, err := d.positions.PaybackAndWithdraw(ctx, cmd.PaybackAndWithdrawRequest(caller))
		if err != nil {
			return Result{}, err
		}
		result.Event = event
	case TypeAddValidUser:
		changed, err := d.access.AddValidUser(ctx, caller, cmd.User)
		if err != nil {
			return Result{}, err
		}
		result.Changed = &changed
	case TypeRemoveValidUser:
		changed, err := d.access.RemoveValidUser(ctx, caller, cmd.User)
		if err != nil {
			return Result{}, err
		}
		result.Changed = &changed
	default:
		return Result{}, fmt.Errorf("%w: unknown command type %q", entity.ErrInvalidRequest, cmd.Type)
	}

	d.logger.Info("command executed", "type", cmd.Type, "caller", caller.Hex())
	return result, nil
}
