package entity

import "errors"

// Sentinel errors shared across services and adapters.
// Callers match them with errors.Is; producers wrap them with fmt.Errorf("...: %w").
var (
	// ErrNotAuthorized is returned when a non-administrator calls an admin-only operation.
	ErrNotAuthorized = errors.New("caller is not the administrator")

	// ErrNotAValidUser is returned when a caller outside the valid user set invokes a position operation.
	ErrNotAValidUser = errors.New("caller is not a valid user")

	// ErrInsufficientAllowanceOrBalance is returned when the caller cannot fund a pull leg.
	ErrInsufficientAllowanceOrBalance = errors.New("insufficient allowance or balance")

	// ErrExternalProtocolRejected is returned when the lending protocol refuses a call.
	ErrExternalProtocolRejected = errors.New("external protocol rejected the call")

	// ErrInsufficientLedgerBalance is returned when a withdrawal or repay exceeds the recorded balance.
	ErrInsufficientLedgerBalance = errors.New("insufficient ledger balance")

	// ErrAmountOverflow is returned when a ledger addition would exceed 256 bits.
	ErrAmountOverflow = errors.New("amount overflows 256 bits")

	// ErrInvalidRequest is returned for malformed input (zero addresses, unknown rate modes, ...).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrOperationInProgress is returned when another operation for the same user holds the lock.
	ErrOperationInProgress = errors.New("another operation is in progress for this user")

	// ErrOperationConflict is returned when an operation ID is reused by a different caller or kind.
	ErrOperationConflict = errors.New("operation id already used for a different operation")

	// ErrCompensationFailed is returned when rolling back an external effect itself failed.
	// The system and the protocol may disagree until an operator reconciles them.
	ErrCompensationFailed = errors.New("compensation failed")
)
