package exec

import "errors"

// Step-level failure taxonomy. The engine reports these inside the
// ExecutionResult; they never propagate as panics or bare returns past the
// engine boundary.
var (
	ErrSignerUnavailable   = errors.New("signer unavailable")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrTimeout             = errors.New("confirmation timeout")
	ErrPositionExists      = errors.New("position already open")
)
