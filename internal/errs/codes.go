// Package errs defines the failure kinds every ledger operation can return.
package errs

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Input validation
	CodeZeroAmount        Code = "ZERO_AMOUNT"
	CodeNativeAssetMisuse Code = "NATIVE_ASSET_MISUSE"

	// Authorization
	CodeAuthorityRequired Code = "AUTHORITY_REQUIRED"
	CodeInvalidAuthority  Code = "INVALID_AUTHORITY"

	// Registry
	CodeAssetNotAdmitted   Code = "ASSET_NOT_ADMITTED"
	CodeAssetNotRegistered Code = "ASSET_NOT_REGISTERED"
	CodeInvalidOracle      Code = "INVALID_ORACLE"

	// Oracle data
	CodeInvalidPrice      Code = "INVALID_PRICE"
	CodeStalePrice        Code = "STALE_PRICE"
	CodeOracleUnavailable Code = "ORACLE_UNAVAILABLE"

	// Policy
	CodeAdmissionCapExceeded      Code = "ADMISSION_CAP_EXCEEDED"
	CodeWithdrawalCeilingExceeded Code = "WITHDRAWAL_CEILING_EXCEEDED"

	// Ledger
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeBalanceOverflow     Code = "BALANCE_OVERFLOW"
	CodeArithmeticOverflow  Code = "ARITHMETIC_OVERFLOW"

	// External interaction
	CodeTransferFailed Code = "TRANSFER_FAILED"
	CodeReentrant      Code = "REENTRANT"

	// Lifecycle
	CodeEngineClosed Code = "ENGINE_CLOSED"
)

// Error carries a Code plus a human-readable message. Two errors match under
// errors.Is when their codes are equal, so detailed errors built by the
// constructors below still match the package sentinels.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an error with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error with the given code that keeps cause in the chain.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

var (
	ErrZeroAmount                = New(CodeZeroAmount, "amount must be greater than zero")
	ErrNativeAssetMisuse         = New(CodeNativeAssetMisuse, "native asset must use the native entry point")
	ErrAuthorityRequired         = New(CodeAuthorityRequired, "caller is not the authority")
	ErrInvalidAuthority          = New(CodeInvalidAuthority, "authority must be a non-zero principal")
	ErrAssetNotAdmitted          = New(CodeAssetNotAdmitted, "asset is not admitted")
	ErrAssetNotRegistered        = New(CodeAssetNotRegistered, "asset has no oracle")
	ErrInvalidOracle             = New(CodeInvalidOracle, "oracle reference is empty")
	ErrInvalidPrice              = New(CodeInvalidPrice, "oracle price is not positive")
	ErrStalePrice                = New(CodeStalePrice, "oracle price is stale")
	ErrOracleUnavailable         = New(CodeOracleUnavailable, "oracle query failed")
	ErrAdmissionCapExceeded      = New(CodeAdmissionCapExceeded, "admission cap exceeded")
	ErrWithdrawalCeilingExceeded = New(CodeWithdrawalCeilingExceeded, "withdrawal ceiling exceeded")
	ErrInsufficientBalance       = New(CodeInsufficientBalance, "insufficient balance")
	ErrBalanceOverflow           = New(CodeBalanceOverflow, "balance would overflow")
	ErrArithmeticOverflow        = New(CodeArithmeticOverflow, "arithmetic overflow")
	ErrTransferFailed            = New(CodeTransferFailed, "external transfer failed")
	ErrReentrant                 = New(CodeReentrant, "operation already in flight")
	ErrEngineClosed              = New(CodeEngineClosed, "engine is shutting down")
)

// InsufficientBalance reports a debit larger than the available balance.
func InsufficientBalance(requested, available fmt.Stringer) *Error {
	return New(CodeInsufficientBalance, "requested %s, available %s", requested, available)
}

// AdmissionCapExceeded reports a deposit that would lift the running total over the cap.
func AdmissionCapExceeded(total, value, limit fmt.Stringer) *Error {
	return New(CodeAdmissionCapExceeded, "total %s + value %s exceeds cap %s", total, value, limit)
}

// WithdrawalCeilingExceeded reports a withdrawal valued above the per-operation ceiling.
func WithdrawalCeilingExceeded(value, ceiling fmt.Stringer) *Error {
	return New(CodeWithdrawalCeilingExceeded, "value %s exceeds ceiling %s", value, ceiling)
}

// CodeOf extracts the Code from err, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// GRPCCode maps domain codes to gRPC status codes.
func GRPCCode(code Code) codes.Code {
	switch code {
	case CodeZeroAmount, CodeNativeAssetMisuse, CodeInvalidAuthority, CodeInvalidOracle:
		return codes.InvalidArgument
	case CodeAuthorityRequired:
		return codes.PermissionDenied
	case CodeAssetNotAdmitted, CodeAssetNotRegistered, CodeInsufficientBalance:
		return codes.FailedPrecondition
	case CodeInvalidPrice, CodeStalePrice, CodeOracleUnavailable, CodeEngineClosed:
		return codes.Unavailable
	case CodeAdmissionCapExceeded, CodeWithdrawalCeilingExceeded:
		return codes.ResourceExhausted
	case CodeBalanceOverflow, CodeArithmeticOverflow:
		return codes.OutOfRange
	case CodeTransferFailed, CodeReentrant:
		return codes.Aborted
	default:
		return codes.Internal
	}
}
