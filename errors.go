package keystone

import "github.com/keystone-db/keystonedb-sub001/internal/model"

// Code classifies engine errors per spec §7. Defined in internal/model (see
// types.go for why) and re-exported here under its historical name.
type Code = model.Code

const (
	CodeNotFound               = model.CodeNotFound
	CodeInvalidArgument        = model.CodeInvalidArgument
	CodeAlreadyExists          = model.CodeAlreadyExists
	CodeChecksumMismatch       = model.CodeChecksumMismatch
	CodeCorruption             = model.CodeCorruption
	CodeConditionalCheckFailed = model.CodeConditionalCheckFailed
	CodeTransactionCanceled    = model.CodeTransactionCanceled
	CodeIO                     = model.CodeIO
	CodeWalFull                = model.CodeWalFull
	CodeCompactionError        = model.CodeCompactionError
	CodeStripeError            = model.CodeStripeError
	CodeManifestCorruption     = model.CodeManifestCorruption
	CodeInvalidExpression      = model.CodeInvalidExpression
	CodeInvalidQuery           = model.CodeInvalidQuery
	CodeEncryptionError        = model.CodeEncryptionError
	CodeCompressionError       = model.CodeCompressionError
)

// Error is the concrete error type returned from every public engine
// operation. Callers are expected to use errors.Is against the sentinel
// values below rather than type-switch on Error itself.
type Error = model.Error

func newErr(code Code, msg string) *Error        { return model.NewErr(code, msg) }
func wrapErr(code Code, msg string, cause error) *Error { return model.WrapErr(code, msg, cause) }

// Sentinel errors for errors.Is matching; Message/Cause are ignored by Is.
var (
	ErrNotFound               = model.ErrNotFound
	ErrInvalidArgument        = model.ErrInvalidArgument
	ErrAlreadyExists          = model.ErrAlreadyExists
	ErrChecksumMismatch       = model.ErrChecksumMismatch
	ErrCorruption             = model.ErrCorruption
	ErrConditionalCheckFailed = model.ErrConditionalCheckFailed
	ErrTransactionCanceled    = model.ErrTransactionCanceled
	ErrIO                     = model.ErrIO
	ErrWalFull                = model.ErrWalFull
	ErrCompactionError        = model.ErrCompactionError
	ErrStripeError            = model.ErrStripeError
	ErrManifestCorruption     = model.ErrManifestCorruption
	ErrInvalidExpression      = model.ErrInvalidExpression
	ErrInvalidQuery           = model.ErrInvalidQuery
	ErrEncryptionError        = model.ErrEncryptionError
	ErrCompressionError       = model.ErrCompressionError
)

// TransactionCanceledError builds the TransactionCanceled(index, reason)
// error shape spec §7 names.
var TransactionCanceledError = model.TransactionCanceledError

// Retryable reports whether an error is classified as transient I/O,
// per spec §7's "Retryable if transient" note on Io and WalFull.
var Retryable = model.Retryable
