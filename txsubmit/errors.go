package txsubmit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ybbus/jsonrpc/v3"
)

// ErrorKind is the engine-level failure taxonomy.
type ErrorKind uint8

const (
	// KindTransient covers connection failures, timeouts and 5xx responses.
	// Retried inside a provider client; counted against the breaker only
	// after the bounded retries are exhausted.
	KindTransient ErrorKind = iota
	// KindRejection is an application-level refusal from a provider
	// (malformed request, rate limit, insufficient fee). Counted against the
	// breaker immediately, never retried inside the client.
	KindRejection
	// KindOnChain means the transaction was included but the cluster
	// rejected its effects. Never retried, the same payload fails identically.
	KindOnChain
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejection:
		return "rejection"
	case KindOnChain:
		return "on-chain"
	default:
		return "unknown"
	}
}

// ProviderError carries a locally classified error kind together with the raw
// provider message, unmodified.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Raw      string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Raw != "" {
		return fmt.Sprintf("provider %s: %s error: %s", e.Provider, e.Kind, e.Raw)
	}
	return fmt.Sprintf("provider %s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ExhaustedError is terminal: every eligible provider failed or was
// circuit-open, and the fallback path failed too.
type ExhaustedError struct {
	Attempts []SubmissionAttempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			parts = append(parts, fmt.Sprintf("%s: %s (%v)", a.Provider, a.Outcome, a.Err))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", a.Provider, a.Outcome))
		}
	}
	return "all providers exhausted: " + strings.Join(parts, "; ")
}

// ErrUnconfirmed marks a dispatch that succeeded but whose signature never
// became visible within the polling budget. Distinct from on-chain failure.
var ErrUnconfirmed = errors.New("transaction dispatched but unconfirmed within polling budget")

// classifyCallError decides whether a jsonrpc client error is worth a retry
// inside the provider client. HTTP 5xx and transport-level failures are
// transient, everything else is a rejection.
func classifyCallError(err error) ErrorKind {
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Code >= 500 {
			return KindTransient
		}
		return KindRejection
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	// json decoding failures, unexpected shapes
	return KindRejection
}

// DecodedError is a human-actionable category for an on-chain failure.
type DecodedError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Raw     string `json:"raw,omitempty"`
}

// Categories produced by the decode tables.
const (
	CodeBlockhashExpired     = "blockhash_expired"
	CodeAlreadyProcessed     = "already_processed"
	CodeInsufficientFee      = "insufficient_funds_for_fee"
	CodeInsufficientFunds    = "insufficient_funds"
	CodeSlippageExceeded     = "slippage_exceeded"
	CodeAccountUninitialized = "account_uninitialized"
	CodeInvalidAccountState  = "invalid_account_state"
	CodeAccountInUse         = "account_in_use"
	CodeProgramFailed        = "program_failed"
	CodeUnknown              = "unknown"
)

// transactionErrorTable maps the string variants of a Solana TransactionError
// to categories. Keep this table flat so new codes slot in without touching
// control flow.
var transactionErrorTable = map[string]DecodedError{
	"BlockhashNotFound":       {Code: CodeBlockhashExpired, Message: "blockhash expired before inclusion, re-sign with a fresh blockhash"},
	"AlreadyProcessed":        {Code: CodeAlreadyProcessed, Message: "transaction was already processed, treat as landed"},
	"InsufficientFundsForFee": {Code: CodeInsufficientFee, Message: "fee payer cannot cover the transaction fee"},
	"AccountInUse":            {Code: CodeAccountInUse, Message: "a writable account is locked by another transaction"},
	"AccountNotFound":         {Code: CodeAccountUninitialized, Message: "a referenced account does not exist"},
	"InvalidAccountForFee":    {Code: CodeInvalidAccountState, Message: "fee payer account is not a valid system account"},
	"SanitizeFailure":         {Code: CodeInvalidAccountState, Message: "transaction failed sanitization"},
	"WouldExceedMaxBlockCostLimit": {
		Code: CodeProgramFailed, Message: "transaction would exceed block cost limit",
	},
}

// instructionErrorTable maps string InstructionError variants.
var instructionErrorTable = map[string]DecodedError{
	"InsufficientFunds":       {Code: CodeInsufficientFunds, Message: "account balance too low for transfer"},
	"UninitializedAccount":    {Code: CodeAccountUninitialized, Message: "instruction touched an uninitialized account"},
	"InvalidAccountData":      {Code: CodeInvalidAccountState, Message: "instruction received an account in an unexpected state"},
	"AccountAlreadyInitialized": {
		Code: CodeInvalidAccountState, Message: "attempted to initialize an account twice",
	},
	"ProgramFailedToComplete": {Code: CodeProgramFailed, Message: "program aborted before completing"},
	"InvalidInstructionData":  {Code: CodeProgramFailed, Message: "program rejected the instruction data"},
}

// customCodeTable maps program custom error codes seen from the swap programs
// this engine trades through. SPL token uses small codes, anchor programs
// start at 6000.
var customCodeTable = map[int64]DecodedError{
	1:    {Code: CodeInsufficientFunds, Message: "token balance too low (SPL token error 1)"},
	3012: {Code: CodeAccountUninitialized, Message: "anchor: account not initialized"},
	6000: {Code: CodeInvalidAccountState, Message: "program: invalid input or pool state"},
	6001: {Code: CodeSlippageExceeded, Message: "program: slippage tolerance exceeded"},
	6002: {Code: CodeInvalidAccountState, Message: "program: pool state out of date"},
}

// DecodeTransactionError turns the raw `err` field of a status or submit
// response into a category. It accepts the decoded JSON shapes Solana
// providers return: a bare string variant, or an object such as
// {"InstructionError":[0,{"Custom":6001}]}. Returns nil for nil input and a
// CodeUnknown entry for anything unrecognized.
func DecodeTransactionError(raw interface{}) *DecodedError {
	if raw == nil {
		return nil
	}
	rawStr := rawErrorString(raw)

	switch v := raw.(type) {
	case string:
		if decoded, ok := transactionErrorTable[v]; ok {
			decoded.Raw = rawStr
			return &decoded
		}
	case map[string]interface{}:
		if inner, ok := v["InstructionError"]; ok {
			if decoded := decodeInstructionError(inner); decoded != nil {
				decoded.Raw = rawStr
				return decoded
			}
		}
		// single-variant objects like {"InsufficientFundsForRent":{...}}
		for key := range v {
			if decoded, ok := transactionErrorTable[key]; ok {
				decoded.Raw = rawStr
				return &decoded
			}
		}
	}
	return &DecodedError{Code: CodeUnknown, Message: "unrecognized on-chain error", Raw: rawStr}
}

// decodeInstructionError handles the [index, variant] pair inside an
// InstructionError, where variant is a string or {"Custom": code}.
func decodeInstructionError(inner interface{}) *DecodedError {
	pair, ok := inner.([]interface{})
	if !ok || len(pair) != 2 {
		return nil
	}
	switch variant := pair[1].(type) {
	case string:
		if decoded, ok := instructionErrorTable[variant]; ok {
			return &decoded
		}
	case map[string]interface{}:
		code, ok := variant["Custom"]
		if !ok {
			return nil
		}
		num, ok := code.(float64) // json numbers decode as float64
		if !ok {
			return nil
		}
		if decoded, ok := customCodeTable[int64(num)]; ok {
			return &decoded
		}
		return &DecodedError{
			Code:    CodeUnknown,
			Message: fmt.Sprintf("program custom error %d", int64(num)),
		}
	}
	return nil
}

func rawErrorString(raw interface{}) string {
	if s, ok := raw.(string); ok {
		return s
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Sprintf("%v", raw)
	}
	return string(data)
}
