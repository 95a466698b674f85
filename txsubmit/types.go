package txsubmit

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrEmptyPayload       = errors.New("transaction payload is empty")
	ErrUnsignedPayload    = errors.New("transaction payload has no signature")
	ErrInvalidUrgencyTier = errors.New("invalid urgency tier")
)

// UrgencyTier scales priority fees and racing aggressiveness.
type UrgencyTier uint8

const (
	UrgencyLow UrgencyTier = iota
	UrgencyMedium
	UrgencyHigh
)

func (t UrgencyTier) String() string {
	switch t {
	case UrgencyLow:
		return "low"
	case UrgencyMedium:
		return "medium"
	case UrgencyHigh:
		return "high"
	default:
		return "unknown"
	}
}

func ParseUrgencyTier(s string) (UrgencyTier, error) {
	switch s {
	case "low":
		return UrgencyLow, nil
	case "medium", "":
		return UrgencyMedium, nil
	case "high":
		return UrgencyHigh, nil
	default:
		return UrgencyMedium, ErrInvalidUrgencyTier
	}
}

// TransactionPayload is an already-signed wire transaction plus the metadata
// the engine needs to decide how to dispatch it. It is immutable once built.
type TransactionPayload struct {
	raw             []byte
	signature       solana.Signature
	createdAt       time.Time
	estimatedExpiry time.Time
}

// NewTransactionPayload parses the signed wire bytes and extracts the
// transaction signature. validFor is the advisory blockhash validity window.
func NewTransactionPayload(raw []byte, validFor time.Duration) (*TransactionPayload, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction payload: %w", err)
	}
	if len(tx.Signatures) == 0 || tx.Signatures[0].IsZero() {
		return nil, ErrUnsignedPayload
	}
	now := time.Now()
	return &TransactionPayload{
		raw:             raw,
		signature:       tx.Signatures[0],
		createdAt:       now,
		estimatedExpiry: now.Add(validFor),
	}, nil
}

// NewTransactionPayloadFromBase64 is a convenience for wire-facing callers.
func NewTransactionPayloadFromBase64(encoded string, validFor time.Duration) (*TransactionPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 payload: %w", err)
	}
	return NewTransactionPayload(raw, validFor)
}

func (p *TransactionPayload) Bytes() []byte { return p.raw }

func (p *TransactionPayload) Base64() string { return base64.StdEncoding.EncodeToString(p.raw) }

func (p *TransactionPayload) Signature() solana.Signature { return p.signature }

func (p *TransactionPayload) CreatedAt() time.Time { return p.createdAt }

func (p *TransactionPayload) EstimatedExpiry() time.Time { return p.estimatedExpiry }

// ExpiryBudget returns how much wall-clock time is left before the payload's
// blockhash is expected to lapse. The value is advisory.
func (p *TransactionPayload) ExpiryBudget(now time.Time) time.Duration {
	return p.estimatedExpiry.Sub(now)
}

// ProviderKind is a closed set of upstream endpoint flavors.
type ProviderKind uint8

const (
	KindBundleRelay ProviderKind = iota
	KindDirectRPC
)

func (k ProviderKind) String() string {
	switch k {
	case KindBundleRelay:
		return "bundle-relay"
	case KindDirectRPC:
		return "rpc"
	default:
		return "unknown"
	}
}

// ProviderEndpoint is the static configuration of one upstream provider.
type ProviderEndpoint struct {
	Name       string
	Kind       ProviderKind
	URL        string
	AuthHeader string
	Timeout    time.Duration
}

// AttemptOutcome classifies a single per-provider submission attempt.
type AttemptOutcome uint8

const (
	AttemptSuccess AttemptOutcome = iota
	AttemptFailure
	AttemptTimeout
	AttemptSkipped
)

func (o AttemptOutcome) String() string {
	switch o {
	case AttemptSuccess:
		return "success"
	case AttemptFailure:
		return "failure"
	case AttemptTimeout:
		return "timeout"
	case AttemptSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// SubmissionAttempt records one provider attempt within one orchestrator call.
// It never outlives the call except as aggregated metrics.
type SubmissionAttempt struct {
	Provider  string
	StartedAt time.Time
	Duration  time.Duration
	Outcome   AttemptOutcome
	BundleID  string
	Err       error
}

// BundleRequest is a provider-facing bundle of one or more transactions with
// a priority fee sized by trade value and urgency.
type BundleRequest struct {
	Transactions        []*TransactionPayload
	PriorityFeeLamports uint64
	Urgency             UrgencyTier
	// TipTransaction pays the relay's tip account. It is nil for relays that
	// take the fee out of the bundle itself.
	TipTransaction *solana.Transaction
}

// EncodedTransactions returns all bundle transactions (tip last) base64
// encoded, the shape relays accept on the wire.
func (r *BundleRequest) EncodedTransactions() ([]string, error) {
	out := make([]string, 0, len(r.Transactions)+1)
	for _, tx := range r.Transactions {
		out = append(out, tx.Base64())
	}
	if r.TipTransaction != nil {
		raw, err := r.TipTransaction.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to serialize tip transaction: %w", err)
		}
		out = append(out, base64.StdEncoding.EncodeToString(raw))
	}
	return out, nil
}

// FinalState is the terminal classification of a verified signature.
type FinalState uint8

const (
	StateConfirmed FinalState = iota
	StateFailedOnChain
	StateNotFound
	StateError
)

func (s FinalState) String() string {
	switch s {
	case StateConfirmed:
		return "confirmed"
	case StateFailedOnChain:
		return "failed-on-chain"
	case StateNotFound:
		return "not-found"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state can never change on a later poll.
func (s FinalState) Terminal() bool {
	return s == StateConfirmed || s == StateFailedOnChain
}

// VerificationResult is the terminal record of one verification call.
type VerificationResult struct {
	Signature    solana.Signature
	Method       string // provider that answered, or "exhausted"
	FinalState   FinalState
	DecodedError *DecodedError
	Attempts     int
}

// StatusResult is one provider's view of a signature.
type StatusResult struct {
	Found              bool
	Slot               uint64
	Confirmations      *uint64
	ConfirmationStatus string
	// Err is the raw on-chain transaction error as returned by the provider,
	// nil if the transaction executed cleanly.
	Err interface{}
}

// Confirmed reports whether the cluster considers the transaction landed.
func (s *StatusResult) Confirmed() bool {
	if !s.Found || s.Err != nil {
		return false
	}
	return s.ConfirmationStatus == "confirmed" || s.ConfirmationStatus == "finalized"
}

// SubmissionOutcome is what a submit-and-verify call hands back to the caller.
// It always exists, even on total failure.
type SubmissionOutcome struct {
	Success      bool
	Signature    solana.Signature
	BundleID     string
	Provider     string
	Verified     bool
	FinalState   FinalState
	DecodedError *DecodedError
	Attempts     []SubmissionAttempt
	Err          error
}
