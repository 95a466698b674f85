package txsubmit

import (
	"context"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/goldgoose/tx-submit-node/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	SendTransactionEndpointName = "submit_sendTransaction"
	GetOutcomeEndpointName      = "submit_getOutcome"

	// DefaultPayloadValidity is the advisory blockhash validity window
	// assumed when the caller does not say how fresh the payload is.
	DefaultPayloadValidity = 1500 * time.Millisecond
)

var (
	ErrDuplicateSubmission  = errors.New("transaction already submitted")
	ErrUnknownSignature     = errors.New("unknown signature")
	ErrInternalServiceError = errors.New("tx-submit service error")
)

type SendTransactionArgs struct {
	// Transaction is the signed wire transaction, base64 encoded.
	Transaction string `json:"transaction"`
	// SizeHint is the trade notional in SOL, used for fee sizing.
	SizeHint float64 `json:"sizeHint,omitempty"`
	Urgency  string  `json:"urgency,omitempty"`
	// ValidForMs overrides the assumed payload validity window.
	ValidForMs int `json:"validForMs,omitempty"`
}

type SendTransactionResponse struct {
	Signature string `json:"signature"`
	BundleID  string `json:"bundleId,omitempty"`
	Provider  string `json:"provider"`
	Attempts  int    `json:"attempts"`
}

// API exposes the engine over the node's JSON-RPC surface. Submission is
// synchronous up to dispatch; verification runs through the background queue
// and lands in the outcome cache.
type API struct {
	log           *zap.Logger
	orchestrator  *Orchestrator
	outcomes      *RedisOutcomeCache
	asyncVerifier *AsyncVerifier
	rateLimiter   *rate.Limiter
}

func NewAPI(log *zap.Logger, orchestrator *Orchestrator, outcomes *RedisOutcomeCache, asyncVerifier *AsyncVerifier, limit rate.Limit) *API {
	return &API{
		log:           log.Named("api"),
		orchestrator:  orchestrator,
		outcomes:      outcomes,
		asyncVerifier: asyncVerifier,
		rateLimiter:   rate.NewLimiter(limit, 1),
	}
}

func (m *API) SendTransaction(ctx context.Context, args SendTransactionArgs) (_ SendTransactionResponse, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(SendTransactionEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(SendTransactionEndpointName)
		}
	}()

	if err := m.rateLimiter.Wait(ctx); err != nil {
		return SendTransactionResponse{}, err
	}

	validFor := DefaultPayloadValidity
	if args.ValidForMs > 0 {
		validFor = time.Duration(args.ValidForMs) * time.Millisecond
	}
	payload, err := NewTransactionPayloadFromBase64(args.Transaction, validFor)
	if err != nil {
		return SendTransactionResponse{}, err
	}
	tier, err := ParseUrgencyTier(args.Urgency)
	if err != nil {
		return SendTransactionResponse{}, err
	}

	logger := m.log.With(zap.String("signature", payload.Signature().String()))

	fresh, err := m.outcomes.MarkSubmitted(ctx, payload.Signature())
	if err != nil {
		logger.Error("Outcome cache unavailable", zap.Error(err))
		return SendTransactionResponse{}, ErrInternalServiceError
	}
	if !fresh {
		logger.Warn("Rejecting duplicate submission")
		return SendTransactionResponse{}, ErrDuplicateSubmission
	}

	outcome := m.orchestrator.Submit(ctx, payload, args.SizeHint, tier)
	m.storeDispatch(ctx, outcome)
	if !outcome.Success {
		return SendTransactionResponse{}, outcome.Err
	}

	if err := m.asyncVerifier.Enqueue(ctx, outcome); err != nil {
		// dispatch already happened, the caller still gets a signature
		logger.Error("Failed to enqueue verification", zap.Error(err))
	}

	return SendTransactionResponse{
		Signature: outcome.Signature.String(),
		BundleID:  outcome.BundleID,
		Provider:  outcome.Provider,
		Attempts:  len(outcome.Attempts),
	}, nil
}

func (m *API) GetOutcome(ctx context.Context, signature string) (_ *StoredOutcome, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(GetOutcomeEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(GetOutcomeEndpointName)
		}
	}()

	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, err
	}
	stored, err := m.outcomes.Get(ctx, sig)
	if err != nil {
		m.log.Error("Outcome cache unavailable", zap.Error(err))
		return nil, ErrInternalServiceError
	}
	if stored == nil {
		return nil, ErrUnknownSignature
	}
	return stored, nil
}

func (m *API) storeDispatch(ctx context.Context, outcome *SubmissionOutcome) {
	stored := StoredOutcome{
		Signature: outcome.Signature.String(),
		Success:   outcome.Success,
		Provider:  outcome.Provider,
		BundleID:  outcome.BundleID,
		UpdatedAt: time.Now(),
	}
	if outcome.Err != nil {
		stored.FinalState = StateError.String()
	}
	if err := m.outcomes.Store(ctx, stored); err != nil {
		m.log.Error("Failed to store dispatch outcome",
			zap.String("signature", stored.Signature), zap.Error(err))
	}
}
