package txsubmit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/goldgoose/tx-submit-node/metrics"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultRPCTimeout    = 2 * time.Second
	DefaultRPCRetries    = 2
	DefaultRPCRetryDelay = 150 * time.Millisecond
	DefaultRPCRateLimit  = 50 // requests per second per endpoint
)

var ErrNoRPCEndpoint = errors.New("no rpc endpoint available")

// ProviderResult is what a successful submission through any provider kind
// yields: the transaction signature and, for bundle relays, a bundle id.
type ProviderResult struct {
	Provider  string
	Signature solana.Signature
	BundleID  string
}

// RPCProvider is a client bound to one direct Solana RPC endpoint. Every
// operation applies the endpoint timeout and a small bounded retry for
// transient network errors only; application-level rejections pass through
// untouched with the raw provider message attached.
type RPCProvider struct {
	log      *zap.Logger
	endpoint ProviderEndpoint
	client   jsonrpc.RPCClient
	limiter  *rate.Limiter

	maxRetries uint64
	retryDelay time.Duration
}

func NewRPCProvider(log *zap.Logger, endpoint ProviderEndpoint) *RPCProvider {
	if endpoint.Timeout <= 0 {
		endpoint.Timeout = DefaultRPCTimeout
	}
	opts := &jsonrpc.RPCClientOpts{
		HTTPClient: &http.Client{Timeout: endpoint.Timeout},
	}
	if endpoint.AuthHeader != "" {
		opts.CustomHeaders = map[string]string{"Authorization": endpoint.AuthHeader}
	}
	return &RPCProvider{
		log:        log.Named("rpc").With(zap.String("provider", endpoint.Name)),
		endpoint:   endpoint,
		client:     jsonrpc.NewClientWithOpts(endpoint.URL, opts),
		limiter:    rate.NewLimiter(rate.Limit(DefaultRPCRateLimit), DefaultRPCRateLimit),
		maxRetries: DefaultRPCRetries,
		retryDelay: DefaultRPCRetryDelay,
	}
}

func (p *RPCProvider) Name() string { return p.endpoint.Name }

func (p *RPCProvider) Kind() ProviderKind { return KindDirectRPC }

// call runs one JSON-RPC call with the client's bounded transient retry.
// Rejections (4xx, malformed responses) are permanent and returned after the
// first attempt.
func (p *RPCProvider) call(ctx context.Context, method string, params ...interface{}) (*jsonrpc.RPCResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(method, time.Since(startAt).Milliseconds())
	}()

	var res *jsonrpc.RPCResponse
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.endpoint.Timeout)
		defer cancel()

		r, err := p.client.Call(callCtx, method, params...)
		if err != nil {
			if classifyCallError(err) == KindTransient {
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.retryDelay), p.maxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		metrics.IncRPCCallFailure(method)
		return nil, &ProviderError{
			Provider: p.endpoint.Name,
			Kind:     classifyCallError(err),
			Err:      fmt.Errorf("rpc %s failed: %w", method, err),
		}
	}
	return res, nil
}

// SubmitTransaction dispatches the signed payload as-is. Preflight is skipped
// and provider-side rebroadcast disabled: retry policy belongs to this engine.
func (p *RPCProvider) SubmitTransaction(ctx context.Context, payload *TransactionPayload) (*ProviderResult, error) {
	res, err := p.call(ctx, "sendTransaction", payload.Base64(), map[string]interface{}{
		"encoding":            "base64",
		"skipPreflight":       true,
		"maxRetries":          0,
		"preflightCommitment": "processed",
	})
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, &ProviderError{
			Provider: p.endpoint.Name,
			Kind:     KindRejection,
			Raw:      res.Error.Message,
			Err:      res.Error,
		}
	}

	var sigStr string
	if err := res.GetObject(&sigStr); err != nil {
		return nil, &ProviderError{Provider: p.endpoint.Name, Kind: KindRejection, Err: err}
	}
	sig, err := solana.SignatureFromBase58(sigStr)
	if err != nil {
		return nil, &ProviderError{Provider: p.endpoint.Name, Kind: KindRejection, Raw: sigStr, Err: err}
	}
	return &ProviderResult{Provider: p.endpoint.Name, Signature: sig}, nil
}

type signatureStatusValue struct {
	Slot               uint64      `json:"slot"`
	Confirmations      *uint64     `json:"confirmations"`
	ConfirmationStatus string      `json:"confirmationStatus"`
	Err                interface{} `json:"err"`
}

type signatureStatusesResult struct {
	Value []*signatureStatusValue `json:"value"`
}

// QueryStatus asks the cluster for the signature's status, searching the
// transaction history so propagation-delayed signatures still resolve.
func (p *RPCProvider) QueryStatus(ctx context.Context, sig solana.Signature) (*StatusResult, error) {
	res, err := p.call(ctx, "getSignatureStatuses",
		[]string{sig.String()},
		map[string]interface{}{"searchTransactionHistory": true},
	)
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, &ProviderError{
			Provider: p.endpoint.Name,
			Kind:     KindRejection,
			Raw:      res.Error.Message,
			Err:      res.Error,
		}
	}

	var parsed signatureStatusesResult
	if err := res.GetObject(&parsed); err != nil {
		return nil, &ProviderError{Provider: p.endpoint.Name, Kind: KindRejection, Err: err}
	}
	if len(parsed.Value) == 0 || parsed.Value[0] == nil {
		return &StatusResult{Found: false}, nil
	}
	v := parsed.Value[0]
	return &StatusResult{
		Found:              true,
		Slot:               v.Slot,
		Confirmations:      v.Confirmations,
		ConfirmationStatus: v.ConfirmationStatus,
		Err:                v.Err,
	}, nil
}

type latestBlockhashResult struct {
	Value struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	} `json:"value"`
}

// GetRecentBlockhash fetches a blockhash usable for freshly built
// transactions, at confirmed commitment.
func (p *RPCProvider) GetRecentBlockhash(ctx context.Context) (solana.Hash, error) {
	res, err := p.call(ctx, "getLatestBlockhash",
		[]interface{}{map[string]string{"commitment": "confirmed"}})
	if err != nil {
		return solana.Hash{}, err
	}
	if res.Error != nil {
		return solana.Hash{}, &ProviderError{
			Provider: p.endpoint.Name,
			Kind:     KindRejection,
			Raw:      res.Error.Message,
			Err:      res.Error,
		}
	}

	var parsed latestBlockhashResult
	if err := res.GetObject(&parsed); err != nil {
		return solana.Hash{}, &ProviderError{Provider: p.endpoint.Name, Kind: KindRejection, Err: err}
	}
	hash, err := solana.HashFromBase58(parsed.Value.Blockhash)
	if err != nil {
		return solana.Hash{}, &ProviderError{Provider: p.endpoint.Name, Kind: KindRejection, Err: err}
	}
	return hash, nil
}

// RPCBackend routes RPC traffic to the primary endpoint, or to the designated
// fallback when the primary's breaker is open. Both submission and status
// queries follow the same route, no separate orchestrator path.
type RPCBackend struct {
	primary  *RPCProvider
	fallback *RPCProvider
	breakers *BreakerRegistry
}

func NewRPCBackend(primary, fallback *RPCProvider, breakers *BreakerRegistry) *RPCBackend {
	return &RPCBackend{primary: primary, fallback: fallback, breakers: breakers}
}

func (b *RPCBackend) route() (*RPCProvider, error) {
	if b.primary != nil && b.breakers.IsEligible(b.primary.Name()) {
		return b.primary, nil
	}
	if b.fallback != nil {
		return b.fallback, nil
	}
	if b.primary != nil {
		// circuit open and nowhere else to go, use the primary anyway
		return b.primary, nil
	}
	return nil, ErrNoRPCEndpoint
}

// Primary exposes the primary endpoint's name for attempt records.
func (b *RPCBackend) Primary() *RPCProvider { return b.primary }

func (b *RPCBackend) SubmitTransaction(ctx context.Context, payload *TransactionPayload) (*ProviderResult, error) {
	p, err := b.route()
	if err != nil {
		return nil, err
	}
	res, err := p.SubmitTransaction(ctx, payload)
	if err != nil {
		b.breakers.RecordFailure(p.Name())
		return nil, err
	}
	b.breakers.RecordSuccess(p.Name())
	return res, nil
}

func (b *RPCBackend) QueryStatus(ctx context.Context, sig solana.Signature) (*StatusResult, error) {
	p, err := b.route()
	if err != nil {
		return nil, err
	}
	return p.QueryStatus(ctx, sig)
}

func (b *RPCBackend) GetRecentBlockhash(ctx context.Context) (solana.Hash, error) {
	p, err := b.route()
	if err != nil {
		return solana.Hash{}, err
	}
	return p.GetRecentBlockhash(ctx)
}
