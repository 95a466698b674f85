package txsubmit

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
)

const (
	DefaultBundleTimeout    = 700 * time.Millisecond
	DefaultBundleRetries    = 1
	DefaultBundleRetryDelay = 100 * time.Millisecond
)

// Well-known Jito tip accounts. A relay only prioritizes bundles that pay one
// of its designated accounts; which one is irrelevant, so one is picked at
// random per bundle.
var defaultTipAccounts = []string{
	"96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5",
	"HFqU5x63VTqvQss8hp11i4wVV8bD44PvwucfZ2bU7gRe",
	"Cw8CFyM9FkoMi7K7Crf6HNQqf4uEMzpKw6QNghXLvLkY",
	"ADaUMid9yfUytqMBgopwjb2DTLSokTSzL1zt6iGPaS49",
	"DfXygSm4jCyNCybVYYK6DwvWqjKee8pbDmJGcLWNDXjh",
	"ADuUkR4vqLUMWXxW9gh6D6L8pMSawimctcNZ5pGwDcEt",
	"DttWaMuVvTiduZRnguLF7jNxTgiMBZ1hyAumKUiL2KRL",
	"3AVi9Tg9Uo68tJfuvoKvqKNWKkC5wPdSSdeBnizKZ6jT",
}

// BundleClient submits bundles to one relay endpoint. The relay returns a
// bundle id rather than a per-transaction signature; the payload signature is
// known from the signed bytes themselves.
type BundleClient struct {
	log         *zap.Logger
	endpoint    ProviderEndpoint
	client      jsonrpc.RPCClient
	tipAccounts []solana.PublicKey
	requiresTip bool

	maxRetries uint64
	retryDelay time.Duration
}

func NewBundleClient(log *zap.Logger, endpoint ProviderEndpoint, tipAccounts []string, requiresTip bool) (*BundleClient, error) {
	if endpoint.Timeout <= 0 {
		endpoint.Timeout = DefaultBundleTimeout
	}
	if len(tipAccounts) == 0 {
		tipAccounts = defaultTipAccounts
	}
	accounts := make([]solana.PublicKey, 0, len(tipAccounts))
	for _, s := range tipAccounts {
		pk, err := solana.PublicKeyFromBase58(s)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, pk)
	}

	opts := &jsonrpc.RPCClientOpts{
		HTTPClient: &http.Client{Timeout: endpoint.Timeout},
	}
	if endpoint.AuthHeader != "" {
		opts.CustomHeaders = map[string]string{"x-jito-auth": endpoint.AuthHeader}
	}
	return &BundleClient{
		log:         log.Named("bundle").With(zap.String("provider", endpoint.Name)),
		endpoint:    endpoint,
		client:      jsonrpc.NewClientWithOpts(endpoint.URL, opts),
		tipAccounts: accounts,
		requiresTip: requiresTip,
		maxRetries:  DefaultBundleRetries,
		retryDelay:  DefaultBundleRetryDelay,
	}, nil
}

func (c *BundleClient) Name() string { return c.endpoint.Name }

func (c *BundleClient) Kind() ProviderKind { return KindBundleRelay }

// RequiresTipTransaction reports whether this relay takes its fee through a
// separate tip-payment transaction instead of an embedded fee field.
func (c *BundleClient) RequiresTipTransaction() bool { return c.requiresTip }

// TipAccount returns one of the relay's designated tip accounts.
func (c *BundleClient) TipAccount() solana.PublicKey {
	return c.tipAccounts[rand.Intn(len(c.tipAccounts))] //nolint:gosec
}

// Submit sends the bundle and returns the relay-assigned bundle id together
// with the lead transaction's signature.
func (c *BundleClient) Submit(ctx context.Context, req *BundleRequest) (*ProviderResult, error) {
	encoded, err := req.EncodedTransactions()
	if err != nil {
		return nil, &ProviderError{Provider: c.endpoint.Name, Kind: KindRejection, Err: err}
	}

	var res *jsonrpc.RPCResponse
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.endpoint.Timeout)
		defer cancel()

		r, err := c.client.Call(callCtx, "sendBundle", encoded, map[string]string{"encoding": "base64"})
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
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), c.maxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, &ProviderError{
			Provider: c.endpoint.Name,
			Kind:     classifyCallError(err),
			Err:      err,
		}
	}
	if res.Error != nil {
		return nil, &ProviderError{
			Provider: c.endpoint.Name,
			Kind:     KindRejection,
			Raw:      res.Error.Message,
			Err:      res.Error,
		}
	}

	var bundleID string
	if err := res.GetObject(&bundleID); err != nil {
		return nil, &ProviderError{Provider: c.endpoint.Name, Kind: KindRejection, Err: err}
	}

	c.log.Debug("Bundle accepted", zap.String("bundle_id", bundleID))
	return &ProviderResult{
		Provider:  c.endpoint.Name,
		Signature: req.Transactions[0].Signature(),
		BundleID:  bundleID,
	}, nil
}
