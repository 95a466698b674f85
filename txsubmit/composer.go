package txsubmit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"go.uber.org/zap"
)

var ErrNoTipSigner = errors.New("relay requires a tip transaction but no tip signer is configured")

// FeeConfig drives priority fee sizing. Fees scale with trade notional up to
// a hard cap so a large trade cannot run the fee away.
type FeeConfig struct {
	// BaseFee is the per-tier starting fee in lamports.
	BaseFee map[UrgencyTier]uint64
	// ReferenceNotional is the trade size (in SOL) at which the size
	// multiplier is 1.
	ReferenceNotional float64
	CapMultiplier     float64
	MinFee            uint64
	MaxFee            uint64
}

func DefaultFeeConfig() FeeConfig {
	return FeeConfig{
		BaseFee: map[UrgencyTier]uint64{
			UrgencyLow:    50_000,
			UrgencyMedium: 200_000,
			UrgencyHigh:   1_000_000,
		},
		ReferenceNotional: 1.0,
		CapMultiplier:     10,
		MinFee:            10_000,
		MaxFee:            5_000_000,
	}
}

// BlockhashSource yields a recent blockhash for freshly built transactions.
type BlockhashSource interface {
	GetRecentBlockhash(ctx context.Context) (solana.Hash, error)
}

// CachingBlockhashSource caches the upstream blockhash for a short window so
// concurrent composes within one race share a single fetch. The window is far
// below the hash validity period.
type CachingBlockhashSource struct {
	src BlockhashSource
	ttl time.Duration

	mu         sync.Mutex
	hash       solana.Hash
	lastUpdate time.Time
}

func NewCachingBlockhashSource(src BlockhashSource, ttl time.Duration) *CachingBlockhashSource {
	return &CachingBlockhashSource{src: src, ttl: ttl}
}

func (c *CachingBlockhashSource) GetRecentBlockhash(ctx context.Context) (solana.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastUpdate) < c.ttl && !c.hash.IsZero() {
		return c.hash, nil
	}
	hash, err := c.src.GetRecentBlockhash(ctx)
	if err != nil {
		return solana.Hash{}, err
	}
	c.hash = hash
	c.lastUpdate = time.Now()
	return hash, nil
}

// Composer builds provider-facing bundle requests from a signed payload plus
// trade-size and urgency hints. It never mutates the original payload.
type Composer struct {
	log       *zap.Logger
	fees      FeeConfig
	blockhash BlockhashSource
	tipSigner *solana.PrivateKey
}

func NewComposer(log *zap.Logger, fees FeeConfig, blockhash BlockhashSource, tipSigner *solana.PrivateKey) *Composer {
	return &Composer{
		log:       log.Named("composer"),
		fees:      fees,
		blockhash: blockhash,
		tipSigner: tipSigner,
	}
}

// PriorityFee computes clamp(baseFee[tier] * min(sizeMult, capMult), min, max).
func (c *Composer) PriorityFee(sizeHint float64, tier UrgencyTier) uint64 {
	base := c.fees.BaseFee[tier]

	mult := 1.0
	if c.fees.ReferenceNotional > 0 && sizeHint > c.fees.ReferenceNotional {
		mult = sizeHint / c.fees.ReferenceNotional
	}
	if mult > c.fees.CapMultiplier {
		mult = c.fees.CapMultiplier
	}

	fee := uint64(float64(base) * mult)
	if fee < c.fees.MinFee {
		fee = c.fees.MinFee
	}
	if fee > c.fees.MaxFee {
		fee = c.fees.MaxFee
	}
	return fee
}

// Compose builds a bundle request for one relay. When the relay takes its fee
// through a tip account, a minimal transfer transaction is built and signed
// with a fresh blockhash; failure of that sub-step fails only this compose,
// callers fall through to providers that need no tip.
func (c *Composer) Compose(ctx context.Context, payload *TransactionPayload, sizeHint float64, tier UrgencyTier, tipAccount solana.PublicKey, needTip bool) (*BundleRequest, error) {
	req := &BundleRequest{
		Transactions:        []*TransactionPayload{payload},
		PriorityFeeLamports: c.PriorityFee(sizeHint, tier),
		Urgency:             tier,
	}
	if !needTip {
		return req, nil
	}

	tip, err := c.buildTipTransaction(ctx, req.PriorityFeeLamports, tipAccount)
	if err != nil {
		return nil, fmt.Errorf("failed to build tip transaction: %w", err)
	}
	req.TipTransaction = tip
	return req, nil
}

func (c *Composer) buildTipTransaction(ctx context.Context, lamports uint64, tipAccount solana.PublicKey) (*solana.Transaction, error) {
	if c.tipSigner == nil {
		return nil, ErrNoTipSigner
	}
	hash, err := c.blockhash.GetRecentBlockhash(ctx)
	if err != nil {
		return nil, err
	}

	payer := c.tipSigner.PublicKey()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(lamports, payer, tipAccount).Build(),
		},
		hash,
		solana.TransactionPayer(payer),
	)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return c.tipSigner
		}
		return nil
	}); err != nil {
		return nil, err
	}

	c.log.Debug("Built tip transaction",
		zap.Uint64("lamports", lamports),
		zap.String("tip_account", tipAccount.String()))
	return tx, nil
}
