package txsubmit

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/goldgoose/tx-submit-node/metrics"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	terminalCacheTTL     = 10 * time.Minute
	terminalCacheCleanup = time.Minute
)

// DefaultVerifySchedule absorbs network propagation latency: a signature is
// frequently invisible for several seconds after a successful dispatch.
func DefaultVerifySchedule() []time.Duration {
	return []time.Duration{
		2 * time.Second,
		4 * time.Second,
		6 * time.Second,
		8 * time.Second,
		10 * time.Second,
		15 * time.Second,
	}
}

// StatusQuerier answers signature status queries for one provider.
type StatusQuerier interface {
	Name() string
	QueryStatus(ctx context.Context, sig solana.Signature) (*StatusResult, error)
}

// Verifier establishes the final on-chain outcome of a submitted signature
// despite inconsistent provider visibility. Confirmed and failed-on-chain are
// terminal: once seen they are cached and never re-polled.
type Verifier struct {
	log       *zap.Logger
	providers []StatusQuerier
	schedule  []time.Duration
	terminal  *gocache.Cache
}

func NewVerifier(log *zap.Logger, providers []StatusQuerier, schedule []time.Duration) *Verifier {
	if len(schedule) == 0 {
		schedule = DefaultVerifySchedule()
	}
	return &Verifier{
		log:       log.Named("verifier"),
		providers: providers,
		schedule:  schedule,
		terminal:  gocache.New(terminalCacheTTL, terminalCacheCleanup),
	}
}

func (v *Verifier) Schedule() []time.Duration { return v.schedule }

// PollOnce walks the candidate providers in order, querying each at most
// once, and returns a terminal result if any provider produced one. A nil
// result means the signature is still unresolved and worth polling again.
func (v *Verifier) PollOnce(ctx context.Context, sig solana.Signature) *VerificationResult {
	if cached, ok := v.terminal.Get(sig.String()); ok {
		res := cached.(VerificationResult) //nolint:forcetypeassert
		return &res
	}

	logger := v.log.With(zap.String("signature", sig.String()))
	for _, p := range v.providers {
		st, err := p.QueryStatus(ctx, sig)
		if err != nil {
			logger.Warn("Status query failed, trying next provider",
				zap.String("provider", p.Name()), zap.Error(err))
			continue
		}
		if !st.Found {
			continue
		}

		if st.Err != nil {
			decoded := DecodeTransactionError(st.Err)
			logger.Warn("Transaction failed on chain",
				zap.String("provider", p.Name()),
				zap.String("decoded", decoded.Code),
				zap.String("raw", decoded.Raw))
			return v.finalize(sig, VerificationResult{
				Signature:    sig,
				Method:       p.Name(),
				FinalState:   StateFailedOnChain,
				DecodedError: decoded,
			})
		}

		if st.Confirmed() {
			logger.Info("Transaction confirmed",
				zap.String("provider", p.Name()),
				zap.Uint64("slot", st.Slot))
			return v.finalize(sig, VerificationResult{
				Signature:  sig,
				Method:     p.Name(),
				FinalState: StateConfirmed,
			})
		}

		// visible but still at processed commitment: resolved soon, no need
		// to ask the remaining providers this sweep
		logger.Debug("Transaction visible but not yet confirmed",
			zap.String("provider", p.Name()))
		return nil
	}
	return nil
}

func (v *Verifier) finalize(sig solana.Signature, res VerificationResult) *VerificationResult {
	v.terminal.Set(sig.String(), res, terminalCacheTTL)
	metrics.IncVerifyOutcome(res.FinalState.String())
	return &res
}

// Verify polls the candidate providers on the progressive delay schedule
// until a terminal state appears or the schedule exhausts. A signature that
// stays invisible through the whole schedule is NOT_FOUND, a warning distinct
// from known on-chain failure.
func (v *Verifier) Verify(ctx context.Context, sig solana.Signature) VerificationResult {
	start := time.Now()
	defer func() {
		metrics.RecordVerifyDuration(time.Since(start).Milliseconds())
	}()

	attempts := 0
	for _, delay := range v.schedule {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			v.log.Warn("Verification cancelled",
				zap.String("signature", sig.String()), zap.Int("attempts", attempts))
			metrics.IncVerifyOutcome(StateError.String())
			return VerificationResult{
				Signature: sig, Method: "cancelled", FinalState: StateError, Attempts: attempts,
			}
		case <-timer.C:
		}

		attempts++
		if res := v.PollOnce(ctx, sig); res != nil {
			res.Attempts = attempts
			return *res
		}
	}

	// dispatched but never seen: report distinctly, do not cache, a later
	// verify may still find it
	v.log.Warn("Signature not found after full schedule",
		zap.String("signature", sig.String()), zap.Int("attempts", attempts))
	metrics.IncVerifyOutcome(StateNotFound.String())
	return VerificationResult{
		Signature: sig, Method: "exhausted", FinalState: StateNotFound, Attempts: attempts,
	}
}
