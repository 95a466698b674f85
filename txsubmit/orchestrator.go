package txsubmit

import (
	"context"
	"errors"
	"time"

	"github.com/goldgoose/tx-submit-node/metrics"
	"go.uber.org/zap"
)

var (
	// ErrCircuitOpen marks a provider skipped without an attempt.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrLostRace marks an in-flight attempt cancelled because another
	// provider already won.
	ErrLostRace = errors.New("cancelled, lost race")
)

// RaceConfig holds the staggered-race timing knobs. The defaults are tuned
// against observed relay latency distributions and are configuration, not
// correctness constants.
type RaceConfig struct {
	// HeadStart is how long the primary relay runs alone before the next
	// candidate is launched alongside it.
	HeadStart time.Duration
	// AttemptTimeout is the hard ceiling for a single relay attempt.
	AttemptTimeout time.Duration
	// TotalBudget bounds the whole call, racing plus fallback. It must stay
	// well under the payload's expiry estimate.
	TotalBudget time.Duration
	// MinExpiryBudget is the least remaining payload lifetime worth racing
	// for; below it the call goes straight to direct submission.
	MinExpiryBudget time.Duration
}

func DefaultRaceConfig() RaceConfig {
	return RaceConfig{
		HeadStart:       300 * time.Millisecond,
		AttemptTimeout:  600 * time.Millisecond,
		TotalBudget:     1500 * time.Millisecond,
		MinExpiryBudget: 800 * time.Millisecond,
	}
}

// Orchestrator races a signed payload across eligible bundle relays, falls
// back to direct RPC submission, and hands the winning signature to the
// verifier. It holds no per-call state; the breaker registry is the only
// shared mutable state.
type Orchestrator struct {
	log      *zap.Logger
	cfg      RaceConfig
	breakers *BreakerRegistry
	composer *Composer
	relays   []*BundleClient
	rpc      *RPCBackend
	verifier *Verifier
}

func NewOrchestrator(log *zap.Logger, cfg RaceConfig, breakers *BreakerRegistry, composer *Composer, relays []*BundleClient, rpc *RPCBackend, verifier *Verifier) *Orchestrator {
	return &Orchestrator{
		log:      log.Named("orchestrator"),
		cfg:      cfg,
		breakers: breakers,
		composer: composer,
		relays:   relays,
		rpc:      rpc,
		verifier: verifier,
	}
}

// Submit dispatches the payload and returns as soon as some provider accepted
// it (or everything failed). Verification is the caller's next step.
func (o *Orchestrator) Submit(ctx context.Context, payload *TransactionPayload, sizeHint float64, tier UrgencyTier) *SubmissionOutcome {
	metrics.IncSubmitCalls()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.TotalBudget)
	defer cancel()

	outcome := &SubmissionOutcome{Signature: payload.Signature()}

	// 1. eligible relay set
	eligible := make([]*BundleClient, 0, len(o.relays))
	for _, relay := range o.relays {
		if o.breakers.IsEligible(relay.Name()) {
			eligible = append(eligible, relay)
		} else {
			outcome.Attempts = append(outcome.Attempts, SubmissionAttempt{
				Provider:  relay.Name(),
				StartedAt: start,
				Outcome:   AttemptSkipped,
				Err:       ErrCircuitOpen,
			})
			metrics.IncProviderAttempt(relay.Name(), AttemptSkipped.String())
		}
	}

	// 2. a payload about to expire is not worth racing, go straight to direct
	if budget := payload.ExpiryBudget(start); budget < o.cfg.MinExpiryBudget && len(eligible) > 0 {
		o.log.Warn("Payload expiry budget too thin for racing, submitting direct",
			zap.Duration("budget", budget))
		metrics.IncSubmitExpiredPayload()
		eligible = nil
	}

	// 3. race
	if len(eligible) > 0 {
		winner, attempts := o.race(ctx, eligible, payload, sizeHint, tier)
		outcome.Attempts = append(outcome.Attempts, attempts...)
		if winner != nil {
			outcome.Success = true
			outcome.Provider = winner.Provider
			outcome.BundleID = winner.BundleID
			metrics.IncSubmitSuccess()
			o.log.Info("Bundle relay won the race",
				zap.String("provider", winner.Provider),
				zap.String("bundle_id", winner.BundleID),
				zap.Duration("elapsed", time.Since(start)))
			return outcome
		}
	}

	// 4. fallback: plain submission of the unmodified payload
	fallbackStart := time.Now()
	var res *ProviderResult
	err := ErrNoRPCEndpoint
	if o.rpc != nil {
		res, err = o.rpc.SubmitTransaction(ctx, payload)
	}
	att := SubmissionAttempt{StartedAt: fallbackStart, Duration: time.Since(fallbackStart)}
	if err != nil {
		att.Outcome = AttemptFailure
		if errors.Is(err, context.DeadlineExceeded) {
			att.Outcome = AttemptTimeout
		}
		att.Err = err
		var pErr *ProviderError
		if errors.As(err, &pErr) {
			att.Provider = pErr.Provider
		} else if o.rpc != nil && o.rpc.Primary() != nil {
			att.Provider = o.rpc.Primary().Name()
		}
		outcome.Attempts = append(outcome.Attempts, att)
		metrics.IncProviderAttempt(att.Provider, att.Outcome.String())

		outcome.Err = &ExhaustedError{Attempts: outcome.Attempts}
		metrics.IncSubmitExhausted()
		o.log.Error("All submission paths exhausted", zap.Error(outcome.Err))
		return outcome
	}

	att.Provider = res.Provider
	att.Outcome = AttemptSuccess
	outcome.Attempts = append(outcome.Attempts, att)
	metrics.IncProviderAttempt(res.Provider, AttemptSuccess.String())
	metrics.RecordProviderAttemptDuration(res.Provider, att.Duration.Milliseconds())

	outcome.Success = true
	outcome.Provider = res.Provider
	outcome.Signature = res.Signature
	metrics.IncSubmitSuccess()
	o.log.Info("Submitted via direct RPC fallback",
		zap.String("provider", res.Provider),
		zap.Duration("elapsed", time.Since(start)))
	return outcome
}

// SubmitAndVerify runs the full submit-then-verify flow. The submission race
// is bounded by TotalBudget; verification runs on the caller's context since
// chain propagation takes far longer.
func (o *Orchestrator) SubmitAndVerify(ctx context.Context, payload *TransactionPayload, sizeHint float64, tier UrgencyTier) *SubmissionOutcome {
	outcome := o.Submit(ctx, payload, sizeHint, tier)
	if !outcome.Success {
		return outcome
	}

	vr := o.verifier.Verify(ctx, outcome.Signature)
	outcome.FinalState = vr.FinalState
	outcome.DecodedError = vr.DecodedError
	switch vr.FinalState {
	case StateConfirmed:
		outcome.Verified = true
	case StateFailedOnChain:
		// dispatched, but the chain rejected its effects
		outcome.Success = false
	case StateNotFound, StateError:
		// dispatched with unknown fate: distinct from known failure
		outcome.Err = ErrUnconfirmed
		metrics.IncVerifyUnconfirmed()
	}
	return outcome
}

type attemptResult struct {
	attempt SubmissionAttempt
	res     *ProviderResult
}

// race launches relay attempts with a staggered start and returns the first
// success. Losing attempts are cancelled best-effort; a result arriving after
// the winner is never observed.
func (o *Orchestrator) race(ctx context.Context, clients []*BundleClient, payload *TransactionPayload, sizeHint float64, tier UrgencyTier) (*ProviderResult, []SubmissionAttempt) {
	raceCtx, cancelRace := context.WithCancel(ctx)
	defer cancelRace()

	// buffered so stragglers never block after the race is decided
	results := make(chan attemptResult, len(clients))
	pending := make(map[string]struct{}, len(clients))

	next := 0
	launch := func() {
		c := clients[next]
		next++
		pending[c.Name()] = struct{}{}
		go o.attempt(ctx, raceCtx, c, payload, sizeHint, tier, results)
	}
	launch()

	stagger := time.NewTimer(o.cfg.HeadStart)
	defer stagger.Stop()

	attempts := make([]SubmissionAttempt, 0, len(clients))
	for {
		select {
		case r := <-results:
			delete(pending, r.attempt.Provider)
			attempts = append(attempts, r.attempt)
			if r.res != nil {
				// first success wins; everything still in flight is discarded
				cancelRace()
				for name := range pending {
					attempts = append(attempts, SubmissionAttempt{
						Provider: name,
						Outcome:  AttemptSkipped,
						Err:      ErrLostRace,
					})
					metrics.IncProviderAttempt(name, AttemptSkipped.String())
				}
				return r.res, attempts
			}
			if len(pending) == 0 && next >= len(clients) {
				return nil, attempts
			}
			// a failed attempt frees its slot, bring the next candidate in early
			if next < len(clients) {
				launch()
				stagger.Reset(o.cfg.HeadStart)
			}
		case <-stagger.C:
			if next < len(clients) {
				launch()
				stagger.Reset(o.cfg.HeadStart)
			}
		case <-ctx.Done():
			for name := range pending {
				attempts = append(attempts, SubmissionAttempt{
					Provider: name,
					Outcome:  AttemptTimeout,
					Err:      ctx.Err(),
				})
			}
			return nil, attempts
		}
	}
}

// attempt runs one relay attempt end to end: compose, submit, classify,
// breaker bookkeeping. budgetCtx is the whole call's deadline, raceCtx is
// cancelled when another attempt wins.
func (o *Orchestrator) attempt(budgetCtx, raceCtx context.Context, client *BundleClient, payload *TransactionPayload, sizeHint float64, tier UrgencyTier, results chan<- attemptResult) {
	started := time.Now()
	att := SubmissionAttempt{Provider: client.Name(), StartedAt: started}

	req, err := o.composer.Compose(raceCtx, payload, sizeHint, tier, client.TipAccount(), client.RequiresTipTransaction())
	if err != nil {
		// compose failure is local (tip build, blockhash); it does not count
		// against the relay's breaker
		att.Outcome = AttemptFailure
		att.Err = err
		att.Duration = time.Since(started)
		o.log.Warn("Compose failed", zap.String("provider", client.Name()), zap.Error(err))
		results <- attemptResult{attempt: att}
		return
	}

	attemptCtx, cancel := context.WithTimeout(raceCtx, o.cfg.AttemptTimeout)
	defer cancel()

	res, err := client.Submit(attemptCtx, req)
	att.Duration = time.Since(started)

	switch {
	case err == nil:
		att.Outcome = AttemptSuccess
		att.BundleID = res.BundleID
		o.breakers.RecordSuccess(client.Name())
	case raceCtx.Err() != nil && budgetCtx.Err() == nil:
		// cancelled because the race was decided elsewhere: discarded, and
		// not held against the provider
		att.Outcome = AttemptSkipped
		att.Err = ErrLostRace
		res = nil
	case errors.Is(err, context.DeadlineExceeded):
		att.Outcome = AttemptTimeout
		att.Err = err
		o.breakers.RecordFailure(client.Name())
	default:
		att.Outcome = AttemptFailure
		att.Err = err
		o.breakers.RecordFailure(client.Name())
	}

	metrics.IncProviderAttempt(client.Name(), att.Outcome.String())
	metrics.RecordProviderAttemptDuration(client.Name(), att.Duration.Milliseconds())
	o.log.Debug("Relay attempt finished",
		zap.String("provider", client.Name()),
		zap.String("outcome", att.Outcome.String()),
		zap.Duration("duration", att.Duration),
		zap.Error(att.Err))

	results <- attemptResult{attempt: att, res: res}
}
