package txsubmit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/goldgoose/tx-submit-node/metrics"
	"github.com/goldgoose/tx-submit-node/verifyqueue"
	"go.uber.org/zap"
)

// verifyDeadlineSlack extends a job's deadline past the nominal schedule so a
// briefly backed-up queue still finishes its sweeps.
const verifyDeadlineSlack = 30 * time.Second

// VerifyJob is the queued wire form of one pending verification.
type VerifyJob struct {
	Signature string `json:"signature"`
	Provider  string `json:"provider,omitempty"`
	BundleID  string `json:"bundleId,omitempty"`
}

// AsyncVerifier runs the confirmation verifier through the background queue:
// the submit path enqueues and returns, workers sweep on the verifier's
// schedule and record final outcomes into the shared outcome cache.
type AsyncVerifier struct {
	log      *zap.Logger
	verifier *Verifier
	outcomes *RedisOutcomeCache
	queue    *verifyqueue.RedisQueue
}

func NewAsyncVerifier(log *zap.Logger, verifier *Verifier, outcomes *RedisOutcomeCache, queue *verifyqueue.RedisQueue) *AsyncVerifier {
	return &AsyncVerifier{
		log:      log.Named("async-verifier"),
		verifier: verifier,
		outcomes: outcomes,
		queue:    queue,
	}
}

// Enqueue schedules verification of a dispatched outcome. The first sweep
// runs after the schedule's first delay; the deadline covers the whole
// schedule plus slack.
func (a *AsyncVerifier) Enqueue(ctx context.Context, outcome *SubmissionOutcome) error {
	job := VerifyJob{
		Signature: outcome.Signature.String(),
		Provider:  outcome.Provider,
		BundleID:  outcome.BundleID,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	schedule := a.verifier.Schedule()
	var total time.Duration
	for _, d := range schedule {
		total += d
	}
	now := time.Now()

	err = a.queue.Push(ctx, data, now.Add(schedule[0]), now.Add(total+verifyDeadlineSlack))
	if errors.Is(err, verifyqueue.ErrQueueFull) {
		metrics.IncVerifyQueueFull()
	}
	return err
}

// Process is the queue worker: one status sweep per run, rescheduling itself
// along the verifier's delay schedule until a terminal state or exhaustion.
func (a *AsyncVerifier) Process(ctx context.Context, data []byte, info verifyqueue.JobInfo) error {
	var job VerifyJob
	if err := json.Unmarshal(data, &job); err != nil {
		a.log.Error("Dropping malformed verify job", zap.Error(err))
		return nil
	}
	sig, err := solana.SignatureFromBase58(job.Signature)
	if err != nil {
		a.log.Error("Dropping verify job with invalid signature",
			zap.String("signature", job.Signature), zap.Error(err))
		return nil
	}

	if res := a.verifier.PollOnce(ctx, sig); res != nil {
		a.store(ctx, job, res)
		return nil
	}

	schedule := a.verifier.Schedule()
	next := info.Attempt + 1
	if next >= len(schedule) {
		a.log.Warn("Signature unconfirmed after full schedule",
			zap.String("signature", job.Signature),
			zap.Int("sweeps", next))
		metrics.IncVerifyOutcome(StateNotFound.String())
		metrics.IncVerifyUnconfirmed()
		a.store(ctx, job, &VerificationResult{
			Signature: sig, Method: "exhausted", FinalState: StateNotFound,
		})
		return nil
	}
	return verifyqueue.RetryAfter(schedule[next])
}

func (a *AsyncVerifier) store(ctx context.Context, job VerifyJob, res *VerificationResult) {
	stored := StoredOutcome{
		Signature:    job.Signature,
		Success:      res.FinalState == StateConfirmed,
		Provider:     job.Provider,
		BundleID:     job.BundleID,
		FinalState:   res.FinalState.String(),
		DecodedError: res.DecodedError,
		UpdatedAt:    time.Now(),
	}
	if err := a.outcomes.Store(ctx, stored); err != nil {
		a.log.Error("Failed to store verification outcome",
			zap.String("signature", job.Signature), zap.Error(err))
	}
}
