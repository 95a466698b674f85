// Package verifyqueue is a redis-backed delayed job queue used to run
// transaction verification in the background.
//
// Jobs carry a not-before timestamp: a job becomes visible to workers only
// once that time passes. Workers process one job at a time; a worker that
// wants another look later returns RetryAfter(d) and the job is rescheduled,
// up to MaxAttempts times. Jobs whose deadline passed are dropped.
//
// The queue is one redis sorted set scored by the not-before time in unix
// milliseconds, so multiple node instances can share the verification load.
// A claimed job lives only in its worker's memory: a worker crash loses at
// most the jobs currently claimed, one per worker.
package verifyqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrQueueFull       = errors.New("queue is full")
	ErrDeadlinePassed  = errors.New("job deadline already passed")
	ErrRequeueFailed   = errors.New("job requeue failed")
	errInvalidJobScore = errors.New("job score is not a valid timestamp")

	// ErrWorkerError is returned by a ProcessFunc when the worker itself
	// failed and the job should be retried promptly, likely elsewhere.
	ErrWorkerError = errors.New("worker error, retry job")
)

const (
	DefaultMaxQueuedJobs = uint64(4096)
	DefaultMaxAttempts   = uint16(10)
	DefaultWorkerTimeout = 10 * time.Second
)

// JobInfo is handed to the ProcessFunc alongside the payload.
type JobInfo struct {
	// Attempt counts prior ProcessFunc runs for this job.
	Attempt    int
	EnqueuedAt time.Time
	Deadline   time.Time
}

type ProcessFunc func(ctx context.Context, data []byte, info JobInfo) error

// retryAfterError asks the queue to run the job again after a delay.
type retryAfterError struct {
	after time.Duration
}

func (e *retryAfterError) Error() string {
	return "retry job after " + e.after.String()
}

// RetryAfter is returned by a ProcessFunc to reschedule the job.
func RetryAfter(d time.Duration) error {
	return &retryAfterError{after: d}
}

type RedisQueue struct {
	log       *zap.Logger
	red       *redis.Client
	queueName string

	MaxQueuedJobs uint64
	MaxAttempts   uint16
	WorkerTimeout time.Duration
}

func NewRedisQueue(log *zap.Logger, red *redis.Client, queueName string) *RedisQueue {
	log = log.With(zap.String("queue", queueName))
	return &RedisQueue{
		log:           log,
		red:           red,
		queueName:     queueName,
		MaxQueuedJobs: DefaultMaxQueuedJobs,
		MaxAttempts:   DefaultMaxAttempts,
		WorkerTimeout: DefaultWorkerTimeout,
	}
}

// Push schedules a job. notBefore is when workers may first see it, deadline
// is when it stops being worth running at all.
func (s *RedisQueue) Push(ctx context.Context, data []byte, notBefore, deadline time.Time) error {
	if !deadline.After(time.Now()) {
		return ErrDeadlinePassed
	}
	job := jobArgs{
		data:       data,
		notBefore:  notBefore,
		deadline:   deadline,
		enqueuedAt: time.Now(),
		attempt:    0,
	}
	if err := s.pushJob(ctx, job); err != nil {
		return err
	}
	s.log.Debug("pushed job",
		zap.Time("not_before", notBefore), zap.Time("deadline", deadline))
	return nil
}

func (s *RedisQueue) queuedJobs(ctx context.Context) (uint64, error) {
	return s.red.ZCard(ctx, s.queueName).Uint64()
}

func (s *RedisQueue) pushJob(ctx context.Context, job jobArgs) error {
	queued, err := s.queuedJobs(ctx)
	if err != nil {
		s.log.Warn("failed to get queued jobs", zap.Error(err))
		return err
	}
	if queued >= s.MaxQueuedJobs {
		s.log.Error("too many unprocessed jobs in the queue", zap.Uint64("queued", queued))
		return ErrQueueFull
	}

	score, redisData := packJob(job)
	err = s.red.ZAdd(ctx, s.queueName, redis.Z{Score: score, Member: redisData}).Err()
	if err != nil {
		s.log.Debug("failed to push job", zap.Error(err))
	}
	return err
}

// popJob claims the earliest-scheduled job, blocking up to a second when the
// queue is empty.
func (s *RedisQueue) popJob(ctx context.Context) (jobArgs, error) {
	value, err := s.red.BZPopMin(ctx, time.Second, s.queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return jobArgs{}, err
		}
		s.log.Error("failed to pop job", zap.Error(err))
		return jobArgs{}, err
	}

	redisData, ok := value.Member.(string)
	if !ok {
		s.log.Error("failed to pop job, invalid data type")
		return jobArgs{}, errInvalidJobScore
	}
	job, err := unpackJob(value.Score, []byte(redisData))
	if err != nil {
		s.log.Error("failed to unpack job", zap.Error(err))
		return jobArgs{}, err
	}
	return job, nil
}

func (s *RedisQueue) requeue(ctx context.Context, job jobArgs, back backoff.BackOff) error {
	err := backoff.Retry(func() error {
		return s.pushJob(ctx, job)
	}, back)
	if err != nil {
		s.log.Error("failed to requeue job", zap.Error(err))
		return errors.Join(ErrRequeueFailed, err)
	}
	return nil
}

func (s *RedisQueue) processNextJob(ctx context.Context, process ProcessFunc) error {
	// requeue must be resilient, losing a claimed job means losing its
	// verification entirely
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = 4 * time.Second
	back := backoff.WithContext(exp, ctx)

	job, err := s.popJob(ctx)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	now := time.Now()
	if now.After(job.deadline) {
		s.log.Debug("dropping job past its deadline",
			zap.Time("deadline", job.deadline), zap.Uint16("attempt", job.attempt))
		return nil
	}

	// claimed too early: put it back and wait out part of the gap so an
	// empty queue does not spin on its own head job
	if wait := job.notBefore.Sub(now); wait > 0 {
		if err := s.requeue(ctx, job, back); err != nil {
			return err
		}
		if wait > time.Second {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		return nil
	}

	workerCtx, workerCancel := context.WithTimeout(ctx, s.WorkerTimeout)
	defer workerCancel()
	err = process(workerCtx, job.data, JobInfo{
		Attempt:    int(job.attempt),
		EnqueuedAt: job.enqueuedAt,
		Deadline:   job.deadline,
	})

	var retry *retryAfterError
	switch {
	case errors.As(err, &retry):
		job.attempt++
		if job.attempt >= s.MaxAttempts {
			s.log.Warn("job exhausted its attempts", zap.Uint16("attempt", job.attempt))
			return nil
		}
		job.notBefore = time.Now().Add(retry.after)
		return s.requeue(ctx, job, back)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrWorkerError):
		s.log.Warn("worker failed to process job, retrying",
			zap.Error(err), zap.Uint16("attempt", job.attempt))
		job.attempt++
		if job.attempt >= s.MaxAttempts {
			return nil
		}
		return s.requeue(ctx, job, back)
	case err != nil:
		return err
	}

	s.log.Debug("processed job",
		zap.Uint16("attempt", job.attempt),
		zap.Duration("time_in_queue", time.Since(job.enqueuedAt)))
	return nil
}

// StartProcessLoop starts a loop that will process jobs from the queue.
// It spawns a goroutine per worker; ctx signals shutdown and the returned
// wait group allows waiting for in-flight jobs to finish.
func (s *RedisQueue) StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, process := range workers {
		wg.Add(1)
		go func(process ProcessFunc) {
			defer wg.Done()

			exp := backoff.NewExponentialBackOff()
			exp.MaxInterval = 30 * time.Second
			exp.MaxElapsedTime = 2 * time.Minute
			back := backoff.WithContext(exp, ctx)
			for {
				select {
				case <-ctx.Done():
					return
				default:
					err := backoff.Retry(func() error {
						return s.processNextJob(ctx, process)
					}, back)
					if err != nil && !errors.Is(err, context.Canceled) {
						s.log.Error("error processing job", zap.Error(err))
					}
				}
			}
		}(process)
	}
	return &wg
}

// CleanQueue removes all the jobs. It should only be used in tests.
func (s *RedisQueue) CleanQueue(ctx context.Context) error {
	return s.red.Del(ctx, s.queueName).Err()
}
