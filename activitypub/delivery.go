package activitypub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/botpod/botpod/domain"
	"golang.org/x/sync/semaphore"
)

const (
	// deliveryWorkers bounds concurrent first-attempt deliveries. Retries
	// run on their own unbounded pool so a burst of retries cannot starve
	// fresh deliveries, and vice versa.
	deliveryWorkers = 4
	maxAttempts     = 16
)

// Distributor is the fan-out surface the inbound processor emits through.
type Distributor interface {
	Distribute(ctx context.Context, activity domain.Document, username string) error
}

// deliveryJob is one POST to one endpoint. The payload already has bto/bcc
// stripped. attempt starts at 1 and only ever increases; a job is never in
// flight twice concurrently because retries are chained, not re-queued.
type deliveryJob struct {
	inbox    string
	body     []byte
	username string
	attempt  int
}

// Deliverer schedules and executes deliveries with bounded concurrency and
// exponential-backoff retry for server errors.
type Deliverer struct {
	client *Client
	res    *Resolver
	log    *slog.Logger

	sem       *semaphore.Weighted
	firstWg   sync.WaitGroup
	retryWg   sync.WaitGroup
	baseDelay time.Duration
}

func NewDeliverer(client *Client, res *Resolver, log *slog.Logger) *Deliverer {
	return &Deliverer{
		client:    client,
		res:       res,
		log:       log,
		sem:       semaphore.NewWeighted(deliveryWorkers),
		baseDelay: time.Second,
	}
}

// Distribute resolves the activity's audience and schedules one delivery
// per endpoint. Resolution happens synchronously (a fetch failure aborts
// with an error); the deliveries themselves are fire-and-forget. Delivery
// outcomes never propagate to the caller.
func (d *Deliverer) Distribute(ctx context.Context, activity domain.Document, username string) error {
	inboxes, err := d.res.Resolve(ctx, activity, username)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}

	// Blind recipients must not appear on the wire. Marshal once so the
	// digest is computed over the exact bytes every endpoint receives.
	body, err := activity.Stripped().Marshal()
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}

	for _, inbox := range inboxes {
		job := &deliveryJob{inbox: inbox, body: body, username: username, attempt: 1}
		d.firstWg.Add(1)
		go func() {
			defer d.firstWg.Done()
			if err := d.sem.Acquire(context.Background(), 1); err != nil {
				return
			}
			defer d.sem.Release(1)
			d.attempt(job)
		}()
	}

	return nil
}

// attempt runs one delivery attempt and classifies the outcome: 2xx is
// terminal success, 5xx within budget schedules a retry, everything else
// (3xx, 4xx, transport errors, exhausted budget) is dropped.
func (d *Deliverer) attempt(job *deliveryJob) {
	err := d.client.Deliver(context.Background(), job.inbox, job.body, job.username)
	if err == nil {
		d.log.Info("delivered", "inbox", job.inbox, "attempt", job.attempt)
		return
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		// Connection-level failure, no status code: dropped without retry.
		// Only HTTP 5xx is retried.
		d.log.Warn("delivery failed, dropping", "inbox", job.inbox, "attempt", job.attempt, "err", err)
		return
	}

	if statusErr.Code < 500 {
		// Redirects are never followed and client errors are permanent.
		d.log.Warn("delivery rejected, dropping", "inbox", job.inbox, "status", statusErr.Code, "attempt", job.attempt)
		return
	}

	if job.attempt >= maxAttempts {
		d.log.Warn("giving up delivery", "inbox", job.inbox, "attempts", job.attempt)
		return
	}

	delay := retryDelay(job.attempt, d.baseDelay)
	d.log.Info("delivery failed, retry scheduled", "inbox", job.inbox, "status", statusErr.Code,
		"attempt", job.attempt, "delay", delay)

	// Scheduling must not block the worker: the wait happens on the retry
	// pool's own goroutine.
	d.retryWg.Add(1)
	go func() {
		defer d.retryWg.Done()
		time.Sleep(delay)
		job.attempt++
		d.attempt(job)
	}()
}

// retryDelay is full exponential backoff with +/-50% jitter:
// 2^(attempt-1) * base * uniform(0.5, 1.5).
func retryDelay(attempt int, base time.Duration) time.Duration {
	backoff := float64(base) * float64(uint64(1)<<uint(attempt-1))
	jitter := 0.5 + rand.Float64()
	return time.Duration(backoff * jitter)
}

// AwaitIdle blocks until the first-attempt pool and then the retry pool
// have drained. Retries chain their bookkeeping before the previous
// attempt finishes, so once both waits return there is no in-flight work
// left. For orderly shutdown and deterministic tests, not request handling.
func (d *Deliverer) AwaitIdle() {
	d.firstWg.Wait()
	d.retryWg.Wait()
}
