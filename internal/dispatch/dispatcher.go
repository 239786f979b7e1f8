// Package dispatch runs the asynchronous send pipeline: a Redis-backed job
// queue with per-trackingId dedup, a fixed-size worker pool and exponential
// retry scheduling.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/znsflow/backend/internal/config"
	"github.com/znsflow/backend/internal/services"
)

// Status classifies a handler outcome. Retryable and terminal failures are
// distinct variants rather than panic/exception conventions, so the pool can
// schedule them without guessing.
type Status int

const (
	// StatusDone: the job completed; nothing more to do.
	StatusDone Status = iota
	// StatusRetry: transient failure, re-run after backoff until attempts
	// are exhausted.
	StatusRetry
	// StatusFail: terminal business failure; the handler has already
	// recorded it and the job is dropped.
	StatusFail
)

// Result is what a Handler returns for one processing attempt.
type Result struct {
	Status Status
	Err    error
}

func Done() Result              { return Result{Status: StatusDone} }
func Retry(err error) Result    { return Result{Status: StatusRetry, Err: err} }
func Terminal(err error) Result { return Result{Status: StatusFail, Err: err} }

// Handler processes one job per call. OnExhausted runs once after the final
// retryable failure.
type Handler interface {
	Process(ctx context.Context, job *services.SendJob) Result
	OnExhausted(ctx context.Context, job *services.SendJob, lastErr error)
}

// Dispatcher owns the queue and the worker pool. It is constructed once at
// process start with its configuration injected and passed by reference;
// there is no package-level instance.
type Dispatcher struct {
	redis   *redis.Client
	cfg     *config.DispatchConfig
	handler Handler

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(redisClient *redis.Client, cfg *config.DispatchConfig, handler Handler) *Dispatcher {
	return &Dispatcher{
		redis:   redisClient,
		cfg:     cfg,
		handler: handler,
	}
}

func dedupKey(job *services.SendJob) string {
	return "dispatch:job:" + job.TenantID + ":" + job.TrackingID
}

// Enqueue pushes a job unless its dedup key already exists. The key is
// claimed with SETNX before the push, so two concurrent submissions with the
// same trackingId queue exactly one job. Returns false when nothing was
// queued.
func (d *Dispatcher) Enqueue(ctx context.Context, job *services.SendJob) (bool, error) {
	claimed, err := d.redis.SetNX(ctx, dedupKey(job), "1", d.cfg.DedupTTL).Result()
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	data, err := json.Marshal(job)
	if err != nil {
		return false, err
	}

	if err := d.redis.LPush(ctx, d.cfg.QueueKey, data).Err(); err != nil {
		// Release the claim so the caller's retry can queue the job.
		d.redis.Del(ctx, dedupKey(job))
		return false, err
	}
	return true, nil
}

// Start launches the worker pool and the retry pump. It returns immediately;
// Stop blocks until all in-flight jobs finish.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for i := 0; i < d.cfg.Concurrency; i++ {
		d.wg.Add(1)
		go d.workerLoop(ctx, i)
	}

	d.wg.Add(1)
	go d.retryPump(ctx)

	log.Printf("[DISPATCH] Started %d workers on queue %s", d.cfg.Concurrency, d.cfg.QueueKey)
}

// Stop cancels the pool and waits for workers to drain.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
	log.Println("[DISPATCH] Stopped")
}

func (d *Dispatcher) workerLoop(ctx context.Context, id int) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		vals, err := d.redis.BRPop(ctx, time.Second, d.cfg.QueueKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[DISPATCH] worker %d: queue pop failed: %v", id, err)
			time.Sleep(time.Second)
			continue
		}

		var job services.SendJob
		if err := json.Unmarshal([]byte(vals[1]), &job); err != nil {
			log.Printf("[DISPATCH] worker %d: dropping malformed job: %v", id, err)
			continue
		}

		d.runJob(ctx, &job)
	}
}

func (d *Dispatcher) runJob(ctx context.Context, job *services.SendJob) {
	result := d.handler.Process(ctx, job)

	switch result.Status {
	case StatusDone:
		// done
	case StatusFail:
		log.Printf("[DISPATCH] Job %s/%s failed terminally: %v", job.TenantID, job.TrackingID, result.Err)
	case StatusRetry:
		job.Attempts++
		if job.Attempts >= d.cfg.MaxAttempts {
			log.Printf("[DISPATCH] Job %s/%s exhausted after %d attempts: %v",
				job.TenantID, job.TrackingID, job.Attempts, result.Err)
			d.handler.OnExhausted(ctx, job, result.Err)
			return
		}
		if err := d.scheduleRetry(ctx, job); err != nil {
			log.Printf("[DISPATCH] Failed to schedule retry for %s/%s: %v", job.TenantID, job.TrackingID, err)
		}
	}
}

// scheduleRetry parks the job in a sorted set scored by its ready time.
// Backoff doubles per attempt starting from the configured base.
func (d *Dispatcher) scheduleRetry(ctx context.Context, job *services.SendJob) error {
	delay := d.cfg.BackoffBase << (job.Attempts - 1)
	readyAt := time.Now().Add(delay)

	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	log.Printf("[DISPATCH] Retrying %s/%s in %s (attempt %d/%d)",
		job.TenantID, job.TrackingID, delay, job.Attempts, d.cfg.MaxAttempts)
	return d.redis.ZAdd(ctx, d.cfg.RetryKey, &redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: data,
	}).Err()
}

// retryPump moves due jobs from the retry set back onto the queue.
func (d *Dispatcher) retryPump(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.promoteDue(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[DISPATCH] retry pump: %v", err)
			}
		}
	}
}

func (d *Dispatcher) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := d.redis.ZRangeByScore(ctx, d.cfg.RetryKey, &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range members {
		removed, err := d.redis.ZRem(ctx, d.cfg.RetryKey, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			// Another pump already promoted it.
			continue
		}
		if err := d.redis.LPush(ctx, d.cfg.QueueKey, member).Err(); err != nil {
			return fmt.Errorf("failed to requeue due job: %w", err)
		}
	}
	return nil
}
