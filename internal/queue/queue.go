// Package queue implements the durable, at-most-one-concurrent job queue
// described in spec §4.3: a global FIFO gated by a single consumer lock,
// with per-job processing records, dedup keys, and a stale-job sweeper.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	mathrand "math/rand"
	"time"

	"github.com/google/uuid"

	"basevault/internal/domain"
	"basevault/internal/kv"
)

func newGateToken() string {
	var buf [12]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), hex.EncodeToString(buf[:]))
}

const (
	keyMain       = "jobs:queue:main"
	keyGate       = "jobs:lock:main"
	processingFmt = "jobs:processing:%s"
	dedupeFmt     = "jobs:dedupe:%s"

	// DefaultStaleAge is the default maximum age (spec §4.3) before the
	// sweeper drops an unclaimed job.
	DefaultStaleAge = 5 * time.Minute
	// sweepProbability is the p=0.1 chance ClaimNext opportunistically
	// invokes the stale sweeper (spec §4.3).
	sweepProbability = 0.1
)

// Queue is the job queue, backed by a kv.Store.
type Queue struct {
	store     kv.Store
	gateTTL   time.Duration
	staleAge  time.Duration
	now       func() time.Time
	randFloat func() float64
}

// Option configures a Queue.
type Option func(*Queue)

// WithGateTTL overrides the worker-scoped lock TTL (default 120s, spec §4.2).
func WithGateTTL(ttl time.Duration) Option { return func(q *Queue) { q.gateTTL = ttl } }

// WithStaleAge overrides the sweeper's max job age (default 5m, spec §4.3).
func WithStaleAge(age time.Duration) Option { return func(q *Queue) { q.staleAge = age } }

// New constructs a Queue over store.
func New(store kv.Store, opts ...Option) *Queue {
	q := &Queue{
		store:     store,
		gateTTL:   120 * time.Second,
		staleAge:  DefaultStaleAge,
		now:       time.Now,
		randFloat: mathrand.Float64,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetClock overrides the queue's notion of "now", for deterministic tests.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// EnqueueOptions configures Enqueue's optional dedup behavior.
type EnqueueOptions struct {
	DedupeKey string
	DedupeTTL time.Duration
}

// Enqueue allocates a job ID and appends {id,type,payload,attempts:0,
// enqueuedAt} to the tail of the FIFO. If DedupeKey is set and another
// writer already owns that dedup token, Enqueue returns (nil, nil) — the
// spec's "dedup suppressed" outcome, which callers surface as `queued:false`.
func (q *Queue) Enqueue(ctx context.Context, jobType domain.JobType, payload interface{}, opts EnqueueOptions) (*domain.Job, error) {
	if opts.DedupeKey != "" {
		ttl := opts.DedupeTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		ok, err := q.store.Set(ctx, fmt.Sprintf(dedupeFmt, opts.DedupeKey), []byte("1"), kv.SetOptions{NX: true, EX: ttl})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	job := &domain.Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Payload:    raw,
		Attempts:   0,
		EnqueuedAt: q.now().UnixMilli(),
	}
	buf, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	if err := q.store.RPush(ctx, keyMain, buf); err != nil {
		return nil, err
	}
	return job, nil
}

// Handle is returned by ClaimNext/ClaimByID. Exactly one of ack/fail must be
// called to release the global consumer gate.
type Handle struct {
	q   *Queue
	Job *domain.Job

	processingKey string
	gateToken     string
}

// Ack deletes the processing record and releases the gate. Call this on
// successful completion.
func (h *Handle) Ack(ctx context.Context) error {
	if err := h.q.store.Del(ctx, h.processingKey); err != nil {
		return err
	}
	return h.q.releaseGate(ctx, h.gateToken)
}

// Fail deletes the processing record; if requeue, the original job is
// pushed back to the FIFO head so the next claim retries it promptly. The
// gate is released either way.
func (h *Handle) Fail(ctx context.Context, requeue bool) error {
	if err := h.q.store.Del(ctx, h.processingKey); err != nil {
		return err
	}
	if requeue {
		buf, err := json.Marshal(h.Job)
		if err != nil {
			return err
		}
		if err := h.q.store.LPush(ctx, keyMain, buf); err != nil {
			return err
		}
	}
	return h.q.releaseGate(ctx, h.gateToken)
}

// Heartbeat refreshes both the processing-record TTL and the gate TTL,
// invoked before/after every suspension point within a critical section
// (spec §5).
func (h *Handle) Heartbeat(ctx context.Context) error {
	if err := h.q.store.Expire(ctx, h.processingKey, h.q.gateTTL); err != nil {
		return err
	}
	return h.q.store.Expire(ctx, keyGate, h.q.gateTTL)
}

// releaseGate deletes the gate only if it still holds the caller's token,
// so a gate lost to TTL expiry and re-acquired by another claimer is never
// clobbered by the original (possibly crash-delayed) holder's release.
func (q *Queue) releaseGate(ctx context.Context, token string) error {
	current, err := q.store.Get(ctx, keyGate)
	if err != nil {
		if err == kv.ErrNil {
			return nil
		}
		return err
	}
	if string(current) != token {
		return nil
	}
	return q.store.Del(ctx, keyGate)
}

func (q *Queue) acquireGate(ctx context.Context) (bool, string, error) {
	token := newGateToken()
	ok, err := q.store.Set(ctx, keyGate, []byte(token), kv.SetOptions{NX: true, EX: q.gateTTL})
	if err != nil {
		return false, "", err
	}
	return ok, token, nil
}

// ClaimNext implements the single-consumer claim path (spec §4.3): acquire
// the gate, opportunistically sweep, LPOP the head, stamp attempts, and
// write a processing record.
func (q *Queue) ClaimNext(ctx context.Context) (*Handle, error) {
	acquired, token, err := q.acquireGate(ctx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, nil
	}
	if q.randFloat() < sweepProbability {
		if _, err := q.Sweep(ctx); err != nil {
			// Sweeping is opportunistic; a failure here must not block claiming.
			_ = err
		}
	}
	raw, err := q.store.LPop(ctx, keyMain)
	if err != nil {
		if err == kv.ErrNil {
			_ = q.releaseGate(ctx, token)
			return nil, nil
		}
		_ = q.releaseGate(ctx, token)
		return nil, err
	}
	job, err := decodeJob(raw)
	if err != nil {
		_ = q.releaseGate(ctx, token)
		return nil, err
	}
	return q.beginProcessing(ctx, job, token)
}

func (q *Queue) beginProcessing(ctx context.Context, job *domain.Job, token string) (*Handle, error) {
	job.Attempts++
	job.LastAttemptAt = q.now().UnixMilli()
	buf, err := json.Marshal(job)
	if err != nil {
		_ = q.releaseGate(ctx, token)
		return nil, err
	}
	procKey := fmt.Sprintf(processingFmt, job.ID)
	if _, err := q.store.Set(ctx, procKey, buf, kv.SetOptions{EX: q.gateTTL}); err != nil {
		_ = q.releaseGate(ctx, token)
		return nil, err
	}
	return &Handle{q: q, Job: job, processingKey: procKey, gateToken: token}, nil
}

// ClaimByID implements the HTTP claim path (spec §4.3): while holding the
// gate, pop up to maxSkip jobs looking for jobID; non-matching jobs are
// re-appended at the tail in original order after the scan. If jobID is not
// found, all popped jobs are restored and the gate released.
func (q *Queue) ClaimByID(ctx context.Context, jobID string, maxSkip int) (*Handle, error) {
	acquired, token, err := q.acquireGate(ctx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, nil
	}
	if _, err := q.Sweep(ctx); err != nil {
		_ = err
	}

	var skipped []*domain.Job
	var found *domain.Job
	for i := 0; i < maxSkip; i++ {
		raw, err := q.store.LPop(ctx, keyMain)
		if err != nil {
			if err == kv.ErrNil {
				break
			}
			q.restoreAndRelease(ctx, skipped, token)
			return nil, err
		}
		job, err := decodeJob(raw)
		if err != nil {
			continue // unparsable entries are dropped, matching the sweeper's tolerance
		}
		if job.ID == jobID {
			found = job
			break
		}
		skipped = append(skipped, job)
	}

	for _, job := range skipped {
		buf, err := json.Marshal(job)
		if err != nil {
			continue
		}
		_ = q.store.RPush(ctx, keyMain, buf)
	}

	if found == nil {
		_ = q.releaseGate(ctx, token)
		return nil, nil
	}
	return q.beginProcessing(ctx, found, token)
}

func (q *Queue) restoreAndRelease(ctx context.Context, skipped []*domain.Job, token string) {
	for _, job := range skipped {
		buf, err := json.Marshal(job)
		if err != nil {
			continue
		}
		_ = q.store.RPush(ctx, keyMain, buf)
	}
	_ = q.releaseGate(ctx, token)
}

// Sweep scans the FIFO and drops any job older than the configured stale
// age (or unparsable), rebuilding the queue in order from the kept entries.
func (q *Queue) Sweep(ctx context.Context) (dropped int, err error) {
	n, err := q.store.LLen(ctx, keyMain)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	entries, err := q.store.LRange(ctx, keyMain, 0, n-1)
	if err != nil {
		return 0, err
	}
	nowMs := q.now().UnixMilli()
	kept := make([][]byte, 0, len(entries))
	for _, raw := range entries {
		job, err := decodeJob(raw)
		if err != nil {
			dropped++
			continue
		}
		if time.Duration(nowMs-job.EnqueuedAt)*time.Millisecond > q.staleAge {
			dropped++
			continue
		}
		buf, err := json.Marshal(job)
		if err != nil {
			dropped++
			continue
		}
		kept = append(kept, buf)
	}
	if dropped == 0 {
		return 0, nil
	}
	if err := q.store.Del(ctx, keyMain); err != nil {
		return 0, err
	}
	for _, buf := range kept {
		if err := q.store.RPush(ctx, keyMain, buf); err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}

// Size returns the current FIFO length.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.store.LLen(ctx, keyMain)
}

// Peek returns up to limit queued jobs without removing them.
func (q *Queue) Peek(ctx context.Context, limit int64) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	raws, err := q.store.LRange(ctx, keyMain, 0, limit-1)
	if err != nil {
		return nil, err
	}
	jobs := make([]*domain.Job, 0, len(raws))
	for _, raw := range raws {
		job, err := decodeJob(raw)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Clear empties the FIFO.
func (q *Queue) Clear(ctx context.Context) error {
	return q.store.Del(ctx, keyMain)
}

// IsProcessing scans jobs:processing:* for any record whose decoded Type
// matches jobType (spec §4.3's IsProcessing(type) introspection primitive).
func (q *Queue) IsProcessing(ctx context.Context, jobType domain.JobType) (bool, error) {
	var cursor uint64
	for {
		res, err := q.store.Scan(ctx, cursor, "jobs:processing:*", 100)
		if err != nil {
			return false, err
		}
		for _, key := range res.Keys {
			raw, err := q.store.Get(ctx, key)
			if err != nil {
				continue
			}
			job, err := decodeJob(raw)
			if err != nil {
				continue
			}
			if job.Type == jobType {
				return true, nil
			}
		}
		cursor = res.Cursor
		if cursor == 0 {
			break
		}
	}
	return false, nil
}

// IsProcessingAny reports whether any job of any type is currently
// processing, for the status-stream observer (spec §6.6).
func (q *Queue) IsProcessingAny(ctx context.Context) (bool, error) {
	var cursor uint64
	for {
		res, err := q.store.Scan(ctx, cursor, "jobs:processing:*", 100)
		if err != nil {
			return false, err
		}
		if len(res.Keys) > 0 {
			return true, nil
		}
		cursor = res.Cursor
		if cursor == 0 {
			return false, nil
		}
	}
}

func decodeJob(raw []byte) (*domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
