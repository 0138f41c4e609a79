package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultQueuePrefix namespaces every sync queue key.
	DefaultQueuePrefix = "audience:sync:"

	// ResultTTL is how long the last outcome of a list sync is kept.
	ResultTTL = 7 * 24 * time.Hour

	// DefaultPendingTTL bounds how long a queued job blocks re-enqueueing
	// the same list, in case a worker dies mid-job.
	DefaultPendingTTL = time.Hour
)

// Job reasons
const (
	ReasonManual    = "manual"
	ReasonScheduled = "scheduled"
)

// Outcome statuses
const (
	OutcomeSucceeded = "succeeded"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// SyncJob asks a worker to reconcile one list.
type SyncJob struct {
	ID         string    `json:"id"`
	TeamID     uuid.UUID `json:"team_id"`
	ListID     uuid.UUID `json:"list_id"`
	Reason     string    `json:"reason"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// SyncOutcome is the recorded result of the last job for a list.
type SyncOutcome struct {
	JobID      string     `json:"job_id"`
	TeamID     uuid.UUID  `json:"team_id"`
	ListID     uuid.UUID  `json:"list_id"`
	Status     string     `json:"status"`
	Added      int        `json:"added"`
	Removed    int        `json:"removed"`
	Total      int        `json:"total"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error,omitempty"`
	FinishedAt time.Time  `json:"finished_at"`
}

// SyncQueue is a Redis-backed queue of list sync jobs: a ready list consumed
// with BRPOP, a delayed sorted set for retries, one pending marker per list
// that de-duplicates enqueues, and a per-list last outcome.
type SyncQueue struct {
	client     *redis.Client
	prefix     string
	pendingTTL time.Duration
}

// NewSyncQueue creates a queue on client. An empty prefix uses
// DefaultQueuePrefix.
func NewSyncQueue(client *redis.Client, prefix string, pendingTTL time.Duration) *SyncQueue {
	if prefix == "" {
		prefix = DefaultQueuePrefix
	}
	if pendingTTL <= 0 {
		pendingTTL = DefaultPendingTTL
	}
	return &SyncQueue{client: client, prefix: prefix, pendingTTL: pendingTTL}
}

func (q *SyncQueue) readyKey() string   { return q.prefix + "ready" }
func (q *SyncQueue) delayedKey() string { return q.prefix + "delayed" }

func (q *SyncQueue) pendingKey(listID uuid.UUID) string {
	return q.prefix + "pending:" + listID.String()
}

func (q *SyncQueue) resultKey(listID uuid.UUID) string {
	return q.prefix + "result:" + listID.String()
}

// Enqueue queues a sync for listID unless one is already pending. The
// returned job is the new one, or nil with queued false when a job for the
// list was already waiting.
func (q *SyncQueue) Enqueue(ctx context.Context, teamID, listID uuid.UUID, reason string) (*SyncJob, bool, error) {
	job := &SyncJob{
		ID:         uuid.NewString(),
		TeamID:     teamID,
		ListID:     listID,
		Reason:     reason,
		EnqueuedAt: time.Now().UTC(),
	}
	ok, err := q.client.SetNX(ctx, q.pendingKey(listID), job.ID, q.pendingTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("mark sync pending: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	if err := q.push(ctx, job); err != nil {
		q.client.Del(ctx, q.pendingKey(listID))
		return nil, false, err
	}
	return job, true, nil
}

func (q *SyncQueue) push(ctx context.Context, job *SyncJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode sync job: %w", err)
	}
	if err := q.client.LPush(ctx, q.readyKey(), data).Err(); err != nil {
		return fmt.Errorf("push sync job: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next ready job. It returns nil, nil
// when the wait times out.
func (q *SyncQueue) Dequeue(ctx context.Context, timeout time.Duration) (*SyncJob, error) {
	res, err := q.client.BRPop(ctx, timeout, q.readyKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop sync job: %w", err)
	}
	var job SyncJob
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("decode sync job: %w", err)
	}
	return &job, nil
}

// Retry schedules job to become ready again at now+delay. The pending marker
// is kept so the list is not queued twice meanwhile.
func (q *SyncQueue) Retry(ctx context.Context, job *SyncJob, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode sync job: %w", err)
	}
	due := time.Now().Add(delay)
	err = q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due.UnixMilli()), Member: data}).Err()
	if err != nil {
		return fmt.Errorf("delay sync job: %w", err)
	}
	q.client.Expire(ctx, q.pendingKey(job.ListID), q.pendingTTL)
	return nil
}

// PromoteDue moves delayed jobs due at or before now onto the ready list and
// returns how many were moved. Concurrent promoters never move a job twice.
func (q *SyncQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("read delayed jobs: %w", err)
	}
	moved := 0
	for _, member := range due {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return moved, fmt.Errorf("claim delayed job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.readyKey(), member).Err(); err != nil {
			return moved, fmt.Errorf("promote delayed job: %w", err)
		}
		moved++
	}
	return moved, nil
}

// Complete records the outcome of job and clears the list's pending marker.
func (q *SyncQueue) Complete(ctx context.Context, job *SyncJob, outcome *SyncOutcome) error {
	if err := q.SaveResult(ctx, outcome); err != nil {
		return err
	}
	if err := q.client.Del(ctx, q.pendingKey(job.ListID)).Err(); err != nil {
		return fmt.Errorf("clear sync pending: %w", err)
	}
	return nil
}

// SaveResult stores outcome as the last result for its list.
func (q *SyncQueue) SaveResult(ctx context.Context, outcome *SyncOutcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode sync outcome: %w", err)
	}
	if err := q.client.Set(ctx, q.resultKey(outcome.ListID), data, ResultTTL).Err(); err != nil {
		return fmt.Errorf("save sync outcome: %w", err)
	}
	return nil
}

// LastResult returns the last recorded outcome for listID, or nil if none
// is kept.
func (q *SyncQueue) LastResult(ctx context.Context, listID uuid.UUID) (*SyncOutcome, error) {
	data, err := q.client.Get(ctx, q.resultKey(listID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sync outcome: %w", err)
	}
	var outcome SyncOutcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		return nil, fmt.Errorf("decode sync outcome: %w", err)
	}
	return &outcome, nil
}

// Pending reports whether a job for listID is queued or running.
func (q *SyncQueue) Pending(ctx context.Context, listID uuid.UUID) (bool, error) {
	n, err := q.client.Exists(ctx, q.pendingKey(listID)).Result()
	if err != nil {
		return false, fmt.Errorf("check sync pending: %w", err)
	}
	return n > 0, nil
}

// Depth returns the ready and delayed job counts.
func (q *SyncQueue) Depth(ctx context.Context) (ready, delayed int64, err error) {
	if ready, err = q.client.LLen(ctx, q.readyKey()).Result(); err != nil {
		return 0, 0, fmt.Errorf("ready depth: %w", err)
	}
	if delayed, err = q.client.ZCard(ctx, q.delayedKey()).Result(); err != nil {
		return 0, 0, fmt.Errorf("delayed depth: %w", err)
	}
	return ready, delayed, nil
}
