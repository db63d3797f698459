package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"dialhub/internal/kv"
)

// Origin tags carried by dispatch jobs; they decide the waitlist lane a job
// returns to when it cannot run immediately.
const (
	OriginHigh   = "H"
	OriginNormal = "N"
)

// Job is one dispatch request on the main queue.
type Job struct {
	ID             string     `json:"id"`
	CampaignID     string     `json:"campaignId"`
	ContactID      string     `json:"contactId"`
	Origin         string     `json:"origin"`
	Attempt        int        `json:"attempt"`
	RetryAttemptID string     `json:"retryAttemptId,omitempty"`
	ScheduledFor   *time.Time `json:"scheduledFor,omitempty"`
	EnqueuedAt     time.Time  `json:"enqueuedAt"`
}

const (
	mainKey         = "dialhub:queue:main"
	processingKey   = "dialhub:queue:processing"
	processingAtKey = "dialhub:queue:processing:started"
	scheduledKey    = "dialhub:queue:scheduled"
	pausedKey       = "dialhub:queue:paused"
	jobKeyPrefix    = "dialhub:queue:job:"
)

// Queue is the shared dispatch queue over the key-value store. Job payloads
// live under their own keys; the lists carry ids only.
type Queue struct {
	kv *kv.Coordinator
}

// New creates a queue over the shared coordinator.
func New(coord *kv.Coordinator) *Queue {
	return &Queue{kv: coord}
}

func jobKey(id string) string { return jobKeyPrefix + id }

// NewJob builds a job with a fresh id.
func NewJob(campaignID, contactID, origin string, attempt int) *Job {
	if origin == "" {
		origin = OriginNormal
	}
	return &Job{
		ID:         uuid.NewString(),
		CampaignID: campaignID,
		ContactID:  contactID,
		Origin:     origin,
		Attempt:    attempt,
		EnqueuedAt: time.Now().UTC(),
	}
}

func (q *Queue) storeJob(ctx context.Context, j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	return q.kv.Set(ctx, jobKey(j.ID), string(data), 0)
}

// Enqueue pushes a job on the main queue tail.
func (q *Queue) Enqueue(ctx context.Context, j *Job) error {
	if err := q.storeJob(ctx, j); err != nil {
		return err
	}
	return q.kv.LPush(ctx, mainKey, j.ID)
}

// EnqueueFront pushes a job at the consuming end of the main queue, ahead of
// everything else. Used for promoted waitlist jobs.
func (q *Queue) EnqueueFront(ctx context.Context, j *Job) error {
	if err := q.storeJob(ctx, j); err != nil {
		return err
	}
	return q.kv.RPush(ctx, mainKey, j.ID)
}

// Schedule stores a delayed job in the scheduled set, to be surfaced by
// MoveScheduledToReady once its time arrives.
func (q *Queue) Schedule(ctx context.Context, j *Job, at time.Time) error {
	t := at.UTC()
	j.ScheduledFor = &t
	if err := q.storeJob(ctx, j); err != nil {
		return err
	}
	return q.kv.ZAdd(ctx, scheduledKey, float64(t.UnixMilli()), j.ID)
}

// Dequeue blocks up to timeout for the next job, moving it to the processing
// list. Returns nil when the queue is paused or empty.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	paused, err := q.IsPaused(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	id, ok, err := q.kv.BRPopLPush(ctx, mainKey, processingKey, timeout)
	if err != nil || !ok {
		return nil, err
	}
	// The stall clock starts when processing starts, not when the job was
	// first enqueued.
	if err := q.kv.ZAdd(ctx, processingAtKey, float64(time.Now().UnixMilli()), id); err != nil {
		return nil, err
	}

	data, found, err := q.kv.Get(ctx, jobKey(id))
	if err != nil {
		return nil, err
	}
	if !found {
		// Corrupted reference: drop it rather than stall the worker.
		log.Printf("[Queue] Job %s has no payload, dropping", id)
		q.dropProcessing(ctx, id)
		return nil, nil
	}

	var j Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		log.Printf("[Queue] Job %s payload corrupt, dropping: %v", id, err)
		q.dropProcessing(ctx, id)
		_ = q.kv.Del(ctx, jobKey(id))
		return nil, nil
	}
	return &j, nil
}

// dropProcessing removes a job id from the processing list and its stall
// clock entry.
func (q *Queue) dropProcessing(ctx context.Context, id string) {
	_, _ = q.kv.LRem(ctx, processingKey, 1, id)
	_ = q.kv.ZRem(ctx, processingAtKey, id)
}

// Complete removes a finished job from the processing list and deletes its
// payload.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	if _, err := q.kv.LRem(ctx, processingKey, 1, jobID); err != nil {
		return err
	}
	if err := q.kv.ZRem(ctx, processingAtKey, jobID); err != nil {
		return err
	}
	return q.kv.Del(ctx, jobKey(jobID))
}

// ParkForWaitlist removes a job from the processing list while keeping its
// payload, so a later promotion can requeue the same id.
func (q *Queue) ParkForWaitlist(ctx context.Context, jobID string) error {
	if _, err := q.kv.LRem(ctx, processingKey, 1, jobID); err != nil {
		return err
	}
	return q.kv.ZRem(ctx, processingAtKey, jobID)
}

// RequeueFront pushes an existing (parked) job id at the consuming end of
// the main queue. The payload must still exist.
func (q *Queue) RequeueFront(ctx context.Context, jobID string) error {
	return q.kv.RPush(ctx, mainKey, jobID)
}

// Retry re-schedules a job that failed for a transient reason, with a short
// exponential backoff. Jobs past maxAttempts are dropped.
func (q *Queue) Retry(ctx context.Context, j *Job, maxAttempts int) error {
	if _, err := q.kv.LRem(ctx, processingKey, 1, j.ID); err != nil {
		return err
	}
	if err := q.kv.ZRem(ctx, processingAtKey, j.ID); err != nil {
		return err
	}
	if j.Attempt+1 >= maxAttempts {
		log.Printf("[Queue] Job %s exhausted dispatch retries, dropping", j.ID)
		return q.kv.Del(ctx, jobKey(j.ID))
	}
	j.Attempt++
	backoff := time.Duration(1<<j.Attempt) * time.Second
	return q.Schedule(ctx, j, time.Now().Add(backoff))
}

// MoveScheduledToReady surfaces due delayed jobs onto the main queue.
// Returns the number moved. Called on the scheduler tick.
func (q *Queue) MoveScheduledToReady(ctx context.Context) (int, error) {
	ids, err := q.kv.ZRangeByScoreMax(ctx, scheduledKey, float64(time.Now().UnixMilli()))
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, id := range ids {
		if err := q.kv.ZRem(ctx, scheduledKey, id); err != nil {
			return moved, err
		}
		exists, err := q.kv.Exists(ctx, jobKey(id))
		if err != nil {
			return moved, err
		}
		if !exists {
			continue
		}
		if err := q.kv.LPush(ctx, mainKey, id); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Exists reports whether a job's payload is still present, meaning the job
// is queued, scheduled or processing. Reconcilers use this to distinguish
// live reservations from orphans.
func (q *Queue) Exists(ctx context.Context, jobID string) (bool, error) {
	return q.kv.Exists(ctx, jobKey(jobID))
}

// IsQueued reports whether a job id is waiting on the main queue or in the
// scheduled set. A queued promoted job still holds its reservation.
func (q *Queue) IsQueued(ctx context.Context, jobID string) (bool, error) {
	ids, err := q.kv.LRange(ctx, mainKey, 0, -1)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == jobID {
			return true, nil
		}
	}
	_, scheduled, err := q.kv.ZScore(ctx, scheduledKey, jobID)
	return scheduled, err
}

// Pause stops workers from dequeuing. In-flight jobs finish normally.
func (q *Queue) Pause(ctx context.Context) error {
	return q.kv.Set(ctx, pausedKey, "1", 0)
}

// Resume re-enables dequeuing.
func (q *Queue) Resume(ctx context.Context) error {
	return q.kv.Del(ctx, pausedKey)
}

// IsPaused reports the worker-level pause flag.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	return q.kv.Exists(ctx, pausedKey)
}

// ActiveCount returns how many jobs are currently being processed.
func (q *Queue) ActiveCount(ctx context.Context) (int64, error) {
	return q.kv.LLen(ctx, processingKey)
}

// PendingCount returns the main-queue depth.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	return q.kv.LLen(ctx, mainKey)
}

// CancelCampaignJobs drops every queued and scheduled job belonging to a
// campaign. Processing jobs are left to finish; the campaign's terminal
// state makes their dispatch a no-op. Returns the number cancelled.
func (q *Queue) CancelCampaignJobs(ctx context.Context, campaignID string) (int, error) {
	cancelled := 0

	ids, err := q.kv.LRange(ctx, mainKey, 0, -1)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		j, err := q.peek(ctx, id)
		if err != nil {
			return cancelled, err
		}
		if j == nil || j.CampaignID != campaignID {
			continue
		}
		if _, err := q.kv.LRem(ctx, mainKey, 0, id); err != nil {
			return cancelled, err
		}
		if err := q.kv.Del(ctx, jobKey(id)); err != nil {
			return cancelled, err
		}
		cancelled++
	}

	scheduled, err := q.kv.ZRangeWithScores(ctx, scheduledKey)
	if err != nil {
		return cancelled, err
	}
	for _, sm := range scheduled {
		j, err := q.peek(ctx, sm.Member)
		if err != nil {
			return cancelled, err
		}
		if j == nil {
			_ = q.kv.ZRem(ctx, scheduledKey, sm.Member)
			continue
		}
		if j.CampaignID != campaignID {
			continue
		}
		if err := q.kv.ZRem(ctx, scheduledKey, sm.Member); err != nil {
			return cancelled, err
		}
		if err := q.kv.Del(ctx, jobKey(sm.Member)); err != nil {
			return cancelled, err
		}
		cancelled++
	}

	if cancelled > 0 {
		log.Printf("[Queue] Cancelled %d jobs for campaign %s", cancelled, campaignID)
	}
	return cancelled, nil
}

// StalledJobs returns processing-list jobs whose processing started longer
// than the threshold ago. Time on the main queue does not count: the clock
// is the timestamp Dequeue records, so a job that waited for minutes is not
// stalled the moment a worker picks it up. The queue reconciler decides what
// to do with them.
func (q *Queue) StalledJobs(ctx context.Context, olderThan time.Duration) ([]*Job, error) {
	ids, err := q.kv.LRange(ctx, processingKey, 0, -1)
	if err != nil {
		return nil, err
	}
	cutoffMs := float64(time.Now().Add(-olderThan).UnixMilli())
	var stalled []*Job
	for _, id := range ids {
		j, err := q.peek(ctx, id)
		if err != nil {
			return nil, err
		}
		if j == nil {
			// Ghost entry with no payload.
			q.dropProcessing(ctx, id)
			continue
		}
		startedAt, ok, err := q.kv.ZScore(ctx, processingAtKey, id)
		if err != nil {
			return nil, err
		}
		// A missing clock entry means the worker died between the list move
		// and the clock write; treat it as stalled.
		if !ok || startedAt <= cutoffMs {
			stalled = append(stalled, j)
		}
	}
	return stalled, nil
}

// Remove drops a job from the processing list and deletes its payload.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	q.dropProcessing(ctx, jobID)
	_, _ = q.kv.LRem(ctx, mainKey, 0, jobID)
	return q.kv.Del(ctx, jobKey(jobID))
}

// Peek reads a job payload without touching the lists.
func (q *Queue) Peek(ctx context.Context, jobID string) (*Job, error) {
	return q.peek(ctx, jobID)
}

func (q *Queue) peek(ctx context.Context, id string) (*Job, error) {
	data, found, err := q.kv.Get(ctx, jobKey(id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var j Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, nil
	}
	return &j, nil
}
