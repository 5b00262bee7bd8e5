// Package queue owns the durable submission queue: the per-item state
// machine, retry scheduling, and progress events. A submission is
// persisted before any event about it is published, so a listener that
// reads the store right after an event sees consistent data.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civiq/fieldsync/internal/events"
	"github.com/civiq/fieldsync/internal/remote"
	"github.com/civiq/fieldsync/internal/store"
)

const keyPrefix = "queue:submission:"

var (
	ErrNotFound           = errors.New("submission not found")
	ErrInvalidState       = errors.New("submission is not in a state that allows this operation")
	ErrAttachmentTooLarge = errors.New("attachment exceeds per-file size ceiling")
	ErrQueueBytesExceeded = errors.New("queue aggregate size ceiling exceeded")
)

// backoffLadder is the fixed retry delay per attempt number, clamped at
// the last rung for any further attempts.
var backoffLadder = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

func backoffFor(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	if retryCount > len(backoffLadder) {
		retryCount = len(backoffLadder)
	}
	return backoffLadder[retryCount-1]
}

type Config struct {
	MaxRetries      int
	BatchSize       int
	SweepInterval   time.Duration
	MaxFileBytes    int64
	MaxTotalBytes   int64
	RetentionWindow time.Duration
}

type Queue struct {
	store     store.Store
	submitter remote.Submitter
	bus       *events.Bus
	online    func() bool
	config    Config
	now       func() time.Time

	mu         sync.Mutex
	items      map[string]*Submission
	processing bool

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

func New(st store.Store, submitter remote.Submitter, bus *events.Bus, online func() bool, cfg Config) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 3
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = 50 << 20
	}
	if cfg.MaxTotalBytes <= 0 {
		cfg.MaxTotalBytes = 200 << 20
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = 7 * 24 * time.Hour
	}
	if online == nil {
		online = func() bool { return true }
	}

	return &Queue{
		store:     st,
		submitter: submitter,
		bus:       bus,
		online:    online,
		config:    cfg,
		now:       time.Now,
		items:     make(map[string]*Submission),
		stopCh:    make(chan struct{}),
	}
}

// Load restores the durable queue state. Items caught in uploading by
// an unclean shutdown are reclassified to queued: an interrupted upload
// is never assumed successful.
func (q *Queue) Load(ctx context.Context) error {
	keys, err := q.store.ListKeys(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("failed to list queue keys: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	recovered := 0
	for _, key := range keys {
		value, ok, err := q.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", key, err)
		}
		if !ok {
			continue
		}

		var item Submission
		if err := json.Unmarshal([]byte(value), &item); err != nil {
			log.Printf("[queue] dropping unreadable entry %s: %v", key, err)
			q.store.Remove(ctx, key)
			continue
		}

		if item.Status == StatusUploading {
			item.Status = StatusQueued
			item.Progress = 0
			item.UpdatedAt = q.now()
			if err := q.persistLocked(ctx, &item); err != nil {
				return err
			}
			recovered++
		}

		q.items[item.ID] = &item
	}

	if recovered > 0 {
		log.Printf("[queue] recovered %d interrupted uploads back to queued", recovered)
	}
	log.Printf("[queue] loaded %d submissions", len(q.items))

	return nil
}

// Start launches the periodic sweep that picks up due retries and
// expires old terminal items.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.sweepLoop()
}

func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.mu.Unlock()

	close(q.stopCh)
	q.wg.Wait()
}

func (q *Queue) sweepLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), q.config.SweepInterval)
			q.Cleanup(ctx)
			cancel()
			q.ProcessQueue()
		}
	}
}

// Enqueue validates size ceilings, persists the submission as queued,
// publishes the queued event, and kicks processing when online. The
// ceiling check fails fast: nothing is persisted on rejection.
func (q *Queue) Enqueue(ctx context.Context, report remote.Report, attachments []remote.Attachment) (string, error) {
	var itemBytes int64
	for _, att := range attachments {
		if att.Size > q.config.MaxFileBytes {
			return "", fmt.Errorf("%w: %s is %d bytes (ceiling %d)",
				ErrAttachmentTooLarge, att.Name, att.Size, q.config.MaxFileBytes)
		}
		itemBytes += att.Size
	}
	if itemBytes > q.config.MaxTotalBytes {
		return "", fmt.Errorf("%w: submission is %d bytes (ceiling %d)",
			ErrQueueBytesExceeded, itemBytes, q.config.MaxTotalBytes)
	}

	now := q.now()
	item := &Submission{
		ID:          uuid.New().String(),
		Report:      report,
		Attachments: attachments,
		Status:      StatusQueued,
		MaxRetries:  q.config.MaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	q.mu.Lock()
	if q.activeBytesLocked()+itemBytes > q.config.MaxTotalBytes {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: queue holds %d bytes (ceiling %d)",
			ErrQueueBytesExceeded, itemBytes, q.config.MaxTotalBytes)
	}

	if err := q.persistLocked(ctx, item); err != nil {
		q.mu.Unlock()
		return "", err
	}
	q.items[item.ID] = item
	q.mu.Unlock()

	q.bus.Publish(events.Event{
		Type:         events.EventSubmissionQueued,
		SubmissionID: item.ID,
		Status:       string(StatusQueued),
		Message:      "submission queued",
	})

	log.Printf("[queue] enqueued submission %s (%d attachments, %d bytes)",
		item.ID, len(attachments), itemBytes)

	if q.online() {
		q.ProcessQueue()
	}

	return item.ID, nil
}

// activeBytesLocked sums attachment bytes of every item that can still
// reach the wire. Caller holds q.mu.
func (q *Queue) activeBytesLocked() int64 {
	var total int64
	for _, item := range q.items {
		if item.Status.terminal() {
			continue
		}
		total += item.TotalBytes()
	}
	return total
}

// ProcessQueue starts one concurrent pass over ready items. It is a
// no-op while a pass is already running or the device is offline, and
// returns without waiting for the batch to finish. The pass runs under
// a queue-owned context so attempts outlive whatever triggered them.
func (q *Queue) ProcessQueue() {
	if !q.online() {
		return
	}

	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return
	}

	batch := q.selectBatchLocked()
	if len(batch) == 0 {
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.mu.Unlock()

	log.Printf("[queue] processing batch of %d", len(batch))

	go func() {
		ctx := context.Background()

		var wg sync.WaitGroup
		for _, id := range batch {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				q.processItem(ctx, id)
			}(id)
		}
		wg.Wait()

		q.mu.Lock()
		q.processing = false
		more := len(q.selectBatchLocked()) > 0
		q.mu.Unlock()

		if more {
			q.ProcessQueue()
		}
	}()
}

// selectBatchLocked picks ready item ids oldest-first up to the batch
// size. Ready means queued, or retrying with the backoff elapsed.
// Caller holds q.mu.
func (q *Queue) selectBatchLocked() []string {
	now := q.now()

	ready := make([]*Submission, 0, len(q.items))
	for _, item := range q.items {
		switch item.Status {
		case StatusQueued:
			ready = append(ready, item)
		case StatusRetrying:
			if item.NextRetryAt == nil || !item.NextRetryAt.After(now) {
				ready = append(ready, item)
			}
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	if len(ready) > q.config.BatchSize {
		ready = ready[:q.config.BatchSize]
	}

	ids := make([]string, len(ready))
	for i, item := range ready {
		ids[i] = item.ID
	}
	return ids
}

func (q *Queue) processItem(ctx context.Context, id string) {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok || (item.Status != StatusQueued && item.Status != StatusRetrying) {
		q.mu.Unlock()
		return
	}

	report := item.Report
	attachments := append([]remote.Attachment(nil), item.Attachments...)

	item.Status = StatusUploading
	item.Progress = 50
	item.NextRetryAt = nil
	item.UpdatedAt = q.now()
	if err := q.persistLocked(ctx, item); err != nil {
		// Persisting the uploading marker is what makes a crash
		// mid-upload observable; without it the attempt must not start.
		item.Status = StatusQueued
		item.Progress = 0
		q.mu.Unlock()
		log.Printf("[queue] failed to persist uploading state for %s: %v", id, err)
		return
	}
	q.mu.Unlock()

	q.bus.Publish(events.Event{
		Type:         events.EventSubmissionProgress,
		SubmissionID: id,
		Status:       string(StatusUploading),
		Progress:     50,
		Message:      "uploading",
	})

	result, err := q.submitter.Submit(ctx, report, attachments)
	if err != nil {
		q.handleFailure(ctx, id, err)
		return
	}

	q.mu.Lock()
	item, ok = q.items[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	item.Status = StatusCompleted
	item.Progress = 100
	item.RecordID = result.RecordID
	item.ReferenceNumber = result.ReferenceNumber
	item.UpdatedAt = q.now()
	// Completed items leave the durable store immediately; the in-memory
	// record stays visible until ClearCompleted.
	if err := q.store.Remove(ctx, keyPrefix+id); err != nil {
		log.Printf("[queue] failed to remove completed %s from store: %v", id, err)
	}
	q.mu.Unlock()

	q.bus.Publish(events.Event{
		Type:         events.EventSubmissionCompleted,
		SubmissionID: id,
		Status:       string(StatusCompleted),
		Progress:     100,
		Message:      fmt.Sprintf("submitted as %s", result.ReferenceNumber),
	})

	log.Printf("[queue] submission %s completed (record %s, ref %s)",
		id, result.RecordID, result.ReferenceNumber)
}

func (q *Queue) handleFailure(ctx context.Context, id string, cause error) {
	kind := remote.FailureUnknown
	retryable := true
	var remoteErr *remote.Error
	if errors.As(cause, &remoteErr) {
		kind = remoteErr.Kind
		retryable = remoteErr.Retryable()
	}

	q.mu.Lock()
	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return
	}

	item.FailureReason = string(kind)
	item.ErrorMessage = cause.Error()
	item.UpdatedAt = q.now()

	var event events.Event
	if retryable && item.RetryCount < item.MaxRetries {
		item.RetryCount++
		delay := backoffFor(item.RetryCount)
		next := q.now().Add(delay)
		item.NextRetryAt = &next
		item.Status = StatusRetrying
		item.Progress = 0

		event = events.Event{
			Type:         events.EventSubmissionProgress,
			SubmissionID: id,
			Status:       string(StatusRetrying),
			Message:      fmt.Sprintf("retry %d/%d in %s", item.RetryCount, item.MaxRetries, delay),
			Error:        cause.Error(),
		}
		log.Printf("[queue] submission %s failed (%s), retry %d/%d in %s",
			id, kind, item.RetryCount, item.MaxRetries, delay)
	} else {
		item.Status = StatusFailed
		item.NextRetryAt = nil

		event = events.Event{
			Type:         events.EventSubmissionFailed,
			SubmissionID: id,
			Status:       string(StatusFailed),
			Message:      "submission failed",
			Error:        cause.Error(),
		}
		log.Printf("[queue] submission %s failed permanently (%s): %v", id, kind, cause)
	}

	if err := q.persistLocked(ctx, item); err != nil {
		// Events never outrun the store. The in-memory state still
		// carries the transition, so List and the retry sweep see it.
		q.mu.Unlock()
		log.Printf("[queue] failed to persist failure state for %s: %v", id, err)
		return
	}
	q.mu.Unlock()

	q.bus.Publish(event)
}

// Cancel moves a submission to cancelled. Returns false without error
// when the item is mid-upload: the in-flight attempt must finish first.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return false, ErrNotFound
	}

	if item.Status == StatusUploading {
		q.mu.Unlock()
		return false, nil
	}
	if item.Status.terminal() {
		q.mu.Unlock()
		return false, ErrInvalidState
	}

	item.Status = StatusCancelled
	item.NextRetryAt = nil
	item.UpdatedAt = q.now()
	if err := q.persistLocked(ctx, item); err != nil {
		q.mu.Unlock()
		return false, err
	}
	q.mu.Unlock()

	q.bus.Publish(events.Event{
		Type:         events.EventSubmissionProgress,
		SubmissionID: id,
		Status:       string(StatusCancelled),
		Message:      "submission cancelled",
	})

	log.Printf("[queue] submission %s cancelled", id)
	return true, nil
}

// Retry re-queues a failed submission with a fresh retry budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}

	if item.Status != StatusFailed {
		q.mu.Unlock()
		return ErrInvalidState
	}

	item.Status = StatusQueued
	item.RetryCount = 0
	item.NextRetryAt = nil
	item.FailureReason = ""
	item.ErrorMessage = ""
	item.Progress = 0
	item.UpdatedAt = q.now()
	if err := q.persistLocked(ctx, item); err != nil {
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()

	q.bus.Publish(events.Event{
		Type:         events.EventSubmissionQueued,
		SubmissionID: id,
		Status:       string(StatusQueued),
		Message:      "submission re-queued",
	})

	if q.online() {
		q.ProcessQueue()
	}

	return nil
}

// ClearCompleted drops completed submissions from the in-memory view.
// Their durable entries were already removed at completion time.
func (q *Queue) ClearCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cleared := 0
	for id, item := range q.items {
		if item.Status == StatusCompleted {
			delete(q.items, id)
			cleared++
		}
	}
	return cleared
}

// Cleanup removes cancelled and failed submissions older than the
// retention window. Safe to call repeatedly.
func (q *Queue) Cleanup(ctx context.Context) int {
	cutoff := q.now().Add(-q.config.RetentionWindow)

	q.mu.Lock()
	var expired []string
	for id, item := range q.items {
		if (item.Status == StatusCancelled || item.Status == StatusFailed) && item.UpdatedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(q.items, id)
	}
	q.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}

	keys := make([]string, len(expired))
	for i, id := range expired {
		keys[i] = keyPrefix + id
	}
	if err := q.store.RemoveMany(ctx, keys); err != nil {
		log.Printf("[queue] failed to remove expired entries: %v", err)
	}

	log.Printf("[queue] expired %d terminal submissions", len(expired))
	return len(expired)
}

func (q *Queue) Get(id string) (*Submission, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return item.clone(), nil
}

// List returns submissions, optionally filtered by status, newest
// first.
func (q *Queue) List(status Status) []*Submission {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]*Submission, 0, len(q.items))
	for _, item := range q.items {
		if status != "" && item.Status != status {
			continue
		}
		items = append(items, item.clone())
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items
}

func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{}
	for _, item := range q.items {
		stats.Total++
		switch item.Status {
		case StatusQueued:
			stats.Queued++
		case StatusUploading:
			stats.Uploading++
		case StatusRetrying:
			stats.Retrying++
		case StatusFailed:
			stats.Failed++
		case StatusCompleted:
			stats.Completed++
		case StatusCancelled:
			stats.Cancelled++
		}
		if !item.Status.terminal() {
			stats.TotalBytes += item.TotalBytes()
		}
	}
	return stats
}

// persistLocked serializes an item into the store. Caller holds q.mu;
// every state transition goes through here before any event fires.
func (q *Queue) persistLocked(ctx context.Context, item *Submission) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal submission %s: %w", item.ID, err)
	}
	if err := q.store.Set(ctx, keyPrefix+item.ID, string(data)); err != nil {
		return fmt.Errorf("failed to persist submission %s: %w", item.ID, err)
	}
	return nil
}
