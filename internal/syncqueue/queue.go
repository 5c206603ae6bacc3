package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/invoicesync-backend/pkg/backoff"
	"github.com/angelmondragon/invoicesync-backend/pkg/classify"
	"github.com/angelmondragon/invoicesync-backend/pkg/db/models"
	"github.com/angelmondragon/invoicesync-backend/pkg/enums"
	"github.com/angelmondragon/invoicesync-backend/pkg/logger"
	"github.com/angelmondragon/invoicesync-backend/pkg/metrics"
	"github.com/angelmondragon/invoicesync-backend/pkg/remote"
)

const (
	defaultRetryCeiling  = 5
	defaultMaxAge        = 7 * 24 * time.Hour
	defaultDrainInterval = 30 * time.Second
	errorBodyLimit       = 512
)

// Drain triggers.
const (
	TriggerTimer      = "timer"
	TriggerReconnect  = "reconnect"
	TriggerManual     = "manual"
	TriggerBackground = "background"
)

// Sender replays one mutation against the backend.
type Sender interface {
	Do(ctx context.Context, req remote.Request) (remote.Response, error)
}

// Connectivity reports whether the device currently believes it is online.
type Connectivity interface {
	IsOnline() bool
}

// QueueParams configure the sync queue.
type QueueParams struct {
	Logger       *logger.Logger
	DB           *gorm.DB
	Sender       Sender
	Notifier     Notifier
	Connectivity Connectivity
	Metrics      *metrics.SyncMetrics

	Policy         backoff.Policy
	JitterFraction float64
	RetryCeiling   int
	MaxAge         time.Duration
	DrainInterval  time.Duration
	Clock          func() time.Time
	Rand           *rand.Rand
}

// Queue is the device-local outbox. Drains are single-flight; triggers that arrive
// mid-drain collapse into one follow-up pass.
type Queue struct {
	logg         *logger.Logger
	db           *gorm.DB
	repo         Repository
	sender       Sender
	notifier     Notifier
	connectivity Connectivity
	metrics      *metrics.SyncMetrics
	validate     *validator.Validate

	policy   backoff.Policy
	jitter   float64
	ceiling  int
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	draining atomic.Bool
	rerun    atomic.Bool
	kick     chan string
}

// EnqueueInput describes one local mutation.
type EnqueueInput struct {
	Type       enums.SyncItemType `validate:"required"`
	Endpoint   string             `validate:"required"`
	Method     string             `validate:"required,oneof=POST PUT PATCH DELETE"`
	EntityType string             `validate:"required_with=EntityID"`
	EntityID   string             `validate:"required_with=EntityType"`
	Payload    json.RawMessage    `validate:"required"`
}

// DrainResult summarizes the passes made by one Drain call.
type DrainResult struct {
	Passes    int
	Synced    int
	Conflicts int
	Failed    int
	NotDue    int
	Attention int
	Offline   bool
	Coalesced bool
}

// NewQueue validates dependencies and applies client defaults.
func NewQueue(params QueueParams) (*Queue, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.DB == nil {
		return nil, errors.New("local store required")
	}
	if params.Sender == nil {
		return nil, errors.New("sender required")
	}
	notifier := params.Notifier
	if notifier == nil {
		notifier = NewLogNotifier(params.Logger)
	}
	policy := params.Policy
	if policy.Base <= 0 {
		policy = backoff.ClientPolicy
	}
	jitter := params.JitterFraction
	if jitter <= 0 {
		jitter = backoff.DefaultJitterFraction
	}
	ceiling := params.RetryCeiling
	if ceiling <= 0 {
		ceiling = defaultRetryCeiling
	}
	maxAge := params.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	interval := params.DrainInterval
	if interval <= 0 {
		interval = defaultDrainInterval
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	rng := params.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Queue{
		logg:         params.Logger,
		db:           params.DB,
		repo:         NewRepository(params.DB),
		sender:       params.Sender,
		notifier:     notifier,
		connectivity: params.Connectivity,
		metrics:      params.Metrics,
		validate:     validator.New(),
		policy:       policy,
		jitter:       jitter,
		ceiling:      ceiling,
		maxAge:       maxAge,
		interval:     interval,
		now:          func() time.Time { return clock().UTC() },
		rng:          rng,
		kick:         make(chan string, 1),
	}, nil
}

// Enqueue persists a pending mutation. A store failure is returned to the caller and the mutation is not kept.
func (q *Queue) Enqueue(ctx context.Context, input EnqueueInput) (*models.SyncQueueItem, error) {
	if err := q.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("invalid sync item: %w", err)
	}
	if !input.Type.IsValid() {
		return nil, fmt.Errorf("invalid sync item type %q", input.Type)
	}
	if !json.Valid(input.Payload) {
		return nil, errors.New("sync item payload is not valid json")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate queue id: %w", err)
	}

	now := q.now()
	item := &models.SyncQueueItem{
		ID:         id.String(),
		Type:       input.Type,
		Endpoint:   input.Endpoint,
		Method:     input.Method,
		EntityType: input.EntityType,
		EntityID:   input.EntityID,
		Payload:    input.Payload,
		Status:     enums.SyncItemStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := q.repo.WithTx(tx)
		if err := repo.Insert(ctx, item); err != nil {
			return fmt.Errorf("insert queue item: %w", err)
		}
		if item.EntityID == "" {
			return nil
		}
		return repo.UpsertEntity(ctx, &models.LocalEntity{
			EntityType: item.EntityType,
			EntityID:   item.EntityID,
			Data:       item.Payload,
			UpdatedAt:  now,
		})
	})
	if err != nil {
		return nil, err
	}
	q.logg.Info(q.logg.WithFields(ctx, map[string]any{
		"queue_item_id": item.ID,
		"type":          item.Type,
		"entity_id":     item.EntityID,
	}), "mutation queued")
	return item, nil
}

// Online reports the connectivity state; without a connectivity source the queue assumes online.
func (q *Queue) Online() bool {
	if q.connectivity == nil {
		return true
	}
	return q.connectivity.IsOnline()
}

// OnConnectivityChange schedules a drain when the device comes back online.
func (q *Queue) OnConnectivityChange(ctx context.Context, online bool) {
	if !online {
		q.logg.Info(ctx, "device offline; drains paused")
		return
	}
	q.TriggerDrain(TriggerReconnect)
}

// TriggerDrain asks the Run loop for a drain without waiting for it.
func (q *Queue) TriggerDrain(trigger string) {
	select {
	case q.kick <- trigger:
	default:
	}
}

// Run drains on the configured interval and whenever a trigger arrives.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			q.logg.Info(ctx, "sync queue context canceled")
			return ctx.Err()
		case <-ticker.C:
			q.drainAndLog(ctx, TriggerTimer)
		case trigger := <-q.kick:
			q.drainAndLog(ctx, trigger)
		}
	}
}

func (q *Queue) drainAndLog(ctx context.Context, trigger string) {
	result, err := q.Drain(ctx, trigger)
	ctx = q.logg.WithFields(ctx, map[string]any{
		"trigger":   trigger,
		"passes":    result.Passes,
		"synced":    result.Synced,
		"conflicts": result.Conflicts,
		"failed":    result.Failed,
		"not_due":   result.NotDue,
	})
	if err != nil {
		q.logg.Error(ctx, "sync drain finished with errors", err)
		return
	}
	if result.Passes > 0 && (result.Synced+result.Conflicts+result.Failed) > 0 {
		q.logg.Info(ctx, "sync drain complete")
	}
}

// Drain replays due items. A call made while another drain runs returns immediately with
// Coalesced set, and the running drain makes exactly one more pass when it finishes.
func (q *Queue) Drain(ctx context.Context, trigger string) (DrainResult, error) {
	if !q.Online() {
		return DrainResult{Offline: true}, nil
	}
	var total DrainResult
	var errs error
	for {
		if !q.draining.CompareAndSwap(false, true) {
			q.rerun.Store(true)
			total.Coalesced = true
			return total, errs
		}
		for {
			q.rerun.Store(false)
			if q.metrics != nil {
				q.metrics.IncDrain(trigger)
			}
			pass, err := q.drainPass(ctx)
			total.add(pass)
			errs = multierr.Append(errs, err)
			if !q.rerun.Load() || ctx.Err() != nil {
				break
			}
		}
		q.draining.Store(false)
		if !q.rerun.Load() || ctx.Err() != nil {
			return total, errs
		}
	}
}

func (r *DrainResult) add(pass DrainResult) {
	r.Passes++
	r.Synced += pass.Synced
	r.Conflicts += pass.Conflicts
	r.Failed += pass.Failed
	r.NotDue += pass.NotDue
	r.Attention += pass.Attention
	r.Offline = r.Offline || pass.Offline
}

func (q *Queue) drainPass(ctx context.Context) (DrainResult, error) {
	var result DrainResult
	items, err := q.repo.ListReplayable(ctx, q.ceiling)
	if err != nil {
		return result, fmt.Errorf("list replayable items: %w", err)
	}

	var errs error
	for i := range items {
		if ctx.Err() != nil {
			break
		}
		if !q.Online() {
			result.Offline = true
			break
		}
		item := items[i]
		if !q.due(item) {
			result.NotDue++
			continue
		}
		if err := q.replay(ctx, item, &result); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("item %s: %w", item.ID, err))
		}
	}

	if q.metrics != nil {
		if depth, err := q.repo.CountActive(ctx); err == nil {
			q.metrics.SetDepth(depth)
		}
	}
	return result, errs
}

func (q *Queue) due(item models.SyncQueueItem) bool {
	now := q.now()
	if item.NextAttemptAt != nil {
		return !now.Before(*item.NextAttemptAt)
	}
	if item.LastRetry != nil {
		return !now.Before(item.LastRetry.Add(q.policy.Next(item.RetryCount)))
	}
	return true
}

func (q *Queue) replay(ctx context.Context, item models.SyncQueueItem, result *DrainResult) error {
	itemCtx := q.logg.WithQueueItemID(ctx, item.ID)
	resp, err := q.sender.Do(ctx, remote.Request{
		Method:         item.Method,
		Endpoint:       item.Endpoint,
		Body:           item.Payload,
		IdempotencyKey: item.ID,
	})

	switch {
	case err == nil && resp.Success():
		if err := q.markSynced(ctx, item); err != nil {
			return err
		}
		result.Synced++
		q.observe("synced")
		return nil
	case err == nil && resp.Conflict():
		serverData := json.RawMessage(resp.Body)
		if len(serverData) == 0 || !json.Valid(serverData) {
			serverData = json.RawMessage("null")
		}
		if err := q.repo.MarkConflict(ctx, item.ID, item.Payload, serverData, q.now()); err != nil {
			return fmt.Errorf("mark conflict: %w", err)
		}
		item.Status = enums.SyncItemStatusConflict
		item.LocalData = item.Payload
		item.ServerData = serverData
		result.Conflicts++
		q.observe("conflict")
		q.notifier.Conflict(itemCtx, item)
		return nil
	}

	return q.recordFailure(itemCtx, item, resp, err, result)
}

func (q *Queue) markSynced(ctx context.Context, item models.SyncQueueItem) error {
	now := q.now()
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := q.repo.WithTx(tx)
		if err := repo.Delete(ctx, item.ID); err != nil {
			return fmt.Errorf("delete synced item: %w", err)
		}
		if item.EntityID == "" {
			return nil
		}
		if err := repo.MarkEntitySynced(ctx, item.EntityType, item.EntityID, nil, now); err != nil {
			return fmt.Errorf("mark entity synced: %w", err)
		}
		return nil
	})
}

func (q *Queue) recordFailure(ctx context.Context, item models.SyncQueueItem, resp remote.Response, sendErr error, result *DrainResult) error {
	now := q.now()
	retryCount := item.RetryCount + 1
	message := failureMessage(resp, sendErr)
	next := now.Add(q.jittered(q.policy.Next(retryCount)))
	attention := retryCount >= q.ceiling

	if err := q.repo.MarkFailure(ctx, item.ID, FailureUpdate{
		Error:          message,
		Now:            now,
		NextAttemptAt:  next,
		NeedsAttention: attention,
	}); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	result.Failed++
	q.observe("failed")

	ctx = q.logg.WithFields(ctx, map[string]any{
		"error_class":     classify.FromResponse(resp.StatusCode, sendErr),
		"retry_count":     retryCount,
		"next_attempt_at": next,
	})
	if !attention {
		q.logg.Warn(ctx, "sync item replay failed; retry scheduled")
		return nil
	}

	item.Status = enums.SyncItemStatusFailed
	item.RetryCount = retryCount
	item.Error = &message
	item.NeedsAttention = true
	result.Attention++
	q.observe("attention")
	q.notifier.DurableFailure(ctx, item)
	return nil
}

func (q *Queue) jittered(d time.Duration) time.Duration {
	q.rngMu.Lock()
	defer q.rngMu.Unlock()
	return backoff.Jitter(d, q.jitter, q.rng)
}

func (q *Queue) observe(result string) {
	if q.metrics != nil {
		q.metrics.IncItem(result)
	}
}

func failureMessage(resp remote.Response, err error) string {
	if err != nil {
		return err.Error()
	}
	body := strings.ToValidUTF8(string(resp.Body), "\uFFFD")
	if runes := []rune(body); len(runes) > errorBodyLimit {
		body = string(runes[:errorBodyLimit])
	}
	if body == "" {
		return fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, body)
}

// Items lists queue items, optionally filtered by status.
func (q *Queue) Items(ctx context.Context, statuses ...enums.SyncItemStatus) ([]models.SyncQueueItem, error) {
	return q.repo.ListByStatus(ctx, statuses...)
}
