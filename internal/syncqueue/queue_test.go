package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/invoicesync-backend/internal/dbtest"
	"github.com/angelmondragon/invoicesync-backend/pkg/db/models"
	"github.com/angelmondragon/invoicesync-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/invoicesync-backend/pkg/errors"
	"github.com/angelmondragon/invoicesync-backend/pkg/logger"
	"github.com/angelmondragon/invoicesync-backend/pkg/remote"
)

var queueStart = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSender struct {
	mu       sync.Mutex
	requests []remote.Request
	handler  func(req remote.Request) (remote.Response, error)
}

func (f *fakeSender) Do(_ context.Context, req remote.Request) (remote.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	handler := f.handler
	f.mu.Unlock()
	return handler(req)
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func respond(status int, body string) func(remote.Request) (remote.Response, error) {
	return func(remote.Request) (remote.Response, error) {
		return remote.Response{StatusCode: status, Body: []byte(body)}, nil
	}
}

type recordingNotifier struct {
	mu        sync.Mutex
	failures  []models.SyncQueueItem
	conflicts []models.SyncQueueItem
}

func (n *recordingNotifier) DurableFailure(_ context.Context, item models.SyncQueueItem) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, item)
}

func (n *recordingNotifier) Conflict(_ context.Context, item models.SyncQueueItem) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conflicts = append(n.conflicts, item)
}

type staticConnectivity struct{ online bool }

func (s *staticConnectivity) IsOnline() bool { return s.online }

type queueHarness struct {
	queue    *Queue
	repo     Repository
	sender   *fakeSender
	notifier *recordingNotifier
	clock    *testClock
	conn     *staticConnectivity
}

func newQueueHarness(t *testing.T, handler func(remote.Request) (remote.Response, error)) *queueHarness {
	t.Helper()
	db := dbtest.Open(t, &models.SyncQueueItem{}, &models.LocalEntity{})
	h := &queueHarness{
		repo:     NewRepository(db),
		sender:   &fakeSender{handler: handler},
		notifier: &recordingNotifier{},
		clock:    &testClock{now: queueStart},
		conn:     &staticConnectivity{online: true},
	}
	q, err := NewQueue(QueueParams{
		Logger:       logger.New(logger.Options{ServiceName: "sync-test", Output: io.Discard}),
		DB:           db,
		Sender:       h.sender,
		Notifier:     h.notifier,
		Connectivity: h.conn,
		Clock:        h.clock.Now,
		Rand:         rand.New(rand.NewSource(7)),
	})
	require.NoError(t, err)
	h.queue = q
	return h
}

func (h *queueHarness) enqueueInvoice(t *testing.T, entityID, payload string) *models.SyncQueueItem {
	t.Helper()
	item, err := h.queue.Enqueue(context.Background(), EnqueueInput{
		Type:       enums.SyncItemCreateInvoice,
		Endpoint:   "/api/v1/invoices",
		Method:     http.MethodPost,
		EntityType: "invoice",
		EntityID:   entityID,
		Payload:    json.RawMessage(payload),
	})
	require.NoError(t, err)
	return item
}

func TestEnqueueDrainSuccessRemovesItemAndMarksEntitySynced(t *testing.T) {
	h := newQueueHarness(t, respond(http.StatusCreated, `{"id":"srv-1"}`))
	ctx := context.Background()
	item := h.enqueueInvoice(t, "inv-1", `{"number":"INV-1"}`)
	require.Equal(t, enums.SyncItemStatusPending, item.Status)

	entity, err := h.repo.GetEntity(ctx, "invoice", "inv-1")
	require.NoError(t, err)
	require.False(t, entity.Synced)

	result, err := h.queue.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, result.Synced)

	_, err = h.repo.Get(ctx, item.ID)
	require.ErrorIs(t, err, ErrItemNotFound)
	entity, err = h.repo.GetEntity(ctx, "invoice", "inv-1")
	require.NoError(t, err)
	require.True(t, entity.Synced)
	require.NotNil(t, entity.SyncedAt)

	require.Equal(t, item.ID, h.sender.requests[0].IdempotencyKey)
	require.JSONEq(t, `{"number":"INV-1"}`, string(h.sender.requests[0].Body))
}

func TestEnqueueValidation(t *testing.T) {
	h := newQueueHarness(t, respond(http.StatusOK, ""))
	ctx := context.Background()

	cases := map[string]EnqueueInput{
		"bad method":   {Type: enums.SyncItemCreateCustomer, Endpoint: "/c", Method: "GET", Payload: json.RawMessage(`{}`)},
		"unknown type": {Type: "delete_everything", Endpoint: "/c", Method: http.MethodPost, Payload: json.RawMessage(`{}`)},
		"bad json":     {Type: enums.SyncItemCreateCustomer, Endpoint: "/c", Method: http.MethodPost, Payload: json.RawMessage(`{`)},
		"no endpoint":  {Type: enums.SyncItemCreateCustomer, Method: http.MethodPost, Payload: json.RawMessage(`{}`)},
		"half entity":  {Type: enums.SyncItemCreateCustomer, Endpoint: "/c", Method: http.MethodPost, EntityID: "c-1", Payload: json.RawMessage(`{}`)},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.queue.Enqueue(ctx, input)
			require.Error(t, err)
		})
	}
	items, err := h.queue.Items(ctx)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestConflictResolvedWithServerIsNeverResubmitted(t *testing.T) {
	h := newQueueHarness(t, respond(http.StatusConflict, `{"number":"INV-1","total":"200"}`))
	ctx := context.Background()
	item := h.enqueueInvoice(t, "inv-1", `{"number":"INV-1","total":"100"}`)

	result, err := h.queue.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, result.Conflicts)
	require.Len(t, h.notifier.conflicts, 1)

	stored, err := h.repo.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, enums.SyncItemStatusConflict, stored.Status)
	require.JSONEq(t, `{"number":"INV-1","total":"100"}`, string(stored.LocalData))
	require.JSONEq(t, `{"number":"INV-1","total":"200"}`, string(stored.ServerData))

	_, err = h.queue.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, h.sender.count(), "conflicted items are not replayed")

	require.NoError(t, h.queue.Resolve(ctx, item.ID, enums.ConflictKeepServer))
	_, err = h.repo.Get(ctx, item.ID)
	require.ErrorIs(t, err, ErrItemNotFound)
	entity, err := h.repo.GetEntity(ctx, "invoice", "inv-1")
	require.NoError(t, err)
	require.True(t, entity.Synced)
	require.JSONEq(t, `{"number":"INV-1","total":"200"}`, string(entity.Data))

	_, err = h.queue.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, h.sender.count())
}

func TestConflictResolvedWithLocalReentersPending(t *testing.T) {
	h := newQueueHarness(t, respond(http.StatusConflict, `{"total":"200"}`))
	ctx := context.Background()
	item := h.enqueueInvoice(t, "inv-2", `{"total":"100"}`)
	_, err := h.queue.Drain(ctx, TriggerManual)
	require.NoError(t, err)

	require.NoError(t, h.queue.Resolve(ctx, item.ID, enums.ConflictKeepLocal))
	stored, err := h.repo.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, enums.SyncItemStatusPending, stored.Status)
	require.Equal(t, 0, stored.RetryCount)
	require.Nil(t, stored.LastRetry)
	require.Nil(t, stored.Error)
	require.Empty(t, stored.ServerData)
	require.JSONEq(t, `{"total":"100"}`, string(stored.Payload))

	err = h.queue.Resolve(ctx, item.ID, enums.ConflictKeepLocal)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
	err = h.queue.Resolve(ctx, "missing", enums.ConflictKeepLocal)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	h.sender.handler = respond(http.StatusOK, `{}`)
	result, err := h.queue.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, result.Synced)
}

func TestConflictResolvedWithMergeFavorsLocal(t *testing.T) {
	h := newQueueHarness(t, respond(http.StatusConflict, `{"total":"200","notes":"server note","lines":[1,2]}`))
	ctx := context.Background()
	item := h.enqueueInvoice(t, "inv-3", `{"total":"100","lines":[3]}`)
	_, err := h.queue.Drain(ctx, TriggerManual)
	require.NoError(t, err)

	require.NoError(t, h.queue.Resolve(ctx, item.ID, enums.ConflictMerge))
	stored, err := h.repo.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, enums.SyncItemStatusPending, stored.Status)
	require.JSONEq(t, `{"total":"100","notes":"server note","lines":[3]}`, string(stored.Payload))

	err = h.queue.Resolve(ctx, item.ID, enums.ConflictMerge)
	require.Error(t, err)
}

func TestShallowMergeFallsBackToLocalForNonObjects(t *testing.T) {
	require.Equal(t, `[1]`, string(ShallowMerge([]byte(`{"a":1}`), []byte(`[1]`))))
	require.Equal(t, `{"a":2}`, string(ShallowMerge([]byte(`null`), []byte(`{"a":2}`))))
	require.JSONEq(t, `{"a":2,"b":1}`, string(ShallowMerge([]byte(`{"a":1,"b":1}`), []byte(`{"a":2}`))))
}

func TestFailureSchedulesJitteredRetry(t *testing.T) {
	h := newQueueHarness(t, respond(http.StatusInternalServerError, "boom"))
	ctx := context.Background()
	item := h.enqueueInvoice(t, "inv-4", `{}`)

	result, err := h.queue.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)

	stored, err := h.repo.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, enums.SyncItemStatusFailed, stored.Status)
	require.Equal(t, 1, stored.RetryCount)
	require.Equal(t, "HTTP 500: boom", *stored.Error)
	require.NotNil(t, stored.NextAttemptAt)
	delay := stored.NextAttemptAt.Sub(queueStart)
	require.GreaterOrEqual(t, delay, 10*time.Second)
	require.LessOrEqual(t, delay, 13*time.Second)

	result, err = h.queue.Drain(ctx, TriggerTimer)
	require.NoError(t, err)
	require.Equal(t, 1, result.NotDue)
	require.Equal(t, 1, h.sender.count())

	h.clock.Advance(13 * time.Second)
	_, err = h.queue.Drain(ctx, TriggerTimer)
	require.NoError(t, err)
	require.Equal(t, 2, h.sender.count())
}

func TestCeilingFlagsAttentionAndStopsRetries(t *testing.T) {
	h := newQueueHarness(t, func(remote.Request) (remote.Response, error) {
		return remote.Response{}, errors.New("connection refused")
	})
	ctx := context.Background()
	item := h.enqueueInvoice(t, "inv-5", `{}`)

	for i := 0; i < 8; i++ {
		_, err := h.queue.Drain(ctx, TriggerTimer)
		require.NoError(t, err)
		h.clock.Advance(time.Hour)
	}
	require.Equal(t, 5, h.sender.count())
	require.Len(t, h.notifier.failures, 1)

	stored, err := h.repo.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, 5, stored.RetryCount)
	require.True(t, stored.NeedsAttention)
	require.Equal(t, enums.SyncItemStatusFailed, stored.Status)
}

func TestDrainIsNoopWhileOffline(t *testing.T) {
	h := newQueueHarness(t, respond(http.StatusOK, ""))
	h.enqueueInvoice(t, "inv-6", `{}`)
	h.conn.online = false

	result, err := h.queue.Drain(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.True(t, result.Offline)
	require.Zero(t, h.sender.count())
}

func TestConcurrentTriggersCoalesceIntoOneFollowUp(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h := newQueueHarness(t, func(remote.Request) (remote.Response, error) {
		once.Do(func() {
			close(entered)
			<-release
		})
		return remote.Response{StatusCode: http.StatusOK}, nil
	})
	ctx := context.Background()
	h.enqueueInvoice(t, "inv-7", `{}`)

	done := make(chan DrainResult)
	go func() {
		result, _ := h.queue.Drain(ctx, TriggerManual)
		done <- result
	}()
	<-entered

	for i := 0; i < 3; i++ {
		result, err := h.queue.Drain(ctx, TriggerReconnect)
		require.NoError(t, err)
		require.True(t, result.Coalesced)
		require.Zero(t, result.Passes)
	}
	close(release)

	first := <-done
	require.Equal(t, 2, first.Passes, "three mid-drain triggers collapse into one extra pass")
	require.Equal(t, 1, first.Synced)
	require.Equal(t, 1, h.sender.count())
}

func TestGarbageCollect(t *testing.T) {
	h := newQueueHarness(t, respond(http.StatusOK, ""))
	ctx := context.Background()
	old := queueStart.Add(-8 * 24 * time.Hour)
	recent := queueStart.Add(-24 * time.Hour)

	seed := func(id string, status enums.SyncItemStatus, retries int, updated time.Time) {
		require.NoError(t, h.repo.Insert(ctx, &models.SyncQueueItem{
			ID: id, Type: enums.SyncItemBulkUpdate, Endpoint: "/bulk", Method: http.MethodPatch,
			Payload: json.RawMessage(`{}`), Status: status, RetryCount: retries,
			CreatedAt: updated, UpdatedAt: updated,
		}))
	}
	seed("expired", enums.SyncItemStatusFailed, 5, old)
	seed("recent-failure", enums.SyncItemStatusFailed, 5, recent)
	seed("still-retrying", enums.SyncItemStatusFailed, 2, old)
	seed("leftover-synced", enums.SyncItemStatusSynced, 0, recent)

	collected, err := h.queue.GarbageCollect(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), collected)

	items, err := h.queue.Items(ctx)
	require.NoError(t, err)
	ids := []string{}
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	require.ElementsMatch(t, []string{"recent-failure", "still-retrying"}, ids)
}

type recordingListener struct {
	mu     sync.Mutex
	events []bool
}

func (l *recordingListener) OnConnectivityChange(_ context.Context, online bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, online)
}

func TestMonitorNotifiesOnTransitionsOnly(t *testing.T) {
	m := NewMonitor(nil, "", 0, false)
	listener := &recordingListener{}
	m.Subscribe(listener)
	ctx := context.Background()

	m.Offline(ctx)
	m.Online(ctx)
	m.Online(ctx)
	m.Offline(ctx)

	require.Equal(t, []bool{true, false}, listener.events)
	require.False(t, m.IsOnline())
}

func TestReconnectTriggersRunLoopDrain(t *testing.T) {
	h := newQueueHarness(t, respond(http.StatusOK, ""))
	monitor := NewMonitor(nil, "", 0, false)
	monitor.Subscribe(h.queue)
	h.queue.connectivity = monitor
	h.enqueueInvoice(t, "inv-8", `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.queue.Run(ctx) }()

	monitor.Online(ctx)
	require.Eventually(t, func() bool { return h.sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

type fakeRegistrar struct {
	replay func(ctx context.Context) error
}

func (r *fakeRegistrar) Register(_ string, replay func(ctx context.Context) error) error {
	r.replay = replay
	return nil
}

func TestBackgroundReplayIsOptional(t *testing.T) {
	h := newQueueHarness(t, respond(http.StatusOK, ""))
	ctx := context.Background()
	require.False(t, h.queue.RegisterBackgroundReplay(ctx, nil))

	registrar := &fakeRegistrar{}
	require.True(t, h.queue.RegisterBackgroundReplay(ctx, registrar))
	h.enqueueInvoice(t, "inv-9", `{}`)
	require.NoError(t, registrar.replay(ctx))
	require.Equal(t, 1, h.sender.count())
}

func TestFailureMessageTruncatesOnRuneBoundary(t *testing.T) {
	body := []byte(strings.Repeat("€", errorBodyLimit+10))
	msg := failureMessage(remote.Response{StatusCode: http.StatusBadGateway, Body: body}, nil)

	require.True(t, utf8.ValidString(msg))
	require.Equal(t, "HTTP 502: "+strings.Repeat("€", errorBodyLimit), msg)

	require.Equal(t, "HTTP 500", failureMessage(remote.Response{StatusCode: http.StatusInternalServerError}, nil))
	require.Equal(t, "dial tcp: refused", failureMessage(remote.Response{}, errors.New("dial tcp: refused")))
}
