package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taintguard/internal/alerts"
	"github.com/mbd888/taintguard/internal/retry"
	"github.com/mbd888/taintguard/internal/security"
	"github.com/mbd888/taintguard/internal/testutil"
)

var epoch = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestDispatcher(store Store) *Dispatcher {
	return NewDispatcher(store, nil).
		WithRetry(retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}).
		WithClock(clock.NewTestClock(epoch))
}

func flagEvent() alerts.Event {
	return alerts.Event{
		ID:        "evt_1",
		Type:      alerts.EventAddressFlagged,
		Timestamp: epoch,
		Data:      &alerts.Flag{Address: "thief", Reason: "clean zone entry"},
	}
}

type receiver struct {
	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	failures atomic.Int32 // respond 503 this many times first
	status   int
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.failures.Load() > 0 {
		r.failures.Add(-1)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.bodies = append(r.bodies, body)
	r.headers = append(r.headers, req.Header.Clone())
	r.mu.Unlock()
	if r.status != 0 {
		w.WriteHeader(r.status)
	}
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func TestSignVerify(t *testing.T) {
	payload := []byte(`{"type":"alert.raised"}`)
	ts := "1780315200"
	now := time.Unix(1780315200, 0)

	sig := Sign("s3cret", ts, payload)
	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.NoError(t, Verify("s3cret", ts, sig, payload, now, DefaultTolerance))

	assert.ErrorIs(t, Verify("other", ts, sig, payload, now, DefaultTolerance), ErrBadSignature)
	assert.ErrorIs(t, Verify("s3cret", ts, sig, []byte(`{}`), now, DefaultTolerance), ErrBadSignature)
	assert.ErrorIs(t, Verify("s3cret", ts, strings.TrimPrefix(sig, "sha256="), payload, now, DefaultTolerance), ErrBadSignature)
	assert.ErrorIs(t, Verify("s3cret", ts, sig, payload, now.Add(10*time.Minute), DefaultTolerance), ErrStale)
	assert.ErrorIs(t, Verify("s3cret", "soon", sig, payload, now, DefaultTolerance), ErrStale)
}

func TestDispatcher_DeliversSignedEvent(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh_all", URL: srv.URL, Secret: "k1", Active: true, CreatedAt: epoch}))
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh_alerts", URL: srv.URL, Secret: "k2", Active: true, CreatedAt: epoch,
		Events: []alerts.EventType{alerts.EventAlertRaised}}))
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh_off", URL: srv.URL, Secret: "k3", Active: false, CreatedAt: epoch}))

	d := newTestDispatcher(store)
	require.NoError(t, d.Deliver(ctx, flagEvent()))

	require.Equal(t, 1, rcv.count(), "only the catch-all subscription wants address.flagged")
	h := rcv.headers[0]
	assert.Equal(t, string(alerts.EventAddressFlagged), h.Get(HeaderEvent))
	assert.Equal(t, "evt_1", h.Get(HeaderDelivery))
	assert.NoError(t, Verify("k1", h.Get(HeaderTimestamp), h.Get(HeaderSignature), rcv.bodies[0], epoch, DefaultTolerance))

	var got struct {
		Type alerts.EventType `json:"type"`
		Data alerts.Flag      `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rcv.bodies[0], &got))
	assert.Equal(t, "thief", got.Data.Address)

	sub, err := store.Get(ctx, "wh_all")
	require.NoError(t, err)
	require.NotNil(t, sub.LastSuccess)
	assert.Zero(t, sub.ConsecutiveFailures)
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	rcv := &receiver{}
	rcv.failures.Store(2)
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh_1", URL: srv.URL, Secret: "k", Active: true}))

	require.NoError(t, newTestDispatcher(store).Deliver(ctx, flagEvent()))
	assert.Equal(t, 1, rcv.count())
}

func TestDispatcher_ClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh_1", URL: srv.URL, Secret: "k", Active: true}))

	err := newTestDispatcher(store).Deliver(ctx, flagEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 410")
	assert.Equal(t, int32(1), hits.Load())

	sub, _ := store.Get(ctx, "wh_1")
	assert.Equal(t, 1, sub.ConsecutiveFailures)
	assert.Equal(t, "status 410", sub.LastError)
	assert.True(t, sub.Active)
}

func TestDispatcher_DisablesAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh_1", URL: srv.URL, Secret: "k", Active: true,
		ConsecutiveFailures: MaxConsecutiveFailures - 1}))

	_ = newTestDispatcher(store).Deliver(ctx, flagEvent())
	sub, _ := store.Get(ctx, "wh_1")
	assert.False(t, sub.Active)

	active, _ := store.ListActive(ctx)
	assert.Empty(t, active)
}

func TestEnsureStatic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	urls := []string{"https://a.example.com/hook", "https://b.example.com/hook"}

	require.NoError(t, EnsureStatic(ctx, store, urls, "first", epoch))
	all, _ := store.List(ctx)
	require.Len(t, all, 2)

	// Second run rotates the secret and re-enables without duplicating.
	sub, _ := store.Get(ctx, StaticID(urls[0]))
	sub.Active = false
	sub.ConsecutiveFailures = MaxConsecutiveFailures
	require.NoError(t, store.Update(ctx, sub))

	require.NoError(t, EnsureStatic(ctx, store, urls, "second", epoch))
	all, _ = store.List(ctx)
	require.Len(t, all, 2)
	sub, _ = store.Get(ctx, StaticID(urls[0]))
	assert.True(t, sub.Active)
	assert.Equal(t, "second", sub.Secret)
	assert.Zero(t, sub.ConsecutiveFailures)
}

func TestMemoryStore_NotFound(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, err := store.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Update(ctx, &Subscription{ID: "nope"}), ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "nope"), ErrNotFound)
}

func TestHandler_Lifecycle(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	h := NewHandler(store, security.EndpointPolicy{AllowPrivate: true})
	r := gin.New()
	h.RegisterAdminRoutes(r.Group("/v1/admin", func(c *gin.Context) { c.Set("adminID", "admin-1") }))

	do := func(method, path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
		return w
	}

	w := do(http.MethodPost, "/v1/admin/webhooks", `{"url":"ftp://x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_url")

	w = do(http.MethodPost, "/v1/admin/webhooks", `{"url":"http://127.0.0.1:9/hook","events":["payment.received"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unknown_event")

	w = do(http.MethodPost, "/v1/admin/webhooks", `{"url":"http://127.0.0.1:9/hook","events":["alert.raised"]}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.Secret, 64)
	assert.Equal(t, "admin-1", created.Webhook.CreatedBy)
	assert.Empty(t, created.Webhook.Secret, "the subscription object never serializes its secret")

	w = do(http.MethodGet, "/v1/admin/webhooks", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), created.Secret)

	w = do(http.MethodDelete, "/v1/admin/webhooks/"+created.Webhook.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(http.MethodDelete, "/v1/admin/webhooks/"+created.Webhook.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh_pg", URL: "https://a.example.com", Secret: "k",
		Active: true, CreatedAt: epoch, Events: []alerts.EventType{alerts.EventAlertRaised}}))
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh_all", URL: "https://b.example.com", Secret: "k",
		Active: true, CreatedAt: epoch.Add(time.Second)}))

	got, err := store.Get(ctx, "wh_pg")
	require.NoError(t, err)
	assert.Equal(t, []alerts.EventType{alerts.EventAlertRaised}, got.Events)

	now := epoch.Add(time.Minute)
	got.LastSuccess = &now
	got.Active = false
	require.NoError(t, store.Update(ctx, got))

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "wh_all", active[0].ID)
	assert.Empty(t, active[0].Events)

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.NotNil(t, all[0].LastSuccess)

	require.NoError(t, store.Delete(ctx, "wh_pg"))
	_, err = store.Get(ctx, "wh_pg")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "wh_pg"), ErrNotFound)
}
