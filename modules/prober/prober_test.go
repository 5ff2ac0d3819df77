package prober

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/vigilhq/vigil/modules/storage"
	"github.com/vigilhq/vigil/pkg/model"
	"github.com/vigilhq/vigil/pkg/queue"
)

func testProber(t *testing.T, cfg Config) (*Prober, *storage.MemoryStore, *queue.Queues) {
	t.Helper()
	mr := miniredis.RunT(t)
	q := queue.NewWithClient(
		queue.Config{KeyPrefix: "test", PopTimeout: 50 * time.Millisecond},
		redis.NewClient(&redis.Options{Addr: mr.Addr()}),
	)
	t.Cleanup(func() { _ = q.Close() })

	store := storage.NewMemory()
	return New(cfg, store, q), store, q
}

func seedTarget(t *testing.T, store storage.Store, clientID uuid.UUID, url string, codes ...int) *model.HTTPTarget {
	t.Helper()
	target, err := store.CreateHTTPTarget(context.Background(), &model.HTTPTarget{
		ClientID:            clientID,
		Name:                "t-" + uuid.NewString()[:8],
		URL:                 url,
		Method:              http.MethodGet,
		AcceptedStatusCodes: codes,
		TimeoutMS:           2000,
		CheckIntervalS:      60,
		IsActive:            true,
	})
	require.NoError(t, err)
	return target
}

func TestProbeHTTPStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/teapot":
			w.WriteHeader(http.StatusTeapot)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	p, store, _ := testProber(t, Config{MaxConcurrent: 4, MaxPerClient: 2})
	clientID := uuid.New()

	ok := p.probe(context.Background(), seedTarget(t, store, clientID, srv.URL+"/ok"))
	assert.True(t, ok.OK)
	assert.Equal(t, http.StatusOK, ok.Status)

	down := p.probe(context.Background(), seedTarget(t, store, clientID, srv.URL+"/down"))
	assert.False(t, down.OK)
	assert.Equal(t, http.StatusServiceUnavailable, down.Status)

	// non-200 is fine when declared acceptable
	teapot := p.probe(context.Background(), seedTarget(t, store, clientID, srv.URL+"/teapot", http.StatusTeapot))
	assert.True(t, teapot.OK)
}

func TestProbeTransportErrorIsStatusZero(t *testing.T) {
	p, store, _ := testProber(t, Config{MaxConcurrent: 4, MaxPerClient: 2})

	target := seedTarget(t, store, uuid.New(), "http://127.0.0.1:1/unreachable")
	outcome := p.probe(context.Background(), target)
	assert.False(t, outcome.OK)
	assert.Equal(t, 0, outcome.Status)
}

func TestProbeRedirectBound(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	p, store, _ := testProber(t, Config{MaxConcurrent: 4, MaxPerClient: 2})
	outcome := p.probe(context.Background(), seedTarget(t, store, uuid.New(), srv.URL+"/r"))
	assert.False(t, outcome.OK)
	assert.Equal(t, 0, outcome.Status, "an endless redirect chain is a transport failure")
}

func TestSweepRecordsAndEnqueues(t *testing.T) {
	p, store, q := testProber(t, Config{MaxConcurrent: 4, MaxPerClient: 2})
	clientID := uuid.New()
	target := seedTarget(t, store, clientID, "https://api.example.com/health")

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	p.probe = func(_ context.Context, _ *model.HTTPTarget) queue.ProbeOutcome {
		return queue.ProbeOutcome{OK: false, Status: 503, LatencyMS: 40, Ts: now}
	}

	require.NoError(t, p.Sweep(context.Background()))

	got, err := store.GetHTTPTarget(context.Background(), target.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastStatus)
	assert.Equal(t, 503, *got.LastStatus)
	require.NotNil(t, got.LastCheckAt)
	assert.Equal(t, now, *got.LastCheckAt)

	task, err := q.Dequeue(context.Background(), queue.Evaluate)
	require.NoError(t, err)
	require.NotNil(t, task)

	var et queue.EvaluateTask
	require.NoError(t, task.Decode(&et))
	assert.Equal(t, model.SubjectHTTP, et.Subject.Kind)
	assert.Equal(t, target.ID, et.Subject.TargetID)
	require.NotNil(t, et.Outcome)
	assert.Equal(t, 503, et.Outcome.Status)

	// the target is no longer due, the next sweep probes nothing
	probes := 0
	p.probe = func(_ context.Context, _ *model.HTTPTarget) queue.ProbeOutcome {
		probes++
		return queue.ProbeOutcome{OK: true, Status: 200, Ts: now}
	}
	require.NoError(t, p.Sweep(context.Background()))
	assert.Zero(t, probes)
}

func TestSweepHonorsConcurrencyCaps(t *testing.T) {
	p, store, _ := testProber(t, Config{MaxConcurrent: 8, MaxPerClient: 1})
	clientID := uuid.New()
	for i := 0; i < 4; i++ {
		seedTarget(t, store, clientID, "https://example.com/"+uuid.NewString())
	}

	var mu sync.Mutex
	inFlight := atomic.NewInt32(0)
	maxSeen := 0
	p.probe = func(_ context.Context, _ *model.HTTPTarget) queue.ProbeOutcome {
		n := int(inFlight.Inc())
		mu.Lock()
		if n > maxSeen {
			maxSeen = n
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		inFlight.Dec()
		return queue.ProbeOutcome{OK: true, Status: 200, Ts: time.Now()}
	}

	require.NoError(t, p.Sweep(context.Background()))
	assert.Equal(t, 1, maxSeen, "per-client cap of 1 must serialize a client's probes")
}
