package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teukurijal/attendance-apps/internal/auth"
	"github.com/teukurijal/attendance-apps/internal/config"
	"github.com/teukurijal/attendance-apps/internal/integrity"
	"github.com/teukurijal/attendance-apps/internal/location"
	"github.com/teukurijal/attendance-apps/internal/store"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Agent: config.AgentConfig{
			BaseURL:  baseURL,
			Note:     "mobile",
			Platform: "linux",
		},
		Retry: config.RetryConfig{
			MaxRetries:        3,
			RetryDelayMs:      1,
			BackoffMultiplier: 2,
			APITimeoutSeconds: 5,
			MaxPending:        10,
		},
	}
}

func testStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return st
}

func authenticate(t *testing.T, st *store.Store) {
	t.Helper()
	ctx := context.Background()
	if err := st.SetIdentity(ctx, "12345", "RN_linux_1_testdev"); err != nil {
		t.Fatalf("set identity: %v", err)
	}
	if err := st.Set(ctx, store.KeySessionToken, "tok"); err != nil {
		t.Fatalf("set token: %v", err)
	}
}

func newTestUplink(t *testing.T, cfg *config.Config, st *store.Store) *Uplink {
	t.Helper()
	gate, err := auth.New(st, nil, cfg.Agent.BaseURL)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	return New(cfg, st, gate, integrity.NewProbe(nil), &http.Client{})
}

func sendErrKind(t *testing.T, err error) Kind {
	t.Helper()
	var serr *SendError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SendError, got %v", err)
	}
	return serr.Kind
}

var testSample = location.Sample{Latitude: 5.5483, Longitude: 95.3238, Accuracy: 8, CapturedAt: time.Now()}

func TestSendSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		if r.URL.Path != "/api/gps_log.php" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("User-Agent"); got != "EmployeeAttendanceApp/1.0" {
			t.Errorf("unexpected user agent %q", got)
		}

		var body reportBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.NIK != 12345 || body.DeviceID != "RN_linux_1_testdev" {
			t.Errorf("unexpected identity in body: %+v", body)
		}
		if body.Latitude != testSample.Latitude {
			t.Errorf("unexpected latitude %f", body.Latitude)
		}

		json.NewEncoder(w).Encode(APIResult{Status: "success", Message: "ok", LogID: 1})
	}))
	defer srv.Close()

	st := testStore(t)
	authenticate(t, st)
	u := newTestUplink(t, testConfig(srv.URL), st)

	result, err := u.Send(context.Background(), testSample)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.LogID != 1 {
		t.Fatalf("expected log_id 1, got %d", result.LogID)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 request, got %d", calls.Load())
	}
	if u.Offline() {
		t.Fatal("success must clear the offline flag")
	}
	if u.PendingCount() != 0 {
		t.Fatalf("expected empty queue, got %d", u.PendingCount())
	}
}

func TestSendRejectsWhenUnauthenticated(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	st := testStore(t)
	// identity present but no session
	if err := st.SetIdentity(context.Background(), "12345", "dev"); err != nil {
		t.Fatalf("set identity: %v", err)
	}
	u := newTestUplink(t, testConfig(srv.URL), st)

	_, err := u.Send(context.Background(), testSample)
	if kind := sendErrKind(t, err); kind != KindUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", kind)
	}
	if calls.Load() != 0 {
		t.Fatalf("precondition failure must not reach the network, got %d requests", calls.Load())
	}
	if u.PendingCount() != 0 {
		t.Fatal("precondition failure must not be queued")
	}
}

func TestSendRejectsWhenNotConfigured(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	st := testStore(t)
	// authenticated but no identity
	if err := st.Set(context.Background(), store.KeyUserNik, "abc"); err != nil {
		t.Fatalf("set nik: %v", err)
	}
	if err := st.Set(context.Background(), store.KeySessionToken, "tok"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	u := newTestUplink(t, testConfig(srv.URL), st)

	// non-numeric nik and missing device id both classify as not configured
	_, err := u.Send(context.Background(), testSample)
	if kind := sendErrKind(t, err); kind != KindNotConfigured {
		t.Fatalf("expected not_configured, got %s", kind)
	}
	if calls.Load() != 0 {
		t.Fatalf("precondition failure must not reach the network, got %d requests", calls.Load())
	}
}

func TestSendDoesNotRetryServerRejection(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	st := testStore(t)
	authenticate(t, st)
	u := newTestUplink(t, testConfig(srv.URL), st)

	_, err := u.Send(context.Background(), testSample)
	if kind := sendErrKind(t, err); kind != KindServerRejected {
		t.Fatalf("expected server_rejected, got %s", kind)
	}
	if calls.Load() != 1 {
		t.Fatalf("rejection must not be retried, got %d requests", calls.Load())
	}
	if u.PendingCount() != 0 {
		t.Fatal("rejection must not be queued")
	}
	if u.Offline() {
		t.Fatal("rejection must not mark the link offline")
	}
}

func TestSendDoesNotRetryApplicationError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(APIResult{Status: "error", Message: "outside geofence"})
	}))
	defer srv.Close()

	st := testStore(t)
	authenticate(t, st)
	u := newTestUplink(t, testConfig(srv.URL), st)

	_, err := u.Send(context.Background(), testSample)
	var serr *SendError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SendError, got %v", err)
	}
	if serr.Kind != KindServerRejected || serr.Message != "outside geofence" {
		t.Fatalf("unexpected error %v", serr)
	}
	if calls.Load() != 1 {
		t.Fatalf("application error must not be retried, got %d requests", calls.Load())
	}
}

func TestSendRetriesServerErrorsWithoutQueueing(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		mu.Lock()
		bodies = append(bodies, raw)
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	st := testStore(t)
	authenticate(t, st)
	cfg := testConfig(srv.URL)
	cfg.Retry.MaxRetries = 2
	u := newTestUplink(t, cfg, st)

	_, err := u.Send(context.Background(), testSample)
	if kind := sendErrKind(t, err); kind != KindNetworkTransient {
		t.Fatalf("expected network_transient, got %s", kind)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 3 {
		t.Fatalf("expected initial attempt plus 2 retries, got %d", len(bodies))
	}
	// every retry resends the identical payload
	for i := 1; i < len(bodies); i++ {
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("retry %d mutated the payload:\n%s\nvs\n%s", i, bodies[i], bodies[0])
		}
	}

	// 5xx is retryable but not connectivity-shaped
	if u.PendingCount() != 0 {
		t.Fatal("server errors must not be queued")
	}
	if u.Offline() {
		t.Fatal("server errors must not mark the link offline")
	}
}

func TestSendQueuesOnConnectivityFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	st := testStore(t)
	authenticate(t, st)
	cfg := testConfig(srv.URL)
	cfg.Retry.MaxRetries = 2
	u := newTestUplink(t, cfg, st)

	_, err := u.Send(context.Background(), testSample)
	if kind := sendErrKind(t, err); kind != KindNetworkTransient {
		t.Fatalf("expected network_transient, got %s", kind)
	}
	if u.PendingCount() != 1 {
		t.Fatalf("expected sample queued, got %d pending", u.PendingCount())
	}
	if !u.Offline() {
		t.Fatal("expected offline flag after connectivity failure")
	}
}

func TestCancelledSendIsNotQueued(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// healthy but slow: hold the request until the client gives up
		// (drain the body first so the server notices the disconnect)
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	st := testStore(t)
	authenticate(t, st)
	u := newTestUplink(t, testConfig(srv.URL), st)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := u.Send(ctx, testSample)
	if kind := sendErrKind(t, err); kind != KindCancelled {
		t.Fatalf("expected cancelled, got %s", kind)
	}
	if u.PendingCount() != 0 {
		t.Fatalf("cancellation must not queue the sample, got %d pending", u.PendingCount())
	}
	if u.Offline() {
		t.Fatal("cancellation must not mark the link offline")
	}
}

func TestCancelledDuringBackoffIsNotQueued(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	st := testStore(t)
	authenticate(t, st)
	cfg := testConfig(srv.URL)
	cfg.Retry.RetryDelayMs = 60000 // park the send in the backoff wait
	u := newTestUplink(t, cfg, st)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := u.Send(ctx, testSample)
	if kind := sendErrKind(t, err); kind != KindCancelled {
		t.Fatalf("expected cancelled, got %s", kind)
	}
	if u.PendingCount() != 0 {
		t.Fatalf("cancellation must not queue the sample, got %d pending", u.PendingCount())
	}
	if u.Offline() {
		t.Fatal("cancellation must not mark the link offline")
	}
}

func TestSuccessDrainsQueue(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(APIResult{Status: "success", LogID: int64(calls.Load())})
	}))
	defer srv.Close()

	st := testStore(t)
	authenticate(t, st)
	u := newTestUplink(t, testConfig(srv.URL), st)

	u.queue.Add(location.Sample{Latitude: 1, Longitude: 1})
	u.queue.Add(location.Sample{Latitude: 2, Longitude: 2})
	u.offline.Store(true)

	if _, err := u.Send(context.Background(), testSample); err != nil {
		t.Fatalf("send: %v", err)
	}

	if u.PendingCount() != 0 {
		t.Fatalf("expected drained queue, got %d pending", u.PendingCount())
	}
	if u.Offline() {
		t.Fatal("expected offline flag cleared")
	}
	if calls.Load() != 3 {
		t.Fatalf("expected fresh send plus 2 drained reports, got %d requests", calls.Load())
	}
}

func TestDrainRequeuesFailuresWithOriginalID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	st := testStore(t)
	authenticate(t, st)
	u := newTestUplink(t, testConfig(srv.URL), st)

	queued := u.queue.Add(location.Sample{Latitude: 1, Longitude: 1})

	u.Drain(context.Background())

	if u.PendingCount() != 1 {
		t.Fatalf("expected failed report requeued, got %d pending", u.PendingCount())
	}
	items := u.queue.PopAll()
	if items[0].ID != queued.ID {
		t.Fatalf("requeue changed report id: %q vs %q", items[0].ID, queued.ID)
	}
}

func TestAdjustTimeoutOnFastLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := testStore(t)
	u := newTestUplink(t, testConfig(srv.URL), st)

	if u.Timeout() != 5*time.Second {
		t.Fatalf("expected configured timeout, got %s", u.Timeout())
	}
	u.AdjustTimeout(context.Background())
	if u.Timeout() != 15*time.Second {
		t.Fatalf("expected 15s timeout on a fast link, got %s", u.Timeout())
	}
}

func TestAdjustTimeoutKeepsCurrentOnProbeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	st := testStore(t)
	u := newTestUplink(t, testConfig(srv.URL), st)

	u.AdjustTimeout(context.Background())
	if u.Timeout() != 5*time.Second {
		t.Fatalf("expected timeout unchanged after probe failure, got %s", u.Timeout())
	}
}

func TestIsTimeoutClassification(t *testing.T) {
	if !isTimeout(context.DeadlineExceeded) {
		t.Fatal("deadline exceeded must classify as timeout")
	}
	if isTimeout(errors.New("connection refused")) {
		t.Fatal("plain errors must not classify as timeout")
	}
}

func TestJoinPath(t *testing.T) {
	cases := []struct{ base, path, want string }{
		{"https://x.example/", "api/gps_log.php", "https://x.example/api/gps_log.php"},
		{"https://x.example", "/api/gps_log.php", "https://x.example/api/gps_log.php"},
		{"https://x.example/", "/api/gps_log.php", "https://x.example/api/gps_log.php"},
	}
	for _, tc := range cases {
		if got := joinPath(tc.base, tc.path); got != tc.want {
			t.Fatalf("joinPath(%q, %q) = %q, want %q", tc.base, tc.path, got, tc.want)
		}
	}
}
