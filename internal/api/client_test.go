package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/szaher/vastctl/internal/query"
	"github.com/szaher/vastctl/internal/telemetry"
)

const testKey = "test-key"

// fakeClock advances instantly on Sleep.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	return nil
}

func (c *fakeClock) sleepCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sleeps)
}

// recorded is one request seen by the test server.
type recorded struct {
	Method string
	Path   string
	Query  map[string]string
	Body   map[string]any
	Header http.Header
}

func record(t *testing.T, r *http.Request) recorded {
	t.Helper()
	rec := recorded{Method: r.Method, Path: r.URL.Path, Query: map[string]string{}, Header: r.Header.Clone()}
	for k := range r.URL.Query() {
		rec.Query[k] = r.URL.Query().Get(k)
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		t.Errorf("read body: %v", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &rec.Body); err != nil {
			t.Errorf("request body is not a JSON object: %v (%s)", err, data)
		}
	}
	return rec
}

// newTestClient starts a server that records requests and answers with h.
func newTestClient(t *testing.T, h func(w http.ResponseWriter, r recorded), opts ...Option) (*Client, *fakeClock, func() []recorded) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := record(t, r)
		mu.Lock()
		seen = append(seen, rec)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		h(w, rec)
	}))
	t.Cleanup(srv.Close)

	clock := newFakeClock()
	all := append([]Option{
		WithBaseURL(srv.URL),
		WithAPIKey(testKey),
		WithClock(clock),
		WithRetry(3, time.Second),
	}, opts...)
	requests := func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return append([]recorded(nil), seen...)
	}
	return NewClient(all...), clock, requests
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

const instancesBody = `{"instances":[
 {"id":101,"actual_status":"running","status_msg":"","ssh_host":"ssh4.example.com","ssh_port":20101,
  "gpu_name":"RTX 4090","num_gpus":2,"gpu_ram":24564,"dph_total":0.72,"host_run_time":3600},
 {"id":102,"actual_status":"loading","status_msg":"pulling image","ssh_host":null,"ssh_port":null}
]}`

func TestSetAPIKey(t *testing.T) {
	c, _, requests := newTestClient(t, func(w http.ResponseWriter, r recorded) {
		_, _ = io.WriteString(w, `{"instances":[]}`)
	})
	if _, err := c.ListInstances(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.SetAPIKey(" rotated-key\n")
	if _, err := c.ListInstances(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reqs := requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	if reqs[0].Query["api_key"] != testKey || reqs[1].Query["api_key"] != "rotated-key" {
		t.Errorf("api keys sent: %q, %q", reqs[0].Query["api_key"], reqs[1].Query["api_key"])
	}
	if c.APIKey() != "rotated-key" {
		t.Errorf("APIKey() = %q", c.APIKey())
	}
}

// ---------------------------------------------------------------------------
// Instances
// ---------------------------------------------------------------------------

func TestListInstances(t *testing.T) {
	c, _, requests := newTestClient(t, func(w http.ResponseWriter, r recorded) {
		_, _ = io.WriteString(w, instancesBody)
	})

	list, err := c.ListInstances(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(list))
	}
	if list[0].ID != 101 || list[0].Status() != "running" || list[0].NumGPUs != 2 || list[0].SSHPort != 20101 {
		t.Errorf("unexpected first instance: %+v", list[0])
	}
	if string(list[0].Extra["host_run_time"]) != "3600" {
		t.Errorf("extra field not kept: %v", list[0].Extra)
	}

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	want := recorded{
		Method: http.MethodGet,
		Path:   "/instances",
		Query:  map[string]string{"owner": "me", "api_key": testKey},
	}
	if diff := cmp.Diff(want, reqs[0], cmpRequest); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}

	if got, ok := c.Cache().Get(102); !ok || got.StatusMsg != "pulling image" {
		t.Errorf("cache not populated: %+v %v", got, ok)
	}
}

// cmpRequest ignores headers, compared separately where they matter.
var cmpRequest = cmp.FilterPath(func(p cmp.Path) bool {
	return p.Last().String() == ".Header"
}, cmp.Ignore())

func TestListInstances_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	metrics := telemetry.NewMetrics()
	c, clock, _ := newTestClient(t, func(w http.ResponseWriter, r recorded) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "busy"})
			return
		}
		_, _ = io.WriteString(w, instancesBody)
	}, WithMetrics(metrics))

	list, err := c.ListInstances(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 instances, got %d", len(list))
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
	if clock.sleepCount() != 2 {
		t.Errorf("expected 2 retry pauses, got %d", clock.sleepCount())
	}
	if got := counterValue(t, metrics, "vastctl_api_retries_total"); got != 2 {
		t.Errorf("retries metric: got %v, want 2", got)
	}
}

func counterValue(t *testing.T, m *telemetry.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func TestListInstances_RetryExhausted(t *testing.T) {
	var calls atomic.Int32
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r recorded) {
		calls.Add(1)
		writeJSON(w, http.StatusBadGateway, map[string]string{"msg": "upstream down"})
	})

	_, err := c.ListInstances(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "upstream down" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestListInstances_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r recorded) {
		calls.Add(1)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_key"})
	})

	_, err := c.ListInstances(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestNoAPIKey(t *testing.T) {
	c := NewClient(WithBaseURL("http://127.0.0.1:1"))
	_, err := c.ListInstances(context.Background())
	if !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("expected ErrNoAPIKey, got %v", err)
	}
}

func TestGetInstance(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r recorded) {
		_, _ = io.WriteString(w, instancesBody)
	})

	in, found, err := c.GetInstance(context.Background(), 102)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found || in.ActualStatus != "loading" {
		t.Errorf("got %+v found=%v", in, found)
	}

	_, found, err = c.GetInstance(context.Background(), 999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Error("expected instance 999 to be absent")
	}
}

func TestRunningInstances(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r recorded) {
		_, _ = io.WriteString(w, instancesBody)
	})
	list, err := c.RunningInstances(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 1 || list[0].ID != 101 {
		t.Errorf("unexpected running instances: %+v", list)
	}
}

func TestInstanceActions(t *testing.T) {
	tests := []struct {
		name string
		call func(c *Client) error
		want recorded
	}{
		{
			name: "start",
			call: func(c *Client) error { return c.StartInstance(context.Background(), 7) },
			want: recorded{Method: http.MethodPut, Path: "/instances/7/", Body: map[string]any{"state": "running"}},
		},
		{
			name: "stop",
			call: func(c *Client) error { return c.StopInstance(context.Background(), 7) },
			want: recorded{Method: http.MethodPut, Path: "/instances/7/", Body: map[string]any{"state": "stopped"}},
		},
		{
			name: "destroy",
			call: func(c *Client) error { return c.DestroyInstance(context.Background(), 7) },
			want: recorded{Method: http.MethodDelete, Path: "/instances/7/", Body: map[string]any{}},
		},
		{
			name: "change bid",
			call: func(c *Client) error { return c.ChangeBid(context.Background(), 7, 0.25) },
			want: recorded{Method: http.MethodPut, Path: "/instances/bid_price/7/", Body: map[string]any{"client_id": "me", "price": 0.25}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, _, requests := newTestClient(t, func(w http.ResponseWriter, r recorded) {
				writeJSON(w, http.StatusOK, map[string]any{"success": true})
			})
			if err := tc.call(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			reqs := requests()
			if len(reqs) != 1 {
				t.Fatalf("expected 1 request, got %d", len(reqs))
			}
			tc.want.Query = map[string]string{"api_key": testKey}
			if diff := cmp.Diff(tc.want, reqs[0], cmpRequest); diff != "" {
				t.Errorf("request mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInstanceAction_NotSuccessful(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r recorded) {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "msg": "instance is locked"})
	})
	err := c.StopInstance(context.Background(), 9)
	var instErr *InstanceError
	if !errors.As(err, &instErr) {
		t.Fatalf("expected *InstanceError, got %T: %v", err, err)
	}
	if instErr.ID != 9 || instErr.Message != "instance is locked" {
		t.Errorf("unexpected error: %+v", instErr)
	}
}

func TestDestroyInstance_EvictsCache(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r recorded) {
		if r.Method == http.MethodGet {
			_, _ = io.WriteString(w, instancesBody)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	if _, err := c.ListInstances(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.DestroyInstance(context.Background(), 101); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := c.Cache().Get(101); ok {
		t.Error("destroyed instance still cached")
	}
}

func TestStopAllInstances(t *testing.T) {
	c, _, requests := newTestClient(t, func(w http.ResponseWriter, r recorded) {
		if r.Method == http.MethodGet {
			_, _ = io.WriteString(w, instancesBody)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	if err := c.StopAllInstances(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var paths []string
	for _, r := range requests() {
		if r.Method == http.MethodPut {
			paths = append(paths, r.Path)
		}
	}
	if diff := cmp.Diff([]string{"/instances/101/", "/instances/102/"}, paths); diff != "" {
		t.Errorf("stop requests mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateInstance(t *testing.T) {
	onstart := filepath.Join(t.TempDir(), "onstart.sh")
	if err := os.WriteFile(onstart, []byte("echo hi\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	c, _, requests := newTestClient(t, func(w http.ResponseWriter, r recorded) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "new_contract": 555})
	})

	price := 0.4
	res, err := c.CreateInstance(context.Background(), 1234, CreateOptions{
		Image:       "pytorch/pytorch",
		Price:       &price,
		Disk:        20,
		Label:       "train",
		Onstart:     "ignored",
		OnstartFile: onstart,
		Jupyter:     true,
		JupyterLab:  true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.NewContract != 555 {
		t.Errorf("unexpected result: %+v", res)
	}

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	want := recorded{
		Method: http.MethodPut,
		Path:   "/asks/1234/",
		Query:  map[string]string{"api_key": testKey},
		Body: map[string]any{
			"client_id":       "me",
			"image":           "pytorch/pytorch",
			"price":           0.4,
			"disk":            float64(20),
			"label":           "train",
			"onstart":         "echo hi\n",
			"runtype":         "jupyter",
			"python_utf8":     false,
			"lang_utf8":       false,
			"use_jupyter_lab": true,
			"jupyter_dir":     nil,
			"create_from":     nil,
			"force":           false,
		},
	}
	if diff := cmp.Diff(want, reqs[0], cmpRequest); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateInstance_Defaults(t *testing.T) {
	c, _, requests := newTestClient(t, func(w http.ResponseWriter, r recorded) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "new_contract": 1})
	})
	if _, err := c.CreateInstance(context.Background(), 1, CreateOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := requests()[0].Body
	if body["image"] != DefaultImage || body["disk"] != DefaultDisk || body["runtype"] != "ssh" || body["price"] != nil {
		t.Errorf("unexpected defaults: %v", body)
	}
}

func TestCreateInstance_Rejected(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r recorded) {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "msg": "offer no longer available"})
	})
	_, err := c.CreateInstance(context.Background(), 1, CreateOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func TestLogin(t *testing.T) {
	c, _, requests := newTestClient(t, func(w http.ResponseWriter, r recorded) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id": 3, "username": "alice", "api_key": "new-key", "ssh_key": "ssh-rsa AAAA", "credit": 12.5,
		})
	}, WithAPIKey(""))

	u, err := c.Login(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.APIKey != "new-key" || u.SSHKey != "ssh-rsa AAAA" || u.Credit != 12.5 {
		t.Errorf("unexpected user: %+v", u)
	}
	if c.APIKey() != "new-key" {
		t.Errorf("client key not updated: %q", c.APIKey())
	}

	want := recorded{
		Method: http.MethodPut,
		Path:   "/users/current/",
		Query:  map[string]string{},
		Body:   map[string]any{"username": "alice", "password": "pw"},
	}
	if diff := cmp.Diff(want, requests()[0], cmpRequest); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestLogin_Rejected(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusBadRequest} {
		c, _, _ := newTestClient(t, func(w http.ResponseWriter, r recorded) {
			writeJSON(w, status, map[string]string{"error": "bad credentials"})
		}, WithAPIKey(""))
		_, err := c.Login(context.Background(), "alice", "wrong")
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("status %d: expected ErrUnauthorized, got %v", status, err)
		}
		if c.APIKey() != "" {
			t.Errorf("status %d: key should stay empty", status)
		}
	}
}

func TestCurrentUser(t *testing.T) {
	c, _, requests := newTestClient(t, func(w http.ResponseWriter, r recorded) {
		writeJSON(w, http.StatusOK, map[string]any{"id": 3, "username": "alice", "balance": 4.0, "sms_notify": true})
	})
	u, err := c.CurrentUser(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Username != "alice" || u.Balance != 4 {
		t.Errorf("unexpected user: %+v", u)
	}
	if string(u.Extra["sms_notify"]) != "true" {
		t.Errorf("extra not kept: %v", u.Extra)
	}
	if r := requests()[0]; r.Method != http.MethodGet || r.Query["api_key"] != testKey {
		t.Errorf("unexpected request: %+v", r)
	}
}

// ---------------------------------------------------------------------------
// Offers
// ---------------------------------------------------------------------------

func TestSearchOffers(t *testing.T) {
	c, _, requests := newTestClient(t, func(w http.ResponseWriter, r recorded) {
		_, _ = io.WriteString(w, `{"offers":[{"id":1,"gpu_name":"RTX 3090","num_gpus":2,"dph_total":0.5,"verified":true,"score":12.3}]}`)
	})

	offers, err := c.SearchOffers(context.Background(), query.Params{
		Expression: "num_gpus>=2",
		Order:      "dph",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(offers) != 1 || offers[0].GPUName != "RTX 3090" || !offers[0].Verified {
		t.Errorf("unexpected offers: %+v", offers)
	}
	if string(offers[0].Extra["score"]) != "12.3" {
		t.Errorf("extra not kept: %v", offers[0].Extra)
	}

	r := requests()[0]
	if r.Path != "/bundles" {
		t.Errorf("path: got %q", r.Path)
	}
	want := `{"external": {"eq": false}, "num_gpus": {"gte": 2}, "rentable": {"eq": true}, "verified": {"eq": true}, "order": [["dph_total", "asc"]], "type": "on-demand"}`
	if r.Query["q"] != want {
		t.Errorf("q parameter:\n got %s\nwant %s", r.Query["q"], want)
	}
}

func TestSearchOffers_ParseError(t *testing.T) {
	c, _, requests := newTestClient(t, func(w http.ResponseWriter, r recorded) {
		t.Error("no request expected")
	})
	_, err := c.SearchOffers(context.Background(), query.Params{Expression: "num_gpus"})
	var perr *query.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *query.ParseError, got %v", err)
	}
	if len(requests()) != 0 {
		t.Error("request sent despite parse error")
	}
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func TestRequestID(t *testing.T) {
	c, _, requests := newTestClient(t, func(w http.ResponseWriter, r recorded) {
		_, _ = io.WriteString(w, `{"instances":[]}`)
	})
	ctx := telemetry.WithCorrelationID(context.Background(), "corr-1")
	if _, err := c.ListInstances(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := requests()[0].Header.Get("X-Request-ID"); got != "corr-1" {
		t.Errorf("X-Request-ID: got %q", got)
	}
}

func TestRequestMetrics(t *testing.T) {
	metrics := telemetry.NewMetrics()
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r recorded) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}, WithMetrics(metrics))

	if err := c.StartInstance(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.StartInstance(context.Background(), 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, err := testutil.GatherAndCount(metrics.Registry(), "vastctl_api_requests_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 1 {
		t.Errorf("expected one series for the templated route, got %d", n)
	}
}

func TestTransportError_HidesKey(t *testing.T) {
	c := NewClient(WithBaseURL("http://127.0.0.1:1"), WithAPIKey("super-secret"), WithRetry(1, 0))
	_, err := c.CurrentUser(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); strings.Contains(got, "super-secret") {
		t.Errorf("error leaks api key: %s", got)
	}
}
