// Package e2e boots a complete graphloom instance against a real TCP
// listener and drives it over HTTP, with only the LLM scripted.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spindlework/graphloom/pkg/api"
	"github.com/spindlework/graphloom/pkg/commit"
	"github.com/spindlework/graphloom/pkg/config"
	"github.com/spindlework/graphloom/pkg/eventlog"
	"github.com/spindlework/graphloom/pkg/intent"
	"github.com/spindlework/graphloom/pkg/llm"
	"github.com/spindlework/graphloom/pkg/metrics"
	"github.com/spindlework/graphloom/pkg/models"
	"github.com/spindlework/graphloom/pkg/pending"
	"github.com/spindlework/graphloom/pkg/queue"
	"github.com/spindlework/graphloom/pkg/scheduler"
	"github.com/spindlework/graphloom/pkg/store"
	"github.com/spindlework/graphloom/pkg/telemetry"
)

const testAPIKey = "sk-e2e-test"

// TestApp is one booted instance.
type TestApp struct {
	Config    *config.Config
	Queues    *queue.Manager
	Pendings  *pending.Store
	Stores    *store.Holder
	Events    *eventlog.Log
	Tel       *telemetry.Ring
	Sched     *scheduler.Scheduler
	Router    *intent.Router
	Committer *commit.Committer
	Drainer   *commit.Drainer
	Server    *api.Server
	LLM       *ScriptedLLMClient
	Metrics   *metrics.Registry

	BaseURL string
	t       *testing.T
}

type testAppConfig struct {
	cfg            *config.Config
	llm            *ScriptedLLMClient
	startCommitter bool
	startDrainer   bool
}

// TestAppOption configures the test app before boot.
type TestAppOption func(*testAppConfig)

// WithConfig replaces the fast-cadence default config.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithLLM injects a pre-scripted LLM client.
func WithLLM(client *ScriptedLLMClient) TestAppOption {
	return func(c *testAppConfig) { c.llm = client }
}

// WithoutCommitter leaves the commit loop stopped so tests can tick it
// by hand or exercise the drainer alone.
func WithoutCommitter() TestAppOption {
	return func(c *testAppConfig) { c.startCommitter = false }
}

// WithoutDrainer leaves the safety drainer stopped.
func WithoutDrainer() TestAppOption {
	return func(c *testAppConfig) { c.startDrainer = false }
}

// fastConfig shrinks every cadence so scenarios converge in tens of
// milliseconds instead of seconds.
func fastConfig() *config.Config {
	cfg := config.Default()
	cfg.Queue.LeaseTTLMs = 2000
	cfg.Queue.SweepIntervalMs = 25
	cfg.Scheduler.CadenceMs = 20
	cfg.Scheduler.MaxPerTick = 8
	cfg.Committer.CadenceMs = 20
	cfg.Committer.WindowMs = 10
	cfg.Drainer.CadenceMs = 50
	return cfg
}

// NewTestApp wires and starts a full instance. Everything is torn down
// through t.Cleanup.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := testAppConfig{
		cfg:            fastConfig(),
		llm:            NewScriptedLLMClient(),
		startCommitter: true,
		startDrainer:   true,
	}
	for _, opt := range opts {
		opt(&tc)
	}
	cfg := tc.cfg

	reg := metrics.New()
	tel := telemetry.New(cfg.Telemetry.Capacity)
	events := eventlog.New(cfg.EventLog.Capacity)
	stores := store.NewHolder(nil)
	pendings := pending.NewStore(tel, nil)

	queues := queue.NewManager(queue.Config{
		LeaseTTL:      cfg.Queue.LeaseTTL(),
		MaxAttempts:   cfg.Queue.MaxAttempts,
		SweepInterval: cfg.Queue.SweepInterval(),
	}, nil)
	queues.SetInstrumentation(reg)
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	queues.Start(sweepCtx)
	t.Cleanup(stopSweeper)
	t.Cleanup(queues.Stop)

	sched := scheduler.New(cfg.Scheduler, queues, stores, events, nil)
	t.Cleanup(sched.Stop)

	router := intent.NewRouter(cfg.Intent, cfg.Search, queues, pendings, stores, tel, events, sched, nil)
	router.SetClientFactory(func(llm.Options) (llm.Client, error) { return tc.llm, nil })

	committer := commit.New(cfg.Committer, queues, pendings, stores, events, tel, nil, nil)
	committer.SetMergeChecker(commit.NewHashMergeChecker(stores))
	committer.SetInstrumentation(reg)
	committer.SetContinueFunc(func(cont commit.Continuation) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = router.Continue(ctx, intent.ContinueRequest{
			CID:        cont.CID,
			ThreadID:   cont.ThreadID,
			APIKey:     cont.APIKey,
			APIConfig:  cont.APIConfig,
			ReadResult: cont.ReadResult,
			GraphState: cont.GraphState,
			Iteration:  cont.Iteration,
		})
	})
	if tc.startCommitter {
		committer.Start()
		t.Cleanup(committer.Stop)
	}

	drainer := commit.NewDrainer(cfg.Drainer, queues, pendings, events, committer.Idempotency(), nil)
	if tc.startDrainer {
		drainer.Start()
		t.Cleanup(drainer.Stop)
	}

	server := api.NewServer(cfg.Server, queues, pendings, stores, events, tel, sched, router, nil)
	server.SetCommitter(committer)
	server.SetDrainer(drainer)
	server.SetMetricsHandler(reg.Handler())
	require.NoError(t, server.ValidateWiring())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		if serveErr := server.StartWithListener(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			t.Errorf("server exited: %v", serveErr)
		}
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})

	return &TestApp{
		Config: cfg, Queues: queues, Pendings: pendings, Stores: stores,
		Events: events, Tel: tel, Sched: sched, Router: router,
		Committer: committer, Drainer: drainer, Server: server,
		LLM: tc.llm, Metrics: reg,
		BaseURL: "http://" + ln.Addr().String(),
		t:       t,
	}
}

// PostJSON sends an authorized JSON POST and decodes the response body.
func (a *TestApp) PostJSON(path string, body any) (int, map[string]any) {
	a.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(a.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(http.MethodPost, a.BaseURL+path, rd)
	require.NoError(a.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	return a.send(req)
}

// GetJSON sends a GET and decodes the response body.
func (a *TestApp) GetJSON(path string) (int, map[string]any) {
	a.t.Helper()
	req, err := http.NewRequest(http.MethodGet, a.BaseURL+path, nil)
	require.NoError(a.t, err)
	return a.send(req)
}

func (a *TestApp) send(req *http.Request) (int, map[string]any) {
	a.t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	var out map[string]any
	if len(raw) > 0 && json.Valid(raw) {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

// PushState seeds the projected store through the bridge endpoint, the
// same way the UI does.
func (a *TestApp) PushState(ps models.ProjectedStore) {
	a.t.Helper()
	code, _ := a.PostJSON("/api/bridge/state", ps)
	require.Equal(a.t, http.StatusOK, code)
}

// LeaseActions leases everything currently queued for the UI, the same
// atomic poll the bridge endpoint performs.
func (a *TestApp) LeaseActions() []models.PendingAction {
	a.t.Helper()
	return a.Pendings.Lease()
}

// WaitFor polls cond until it returns true or the deadline passes.
func (a *TestApp) WaitFor(timeout time.Duration, what string, cond func() bool) {
	a.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	a.t.Fatalf("timed out after %v waiting for %s", timeout, what)
}

// EventTypes returns every event type appended so far, in order.
func (a *TestApp) EventTypes() []string {
	entries := a.Events.ReplaySince(0)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Type)
	}
	return out
}

// FindEvent returns the first event of the given type, if any.
func (a *TestApp) FindEvent(eventType string) (eventlog.Entry, bool) {
	for _, e := range a.Events.ReplaySince(0) {
		if e.Type == eventType {
			return e, true
		}
	}
	return eventlog.Entry{}, false
}

// bakeryStore is the canonical seeded projection used across scenarios.
func bakeryStore() models.ProjectedStore {
	return models.ProjectedStore{
		Graphs: []models.Graph{
			{
				ID:   "g1",
				Name: "Baking",
				Instances: map[string]models.Instance{
					"i-flour": {ID: "i-flour", PrototypeID: "p-flour", X: 400, Y: 200},
					"i-eggs":  {ID: "i-eggs", PrototypeID: "p-eggs", X: 600, Y: 200},
				},
			},
		},
		NodePrototypes: []models.NodePrototype{
			{ID: "p-flour", Name: "Flour", Color: "#FFFFFF"},
			{ID: "p-eggs", Name: "Eggs", Color: "#FFD700"},
		},
		ActiveGraphID: "g1",
	}
}
