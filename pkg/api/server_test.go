package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindlework/graphloom/pkg/config"
	"github.com/spindlework/graphloom/pkg/eventlog"
	"github.com/spindlework/graphloom/pkg/intent"
	"github.com/spindlework/graphloom/pkg/llm"
	"github.com/spindlework/graphloom/pkg/models"
	"github.com/spindlework/graphloom/pkg/pending"
	"github.com/spindlework/graphloom/pkg/queue"
	"github.com/spindlework/graphloom/pkg/scheduler"
	"github.com/spindlework/graphloom/pkg/store"
	"github.com/spindlework/graphloom/pkg/telemetry"
)

type apiFixture struct {
	srv      *Server
	queues   *queue.Manager
	pendings *pending.Store
	stores   *store.Holder
	events   *eventlog.Log
	tel      *telemetry.Ring
	sched    *scheduler.Scheduler
	router   *intent.Router
	client   *stubClient
}

// stubClient feeds canned completions to the intent router.
type stubClient struct {
	replies []string
	calls   []llm.Request
}

func (s *stubClient) Complete(_ context.Context, req llm.Request) (string, error) {
	s.calls = append(s.calls, req)
	if len(s.replies) == 0 {
		return "", nil
	}
	text := s.replies[0]
	s.replies = s.replies[1:]
	return text, nil
}

func (s *stubClient) Provider() string { return "stub" }

func newAPIFixture(t *testing.T, replies ...string) *apiFixture {
	t.Helper()
	q := queue.NewManager(queue.DefaultConfig(), nil)
	tel := telemetry.New(0)
	p := pending.NewStore(tel, nil)
	h := store.NewHolder(nil)
	ev := eventlog.New(0)
	// A long cadence keeps scheduler ticks out of handler assertions.
	sched := scheduler.New(config.SchedulerConfig{CadenceMs: 60000, MaxPerTick: 8}, q, h, ev, nil)
	t.Cleanup(sched.Stop)

	r := intent.NewRouter(config.IntentConfig{TimeoutMs: 2000}, config.SearchConfig{}, q, p, h, tel, ev, sched, nil)
	client := &stubClient{replies: replies}
	r.SetClientFactory(func(llm.Options) (llm.Client, error) { return client, nil })

	srv := NewServer(config.ServerConfig{}, q, p, h, ev, tel, sched, r, nil)
	return &apiFixture{
		srv: srv, queues: q, pendings: p, stores: h,
		events: ev, tel: tel, sched: sched, router: r, client: client,
	}
}

func (f *apiFixture) seedStore() models.ProjectedStore {
	ps := models.ProjectedStore{
		Graphs: []models.Graph{
			{
				ID:   "g1",
				Name: "Baking",
				Instances: map[string]models.Instance{
					"i-flour": {ID: "i-flour", PrototypeID: "p-flour", X: 400, Y: 200},
					"i-eggs":  {ID: "i-eggs", PrototypeID: "p-eggs", X: 600, Y: 200},
				},
			},
			{ID: "g2", Name: "Breaking Bad"},
		},
		NodePrototypes: []models.NodePrototype{
			{ID: "p-flour", Name: "Flour", Color: "#FFFFFF"},
			{ID: "p-eggs", Name: "Eggs", Color: "#FFD700"},
		},
		ActiveGraphID: "g1",
	}
	f.stores.Replace(ps)
	return ps
}

func (f *apiFixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.echo.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) doAuth(method, path, key string, body any) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	f.srv.echo.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestValidateWiringCatchesMissingDeps(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.srv.ValidateWiring())

	half := &Server{queues: f.queues}
	err := half.ValidateWiring()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not wired")
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["ok"])
}

func TestVersionEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "graphloom", body["name"])
	assert.NotEmpty(t, body["full"])
}

func TestMetricsNotMountedReturns404(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsMountedServesHandler(t *testing.T) {
	f := newAPIFixture(t)
	f.srv.SetMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("# HELP up\nup 1\n"))
	}))
	rec := f.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "up 1")
}
