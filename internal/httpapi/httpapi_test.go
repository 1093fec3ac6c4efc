package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/dorkos-sh/dorkos/internal/agent"
	"github.com/dorkos-sh/dorkos/internal/boundary"
	"github.com/dorkos-sh/dorkos/internal/config"
	"github.com/dorkos-sh/dorkos/internal/dorkerr"
	"github.com/dorkos-sh/dorkos/internal/ids"
	"github.com/dorkos-sh/dorkos/internal/mesh"
	"github.com/dorkos-sh/dorkos/internal/pulse"
	"github.com/dorkos-sh/dorkos/internal/relay"
	"github.com/dorkos-sh/dorkos/internal/runtime"
	"github.com/dorkos-sh/dorkos/internal/transcript"
)

type fakeStream struct {
	events []runtime.Event
	i      int
}

func (s *fakeStream) Next(ctx context.Context) (runtime.Event, error) {
	if s.i >= len(s.events) {
		return runtime.Event{}, io.EOF
	}
	ev := s.events[s.i]
	s.i++
	return ev, nil
}

func (s *fakeStream) Interrupt() error { return nil }

func (s *fakeStream) SetPermissionMode(mode runtime.PermissionMode) error { return nil }

func (s *fakeStream) Close() error { return nil }

type fakeRuntime struct {
	events []runtime.Event
}

func (f *fakeRuntime) Query(ctx context.Context, req runtime.QueryRequest) (runtime.Stream, error) {
	return &fakeStream{events: f.events}, nil
}

func (f *fakeRuntime) SupportedModels(ctx context.Context) ([]runtime.ModelInfo, error) {
	return []runtime.ModelInfo{{ID: "claude-sonnet", DisplayName: "Sonnet", Default: true}}, nil
}

type fixture struct {
	root    string
	api     *API
	server  *httptest.Server
	manager *agent.Manager
	pulse   *pulse.Store
	mesh    *mesh.Registry
	relay   *relay.Relay
}

// newFixture wires real subsystems over a temp root and a scripted runtime.
func newFixture(t *testing.T, rtEvents []runtime.Event) *fixture {
	t.Helper()
	root := t.TempDir()

	guard, err := boundary.New(root)
	if err != nil {
		t.Fatal(err)
	}
	gen := ids.NewGenerator()
	reader := transcript.NewReader(filepath.Join(root, "projects"))
	manager := agent.NewManager(agent.Options{
		Runtime:    &fakeRuntime{events: rtEvents},
		Guard:      guard,
		DefaultCwd: root,
	})

	store, err := pulse.NewStore(filepath.Join(root, ".state", "pulse.db"), gen, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	sched := pulse.NewScheduler(store, manager.SendMessage, nil)

	registry, err := mesh.NewRegistry(filepath.Join(root, ".state", "mesh.db"), gen, guard, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { registry.Close() })

	bus := relay.New(relay.Options{IDs: gen})

	api := New(Options{
		Config:  &config.Config{DefaultCwd: root},
		Reader:  reader,
		Manager: manager,
		Relay:   bus,
		Mesh:    registry,
		Pulse:   store,
		Sched:   sched,
	})
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &fixture{
		root:    root,
		api:     api,
		server:  server,
		manager: manager,
		pulse:   store,
		mesh:    registry,
		relay:   bus,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.server.URL+path, buf)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, want, data)
	}
}

func TestConfigFlags(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, "GET", "/api/config", nil, nil)
	wantStatus(t, resp, http.StatusOK)
	flags := decodeBody[map[string]map[string]bool](t, resp)
	for _, name := range []string{"pulse", "relay", "mesh"} {
		if !flags[name]["enabled"] {
			t.Errorf("%s disabled in config view", name)
		}
	}
	if flags["tunnel"]["enabled"] {
		t.Error("tunnel enabled in config view")
	}
}

func TestDisabledSubsystemsAnswerWithCode(t *testing.T) {
	api := New(Options{Reader: transcript.NewReader(t.TempDir())})
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	tests := []struct {
		path string
		code dorkerr.Code
	}{
		{"/api/pulse/schedules", dorkerr.CodePulseDisabled},
		{"/api/relay/endpoints", dorkerr.CodeRelayDisabled},
		{"/api/mesh/agents", dorkerr.CodeMeshDisabled},
		{"/api/relay/adapters", dorkerr.CodeAdaptersDisabled},
		{"/api/relay/bindings", dorkerr.CodeBindingsDisabled},
	}
	for _, tt := range tests {
		resp, err := http.Get(server.URL + tt.path)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d", tt.path, resp.StatusCode)
		}
		body := decodeBody[errorBody](t, resp)
		if body.Code != tt.code {
			t.Errorf("%s code = %s, want %s", tt.path, body.Code, tt.code)
		}
	}
}

func TestModelsList(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, "GET", "/api/models", nil, nil)
	wantStatus(t, resp, http.StatusOK)
	models := decodeBody[[]runtime.ModelInfo](t, resp)
	if len(models) != 1 || models[0].ID != "claude-sonnet" {
		t.Fatalf("models = %+v", models)
	}
}

func TestSessionGetMissingTranscript(t *testing.T) {
	api := New(Options{
		Config: &config.Config{Env: "production"},
		Reader: transcript.NewReader(filepath.Join(t.TempDir(), "missing")),
	})
	req := httptest.NewRequest("GET", "/api/sessions/unknown", nil)
	req.SetPathValue("id", "unknown")
	rec := httptest.NewRecorder()
	api.handleSessionGet(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Code != dorkerr.CodeNotFound {
		t.Fatalf("code = %s", body.Code)
	}
}
