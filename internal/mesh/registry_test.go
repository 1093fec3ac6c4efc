package mesh

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dorkos-sh/dorkos/internal/boundary"
	"github.com/dorkos-sh/dorkos/internal/dorkerr"
	"github.com/dorkos-sh/dorkos/internal/ids"
)

type stubEndpoints struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
}

func (s *stubEndpoints) RegisterEndpoint(subject string, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = append(s.registered, subject)
	return nil
}

func (s *stubEndpoints) UnregisterEndpoint(subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregistered = append(s.unregistered, subject)
}

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	guard, err := boundary.New(root)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := NewRegistry(filepath.Join(root, ".state", "mesh.db"), ids.NewGenerator(), guard, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg, guard.Root()
}

func TestRegisterWritesManifestAndEndpoint(t *testing.T) {
	reg, root := newTestRegistry(t)
	eps := &stubEndpoints{}
	reg.SetEndpoints(eps)

	proj := mkProject(t, root, "proj")
	touch(t, filepath.Join(proj, "CLAUDE.md"))
	touch(t, filepath.Join(proj, "go.mod"))

	agent, err := reg.Register(context.Background(), proj, Overrides{Name: "research.alpha"}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if agent.ID == "" || agent.Name != "research.alpha" || agent.Runtime != RuntimeClaudeCode {
		t.Fatalf("agent = %+v", agent)
	}
	if agent.RegisteredBy != "tester" {
		t.Fatalf("registeredBy = %q", agent.RegisteredBy)
	}

	onDisk, err := ReadManifestFile(proj)
	if err != nil {
		t.Fatal(err)
	}
	if onDisk.ID != agent.ID || onDisk.Name != agent.Name {
		t.Fatalf("on-disk manifest = %+v", onDisk)
	}

	if len(eps.registered) != 1 || eps.registered[0] != "mesh.agent."+agent.ID {
		t.Fatalf("endpoints = %v", eps.registered)
	}

	// Second registration of the same path is rejected.
	if _, err := reg.Register(context.Background(), proj, Overrides{}, ""); dorkerr.CodeOf(err) != dorkerr.CodeRegisterFailed {
		t.Fatalf("duplicate register err = %v", err)
	}

	events, err := reg.Events(agent.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != EventRegistered {
		t.Fatalf("events = %+v", events)
	}
}

func TestRegisterOutsideBoundary(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Register(context.Background(), "/etc", Overrides{}, ""); dorkerr.CodeOf(err) != dorkerr.CodeBoundaryViolation {
		t.Fatalf("err = %v", err)
	}
}

func TestUnregisterRemovesEverything(t *testing.T) {
	reg, root := newTestRegistry(t)
	eps := &stubEndpoints{}
	reg.SetEndpoints(eps)

	proj := mkProject(t, root, "proj")
	agent, err := reg.Register(context.Background(), proj, Overrides{}, "")
	if err != nil {
		t.Fatal(err)
	}

	if err := reg.Unregister(context.Background(), agent.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(ManifestPath(proj)); !os.IsNotExist(err) {
		t.Fatal("manifest file survived unregister")
	}
	if _, err := reg.Get(agent.ID); dorkerr.CodeOf(err) != dorkerr.CodeNotFound {
		t.Fatalf("get after unregister = %v", err)
	}
	if len(eps.unregistered) != 1 || eps.unregistered[0] != "mesh.agent."+agent.ID {
		t.Fatalf("unregistered = %v", eps.unregistered)
	}
	if err := reg.Unregister(context.Background(), agent.ID); dorkerr.CodeOf(err) != dorkerr.CodeNotFound {
		t.Fatalf("second unregister = %v", err)
	}
}

func TestDiscoverFiltersDeniedAndRegistered(t *testing.T) {
	reg, root := newTestRegistry(t)

	for _, name := range []string{"keep", "deny-me", "registered"} {
		proj := mkProject(t, root, name)
		touch(t, filepath.Join(proj, "CLAUDE.md"))
	}
	if err := reg.Deny(filepath.Join(root, "deny-me"), "not an agent", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Register(context.Background(), filepath.Join(root, "registered"), Overrides{}, ""); err != nil {
		t.Fatal(err)
	}

	cands, err := reg.Discover([]string{root}, DiscoverOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].Path != filepath.Join(root, "keep") {
		t.Fatalf("candidates = %+v", cands)
	}

	// Undeny brings the path back.
	if err := reg.Undeny(filepath.Join(root, "deny-me")); err != nil {
		t.Fatal(err)
	}
	cands, _ = reg.Discover([]string{root}, DiscoverOptions{})
	if len(cands) != 2 {
		t.Fatalf("candidates after undeny = %+v", cands)
	}

	denied, err := reg.Denied()
	if err != nil {
		t.Fatal(err)
	}
	if len(denied) != 0 {
		t.Fatalf("denials = %+v", denied)
	}
}

func TestHeartbeatAndHealth(t *testing.T) {
	reg, root := newTestRegistry(t)
	base := time.Now()
	reg.now = func() time.Time { return base }

	proj := mkProject(t, root, "proj")
	agent, err := reg.Register(context.Background(), proj, Overrides{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Health != HealthStale {
		t.Fatalf("initial health = %s", agent.Health)
	}

	if err := reg.Heartbeat(agent.ID); err != nil {
		t.Fatal(err)
	}
	if err := reg.Heartbeat("no-such-id"); dorkerr.CodeOf(err) != dorkerr.CodeNotFound {
		t.Fatalf("heartbeat unknown = %v", err)
	}

	tests := []struct {
		elapsed time.Duration
		want    string
	}{
		{10 * time.Second, HealthActive},
		{5 * time.Minute, HealthInactive},
		{31 * time.Minute, HealthStale},
	}
	for _, tt := range tests {
		reg.now = func() time.Time { return base.Add(tt.elapsed) }
		got, err := reg.Get(agent.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Health != tt.want {
			t.Errorf("health after %v = %s, want %s", tt.elapsed, got.Health, tt.want)
		}
	}
}

func TestHealthSweepEmitsChanges(t *testing.T) {
	reg, root := newTestRegistry(t)
	base := time.Now()
	reg.now = func() time.Time { return base }

	proj := mkProject(t, root, "proj")
	agent, err := reg.Register(context.Background(), proj, Overrides{}, "")
	if err != nil {
		t.Fatal(err)
	}
	reg.Heartbeat(agent.ID)

	reg.sweepHealth() // primes the cache at active
	reg.sweepHealth() // no change, no event
	reg.now = func() time.Time { return base.Add(10 * time.Minute) }
	reg.sweepHealth() // active -> inactive

	events, err := reg.Events(agent.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	var changes []Event
	for _, e := range events {
		if e.Type == EventHealthChanged {
			changes = append(changes, e)
		}
	}
	if len(changes) != 1 || changes[0].Detail != HealthActive+"->"+HealthInactive {
		t.Fatalf("health events = %+v", changes)
	}
}

func TestListFilters(t *testing.T) {
	reg, root := newTestRegistry(t)
	ctx := context.Background()

	claude := mkProject(t, root, "claude")
	touch(t, filepath.Join(claude, "CLAUDE.md"))
	touch(t, filepath.Join(claude, "go.mod"))
	if _, err := reg.Register(ctx, claude, Overrides{Name: "research.claude"}, ""); err != nil {
		t.Fatal(err)
	}

	plain := mkProject(t, root, "plain")
	if _, err := reg.Register(ctx, plain, Overrides{Name: "ops.plain"}, ""); err != nil {
		t.Fatal(err)
	}

	all, err := reg.List(ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all = %+v", all)
	}

	byRuntime, _ := reg.List(ListFilter{Runtime: RuntimeClaudeCode})
	if len(byRuntime) != 1 || byRuntime[0].Name != "research.claude" {
		t.Fatalf("byRuntime = %+v", byRuntime)
	}

	byCap, _ := reg.List(ListFilter{Capability: "go"})
	if len(byCap) != 1 || byCap[0].Name != "research.claude" {
		t.Fatalf("byCap = %+v", byCap)
	}

	// Caller in ops sees only its own namespace by default.
	byCaller, _ := reg.List(ListFilter{CallerNamespace: "ops"})
	if len(byCaller) != 1 || byCaller[0].Name != "ops.plain" {
		t.Fatalf("byCaller = %+v", byCaller)
	}
}

func TestUpdateMergesAndRewrites(t *testing.T) {
	reg, root := newTestRegistry(t)
	proj := mkProject(t, root, "proj")
	agent, err := reg.Register(context.Background(), proj, Overrides{Name: "ops.one"}, "")
	if err != nil {
		t.Fatal(err)
	}

	desc := "updated"
	updated, err := reg.Update(context.Background(), agent.ID, Overrides{
		Description: &desc,
		Persona:     &Persona{Enabled: true, Text: "succinct"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Description != "updated" || updated.Name != "ops.one" {
		t.Fatalf("updated = %+v", updated)
	}

	onDisk, err := ReadManifestFile(proj)
	if err != nil {
		t.Fatal(err)
	}
	if onDisk.Description != "updated" || onDisk.Persona == nil || onDisk.Persona.Text != "succinct" {
		t.Fatalf("on-disk = %+v", onDisk)
	}

	identity, persona, ok := reg.IdentityLookup(proj)
	if !ok || persona != "succinct" || identity == "" {
		t.Fatalf("identity lookup = %q %q %v", identity, persona, ok)
	}
}
