package mesh

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dorkos-sh/dorkos/internal/boundary"
	"github.com/dorkos-sh/dorkos/internal/dorkerr"
	"github.com/dorkos-sh/dorkos/internal/ids"
	"github.com/dorkos-sh/dorkos/internal/storage"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Registry event types.
const (
	EventRegistered    = "registered"
	EventDeregistered  = "deregistered"
	EventHeartbeat     = "heartbeat"
	EventHealthChanged = "health_changed"
	EventDenied        = "denied"
	EventUndenied      = "undenied"
)

// Endpoints is the slice of the Relay the registry needs for the per-agent
// endpoint at mesh.agent.{id}. Nil when Relay is disabled.
type Endpoints interface {
	RegisterEndpoint(subject string, meta map[string]string) error
	UnregisterEndpoint(subject string)
}

// Overrides let a caller adjust the inferred manifest at registration time
// and patch it afterwards. Nil/zero fields keep the current value.
type Overrides struct {
	Name         string   `json:"name,omitempty"`
	Description  *string  `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	ResponseMode string   `json:"responseMode,omitempty"`
	Persona      *Persona `json:"persona,omitempty"`
	Icon         string   `json:"icon,omitempty"`
	Color        string   `json:"color,omitempty"`
}

// Denial excludes a path from discovery until cleared.
type Denial struct {
	Path     string `json:"path"`
	Strategy string `json:"strategy,omitempty"`
	Reason   string `json:"reason,omitempty"`
	DeniedBy string `json:"deniedBy,omitempty"`
	DeniedAt int64  `json:"deniedAt"`
}

// Event is a registry audit record.
type Event struct {
	ID         string `json:"id"`
	ManifestID string `json:"manifestId,omitempty"`
	Type       string `json:"type"`
	Detail     string `json:"detail,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
}

// Agent is a manifest joined with its liveness state.
type Agent struct {
	Manifest
	LastSeenAt int64  `json:"lastSeenAt,omitempty"`
	Health     string `json:"health"`
}

// ListFilter narrows List results.
type ListFilter struct {
	Runtime         string
	Capability      string
	CallerNamespace string
}

// Status is the summary the status route and MCP tool return.
type Status struct {
	Agents   int            `json:"agents"`
	Denials  int            `json:"denials"`
	ByHealth map[string]int `json:"byHealth"`
}

// Registry is the durable mesh store.
type Registry struct {
	db     *sql.DB
	gen    *ids.Generator
	guard  *boundary.Guard
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	endpoints  Endpoints
	topo       TopologyDeps
	lastHealth map[string]string

	closeOnce sync.Once
}

// NewRegistry opens (creating if needed) the mesh database at path.
func NewRegistry(path string, gen *ids.Generator, guard *boundary.Guard, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(db, migrationFS, "migrations"); err != nil {
		db.Close()
		return nil, err
	}
	return &Registry{
		db:         db,
		gen:        gen,
		guard:      guard,
		logger:     logger.With("component", "mesh"),
		now:        time.Now,
		lastHealth: make(map[string]string),
	}, nil
}

// SetEndpoints wires the Relay endpoint surface. Registered agents gain an
// endpoint lazily on the next register; existing rows are not backfilled.
func (r *Registry) SetEndpoints(e Endpoints) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints = e
}

// Close closes the database. Idempotent.
func (r *Registry) Close() error {
	var err error
	r.closeOnce.Do(func() { err = r.db.Close() })
	return err
}

// Discover scans roots and filters out denied and already-registered paths.
func (r *Registry) Discover(roots []string, opts DiscoverOptions) ([]Candidate, error) {
	for i, root := range roots {
		resolved, err := r.guard.Validate(root)
		if err != nil {
			return nil, err
		}
		roots[i] = resolved
	}

	denied, err := r.deniedPaths()
	if err != nil {
		return nil, dorkerr.Wrap(dorkerr.CodeDiscoverFailed, err, "load denials")
	}
	registered, err := r.registeredPaths()
	if err != nil {
		return nil, dorkerr.Wrap(dorkerr.CodeDiscoverFailed, err, "load manifests")
	}

	candidates := Discover(roots, opts, func(path string) bool {
		return !denied[path] && !registered[path]
	})
	r.logger.Debug("mesh.discover.done", "roots", len(roots), "candidates", len(candidates))
	return candidates, nil
}

// Register validates the path, builds a manifest from inferred hints plus
// overrides, writes the on-disk manifest, inserts the registry row, emits a
// registered event, and creates the Relay endpoint when Relay is present.
// Paths with no prior discovery are fine; hints are re-inferred here.
func (r *Registry) Register(ctx context.Context, path string, overrides Overrides, approver string) (Agent, error) {
	resolved, err := r.guard.Validate(path)
	if err != nil {
		return Agent{}, err
	}
	if existing, err := r.GetByPath(resolved); err == nil {
		return Agent{}, dorkerr.New(dorkerr.CodeRegisterFailed, "path already registered as %s", existing.ID).
			WithDetail("id", existing.ID)
	}

	hints := Hints{SuggestedName: sanitizeName(resolved), DetectedRuntime: RuntimeOther}
	if c, ok := classify(resolved, r.now().UnixMilli()); ok {
		hints = c.Hints
	}

	now := r.now().UTC().Format(time.RFC3339)
	m := Manifest{
		ID:           r.gen.New(),
		Name:         hints.SuggestedName,
		Description:  hints.Description,
		Runtime:      normalizeRuntime(hints.DetectedRuntime),
		Capabilities: hints.InferredCapabilities,
		Behavior:     Behavior{ResponseMode: "auto"},
		Budget:       BudgetLimits{MaxHopsPerMessage: 8, MaxCallsPerHour: 64},
		ProjectPath:  resolved,
		RegisteredAt: now,
		RegisteredBy: approver,
		UpdatedAt:    now,
	}
	if m.Capabilities == nil {
		m.Capabilities = []string{}
	}
	m = applyOverrides(m, overrides)

	if err := WriteManifestFile(m); err != nil {
		return Agent{}, dorkerr.Wrap(dorkerr.CodeRegisterFailed, err, "write manifest file")
	}
	if err := r.insertManifest(ctx, m); err != nil {
		RemoveManifestFile(resolved)
		return Agent{}, dorkerr.Wrap(dorkerr.CodeRegisterFailed, err, "insert manifest")
	}

	r.event(m.ID, EventRegistered, m.Name)
	r.registerEndpoint(m.ID)
	r.logger.Info("mesh.agent.registered", "id", m.ID, "name", m.Name, "path", resolved)
	return Agent{Manifest: m, Health: HealthStale}, nil
}

// Update merges overrides into the manifest, rewrites the on-disk file, and
// bumps updatedAt.
func (r *Registry) Update(ctx context.Context, id string, overrides Overrides) (Agent, error) {
	agent, err := r.Get(id)
	if err != nil {
		return Agent{}, err
	}
	m := applyOverrides(agent.Manifest, overrides)
	m.UpdatedAt = r.now().UTC().Format(time.RFC3339)

	if err := WriteManifestFile(m); err != nil {
		return Agent{}, dorkerr.Wrap(dorkerr.CodeRegisterFailed, err, "rewrite manifest file")
	}
	if err := r.updateManifest(ctx, m); err != nil {
		return Agent{}, dorkerr.Wrap(dorkerr.CodeRegisterFailed, err, "update manifest")
	}
	agent.Manifest = m
	return agent, nil
}

// Unregister removes the on-disk manifest, deletes the row, removes the
// Relay endpoint, and emits a deregistered event.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	agent, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := RemoveManifestFile(agent.ProjectPath); err != nil {
		return dorkerr.Wrap(dorkerr.CodeUnregisterFailed, err, "remove manifest file")
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM manifests WHERE id = ?`, id); err != nil {
		return dorkerr.Wrap(dorkerr.CodeUnregisterFailed, err, "delete manifest")
	}

	r.mu.Lock()
	delete(r.lastHealth, id)
	ep := r.endpoints
	r.mu.Unlock()
	if ep != nil {
		ep.UnregisterEndpoint("mesh.agent." + id)
	}

	r.event(id, EventDeregistered, agent.Name)
	r.logger.Info("mesh.agent.deregistered", "id", id, "name", agent.Name)
	return nil
}

// Get returns an agent by manifest ID.
func (r *Registry) Get(id string) (Agent, error) {
	return r.one(`SELECT `+manifestCols+` FROM manifests WHERE id = ?`, id)
}

// GetByPath returns an agent by project path.
func (r *Registry) GetByPath(path string) (Agent, error) {
	return r.one(`SELECT `+manifestCols+` FROM manifests WHERE project_path = ?`, path)
}

// List returns agents matching the filter. CallerNamespace additionally
// drops agents whose namespace the caller cannot reach per access rules.
func (r *Registry) List(filter ListFilter) ([]Agent, error) {
	agents, err := r.all(`SELECT ` + manifestCols + ` FROM manifests ORDER BY name`)
	if err != nil {
		return nil, err
	}

	var rules []AccessRule
	if filter.CallerNamespace != "" {
		if rules, err = r.AccessRules(); err != nil {
			return nil, err
		}
	}

	out := make([]Agent, 0, len(agents))
	for _, a := range agents {
		if filter.Runtime != "" && a.Runtime != filter.Runtime {
			continue
		}
		if filter.Capability != "" && !contains(a.Capabilities, filter.Capability) {
			continue
		}
		if filter.CallerNamespace != "" && !Allowed(filter.CallerNamespace, a.Namespace(), rules) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Heartbeat updates last-seen for an agent.
func (r *Registry) Heartbeat(id string) error {
	res, err := r.db.Exec(`UPDATE manifests SET last_seen_at = ? WHERE id = ?`, r.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dorkerr.New(dorkerr.CodeNotFound, "no agent %s", id)
	}
	r.event(id, EventHeartbeat, "")
	return nil
}

// Deny adds a path to the denial list.
func (r *Registry) Deny(path, reason, denier string) error {
	resolved, err := r.guard.Validate(path)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(
		`INSERT INTO denials (path, reason, denied_by, denied_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET reason = excluded.reason, denied_by = excluded.denied_by, denied_at = excluded.denied_at`,
		resolved, reason, denier, r.now().UnixMilli())
	if err != nil {
		return dorkerr.Wrap(dorkerr.CodeDenyFailed, err, "deny %s", resolved)
	}
	r.event("", EventDenied, resolved)
	return nil
}

// Undeny clears a denial. Unknown paths are a no-op.
func (r *Registry) Undeny(path string) error {
	resolved, err := r.guard.Validate(path)
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(`DELETE FROM denials WHERE path = ?`, resolved); err != nil {
		return dorkerr.Wrap(dorkerr.CodeDenyFailed, err, "undeny %s", resolved)
	}
	r.event("", EventUndenied, resolved)
	return nil
}

// Denied lists active denial records, newest first.
func (r *Registry) Denied() ([]Denial, error) {
	rows, err := r.db.Query(`SELECT path, strategy, reason, denied_by, denied_at FROM denials ORDER BY denied_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list denials: %w", err)
	}
	defer rows.Close()

	var out []Denial
	for rows.Next() {
		var d Denial
		if err := rows.Scan(&d.Path, &d.Strategy, &d.Reason, &d.DeniedBy, &d.DeniedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Events returns the most recent audit events for an agent. An empty id
// returns events across the registry.
func (r *Registry) Events(manifestID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, manifest_id, type, detail, created_at FROM events`
	args := []any{}
	if manifestID != "" {
		query += ` WHERE manifest_id = ?`
		args = append(args, manifestID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.ManifestID, &e.Type, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Status summarizes the registry.
func (r *Registry) Status() (Status, error) {
	agents, err := r.all(`SELECT ` + manifestCols + ` FROM manifests`)
	if err != nil {
		return Status{}, err
	}
	denials, err := r.Denied()
	if err != nil {
		return Status{}, err
	}
	s := Status{Agents: len(agents), Denials: len(denials), ByHealth: map[string]int{}}
	for _, a := range agents {
		s.ByHealth[a.Health]++
	}
	return s, nil
}

func (r *Registry) registerEndpoint(id string) {
	r.mu.Lock()
	ep := r.endpoints
	r.mu.Unlock()
	if ep == nil {
		return
	}
	if err := ep.RegisterEndpoint("mesh.agent."+id, map[string]string{"owner": "mesh"}); err != nil {
		r.logger.Warn("mesh.endpoint.register_failed", "id", id, "error", err)
	}
}

func (r *Registry) event(manifestID, typ, detail string) {
	_, err := r.db.Exec(
		`INSERT INTO events (id, manifest_id, type, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.gen.New(), manifestID, typ, detail, r.now().UnixMilli())
	if err != nil {
		r.logger.Warn("mesh.event.write_failed", "type", typ, "error", err)
	}
}

const manifestCols = `id, name, project_path, scan_root, description, runtime,
	capabilities, behavior, budget, persona, icon, color,
	registered_at, registered_by, updated_at, last_seen_at`

func (r *Registry) insertManifest(ctx context.Context, m Manifest) error {
	caps, behavior, budget, persona := encodeManifest(m)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO manifests (id, name, project_path, scan_root, description, runtime,
		   capabilities, behavior, budget, persona, icon, color,
		   registered_at, registered_by, updated_at, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		m.ID, m.Name, m.ProjectPath, m.ScanRoot, m.Description, m.Runtime,
		caps, behavior, budget, persona, m.Icon, m.Color,
		m.RegisteredAt, m.RegisteredBy, m.UpdatedAt)
	return err
}

func (r *Registry) updateManifest(ctx context.Context, m Manifest) error {
	caps, behavior, budget, persona := encodeManifest(m)
	_, err := r.db.ExecContext(ctx,
		`UPDATE manifests SET name = ?, description = ?, runtime = ?, capabilities = ?,
		   behavior = ?, budget = ?, persona = ?, icon = ?, color = ?, updated_at = ?
		 WHERE id = ?`,
		m.Name, m.Description, m.Runtime, caps, behavior, budget, persona,
		m.Icon, m.Color, m.UpdatedAt, m.ID)
	return err
}

func encodeManifest(m Manifest) (caps, behavior, budget string, persona any) {
	capsB, _ := json.Marshal(m.Capabilities)
	behaviorB, _ := json.Marshal(m.Behavior)
	budgetB, _ := json.Marshal(m.Budget)
	persona = nil
	if m.Persona != nil {
		personaB, _ := json.Marshal(m.Persona)
		persona = string(personaB)
	}
	return string(capsB), string(behaviorB), string(budgetB), persona
}

func (r *Registry) one(query string, args ...any) (Agent, error) {
	agents, err := r.all(query, args...)
	if err != nil {
		return Agent{}, err
	}
	if len(agents) == 0 {
		return Agent{}, dorkerr.New(dorkerr.CodeNotFound, "no such agent")
	}
	return agents[0], nil
}

func (r *Registry) all(query string, args ...any) ([]Agent, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query manifests: %w", err)
	}
	defer rows.Close()

	now := r.now()
	var out []Agent
	for rows.Next() {
		var (
			a       Agent
			caps    string
			behav   string
			budget  string
			persona sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.ProjectPath, &a.ScanRoot, &a.Description, &a.Runtime,
			&caps, &behav, &budget, &persona, &a.Icon, &a.Color,
			&a.RegisteredAt, &a.RegisteredBy, &a.UpdatedAt, &a.LastSeenAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(caps), &a.Capabilities)
		json.Unmarshal([]byte(behav), &a.Behavior)
		json.Unmarshal([]byte(budget), &a.Budget)
		if persona.Valid {
			var p Persona
			if json.Unmarshal([]byte(persona.String), &p) == nil {
				a.Persona = &p
			}
		}
		a.Health = HealthFor(a.LastSeenAt, now)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Registry) deniedPaths() (map[string]bool, error) {
	denials, err := r.Denied()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(denials))
	for _, d := range denials {
		out[d.Path] = true
	}
	return out, nil
}

func (r *Registry) registeredPaths() (map[string]bool, error) {
	rows, err := r.db.Query(`SELECT project_path FROM manifests`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out[p] = true
	}
	return out, rows.Err()
}

func applyOverrides(m Manifest, o Overrides) Manifest {
	if o.Name != "" {
		m.Name = o.Name
	}
	if o.Description != nil {
		m.Description = *o.Description
	}
	if o.Capabilities != nil {
		m.Capabilities = o.Capabilities
	}
	if o.ResponseMode != "" {
		m.Behavior.ResponseMode = o.ResponseMode
	}
	if o.Persona != nil {
		m.Persona = o.Persona
	}
	if o.Icon != "" {
		m.Icon = o.Icon
	}
	if o.Color != "" {
		m.Color = o.Color
	}
	return m
}

func normalizeRuntime(label string) string {
	switch label {
	case RuntimeClaudeCode, RuntimeCursor, RuntimeCodex:
		return label
	default:
		return RuntimeOther
	}
}

func sanitizeName(path string) string {
	base := strings.TrimSpace(strings.ToLower(strings.ReplaceAll(filepath.Base(path), " ", "-")))
	if base == "" || base == "." || base == "/" {
		return "agent"
	}
	return base
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
