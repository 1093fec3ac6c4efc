package mesh

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/dorkos-sh/dorkos/internal/dorkerr"
	"github.com/dorkos-sh/dorkos/internal/relay"
)

// Access rule actions.
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// AccessRule governs visibility and messaging between namespaces. From and
// To are namespace expressions with Relay wildcard semantics.
type AccessRule struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// TopologyAgent is a manifest enriched with cross-subsystem joins.
type TopologyAgent struct {
	Agent
	AdapterIDs    []string `json:"adapterIds"`
	Subject       string   `json:"subject,omitempty"`
	ScheduleCount int      `json:"scheduleCount"`
}

// NamespaceGroup is one namespace's slice of the topology.
type NamespaceGroup struct {
	Name   string          `json:"name"`
	Color  string          `json:"color"`
	Agents []TopologyAgent `json:"agents"`
}

// TopologyView is the namespace-scoped mesh view.
type TopologyView struct {
	Namespaces  []NamespaceGroup `json:"namespaces"`
	AccessRules []AccessRule     `json:"accessRules"`
}

// TopologyDeps are the optional cross-subsystem joins. Absent functions
// yield safe defaults instead of failing the call.
type TopologyDeps struct {
	AdapterIDs    func(agentID string) []string
	ScheduleCount func(cwd string) int
	RelayEnabled  bool
}

var topologyPalette = []string{
	"#4f86f7", "#50c878", "#f5a623", "#d0021b", "#9013fe", "#00bcd4", "#8b572a",
}

// AddAccessRule persists a rule. Both expressions must be valid patterns.
func (r *Registry) AddAccessRule(from, to, action, reason string) (AccessRule, error) {
	if action != ActionAllow && action != ActionDeny {
		return AccessRule{}, dorkerr.New(dorkerr.CodeValidationFailed, "action must be allow or deny")
	}
	for _, expr := range []string{from, to} {
		if _, err := relay.CompilePattern(expr); err != nil {
			return AccessRule{}, dorkerr.Wrap(dorkerr.CodeValidationFailed, err, "bad namespace expression %q", expr)
		}
	}
	rule := AccessRule{
		ID: r.gen.New(), From: from, To: to, Action: action, Reason: reason,
		CreatedAt: r.now().UnixMilli(),
	}
	_, err := r.db.Exec(
		`INSERT INTO access_rules (id, from_ns, to_ns, action, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.From, rule.To, rule.Action, rule.Reason, rule.CreatedAt)
	if err != nil {
		return AccessRule{}, fmt.Errorf("insert access rule: %w", err)
	}
	return rule, nil
}

// DeleteAccessRule removes a rule by ID. Unknown IDs are a no-op.
func (r *Registry) DeleteAccessRule(id string) error {
	_, err := r.db.Exec(`DELETE FROM access_rules WHERE id = ?`, id)
	return err
}

// AccessRules lists every rule.
func (r *Registry) AccessRules() ([]AccessRule, error) {
	rows, err := r.db.Query(`SELECT id, from_ns, to_ns, action, reason, created_at FROM access_rules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list access rules: %w", err)
	}
	defer rows.Close()

	var out []AccessRule
	for rows.Next() {
		var rule AccessRule
		if err := rows.Scan(&rule.ID, &rule.From, &rule.To, &rule.Action, &rule.Reason, &rule.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// Allowed evaluates the rule graph deny-first: any matching deny rule wins,
// then any matching allow rule, then the default of allow within the same
// namespace and deny across namespaces.
func Allowed(from, to string, rules []AccessRule) bool {
	matches := func(rule AccessRule) bool {
		return matchNamespace(rule.From, from) && matchNamespace(rule.To, to)
	}
	for _, rule := range rules {
		if rule.Action == ActionDeny && matches(rule) {
			return false
		}
	}
	for _, rule := range rules {
		if rule.Action == ActionAllow && matches(rule) {
			return true
		}
	}
	return from == to
}

// SubjectAllowed adapts the rule graph to the Relay access hook. Only
// publishes between mesh agent endpoints (mesh.agent.{id}) are policed;
// every other subject pair passes.
func (r *Registry) SubjectAllowed(from, to string) bool {
	toNS, ok := r.subjectNamespace(to)
	if !ok {
		return true
	}
	fromNS, ok := r.subjectNamespace(from)
	if !ok {
		return true
	}
	rules, err := r.AccessRules()
	if err != nil {
		r.logger.Warn("mesh.access.rules_load_failed", "error", err)
		return true
	}
	return Allowed(fromNS, toNS, rules)
}

func (r *Registry) subjectNamespace(subject string) (string, bool) {
	id, ok := strings.CutPrefix(subject, "mesh.agent.")
	if !ok || id == "" {
		return "", false
	}
	agent, err := r.Get(id)
	if err != nil {
		return "", false
	}
	return agent.Namespace(), true
}

func matchNamespace(expr, ns string) bool {
	p, err := relay.CompilePattern(expr)
	if err != nil {
		return false
	}
	return p.Matches(ns)
}

// SetTopologyDeps wires the enrichment joins once the optional subsystems
// exist.
func (r *Registry) SetTopologyDeps(deps TopologyDeps) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topo = deps
}

// Topology computes the namespace-scoped view. namespace "*" (or empty)
// includes every namespace; caller, when non-empty, drops namespaces the
// caller cannot reach per the access rules.
func (r *Registry) Topology(namespace, caller string) (TopologyView, error) {
	r.mu.Lock()
	deps := r.topo
	r.mu.Unlock()
	agents, err := r.all(`SELECT ` + manifestCols + ` FROM manifests ORDER BY name`)
	if err != nil {
		return TopologyView{}, err
	}
	rules, err := r.AccessRules()
	if err != nil {
		return TopologyView{}, err
	}

	groups := make(map[string][]TopologyAgent)
	for _, a := range agents {
		ns := a.Namespace()
		if namespace != "" && namespace != "*" && ns != namespace {
			continue
		}
		if caller != "" && !Allowed(caller, ns, rules) {
			continue
		}
		groups[ns] = append(groups[ns], r.enrich(a, deps))
	}

	view := TopologyView{AccessRules: []AccessRule{}}
	names := make([]string, 0, len(groups))
	for ns := range groups {
		names = append(names, ns)
	}
	sort.Strings(names)
	for _, ns := range names {
		view.Namespaces = append(view.Namespaces, NamespaceGroup{
			Name:   ns,
			Color:  namespaceColor(ns),
			Agents: groups[ns],
		})
	}

	visible := make(map[string]bool, len(names))
	for _, ns := range names {
		visible[ns] = true
	}
	for _, rule := range rules {
		for ns := range visible {
			if matchNamespace(rule.From, ns) || matchNamespace(rule.To, ns) {
				view.AccessRules = append(view.AccessRules, rule)
				break
			}
		}
	}
	return view, nil
}

func (r *Registry) enrich(a Agent, deps TopologyDeps) TopologyAgent {
	ta := TopologyAgent{Agent: a, AdapterIDs: []string{}}
	if deps.AdapterIDs != nil {
		if ids := deps.AdapterIDs(a.ID); ids != nil {
			ta.AdapterIDs = ids
		}
	}
	if deps.ScheduleCount != nil {
		ta.ScheduleCount = deps.ScheduleCount(a.ProjectPath)
	}
	if deps.RelayEnabled {
		ta.Subject = "mesh.agent." + a.ID
	}
	return ta
}

func namespaceColor(ns string) string {
	h := fnv.New32a()
	h.Write([]byte(ns))
	return topologyPalette[h.Sum32()%uint32(len(topologyPalette))]
}
