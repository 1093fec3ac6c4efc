package httpapi

import (
	"net/http"
	"net/url"

	"github.com/dorkos-sh/dorkos/internal/dorkerr"
	"github.com/dorkos-sh/dorkos/internal/mesh"
)

func (a *API) registerMeshRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/mesh/discover", a.meshGated(a.handleMeshDiscover))
	mux.HandleFunc("POST /api/mesh/agents", a.meshGated(a.handleMeshRegister))
	mux.HandleFunc("GET /api/mesh/agents", a.meshGated(a.handleMeshList))
	mux.HandleFunc("GET /api/mesh/agents/{id}", a.meshGated(a.handleMeshGet))
	mux.HandleFunc("PATCH /api/mesh/agents/{id}", a.meshGated(a.handleMeshUpdate))
	mux.HandleFunc("DELETE /api/mesh/agents/{id}", a.meshGated(a.handleMeshUnregister))
	mux.HandleFunc("POST /api/mesh/agents/{id}/heartbeat", a.meshGated(a.handleMeshHeartbeat))
	mux.HandleFunc("GET /api/mesh/agents/{id}/inspect", a.meshGated(a.handleMeshInspect))
	mux.HandleFunc("POST /api/mesh/deny", a.meshGated(a.handleMeshDeny))
	mux.HandleFunc("GET /api/mesh/denied", a.meshGated(a.handleMeshDenied))
	mux.HandleFunc("DELETE /api/mesh/denied/{encodedPath}", a.meshGated(a.handleMeshUndeny))
	mux.HandleFunc("GET /api/mesh/status", a.meshGated(a.handleMeshStatus))
	mux.HandleFunc("GET /api/mesh/topology", a.meshGated(a.handleMeshTopology))
	mux.HandleFunc("POST /api/mesh/topology/rules", a.meshGated(a.handleMeshRuleCreate))
	mux.HandleFunc("DELETE /api/mesh/topology/rules/{id}", a.meshGated(a.handleMeshRuleDelete))
}

func (a *API) meshGated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.mesh == nil {
			a.writeError(w, r, disabled(dorkerr.CodeMeshDisabled, "mesh"))
			return
		}
		next(w, r)
	}
}

func (a *API) handleMeshDiscover(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Roots    []string `json:"roots"`
		MaxDepth int      `json:"maxDepth"`
	}
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	candidates, err := a.mesh.Discover(body.Roots, mesh.DiscoverOptions{MaxDepth: body.MaxDepth})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if candidates == nil {
		candidates = []mesh.Candidate{}
	}
	writeJSON(w, http.StatusOK, candidates)
}

func (a *API) handleMeshRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
		mesh.Overrides
	}
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	agent, err := a.mesh.Register(r.Context(), body.Path, body.Overrides, "user")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (a *API) handleMeshList(w http.ResponseWriter, r *http.Request) {
	agents, err := a.mesh.List(mesh.ListFilter{
		Runtime:         r.URL.Query().Get("runtime"),
		Capability:      r.URL.Query().Get("capability"),
		CallerNamespace: r.URL.Query().Get("callerNamespace"),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if agents == nil {
		agents = []mesh.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (a *API) handleMeshGet(w http.ResponseWriter, r *http.Request) {
	agent, err := a.mesh.Get(r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (a *API) handleMeshUpdate(w http.ResponseWriter, r *http.Request) {
	var body mesh.Overrides
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	agent, err := a.mesh.Update(r.Context(), r.PathValue("id"), body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (a *API) handleMeshUnregister(w http.ResponseWriter, r *http.Request) {
	if err := a.mesh.Unregister(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMeshHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.mesh.Heartbeat(id); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "health": mesh.HealthActive})
}

func (a *API) handleMeshInspect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agent, err := a.mesh.Get(id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	events, err := a.mesh.Events(id, queryInt(r, "limit", 20))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []mesh.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent, "events": events})
}

func (a *API) handleMeshDeny(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path   string `json:"path"`
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.mesh.Deny(body.Path, body.Reason, "user"); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": body.Path})
}

func (a *API) handleMeshDenied(w http.ResponseWriter, r *http.Request) {
	denials, err := a.mesh.Denied()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if denials == nil {
		denials = []mesh.Denial{}
	}
	writeJSON(w, http.StatusOK, denials)
}

func (a *API) handleMeshUndeny(w http.ResponseWriter, r *http.Request) {
	// Clients percent-encode the absolute path into one segment.
	path, err := url.PathUnescape(r.PathValue("encodedPath"))
	if err != nil {
		a.writeError(w, r, dorkerr.New(dorkerr.CodeValidationFailed, "bad encoded path: %v", err))
		return
	}
	if err := a.mesh.Undeny(path); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMeshStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.mesh.Status()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handleMeshTopology(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	if namespace == "" {
		namespace = "*"
	}
	view, err := a.mesh.Topology(namespace, r.URL.Query().Get("caller"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleMeshRuleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Action string `json:"action"`
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	rule, err := a.mesh.AddAccessRule(body.From, body.To, body.Action, body.Reason)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (a *API) handleMeshRuleDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.mesh.DeleteAccessRule(r.PathValue("id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
