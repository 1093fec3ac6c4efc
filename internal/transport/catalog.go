package transport

import "github.com/dorkos-sh/dorkos/internal/dorkerr"

// Operation describes one entry of the transport port: a named operation
// with its HTTP projection, streaming characteristic, and error codes.
// Both the HTTP adapter and in-process adapters implement this catalog.
type Operation struct {
	Name      string
	Method    string
	Path      string
	Streaming bool
	Errors    []dorkerr.Code
}

// Catalog enumerates every operation of the transport port.
func Catalog() []Operation {
	return []Operation{
		// Sessions
		{Name: "sessions.list", Method: "GET", Path: "/api/sessions", Errors: []dorkerr.Code{dorkerr.CodeBoundaryViolation}},
		{Name: "sessions.get", Method: "GET", Path: "/api/sessions/{id}", Errors: []dorkerr.Code{dorkerr.CodeNotFound}},
		{Name: "sessions.send", Method: "POST", Path: "/api/sessions/{id}/messages", Streaming: true,
			Errors: []dorkerr.Code{dorkerr.CodeBoundaryViolation, dorkerr.CodeLocked, dorkerr.CodeSessionLimit}},
		{Name: "sessions.approve", Method: "POST", Path: "/api/sessions/{id}/approve", Errors: []dorkerr.Code{dorkerr.CodeNotFound}},
		{Name: "sessions.answer", Method: "POST", Path: "/api/sessions/{id}/answer", Errors: []dorkerr.Code{dorkerr.CodeNotFound}},
		{Name: "sessions.update", Method: "PATCH", Path: "/api/sessions/{id}", Errors: []dorkerr.Code{dorkerr.CodeValidationFailed}},
		{Name: "sessions.lock", Method: "POST", Path: "/api/sessions/{id}/lock", Errors: []dorkerr.Code{dorkerr.CodeLocked}},
		{Name: "sessions.unlock", Method: "DELETE", Path: "/api/sessions/{id}/lock"},
		{Name: "models.list", Method: "GET", Path: "/api/models"},

		// Sync
		{Name: "sync.stream", Method: "GET", Path: "/api/sync", Streaming: true},

		// Pulse
		{Name: "pulse.schedules.list", Method: "GET", Path: "/api/pulse/schedules", Errors: []dorkerr.Code{dorkerr.CodePulseDisabled}},
		{Name: "pulse.schedules.create", Method: "POST", Path: "/api/pulse/schedules", Errors: []dorkerr.Code{dorkerr.CodePulseDisabled, dorkerr.CodeValidationFailed}},
		{Name: "pulse.schedules.get", Method: "GET", Path: "/api/pulse/schedules/{id}", Errors: []dorkerr.Code{dorkerr.CodePulseDisabled, dorkerr.CodeNotFound}},
		{Name: "pulse.schedules.update", Method: "PATCH", Path: "/api/pulse/schedules/{id}", Errors: []dorkerr.Code{dorkerr.CodePulseDisabled, dorkerr.CodeNotFound}},
		{Name: "pulse.schedules.delete", Method: "DELETE", Path: "/api/pulse/schedules/{id}", Errors: []dorkerr.Code{dorkerr.CodePulseDisabled}},
		{Name: "pulse.schedules.run", Method: "POST", Path: "/api/pulse/schedules/{id}/run", Errors: []dorkerr.Code{dorkerr.CodePulseDisabled, dorkerr.CodeNotFound}},
		{Name: "pulse.schedules.approve", Method: "POST", Path: "/api/pulse/schedules/{id}/approve", Errors: []dorkerr.Code{dorkerr.CodePulseDisabled, dorkerr.CodeNotFound}},
		{Name: "pulse.schedules.reject", Method: "POST", Path: "/api/pulse/schedules/{id}/reject", Errors: []dorkerr.Code{dorkerr.CodePulseDisabled, dorkerr.CodeNotFound}},
		{Name: "pulse.schedules.events", Method: "GET", Path: "/api/pulse/schedules/{id}/events", Errors: []dorkerr.Code{dorkerr.CodePulseDisabled}},
		{Name: "pulse.runs.list", Method: "GET", Path: "/api/pulse/runs", Errors: []dorkerr.Code{dorkerr.CodePulseDisabled}},
		{Name: "pulse.runs.cancel", Method: "POST", Path: "/api/pulse/runs/{id}/cancel", Errors: []dorkerr.Code{dorkerr.CodePulseDisabled, dorkerr.CodeNotFound}},

		// Relay
		{Name: "relay.publish", Method: "POST", Path: "/api/relay/messages",
			Errors: []dorkerr.Code{dorkerr.CodeRelayDisabled, dorkerr.CodeInvalidSubject, dorkerr.CodeAccessDenied, dorkerr.CodePublishFailed}},
		{Name: "relay.endpoints.list", Method: "GET", Path: "/api/relay/endpoints", Errors: []dorkerr.Code{dorkerr.CodeRelayDisabled}},
		{Name: "relay.endpoints.register", Method: "POST", Path: "/api/relay/endpoints",
			Errors: []dorkerr.Code{dorkerr.CodeRelayDisabled, dorkerr.CodeInvalidSubject, dorkerr.CodeRegistrationFailed}},
		{Name: "relay.endpoints.unregister", Method: "DELETE", Path: "/api/relay/endpoints/{subject}", Errors: []dorkerr.Code{dorkerr.CodeRelayDisabled}},
		{Name: "relay.inbox.read", Method: "GET", Path: "/api/relay/endpoints/{subject}/inbox",
			Errors: []dorkerr.Code{dorkerr.CodeRelayDisabled, dorkerr.CodeEndpointNotFound, dorkerr.CodeInboxReadFailed}},
		{Name: "relay.inbox.mark", Method: "POST", Path: "/api/relay/endpoints/{subject}/inbox/{messageId}",
			Errors: []dorkerr.Code{dorkerr.CodeRelayDisabled, dorkerr.CodeEndpointNotFound}},
		{Name: "relay.traces.get", Method: "GET", Path: "/api/relay/traces/{id}", Errors: []dorkerr.Code{dorkerr.CodeTracingDisabled}},
		{Name: "relay.metrics", Method: "GET", Path: "/api/relay/metrics", Errors: []dorkerr.Code{dorkerr.CodeTracingDisabled}},
		{Name: "relay.stream", Method: "GET", Path: "/api/relay/stream", Streaming: true, Errors: []dorkerr.Code{dorkerr.CodeRelayDisabled}},
		{Name: "relay.adapters.list", Method: "GET", Path: "/api/relay/adapters", Errors: []dorkerr.Code{dorkerr.CodeAdaptersDisabled}},
		{Name: "relay.adapters.enable", Method: "POST", Path: "/api/relay/adapters/{id}/enable", Errors: []dorkerr.Code{dorkerr.CodeAdaptersDisabled, dorkerr.CodeEnableFailed}},
		{Name: "relay.adapters.disable", Method: "POST", Path: "/api/relay/adapters/{id}/disable", Errors: []dorkerr.Code{dorkerr.CodeAdaptersDisabled, dorkerr.CodeDisableFailed}},
		{Name: "relay.adapters.reload", Method: "POST", Path: "/api/relay/adapters/reload", Errors: []dorkerr.Code{dorkerr.CodeAdaptersDisabled, dorkerr.CodeReloadFailed}},
		{Name: "relay.bindings.list", Method: "GET", Path: "/api/relay/bindings", Errors: []dorkerr.Code{dorkerr.CodeBindingsDisabled}},
		{Name: "relay.bindings.create", Method: "POST", Path: "/api/relay/bindings", Errors: []dorkerr.Code{dorkerr.CodeBindingsDisabled, dorkerr.CodeBindingCreateFailed}},
		{Name: "relay.bindings.delete", Method: "DELETE", Path: "/api/relay/bindings/{id}", Errors: []dorkerr.Code{dorkerr.CodeBindingsDisabled}},

		// Mesh
		{Name: "mesh.discover", Method: "POST", Path: "/api/mesh/discover", Errors: []dorkerr.Code{dorkerr.CodeMeshDisabled, dorkerr.CodeDiscoverFailed, dorkerr.CodeBoundaryViolation}},
		{Name: "mesh.agents.register", Method: "POST", Path: "/api/mesh/agents", Errors: []dorkerr.Code{dorkerr.CodeMeshDisabled, dorkerr.CodeRegisterFailed, dorkerr.CodeBoundaryViolation}},
		{Name: "mesh.agents.list", Method: "GET", Path: "/api/mesh/agents", Errors: []dorkerr.Code{dorkerr.CodeMeshDisabled}},
		{Name: "mesh.agents.get", Method: "GET", Path: "/api/mesh/agents/{id}", Errors: []dorkerr.Code{dorkerr.CodeMeshDisabled, dorkerr.CodeNotFound}},
		{Name: "mesh.agents.update", Method: "PATCH", Path: "/api/mesh/agents/{id}", Errors: []dorkerr.Code{dorkerr.CodeMeshDisabled, dorkerr.CodeNotFound}},
		{Name: "mesh.agents.unregister", Method: "DELETE", Path: "/api/mesh/agents/{id}", Errors: []dorkerr.Code{dorkerr.CodeMeshDisabled, dorkerr.CodeUnregisterFailed}},
		{Name: "mesh.agents.heartbeat", Method: "POST", Path: "/api/mesh/agents/{id}/heartbeat", Errors: []dorkerr.Code{dorkerr.CodeMeshDisabled, dorkerr.CodeNotFound}},
		{Name: "mesh.agents.inspect", Method: "GET", Path: "/api/mesh/agents/{id}/inspect", Errors: []dorkerr.Code{dorkerr.CodeMeshDisabled, dorkerr.CodeNotFound}},
		{Name: "mesh.deny", Method: "POST", Path: "/api/mesh/deny", Errors: []dorkerr.Code{dorkerr.CodeMeshDisabled, dorkerr.CodeDenyFailed}},
		{Name: "mesh.denied.list", Method: "GET", Path: "/api/mesh/denied", Errors: []dorkerr.Code{dorkerr.CodeMeshDisabled}},
		{Name: "mesh.denied.delete", Method: "DELETE", Path: "/api/mesh/denied/{encodedPath}", Errors: []dorkerr.Code{dorkerr.CodeMeshDisabled}},
		{Name: "mesh.status", Method: "GET", Path: "/api/mesh/status", Errors: []dorkerr.Code{dorkerr.CodeMeshDisabled}},
		{Name: "mesh.topology", Method: "GET", Path: "/api/mesh/topology", Errors: []dorkerr.Code{dorkerr.CodeMeshDisabled}},
		{Name: "mesh.rules.create", Method: "POST", Path: "/api/mesh/topology/rules", Errors: []dorkerr.Code{dorkerr.CodeMeshDisabled, dorkerr.CodeValidationFailed}},
		{Name: "mesh.rules.delete", Method: "DELETE", Path: "/api/mesh/topology/rules/{id}", Errors: []dorkerr.Code{dorkerr.CodeMeshDisabled}},

		// Config
		{Name: "config.get", Method: "GET", Path: "/api/config"},
	}
}
