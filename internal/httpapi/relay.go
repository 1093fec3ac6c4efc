package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dorkos-sh/dorkos/internal/dorkerr"
	"github.com/dorkos-sh/dorkos/internal/relay"
	"github.com/dorkos-sh/dorkos/internal/transport"
)

func (a *API) registerRelayRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/relay/messages", a.relayGated(a.handleRelayPublish))
	mux.HandleFunc("GET /api/relay/endpoints", a.relayGated(a.handleEndpointList))
	mux.HandleFunc("POST /api/relay/endpoints", a.relayGated(a.handleEndpointRegister))
	mux.HandleFunc("DELETE /api/relay/endpoints/{subject}", a.relayGated(a.handleEndpointUnregister))
	mux.HandleFunc("GET /api/relay/endpoints/{subject}/inbox", a.relayGated(a.handleInboxRead))
	mux.HandleFunc("POST /api/relay/endpoints/{subject}/inbox/{messageId}", a.relayGated(a.handleInboxMark))
	mux.HandleFunc("GET /api/relay/traces/{id}", a.relayGated(a.handleTraceGet))
	mux.HandleFunc("GET /api/relay/metrics", a.relayGated(a.handleTraceMetrics))
	mux.HandleFunc("GET /api/relay/stream", a.relayGated(a.handleRelayStream))
	mux.HandleFunc("GET /api/relay/adapters", a.handleAdapterList)
	mux.HandleFunc("POST /api/relay/adapters/{id}/enable", a.handleAdapterEnable)
	mux.HandleFunc("POST /api/relay/adapters/{id}/disable", a.handleAdapterDisable)
	mux.HandleFunc("POST /api/relay/adapters/reload", a.handleAdapterReload)
	mux.HandleFunc("GET /api/relay/bindings", a.handleBindingList)
	mux.HandleFunc("POST /api/relay/bindings", a.handleBindingCreate)
	mux.HandleFunc("DELETE /api/relay/bindings/{id}", a.handleBindingDelete)
}

func (a *API) relayGated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.relay == nil {
			a.writeError(w, r, disabled(dorkerr.CodeRelayDisabled, "relay"))
			return
		}
		next(w, r)
	}
}

func (a *API) handleRelayPublish(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Subject  string          `json:"subject"`
		Payload  json.RawMessage `json:"payload"`
		From     string          `json:"from"`
		ReplyTo  string          `json:"replyTo"`
		Budget   *relay.Budget   `json:"budget"`
		TraceID  string          `json:"traceId"`
		ParentID string          `json:"parentId"`
	}
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	result, err := a.relay.Publish(r.Context(), body.Subject, body.Payload, relay.PublishOptions{
		From:     body.From,
		ReplyTo:  body.ReplyTo,
		Budget:   body.Budget,
		TraceID:  body.TraceID,
		ParentID: body.ParentID,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleEndpointList(w http.ResponseWriter, r *http.Request) {
	endpoints := a.relay.ListEndpoints()
	if endpoints == nil {
		endpoints = []relay.EndpointInfo{}
	}
	writeJSON(w, http.StatusOK, endpoints)
}

func (a *API) handleEndpointRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Subject  string            `json:"subject"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.relay.RegisterEndpoint(body.Subject, body.Metadata); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"subject": body.Subject})
}

func (a *API) handleEndpointUnregister(w http.ResponseWriter, r *http.Request) {
	a.relay.UnregisterEndpoint(r.PathValue("subject"))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleInboxRead(w http.ResponseWriter, r *http.Request) {
	page, err := a.relay.ReadInbox(
		r.PathValue("subject"),
		r.URL.Query().Get("cursor"),
		r.URL.Query().Get("status"),
		queryInt(r, "limit", 50),
	)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []relay.InboxMessage{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleInboxMark(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.relay.MarkInboxMessage(r.PathValue("subject"), r.PathValue("messageId"), body.Status); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": body.Status})
}

func (a *API) handleTraceGet(w http.ResponseWriter, r *http.Request) {
	ts := a.relay.Trace()
	if ts == nil {
		a.writeError(w, r, disabled(dorkerr.CodeTracingDisabled, "tracing"))
		return
	}
	id := r.PathValue("id")
	spans, err := ts.Trace(id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if spans == nil {
		spans = []relay.Span{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"traceId": id, "spans": spans})
}

func (a *API) handleTraceMetrics(w http.ResponseWriter, r *http.Request) {
	ts := a.relay.Trace()
	if ts == nil {
		a.writeError(w, r, disabled(dorkerr.CodeTracingDisabled, "tracing"))
		return
	}
	metrics, err := ts.Metrics()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// handleRelayStream feeds every delivered envelope to the client as
// relay_message SSE frames, via a wildcard subscriber. Slow clients drop
// frames rather than stall the bus.
func (a *API) handleRelayStream(w http.ResponseWriter, r *http.Request) {
	ch := make(chan relay.Envelope, 64)
	subID, err := a.relay.Subscribe(">", func(ctx context.Context, env relay.Envelope) error {
		select {
		case ch <- env:
		default:
		}
		return nil
	}, map[string]string{"consumer": "http-stream"})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	defer a.relay.Unsubscribe(subID)

	sse := transport.NewSSEWriter(w)
	sse.SendRetry(3000)
	for {
		select {
		case <-r.Context().Done():
			return
		case env := <-ch:
			if err := sse.SendNamed("relay_message", env); err != nil {
				return
			}
		}
	}
}

func (a *API) handleAdapterList(w http.ResponseWriter, r *http.Request) {
	if a.adapters == nil {
		a.writeError(w, r, disabled(dorkerr.CodeAdaptersDisabled, "adapters"))
		return
	}
	infos := a.adapters.List()
	if infos == nil {
		infos = []relay.AdapterInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (a *API) handleAdapterEnable(w http.ResponseWriter, r *http.Request) {
	if a.adapters == nil {
		a.writeError(w, r, disabled(dorkerr.CodeAdaptersDisabled, "adapters"))
		return
	}
	id := r.PathValue("id")
	if err := a.adapters.Enable(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "enabled"})
}

func (a *API) handleAdapterDisable(w http.ResponseWriter, r *http.Request) {
	if a.adapters == nil {
		a.writeError(w, r, disabled(dorkerr.CodeAdaptersDisabled, "adapters"))
		return
	}
	id := r.PathValue("id")
	if err := a.adapters.Disable(id); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "disabled"})
}

func (a *API) handleAdapterReload(w http.ResponseWriter, r *http.Request) {
	if a.adapters == nil {
		a.writeError(w, r, disabled(dorkerr.CodeAdaptersDisabled, "adapters"))
		return
	}
	if err := a.adapters.Reload(r.Context()); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.adapters.List())
}

func (a *API) handleBindingList(w http.ResponseWriter, r *http.Request) {
	if a.bindings == nil {
		a.writeError(w, r, disabled(dorkerr.CodeBindingsDisabled, "bindings"))
		return
	}
	bindings, err := a.bindings.GetAll()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if bindings == nil {
		bindings = []relay.Binding{}
	}
	writeJSON(w, http.StatusOK, bindings)
}

func (a *API) handleBindingCreate(w http.ResponseWriter, r *http.Request) {
	if a.bindings == nil {
		a.writeError(w, r, disabled(dorkerr.CodeBindingsDisabled, "bindings"))
		return
	}
	var body relay.Binding
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	binding, err := a.bindings.Create(body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, binding)
}

func (a *API) handleBindingDelete(w http.ResponseWriter, r *http.Request) {
	if a.bindings == nil {
		a.writeError(w, r, disabled(dorkerr.CodeBindingsDisabled, "bindings"))
		return
	}
	if err := a.bindings.Delete(r.PathValue("id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
