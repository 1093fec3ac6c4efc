package httpapi

import (
	"errors"
	"net/http"
	"os"

	"github.com/dorkos-sh/dorkos/internal/agent"
	"github.com/dorkos-sh/dorkos/internal/dorkerr"
	"github.com/dorkos-sh/dorkos/internal/runtime"
	"github.com/dorkos-sh/dorkos/internal/transcript"
	"github.com/dorkos-sh/dorkos/internal/transport"
)

func (a *API) registerSessionRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", a.handleSessionList)
	mux.HandleFunc("GET /api/sessions/{id}", a.handleSessionGet)
	mux.HandleFunc("POST /api/sessions/{id}/messages", a.handleSessionSend)
	mux.HandleFunc("POST /api/sessions/{id}/approve", a.handleSessionApprove)
	mux.HandleFunc("POST /api/sessions/{id}/answer", a.handleSessionAnswer)
	mux.HandleFunc("PATCH /api/sessions/{id}", a.handleSessionUpdate)
	mux.HandleFunc("POST /api/sessions/{id}/lock", a.handleSessionLock)
	mux.HandleFunc("DELETE /api/sessions/{id}/lock", a.handleSessionUnlock)
	mux.HandleFunc("GET /api/models", a.handleModels)
}

func (a *API) handleSessionList(w http.ResponseWriter, r *http.Request) {
	cwd := r.URL.Query().Get("cwd")
	if cwd == "" && a.cfg != nil {
		cwd = a.cfg.DefaultCwd
	}
	sessions, err := a.reader.ListSessions(cwd)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []transcript.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

type sessionDetail struct {
	ID             string                 `json:"id"`
	Messages       []transcript.Message   `json:"messages"`
	Live           bool                   `json:"live"`
	PermissionMode runtime.PermissionMode `json:"permissionMode,omitempty"`
	Lock           *agent.LockInfo        `json:"lock,omitempty"`
}

func (a *API) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	messages, err := a.reader.ReadTranscript(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = dorkerr.New(dorkerr.CodeNotFound, "no transcript for session %s", id)
		}
		a.writeError(w, r, err)
		return
	}
	if messages == nil {
		messages = []transcript.Message{}
	}
	detail := sessionDetail{ID: id, Messages: messages}
	if s, ok := a.manager.Get(id); ok {
		detail.Live = true
		detail.PermissionMode = s.Mode
	}
	if info, held := a.manager.Locks().Info(id); held {
		detail.Lock = &info
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) handleSessionSend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Content        string `json:"content"`
		PermissionMode string `json:"permissionMode"`
		Cwd            string `json:"cwd"`
		Model          string `json:"model"`
	}
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	if body.Content == "" {
		a.writeError(w, r, dorkerr.New(dorkerr.CodeValidationFailed, "content is required"))
		return
	}

	// A mismatched writer gets 409 with {holder, acquiredAt}. A lock taken
	// here is released when the stream ends or the client disconnects; a
	// lock the client took explicitly beforehand stays held.
	clientID := r.Header.Get("X-Client-Id")
	if clientID != "" {
		locks := a.manager.Locks()
		_, held := locks.Info(id)
		heldByCaller := held && !locks.IsLocked(id, clientID)
		if err := locks.Acquire(id, clientID); err != nil {
			a.writeError(w, r, err)
			return
		}
		if !heldByCaller {
			defer locks.Release(id, clientID)
		}
	}

	if a.limiter != nil {
		if err := a.limiter.Wait(r.Context()); err != nil {
			return
		}
	}

	events, err := a.manager.SendMessage(r.Context(), id, body.Content, agent.SendOptions{
		PermissionMode: runtime.PermissionMode(body.PermissionMode),
		Cwd:            body.Cwd,
		Model:          body.Model,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	sse := transport.NewSSEWriter(w)
	for ev := range events {
		if err := sse.Send(ev); err != nil {
			return
		}
	}
}

func (a *API) handleSessionApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		ToolCallID string `json:"toolCallId"`
		Approved   bool   `json:"approved"`
	}
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	if !a.manager.ApproveTool(id, body.ToolCallID, body.Approved) {
		a.writeError(w, r, dorkerr.New(dorkerr.CodeNotFound, "no pending approval %s", body.ToolCallID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

func (a *API) handleSessionAnswer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		ToolCallID string            `json:"toolCallId"`
		Answers    map[string]string `json:"answers"`
	}
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	if !a.manager.SubmitAnswers(id, body.ToolCallID, body.Answers) {
		a.writeError(w, r, dorkerr.New(dorkerr.CodeNotFound, "no pending question %s", body.ToolCallID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

func (a *API) handleSessionUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		PermissionMode string `json:"permissionMode"`
		Model          string `json:"model"`
	}
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.manager.UpdateSession(id, agent.UpdateOptions{
		PermissionMode: runtime.PermissionMode(body.PermissionMode),
		Model:          body.Model,
	}); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":             id,
		"permissionMode": body.PermissionMode,
		"model":          body.Model,
	})
}

func (a *API) handleSessionLock(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	clientID := r.Header.Get("X-Client-Id")
	if clientID == "" {
		a.writeError(w, r, dorkerr.New(dorkerr.CodeValidationFailed, "X-Client-Id header is required"))
		return
	}
	if err := a.manager.Locks().Acquire(id, clientID); err != nil {
		a.writeError(w, r, err)
		return
	}
	info, _ := a.manager.Locks().Info(id)
	writeJSON(w, http.StatusOK, info)
}

func (a *API) handleSessionUnlock(w http.ResponseWriter, r *http.Request) {
	a.manager.Locks().Release(r.PathValue("id"), r.Header.Get("X-Client-Id"))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.SupportedModels())
}
