package httpapi

import (
	"net/http"
	"strconv"

	"github.com/dorkos-sh/dorkos/internal/dorkerr"
	"github.com/dorkos-sh/dorkos/internal/pulse"
)

func (a *API) registerPulseRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/pulse/schedules", a.pulseGated(a.handleScheduleList))
	mux.HandleFunc("POST /api/pulse/schedules", a.pulseGated(a.handleScheduleCreate))
	mux.HandleFunc("GET /api/pulse/schedules/{id}", a.pulseGated(a.handleScheduleGet))
	mux.HandleFunc("PATCH /api/pulse/schedules/{id}", a.pulseGated(a.handleScheduleUpdate))
	mux.HandleFunc("DELETE /api/pulse/schedules/{id}", a.pulseGated(a.handleScheduleDelete))
	mux.HandleFunc("POST /api/pulse/schedules/{id}/run", a.pulseGated(a.handleScheduleRun))
	mux.HandleFunc("POST /api/pulse/schedules/{id}/approve", a.pulseGated(a.handleScheduleApprove))
	mux.HandleFunc("POST /api/pulse/schedules/{id}/reject", a.pulseGated(a.handleScheduleReject))
	mux.HandleFunc("GET /api/pulse/schedules/{id}/events", a.pulseGated(a.handleScheduleEvents))
	mux.HandleFunc("GET /api/pulse/runs", a.pulseGated(a.handleRunList))
	mux.HandleFunc("POST /api/pulse/runs/{id}/cancel", a.pulseGated(a.handleRunCancel))
}

func (a *API) pulseGated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.pulse == nil || a.sched == nil {
			a.writeError(w, r, disabled(dorkerr.CodePulseDisabled, "pulse"))
			return
		}
		next(w, r)
	}
}

func (a *API) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	schedules, err := a.pulse.ListSchedules()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if schedules == nil {
		schedules = []pulse.Schedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (a *API) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	var body pulse.Schedule
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	if body.CreatedBy == "" {
		body.CreatedBy = "user"
	}
	sched, err := a.pulse.CreateSchedule(body, false)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (a *API) handleScheduleGet(w http.ResponseWriter, r *http.Request) {
	sched, err := a.pulse.GetSchedule(r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (a *API) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	var body pulse.ScheduleUpdate
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	sched, err := a.pulse.UpdateSchedule(r.PathValue("id"), body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (a *API) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.pulse.GetSchedule(id); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.pulse.DeleteSchedule(id); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleScheduleRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.sched.RunNow(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (a *API) handleScheduleApprove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Approver string `json:"approver"`
	}
	if r.ContentLength > 0 {
		if err := decode(r, &body); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	if body.Approver == "" {
		body.Approver = "user"
	}
	sched, err := a.pulse.Approve(r.PathValue("id"), body.Approver)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (a *API) handleScheduleReject(w http.ResponseWriter, r *http.Request) {
	if err := a.pulse.Reject(r.PathValue("id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleScheduleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.pulse.RunEvents(r.PathValue("id"), queryInt(r, "limit", 50))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []pulse.RunEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *API) handleRunList(w http.ResponseWriter, r *http.Request) {
	runs, err := a.pulse.ListRuns(pulse.RunFilter{
		ScheduleID: r.URL.Query().Get("scheduleId"),
		Status:     r.URL.Query().Get("status"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []pulse.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *API) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.sched.CancelRun(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
