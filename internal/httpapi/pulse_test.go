package httpapi

import (
	"net/http"
	"testing"

	"github.com/dorkos-sh/dorkos/internal/dorkerr"
	"github.com/dorkos-sh/dorkos/internal/pulse"
	"github.com/dorkos-sh/dorkos/internal/runtime"
)

func TestPulseScheduleCRUD(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, "POST", "/api/pulse/schedules", map[string]any{
		"name": "nightly", "cron": "0 2 * * *", "prompt": "review the repo", "enabled": true,
	}, nil)
	wantStatus(t, resp, http.StatusCreated)
	created := decodeBody[pulse.Schedule](t, resp)
	if created.ID == "" || created.Status != pulse.StatusActive || created.CreatedBy != "user" {
		t.Fatalf("created = %+v", created)
	}

	resp = f.do(t, "GET", "/api/pulse/schedules", nil, nil)
	wantStatus(t, resp, http.StatusOK)
	if list := decodeBody[[]pulse.Schedule](t, resp); len(list) != 1 {
		t.Fatalf("list = %+v", list)
	}

	resp = f.do(t, "PATCH", "/api/pulse/schedules/"+created.ID, map[string]any{
		"cron": "*/10 * * * *",
	}, nil)
	wantStatus(t, resp, http.StatusOK)
	updated := decodeBody[pulse.Schedule](t, resp)
	if updated.Cron != "*/10 * * * *" || updated.Name != "nightly" {
		t.Fatalf("updated = %+v", updated)
	}

	resp = f.do(t, "POST", "/api/pulse/schedules", map[string]any{
		"name": "bad", "cron": "not cron", "prompt": "p",
	}, nil)
	wantStatus(t, resp, http.StatusBadRequest)
	if body := decodeBody[errorBody](t, resp); body.Code != dorkerr.CodeValidationFailed {
		t.Fatalf("code = %s", body.Code)
	}

	resp = f.do(t, "DELETE", "/api/pulse/schedules/"+created.ID, nil, nil)
	wantStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = f.do(t, "DELETE", "/api/pulse/schedules/"+created.ID, nil, nil)
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestPulseRunAndHistory(t *testing.T) {
	f := newFixture(t, []runtime.Event{
		{Kind: runtime.KindInit, SessionID: "sdk-run"},
		{Kind: runtime.KindTextDelta, Text: "done"},
		{Kind: runtime.KindResult, SessionID: "sdk-run"},
	})

	resp := f.do(t, "POST", "/api/pulse/schedules", map[string]any{
		"name": "job", "cron": "* * * * *", "prompt": "go", "enabled": true, "cwd": f.root,
	}, nil)
	wantStatus(t, resp, http.StatusCreated)
	sched := decodeBody[pulse.Schedule](t, resp)

	resp = f.do(t, "POST", "/api/pulse/schedules/"+sched.ID+"/run", nil, nil)
	wantStatus(t, resp, http.StatusAccepted)
	run := decodeBody[pulse.Run](t, resp)
	if run.Trigger != pulse.TriggerManual {
		t.Fatalf("run = %+v", run)
	}

	resp = f.do(t, "GET", "/api/pulse/runs?scheduleId="+sched.ID, nil, nil)
	wantStatus(t, resp, http.StatusOK)
	if runs := decodeBody[[]pulse.Run](t, resp); len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestPulseApprovalFlow(t *testing.T) {
	f := newFixture(t, nil)

	// Agent-created schedules arrive through the store pending approval.
	pending, err := f.pulse.CreateSchedule(pulse.Schedule{
		Name: "agent-job", Cron: "* * * * *", Prompt: "p",
	}, true)
	if err != nil {
		t.Fatal(err)
	}

	resp := f.do(t, "POST", "/api/pulse/schedules/"+pending.ID+"/approve",
		map[string]string{"approver": "sam"}, nil)
	wantStatus(t, resp, http.StatusOK)
	approved := decodeBody[pulse.Schedule](t, resp)
	if approved.Status != pulse.StatusActive || approved.Approver != "sam" {
		t.Fatalf("approved = %+v", approved)
	}

	rejected, _ := f.pulse.CreateSchedule(pulse.Schedule{
		Name: "agent-job-2", Cron: "* * * * *", Prompt: "p",
	}, true)
	resp = f.do(t, "POST", "/api/pulse/schedules/"+rejected.ID+"/reject", nil, nil)
	wantStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = f.do(t, "GET", "/api/pulse/schedules/"+rejected.ID, nil, nil)
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestPulseCancelUnknownRun(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, "POST", "/api/pulse/runs/nope/cancel", nil, nil)
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}
