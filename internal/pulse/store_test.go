package pulse

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dorkos-sh/dorkos/internal/dorkerr"
	"github.com/dorkos-sh/dorkos/internal/ids"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(filepath.Join(t.TempDir(), "pulse.db"), ids.NewGenerator(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateScheduleValidation(t *testing.T) {
	st := newTestStore(t)

	tests := []struct {
		name  string
		sched Schedule
		code  dorkerr.Code
	}{
		{"missing name", Schedule{Cron: "* * * * *", Prompt: "p"}, dorkerr.CodeValidationFailed},
		{"missing prompt", Schedule{Name: "n", Cron: "* * * * *"}, dorkerr.CodeValidationFailed},
		{"bad cron", Schedule{Name: "n", Cron: "not cron", Prompt: "p"}, dorkerr.CodeValidationFailed},
		{"bad timezone", Schedule{Name: "n", Cron: "* * * * *", Prompt: "p", Timezone: "Mars/Olympus"}, dorkerr.CodeValidationFailed},
	}
	for _, tt := range tests {
		if _, err := st.CreateSchedule(tt.sched, false); dorkerr.CodeOf(err) != tt.code {
			t.Errorf("%s: err = %v", tt.name, err)
		}
	}

	sched, err := st.CreateSchedule(Schedule{
		Name: "nightly", Cron: "0 2 * * *", Prompt: "review", Timezone: "America/New_York", Enabled: true,
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	if sched.ID == "" || sched.Status != StatusActive || sched.Concurrency != 1 || sched.PermissionMode != "default" {
		t.Fatalf("schedule = %+v", sched)
	}
}

func TestAgentCreatedNeedsApproval(t *testing.T) {
	st := newTestStore(t)

	sched, err := st.CreateSchedule(Schedule{
		Name: "agent", Cron: "* * * * *", Prompt: "p", Status: StatusActive,
	}, true)
	if err != nil {
		t.Fatal(err)
	}
	if sched.Status != StatusPendingApproval || !sched.Enabled {
		t.Fatalf("agent schedule = %+v", sched)
	}
	if sched.Runnable() {
		t.Fatal("pending schedule must not be runnable")
	}

	approved, err := st.Approve(sched.ID, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if approved.Status != StatusActive || approved.Approver != "user-1" || !approved.Runnable() {
		t.Fatalf("approved = %+v", approved)
	}
	if _, err := st.Approve(sched.ID, "user-1"); dorkerr.CodeOf(err) != dorkerr.CodeValidationFailed {
		t.Fatalf("second approve = %v", err)
	}
}

func TestRejectDeletes(t *testing.T) {
	st := newTestStore(t)
	sched, _ := st.CreateSchedule(Schedule{Name: "a", Cron: "* * * * *", Prompt: "p"}, true)

	if err := st.Reject(sched.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := st.GetSchedule(sched.ID); dorkerr.CodeOf(err) != dorkerr.CodeNotFound {
		t.Fatalf("get after reject = %v", err)
	}

	active, _ := st.CreateSchedule(Schedule{Name: "b", Cron: "* * * * *", Prompt: "p"}, false)
	if err := st.Reject(active.ID); dorkerr.CodeOf(err) != dorkerr.CodeValidationFailed {
		t.Fatalf("reject active = %v", err)
	}
}

func TestUpdateSchedulePartial(t *testing.T) {
	st := newTestStore(t)
	sched, _ := st.CreateSchedule(Schedule{Name: "a", Cron: "* * * * *", Prompt: "p", Enabled: true}, false)

	newCron := "*/5 * * * *"
	paused := StatusPaused
	updated, err := st.UpdateSchedule(sched.ID, ScheduleUpdate{Cron: &newCron, Status: &paused})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Cron != newCron || updated.Status != StatusPaused || updated.Name != "a" || !updated.Enabled {
		t.Fatalf("updated = %+v", updated)
	}

	bad := "nope"
	if _, err := st.UpdateSchedule(sched.ID, ScheduleUpdate{Cron: &bad}); dorkerr.CodeOf(err) != dorkerr.CodeValidationFailed {
		t.Fatalf("bad cron update = %v", err)
	}
	if _, err := st.UpdateSchedule(sched.ID, ScheduleUpdate{Status: &bad}); dorkerr.CodeOf(err) != dorkerr.CodeValidationFailed {
		t.Fatalf("bad status update = %v", err)
	}
}

func TestRunLifecycleAndHistory(t *testing.T) {
	st := newTestStore(t)
	sched, _ := st.CreateSchedule(Schedule{Name: "a", Cron: "* * * * *", Prompt: "p", Enabled: true}, false)

	run, err := st.CreateRun(sched.ID, TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != RunRunning || run.StartedAt == 0 {
		t.Fatalf("run = %+v", run)
	}
	if n, _ := st.RunningCount(sched.ID); n != 1 {
		t.Fatalf("running = %d", n)
	}

	run.Status = RunCompleted
	run.Summary = "done the thing"
	run.SessionID = "sdk-1"
	run.CostUSD = 0.42
	if err := st.FinishRun(run); err != nil {
		t.Fatal(err)
	}
	if n, _ := st.RunningCount(sched.ID); n != 0 {
		t.Fatalf("running after finish = %d", n)
	}

	got, err := st.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != RunCompleted || got.Summary != "done the thing" || got.CostUSD != 0.42 || got.FinishedAt == 0 {
		t.Fatalf("finished = %+v", got)
	}
	if got.DurationMS < 0 {
		t.Fatalf("duration = %d", got.DurationMS)
	}

	// History pagination, newest first.
	base := time.Now()
	for i := 0; i < 4; i++ {
		st.now = func() time.Time { return base.Add(time.Duration(i) * time.Second) }
		if _, err := st.CreateRun(sched.ID, TriggerScheduled); err != nil {
			t.Fatal(err)
		}
	}
	page, err := st.ListRuns(RunFilter{ScheduleID: sched.ID, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].CreatedAt < page[1].CreatedAt {
		t.Fatalf("page = %+v", page)
	}
	rest, _ := st.ListRuns(RunFilter{ScheduleID: sched.ID, Limit: 10, Offset: 2})
	if len(rest) != 3 {
		t.Fatalf("rest = %d", len(rest))
	}

	completed, _ := st.ListRuns(RunFilter{Status: RunCompleted, Limit: 10})
	if len(completed) != 1 || completed[0].ID != run.ID {
		t.Fatalf("completed = %+v", completed)
	}
}

func TestRunTraceEvents(t *testing.T) {
	st := newTestStore(t)
	sched, _ := st.CreateSchedule(Schedule{Name: "a", Cron: "* * * * *", Prompt: "p", Enabled: true}, false)

	st.RunTrace(sched.ID, "", RunEventSkippedConcurrent, TriggerScheduled)
	events, err := st.RunEvents(sched.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != RunEventSkippedConcurrent {
		t.Fatalf("events = %+v", events)
	}
}

func TestSchedulesForCwd(t *testing.T) {
	st := newTestStore(t)
	st.CreateSchedule(Schedule{Name: "a", Cron: "* * * * *", Prompt: "p", Cwd: "/ws/proj"}, false)
	st.CreateSchedule(Schedule{Name: "b", Cron: "* * * * *", Prompt: "p", Cwd: "/ws/proj"}, false)
	st.CreateSchedule(Schedule{Name: "c", Cron: "* * * * *", Prompt: "p"}, false)

	if n := st.SchedulesForCwd("/ws/proj"); n != 2 {
		t.Fatalf("count = %d", n)
	}
	if n := st.SchedulesForCwd("/elsewhere"); n != 0 {
		t.Fatalf("count = %d", n)
	}
}
