package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dorkos-sh/dorkos/internal/agent"
	"github.com/dorkos-sh/dorkos/internal/dorkerr"
	"github.com/dorkos-sh/dorkos/internal/relay"
	"github.com/dorkos-sh/dorkos/internal/runtime"
	"github.com/dorkos-sh/dorkos/internal/transport"
)

// DefaultTickInterval is how often due schedules are evaluated.
const DefaultTickInterval = 30 * time.Second

const summaryLimit = 500

// SendFunc dispatches a prompt through the Agent Manager. The signature
// matches (*agent.Manager).SendMessage.
type SendFunc func(ctx context.Context, sessionKey, content string, opts agent.SendOptions) (<-chan transport.StreamEvent, error)

// Bus is the slice of the Relay the scheduler uses. Nil when Relay is
// disabled; dispatch then calls the Agent Manager directly.
type Bus interface {
	Publish(ctx context.Context, subject string, payload json.RawMessage, opts relay.PublishOptions) (relay.PublishResult, error)
	Subscribe(pattern string, handler relay.Handler, meta map[string]string) (string, error)
}

// dispatchPayload is the envelope body published on relay.system.pulse.{id}.
type dispatchPayload struct {
	RunID          string `json:"runId"`
	ScheduleID     string `json:"scheduleId"`
	Name           string `json:"name"`
	Prompt         string `json:"prompt"`
	Cwd            string `json:"cwd,omitempty"`
	PermissionMode string `json:"permissionMode"`
	Model          string `json:"model,omitempty"`
	MaxRuntimeMS   int64  `json:"maxRuntimeMs,omitempty"`
}

// Scheduler evaluates cron expressions on a tick and dispatches due
// schedules.
type Scheduler struct {
	store  *Store
	send   SendFunc
	logger *slog.Logger
	now    func() time.Time

	tickInterval time.Duration

	mu     sync.Mutex
	bus    Bus
	active map[string]context.CancelFunc // runID -> cancel
}

// NewScheduler wires the scheduler; Start begins ticking.
func NewScheduler(store *Store, send SendFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:        store,
		send:         send,
		logger:       logger.With("component", "pulse"),
		now:          time.Now,
		tickInterval: DefaultTickInterval,
		active:       make(map[string]context.CancelFunc),
	}
}

// SetBus switches dispatch onto the Relay. The scheduler subscribes to the
// dispatch subject family and executes envelopes as they arrive, streaming
// each run's events back on the envelope's replyTo subject.
func (s *Scheduler) SetBus(bus Bus) error {
	s.mu.Lock()
	s.bus = bus
	s.mu.Unlock()

	_, err := bus.Subscribe("relay.system.pulse.*", func(ctx context.Context, env relay.Envelope) error {
		var p dispatchPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("bad dispatch payload: %w", err)
		}
		sched := Schedule{
			ID:             p.ScheduleID,
			Name:           p.Name,
			Prompt:         p.Prompt,
			Cwd:            p.Cwd,
			PermissionMode: p.PermissionMode,
			Model:          p.Model,
			MaxRuntimeMS:   p.MaxRuntimeMS,
		}
		go s.execute(Run{ID: p.RunID, ScheduleID: p.ScheduleID}, sched, env.ReplyTo)
		return nil
	}, map[string]string{"owner": "pulse"})
	return err
}

// Start ticks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Tick dispatches every schedule with a due time since its last run.
func (s *Scheduler) Tick(ctx context.Context) {
	schedules, err := s.store.ListSchedules()
	if err != nil {
		s.logger.Warn("pulse.tick.list_failed", "error", err)
		return
	}
	now := s.now()
	for _, sched := range schedules {
		if !sched.Runnable() {
			continue
		}
		due, err := s.isDue(sched, now)
		if err != nil {
			s.logger.Warn("pulse.tick.cron_failed", "schedule", sched.ID, "error", err)
			continue
		}
		if !due {
			continue
		}
		if _, err := s.dispatch(ctx, sched, TriggerScheduled); err != nil {
			s.logger.Debug("pulse.tick.skipped", "schedule", sched.ID, "reason", err)
		}
	}
}

// isDue reports whether the next fire after the last run, evaluated in the
// schedule's timezone, has passed.
func (s *Scheduler) isDue(sched Schedule, now time.Time) (bool, error) {
	loc := time.UTC
	if sched.Timezone != "" {
		l, err := time.LoadLocation(sched.Timezone)
		if err != nil {
			return false, err
		}
		loc = l
	}
	last := time.UnixMilli(sched.CreatedAt)
	if sched.LastRunAt > 0 {
		last = time.UnixMilli(sched.LastRunAt)
	}
	next, err := gronx.NextTickAfter(sched.Cron, last.In(loc), false)
	if err != nil {
		return false, err
	}
	return !next.After(now), nil
}

// RunNow triggers a manual run. It bypasses cron but obeys the concurrency
// cap and the active-status rule.
func (s *Scheduler) RunNow(ctx context.Context, scheduleID string) (Run, error) {
	sched, err := s.store.GetSchedule(scheduleID)
	if err != nil {
		return Run{}, err
	}
	if !sched.Runnable() {
		return Run{}, dorkerr.New(dorkerr.CodeValidationFailed,
			"schedule %s is not runnable (enabled=%v status=%s)", scheduleID, sched.Enabled, sched.Status)
	}
	return s.dispatch(ctx, sched, TriggerManual)
}

// CancelRun signals an in-flight run to terminate; the consumer marks it
// cancelled with partial state preserved. A run with no live handle (e.g.
// orphaned by a restart) is marked cancelled directly.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status != RunRunning {
		return dorkerr.New(dorkerr.CodeValidationFailed, "run %s is %s", runID, run.Status)
	}

	s.mu.Lock()
	cancel, live := s.active[runID]
	bus := s.bus
	s.mu.Unlock()

	if bus != nil {
		payload, _ := json.Marshal(map[string]string{"type": "cancel", "runId": runID})
		bus.Publish(ctx, "relay.pulse.run."+runID, payload, relay.PublishOptions{
			From: "relay.system.pulse." + run.ScheduleID,
		})
	}

	if live {
		cancel()
		return nil
	}
	run.Status = RunCancelled
	return s.store.FinishRun(run)
}

func (s *Scheduler) dispatch(ctx context.Context, sched Schedule, trigger string) (Run, error) {
	running, err := s.store.RunningCount(sched.ID)
	if err != nil {
		return Run{}, err
	}
	if running >= sched.Concurrency {
		s.store.RunTrace(sched.ID, "", RunEventSkippedConcurrent, trigger)
		s.logger.Info("pulse.run.skipped_concurrent", "schedule", sched.ID, "running", running)
		return Run{}, dorkerr.New(dorkerr.CodeValidationFailed, "schedule %s already has %d running run(s)", sched.ID, running)
	}

	run, err := s.store.CreateRun(sched.ID, trigger)
	if err != nil {
		return Run{}, err
	}
	s.store.TouchLastRun(sched.ID, s.now())
	s.logger.Info("pulse.run.dispatched", "schedule", sched.ID, "run", run.ID, "trigger", trigger)

	s.mu.Lock()
	bus := s.bus
	s.mu.Unlock()

	if bus != nil {
		payload, _ := json.Marshal(dispatchPayload{
			RunID:          run.ID,
			ScheduleID:     sched.ID,
			Name:           sched.Name,
			Prompt:         sched.Prompt,
			Cwd:            sched.Cwd,
			PermissionMode: sched.PermissionMode,
			Model:          sched.Model,
			MaxRuntimeMS:   sched.MaxRuntimeMS,
		})
		subject := "relay.system.pulse." + sched.ID
		if _, err := bus.Publish(ctx, subject, payload, relay.PublishOptions{
			From:    subject,
			ReplyTo: "relay.pulse.run." + run.ID,
		}); err != nil {
			run.Status = RunFailed
			run.Error = err.Error()
			s.store.FinishRun(run)
			return Run{}, err
		}
		return run, nil
	}

	go s.execute(run, sched, "")
	return run, nil
}

// execute runs one dispatched run to completion, timeout, or cancellation.
// When replyTo is set, every stream event is republished on that subject.
func (s *Scheduler) execute(run Run, sched Schedule, replyTo string) {
	// Relay-dispatched executions arrive with just the IDs.
	if run.StartedAt == 0 {
		if stored, err := s.store.GetRun(run.ID); err == nil {
			run = stored
		}
	}

	// No cap unless the schedule asks for one; a run without maxRuntimeMs
	// is only bounded by cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	if sched.MaxRuntimeMS > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), time.Duration(sched.MaxRuntimeMS)*time.Millisecond)
	}
	defer cancel()

	s.mu.Lock()
	s.active[run.ID] = cancel
	bus := s.bus
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, run.ID)
		s.mu.Unlock()
	}()

	events, err := s.send(ctx, run.ID, sched.Prompt, agent.SendOptions{
		Cwd:                sched.Cwd,
		PermissionMode:     runtime.PermissionMode(sched.PermissionMode),
		Model:              sched.Model,
		SystemPromptAppend: fmt.Sprintf("Scheduled run id=%s name=%s", run.ID, sched.Name),
	})
	if err != nil {
		run.Status = RunFailed
		run.Error = err.Error()
		s.store.FinishRun(run)
		return
	}

	var text strings.Builder
	var errMsg string
	for ev := range events {
		switch ev.Type {
		case transport.EventTextDelta:
			text.WriteString(ev.Text)
		case transport.EventSessionStatus:
			run.SessionID = ev.SessionID
		case transport.EventDone:
			run.CostUSD = ev.CostUSD
		case transport.EventError:
			errMsg = ev.Message
		}
		if bus != nil && replyTo != "" {
			if payload, err := json.Marshal(ev); err == nil {
				bus.Publish(context.Background(), replyTo, payload, relay.PublishOptions{
					From: "relay.system.pulse." + sched.ID,
				})
			}
		}
	}

	run.Summary = truncate(text.String(), summaryLimit)
	switch {
	case ctx.Err() != nil:
		run.Status = RunCancelled
	case errMsg != "":
		run.Status = RunFailed
		run.Error = errMsg
	default:
		run.Status = RunCompleted
	}
	if err := s.store.FinishRun(run); err != nil {
		s.logger.Warn("pulse.run.finish_failed", "run", run.ID, "error", err)
	}
	s.logger.Info("pulse.run.finished", "run", run.ID, "status", run.Status, "cost", run.CostUSD)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
