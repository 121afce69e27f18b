package followup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leadpulse/leadpulse/internal/dispatch"
	"github.com/leadpulse/leadpulse/internal/jobs"
	"github.com/leadpulse/leadpulse/internal/store"
)

type fakeDispatcher struct {
	result *dispatch.Result
	err    error
	sent   []*store.Message
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, conv *store.Conversation, msg *store.Message) (*dispatch.Result, error) {
	f.sent = append(f.sent, msg)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &dispatch.Result{Success: true, ProviderMessageID: "prov-nudge"}, nil
}

// claimEvaluation drives the queue far enough into the future to claim the
// single pending evaluation job.
func claimEvaluation(t *testing.T, f *fixture) *jobs.Job {
	t.Helper()
	claimed, err := f.backend.ClaimDue(context.Background(), jobs.ClassEvaluate, 10, time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d jobs, want 1", len(claimed))
	}
	return &claimed[0]
}

func newEvaluator(f *fixture, d Dispatcher) *Evaluator {
	return NewEvaluator(f.mem.Stores(), f.backend, f.scheduler, d, time.Minute)
}

func TestHandleEvaluate_SendsNudgeAndAdvances(t *testing.T) {
	f := newFixture(t, twoRules())
	ctx := context.Background()
	sender := &fakeDispatcher{}
	ev := newEvaluator(f, sender)

	cycle, _, err := f.scheduler.StartIfEligible(ctx, f.clientID, f.workspaceID, "client_message")
	if err != nil {
		t.Fatal(err)
	}

	if err := ev.HandleEvaluate(ctx, claimEvaluation(t, f)); err != nil {
		t.Fatal(err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("dispatched %d messages, want 1", len(sender.sent))
	}
	nudge := sender.sent[0]
	if nudge.Sender != store.SenderSystem {
		t.Errorf("sender = %s, want SYSTEM", nudge.Sender)
	}
	if nudge.Content != "Oi Bruno, ainda por aí?" {
		t.Errorf("content = %q", nudge.Content)
	}

	got, err := f.mem.GetCycle(ctx, cycle.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.CycleActive || got.CurrentStepOrder != 2 {
		t.Errorf("cycle = %+v, want ACTIVE on step 2", got)
	}

	pending := f.backend.Pending(jobs.ClassEvaluate)
	if len(pending) != 1 {
		t.Fatalf("pending jobs = %d, want 1 for step 2", len(pending))
	}
	if want := evaluateDedupeKey(cycle.ID, 2); pending[0].DedupeKey != want {
		t.Errorf("dedupe key = %q, want %q", pending[0].DedupeKey, want)
	}
}

func TestHandleEvaluate_LastStepCompletesCycle(t *testing.T) {
	f := newFixture(t, []store.FollowUpRule{
		{Order: 1, DelayMillis: 1000, MessageTemplate: "só passando, {{name}}"},
	})
	ctx := context.Background()
	ev := newEvaluator(f, &fakeDispatcher{})

	cycle, _, err := f.scheduler.StartIfEligible(ctx, f.clientID, f.workspaceID, "client_message")
	if err != nil {
		t.Fatal(err)
	}
	if err := ev.HandleEvaluate(ctx, claimEvaluation(t, f)); err != nil {
		t.Fatal(err)
	}

	got, _ := f.mem.GetCycle(ctx, cycle.ID)
	if got.Status != store.CycleCompleted || got.NextFireAt != nil {
		t.Errorf("cycle = %+v, want COMPLETED", got)
	}
	if pending := f.backend.Pending(jobs.ClassEvaluate); len(pending) != 0 {
		t.Errorf("pending jobs = %d, want 0 after the last step", len(pending))
	}
}

func TestHandleEvaluate_RetryReusesNudgeRow(t *testing.T) {
	f := newFixture(t, twoRules())
	ctx := context.Background()
	sender := &fakeDispatcher{err: errors.New("queue unavailable")}
	ev := newEvaluator(f, sender)

	cycle, _, err := f.scheduler.StartIfEligible(ctx, f.clientID, f.workspaceID, "client_message")
	if err != nil {
		t.Fatal(err)
	}
	job := claimEvaluation(t, f)

	if err := ev.HandleEvaluate(ctx, job); err == nil {
		t.Fatal("no error while the dispatcher is down")
	}

	// Redelivery after the infrastructure recovers must reuse the row the
	// first attempt appended, not stack a second one.
	sender.err = nil
	if err := ev.HandleEvaluate(ctx, job); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 2 || sender.sent[0].ID != sender.sent[1].ID {
		t.Fatalf("dispatched %d messages, want the same row twice", len(sender.sent))
	}

	history, err := f.mem.History(ctx, f.conv.ID, 50)
	if err != nil {
		t.Fatal(err)
	}
	var nudges int
	for _, m := range history {
		if m.Sender == store.SenderSystem {
			nudges++
		}
	}
	if nudges != 1 {
		t.Errorf("history holds %d nudge rows, want 1", nudges)
	}

	got, _ := f.mem.GetCycle(ctx, cycle.ID)
	if got.CurrentStepOrder != 2 {
		t.Errorf("cycle step = %d, want advanced after the retry", got.CurrentStepOrder)
	}
}

func TestHandleEvaluate_PausedCycleSkips(t *testing.T) {
	f := newFixture(t, twoRules())
	ctx := context.Background()
	sender := &fakeDispatcher{}
	ev := newEvaluator(f, sender)

	if _, _, err := f.scheduler.StartIfEligible(ctx, f.clientID, f.workspaceID, "client_message"); err != nil {
		t.Fatal(err)
	}
	job := claimEvaluation(t, f)
	// The client replied between claim and execution.
	if err := f.scheduler.PauseOnReply(ctx, f.clientID, f.workspaceID); err != nil {
		t.Fatal(err)
	}

	err := ev.HandleEvaluate(ctx, job)
	if !jobs.IsSkip(err) {
		t.Fatalf("err = %v, want skip", err)
	}
	if len(sender.sent) != 0 {
		t.Error("nudge dispatched for a paused cycle")
	}
}

func TestHandleEvaluate_NewerActivityReschedules(t *testing.T) {
	f := newFixture(t, twoRules())
	ctx := context.Background()
	sender := &fakeDispatcher{}
	ev := newEvaluator(f, sender)

	cycle, _, err := f.scheduler.StartIfEligible(ctx, f.clientID, f.workspaceID, "client_message")
	if err != nil {
		t.Fatal(err)
	}
	job := claimEvaluation(t, f)

	// Activity newer than the schedule checkpoint restarts the window.
	bumped := time.Now()
	if err := f.mem.AdvanceLastMessage(ctx, f.conv.ID, bumped); err != nil {
		t.Fatal(err)
	}

	err = ev.HandleEvaluate(ctx, job)
	if !jobs.IsSkip(err) {
		t.Fatalf("err = %v, want skip", err)
	}
	if len(sender.sent) != 0 {
		t.Error("superseded step was sent anyway")
	}

	// The step is back in the queue with the step's full delay, not lost.
	pending := f.backend.Pending(jobs.ClassEvaluate)
	if len(pending) != 1 {
		t.Fatalf("pending jobs = %d, want 1 rescheduled", len(pending))
	}
	if want := evaluateDedupeKey(cycle.ID, 1); pending[0].DedupeKey != want {
		t.Errorf("dedupe key = %q, want %q", pending[0].DedupeKey, want)
	}
	if pending[0].FireAt.Before(time.Now().Add(50 * time.Minute)) {
		t.Errorf("fire at %s, want the step delay from now", pending[0].FireAt)
	}
	got, _ := f.mem.GetCycle(ctx, cycle.ID)
	if got.Status != store.CycleActive || got.NextFireAt == nil {
		t.Errorf("cycle = %+v, want still ACTIVE with a fire time", got)
	}
}

func TestHandleEvaluate_OutsideSendWindowDefers(t *testing.T) {
	f := newFixture(t, twoRules())
	ctx := context.Background()
	sender := &fakeDispatcher{}
	ev := newEvaluator(f, sender)

	// Business-hours window; evaluation fires at 03:00.
	f.mem.SeedSettings(&store.WorkspaceSettings{
		WorkspaceID: f.workspaceID,
		SendWindow:  "* 9-18 * * *",
	})
	ev.now = func() time.Time {
		return time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	}

	cycle, _, err := f.scheduler.StartIfEligible(ctx, f.clientID, f.workspaceID, "client_message")
	if err != nil {
		t.Fatal(err)
	}
	job := claimEvaluation(t, f)

	err = ev.HandleEvaluate(ctx, job)
	if !jobs.IsSkip(err) {
		t.Fatalf("err = %v, want skip", err)
	}
	if len(sender.sent) != 0 {
		t.Error("nudge sent outside the window")
	}
	pending := f.backend.Pending(jobs.ClassEvaluate)
	if len(pending) != 1 {
		t.Fatalf("pending jobs = %d, want 1 deferred", len(pending))
	}
	if want := evaluateDedupeKey(cycle.ID, 1); pending[0].DedupeKey != want {
		t.Errorf("dedupe key = %q, want %q", pending[0].DedupeKey, want)
	}
}

func TestHandleEvaluate_InsideSendWindowSends(t *testing.T) {
	f := newFixture(t, twoRules())
	ctx := context.Background()
	sender := &fakeDispatcher{}
	ev := newEvaluator(f, sender)

	f.mem.SeedSettings(&store.WorkspaceSettings{
		WorkspaceID: f.workspaceID,
		SendWindow:  "* 9-18 * * *",
	})
	ev.now = func() time.Time {
		return time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC)
	}

	if _, _, err := f.scheduler.StartIfEligible(ctx, f.clientID, f.workspaceID, "client_message"); err != nil {
		t.Fatal(err)
	}
	if err := ev.HandleEvaluate(ctx, claimEvaluation(t, f)); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Errorf("dispatched %d messages, want 1", len(sender.sent))
	}
}

func TestHandleEvaluate_PermanentDispatchFailureCancelsCycle(t *testing.T) {
	f := newFixture(t, twoRules())
	ctx := context.Background()
	sender := &fakeDispatcher{result: &dispatch.Result{
		ErrorDetail: "recipient blocked the sender",
		Permanent:   true,
	}}
	ev := newEvaluator(f, sender)

	cycle, _, err := f.scheduler.StartIfEligible(ctx, f.clientID, f.workspaceID, "client_message")
	if err != nil {
		t.Fatal(err)
	}

	err = ev.HandleEvaluate(ctx, claimEvaluation(t, f))
	if err == nil || !jobs.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}

	got, _ := f.mem.GetCycle(ctx, cycle.ID)
	if got.Status != store.CycleCanceled {
		t.Errorf("status = %s, want CANCELED", got.Status)
	}
}

func TestHandleEvaluate_TransientDispatchFailureRetries(t *testing.T) {
	f := newFixture(t, twoRules())
	ctx := context.Background()
	sender := &fakeDispatcher{result: &dispatch.Result{ErrorDetail: "upstream 502"}}
	ev := newEvaluator(f, sender)

	cycle, _, err := f.scheduler.StartIfEligible(ctx, f.clientID, f.workspaceID, "client_message")
	if err != nil {
		t.Fatal(err)
	}

	err = ev.HandleEvaluate(ctx, claimEvaluation(t, f))
	if err == nil || jobs.IsSkip(err) || jobs.IsPermanent(err) {
		t.Fatalf("err = %v, want a plain retryable error", err)
	}

	// The cycle stays ACTIVE so the queue retry can succeed.
	got, _ := f.mem.GetCycle(ctx, cycle.ID)
	if got.Status != store.CycleActive {
		t.Errorf("status = %s, want ACTIVE", got.Status)
	}
}

func TestHandleEvaluate_NoActiveConversationCancels(t *testing.T) {
	f := newFixture(t, twoRules())
	ctx := context.Background()
	ev := newEvaluator(f, &fakeDispatcher{})

	cycle, _, err := f.scheduler.StartIfEligible(ctx, f.clientID, f.workspaceID, "client_message")
	if err != nil {
		t.Fatal(err)
	}
	job := claimEvaluation(t, f)
	if err := f.mem.SetStatus(ctx, f.conv.ID, store.ConversationClosed); err != nil {
		t.Fatal(err)
	}

	err = ev.HandleEvaluate(ctx, job)
	if !jobs.IsSkip(err) {
		t.Fatalf("err = %v, want skip", err)
	}
	got, _ := f.mem.GetCycle(ctx, cycle.ID)
	if got.Status != store.CycleCanceled {
		t.Errorf("status = %s, want CANCELED without a conversation", got.Status)
	}
}
