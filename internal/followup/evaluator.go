package followup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/leadpulse/leadpulse/internal/dispatch"
	"github.com/leadpulse/leadpulse/internal/jobs"
	"github.com/leadpulse/leadpulse/internal/store"
)

// Dispatcher delivers a rendered nudge through the conversation's channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, conv *store.Conversation, msg *store.Message) (*dispatch.Result, error)
}

// Evaluator handles followup.evaluate jobs: it re-validates the cycle at
// fire time, renders the step's template and sends it, then advances the
// cycle to the next step or completes it.
type Evaluator struct {
	stores     *store.Stores
	queue      jobs.Queue
	scheduler  *Scheduler
	dispatcher Dispatcher
	cron       *gronx.Gronx

	// sendRetry is the deferral applied when the workspace's send window
	// is closed at fire time.
	sendRetry time.Duration

	now func() time.Time
}

func NewEvaluator(stores *store.Stores, queue jobs.Queue, scheduler *Scheduler, dispatcher Dispatcher, sendRetry time.Duration) *Evaluator {
	if sendRetry <= 0 {
		sendRetry = 5 * time.Minute
	}
	return &Evaluator{
		stores:     stores,
		queue:      queue,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		cron:       gronx.New(),
		sendRetry:  sendRetry,
		now:        time.Now,
	}
}

// HandleEvaluate is the followup.evaluate job handler. Every precondition
// is re-checked here: the cycle may have been paused, canceled or advanced
// between scheduling and firing, and the job may be a redelivery.
func (e *Evaluator) HandleEvaluate(ctx context.Context, job *jobs.Job) error {
	var payload evaluatePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return jobs.Permanent(fmt.Errorf("decode evaluate payload: %w", err))
	}

	cycle, err := e.stores.FollowUps.GetCycle(ctx, payload.CycleID)
	if errors.Is(err, store.ErrNotFound) {
		return jobs.Skip("cycle no longer exists")
	}
	if err != nil {
		return fmt.Errorf("load cycle: %w", err)
	}
	if cycle.Status != store.CycleActive {
		return jobs.Skip(fmt.Sprintf("cycle is %s", cycle.Status))
	}
	if cycle.CurrentStepOrder != payload.StepOrder {
		return jobs.Skip("cycle advanced past this step")
	}

	conv, err := e.stores.Conversations.FindActiveByClient(ctx, cycle.ClientID)
	if errors.Is(err, store.ErrNotFound) {
		// No active conversation left to nudge; close out the cycle.
		if _, ferr := e.scheduler.finish(ctx, cycle, store.CycleCanceled); ferr != nil {
			return ferr
		}
		return jobs.Skip("no active conversation")
	}
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}

	// Activity after the schedule checkpoint supersedes this nudge: the
	// inactivity window restarts from the newest activity, so the step is
	// re-scheduled rather than sent early.
	if conv.LastMessageAt.After(payload.Checkpoint) {
		return e.reschedule(ctx, cycle, payload.StepOrder, conv.LastMessageAt)
	}

	settings, err := e.stores.Workspaces.Settings(ctx, cycle.WorkspaceID)
	if err != nil {
		return fmt.Errorf("load workspace settings: %w", err)
	}
	if settings.SendWindow != "" {
		due, derr := e.cron.IsDue(settings.SendWindow, e.now())
		if derr != nil {
			slog.Warn("invalid send window expression, sending anyway",
				"workspace", cycle.WorkspaceID, "expr", settings.SendWindow, "error", derr)
		} else if !due {
			return e.deferOutsideWindow(ctx, cycle, payload)
		}
	}

	rules, err := e.stores.FollowUps.RulesForWorkspace(ctx, cycle.WorkspaceID)
	if err != nil {
		return fmt.Errorf("load follow-up rules: %w", err)
	}
	rule := ruleWithOrder(rules, payload.StepOrder)
	if rule == nil {
		if _, ferr := e.scheduler.finish(ctx, cycle, store.CycleCompleted); ferr != nil {
			return ferr
		}
		return jobs.Skip("rule removed while cycle was pending")
	}

	client, err := e.stores.Clients.Get(ctx, cycle.ClientID)
	if err != nil {
		return fmt.Errorf("load client: %w", err)
	}

	// A redelivery may find the nudge row from a prior attempt already
	// appended; reuse it so retries never stack message rows.
	msg, err := e.pendingNudge(ctx, conv.ID, cycle.ID, payload.StepOrder)
	if err != nil {
		return err
	}
	if msg == nil {
		msg = &store.Message{
			ID:             uuid.Must(uuid.NewV7()),
			ConversationID: conv.ID,
			Sender:         store.SenderSystem,
			Content:        Render(rule.MessageTemplate, map[string]string{"name": client.DisplayName}),
			Timestamp:      e.now(),
			Status:         store.StatusPending,
			Metadata: map[string]string{
				"cycle": cycle.ID.String(),
				"step":  strconv.Itoa(payload.StepOrder),
			},
		}
		if err := e.stores.Messages.Append(ctx, msg); err != nil {
			return fmt.Errorf("append nudge message: %w", err)
		}
	}

	result, err := e.dispatcher.Dispatch(ctx, conv, msg)
	if err != nil {
		return err
	}
	if !result.Success && !result.Deferred {
		if result.Permanent {
			// The channel rejected this recipient outright; retrying the
			// same send cannot succeed, and neither can later steps.
			if _, ferr := e.scheduler.finish(ctx, cycle, store.CycleCanceled); ferr != nil {
				return ferr
			}
			return jobs.Permanent(fmt.Errorf("nudge rejected: %s", result.ErrorDetail))
		}
		return fmt.Errorf("nudge dispatch failed: %s", result.ErrorDetail)
	}

	return e.advance(ctx, cycle, rules, rule)
}

// pendingNudge returns this step's already-appended PENDING message when a
// prior delivery appended it but did not finish, or nil.
func (e *Evaluator) pendingNudge(ctx context.Context, conversationID, cycleID uuid.UUID, stepOrder int) (*store.Message, error) {
	m, err := e.stores.Messages.LastBySender(ctx, conversationID, store.SenderSystem)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load last nudge: %w", err)
	}
	if m.Status != store.StatusPending ||
		m.Metadata["cycle"] != cycleID.String() ||
		m.Metadata["step"] != strconv.Itoa(stepOrder) {
		return nil, nil
	}
	return m, nil
}

// reschedule restarts the step's inactivity window from the newest
// activity. The step's full delay applies again, measured from now.
func (e *Evaluator) reschedule(ctx context.Context, cycle *store.FollowUpCycle, stepOrder int, checkpoint time.Time) error {
	rule, err := e.scheduler.ruleForStep(ctx, cycle.WorkspaceID, stepOrder)
	if err != nil {
		return err
	}
	if rule == nil {
		if _, ferr := e.scheduler.finish(ctx, cycle, store.CycleCompleted); ferr != nil {
			return ferr
		}
		return jobs.Skip("rule removed while cycle was pending")
	}

	delay := time.Duration(rule.DelayMillis) * time.Millisecond
	err = e.queue.Enqueue(ctx, jobs.ClassEvaluate,
		evaluatePayload{CycleID: cycle.ID, StepOrder: stepOrder, Checkpoint: checkpoint},
		jobs.Options{Delay: delay, DedupeKey: evaluateDedupeKey(cycle.ID, stepOrder)})
	if err != nil {
		return fmt.Errorf("reschedule evaluation: %w", err)
	}

	fireAt := e.now().Add(delay)
	cycle.NextFireAt = &fireAt
	cycle.UpdatedAt = e.now()
	if err := e.stores.FollowUps.UpdateCycle(ctx, cycle); err != nil {
		return fmt.Errorf("update cycle: %w", err)
	}
	return jobs.Skip("superseded by newer activity, rescheduled")
}

// deferOutsideWindow re-schedules the same step unchanged. The dedupe key
// matches, so the pending row is replaced rather than duplicated.
func (e *Evaluator) deferOutsideWindow(ctx context.Context, cycle *store.FollowUpCycle, payload evaluatePayload) error {
	err := e.queue.Enqueue(ctx, jobs.ClassEvaluate, payload, jobs.Options{
		Delay:     e.sendRetry,
		DedupeKey: evaluateDedupeKey(cycle.ID, payload.StepOrder),
	})
	if err != nil {
		return fmt.Errorf("defer evaluation: %w", err)
	}
	fireAt := e.now().Add(e.sendRetry)
	cycle.NextFireAt = &fireAt
	cycle.UpdatedAt = e.now()
	if err := e.stores.FollowUps.UpdateCycle(ctx, cycle); err != nil {
		return fmt.Errorf("update cycle: %w", err)
	}
	return jobs.Skip("outside send window, deferred")
}

// advance moves the cycle to the next rule or completes it. The checkpoint
// for the next step is now: the nudge we just sent advanced the
// conversation, and only activity after it should supersede the next step.
func (e *Evaluator) advance(ctx context.Context, cycle *store.FollowUpCycle, rules []store.FollowUpRule, sent *store.FollowUpRule) error {
	now := e.now()
	next := nextRuleAfter(rules, sent.Order)
	if next == nil {
		cycle.Status = store.CycleCompleted
		cycle.NextFireAt = nil
		cycle.UpdatedAt = now
		if err := e.stores.FollowUps.UpdateCycle(ctx, cycle); err != nil {
			return fmt.Errorf("complete cycle: %w", err)
		}
		slog.Info("follow-up cycle completed", "cycle", cycle.ID, "client", cycle.ClientID)
		return nil
	}

	fireAt := now.Add(time.Duration(next.DelayMillis) * time.Millisecond)
	cycle.CurrentStepOrder = next.Order
	cycle.NextFireAt = &fireAt
	cycle.UpdatedAt = now
	if err := e.stores.FollowUps.UpdateCycle(ctx, cycle); err != nil {
		return fmt.Errorf("advance cycle: %w", err)
	}
	if err := e.scheduler.scheduleStep(ctx, cycle, next, now); err != nil {
		return err
	}
	slog.Info("follow-up step scheduled",
		"cycle", cycle.ID, "step", next.Order, "fire_at", fireAt)
	return nil
}

func ruleWithOrder(rules []store.FollowUpRule, order int) *store.FollowUpRule {
	for i := range rules {
		if rules[i].Order == order {
			return &rules[i]
		}
	}
	return nil
}
