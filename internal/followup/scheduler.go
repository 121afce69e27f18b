// Package followup runs the per-client nudge automation: a cycle walks the
// workspace's ordered rule sequence, firing one evaluation job per step.
// Any client reply pauses the cycle; every evaluation re-validates its
// preconditions at fire time, so a replaced or stale schedule is a skip,
// never a duplicate send.
package followup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/leadpulse/leadpulse/internal/jobs"
	"github.com/leadpulse/leadpulse/internal/store"
)

// evaluatePayload is the followup.evaluate job body. Checkpoint is the
// conversation's LastMessageAt at schedule time; any activity after it
// supersedes this evaluation.
type evaluatePayload struct {
	CycleID    uuid.UUID `json:"cycle_id"`
	StepOrder  int       `json:"step_order"`
	Checkpoint time.Time `json:"checkpoint"`
}

func evaluateDedupeKey(cycleID uuid.UUID, stepOrder int) string {
	return fmt.Sprintf("followup:%s:%d", cycleID, stepOrder)
}

// Scheduler owns the follow-up cycle state machine.
type Scheduler struct {
	stores *store.Stores
	queue  jobs.Queue
	now    func() time.Time
}

func NewScheduler(stores *store.Stores, queue jobs.Queue) *Scheduler {
	return &Scheduler{stores: stores, queue: queue, now: time.Now}
}

// StartIfEligible begins a cycle for the client unless one is already
// ACTIVE or PAUSED, or the workspace has no rules. Safe to call on every
// trigger; the existing cycle is returned with started=false when one
// exists.
func (s *Scheduler) StartIfEligible(ctx context.Context, clientID, workspaceID uuid.UUID, trigger string) (*store.FollowUpCycle, bool, error) {
	rules, err := s.stores.FollowUps.RulesForWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, false, fmt.Errorf("load follow-up rules: %w", err)
	}
	if len(rules) == 0 {
		return nil, false, nil
	}

	existing, err := s.stores.FollowUps.ActiveCycleForClient(ctx, clientID, workspaceID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("load active cycle: %w", err)
	}

	checkpoint := s.now()
	if conv, cerr := s.stores.Conversations.FindActiveByClient(ctx, clientID); cerr == nil {
		checkpoint = conv.LastMessageAt
	}

	first := rules[0]
	cycle := &store.FollowUpCycle{
		ID:               uuid.Must(uuid.NewV7()),
		ClientID:         clientID,
		WorkspaceID:      workspaceID,
		Status:           store.CycleActive,
		CurrentStepOrder: first.Order,
		CreatedAt:        s.now(),
		UpdatedAt:        s.now(),
	}
	fireAt := s.now().Add(time.Duration(first.DelayMillis) * time.Millisecond)
	cycle.NextFireAt = &fireAt

	if err := s.stores.FollowUps.CreateCycle(ctx, cycle); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Concurrent start won the race; adopt its cycle.
			winner, werr := s.stores.FollowUps.ActiveCycleForClient(ctx, clientID, workspaceID)
			return winner, false, werr
		}
		return nil, false, fmt.Errorf("create cycle: %w", err)
	}

	if err := s.scheduleStep(ctx, cycle, &first, checkpoint); err != nil {
		return nil, false, err
	}

	slog.Info("follow-up cycle started",
		"cycle", cycle.ID, "client", clientID, "workspace", workspaceID,
		"trigger", trigger, "steps", len(rules))
	return cycle, true, nil
}

// scheduleStep enqueues the evaluation for one rule. The dedupe key is
// (cycle, step), so re-scheduling the same step replaces the pending job.
func (s *Scheduler) scheduleStep(ctx context.Context, cycle *store.FollowUpCycle, rule *store.FollowUpRule, checkpoint time.Time) error {
	delay := time.Duration(rule.DelayMillis) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	err := s.queue.Enqueue(ctx, jobs.ClassEvaluate,
		evaluatePayload{CycleID: cycle.ID, StepOrder: rule.Order, Checkpoint: checkpoint},
		jobs.Options{Delay: delay, DedupeKey: evaluateDedupeKey(cycle.ID, rule.Order)})
	if err != nil {
		return fmt.Errorf("enqueue evaluation: %w", err)
	}
	return nil
}

// PauseOnReply pauses the client's cycle when they answer. The pending
// evaluation is canceled; a later Resume re-schedules the current step.
func (s *Scheduler) PauseOnReply(ctx context.Context, clientID, workspaceID uuid.UUID) error {
	cycle, err := s.stores.FollowUps.ActiveCycleForClient(ctx, clientID, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load active cycle: %w", err)
	}
	if cycle.Status != store.CycleActive {
		return nil
	}

	cycle.Status = store.CyclePaused
	cycle.NextFireAt = nil
	cycle.UpdatedAt = s.now()
	if err := s.stores.FollowUps.UpdateCycle(ctx, cycle); err != nil {
		return fmt.Errorf("pause cycle: %w", err)
	}
	if err := s.queue.Cancel(ctx, evaluateDedupeKey(cycle.ID, cycle.CurrentStepOrder)); err != nil {
		slog.Warn("cancel pending evaluation", "cycle", cycle.ID, "error", err)
	}
	slog.Info("follow-up cycle paused", "cycle", cycle.ID, "client", clientID)
	return nil
}

// Resume returns a PAUSED cycle to ACTIVE, re-scheduling its current step
// with the step's full delay from now.
func (s *Scheduler) Resume(ctx context.Context, cycleID uuid.UUID) (*store.FollowUpCycle, error) {
	cycle, err := s.stores.FollowUps.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, fmt.Errorf("load cycle: %w", err)
	}
	if cycle.Status != store.CyclePaused {
		return nil, fmt.Errorf("cycle %s is %s, not %s: %w", cycle.ID, cycle.Status, store.CyclePaused, store.ErrConflict)
	}

	rule, err := s.ruleForStep(ctx, cycle.WorkspaceID, cycle.CurrentStepOrder)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		// The workspace removed the rule mid-cycle; nothing left to run.
		return s.finish(ctx, cycle, store.CycleCompleted)
	}

	now := s.now()
	fireAt := now.Add(time.Duration(rule.DelayMillis) * time.Millisecond)
	cycle.Status = store.CycleActive
	cycle.NextFireAt = &fireAt
	cycle.UpdatedAt = now
	if err := s.stores.FollowUps.UpdateCycle(ctx, cycle); err != nil {
		return nil, fmt.Errorf("resume cycle: %w", err)
	}
	if err := s.scheduleStep(ctx, cycle, rule, now); err != nil {
		return nil, err
	}
	slog.Info("follow-up cycle resumed", "cycle", cycle.ID, "step", rule.Order)
	return cycle, nil
}

// Cancel terminates the cycle with the given terminal status (CANCELED or
// CONVERTED) and drops its pending evaluation.
func (s *Scheduler) Cancel(ctx context.Context, cycleID uuid.UUID, status store.CycleStatus) (*store.FollowUpCycle, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("status %s is not terminal", status)
	}
	cycle, err := s.stores.FollowUps.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, fmt.Errorf("load cycle: %w", err)
	}
	if cycle.Status.Terminal() {
		return cycle, nil
	}
	return s.finish(ctx, cycle, status)
}

func (s *Scheduler) finish(ctx context.Context, cycle *store.FollowUpCycle, status store.CycleStatus) (*store.FollowUpCycle, error) {
	cycle.Status = status
	cycle.NextFireAt = nil
	cycle.UpdatedAt = s.now()
	if err := s.stores.FollowUps.UpdateCycle(ctx, cycle); err != nil {
		return nil, fmt.Errorf("finish cycle: %w", err)
	}
	if err := s.queue.Cancel(ctx, evaluateDedupeKey(cycle.ID, cycle.CurrentStepOrder)); err != nil {
		slog.Warn("cancel pending evaluation", "cycle", cycle.ID, "error", err)
	}
	slog.Info("follow-up cycle finished", "cycle", cycle.ID, "status", status)
	return cycle, nil
}

func (s *Scheduler) ruleForStep(ctx context.Context, workspaceID uuid.UUID, order int) (*store.FollowUpRule, error) {
	rules, err := s.stores.FollowUps.RulesForWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load follow-up rules: %w", err)
	}
	return ruleWithOrder(rules, order), nil
}

// nextRuleAfter returns the first rule with a higher order, or nil when the
// sequence is exhausted.
func nextRuleAfter(rules []store.FollowUpRule, order int) *store.FollowUpRule {
	for i := range rules {
		if rules[i].Order > order {
			return &rules[i]
		}
	}
	return nil
}
