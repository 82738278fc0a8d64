package service

import (
	"context"
	"fmt"
	"time"

	"convroute/internal/model"
	"convroute/internal/store"

	"go.uber.org/zap"
)

// Sweeper finds active assignments that never got a first response
type Sweeper struct {
	store     store.Store
	bus       EventBus
	escalator *Escalator
	clock     Clock
	log       *zap.Logger
}

func NewSweeper(st store.Store, bus EventBus, escalator *Escalator, log *zap.Logger) *Sweeper {
	return &Sweeper{
		store:     st,
		bus:       bus,
		escalator: escalator,
		clock:     SystemClock,
		log:       log,
	}
}

// SetClock replaces the time source
func (s *Sweeper) SetClock(c Clock) {
	s.clock = c
}

// FindOverdue returns Active rows without a first response assigned more than
// timeoutMinutes ago, oldest first. It does not write.
func (s *Sweeper) FindOverdue(ctx context.Context, timeoutMinutes int) ([]model.Assignment, error) {
	if timeoutMinutes <= 0 {
		return nil, invalidf("timeoutMinutes must be positive")
	}
	cutoff := s.clock.Now().Add(-time.Duration(timeoutMinutes) * time.Minute)
	rows, err := s.store.ListAssignments(ctx, store.AssignmentQuery{
		Statuses:       []model.AssignmentStatus{model.AssignmentActive},
		Unanswered:     true,
		AssignedBefore: &cutoff,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue assignments: %w", err)
	}
	return rows, nil
}

// SweepResult summarises one sweep
type SweepResult struct {
	Overdue   []model.Assignment `json:"overdue"`
	Escalated []string           `json:"escalated,omitempty"`
}

// Sweep publishes an overdue event per row and, with autoEscalate, hands each
// row to the Escalator. Escalation failures are logged and do not stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context, timeoutMinutes int, autoEscalate bool) (*SweepResult, error) {
	rows, err := s.FindOverdue(ctx, timeoutMinutes)
	if err != nil {
		return nil, err
	}

	res := &SweepResult{Overdue: rows}
	for _, a := range rows {
		if s.bus != nil {
			event := map[string]interface{}{
				"type":           "assignment.overdue",
				"assignmentId":   a.ID,
				"conversationId": a.ConversationID,
				"agentId":        a.AgentID,
				"assignedAt":     a.AssignedAt.Format(time.RFC3339),
			}
			_ = s.bus.PublishAgent(a.AgentID, event)
			if a.TeamID != nil {
				_ = s.bus.PublishTeam(*a.TeamID, event)
			}
		}

		if !autoEscalate || s.escalator == nil {
			continue
		}
		h, err := s.escalator.AutoEscalate(ctx, a.ID)
		if err != nil {
			s.log.Warn("Auto escalation failed", zap.String("assignment_id", a.ID), zap.Error(err))
			continue
		}
		if h != nil {
			res.Escalated = append(res.Escalated, h.Opened.ID)
		}
	}

	if len(rows) > 0 {
		s.log.Info("Overdue sweep finished",
			zap.Int("overdue", len(rows)),
			zap.Int("escalated", len(res.Escalated)))
	}
	return res, nil
}
