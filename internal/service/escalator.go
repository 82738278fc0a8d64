package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"convroute/internal/model"
	"convroute/internal/store"

	"go.uber.org/zap"
)

// AutoEscalationReason is recorded on rows escalated for lack of a response
const AutoEscalationReason = "response timeout"

// Escalator applies a team's escalation policy to unanswered assignments
type Escalator struct {
	store  store.Store
	ledger *Ledger
	clock  Clock
	log    *zap.Logger
}

func NewEscalator(st store.Store, ledger *Ledger, log *zap.Logger) *Escalator {
	return &Escalator{
		store:  st,
		ledger: ledger,
		clock:  SystemClock,
		log:    log,
	}
}

// SetClock replaces the time source
func (e *Escalator) SetClock(c Clock) {
	e.clock = c
}

// AutoEscalate escalates assignmentID when it is still Active and unanswered
// after its team's timeout. It returns nil, nil when nothing had to be done.
func (e *Escalator) AutoEscalate(ctx context.Context, assignmentID string) (*Handoff, error) {
	a, err := e.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, notFound(err, ErrAssignmentNotFound, assignmentID)
	}
	if a.Status != model.AssignmentActive || a.FirstResponseAt != nil || a.TeamID == nil {
		return nil, nil
	}
	team, err := e.store.GetTeam(ctx, *a.TeamID)
	if err != nil {
		return nil, notFound(err, ErrTeamNotFound, *a.TeamID)
	}
	policy := team.Escalation
	if !policy.Enabled || policy.TimeoutMinutes <= 0 {
		return nil, nil
	}
	due := a.AssignedAt.Add(time.Duration(policy.TimeoutMinutes) * time.Minute)
	if e.clock.Now().Before(due) {
		return nil, nil
	}

	target, err := e.resolveTarget(ctx, team, a)
	if err != nil {
		return nil, err
	}
	if target == a.AgentID {
		e.log.Debug("Escalation target already owns assignment", zap.String("assignment_id", a.ID))
		return nil, nil
	}

	reason := AutoEscalationReason
	h, err := e.ledger.Escalate(ctx, a.ID, HandoffParams{ToAgentID: target, Reason: &reason})
	if err != nil {
		// answered or closed since the read above
		if errors.Is(err, ErrInvalidTransition) {
			return nil, nil
		}
		return nil, err
	}
	return h, nil
}

// HandleResponseTimeout is the job entry point for a scheduled timeout check
func (e *Escalator) HandleResponseTimeout(ctx context.Context, assignmentID string) error {
	h, err := e.AutoEscalate(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, ErrAssignmentNotFound) {
			return nil
		}
		return err
	}
	if h != nil {
		e.log.Info("Assignment auto-escalated",
			zap.String("assignment_id", assignmentID),
			zap.String("to_agent_id", h.Opened.AgentID))
	}
	return nil
}

func (e *Escalator) resolveTarget(ctx context.Context, team model.Team, a model.Assignment) (string, error) {
	switch team.Escalation.Target {
	case model.EscalateToSupervisor:
		if team.SupervisorID == nil || *team.SupervisorID == "" {
			return "", fmt.Errorf("%w: team %s has no supervisor", ErrNoEscalationTarget, team.ID)
		}
		return *team.SupervisorID, nil
	case model.EscalateToSpecificUser:
		if team.Escalation.TargetAgentID == nil || *team.Escalation.TargetAgentID == "" {
			return "", fmt.Errorf("%w: team %s has no target agent", ErrNoEscalationTarget, team.ID)
		}
		return *team.Escalation.TargetAgentID, nil
	case model.EscalateToSeniorAgent:
		members, err := e.store.ListAgents(ctx, store.AgentQuery{
			IDs:          nonNil(team.Members),
			Status:       model.AgentStatusActive,
			Availability: model.AvailabilityAvailable,
			InstanceID:   a.InstanceID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to list team members: %w", err)
		}
		senior := members[:0]
		for _, m := range members {
			if m.ID == a.AgentID || !m.HasCapacity(0) {
				continue
			}
			if m.Role == model.RoleSupervisor || m.Role == model.RoleAdmin {
				senior = append(senior, m)
			}
		}
		if len(senior) == 0 {
			return "", fmt.Errorf("%w: team %s has no available senior agent", ErrNoEscalationTarget, team.ID)
		}
		sortLeastBusy(senior)
		return senior[0].ID, nil
	default:
		return "", fmt.Errorf("%w: unknown target %q", ErrNoEscalationTarget, team.Escalation.Target)
	}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
