package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"convroute/internal/model"
	"convroute/internal/store"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// EventBus receives domain events after the transaction that produced them commits
type EventBus interface {
	PublishAgent(agentID string, event map[string]interface{}) error
	PublishTeam(teamID string, event map[string]interface{}) error
	PublishConversation(conversationID string, event map[string]interface{}) error
}

// Ledger is the assignment state machine. Every transition runs in one
// store transaction together with the chat-count adjustments it implies.
type Ledger struct {
	store     store.Store
	agents    *AgentDirectory
	bus       EventBus
	jobClient JobClient
	clock     Clock
	log       *zap.Logger
}

func NewLedger(st store.Store, agents *AgentDirectory, bus EventBus, log *zap.Logger) *Ledger {
	return &Ledger{
		store:     st,
		agents:    agents,
		bus:       bus,
		jobClient: nil, // set when a job queue is configured
		clock:     SystemClock,
		log:       log,
	}
}

// SetJobClient sets the job client used to schedule response-timeout checks
func (l *Ledger) SetJobClient(client JobClient) {
	l.jobClient = client
}

// SetClock replaces the time source
func (l *Ledger) SetClock(c Clock) {
	l.clock = c
}

// OpenParams describes a new Active assignment
type OpenParams struct {
	ConversationID string                `json:"conversationId"`
	InstanceID     string                `json:"instanceId"`
	AgentID        string                `json:"agentId"`
	TeamID         *string               `json:"teamId,omitempty"`
	Priority       model.Priority        `json:"priority,omitempty"`
	Type           model.AssignmentType  `json:"assignmentType,omitempty"`
	AssignedBy     *string               `json:"-"`
	Contact        model.ContactSnapshot `json:"contact"`
	Tags           []string              `json:"tags,omitempty"`
	Category       *string               `json:"category,omitempty"`
	Subcategory    *string               `json:"subcategory,omitempty"`

	transferredFrom *string
	previousID      *string
	reason          *string
}

// CompleteParams carries optional feedback recorded when closing an assignment
type CompleteParams struct {
	CustomerRating     *int    `json:"customerRating,omitempty"`
	CustomerFeedback   *string `json:"customerFeedback,omitempty"`
	SupervisorRating   *int    `json:"supervisorRating,omitempty"`
	SupervisorFeedback *string `json:"supervisorFeedback,omitempty"`
}

// HandoffParams identifies the receiver of a transfer or escalation
type HandoffParams struct {
	ToAgentID string  `json:"toAgentId"`
	Reason    *string `json:"reason,omitempty"`
	By        *string `json:"-"`
}

// Handoff is the result of a transfer or escalation
type Handoff struct {
	Closed model.Assignment `json:"closed"`
	Opened model.Assignment `json:"opened"`
}

// TransitionParams is the union of parameters accepted by Transition
type TransitionParams struct {
	CompleteParams
	HandoffParams
}

// Transition actions
const (
	ActionComplete = "complete"
	ActionTransfer = "transfer"
	ActionEscalate = "escalate"
	ActionAbandon  = "abandon"
)

// Create opens an assignment for an explicitly chosen agent and counts it
// against the agent's capacity.
func (l *Ledger) Create(ctx context.Context, p OpenParams) (*model.Assignment, error) {
	if p.Type == "" {
		p.Type = model.AssignmentTypeManual
	}
	var out model.Assignment
	err := l.store.WithTx(ctx, func(repo store.Repository) error {
		var err error
		out, err = l.open(ctx, repo, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.opened(ctx, out)
	return &out, nil
}

// open inserts an Active row and increments the owner's chat count.
// It must run inside a transaction.
func (l *Ledger) open(ctx context.Context, repo store.Repository, p OpenParams) (model.Assignment, error) {
	if p.ConversationID == "" || p.InstanceID == "" || p.AgentID == "" {
		return model.Assignment{}, invalidf("conversationId, instanceId and agentId are required")
	}
	if p.Priority == "" {
		p.Priority = model.PriorityNormal
	}
	if !p.Priority.Valid() {
		return model.Assignment{}, invalidf("unknown priority %q", p.Priority)
	}
	if p.Type == "" {
		p.Type = model.AssignmentTypeAuto
	}

	if _, err := repo.ActiveAssignment(ctx, p.ConversationID); err == nil {
		return model.Assignment{}, fmt.Errorf("%w: conversation %s", ErrDuplicateActiveAssignment, p.ConversationID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return model.Assignment{}, fmt.Errorf("failed to check active assignment: %w", err)
	}

	now := l.clock.Now()
	a := model.Assignment{
		ID:                   ulid.Make().String(),
		ConversationID:       p.ConversationID,
		InstanceID:           p.InstanceID,
		AgentID:              p.AgentID,
		TeamID:               p.TeamID,
		Status:               model.AssignmentActive,
		Priority:             p.Priority,
		Type:                 p.Type,
		AssignedBy:           p.AssignedBy,
		TransferredFrom:      p.transferredFrom,
		PreviousAssignmentID: p.previousID,
		Reason:               p.reason,
		AssignedAt:           now,
		Tags:                 p.Tags,
		Category:             p.Category,
		Subcategory:          p.Subcategory,
		Contact:              p.Contact,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := repo.InsertAssignment(ctx, a); err != nil {
		if errors.Is(err, store.ErrDuplicateActive) {
			return model.Assignment{}, fmt.Errorf("%w: conversation %s", ErrDuplicateActiveAssignment, p.ConversationID)
		}
		return model.Assignment{}, fmt.Errorf("failed to insert assignment: %w", err)
	}
	if _, err := l.agents.adjust(ctx, repo, p.AgentID, 1); err != nil {
		return model.Assignment{}, err
	}
	return a, nil
}

// RecordResponse notes an agent reply. The first call fixes firstResponseAt and
// the initial response time; later samples fold in as (avg+sample)/2.
func (l *Ledger) RecordResponse(ctx context.Context, id string, sample *float64) (*model.Assignment, error) {
	if sample != nil && *sample < 0 {
		return nil, invalidf("response time must not be negative")
	}
	var out model.Assignment
	err := l.store.WithTx(ctx, func(repo store.Repository) error {
		a, err := l.lockActive(ctx, repo, id)
		if err != nil {
			return err
		}
		now := l.clock.Now()
		a.ResponseCount++
		if a.FirstResponseAt == nil {
			a.FirstResponseAt = &now
			rt := minutesBetween(a.AssignedAt, now)
			if sample != nil {
				rt = *sample
			}
			a.ResponseTimeMinutes = &rt
		} else if sample != nil {
			avg := *sample
			if a.ResponseTimeMinutes != nil {
				avg = (*a.ResponseTimeMinutes + *sample) / 2
			}
			a.ResponseTimeMinutes = &avg
		}
		a.LastResponseAt = &now
		a.UpdatedAt = now
		if err := repo.UpdateAssignment(ctx, a); err != nil {
			return fmt.Errorf("failed to update assignment: %w", err)
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.publish("assignment.responded", out)
	return &out, nil
}

// Complete closes an Active assignment and releases the owner's slot
func (l *Ledger) Complete(ctx context.Context, id string, p CompleteParams) (*model.Assignment, error) {
	if err := validateRatings(p); err != nil {
		return nil, err
	}
	var out model.Assignment
	err := l.store.WithTx(ctx, func(repo store.Repository) error {
		a, err := l.lockActive(ctx, repo, id)
		if err != nil {
			return err
		}
		now := l.clock.Now()
		resolution := minutesBetween(a.AssignedAt, now)
		a.Status = model.AssignmentCompleted
		a.CompletedAt = &now
		a.ResolutionTimeMinutes = &resolution
		applyRatings(&a, p)
		a.UpdatedAt = now
		if err := repo.UpdateAssignment(ctx, a); err != nil {
			return fmt.Errorf("failed to complete assignment: %w", err)
		}
		if _, err := l.agents.adjust(ctx, repo, a.AgentID, -1); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.publish("assignment.completed", out)
	return &out, nil
}

// Transfer hands the conversation to another agent. The current row closes as
// Transferred and a linked Active row is opened in the same transaction.
func (l *Ledger) Transfer(ctx context.Context, id string, p HandoffParams) (*Handoff, error) {
	return l.handoff(ctx, id, p, model.AssignmentTransferred)
}

// Escalate is Transfer with status Escalated and the successor forced to high priority
func (l *Ledger) Escalate(ctx context.Context, id string, p HandoffParams) (*Handoff, error) {
	return l.handoff(ctx, id, p, model.AssignmentEscalated)
}

func (l *Ledger) handoff(ctx context.Context, id string, p HandoffParams, closing model.AssignmentStatus) (*Handoff, error) {
	if p.ToAgentID == "" {
		return nil, invalidf("toAgentId is required")
	}
	var out Handoff
	err := l.store.WithTx(ctx, func(repo store.Repository) error {
		cur, err := l.lockActive(ctx, repo, id)
		if err != nil {
			return err
		}
		if cur.AgentID == p.ToAgentID {
			return fmt.Errorf("%w: assignment %s is already owned by %s", ErrInvalidTransition, id, p.ToAgentID)
		}
		target, err := lockPair(ctx, repo, cur.AgentID, p.ToAgentID)
		if err != nil {
			return err
		}
		if target.Status != model.AgentStatusActive {
			return fmt.Errorf("%w: agent %s is %s", ErrInvalidTransition, target.ID, target.Status)
		}
		if !target.CanServe(cur.InstanceID) {
			return fmt.Errorf("%w: agent %s, instance %s", ErrInstanceNotPermitted, target.ID, cur.InstanceID)
		}

		now := l.clock.Now()
		to := p.ToAgentID
		cur.Status = closing
		cur.TransferredTo = &to
		cur.CompletedAt = &now
		if p.Reason != nil {
			cur.Reason = p.Reason
		}
		cur.UpdatedAt = now
		if err := repo.UpdateAssignment(ctx, cur); err != nil {
			return fmt.Errorf("failed to close assignment: %w", err)
		}
		if _, err := l.agents.adjust(ctx, repo, cur.AgentID, -1); err != nil {
			return err
		}

		from, prev := cur.AgentID, cur.ID
		next := OpenParams{
			ConversationID:  cur.ConversationID,
			InstanceID:      cur.InstanceID,
			AgentID:         to,
			TeamID:          cur.TeamID,
			Priority:        cur.Priority,
			Type:            model.AssignmentTypeTransfer,
			AssignedBy:      p.By,
			Contact:         cur.Contact,
			Tags:            cur.Tags,
			Category:        cur.Category,
			Subcategory:     cur.Subcategory,
			transferredFrom: &from,
			previousID:      &prev,
			reason:          p.Reason,
		}
		if closing == model.AssignmentEscalated {
			next.Priority = model.PriorityHigh
			next.Type = model.AssignmentTypeEscalation
		}
		opened, err := l.open(ctx, repo, next)
		if err != nil {
			return fmt.Errorf("failed to open successor: %w", err)
		}
		out = Handoff{Closed: cur, Opened: opened}
		return nil
	})
	if err != nil {
		return nil, err
	}

	event := "assignment.transferred"
	if closing == model.AssignmentEscalated {
		event = "assignment.escalated"
	}
	l.publish(event, out.Closed)
	l.opened(ctx, out.Opened)
	l.log.Info("Assignment handed off",
		zap.String("assignment_id", out.Closed.ID),
		zap.String("successor_id", out.Opened.ID),
		zap.String("status", string(closing)),
		zap.String("to_agent_id", out.Opened.AgentID))
	return &out, nil
}

// Abandon closes an Active assignment without a successor
func (l *Ledger) Abandon(ctx context.Context, id string, reason *string) (*model.Assignment, error) {
	var out model.Assignment
	err := l.store.WithTx(ctx, func(repo store.Repository) error {
		a, err := l.lockActive(ctx, repo, id)
		if err != nil {
			return err
		}
		now := l.clock.Now()
		a.Status = model.AssignmentAbandoned
		a.CompletedAt = &now
		if reason != nil {
			a.Reason = reason
		}
		a.UpdatedAt = now
		if err := repo.UpdateAssignment(ctx, a); err != nil {
			return fmt.Errorf("failed to abandon assignment: %w", err)
		}
		if _, err := l.agents.adjust(ctx, repo, a.AgentID, -1); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.publish("assignment.abandoned", out)
	return &out, nil
}

// Transition applies action to an assignment and returns the row that is
// current afterwards: the successor for transfer and escalate.
func (l *Ledger) Transition(ctx context.Context, id, action string, p TransitionParams) (*model.Assignment, error) {
	switch action {
	case ActionComplete:
		return l.Complete(ctx, id, p.CompleteParams)
	case ActionTransfer:
		h, err := l.Transfer(ctx, id, p.HandoffParams)
		if err != nil {
			return nil, err
		}
		return &h.Opened, nil
	case ActionEscalate:
		h, err := l.Escalate(ctx, id, p.HandoffParams)
		if err != nil {
			return nil, err
		}
		return &h.Opened, nil
	case ActionAbandon:
		return l.Abandon(ctx, id, p.Reason)
	default:
		return nil, invalidf("unknown action %q", action)
	}
}

// Rate stores customer or supervisor feedback on a Completed assignment
func (l *Ledger) Rate(ctx context.Context, id string, p CompleteParams) (*model.Assignment, error) {
	if err := validateRatings(p); err != nil {
		return nil, err
	}
	var out model.Assignment
	err := l.store.WithTx(ctx, func(repo store.Repository) error {
		a, err := repo.GetAssignmentForUpdate(ctx, id)
		if err != nil {
			return notFound(err, ErrAssignmentNotFound, id)
		}
		if a.Status != model.AssignmentCompleted {
			return fmt.Errorf("%w: assignment %s is %s", ErrInvalidTransition, id, a.Status)
		}
		applyRatings(&a, p)
		a.UpdatedAt = l.clock.Now()
		if err := repo.UpdateAssignment(ctx, a); err != nil {
			return fmt.Errorf("failed to rate assignment: %w", err)
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (l *Ledger) lockActive(ctx context.Context, repo store.Repository, id string) (model.Assignment, error) {
	a, err := repo.GetAssignmentForUpdate(ctx, id)
	if err != nil {
		return model.Assignment{}, notFound(err, ErrAssignmentNotFound, id)
	}
	if a.Status != model.AssignmentActive {
		return model.Assignment{}, fmt.Errorf("%w: assignment %s is %s", ErrInvalidTransition, id, a.Status)
	}
	return a, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*model.Assignment, error) {
	a, err := l.store.GetAssignment(ctx, id)
	if err != nil {
		return nil, notFound(err, ErrAssignmentNotFound, id)
	}
	return &a, nil
}

func (l *Ledger) List(ctx context.Context, q store.AssignmentQuery) ([]model.Assignment, error) {
	list, err := l.store.ListAssignments(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	return list, nil
}

// History returns every assignment of a conversation ordered by assignedAt
func (l *Ledger) History(ctx context.Context, conversationID string) ([]model.Assignment, error) {
	return l.List(ctx, store.AssignmentQuery{ConversationID: conversationID})
}

// Active returns the open assignment of a conversation
func (l *Ledger) Active(ctx context.Context, conversationID string) (*model.Assignment, error) {
	a, err := l.store.ActiveAssignment(ctx, conversationID)
	if err != nil {
		return nil, notFound(err, ErrAssignmentNotFound, conversationID)
	}
	return &a, nil
}

// StatsFilter selects the assignments GetStatistics aggregates
type StatsFilter struct {
	AgentID    string
	InstanceID string
	TeamID     string
	Since      *time.Time
	Until      *time.Time
}

// GetStatistics counts rows per status. Averages cover Completed rows only and
// skip rows where the metric is unset.
func (l *Ledger) GetStatistics(ctx context.Context, f StatsFilter) (*model.Statistics, error) {
	rows, err := l.store.ListAssignments(ctx, store.AssignmentQuery{
		AgentID:        f.AgentID,
		InstanceID:     f.InstanceID,
		TeamID:         f.TeamID,
		AssignedAfter:  f.Since,
		AssignedBefore: f.Until,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}

	stats := &model.Statistics{
		Total:    len(rows),
		ByStatus: make(map[model.AssignmentStatus]int),
	}
	var response, resolution, rating mean
	for _, a := range rows {
		stats.ByStatus[a.Status]++
		if a.Status != model.AssignmentCompleted {
			continue
		}
		if a.ResponseTimeMinutes != nil {
			response.add(*a.ResponseTimeMinutes)
		}
		if a.ResolutionTimeMinutes != nil {
			resolution.add(*a.ResolutionTimeMinutes)
		}
		if a.CustomerRating != nil {
			rating.add(float64(*a.CustomerRating))
		}
	}
	stats.AvgResponseTimeMinutes = response.value()
	stats.AvgResolutionTimeMinutes = resolution.value()
	stats.AvgCustomerRating = rating.value()
	return stats, nil
}

type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v float64) {
	m.sum += v
	m.n++
}

func (m *mean) value() *float64 {
	if m.n == 0 {
		return nil
	}
	v := m.sum / float64(m.n)
	return &v
}

// FindOrphanedHandoffs lists Transferred/Escalated rows without a successor.
// A non-empty result means a hand-off was only half applied.
func (l *Ledger) FindOrphanedHandoffs(ctx context.Context) ([]model.Assignment, error) {
	rows, err := l.store.OrphanedHandoffs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find orphaned handoffs: %w", err)
	}
	return rows, nil
}

// ReconcileChatCounts compares every agent's currentChatCount with its number
// of Active rows. With repair set, the counters are corrected in the same transaction.
func (l *Ledger) ReconcileChatCounts(ctx context.Context, repair bool) ([]model.ChatCountDrift, error) {
	var drift []model.ChatCountDrift
	err := l.store.WithTx(ctx, func(repo store.Repository) error {
		drift = nil
		agents, err := repo.ListAgents(ctx, store.AgentQuery{})
		if err != nil {
			return fmt.Errorf("failed to list agents: %w", err)
		}
		counts, err := repo.CountActiveByAgent(ctx)
		if err != nil {
			return fmt.Errorf("failed to count active assignments: %w", err)
		}
		for _, a := range agents {
			actual := counts[a.ID]
			if a.CurrentChatCount == actual {
				continue
			}
			drift = append(drift, model.ChatCountDrift{AgentID: a.ID, Recorded: a.CurrentChatCount, Actual: actual})
			if !repair {
				continue
			}
			if _, err := l.agents.adjust(ctx, repo, a.ID, actual-a.CurrentChatCount); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, d := range drift {
		l.log.Warn("Chat count drift",
			zap.String("agent_id", d.AgentID),
			zap.Int("recorded", d.Recorded),
			zap.Int("actual", d.Actual),
			zap.Bool("repaired", repair))
	}
	return drift, nil
}

// Purge deletes terminal assignments closed before cutoff
func (l *Ledger) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := l.store.PurgeAssignments(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge assignments: %w", err)
	}
	l.log.Info("Purged assignments", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	return n, nil
}

// opened publishes the creation event and schedules the team's response timeout
func (l *Ledger) opened(ctx context.Context, a model.Assignment) {
	l.publish("assignment.created", a)

	if l.jobClient == nil || a.TeamID == nil {
		return
	}
	team, err := l.store.GetTeam(ctx, *a.TeamID)
	if err != nil {
		l.log.Warn("Failed to load team for timeout", zap.String("team_id", *a.TeamID), zap.Error(err))
		return
	}
	if !team.Escalation.Enabled || team.Escalation.TimeoutMinutes <= 0 {
		return
	}
	at := a.AssignedAt.Add(time.Duration(team.Escalation.TimeoutMinutes) * time.Minute)
	if err := l.jobClient.ScheduleResponseTimeout(a.ID, at); err != nil {
		l.log.Warn("Failed to schedule response timeout", zap.String("assignment_id", a.ID), zap.Error(err))
	}
}

func (l *Ledger) publish(eventType string, a model.Assignment) {
	if l.bus == nil {
		return
	}
	event := map[string]interface{}{
		"type":           eventType,
		"assignmentId":   a.ID,
		"conversationId": a.ConversationID,
		"agentId":        a.AgentID,
		"status":         a.Status,
		"priority":       a.Priority,
	}
	_ = l.bus.PublishConversation(a.ConversationID, event)
	_ = l.bus.PublishAgent(a.AgentID, event)
	if a.TeamID != nil {
		_ = l.bus.PublishTeam(*a.TeamID, event)
	}
}

// lockPair locks the owner and target agent rows in id order, so hand-offs
// running in opposite directions cannot wait on each other. It returns the target.
func lockPair(ctx context.Context, repo store.Repository, ownerID, targetID string) (model.Agent, error) {
	ids := []string{ownerID, targetID}
	if targetID < ownerID {
		ids[0], ids[1] = targetID, ownerID
	}
	var target model.Agent
	for _, id := range ids {
		a, err := repo.GetAgentForUpdate(ctx, id)
		if err != nil {
			return model.Agent{}, notFound(err, ErrAgentNotFound, id)
		}
		if id == targetID {
			target = a
		}
	}
	return target, nil
}

func validateRatings(p CompleteParams) error {
	for _, r := range []*int{p.CustomerRating, p.SupervisorRating} {
		if r != nil && (*r < 1 || *r > 5) {
			return invalidf("rating must be between 1 and 5")
		}
	}
	return nil
}

func applyRatings(a *model.Assignment, p CompleteParams) {
	if p.CustomerRating != nil {
		a.CustomerRating = p.CustomerRating
	}
	if p.CustomerFeedback != nil {
		a.CustomerFeedback = p.CustomerFeedback
	}
	if p.SupervisorRating != nil {
		a.SupervisorRating = p.SupervisorRating
	}
	if p.SupervisorFeedback != nil {
		a.SupervisorFeedback = p.SupervisorFeedback
	}
}
