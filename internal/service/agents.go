package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"convroute/internal/model"
	"convroute/internal/store"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// AgentDirectory owns agent records and is the only writer of currentChatCount
type AgentDirectory struct {
	store store.Store
	bus   EventBus
	clock Clock
	log   *zap.Logger
}

func NewAgentDirectory(st store.Store, bus EventBus, log *zap.Logger) *AgentDirectory {
	return &AgentDirectory{
		store: st,
		bus:   bus,
		clock: SystemClock,
		log:   log,
	}
}

// SetClock replaces the time source
func (d *AgentDirectory) SetClock(c Clock) {
	d.clock = c
}

// AgentFilter narrows the candidate set for routing
type AgentFilter struct {
	InstanceID string
	// AgentIDs restricts candidates to these ids (team members); nil means all agents
	AgentIDs []string
	// Limit caps each agent's effective chat limit; 0 uses the agent's own maximum
	Limit int
}

type CreateAgentInput struct {
	ID                 string          `json:"id,omitempty"`
	Name               string          `json:"name"`
	Email              string          `json:"email,omitempty"`
	Role               model.AgentRole `json:"role"`
	MaxConcurrentChats int             `json:"maxConcurrentChats"`
	Instances          []string        `json:"instances,omitempty"`
}

type UpdateAgentInput struct {
	Name               *string            `json:"name,omitempty"`
	Email              *string            `json:"email,omitempty"`
	Role               *model.AgentRole   `json:"role,omitempty"`
	Status             *model.AgentStatus `json:"status,omitempty"`
	MaxConcurrentChats *int               `json:"maxConcurrentChats,omitempty"`
	Instances          []string           `json:"instances,omitempty"`
}

// Create registers a new agent. New agents start offline with no open chats.
func (d *AgentDirectory) Create(ctx context.Context, input CreateAgentInput) (*model.Agent, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, invalidf("name is required")
	}
	if input.Role == "" {
		input.Role = model.RoleAgent
	}
	if !validRole(input.Role) {
		return nil, invalidf("unknown role %q", input.Role)
	}
	if input.MaxConcurrentChats < 1 {
		return nil, invalidf("maxConcurrentChats must be at least 1")
	}
	if input.ID == "" {
		input.ID = ulid.Make().String()
	}

	now := d.clock.Now()
	agent := model.Agent{
		ID:                 input.ID,
		Name:               input.Name,
		Email:              input.Email,
		Role:               input.Role,
		Status:             model.AgentStatusActive,
		Availability:       model.AvailabilityOffline,
		MaxConcurrentChats: input.MaxConcurrentChats,
		Instances:          input.Instances,
		LastActivityAt:     now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := d.store.CreateAgent(ctx, agent); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: agent %s", ErrConflict, input.ID)
		}
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	return &agent, nil
}

func (d *AgentDirectory) Get(ctx context.Context, id string) (*model.Agent, error) {
	a, err := d.store.GetAgent(ctx, id)
	if err != nil {
		return nil, notFound(err, ErrAgentNotFound, id)
	}
	return &a, nil
}

func (d *AgentDirectory) List(ctx context.Context, q store.AgentQuery) ([]model.Agent, error) {
	agents, err := d.store.ListAgents(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// Update changes profile and capacity fields. The chat counter is not touched.
func (d *AgentDirectory) Update(ctx context.Context, id string, input UpdateAgentInput) (*model.Agent, error) {
	var out model.Agent
	err := d.store.WithTx(ctx, func(repo store.Repository) error {
		a, err := repo.GetAgentForUpdate(ctx, id)
		if err != nil {
			return notFound(err, ErrAgentNotFound, id)
		}
		if input.Name != nil {
			if strings.TrimSpace(*input.Name) == "" {
				return invalidf("name is required")
			}
			a.Name = *input.Name
		}
		if input.Email != nil {
			a.Email = *input.Email
		}
		if input.Role != nil {
			if !validRole(*input.Role) {
				return invalidf("unknown role %q", *input.Role)
			}
			a.Role = *input.Role
		}
		if input.Status != nil {
			switch *input.Status {
			case model.AgentStatusActive, model.AgentStatusInactive, model.AgentStatusSuspended:
			default:
				return invalidf("unknown status %q", *input.Status)
			}
			a.Status = *input.Status
		}
		if input.MaxConcurrentChats != nil {
			if *input.MaxConcurrentChats < 1 {
				return invalidf("maxConcurrentChats must be at least 1")
			}
			a.MaxConcurrentChats = *input.MaxConcurrentChats
		}
		if input.Instances != nil {
			a.Instances = input.Instances
		}
		a.UpdatedAt = d.clock.Now()
		if err := repo.UpdateAgent(ctx, a); err != nil {
			return fmt.Errorf("failed to update agent: %w", err)
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Disable soft-deletes an agent. Open assignments stay with the agent until closed.
func (d *AgentDirectory) Disable(ctx context.Context, id string) (*model.Agent, error) {
	inactive := model.AgentStatusInactive
	return d.Update(ctx, id, UpdateAgentInput{Status: &inactive})
}

// FindAvailable lists agents that can take a new conversation from instanceID right now
func (d *AgentDirectory) FindAvailable(ctx context.Context, instanceID string) ([]model.Agent, error) {
	return d.available(ctx, d.store, AgentFilter{InstanceID: instanceID})
}

// FindLeastBusy returns the eligible agent with the fewest open chats, or nil
func (d *AgentDirectory) FindLeastBusy(ctx context.Context, instanceID string) (*model.Agent, error) {
	agents, err := d.available(ctx, d.store, AgentFilter{InstanceID: instanceID})
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, nil
	}
	sortLeastBusy(agents)
	return &agents[0], nil
}

// available reads through repo so routing sees the rows of its own transaction
func (d *AgentDirectory) available(ctx context.Context, repo store.Repository, f AgentFilter) ([]model.Agent, error) {
	if f.AgentIDs != nil && len(f.AgentIDs) == 0 {
		return []model.Agent{}, nil
	}
	agents, err := repo.ListAgents(ctx, store.AgentQuery{
		IDs:          f.AgentIDs,
		Status:       model.AgentStatusActive,
		Availability: model.AvailabilityAvailable,
		InstanceID:   f.InstanceID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	out := agents[:0]
	for _, a := range agents {
		if a.Eligible(f.InstanceID, f.Limit) {
			out = append(out, a)
		}
	}
	return out, nil
}

// sortLeastBusy orders by open chats, then most recent activity, then id
func sortLeastBusy(agents []model.Agent) {
	sort.SliceStable(agents, func(i, j int) bool {
		a, b := agents[i], agents[j]
		if a.CurrentChatCount != b.CurrentChatCount {
			return a.CurrentChatCount < b.CurrentChatCount
		}
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.After(b.LastActivityAt)
		}
		return a.ID < b.ID
	})
}

// AdjustChatCount atomically adds delta to an agent's open chat count (never below zero)
func (d *AgentDirectory) AdjustChatCount(ctx context.Context, id string, delta int) (*model.Agent, error) {
	var out model.Agent
	err := d.store.WithTx(ctx, func(repo store.Repository) error {
		var err error
		out, err = d.adjust(ctx, repo, id, delta)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *AgentDirectory) adjust(ctx context.Context, repo store.Repository, id string, delta int) (model.Agent, error) {
	a, err := repo.AddChatCount(ctx, id, delta, d.clock.Now())
	if err != nil {
		return model.Agent{}, fmt.Errorf("failed to adjust chat count: %w", notFound(err, ErrAgentNotFound, id))
	}
	return a, nil
}

// SetAvailability records a presence change. Existing assignments are left alone.
func (d *AgentDirectory) SetAvailability(ctx context.Context, id string, availability model.Availability) (*model.Agent, error) {
	if !availability.Valid() {
		return nil, invalidf("unknown availability %q", availability)
	}
	var out model.Agent
	err := d.store.WithTx(ctx, func(repo store.Repository) error {
		a, err := repo.GetAgentForUpdate(ctx, id)
		if err != nil {
			return notFound(err, ErrAgentNotFound, id)
		}
		now := d.clock.Now()
		a.Availability = availability
		a.LastActivityAt = now
		a.UpdatedAt = now
		if err := repo.UpdateAgent(ctx, a); err != nil {
			return fmt.Errorf("failed to update availability: %w", err)
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	if d.bus != nil {
		_ = d.bus.PublishAgent(id, map[string]interface{}{
			"type":         "agent.availability",
			"agentId":      id,
			"availability": availability,
		})
	}
	d.log.Debug("Agent availability changed", zap.String("agent_id", id), zap.String("availability", string(availability)))
	return &out, nil
}

// Touch records agent activity without changing availability
func (d *AgentDirectory) Touch(ctx context.Context, id string) (*model.Agent, error) {
	var out model.Agent
	err := d.store.WithTx(ctx, func(repo store.Repository) error {
		a, err := repo.GetAgentForUpdate(ctx, id)
		if err != nil {
			return notFound(err, ErrAgentNotFound, id)
		}
		now := d.clock.Now()
		a.LastActivityAt = now
		a.UpdatedAt = now
		if err := repo.UpdateAgent(ctx, a); err != nil {
			return fmt.Errorf("failed to touch agent: %w", err)
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func validRole(r model.AgentRole) bool {
	switch r {
	case model.RoleAdmin, model.RoleSupervisor, model.RoleAgent, model.RoleViewer:
		return true
	}
	return false
}
