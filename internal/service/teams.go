package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"convroute/internal/model"
	"convroute/internal/store"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// TeamDirectory owns teams, their membership and their routing policies
type TeamDirectory struct {
	store store.Store
	clock Clock
	log   *zap.Logger
}

func NewTeamDirectory(st store.Store, log *zap.Logger) *TeamDirectory {
	return &TeamDirectory{
		store: st,
		clock: SystemClock,
		log:   log,
	}
}

// SetClock replaces the time source
func (d *TeamDirectory) SetClock(c Clock) {
	d.clock = c
}

type CreateTeamInput struct {
	ID           string                   `json:"id,omitempty"`
	Name         string                   `json:"name"`
	Description  string                   `json:"description,omitempty"`
	SupervisorID *string                  `json:"supervisorId,omitempty"`
	Members      []string                 `json:"members,omitempty"`
	Instances    []string                 `json:"instances,omitempty"`
	Distribution model.DistributionPolicy `json:"distribution"`
	Escalation   model.EscalationPolicy   `json:"escalation"`
}

type UpdateTeamInput struct {
	Name         *string                   `json:"name,omitempty"`
	Description  *string                   `json:"description,omitempty"`
	Status       *model.TeamStatus         `json:"status,omitempty"`
	SupervisorID *string                   `json:"supervisorId,omitempty"`
	Instances    []string                  `json:"instances,omitempty"`
	Distribution *model.DistributionPolicy `json:"distribution,omitempty"`
	Escalation   *model.EscalationPolicy   `json:"escalation,omitempty"`
}

func (d *TeamDirectory) Create(ctx context.Context, input CreateTeamInput) (*model.Team, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, invalidf("name is required")
	}
	if input.Distribution.Method == "" {
		input.Distribution.Method = model.DistributionLeastBusy
	}
	if err := validatePolicies(input.Distribution, input.Escalation); err != nil {
		return nil, err
	}
	if input.ID == "" {
		input.ID = ulid.Make().String()
	}

	now := d.clock.Now()
	team := model.Team{
		ID:           input.ID,
		Name:         input.Name,
		Description:  input.Description,
		Status:       model.TeamStatusActive,
		SupervisorID: input.SupervisorID,
		Members:      dedupe(input.Members),
		Instances:    input.Instances,
		Distribution: input.Distribution,
		Escalation:   input.Escalation,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := d.store.WithTx(ctx, func(repo store.Repository) error {
		if err := requireAgents(ctx, repo, team.Members); err != nil {
			return err
		}
		if team.SupervisorID != nil {
			if err := requireAgents(ctx, repo, []string{*team.SupervisorID}); err != nil {
				return err
			}
		}
		if err := repo.CreateTeam(ctx, team); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				return fmt.Errorf("%w: team %s", ErrConflict, team.Name)
			}
			return fmt.Errorf("failed to create team: %w", err)
		}
		return repo.SetTeamMembers(ctx, team.ID, team.Members)
	})
	if err != nil {
		return nil, err
	}
	return &team, nil
}

func (d *TeamDirectory) Get(ctx context.Context, id string) (*model.Team, error) {
	t, err := d.store.GetTeam(ctx, id)
	if err != nil {
		return nil, notFound(err, ErrTeamNotFound, id)
	}
	return &t, nil
}

func (d *TeamDirectory) List(ctx context.Context, q store.TeamQuery) ([]model.Team, error) {
	teams, err := d.store.ListTeams(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	return teams, nil
}

func (d *TeamDirectory) Update(ctx context.Context, id string, input UpdateTeamInput) (*model.Team, error) {
	var out model.Team
	err := d.store.WithTx(ctx, func(repo store.Repository) error {
		t, err := repo.GetTeam(ctx, id)
		if err != nil {
			return notFound(err, ErrTeamNotFound, id)
		}
		if input.Name != nil {
			if strings.TrimSpace(*input.Name) == "" {
				return invalidf("name is required")
			}
			t.Name = *input.Name
		}
		if input.Description != nil {
			t.Description = *input.Description
		}
		if input.Status != nil {
			if *input.Status != model.TeamStatusActive && *input.Status != model.TeamStatusInactive {
				return invalidf("unknown status %q", *input.Status)
			}
			t.Status = *input.Status
		}
		if input.SupervisorID != nil {
			if err := requireAgents(ctx, repo, []string{*input.SupervisorID}); err != nil {
				return err
			}
			t.SupervisorID = input.SupervisorID
		}
		if input.Instances != nil {
			t.Instances = input.Instances
		}
		if input.Distribution != nil {
			t.Distribution = *input.Distribution
		}
		if input.Escalation != nil {
			t.Escalation = *input.Escalation
		}
		if err := validatePolicies(t.Distribution, t.Escalation); err != nil {
			return err
		}
		t.UpdatedAt = d.clock.Now()
		if err := repo.UpdateTeam(ctx, t); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				return fmt.Errorf("%w: team %s", ErrConflict, t.Name)
			}
			return fmt.Errorf("failed to update team: %w", err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Disable soft-deletes a team; it stops being a routing target
func (d *TeamDirectory) Disable(ctx context.Context, id string) (*model.Team, error) {
	inactive := model.TeamStatusInactive
	return d.Update(ctx, id, UpdateTeamInput{Status: &inactive})
}

// AddMembers adds agents to a team. Agents already present are skipped.
func (d *TeamDirectory) AddMembers(ctx context.Context, teamID string, agentIDs []string) (*model.Team, error) {
	return d.editMembers(ctx, teamID, agentIDs, func(current []string) []string {
		return dedupe(append(current, agentIDs...))
	})
}

// RemoveMembers removes agents from a team. Unknown ids are ignored.
func (d *TeamDirectory) RemoveMembers(ctx context.Context, teamID string, agentIDs []string) (*model.Team, error) {
	drop := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		drop[id] = true
	}
	return d.editMembers(ctx, teamID, nil, func(current []string) []string {
		out := make([]string, 0, len(current))
		for _, id := range current {
			if !drop[id] {
				out = append(out, id)
			}
		}
		return out
	})
}

// SetMembers replaces the member set
func (d *TeamDirectory) SetMembers(ctx context.Context, teamID string, agentIDs []string) (*model.Team, error) {
	return d.editMembers(ctx, teamID, agentIDs, func([]string) []string {
		return dedupe(agentIDs)
	})
}

func (d *TeamDirectory) editMembers(ctx context.Context, teamID string, mustExist []string, edit func([]string) []string) (*model.Team, error) {
	var out model.Team
	err := d.store.WithTx(ctx, func(repo store.Repository) error {
		t, err := repo.GetTeam(ctx, teamID)
		if err != nil {
			return notFound(err, ErrTeamNotFound, teamID)
		}
		if err := requireAgents(ctx, repo, mustExist); err != nil {
			return err
		}
		t.Members = edit(t.Members)
		if err := repo.SetTeamMembers(ctx, teamID, t.Members); err != nil {
			return fmt.Errorf("failed to set team members: %w", err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CapacityOf aggregates member capacity. Members count as active when their
// account is active and they are not offline. Total sums each active member's
// effective limit: maxConcurrentChats, lowered to the team's maxChatsPerAgent
// when that override is set and smaller.
func (d *TeamDirectory) CapacityOf(ctx context.Context, teamID string) (*model.Capacity, error) {
	t, err := d.store.GetTeam(ctx, teamID)
	if err != nil {
		return nil, notFound(err, ErrTeamNotFound, teamID)
	}
	c, err := capacityOf(ctx, d.store, t)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func capacityOf(ctx context.Context, repo store.Repository, t model.Team) (model.Capacity, error) {
	var c model.Capacity
	if len(t.Members) == 0 {
		return c, nil
	}
	members, err := repo.ListAgents(ctx, store.AgentQuery{IDs: t.Members})
	if err != nil {
		return c, fmt.Errorf("failed to list team members: %w", err)
	}
	c.MemberCount = len(members)
	for _, a := range members {
		if a.Status != model.AgentStatusActive || a.Availability == model.AvailabilityOffline {
			continue
		}
		c.ActiveMemberCount++
		c.Total += effectiveLimit(a, t.Distribution.MaxChatsPerAgent)
		c.Used += a.CurrentChatCount
	}
	c.Available = c.Total - c.Used
	if c.Available < 0 {
		c.Available = 0
	}
	return c, nil
}

// BestTeamFor returns the active team serving instanceID with the most spare
// capacity, lowest id first on ties. It returns nil when no team has room.
func (d *TeamDirectory) BestTeamFor(ctx context.Context, instanceID string) (*model.Team, error) {
	return bestTeam(ctx, d.store, instanceID, false)
}

// bestTeam implements BestTeamFor. With routable set, teams that opted out of
// automatic assignment are skipped.
func bestTeam(ctx context.Context, repo store.Repository, instanceID string, routable bool) (*model.Team, error) {
	teams, err := repo.ListTeams(ctx, store.TeamQuery{Status: model.TeamStatusActive, InstanceID: instanceID})
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}

	var best *model.Team
	bestAvailable := 0
	for i := range teams {
		t := teams[i]
		if len(t.Members) == 0 {
			continue
		}
		if routable && (!t.Distribution.AutoAssign || t.Distribution.Method == model.DistributionManual) {
			continue
		}
		members, err := repo.ListAgents(ctx, store.AgentQuery{IDs: t.Members})
		if err != nil {
			return nil, fmt.Errorf("failed to list team members: %w", err)
		}
		hasRoom := false
		for _, a := range members {
			if a.Eligible(instanceID, t.Distribution.MaxChatsPerAgent) {
				hasRoom = true
				break
			}
		}
		if !hasRoom {
			continue
		}
		c, err := capacityOf(ctx, repo, t)
		if err != nil {
			return nil, err
		}
		if best == nil || c.Available > bestAvailable || (c.Available == bestAvailable && t.ID < best.ID) {
			best = &teams[i]
			bestAvailable = c.Available
		}
	}
	return best, nil
}

func effectiveLimit(a model.Agent, teamLimit int) int {
	if teamLimit > 0 && teamLimit < a.MaxConcurrentChats {
		return teamLimit
	}
	return a.MaxConcurrentChats
}

func validatePolicies(dp model.DistributionPolicy, ep model.EscalationPolicy) error {
	if !dp.Method.Valid() {
		return invalidf("unknown distribution method %q", dp.Method)
	}
	if dp.MaxChatsPerAgent < 0 {
		return invalidf("maxChatsPerAgent must not be negative")
	}
	if !ep.Enabled {
		return nil
	}
	if ep.TimeoutMinutes < 1 {
		return invalidf("escalation timeoutMinutes must be at least 1")
	}
	switch ep.Target {
	case model.EscalateToSupervisor, model.EscalateToSeniorAgent:
	case model.EscalateToSpecificUser:
		if ep.TargetAgentID == nil || *ep.TargetAgentID == "" {
			return invalidf("escalation target specific_user needs targetAgentId")
		}
	default:
		return invalidf("unknown escalation target %q", ep.Target)
	}
	return nil
}

func requireAgents(ctx context.Context, repo store.Repository, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	found, err := repo.ListAgents(ctx, store.AgentQuery{IDs: ids})
	if err != nil {
		return fmt.Errorf("failed to list agents: %w", err)
	}
	seen := make(map[string]bool, len(found))
	for _, a := range found {
		seen[a.ID] = true
	}
	for _, id := range ids {
		if !seen[id] {
			return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
