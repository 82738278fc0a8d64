package service

import (
	"context"
	"errors"
	"fmt"

	"convroute/internal/model"
	"convroute/internal/store"

	"go.uber.org/zap"
)

// selectAttempts bounds how often Route reselects when the chosen agent
// filled up between the candidate read and the row lock
const selectAttempts = 3

// Router picks an agent for a conversation and opens the assignment
type Router struct {
	store  store.Store
	agents *AgentDirectory
	ledger *Ledger
	rand   RandSource
	log    *zap.Logger
}

func NewRouter(st store.Store, agents *AgentDirectory, ledger *Ledger, log *zap.Logger) *Router {
	return &Router{
		store:  st,
		agents: agents,
		ledger: ledger,
		rand:   NewRandSource(SystemClock.Now().UnixNano()),
		log:    log,
	}
}

// SetRand replaces the random source used by the random method
func (r *Router) SetRand(src RandSource) {
	r.rand = src
}

// RouteOptions tune a routing decision
type RouteOptions struct {
	// TeamID restricts selection to that team's members and method
	TeamID string `json:"teamId,omitempty"`
	// AgentID assigns directly to this agent after a capacity check
	AgentID string `json:"agentId,omitempty"`
	// Override skips the capacity check for AgentID
	Override    bool                  `json:"override,omitempty"`
	Priority    model.Priority        `json:"priority,omitempty"`
	Contact     model.ContactSnapshot `json:"contact"`
	Tags        []string              `json:"tags,omitempty"`
	Category    *string               `json:"category,omitempty"`
	Subcategory *string               `json:"subcategory,omitempty"`
	AssignedBy  *string               `json:"-"`
}

// Route assigns conversationID to an agent. Selection, insert, chat-count
// increment and rotation update commit together or not at all.
//
// ErrNoAgentAvailable means nobody in scope has room; callers queue and retry.
func (r *Router) Route(ctx context.Context, conversationID, instanceID string, opts RouteOptions) (*model.Assignment, error) {
	if conversationID == "" || instanceID == "" {
		return nil, invalidf("conversationId and instanceId are required")
	}
	if opts.Priority == "" {
		opts.Priority = model.PriorityNormal
	}
	if !opts.Priority.Valid() {
		return nil, invalidf("unknown priority %q", opts.Priority)
	}

	var out model.Assignment
	err := r.store.WithTx(ctx, func(repo store.Repository) error {
		if _, err := repo.ActiveAssignment(ctx, conversationID); err == nil {
			return fmt.Errorf("%w: conversation %s", ErrAlreadyAssigned, conversationID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to check active assignment: %w", err)
		}

		var team *model.Team
		if opts.TeamID != "" {
			t, err := repo.GetTeam(ctx, opts.TeamID)
			if err != nil {
				return notFound(err, ErrTeamNotFound, opts.TeamID)
			}
			team = &t
		}

		params := OpenParams{
			ConversationID: conversationID,
			InstanceID:     instanceID,
			Priority:       opts.Priority,
			Type:           model.AssignmentTypeAuto,
			AssignedBy:     opts.AssignedBy,
			Contact:        opts.Contact,
			Tags:           opts.Tags,
			Category:       opts.Category,
			Subcategory:    opts.Subcategory,
		}

		var (
			agent  model.Agent
			method model.DistributionMethod
			err    error
		)
		if opts.AgentID != "" {
			agent, err = r.manual(ctx, repo, team, instanceID, opts)
			params.Type = model.AssignmentTypeManual
		} else {
			if team == nil {
				team, err = bestTeam(ctx, repo, instanceID, true)
				if err != nil {
					return err
				}
			} else if team.Status != model.TeamStatusActive {
				return fmt.Errorf("%w: team %s is %s", ErrNoAgentAvailable, team.ID, team.Status)
			}
			agent, method, err = r.automatic(ctx, repo, team, instanceID, opts.Priority)
		}
		if err != nil {
			return err
		}

		params.AgentID = agent.ID
		if team != nil {
			params.TeamID = &team.ID
		}
		out, err = r.ledger.open(ctx, repo, params)
		if err != nil {
			if errors.Is(err, ErrDuplicateActiveAssignment) {
				return fmt.Errorf("%w: %w", ErrAlreadyAssigned, err)
			}
			return err
		}

		if method == model.DistributionRoundRobin {
			if err := repo.SetRotation(ctx, team.ID, agent.ID); err != nil {
				return fmt.Errorf("failed to advance rotation: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.ledger.opened(ctx, out)
	r.log.Info("Conversation routed",
		zap.String("conversation_id", conversationID),
		zap.String("assignment_id", out.ID),
		zap.String("agent_id", out.AgentID),
		zap.String("type", string(out.Type)))
	return &out, nil
}

// manual validates a caller-chosen agent
func (r *Router) manual(ctx context.Context, repo store.Repository, team *model.Team, instanceID string, opts RouteOptions) (model.Agent, error) {
	agent, err := repo.GetAgentForUpdate(ctx, opts.AgentID)
	if err != nil {
		return model.Agent{}, notFound(err, ErrAgentNotFound, opts.AgentID)
	}
	if !agent.CanServe(instanceID) {
		return model.Agent{}, fmt.Errorf("%w: agent %s, instance %s", ErrInstanceNotPermitted, agent.ID, instanceID)
	}
	if opts.Override {
		return agent, nil
	}
	limit := 0
	if team != nil {
		limit = team.Distribution.MaxChatsPerAgent
	}
	if agent.Status != model.AgentStatusActive || !agent.HasCapacity(limit) {
		return model.Agent{}, fmt.Errorf("%w: agent %s has %d/%d open chats",
			ErrCapacityExceeded, agent.ID, agent.CurrentChatCount, agent.MaxConcurrentChats)
	}
	return agent, nil
}

// automatic selects and locks an agent. A nil team means a global least-busy
// search over every agent allowed on instanceID.
func (r *Router) automatic(ctx context.Context, repo store.Repository, team *model.Team, instanceID string, priority model.Priority) (model.Agent, model.DistributionMethod, error) {
	filter := AgentFilter{InstanceID: instanceID}
	method := model.DistributionLeastBusy
	if team != nil {
		filter.AgentIDs = nonNil(team.Members)
		filter.Limit = team.Distribution.MaxChatsPerAgent
		method = team.Distribution.Method
		if team.Distribution.PriorityHandling && priority.Elevated() {
			method = model.DistributionLeastBusy
		}
		if method == model.DistributionManual {
			return model.Agent{}, "", fmt.Errorf("%w: team %s", ErrManualAgentRequired, team.ID)
		}
	}

	skip := make(map[string]bool)
	for attempt := 0; attempt < selectAttempts; attempt++ {
		candidates, err := r.agents.available(ctx, repo, filter)
		if err != nil {
			return model.Agent{}, "", err
		}
		candidates = without(candidates, skip)
		if len(candidates) == 0 {
			break
		}

		picked, err := r.pick(ctx, repo, team, method, candidates)
		if err != nil {
			return model.Agent{}, "", err
		}

		locked, err := repo.GetAgentForUpdate(ctx, picked.ID)
		if err != nil {
			return model.Agent{}, "", notFound(err, ErrAgentNotFound, picked.ID)
		}
		if locked.Eligible(instanceID, filter.Limit) {
			return locked, method, nil
		}
		r.log.Debug("Selected agent no longer eligible, reselecting", zap.String("agent_id", picked.ID))
		skip[picked.ID] = true
	}

	scope := "instance " + instanceID
	if team != nil {
		scope = "team " + team.ID
	}
	return model.Agent{}, "", fmt.Errorf("%w: %s", ErrNoAgentAvailable, scope)
}

// pick applies a distribution method to a non-empty, id-sorted candidate list
func (r *Router) pick(ctx context.Context, repo store.Repository, team *model.Team, method model.DistributionMethod, candidates []model.Agent) (model.Agent, error) {
	switch method {
	case model.DistributionLeastBusy:
		sortLeastBusy(candidates)
		return candidates[0], nil
	case model.DistributionRandom:
		return candidates[r.rand.Intn(len(candidates))], nil
	case model.DistributionRoundRobin:
		last, err := repo.GetRotation(ctx, team.ID)
		if err != nil {
			return model.Agent{}, fmt.Errorf("failed to read rotation: %w", err)
		}
		for _, a := range candidates {
			if a.ID > last {
				return a, nil
			}
		}
		return candidates[0], nil
	case model.DistributionManual:
		return model.Agent{}, fmt.Errorf("%w: team %s", ErrManualAgentRequired, team.ID)
	default:
		return model.Agent{}, fmt.Errorf("unknown distribution method %q", method)
	}
}

func without(agents []model.Agent, skip map[string]bool) []model.Agent {
	if len(skip) == 0 {
		return agents
	}
	out := agents[:0]
	for _, a := range agents {
		if !skip[a.ID] {
			out = append(out, a)
		}
	}
	return out
}
