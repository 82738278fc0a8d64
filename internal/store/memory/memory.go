// Package memory is an in-process store.Store for single-instance deployments and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"convroute/internal/model"
	"convroute/internal/store"
)

type state struct {
	agents      map[string]model.Agent
	teams       map[string]model.Team
	rotations   map[string]string
	assignments map[string]model.Assignment
}

func newState() *state {
	return &state{
		agents:      make(map[string]model.Agent),
		teams:       make(map[string]model.Team),
		rotations:   make(map[string]string),
		assignments: make(map[string]model.Assignment),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.agents {
		v.Instances = cloneStrings(v.Instances)
		c.agents[k] = v
	}
	for k, v := range s.teams {
		v.Members = cloneStrings(v.Members)
		v.Instances = cloneStrings(v.Instances)
		c.teams[k] = v
	}
	for k, v := range s.rotations {
		c.rotations[k] = v
	}
	for k, v := range s.assignments {
		v.Tags = cloneStrings(v.Tags)
		c.assignments[k] = v
	}
	return c
}

// Store keeps all rows in maps. Transactions are serialised; each one
// works on a private copy that replaces the committed state only on success.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	cur  *state
}

// New creates an empty store
func New() *Store {
	return &Store{cur: newState()}
}

// WithTx implements store.Store
func (s *Store) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := s.cur.clone()
	s.mu.RUnlock()

	if err := fn(&repo{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cur = work
	s.mu.Unlock()
	return nil
}

func (s *Store) read() *repo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &repo{st: s.cur}
}

func (s *Store) write(ctx context.Context, fn func(r *repo) error) error {
	return s.WithTx(ctx, func(r store.Repository) error {
		return fn(r.(*repo))
	})
}

// Reads outside a transaction see the last committed state; the state
// pointer is swapped, never mutated, once committed.

func (s *Store) GetAgent(ctx context.Context, id string) (model.Agent, error) {
	return s.read().GetAgent(ctx, id)
}

func (s *Store) GetAgentForUpdate(ctx context.Context, id string) (model.Agent, error) {
	return s.read().GetAgent(ctx, id)
}

func (s *Store) ListAgents(ctx context.Context, q store.AgentQuery) ([]model.Agent, error) {
	return s.read().ListAgents(ctx, q)
}

func (s *Store) CreateAgent(ctx context.Context, a model.Agent) error {
	return s.write(ctx, func(r *repo) error { return r.CreateAgent(ctx, a) })
}

func (s *Store) UpdateAgent(ctx context.Context, a model.Agent) error {
	return s.write(ctx, func(r *repo) error { return r.UpdateAgent(ctx, a) })
}

func (s *Store) AddChatCount(ctx context.Context, id string, delta int, at time.Time) (model.Agent, error) {
	var out model.Agent
	err := s.write(ctx, func(r *repo) error {
		var err error
		out, err = r.AddChatCount(ctx, id, delta, at)
		return err
	})
	return out, err
}

func (s *Store) GetTeam(ctx context.Context, id string) (model.Team, error) {
	return s.read().GetTeam(ctx, id)
}

func (s *Store) ListTeams(ctx context.Context, q store.TeamQuery) ([]model.Team, error) {
	return s.read().ListTeams(ctx, q)
}

func (s *Store) CreateTeam(ctx context.Context, t model.Team) error {
	return s.write(ctx, func(r *repo) error { return r.CreateTeam(ctx, t) })
}

func (s *Store) UpdateTeam(ctx context.Context, t model.Team) error {
	return s.write(ctx, func(r *repo) error { return r.UpdateTeam(ctx, t) })
}

func (s *Store) SetTeamMembers(ctx context.Context, teamID string, agentIDs []string) error {
	return s.write(ctx, func(r *repo) error { return r.SetTeamMembers(ctx, teamID, agentIDs) })
}

func (s *Store) GetRotation(ctx context.Context, teamID string) (string, error) {
	return s.read().GetRotation(ctx, teamID)
}

func (s *Store) SetRotation(ctx context.Context, teamID, agentID string) error {
	return s.write(ctx, func(r *repo) error { return r.SetRotation(ctx, teamID, agentID) })
}

func (s *Store) InsertAssignment(ctx context.Context, a model.Assignment) error {
	return s.write(ctx, func(r *repo) error { return r.InsertAssignment(ctx, a) })
}

func (s *Store) GetAssignment(ctx context.Context, id string) (model.Assignment, error) {
	return s.read().GetAssignment(ctx, id)
}

func (s *Store) GetAssignmentForUpdate(ctx context.Context, id string) (model.Assignment, error) {
	return s.read().GetAssignment(ctx, id)
}

func (s *Store) UpdateAssignment(ctx context.Context, a model.Assignment) error {
	return s.write(ctx, func(r *repo) error { return r.UpdateAssignment(ctx, a) })
}

func (s *Store) ActiveAssignment(ctx context.Context, conversationID string) (model.Assignment, error) {
	return s.read().ActiveAssignment(ctx, conversationID)
}

func (s *Store) ListAssignments(ctx context.Context, q store.AssignmentQuery) ([]model.Assignment, error) {
	return s.read().ListAssignments(ctx, q)
}

func (s *Store) CountActiveByAgent(ctx context.Context) (map[string]int, error) {
	return s.read().CountActiveByAgent(ctx)
}

func (s *Store) OrphanedHandoffs(ctx context.Context) ([]model.Assignment, error) {
	return s.read().OrphanedHandoffs(ctx)
}

func (s *Store) PurgeAssignments(ctx context.Context, completedBefore time.Time) (int64, error) {
	var n int64
	err := s.write(ctx, func(r *repo) error {
		var err error
		n, err = r.PurgeAssignments(ctx, completedBefore)
		return err
	})
	return n, err
}

// repo operates on one state without locking; the Store provides isolation.
type repo struct {
	st *state
}

func (r *repo) GetAgent(ctx context.Context, id string) (model.Agent, error) {
	a, ok := r.st.agents[id]
	if !ok {
		return model.Agent{}, store.ErrNotFound
	}
	a.Instances = cloneStrings(a.Instances)
	return a, nil
}

func (r *repo) GetAgentForUpdate(ctx context.Context, id string) (model.Agent, error) {
	return r.GetAgent(ctx, id)
}

func (r *repo) ListAgents(ctx context.Context, q store.AgentQuery) ([]model.Agent, error) {
	var ids map[string]bool
	if q.IDs != nil {
		ids = make(map[string]bool, len(q.IDs))
		for _, id := range q.IDs {
			ids[id] = true
		}
	}
	out := make([]model.Agent, 0)
	for _, a := range r.st.agents {
		if ids != nil && !ids[a.ID] {
			continue
		}
		if q.Status != "" && a.Status != q.Status {
			continue
		}
		if q.Availability != "" && a.Availability != q.Availability {
			continue
		}
		if !a.CanServe(q.InstanceID) {
			continue
		}
		a.Instances = cloneStrings(a.Instances)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *repo) CreateAgent(ctx context.Context, a model.Agent) error {
	if _, ok := r.st.agents[a.ID]; ok {
		return store.ErrDuplicateKey
	}
	a.Instances = cloneStrings(a.Instances)
	r.st.agents[a.ID] = a
	return nil
}

func (r *repo) UpdateAgent(ctx context.Context, a model.Agent) error {
	old, ok := r.st.agents[a.ID]
	if !ok {
		return store.ErrNotFound
	}
	a.CurrentChatCount = old.CurrentChatCount
	a.Instances = cloneStrings(a.Instances)
	r.st.agents[a.ID] = a
	return nil
}

func (r *repo) AddChatCount(ctx context.Context, id string, delta int, at time.Time) (model.Agent, error) {
	a, ok := r.st.agents[id]
	if !ok {
		return model.Agent{}, store.ErrNotFound
	}
	a.CurrentChatCount += delta
	if a.CurrentChatCount < 0 {
		a.CurrentChatCount = 0
	}
	a.UpdatedAt = at
	r.st.agents[id] = a
	return a, nil
}

func (r *repo) GetTeam(ctx context.Context, id string) (model.Team, error) {
	t, ok := r.st.teams[id]
	if !ok {
		return model.Team{}, store.ErrNotFound
	}
	t.Members = cloneStrings(t.Members)
	t.Instances = cloneStrings(t.Instances)
	return t, nil
}

func (r *repo) ListTeams(ctx context.Context, q store.TeamQuery) ([]model.Team, error) {
	out := make([]model.Team, 0)
	for _, t := range r.st.teams {
		if q.Status != "" && t.Status != q.Status {
			continue
		}
		if q.InstanceID != "" && !t.ServesInstance(q.InstanceID) {
			continue
		}
		if q.AgentID != "" && !t.HasMember(q.AgentID) {
			continue
		}
		t.Members = cloneStrings(t.Members)
		t.Instances = cloneStrings(t.Instances)
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *repo) CreateTeam(ctx context.Context, t model.Team) error {
	if _, ok := r.st.teams[t.ID]; ok {
		return store.ErrDuplicateKey
	}
	for _, other := range r.st.teams {
		if other.Name == t.Name {
			return store.ErrDuplicateKey
		}
	}
	t.Members = cloneStrings(t.Members)
	t.Instances = cloneStrings(t.Instances)
	r.st.teams[t.ID] = t
	return nil
}

func (r *repo) UpdateTeam(ctx context.Context, t model.Team) error {
	old, ok := r.st.teams[t.ID]
	if !ok {
		return store.ErrNotFound
	}
	t.Members = old.Members
	t.Instances = cloneStrings(t.Instances)
	r.st.teams[t.ID] = t
	return nil
}

func (r *repo) SetTeamMembers(ctx context.Context, teamID string, agentIDs []string) error {
	t, ok := r.st.teams[teamID]
	if !ok {
		return store.ErrNotFound
	}
	t.Members = cloneStrings(agentIDs)
	r.st.teams[teamID] = t
	return nil
}

func (r *repo) GetRotation(ctx context.Context, teamID string) (string, error) {
	return r.st.rotations[teamID], nil
}

func (r *repo) SetRotation(ctx context.Context, teamID, agentID string) error {
	r.st.rotations[teamID] = agentID
	return nil
}

func (r *repo) InsertAssignment(ctx context.Context, a model.Assignment) error {
	if _, ok := r.st.assignments[a.ID]; ok {
		return store.ErrDuplicateKey
	}
	if a.Status == model.AssignmentActive {
		if _, err := r.ActiveAssignment(ctx, a.ConversationID); err == nil {
			return store.ErrDuplicateActive
		}
	}
	a.Tags = cloneStrings(a.Tags)
	r.st.assignments[a.ID] = a
	return nil
}

func (r *repo) GetAssignment(ctx context.Context, id string) (model.Assignment, error) {
	a, ok := r.st.assignments[id]
	if !ok {
		return model.Assignment{}, store.ErrNotFound
	}
	a.Tags = cloneStrings(a.Tags)
	return a, nil
}

func (r *repo) GetAssignmentForUpdate(ctx context.Context, id string) (model.Assignment, error) {
	return r.GetAssignment(ctx, id)
}

func (r *repo) UpdateAssignment(ctx context.Context, a model.Assignment) error {
	if _, ok := r.st.assignments[a.ID]; !ok {
		return store.ErrNotFound
	}
	if a.Status == model.AssignmentActive {
		if cur, err := r.ActiveAssignment(ctx, a.ConversationID); err == nil && cur.ID != a.ID {
			return store.ErrDuplicateActive
		}
	}
	a.Tags = cloneStrings(a.Tags)
	r.st.assignments[a.ID] = a
	return nil
}

func (r *repo) ActiveAssignment(ctx context.Context, conversationID string) (model.Assignment, error) {
	for _, a := range r.st.assignments {
		if a.ConversationID == conversationID && a.Status == model.AssignmentActive {
			a.Tags = cloneStrings(a.Tags)
			return a, nil
		}
	}
	return model.Assignment{}, store.ErrNotFound
}

func (r *repo) ListAssignments(ctx context.Context, q store.AssignmentQuery) ([]model.Assignment, error) {
	out := make([]model.Assignment, 0)
	for _, a := range r.st.assignments {
		if !matches(a, q) {
			continue
		}
		a.Tags = cloneStrings(a.Tags)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AssignedAt.Before(out[j].AssignedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matches(a model.Assignment, q store.AssignmentQuery) bool {
	if q.ConversationID != "" && a.ConversationID != q.ConversationID {
		return false
	}
	if q.AgentID != "" && a.AgentID != q.AgentID {
		return false
	}
	if q.InstanceID != "" && a.InstanceID != q.InstanceID {
		return false
	}
	if q.TeamID != "" && (a.TeamID == nil || *a.TeamID != q.TeamID) {
		return false
	}
	if len(q.Statuses) > 0 {
		found := false
		for _, s := range q.Statuses {
			if a.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Unanswered && a.FirstResponseAt != nil {
		return false
	}
	if q.AssignedBefore != nil && !a.AssignedAt.Before(*q.AssignedBefore) {
		return false
	}
	if q.AssignedAfter != nil && a.AssignedAt.Before(*q.AssignedAfter) {
		return false
	}
	return true
}

func (r *repo) CountActiveByAgent(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	for _, a := range r.st.assignments {
		if a.Status == model.AssignmentActive {
			out[a.AgentID]++
		}
	}
	return out, nil
}

func (r *repo) OrphanedHandoffs(ctx context.Context) ([]model.Assignment, error) {
	successors := make(map[string]bool)
	for _, a := range r.st.assignments {
		if a.PreviousAssignmentID != nil {
			successors[*a.PreviousAssignmentID] = true
		}
	}
	out := make([]model.Assignment, 0)
	for _, a := range r.st.assignments {
		if a.Status != model.AssignmentTransferred && a.Status != model.AssignmentEscalated {
			continue
		}
		if !successors[a.ID] {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.Before(out[j].AssignedAt) })
	return out, nil
}

func (r *repo) PurgeAssignments(ctx context.Context, completedBefore time.Time) (int64, error) {
	var n int64
	for id, a := range r.st.assignments {
		if a.Status.Terminal() && a.CompletedAt != nil && a.CompletedAt.Before(completedBefore) {
			delete(r.st.assignments, id)
			n++
		}
	}
	return n, nil
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
