package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"convroute/internal/model"
	"convroute/internal/store"
	"convroute/internal/store/memory"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockEventBus implements EventBus for testing
type MockEventBus struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (m *MockEventBus) record(event map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MockEventBus) PublishAgent(agentID string, event map[string]interface{}) error {
	return m.record(event)
}

func (m *MockEventBus) PublishTeam(teamID string, event map[string]interface{}) error {
	return m.record(event)
}

func (m *MockEventBus) PublishConversation(conversationID string, event map[string]interface{}) error {
	return m.record(event)
}

// Types returns the distinct event types seen so far, in order
func (m *MockEventBus) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	seen := make(map[string]bool)
	for _, e := range m.events {
		t, _ := e["type"].(string)
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

type scheduledJob struct {
	assignmentID string
	at           time.Time
}

type mockJobClient struct {
	mu   sync.Mutex
	jobs []scheduledJob
}

func (m *mockJobClient) ScheduleResponseTimeout(assignmentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, scheduledJob{assignmentID: assignmentID, at: at})
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errInjected = errors.New("injected failure")

// faultyStore wraps the memory store and fails chosen writes inside transactions
type faultyStore struct {
	*memory.Store
	failChatCountFor string
	failInsertType   model.AssignmentType
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	return f.Store.WithTx(ctx, func(repo store.Repository) error {
		return fn(&faultyRepo{Repository: repo, f: f})
	})
}

type faultyRepo struct {
	store.Repository
	f *faultyStore
}

func (r *faultyRepo) AddChatCount(ctx context.Context, id string, delta int, at time.Time) (model.Agent, error) {
	if id == r.f.failChatCountFor {
		return model.Agent{}, errInjected
	}
	return r.Repository.AddChatCount(ctx, id, delta, at)
}

func (r *faultyRepo) InsertAssignment(ctx context.Context, a model.Assignment) error {
	if r.f.failInsertType != "" && a.Type == r.f.failInsertType {
		return errInjected
	}
	return r.Repository.InsertAssignment(ctx, a)
}

type testEnv struct {
	store     store.Store
	bus       *MockEventBus
	jobs      *mockJobClient
	clock     *fakeClock
	agents    *AgentDirectory
	teams     *TeamDirectory
	ledger    *Ledger
	router    *Router
	escalator *Escalator
	sweeper   *Sweeper
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithStore(t, memory.New())
}

func newTestEnvWithStore(t *testing.T, st store.Store) *testEnv {
	t.Helper()
	log := zap.NewNop()
	env := &testEnv{
		store: st,
		bus:   &MockEventBus{},
		jobs:  &mockJobClient{},
		clock: &fakeClock{now: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)},
	}
	env.agents = NewAgentDirectory(st, env.bus, log)
	env.agents.SetClock(env.clock)
	env.teams = NewTeamDirectory(st, log)
	env.teams.SetClock(env.clock)
	env.ledger = NewLedger(st, env.agents, env.bus, log)
	env.ledger.SetClock(env.clock)
	env.ledger.SetJobClient(env.jobs)
	env.router = NewRouter(st, env.agents, env.ledger, log)
	env.router.SetRand(NewRandSource(42))
	env.escalator = NewEscalator(st, env.ledger, log)
	env.escalator.SetClock(env.clock)
	env.sweeper = NewSweeper(st, env.bus, env.escalator, log)
	env.sweeper.SetClock(env.clock)
	return env
}

// agent creates an available agent with the given capacity
func (e *testEnv) agent(t *testing.T, id string, maxChats int, mods ...func(*CreateAgentInput)) model.Agent {
	t.Helper()
	ctx := context.Background()
	in := CreateAgentInput{ID: id, Name: "Agent " + id, MaxConcurrentChats: maxChats}
	for _, m := range mods {
		m(&in)
	}
	_, err := e.agents.Create(ctx, in)
	require.NoError(t, err)
	a, err := e.agents.SetAvailability(ctx, id, model.AvailabilityAvailable)
	require.NoError(t, err)
	return *a
}

func withRole(r model.AgentRole) func(*CreateAgentInput) {
	return func(in *CreateAgentInput) { in.Role = r }
}

func withInstances(ids ...string) func(*CreateAgentInput) {
	return func(in *CreateAgentInput) { in.Instances = ids }
}

func (e *testEnv) team(t *testing.T, in CreateTeamInput) model.Team {
	t.Helper()
	if in.Name == "" {
		in.Name = in.ID
	}
	tm, err := e.teams.Create(context.Background(), in)
	require.NoError(t, err)
	return *tm
}

func (e *testEnv) chatCount(t *testing.T, id string) int {
	t.Helper()
	a, err := e.agents.Get(context.Background(), id)
	require.NoError(t, err)
	return a.CurrentChatCount
}

// requireConserved checks every agent's counter against its Active rows
func (e *testEnv) requireConserved(t *testing.T) {
	t.Helper()
	drift, err := e.ledger.ReconcileChatCounts(context.Background(), false)
	require.NoError(t, err)
	require.Empty(t, drift)
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }

func floatPtr(f float64) *float64 { return &f }
