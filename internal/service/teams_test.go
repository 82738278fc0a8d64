package service

import (
	"context"
	"testing"

	"convroute/internal/model"
	"convroute/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTeamDirectory_CreateValidates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.teams.Create(ctx, CreateTeamInput{Name: ""})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.teams.Create(ctx, CreateTeamInput{Name: "x", Distribution: model.DistributionPolicy{Method: "fastest"}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.teams.Create(ctx, CreateTeamInput{
		Name:       "x",
		Escalation: model.EscalationPolicy{Enabled: true, TimeoutMinutes: 10, Target: model.EscalateToSpecificUser},
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.teams.Create(ctx, CreateTeamInput{Name: "x", Members: []string{"ghost"}})
	assert.ErrorIs(t, err, ErrAgentNotFound)

	tm, err := env.teams.Create(ctx, CreateTeamInput{Name: "Suporte"})
	require.NoError(t, err)
	assert.Equal(t, model.DistributionLeastBusy, tm.Distribution.Method)
	assert.Equal(t, model.TeamStatusActive, tm.Status)

	_, err = env.teams.Create(ctx, CreateTeamInput{Name: "Suporte"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTeamDirectory_MembershipIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.agent(t, "a", 1)
	env.agent(t, "b", 1)
	env.team(t, CreateTeamInput{ID: "t1", Members: []string{"a"}})

	tm, err := env.teams.AddMembers(ctx, "t1", []string{"a", "b", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tm.Members)

	tm, err = env.teams.AddMembers(ctx, "t1", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tm.Members)

	tm, err = env.teams.RemoveMembers(ctx, "t1", []string{"a", "nobody"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, tm.Members)

	tm, err = env.teams.SetMembers(ctx, "t1", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, tm.Members)

	_, err = env.teams.AddMembers(ctx, "t1", []string{"ghost"})
	assert.ErrorIs(t, err, ErrAgentNotFound)

	_, err = env.teams.AddMembers(ctx, "missing", []string{"a"})
	assert.ErrorIs(t, err, ErrTeamNotFound)

	got, err := env.teams.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.Members)

	teams, err := env.teams.List(ctx, store.TeamQuery{AgentID: "a"})
	require.NoError(t, err)
	require.Len(t, teams, 1)
}

func TestTeamDirectory_CapacityOf(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.agent(t, "a", 3)
	env.agent(t, "b", 2)
	env.agent(t, "off", 4)
	_, err := env.agents.SetAvailability(ctx, "off", model.AvailabilityOffline)
	require.NoError(t, err)
	_, err = env.agents.AdjustChatCount(ctx, "a", 1)
	require.NoError(t, err)
	_, err = env.agents.AdjustChatCount(ctx, "b", 2)
	require.NoError(t, err)

	env.team(t, CreateTeamInput{ID: "t1", Members: []string{"a", "b", "off"}})

	c, err := env.teams.CapacityOf(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.Capacity{Total: 5, Used: 3, Available: 2, MemberCount: 3, ActiveMemberCount: 2}, *c)

	// a team cap below the agents' own limits shrinks the total
	cap2 := model.DistributionPolicy{Method: model.DistributionLeastBusy, MaxChatsPerAgent: 1}
	_, err = env.teams.Update(ctx, "t1", UpdateTeamInput{Distribution: &cap2})
	require.NoError(t, err)
	c, err = env.teams.CapacityOf(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Total)
	assert.Equal(t, 0, c.Available, "available is floored at zero")

	_, err = env.teams.CapacityOf(ctx, "missing")
	assert.ErrorIs(t, err, ErrTeamNotFound)
}

func TestTeamDirectory_BestTeamFor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.agent(t, "a", 2)
	env.agent(t, "b", 2)
	env.agent(t, "c", 3)

	env.team(t, CreateTeamInput{ID: "t2", Instances: []string{"inst1"}, Members: []string{"b"}})
	env.team(t, CreateTeamInput{ID: "t1", Instances: []string{"inst1"}, Members: []string{"a"}})
	env.team(t, CreateTeamInput{ID: "t3", Instances: []string{"inst2"}, Members: []string{"c"}})

	// t1 and t2 tie on available capacity; lowest id wins
	best, err := env.teams.BestTeamFor(ctx, "inst1")
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "t1", best.ID)

	_, err = env.agents.AdjustChatCount(ctx, "a", 1)
	require.NoError(t, err)
	best, err = env.teams.BestTeamFor(ctx, "inst1")
	require.NoError(t, err)
	assert.Equal(t, "t2", best.ID)

	_, err = env.teams.Disable(ctx, "t2")
	require.NoError(t, err)
	best, err = env.teams.BestTeamFor(ctx, "inst1")
	require.NoError(t, err)
	assert.Equal(t, "t1", best.ID)

	best, err = env.teams.BestTeamFor(ctx, "inst9")
	require.NoError(t, err)
	assert.Nil(t, best)
}

func TestTeamDirectory_BestTeamForSkipsFullTeams(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.agent(t, "a", 1)
	env.team(t, CreateTeamInput{ID: "t1", Instances: []string{"inst1"}, Members: []string{"a"}})
	_, err := env.agents.AdjustChatCount(ctx, "a", 1)
	require.NoError(t, err)

	best, err := env.teams.BestTeamFor(ctx, "inst1")
	require.NoError(t, err)
	assert.Nil(t, best)
}
