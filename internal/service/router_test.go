package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"convroute/internal/model"
	"convroute/internal/store"
	"convroute/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRouter_SuporteLeastBusy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.agent(t, "A", 2)
	env.agent(t, "B", 2)
	_, err := env.agents.AdjustChatCount(ctx, "B", 2)
	require.NoError(t, err)
	env.team(t, CreateTeamInput{
		ID:           "Suporte",
		Members:      []string{"A", "B"},
		Instances:    []string{"inst1"},
		Distribution: model.DistributionPolicy{Method: model.DistributionLeastBusy, AutoAssign: true},
	})

	a, err := env.router.Route(ctx, "conv1", "inst1", RouteOptions{TeamID: "Suporte"})
	require.NoError(t, err)
	assert.Equal(t, "A", a.AgentID)
	assert.Equal(t, model.AssignmentActive, a.Status)
	assert.Equal(t, model.AssignmentTypeAuto, a.Type)
	assert.Equal(t, env.clock.Now(), a.AssignedAt)
	assert.Equal(t, "Suporte", *a.TeamID)
	assert.Equal(t, 1, env.chatCount(t, "A"))
	assert.Equal(t, 2, env.chatCount(t, "B"))
	assert.Contains(t, env.bus.Types(), "assignment.created")
}

func TestRouter_AlreadyAssigned(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.agent(t, "A", 5)

	_, err := env.router.Route(ctx, "conv1", "inst1", RouteOptions{})
	require.NoError(t, err)

	_, err = env.router.Route(ctx, "conv1", "inst1", RouteOptions{})
	assert.ErrorIs(t, err, ErrAlreadyAssigned)

	rows, err := env.ledger.History(ctx, "conv1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 1, env.chatCount(t, "A"))
}

func TestRouter_RoundRobinFairness(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	members := []string{"r3", "r1", "r2"}
	for _, id := range members {
		env.agent(t, id, 5)
	}
	env.team(t, CreateTeamInput{
		ID:           "rr",
		Members:      members,
		Instances:    []string{"inst1"},
		Distribution: model.DistributionPolicy{Method: model.DistributionRoundRobin, AutoAssign: true},
	})

	var got []string
	for i := 0; i < 3; i++ {
		a, err := env.router.Route(ctx, fmt.Sprintf("conv%d", i), "inst1", RouteOptions{TeamID: "rr"})
		require.NoError(t, err)
		got = append(got, a.AgentID)
	}
	assert.Equal(t, []string{"r1", "r2", "r3"}, got)

	// the pointer is persisted, so a fresh router continues the rotation and wraps
	fresh := NewRouter(env.store, env.agents, env.ledger, zap.NewNop())
	a, err := fresh.Route(ctx, "conv-next", "inst1", RouteOptions{TeamID: "rr"})
	require.NoError(t, err)
	assert.Equal(t, "r1", a.AgentID)
}

func TestRouter_RoundRobinSkipsIneligible(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		env.agent(t, id, 1)
	}
	env.team(t, CreateTeamInput{
		ID:           "rr",
		Members:      []string{"r1", "r2", "r3"},
		Distribution: model.DistributionPolicy{Method: model.DistributionRoundRobin, AutoAssign: true},
	})
	_, err := env.agents.SetAvailability(ctx, "r2", model.AvailabilityAway)
	require.NoError(t, err)

	a, err := env.router.Route(ctx, "c1", "inst1", RouteOptions{TeamID: "rr"})
	require.NoError(t, err)
	assert.Equal(t, "r1", a.AgentID)
	a, err = env.router.Route(ctx, "c2", "inst1", RouteOptions{TeamID: "rr"})
	require.NoError(t, err)
	assert.Equal(t, "r3", a.AgentID)

	_, err = env.router.Route(ctx, "c3", "inst1", RouteOptions{TeamID: "rr"})
	assert.ErrorIs(t, err, ErrNoAgentAvailable)

	rot, err := env.store.GetRotation(ctx, "rr")
	require.NoError(t, err)
	assert.Equal(t, "r3", rot, "a failed route does not move the pointer")
}

func TestRouter_RandomIsReproducible(t *testing.T) {
	pick := func() []string {
		env := newTestEnv(t)
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c", "d"} {
			env.agent(t, id, 10)
		}
		env.team(t, CreateTeamInput{
			ID:           "rnd",
			Members:      []string{"a", "b", "c", "d"},
			Distribution: model.DistributionPolicy{Method: model.DistributionRandom, AutoAssign: true},
		})
		env.router.SetRand(NewRandSource(7))
		var out []string
		for i := 0; i < 8; i++ {
			a, err := env.router.Route(ctx, fmt.Sprintf("c%d", i), "inst1", RouteOptions{TeamID: "rnd"})
			require.NoError(t, err)
			out = append(out, a.AgentID)
		}
		return out
	}
	first := pick()
	assert.Equal(t, first, pick())
	for _, id := range first {
		assert.Contains(t, []string{"a", "b", "c", "d"}, id)
	}
}

type fixedRand int

func (f fixedRand) Intn(n int) int { return int(f) % n }

func TestRouter_RandomUsesInjectedSource(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"a", "b", "c"} {
		env.agent(t, id, 10)
	}
	env.team(t, CreateTeamInput{
		ID:           "rnd",
		Members:      []string{"c", "b", "a"},
		Distribution: model.DistributionPolicy{Method: model.DistributionRandom, AutoAssign: true},
	})
	env.router.SetRand(fixedRand(1))

	a, err := env.router.Route(context.Background(), "c1", "inst1", RouteOptions{TeamID: "rnd"})
	require.NoError(t, err)
	assert.Equal(t, "b", a.AgentID)
}

func TestRouter_ManualTeamRequiresAgent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.agent(t, "a", 1)
	env.team(t, CreateTeamInput{
		ID:           "man",
		Members:      []string{"a"},
		Distribution: model.DistributionPolicy{Method: model.DistributionManual},
	})

	_, err := env.router.Route(ctx, "c1", "inst1", RouteOptions{TeamID: "man"})
	assert.ErrorIs(t, err, ErrManualAgentRequired)

	a, err := env.router.Route(ctx, "c1", "inst1", RouteOptions{TeamID: "man", AgentID: "a"})
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentTypeManual, a.Type)
	assert.Equal(t, "man", *a.TeamID)
}

func TestRouter_ManualCapacity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.agent(t, "a", 1)
	env.agent(t, "limited", 1, withInstances("inst2"))

	_, err := env.router.Route(ctx, "c1", "inst1", RouteOptions{AgentID: "a"})
	require.NoError(t, err)

	_, err = env.router.Route(ctx, "c2", "inst1", RouteOptions{AgentID: "a"})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 1, env.chatCount(t, "a"))

	a, err := env.router.Route(ctx, "c2", "inst1", RouteOptions{AgentID: "a", Override: true})
	require.NoError(t, err)
	assert.Equal(t, "a", a.AgentID)
	assert.Equal(t, 2, env.chatCount(t, "a"), "override may exceed the advisory limit")

	_, err = env.router.Route(ctx, "c3", "inst1", RouteOptions{AgentID: "ghost"})
	assert.ErrorIs(t, err, ErrAgentNotFound)

	_, err = env.router.Route(ctx, "c3", "inst1", RouteOptions{AgentID: "limited"})
	assert.ErrorIs(t, err, ErrInstanceNotPermitted)
}

func TestRouter_ImplicitTeamSelection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.agent(t, "a", 1)
	env.agent(t, "b", 3)
	env.agent(t, "loner", 5, withInstances("inst1"))
	env.team(t, CreateTeamInput{
		ID:           "small",
		Members:      []string{"a"},
		Instances:    []string{"inst1"},
		Distribution: model.DistributionPolicy{Method: model.DistributionLeastBusy, AutoAssign: true},
	})
	env.team(t, CreateTeamInput{
		ID:           "big",
		Members:      []string{"b"},
		Instances:    []string{"inst1"},
		Distribution: model.DistributionPolicy{Method: model.DistributionLeastBusy, AutoAssign: true},
	})
	env.team(t, CreateTeamInput{
		ID:           "optout",
		Members:      []string{"loner"},
		Instances:    []string{"inst1"},
		Distribution: model.DistributionPolicy{Method: model.DistributionLeastBusy, AutoAssign: false},
	})

	a, err := env.router.Route(ctx, "c1", "inst1", RouteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "b", a.AgentID)
	assert.Equal(t, "big", *a.TeamID)
}

func TestRouter_GlobalFallback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.agent(t, "x", 2, withInstances("inst1"))
	env.agent(t, "y", 2, withInstances("inst2"))

	a, err := env.router.Route(ctx, "c1", "inst1", RouteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "x", a.AgentID)
	assert.Nil(t, a.TeamID)

	_, err = env.router.Route(ctx, "c2", "inst3", RouteOptions{})
	assert.ErrorIs(t, err, ErrNoAgentAvailable)
}

func TestRouter_TeamErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.agent(t, "a", 1)
	env.team(t, CreateTeamInput{ID: "t1", Members: []string{"a"}})
	_, err := env.teams.Disable(ctx, "t1")
	require.NoError(t, err)

	_, err = env.router.Route(ctx, "c1", "inst1", RouteOptions{TeamID: "missing"})
	assert.ErrorIs(t, err, ErrTeamNotFound)

	_, err = env.router.Route(ctx, "c1", "inst1", RouteOptions{TeamID: "t1"})
	assert.ErrorIs(t, err, ErrNoAgentAvailable)

	_, err = env.router.Route(ctx, "", "inst1", RouteOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.router.Route(ctx, "c1", "inst1", RouteOptions{Priority: "critical"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRouter_TeamChatCap(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.agent(t, "a", 5)
	env.team(t, CreateTeamInput{
		ID:           "capped",
		Members:      []string{"a"},
		Distribution: model.DistributionPolicy{Method: model.DistributionLeastBusy, AutoAssign: true, MaxChatsPerAgent: 1},
	})

	_, err := env.router.Route(ctx, "c1", "inst1", RouteOptions{TeamID: "capped"})
	require.NoError(t, err)
	_, err = env.router.Route(ctx, "c2", "inst1", RouteOptions{TeamID: "capped"})
	assert.ErrorIs(t, err, ErrNoAgentAvailable)
}

func TestRouter_PriorityHandling(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.agent(t, "r1", 5)
	env.agent(t, "r2", 5)
	env.team(t, CreateTeamInput{
		ID:      "rr",
		Members: []string{"r1", "r2"},
		Distribution: model.DistributionPolicy{
			Method:           model.DistributionRoundRobin,
			AutoAssign:       true,
			PriorityHandling: true,
		},
	})

	a, err := env.router.Route(ctx, "c1", "inst1", RouteOptions{TeamID: "rr"})
	require.NoError(t, err)
	assert.Equal(t, "r1", a.AgentID)

	// urgent work goes to the least busy member and leaves the rotation alone
	a, err = env.router.Route(ctx, "c2", "inst1", RouteOptions{TeamID: "rr", Priority: model.PriorityUrgent})
	require.NoError(t, err)
	assert.Equal(t, "r2", a.AgentID)

	rot, err := env.store.GetRotation(ctx, "rr")
	require.NoError(t, err)
	assert.Equal(t, "r1", rot)
}

func TestRouter_IncrementFailureRollsBack(t *testing.T) {
	fs := &faultyStore{Store: memory.New()}
	env := newTestEnvWithStore(t, fs)
	ctx := context.Background()
	env.agent(t, "a", 2)
	env.team(t, CreateTeamInput{
		ID:           "rr",
		Members:      []string{"a"},
		Distribution: model.DistributionPolicy{Method: model.DistributionRoundRobin, AutoAssign: true},
	})

	fs.failChatCountFor = "a"
	_, err := env.router.Route(ctx, "c1", "inst1", RouteOptions{TeamID: "rr"})
	require.ErrorIs(t, err, errInjected)

	_, err = env.ledger.Active(ctx, "c1")
	assert.ErrorIs(t, err, ErrAssignmentNotFound)
	rot, err := fs.GetRotation(ctx, "rr")
	require.NoError(t, err)
	assert.Empty(t, rot)
	assert.Equal(t, 0, env.chatCount(t, "a"))
}

func TestRouter_ConcurrentRoutesKeepSingleActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		env.agent(t, id, 2)
	}

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		already   int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.router.Route(ctx, "conv1", "inst1", RouteOptions{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case assert.ErrorIs(t, err, ErrAlreadyAssigned):
				already++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, callers-1, already)
	rows, err := env.ledger.List(ctx, store.AssignmentQuery{
		ConversationID: "conv1",
		Statuses:       []model.AssignmentStatus{model.AssignmentActive},
	})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	env.requireConserved(t)
}

func TestRouter_ConcurrentRoutesRespectCapacity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.agent(t, "a", 2)
	env.agent(t, "b", 1)

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.router.Route(ctx, fmt.Sprintf("conv%d", i), "inst1", RouteOptions{})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrNoAgentAvailable)
	}
	assert.Equal(t, 3, ok)
	assert.Equal(t, 2, env.chatCount(t, "a"))
	assert.Equal(t, 1, env.chatCount(t, "b"))
	env.requireConserved(t)
}
