package db_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"convroute/internal/db"
	"convroute/internal/model"
	"convroute/internal/service"
	"convroute/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupPool(t *testing.T) *db.Pool {
	t.Helper()
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	log := zap.NewNop()

	require.NoError(t, db.Migrate(ctx, databaseURL, log))
	pool, err := db.NewPool(ctx, databaseURL, log)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, "TRUNCATE assignments, team_rotations, team_members, teams, agents CASCADE")
	require.NoError(t, err)
	return pool
}

func seedAgent(t *testing.T, pool *db.Pool, id string, maxChats int) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, pool.CreateAgent(context.Background(), model.Agent{
		ID:                 id,
		Name:               "Agent " + id,
		Role:               model.RoleAgent,
		Status:             model.AgentStatusActive,
		Availability:       model.AvailabilityAvailable,
		MaxConcurrentChats: maxChats,
		LastActivityAt:     now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}))
}

func TestPool_AgentRoundTrip(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	seedAgent(t, pool, "a", 2)

	a, err := pool.GetAgent(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, a.MaxConcurrentChats)
	assert.Empty(t, a.Instances)

	a, err = pool.AddChatCount(ctx, "a", -5, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, a.CurrentChatCount)

	_, err = pool.GetAgent(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = pool.CreateAgent(ctx, a)
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func TestPool_SingleActiveIndex(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	seedAgent(t, pool, "a", 2)

	now := time.Now().UTC()
	row := model.Assignment{
		ID:             "as1",
		ConversationID: "conv1",
		InstanceID:     "inst1",
		AgentID:        "a",
		Status:         model.AssignmentActive,
		Priority:       model.PriorityNormal,
		Type:           model.AssignmentTypeAuto,
		AssignedAt:     now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, pool.InsertAssignment(ctx, row))

	row.ID = "as2"
	err := pool.InsertAssignment(ctx, row)
	assert.ErrorIs(t, err, store.ErrDuplicateActive)

	got, err := pool.ActiveAssignment(ctx, "conv1")
	require.NoError(t, err)
	assert.Equal(t, "as1", got.ID)
}

func TestPool_WithTxRollsBack(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	seedAgent(t, pool, "a", 2)

	boom := errors.New("boom")
	err := pool.WithTx(ctx, func(repo store.Repository) error {
		if _, err := repo.AddChatCount(ctx, "a", 1, time.Now()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	a, err := pool.GetAgent(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, a.CurrentChatCount)
}

func TestPool_RoutingLifecycle(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	log := zap.NewNop()

	agents := service.NewAgentDirectory(pool, nil, log)
	teams := service.NewTeamDirectory(pool, log)
	ledger := service.NewLedger(pool, agents, nil, log)
	router := service.NewRouter(pool, agents, ledger, log)

	seedAgent(t, pool, "A", 2)
	seedAgent(t, pool, "B", 2)
	_, err := agents.AdjustChatCount(ctx, "B", 2)
	require.NoError(t, err)
	_, err = teams.Create(ctx, service.CreateTeamInput{
		ID:           "suporte",
		Name:         "Suporte",
		Members:      []string{"A", "B"},
		Instances:    []string{"inst1"},
		Distribution: model.DistributionPolicy{Method: model.DistributionLeastBusy, AutoAssign: true},
	})
	require.NoError(t, err)

	a, err := router.Route(ctx, "conv1", "inst1", service.RouteOptions{TeamID: "suporte"})
	require.NoError(t, err)
	assert.Equal(t, "A", a.AgentID)

	_, err = router.Route(ctx, "conv1", "inst1", service.RouteOptions{TeamID: "suporte"})
	assert.ErrorIs(t, err, service.ErrAlreadyAssigned)

	h, err := ledger.Escalate(ctx, a.ID, service.HandoffParams{ToAgentID: "B"})
	require.NoError(t, err)
	assert.Equal(t, model.PriorityHigh, h.Opened.Priority)
	assert.Equal(t, a.ID, *h.Opened.PreviousAssignmentID)

	orphans, err := ledger.FindOrphanedHandoffs(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	// B's two seeded chats have no rows behind them
	drift, err := ledger.ReconcileChatCounts(ctx, true)
	require.NoError(t, err)
	require.Len(t, drift, 1)
	assert.Equal(t, model.ChatCountDrift{AgentID: "B", Recorded: 3, Actual: 1}, drift[0])

	drift, err = ledger.ReconcileChatCounts(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, drift)
}

func TestPool_CrossedHandoffsDoNotDeadlock(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	log := zap.NewNop()

	agents := service.NewAgentDirectory(pool, nil, log)
	ledger := service.NewLedger(pool, agents, nil, log)
	router := service.NewRouter(pool, agents, ledger, log)
	seedAgent(t, pool, "A", 5)
	seedAgent(t, pool, "B", 5)

	x, err := router.Route(ctx, "conv-x", "inst1", service.RouteOptions{AgentID: "A"})
	require.NoError(t, err)
	y, err := router.Route(ctx, "conv-y", "inst1", service.RouteOptions{AgentID: "B"})
	require.NoError(t, err)

	for round := 0; round < 10; round++ {
		var (
			wg         sync.WaitGroup
			hx, hy     *service.Handoff
			errX, errY error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			hx, errX = ledger.Transfer(ctx, x.ID, service.HandoffParams{ToAgentID: otherAgent(x.AgentID)})
		}()
		go func() {
			defer wg.Done()
			hy, errY = ledger.Transfer(ctx, y.ID, service.HandoffParams{ToAgentID: otherAgent(y.AgentID)})
		}()
		wg.Wait()
		require.NoError(t, errX, "round %d", round)
		require.NoError(t, errY, "round %d", round)
		x, y = &hx.Opened, &hy.Opened
	}

	for _, id := range []string{"A", "B"} {
		a, err := pool.GetAgent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, a.CurrentChatCount, id)
	}
}

func otherAgent(id string) string {
	if id == "A" {
		return "B"
	}
	return "A"
}

func TestPool_RotationPersists(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	log := zap.NewNop()
	teams := service.NewTeamDirectory(pool, log)

	seedAgent(t, pool, "r1", 1)
	_, err := teams.Create(ctx, service.CreateTeamInput{ID: "rr", Name: "rr", Members: []string{"r1"}})
	require.NoError(t, err)

	last, err := pool.GetRotation(ctx, "rr")
	require.NoError(t, err)
	assert.Empty(t, last)

	require.NoError(t, pool.SetRotation(ctx, "rr", "r1"))
	last, err = pool.GetRotation(ctx, "rr")
	require.NoError(t, err)
	assert.Equal(t, "r1", last)
}
