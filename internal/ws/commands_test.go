package ws

import (
	"context"
	"encoding/json"
	"testing"

	"convroute/internal/auth"
	"convroute/internal/model"
	"convroute/internal/service"
	"convroute/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	hub     *Hub
	handler *CommandHandler
	agents  *service.AgentDirectory
	teams   *service.TeamDirectory
	ledger  *service.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	log := zap.NewNop()
	agents := service.NewAgentDirectory(st, nil, log)
	teams := service.NewTeamDirectory(st, log)
	ledger := service.NewLedger(st, agents, nil, log)
	handler := NewCommandHandler(ledger, agents, teams, log)
	hub := NewHub(log)
	hub.SetCommandHandler(handler)

	ctx := context.Background()
	for _, id := range []string{"ana", "bia", "sup"} {
		role := model.RoleAgent
		if id == "sup" {
			role = model.RoleSupervisor
		}
		_, err := agents.Create(ctx, service.CreateAgentInput{ID: id, Name: id, Role: role, MaxConcurrentChats: 3})
		require.NoError(t, err)
	}
	_, err := teams.Create(ctx, service.CreateTeamInput{ID: "suporte", Name: "Suporte", Members: []string{"ana"}})
	require.NoError(t, err)
	_, err = ledger.Create(ctx, service.OpenParams{ConversationID: "c1", InstanceID: "i1", AgentID: "ana"})
	require.NoError(t, err)

	return &fixture{hub: hub, handler: handler, agents: agents, teams: teams, ledger: ledger}
}

// connect registers a socket-less connection whose outbound queue the test reads
func (f *fixture) connect(agentID string, role model.AgentRole) *Conn {
	c := NewConn(nil, f.hub, auth.Principal{AgentID: agentID, Role: role})
	f.hub.Register(c)
	return c
}

func next(t *testing.T, c *Conn) map[string]interface{} {
	t.Helper()
	select {
	case b := <-c.send:
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(b, &msg))
		return msg
	default:
		t.Fatal("no message queued")
		return nil
	}
}

func (f *fixture) activeID(t *testing.T) string {
	a, err := f.ledger.Active(context.Background(), "c1")
	require.NoError(t, err)
	return a.ID
}

func TestCanSubscribe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ana := auth.Principal{AgentID: "ana", Role: model.RoleAgent}
	bia := auth.Principal{AgentID: "bia", Role: model.RoleAgent}
	sup := auth.Principal{AgentID: "sup", Role: model.RoleSupervisor}

	assert.True(t, f.handler.CanSubscribe(ctx, ana, "agent:ana"))
	assert.False(t, f.handler.CanSubscribe(ctx, ana, "agent:bia"))
	assert.True(t, f.handler.CanSubscribe(ctx, ana, "team:suporte"))
	assert.False(t, f.handler.CanSubscribe(ctx, bia, "team:suporte"))
	assert.True(t, f.handler.CanSubscribe(ctx, ana, "conversation:c1"))
	assert.False(t, f.handler.CanSubscribe(ctx, bia, "conversation:c1"))
	assert.False(t, f.handler.CanSubscribe(ctx, ana, "something:else"))
	assert.False(t, f.handler.CanSubscribe(ctx, auth.Principal{}, "agent:"))
	assert.True(t, f.handler.CanSubscribe(ctx, sup, "agent:ana"))
	assert.True(t, f.handler.CanSubscribe(ctx, sup, "team:suporte"))
}

func TestSubscribeAndDeliver(t *testing.T) {
	f := newFixture(t)
	ana := f.connect("ana", model.RoleAgent)
	bia := f.connect("bia", model.RoleAgent)

	ana.handleMessage(map[string]interface{}{"type": "subscribe", "channel": "agent:ana"})
	assert.Equal(t, "subscribed", next(t, ana)["ack"])

	bia.handleMessage(map[string]interface{}{"type": "subscribe", "channel": "agent:ana"})
	assert.Equal(t, "forbidden", next(t, bia)["code"])

	f.hub.deliver(Event{Channel: "agent:ana", Message: map[string]interface{}{"type": "assignment.created", "seq": 7}})
	msg := next(t, ana)
	assert.Equal(t, "event", msg["type"])
	assert.EqualValues(t, 7, msg["seq"])
	assert.Equal(t, "assignment.created", msg["data"].(map[string]interface{})["type"])
	assert.Empty(t, bia.send)

	ana.handleMessage(map[string]interface{}{"type": "unsubscribe", "channel": "agent:ana"})
	assert.Equal(t, "unsubscribed", next(t, ana)["ack"])
	f.hub.deliver(Event{Channel: "agent:ana", Message: map[string]interface{}{"type": "x"}})
	assert.Empty(t, ana.send)
}

func TestSlowConnectionIsDropped(t *testing.T) {
	f := newFixture(t)
	c := f.connect("ana", model.RoleAgent)
	require.True(t, f.hub.Subscribe(c, "agent:ana"))
	for i := 0; i < cap(c.send); i++ {
		c.send <- []byte("{}")
	}

	f.hub.deliver(Event{Channel: "agent:ana", Message: map[string]interface{}{"type": "x"}})

	f.hub.mu.RLock()
	_, registered := f.hub.conns[c]
	f.hub.mu.RUnlock()
	assert.False(t, registered)
	assert.False(t, c.sendJSON(map[string]interface{}{"type": "late"}))
}

func TestRecordResponseCommand(t *testing.T) {
	f := newFixture(t)
	c := f.connect("ana", model.RoleAgent)
	id := f.activeID(t)

	c.handleMessage(map[string]interface{}{
		"type": "cmd", "op": "recordResponse", "id": "m1",
		"data": map[string]interface{}{"assignmentId": id, "responseTimeMinutes": 4.0},
	})
	msg := next(t, c)
	require.Equal(t, "response", msg["type"], msg)
	assert.Equal(t, "m1", msg["id"])
	data := msg["data"].(map[string]interface{})
	assert.EqualValues(t, 1, data["responseCount"])
	assert.EqualValues(t, 4, data["responseTimeMinutes"])
}

func TestCommandsRequireOwnership(t *testing.T) {
	f := newFixture(t)
	bia := f.connect("bia", model.RoleAgent)
	id := f.activeID(t)

	bia.handleMessage(map[string]interface{}{
		"type": "cmd", "op": "complete", "data": map[string]interface{}{"assignmentId": id},
	})
	assert.Equal(t, "forbidden", next(t, bia)["code"])

	viewer := f.connect("v", model.RoleViewer)
	viewer.handleMessage(map[string]interface{}{"type": "cmd", "op": "getAssignment", "data": map[string]interface{}{"assignmentId": id}})
	assert.Equal(t, "forbidden", next(t, viewer)["code"])

	bia.handleMessage(map[string]interface{}{"type": "cmd", "op": "complete", "data": map[string]interface{}{"assignmentId": "missing"}})
	assert.Equal(t, "not_found", next(t, bia)["code"])

	bia.handleMessage(map[string]interface{}{"type": "cmd", "op": "explode"})
	assert.Equal(t, "unknown_command", next(t, bia)["code"])
}

func TestSupervisorCompletesWithRating(t *testing.T) {
	f := newFixture(t)
	sup := f.connect("sup", model.RoleSupervisor)
	id := f.activeID(t)

	sup.handleMessage(map[string]interface{}{
		"type": "cmd", "op": "complete",
		"data": map[string]interface{}{"assignmentId": id, "supervisorRating": 5.0, "customerRating": 4.0},
	})
	msg := next(t, sup)
	require.Equal(t, "response", msg["type"], msg)
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, string(model.AssignmentCompleted), data["status"])
	assert.EqualValues(t, 5, data["supervisorRating"])

	agent, err := f.agents.Get(context.Background(), "ana")
	require.NoError(t, err)
	assert.Equal(t, 0, agent.CurrentChatCount)

	// completing twice is an invalid transition
	sup.handleMessage(map[string]interface{}{"type": "cmd", "op": "complete", "data": map[string]interface{}{"assignmentId": id}})
	assert.Equal(t, "invalid_transition", next(t, sup)["code"])
}

func TestCompleteRejectsFractionalRating(t *testing.T) {
	f := newFixture(t)
	ana := f.connect("ana", model.RoleAgent)
	id := f.activeID(t)

	for _, rating := range []interface{}{4.7, "five"} {
		ana.handleMessage(map[string]interface{}{
			"type": "cmd", "op": "complete",
			"data": map[string]interface{}{"assignmentId": id, "customerRating": rating},
		})
		msg := next(t, ana)
		assert.Equal(t, "error", msg["type"], msg)
		assert.Equal(t, "invalid_input", msg["code"], msg)
	}

	a, err := f.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentActive, a.Status)
	assert.Nil(t, a.CustomerRating)
}

func TestSetAvailabilityCommand(t *testing.T) {
	f := newFixture(t)
	ana := f.connect("ana", model.RoleAgent)

	ana.handleMessage(map[string]interface{}{"type": "cmd", "op": "setAvailability", "data": map[string]interface{}{"availability": "available"}})
	msg := next(t, ana)
	require.Equal(t, "response", msg["type"], msg)
	assert.Equal(t, "available", msg["data"].(map[string]interface{})["availability"])

	ana.handleMessage(map[string]interface{}{"type": "cmd", "op": "setAvailability", "data": map[string]interface{}{"availability": "away", "agentId": "bia"}})
	assert.Equal(t, "forbidden", next(t, ana)["code"])

	ana.handleMessage(map[string]interface{}{"type": "cmd", "op": "setAvailability", "data": map[string]interface{}{"availability": "sleeping"}})
	assert.Equal(t, "invalid_input", next(t, ana)["code"])

	sup := f.connect("sup", model.RoleSupervisor)
	sup.handleMessage(map[string]interface{}{"type": "cmd", "op": "setAvailability", "data": map[string]interface{}{"availability": "away", "agentId": "bia"}})
	require.Equal(t, "response", next(t, sup)["type"])
	bia, err := f.agents.Get(context.Background(), "bia")
	require.NoError(t, err)
	assert.Equal(t, model.AvailabilityAway, bia.Availability)
}
