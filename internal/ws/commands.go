package ws

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"convroute/internal/auth"
	"convroute/internal/model"
	"convroute/internal/pubsub"
	"convroute/internal/service"

	"go.uber.org/zap"
)

// CommandHandler handles WebSocket commands and channel authorization
type CommandHandler struct {
	ledger *service.Ledger
	agents *service.AgentDirectory
	teams  *service.TeamDirectory
	log    *zap.Logger
}

func NewCommandHandler(ledger *service.Ledger, agents *service.AgentDirectory, teams *service.TeamDirectory, log *zap.Logger) *CommandHandler {
	return &CommandHandler{
		ledger: ledger,
		agents: agents,
		teams:  teams,
		log:    log,
	}
}

// CanSubscribe lets supervisors follow any channel. Everybody else may follow
// their own agent channel, the teams they belong to, and conversations they
// currently own.
func (h *CommandHandler) CanSubscribe(ctx context.Context, p auth.Principal, channel string) bool {
	if p.AgentID == "" {
		return false
	}
	if p.Supervises() {
		return true
	}
	switch {
	case strings.HasPrefix(channel, pubsub.AgentChannel):
		return strings.TrimPrefix(channel, pubsub.AgentChannel) == p.AgentID
	case strings.HasPrefix(channel, pubsub.TeamChannel):
		team, err := h.teams.Get(ctx, strings.TrimPrefix(channel, pubsub.TeamChannel))
		return err == nil && team.HasMember(p.AgentID)
	case strings.HasPrefix(channel, pubsub.ConversationChannel):
		a, err := h.ledger.Active(ctx, strings.TrimPrefix(channel, pubsub.ConversationChannel))
		return err == nil && a.AgentID == p.AgentID
	}
	return false
}

// HandleCommand processes a WebSocket command
func (h *CommandHandler) HandleCommand(ctx context.Context, conn *Conn, cmd map[string]interface{}) {
	op, _ := cmd["op"].(string)
	data, _ := cmd["data"].(map[string]interface{})
	msgID, _ := cmd["id"].(string)

	if conn.principal.Role == model.RoleViewer {
		h.sendError(conn, msgID, "forbidden", "viewers cannot issue commands")
		return
	}

	switch op {
	case "recordResponse":
		h.handleRecordResponse(ctx, conn, msgID, data)
	case "complete":
		h.handleComplete(ctx, conn, msgID, data)
	case "setAvailability":
		h.handleSetAvailability(ctx, conn, msgID, data)
	case "getAssignment":
		h.handleGetAssignment(ctx, conn, msgID, data)
	default:
		h.sendError(conn, msgID, "unknown_command", "Unknown command: "+op)
	}
}

// owned loads an assignment the caller may act on
func (h *CommandHandler) owned(ctx context.Context, conn *Conn, msgID string, data map[string]interface{}) (*model.Assignment, bool) {
	id, _ := data["assignmentId"].(string)
	if id == "" {
		h.sendError(conn, msgID, "invalid_input", "assignmentId required")
		return nil, false
	}
	a, err := h.ledger.Get(ctx, id)
	if err != nil {
		h.sendFailure(conn, msgID, err)
		return nil, false
	}
	if a.AgentID != conn.principal.AgentID && !conn.principal.Supervises() {
		h.sendError(conn, msgID, "forbidden", "assignment belongs to another agent")
		return nil, false
	}
	return a, true
}

func (h *CommandHandler) handleRecordResponse(ctx context.Context, conn *Conn, msgID string, data map[string]interface{}) {
	a, ok := h.owned(ctx, conn, msgID, data)
	if !ok {
		return
	}
	var sample *float64
	if v, ok := data["responseTimeMinutes"].(float64); ok {
		sample = &v
	}

	updated, err := h.ledger.RecordResponse(ctx, a.ID, sample)
	if err != nil {
		h.sendFailure(conn, msgID, err)
		return
	}
	h.sendResponse(conn, msgID, map[string]interface{}{
		"type": "response",
		"data": updated,
	})
}

func (h *CommandHandler) handleComplete(ctx context.Context, conn *Conn, msgID string, data map[string]interface{}) {
	a, ok := h.owned(ctx, conn, msgID, data)
	if !ok {
		return
	}
	customer, err := intField(data, "customerRating")
	if err != nil {
		h.sendError(conn, msgID, "invalid_input", err.Error())
		return
	}
	p := service.CompleteParams{
		CustomerRating:   customer,
		CustomerFeedback: stringField(data, "customerFeedback"),
	}
	if conn.principal.Supervises() {
		supervisor, err := intField(data, "supervisorRating")
		if err != nil {
			h.sendError(conn, msgID, "invalid_input", err.Error())
			return
		}
		p.SupervisorRating = supervisor
		p.SupervisorFeedback = stringField(data, "supervisorFeedback")
	}

	updated, err := h.ledger.Complete(ctx, a.ID, p)
	if err != nil {
		h.sendFailure(conn, msgID, err)
		return
	}
	h.sendResponse(conn, msgID, map[string]interface{}{
		"type": "response",
		"data": updated,
	})
}

func (h *CommandHandler) handleSetAvailability(ctx context.Context, conn *Conn, msgID string, data map[string]interface{}) {
	availability, _ := data["availability"].(string)
	if availability == "" {
		h.sendError(conn, msgID, "invalid_input", "availability required")
		return
	}
	agentID := conn.principal.AgentID
	if other, _ := data["agentId"].(string); other != "" && other != agentID {
		if !conn.principal.Supervises() {
			h.sendError(conn, msgID, "forbidden", "cannot change another agent's availability")
			return
		}
		agentID = other
	}

	agent, err := h.agents.SetAvailability(ctx, agentID, model.Availability(availability))
	if err != nil {
		h.sendFailure(conn, msgID, err)
		return
	}
	h.sendResponse(conn, msgID, map[string]interface{}{
		"type": "response",
		"data": agent,
	})
}

func (h *CommandHandler) handleGetAssignment(ctx context.Context, conn *Conn, msgID string, data map[string]interface{}) {
	a, ok := h.owned(ctx, conn, msgID, data)
	if !ok {
		return
	}
	h.sendResponse(conn, msgID, map[string]interface{}{
		"type": "response",
		"data": a,
	})
}

// intField reads an optional whole number; absent or null gives nil
func intField(data map[string]interface{}, key string) (*int, error) {
	raw, present := data[key]
	if !present || raw == nil {
		return nil, nil
	}
	v, ok := raw.(float64)
	if !ok || v != math.Trunc(v) {
		return nil, fmt.Errorf("%s must be a whole number", key)
	}
	n := int(v)
	return &n, nil
}

func stringField(data map[string]interface{}, key string) *string {
	v, ok := data[key].(string)
	if !ok {
		return nil
	}
	return &v
}

func (h *CommandHandler) sendResponse(conn *Conn, msgID string, response map[string]interface{}) {
	if msgID != "" {
		response["id"] = msgID
	}
	if !conn.sendJSON(response) {
		h.log.Warn("Failed to send response, channel full")
	}
}

func (h *CommandHandler) sendFailure(conn *Conn, msgID string, err error) {
	h.sendError(conn, msgID, errorCode(err), err.Error())
}

func (h *CommandHandler) sendError(conn *Conn, msgID, code, message string) {
	msg := map[string]interface{}{
		"type":    "error",
		"code":    code,
		"message": message,
	}
	if msgID != "" {
		msg["id"] = msgID
	}
	if !conn.sendJSON(msg) {
		h.log.Warn("Failed to send error, channel full")
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, service.ErrAssignmentNotFound), errors.Is(err, service.ErrAgentNotFound):
		return "not_found"
	case errors.Is(err, service.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, service.ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal_error"
	}
}
