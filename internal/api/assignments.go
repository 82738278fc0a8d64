package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"convroute/internal/auth"
	"convroute/internal/model"
	"convroute/internal/service"
	"convroute/internal/store"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type RouteRequest struct {
	ConversationID string `json:"conversationId"`
	InstanceID     string `json:"instanceId"`
	service.RouteOptions
}

// routeConversation answers 201 with the new assignment, or 202 when nobody
// has room and the caller should queue the conversation
func (d Dependencies) routeConversation(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if !d.decode(w, r, "route", &req) {
		return
	}
	if id := auth.GetAgentID(r.Context()); id != "" {
		req.AssignedBy = &id
	}

	a, err := d.Router.Route(r.Context(), req.ConversationID, req.InstanceID, req.RouteOptions)
	if errors.Is(err, service.ErrNoAgentAvailable) {
		d.Log.Info("No agent available, conversation queued", zap.String("conversation_id", req.ConversationID))
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"queued":         true,
			"conversationId": req.ConversationID,
			"reason":         err.Error(),
		})
		return
	}
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (d Dependencies) getAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := d.Ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (d Dependencies) listAssignments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := store.AssignmentQuery{
		ConversationID: q.Get("conversationId"),
		AgentID:        q.Get("agentId"),
		InstanceID:     q.Get("instanceId"),
		TeamID:         q.Get("teamId"),
	}
	if s := q.Get("status"); s != "" {
		for _, st := range strings.Split(s, ",") {
			query.Statuses = append(query.Statuses, model.AssignmentStatus(strings.TrimSpace(st)))
		}
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, "invalid_input", "limit must be a non-negative integer", d.Log)
			return
		}
		query.Limit = n
	}
	list, err := d.Ledger.List(r.Context(), query)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"assignments": list})
}

func (d Dependencies) conversationHistory(w http.ResponseWriter, r *http.Request) {
	list, err := d.Ledger.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"assignments": list})
}

func (d Dependencies) activeAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := d.Ledger.Active(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// owned loads an assignment the caller owns or supervises
func (d Dependencies) owned(w http.ResponseWriter, r *http.Request) (*model.Assignment, auth.Principal, bool) {
	p, _ := auth.FromContext(r.Context())
	a, err := d.Ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, d.Log)
		return nil, p, false
	}
	if a.AgentID != p.AgentID && !p.Supervises() {
		WriteError(w, http.StatusForbidden, "forbidden", "assignment belongs to another agent", d.Log)
		return nil, p, false
	}
	return a, p, true
}

func (d Dependencies) transitionAssignment(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	switch action {
	case service.ActionComplete, service.ActionTransfer, service.ActionEscalate, service.ActionAbandon:
	default:
		WriteError(w, http.StatusNotFound, "not_found", "unknown action "+action, d.Log)
		return
	}
	a, p, ok := d.owned(w, r)
	if !ok {
		return
	}
	var params service.TransitionParams
	if !d.decode(w, r, "transition", &params) {
		return
	}
	if !p.Supervises() && (params.SupervisorRating != nil || params.SupervisorFeedback != nil) {
		WriteError(w, http.StatusForbidden, "forbidden", "supervisor feedback requires a supervisor", d.Log)
		return
	}
	if p.AgentID != "" {
		params.By = &p.AgentID
	}

	current, err := d.Ledger.Transition(r.Context(), a.ID, action, params)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func (d Dependencies) recordResponse(w http.ResponseWriter, r *http.Request) {
	a, _, ok := d.owned(w, r)
	if !ok {
		return
	}
	var body struct {
		ResponseTimeMinutes *float64 `json:"responseTimeMinutes"`
	}
	if !d.decode(w, r, "response", &body) {
		return
	}
	updated, err := d.Ledger.RecordResponse(r.Context(), a.ID, body.ResponseTimeMinutes)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (d Dependencies) rateAssignment(w http.ResponseWriter, r *http.Request) {
	a, p, ok := d.owned(w, r)
	if !ok {
		return
	}
	var params service.CompleteParams
	if !d.decode(w, r, "rating", &params) {
		return
	}
	if !p.Supervises() && (params.SupervisorRating != nil || params.SupervisorFeedback != nil) {
		WriteError(w, http.StatusForbidden, "forbidden", "supervisor feedback requires a supervisor", d.Log)
		return
	}
	updated, err := d.Ledger.Rate(r.Context(), a.ID, params)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (d Dependencies) timeoutMinutes(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("timeoutMinutes")
	if v == "" {
		return d.SweepTimeoutMinutes, true
	}
	n, err := strconv.Atoi(v)
	return n, err == nil && n > 0
}

func (d Dependencies) overdueAssignments(w http.ResponseWriter, r *http.Request) {
	timeout, ok := d.timeoutMinutes(r)
	if !ok {
		WriteError(w, http.StatusBadRequest, "invalid_input", "timeoutMinutes must be a positive integer", d.Log)
		return
	}
	rows, err := d.Sweeper.FindOverdue(r.Context(), timeout)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"assignments": rows, "timeoutMinutes": timeout})
}

func (d Dependencies) sweep(w http.ResponseWriter, r *http.Request) {
	timeout, ok := d.timeoutMinutes(r)
	if !ok {
		WriteError(w, http.StatusBadRequest, "invalid_input", "timeoutMinutes must be a positive integer", d.Log)
		return
	}
	escalate, _ := strconv.ParseBool(r.URL.Query().Get("escalate"))
	result, err := d.Sweeper.Sweep(r.Context(), timeout, escalate)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// statistics lets agents see their own numbers; supervisors may filter freely
func (d Dependencies) statistics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := service.StatsFilter{
		AgentID:    q.Get("agentId"),
		InstanceID: q.Get("instanceId"),
		TeamID:     q.Get("teamId"),
	}
	p, _ := auth.FromContext(r.Context())
	if !p.Supervises() {
		if f.AgentID != "" && f.AgentID != p.AgentID {
			WriteError(w, http.StatusForbidden, "forbidden", "statistics of other agents require a supervisor", d.Log)
			return
		}
		f.AgentID = p.AgentID
	}
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_input", "since must be RFC3339", d.Log)
		return
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_input", "until must be RFC3339", d.Log)
		return
	}

	stats, err := d.Ledger.GetStatistics(r.Context(), f)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (d Dependencies) orphanedHandoffs(w http.ResponseWriter, r *http.Request) {
	rows, err := d.Ledger.FindOrphanedHandoffs(r.Context())
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"assignments": rows})
}

func (d Dependencies) reconcile(w http.ResponseWriter, r *http.Request) {
	repair, _ := strconv.ParseBool(r.URL.Query().Get("repair"))
	drift, err := d.Ledger.ReconcileChatCounts(r.Context(), repair)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	orphans, err := d.Ledger.FindOrphanedHandoffs(r.Context())
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"drift":    drift,
		"repaired": repair,
		"orphans":  orphans,
	})
}

func (d Dependencies) purge(w http.ResponseWriter, r *http.Request) {
	before, err := parseTime(r.URL.Query().Get("before"))
	if err != nil || before == nil {
		WriteError(w, http.StatusBadRequest, "invalid_input", "before must be an RFC3339 timestamp", d.Log)
		return
	}
	n, err := d.Ledger.Purge(r.Context(), *before)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"purged": n})
}
