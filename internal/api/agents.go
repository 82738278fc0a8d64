package api

import (
	"net/http"

	"convroute/internal/auth"
	"convroute/internal/model"
	"convroute/internal/service"
	"convroute/internal/store"

	"github.com/go-chi/chi/v5"
)

func (d Dependencies) createAgent(w http.ResponseWriter, r *http.Request) {
	var input service.CreateAgentInput
	if !d.decode(w, r, "agent", &input) {
		return
	}
	if input.MaxConcurrentChats == 0 {
		input.MaxConcurrentChats = d.DefaultMaxChats
	}
	agent, err := d.Agents.Create(r.Context(), input)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (d Dependencies) getAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := d.Agents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (d Dependencies) listAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agents, err := d.Agents.List(r.Context(), store.AgentQuery{
		Status:       model.AgentStatus(q.Get("status")),
		Availability: model.Availability(q.Get("availability")),
		InstanceID:   q.Get("instanceId"),
	})
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

func (d Dependencies) availableAgents(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instanceId")
	agents, err := d.Agents.FindAvailable(r.Context(), instanceID)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	resp := map[string]interface{}{"agents": agents}
	if least, err := d.Agents.FindLeastBusy(r.Context(), instanceID); err == nil && least != nil {
		resp["leastBusy"] = least.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d Dependencies) updateAgent(w http.ResponseWriter, r *http.Request) {
	var input service.UpdateAgentInput
	if !d.decode(w, r, "agent_update", &input) {
		return
	}
	agent, err := d.Agents.Update(r.Context(), chi.URLParam(r, "id"), input)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (d Dependencies) disableAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := d.Agents.Disable(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (d Dependencies) setAvailability(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, _ := auth.FromContext(r.Context())
	if id != p.AgentID && !p.Supervises() {
		WriteError(w, http.StatusForbidden, "forbidden", "cannot change another agent's availability", d.Log)
		return
	}
	var body struct {
		Availability model.Availability `json:"availability"`
	}
	if !d.decode(w, r, "availability", &body) {
		return
	}
	agent, err := d.Agents.SetAvailability(r.Context(), id, body.Availability)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// touchAgent is the client heartbeat
func (d Dependencies) touchAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, _ := auth.FromContext(r.Context())
	if id != p.AgentID && !p.Supervises() {
		WriteError(w, http.StatusForbidden, "forbidden", "cannot touch another agent", d.Log)
		return
	}
	agent, err := d.Agents.Touch(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}
