package api

import (
	"context"
	"net/http"

	"convroute/internal/model"
	"convroute/internal/service"
	"convroute/internal/store"

	"github.com/go-chi/chi/v5"
)

func (d Dependencies) createTeam(w http.ResponseWriter, r *http.Request) {
	var input service.CreateTeamInput
	if !d.decode(w, r, "team", &input) {
		return
	}
	team, err := d.Teams.Create(r.Context(), input)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusCreated, team)
}

func (d Dependencies) getTeam(w http.ResponseWriter, r *http.Request) {
	team, err := d.Teams.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (d Dependencies) listTeams(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	teams, err := d.Teams.List(r.Context(), store.TeamQuery{
		Status:     model.TeamStatus(q.Get("status")),
		InstanceID: q.Get("instanceId"),
		AgentID:    q.Get("agentId"),
	})
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"teams": teams})
}

func (d Dependencies) updateTeam(w http.ResponseWriter, r *http.Request) {
	var input service.UpdateTeamInput
	if !d.decode(w, r, "team_update", &input) {
		return
	}
	team, err := d.Teams.Update(r.Context(), chi.URLParam(r, "id"), input)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (d Dependencies) disableTeam(w http.ResponseWriter, r *http.Request) {
	team, err := d.Teams.Disable(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (d Dependencies) addMembers(w http.ResponseWriter, r *http.Request) {
	d.editMembers(w, r, d.Teams.AddMembers)
}

func (d Dependencies) removeMembers(w http.ResponseWriter, r *http.Request) {
	d.editMembers(w, r, d.Teams.RemoveMembers)
}

func (d Dependencies) setMembers(w http.ResponseWriter, r *http.Request) {
	d.editMembers(w, r, d.Teams.SetMembers)
}

func (d Dependencies) editMembers(w http.ResponseWriter, r *http.Request, edit func(context.Context, string, []string) (*model.Team, error)) {
	var body struct {
		AgentIDs []string `json:"agentIds"`
	}
	if !d.decode(w, r, "members", &body) {
		return
	}
	team, err := edit(r.Context(), chi.URLParam(r, "id"), body.AgentIDs)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (d Dependencies) teamCapacity(w http.ResponseWriter, r *http.Request) {
	capacity, err := d.Teams.CapacityOf(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, capacity)
}

// bestTeam answers 204 when no team has room
func (d Dependencies) bestTeam(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instanceId")
	if instanceID == "" {
		WriteError(w, http.StatusBadRequest, "invalid_input", "instanceId is required", d.Log)
		return
	}
	team, err := d.Teams.BestTeamFor(r.Context(), instanceID)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	if team == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, team)
}
