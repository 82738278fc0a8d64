package api

import (
	"net/http"

	"convroute/internal/auth"
	"convroute/internal/model"
	"convroute/internal/schema"
	"convroute/internal/service"
	"convroute/internal/ws"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Dependencies struct {
	Agents  *service.AgentDirectory
	Teams   *service.TeamDirectory
	Ledger  *service.Ledger
	Router  *service.Router
	Sweeper *service.Sweeper
	Schemas *schema.Compiler
	Hub     *ws.Hub
	JWT     *auth.JWTConfig
	Limiter *RateLimiter
	Log     *zap.Logger

	// DefaultMaxChats applies to agents created without a capacity
	DefaultMaxChats int
	// SweepTimeoutMinutes is the overdue threshold when a request names none
	SweepTimeoutMinutes int
}

func Routes(d Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestLogger(d.Log))
	r.Use(d.JWT.Middleware)
	if d.Limiter != nil {
		r.Use(d.Limiter.Middleware)
	}

	anyone := auth.RequireRole(model.RoleAdmin, model.RoleSupervisor, model.RoleAgent, model.RoleViewer)
	staff := auth.RequireRole(model.RoleAdmin, model.RoleSupervisor, model.RoleAgent)
	supervisors := auth.RequireRole(model.RoleAdmin, model.RoleSupervisor)
	admins := auth.RequireRole(model.RoleAdmin)

	r.Group(func(r chi.Router) {
		r.Use(anyone)
		r.Get("/agents", d.listAgents)
		r.Get("/agents/available", d.availableAgents)
		r.Get("/agents/{id}", d.getAgent)
		r.Get("/teams", d.listTeams)
		r.Get("/teams/best", d.bestTeam)
		r.Get("/teams/{id}", d.getTeam)
		r.Get("/teams/{id}/capacity", d.teamCapacity)
		r.Get("/assignments", d.listAssignments)
		r.Get("/assignments/{id}", d.getAssignment)
		r.Get("/conversations/{id}/assignments", d.conversationHistory)
		r.Get("/conversations/{id}/assignment", d.activeAssignment)
		r.Get("/statistics", d.statistics)
	})

	r.Group(func(r chi.Router) {
		r.Use(staff)
		r.Put("/agents/{id}/availability", d.setAvailability)
		r.Post("/agents/{id}/touch", d.touchAgent)
		r.Post("/assignments/{id}/responses", d.recordResponse)
		r.Post("/assignments/{id}/rating", d.rateAssignment)
		r.Post("/assignments/{id}/{action}", d.transitionAssignment)
	})

	r.Group(func(r chi.Router) {
		r.Use(supervisors)
		r.Post("/assignments", d.routeConversation)
		r.Get("/assignments/overdue", d.overdueAssignments)
		r.Post("/assignments/sweep", d.sweep)
		r.Post("/teams", d.createTeam)
		r.Patch("/teams/{id}", d.updateTeam)
		r.Delete("/teams/{id}", d.disableTeam)
		r.Post("/teams/{id}/members", d.addMembers)
		r.Put("/teams/{id}/members", d.setMembers)
		r.Delete("/teams/{id}/members", d.removeMembers)
	})

	r.Group(func(r chi.Router) {
		r.Use(admins)
		r.Post("/agents", d.createAgent)
		r.Patch("/agents/{id}", d.updateAgent)
		r.Delete("/agents/{id}", d.disableAgent)
		r.Get("/admin/orphans", d.orphanedHandoffs)
		r.Post("/admin/reconcile", d.reconcile)
		r.Post("/admin/purge", d.purge)
	})

	// WebSocket endpoint
	r.Get("/ws", d.wsHandler)

	return r
}
