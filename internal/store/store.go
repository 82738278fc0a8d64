// Package store defines the persistence boundary of the routing engine.
// Implementations live in internal/db (PostgreSQL) and internal/store/memory.
package store

import (
	"context"
	"errors"
	"time"

	"convroute/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicateActive is returned when inserting a second active assignment for a conversation
	ErrDuplicateActive = errors.New("conversation already has an active assignment")
	// ErrDuplicateKey is returned when a unique id or name is already taken
	ErrDuplicateKey = errors.New("duplicate key")
)

// AgentQuery filters agent listings. Zero values match everything.
type AgentQuery struct {
	IDs          []string
	Status       model.AgentStatus
	Availability model.Availability
	InstanceID   string
}

// TeamQuery filters team listings
type TeamQuery struct {
	Status     model.TeamStatus
	InstanceID string
	AgentID    string
}

// AssignmentQuery filters assignment listings
type AssignmentQuery struct {
	ConversationID string
	AgentID        string
	InstanceID     string
	TeamID         string
	Statuses       []model.AssignmentStatus
	// Unanswered restricts to rows without a first response
	Unanswered     bool
	AssignedBefore *time.Time
	AssignedAfter  *time.Time
	Limit          int
}

// Repository is the set of reads and writes the engine needs.
// Inside Store.WithTx the *ForUpdate variants lock the row until commit.
type Repository interface {
	GetAgent(ctx context.Context, id string) (model.Agent, error)
	GetAgentForUpdate(ctx context.Context, id string) (model.Agent, error)
	// ListAgents returns matching agents ordered by id
	ListAgents(ctx context.Context, q AgentQuery) ([]model.Agent, error)
	CreateAgent(ctx context.Context, a model.Agent) error
	// UpdateAgent writes every column except current_chat_count
	UpdateAgent(ctx context.Context, a model.Agent) error
	// AddChatCount atomically adds delta to current_chat_count, clamping at zero
	AddChatCount(ctx context.Context, id string, delta int, at time.Time) (model.Agent, error)

	GetTeam(ctx context.Context, id string) (model.Team, error)
	// ListTeams returns matching teams ordered by id
	ListTeams(ctx context.Context, q TeamQuery) ([]model.Team, error)
	CreateTeam(ctx context.Context, t model.Team) error
	// UpdateTeam writes team columns; membership is written by SetTeamMembers
	UpdateTeam(ctx context.Context, t model.Team) error
	SetTeamMembers(ctx context.Context, teamID string, agentIDs []string) error
	// GetRotation returns the last agent picked by round robin, or "" when none
	GetRotation(ctx context.Context, teamID string) (string, error)
	SetRotation(ctx context.Context, teamID, agentID string) error

	InsertAssignment(ctx context.Context, a model.Assignment) error
	GetAssignment(ctx context.Context, id string) (model.Assignment, error)
	GetAssignmentForUpdate(ctx context.Context, id string) (model.Assignment, error)
	UpdateAssignment(ctx context.Context, a model.Assignment) error
	ActiveAssignment(ctx context.Context, conversationID string) (model.Assignment, error)
	// ListAssignments returns matching rows ordered by assigned_at, then id
	ListAssignments(ctx context.Context, q AssignmentQuery) ([]model.Assignment, error)
	CountActiveByAgent(ctx context.Context) (map[string]int, error)
	// OrphanedHandoffs returns transferred/escalated rows no successor points back to
	OrphanedHandoffs(ctx context.Context) ([]model.Assignment, error)
	PurgeAssignments(ctx context.Context, completedBefore time.Time) (int64, error)
}

// Store is a Repository that can also run a unit of work atomically
type Store interface {
	Repository
	// WithTx runs fn in a transaction. Returning an error rolls every write back.
	WithTx(ctx context.Context, fn func(repo Repository) error) error
}
