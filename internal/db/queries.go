package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"convroute/internal/model"
	"convroute/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Queries implements store.Repository on top of a pool or a transaction
type Queries struct {
	db DBTX
}

// NewQueries creates a new Queries instance
func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a Queries bound to tx
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const activeIndex = "assignments_one_active_idx"

// mapError translates driver errors into store sentinels
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == activeIndex {
			return fmt.Errorf("%w: %s", store.ErrDuplicateActive, pgErr.Detail)
		}
		return fmt.Errorf("%w: %s", store.ErrDuplicateKey, pgErr.ConstraintName)
	}
	return err
}

// filter accumulates WHERE conditions and their positional arguments
type filter struct {
	conds []string
	args  []interface{}
}

func (f *filter) arg(v interface{}) string {
	f.args = append(f.args, v)
	return fmt.Sprintf("$%d", len(f.args))
}

func (f *filter) add(cond string) {
	f.conds = append(f.conds, cond)
}

func (f *filter) where() string {
	if len(f.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.conds, " AND ")
}

func strs(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Agent queries

const agentColumns = `id, name, email, role, status, availability, max_concurrent_chats,
	current_chat_count, instances, last_activity_at, created_at, updated_at`

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	err := row.Scan(
		&a.ID, &a.Name, &a.Email, &a.Role, &a.Status, &a.Availability, &a.MaxConcurrentChats,
		&a.CurrentChatCount, &a.Instances, &a.LastActivityAt, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, mapError(err)
}

func (q *Queries) GetAgent(ctx context.Context, id string) (model.Agent, error) {
	return scanAgent(q.db.QueryRow(ctx, "SELECT "+agentColumns+" FROM agents WHERE id = $1", id))
}

func (q *Queries) GetAgentForUpdate(ctx context.Context, id string) (model.Agent, error) {
	return scanAgent(q.db.QueryRow(ctx, "SELECT "+agentColumns+" FROM agents WHERE id = $1 FOR UPDATE", id))
}

func (q *Queries) ListAgents(ctx context.Context, aq store.AgentQuery) ([]model.Agent, error) {
	var f filter
	if aq.IDs != nil {
		f.add("id = ANY(" + f.arg(aq.IDs) + ")")
	}
	if aq.Status != "" {
		f.add("status = " + f.arg(string(aq.Status)))
	}
	if aq.Availability != "" {
		f.add("availability = " + f.arg(string(aq.Availability)))
	}
	if aq.InstanceID != "" {
		p := f.arg(aq.InstanceID)
		f.add(fmt.Sprintf("(role = 'admin' OR cardinality(instances) = 0 OR %s = ANY(instances))", p))
	}

	rows, err := q.db.Query(ctx, "SELECT "+agentColumns+" FROM agents"+f.where()+" ORDER BY id", f.args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Agent, error) {
		return scanAgent(row)
	})
}

func (q *Queries) CreateAgent(ctx context.Context, a model.Agent) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.Name, a.Email, string(a.Role), string(a.Status), string(a.Availability), a.MaxConcurrentChats,
		a.CurrentChatCount, strs(a.Instances), a.LastActivityAt, a.CreatedAt, a.UpdatedAt,
	)
	return mapError(err)
}

func (q *Queries) UpdateAgent(ctx context.Context, a model.Agent) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE agents SET name = $2, email = $3, role = $4, status = $5, availability = $6,
			max_concurrent_chats = $7, instances = $8, last_activity_at = $9, updated_at = $10
		WHERE id = $1`,
		a.ID, a.Name, a.Email, string(a.Role), string(a.Status), string(a.Availability),
		a.MaxConcurrentChats, strs(a.Instances), a.LastActivityAt, a.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (q *Queries) AddChatCount(ctx context.Context, id string, delta int, at time.Time) (model.Agent, error) {
	return scanAgent(q.db.QueryRow(ctx,
		`UPDATE agents SET current_chat_count = GREATEST(current_chat_count + $2, 0), updated_at = $3
		WHERE id = $1 RETURNING `+agentColumns,
		id, delta, at,
	))
}

// Team queries

const teamColumns = `t.id, t.name, t.description, t.status, t.supervisor_id, t.instances,
	t.distribution_method, t.auto_assign, t.max_chats_per_agent, t.priority_handling,
	t.escalation_enabled, t.escalation_timeout_minutes, t.escalation_target, t.escalation_target_agent_id,
	t.created_at, t.updated_at,
	ARRAY(SELECT m.agent_id FROM team_members m WHERE m.team_id = t.id ORDER BY m.position)`

func scanTeam(row pgx.Row) (model.Team, error) {
	var t model.Team
	err := row.Scan(
		&t.ID, &t.Name, &t.Description, &t.Status, &t.SupervisorID, &t.Instances,
		&t.Distribution.Method, &t.Distribution.AutoAssign, &t.Distribution.MaxChatsPerAgent, &t.Distribution.PriorityHandling,
		&t.Escalation.Enabled, &t.Escalation.TimeoutMinutes, &t.Escalation.Target, &t.Escalation.TargetAgentID,
		&t.CreatedAt, &t.UpdatedAt,
		&t.Members,
	)
	return t, mapError(err)
}

func (q *Queries) GetTeam(ctx context.Context, id string) (model.Team, error) {
	return scanTeam(q.db.QueryRow(ctx, "SELECT "+teamColumns+" FROM teams t WHERE t.id = $1", id))
}

func (q *Queries) ListTeams(ctx context.Context, tq store.TeamQuery) ([]model.Team, error) {
	var f filter
	if tq.Status != "" {
		f.add("t.status = " + f.arg(string(tq.Status)))
	}
	if tq.InstanceID != "" {
		f.add(f.arg(tq.InstanceID) + " = ANY(t.instances)")
	}
	if tq.AgentID != "" {
		f.add("EXISTS (SELECT 1 FROM team_members m WHERE m.team_id = t.id AND m.agent_id = " + f.arg(tq.AgentID) + ")")
	}

	rows, err := q.db.Query(ctx, "SELECT "+teamColumns+" FROM teams t"+f.where()+" ORDER BY t.id", f.args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Team, error) {
		return scanTeam(row)
	})
}

func (q *Queries) CreateTeam(ctx context.Context, t model.Team) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO teams (
			id, name, description, status, supervisor_id, instances,
			distribution_method, auto_assign, max_chats_per_agent, priority_handling,
			escalation_enabled, escalation_timeout_minutes, escalation_target, escalation_target_agent_id,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		t.ID, t.Name, t.Description, string(t.Status), t.SupervisorID, strs(t.Instances),
		string(t.Distribution.Method), t.Distribution.AutoAssign, t.Distribution.MaxChatsPerAgent, t.Distribution.PriorityHandling,
		t.Escalation.Enabled, t.Escalation.TimeoutMinutes, string(t.Escalation.Target), t.Escalation.TargetAgentID,
		t.CreatedAt, t.UpdatedAt,
	)
	return mapError(err)
}

func (q *Queries) UpdateTeam(ctx context.Context, t model.Team) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE teams SET name = $2, description = $3, status = $4, supervisor_id = $5, instances = $6,
			distribution_method = $7, auto_assign = $8, max_chats_per_agent = $9, priority_handling = $10,
			escalation_enabled = $11, escalation_timeout_minutes = $12, escalation_target = $13,
			escalation_target_agent_id = $14, updated_at = $15
		WHERE id = $1`,
		t.ID, t.Name, t.Description, string(t.Status), t.SupervisorID, strs(t.Instances),
		string(t.Distribution.Method), t.Distribution.AutoAssign, t.Distribution.MaxChatsPerAgent, t.Distribution.PriorityHandling,
		t.Escalation.Enabled, t.Escalation.TimeoutMinutes, string(t.Escalation.Target), t.Escalation.TargetAgentID,
		t.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetTeamMembers replaces the member list, keeping the given order.
// Call it inside a transaction.
func (q *Queries) SetTeamMembers(ctx context.Context, teamID string, agentIDs []string) error {
	var locked string
	if err := q.db.QueryRow(ctx, "SELECT id FROM teams WHERE id = $1 FOR UPDATE", teamID).Scan(&locked); err != nil {
		return mapError(err)
	}
	if _, err := q.db.Exec(ctx, "DELETE FROM team_members WHERE team_id = $1", teamID); err != nil {
		return err
	}
	_, err := q.db.Exec(ctx,
		`INSERT INTO team_members (team_id, agent_id, position)
		SELECT $1, m.agent_id, m.ord FROM unnest($2::text[]) WITH ORDINALITY AS m(agent_id, ord)`,
		teamID, strs(agentIDs),
	)
	return mapError(err)
}

// GetRotation locks the team row so concurrent round-robin picks serialise
func (q *Queries) GetRotation(ctx context.Context, teamID string) (string, error) {
	var last string
	err := q.db.QueryRow(ctx,
		`SELECT COALESCE((SELECT r.last_agent_id FROM team_rotations r WHERE r.team_id = t.id), '')
		FROM teams t WHERE t.id = $1 FOR UPDATE OF t`,
		teamID,
	).Scan(&last)
	return last, mapError(err)
}

func (q *Queries) SetRotation(ctx context.Context, teamID, agentID string) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO team_rotations (team_id, last_agent_id, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (team_id) DO UPDATE SET last_agent_id = EXCLUDED.last_agent_id, updated_at = NOW()`,
		teamID, agentID,
	)
	return mapError(err)
}

// Assignment queries

const assignmentColumns = `id, conversation_id, instance_id, agent_id, team_id, status, priority,
	assignment_type, assigned_by, transferred_from, transferred_to, previous_assignment_id, reason,
	assigned_at, first_response_at, last_response_at, completed_at,
	response_count, response_time_minutes, resolution_time_minutes,
	customer_rating, customer_feedback, supervisor_rating, supervisor_feedback,
	tags, category, subcategory, contact_name, contact_phone, contact_type,
	created_at, updated_at`

func scanAssignment(row pgx.Row) (model.Assignment, error) {
	var a model.Assignment
	err := row.Scan(
		&a.ID, &a.ConversationID, &a.InstanceID, &a.AgentID, &a.TeamID, &a.Status, &a.Priority,
		&a.Type, &a.AssignedBy, &a.TransferredFrom, &a.TransferredTo, &a.PreviousAssignmentID, &a.Reason,
		&a.AssignedAt, &a.FirstResponseAt, &a.LastResponseAt, &a.CompletedAt,
		&a.ResponseCount, &a.ResponseTimeMinutes, &a.ResolutionTimeMinutes,
		&a.CustomerRating, &a.CustomerFeedback, &a.SupervisorRating, &a.SupervisorFeedback,
		&a.Tags, &a.Category, &a.Subcategory, &a.Contact.Name, &a.Contact.Phone, &a.Contact.Type,
		&a.CreatedAt, &a.UpdatedAt,
	)
	return a, mapError(err)
}

func collectAssignments(rows pgx.Rows, err error) ([]model.Assignment, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Assignment, error) {
		return scanAssignment(row)
	})
}

func (q *Queries) InsertAssignment(ctx context.Context, a model.Assignment) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO assignments (`+assignmentColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32)`,
		a.ID, a.ConversationID, a.InstanceID, a.AgentID, a.TeamID, string(a.Status), string(a.Priority),
		string(a.Type), a.AssignedBy, a.TransferredFrom, a.TransferredTo, a.PreviousAssignmentID, a.Reason,
		a.AssignedAt, a.FirstResponseAt, a.LastResponseAt, a.CompletedAt,
		a.ResponseCount, a.ResponseTimeMinutes, a.ResolutionTimeMinutes,
		a.CustomerRating, a.CustomerFeedback, a.SupervisorRating, a.SupervisorFeedback,
		strs(a.Tags), a.Category, a.Subcategory, a.Contact.Name, a.Contact.Phone, a.Contact.Type,
		a.CreatedAt, a.UpdatedAt,
	)
	return mapError(err)
}

func (q *Queries) GetAssignment(ctx context.Context, id string) (model.Assignment, error) {
	return scanAssignment(q.db.QueryRow(ctx, "SELECT "+assignmentColumns+" FROM assignments WHERE id = $1", id))
}

func (q *Queries) GetAssignmentForUpdate(ctx context.Context, id string) (model.Assignment, error) {
	return scanAssignment(q.db.QueryRow(ctx, "SELECT "+assignmentColumns+" FROM assignments WHERE id = $1 FOR UPDATE", id))
}

// UpdateAssignment writes the mutable columns; identity and assigned_at never change
func (q *Queries) UpdateAssignment(ctx context.Context, a model.Assignment) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE assignments SET status = $2, priority = $3, transferred_to = $4, reason = $5,
			first_response_at = $6, last_response_at = $7, completed_at = $8,
			response_count = $9, response_time_minutes = $10, resolution_time_minutes = $11,
			customer_rating = $12, customer_feedback = $13, supervisor_rating = $14, supervisor_feedback = $15,
			tags = $16, category = $17, subcategory = $18, updated_at = $19
		WHERE id = $1`,
		a.ID, string(a.Status), string(a.Priority), a.TransferredTo, a.Reason,
		a.FirstResponseAt, a.LastResponseAt, a.CompletedAt,
		a.ResponseCount, a.ResponseTimeMinutes, a.ResolutionTimeMinutes,
		a.CustomerRating, a.CustomerFeedback, a.SupervisorRating, a.SupervisorFeedback,
		strs(a.Tags), a.Category, a.Subcategory, a.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (q *Queries) ActiveAssignment(ctx context.Context, conversationID string) (model.Assignment, error) {
	return scanAssignment(q.db.QueryRow(ctx,
		"SELECT "+assignmentColumns+" FROM assignments WHERE conversation_id = $1 AND status = 'active'",
		conversationID,
	))
}

func (q *Queries) ListAssignments(ctx context.Context, aq store.AssignmentQuery) ([]model.Assignment, error) {
	var f filter
	if aq.ConversationID != "" {
		f.add("conversation_id = " + f.arg(aq.ConversationID))
	}
	if aq.AgentID != "" {
		f.add("agent_id = " + f.arg(aq.AgentID))
	}
	if aq.InstanceID != "" {
		f.add("instance_id = " + f.arg(aq.InstanceID))
	}
	if aq.TeamID != "" {
		f.add("team_id = " + f.arg(aq.TeamID))
	}
	if len(aq.Statuses) > 0 {
		statuses := make([]string, len(aq.Statuses))
		for i, s := range aq.Statuses {
			statuses[i] = string(s)
		}
		f.add("status = ANY(" + f.arg(statuses) + ")")
	}
	if aq.Unanswered {
		f.add("first_response_at IS NULL")
	}
	if aq.AssignedBefore != nil {
		f.add("assigned_at < " + f.arg(*aq.AssignedBefore))
	}
	if aq.AssignedAfter != nil {
		f.add("assigned_at >= " + f.arg(*aq.AssignedAfter))
	}
	sql := "SELECT " + assignmentColumns + " FROM assignments" + f.where() + " ORDER BY assigned_at, id"
	if aq.Limit > 0 {
		sql += " LIMIT " + f.arg(aq.Limit)
	}
	return collectAssignments(q.db.Query(ctx, sql, f.args...))
}

func (q *Queries) CountActiveByAgent(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.Query(ctx, "SELECT agent_id, COUNT(*) FROM assignments WHERE status = 'active' GROUP BY agent_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func (q *Queries) OrphanedHandoffs(ctx context.Context) ([]model.Assignment, error) {
	return collectAssignments(q.db.Query(ctx,
		`SELECT `+assignmentColumns+` FROM assignments a
		WHERE a.status IN ('transferred', 'escalated')
			AND NOT EXISTS (SELECT 1 FROM assignments s WHERE s.previous_assignment_id = a.id)
		ORDER BY a.assigned_at`,
	))
}

func (q *Queries) PurgeAssignments(ctx context.Context, completedBefore time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx,
		"DELETE FROM assignments WHERE status <> 'active' AND completed_at < $1",
		completedBefore,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
