package model

import "time"

// AgentRole represents an agent's role
type AgentRole string

const (
	RoleAdmin      AgentRole = "admin"
	RoleSupervisor AgentRole = "supervisor"
	RoleAgent      AgentRole = "agent"
	RoleViewer     AgentRole = "viewer"
)

// AgentStatus represents account status
type AgentStatus string

const (
	AgentStatusActive    AgentStatus = "active"
	AgentStatusInactive  AgentStatus = "inactive"
	AgentStatusSuspended AgentStatus = "suspended"
)

// Availability represents whether an agent is taking work right now
type Availability string

const (
	AvailabilityAvailable Availability = "available"
	AvailabilityBusy      Availability = "busy"
	AvailabilityAway      Availability = "away"
	AvailabilityOffline   Availability = "offline"
)

// Valid reports whether a is one of the known availability values
func (a Availability) Valid() bool {
	switch a {
	case AvailabilityAvailable, AvailabilityBusy, AvailabilityAway, AvailabilityOffline:
		return true
	}
	return false
}

// TeamStatus represents team status
type TeamStatus string

const (
	TeamStatusActive   TeamStatus = "active"
	TeamStatusInactive TeamStatus = "inactive"
)

// DistributionMethod is the strategy a team uses to pick the next agent
type DistributionMethod string

const (
	DistributionRoundRobin DistributionMethod = "round_robin"
	DistributionLeastBusy  DistributionMethod = "least_busy"
	DistributionRandom     DistributionMethod = "random"
	DistributionManual     DistributionMethod = "manual"
)

// Valid reports whether m is a known distribution method
func (m DistributionMethod) Valid() bool {
	switch m {
	case DistributionRoundRobin, DistributionLeastBusy, DistributionRandom, DistributionManual:
		return true
	}
	return false
}

// EscalationTarget selects who receives an escalated conversation
type EscalationTarget string

const (
	EscalateToSupervisor   EscalationTarget = "supervisor"
	EscalateToSeniorAgent  EscalationTarget = "senior_agent"
	EscalateToSpecificUser EscalationTarget = "specific_user"
)

// AssignmentStatus is the lifecycle state of an assignment
type AssignmentStatus string

const (
	AssignmentActive      AssignmentStatus = "active"
	AssignmentCompleted   AssignmentStatus = "completed"
	AssignmentTransferred AssignmentStatus = "transferred"
	AssignmentEscalated   AssignmentStatus = "escalated"
	AssignmentAbandoned   AssignmentStatus = "abandoned"
)

// Terminal reports whether no further transition is possible from s
func (s AssignmentStatus) Terminal() bool {
	return s != AssignmentActive
}

// Priority of an assignment
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Elevated reports whether p is high or urgent
func (p Priority) Elevated() bool {
	return p == PriorityHigh || p == PriorityUrgent
}

// AssignmentType records how an assignment came to exist
type AssignmentType string

const (
	AssignmentTypeAuto       AssignmentType = "auto"
	AssignmentTypeManual     AssignmentType = "manual"
	AssignmentTypeTransfer   AssignmentType = "transfer"
	AssignmentTypeEscalation AssignmentType = "escalation"
)

// Agent is a human operator who can own conversations
type Agent struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	Email              string       `json:"email,omitempty"`
	Role               AgentRole    `json:"role"`
	Status             AgentStatus  `json:"status"`
	Availability       Availability `json:"availability"`
	MaxConcurrentChats int          `json:"maxConcurrentChats"`
	CurrentChatCount   int          `json:"currentChatCount"`
	// Instances lists the channel instances the agent may serve; empty means unrestricted.
	Instances      []string  `json:"instances,omitempty"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// CanServe reports whether the agent may handle conversations from instanceID
func (a Agent) CanServe(instanceID string) bool {
	if instanceID == "" || a.Role == RoleAdmin || len(a.Instances) == 0 {
		return true
	}
	for _, id := range a.Instances {
		if id == instanceID {
			return true
		}
	}
	return false
}

// HasCapacity reports whether the agent is below limit open chats.
// A non-positive limit falls back to MaxConcurrentChats.
func (a Agent) HasCapacity(limit int) bool {
	if limit <= 0 || limit > a.MaxConcurrentChats {
		limit = a.MaxConcurrentChats
	}
	return a.CurrentChatCount < limit
}

// Eligible reports whether the agent can receive new work for instanceID right now
func (a Agent) Eligible(instanceID string, limit int) bool {
	return a.Status == AgentStatusActive &&
		a.Availability == AvailabilityAvailable &&
		a.HasCapacity(limit) &&
		a.CanServe(instanceID)
}

// DistributionPolicy is a team's routing configuration
type DistributionPolicy struct {
	Method           DistributionMethod `json:"method"`
	AutoAssign       bool               `json:"autoAssign"`
	MaxChatsPerAgent int                `json:"maxChatsPerAgent,omitempty"`
	PriorityHandling bool               `json:"priorityHandling"`
}

// EscalationPolicy is a team's response-timeout escalation configuration
type EscalationPolicy struct {
	Enabled        bool             `json:"enabled"`
	TimeoutMinutes int              `json:"timeoutMinutes,omitempty"`
	Target         EscalationTarget `json:"target,omitempty"`
	TargetAgentID  *string          `json:"targetAgentId,omitempty"`
}

// Team groups agents under a shared distribution policy
type Team struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Description  string             `json:"description,omitempty"`
	Status       TeamStatus         `json:"status"`
	SupervisorID *string            `json:"supervisorId,omitempty"`
	Members      []string           `json:"members"`
	Instances    []string           `json:"instances,omitempty"`
	Distribution DistributionPolicy `json:"distribution"`
	Escalation   EscalationPolicy   `json:"escalation"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// HasMember reports whether agentID belongs to the team
func (t Team) HasMember(agentID string) bool {
	for _, id := range t.Members {
		if id == agentID {
			return true
		}
	}
	return false
}

// ServesInstance reports whether the team handles instanceID
func (t Team) ServesInstance(instanceID string) bool {
	for _, id := range t.Instances {
		if id == instanceID {
			return true
		}
	}
	return false
}

// ContactSnapshot is the contact as it looked when the assignment was opened
type ContactSnapshot struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Type  string `json:"type,omitempty"`
}

// Assignment is one agent's ownership of a conversation for a bounded period
type Assignment struct {
	ID                   string           `json:"id"`
	ConversationID       string           `json:"conversationId"`
	InstanceID           string           `json:"instanceId"`
	AgentID              string           `json:"agentId"`
	TeamID               *string          `json:"teamId,omitempty"`
	Status               AssignmentStatus `json:"status"`
	Priority             Priority         `json:"priority"`
	Type                 AssignmentType   `json:"assignmentType"`
	AssignedBy           *string          `json:"assignedBy,omitempty"`
	TransferredFrom      *string          `json:"transferredFrom,omitempty"`
	TransferredTo        *string          `json:"transferredTo,omitempty"`
	PreviousAssignmentID *string          `json:"previousAssignmentId,omitempty"`
	Reason               *string          `json:"reason,omitempty"`

	AssignedAt      time.Time  `json:"assignedAt"`
	FirstResponseAt *time.Time `json:"firstResponseAt,omitempty"`
	LastResponseAt  *time.Time `json:"lastResponseAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`

	ResponseCount         int      `json:"responseCount"`
	ResponseTimeMinutes   *float64 `json:"responseTimeMinutes,omitempty"`
	ResolutionTimeMinutes *float64 `json:"resolutionTimeMinutes,omitempty"`

	CustomerRating     *int    `json:"customerRating,omitempty"`
	CustomerFeedback   *string `json:"customerFeedback,omitempty"`
	SupervisorRating   *int    `json:"supervisorRating,omitempty"`
	SupervisorFeedback *string `json:"supervisorFeedback,omitempty"`

	Tags        []string        `json:"tags,omitempty"`
	Category    *string         `json:"category,omitempty"`
	Subcategory *string         `json:"subcategory,omitempty"`
	Contact     ContactSnapshot `json:"contact"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Capacity is the aggregate chat capacity of a team
type Capacity struct {
	Total             int `json:"total"`
	Used              int `json:"used"`
	Available         int `json:"available"`
	MemberCount       int `json:"memberCount"`
	ActiveMemberCount int `json:"activeMemberCount"`
}

// Statistics summarises assignments matching a filter
type Statistics struct {
	Total                    int                      `json:"total"`
	ByStatus                 map[AssignmentStatus]int `json:"byStatus"`
	AvgResponseTimeMinutes   *float64                 `json:"avgResponseTimeMinutes,omitempty"`
	AvgResolutionTimeMinutes *float64                 `json:"avgResolutionTimeMinutes,omitempty"`
	AvgCustomerRating        *float64                 `json:"avgCustomerRating,omitempty"`
}

// ChatCountDrift describes an agent whose counter disagrees with its active assignments
type ChatCountDrift struct {
	AgentID  string `json:"agentId"`
	Recorded int    `json:"recorded"`
	Actual   int    `json:"actual"`
}
