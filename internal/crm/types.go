package crm

import "time"

// Remote vocabulary. The CRM's status model is coarser than the local one:
// three states, four priorities.
const (
	StatusTodo  = "todo"
	StatusDoing = "doing"
	StatusDone  = "done"
)

// RemoteTask is a row in the CRM tasks table.
type RemoteTask struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	Status        string    `json:"status"`
	Priority      string    `json:"priority,omitempty"`
	AssignedAgent string    `json:"assigned_agent,omitempty"`
	MCTaskID      string    `json:"mc_task_id,omitempty"`
	MCStatus      string    `json:"mc_status,omitempty"`
	SyncSource    string    `json:"sync_source,omitempty"`
	AgencyID      string    `json:"agency_id,omitempty"`
	DueDate       string    `json:"due_date,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AgentActivity is a row in the CRM agent_activity table.
type AgentActivity struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	Status       string    `json:"status"`
	Task         string    `json:"task"`
	ActivityType string    `json:"activity_type"`
	Message      string    `json:"message"`
	TaskID       string    `json:"task_id,omitempty"`
	SyncSource   string    `json:"sync_source"`
	UpdatedAt    time.Time `json:"updated_at"`
}
