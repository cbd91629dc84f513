package bus

// Task mutation topics. The bridge and the event streams subscribe to the
// "task." prefix.
const (
	TopicTaskCreated          = "task.created"
	TopicTaskUpdated          = "task.updated"
	TopicTaskDeleted          = "task.deleted"
	TopicTaskActivityLogged   = "task.activity_logged"
	TopicTaskDeliverableAdded = "task.deliverable_added"
)

// Agent lifecycle topics.
const (
	TopicAgentSpawned   = "agent.spawned"
	TopicAgentCompleted = "agent.completed"
)

// TaskEvent is published on task.created and task.updated. Payload carries
// the full row so subscribers never have to re-query.
type TaskEvent struct {
	TaskID      string
	WorkspaceID string
	Title       string
	Status      string
	Priority    string
	SyncSource  string // origin tag of the write; "mc-bridge" for bridge writes
}

// TaskDeletedEvent is published on task.deleted.
type TaskDeletedEvent struct {
	TaskID string
	Title  string
}

// ActivityEvent is published on task.activity_logged.
type ActivityEvent struct {
	ActivityID   string
	TaskID       string
	AgentID      string
	ActivityType string
	Message      string
}

// DeliverableEvent is published on task.deliverable_added.
type DeliverableEvent struct {
	DeliverableID string
	TaskID        string
	Kind          string
	Title         string
}

// AgentEvent is published on agent.spawned and agent.completed.
type AgentEvent struct {
	AgentName string
	TaskID    string
	Summary   string
}
