// Package bridge keeps the local task store and the CRM record-of-truth
// eventually consistent: change-driven pushes, a watermark poller for pulls,
// and a time-windowed dedup guard that stops echo loops between the two.
package bridge

import (
	"strings"

	"github.com/apprapid/missionctl/internal/crm"
	"github.com/apprapid/missionctl/internal/persistence"
)

// The CRM's three-state lifecycle is coarser than the local seven-state one,
// so the local→remote mapping is many-to-one and the round trip is lossy:
// pulling a pushed task back yields the conservative (earliest) local state
// for its bucket, not the state it was pushed from.
var localStatusToCRM = map[persistence.TaskStatus]string{
	persistence.StatusEarlyIntake: crm.StatusTodo,
	persistence.StatusPlanning:    crm.StatusTodo,
	persistence.StatusAssigned:    crm.StatusTodo,
	persistence.StatusActive:      crm.StatusDoing,
	persistence.StatusTesting:     crm.StatusDoing,
	persistence.StatusReview:      crm.StatusDoing,
	persistence.StatusComplete:    crm.StatusDone,
}

var crmStatusToLocal = map[string]persistence.TaskStatus{
	crm.StatusTodo:  persistence.StatusEarlyIntake,
	crm.StatusDoing: persistence.StatusActive,
	crm.StatusDone:  persistence.StatusComplete,
}

// LocalStatusToCRM maps a local status to its CRM bucket.
// Unknown statuses map to todo.
func LocalStatusToCRM(s persistence.TaskStatus) string {
	if out, ok := localStatusToCRM[s]; ok {
		return out
	}
	return crm.StatusTodo
}

// CRMStatusToLocal maps a CRM status to the conservative local representative
// of its bucket. Unknown statuses map to early-intake.
func CRMStatusToLocal(s string) persistence.TaskStatus {
	if out, ok := crmStatusToLocal[strings.ToLower(s)]; ok {
		return out
	}
	return persistence.StatusEarlyIntake
}

// LocalPriorityToCRM maps a local priority to the CRM vocabulary.
// Only "normal" differs; the CRM calls it "medium".
func LocalPriorityToCRM(p persistence.TaskPriority) string {
	if p == persistence.PriorityNormal {
		return "medium"
	}
	if persistence.ValidPriority(p) {
		return string(p)
	}
	return "medium"
}

// CRMPriorityToLocal maps a CRM priority to the local vocabulary.
// Unknown or empty priorities map to normal.
func CRMPriorityToLocal(p string) persistence.TaskPriority {
	switch strings.ToLower(p) {
	case "medium", "":
		return persistence.PriorityNormal
	case "low":
		return persistence.PriorityLow
	case "high":
		return persistence.PriorityHigh
	case "urgent":
		return persistence.PriorityUrgent
	}
	return persistence.PriorityNormal
}

// Fixed agent identity table: canonical local agent names ↔ CRM identity
// tokens. Unmapped names have no identity on the other side; the mapping
// never guesses.
var agentNameToCRMID = map[string]string{
	"Victor":    "VICTOR",
	"Radu":      "BUILDER",
	"Alexandra": "COMMS",
	"Anabelle":  "PIXEL",
	"Mihai":     "SENTINEL",
	"Apex":      "APEX",
}

var crmIDToAgentName = func() map[string]string {
	m := make(map[string]string, len(agentNameToCRMID))
	for name, id := range agentNameToCRMID {
		m[id] = name
	}
	return m
}()

// AgentNameToCRMID returns the CRM identity token for a canonical agent
// name, or "" if the agent has no CRM identity.
func AgentNameToCRMID(name string) string {
	return agentNameToCRMID[name]
}

// CRMIDToAgentName returns the canonical agent name for a CRM identity
// token. Lookup is case-insensitive; unknown tokens return "".
func CRMIDToAgentName(id string) string {
	return crmIDToAgentName[strings.ToUpper(id)]
}
