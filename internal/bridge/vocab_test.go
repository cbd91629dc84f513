package bridge

import (
	"testing"

	"github.com/apprapid/missionctl/internal/crm"
	"github.com/apprapid/missionctl/internal/persistence"
)

func TestLocalStatusToCRM_Buckets(t *testing.T) {
	cases := map[persistence.TaskStatus]string{
		persistence.StatusEarlyIntake: crm.StatusTodo,
		persistence.StatusPlanning:    crm.StatusTodo,
		persistence.StatusAssigned:    crm.StatusTodo,
		persistence.StatusActive:      crm.StatusDoing,
		persistence.StatusTesting:     crm.StatusDoing,
		persistence.StatusReview:      crm.StatusDoing,
		persistence.StatusComplete:    crm.StatusDone,
	}
	for local, want := range cases {
		if got := LocalStatusToCRM(local); got != want {
			t.Errorf("LocalStatusToCRM(%q) = %q, want %q", local, got, want)
		}
	}
	if got := LocalStatusToCRM("garbage"); got != crm.StatusTodo {
		t.Errorf("unknown local status = %q, want %q", got, crm.StatusTodo)
	}
}

func TestCRMStatusToLocal_Conservative(t *testing.T) {
	cases := map[string]persistence.TaskStatus{
		"todo":  persistence.StatusEarlyIntake,
		"doing": persistence.StatusActive,
		"done":  persistence.StatusComplete,
		"DOING": persistence.StatusActive,
	}
	for remote, want := range cases {
		if got := CRMStatusToLocal(remote); got != want {
			t.Errorf("CRMStatusToLocal(%q) = %q, want %q", remote, got, want)
		}
	}
	if got := CRMStatusToLocal("blocked"); got != persistence.StatusEarlyIntake {
		t.Errorf("unknown remote status = %q, want %q", got, persistence.StatusEarlyIntake)
	}
}

func TestStatusRoundTrip_Lossy(t *testing.T) {
	// review collapses into the doing bucket, and the bucket pulls back as
	// its conservative representative, not the original state.
	remote := LocalStatusToCRM(persistence.StatusReview)
	if remote != crm.StatusDoing {
		t.Fatalf("review maps to %q, want doing", remote)
	}
	back := CRMStatusToLocal(remote)
	if back != persistence.StatusActive {
		t.Fatalf("doing maps back to %q, want active", back)
	}
}

func TestPriorityMapping(t *testing.T) {
	if got := LocalPriorityToCRM(persistence.PriorityNormal); got != "medium" {
		t.Errorf("normal → %q, want medium", got)
	}
	if got := LocalPriorityToCRM(persistence.PriorityUrgent); got != "urgent" {
		t.Errorf("urgent → %q, want urgent", got)
	}
	if got := CRMPriorityToLocal("medium"); got != persistence.PriorityNormal {
		t.Errorf("medium → %q, want normal", got)
	}
	if got := CRMPriorityToLocal(""); got != persistence.PriorityNormal {
		t.Errorf("empty → %q, want normal", got)
	}
	if got := CRMPriorityToLocal("sev0"); got != persistence.PriorityNormal {
		t.Errorf("unknown → %q, want normal", got)
	}
	if got := CRMPriorityToLocal("HIGH"); got != persistence.PriorityHigh {
		t.Errorf("HIGH → %q, want high", got)
	}
}

func TestAgentIdentityTable(t *testing.T) {
	if got := AgentNameToCRMID("Radu"); got != "BUILDER" {
		t.Errorf("Radu → %q, want BUILDER", got)
	}
	if got := AgentNameToCRMID("Charlie"); got != "" {
		t.Errorf("unmapped agent → %q, want empty", got)
	}
	if got := CRMIDToAgentName("builder"); got != "Radu" {
		t.Errorf("builder → %q, want Radu (case-insensitive)", got)
	}
	if got := CRMIDToAgentName("NOBODY"); got != "" {
		t.Errorf("unknown identity → %q, want empty", got)
	}
}
