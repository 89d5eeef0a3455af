package domain

// Assignment states of a work package. EXPIRED and RELEASED are terminal
// only for the lease that produced them; both are re-claimable.
const (
	Unassigned = "UNASSIGNED"
	Assigned   = "ASSIGNED"
	Expired    = "EXPIRED"
	Released   = "RELEASED"
)

// WorkPackageStatuses is the closed production-status set. The status field
// is owned by pipeline components outside this core; the core reads it but
// never overwrites it as a side effect of lease or script transitions.
var WorkPackageStatuses = []string{"pending", "approved", "in_progress", "done", "verified", "rejected"}

type WorkPackage struct {
	ID                string  `json:"id"`
	Title             string  `json:"title,omitempty"`
	Status            string  `json:"status" enum:"pending,approved,in_progress,done,verified,rejected"`
	AssignmentState   string  `json:"assignment_state" enum:"UNASSIGNED,ASSIGNED,EXPIRED,RELEASED"`
	AssignedTo        *string `json:"assigned_to,omitempty"`
	AssignedRole      *string `json:"assigned_role,omitempty"`
	AssignedExpiresAt *string `json:"assigned_expires_at,omitempty" format:"date-time"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
}

type ScriptVersion struct {
	WorkPackageID string  `json:"work_package_id"`
	VersionNumber int     `json:"version_number"`
	Content       string  `json:"content"`
	ContentHash   string  `json:"content_hash"`
	Locked        bool    `json:"locked"`
	LockedAt      *string `json:"locked_at,omitempty" format:"date-time"`
	LockedBy      *string `json:"locked_by,omitempty"`
	CreatedBy     string  `json:"created_by"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

// AuditEvent is pure history: created once per transition, never mutated.
type AuditEvent struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	Type          string `json:"type"`
	WorkPackageID string `json:"work_package_id,omitempty"`
	ActorID       string `json:"actor_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	FromState     string `json:"from_state,omitempty"`
	ToState       string `json:"to_state,omitempty"`
	Payload       string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ValidStatus reports whether s belongs to the closed status set.
func ValidStatus(s string) bool {
	for _, v := range WorkPackageStatuses {
		if v == s {
			return true
		}
	}
	return false
}
