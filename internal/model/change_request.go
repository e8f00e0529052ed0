package model

import "time"

// Role of an authenticated principal.
type Role string

const (
	RoleMember  Role = "MEMBER"
	RoleTrainer Role = "TRAINER"
	RoleManager Role = "MANAGER"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleMember || r == RoleTrainer || r == RoleManager
}

// Principal is a pre-authenticated caller with a role-scoped identifier.
type Principal struct {
	Role Role  `json:"role"`
	ID   int64 `json:"id"`
}

// IsParty reports whether p is the member or the trainer of pt.
func (p Principal) IsParty(pt *Pt) bool {
	switch p.Role {
	case RoleMember:
		return pt.MemberID == p.ID
	case RoleTrainer:
		return pt.TrainerID == p.ID
	}
	return false
}

// ChangeRequestState is the persisted state of a schedule change request.
type ChangeRequestState string

const (
	ChangePending   ChangeRequestState = "PENDING"
	ChangeApproved  ChangeRequestState = "APPROVED"
	ChangeRejected  ChangeRequestState = "REJECTED"
	ChangeCancelled ChangeRequestState = "CANCELLED"
	ChangeExpired   ChangeRequestState = "EXPIRED"
)

// ScheduleChangeRequest proposes moving one confirmed record to a new slot.
type ScheduleChangeRequest struct {
	ID                int64              `json:"id"`
	PtRecordID        int64              `json:"pt_record_id"`
	RequestorRole     Role               `json:"requestor_role"`
	RequestorID       int64              `json:"requestor_id"`
	OriginalSchedule  Session            `json:"original_schedule"`
	RequestedSchedule Session            `json:"requested_schedule"`
	Reason            string             `json:"reason,omitempty"`
	State             ChangeRequestState `json:"state"`
	ResponderID       *int64             `json:"responder_id,omitempty"`
	ResponseMessage   string             `json:"response_message,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	RespondedAt       *time.Time         `json:"responded_at,omitempty"`
	ExpiresAt         time.Time          `json:"expires_at"`
}

// Requestor returns the principal that created the request.
func (r *ScheduleChangeRequest) Requestor() Principal {
	return Principal{Role: r.RequestorRole, ID: r.RequestorID}
}
