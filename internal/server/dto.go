package server

import (
	"encoding/json"

	"clipline/internal/domain"
	"clipline/internal/engine"
)

// Request payloads

type CreateWorkPackageRequest struct {
	ID     *string `json:"id,omitempty"`
	Title  string  `json:"title,omitempty"`
	Status *string `json:"status,omitempty" enum:"pending,approved,in_progress,done,verified,rejected"`
}

type SetStatusRequest struct {
	Status string `json:"status" enum:"pending,approved,in_progress,done,verified,rejected"`
}

type ClaimRequest struct {
	Actor      *string `json:"actor,omitempty"`
	Role       string  `json:"role"`
	TTLSeconds int     `json:"ttl_seconds,omitempty"`
}

type ReleaseRequest struct {
	Actor *string `json:"actor,omitempty"`
}

type CreateScriptRequest struct {
	Content string `json:"content"`
}

type LockScriptRequest struct {
	Actor *string `json:"actor,omitempty"`
}

// Response payloads

type WorkPackageResponse struct {
	ID                string  `json:"id"`
	Title             string  `json:"title,omitempty"`
	Status            string  `json:"status"`
	AssignmentState   string  `json:"assignment_state"`
	AssignedTo        *string `json:"assigned_to,omitempty"`
	AssignedRole      *string `json:"assigned_role,omitempty"`
	AssignedExpiresAt *string `json:"assigned_expires_at,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
	CorrelationID     string  `json:"correlation_id,omitempty"`
}

type LeaseResponse struct {
	WorkPackageID     string  `json:"work_package_id"`
	AssignmentState   string  `json:"assignment_state"`
	AssignedTo        *string `json:"assigned_to,omitempty"`
	AssignedRole      *string `json:"assigned_role,omitempty"`
	AssignedExpiresAt *string `json:"assigned_expires_at,omitempty"`
	CorrelationID     string  `json:"correlation_id,omitempty"`
}

type ReclaimResponse struct {
	ReclaimedCount int      `json:"reclaimed_count"`
	ReclaimedIDs   []string `json:"reclaimed_ids"`
	Summary        string   `json:"summary"`
	CorrelationID  string   `json:"correlation_id,omitempty"`
}

type ScriptVersionResponse struct {
	WorkPackageID string  `json:"work_package_id"`
	VersionNumber int     `json:"version_number"`
	Content       string  `json:"content,omitempty"`
	ContentHash   string  `json:"content_hash"`
	Locked        bool    `json:"locked"`
	LockedAt      *string `json:"locked_at,omitempty"`
	LockedBy      *string `json:"locked_by,omitempty"`
	CreatedBy     string  `json:"created_by"`
	CreatedAt     string  `json:"created_at"`
	CorrelationID string  `json:"correlation_id,omitempty"`
}

type AuditEventResponse struct {
	ID            int64          `json:"id"`
	TS            string         `json:"ts"`
	Type          string         `json:"type"`
	WorkPackageID string         `json:"work_package_id,omitempty"`
	ActorID       string         `json:"actor_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	FromState     string         `json:"from_state,omitempty"`
	ToState       string         `json:"to_state,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

func workPackageResponse(wp domain.WorkPackage, correlationID string) WorkPackageResponse {
	return WorkPackageResponse{
		ID:                wp.ID,
		Title:             wp.Title,
		Status:            wp.Status,
		AssignmentState:   wp.AssignmentState,
		AssignedTo:        wp.AssignedTo,
		AssignedRole:      wp.AssignedRole,
		AssignedExpiresAt: wp.AssignedExpiresAt,
		CreatedAt:         wp.CreatedAt,
		UpdatedAt:         wp.UpdatedAt,
		CorrelationID:     correlationID,
	}
}

func mapWorkPackages(items []domain.WorkPackage) []WorkPackageResponse {
	res := make([]WorkPackageResponse, 0, len(items))
	for _, wp := range items {
		res = append(res, workPackageResponse(wp, ""))
	}
	return res
}

func leaseResponse(wp domain.WorkPackage, correlationID string) LeaseResponse {
	return LeaseResponse{
		WorkPackageID:     wp.ID,
		AssignmentState:   wp.AssignmentState,
		AssignedTo:        wp.AssignedTo,
		AssignedRole:      wp.AssignedRole,
		AssignedExpiresAt: wp.AssignedExpiresAt,
		CorrelationID:     correlationID,
	}
}

func reclaimResponse(r engine.ReclaimResult, correlationID string) ReclaimResponse {
	return ReclaimResponse{
		ReclaimedCount: r.Count,
		ReclaimedIDs:   r.ReclaimedIDs,
		Summary:        r.Summary(),
		CorrelationID:  correlationID,
	}
}

func scriptVersionResponse(v domain.ScriptVersion, correlationID string) ScriptVersionResponse {
	return ScriptVersionResponse{
		WorkPackageID: v.WorkPackageID,
		VersionNumber: v.VersionNumber,
		Content:       v.Content,
		ContentHash:   v.ContentHash,
		Locked:        v.Locked,
		LockedAt:      v.LockedAt,
		LockedBy:      v.LockedBy,
		CreatedBy:     v.CreatedBy,
		CreatedAt:     v.CreatedAt,
		CorrelationID: correlationID,
	}
}

func mapScriptVersions(items []domain.ScriptVersion) []ScriptVersionResponse {
	res := make([]ScriptVersionResponse, 0, len(items))
	for _, v := range items {
		res = append(res, scriptVersionResponse(v, ""))
	}
	return res
}

func auditEventResponse(e domain.AuditEvent) AuditEventResponse {
	var payload map[string]any
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return AuditEventResponse{
		ID:            e.ID,
		TS:            e.TS,
		Type:          e.Type,
		WorkPackageID: e.WorkPackageID,
		ActorID:       e.ActorID,
		CorrelationID: e.CorrelationID,
		FromState:     e.FromState,
		ToState:       e.ToState,
		Payload:       payload,
	}
}

func mapAuditEvents(items []domain.AuditEvent) []AuditEventResponse {
	res := make([]AuditEventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, auditEventResponse(e))
	}
	return res
}
