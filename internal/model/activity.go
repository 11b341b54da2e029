package model

import "time"

// ActivityType classifies an audit entry.
type ActivityType string

const (
	ActivityTypeAIAction     ActivityType = "AI_ACTION"
	ActivityTypeLeadResearch ActivityType = "LEAD_RESEARCH"
)

// ActivityStatus tags the outcome recorded by an audit entry.
type ActivityStatus string

const (
	ActivityStatusCompleted  ActivityStatus = "COMPLETED"
	ActivityStatusInProgress ActivityStatus = "IN_PROGRESS"
	ActivityStatusFailed     ActivityStatus = "FAILED"
)

// Activity is an append-only audit entry for one orchestrator event.
type Activity struct {
	ID             string         `json:"id"`
	Type           ActivityType   `json:"type"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	LeadID         string         `json:"lead_id"`
	UserID         string         `json:"user_id,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty"`
	Status         ActivityStatus `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
