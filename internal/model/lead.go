package model

import (
	"strings"
	"time"
)

// ResearchStatus represents the lifecycle state of a lead's enrichment attempt.
type ResearchStatus string

const (
	ResearchStatusPending          ResearchStatus = "PENDING"
	ResearchStatusInProgress       ResearchStatus = "IN_PROGRESS"
	ResearchStatusCompleted        ResearchStatus = "COMPLETED"
	ResearchStatusFailed           ResearchStatus = "FAILED"
	ResearchStatusInsufficientData ResearchStatus = "INSUFFICIENT_DATA"
)

// Valid reports whether s is one of the known research statuses.
func (s ResearchStatus) Valid() bool {
	switch s {
	case ResearchStatusPending, ResearchStatusInProgress, ResearchStatusCompleted,
		ResearchStatusFailed, ResearchStatusInsufficientData:
		return true
	default:
		return false
	}
}

// Terminal reports whether s ends a research attempt.
func (s ResearchStatus) Terminal() bool {
	return s == ResearchStatusCompleted || s == ResearchStatusFailed || s == ResearchStatusInsufficientData
}

// Lead is a unit of work awaiting or having undergone research.
type Lead struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id,omitempty"`
	FirstName      string          `json:"first_name,omitempty"`
	LastName       string          `json:"last_name,omitempty"`
	BusinessName   string          `json:"business_name,omitempty"`
	Email          string          `json:"email,omitempty"`
	Phone          string          `json:"phone,omitempty"`
	Industry       string          `json:"industry,omitempty"`
	MonthlyRevenue *float64        `json:"monthly_revenue,omitempty"`
	ResearchStatus ResearchStatus  `json:"research_status"`
	ResearchData   *ResearchResult `json:"research_data,omitempty"`
	ResearchedAt   *time.Time      `json:"researched_at,omitempty"`
	AssignedToID   string          `json:"assigned_to_id,omitempty"`
	AssignedAt     *time.Time      `json:"assigned_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// PersonName joins the non-empty first and last name.
func (l Lead) PersonName() string {
	return strings.TrimSpace(strings.Join(nonEmpty(l.FirstName, l.LastName), " "))
}

// DisplayName returns the business name, falling back to the person name.
func (l Lead) DisplayName() string {
	if l.BusinessName != "" {
		return l.BusinessName
	}
	if name := l.PersonName(); name != "" {
		return name
	}
	return "lead"
}

// ResearchUpdate is the set of lead fields written when research completes.
// Nil backfill fields are left untouched.
type ResearchUpdate struct {
	Result         ResearchResult `json:"result"`
	ResearchedAt   time.Time      `json:"researched_at"`
	Industry       *string        `json:"industry,omitempty"`
	MonthlyRevenue *float64       `json:"monthly_revenue,omitempty"`
}

func nonEmpty(parts ...string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
