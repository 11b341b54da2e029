package model

import "time"

// AgentType tags an AI agent identity. Used for pool selection and audit attribution.
type AgentType string

const (
	AgentTypeResearcher    AgentType = "RESEARCHER"
	AgentTypeLeadProcessor AgentType = "LEAD_PROCESSOR"
	AgentTypeUnderwriting  AgentType = "UNDERWRITING"
)

// ResearchAgentTypes are the agent types eligible for research assignment.
var ResearchAgentTypes = []AgentType{AgentTypeResearcher, AgentTypeLeadProcessor}

// ParseAgentType validates a raw agent type string.
func ParseAgentType(s string) (AgentType, bool) {
	switch t := AgentType(s); t {
	case AgentTypeResearcher, AgentTypeLeadProcessor, AgentTypeUnderwriting:
		return t, true
	default:
		return "", false
	}
}

// Agent is a logical AI worker identity. The orchestrator never owns it.
type Agent struct {
	ID             string    `json:"id" yaml:"id"`
	Email          string    `json:"email" yaml:"email"`
	FirstName      string    `json:"first_name" yaml:"first_name"`
	LastName       string    `json:"last_name" yaml:"last_name"`
	Type           AgentType `json:"ai_type" yaml:"ai_type"`
	Version        string    `json:"version,omitempty" yaml:"version"`
	Capabilities   []string  `json:"capabilities,omitempty" yaml:"capabilities"`
	OrganizationID string    `json:"organization_id,omitempty" yaml:"organization_id"`
	CreatedAt      time.Time `json:"created_at" yaml:"-"`
}

// DisplayName returns "First Last".
func (a Agent) DisplayName() string {
	return a.FirstName + " " + a.LastName
}
