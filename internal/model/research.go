package model

// CompanyInfo holds firmographic facts discovered about a lead's business.
type CompanyInfo struct {
	Industry         string   `json:"industry,omitempty"`
	EstimatedRevenue *float64 `json:"estimatedRevenue,omitempty"`
	EmployeeCount    string   `json:"employeeCount,omitempty"`
	Founded          string   `json:"founded,omitempty"`
	Description      string   `json:"description,omitempty"`
	Website          string   `json:"website,omitempty"`
}

// ContactValidation holds checks on the lead's contact details.
type ContactValidation struct {
	EmailValid         *bool    `json:"emailValid,omitempty"`
	PhoneValid         *bool    `json:"phoneValid,omitempty"`
	SocialProfiles     []string `json:"socialProfiles,omitempty"`
	BusinessLegitimacy string   `json:"businessLegitimacy,omitempty"`
}

// BusinessAnalysis holds derived classification and risk signals.
type BusinessAnalysis struct {
	IndustryClassification string   `json:"industryClassification,omitempty"`
	RevenueRange           string   `json:"revenueRange,omitempty"`
	BusinessType           string   `json:"businessType,omitempty"`
	RiskScore              *float64 `json:"riskScore,omitempty"`
	RiskAssessment         string   `json:"riskAssessment,omitempty"`
}

// ResearchResult is the normalized payload persisted on a lead after a
// successful research attempt. Confidence is always within [0,1] and Sources
// is never nil.
type ResearchResult struct {
	CompanyInfo       CompanyInfo       `json:"companyInfo"`
	ContactValidation ContactValidation `json:"contactValidation"`
	BusinessAnalysis  BusinessAnalysis  `json:"businessAnalysis"`
	Confidence        float64           `json:"confidence"`
	Sources           []string          `json:"sources"`
}

// DegradedResearchResult is returned when the agent loop never produced a
// final answer.
func DegradedResearchResult() ResearchResult {
	return ResearchResult{Confidence: 0.5, Sources: []string{}}
}

// ClampConfidence restricts c to [0,1].
func ClampConfidence(c float64) float64 {
	switch {
	case c != c: // NaN
		return 0
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

// DataPoints counts the non-empty facts a result discovered.
func (r ResearchResult) DataPoints() int {
	n := 0
	if r.CompanyInfo.Industry != "" {
		n++
	}
	if r.CompanyInfo.EstimatedRevenue != nil && *r.CompanyInfo.EstimatedRevenue != 0 {
		n++
	}
	if r.CompanyInfo.EmployeeCount != "" {
		n++
	}
	if r.CompanyInfo.Description != "" {
		n++
	}
	if r.ContactValidation.EmailValid != nil {
		n++
	}
	if r.BusinessAnalysis.IndustryClassification != "" {
		n++
	}
	if r.BusinessAnalysis.RevenueRange != "" {
		n++
	}
	return n
}
