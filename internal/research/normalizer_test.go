package research

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/sells-group/lead-research/internal/model"
	"github.com/sells-group/lead-research/pkg/anthropic"
	"github.com/sells-group/lead-research/pkg/gemini"
)

func TestDecodeResult_Full(t *testing.T) {
	r, err := DecodeResult(`{
		"companyInfo": {"industry": "Bakery", "estimatedRevenue": 1200000, "employeeCount": 12, "founded": 1998, "website": "https://acme.test"},
		"contactValidation": {"emailValid": true, "phoneValid": "no", "socialProfiles": [{"url": "https://x.test/acme"}, "https://li.test/acme"]},
		"businessAnalysis": {"industryClassification": "Food Service", "revenueRange": "$1M-$5M", "riskScore": "0.3"},
		"confidence": 0.9,
		"sources": ["https://acme.test", {"url": "https://news.test"}]
	}`)
	require.NoError(t, err)

	assert.Equal(t, "Bakery", r.CompanyInfo.Industry)
	require.NotNil(t, r.CompanyInfo.EstimatedRevenue)
	assert.InDelta(t, 1200000, *r.CompanyInfo.EstimatedRevenue, 1e-6)
	assert.Equal(t, "12", r.CompanyInfo.EmployeeCount)
	assert.Equal(t, "1998", r.CompanyInfo.Founded)
	assert.Equal(t, "https://acme.test", r.CompanyInfo.Website)

	require.NotNil(t, r.ContactValidation.EmailValid)
	assert.True(t, *r.ContactValidation.EmailValid)
	require.NotNil(t, r.ContactValidation.PhoneValid)
	assert.False(t, *r.ContactValidation.PhoneValid)
	assert.Equal(t, []string{"https://x.test/acme", "https://li.test/acme"}, r.ContactValidation.SocialProfiles)

	assert.Equal(t, "Food Service", r.BusinessAnalysis.IndustryClassification)
	assert.Equal(t, "$1M-$5M", r.BusinessAnalysis.RevenueRange)
	require.NotNil(t, r.BusinessAnalysis.RiskScore)
	assert.InDelta(t, 0.3, *r.BusinessAnalysis.RiskScore, 1e-9)

	assert.InDelta(t, 0.9, r.Confidence, 1e-9)
	assert.Equal(t, []string{"https://acme.test", "https://news.test"}, r.Sources)
}

func TestDecodeResult_Defaults(t *testing.T) {
	r, err := DecodeResult(`{"companyInfo":{"industry":"Retail"}}`)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfidence, r.Confidence)
	assert.NotNil(t, r.Sources)
	assert.Empty(t, r.Sources)
	assert.Nil(t, r.CompanyInfo.EstimatedRevenue)
	assert.Nil(t, r.ContactValidation.EmailValid)
}

func TestDecodeResult_ConfidenceIsClamped(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{`{"confidence": 1.7}`, 1},
		{`{"confidence": -0.2}`, 0},
		{`{"confidence": "0.6"}`, 0.6},
		{`{"confidence": null}`, DefaultConfidence},
		{`{"confidence": "high"}`, DefaultConfidence},
		{`{"confidence": 0}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			r, err := DecodeResult(tt.in)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, r.Confidence, 1e-9)
		})
	}
}

func TestDecodeResult_Errors(t *testing.T) {
	for _, in := range []string{"", "   ", "no json", `{"companyInfo": "bakery"}`} {
		_, err := DecodeResult(in)
		var ne *NormalizeError
		require.ErrorAs(t, err, &ne, in)
		assert.Equal(t, in, ne.Raw)
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"1250000", 1250000, true},
		{"$1,250,000", 1250000, true},
		{"1.2M", 1200000, true},
		{"850k", 850000, true},
		{"$2B", 2e9, true},
		{"", 0, false},
		{"lots", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseAmount(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.InDelta(t, tt.want, got, 1e-6, tt.in)
	}
}

func TestAnthropicNormalizer(t *testing.T) {
	reasoner := &scriptedReasoner{responses: []*anthropic.MessageResponse{
		reply(textBlock("```json\n{\"companyInfo\":{\"industry\":\"Bakery\"},\"confidence\":0.8}\n```")),
	}}

	n, err := NewAnthropicNormalizer(reasoner, "claude-sonnet-4-5-20250929").Normalize(context.Background(), finalJSON)
	require.NoError(t, err)
	assert.Equal(t, "Bakery", n.Result.CompanyInfo.Industry)
	assert.InDelta(t, 0.8, n.Result.Confidence, 1e-9)
	assert.Equal(t, "claude-sonnet-4-5-20250929", n.Model)
	assert.Equal(t, int64(100), n.Usage.InputTokens)

	req := reasoner.requests[0]
	require.NotNil(t, req.Temperature)
	assert.Zero(t, *req.Temperature)
	assert.Empty(t, req.Tools)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, normalizePrompt+finalJSON, req.Messages[0].Content)
	assert.True(t, strings.Contains(req.System[0].Text, `"confidence"`))
}

func TestAnthropicNormalizer_Errors(t *testing.T) {
	reasoner := &scriptedReasoner{err: &anthropic.APIError{StatusCode: 500, Body: "boom"}}
	_, err := NewAnthropicNormalizer(reasoner, "m").Normalize(context.Background(), "{}")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CapabilityNormalization, te.Capability)

	empty := &scriptedReasoner{responses: []*anthropic.MessageResponse{reply()}}
	_, err = NewAnthropicNormalizer(empty, "m").Normalize(context.Background(), "{}")
	var ne *NormalizeError
	assert.ErrorAs(t, err, &ne)

	_, err = NewAnthropicNormalizer(nil, "m").Normalize(context.Background(), "{}")
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestGeminiNormalizer(t *testing.T) {
	fake := &fakeGemini{resp: &gemini.JSONResponse{
		Text:         `{"businessAnalysis":{"businessType":"LLC"},"sources":["https://a.test"]}`,
		InputTokens:  40,
		OutputTokens: 12,
	}}

	n, err := NewGeminiNormalizer(fake, "gemini-2.5-flash").Normalize(context.Background(), finalJSON)
	require.NoError(t, err)
	assert.Equal(t, "LLC", n.Result.BusinessAnalysis.BusinessType)
	assert.Equal(t, DefaultConfidence, n.Result.Confidence)
	assert.Equal(t, []string{"https://a.test"}, n.Result.Sources)
	assert.Equal(t, anthropic.TokenUsage{InputTokens: 40, OutputTokens: 12}, n.Usage)

	assert.Equal(t, "gemini-2.5-flash", fake.req.Model)
	assert.Equal(t, normalizePrompt+finalJSON, fake.req.Prompt)
	require.NotNil(t, fake.req.Schema)
	require.NotNil(t, fake.req.Temperature)
	assert.Zero(t, *fake.req.Temperature)

	_, err = NewGeminiNormalizer(nil, "m").Normalize(context.Background(), "{}")
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestResultSchema(t *testing.T) {
	s := ResultSchema()
	assert.Equal(t, genai.TypeObject, s.Type)
	for _, key := range []string{"companyInfo", "contactValidation", "businessAnalysis", "confidence", "sources"} {
		assert.Contains(t, s.Properties, key)
	}
	assert.Equal(t, genai.TypeArray, s.Properties["sources"].Type)
	assert.Equal(t, genai.TypeNumber, s.Properties["companyInfo"].Properties["estimatedRevenue"].Type)
}

func TestDecodeResult_DataPoints(t *testing.T) {
	r, err := DecodeResult(`{"companyInfo":{"industry":"Bakery","estimatedRevenue":"1.2M"},"businessAnalysis":{"revenueRange":"1-5M"}}`)
	require.NoError(t, err)
	assert.Equal(t, 3, r.DataPoints())
	assert.IsType(t, model.ResearchResult{}, r)
}
