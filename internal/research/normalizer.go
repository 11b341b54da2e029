package research

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/sells-group/lead-research/internal/model"
	"github.com/sells-group/lead-research/pkg/anthropic"
	"github.com/sells-group/lead-research/pkg/gemini"
)

// DefaultConfidence is used when the normalized output omits confidence.
const DefaultConfidence = 0.75

const (
	normalizePrompt = "Normalize this JSON to the target schema: "

	normalizeSystem = `You convert lead research notes into a single JSON object and return only that object.
Target schema (every field optional):
{
  "companyInfo": {"industry": string, "estimatedRevenue": number (annual USD), "employeeCount": string, "founded": string, "description": string, "website": string},
  "contactValidation": {"emailValid": boolean, "phoneValid": boolean, "socialProfiles": [string], "businessLegitimacy": string},
  "businessAnalysis": {"industryClassification": string, "revenueRange": string, "businessType": string, "riskScore": number, "riskAssessment": string},
  "confidence": number between 0 and 1,
  "sources": [string]
}`
)

// Normalized is the output of one normalization call.
type Normalized struct {
	Result model.ResearchResult
	Model  string
	Usage  anthropic.TokenUsage
}

// Normalizer coerces the agent's final free-text answer into a ResearchResult.
type Normalizer interface {
	Normalize(ctx context.Context, text string) (*Normalized, error)
}

// AnthropicNormalizer normalizes with a Claude model.
type AnthropicNormalizer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicNormalizer creates a normalizer. A nil client fails with
// ErrMissingCredentials on first use.
func NewAnthropicNormalizer(client anthropic.Client, model string) *AnthropicNormalizer {
	return &AnthropicNormalizer{client: client, model: model, maxTokens: 2048}
}

// Normalize implements Normalizer.
func (n *AnthropicNormalizer) Normalize(ctx context.Context, text string) (*Normalized, error) {
	if n.client == nil {
		return nil, missingCredentials(CapabilityNormalization)
	}

	temp := 0.0
	resp, err := n.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       n.model,
		MaxTokens:   n.maxTokens,
		System:      []anthropic.SystemBlock{{Text: normalizeSystem}},
		Messages:    []anthropic.Message{{Role: "user", Content: normalizePrompt + text}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrap(asTransportError(CapabilityNormalization, err), "research: normalize")
	}
	resp.Usage.LogUsage(n.model, "normalize")

	result, err := DecodeResult(firstText(resp.Content, ""))
	if err != nil {
		return nil, err
	}
	return &Normalized{Result: result, Model: n.model, Usage: resp.Usage}, nil
}

// GeminiNormalizer normalizes with a schema-constrained Gemini model.
type GeminiNormalizer struct {
	client gemini.Client
	model  string
}

// NewGeminiNormalizer creates a normalizer. A nil client fails with
// ErrMissingCredentials on first use.
func NewGeminiNormalizer(client gemini.Client, model string) *GeminiNormalizer {
	return &GeminiNormalizer{client: client, model: model}
}

// Normalize implements Normalizer.
func (n *GeminiNormalizer) Normalize(ctx context.Context, text string) (*Normalized, error) {
	if n.client == nil {
		return nil, missingCredentials(CapabilityNormalization)
	}

	var temp float32
	resp, err := n.client.GenerateJSON(ctx, gemini.JSONRequest{
		Model:       n.model,
		System:      normalizeSystem,
		Prompt:      normalizePrompt + text,
		Schema:      ResultSchema(),
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrap(err, "research: normalize")
	}

	result, err := DecodeResult(resp.Text)
	if err != nil {
		return nil, err
	}
	usage := anthropic.TokenUsage{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}
	zap.L().Debug("gemini normalize usage",
		zap.String("model", n.model),
		zap.Int64("input_tokens", usage.InputTokens),
		zap.Int64("output_tokens", usage.OutputTokens),
	)
	return &Normalized{Result: result, Model: n.model, Usage: usage}, nil
}

// ResultSchema is the response schema for schema-constrained normalization.
func ResultSchema() *genai.Schema {
	str := &genai.Schema{Type: genai.TypeString}
	num := &genai.Schema{Type: genai.TypeNumber}
	boolean := &genai.Schema{Type: genai.TypeBoolean}
	strList := &genai.Schema{Type: genai.TypeArray, Items: str}
	lo, hi := 0.0, 1.0

	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"companyInfo": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"industry":         str,
					"estimatedRevenue": num,
					"employeeCount":    str,
					"founded":          str,
					"description":      str,
					"website":          str,
				},
			},
			"contactValidation": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"emailValid":         boolean,
					"phoneValid":         boolean,
					"socialProfiles":     strList,
					"businessLegitimacy": str,
				},
			},
			"businessAnalysis": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"industryClassification": str,
					"revenueRange":           str,
					"businessType":           str,
					"riskScore":              num,
					"riskAssessment":         str,
				},
			},
			"confidence": {Type: genai.TypeNumber, Minimum: &lo, Maximum: &hi},
			"sources":    strList,
		},
	}
}

// DecodeResult leniently decodes normalized JSON into a ResearchResult.
// Strings, numbers and booleans are coerced across representations, missing
// confidence becomes DefaultConfidence and missing sources become empty.
func DecodeResult(text string) (model.ResearchResult, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return model.ResearchResult{}, &NormalizeError{Raw: text, Err: eris.New("empty response")}
	}

	var raw struct {
		CompanyInfo struct {
			Industry         flexString `json:"industry"`
			EstimatedRevenue flexNumber `json:"estimatedRevenue"`
			EmployeeCount    flexString `json:"employeeCount"`
			Founded          flexString `json:"founded"`
			Description      flexString `json:"description"`
			Website          flexString `json:"website"`
		} `json:"companyInfo"`
		ContactValidation struct {
			EmailValid         flexBool    `json:"emailValid"`
			PhoneValid         flexBool    `json:"phoneValid"`
			SocialProfiles     flexStrings `json:"socialProfiles"`
			BusinessLegitimacy flexString  `json:"businessLegitimacy"`
		} `json:"contactValidation"`
		BusinessAnalysis struct {
			IndustryClassification flexString `json:"industryClassification"`
			RevenueRange           flexString `json:"revenueRange"`
			BusinessType           flexString `json:"businessType"`
			RiskScore              flexNumber `json:"riskScore"`
			RiskAssessment         flexString `json:"riskAssessment"`
		} `json:"businessAnalysis"`
		Confidence flexNumber  `json:"confidence"`
		Sources    flexStrings `json:"sources"`
	}
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return model.ResearchResult{}, &NormalizeError{Raw: text, Err: err}
	}

	r := model.ResearchResult{
		CompanyInfo: model.CompanyInfo{
			Industry:         string(raw.CompanyInfo.Industry),
			EstimatedRevenue: raw.CompanyInfo.EstimatedRevenue.ptr(),
			EmployeeCount:    string(raw.CompanyInfo.EmployeeCount),
			Founded:          string(raw.CompanyInfo.Founded),
			Description:      string(raw.CompanyInfo.Description),
			Website:          string(raw.CompanyInfo.Website),
		},
		ContactValidation: model.ContactValidation{
			EmailValid:         raw.ContactValidation.EmailValid.ptr(),
			PhoneValid:         raw.ContactValidation.PhoneValid.ptr(),
			SocialProfiles:     []string(raw.ContactValidation.SocialProfiles),
			BusinessLegitimacy: string(raw.ContactValidation.BusinessLegitimacy),
		},
		BusinessAnalysis: model.BusinessAnalysis{
			IndustryClassification: string(raw.BusinessAnalysis.IndustryClassification),
			RevenueRange:           string(raw.BusinessAnalysis.RevenueRange),
			BusinessType:           string(raw.BusinessAnalysis.BusinessType),
			RiskScore:              raw.BusinessAnalysis.RiskScore.ptr(),
			RiskAssessment:         string(raw.BusinessAnalysis.RiskAssessment),
		},
		Confidence: DefaultConfidence,
		Sources:    []string(raw.Sources),
	}
	if c := raw.Confidence.ptr(); c != nil {
		r.Confidence = *c
	}
	r.Confidence = model.ClampConfidence(r.Confidence)
	if r.Sources == nil {
		r.Sources = []string{}
	}
	return r, nil
}

// flexString accepts a JSON string, number or boolean.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = flexString(strings.TrimSpace(str))
		return nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		*s = flexString(strconv.FormatFloat(v, 'f', -1, 64))
	case bool:
		*s = flexString(strconv.FormatBool(v))
	}
	return nil
}

// flexNumber accepts a JSON number or a numeric string such as "$1.2M".
type flexNumber struct {
	v   float64
	set bool
}

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		n.v, n.set = f, true
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return nil
	}
	if f, ok := parseAmount(str); ok {
		n.v, n.set = f, true
	}
	return nil
}

func (n flexNumber) ptr() *float64 {
	if !n.set || math.IsNaN(n.v) || math.IsInf(n.v, 0) {
		return nil
	}
	v := n.v
	return &v
}

// parseAmount parses "1250000", "$1,250,000", "1.2M" or "850k".
func parseAmount(s string) (float64, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	mul := 1.0
	switch s[len(s)-1] {
	case 'k':
		mul = 1e3
	case 'm':
		mul = 1e6
	case 'b':
		mul = 1e9
	}
	if mul != 1 {
		s = strings.TrimSpace(s[:len(s)-1])
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f * mul, true
}

// flexBool accepts a JSON boolean or "true"/"false"/"yes"/"no".
type flexBool struct {
	v   bool
	set bool
}

func (fb *flexBool) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case bool:
		fb.v, fb.set = v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "valid":
			fb.v, fb.set = true, true
		case "false", "no", "invalid":
			fb.v, fb.set = false, true
		}
	}
	return nil
}

func (fb flexBool) ptr() *bool {
	if !fb.set {
		return nil
	}
	v := fb.v
	return &v
}

// flexStrings accepts a list of strings or of objects with a url field, or
// a single string.
type flexStrings []string

func (fs *flexStrings) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case string:
		if v = strings.TrimSpace(v); v != "" {
			*fs = flexStrings{v}
		}
	case []any:
		out := make(flexStrings, 0, len(v))
		for _, item := range v {
			switch item := item.(type) {
			case string:
				if item = strings.TrimSpace(item); item != "" {
					out = append(out, item)
				}
			case map[string]any:
				if url, ok := item["url"].(string); ok && url != "" {
					out = append(out, url)
				}
			}
		}
		*fs = out
	}
	return nil
}

// firstText returns the first text block, or fallback when there is none.
func firstText(blocks []anthropic.ContentBlock, fallback string) string {
	for _, b := range blocks {
		if b.Type == anthropic.BlockTypeText {
			return b.Text
		}
	}
	return fallback
}
