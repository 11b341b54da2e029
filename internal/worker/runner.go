// Package worker polls for pending leads, assigns them to AI agents and runs
// the research loop for each one.
package worker

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/lead-research/internal/cost"
	"github.com/sells-group/lead-research/internal/metrics"
	"github.com/sells-group/lead-research/internal/model"
	"github.com/sells-group/lead-research/internal/research"
	"github.com/sells-group/lead-research/internal/store"
)

// Activity titles.
const (
	TitleAssigned  = "Research Assigned"
	TitleStarted   = "Research Started"
	TitleIndustry  = "Industry Identified"
	TitleRevenue   = "Revenue Estimated"
	TitleCompleted = "Research Completed"
	TitleFailed    = "Research Failed"
	TitleTriggered = "Research Triggered"
)

const defaultSummary = "Basic research completed"

// Researcher runs the agent loop for one lead.
type Researcher interface {
	Research(ctx context.Context, lead model.Lead) (*research.Outcome, error)
}

// Runner researches one lead on behalf of one agent and records every step
// as an activity.
type Runner struct {
	store      store.Store
	researcher Researcher
	costs      *cost.Calculator
	metrics    *metrics.Metrics
	now        func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerClock replaces time.Now.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithRunnerMetrics records run and loop outcomes.
func WithRunnerMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithCostCalculator prices each attempt.
func WithCostCalculator(c *cost.Calculator) RunnerOption {
	return func(r *Runner) { r.costs = c }
}

// NewRunner creates a Runner.
func NewRunner(st store.Store, researcher Researcher, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:      st,
		researcher: researcher,
		costs:      cost.NewCalculator(cost.DefaultRates()),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// attempt carries the identifiers shared by every activity of one run.
type attempt struct {
	lead      model.Lead
	agent     model.Agent
	cycleID   string
	requestID string
	log       *zap.Logger
}

// Run researches lead as agent. On failure the lead is marked FAILED, a
// failure activity is written and the error is returned.
func (r *Runner) Run(ctx context.Context, lead model.Lead, agent model.Agent, cycleID string) error {
	requestID := fmt.Sprintf("research_%s_%d", lead.ID, r.now().UnixMilli())
	a := &attempt{
		lead:      lead,
		agent:     agent,
		cycleID:   cycleID,
		requestID: requestID,
		log: zap.L().With(
			zap.String("cycle_id", cycleID),
			zap.String("request_id", requestID),
			zap.String("lead_id", lead.ID),
			zap.String("agent_id", agent.ID),
		),
	}
	a.log.Info("starting lead research", zap.String("lead", lead.DisplayName()))

	if err := r.runGuarded(ctx, a); err != nil {
		r.fail(ctx, a, err)
		r.metrics.ObserveRun(metrics.RunFailed)
		return err
	}
	r.metrics.ObserveRun(metrics.RunCompleted)
	return nil
}

// runGuarded converts a panic anywhere in the attempt into an error so the
// lead is still marked FAILED.
func (r *Runner) runGuarded(ctx context.Context, a *attempt) (err error) {
	defer func() {
		if p := recover(); p != nil {
			a.log.Error("lead research panicked", zap.Any("panic", p), zap.Stack("stack"))
			err = eris.Errorf("worker: research panic: %v", p)
		}
	}()
	return r.run(ctx, a)
}

func (r *Runner) run(ctx context.Context, a *attempt) error {
	lead, agent := a.lead, a.agent

	if err := r.store.MarkInProgress(ctx, lead.ID, agent.ID, r.now()); err != nil {
		return eris.Wrap(err, "worker: mark in progress")
	}

	if err := r.record(ctx, a, model.ActivityTypeAIAction, TitleAssigned,
		fmt.Sprintf("Research assigned to AI Agent %s", agent.DisplayName()),
		model.ActivityStatusCompleted,
		map[string]any{
			"request_id": a.requestID,
			"cycle_id":   a.cycleID,
			"agent_type": string(agent.Type),
		},
	); err != nil {
		return err
	}

	if err := r.record(ctx, a, model.ActivityTypeLeadResearch, TitleStarted,
		fmt.Sprintf("Started comprehensive research for %s", businessOrLead(lead)),
		model.ActivityStatusInProgress,
		map[string]any{
			"request_id":    a.requestID,
			"research_type": "comprehensive",
			"lead_data": map[string]any{
				"business_name": lead.BusinessName,
				"email":         lead.Email,
				"industry":      lead.Industry,
			},
		},
	); err != nil {
		return err
	}

	out, err := r.researcher.Research(ctx, lead)
	if err != nil {
		return eris.Wrap(err, "worker: research")
	}
	result := out.Result
	result.Confidence = model.ClampConfidence(result.Confidence)
	if result.Sources == nil {
		result.Sources = []string{}
	}

	update := model.ResearchUpdate{Result: result, ResearchedAt: r.now()}
	if lead.Industry == "" && result.CompanyInfo.Industry != "" {
		v := result.CompanyInfo.Industry
		update.Industry = &v
	}
	if !hasRevenue(lead.MonthlyRevenue) && usableEstimate(result.CompanyInfo.EstimatedRevenue) {
		v := *result.CompanyInfo.EstimatedRevenue
		update.MonthlyRevenue = &v
	}

	if err := r.store.CompleteResearch(ctx, lead.ID, update); err != nil {
		return eris.Wrap(err, "worker: complete research")
	}

	// The lead is COMPLETED from here on; activity write failures are logged
	// and do not demote it.
	breakdown := r.costs.Attempt(cost.Usage{
		AgentModel:      out.AgentModel,
		AgentTokens:     out.AgentUsage,
		NormalizeModel:  out.NormalizeModel,
		NormalizeTokens: out.NormalizeUsage,
		SearchCalls:     out.SearchCalls,
	})
	r.metrics.ObserveLoop(out.State.String(), out.Iterations, out.SearchCalls, breakdown.Total)

	if update.Industry != nil {
		r.recordQuietly(ctx, a, model.ActivityTypeLeadResearch, TitleIndustry,
			fmt.Sprintf("Updated industry classification: %s", *update.Industry),
			model.ActivityStatusCompleted,
			fieldUpdate(a.requestID, "industry", *update.Industry, result.Confidence),
		)
	}
	if update.MonthlyRevenue != nil {
		r.recordQuietly(ctx, a, model.ActivityTypeLeadResearch, TitleRevenue,
			fmt.Sprintf("Updated monthly revenue estimate: $%s", FormatAmount(*update.MonthlyRevenue)),
			model.ActivityStatusCompleted,
			fieldUpdate(a.requestID, "monthly_revenue", *update.MonthlyRevenue, result.Confidence),
		)
	}

	points := result.DataPoints()
	r.recordQuietly(ctx, a, model.ActivityTypeLeadResearch, TitleCompleted,
		fmt.Sprintf("Research completed successfully - discovered %d data points", points),
		model.ActivityStatusCompleted,
		map[string]any{
			"request_id":         a.requestID,
			"cycle_id":           a.cycleID,
			"data_points_found":  points,
			"confidence":         result.Confidence,
			"research_summary":   Summary(result),
			"degraded":           out.Degraded(),
			"iterations":         out.Iterations,
			"search_calls":       out.SearchCalls,
			"input_tokens":       out.AgentUsage.InputTokens + out.NormalizeUsage.InputTokens,
			"output_tokens":      out.AgentUsage.OutputTokens + out.NormalizeUsage.OutputTokens,
			"estimated_cost_usd": breakdown.Total,
			"cost_breakdown":     breakdown,
		},
	)

	a.log.Info("lead research completed",
		zap.Int("data_points", points),
		zap.Float64("confidence", result.Confidence),
		zap.Bool("degraded", out.Degraded()),
		zap.Float64("estimated_cost_usd", breakdown.Total),
	)
	return nil
}

// fail marks the lead FAILED and records why. Its own errors are logged so
// the research error stays the one returned.
func (r *Runner) fail(ctx context.Context, a *attempt, cause error) {
	a.log.Error("lead research failed", zap.Error(cause))

	// A cancelled run still records its failure.
	ctx = context.WithoutCancel(ctx)

	if err := r.store.FailResearch(ctx, a.lead.ID); err != nil {
		a.log.Error("worker: mark lead failed", zap.Error(err))
	}
	msg := cause.Error()
	r.recordQuietly(ctx, a, model.ActivityTypeLeadResearch, TitleFailed,
		fmt.Sprintf("Research failed: %s", msg),
		model.ActivityStatusFailed,
		map[string]any{
			"request_id": a.requestID,
			"cycle_id":   a.cycleID,
			"error":      msg,
		},
	)
}

func (r *Runner) record(ctx context.Context, a *attempt, typ model.ActivityType, title, desc string, status model.ActivityStatus, meta map[string]any) error {
	err := r.store.CreateActivity(ctx, model.Activity{
		Type:           typ,
		Title:          title,
		Description:    desc,
		LeadID:         a.lead.ID,
		UserID:         a.agent.ID,
		OrganizationID: a.lead.OrganizationID,
		Status:         status,
		Metadata:       meta,
		CreatedAt:      r.now(),
	})
	return eris.Wrapf(err, "worker: record %q activity", title)
}

func (r *Runner) recordQuietly(ctx context.Context, a *attempt, typ model.ActivityType, title, desc string, status model.ActivityStatus, meta map[string]any) {
	if err := r.record(ctx, a, typ, title, desc, status, meta); err != nil {
		a.log.Warn("activity not recorded", zap.String("title", title), zap.Error(err))
	}
}

func fieldUpdate(requestID, field string, value any, confidence float64) map[string]any {
	return map[string]any{
		"request_id":    requestID,
		"field_updated": field,
		"old_value":     nil,
		"new_value":     value,
		"confidence":    confidence,
	}
}

// hasRevenue mirrors the store's notion of a populated monthly_revenue.
func hasRevenue(v *float64) bool {
	return v != nil && *v != 0 && !math.IsNaN(*v)
}

// usableEstimate reports whether an estimated revenue would be written by
// CompleteResearch, which ignores values that are not positive.
func usableEstimate(v *float64) bool {
	return v != nil && *v > 0
}

func businessOrLead(l model.Lead) string {
	if l.BusinessName != "" {
		return l.BusinessName
	}
	return "lead"
}

var printer = message.NewPrinter(language.English)

// FormatAmount renders a dollar amount with thousands separators, for
// example 1250000 as "1,250,000" and 1234.5 as "1,234.5".
func FormatAmount(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return printer.Sprintf("%d", int64(v))
	}
	s := printer.Sprintf("%.2f", v)
	return strings.TrimSuffix(s, "0")
}

// Summary is the short digest of a result written on completion.
func Summary(r model.ResearchResult) string {
	var parts []string
	if r.CompanyInfo.Industry != "" {
		parts = append(parts, "Industry: "+r.CompanyInfo.Industry)
	}
	if usableEstimate(r.CompanyInfo.EstimatedRevenue) {
		parts = append(parts, "Est. Revenue: $"+FormatAmount(*r.CompanyInfo.EstimatedRevenue))
	}
	if r.CompanyInfo.EmployeeCount != "" {
		parts = append(parts, "Employees: "+r.CompanyInfo.EmployeeCount)
	}
	if len(parts) == 0 {
		return defaultSummary
	}
	return strings.Join(parts, ", ")
}
