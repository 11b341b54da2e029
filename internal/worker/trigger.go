package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-research/internal/model"
	"github.com/sells-group/lead-research/internal/store"
)

// Trigger messages.
const (
	MsgAlreadyInProgress = "Research already in progress"
	MsgQueued            = "Lead queued for research"
)

// TriggerResult is the outcome of a manual research request.
type TriggerResult struct {
	LeadID   string               `json:"leadId"`
	Status   model.ResearchStatus `json:"status"`
	Message  string               `json:"message"`
	Requeued bool                 `json:"requeued"`
}

// Trigger queues a lead for another research attempt: it resets the lead to
// PENDING, clears its previous result and records the request. A lead that
// is IN_PROGRESS is left alone. Missing leads return store.ErrNotFound.
func Trigger(ctx context.Context, st store.Store, leadID string, now time.Time) (*TriggerResult, error) {
	requestID := fmt.Sprintf("research_trigger_%d_%s", now.UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:9])
	log := zap.L().With(zap.String("request_id", requestID), zap.String("lead_id", leadID))

	lead, err := st.GetLead(ctx, leadID)
	if err != nil {
		return nil, eris.Wrap(err, "worker: trigger: get lead")
	}

	if lead.ResearchStatus == model.ResearchStatusInProgress {
		log.Info("research already in progress")
		return &TriggerResult{LeadID: lead.ID, Status: lead.ResearchStatus, Message: MsgAlreadyInProgress}, nil
	}

	if err := st.RequeueLead(ctx, lead.ID); err != nil {
		return nil, eris.Wrap(err, "worker: trigger: requeue lead")
	}

	if err := st.CreateActivity(ctx, model.Activity{
		Type:           model.ActivityTypeLeadResearch,
		Title:          TitleTriggered,
		Description:    "Research manually triggered - queued for processing",
		LeadID:         lead.ID,
		OrganizationID: lead.OrganizationID,
		Status:         model.ActivityStatusCompleted,
		Metadata: map[string]any{
			"request_id":      requestID,
			"trigger":         "manual",
			"previous_status": string(lead.ResearchStatus),
		},
		CreatedAt: now,
	}); err != nil {
		return nil, eris.Wrap(err, "worker: trigger: record activity")
	}

	log.Info("lead queued for research", zap.String("previous_status", string(lead.ResearchStatus)))
	return &TriggerResult{LeadID: lead.ID, Status: model.ResearchStatusPending, Message: MsgQueued, Requeued: true}, nil
}
