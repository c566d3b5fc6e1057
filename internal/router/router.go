// Package router picks the pipeline that handles a logical message.
package router

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
	"github.com/MikeSquared-Agency/clinicrelay/internal/patterns"
)

// DefaultThreshold is the minimum scheduling score that can win.
const DefaultThreshold = 0.3

// Decision reasons.
const (
	ReasonActiveConversation  = "active_conversation"
	ReasonSchedulingPatterns  = "scheduling_patterns"
	ReasonChatPatterns        = "chat_patterns"
	ReasonDefault             = "default_medical"
	ReasonImmediateEscalation = "immediate_escalation"
)

// Scheduling workflows, most specific first.
const (
	WorkflowConfirmation = "appointment_confirmation"
	WorkflowRescheduling = "appointment_rescheduling"
	WorkflowBooking      = "appointment_booking"
	WorkflowGeneral      = "appointment_general"
)

// Router is stateless apart from its compiled pattern sets.
type Router struct {
	scheduling *patterns.Set
	chat       *patterns.Set
	workflows  []workflowSet
	threshold  float64
	now        func() time.Time
}

type workflowSet struct {
	name string
	set  *patterns.Set
}

// New builds a router from validated pattern sets.
func New(sets patterns.Sets, threshold float64) *Router {
	return &Router{
		scheduling: sets[patterns.SetScheduling],
		chat:       sets[patterns.SetChat],
		workflows: []workflowSet{
			{WorkflowConfirmation, sets[patterns.SetWorkflowConfirmation]},
			{WorkflowRescheduling, sets[patterns.SetWorkflowRescheduling]},
			{WorkflowBooking, sets[patterns.SetWorkflowBooking]},
		},
		threshold: threshold,
		now:       time.Now,
	}
}

// Decide applies the scoring rule: scheduling wins only when it beats chat
// and clears the threshold. Confidence is the winning score.
func Decide(schedulingScore, chatScore, threshold float64) (chat.Destination, float64) {
	if schedulingScore > chatScore && schedulingScore > threshold {
		return chat.DestinationScheduling, schedulingScore
	}
	return chat.DestinationMedical, chatScore
}

// Route decides where msg goes. sess may be nil. An active session that
// already has a pipeline associated continues in the medical pipeline
// without scoring.
func (r *Router) Route(msg chat.LogicalMessage, sess *chat.Session) chat.RoutingDecision {
	d := chat.RoutingDecision{
		ID:            uuid.New(),
		Correspondent: msg.Correspondent,
		Content:       msg.Content,
		DecidedAt:     r.now(),
	}

	if sess != nil && sess.Active && sess.ActivePipeline != "" {
		d.Destination = chat.DestinationMedical
		d.Confidence = 1.0
		d.Reason = ReasonActiveConversation
		return d
	}

	text := patterns.Normalize(msg.Content)
	schedIDs := r.scheduling.Matches(text)
	chatIDs := r.chat.Matches(text)
	schedScore := ratio(len(schedIDs), r.scheduling)
	chatScore := ratio(len(chatIDs), r.chat)

	d.Destination, d.Confidence = Decide(schedScore, chatScore, r.threshold)
	d.MatchedPatterns = append(append([]string{}, schedIDs...), chatIDs...)
	switch {
	case d.Destination == chat.DestinationScheduling:
		d.Reason = ReasonSchedulingPatterns
		d.Workflow = r.workflow(text)
	case chatScore > 0:
		d.Reason = ReasonChatPatterns
	default:
		d.Reason = ReasonDefault
	}
	return d
}

// Same as patterns.Score, without matching twice.
func ratio(matched int, s *patterns.Set) float64 {
	if s == nil || len(s.Patterns) == 0 {
		return 0
	}
	return float64(matched) / float64(len(s.Patterns))
}

func (r *Router) workflow(text string) string {
	for _, w := range r.workflows {
		if w.set.Any(text) {
			return w.name
		}
	}
	return WorkflowGeneral
}

// Continues reports whether the conversation should stay in the medical
// pipeline for the next message: the decision was medical on evidence (not
// the fallback default) and the reply asked the patient something back.
func Continues(d chat.RoutingDecision, reply string) bool {
	if d.Destination != chat.DestinationMedical || d.Reason == ReasonDefault {
		return false
	}
	return strings.Contains(reply, "?")
}

// EmergencyDecision records a message forced to the emergency destination
// before routing ran.
func EmergencyDecision(msg chat.LogicalMessage, matched []string, at time.Time) chat.RoutingDecision {
	return chat.RoutingDecision{
		ID:              uuid.New(),
		Correspondent:   msg.Correspondent,
		Content:         msg.Content,
		Destination:     chat.DestinationEmergency,
		Confidence:      1.0,
		Reason:          ReasonImmediateEscalation,
		MatchedPatterns: matched,
		DecidedAt:       at,
	}
}
