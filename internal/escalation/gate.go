// Package escalation decides when a conversation has to be handed to clinic
// staff: before the pipeline, on crisis language in the patient's message,
// and after it, on indicator phrases in the pipeline's final output.
package escalation

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
	"github.com/MikeSquared-Agency/clinicrelay/internal/patterns"
)

// EmergencyRedirect is sent instead of a pipeline reply when the pre-check
// fires. It is delivered even while a human override is active.
const EmergencyRedirect = "Percebo que você está passando por um momento muito difícil e quero que saiba que você não está sozinho(a). " +
	"Nossa equipe já foi avisada e vai falar com você o quanto antes.\n\n" +
	"Se você estiver em perigo agora, ligue para o SAMU (192) ou para o CVV (188, 24 horas), ou procure o pronto-socorro mais próximo."

// NotificationClause is appended to replies that the post-check escalates.
const NotificationClause = "Um membro da nossa equipe foi notificado e entrará em contato com você em breve."

// Gate holds the compiled crisis and indicator sets.
type Gate struct {
	crisis *patterns.Set
	// In priority order: emergency > complexity > physical exam > generic.
	indicators []indicator
}

type indicator struct {
	reason chat.EscalationReason
	set    *patterns.Set
}

// New builds a gate from validated pattern sets.
func New(sets patterns.Sets) *Gate {
	return &Gate{
		crisis: sets[patterns.SetCrisis],
		indicators: []indicator{
			{chat.ReasonEmergency, sets[patterns.SetEscalationEmergency]},
			{chat.ReasonComplexity, sets[patterns.SetEscalationComplex]},
			{chat.ReasonPhysicalExam, sets[patterns.SetEscalationExam]},
			{chat.ReasonGeneric, sets[patterns.SetEscalationGeneric]},
		},
	}
}

// PreCheck reports whether content contains crisis language, and which
// crisis patterns matched.
func (g *Gate) PreCheck(content string) (bool, []string) {
	matched := g.crisis.Matches(patterns.Normalize(content))
	return len(matched) > 0, matched
}

// Classify returns the highest-priority escalation reason whose indicators
// occur in text, or ReasonNone.
func (g *Gate) Classify(text string) (chat.EscalationReason, []string) {
	text = patterns.Normalize(text)
	for _, ind := range g.indicators {
		if matched := ind.set.Matches(text); len(matched) > 0 {
			return ind.reason, matched
		}
	}
	return chat.ReasonNone, nil
}

// PostCheck scans the final stage output of res. On a match it marks the
// result escalated and appends the notification clause to the reply. A
// result that is already escalated is returned unchanged.
func (g *Gate) PostCheck(res chat.PipelineResult) (chat.PipelineResult, []string) {
	if res.EscalationNeeded || len(res.StageOutputs) == 0 {
		return res, nil
	}
	final := res.StageOutputs[len(res.StageOutputs)-1].Output
	reason, matched := g.Classify(final)
	if reason == chat.ReasonNone {
		return res, nil
	}
	res.EscalationNeeded = true
	res.EscalationReason = reason
	res.FinalReply = AppendNotification(res.FinalReply)
	return res, matched
}

// AppendNotification adds the staff notification clause to reply.
func AppendNotification(reply string) string {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return NotificationClause
	}
	return reply + "\n\n" + NotificationClause
}

// NewRecord builds an escalation audit record.
func NewRecord(c chat.Correspondent, reason chat.EscalationReason, content, detail string, at time.Time) chat.EscalationRecord {
	return chat.EscalationRecord{
		ID:            uuid.New(),
		Correspondent: c,
		Reason:        reason,
		Content:       content,
		Detail:        detail,
		CreatedAt:     at,
	}
}
