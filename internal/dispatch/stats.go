package dispatch

import (
	"context"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
	"github.com/MikeSquared-Agency/clinicrelay/internal/escalation"
	"github.com/MikeSquared-Agency/clinicrelay/internal/pipeline"
	"github.com/MikeSquared-Agency/clinicrelay/internal/router"
)

// Stats is a point-in-time view of the coordinator.
type Stats struct {
	Lanes          int   `json:"lanes"`
	Queued         int   `json:"queued"`
	Running        int64 `json:"running"`
	Buffering      int   `json:"buffering"`
	Sessions       int   `json:"sessions"`
	ActiveSessions int   `json:"active_sessions"`
	Overrides      int   `json:"overrides"`
	Fragments      int64 `json:"fragments"`
	Duplicates     int64 `json:"duplicates"`
	Echoes         int64 `json:"echoes"`
	HumanMessages  int64 `json:"human_messages"`
	Processed      int64 `json:"processed"`
	Coalesced      int64 `json:"coalesced"`
	Delivered      int64 `json:"delivered"`
	Suppressed     int64 `json:"suppressed"`
	DeliveryFailed int64 `json:"delivery_failed"`
	Escalations    int64 `json:"escalations"`
}

func (c *Coordinator) Stats() Stats {
	now := c.now()
	c.mu.Lock()
	lanes, queued := len(c.lanes), 0
	for _, l := range c.lanes {
		queued += len(l.queue)
	}
	c.mu.Unlock()

	return Stats{
		Lanes:          lanes,
		Queued:         queued,
		Running:        c.stats.running.Load(),
		Buffering:      c.agg.Buffering(),
		Sessions:       c.Sessions.Len(),
		ActiveSessions: c.Sessions.ActiveCount(now),
		Overrides:      len(c.Overrides.Active(now)),
		Fragments:      c.stats.fragments.Load(),
		Duplicates:     c.stats.duplicates.Load(),
		Echoes:         c.stats.echoes.Load(),
		HumanMessages:  c.stats.human.Load(),
		Processed:      c.stats.processed.Load(),
		Coalesced:      c.stats.coalesced.Load(),
		Delivered:      c.stats.delivered.Load(),
		Suppressed:     c.stats.suppressed.Load(),
		DeliveryFailed: c.stats.failed.Load(),
		Escalations:    c.stats.escalations.Load(),
	}
}

// Preview is what the relay would do with a message, without side effects.
type Preview struct {
	Decision   chat.RoutingDecision `json:"decision"`
	Result     chat.PipelineResult  `json:"result"`
	Suppressed bool                 `json:"suppressed"`
	Matched    []string             `json:"matched_escalation_patterns,omitempty"`
}

// Preview runs the gate, router and pipeline for text as if corr had sent
// it. Nothing is recorded, delivered or appended to history.
func (c *Coordinator) Preview(ctx context.Context, corr chat.Correspondent, text string) Preview {
	now := c.now()
	msg := chat.LogicalMessage{Correspondent: corr, Content: text, AssembledAt: now}

	if hit, matched := c.Gate.PreCheck(text); hit {
		return Preview{
			Decision: router.EmergencyDecision(msg, matched, now),
			Result: chat.PipelineResult{
				FinalReply:       escalation.EmergencyRedirect,
				EscalationNeeded: true,
				EscalationReason: chat.ReasonImmediateEscalation,
			},
			Matched: matched,
		}
	}

	sess := c.Sessions.Get(ctx, corr, now)
	decision := c.Router.Route(msg, sess)
	res := c.run(ctx, pipeline.Request{Message: msg, Decision: decision, History: sess.LastTurns(c.opts.StageHistoryTurns)})
	res, matched := c.Gate.PostCheck(res)
	return Preview{
		Decision:   decision,
		Result:     res,
		Suppressed: c.Overrides.IsSuppressed(corr, now),
		Matched:    matched,
	}
}
