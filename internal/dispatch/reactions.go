package dispatch

import (
	"context"
	"time"

	"github.com/MikeSquared-Agency/clinicrelay/internal/hermes"
	"github.com/MikeSquared-Agency/clinicrelay/internal/slack"
)

// alertRetention bounds how long a staff alert can still be reacted to.
const alertRetention = 24 * time.Hour

// HandleReaction is the NATS handler for Slack reactions relayed by
// slack-forwarder. A take-over reaction on an escalation alert starts the
// human override for that conversation.
func (c *Coordinator) HandleReaction(subject string, data []byte) {
	evt, err := slack.ParseReactionEvent(data)
	if err != nil {
		c.logger.Error("failed to parse reaction", "error", err)
		return
	}

	action := slack.ParseReaction(evt.Reaction)
	if action == slack.ActionNone {
		return
	}

	c.alertMu.Lock()
	a, ok := c.alerts[evt.MessageTS]
	if ok && action == slack.ActionResolved {
		delete(c.alerts, evt.MessageTS)
	}
	c.alertMu.Unlock()
	if !ok {
		return // not one of our alerts
	}

	if action != slack.ActionTakeOver {
		c.logger.Info("escalation resolved", "correspondent", a.correspondent, "user", evt.UserID)
		return
	}

	now := c.now()
	if err := c.Overrides.RecordHumanMessage(a.correspondent, now); err != nil {
		c.logger.Warn("override record not refreshed", "correspondent", a.correspondent, "error", err)
		return
	}
	c.logger.Info("conversation taken over", "correspondent", a.correspondent, "user", evt.UserID)

	if c.Thread != nil {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.NotifyTimeout)
		defer cancel()
		text := "Conversation taken over by <@" + evt.UserID + ">. Automatic replies paused for " +
			c.Overrides.Window().String() + "."
		if err := c.Thread.PostThread(ctx, evt.MessageTS, text); err != nil {
			c.logger.Warn("take-over acknowledgement failed", "error", err)
		}
	}
}

// HandleInbound is the NATS handler for fragments published by other
// gateways.
func (c *Coordinator) HandleInbound(subject string, data []byte) {
	f, err := hermes.DecodeFragment(data)
	if err != nil {
		c.logger.Error("failed to decode inbound fragment", "subject", subject, "error", err)
		return
	}
	if err := c.HandleFragment(c.ctx, f); err != nil {
		c.logger.Warn("inbound fragment rejected", "correspondent", f.Correspondent, "error", err)
	}
}

// Sweep purges expired override records, idle sessions and stale alerts.
func (c *Coordinator) Sweep(ctx context.Context) {
	now := c.now()
	overrides := c.Overrides.Sweep(now)
	sessions := c.Sessions.Expire(ctx, now)

	c.alertMu.Lock()
	alerts := 0
	for ts, a := range c.alerts {
		if now.Sub(a.postedAt) > alertRetention {
			delete(c.alerts, ts)
			alerts++
		}
	}
	c.alertMu.Unlock()

	if overrides+sessions+alerts > 0 {
		c.logger.Debug("sweep complete", "overrides", overrides, "sessions", sessions, "alerts", alerts)
	}
}
