// Package dispatch is the entry point for inbound fragments. It wires
// aggregation, override tracking, routing, escalation and the analysis
// pipeline together and runs at most one pipeline per correspondent at a
// time, in flush order.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
	"github.com/MikeSquared-Agency/clinicrelay/internal/debounce"
	"github.com/MikeSquared-Agency/clinicrelay/internal/dedup"
	"github.com/MikeSquared-Agency/clinicrelay/internal/escalation"
	"github.com/MikeSquared-Agency/clinicrelay/internal/hermes"
	"github.com/MikeSquared-Agency/clinicrelay/internal/override"
	"github.com/MikeSquared-Agency/clinicrelay/internal/pipeline"
	"github.com/MikeSquared-Agency/clinicrelay/internal/router"
	"github.com/MikeSquared-Agency/clinicrelay/internal/session"
)

// ErrClosed is returned for fragments handed in after Close.
var ErrClosed = errors.New("dispatch: coordinator closed")

// Sender delivers a reply and returns the provider's message id.
type Sender interface {
	SendText(ctx context.Context, to chat.Correspondent, text string) (string, error)
}

// Interpreter turns media fragments into text.
type Interpreter interface {
	Interpret(ctx context.Context, f chat.RawFragment) chat.RawFragment
}

// Runner executes the analysis pipeline.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) chat.PipelineResult
}

// Recorder is the append-only audit log.
type Recorder interface {
	RecordDecision(ctx context.Context, d chat.RoutingDecision) error
	RecordEscalation(ctx context.Context, e chat.EscalationRecord) error
}

// Notifier alerts staff and publishes audit events. Escalation returns the
// id of the alert staff can react to, or "".
type Notifier interface {
	Escalation(ctx context.Context, rec chat.EscalationRecord) string
	Publish(subject string, data any)
}

// ThreadPoster acknowledges a take-over in the alert's thread.
type ThreadPoster interface {
	PostThread(ctx context.Context, threadTS, text string) error
}

// Options are the tunables of a Coordinator.
type Options struct {
	DebounceInterval  time.Duration
	StageHistoryTurns int
	MaxConcurrentRuns int64
	LaneQueueLimit    int
	DedupTTL          time.Duration
	DedupMax          int
	EchoTTL           time.Duration
	NotifyTimeout     time.Duration
}

func (o *Options) defaults() {
	if o.DebounceInterval <= 0 {
		o.DebounceInterval = 5 * time.Second
	}
	if o.StageHistoryTurns <= 0 {
		o.StageHistoryTurns = 10
	}
	if o.MaxConcurrentRuns <= 0 {
		o.MaxConcurrentRuns = 8
	}
	if o.LaneQueueLimit <= 0 {
		o.LaneQueueLimit = 16
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = 20 * time.Minute
	}
	if o.DedupMax <= 0 {
		o.DedupMax = 5000
	}
	if o.EchoTTL <= 0 {
		o.EchoTTL = 2 * time.Minute
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = 15 * time.Second
	}
}

// Deps are the collaborators of a Coordinator. Thread may be nil.
type Deps struct {
	Sessions  *session.Manager
	Overrides *override.Tracker
	Router    *router.Router
	Gate      *escalation.Gate
	Runner    Runner
	Sender    Sender
	Media     Interpreter
	Records   Recorder
	Notify    Notifier
	Thread    ThreadPoster
}

type Coordinator struct {
	Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	agg  *debounce.Aggregator
	seen *dedup.Cache
	sem  *semaphore.Weighted

	// outbound holds replies about to be sent, so the provider's fromMe copy
	// is recognised even when it arrives before SendText returns.
	outbound *dedup.Cache

	// ingress chains fragments per correspondent: each one waits for its
	// predecessor's Add, so slow media cannot reorder the buffer.
	ingressMu sync.Mutex
	ingress   map[chat.Correspondent]chan struct{}

	// ctx bounds every run; cancelled only when Close gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	lanes  map[chat.Correspondent]*lane
	closed bool

	lanesWG  sync.WaitGroup
	notifyWG sync.WaitGroup

	alertMu sync.Mutex
	alerts  map[string]alert

	stats counters
}

// lane is the FIFO of logical messages waiting for one correspondent.
// running is true while a goroutine is draining it.
type lane struct {
	queue   []chat.LogicalMessage
	running bool
}

// alert maps a staff notification back to its conversation.
type alert struct {
	correspondent chat.Correspondent
	postedAt      time.Time
}

type counters struct {
	fragments   atomic.Int64
	duplicates  atomic.Int64
	echoes      atomic.Int64
	human       atomic.Int64
	processed   atomic.Int64
	coalesced   atomic.Int64
	delivered   atomic.Int64
	suppressed  atomic.Int64
	failed      atomic.Int64
	escalations atomic.Int64
	running     atomic.Int64
}

func New(deps Deps, opts Options, logger *slog.Logger) *Coordinator {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		Deps:   deps,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		seen:     dedup.New(opts.DedupTTL, opts.DedupMax),
		outbound: dedup.New(opts.EchoTTL, opts.DedupMax),
		sem:      semaphore.NewWeighted(opts.MaxConcurrentRuns),
		ctx:      ctx,
		cancel:   cancel,
		ingress:  make(map[chat.Correspondent]chan struct{}),
		lanes:    make(map[chat.Correspondent]*lane),
		alerts:   make(map[string]alert),
	}
	c.agg = debounce.New(opts.DebounceInterval, c.enqueue, logger)
	return c
}

func echoKey(messageID string) string {
	return "sent:" + messageID
}

func outboundKey(c chat.Correspondent, text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return string(c) + "|" + hex.EncodeToString(sum[:])
}

// isEcho reports whether a fromMe fragment is a copy of one of our replies.
func (c *Coordinator) isEcho(f chat.RawFragment) bool {
	if f.MessageID != "" && c.seen.Seen(echoKey(f.MessageID)) {
		return true
	}
	return c.outbound.Seen(outboundKey(f.Correspondent, f.Body))
}

// HandleFragment accepts one inbound fragment. Human-authored fragments
// refresh the override window and go straight to history; everything else is
// interpreted and buffered for aggregation.
func (c *Coordinator) HandleFragment(ctx context.Context, f chat.RawFragment) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.stats.fragments.Add(1)

	if f.IsHumanAuthored && c.isEcho(f) {
		c.stats.echoes.Add(1)
		return nil
	}
	if c.seen.IsDuplicate(f.DedupeKey()) {
		c.stats.duplicates.Add(1)
		c.logger.Debug("duplicate fragment dropped", "correspondent", f.Correspondent, "message_id", f.MessageID)
		return nil
	}

	if f.IsHumanAuthored {
		c.recordHuman(ctx, f)
		return nil
	}

	prev, done := c.takeTurn(f.Correspondent)
	defer c.endTurn(f.Correspondent, done)

	f = c.Media.Interpret(ctx, f)
	if prev != nil {
		<-prev
	}
	if err := c.agg.Add(f); err != nil {
		if errors.Is(err, debounce.ErrClosed) {
			return ErrClosed
		}
		c.logger.Warn("fragment dropped", "correspondent", f.Correspondent, "error", err)
		return err
	}
	return nil
}

// takeTurn queues the caller behind the correspondent's previous fragment.
// prev is closed once that fragment has been added; done must be passed to
// endTurn.
func (c *Coordinator) takeTurn(corr chat.Correspondent) (prev <-chan struct{}, done chan struct{}) {
	done = make(chan struct{})
	c.ingressMu.Lock()
	if p, ok := c.ingress[corr]; ok {
		prev = p
	}
	c.ingress[corr] = done
	c.ingressMu.Unlock()
	return prev, done
}

func (c *Coordinator) endTurn(corr chat.Correspondent, done chan struct{}) {
	close(done)
	c.ingressMu.Lock()
	if c.ingress[corr] == done {
		delete(c.ingress, corr)
	}
	c.ingressMu.Unlock()
}

func (c *Coordinator) recordHuman(ctx context.Context, f chat.RawFragment) {
	c.stats.human.Add(1)
	if err := c.Overrides.RecordHumanMessage(f.Correspondent, f.ReceivedAt); err != nil {
		c.logger.Warn("override record not refreshed", "correspondent", f.Correspondent, "error", err)
	} else {
		c.logger.Info("human override active",
			"correspondent", f.Correspondent,
			"until", f.ReceivedAt.Add(c.Overrides.Window()),
		)
	}
	c.Sessions.Append(ctx, f.Correspondent, f.ReceivedAt, chat.HistoryEntry{
		Role:      chat.RoleAssistant,
		Content:   f.Body,
		Timestamp: f.ReceivedAt,
		Human:     true,
	})
}

// HumanMessage records a reply staff sent from outside WhatsApp.
func (c *Coordinator) HumanMessage(ctx context.Context, to chat.Correspondent, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("empty human message")
	}
	return c.HandleFragment(ctx, chat.RawFragment{
		Correspondent:   to,
		Body:            text,
		Kind:            chat.KindText,
		ReceivedAt:      c.now(),
		IsHumanAuthored: true,
	})
}

// CloseSession ends a conversation. A run already in flight completes but
// its reply is not delivered.
func (c *Coordinator) CloseSession(ctx context.Context, corr chat.Correspondent) bool {
	return c.Sessions.Close(ctx, corr, c.now())
}

// enqueue is the aggregator's flush callback. It only touches the lane map.
func (c *Coordinator) enqueue(msg chat.LogicalMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.lanes[msg.Correspondent]
	if !ok {
		l = &lane{}
		c.lanes[msg.Correspondent] = l
	}

	// A full lane folds the new message into the last waiting one instead
	// of growing or dropping it. The running message is never touched.
	if n := len(l.queue); n >= c.opts.LaneQueueLimit && n > 0 {
		last := &l.queue[n-1]
		last.Content = last.Content + "\n" + msg.Content
		last.Fragments = append(last.Fragments, msg.Fragments...)
		last.AssembledAt = msg.AssembledAt
		c.stats.coalesced.Add(1)
		c.logger.Warn("lane full, message coalesced", "correspondent", msg.Correspondent, "queued", n)
	} else {
		l.queue = append(l.queue, msg)
	}

	if !l.running {
		l.running = true
		c.lanesWG.Add(1)
		go c.drain(msg.Correspondent, l)
	}
}

func (c *Coordinator) drain(corr chat.Correspondent, l *lane) {
	defer c.lanesWG.Done()
	for {
		c.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			if c.lanes[corr] == l {
				delete(c.lanes, corr)
			}
			c.mu.Unlock()
			return
		}
		msg := l.queue[0]
		l.queue = l.queue[1:]
		c.mu.Unlock()

		c.process(msg)
	}
}

// process handles one logical message end to end. It always produces a
// reply, which may then be withheld.
func (c *Coordinator) process(msg chat.LogicalMessage) {
	ctx := c.ctx
	corr := msg.Correspondent
	start := c.now()
	c.stats.processed.Add(1)

	if hit, matched := c.Gate.PreCheck(msg.Content); hit {
		c.emergency(ctx, msg, matched, start)
		return
	}

	c.Sessions.Begin(ctx, corr, start)
	sess := c.Sessions.Get(ctx, corr, start)
	history := sess.LastTurns(c.opts.StageHistoryTurns)

	decision := c.Router.Route(msg, sess)
	c.recordDecision(ctx, decision)

	res := c.run(ctx, pipeline.Request{Message: msg, Decision: decision, History: history})

	res, matched := c.Gate.PostCheck(res)
	if res.EscalationNeeded {
		detail := string(decision.Destination)
		if len(matched) > 0 {
			detail += "; matched: " + strings.Join(matched, ", ")
		}
		c.escalate(ctx, escalation.NewRecord(corr, res.EscalationReason, msg.Content, detail, c.now()))
	}

	if c.Sessions.ClosedSince(corr, start) {
		c.withhold(corr, res.FinalReply, hermes.SuppressedSessionClosed)
		return
	}

	// A withheld reply never reached the patient, so only their turn is kept.
	done := c.now()
	turns := []chat.HistoryEntry{{Role: chat.RoleUser, Content: msg.Content, Timestamp: msg.AssembledAt}}
	suppressed := c.Overrides.IsSuppressed(corr, done)
	if !suppressed {
		turns = append(turns, chat.HistoryEntry{Role: chat.RoleAssistant, Content: res.FinalReply, Timestamp: done})
	}
	c.Sessions.Append(ctx, corr, done, turns...)

	if suppressed {
		c.withhold(corr, res.FinalReply, hermes.SuppressedHumanOverride)
	} else {
		var next chat.Destination
		if router.Continues(decision, res.FinalReply) {
			next = chat.DestinationMedical
		}
		c.Sessions.SetActivePipeline(ctx, corr, next)
		c.deliver(ctx, corr, res.FinalReply)
	}

	c.logger.Info("message processed",
		"correspondent", corr,
		"destination", decision.Destination,
		"confidence", decision.Confidence,
		"reason", decision.Reason,
		"escalated", res.EscalationNeeded,
		"duration_ms", c.now().Sub(start).Milliseconds(),
	)
}

// emergency bypasses routing and the pipeline. The redirect is sent even
// while a human override is active or the session is closed.
func (c *Coordinator) emergency(ctx context.Context, msg chat.LogicalMessage, matched []string, at time.Time) {
	corr := msg.Correspondent
	c.logger.Warn("crisis language detected", "correspondent", corr, "matched", matched)

	c.recordDecision(ctx, router.EmergencyDecision(msg, matched, at))
	c.escalate(ctx, escalation.NewRecord(corr, chat.ReasonImmediateEscalation, msg.Content,
		"matched: "+strings.Join(matched, ", "), at))

	c.Sessions.Append(ctx, corr, at,
		chat.HistoryEntry{Role: chat.RoleUser, Content: msg.Content, Timestamp: msg.AssembledAt},
		chat.HistoryEntry{Role: chat.RoleAssistant, Content: escalation.EmergencyRedirect, Timestamp: at},
	)
	c.deliver(ctx, corr, escalation.EmergencyRedirect)
}

func (c *Coordinator) run(ctx context.Context, req pipeline.Request) chat.PipelineResult {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.logger.Error("pipeline not started", "correspondent", req.Message.Correspondent, "error", err)
		return pipeline.Fallback(nil)
	}
	defer c.sem.Release(1)
	c.stats.running.Add(1)
	defer c.stats.running.Add(-1)
	return c.Runner.Run(ctx, req)
}

func (c *Coordinator) recordDecision(ctx context.Context, d chat.RoutingDecision) {
	if err := c.Records.RecordDecision(ctx, d); err != nil {
		c.logger.Error("failed to record routing decision", "correspondent", d.Correspondent, "error", err)
	}
	c.Notify.Publish(hermes.SubjectRoutingDecided, d)
}

// escalate records the hand-off and notifies staff in the background so
// neither can hold up the reply.
func (c *Coordinator) escalate(ctx context.Context, rec chat.EscalationRecord) {
	c.stats.escalations.Add(1)
	if err := c.Records.RecordEscalation(ctx, rec); err != nil {
		c.logger.Error("failed to record escalation", "correspondent", rec.Correspondent, "reason", rec.Reason, "error", err)
	}

	c.notifyWG.Add(1)
	go func() {
		defer c.notifyWG.Done()
		nctx, cancel := context.WithTimeout(c.ctx, c.opts.NotifyTimeout)
		defer cancel()
		if ts := c.Notify.Escalation(nctx, rec); ts != "" {
			c.alertMu.Lock()
			c.alerts[ts] = alert{correspondent: rec.Correspondent, postedAt: c.now()}
			c.alertMu.Unlock()
		}
	}()
}

func (c *Coordinator) deliver(ctx context.Context, corr chat.Correspondent, text string) {
	c.outbound.Mark(outboundKey(corr, text))
	id, err := c.Sender.SendText(ctx, corr, text)
	if err != nil {
		c.stats.failed.Add(1)
		c.logger.Error("reply delivery failed", "correspondent", corr, "error", err)
		return
	}
	c.stats.delivered.Add(1)
	if id != "" {
		c.seen.Mark(echoKey(id))
	}
}

func (c *Coordinator) withhold(corr chat.Correspondent, reply, reason string) {
	c.stats.suppressed.Add(1)
	c.logger.Info("automated reply withheld", "correspondent", corr, "reason", reason)
	c.Notify.Publish(hermes.SubjectReplySuppressed, hermes.ReplySuppressed{
		Correspondent: corr,
		Reason:        reason,
		Reply:         reply,
		At:            c.now(),
	})
}

// Close stops accepting fragments, flushes pending buffers and waits for
// queued runs and notifications. If ctx ends first, in-flight work is
// cancelled and Close still waits for it to unwind.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.agg.Close()

	done := make(chan struct{})
	go func() {
		c.lanesWG.Wait()
		c.notifyWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}
