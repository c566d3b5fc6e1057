// Package pipeline runs a logical message through the fixed sequence of
// analysis stages and turns the result into a reply.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
)

// Stage names, in execution order.
const (
	StageTriage        = "triage"
	StageExpert        = "expert_analysis"
	StageAssessment    = "escalation_assessment"
	StageCommunication = "patient_communication"
)

// Stages is the fixed execution order.
var Stages = []string{StageTriage, StageExpert, StageAssessment, StageCommunication}

// FallbackReply is sent when any stage fails.
const FallbackReply = "Peço desculpas, mas estou com dificuldades técnicas no momento. " +
	"Para garantir que você seja bem atendido(a), já avisei a nossa equipe, que vai falar com você em breve."

// ErrEmptyOutput is returned for a stage that produced no text.
var ErrEmptyOutput = errors.New("stage produced empty output")

// Input is everything one stage sees: the message, its routing, recent
// history and the outputs of the stages that ran before it.
type Input struct {
	Message     chat.LogicalMessage
	Destination chat.Destination
	Workflow    string
	History     []chat.HistoryEntry
	Prior       []chat.StageOutput
}

// Executor produces the output text of one stage.
type Executor interface {
	Execute(ctx context.Context, stage string, in Input) (string, error)
}

// Request is one pipeline run.
type Request struct {
	Message  chat.LogicalMessage
	Decision chat.RoutingDecision
	History  []chat.HistoryEntry
}

// Orchestrator holds no per-run state and is safe for concurrent use.
type Orchestrator struct {
	exec    Executor
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
}

func New(exec Executor, stageTimeout time.Duration, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		exec:    exec,
		timeout: stageTimeout,
		logger:  logger,
		tracer:  otel.Tracer("github.com/MikeSquared-Agency/clinicrelay/internal/pipeline"),
	}
}

// Run executes every stage in order. The first failing stage stops the run
// and the fallback result is returned; Run itself never fails.
func (o *Orchestrator) Run(ctx context.Context, req Request) chat.PipelineResult {
	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("correspondent", string(req.Message.Correspondent)),
		attribute.String("destination", string(req.Decision.Destination)),
	))
	defer span.End()

	outputs := make([]chat.StageOutput, 0, len(Stages))
	for _, stage := range Stages {
		in := Input{
			Message:     req.Message,
			Destination: req.Decision.Destination,
			Workflow:    req.Decision.Workflow,
			History:     req.History,
			Prior:       append([]chat.StageOutput(nil), outputs...),
		}

		out, err := o.runStage(ctx, stage, in)
		if err != nil {
			o.logger.Error("pipeline stage failed",
				"correspondent", req.Message.Correspondent,
				"stage", stage,
				"error", err,
			)
			span.SetStatus(codes.Error, "stage "+stage+" failed")
			return Fallback(outputs)
		}
		outputs = append(outputs, chat.StageOutput{Stage: stage, Output: out})
	}

	return chat.PipelineResult{
		FinalReply:   outputs[len(outputs)-1].Output,
		StageOutputs: outputs,
	}
}

func (o *Orchestrator) runStage(ctx context.Context, stage string, in Input) (string, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(attribute.String("stage", stage)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	out, err := o.exec.Execute(ctx, stage, in)
	if err == nil && ctx.Err() != nil {
		// An executor that ignores its context still loses its result.
		err = ctx.Err()
	}
	if err == nil && strings.TrimSpace(out) == "" {
		err = ErrEmptyOutput
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = chat.Transient(fmt.Errorf("stage %s timed out after %s: %w", stage, o.timeout, err))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	o.logger.Debug("pipeline stage complete",
		"correspondent", in.Message.Correspondent,
		"stage", stage,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return strings.TrimSpace(out), nil
}

// Fallback is the result of an aborted run: escalated for technical error,
// with the apology as reply and whatever stages completed.
func Fallback(completed []chat.StageOutput) chat.PipelineResult {
	return chat.PipelineResult{
		FinalReply:       FallbackReply,
		EscalationNeeded: true,
		EscalationReason: chat.ReasonTechnicalError,
		StageOutputs:     append([]chat.StageOutput{}, completed...),
	}
}
