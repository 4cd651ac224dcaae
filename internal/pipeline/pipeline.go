// Package pipeline implements the three-stage orchestration state machine:
// initial response, peer review & revision, ultra synthesis.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/choruslabs/chorus-gateway/internal/billing"
	"github.com/choruslabs/chorus-gateway/internal/health"
	"github.com/choruslabs/chorus-gateway/internal/metrics"
	"github.com/choruslabs/chorus-gateway/internal/models"
	"github.com/choruslabs/chorus-gateway/internal/provider"
)

// Generator is the uniform per-provider generation contract. The resilient
// adapter is the production implementation.
type Generator interface {
	Generate(ctx context.Context, prompt, model string) (*provider.Result, error)
}

// Publisher receives every stage transition. The event bus is the
// production implementation.
type Publisher interface {
	Publish(correlationID, name string, payload interface{})
}

// AvailabilityChecker gates pipeline entry.
type AvailabilityChecker interface {
	Availability() health.Availability
}

// Config holds the pipeline tunables.
type Config struct {
	// StageTimeout is the wall-clock budget for one stage. Models inside a
	// stage run concurrently, so this is the max per-model timeout plus
	// fixed overhead, never a serial sum.
	StageTimeout time.Duration
	// EnableSingleModelFallback permits a roster of size 1 to run in
	// reduced single-model mode.
	EnableSingleModelFallback bool
}

// DefaultConfig returns the default pipeline tunables.
func DefaultConfig() Config {
	return Config{StageTimeout: 2 * time.Minute}
}

// Pipeline drives one PipelineRun per request. All run state is owned by
// the calling goroutine; the only cross-request state lives in the adapters
// and the health manager.
type Pipeline struct {
	adapters     map[string]Generator // keyed by provider
	availability AvailabilityChecker
	bus          Publisher
	scorer       Scorer
	selector     SelectionStrategy
	billing      billing.Recorder
	cfg          Config
}

// New wires a pipeline. scorer, selector and recorder may be nil, in which
// case the documented defaults apply.
func New(adapters map[string]Generator, availability AvailabilityChecker, bus Publisher, recorder billing.Recorder, cfg Config) *Pipeline {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultConfig().StageTimeout
	}
	return &Pipeline{
		adapters:     adapters,
		availability: availability,
		bus:          bus,
		scorer:       LengthScorer{},
		selector:     ScoreOrdered{},
		billing:      recorder,
		cfg:          cfg,
	}
}

// WithScorer overrides the quality scorer.
func (p *Pipeline) WithScorer(s Scorer) *Pipeline {
	p.scorer = s
	return p
}

// WithSelector overrides the synthesis-model selection strategy.
func (p *Pipeline) WithSelector(s SelectionStrategy) *Pipeline {
	p.selector = s
	return p
}

// Run executes the full state machine for one request and returns the
// terminal PipelineRun. It never panics the process: every failure is
// scoped to this run.
func (p *Pipeline) Run(ctx context.Context, correlationID string, q models.Query) *models.PipelineRun {
	run := models.NewPipelineRun(correlationID, q)
	logger := log.WithField("correlation_id", correlationID)

	p.publish(run, "stage_started", map[string]interface{}{
		"stage":  string(models.StageInitialResponse),
		"models": modelNames(q.Roster),
	})

	if outcome, ok := p.checkEntry(run, logger); !ok {
		run.Outcome = outcome
		run.Stage = models.StageFailed
		return run
	}

	// Stage 1: every roster model gets the raw query, concurrently.
	run.Stage = models.StageInitialResponse
	initial := p.runStage(ctx, run, models.StageInitialResponse, lo.Map(q.Roster, func(m models.ModelIdentity, _ int) stageCall {
		return stageCall{model: m, prompt: q.Text}
	}))
	run.Initial = initial
	p.publishStageCompleted(run, initial)

	if len(initial.Succeeded) == 0 {
		return p.failStage(run, logger, models.StageInitialResponse, "no model produced an initial response")
	}
	if err := ctx.Err(); err != nil {
		return p.cancelled(run, logger)
	}

	// Stage 2: peer review, skipped below two survivors.
	run.Stage = models.StagePeerReview
	p.publish(run, "stage_started", map[string]interface{}{
		"stage":  string(models.StagePeerReview),
		"models": modelNames(initial.Succeeded),
	})

	var peer *models.StageResult
	if len(initial.Succeeded) < 2 {
		logger.WithFields(log.Fields{
			"survivors": len(initial.Succeeded),
			"event":     "peer_review_skipped",
		}).Info("Skipping peer review, falling through to synthesis")
		peer = carryForward(initial, models.StagePeerReview)
		p.publish(run, "stage_completed", map[string]interface{}{
			"stage":   string(models.StagePeerReview),
			"skipped": true,
		})
	} else {
		peer = p.runPeerReview(ctx, run, initial)
		p.publishStageCompleted(run, peer)
	}
	run.PeerReview = peer

	if err := ctx.Err(); err != nil {
		return p.cancelled(run, logger)
	}

	// Stage 3: one model synthesizes the final answer.
	run.Stage = models.StageUltraSynthesis
	p.publish(run, "stage_started", map[string]interface{}{
		"stage": string(models.StageUltraSynthesis),
	})

	synthesis, err := p.runSynthesis(ctx, run, peer)
	if err != nil {
		return p.failStage(run, logger, models.StageUltraSynthesis, err.Error())
	}
	run.Synthesis = synthesis
	p.publishStageCompleted(run, synthesis)

	run.Stage = models.StageCompleted
	run.Outcome = models.Outcome{Kind: models.OutcomeCompleted}
	p.publish(run, "pipeline_complete", map[string]interface{}{
		"synthesis_model": synthesis.Succeeded[0].String(),
	})
	metrics.RequestsTotal.WithLabelValues(string(models.OutcomeCompleted)).Inc()

	logger.WithFields(log.Fields{
		"synthesis_model": synthesis.Succeeded[0].String(),
		"event":           "pipeline_complete",
	}).Info("Pipeline completed")
	return run
}

// checkEntry enforces the availability gate and the single-model policy.
// On rejection only service_unavailable is published.
func (p *Pipeline) checkEntry(run *models.PipelineRun, logger *log.Entry) (models.Outcome, bool) {
	av := p.availability.Availability()
	if av.Status == health.GatewayUnavailable {
		logger.WithFields(log.Fields{
			"message": av.Message,
			"event":   "service_unavailable",
		}).Warn("Rejecting request, gateway unavailable")
		p.publish(run, "service_unavailable", map[string]interface{}{
			"message":        av.Message,
			"providers_down": av.ProvidersDown,
		})
		metrics.RequestsTotal.WithLabelValues(string(models.OutcomeUnavailable)).Inc()
		return models.Outcome{Kind: models.OutcomeUnavailable, Reason: av.Message}, false
	}

	if len(run.Query.Roster) == 1 && !p.cfg.EnableSingleModelFallback {
		msg := "single-model requests are disabled"
		logger.WithField("event", "service_unavailable").Warn("Rejecting single-model roster")
		p.publish(run, "service_unavailable", map[string]interface{}{"message": msg})
		metrics.RequestsTotal.WithLabelValues(string(models.OutcomeUnavailable)).Inc()
		return models.Outcome{Kind: models.OutcomeUnavailable, Reason: msg}, false
	}

	return models.Outcome{}, true
}

type stageCall struct {
	model    models.ModelIdentity
	prompt   string
	fallback *models.ModelOutput // used in peer review when the call fails
}

// runStage fans one call per model out concurrently and joins them under
// the stage's wall-clock deadline. A per-model event is published as each
// call resolves, strictly before the caller publishes stage_completed.
func (p *Pipeline) runStage(ctx context.Context, run *models.PipelineRun, stage models.Stage, calls []stageCall) *models.StageResult {
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()

	start := time.Now()
	result := &models.StageResult{
		Stage:    stage,
		Outputs:  make(map[models.ModelIdentity]models.ModelOutput, len(calls)),
		Failures: make(map[models.ModelIdentity]string),
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	for _, call := range calls {
		call := call
		g.Go(func() error {
			out, err := p.invoke(stageCtx, run, call)

			mu.Lock()
			if err == nil {
				result.Outputs[call.model] = *out
			} else if call.fallback != nil {
				// Peer review failures keep the model's earlier answer
				// rather than dropping the model.
				result.Outputs[call.model] = *call.fallback
			} else {
				result.Failures[call.model] = err.Error()
			}
			mu.Unlock()

			p.publish(run, "model_result", map[string]interface{}{
				"stage":   string(stage),
				"model":   call.model.String(),
				"success": err == nil,
			})
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors

	result.Succeeded = lo.FilterMap(calls, func(c stageCall, _ int) (models.ModelIdentity, bool) {
		_, ok := result.Outputs[c.model]
		return c.model, ok
	})
	metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
	return result
}

// invoke runs one adapter call, scores the output and records usage.
func (p *Pipeline) invoke(ctx context.Context, run *models.PipelineRun, call stageCall) (*models.ModelOutput, error) {
	gen, ok := p.adapters[call.model.Provider]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider %q", call.model.Provider)
	}

	start := time.Now()
	res, err := gen.Generate(ctx, call.prompt, call.model.Name)
	latency := time.Since(start)
	if err != nil {
		return nil, err
	}

	p.recordUsage(ctx, run, call.model, res)

	return &models.ModelOutput{
		Model:        call.model,
		Text:         res.Text,
		Latency:      latency,
		LatencyMs:    latency.Milliseconds(),
		QualityScore: p.scorer.Score(res.Text, latency),
	}, nil
}

// runPeerReview asks each surviving model to revise its answer given the
// other models' stage-1 outputs, never its own.
func (p *Pipeline) runPeerReview(ctx context.Context, run *models.PipelineRun, initial *models.StageResult) *models.StageResult {
	calls := make([]stageCall, 0, len(initial.Succeeded))
	for _, m := range initial.Succeeded {
		own := initial.Outputs[m]
		peers := lo.FilterMap(initial.Succeeded, func(other models.ModelIdentity, _ int) (models.ModelOutput, bool) {
			return initial.Outputs[other], other != m
		})
		calls = append(calls, stageCall{
			model:    m,
			prompt:   peerReviewPrompt(run.Query.Text, own.Text, peers),
			fallback: &own,
		})
	}
	return p.runStage(ctx, run, models.StagePeerReview, calls)
}

// runSynthesis picks the best candidate and gives it every prior output.
// If the chosen model fails it retries once against the next-best before
// failing the stage.
func (p *Pipeline) runSynthesis(ctx context.Context, run *models.PipelineRun, peer *models.StageResult) (*models.StageResult, error) {
	candidates := p.selector.Order(peer)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no synthesis candidates")
	}
	if len(candidates) > 2 {
		candidates = candidates[:2]
	}

	prompt := synthesisPrompt(run.Query.Text, peer)

	// One deadline covers both candidates; a retry spends whatever the first
	// attempt left of the stage budget.
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()

	var lastErr error
	for _, m := range candidates {
		out, err := p.invoke(stageCtx, run, stageCall{model: m, prompt: prompt})

		p.publish(run, "model_result", map[string]interface{}{
			"stage":   string(models.StageUltraSynthesis),
			"model":   m.String(),
			"success": err == nil,
		})
		if err != nil {
			lastErr = err
			log.WithFields(log.Fields{
				"correlation_id": run.CorrelationID,
				"model":          m.String(),
				"error":          err.Error(),
				"event":          "synthesis_candidate_failed",
			}).Warn("Synthesis candidate failed")
			continue
		}

		return &models.StageResult{
			Stage:     models.StageUltraSynthesis,
			Outputs:   map[models.ModelIdentity]models.ModelOutput{m: *out},
			Failures:  map[models.ModelIdentity]string{},
			Succeeded: []models.ModelIdentity{m},
		}, nil
	}
	return nil, fmt.Errorf("all synthesis candidates failed: %v", lastErr)
}

func (p *Pipeline) recordUsage(ctx context.Context, run *models.PipelineRun, m models.ModelIdentity, res *provider.Result) {
	if p.billing == nil {
		return
	}
	rec := billing.UsageRecord{
		RequestID: run.CorrelationID,
		Provider:  m.Provider,
		Model:     m.Name,
		TokensIn:  res.TokensIn,
		TokensOut: res.TokensOut,
	}
	if err := p.billing.Record(ctx, rec); err != nil {
		log.WithFields(log.Fields{
			"correlation_id": run.CorrelationID,
			"error":          err.Error(),
			"event":          "usage_record_failed",
		}).Warn("Usage record dropped")
	}
}

func (p *Pipeline) failStage(run *models.PipelineRun, logger *log.Entry, stage models.Stage, reason string) *models.PipelineRun {
	run.Stage = models.StageFailed
	run.Outcome = models.Outcome{Kind: models.OutcomeFailedStage, FailedStage: stage, Reason: reason}
	p.publish(run, "pipeline_failed", map[string]interface{}{
		"stage":  string(stage),
		"reason": reason,
	})
	metrics.RequestsTotal.WithLabelValues(string(models.OutcomeFailedStage)).Inc()
	logger.WithFields(log.Fields{
		"stage":  string(stage),
		"reason": reason,
		"event":  "pipeline_failed",
	}).Error("Pipeline failed")
	return run
}

func (p *Pipeline) cancelled(run *models.PipelineRun, logger *log.Entry) *models.PipelineRun {
	run.Stage = models.StageFailed
	run.Outcome = models.Outcome{Kind: models.OutcomeCancelled, Reason: "request cancelled"}
	metrics.RequestsTotal.WithLabelValues(string(models.OutcomeCancelled)).Inc()
	logger.WithField("event", "pipeline_cancelled").Info("Pipeline cancelled, no further stages")
	return run
}

func (p *Pipeline) publish(run *models.PipelineRun, name string, payload interface{}) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(run.CorrelationID, name, payload)
}

func (p *Pipeline) publishStageCompleted(run *models.PipelineRun, result *models.StageResult) {
	p.publish(run, "stage_completed", map[string]interface{}{
		"stage":     string(result.Stage),
		"succeeded": modelNames(result.Succeeded),
		"failed":    len(result.Failures),
	})
}

// carryForward reuses a prior stage's outputs under a new stage label.
func carryForward(prior *models.StageResult, stage models.Stage) *models.StageResult {
	out := &models.StageResult{
		Stage:     stage,
		Outputs:   make(map[models.ModelIdentity]models.ModelOutput, len(prior.Outputs)),
		Failures:  map[models.ModelIdentity]string{},
		Succeeded: append([]models.ModelIdentity(nil), prior.Succeeded...),
	}
	for k, v := range prior.Outputs {
		out.Outputs[k] = v
	}
	return out
}

func modelNames(roster []models.ModelIdentity) []string {
	return lo.Map(roster, func(m models.ModelIdentity, _ int) string { return m.String() })
}
