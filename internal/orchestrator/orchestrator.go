// Package orchestrator wires classification, model selection, dispatch,
// scoring, voting, and synthesis into the ten-stage request pipeline: the
// single entry point an HTTP handler calls per ensemble request.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ensemblehub/ensemblehub/internal/admission"
	"github.com/ensemblehub/ensemblehub/internal/calibration"
	"github.com/ensemblehub/ensemblehub/internal/circuitbreaker"
	"github.com/ensemblehub/ensemblehub/internal/classifier"
	"github.com/ensemblehub/ensemblehub/internal/dispatcher"
	"github.com/ensemblehub/ensemblehub/internal/ensemble"
	"github.com/ensemblehub/ensemblehub/internal/reliability"
	"github.com/ensemblehub/ensemblehub/internal/router"
	"github.com/ensemblehub/ensemblehub/internal/scoring"
	"github.com/ensemblehub/ensemblehub/internal/synthesis"
	"github.com/ensemblehub/ensemblehub/internal/voting"
)

// SessionMemory is the session-store collaborator (§6). Retrieval is
// best-effort: a failure here never fails the request.
type SessionMemory interface {
	GetContext(ctx context.Context, sessionID string, maxTokens int) (string, error)
	Store(ctx context.Context, sessionID, userMsg, assistantMsg string, meta map[string]any) error
}

// MetricsSink is a fire-and-forget event emitter.
type MetricsSink interface {
	Emit(event string, fields map[string]any)
}

// AuthTier resolves a user to a service tier.
type AuthTier interface {
	GetTier(ctx context.Context, userID string) (admission.Tier, error)
}

// Request is the boundary request shape.
type Request struct {
	Prompt        string
	UserID        string
	SessionID     string
	Explain       bool
	CorrelationID string
	Tier          admission.Tier
}

// ErrorKind names the boundary error taxonomy (§7). Not a Go error type —
// a classification tag attached to Response/err paths.
type ErrorKind string

const (
	ErrKindRateLimited    ErrorKind = "rate_limited"
	ErrKindTimeout        ErrorKind = "timeout"
	ErrKindCircuitOpen    ErrorKind = "circuit_open"
	ErrKindTransport      ErrorKind = "transport"
	ErrKindInvalidResponse ErrorKind = "invalid_response"
	ErrKindValidation     ErrorKind = "validation"
	ErrKindInternal       ErrorKind = "internal"
)

// RequestError carries a boundary error kind plus the HTTP-ish status the
// spec assigns it (400 for admission/validation, 500 for exhausted fallback).
type RequestError struct {
	Kind          ErrorKind
	Message       string
	CorrelationID string
	Status        int
}

func (e *RequestError) Error() string { return e.Message }

// RoleView is one role's response shaped for the boundary.
type RoleView struct {
	Role            ensemble.ModelID      `json:"role"`
	Content         string                `json:"content"`
	Confidence      ensemble.ConfidenceScore `json:"confidence"`
	ResponseTimeMs  int64                 `json:"response_time_ms"`
	Quality         ensemble.QualityScore `json:"quality"`
	Status          string                `json:"status"`
}

// ValidationSummary records stage-8 final-answer validation.
type ValidationSummary struct {
	RelevanceRatio float64  `json:"relevance_ratio"`
	Passed         bool     `json:"passed"`
	Issues         []string `json:"issues,omitempty"`
}

// Response is the boundary response shape (§6).
type Response struct {
	Synthesis struct {
		Content    string                `json:"content"`
		Confidence ensemble.ConfidenceScore `json:"confidence"`
		Status     string                `json:"status"`
		Optimized  bool                  `json:"optimized"`
	} `json:"synthesis"`
	Roles    []RoleView           `json:"roles"`
	Voting   ensemble.VotingResult `json:"voting"`
	Metadata struct {
		TotalProcessingTimeMs int64             `json:"total_processing_time_ms"`
		SelectedModels        []ensemble.ModelID `json:"selected_models"`
		Strategy              ensemble.SynthesisStrategy `json:"strategy"`
		ResponseQuality       float64           `json:"response_quality"`
		CorrelationID         string            `json:"correlation_id"`
		Timestamp             time.Time         `json:"timestamp"`
		Validation            ValidationSummary `json:"validation"`
		TieBreaking           bool              `json:"tie_breaking"`
	} `json:"metadata"`
	Status string `json:"status"`
}

// TierPolicy bundles the per-tier limits and model counts the Model Router
// and admission gate both need.
type TierPolicy struct {
	ModelsPerTier   map[admission.Tier]int
	PerModelTimeout time.Duration
	OverallDeadline time.Duration
	MinQualityTier  map[admission.Tier]float64
}

// DefaultTierPolicy matches the spec's N=3 free / N=4 premium split.
func DefaultTierPolicy() TierPolicy {
	return TierPolicy{
		ModelsPerTier:   map[admission.Tier]int{admission.TierFree: 3, admission.TierPremium: 4},
		PerModelTimeout: 20 * time.Second,
		OverallDeadline: 45 * time.Second,
		MinQualityTier:  map[admission.Tier]float64{admission.TierFree: 0.4, admission.TierPremium: 0.5},
	}
}

// PreferredFallback is the fixed model triple used when selection itself
// fails (§4.6).
var PreferredFallback = []ensemble.ModelID{"gpt-4o-mini", "claude-3-5-haiku", "llama-3.1-70b"}

// categoryAffinity maps a prompt category to per-provider bonus values, keyed
// by provider ID. selectModels does not read it, so it has no effect on which
// models are chosen.
var categoryAffinity = map[ensemble.PromptCategory]map[string]float64{
	ensemble.CategoryTechnical:  {"anthropic": 0.15, "openai": 0.1},
	ensemble.CategoryCreative:   {"openai": 0.15, "anthropic": 0.05},
	ensemble.CategoryAnalytical: {"anthropic": 0.15},
	ensemble.CategoryFactual:    {"vllm": 0.1, "openai": 0.05},
}

// Orchestrator ties every pipeline component together for one request at a
// time; a single instance is shared process-wide (stateless beyond its
// wired collaborators, all of which manage their own concurrency).
type Orchestrator struct {
	Router       *router.Engine
	Breakers     *circuitbreaker.Table
	Dispatcher   *dispatcher.Dispatcher
	Calibrator   *calibration.Calibrator
	Reliability  *reliability.Tracker
	Gate         *admission.Gate
	VotingCfg    voting.Config
	SynthCfg     synthesis.Config
	Synthesizer  synthesis.Synthesizer
	MetaVoter    voting.MetaVoter
	Memory       SessionMemory // optional
	Metrics      MetricsSink   // optional
	Policy       TierPolicy
	Logger       *slog.Logger
}

// New builds an Orchestrator from its wired collaborators. Memory and
// Metrics may be nil; every other field is required.
func New(r *router.Engine, breakers *circuitbreaker.Table, disp *dispatcher.Dispatcher, cal *calibration.Calibrator, rel *reliability.Tracker, gate *admission.Gate, synth synthesis.Synthesizer, mv voting.MetaVoter, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Router:      r,
		Breakers:    breakers,
		Dispatcher:  disp,
		Calibrator:  cal,
		Reliability: rel,
		Gate:        gate,
		VotingCfg:   voting.DefaultConfig(),
		SynthCfg:    synthesis.DefaultConfig(),
		Synthesizer: synth,
		MetaVoter:   mv,
		Policy:      DefaultTierPolicy(),
		Logger:      logger,
	}
}

// Handle runs the full ten-stage pipeline for one request.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (Response, error) {
	started := time.Now()
	tier := req.Tier
	if tier == "" {
		tier = admission.TierFree
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = newCorrelationID()
	}

	// Stage 1: analyze + admit.
	limits := o.Gate.Limits(tier)
	if limits.MaxPromptLength > 0 && len(req.Prompt) > limits.MaxPromptLength {
		return Response{}, &RequestError{Kind: ErrKindValidation, Message: "prompt exceeds tier length limit", CorrelationID: correlationID, Status: 400}
	}
	release, err := o.Gate.Acquire(tier)
	if err != nil {
		return Response{}, &RequestError{Kind: ErrKindRateLimited, Message: err.Error(), CorrelationID: correlationID, Status: 400}
	}
	defer release()

	prompt := ensemble.Prompt{
		ID:       correlationID,
		Messages: []ensemble.Message{{Role: "user", Content: req.Prompt}},
	}
	prompt.Category = classifier.Classify(prompt)
	complexity := classifyComplexity(req.Prompt)

	// Stage 2: select models.
	n := o.Policy.ModelsPerTier[tier]
	if n <= 0 {
		n = 3
	}
	selected := o.selectModels(ctx, prompt, n)

	// Stage 3: best-effort memory retrieval.
	if o.Memory != nil && req.SessionID != "" {
		if memCtx, memErr := o.Memory.GetContext(ctx, req.SessionID, 1000); memErr == nil && memCtx != "" {
			prompt.Messages = append([]ensemble.Message{{Role: "system", Content: memCtx}}, prompt.Messages...)
		}
	}

	// Stage 4: dispatch in parallel.
	dispatchCfg := dispatcher.DefaultConfig(o.Policy.PerModelTimeout, o.Policy.OverallDeadline)
	responses := o.Dispatcher.Dispatch(ctx, dispatchCfg, prompt, selected)

	// Stage 5: score quality + attach calibrated confidence.
	o.scoreResponses(prompt, responses)

	// Stage 6: vote.
	reliabilitySnapshot := o.reliabilitySnapshot(selected)
	votingResult := voting.Vote(ctx, prompt, responses, reliabilitySnapshot, o.VotingCfg, o.MetaVoter)

	// Stage 7: synthesize.
	synthResult := synthesis.Synthesize(ctx, o.SynthCfg, o.Synthesizer, prompt, responses, votingResult, complexity)

	// Stage 8: validate final.
	minQuality := o.Policy.MinQualityTier[tier]
	validation := validateFinal(req.Prompt, synthResult, minQuality)
	confidence := confidenceFromSynthesis(synthResult, validation)

	// Stage 9: persist + reliability feedback (already recorded per-call by
	// the dispatcher; this records the outcome's calibration sample).
	o.recordOutcome(responses, synthResult)
	if o.Memory != nil && req.SessionID != "" {
		_ = o.Memory.Store(ctx, req.SessionID, req.Prompt, synthResult.Content, map[string]any{"correlation_id": correlationID})
	}
	if o.Metrics != nil {
		o.Metrics.Emit("ensemble.request.completed", map[string]any{
			"correlation_id": correlationID,
			"tier":           string(tier),
			"category":       string(prompt.Category),
			"consensus":      string(votingResult.Consensus),
		})
	}

	// Stage 10: finalize outcome.
	resp := Response{}
	resp.Synthesis.Content = synthResult.Content
	resp.Synthesis.Confidence = confidence
	resp.Synthesis.Status = "success"
	resp.Synthesis.Optimized = synthResult.Stage == ensemble.StageImproved
	resp.Roles = roleViews(responses)
	resp.Voting = votingResult
	resp.Metadata.TotalProcessingTimeMs = time.Since(started).Milliseconds()
	resp.Metadata.SelectedModels = selected
	resp.Metadata.Strategy = synthResult.Strategy
	resp.Metadata.ResponseQuality = synthResult.FinalQuality.Overall
	resp.Metadata.CorrelationID = correlationID
	resp.Metadata.Timestamp = time.Now().UTC()
	resp.Metadata.Validation = validation
	resp.Metadata.TieBreaking = votingResult.TieBroken
	resp.Status = "success"

	if synthResult.Stage == ensemble.StageFallback && allFailed(responses) {
		resp.Status = "error"
		return resp, &RequestError{Kind: ErrKindInternal, Message: "every model in the ensemble failed", CorrelationID: correlationID, Status: 500}
	}
	return resp, nil
}

// selectModels takes the router's eligible models in the router's own
// cost/latency/weight order, skipping any model whose breaker is open, and
// falls back to PreferredFallback if selection can't fill n slots. Reliability
// records and categoryAffinity are not consulted when ranking.
func (o *Orchestrator) selectModels(ctx context.Context, prompt ensemble.Prompt, n int) []ensemble.ModelID {
	req := router.Request{Messages: []router.Message{{Role: "user", Content: lastUserMessage(prompt)}}}
	_, ranked, err := o.Router.SelectModel(ctx, req, router.Policy{})

	var candidates []ensemble.ModelID
	if err == nil {
		for _, m := range ranked {
			if o.Breakers != nil && !o.Breakers.Get(m.ID).Allow() {
				continue
			}
			candidates = append(candidates, ensemble.ModelID(m.ID))
			if len(candidates) >= n {
				break
			}
		}
	}
	if len(candidates) < n {
		for _, id := range PreferredFallback {
			if containsModelID(candidates, id) {
				continue
			}
			candidates = append(candidates, id)
			if len(candidates) >= n {
				break
			}
		}
	}
	return candidates
}

func containsModelID(s []ensemble.ModelID, id ensemble.ModelID) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

// scoreResponses attaches QualityScore and ConfidenceScore to every
// RoleResponse in place.
func (o *Orchestrator) scoreResponses(prompt ensemble.Prompt, responses []ensemble.RoleResponse) {
	lastMsg := lastUserMessage(prompt)
	for i := range responses {
		r := &responses[i]
		if !r.Ok() {
			continue
		}
		r.Quality = scoring.Score(lastMsg, r.Content)
		raw := r.Quality.Overall
		calibrated := raw
		if o.Calibrator != nil {
			calibrated = o.Calibrator.Calibrate(r.ModelID, raw)
		}
		semantic := calibration.SemanticConfidence(r.Quality.Relevance, r.Quality.Coherence, float64(r.LatencyMs))
		r.Confidence = ensemble.ConfidenceScore{
			Raw:        raw,
			Calibrated: calibrated,
			Semantic:   semantic,
			Level:      ensemble.LevelFromCalibrated(calibrated),
		}
	}
}

func (o *Orchestrator) reliabilitySnapshot(modelIDs []ensemble.ModelID) map[ensemble.ModelID]ensemble.ReliabilityRecord {
	if o.Reliability == nil {
		return nil
	}
	out := make(map[ensemble.ModelID]ensemble.ReliabilityRecord, len(modelIDs))
	for _, id := range modelIDs {
		out[id] = o.Reliability.Get(id)
	}
	return out
}

// recordOutcome feeds the winning/losing responses' calibrated confidence
// back into the Calibrator as one (predicted, actual) sample each, using
// "did this response end up in the final synthesis sources" as the outcome
// signal — the orchestrator is the sole writer back to Calibration; per-call
// reliability outcomes are recorded by the dispatcher.
func (o *Orchestrator) recordOutcome(responses []ensemble.RoleResponse, synth ensemble.SynthesisResult) {
	if o.Calibrator == nil {
		return
	}
	used := make(map[ensemble.ModelID]bool, len(synth.SourcesUsed))
	for _, id := range synth.SourcesUsed {
		used[id] = true
	}
	for _, r := range responses {
		if !r.Ok() {
			continue
		}
		o.Calibrator.Observe(r.ModelID, r.Confidence.Raw, used[r.ModelID])
	}
}

func roleViews(responses []ensemble.RoleResponse) []RoleView {
	out := make([]RoleView, len(responses))
	for i, r := range responses {
		status := "fulfilled"
		if !r.Ok() {
			status = "rejected"
		}
		out[i] = RoleView{
			Role:           r.ModelID,
			Content:        r.Content,
			Confidence:     r.Confidence,
			ResponseTimeMs: r.LatencyMs,
			Quality:        r.Quality,
			Status:         status,
		}
	}
	return out
}

func allFailed(responses []ensemble.RoleResponse) bool {
	for _, r := range responses {
		if r.Ok() {
			return false
		}
	}
	return true
}

// validateFinal checks the stage-8 invariants: relevance ratio >= 0.2,
// length >= a floor, quality >= the tier's target. Failure never discards
// the answer — it's recorded as issues for the caller to see.
func validateFinal(prompt string, synth ensemble.SynthesisResult, minQuality float64) ValidationSummary {
	var issues []string
	relevance := relevanceRatio(prompt, synth.Content)
	if relevance < 0.2 {
		issues = append(issues, "low relevance ratio")
	}
	if len(synth.Content) < 20 {
		issues = append(issues, "answer too short")
	}
	if synth.FinalQuality.Overall < minQuality {
		issues = append(issues, "quality below tier target")
	}
	return ValidationSummary{RelevanceRatio: relevance, Passed: len(issues) == 0, Issues: issues}
}

func relevanceRatio(prompt, content string) float64 {
	promptWords := significantWords(prompt)
	if len(promptWords) == 0 {
		return 1
	}
	contentLower := strings.ToLower(content)
	hits := 0
	for w := range promptWords {
		if strings.Contains(contentLower, w) {
			hits++
		}
	}
	return float64(hits) / float64(len(promptWords))
}

func significantWords(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:\"'()[]{}")
		if len(w) > 3 {
			out[w] = true
		}
	}
	return out
}

// confidenceFromSynthesis downgrades the confidence level (never the numeric
// score) when validation failed, per the spec's "downgrades confidence.level"
// rule.
func confidenceFromSynthesis(synth ensemble.SynthesisResult, validation ValidationSummary) ensemble.ConfidenceScore {
	score := synth.FinalQuality.Overall
	level := ensemble.LevelFromCalibrated(score)
	if !validation.Passed && level != ensemble.ConfidenceVeryLow {
		level = downgrade(level)
	}
	return ensemble.ConfidenceScore{Raw: score, Calibrated: score, Level: level}
}

func downgrade(level ensemble.ConfidenceLevel) ensemble.ConfidenceLevel {
	switch level {
	case ensemble.ConfidenceVeryHigh:
		return ensemble.ConfidenceHigh
	case ensemble.ConfidenceHigh:
		return ensemble.ConfidenceMedium
	case ensemble.ConfidenceMedium:
		return ensemble.ConfidenceLow
	default:
		return ensemble.ConfidenceVeryLow
	}
}

// classifyComplexity buckets prompt length into the high/medium/low bands
// the Synthesis Engine adapts its instructions to.
func classifyComplexity(prompt string) synthesis.Complexity {
	words := len(strings.Fields(prompt))
	switch {
	case words > 120:
		return synthesis.ComplexityHigh
	case words < 20:
		return synthesis.ComplexityLow
	default:
		return synthesis.ComplexityMedium
	}
}

func lastUserMessage(prompt ensemble.Prompt) string {
	for i := len(prompt.Messages) - 1; i >= 0; i-- {
		if prompt.Messages[i].Role == "user" {
			return prompt.Messages[i].Content
		}
	}
	return ""
}

var correlationSeq struct {
	mu sync.Mutex
	n  uint64
}

// newCorrelationID generates a monotonic fallback correlation ID when the
// caller didn't supply one. Not a UUID: the boundary layer is expected to
// supply its own request-scoped ID in production; this is a deterministic,
// dependency-free backstop.
func newCorrelationID() string {
	correlationSeq.mu.Lock()
	correlationSeq.n++
	id := correlationSeq.n
	correlationSeq.mu.Unlock()
	return "corr-" + itoa(id)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
