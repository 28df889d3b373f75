// Package dispatcher fans a prompt out to a set of selected models in
// parallel, each call wrapped in its model's circuit breaker and a bounded
// exponential-backoff retry, and joins the results back in the caller's
// input order regardless of completion order.
//
// The fan-out shape (one goroutine per call, a buffered results channel, a
// sync.WaitGroup, and a dedicated closer goroutine) continues the concurrent
// dispatch idiom the routing engine used for its own multi-model voting
// before that logic moved into this package.
package dispatcher

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/ensemblehub/ensemblehub/internal/circuitbreaker"
	"github.com/ensemblehub/ensemblehub/internal/ensemble"
	"github.com/ensemblehub/ensemblehub/internal/router"
)

// ModelSender is the subset of *router.Engine the dispatcher needs: looking
// up a model's registered provider and getting that provider's Sender.
type ModelSender interface {
	GetModel(modelID string) (router.Model, bool)
	GetAdapter(providerID string) router.Sender
}

// ReliabilityRecorder receives one outcome per dispatched call. Implemented
// by *reliability.Tracker; kept as an interface here to avoid an import
// cycle and to make the dispatcher trivially testable.
type ReliabilityRecorder interface {
	Record(modelID ensemble.ModelID, providerID string, success bool, latencyMs float64, costUSD float64, inputTokens, outputTokens int)
}

// Config bounds one Dispatch call.
type Config struct {
	PerModelTimeout time.Duration
	OverallDeadline time.Duration
	RetryAttempts   int           // default 2
	RetryBaseDelay  time.Duration // default 1s
	RetryCapDelay   time.Duration // default 5s

	// AlternateFamily maps a model ID to one fallback model ID to try, once,
	// if the primary's slot ultimately fails. The fallback's RoleResponse
	// keeps the original model ID's role label so downstream voting sees a
	// stable set of roles regardless of which backend actually answered.
	AlternateFamily map[ensemble.ModelID]ensemble.ModelID
}

// DefaultConfig returns the spec's default retry policy: up to 2 retries,
// 1s base, 5s cap, doubling each attempt.
func DefaultConfig(perModelTimeout, overallDeadline time.Duration) Config {
	return Config{
		PerModelTimeout: perModelTimeout,
		OverallDeadline: overallDeadline,
		RetryAttempts:   2,
		RetryBaseDelay:  time.Second,
		RetryCapDelay:   5 * time.Second,
	}
}

// Dispatcher fans prompts out to selected models through their circuit
// breakers, with retry and one documented alternate-family fallback.
type Dispatcher struct {
	engine   ModelSender
	breakers *circuitbreaker.Table
	reliab   ReliabilityRecorder
}

// New builds a Dispatcher. breakers is the shared per-model circuit breaker
// table; reliab is optional (nil disables reliability feedback, e.g. in
// tests that only exercise dispatch mechanics).
func New(engine ModelSender, breakers *circuitbreaker.Table, reliab ReliabilityRecorder) *Dispatcher {
	return &Dispatcher{engine: engine, breakers: breakers, reliab: reliab}
}

type dispatchResult struct {
	index    int
	response ensemble.RoleResponse
}

// Dispatch calls every model in modelIDs concurrently and returns one
// RoleResponse per model, in the same order as modelIDs, regardless of which
// call completed first. It never returns an error itself: per-model
// failures become rejected (Err != nil) RoleResponses.
func (d *Dispatcher) Dispatch(ctx context.Context, cfg Config, prompt ensemble.Prompt, modelIDs []ensemble.ModelID) []ensemble.RoleResponse {
	if cfg.OverallDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.OverallDeadline)
		defer cancel()
	}

	results := make([]ensemble.RoleResponse, len(modelIDs))
	resultsCh := make(chan dispatchResult, len(modelIDs))

	var wg sync.WaitGroup
	for i, modelID := range modelIDs {
		wg.Add(1)
		go func(idx int, modelID ensemble.ModelID) {
			defer wg.Done()
			resultsCh <- dispatchResult{index: idx, response: d.callWithFallback(ctx, cfg, prompt, modelID)}
		}(i, modelID)
	}

	// Closer goroutine: once every call has reported in, close the channel
	// so the range below terminates instead of blocking forever.
	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	for r := range resultsCh {
		results[r.index] = r.response
	}
	return results
}

// callWithFallback calls modelID, and if that ultimately fails and an
// alternate family is configured for it, tries the alternate once — keeping
// modelID as the reported role so voting sees a stable role set.
func (d *Dispatcher) callWithFallback(ctx context.Context, cfg Config, prompt ensemble.Prompt, modelID ensemble.ModelID) ensemble.RoleResponse {
	resp := d.call(ctx, cfg, prompt, modelID)
	if resp.Ok() {
		return resp
	}
	alt, ok := cfg.AlternateFamily[modelID]
	if !ok {
		return resp
	}
	altResp := d.call(ctx, cfg, prompt, alt)
	if !altResp.Ok() {
		return resp // report the original failure, not the fallback's
	}
	altResp.ModelID = modelID // preserve the original role label
	return altResp
}

// call performs one breaker-guarded, retried dispatch to modelID.
func (d *Dispatcher) call(ctx context.Context, cfg Config, prompt ensemble.Prompt, modelID ensemble.ModelID) ensemble.RoleResponse {
	model, ok := d.engine.GetModel(string(modelID))
	if !ok {
		return ensemble.RoleResponse{ModelID: modelID, Err: errors.New("model not registered"), ErrClass: string(router.ErrFatal)}
	}
	breaker := d.breakers.Get(string(modelID))
	if !breaker.Allow() {
		return ensemble.RoleResponse{ModelID: modelID, Err: errors.New("circuit_open"), ErrClass: "circuit_open"}
	}

	adapter := d.engine.GetAdapter(model.ProviderID)
	if adapter == nil {
		return ensemble.RoleResponse{ModelID: modelID, Err: errors.New("no adapter for provider"), ErrClass: string(router.ErrFatal)}
	}

	req := router.Request{Messages: toRouterMessages(prompt.Messages)}

	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 2
	}

	var resp router.ProviderResponse
	var callErr error
	var latencyMs int64

	for attempt := 0; ; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if cfg.PerModelTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, cfg.PerModelTimeout)
		}
		start := time.Now()
		resp, callErr = adapter.Send(callCtx, model.ID, req)
		latencyMs = time.Since(start).Milliseconds()
		if cancel != nil {
			cancel()
		}

		if callErr == nil {
			breaker.RecordSuccess()
			break
		}

		classified := adapter.ClassifyError(callErr)
		retryable := classified.Class == router.ErrRateLimited || classified.Class == router.ErrTransient
		if attempt >= attempts || !retryable {
			breaker.RecordFailure()
			d.recordReliability(modelID, model.ProviderID, false, float64(latencyMs), 0, 0, 0)
			return ensemble.RoleResponse{
				ModelID:   modelID,
				Err:       callErr,
				ErrClass:  string(classified.Class),
				LatencyMs: latencyMs,
			}
		}

		if err := waitBackoff(ctx, attempt, cfg.RetryBaseDelay, cfg.RetryCapDelay); err != nil {
			breaker.RecordFailure()
			return ensemble.RoleResponse{ModelID: modelID, Err: err, ErrClass: "timeout", LatencyMs: latencyMs}
		}
	}

	content := router.ExtractContent(resp)
	tokensIn := router.EstimateTokens(req)
	tokensOut := estimateOutputTokens(content)
	costUSD := estimateCost(tokensIn, tokensOut, model.InputPer1K, model.OutputPer1K)

	d.recordReliability(modelID, model.ProviderID, true, float64(latencyMs), costUSD, tokensIn, tokensOut)

	return ensemble.RoleResponse{
		ModelID:   modelID,
		Content:   content,
		Raw:       resp,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		CostUSD:   costUSD,
		LatencyMs: latencyMs,
	}
}

func (d *Dispatcher) recordReliability(modelID ensemble.ModelID, providerID string, success bool, latencyMs, costUSD float64, tokensIn, tokensOut int) {
	if d.reliab == nil {
		return
	}
	d.reliab.Record(modelID, providerID, success, latencyMs, costUSD, tokensIn, tokensOut)
}

// waitBackoff sleeps min(base*2^attempt, cap) scaled by a random factor in
// [0.5, 1.0), or returns ctx.Err() if the context is cancelled first.
func waitBackoff(ctx context.Context, attempt int, base, cap_ time.Duration) error {
	delay := base * time.Duration(uint64(1)<<uint(attempt))
	if cap_ > 0 && delay > cap_ {
		delay = cap_
	}
	jittered := time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jittered):
		return nil
	}
}

func toRouterMessages(msgs []ensemble.Message) []router.Message {
	out := make([]router.Message, len(msgs))
	for i, m := range msgs {
		out[i] = router.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// estimateOutputTokens is the same chars/4 heuristic router.EstimateTokens
// uses for input, applied to the response content since providers don't
// always report usage through the normalized ProviderResponse shape.
func estimateOutputTokens(content string) int {
	if len(content) == 0 {
		return 0
	}
	return len(content) / 4
}

func estimateCost(inTokens, outTokens int, inPer1k, outPer1k float64) float64 {
	return (float64(inTokens)/1000.0)*inPer1k + (float64(outTokens)/1000.0)*outPer1k
}
