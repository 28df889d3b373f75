package router

import "encoding/json"

// Request is a provider-agnostic envelope. Provider adapters translate this
// into provider-specific API calls.
type Request struct {
	ID string `json:"id,omitempty"`

	// Chat-style messages (OpenAI-ish envelope). Provider adapters can map.
	Messages []Message `json:"messages"`

	// Optional model hint from client; router may ignore.
	ModelHint string `json:"model_hint,omitempty"`

	// Optional: known/estimated token count from client.
	EstimatedInputTokens int `json:"estimated_input_tokens,omitempty"`

	// Arbitrary metadata for policy & tracing; NOT forwarded to providers.
	Meta map[string]any `json:"meta,omitempty"`

	// Optional JSON Schema for the orchestration output. The router and the
	// built-in provider adapters do not read it.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`

	// Provider parameters (temperature, max_tokens, top_p, etc.). The built-in
	// provider adapters do not read this field; their payloads carry only the
	// model and messages (the Anthropic adapter also sets max_tokens to 4096).
	Parameters map[string]any `json:"parameters,omitempty"`

	// Stream flags a streaming request. The built-in provider adapters do not
	// read it and always make non-streaming calls.
	Stream bool `json:"stream,omitempty"`
}

// Message represents a single chat message with a role and content.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Policy specifies routing constraints such as mode, budget, latency, and quality.
type Policy struct {
	Mode         string
	MaxBudgetUSD float64
	MaxLatencyMs int
	MinWeight    int
	OutputSchema string
	// EstimatedOutputTokens is the caller's estimate of how many output tokens the
	// request will produce. The engine does not read this field; its cost
	// estimates and budget checks always assume 512 output tokens.
	EstimatedOutputTokens int
}

// Decision captures the routing outcome: which model and provider were selected.
type Decision struct {
	ModelID           string
	ProviderID        string
	EstimatedCostUSD  float64
	Reason            string
}

// Model describes a registered LLM with its provider, pricing, and capabilities.
type Model struct {
	ID               string  `json:"id"`
	ProviderID       string  `json:"provider_id"`
	Weight           int     `json:"weight"`
	MaxContextTokens int     `json:"max_context_tokens"`
	InputPer1K       float64 `json:"input_per_1k"`
	OutputPer1K      float64 `json:"output_per_1k"`
	Enabled          bool    `json:"enabled"`
	PricingSource    string  `json:"pricing_source,omitempty"`
}

// OutputFormat specifies how the response should be shaped before returning to the client.
type OutputFormat struct {
	Type       string `json:"type,omitempty"`        // json, markdown, text, xml
	Schema     string `json:"schema,omitempty"`       // JSON schema for type=json; ShapeOutput does not validate against it
	MaxTokens  int    `json:"max_tokens,omitempty"`   // Truncate response beyond this
	StripThink bool   `json:"strip_think,omitempty"`  // Remove <think>...</think> blocks
}

type ProviderResponse = json.RawMessage
