// Package model provides the interface for LLM clients used by the planner.
// It defines a provider-agnostic abstraction over response-style completion
// APIs (OpenAI Responses, Anthropic Messages, Bedrock Converse) so the
// planner can invoke models without coupling to specific SDKs.
// Implementations translate these normalized types into provider-specific
// formats.
//
// The contract is deliberately minimal: one request, one JSON-or-text reply.
// Conversational state is threaded through PreviousResponseID; callers never
// assume a stateful transport and resend the full prompt each call, so
// providers without server-side threading can honor the field with a local
// transcript replay or ignore it entirely.
package model

import "context"

type (
	// Client defines the contract the planner uses to invoke LLM calls.
	// Implementations wrap provider SDKs and translate Request/Response to
	// provider-specific formats. Clients should be safe for reuse across
	// multiple planner invocations.
	Client interface {
		// Complete sends the request to the model provider and returns the
		// generated response. Returns an error if the model is unavailable,
		// quota is exceeded, or the request is malformed. Cancellation is the
		// caller's concern: implementations honor ctx and surface its error.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Request captures the normalized parameters for a model invocation.
	// Fields map to common provider parameters but may not be supported by
	// all backends; implementations document unsupported fields and either
	// approximate or ignore them.
	Request struct {
		// Model identifies the target model using the provider-specific
		// identifier. Empty selects the client's configured default.
		Model string

		// Instructions is the system-level guidance applied to the call,
		// separate from the conversational messages.
		Instructions string

		// Messages is the ordered conversational input for this call. The
		// full prompt is always present even when PreviousResponseID is set.
		Messages []Message

		// Temperature controls sampling temperature. Zero means provider
		// default.
		Temperature float64

		// MaxOutputTokens caps generated tokens. Zero means provider default.
		MaxOutputTokens int

		// PreviousResponseID threads server-side conversational state across
		// calls within a run. Empty starts a fresh thread.
		PreviousResponseID string

		// Truncation selects the provider's context overflow behavior.
		// Empty means TruncationAuto.
		Truncation Truncation

		// CompactThreshold enables provider-side context compaction once the
		// accumulated context exceeds this many tokens. Zero disables the
		// hint. Providers without compaction ignore it.
		CompactThreshold int

		// OutputSchemaName names the JSON document requested from the model.
		// Required when OutputSchema is set.
		OutputSchemaName string

		// OutputSchema, when non-nil, constrains the model output to a JSON
		// document matching this JSON Schema. Providers without native
		// constrained output approximate it (forced tool use, instruction
		// suffix) and still return the document as Response.Text.
		OutputSchema map[string]any
	}

	// Message mirrors an LLM chat message with role and content.
	Message struct {
		// Role is one of RoleUser, RoleAssistant, RoleSystem, RoleDeveloper.
		Role Role `json:"role"`

		// Content is the message text.
		Content string `json:"content"`
	}

	// Response wraps the generated content returned by the model provider.
	Response struct {
		// Text is the generated output. When the request carried an
		// OutputSchema this is the JSON document (possibly still invalid;
		// callers validate).
		Text string

		// ResponseID identifies this response for conversational threading.
		// Empty when the provider does not issue response identifiers.
		ResponseID string

		// Usage reports token usage when available.
		Usage TokenUsage

		// Raw preserves the provider response for audit and debugging.
		// Treated as opaque.
		Raw any
	}

	// TokenUsage reports token consumption for a single call.
	TokenUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser marks end-user input.
	RoleUser Role = "user"
	// RoleAssistant marks prior model output replayed as context.
	RoleAssistant Role = "assistant"
	// RoleSystem marks instruction or context messages.
	RoleSystem Role = "system"
	// RoleDeveloper marks developer-authored guidance, distinct from system
	// prompts on providers that support the distinction.
	RoleDeveloper Role = "developer"
)

// Truncation selects the provider's behavior when the context window
// overflows.
type Truncation string

const (
	// TruncationAuto lets the provider drop context as needed.
	TruncationAuto Truncation = "auto"
	// TruncationDisabled fails the call instead of dropping context.
	TruncationDisabled Truncation = "disabled"
)

// UsageMap renders usage as a generic map for audit payloads. Returns nil
// when no usage was reported.
func (u TokenUsage) UsageMap() map[string]any {
	if u.InputTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0 {
		return nil
	}
	return map[string]any{
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
		"total_tokens":  u.TotalTokens,
	}
}
