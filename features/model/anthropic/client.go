// Package anthropic provides a model.Client implementation backed by the
// Anthropic Messages API using the official Go SDK.
//
// The Messages API has no server-side response threading, so the adapter
// keeps a bounded in-memory transcript per response id. When a request names
// a PreviousResponseID the stored conversation is replayed ahead of the new
// messages, giving callers the same continuation semantics as providers with
// native threading. Transcripts are evicted oldest first once MaxTranscripts
// is exceeded.
//
// Structured output is approximated: when a request carries an output schema
// the adapter appends a system block demanding raw JSON that matches it.
// Truncation and compaction hints have no Messages API equivalent and are
// ignored.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/foreman/runtime/agent/model"
)

const (
	defaultMaxTokens      = 4096
	defaultMaxTranscripts = 32
)

// MessagesClient captures the part of the Anthropic SDK the adapter uses.
// It is satisfied by *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the Anthropic adapter.
type Options struct {
	// DefaultModel is used when Request.Model is empty. Required.
	DefaultModel string

	// MaxTokens is the output token ceiling sent when the request does not
	// set one. The Messages API requires a positive value. Defaults to 4096.
	MaxTokens int

	// MaxTranscripts bounds how many response transcripts are retained for
	// PreviousResponseID replay. Defaults to 32.
	MaxTranscripts int
}

// Client implements model.Client on top of the Anthropic Messages API.
type Client struct {
	mc             MessagesClient
	defaultModel   string
	maxTokens      int64
	maxTranscripts int

	mu          sync.Mutex
	transcripts map[string][]model.Message
	order       []string
}

// New builds an Anthropic-backed model client.
func New(client MessagesClient, opts Options) (*Client, error) {
	if client == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	maxTranscripts := opts.MaxTranscripts
	if maxTranscripts <= 0 {
		maxTranscripts = defaultMaxTranscripts
	}
	return &Client{
		mc:             client,
		defaultModel:   opts.DefaultModel,
		maxTokens:      int64(maxTokens),
		maxTranscripts: maxTranscripts,
		transcripts:    make(map[string][]model.Message),
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP
// transport.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a messages.new call and translates the reply.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("anthropic: messages are required")
	}
	conversation, err := c.conversation(req)
	if err != nil {
		return model.Response{}, err
	}
	params, err := c.buildParams(req, conversation)
	if err != nil {
		return model.Response{}, err
	}
	msg, err := c.mc.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	if msg == nil {
		return model.Response{}, errors.New("anthropic: response message is nil")
	}
	text := collectText(msg)
	if msg.ID != "" {
		stored := make([]model.Message, len(conversation), len(conversation)+1)
		copy(stored, conversation)
		stored = append(stored, model.Message{Role: model.RoleAssistant, Content: text})
		c.remember(msg.ID, stored)
	}
	return model.Response{
		Text:       text,
		ResponseID: msg.ID,
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		Raw: msg,
	}, nil
}

// conversation resolves the effective message list for the call. When the
// request continues a prior response the stored transcript is replayed and
// any request messages already present in it are dropped so turns are not
// duplicated.
func (c *Client) conversation(req model.Request) ([]model.Message, error) {
	if req.PreviousResponseID == "" {
		return req.Messages, nil
	}
	c.mu.Lock()
	prior, ok := c.transcripts[req.PreviousResponseID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("anthropic: unknown previous response id %q", req.PreviousResponseID)
	}
	shared := 0
	for shared < len(prior) && shared < len(req.Messages) && prior[shared] == req.Messages[shared] {
		shared++
	}
	merged := make([]model.Message, 0, len(prior)+len(req.Messages)-shared)
	merged = append(merged, prior...)
	merged = append(merged, req.Messages[shared:]...)
	return merged, nil
}

func (c *Client) remember(id string, transcript []model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.transcripts[id]; !ok {
		c.order = append(c.order, id)
	}
	c.transcripts[id] = transcript
	for len(c.order) > c.maxTranscripts {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.transcripts, oldest)
	}
}

func (c *Client) buildParams(req model.Request, conversation []model.Message) (sdk.MessageNewParams, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := c.maxTokens
	if req.MaxOutputTokens > 0 {
		maxTokens = int64(req.MaxOutputTokens)
	}

	system := make([]sdk.TextBlockParam, 0, 2)
	if req.Instructions != "" {
		system = append(system, sdk.TextBlockParam{Text: req.Instructions})
	}

	msgs := make([]sdk.MessageParam, 0, len(conversation))
	for _, m := range conversation {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case "", model.RoleUser:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleSystem, model.RoleDeveloper:
			// The Messages API has no system role in the conversation.
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		default:
			return sdk.MessageNewParams{}, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(msgs) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: messages are required")
	}

	if req.OutputSchema != nil {
		schema, err := json.Marshal(req.OutputSchema)
		if err != nil {
			return sdk.MessageNewParams{}, fmt.Errorf("anthropic: marshal output schema: %w", err)
		}
		name := req.OutputSchemaName
		if name == "" {
			name = "output"
		}
		system = append(system, sdk.TextBlockParam{Text: fmt.Sprintf(
			"Respond with a single JSON object named %q that matches this JSON schema exactly. "+
				"Output raw JSON only with no markdown fences or prose.\nSchema: %s",
			name, schema)})
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	return params, nil
}

func collectText(msg *sdk.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

func isRateLimited(err error) bool {
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apierr *sdk.Error
	return errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests
}
