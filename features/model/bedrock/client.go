// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API.
//
// Converse has no response threading, so ResponseID is always empty and
// PreviousResponseID is ignored; callers resend the turns they want the model
// to see. Consecutive messages with the same role are coalesced into a single
// Converse message because the API requires strict role alternation.
//
// Structured output uses forced tool use: when a request carries an output
// schema the adapter advertises a single tool whose input schema is the
// requested schema, forces the model to call it, and returns the tool input
// as the response text. Truncation and compaction hints have no Converse
// equivalent and are ignored.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/foreman/runtime/agent/model"
)

const defaultMaxTokens = 4096

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client required
// by the adapter. It matches *bedrockruntime.Client so callers can pass either
// the real client or a mock in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock adapter.
type Options struct {
	// Runtime issues Converse calls. Required.
	Runtime RuntimeClient

	// DefaultModel is the model identifier used when Request.Model is empty.
	// Required.
	DefaultModel string

	// MaxTokens is the output token ceiling sent when the request does not
	// set one. Defaults to 4096.
	MaxTokens int
}

// Client implements model.Client on top of the Bedrock Converse API.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTokens    int
}

// New builds a Bedrock-backed model client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		maxTokens:    maxTokens,
	}, nil
}

// NewFromConfig constructs a client from resolved AWS configuration.
func NewFromConfig(cfg aws.Config, defaultModel string) (*Client, error) {
	return New(Options{
		Runtime:      bedrockruntime.NewFromConfig(cfg),
		DefaultModel: defaultModel,
	})
}

// Complete issues a Converse call and translates the reply.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	input, err := c.buildInput(req)
	if err != nil {
		return model.Response{}, err
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("bedrock converse: %w", err)
	}
	if output == nil {
		return model.Response{}, errors.New("bedrock: response is nil")
	}
	return translateOutput(output, req.OutputSchema != nil), nil
}

func (c *Client) buildInput(req model.Request) (*bedrockruntime.ConverseInput, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	system := make([]brtypes.SystemContentBlock, 0, 2)
	if req.Instructions != "" {
		system = append(system, &brtypes.SystemContentBlockMemberText{Value: req.Instructions})
	}

	msgs := make([]brtypes.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		var role brtypes.ConversationRole
		switch m.Role {
		case "", model.RoleUser:
			role = brtypes.ConversationRoleUser
		case model.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		case model.RoleSystem, model.RoleDeveloper:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			continue
		default:
			return nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
		block := &brtypes.ContentBlockMemberText{Value: m.Content}
		// Converse rejects consecutive messages with the same role.
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content = append(msgs[n-1].Content, block)
			continue
		}
		msgs = append(msgs, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{block},
		})
	}
	if len(msgs) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}

	maxTokens := c.maxTokens
	if req.MaxOutputTokens > 0 {
		maxTokens = req.MaxOutputTokens
	}
	infCfg := &brtypes.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(maxTokens)),
	}
	if req.Temperature > 0 {
		infCfg.Temperature = aws.Float32(float32(req.Temperature))
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(modelID),
		Messages:        msgs,
		InferenceConfig: infCfg,
	}
	if len(system) > 0 {
		input.System = system
	}

	if req.OutputSchema != nil {
		name := req.OutputSchemaName
		if name == "" {
			name = "output"
		}
		input.ToolConfig = &brtypes.ToolConfiguration{
			Tools: []brtypes.Tool{
				&brtypes.ToolMemberToolSpec{
					Value: brtypes.ToolSpecification{
						Name:        aws.String(name),
						Description: aws.String("Return the structured result as the tool input."),
						InputSchema: &brtypes.ToolInputSchemaMemberJson{
							Value: document.NewLazyDocument(req.OutputSchema),
						},
					},
				},
			},
			ToolChoice: &brtypes.ToolChoiceMemberTool{
				Value: brtypes.SpecificToolChoice{Name: aws.String(name)},
			},
		}
	}
	return input, nil
}

// translateOutput maps a Converse reply into the generic response shape. When
// structured output was forced the input of the first tool_use block becomes
// the text; a plain text reply is kept as fallback so schema validation in
// the caller sees whatever the model produced.
func translateOutput(output *bedrockruntime.ConverseOutput, structured bool) model.Response {
	var (
		text    strings.Builder
		toolRaw string
	)
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				text.WriteString(v.Value)
			case *brtypes.ContentBlockMemberToolUse:
				if toolRaw == "" {
					toolRaw = decodeDocument(v.Value.Input)
				}
			}
		}
	}
	resp := model.Response{Raw: output}
	if structured && toolRaw != "" {
		resp.Text = toolRaw
	} else {
		resp.Text = text.String()
	}
	if usage := output.Usage; usage != nil {
		in := i32(usage.InputTokens)
		out := i32(usage.OutputTokens)
		total := i32(usage.TotalTokens)
		if total == 0 {
			total = in + out
		}
		resp.Usage = model.TokenUsage{
			InputTokens:  in,
			OutputTokens: out,
			TotalTokens:  total,
		}
	}
	return resp
}

func decodeDocument(doc document.Interface) string {
	if doc == nil {
		return ""
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil {
		return ""
	}
	return string(data)
}

func i32(p *int32) int {
	if p == nil {
		return 0
	}
	return int(*p)
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return true
	}
	return false
}
