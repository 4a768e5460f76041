// Package openai provides a model.Client implementation backed by the OpenAI
// Responses API. It translates normalized requests into responses.New calls
// using github.com/openai/openai-go and maps replies (output text, response
// id, usage) back into the generic model structures.
//
// Response threading is native here: PreviousResponseID maps directly onto
// the API's previous_response_id parameter and the returned response id is
// surfaced for the next call.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"goa.design/foreman/runtime/agent/model"
)

// ResponsesClient captures the subset of the OpenAI SDK used by the adapter.
// It is satisfied by *responses.ResponseService so callers can pass either a
// real client or a mock in tests.
type ResponsesClient interface {
	New(ctx context.Context, body responses.ResponseNewParams, opts ...option.RequestOption) (*responses.Response, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	// Client issues Responses API calls. Required.
	Client ResponsesClient

	// DefaultModel is the model identifier used when Request.Model is empty.
	// Required.
	DefaultModel string
}

// Client implements model.Client on top of the OpenAI Responses API.
type Client struct {
	svc          ResponsesClient
	defaultModel string
}

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{svc: opts.Client, defaultModel: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP transport.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &client.Responses, DefaultModel: defaultModel})
}

// Complete issues a responses.New call and translates the reply.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, callOpts, err := c.buildParams(req)
	if err != nil {
		return model.Response{}, err
	}
	resp, err := c.svc.New(ctx, params, callOpts...)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("openai responses: %w", err)
	}
	if resp == nil {
		return model.Response{}, errors.New("openai responses: nil response")
	}
	return model.Response{
		Text:       resp.OutputText(),
		ResponseID: resp.ID,
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
		Raw: resp,
	}, nil
}

func (c *Client) buildParams(req model.Request) (responses.ResponseNewParams, []option.RequestOption, error) {
	if len(req.Messages) == 0 {
		return responses.ResponseNewParams{}, nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	items := make(responses.ResponseInputParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		role, err := encodeRole(m.Role)
		if err != nil {
			return responses.ResponseNewParams{}, nil, err
		}
		items = append(items, responses.ResponseInputItemUnionParam{
			OfMessage: &responses.EasyInputMessageParam{
				Role:    role,
				Content: responses.EasyInputMessageContentUnionParam{OfString: openai.String(m.Content)},
			},
		})
	}
	if len(items) == 0 {
		return responses.ResponseNewParams{}, nil, errors.New("openai: messages are required")
	}

	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(modelID),
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: items},
	}
	if req.Instructions != "" {
		params.Instructions = openai.String(req.Instructions)
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if req.PreviousResponseID != "" {
		params.PreviousResponseID = openai.String(req.PreviousResponseID)
	}
	if req.Truncation == model.TruncationDisabled {
		params.Truncation = responses.ResponseNewParamsTruncationDisabled
	} else {
		params.Truncation = responses.ResponseNewParamsTruncationAuto
	}
	if req.OutputSchema != nil {
		if req.OutputSchemaName == "" {
			return responses.ResponseNewParams{}, nil, errors.New("openai: output schema name is required when a schema is set")
		}
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:   req.OutputSchemaName,
					Schema: req.OutputSchema,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	// Compaction is a body extension honored by gateway deployments that
	// implement server-side context compaction. The public API rejects
	// unknown fields, so the hint is only attached when requested.
	var callOpts []option.RequestOption
	if req.CompactThreshold > 0 {
		callOpts = append(callOpts, option.WithJSONSet("compaction", map[string]any{
			"threshold_tokens": req.CompactThreshold,
		}))
	}
	return params, callOpts, nil
}

func encodeRole(role model.Role) (responses.EasyInputMessageRole, error) {
	switch role {
	case "", model.RoleUser:
		return responses.EasyInputMessageRoleUser, nil
	case model.RoleAssistant:
		return responses.EasyInputMessageRoleAssistant, nil
	case model.RoleSystem:
		return responses.EasyInputMessageRoleSystem, nil
	case model.RoleDeveloper:
		return responses.EasyInputMessageRoleDeveloper, nil
	default:
		return "", fmt.Errorf("openai: unsupported message role %q", role)
	}
}

func isRateLimited(err error) bool {
	var apierr *openai.Error
	return errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests
}
