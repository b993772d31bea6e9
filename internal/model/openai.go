// Package model adapts the OpenAI-compatible chat completions API to the
// orchestrator's ModelClient contract. Any endpoint speaking the same
// protocol works through the BaseURL option.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/tickerchat/tickerchat/internal/agent"
	"github.com/tickerchat/tickerchat/internal/log"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "gpt-4o-mini"

// Config for the OpenAI adapter.
type Config struct {
	// APIKey authenticates against the completions endpoint. Required.
	APIKey string
	// BaseURL overrides the default OpenAI endpoint for compatible providers.
	BaseURL string
	// Model is the model name; DefaultModel when empty.
	Model string
	// Temperature is forwarded when positive.
	Temperature float64
}

func (c Config) validate() error {
	if c.APIKey == "" {
		return errors.New("model: APIKey is required")
	}
	return nil
}

// OpenAI implements agent.ModelClient on the chat completions API.
type OpenAI struct {
	client      openai.Client
	model       string
	temperature float64
	logger      log.Logger
}

var _ agent.ModelClient = (*OpenAI)(nil)

// NewOpenAI creates the adapter.
func NewOpenAI(cfg Config, logger log.Logger) (*OpenAI, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &OpenAI{
		client:      openai.NewClient(opts...),
		model:       model,
		temperature: cfg.Temperature,
		logger:      logger,
	}, nil
}

// Generate streams one completion, forwarding text deltas to cb. A returned
// tool-call intent means the turn needs a tool round before the model can
// continue. Retryable failures are wrapped with agent.ErrModelTransient.
func (o *OpenAI) Generate(ctx context.Context, req agent.ModelRequest, cb agent.StreamCallback) (*agent.ModelResult, error) {
	params, err := o.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("build completion params: %w", err)
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	var acc openai.ChatCompletionAccumulator

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" && cb != nil {
			if err := cb(ctx, delta); err != nil {
				stream.Close()
				return nil, fmt.Errorf("stream callback: %w", err)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classify(err)
	}

	if len(acc.Choices) == 0 {
		return nil, fmt.Errorf("completion returned no choices: %w", agent.ErrModelTransient)
	}
	choice := acc.Choices[0]

	result := &agent.ModelResult{Text: choice.Message.Content}
	if len(choice.Message.ToolCalls) > 0 {
		tc := choice.Message.ToolCalls[0]
		result.Intent = &agent.ToolCallIntent{
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		}
		o.logger.Debug("model requested tool", "tool", tc.Function.Name)
	}
	return result, nil
}

func (o *OpenAI) buildParams(req agent.ModelRequest) (openai.ChatCompletionNewParams, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}

	// Tool-role messages on the wire need a preceding assistant message that
	// carries the tool_calls entry; the persisted history stores the call as
	// one message, so both sides are synthesized here with a deterministic ID.
	for _, m := range req.Messages {
		switch m.Role {
		case agent.RoleUser:
			msgs = append(msgs, openai.UserMessage(m.Content))
		case agent.RoleAssistant:
			if m.Content == "" {
				continue
			}
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		case agent.RoleTool:
			callID := "call_" + m.ID.String()
			msgs = append(msgs, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					ToolCalls: []openai.ChatCompletionMessageToolCallParam{
						{
							ID: callID,
							Function: openai.ChatCompletionMessageToolCallFunctionParam{
								Name:      m.ToolName,
								Arguments: toolArguments(m),
							},
						},
					},
				},
			})
			msgs = append(msgs, openai.ToolMessage(toolContent(m), callID))
		default:
			return openai.ChatCompletionNewParams{}, fmt.Errorf("unexpected message role: %s", m.Role)
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    o.model,
		Messages: msgs,
	}
	if o.temperature > 0 {
		params.Temperature = param.NewOpt(o.temperature)
	}
	for _, def := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: param.NewOpt(def.Description),
				Parameters:  functionParameters(def.Schema),
			},
		})
	}
	return params, nil
}

// toolContent renders a persisted tool message for the wire: the raw result
// JSON on success, the failure description otherwise.
func toolContent(m agent.Message) string {
	if len(m.ToolResult) > 0 {
		return string(m.ToolResult)
	}
	if m.Content != "" {
		return m.Content
	}
	return "{}"
}

// toolArguments renders the argument payload the model originally requested
// the call with.
func toolArguments(m agent.Message) string {
	if len(m.ToolArgs) > 0 {
		return string(m.ToolArgs)
	}
	return "{}"
}

func functionParameters(s *jsonschema.Schema) openai.FunctionParameters {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var m openai.FunctionParameters
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

// classify wraps provider errors that are worth retrying with
// agent.ErrModelTransient. Rate limits, server-side failures, and network
// errors are transient; auth and request validation failures are not.
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("completion failed with status %d: %w: %w", apiErr.StatusCode, agent.ErrModelTransient, err)
		default:
			return fmt.Errorf("completion failed: %w", err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("completion network failure: %w: %w", agent.ErrModelTransient, err)
	}
	return fmt.Errorf("completion failed: %w: %w", agent.ErrModelTransient, err)
}
