package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/goccy/go-json"

	out "mailcore/core/port/out"
)

// OpenAI wraps github.com/sashabaranov/go-openai, constrained to
// ChatCompletionResponseFormatTypeJSONObject the same way the classify-path
// chat completions it's grounded on do.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI constructs an OpenAI adapter with apiKey resolved from the
// secret store by the caller.
func NewOpenAI(apiKey, model string) *OpenAI {
	return &OpenAI{client: openai.NewClient(apiKey), model: model}
}

func (o *OpenAI) Name() string    { return "openai" }
func (o *OpenAI) ModelID() string { return o.model }

func (o *OpenAI) Classify(ctx context.Context, prompt string, candidateFolders []string, timeout time.Duration) (out.ClassifyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return out.ClassifyResult{}, wrapErr(classifyOpenAIError(err), "openai: chat completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return out.ClassifyResult{}, wrapErr(out.FailureTransient, "openai: empty response", nil)
	}

	var decision modelDecision
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &decision); err != nil {
		return out.ClassifyResult{}, wrapErr(out.FailureTransient, "openai: parse model output", err)
	}

	return out.ClassifyResult{
		Folder:     decision.Folder,
		Confidence: decision.Confidence,
		TokensIn:   resp.Usage.PromptTokens,
		TokensOut:  resp.Usage.CompletionTokens,
	}, nil
}

func (o *OpenAI) HealthCheck(ctx context.Context) (out.HealthStatus, string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := o.client.ListModels(ctx)
	if err == nil {
		return out.HealthOK, ""
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return out.HealthAuthFailed, err.Error()
		case http.StatusTooManyRequests:
			return out.HealthRateLimited, err.Error()
		}
	}
	return out.HealthUnreachable, err.Error()
}

func classifyOpenAIError(err error) out.FailureKind {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return ClassifyHTTPStatus(apiErr.HTTPStatusCode)
	}
	return ClassifyTransportError(err)
}
