package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	out "mailcore/core/port/out"

	"mailcore/pkg/httputil"
)

// Anthropic is a hand-rolled minimal client for the Messages API. No
// Anthropic Go SDK appears anywhere in the retrieved example pack, so this
// follows the same adapter shape as Ollama/OpenAI instead of wrapping one.
type Anthropic struct {
	apiKey string
	model  string
	client *http.Client
}

const anthropicEndpoint = "https://api.anthropic.com/v1/messages"
const anthropicVersion = "2023-06-01"

// NewAnthropic constructs an Anthropic adapter with apiKey resolved from
// the secret store by the caller.
func NewAnthropic(apiKey, model string, timeout time.Duration) *Anthropic {
	return &Anthropic{
		apiKey: apiKey,
		model:  model,
		client: httputil.NewOptimizedClient(httputil.LLMClientConfig(timeout)),
	}
}

func (a *Anthropic) Name() string    { return "anthropic" }
func (a *Anthropic) ModelID() string { return a.model }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string              `json:"model"`
	MaxTokens int                 `json:"max_tokens"`
	Messages  []anthropicMessage  `json:"messages"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Anthropic) Classify(ctx context.Context, prompt string, candidateFolders []string, timeout time.Duration) (out.ClassifyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqBody, err := json.Marshal(anthropicRequest{
		Model:     a.model,
		MaxTokens: 256,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return out.ClassifyResult{}, wrapErr(out.FailurePermanent, "anthropic: encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicEndpoint, bytes.NewReader(reqBody))
	if err != nil {
		return out.ClassifyResult{}, wrapErr(out.FailurePermanent, "anthropic: build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return out.ClassifyResult{}, wrapErr(ClassifyTransportError(err), "anthropic: request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return out.ClassifyResult{}, wrapErr(ClassifyHTTPStatus(resp.StatusCode), fmt.Sprintf("anthropic: status %d", resp.StatusCode), nil)
	}

	var body anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return out.ClassifyResult{}, wrapErr(out.FailureTransient, "anthropic: decode response", err)
	}
	if len(body.Content) == 0 {
		return out.ClassifyResult{}, wrapErr(out.FailureTransient, "anthropic: empty response", nil)
	}

	var decision modelDecision
	if err := json.Unmarshal([]byte(body.Content[0].Text), &decision); err != nil {
		return out.ClassifyResult{}, wrapErr(out.FailureTransient, "anthropic: parse model output", err)
	}

	return out.ClassifyResult{
		Folder:     decision.Folder,
		Confidence: decision.Confidence,
		TokensIn:   body.Usage.InputTokens,
		TokensOut:  body.Usage.OutputTokens,
	}, nil
}

func (a *Anthropic) HealthCheck(ctx context.Context) (out.HealthStatus, string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	reqBody, _ := json.Marshal(anthropicRequest{
		Model:     a.model,
		MaxTokens: 1,
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicEndpoint, bytes.NewReader(reqBody))
	if err != nil {
		return out.HealthUnreachable, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		return out.HealthUnreachable, err.Error()
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return out.HealthOK, ""
	case resp.StatusCode == http.StatusUnauthorized:
		return out.HealthAuthFailed, "unauthorized"
	case resp.StatusCode == http.StatusTooManyRequests:
		return out.HealthRateLimited, "rate limited"
	default:
		return out.HealthUnreachable, fmt.Sprintf("status %d", resp.StatusCode)
	}
}
