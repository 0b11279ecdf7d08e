package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"google.golang.org/api/option"

	out "mailcore/core/port/out"

	"mailcore/pkg/httputil"
)

// Gemini talks to the Generative Language API's generateContent endpoint
// directly over HTTP, passing the API key as a URL query parameter; there
// is no generative-language SDK in the retrieved pack to wrap.
type Gemini struct {
	apiKey string
	model  string
	client *http.Client
}

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"

// NewGemini constructs a Gemini adapter. opts is accepted for symmetry with
// the option.ClientOption contract, but no option is consulted; the key
// is the apiKey argument, resolved by the caller from the secret store.
func NewGemini(apiKey, model string, timeout time.Duration, opts ...option.ClientOption) *Gemini {
	for _, o := range opts {
		_ = o // reserved for future transport options (proxies, quota projects)
	}
	return &Gemini{
		apiKey: apiKey,
		model:  model,
		client: httputil.NewOptimizedClient(httputil.LLMClientConfig(timeout)),
	}
}

func (g *Gemini) Name() string    { return "gemini" }
func (g *Gemini) ModelID() string { return g.model }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent   `json:"contents"`
	GenerationConfig *geminiGenConfig  `json:"generationConfig,omitempty"`
}

type geminiGenConfig struct {
	ResponseMimeType string `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (g *Gemini) endpoint(method string) string {
	return fmt.Sprintf("%s/%s:%s?key=%s", geminiBaseURL, g.model, method, g.apiKey)
}

func (g *Gemini) Classify(ctx context.Context, prompt string, candidateFolders []string, timeout time.Duration) (out.ClassifyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqBody, err := json.Marshal(geminiRequest{
		Contents:         []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: &geminiGenConfig{ResponseMimeType: "application/json"},
	})
	if err != nil {
		return out.ClassifyResult{}, wrapErr(out.FailurePermanent, "gemini: encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint("generateContent"), bytes.NewReader(reqBody))
	if err != nil {
		return out.ClassifyResult{}, wrapErr(out.FailurePermanent, "gemini: build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return out.ClassifyResult{}, wrapErr(ClassifyTransportError(err), "gemini: request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return out.ClassifyResult{}, wrapErr(ClassifyHTTPStatus(resp.StatusCode), fmt.Sprintf("gemini: status %d", resp.StatusCode), nil)
	}

	var body geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return out.ClassifyResult{}, wrapErr(out.FailureTransient, "gemini: decode response", err)
	}
	if len(body.Candidates) == 0 || len(body.Candidates[0].Content.Parts) == 0 {
		return out.ClassifyResult{}, wrapErr(out.FailureTransient, "gemini: empty response", nil)
	}

	var decision modelDecision
	if err := json.Unmarshal([]byte(body.Candidates[0].Content.Parts[0].Text), &decision); err != nil {
		return out.ClassifyResult{}, wrapErr(out.FailureTransient, "gemini: parse model output", err)
	}

	return out.ClassifyResult{
		Folder:     decision.Folder,
		Confidence: decision.Confidence,
		TokensIn:   body.UsageMetadata.PromptTokenCount,
		TokensOut:  body.UsageMetadata.CandidatesTokenCount,
	}, nil
}

func (g *Gemini) HealthCheck(ctx context.Context) (out.HealthStatus, string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s?key=%s", geminiBaseURL, g.apiKey), nil)
	if err != nil {
		return out.HealthUnreachable, err.Error()
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return out.HealthUnreachable, err.Error()
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return out.HealthOK, ""
	case http.StatusUnauthorized, http.StatusForbidden:
		return out.HealthAuthFailed, "unauthorized"
	case http.StatusTooManyRequests:
		return out.HealthRateLimited, "rate limited"
	default:
		return out.HealthUnreachable, fmt.Sprintf("status %d", resp.StatusCode)
	}
}
