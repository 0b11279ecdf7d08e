package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"mailcore/pkg/httputil"

	out "mailcore/core/port/out"
)

// Ollama talks to a local Ollama server's /api/generate endpoint. Endpoint
// defaults to http://localhost:11434 when unset, following the
// provider-string dispatch and endpoint-default pattern common to local-LLM
// client adapters.
type Ollama struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllama constructs an Ollama adapter. An empty endpoint falls back to
// the default local server address.
func NewOllama(endpoint, model string, timeout time.Duration) *Ollama {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &Ollama{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		model:    model,
		client:   httputil.NewOptimizedClient(httputil.LLMClientConfig(timeout)),
	}
}

func (o *Ollama) Name() string    { return "ollama" }
func (o *Ollama) ModelID() string { return o.model }

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

type modelDecision struct {
	Folder     string  `json:"folder"`
	Confidence float64 `json:"confidence"`
}

func (o *Ollama) Classify(ctx context.Context, prompt string, candidateFolders []string, timeout time.Duration) (out.ClassifyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqBody, err := json.Marshal(ollamaGenerateRequest{Model: o.model, Prompt: prompt, Stream: false, Format: "json"})
	if err != nil {
		return out.ClassifyResult{}, wrapErr(out.FailurePermanent, "ollama: encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return out.ClassifyResult{}, wrapErr(out.FailurePermanent, "ollama: build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return out.ClassifyResult{}, wrapErr(ClassifyTransportError(err), "ollama: request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return out.ClassifyResult{}, wrapErr(ClassifyHTTPStatus(resp.StatusCode), fmt.Sprintf("ollama: status %d", resp.StatusCode), nil)
	}

	var gen ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return out.ClassifyResult{}, wrapErr(out.FailureTransient, "ollama: decode response envelope", err)
	}

	var decision modelDecision
	if err := json.Unmarshal([]byte(gen.Response), &decision); err != nil {
		return out.ClassifyResult{}, wrapErr(out.FailureTransient, "ollama: parse model output", err)
	}

	return out.ClassifyResult{Folder: decision.Folder, Confidence: decision.Confidence}, nil
}

func (o *Ollama) HealthCheck(ctx context.Context) (out.HealthStatus, string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint+"/api/tags", nil)
	if err != nil {
		return out.HealthUnreachable, err.Error()
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return out.HealthUnreachable, err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return out.HealthOK, ""
	}
	return out.HealthUnreachable, fmt.Sprintf("status %d", resp.StatusCode)
}
