// Package domain holds the core's data model: the types that flow through
// a single classification request and the longer-lived configuration and
// batch state that survive across requests.
package domain

import "time"

// Mode selects how much of a message the orchestrator is allowed to see.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeHeadersOnly Mode = "headers_only"
)

// RationaleTag explains why a ClassificationDecision has the shape it has.
type RationaleTag string

const (
	RationaleModelDecided      RationaleTag = "model_decided"
	RationaleThresholdRejected RationaleTag = "threshold_rejected"
	RationaleFolderRejected    RationaleTag = "folder_rejected"
	RationaleProviderFailed    RationaleTag = "provider_failed"
	RationaleCircuitOpen       RationaleTag = "circuit_open"
	RationaleRateLimited       RationaleTag = "rate_limited"
	RationaleCacheHit          RationaleTag = "cache_hit"
)

// InboxFallback is the sentinel target folder meaning "take no action."
const InboxFallback = "INBOX_FALLBACK"

// Attachment is a minimal, content-free descriptor of a message attachment.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
}

// ClassificationRequest is transient: owned by exactly one orchestrator
// invocation and discarded on response emission.
type ClassificationRequest struct {
	RequestID        string       `json:"request_id"`
	MessageID        string       `json:"message_id"`
	Subject          string       `json:"subject"`
	Sender           string       `json:"sender"`
	Body             string       `json:"body"`
	CandidateFolders []string     `json:"folders"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	Mode             Mode         `json:"mode,omitempty"`
}

// SanitizedInput is derived from a request by the privacy guard. It is
// never persisted beyond the pipeline call that produced it.
type SanitizedInput struct {
	Subject           string
	Sender            string
	Body              string
	AttachmentHints   []string // MIME-category summaries only
	DetectedLanguage  string   // ISO-639-1, best-effort
}

// ClassificationDecision is the orchestrator's output for one request.
type ClassificationDecision struct {
	MessageID    string       `json:"message_id"`
	TargetFolder string       `json:"target_folder"`
	Confidence   float64      `json:"confidence"`
	RationaleTag RationaleTag `json:"rationale_tag"`
	Signature    string       `json:"signature,omitempty"`
	LatencyMS    int64        `json:"latency_ms"`
	ProviderName string       `json:"provider_name,omitempty"`
	ModelName    string       `json:"model_name,omitempty"`
}

// CachedDecision is the subset of ClassificationDecision the smart cache
// stores: everything except signature and latency_ms, per spec.
type CachedDecision struct {
	TargetFolder string       `json:"target_folder"`
	Confidence   float64      `json:"confidence"`
	RationaleTag RationaleTag `json:"rationale_tag"`
	ProviderName string       `json:"provider_name"`
	ModelName    string       `json:"model_name"`
}

// ProviderName enumerates the supported LLM backends.
type ProviderName string

const (
	ProviderOllama    ProviderName = "ollama"
	ProviderOpenAI    ProviderName = "openai"
	ProviderAnthropic ProviderName = "anthropic"
	ProviderGemini    ProviderName = "gemini"
)

// ProviderDescriptor is configuration-time and long-lived.
type ProviderDescriptor struct {
	Name      ProviderName  `json:"name"`
	Endpoint  string        `json:"endpoint"`
	ModelID   string        `json:"model_id"`
	TimeoutMS int           `json:"timeout_ms"`
	APIKeyRef string        `json:"api_key_ref,omitempty"`
	Enabled   bool          `json:"enabled"`
	Timeout   time.Duration `json:"-"`
}

// FeedbackRecord carries no message content, only folder names, per the
// core's data-minimization non-goal.
type FeedbackRecord struct {
	MessageID      string    `json:"message_id"`
	ActualFolder   string    `json:"actual_folder"`
	PreviousFolder string    `json:"previous_folder,omitempty"`
	ReceivedAt     time.Time `json:"-"`
}

// BatchItem is one unit of work inside a BatchJob.
type BatchItem struct {
	Request ClassificationRequest
	Result  *ClassificationDecision
	Failed  bool
	Err     string
}

// BatchJob is the state of one batch_start call, consumed by the batch
// worker pool and read back by batch_status.
type BatchJob struct {
	BatchID   string
	CreatedAt time.Time
	Items     []*BatchItem
}

// Snapshot summarizes a BatchJob's progress for the batch_status response.
func (j *BatchJob) Snapshot() (queued, inFlight, completed, failed int) {
	for _, it := range j.Items {
		switch {
		case it.Failed:
			failed++
		case it.Result != nil:
			completed++
		default:
			queued++
		}
	}
	return
}
