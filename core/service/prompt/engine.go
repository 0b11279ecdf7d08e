// Package prompt renders the model-facing prompt from a sanitized input and
// a candidate folder list, via a small version-tagged template registry.
package prompt

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"mailcore/core/domain"
)

// AnalysisMode selects which template family to render.
type AnalysisMode string

const (
	ModeStandard AnalysisMode = "standard"
	ModeConcise  AnalysisMode = "concise"
)

// CurrentTemplateVersion contributes to the cache fingerprint, so a
// template change invalidates previously cached decisions. It is not
// written into the rendered prompt itself.
const CurrentTemplateVersion = "v1"

const systemInstructions = `You are an email triage assistant. Rules:
1. Choose exactly one folder name from the provided candidate list.
2. Respond with a single JSON object with fields "folder" and "confidence".
3. Never output any prose outside that JSON object.`

// template holds the language/mode-specific framing text wrapped around the
// two fixed substitution points (folder list, sanitized input block).
type template struct {
	intro string
}

var registry = map[string]map[AnalysisMode]template{
	"en": {
		ModeStandard: {intro: "Classify the following email into one of the candidate folders."},
		ModeConcise:  {intro: "Pick the best folder for this email."},
	},
	"ko": {
		ModeStandard: {intro: "다음 이메일을 후보 폴더 중 하나로 분류하세요."},
		ModeConcise:  {intro: "이 이메일에 가장 적합한 폴더를 고르세요."},
	},
}

var defaultLanguage = "en"

// Render produces the full prompt text for one classification call.
func Render(input domain.SanitizedInput, candidateFolders []string, mode AnalysisMode) (string, error) {
	lang := input.DetectedLanguage
	if _, ok := registry[lang]; !ok {
		lang = defaultLanguage
	}
	tmpl, ok := registry[lang][mode]
	if !ok {
		tmpl = registry[lang][ModeStandard]
	}

	foldersJSON, err := json.Marshal(candidateFolders)
	if err != nil {
		return "", fmt.Errorf("prompt: marshal candidate folders: %w", err)
	}

	var b strings.Builder
	b.WriteString(systemInstructions)
	b.WriteString("\n\n")
	b.WriteString(tmpl.intro)
	b.WriteString("\n\nCandidate folders: ")
	b.Write(foldersJSON)
	b.WriteString("\n\nSubject: ")
	b.WriteString(input.Subject)
	b.WriteString("\nSender: ")
	b.WriteString(input.Sender)
	if len(input.AttachmentHints) > 0 {
		b.WriteString("\nAttachments: ")
		b.WriteString(strings.Join(input.AttachmentHints, ", "))
	}
	b.WriteString("\nBody:\n")
	b.WriteString(input.Body)

	return b.String(), nil
}
