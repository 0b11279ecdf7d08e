package provider

import (
	"fmt"
	"time"

	"mailcore/core/domain"
	out "mailcore/core/port/out"
)

// New instantiates the adapter for desc, resolving its API key through
// secrets when APIKeyRef is set. Ollama is the only backend that tolerates
// a missing key (local, unauthenticated by default).
func New(desc domain.ProviderDescriptor, secrets out.SecretStore) (out.Provider, error) {
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = time.Duration(desc.TimeoutMS) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var apiKey string
	if desc.APIKeyRef != "" {
		if secrets == nil {
			return nil, fmt.Errorf("provider %q requires api_key_ref %q but no secret store is configured", desc.Name, desc.APIKeyRef)
		}
		raw, err := secrets.Get(desc.APIKeyRef)
		if err != nil {
			return nil, fmt.Errorf("provider %q: resolve api_key_ref %q: %w", desc.Name, desc.APIKeyRef, err)
		}
		apiKey = string(raw)
	}

	switch desc.Name {
	case domain.ProviderOllama:
		return NewOllama(desc.Endpoint, desc.ModelID, timeout), nil
	case domain.ProviderOpenAI:
		if apiKey == "" {
			return nil, fmt.Errorf("provider %q requires api_key_ref", desc.Name)
		}
		return NewOpenAI(apiKey, desc.ModelID), nil
	case domain.ProviderAnthropic:
		if apiKey == "" {
			return nil, fmt.Errorf("provider %q requires api_key_ref", desc.Name)
		}
		return NewAnthropic(apiKey, desc.ModelID, timeout), nil
	case domain.ProviderGemini:
		if apiKey == "" {
			return nil, fmt.Errorf("provider %q requires api_key_ref", desc.Name)
		}
		return NewGemini(apiKey, desc.ModelID, timeout), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", desc.Name)
	}
}
