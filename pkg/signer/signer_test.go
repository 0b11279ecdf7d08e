package signer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSign_MatchesKnownHMACVector(t *testing.T) {
	s := New([]byte("k"))
	subset := Subset{
		TargetFolder: "Invoices",
		Confidence:   0.910,
		ProviderName: "ollama",
		ModelName:    "llama3",
		MessageID:    "m1",
	}

	assert.Equal(t, "Invoices,0.910,ollama,llama3,m1", Canonical(subset))
	assert.Equal(t, "50092cfe68c0925447ed1d32f96bd29fccab270ea8409de7abea8630beffcff5", s.Sign(subset))
}

func TestVerify_AcceptsOwnSignatureAndRejectsTampering(t *testing.T) {
	s := New([]byte("k"))
	subset := Subset{TargetFolder: "Invoices", Confidence: 0.91, ProviderName: "ollama", ModelName: "llama3", MessageID: "m1"}

	sig := s.Sign(subset)
	assert.True(t, s.Verify(subset, sig))

	subset.TargetFolder = "Personal"
	assert.False(t, s.Verify(subset, sig))
}

func TestVerify_DifferentKeysProduceDifferentSignatures(t *testing.T) {
	subset := Subset{TargetFolder: "Invoices", Confidence: 0.91, ProviderName: "ollama", ModelName: "llama3", MessageID: "m1"}
	a := New([]byte("k1")).Sign(subset)
	b := New([]byte("k2")).Sign(subset)
	assert.NotEqual(t, a, b)
}
