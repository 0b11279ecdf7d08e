// Package signer computes the HMAC-SHA256 authenticity signature attached
// to a finalized classification decision. No third-party HMAC/signing
// library appears anywhere in the retrieved pack or is conventional for
// this narrow a job, so this wraps the standard library directly.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Subset is the fixed field order signed over: target_folder, confidence,
// provider_name, model_name, message_id. Confidence is rendered to three
// decimals to match the classification header format.
type Subset struct {
	TargetFolder string
	Confidence   float64
	ProviderName string
	ModelName    string
	MessageID    string
}

// Canonical renders s as the comma-separated, whitespace-free string the
// signature is computed over.
func Canonical(s Subset) string {
	return fmt.Sprintf("%s,%.3f,%s,%s,%s", s.TargetFolder, s.Confidence, s.ProviderName, s.ModelName, s.MessageID)
}

// Signer computes signatures with a fixed key.
type Signer struct {
	key []byte
}

// New constructs a Signer bound to key. An empty key still produces a
// (degenerate but deterministic) signature; callers that require signing
// must ensure the key comes from a resolved secret.
func New(key []byte) *Signer {
	return &Signer{key: key}
}

// Sign returns the lowercase hex HMAC-SHA256 digest over Canonical(s).
func (s *Signer) Sign(subset Subset) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(Canonical(subset)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the correct signature for subset.
func (s *Signer) Verify(subset Subset, sig string) bool {
	expected := s.Sign(subset)
	return hmac.Equal([]byte(expected), []byte(sig))
}
