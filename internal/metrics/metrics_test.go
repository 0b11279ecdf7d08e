package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RenderIncludesRecordedSamples(t *testing.T) {
	c := New()
	c.CacheHit()
	c.CacheHit()
	c.CacheMiss()
	c.ProviderCall("ollama", "llama3", 0.2)
	c.BreakerState("ollama", "llama3", 0)
	c.Decision("model_decided")

	text, err := c.Render()
	require.NoError(t, err)
	assert.True(t, strings.Contains(text, "mailcore_cache_hits_total 2"))
	assert.True(t, strings.Contains(text, "mailcore_cache_misses_total 1"))
	assert.True(t, strings.Contains(text, `mailcore_decisions_total{rationale="model_decided"} 1`))
}
