package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint_FolderOrderDoesNotAffectKey(t *testing.T) {
	a := Fingerprint(FingerprintInput{
		SenderNormalized:  "alice@example.com",
		SubjectNormalized: "invoice",
		CandidateFolders:  []string{"Work", "Finance"},
	})
	b := Fingerprint(FingerprintInput{
		SenderNormalized:  "alice@example.com",
		SubjectNormalized: "invoice",
		CandidateFolders:  []string{"Finance", "Work"},
	})
	assert.Equal(t, a, b)
}

func TestFingerprint_DiffersOnSanitizedBody(t *testing.T) {
	base := FingerprintInput{SenderNormalized: "a@example.com", SanitizedBodyHead: "hello"}
	other := base
	other.SanitizedBodyHead = "goodbye"
	assert.NotEqual(t, Fingerprint(base), Fingerprint(other))
}

func TestFingerprint_IgnoresCase(t *testing.T) {
	a := Fingerprint(FingerprintInput{SenderNormalized: "Alice@Example.com", SubjectNormalized: "Invoice"})
	b := Fingerprint(FingerprintInput{SenderNormalized: "alice@example.com", SubjectNormalized: "invoice"})
	assert.Equal(t, a, b)
}

func TestSmartCache_GetHitAndMiss(t *testing.T) {
	c := New(Options{Capacity: 10, DefaultTTL: time.Minute})
	ctx := context.Background()

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	c.Put(ctx, "k", "v", 0)
	val, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", val)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestSmartCache_EvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	c := New(Options{Capacity: 2, DefaultTTL: time.Minute})
	ctx := context.Background()

	c.Put(ctx, "a", 1, 0)
	c.Put(ctx, "b", 2, 0)
	c.Put(ctx, "c", 3, 0) // evicts "a", the least recently touched

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "b")
	assert.True(t, ok)
	_, ok = c.Get(ctx, "c")
	assert.True(t, ok)
}

func TestSmartCache_GetTouchingEntryKeepsItAliveOverEviction(t *testing.T) {
	c := New(Options{Capacity: 2, DefaultTTL: time.Minute})
	ctx := context.Background()

	c.Put(ctx, "a", 1, 0)
	c.Put(ctx, "b", 2, 0)
	c.Get(ctx, "a") // "a" is now most recently used, "b" is least
	c.Put(ctx, "c", 3, 0)

	_, ok := c.Get(ctx, "b")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "a")
	assert.True(t, ok)
}

func TestSmartCache_ExpiredEntryIsTreatedAsMiss(t *testing.T) {
	c := New(Options{Capacity: 10, DefaultTTL: time.Minute})
	ctx := context.Background()

	c.Put(ctx, "k", "v", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestSmartCache_Invalidate(t *testing.T) {
	c := New(Options{Capacity: 10, DefaultTTL: time.Minute})
	ctx := context.Background()

	c.Put(ctx, "k", "v", 0)
	c.Invalidate("k")

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

type fakePersistence struct {
	store map[string]Entry
}

func (f *fakePersistence) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	entry, ok := f.store[key]
	if !ok {
		return false, nil
	}
	*(dest.(*Entry)) = entry
	return true, nil
}

func (f *fakePersistence) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	f.store[key] = value.(Entry)
	return nil
}

func TestSmartCache_FallsThroughToPersistenceOnLocalMiss(t *testing.T) {
	persist := &fakePersistence{store: make(map[string]Entry)}
	c := New(Options{Capacity: 10, DefaultTTL: time.Minute, Persist: persist})
	ctx := context.Background()

	c.Put(ctx, "k", "v", 0)
	c.Invalidate("k") // clears the local tier but not persistence

	val, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", val)
}
