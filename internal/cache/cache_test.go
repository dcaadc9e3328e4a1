package cache

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessions/internal/backend"
	"sessions/internal/clock"
	"sessions/internal/models"
)

func sampleResponse() *models.Response {
	return &models.Response{
		Status: 200,
		Headers: http.Header{
			"Content-Type":    []string{"application/json"},
			"X-Multi":         []string{"a", "b"},
			"X-Binary-Header": []string{"\x00\x01\xfe"},
		},
		Body: []byte(`{"id": 7, "name": "widget"}`),
		Request: &models.Request{
			Method: "GET",
			URL:    "https://api.example.com/widgets/7",
		},
	}
}

func TestCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	be := backend.NewMemory(0, clock.Real{})
	defer be.Close()
	c := New(be, "app", 300, nil)

	original := sampleResponse()
	require.NoError(t, c.Store(ctx, "app:cache:fp", original, 0))

	got, ok := c.Lookup(ctx, "app:cache:fp")
	require.True(t, ok)
	assert.Equal(t, original.Status, got.Status)
	assert.Equal(t, original.Headers, got.Headers, "headers must round-trip bit-exact")
	assert.Equal(t, original.Body, got.Body, "body must round-trip bit-exact")
	assert.True(t, got.FromCache)
	require.NotNil(t, got.Request)
	assert.Equal(t, "GET", got.Request.Method)

	// The JSON payload is recomputed on read.
	payload, err := got.JSON()
	require.NoError(t, err)
	obj, ok2 := payload.(map[string]any)
	require.True(t, ok2)
	assert.Equal(t, "widget", obj["name"])
}

func TestCache_MissIsNotAnError(t *testing.T) {
	ctx := context.Background()
	be := backend.NewMemory(0, clock.Real{})
	defer be.Close()
	c := New(be, "app", 300, nil)

	_, ok := c.Lookup(ctx, "app:cache:nothing")
	assert.False(t, ok)
}

func TestCache_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(1000)
	be := backend.NewMemory(0, clk)
	defer be.Close()
	c := New(be, "app", 300, nil)

	require.NoError(t, c.Store(ctx, "app:cache:fp", sampleResponse(), 5))
	_, ok := c.Lookup(ctx, "app:cache:fp")
	assert.True(t, ok)

	clk.Advance(6)
	_, ok = c.Lookup(ctx, "app:cache:fp")
	assert.False(t, ok, "an expired entry is treated as absent")
}

func TestCache_StoreTwiceTakesLaterTTL(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(1000)
	be := backend.NewMemory(0, clk)
	defer be.Close()
	c := New(be, "app", 300, nil)

	require.NoError(t, c.Store(ctx, "app:cache:fp", sampleResponse(), 5))
	require.NoError(t, c.Store(ctx, "app:cache:fp", sampleResponse(), 60))

	clk.Advance(10)
	_, ok := c.Lookup(ctx, "app:cache:fp")
	assert.True(t, ok, "the second store's TTL governs")
}

func TestCache_CorruptEntryEvicted(t *testing.T) {
	ctx := context.Background()
	be := backend.NewMemory(0, clock.Real{})
	defer be.Close()
	c := New(be, "app", 300, nil)

	require.NoError(t, be.Set(ctx, "app:cache:bad", []byte("not a cache entry"), 300))

	_, ok := c.Lookup(ctx, "app:cache:bad")
	assert.False(t, ok, "undecodable entries read as a miss")

	_, present, err := be.Get(ctx, "app:cache:bad")
	require.NoError(t, err)
	assert.False(t, present, "the bad key is evicted")
}

func TestCache_GetByFingerprintAndClear(t *testing.T) {
	ctx := context.Background()
	be := backend.NewMemory(0, clock.Real{})
	defer be.Close()
	c := New(be, "app", 300, nil)

	require.NoError(t, c.Store(ctx, "app:cache:fp1", sampleResponse(), 0))

	_, ok := c.Get(ctx, "fp1")
	assert.True(t, ok)

	require.NoError(t, c.Clear(ctx))
	_, ok = c.Get(ctx, "fp1")
	assert.False(t, ok)
}

func TestCodec_TruncatedEntry(t *testing.T) {
	data := Encode(sampleResponse())
	for _, cut := range []int{0, 1, 5, len(data) / 2, len(data) - 1} {
		_, err := Decode(data[:cut])
		assert.Error(t, err, "decoding %d bytes should fail", cut)
	}
}

func TestCodec_EmptyBodyAndHeaders(t *testing.T) {
	resp := &models.Response{Status: 204, Headers: http.Header{}, Body: nil}
	got, err := Decode(Encode(resp))
	require.NoError(t, err)
	assert.Equal(t, 204, got.Status)
	assert.Empty(t, got.Body)
	assert.Empty(t, got.Headers)
}
