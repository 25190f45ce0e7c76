package vision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axis-is/cloud-service/internal/scene"
)

const geminiReply = `{
	"candidates": [{
		"content": {"parts": [{"text": "Busy loading dock."}]},
		"finishReason": "STOP",
		"safetyRatings": [{"category": "HARM_CATEGORY_DANGEROUS_CONTENT", "probability": "NEGLIGIBLE"}]
	}]
}`

func TestGeminiAnalyze(t *testing.T) {
	var got geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-3-pro:generateContent", r.URL.Path)
		assert.Equal(t, "test-gemini-key", r.URL.Query().Get("key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(geminiReply))
	}))
	defer srv.Close()

	p := NewGemini(testConfig(), zerolog.Nop())
	p.BaseURL = srv.URL

	res, err := p.Analyze(context.Background(), analysisRequest(
		scene.Entry{TimestampUs: 1_000_000, HasImage: true, ImageBase64: "aW1nMQ=="},
	))
	require.NoError(t, err)
	assert.Equal(t, "Busy loading dock.", res.Summary)

	require.Len(t, got.Contents, 1)
	assert.Equal(t, "user", got.Contents[0].Role)
	parts := got.Contents[0].Parts
	require.Len(t, parts, 2)
	assert.Contains(t, parts[0].Text, "cam-1")
	require.NotNil(t, parts[1].InlineData)
	assert.Equal(t, "image/jpeg", parts[1].InlineData.MimeType)
	// valid input round-trips through the decode step unchanged
	assert.Equal(t, "aW1nMQ==", parts[1].InlineData.Data)
	assert.Equal(t, 500, got.GenerationConfig.MaxOutputTokens)
	assert.InDelta(t, 0.4, got.GenerationConfig.Temperature, 1e-9)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(res.FullResponse, &envelope))
	assert.Equal(t, "gemini-3-pro", envelope["model"])
	assert.Equal(t, "STOP", envelope["finish_reason"])
	assert.Equal(t, "Busy loading dock.", envelope["content"])
	ratings, ok := envelope["safety_ratings"].([]any)
	require.True(t, ok)
	assert.Len(t, ratings, 1)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats["analyses_count"])
	assert.NotZero(t, stats["total_input_chars"])
}

func TestGeminiAnalyzeJoinsParts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "Busy "}, {"text": "dock."}]}, "finishReason": "STOP"}]}`))
	}))
	defer srv.Close()

	p := NewGemini(testConfig(), zerolog.Nop())
	p.BaseURL = srv.URL

	res, err := p.Analyze(context.Background(), analysisRequest())
	require.NoError(t, err)
	assert.Equal(t, "Busy dock.", res.Summary)
}

func TestGeminiAnalyzeNoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": []}`))
	}))
	defer srv.Close()

	p := NewGemini(testConfig(), zerolog.Nop())
	p.BaseURL = srv.URL

	res, err := p.Analyze(context.Background(), analysisRequest())
	require.NoError(t, err)
	assert.Equal(t, "No response", res.Summary)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(res.FullResponse, &envelope))
	assert.Equal(t, "", envelope["finish_reason"])
}

func TestGeminiAnalyzeRejectsCorruptImage(t *testing.T) {
	p := NewGemini(testConfig(), zerolog.Nop())

	_, err := p.Analyze(context.Background(), analysisRequest(
		scene.Entry{TimestampUs: 1_000_000, FrameID: 42, HasImage: true, ImageBase64: "!!!not-base64!!!"},
	))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode frame image")
	assert.Contains(t, err.Error(), "frame_id=42")
}

func TestGeminiAnalyzeAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"status": "RESOURCE_EXHAUSTED"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewGemini(testConfig(), zerolog.Nop())
	p.BaseURL = srv.URL

	_, err := p.Analyze(context.Background(), analysisRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gemini api")
	assert.Contains(t, err.Error(), "status=429")
}
