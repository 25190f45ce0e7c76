package vision

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axis-is/cloud-service/internal/config"
	"github.com/axis-is/cloud-service/internal/scene"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.AnthropicAPIKey = "test-anthropic-key"
	cfg.GeminiAPIKey = "test-gemini-key"
	return cfg
}

// analysisRequest wraps frames in a Request with a vehicle trigger and a
// plausible context block.
func analysisRequest(frames ...scene.Entry) Request {
	return Request{
		CameraID: "cam-1",
		Trigger: scene.Metadata{
			MotionScore: 0.85,
			Detections:  []scene.Detection{{ClassID: 2, Confidence: 0.9}},
		},
		Frames: frames,
		Context: scene.Context{
			CameraID:           "cam-1",
			FramesAvailable:    len(frames),
			FramesWithImages:   len(frames),
			TimeSpanSeconds:    3.5,
			TotalObjects:       4,
			AverageMotionScore: 0.42,
		},
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := testConfig()

	cfg.AIProvider = config.ProviderClaude
	p, err := NewFromConfig(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &Claude{}, p)
	assert.Equal(t, "claude", p.Name())

	cfg.AIProvider = config.ProviderGemini
	p, err = NewFromConfig(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &Gemini{}, p)
	assert.Equal(t, "gemini", p.Name())

	cfg.AIProvider = "watson"
	_, err = NewFromConfig(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watson")
}

func TestTailFrames(t *testing.T) {
	frames := []scene.Entry{
		{TimestampUs: 1}, {TimestampUs: 2}, {TimestampUs: 3},
	}
	assert.Len(t, tailFrames(frames, 5), 3)

	got := tailFrames(frames, 2)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].TimestampUs)
	assert.Equal(t, int64(3), got[1].TimestampUs)
}
