package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axis-is/cloud-service/internal/cache"
	"github.com/axis-is/cloud-service/internal/config"
	"github.com/axis-is/cloud-service/internal/scene"
)

func setupEvaluator(t *testing.T) (*Evaluator, *cache.Cache, *config.Config) {
	t.Helper()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { client.Close() })
	c := cache.NewWithClient(client, 30, 600*time.Second)

	cfg := config.Default()
	return NewEvaluator(cfg, c, zerolog.Nop()), c, cfg
}

func int64p(v int64) *int64 { return &v }

func TestEvaluateCooldownWinsOverEverything(t *testing.T) {
	ev, _, _ := setupEvaluator(t)
	ctx := context.Background()

	m := scene.Metadata{
		TimestampUs: 1_000_000,
		MotionScore: 0.95,
		Detections:  []scene.Detection{{ClassID: 2, Confidence: 0.9}},
		SceneHash:   int64p(42),
	}

	fire, reason := ev.Evaluate(ctx, "cam-1", m, nil, true)
	assert.False(t, fire)
	assert.Equal(t, "cooldown", reason)

	// same input without the mark fires on the first rung
	fire, reason = ev.Evaluate(ctx, "cam-1", m, nil, false)
	assert.True(t, fire)
	assert.Equal(t, "high_motion_0.95", reason)
}

func TestEvaluateDisabled(t *testing.T) {
	ev, _, cfg := setupEvaluator(t)
	cfg.FrameRequestEnabled = false

	fire, reason := ev.Evaluate(context.Background(), "cam-1", scene.Metadata{MotionScore: 0.95}, nil, false)
	assert.False(t, fire)
	assert.Equal(t, "disabled", reason)
}

func TestEvaluateMotionThreshold(t *testing.T) {
	ev, _, _ := setupEvaluator(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		motion float64
		fire   bool
		reason string
	}{
		{"well above", 0.9, true, "high_motion_0.90"},
		{"just above", 0.71, true, "high_motion_0.71"},
		{"exactly threshold", 0.7, false, "no_trigger"},
		{"idle", 0.0, false, "no_trigger"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fire, reason := ev.Evaluate(ctx, "cam-1", scene.Metadata{MotionScore: tt.motion}, nil, false)
			assert.Equal(t, tt.fire, fire)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestEvaluateVehicleDetection(t *testing.T) {
	ev, _, _ := setupEvaluator(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		detections []scene.Detection
		fire       bool
		reason     string
	}{
		{
			"truck behind a person",
			[]scene.Detection{{ClassID: 0, Confidence: 0.99}, {ClassID: 7, Confidence: 0.8}},
			true, "vehicle_detected_7",
		},
		{
			"first vehicle in order wins",
			[]scene.Detection{{ClassID: 2, Confidence: 0.8}, {ClassID: 7, Confidence: 0.9}},
			true, "vehicle_detected_2",
		},
		{
			"confidence exactly at threshold",
			[]scene.Detection{{ClassID: 2, Confidence: 0.5}},
			false, "no_trigger",
		},
		{
			"motorcycle is not a tracked class",
			[]scene.Detection{{ClassID: 3, Confidence: 0.9}},
			false, "no_trigger",
		},
		{
			"no detections",
			nil,
			false, "no_trigger",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := scene.Metadata{MotionScore: 0.3, Detections: tt.detections}
			fire, reason := ev.Evaluate(ctx, "cam-1", m, nil, false)
			assert.Equal(t, tt.fire, fire)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestEvaluateMotionOutranksVehicle(t *testing.T) {
	ev, _, _ := setupEvaluator(t)

	m := scene.Metadata{
		MotionScore: 0.8,
		Detections:  []scene.Detection{{ClassID: 2, Confidence: 0.9}},
	}
	fire, reason := ev.Evaluate(context.Background(), "cam-1", m, nil, false)
	assert.True(t, fire)
	assert.Equal(t, "high_motion_0.80", reason)
}

func TestEvaluateSceneChange(t *testing.T) {
	ev, c, _ := setupEvaluator(t)
	ctx := context.Background()

	quiet := func(hash int64) scene.Metadata {
		return scene.Metadata{MotionScore: 0.1, SceneHash: int64p(hash)}
	}

	// first sighting records the hash without firing
	fire, reason := ev.Evaluate(ctx, "cam-1", quiet(111), nil, false)
	assert.False(t, fire)
	assert.Equal(t, "no_trigger", reason)

	state, err := c.GetCameraState(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, "111", state[StateKeySceneHash])

	// same hash again stays quiet
	fire, reason = ev.Evaluate(ctx, "cam-1", quiet(111), state, false)
	assert.False(t, fire)
	assert.Equal(t, "no_trigger", reason)

	// a different hash fires and re-records
	state, err = c.GetCameraState(ctx, "cam-1")
	require.NoError(t, err)
	fire, reason = ev.Evaluate(ctx, "cam-1", quiet(222), state, false)
	assert.True(t, fire)
	assert.Equal(t, "scene_change", reason)

	state, err = c.GetCameraState(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, "222", state[StateKeySceneHash])

	// and the new hash is quiet from then on
	fire, reason = ev.Evaluate(ctx, "cam-1", quiet(222), state, false)
	assert.False(t, fire)
	assert.Equal(t, "no_trigger", reason)
}

func TestEvaluateSceneChangeDisabled(t *testing.T) {
	ev, c, cfg := setupEvaluator(t)
	cfg.SceneChangeEnabled = false
	ctx := context.Background()

	require.NoError(t, c.SetStateField(ctx, "cam-1", StateKeySceneHash, "111"))
	state, err := c.GetCameraState(ctx, "cam-1")
	require.NoError(t, err)

	m := scene.Metadata{MotionScore: 0.1, SceneHash: int64p(222)}
	fire, reason := ev.Evaluate(ctx, "cam-1", m, state, false)
	assert.False(t, fire)
	assert.Equal(t, "no_trigger", reason)

	// the recorded hash is untouched
	state, err = c.GetCameraState(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, "111", state[StateKeySceneHash])
}

func TestEvaluateNoSceneHash(t *testing.T) {
	ev, c, _ := setupEvaluator(t)
	ctx := context.Background()

	m := scene.Metadata{MotionScore: 0.1}
	fire, reason := ev.Evaluate(ctx, "cam-1", m, nil, false)
	assert.False(t, fire)
	assert.Equal(t, "no_trigger", reason)

	state, err := c.GetCameraState(ctx, "cam-1")
	require.NoError(t, err)
	assert.NotContains(t, state, StateKeySceneHash)
}

func TestEvaluateEarlierRungSkipsSceneWrite(t *testing.T) {
	ev, c, _ := setupEvaluator(t)
	ctx := context.Background()

	m := scene.Metadata{MotionScore: 0.9, SceneHash: int64p(999)}
	fire, reason := ev.Evaluate(ctx, "cam-1", m, nil, false)
	assert.True(t, fire)
	assert.Equal(t, "high_motion_0.90", reason)

	state, err := c.GetCameraState(ctx, "cam-1")
	require.NoError(t, err)
	assert.NotContains(t, state, StateKeySceneHash)
}

func TestEvaluateDeterministic(t *testing.T) {
	ev, _, _ := setupEvaluator(t)
	ctx := context.Background()

	m := scene.Metadata{
		MotionScore: 0.4,
		Detections:  []scene.Detection{{ClassID: 5, Confidence: 0.7}},
	}
	for i := 0; i < 10; i++ {
		fire, reason := ev.Evaluate(ctx, "cam-1", m, nil, false)
		assert.True(t, fire)
		assert.Equal(t, "vehicle_detected_5", reason)
	}
}
