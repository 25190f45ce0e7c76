// Package trigger decides whether a metadata message is worth a frame
// request. The ladder is fixed: cooldown, feature flag, motion, vehicles,
// scene change. Only the scene-change step writes anything; every other
// step is a pure read.
package trigger

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/axis-is/cloud-service/internal/config"
	"github.com/axis-is/cloud-service/internal/scene"
)

// StateKeySceneHash is the camera-state field holding the last scene hash
// observed by the scene-change step.
const StateKeySceneHash = "last_scene_hash"

// COCO ids for car, bus, truck.
var vehicleClasses = map[int]struct{}{2: {}, 5: {}, 7: {}}

// StateWriter is the single cache capability the evaluator needs: the
// scene-hash side effect must be visible to subsequent evaluations even
// when nothing fires.
type StateWriter interface {
	SetStateField(ctx context.Context, cameraID, field, value string) error
}

type Evaluator struct {
	cfg   *config.Config
	state StateWriter
	log   zerolog.Logger
}

func NewEvaluator(cfg *config.Config, state StateWriter, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		cfg:   cfg,
		state: state,
		log:   log.With().Str("component", "trigger").Logger(),
	}
}

// Evaluate walks the ladder and returns (fire, reason). First match wins.
// state is the camera's current state hash as loaded by the caller;
// cooldownActive is the caller's cooldown-mark check.
func (e *Evaluator) Evaluate(ctx context.Context, cameraID string, m scene.Metadata, state map[string]string, cooldownActive bool) (bool, string) {
	if cooldownActive {
		return false, "cooldown"
	}

	t := e.cfg.Tuning()
	if !t.FrameRequestEnabled {
		return false, "disabled"
	}

	if m.MotionScore > t.MotionThreshold {
		return true, fmt.Sprintf("high_motion_%.2f", m.MotionScore)
	}

	for _, d := range m.Detections {
		if _, ok := vehicleClasses[d.ClassID]; ok && d.Confidence > t.VehicleConfidenceThreshold {
			return true, fmt.Sprintf("vehicle_detected_%d", d.ClassID)
		}
	}

	if t.SceneChangeEnabled && m.SceneHash != nil {
		hash := strconv.FormatInt(*m.SceneHash, 10)
		last := state[StateKeySceneHash]
		switch {
		case last == "":
			// first sighting: record and keep walking
			e.writeSceneHash(ctx, cameraID, hash)
		case last != hash:
			e.writeSceneHash(ctx, cameraID, hash)
			return true, "scene_change"
		}
	}

	return false, "no_trigger"
}

func (e *Evaluator) writeSceneHash(ctx context.Context, cameraID, hash string) {
	if err := e.state.SetStateField(ctx, cameraID, StateKeySceneHash, hash); err != nil {
		// the next message re-records; the worst case is one extra
		// scene_change fire
		e.log.Warn().Err(err).Str("camera_id", cameraID).Msg("scene hash write failed")
	}
}
