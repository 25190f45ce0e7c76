package config

import (
	"sync/atomic"
	"time"
)

// Tuning is the subset of configuration the trigger evaluator and request
// correlator consult on every message. It is swapped atomically by the
// watcher so a reload never tears a half-applied threshold.
type Tuning struct {
	FrameRequestEnabled        bool
	MotionThreshold            float64
	VehicleConfidenceThreshold float64
	SceneChangeEnabled         bool
	FrameRequestCooldown       time.Duration
}

type tuningHolder struct {
	p atomic.Pointer[Tuning]
}

// Tuning returns the current snapshot by value.
func (c *Config) Tuning() Tuning {
	if t := c.tuning.p.Load(); t != nil {
		return *t
	}
	// Load() always seeds; this covers hand-built Configs in tests.
	return Tuning{
		FrameRequestEnabled:        c.FrameRequestEnabled,
		MotionThreshold:            c.MotionThreshold,
		VehicleConfidenceThreshold: c.VehicleConfidenceThreshold,
		SceneChangeEnabled:         c.SceneChangeEnabled,
		FrameRequestCooldown:       time.Duration(c.FrameRequestCooldown) * time.Second,
	}
}

func (c *Config) storeTuning() {
	t := Tuning{
		FrameRequestEnabled:        c.FrameRequestEnabled,
		MotionThreshold:            c.MotionThreshold,
		VehicleConfidenceThreshold: c.VehicleConfidenceThreshold,
		SceneChangeEnabled:         c.SceneChangeEnabled,
		FrameRequestCooldown:       time.Duration(c.FrameRequestCooldown) * time.Second,
	}
	c.tuning.p.Store(&t)
}

// adoptTuning copies the tuning fields from a freshly loaded Config and
// publishes them. Non-tuning fields of the receiver are left untouched;
// everything else requires a restart.
func (c *Config) adoptTuning(fresh *Config) {
	c.tuning.p.Store(&Tuning{
		FrameRequestEnabled:        fresh.FrameRequestEnabled,
		MotionThreshold:            fresh.MotionThreshold,
		VehicleConfidenceThreshold: fresh.VehicleConfidenceThreshold,
		SceneChangeEnabled:         fresh.SceneChangeEnabled,
		FrameRequestCooldown:       time.Duration(fresh.FrameRequestCooldown) * time.Second,
	})
}
