package scene

import "encoding/json"

// Detection is one detected object from the edge model. bbox stays opaque;
// its shape belongs to the edge firmware.
type Detection struct {
	ClassID    int             `json:"class_id"`
	Confidence float64         `json:"confidence"`
	BBox       json.RawMessage `json:"bbox,omitempty"`
}

// Metadata is the decoded payload of a camera metadata message. SceneHash
// is a pointer because its absence disables the scene-change trigger.
type Metadata struct {
	TimestampUs int64       `json:"timestamp_us"`
	Sequence    int64       `json:"sequence"`
	MotionScore float64     `json:"motion_score"`
	ObjectCount int         `json:"object_count"`
	SceneHash   *int64      `json:"scene_hash,omitempty"`
	Detections  []Detection `json:"detections,omitempty"`
}

// Entry is one element of a camera's scene-memory ring. Metadata arrivals
// create entries with HasImage=false; a correlated frame upgrades the
// matching entry in place. An image arriving after its metadata was evicted
// creates an image-only entry.
type Entry struct {
	TimestampUs int64       `json:"timestamp_us"`
	FrameID     int64       `json:"frame_id"`
	MotionScore float64     `json:"motion_score"`
	ObjectCount int         `json:"object_count"`
	SceneHash   *int64      `json:"scene_hash,omitempty"`
	Detections  []Detection `json:"detections,omitempty"`
	HasImage    bool        `json:"has_image"`
	ImageBase64 string      `json:"image_base64,omitempty"`
	RequestID   string      `json:"request_id,omitempty"`
}

// Context aggregates a camera's ring for the analysis prompt and the
// scene-memory endpoint.
type Context struct {
	CameraID            string  `json:"camera_id"`
	FramesAvailable     int     `json:"frames_available"`
	FramesWithImages    int     `json:"frames_with_images"`
	TimeSpanSeconds     float64 `json:"time_span_seconds"`
	TotalObjects        int     `json:"total_objects_detected"`
	AverageMotionScore  float64 `json:"average_motion_score"`
	UniqueObjectClasses int     `json:"unique_object_classes"`
	LatestTimestamp     int64   `json:"latest_timestamp,omitempty"`
	Summary             string  `json:"summary,omitempty"`
}
