package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CameraEvent is one persisted metadata message. Immutable after insert.
type CameraEvent struct {
	ID          int64
	CameraID    string
	TimestampUs int64
	FrameID     int64
	Metadata    json.RawMessage
	MotionScore float64
	ObjectCount int
	SceneHash   *int64
	CreatedAt   time.Time
}

type EventModel struct {
	DB DBTX
}

// Insert stores the event and returns the server-assigned id used as
// trigger_event_id by later analyses.
func (m EventModel) Insert(ctx context.Context, e *CameraEvent) (int64, error) {
	query := `
		INSERT INTO camera_events
		(camera_id, timestamp_us, frame_id, metadata_json, motion_score, object_count, scene_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	var id int64
	err := m.DB.QueryRowContext(ctx, query,
		e.CameraID,
		e.TimestampUs,
		e.FrameID,
		string(e.Metadata),
		e.MotionScore,
		e.ObjectCount,
		e.SceneHash,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert camera event: %w", err)
	}
	return id, nil
}
