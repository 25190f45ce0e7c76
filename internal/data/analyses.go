package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Analysis is one persisted vision-provider summary.
type Analysis struct {
	ID             int64
	CameraID       string
	TriggerEventID int64
	TimestampUs    int64
	Summary        string
	FullResponse   json.RawMessage
	FramesAnalyzed int
	DurationMs     int64
	CreatedAt      time.Time
}

// AnalysisListItem is the trimmed row served by the analyses endpoint.
type AnalysisListItem struct {
	ID             int64     `json:"id"`
	TimestampUs    int64     `json:"timestamp_us"`
	Summary        string    `json:"summary"`
	FramesAnalyzed int       `json:"frames_analyzed"`
	CreatedAt      time.Time `json:"created_at"`
}

type AnalysisModel struct {
	DB DBTX
}

func (m AnalysisModel) Insert(ctx context.Context, a *Analysis) (int64, error) {
	query := `
		INSERT INTO claude_analyses
		(camera_id, trigger_event_id, timestamp_us, summary, full_response_json,
		 frames_analyzed, analysis_duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	var id int64
	err := m.DB.QueryRowContext(ctx, query,
		a.CameraID,
		a.TriggerEventID,
		a.TimestampUs,
		a.Summary,
		string(a.FullResponse),
		a.FramesAnalyzed,
		a.DurationMs,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert analysis: %w", err)
	}
	return id, nil
}

// RecentByCamera returns the newest analyses for a camera, newest first.
func (m AnalysisModel) RecentByCamera(ctx context.Context, cameraID string, limit int) ([]AnalysisListItem, error) {
	query := `
		SELECT id, timestamp_us, summary, frames_analyzed, created_at
		FROM claude_analyses
		WHERE camera_id = $1
		ORDER BY timestamp_us DESC
		LIMIT $2`

	rows, err := m.DB.QueryContext(ctx, query, cameraID, limit)
	if err != nil {
		return nil, fmt.Errorf("query analyses: %w", err)
	}
	defer rows.Close()

	items := []AnalysisListItem{}
	for rows.Next() {
		var it AnalysisListItem
		if err := rows.Scan(&it.ID, &it.TimestampUs, &it.Summary, &it.FramesAnalyzed, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
