package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Alert is a camera-raised alert. analysis_id links the alert to the
// analysis that elevated it, when one exists.
type Alert struct {
	ID           int64
	CameraID     string
	AnalysisID   *int64
	AlertType    string
	Severity     int
	Message      string
	Metadata     json.RawMessage
	Acknowledged bool
	CreatedAt    time.Time
}

type AlertModel struct {
	DB DBTX
}

func (m AlertModel) Insert(ctx context.Context, a *Alert) (int64, error) {
	metadata := "null"
	if len(a.Metadata) > 0 {
		metadata = string(a.Metadata)
	}

	query := `
		INSERT INTO alerts
		(camera_id, analysis_id, alert_type, severity, message, metadata_json)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	var id int64
	err := m.DB.QueryRowContext(ctx, query,
		a.CameraID,
		a.AnalysisID,
		a.AlertType,
		a.Severity,
		a.Message,
		metadata,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert alert: %w", err)
	}
	return id, nil
}
