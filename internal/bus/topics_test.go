package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscriptionFilters(t *testing.T) {
	filters := SubscriptionFilters()
	assert.Len(t, filters, 5)
	for topic, qos := range filters {
		assert.Equal(t, byte(1), qos, topic)
	}
	assert.Contains(t, filters, "axis-is/camera/+/metadata")
	assert.Contains(t, filters, "axis-is/camera/+/frame")
	assert.Contains(t, filters, "axis-is/camera/+/status")
	assert.Contains(t, filters, "axis-is/camera/+/event")
	assert.Contains(t, filters, "axis-is/camera/+/alert")
}

func TestFrameRequestTopic(t *testing.T) {
	assert.Equal(t, "axis-is/camera/cam-42/frame_request", FrameRequestTopic("cam-42"))
}

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic    string
		cameraID string
		class    string
		ok       bool
	}{
		{"axis-is/camera/cam-1/metadata", "cam-1", "metadata", true},
		{"axis-is/camera/cam-1/frame", "cam-1", "frame", true},
		{"axis-is/camera/front-door/alert", "front-door", "alert", true},
		{"axis-is/camera/cam-1", "", "", false},
		{"axis-is/camera", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		cameraID, class, ok := ParseTopic(tt.topic)
		assert.Equal(t, tt.ok, ok, tt.topic)
		assert.Equal(t, tt.cameraID, cameraID, tt.topic)
		assert.Equal(t, tt.class, class, tt.topic)
	}
}
