package bus

import (
	"fmt"
	"strings"
)

const topicPrefix = "axis-is/camera"

// Inbound topic classes, the fourth topic segment.
const (
	ClassMetadata = "metadata"
	ClassFrame    = "frame"
	ClassStatus   = "status"
	ClassEvent    = "event"
	ClassAlert    = "alert"
)

// SubscriptionFilters returns every inbound filter with its QoS. All camera
// traffic rides at QoS 1.
func SubscriptionFilters() map[string]byte {
	return map[string]byte{
		topicPrefix + "/+/" + ClassMetadata: 1,
		topicPrefix + "/+/" + ClassFrame:    1,
		topicPrefix + "/+/" + ClassStatus:   1,
		topicPrefix + "/+/" + ClassEvent:    1,
		topicPrefix + "/+/" + ClassAlert:    1,
	}
}

// FrameRequestTopic is the per-camera outbound command topic.
func FrameRequestTopic(cameraID string) string {
	return fmt.Sprintf("%s/%s/frame_request", topicPrefix, cameraID)
}

// ParseTopic extracts camera id and class from an inbound topic. Topics with
// fewer than four segments cannot be routed.
func ParseTopic(topic string) (cameraID, class string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 {
		return "", "", false
	}
	return parts[2], parts[3], true
}
