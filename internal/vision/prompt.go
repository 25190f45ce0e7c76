package vision

import (
	"fmt"
	"strings"

	"github.com/axis-is/cloud-service/internal/scene"
)

// maxPromptDetections caps how many trigger detections are spelled out.
const maxPromptDetections = 10

// BuildPrompt renders the analysis prompt. Both providers share it; only the
// image transport differs between them.
func BuildPrompt(cameraID string, trigger scene.Metadata, sceneCtx scene.Context) string {
	detections := trigger.Detections
	if len(detections) > maxPromptDetections {
		detections = detections[:maxPromptDetections]
	}

	var lines []string
	for _, d := range detections {
		lines = append(lines, fmt.Sprintf("- %s: %.2f confidence", ClassName(d.ClassID), d.Confidence))
	}
	detectionBlock := "- None"
	if len(lines) > 0 {
		detectionBlock = strings.Join(lines, "\n")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are analyzing surveillance camera footage from %s.\n\n", cameraID)
	b.WriteString("**Current Scene Trigger:**\n")
	fmt.Fprintf(&b, "- Motion Score: %.2f\n", trigger.MotionScore)
	fmt.Fprintf(&b, "- Objects Detected: %d\n", len(trigger.Detections))
	b.WriteString(detectionBlock)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "**Scene Context (last %d frames):**\n", sceneCtx.FramesAvailable)
	fmt.Fprintf(&b, "- Time Span: %.1f seconds\n", sceneCtx.TimeSpanSeconds)
	fmt.Fprintf(&b, "- Total Objects: %d\n", sceneCtx.TotalObjects)
	fmt.Fprintf(&b, "- Average Motion: %.2f\n", sceneCtx.AverageMotionScore)
	fmt.Fprintf(&b, "- Frames with Visual Data: %d\n", sceneCtx.FramesWithImages)
	b.WriteString("\n**Your Task:**\n")
	b.WriteString("Provide a concise executive summary (2-3 sentences) of what's happening in this scene. Focus on:\n")
	b.WriteString("1. What activity or event is occurring\n")
	b.WriteString("2. Any notable objects or people\n")
	b.WriteString("3. Whether this appears significant or routine\n")
	b.WriteString("4. Any potential security concerns\n\n")
	b.WriteString("Be specific and actionable. If nothing significant is happening, state that clearly.\n")
	return b.String()
}
