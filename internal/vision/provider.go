// Package vision holds the scene-analysis providers. Both speak plain REST:
// Claude takes base64 image blocks inline, Gemini wants the decoded bytes
// re-encoded into its inline_data part. The dispatcher owns concurrency and
// persistence; a provider only turns frames plus context into a summary.
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/axis-is/cloud-service/internal/config"
	"github.com/axis-is/cloud-service/internal/scene"
)

// maxFramesPerCall bounds how many images ride along with one prompt.
const maxFramesPerCall = 5

// Request is one analysis job as the dispatcher hands it over: the trigger
// metadata that caused it, the newest image-bearing frames (ascending time)
// and the aggregated scene context.
type Request struct {
	CameraID string
	Trigger  scene.Metadata
	Frames   []scene.Entry
	Context  scene.Context
}

// Result is what a provider produced. FullResponse is the provider envelope
// stored verbatim in claude_analyses.full_response_json.
type Result struct {
	Summary      string
	FullResponse json.RawMessage
	InputTokens  int
	OutputTokens int
}

type Provider interface {
	Analyze(ctx context.Context, req Request) (*Result, error)
	Name() string
	Model() string
	Stats() map[string]any
}

// NewFromConfig picks the provider named by ai_provider. Key presence is
// already checked by config.Validate.
func NewFromConfig(cfg *config.Config, log zerolog.Logger) (Provider, error) {
	switch cfg.AIProvider {
	case config.ProviderClaude:
		return NewClaude(cfg, log), nil
	case config.ProviderGemini:
		return NewGemini(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown ai_provider %q (supported: claude, gemini)", cfg.AIProvider)
	}
}

// tailFrames keeps the newest n entries, preserving order.
func tailFrames(frames []scene.Entry, n int) []scene.Entry {
	if len(frames) <= n {
		return frames
	}
	return frames[len(frames)-n:]
}

// postJSON sends body and decodes the reply into out. Error replies carry a
// body sample so upstream logs show what the API rejected.
func postJSON(ctx context.Context, client *http.Client, url string, header http.Header, body, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var sample string
		if resp.ContentLength != 0 {
			b := make([]byte, 512)
			n, _ := resp.Body.Read(b)
			sample = string(b[:n])
		}
		return fmt.Errorf("status=%d, body=%s", resp.StatusCode, sample)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
