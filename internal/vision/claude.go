package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/axis-is/cloud-service/internal/config"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
)

// Claude calls the Anthropic Messages API. Images travel as inline base64
// content blocks next to the prompt text.
type Claude struct {
	BaseURL    string
	HTTPClient *http.Client

	apiKey    string
	model     string
	maxTokens int
	log       zerolog.Logger

	analyses    atomic.Uint64
	totalTokens atomic.Uint64
}

func NewClaude(cfg *config.Config, log zerolog.Logger) *Claude {
	return &Claude{
		BaseURL: anthropicBaseURL,
		HTTPClient: &http.Client{
			Timeout: time.Duration(cfg.ClaudeTimeout) * time.Second,
		},
		apiKey:    cfg.AnthropicAPIKey,
		model:     cfg.ClaudeModel,
		maxTokens: cfg.ClaudeMaxTokens,
		log:       log.With().Str("component", "vision").Str("provider", "claude").Logger(),
	}
}

type claudeImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeContent struct {
	Type   string             `json:"type"`
	Text   string             `json:"text,omitempty"`
	Source *claudeImageSource `json:"source,omitempty"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content []claudeContent `json:"content"`
}

type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	Messages  []claudeMessage `json:"messages"`
}

type claudeResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Claude) Analyze(ctx context.Context, req Request) (*Result, error) {
	prompt := BuildPrompt(req.CameraID, req.Trigger, req.Context)

	content := []claudeContent{{Type: "text", Text: prompt}}
	for _, f := range tailFrames(req.Frames, maxFramesPerCall) {
		if f.ImageBase64 == "" {
			continue
		}
		content = append(content, claudeContent{
			Type: "image",
			Source: &claudeImageSource{
				Type:      "base64",
				MediaType: "image/jpeg",
				Data:      f.ImageBase64,
			},
		})
	}

	body := claudeRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  []claudeMessage{{Role: "user", Content: content}},
	}

	header := http.Header{}
	header.Set("x-api-key", c.apiKey)
	header.Set("anthropic-version", anthropicVersion)

	var resp claudeResponse
	if err := postJSON(ctx, c.HTTPClient, c.BaseURL+"/v1/messages", header, body, &resp); err != nil {
		return nil, fmt.Errorf("claude api: %w", err)
	}

	summary := "No response"
	if len(resp.Content) > 0 {
		summary = resp.Content[0].Text
	}

	blocks := make([]map[string]string, 0, len(resp.Content))
	for _, blk := range resp.Content {
		blocks = append(blocks, map[string]string{"text": blk.Text, "type": blk.Type})
	}
	envelope, err := json.Marshal(map[string]any{
		"id":    resp.ID,
		"model": resp.Model,
		"usage": map[string]int{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
		},
		"stop_reason": resp.StopReason,
		"content":     blocks,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal response envelope: %w", err)
	}

	tokens := resp.Usage.InputTokens + resp.Usage.OutputTokens
	c.analyses.Add(1)
	c.totalTokens.Add(uint64(tokens))

	c.log.Info().
		Str("camera_id", req.CameraID).
		Int("frames", len(req.Frames)).
		Int("tokens", tokens).
		Msg("analysis complete")

	return &Result{
		Summary:      summary,
		FullResponse: envelope,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

func (c *Claude) Name() string  { return config.ProviderClaude }
func (c *Claude) Model() string { return c.model }

func (c *Claude) Stats() map[string]any {
	n := c.analyses.Load()
	total := c.totalTokens.Load()
	var avg uint64
	if n > 0 {
		avg = total / n
	}
	return map[string]any{
		"provider":       config.ProviderClaude,
		"model":          c.model,
		"analyses_count": n,
		"total_tokens":   total,
		"average_tokens": avg,
	}
}
