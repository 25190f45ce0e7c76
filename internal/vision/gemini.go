package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/axis-is/cloud-service/internal/config"
)

const (
	geminiBaseURL     = "https://generativelanguage.googleapis.com"
	geminiTemperature = 0.4
)

// Gemini calls the generateContent REST endpoint. Stored frame images are
// decoded first so a corrupt payload fails the analysis instead of the API
// call, then re-encoded into the inline_data part.
type Gemini struct {
	BaseURL    string
	HTTPClient *http.Client

	apiKey    string
	model     string
	maxTokens int
	log       zerolog.Logger

	analyses   atomic.Uint64
	inputChars atomic.Uint64
}

func NewGemini(cfg *config.Config, log zerolog.Logger) *Gemini {
	return &Gemini{
		BaseURL: geminiBaseURL,
		HTTPClient: &http.Client{
			Timeout: time.Duration(cfg.GeminiTimeout) * time.Second,
		},
		apiKey:    cfg.GeminiAPIKey,
		model:     cfg.GeminiModel,
		maxTokens: cfg.GeminiMaxTokens,
		log:       log.With().Str("component", "vision").Str("provider", "gemini").Logger(),
	}
}

type geminiBlob struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *geminiBlob `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens"`
	Temperature     float64 `json:"temperature"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason  string `json:"finishReason"`
		SafetyRatings []struct {
			Category    string `json:"category"`
			Probability string `json:"probability"`
		} `json:"safetyRatings"`
	} `json:"candidates"`
}

func (g *Gemini) Analyze(ctx context.Context, req Request) (*Result, error) {
	prompt := BuildPrompt(req.CameraID, req.Trigger, req.Context)

	parts := []geminiPart{{Text: prompt}}
	for _, f := range tailFrames(req.Frames, maxFramesPerCall) {
		if f.ImageBase64 == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(f.ImageBase64)
		if err != nil {
			return nil, fmt.Errorf("decode frame image (frame_id=%d): %w", f.FrameID, err)
		}
		parts = append(parts, geminiPart{
			InlineData: &geminiBlob{
				MimeType: "image/jpeg",
				Data:     base64.StdEncoding.EncodeToString(raw),
			},
		})
	}

	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: geminiGenerationConfig{
			MaxOutputTokens: g.maxTokens,
			Temperature:     geminiTemperature,
		},
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		g.BaseURL, g.model, url.QueryEscape(g.apiKey))

	var resp geminiResponse
	if err := postJSON(ctx, g.HTTPClient, endpoint, nil, body, &resp); err != nil {
		return nil, fmt.Errorf("gemini api: %w", err)
	}

	summary := "No response"
	finishReason := ""
	safetyRatings := []map[string]string{}
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		var text string
		for _, p := range cand.Content.Parts {
			text += p.Text
		}
		if text != "" {
			summary = text
		}
		finishReason = cand.FinishReason
		for _, r := range cand.SafetyRatings {
			safetyRatings = append(safetyRatings, map[string]string{
				"category":    r.Category,
				"probability": r.Probability,
			})
		}
	}

	envelope, err := json.Marshal(map[string]any{
		"model":          g.model,
		"finish_reason":  finishReason,
		"safety_ratings": safetyRatings,
		"content":        summary,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal response envelope: %w", err)
	}

	g.analyses.Add(1)
	g.inputChars.Add(uint64(len(prompt)))

	g.log.Info().
		Str("camera_id", req.CameraID).
		Int("frames", len(req.Frames)).
		Msg("analysis complete")

	return &Result{Summary: summary, FullResponse: envelope}, nil
}

func (g *Gemini) Name() string  { return config.ProviderGemini }
func (g *Gemini) Model() string { return g.model }

func (g *Gemini) Stats() map[string]any {
	n := g.analyses.Load()
	chars := g.inputChars.Load()
	var avg uint64
	if n > 0 {
		avg = chars / n
	}
	return map[string]any{
		"provider":            config.ProviderGemini,
		"model":               g.model,
		"analyses_count":      n,
		"total_input_chars":   chars,
		"average_input_chars": avg,
	}
}
