package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/storyloom/server/internal/models"
)

// ---------------------------------------------------------------------------
// Gemini Image Generation Service
// Uses the Gemini REST API to generate shot stills and character portraits.
// Reference images (e.g. a character portrait for a shot the character
// appears in) are passed as inline data alongside the text prompt.
// ---------------------------------------------------------------------------

const geminiImageModel = "gemini-3-pro-image-preview"

type GeminiService struct {
	apiKey string
	client *http.Client
}

func NewGeminiService(apiKey string) *GeminiService {
	return &GeminiService{
		apiKey: apiKey,
		client: &http.Client{Timeout: 300 * time.Second},
	}
}

// ReferenceImage is an inline style or subject reference attached to an
// image generation request.
type ReferenceImage struct {
	Data     []byte
	MimeType string
}

// Gemini API request/response structures

type geminiGenerateContentRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string           `json:"responseModalities,omitempty"`
	ImageConfig        *geminiImageConfig `json:"imageConfig,omitempty"`
}

type geminiImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerateContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// GenerateImage generates a single image from a text prompt plus optional
// reference images. Each call is independent and safe for parallel execution
// across jobs.
func (s *GeminiService) GenerateImage(ctx context.Context, prompt, aspectRatio string, refs []ReferenceImage) ([]byte, error) {
	if aspectRatio == "" {
		aspectRatio = "9:16"
	}

	parts := []geminiPart{{Text: prompt}}
	for _, ref := range refs {
		mime := ref.MimeType
		if mime == "" {
			mime = "image/png"
		}
		parts = append(parts, geminiPart{
			InlineData: &geminiInlineData{
				MimeType: mime,
				Data:     base64.StdEncoding.EncodeToString(ref.Data),
			},
		})
	}

	reqBody := geminiGenerateContentRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &geminiGenerationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
			ImageConfig:        &geminiImageConfig{AspectRatio: aspectRatio},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent?key=%s", geminiImageModel, s.apiKey)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	log.Printf("[Gemini] Generating image (model=%s, promptLen=%d, refs=%d, aspect=%s)",
		geminiImageModel, len(prompt), len(refs), aspectRatio)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini returned status %d: %s", resp.StatusCode, excerpt(bodyBytes))
	}

	var geminiResp geminiGenerateContentResponse
	if err := json.Unmarshal(bodyBytes, &geminiResp); err != nil {
		return nil, &models.MalformedResponseError{Excerpt: excerpt(bodyBytes), Err: err}
	}
	if len(geminiResp.Candidates) == 0 {
		return nil, &models.MalformedResponseError{Excerpt: excerpt(bodyBytes), Err: fmt.Errorf("no candidates in response")}
	}

	for _, part := range geminiResp.Candidates[0].Content.Parts {
		if part.InlineData != nil && part.InlineData.Data != "" {
			imageData, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, &models.MalformedResponseError{Excerpt: excerpt(bodyBytes), Err: fmt.Errorf("failed to decode base64 image: %w", err)}
			}
			return imageData, nil
		}
	}

	return nil, &models.MalformedResponseError{
		Excerpt: excerpt(bodyBytes),
		Err:     fmt.Errorf("no image data in response (%d parts, none with inlineData)", len(geminiResp.Candidates[0].Content.Parts)),
	}
}

// excerpt truncates a raw payload for error messages and logs.
func excerpt(body []byte) string {
	const maxLen = 300
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
