package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/storyloom/server/internal/models"
)

// ---------------------------------------------------------------------------
// xAI Grok Imagine Video Generation Service
// Alternate video backend. Follows a deferred request pattern:
// submit generation → poll by request_id → download.
// ---------------------------------------------------------------------------

const (
	xaiBaseURL           = "https://api.x.ai/v1"
	xaiVideoModel        = "grok-imagine-video"
	xaiInitialDelay      = 15 * time.Second // videos typically take 30-40s
	xaiPollMinInterval   = 5 * time.Second
	xaiPollMaxInterval   = 20 * time.Second
	xaiPollBackoffFactor = 1.5
	xaiMaxPollDuration   = 5 * time.Minute
	xaiMinDuration       = 1
	xaiMaxDuration       = 15
	xaiDefaultDuration   = 5
	xaiDefaultResolution = "720p"
)

// GrokVideoService handles video generation via xAI's Grok Imagine Video API.
type GrokVideoService struct {
	apiKey     string
	httpClient *http.Client
}

// NewGrokVideoService creates a new xAI video generation service.
func NewGrokVideoService(apiKey string) *GrokVideoService {
	return &GrokVideoService{
		apiKey: apiKey,
		// Timeout for individual HTTP calls, not the full poll cycle.
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type xaiGenerationRequest struct {
	Prompt          string         `json:"prompt"`
	Model           string         `json:"model"`
	Image           *xaiImageInput `json:"image,omitempty"`
	Duration        int            `json:"duration,omitempty"`
	AspectRatio     string         `json:"aspect_ratio,omitempty"`
	Resolution      string         `json:"resolution,omitempty"`
	MotionIntensity *float64       `json:"motion_intensity,omitempty"`
}

type xaiImageInput struct {
	URL string `json:"url"`
}

type xaiGenerationResponse struct {
	RequestID string `json:"request_id"`
}

// xaiVideoResult is the unified response from GET /v1/videos/{request_id}.
//
// xAI returns two different shapes depending on state:
//   - Pending: {"status":"pending"}
//   - Completed: {"video":{"url":"...","duration":8},"model":"..."}
//     (no "status" field when completed)
//   - Failed: {"status":"failed","error":"..."}
type xaiVideoResult struct {
	Status string          `json:"status"`
	Video  *xaiVideoOutput `json:"video,omitempty"`
	Model  string          `json:"model,omitempty"`
	Error  string          `json:"error"`
}

type xaiVideoOutput struct {
	URL      string `json:"url"`
	Duration int    `json:"duration"`
}

// GrokVideoRequest carries one animation request. MotionIntensity is the
// backend's numeric motion knob (0–1); zero omits it.
type GrokVideoRequest struct {
	Prompt          string
	ImageURL        string // publicly accessible source image; empty = text-only
	DurationSec     int    // clamped to xAI's 1-15s range, 0 = default
	AspectRatio     string
	MotionIntensity float64
}

// GenerateVideo generates a video using Grok Imagine Video. The deferred
// operation is polled internally with a hard per-clip timeout.
func (s *GrokVideoService) GenerateVideo(ctx context.Context, in GrokVideoRequest) ([]byte, error) {
	durationSec := in.DurationSec
	if durationSec <= 0 {
		durationSec = xaiDefaultDuration
	}
	if durationSec < xaiMinDuration {
		durationSec = xaiMinDuration
	}
	if durationSec > xaiMaxDuration {
		durationSec = xaiMaxDuration
	}

	aspectRatio := in.AspectRatio
	if aspectRatio == "" {
		aspectRatio = "9:16"
	}

	reqBody := xaiGenerationRequest{
		Prompt:      in.Prompt,
		Model:       xaiVideoModel,
		Duration:    durationSec,
		AspectRatio: aspectRatio,
		Resolution:  xaiDefaultResolution,
	}
	if in.ImageURL != "" {
		reqBody.Image = &xaiImageInput{URL: in.ImageURL}
	}
	if in.MotionIntensity > 0 {
		mi := in.MotionIntensity
		reqBody.MotionIntensity = &mi
	}

	log.Printf("[Grok Video] Starting video generation (promptLen=%d, hasImage=%v, duration=%ds, aspect=%s)",
		len(in.Prompt), in.ImageURL != "", durationSec, aspectRatio)

	requestID, err := s.submitGeneration(ctx, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to submit video generation: %w", err)
	}

	log.Printf("[Grok Video] Generation submitted, request_id=%s", requestID)

	result, err := s.pollForResult(ctx, requestID, in.ImageURL)
	if err != nil {
		return nil, err
	}

	log.Printf("[Grok Video] Video ready (duration=%ds), downloading...", result.Video.Duration)

	videoBytes, err := s.downloadVideo(ctx, result.Video.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to download generated video: %w", err)
	}
	if len(videoBytes) == 0 {
		return nil, fmt.Errorf("downloaded video is empty (0 bytes)")
	}

	log.Printf("[Grok Video] Video downloaded successfully (%d bytes)", len(videoBytes))
	return videoBytes, nil
}

func (s *GrokVideoService) submitGeneration(ctx context.Context, reqBody xaiGenerationRequest) (string, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", xaiBaseURL+"/videos/generations", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("xAI returned status %d: %s", resp.StatusCode, excerpt(body))
	}

	var genResp xaiGenerationResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return "", &models.MalformedResponseError{Excerpt: excerpt(body), Err: err}
	}
	if genResp.RequestID == "" {
		return "", &models.MalformedResponseError{Excerpt: excerpt(body), Err: fmt.Errorf("no request_id in generation response")}
	}
	return genResp.RequestID, nil
}

// pollForResult polls until the video is ready or an error occurs. Backoff
// starts at 5s, scaling by 1.5x up to a 20s cap, after an initial delay that
// skips the guaranteed-pending window.
func (s *GrokVideoService) pollForResult(ctx context.Context, requestID, imageURL string) (*xaiVideoResult, error) {
	deadline := time.Now().Add(xaiMaxPollDuration)
	pollCount := 0
	currentInterval := xaiPollMinInterval

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("video generation cancelled during initial wait: %w", ctx.Err())
	case <-time.After(xaiInitialDelay):
	}

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("video generation timed out after %v (polled %d times, request_id=%s)", xaiMaxPollDuration, pollCount, requestID)
		}

		pollCount++
		result, err := s.getVideoResult(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll video result (attempt %d): %w", pollCount, err)
		}

		// Completed responses carry a video object and no status field.
		if result.Video != nil && result.Video.URL != "" {
			return result, nil
		}

		switch result.Status {
		case "failed":
			errMsg := result.Error
			if errMsg == "" {
				errMsg = "unknown error"
			}
			// The backend reports an unreachable source image as a
			// generation failure naming the input.
			if imageURL != "" && isExpiredInputError(errMsg) {
				return nil, &models.AssetExpiredError{Ref: imageURL}
			}
			return nil, fmt.Errorf("video generation failed: %s (request_id=%s)", errMsg, requestID)

		default:
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("video generation cancelled: %w", ctx.Err())
			case <-time.After(currentInterval):
			}
			next := time.Duration(float64(currentInterval) * xaiPollBackoffFactor)
			if next > xaiPollMaxInterval {
				next = xaiPollMaxInterval
			}
			currentInterval = next
		}
	}
}

func isExpiredInputError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "image") &&
		(strings.Contains(lower, "expired") || strings.Contains(lower, "not found") || strings.Contains(lower, "unreachable"))
}

func (s *GrokVideoService) getVideoResult(ctx context.Context, requestID string) (*xaiVideoResult, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/videos/%s", xaiBaseURL, requestID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// 202 with {"status":"pending"} is a valid poll response.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("xAI returned status %d: %s", resp.StatusCode, excerpt(body))
	}

	var result xaiVideoResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &models.MalformedResponseError{Excerpt: excerpt(body), Err: err}
	}
	return &result, nil
}

func (s *GrokVideoService) downloadVideo(ctx context.Context, videoURL string) ([]byte, error) {
	// Longer timeout for the download itself — clips can be large.
	downloadClient := &http.Client{Timeout: 120 * time.Second}

	req, err := http.NewRequestWithContext(ctx, "GET", videoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := downloadClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("video download returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
