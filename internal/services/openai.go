package services

import (
	"context"
	"fmt"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/storyloom/server/internal/models"
)

// OpenAIService turns terse shot descriptions into richer generation prompts.
// It is optional and non-critical: callers fall back to the raw description
// when enhancement fails.
type OpenAIService struct {
	client *openai.Client
}

func NewOpenAIService(apiKey string) *OpenAIService {
	return &OpenAIService{client: openai.NewClient(apiKey)}
}

const enhanceSystemPrompt = `You are a prompt writer for media generation models. Rewrite the user's scene description into a single vivid, concrete generation prompt. Keep every factual detail (characters, location, action), add cinematic specifics (framing, lighting, atmosphere), and stay under 120 words. Reply with the prompt text only — no preamble, no quotes.`

// EnhancePrompt rewrites a shot description for the given job kind. The story
// style, when present, is folded in as a style directive.
func (s *OpenAIService) EnhancePrompt(ctx context.Context, kind models.JobKind, description, style string) (string, error) {
	var sb strings.Builder
	switch kind {
	case models.JobKindVideo:
		sb.WriteString("Write a motion prompt for an image-to-video model. Describe only what moves and how:\n\n")
	default:
		sb.WriteString("Write a still-image generation prompt:\n\n")
	}
	sb.WriteString(description)
	if style != "" {
		fmt.Fprintf(&sb, "\n\nVisual style: %s", style)
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: "gpt-5-mini",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: enhanceSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: sb.String()},
		},
		Temperature: 1.0,
	})
	if err != nil {
		return "", fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from openai")
	}

	enhanced := strings.TrimSpace(resp.Choices[0].Message.Content)
	if enhanced == "" {
		return "", fmt.Errorf("openai returned empty prompt")
	}

	log.Printf("[OpenAI] Enhanced %s prompt (%d -> %d chars)", kind, len(description), len(enhanced))
	return enhanced, nil
}
