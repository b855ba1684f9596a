package scheduler

import "github.com/storyloom/server/internal/models"

// Parameter shapes vary per backend: one video backend takes a free-text
// motion prompt, another takes a numeric motion-intensity knob on top of it.
// ShapeParams projects the semantic parameters of a job onto the subset the
// named backend consumes, so a fallback attempt re-shapes rather than
// re-derives them.

type paramShaper func(models.GenerationParams) models.GenerationParams

var paramTemplates = map[string]paramShaper{
	"gemini-image": func(p models.GenerationParams) models.GenerationParams {
		return models.GenerationParams{
			Prompt:      p.Prompt,
			AspectRatio: p.AspectRatio,
			Style:       p.Style,
		}
	},
	"veo": func(p models.GenerationParams) models.GenerationParams {
		return models.GenerationParams{
			MotionPrompt: p.MotionPrompt,
			AspectRatio:  p.AspectRatio,
			DurationSec:  p.DurationSec,
		}
	},
	"grok-video": func(p models.GenerationParams) models.GenerationParams {
		return models.GenerationParams{
			MotionPrompt:    p.MotionPrompt,
			MotionIntensity: p.MotionIntensity,
			AspectRatio:     p.AspectRatio,
			DurationSec:     p.DurationSec,
		}
	},
	"elevenlabs": func(p models.GenerationParams) models.GenerationParams {
		return models.GenerationParams{
			Text:  p.Text,
			Voice: p.Voice,
		}
	},
	"cartesia": func(p models.GenerationParams) models.GenerationParams {
		return models.GenerationParams{
			Text:  p.Text,
			Voice: p.Voice,
			Style: p.Style,
		}
	},
}

// ShapeParams returns the parameters the given backend consumes. Unknown
// backend ids keep the full superset — better to send an ignored field than
// to drop a needed one.
func ShapeParams(backendID string, p models.GenerationParams) models.GenerationParams {
	if shape, ok := paramTemplates[backendID]; ok {
		return shape(p)
	}
	return p
}
