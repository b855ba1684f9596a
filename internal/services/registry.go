package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/storyloom/server/internal/models"
	"github.com/storyloom/server/internal/storage"
)

// Provider executes exactly one generation job against one backend and
// returns the storage ref of the produced asset. The fallback resolver sits
// on top of this interface.
type Provider interface {
	Submit(ctx context.Context, job models.GenerationJob) (assetRef string, err error)
}

// Registry dispatches jobs to the configured backend clients. Inputs are
// pulled from object storage, outputs are pushed back, and only refs travel
// through the scheduler.
type Registry struct {
	store *storage.Store

	gemini *GeminiService
	veo    *VeoService
	grok   *GrokVideoService
	speech map[string]SpeechService
}

var _ Provider = (*Registry)(nil)

// NewRegistry wires the backend clients behind one Provider. Any client may
// be nil; jobs naming it fail with a generic provider error.
func NewRegistry(store *storage.Store, gemini *GeminiService, veo *VeoService, grok *GrokVideoService, speech map[string]SpeechService) *Registry {
	if speech == nil {
		speech = make(map[string]SpeechService)
	}
	return &Registry{
		store:  store,
		gemini: gemini,
		veo:    veo,
		grok:   grok,
		speech: speech,
	}
}

// Submit runs one job to completion on job.BackendID. A missing input ref in
// storage surfaces as an asset-expired error naming the ref.
func (r *Registry) Submit(ctx context.Context, job models.GenerationJob) (string, error) {
	switch job.Kind {
	case models.JobKindImage, models.JobKindCharacterImage:
		return r.submitImage(ctx, job)
	case models.JobKindVideo:
		return r.submitVideo(ctx, job)
	case models.JobKindAudio:
		return r.submitAudio(ctx, job)
	default:
		return "", fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

func (r *Registry) submitImage(ctx context.Context, job models.GenerationJob) (string, error) {
	if job.BackendID != "gemini-image" {
		return "", fmt.Errorf("no image backend registered for id %q", job.BackendID)
	}
	if r.gemini == nil {
		return "", fmt.Errorf("image backend %q not configured", job.BackendID)
	}

	// Character portraits referenced by the shot ride along as inline
	// reference images.
	var refs []ReferenceImage
	for _, ref := range job.InputRefs {
		data, err := r.downloadInput(ctx, ref)
		if err != nil {
			return "", err
		}
		refs = append(refs, ReferenceImage{Data: data, MimeType: "image/png"})
	}

	data, err := r.gemini.GenerateImage(ctx, job.Params.Prompt, job.Params.AspectRatio, refs)
	if err != nil {
		return "", err
	}

	return r.uploadResult(ctx, job, data, "png", "image/png")
}

func (r *Registry) submitVideo(ctx context.Context, job models.GenerationJob) (string, error) {
	if len(job.InputRefs) == 0 {
		return "", fmt.Errorf("video job %s has no source image ref", job.ID)
	}
	sourceRef := job.InputRefs[0]

	var data []byte
	var err error
	switch job.BackendID {
	case "veo":
		if r.veo == nil {
			return "", fmt.Errorf("video backend %q not configured", job.BackendID)
		}
		var image []byte
		image, err = r.downloadInput(ctx, sourceRef)
		if err != nil {
			return "", err
		}
		data, err = r.veo.GenerateVideo(ctx, job.Params.MotionPrompt, image, "image/png", job.Params.AspectRatio)

	case "grok-video":
		if r.grok == nil {
			return "", fmt.Errorf("video backend %q not configured", job.BackendID)
		}
		// Grok pulls the source image itself, so verify the ref still
		// resolves before handing over a URL.
		if _, err := r.downloadInput(ctx, sourceRef); err != nil {
			return "", err
		}
		data, err = r.grok.GenerateVideo(ctx, GrokVideoRequest{
			Prompt:          job.Params.MotionPrompt,
			ImageURL:        r.store.GetPublicURL(sourceRef),
			DurationSec:     job.Params.DurationSec,
			AspectRatio:     job.Params.AspectRatio,
			MotionIntensity: job.Params.MotionIntensity,
		})

	default:
		return "", fmt.Errorf("no video backend registered for id %q", job.BackendID)
	}
	if err != nil {
		return "", err
	}

	return r.uploadResult(ctx, job, data, "mp4", "video/mp4")
}

func (r *Registry) submitAudio(ctx context.Context, job models.GenerationJob) (string, error) {
	svc, ok := r.speech[job.BackendID]
	if !ok || svc == nil {
		return "", fmt.Errorf("no speech backend registered for id %q", job.BackendID)
	}

	resp, err := svc.GenerateSpeech(ctx, job.Params.Text, job.Params.Voice, job.Params.Style)
	if err != nil {
		return "", err
	}

	ext := resp.Format
	if ext == "" {
		ext = "mp3"
	}
	return r.uploadResult(ctx, job, resp.AudioData, ext, audioContentType(ext))
}

// downloadInput fetches a generation input; a ref that no longer resolves in
// storage is an expired asset, which the resolver treats as terminal.
func (r *Registry) downloadInput(ctx context.Context, ref string) ([]byte, error) {
	data, err := r.store.Download(ctx, ref)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &models.AssetExpiredError{Ref: ref}
		}
		return nil, err
	}
	return data, nil
}

func (r *Registry) uploadResult(ctx context.Context, job models.GenerationJob, data []byte, ext, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("backend %q produced empty output", job.BackendID)
	}

	var filename string
	switch {
	case job.Kind == models.JobKindCharacterImage:
		filename = fmt.Sprintf("character_%s.%s", sanitizeName(job.CharacterName), ext)
	case job.ShotID != nil:
		filename = fmt.Sprintf("shot_%s_%s.%s", job.ShotID, job.Kind, ext)
	default:
		filename = fmt.Sprintf("job_%s.%s", job.ID, ext)
	}

	ref := r.store.StoryPath(job.StoryID, filename)
	if err := r.store.Upload(ctx, ref, data, contentType); err != nil {
		return "", fmt.Errorf("failed to store %s result: %w", job.Kind, err)
	}

	log.Printf("[Registry] Stored %s asset %s (%d bytes, backend=%s)", job.Kind, ref, len(data), job.BackendID)
	return ref, nil
}

func audioContentType(format string) string {
	switch format {
	case "wav":
		return "audio/wav"
	default:
		return "audio/mpeg"
	}
}

func sanitizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}
