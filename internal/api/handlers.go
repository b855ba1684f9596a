package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/storyloom/server/internal/compose"
	"github.com/storyloom/server/internal/config"
	"github.com/storyloom/server/internal/models"
	"github.com/storyloom/server/internal/runs"
	"github.com/storyloom/server/internal/storage"
	"github.com/storyloom/server/internal/story"

	catalogsvc "github.com/storyloom/server/internal/catalog"
)

// Enqueuer is the slice of the queue the handlers need.
type Enqueuer interface {
	EnqueueGenerateBatch(ctx context.Context, storyID, runID uuid.UUID) error
	EnqueueExport(ctx context.Context, storyID, runID uuid.UUID) error
}

type Handler struct {
	stories *story.Store
	runs    *runs.Registry
	queue   Enqueuer
	storage *storage.Store
	catalog *catalogsvc.Service
	cfg     *config.Config
}

func NewHandler(stories *story.Store, reg *runs.Registry, q Enqueuer, stor *storage.Store, cat *catalogsvc.Service, cfg *config.Config) *Handler {
	return &Handler{
		stories: stories,
		runs:    reg,
		queue:   q,
		storage: stor,
		catalog: cat,
		cfg:     cfg,
	}
}

// CreateStory handles POST /v1/stories. The request body is the full story
// tree; missing ids are assigned.
func (h *Handler) CreateStory(w http.ResponseWriter, r *http.Request) {
	var st models.Story
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if st.Title == "" {
		respondError(w, http.StatusBadRequest, "Title is required")
		return
	}
	if st.AspectRatio == "" {
		st.AspectRatio = "9:16"
	}

	created, err := h.stories.Put(&st)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, models.CreateStoryResponse{StoryID: created.ID})
}

// GetStory handles GET /v1/stories/{id}
func (h *Handler) GetStory(w http.ResponseWriter, r *http.Request) {
	storyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid story ID")
		return
	}

	st, err := h.stories.Get(storyID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Story not found")
		return
	}

	respondJSON(w, http.StatusOK, st)
}

// CreateBatch handles POST /v1/stories/{id}/batches. It selects the eligible
// targets, marks them in progress, registers the run and hands it to the
// queue. The scheduler never sees entities that are already generating.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	storyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid story ID")
		return
	}

	var req models.CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	switch req.Kind {
	case models.JobKindImage, models.JobKindVideo, models.JobKindAudio, models.JobKindCharacterImage:
	default:
		respondError(w, http.StatusBadRequest, "Unknown job kind")
		return
	}

	st, err := h.stories.Get(storyID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Story not found")
		return
	}

	backendID := req.BackendID
	if backendID == "" {
		backendID = h.cfg.DefaultBackend(string(req.Kind))
	}

	jobs, err := h.buildJobs(st, req, backendID)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(jobs) == 0 {
		respondError(w, http.StatusBadRequest, "No eligible targets for this batch")
		return
	}

	// Mark every target in progress up front so a second batch request
	// cannot select the same entities while this one is queued.
	for _, job := range jobs {
		if job.Kind == models.JobKindCharacterImage {
			if _, err := h.stories.SetCharacterInProgress(storyID, job.CharacterName, true); err != nil {
				respondError(w, http.StatusInternalServerError, "Failed to mark character in progress")
				return
			}
			continue
		}
		if _, err := h.stories.SetShotInProgress(storyID, *job.ShotID, job.Kind, true); err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to mark shot in progress")
			return
		}
	}

	run := h.runs.CreateBatch(storyID, jobs)
	if err := h.queue.EnqueueGenerateBatch(r.Context(), storyID, run.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to enqueue batch")
		return
	}

	respondJSON(w, http.StatusCreated, models.CreateBatchResponse{
		BatchID: run.ID,
		Status:  run.Status,
		Jobs:    len(jobs),
	})
}

// GetBatch handles GET /v1/stories/{id}/batches/{batchId}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	storyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid story ID")
		return
	}
	batchID, err := uuid.Parse(chi.URLParam(r, "batchId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid batch ID")
		return
	}

	run, ok := h.runs.GetBatch(batchID)
	if !ok || run.StoryID != storyID {
		respondError(w, http.StatusNotFound, "Batch not found")
		return
	}

	resp := models.BatchStatusResponse{
		BatchID:   run.ID,
		Status:    run.Status,
		Total:     run.Total,
		Completed: run.Completed,
		Failed:    run.Failed,
		Results:   run.Results,
	}
	resp.Percent = models.Progress{Completed: run.Completed, Total: run.Total}.Percent()

	respondJSON(w, http.StatusOK, resp)
}

// CreateExport handles POST /v1/stories/{id}/exports. Validation is eager:
// unknown quality names, malformed resolutions and shots without a video clip
// are rejected before anything is queued.
func (h *Handler) CreateExport(w http.ResponseWriter, r *http.Request) {
	storyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid story ID")
		return
	}

	var req models.CreateExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Segments) == 0 {
		respondError(w, http.StatusBadRequest, "At least one segment is required")
		return
	}
	if _, err := compose.ProfileByName(req.Quality); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := compose.ValidateResolution(req.Resolution); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.stories.Get(storyID); err != nil {
		respondError(w, http.StatusNotFound, "Story not found")
		return
	}
	for _, seg := range req.Segments {
		shot, err := h.stories.GetShot(storyID, seg.ShotID)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Unknown shot: "+seg.ShotID.String())
			return
		}
		if shot.VideoClipRef == nil {
			respondError(w, http.StatusBadRequest, "Shot has no video clip: "+seg.ShotID.String())
			return
		}
	}

	run := h.runs.CreateExport(storyID, req)
	if err := h.queue.EnqueueExport(r.Context(), storyID, run.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to enqueue export")
		return
	}

	respondJSON(w, http.StatusCreated, models.CreateExportResponse{
		ExportID: run.ID,
		Status:   run.Status,
	})
}

// GetExport handles GET /v1/stories/{id}/exports/{exportId}
func (h *Handler) GetExport(w http.ResponseWriter, r *http.Request) {
	storyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid story ID")
		return
	}
	exportID, err := uuid.Parse(chi.URLParam(r, "exportId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid export ID")
		return
	}

	run, ok := h.runs.GetExport(exportID)
	if !ok || run.StoryID != storyID {
		respondError(w, http.StatusNotFound, "Export not found")
		return
	}

	respondJSON(w, http.StatusOK, models.ExportStatusResponse{
		ExportID:     run.ID,
		Status:       run.Status,
		Segments:     run.Segments,
		OutputRef:    run.OutputRef,
		ErrorKind:    run.ErrorKind,
		ErrorMessage: run.Error,
	})
}

// DownloadExport handles GET /v1/stories/{id}/exports/{exportId}/download.
// Redirects to a signed URL valid for one hour.
func (h *Handler) DownloadExport(w http.ResponseWriter, r *http.Request) {
	storyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid story ID")
		return
	}
	exportID, err := uuid.Parse(chi.URLParam(r, "exportId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid export ID")
		return
	}

	run, ok := h.runs.GetExport(exportID)
	if !ok || run.StoryID != storyID {
		respondError(w, http.StatusNotFound, "Export not found")
		return
	}
	if run.Status != models.ExportStatusCompleted || run.OutputRef == "" {
		respondError(w, http.StatusNotFound, "Export not ready")
		return
	}

	signedURL, err := h.storage.GetSignedURL(r.Context(), run.OutputRef, 3600)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to generate download URL")
		return
	}

	http.Redirect(w, r, signedURL, http.StatusTemporaryRedirect)
}

// ListCatalog handles GET /v1/catalog/{category}
func (h *Handler) ListCatalog(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	if category == "" {
		respondError(w, http.StatusBadRequest, "Category is required")
		return
	}

	items, stale, err := h.catalog.ListAll(r.Context(), category)
	if err != nil {
		respondError(w, http.StatusBadGateway, "Failed to list catalog")
		return
	}

	respondJSON(w, http.StatusOK, models.CatalogResponse{
		Category: category,
		Items:    items,
		Stale:    stale,
	})
}

// buildJobs selects the batch targets from the story tree. With explicit
// targets in the request, an ineligible target is an error; with none, every
// eligible entity of the kind is selected.
func (h *Handler) buildJobs(st *models.Story, req models.CreateBatchRequest, backendID string) ([]models.GenerationJob, error) {
	if req.Kind == models.JobKindCharacterImage {
		return h.buildCharacterJobs(st, req.Characters, backendID)
	}
	return h.buildShotJobs(st, req, backendID)
}

func (h *Handler) buildCharacterJobs(st *models.Story, names []string, backendID string) ([]models.GenerationJob, error) {
	explicit := len(names) > 0
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	var jobs []models.GenerationJob
	for _, ch := range st.Characters {
		if explicit && !wanted[ch.Name] {
			continue
		}
		delete(wanted, ch.Name)
		if ch.InProgress {
			if explicit {
				return nil, errWithName("character already generating", ch.Name)
			}
			continue
		}
		if !explicit && ch.ImageRef != nil {
			continue
		}
		jobs = append(jobs, models.GenerationJob{
			ID:            uuid.New(),
			Kind:          models.JobKindCharacterImage,
			StoryID:       st.ID,
			CharacterName: ch.Name,
			BackendID:     backendID,
			Params: models.GenerationParams{
				Prompt:      ch.VisualPrompt,
				AspectRatio: st.AspectRatio,
				Style:       st.Style,
			},
		})
	}
	for name := range wanted {
		return nil, errWithName("unknown character", name)
	}
	return jobs, nil
}

func (h *Handler) buildShotJobs(st *models.Story, req models.CreateBatchRequest, backendID string) ([]models.GenerationJob, error) {
	explicit := len(req.ShotIDs) > 0
	wanted := make(map[uuid.UUID]bool, len(req.ShotIDs))
	for _, id := range req.ShotIDs {
		wanted[id] = true
	}

	var jobs []models.GenerationJob
	for _, scene := range st.Scenes {
		for _, shot := range scene.Shots {
			if explicit && !wanted[shot.ID] {
				continue
			}
			delete(wanted, shot.ID)

			job, eligible, err := h.shotJob(st, shot, req.Kind, backendID, explicit)
			if err != nil {
				return nil, err
			}
			if eligible {
				jobs = append(jobs, job)
			}
		}
	}
	for id := range wanted {
		return nil, errWithName("unknown shot", id.String())
	}
	return jobs, nil
}

func (h *Handler) shotJob(st *models.Story, shot models.Shot, kind models.JobKind, backendID string, explicit bool) (models.GenerationJob, bool, error) {
	var none models.GenerationJob
	shotID := shot.ID

	job := models.GenerationJob{
		ID:        uuid.New(),
		Kind:      kind,
		StoryID:   st.ID,
		ShotID:    &shotID,
		BackendID: backendID,
	}

	switch kind {
	case models.JobKindImage:
		if shot.ImageInProgress {
			if explicit {
				return none, false, errWithName("shot image already generating", shot.ID.String())
			}
			return none, false, nil
		}
		if !explicit && shot.ImageRef != nil {
			return none, false, nil
		}
		job.InputRefs = characterRefs(st, shot)
		job.Params = models.GenerationParams{
			Prompt:      imagePrompt(shot),
			AspectRatio: st.AspectRatio,
			Style:       st.Style,
		}

	case models.JobKindVideo:
		if shot.VideoInProgress {
			if explicit {
				return none, false, errWithName("shot video already generating", shot.ID.String())
			}
			return none, false, nil
		}
		if shot.ImageRef == nil {
			if explicit {
				return none, false, errWithName("shot has no image to animate", shot.ID.String())
			}
			return none, false, nil
		}
		if !explicit && shot.VideoClipRef != nil {
			return none, false, nil
		}
		job.InputRefs = []string{*shot.ImageRef}
		job.Params = models.GenerationParams{
			MotionPrompt: shot.Content,
			AspectRatio:  st.AspectRatio,
			DurationSec:  5,
		}

	case models.JobKindAudio:
		if shot.AudioInProgress {
			if explicit {
				return none, false, errWithName("shot audio already generating", shot.ID.String())
			}
			return none, false, nil
		}
		if shot.Narration == "" {
			if explicit {
				return none, false, errWithName("shot has no narration", shot.ID.String())
			}
			return none, false, nil
		}
		if !explicit && shot.SpeechClipRef != nil {
			return none, false, nil
		}
		job.Params = models.GenerationParams{
			Text:  shot.Narration,
			Style: st.Style,
		}
	}

	return job, true, nil
}

// characterRefs collects the image refs of characters mentioned in the shot,
// so the image backend can keep them visually consistent.
func characterRefs(st *models.Story, shot models.Shot) []string {
	var refs []string
	haystack := strings.ToLower(shot.Content + " " + shot.Narration)
	for _, ch := range st.Characters {
		if ch.ImageRef == nil {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(ch.Name)) {
			refs = append(refs, *ch.ImageRef)
		}
	}
	return refs
}

func imagePrompt(shot models.Shot) string {
	if shot.Location == "" {
		return shot.Content
	}
	return shot.Content + ". Location: " + shot.Location
}

func errWithName(msg, name string) error {
	return fmt.Errorf("%s: %s", msg, name)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
