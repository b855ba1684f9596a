package models

import (
	"time"

	"github.com/google/uuid"
)

// Enums

// JobKind identifies what a generation job produces.
type JobKind string

const (
	JobKindImage          JobKind = "image"
	JobKindVideo          JobKind = "video"
	JobKindCharacterImage JobKind = "character_image"
	JobKindAudio          JobKind = "audio"
)

type BatchStatus string

const (
	BatchStatusQueued    BatchStatus = "queued"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
)

type ExportStatus string

const (
	ExportStatusQueued    ExportStatus = "queued"
	ExportStatusComposing ExportStatus = "composing"
	ExportStatusCompleted ExportStatus = "completed"
	ExportStatusFailed    ExportStatus = "failed"
)

// Models

// Shot is the smallest unit of the story tree: one visual beat with optional
// narration. Asset refs are storage paths; nil means not generated yet.
// The three in-progress flags are independent — a shot can be generating its
// video while its audio is already done.
type Shot struct {
	ID              uuid.UUID `json:"id"`
	Narration       string    `json:"narration"`
	Location        string    `json:"location"`
	Content         string    `json:"content"` // visual description used for prompting
	ImageRef        *string   `json:"image_ref,omitempty"`
	VideoClipRef    *string   `json:"video_clip_ref,omitempty"`
	SpeechClipRef   *string   `json:"speech_clip_ref,omitempty"`
	ImageInProgress bool      `json:"image_in_progress"`
	VideoInProgress bool      `json:"video_in_progress"`
	AudioInProgress bool      `json:"audio_in_progress"`
}

// Scene owns an ordered sequence of shots. Order is screen-time order.
type Scene struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Shots       []Shot    `json:"shots"`
}

// Character is referenced by name from shot generation requests. Its lifespan
// is independent of any shot.
type Character struct {
	Name         string  `json:"name"` // unique within a story
	Description  string  `json:"description"`
	VisualPrompt string  `json:"visual_prompt"`
	ImageRef     *string `json:"image_ref,omitempty"`
	InProgress   bool    `json:"in_progress"`
}

// Story is the root aggregate. Single owner, single writer — all mutation goes
// through the story store.
type Story struct {
	ID          uuid.UUID   `json:"id"`
	Title       string      `json:"title"`
	Synopsis    string      `json:"synopsis"`
	Style       string      `json:"style"`
	AspectRatio string      `json:"aspect_ratio"`
	Scenes      []Scene     `json:"scenes"`
	Characters  []Character `json:"characters"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// GenerationParams carries the semantic parameters for exactly one request.
// Backends consume different subsets — the resolver's parameter templates
// decide which fields reach the wire for a given backend id.
type GenerationParams struct {
	Prompt          string  `json:"prompt,omitempty"`           // image / character image
	MotionPrompt    string  `json:"motion_prompt,omitempty"`    // video backends that take free text
	MotionIntensity float64 `json:"motion_intensity,omitempty"` // video backends that take a numeric knob
	DurationSec     int     `json:"duration_sec,omitempty"`
	AspectRatio     string  `json:"aspect_ratio,omitempty"`
	Text            string  `json:"text,omitempty"`  // speech synthesis input
	Voice           string  `json:"voice,omitempty"` // speech voice id
	Style           string  `json:"style,omitempty"`
}

// GenerationJob is ephemeral: created when a batch is initiated, discarded
// after results are merged into the story tree. Jobs in one batch must be
// independent of each other.
type GenerationJob struct {
	ID            uuid.UUID        `json:"id"`
	Kind          JobKind          `json:"kind"`
	StoryID       uuid.UUID        `json:"story_id"`
	ShotID        *uuid.UUID       `json:"shot_id,omitempty"`        // image/video/audio jobs
	CharacterName string           `json:"character_name,omitempty"` // character_image jobs
	BackendID     string           `json:"backend_id"`
	InputRefs     []string         `json:"input_refs,omitempty"` // e.g. source image for image-to-video
	Params        GenerationParams `json:"params"`
}

// Reservations is the set of in-progress claims held by batches that are
// still queued or running. A claim in this set is a live reservation, not a
// leftover, and must survive the scheduler's stale-flag sweep.
type Reservations struct {
	Shots      map[uuid.UUID]map[JobKind]bool
	Characters map[string]bool
}

// AddJob records the entity claim one job holds.
func (r *Reservations) AddJob(job GenerationJob) {
	if job.Kind == JobKindCharacterImage {
		if r.Characters == nil {
			r.Characters = make(map[string]bool)
		}
		r.Characters[job.CharacterName] = true
		return
	}
	if job.ShotID == nil {
		return
	}
	if r.Shots == nil {
		r.Shots = make(map[uuid.UUID]map[JobKind]bool)
	}
	kinds := r.Shots[*job.ShotID]
	if kinds == nil {
		kinds = make(map[JobKind]bool)
		r.Shots[*job.ShotID] = kinds
	}
	kinds[job.Kind] = true
}

// Merge folds another set of claims into this one.
func (r *Reservations) Merge(other Reservations) {
	for shotID, kinds := range other.Shots {
		for kind := range kinds {
			shot := shotID
			r.AddJob(GenerationJob{Kind: kind, ShotID: &shot})
		}
	}
	for name := range other.Characters {
		r.AddJob(GenerationJob{Kind: JobKindCharacterImage, CharacterName: name})
	}
}

// HasShot reports whether a shot's flag for the given kind is claimed.
func (r Reservations) HasShot(shotID uuid.UUID, kind JobKind) bool {
	return r.Shots[shotID][kind]
}

// HasCharacter reports whether a character's flag is claimed.
func (r Reservations) HasCharacter(name string) bool {
	return r.Characters[name]
}

// JobResult is the outcome of one job. Exactly one result is produced per
// submitted job, success or not.
type JobResult struct {
	JobID         uuid.UUID  `json:"job_id"`
	Kind          JobKind    `json:"kind"`
	ShotID        *uuid.UUID `json:"shot_id,omitempty"`
	CharacterName string     `json:"character_name,omitempty"`
	AssetRef      string     `json:"asset_ref,omitempty"`
	BackendUsed   string     `json:"backend_used,omitempty"`
	DefaultTried  bool       `json:"default_tried,omitempty"` // fallback to the default backend was attempted
	ErrorKind     ErrorKind  `json:"error_kind,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// OK reports whether the job produced an asset.
func (r JobResult) OK() bool {
	return r.ErrorKind == "" && r.AssetRef != ""
}

// Segment is the input unit to the segment processor. It exists only for the
// duration of one export.
type Segment struct {
	ShotID      uuid.UUID
	VideoRef    string
	SpeechRef   *string
	Caption     string
	BurnCaption bool
}

// Progress is one entry on the scheduler's bounded event channel. Percent is
// monotonically non-decreasing within a batch.
type Progress struct {
	BatchID   uuid.UUID  `json:"batch_id"`
	Completed int        `json:"completed"`
	Total     int        `json:"total"`
	ShotID    *uuid.UUID `json:"shot_id,omitempty"`
	Character string     `json:"character,omitempty"`
	Failed    bool       `json:"failed"`
}

// Percent returns completion as 0–100.
func (p Progress) Percent() int {
	if p.Total == 0 {
		return 100
	}
	return p.Completed * 100 / p.Total
}

// DTOs for API requests and responses

type CreateStoryResponse struct {
	StoryID uuid.UUID `json:"story_id"`
}

type CreateBatchRequest struct {
	Kind       JobKind     `json:"kind"`
	ShotIDs    []uuid.UUID `json:"shot_ids,omitempty"`   // image/video/audio: shots to target (empty = all eligible)
	Characters []string    `json:"characters,omitempty"` // character_image: names to target (empty = all)
	BackendID  string      `json:"backend_id,omitempty"` // empty = default for kind
}

type CreateBatchResponse struct {
	BatchID uuid.UUID   `json:"batch_id"`
	Status  BatchStatus `json:"status"`
	Jobs    int         `json:"jobs"`
}

type BatchStatusResponse struct {
	BatchID   uuid.UUID   `json:"batch_id"`
	Status    BatchStatus `json:"status"`
	Total     int         `json:"total"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
	Percent   int         `json:"percent"`
	Results   []JobResult `json:"results,omitempty"`
}

// ExportSegmentRequest selects one shot for export. IncludeCaption nil means
// "use the configured default".
type ExportSegmentRequest struct {
	ShotID         uuid.UUID `json:"shot_id"`
	IncludeCaption *bool     `json:"include_caption,omitempty"`
}

type CreateExportRequest struct {
	Segments   []ExportSegmentRequest `json:"segments"`
	Quality    string                 `json:"quality,omitempty"`    // draft | standard | high | max
	Resolution string                 `json:"resolution,omitempty"` // e.g. "1080x1920", empty = source resolution
}

type CreateExportResponse struct {
	ExportID uuid.UUID    `json:"export_id"`
	Status   ExportStatus `json:"status"`
}

// SegmentOutcome reports what happened to one segment during an export.
type SegmentOutcome struct {
	ShotID       uuid.UUID `json:"shot_id"`
	OK           bool      `json:"ok"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

type ExportStatusResponse struct {
	ExportID     uuid.UUID        `json:"export_id"`
	Status       ExportStatus     `json:"status"`
	Segments     []SegmentOutcome `json:"segments,omitempty"`
	OutputRef    string           `json:"output_ref,omitempty"`
	ErrorKind    ErrorKind        `json:"error_kind,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

type CatalogResponse struct {
	Category string        `json:"category"`
	Items    []CatalogItem `json:"items"`
	Stale    bool          `json:"stale"` // served from cache after an upstream fetch failure
}

// CatalogItem is one entry from a catalog service (a model, voice or backend).
type CatalogItem struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Kind        string `json:"kind,omitempty"`
}
