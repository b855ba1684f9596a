package runs

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/server/internal/models"
)

// BatchRun tracks one generation batch from creation to completion. The
// queued jobs live here between the API accepting the batch and the worker
// picking it up.
type BatchRun struct {
	ID        uuid.UUID
	StoryID   uuid.UUID
	Status    models.BatchStatus
	Jobs      []models.GenerationJob
	Total     int
	Completed int
	Failed    int
	Results   []models.JobResult
	CreatedAt time.Time
}

// ExportRun tracks one export from creation to its final clip (or failure).
type ExportRun struct {
	ID        uuid.UUID
	StoryID   uuid.UUID
	Status    models.ExportStatus
	Request   models.CreateExportRequest
	OutputRef string
	ErrorKind models.ErrorKind
	Error     string
	Segments  []models.SegmentOutcome
	CreatedAt time.Time
}

// Registry is the in-memory home of batch and export runs. Runs are
// ephemeral: a restart forgets them, and generated assets stay reusable in
// object storage.
type Registry struct {
	mu      sync.RWMutex
	batches map[uuid.UUID]*BatchRun
	exports map[uuid.UUID]*ExportRun
}

func NewRegistry() *Registry {
	return &Registry{
		batches: make(map[uuid.UUID]*BatchRun),
		exports: make(map[uuid.UUID]*ExportRun),
	}
}

// CreateBatch registers a new queued batch and returns its id.
func (r *Registry) CreateBatch(storyID uuid.UUID, jobs []models.GenerationJob) *BatchRun {
	run := &BatchRun{
		ID:        uuid.New(),
		StoryID:   storyID,
		Status:    models.BatchStatusQueued,
		Jobs:      jobs,
		Total:     len(jobs),
		CreatedAt: time.Now(),
	}
	r.mu.Lock()
	r.batches[run.ID] = run
	r.mu.Unlock()
	return run
}

// GetBatch returns a copy of the run.
func (r *Registry) GetBatch(id uuid.UUID) (*BatchRun, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.batches[id]
	if !ok {
		return nil, false
	}
	return copyBatch(run), true
}

// TakeBatchJobs transitions a queued batch to running and hands its jobs to
// the worker. A second take fails — one worker owns a run.
func (r *Registry) TakeBatchJobs(id uuid.UUID) ([]models.GenerationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s not found", id)
	}
	if run.Status != models.BatchStatusQueued {
		return nil, fmt.Errorf("batch %s already %s", id, run.Status)
	}
	run.Status = models.BatchStatusRunning
	// Jobs stay on the run while it executes so ActiveReservations keeps
	// covering its entity claims; CompleteBatch releases them.
	return append([]models.GenerationJob(nil), run.Jobs...), nil
}

// ActiveReservations collects the entity claims held by every batch for the
// story that is still queued or running. The scheduler's stale-flag sweep
// must not clear these.
func (r *Registry) ActiveReservations(storyID uuid.UUID) models.Reservations {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res models.Reservations
	for _, run := range r.batches {
		if run.StoryID != storyID || run.Status == models.BatchStatusCompleted {
			continue
		}
		for _, job := range run.Jobs {
			res.AddJob(job)
		}
	}
	return res
}

// ApplyProgress folds one scheduler progress event into the run's counters.
// Completed never decreases.
func (r *Registry) ApplyProgress(id uuid.UUID, ev models.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.batches[id]
	if !ok {
		return
	}
	if ev.Completed > run.Completed {
		run.Completed = ev.Completed
	}
	if ev.Failed {
		run.Failed++
	}
}

// CompleteBatch records the final per-job results.
func (r *Registry) CompleteBatch(id uuid.UUID, results []models.JobResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.batches[id]
	if !ok {
		return
	}
	run.Status = models.BatchStatusCompleted
	run.Jobs = nil // releases the run's entity reservations
	run.Results = results
	run.Completed = len(results)
	failed := 0
	for _, res := range results {
		if !res.OK() {
			failed++
		}
	}
	run.Failed = failed
}

// CreateExport registers a new queued export run.
func (r *Registry) CreateExport(storyID uuid.UUID, req models.CreateExportRequest) *ExportRun {
	run := &ExportRun{
		ID:        uuid.New(),
		StoryID:   storyID,
		Status:    models.ExportStatusQueued,
		Request:   req,
		CreatedAt: time.Now(),
	}
	r.mu.Lock()
	r.exports[run.ID] = run
	r.mu.Unlock()
	return run
}

// GetExport returns a copy of the run.
func (r *Registry) GetExport(id uuid.UUID) (*ExportRun, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.exports[id]
	if !ok {
		return nil, false
	}
	cp := *run
	cp.Segments = append([]models.SegmentOutcome(nil), run.Segments...)
	return &cp, true
}

// StartExport marks the run as composing.
func (r *Registry) StartExport(id uuid.UUID) (models.CreateExportRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.exports[id]
	if !ok {
		return models.CreateExportRequest{}, fmt.Errorf("export %s not found", id)
	}
	if run.Status != models.ExportStatusQueued {
		return models.CreateExportRequest{}, fmt.Errorf("export %s already %s", id, run.Status)
	}
	run.Status = models.ExportStatusComposing
	return run.Request, nil
}

// CompleteExport records the final clip ref and per-segment outcomes.
func (r *Registry) CompleteExport(id uuid.UUID, outputRef string, segments []models.SegmentOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.exports[id]; ok {
		run.Status = models.ExportStatusCompleted
		run.OutputRef = outputRef
		run.Segments = segments
	}
}

// FailExport records a terminal export failure. Previously generated assets
// remain untouched and reusable.
func (r *Registry) FailExport(id uuid.UUID, cause error, segments []models.SegmentOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.exports[id]; ok {
		run.Status = models.ExportStatusFailed
		run.ErrorKind = models.Classify(cause)
		run.Error = cause.Error()
		run.Segments = segments
	}
}

func copyBatch(run *BatchRun) *BatchRun {
	cp := *run
	cp.Jobs = append([]models.GenerationJob(nil), run.Jobs...)
	cp.Results = append([]models.JobResult(nil), run.Results...)
	return &cp
}
