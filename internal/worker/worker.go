package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/storyloom/server/internal/compose"
	"github.com/storyloom/server/internal/config"
	"github.com/storyloom/server/internal/encoder"
	"github.com/storyloom/server/internal/models"
	"github.com/storyloom/server/internal/queue"
	"github.com/storyloom/server/internal/runs"
	"github.com/storyloom/server/internal/scheduler"
	"github.com/storyloom/server/internal/services"
	"github.com/storyloom/server/internal/storage"
	"github.com/storyloom/server/internal/story"
)

// Worker drains the generation and export queues. Generation batches fan out
// through the scheduler; export composition is serialized because the
// encoding backend's working directory is not safely shared across
// concurrent segment runs.
type Worker struct {
	cfg        *config.Config
	stories    *story.Store
	runs       *runs.Registry
	queue      *queue.Queue
	store      *storage.Store
	sched      *scheduler.Scheduler
	openai     *services.OpenAIService // optional prompt enhancement, nil = disabled
	engine     encoder.Engine
	processor  *compose.Processor
	normalizer *compose.Normalizer

	exportMu sync.Mutex
}

func New(
	cfg *config.Config,
	stories *story.Store,
	runReg *runs.Registry,
	q *queue.Queue,
	store *storage.Store,
	sched *scheduler.Scheduler,
	openaiSvc *services.OpenAIService,
	engine encoder.Engine,
) *Worker {
	return &Worker{
		cfg:        cfg,
		stories:    stories,
		runs:       runReg,
		queue:      q,
		store:      store,
		sched:      sched,
		openai:     openaiSvc,
		engine:     engine,
		processor:  compose.NewProcessor(),
		normalizer: compose.NewNormalizer(time.Duration(cfg.SpeechPadTargetSec) * time.Second),
	}
}

// Start begins processing jobs from all queues.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	log.Printf("Worker started with concurrency: %d", concurrency)

	for i := 0; i < concurrency; i++ {
		go w.processQueue(ctx, queue.QueueGenerateBatch, w.handleGenerateBatch)
		go w.processQueue(ctx, queue.QueueExport, w.handleExport)
	}

	<-ctx.Done()
	log.Println("Worker shutting down...")
}

func (w *Worker) processQueue(ctx context.Context, queueName string, handler func(context.Context, *queue.Job) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			job, err := w.queue.Dequeue(ctx, queueName, 5*time.Second)
			if err != nil {
				log.Printf("Error dequeuing from %s: %v", queueName, err)
				continue
			}
			if job == nil {
				continue // No job available, retry
			}

			log.Printf("Processing job %s (type: %s, story: %s, run: %s)", job.ID, job.Type, job.StoryID, job.RunID)

			if err := handler(ctx, job); err != nil {
				log.Printf("Job %s failed: %v", job.ID, err)
			} else {
				log.Printf("Job %s completed", job.ID)
			}
		}
	}
}

// handleGenerateBatch runs one generation batch through the scheduler,
// folding progress events into the run registry as they arrive.
func (w *Worker) handleGenerateBatch(ctx context.Context, job *queue.Job) error {
	jobs, err := w.runs.TakeBatchJobs(job.RunID)
	if err != nil {
		return fmt.Errorf("failed to claim batch: %w", err)
	}
	if len(jobs) == 0 {
		w.runs.CompleteBatch(job.RunID, nil)
		return nil
	}

	w.enhancePrompts(ctx, jobs)

	progress := make(chan models.Progress, len(jobs))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range progress {
			w.runs.ApplyProgress(job.RunID, ev)
		}
	}()

	results := w.sched.RunBatch(ctx, job.RunID, jobs, progress)
	close(progress)
	<-done

	w.runs.CompleteBatch(job.RunID, results)

	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	log.Printf("[Batch] %s finished: %d/%d succeeded", job.RunID, len(results)-failed, len(results))
	return nil
}

// enhancePrompts runs image and motion prompts through the prompt service.
// Failures keep the raw description — enhancement is never load-bearing.
func (w *Worker) enhancePrompts(ctx context.Context, jobs []models.GenerationJob) {
	if w.openai == nil {
		return
	}
	for i := range jobs {
		switch jobs[i].Kind {
		case models.JobKindImage, models.JobKindCharacterImage:
			if enhanced, err := w.openai.EnhancePrompt(ctx, jobs[i].Kind, jobs[i].Params.Prompt, jobs[i].Params.Style); err == nil {
				jobs[i].Params.Prompt = enhanced
			} else {
				log.Printf("[Batch] Prompt enhancement failed for job %s, using raw description: %v", jobs[i].ID, err)
			}
		case models.JobKindVideo:
			if enhanced, err := w.openai.EnhancePrompt(ctx, jobs[i].Kind, jobs[i].Params.MotionPrompt, jobs[i].Params.Style); err == nil {
				jobs[i].Params.MotionPrompt = enhanced
			} else {
				log.Printf("[Batch] Prompt enhancement failed for job %s, using raw description: %v", jobs[i].ID, err)
			}
		}
	}
}

// segmentAssets is one shot's downloaded material, ready for composition.
type segmentAssets struct {
	segment models.Segment
	video   []byte
	speech  []byte
}

// handleExport composes one export run: download assets concurrently,
// process segments in order, concatenate, upload the final clip.
func (w *Worker) handleExport(ctx context.Context, job *queue.Job) error {
	req, err := w.runs.StartExport(job.RunID)
	if err != nil {
		return fmt.Errorf("failed to claim export: %w", err)
	}

	profile, err := compose.ProfileByName(req.Quality)
	if err != nil {
		w.runs.FailExport(job.RunID, err, nil)
		return err
	}
	if err := compose.ValidateResolution(req.Resolution); err != nil {
		w.runs.FailExport(job.RunID, err, nil)
		return err
	}

	segments, err := w.collectSegments(job.StoryID, req)
	if err != nil {
		w.runs.FailExport(job.RunID, err, nil)
		return err
	}

	assets, err := w.downloadAssets(ctx, segments)
	if err != nil {
		w.runs.FailExport(job.RunID, err, nil)
		return err
	}

	// The encoding backend's session directories are cheap, but segment
	// processing stays serialized: one export at a time owns the backend.
	w.exportMu.Lock()
	defer w.exportMu.Unlock()

	outcomes := make([]models.SegmentOutcome, 0, len(assets))
	var clips [][]byte
	for _, a := range assets {
		clip, err := w.composeSegment(ctx, a, profile, req.Resolution)
		if err != nil {
			// A failed segment is excluded from the concatenation and
			// recorded; the export continues with the survivors.
			log.Printf("[Export] Segment for shot %s failed: %v", a.segment.ShotID, err)
			outcomes = append(outcomes, models.SegmentOutcome{
				ShotID:       a.segment.ShotID,
				OK:           false,
				ErrorKind:    models.Classify(err),
				ErrorMessage: err.Error(),
			})
			continue
		}
		outcomes = append(outcomes, models.SegmentOutcome{ShotID: a.segment.ShotID, OK: true})
		clips = append(clips, clip)
	}

	if len(clips) == 0 {
		err := &models.ConcatenationError{Clip: "(none)", Err: fmt.Errorf("no segment survived composition")}
		w.runs.FailExport(job.RunID, err, outcomes)
		return err
	}

	final, err := w.concatenate(ctx, clips)
	if err != nil {
		w.runs.FailExport(job.RunID, err, outcomes)
		return err
	}

	outputRef := w.store.StoryPath(job.StoryID, fmt.Sprintf("export_%s.mp4", job.RunID))
	if err := w.store.Upload(ctx, outputRef, final, "video/mp4"); err != nil {
		err = fmt.Errorf("failed to upload final clip: %w", err)
		w.runs.FailExport(job.RunID, err, outcomes)
		return err
	}

	w.runs.CompleteExport(job.RunID, outputRef, outcomes)
	log.Printf("[Export] %s completed: %d/%d segment(s), %d bytes", job.RunID, len(clips), len(assets), len(final))
	return nil
}

// collectSegments resolves the requested shots against current story state.
// A shot without a finished video clip fails the export up front — there is
// nothing to compose for it.
func (w *Worker) collectSegments(storyID uuid.UUID, req models.CreateExportRequest) ([]models.Segment, error) {
	if len(req.Segments) == 0 {
		return nil, fmt.Errorf("export has no segments")
	}

	segments := make([]models.Segment, 0, len(req.Segments))
	for _, sr := range req.Segments {
		shot, err := w.stories.GetShot(storyID, sr.ShotID)
		if err != nil {
			return nil, err
		}
		if shot.VideoClipRef == nil {
			return nil, fmt.Errorf("shot %s has no video clip", sr.ShotID)
		}

		burn := w.cfg.BurnCaptionsDefault
		if sr.IncludeCaption != nil {
			burn = *sr.IncludeCaption
		}

		segments = append(segments, models.Segment{
			ShotID:      shot.ID,
			VideoRef:    *shot.VideoClipRef,
			SpeechRef:   shot.SpeechClipRef,
			Caption:     shot.Narration,
			BurnCaption: burn,
		})
	}
	return segments, nil
}

// downloadAssets pulls every segment's clips from object storage, a few at a
// time. Order of the returned slice matches the segment order.
func (w *Worker) downloadAssets(ctx context.Context, segments []models.Segment) ([]segmentAssets, error) {
	assets := make([]segmentAssets, len(segments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, seg := range segments {
		i, seg := i, seg
		g.Go(func() error {
			video, err := w.store.Download(gctx, seg.VideoRef)
			if err != nil {
				return fmt.Errorf("failed to download video for shot %s: %w", seg.ShotID, err)
			}
			assets[i] = segmentAssets{segment: seg, video: video}

			if seg.SpeechRef != nil {
				speech, err := w.store.Download(gctx, *seg.SpeechRef)
				if err != nil {
					return fmt.Errorf("failed to download speech for shot %s: %w", seg.ShotID, err)
				}
				assets[i].speech = speech
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return assets, nil
}

// composeSegment runs one shot through the normalizer and segment processor
// inside its own backend session. The session is released whichever way the
// segment goes.
func (w *Worker) composeSegment(ctx context.Context, a segmentAssets, profile compose.Profile, resolution string) ([]byte, error) {
	sess, err := w.engine.NewSession()
	if err != nil {
		return nil, &models.EncodingError{Op: "session", Err: err}
	}
	defer sess.Close()

	speech := a.speech
	if speech != nil {
		speech = w.normalizer.NormalizeSpeech(ctx, sess, speech)
	}

	return w.processor.Process(ctx, sess, compose.Input{
		Video:       a.video,
		Speech:      speech,
		Caption:     a.segment.Caption,
		BurnCaption: a.segment.BurnCaption,
		Profile:     profile,
		Resolution:  resolution,
	})
}

func (w *Worker) concatenate(ctx context.Context, clips [][]byte) ([]byte, error) {
	sess, err := w.engine.NewSession()
	if err != nil {
		return nil, &models.ConcatenationError{Clip: "(session)", Err: err}
	}
	defer sess.Close()

	return compose.Concatenate(ctx, sess, clips)
}
