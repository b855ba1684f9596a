package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/server/internal/models"
)

// EntityStore is the slice of the story store the scheduler mutates. Job
// completion handlers write asset refs and clear in-progress flags through
// it before any progress is reported, since observers key off entity state.
type EntityStore interface {
	SetShotAsset(storyID, shotID uuid.UUID, kind models.JobKind, ref string) (*models.Shot, error)
	SetShotInProgress(storyID, shotID uuid.UUID, kind models.JobKind, inProgress bool) (*models.Shot, error)
	SetCharacterImage(storyID uuid.UUID, name, ref string) (*models.Character, error)
	SetCharacterInProgress(storyID uuid.UUID, name string, inProgress bool) (*models.Character, error)
	ClearStaleFlags(storyID uuid.UUID, keep models.Reservations) (int, error)
}

// WavePolicy is the per-kind concurrency ceiling and the fixed delay
// inserted between waves to respect upstream rate limits.
type WavePolicy struct {
	Limit int
	Delay time.Duration
}

// Scheduler runs independent generation jobs in waves bounded by a per-kind
// concurrency ceiling. One job's failure never cancels its siblings — the
// batch always yields as many assets as could be produced.
type Scheduler struct {
	resolver *Resolver
	store    EntityStore
	policy   func(kind models.JobKind) WavePolicy

	// Extra attempts per job after a failed resolver execution (which
	// already includes the one backend fallback). Zero by default.
	Retries int

	// Reserved reports the entity claims held by other batches for a story
	// that are still queued or running. The stale-flag sweep leaves those
	// claims alone — a flag with no asset behind it is only stale when no
	// live batch owns it. Nil means no batches run outside this scheduler.
	Reserved func(storyID uuid.UUID) models.Reservations
}

func New(resolver *Resolver, store EntityStore, policy func(kind models.JobKind) WavePolicy) *Scheduler {
	return &Scheduler{resolver: resolver, store: store, policy: policy}
}

// RunBatch executes all jobs and returns exactly one result per job, in job
// order. Jobs must be independent of each other; that contract belongs to
// the caller building the batch.
//
// progress, when non-nil, receives one event per completed job. The channel
// should be buffered for at least len(jobs); the scheduler blocks on a full
// channel rather than dropping events.
func (s *Scheduler) RunBatch(ctx context.Context, batchID uuid.UUID, jobs []models.GenerationJob, progress chan<- models.Progress) []models.JobResult {
	results := make([]models.JobResult, len(jobs))
	if len(jobs) == 0 {
		return results
	}

	// Interrupted prior runs can leave in-progress flags set with no asset
	// behind them, which makes those entities permanently unselectable.
	// Sweep every story the batch touches before issuing new work, keeping
	// this batch's own claims and any claim held by a batch that is still
	// queued or running elsewhere.
	var keep models.Reservations
	for _, job := range jobs {
		keep.AddJob(job)
	}
	for _, storyID := range distinctStories(jobs) {
		if s.Reserved != nil {
			keep.Merge(s.Reserved(storyID))
		}
		if cleared, err := s.store.ClearStaleFlags(storyID, keep); err != nil {
			log.Printf("[Scheduler] Stale-flag sweep failed for story %s: %v", storyID, err)
		} else if cleared > 0 {
			log.Printf("[Scheduler] Cleared %d stale in-progress flag(s) on story %s", cleared, storyID)
		}
	}

	pol := s.policy(jobs[0].Kind)
	if pol.Limit < 1 {
		pol.Limit = 1
	}

	var (
		mu        sync.Mutex
		completed int
	)

	total := len(jobs)
	waves := (total + pol.Limit - 1) / pol.Limit
	log.Printf("[Scheduler] Batch %s: %d %s job(s), %d wave(s) of up to %d", batchID, total, jobs[0].Kind, waves, pol.Limit)

	for start := 0; start < total; start += pol.Limit {
		end := start + pol.Limit
		if end > total {
			end = total
		}

		// errgroup's first-error cancellation would defeat the
		// partial-failure policy, so a plain WaitGroup carries the wave.
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()

				result := s.runJob(ctx, jobs[idx])
				s.applyResult(jobs[idx], result)
				results[idx] = result

				// The send happens under mu so wave siblings cannot
				// deliver their events out of counter order. The channel
				// is buffered by the caller contract, so the lock is not
				// held across a real wait.
				mu.Lock()
				completed++
				if progress != nil {
					progress <- models.Progress{
						BatchID:   batchID,
						Completed: completed,
						Total:     total,
						ShotID:    jobs[idx].ShotID,
						Character: jobs[idx].CharacterName,
						Failed:    !result.OK(),
					}
				}
				mu.Unlock()
			}(i)
		}
		wg.Wait()

		if end < total && pol.Delay > 0 {
			select {
			case <-ctx.Done():
				// Abandoned batch: record remaining jobs as cancelled so the
				// result count still matches the job count.
				for i := end; i < total; i++ {
					results[i] = s.cancelledResult(jobs[i], ctx.Err())
					s.applyResult(jobs[i], results[i])
				}
				return results
			case <-time.After(pol.Delay):
			}
		}
	}

	return results
}

// runJob executes one job through the resolver, with optional extra attempts
// on non-terminal failures.
func (s *Scheduler) runJob(ctx context.Context, job models.GenerationJob) models.JobResult {
	result := s.resolver.Execute(ctx, job)
	for attempt := 0; attempt < s.Retries && !result.OK() && result.ErrorKind != models.ErrAssetExpired; attempt++ {
		log.Printf("[Scheduler] Job %s retry %d/%d after %s", job.ID, attempt+1, s.Retries, result.ErrorKind)
		result = s.resolver.Execute(ctx, job)
	}
	return result
}

// applyResult merges one outcome into the story tree: asset ref written and
// in-progress flag cleared on success, flag cleared on failure. This runs
// before the progress event for the job is emitted.
func (s *Scheduler) applyResult(job models.GenerationJob, result models.JobResult) {
	var err error
	switch {
	case job.Kind == models.JobKindCharacterImage:
		if result.OK() {
			_, err = s.store.SetCharacterImage(job.StoryID, job.CharacterName, result.AssetRef)
		} else {
			_, err = s.store.SetCharacterInProgress(job.StoryID, job.CharacterName, false)
		}
	case job.ShotID != nil:
		if result.OK() {
			_, err = s.store.SetShotAsset(job.StoryID, *job.ShotID, job.Kind, result.AssetRef)
		} else {
			_, err = s.store.SetShotInProgress(job.StoryID, *job.ShotID, job.Kind, false)
		}
	}
	if err != nil {
		log.Printf("[Scheduler] Failed to apply result for job %s: %v", job.ID, err)
	}
}

func (s *Scheduler) cancelledResult(job models.GenerationJob, cause error) models.JobResult {
	return models.JobResult{
		JobID:         job.ID,
		Kind:          job.Kind,
		ShotID:        job.ShotID,
		CharacterName: job.CharacterName,
		BackendUsed:   job.BackendID,
		ErrorKind:     models.ErrProviderGeneric,
		ErrorMessage:  "batch abandoned: " + cause.Error(),
	}
}

func distinctStories(jobs []models.GenerationJob) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, 1)
	var out []uuid.UUID
	for _, job := range jobs {
		if !seen[job.StoryID] {
			seen[job.StoryID] = true
			out = append(out, job.StoryID)
		}
	}
	return out
}
