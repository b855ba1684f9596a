package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/server/internal/models"
	"github.com/storyloom/server/internal/story"
)

// fakeEntityStore records the mutations the scheduler applies.
type fakeEntityStore struct {
	mu          sync.Mutex
	shotAssets  map[uuid.UUID]string
	shotFlags   map[uuid.UUID]bool
	charAssets  map[string]string
	charFlags   map[string]bool
	staleSweeps int
}

func newFakeEntityStore() *fakeEntityStore {
	return &fakeEntityStore{
		shotAssets: make(map[uuid.UUID]string),
		shotFlags:  make(map[uuid.UUID]bool),
		charAssets: make(map[string]string),
		charFlags:  make(map[string]bool),
	}
}

func (f *fakeEntityStore) SetShotAsset(_, shotID uuid.UUID, _ models.JobKind, ref string) (*models.Shot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shotAssets[shotID] = ref
	f.shotFlags[shotID] = false
	return &models.Shot{ID: shotID}, nil
}

func (f *fakeEntityStore) SetShotInProgress(_, shotID uuid.UUID, _ models.JobKind, inProgress bool) (*models.Shot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shotFlags[shotID] = inProgress
	return &models.Shot{ID: shotID}, nil
}

func (f *fakeEntityStore) SetCharacterImage(_ uuid.UUID, name, ref string) (*models.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charAssets[name] = ref
	f.charFlags[name] = false
	return &models.Character{Name: name}, nil
}

func (f *fakeEntityStore) SetCharacterInProgress(_ uuid.UUID, name string, inProgress bool) (*models.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charFlags[name] = inProgress
	return &models.Character{Name: name}, nil
}

func (f *fakeEntityStore) ClearStaleFlags(_ uuid.UUID, _ models.Reservations) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleSweeps++
	return 0, nil
}

func (f *fakeEntityStore) shotRef(shotID uuid.UUID) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.shotAssets[shotID]
	return ref, ok
}

// trackingProvider counts in-flight submissions to observe the ceiling.
type trackingProvider struct {
	mu       sync.Mutex
	inFlight int
	peak     int
	total    int
	fail     map[uuid.UUID]error // jobID -> scripted failure (first attempt's backend only)
	failOn   string              // backend id the scripted failures apply to
}

func (p *trackingProvider) Submit(_ context.Context, job models.GenerationJob) (string, error) {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.peak {
		p.peak = p.inFlight
	}
	p.total++
	scripted := p.fail[job.ID]
	p.mu.Unlock()

	time.Sleep(5 * time.Millisecond) // let wave siblings overlap

	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()

	if scripted != nil && job.BackendID == p.failOn {
		return "", scripted
	}
	return fmt.Sprintf("assets/%s.png", job.ID), nil
}

func fixedPolicy(limit int, delay time.Duration) func(models.JobKind) WavePolicy {
	return func(models.JobKind) WavePolicy {
		return WavePolicy{Limit: limit, Delay: delay}
	}
}

func imageJobs(n int, backendID string) []models.GenerationJob {
	storyID := uuid.New()
	jobs := make([]models.GenerationJob, n)
	for i := range jobs {
		shotID := uuid.New()
		jobs[i] = models.GenerationJob{
			ID:        uuid.New(),
			Kind:      models.JobKindImage,
			StoryID:   storyID,
			ShotID:    &shotID,
			BackendID: backendID,
			Params:    models.GenerationParams{Prompt: fmt.Sprintf("shot %d", i)},
		}
	}
	return jobs
}

func TestRunBatchSevenJobsLimitFiveWithFallbacks(t *testing.T) {
	jobs := imageJobs(7, "sketchy-image")
	provider := &trackingProvider{
		failOn: "sketchy-image",
		fail: map[uuid.UUID]error{
			jobs[1].ID: errors.New("upstream 500"),
			jobs[3].ID: errors.New("upstream 500"),
		},
	}
	store := newFakeEntityStore()
	sched := New(NewResolver(provider, defaultsFor), store, fixedPolicy(5, 0))

	results := sched.RunBatch(context.Background(), uuid.New(), jobs, nil)

	if len(results) != 7 {
		t.Fatalf("result count = %d, want one per job", len(results))
	}
	for i, r := range results {
		if !r.OK() {
			t.Errorf("job %d failed after fallback: %+v", i, r)
		}
	}
	if !results[1].DefaultTried || !results[3].DefaultTried {
		t.Error("the two generically-failing jobs must have been retried on the default backend")
	}
	if results[0].DefaultTried || results[2].DefaultTried {
		t.Error("healthy jobs must not touch the default backend")
	}

	// 7 first attempts + 2 fallbacks.
	if provider.total != 9 {
		t.Errorf("total submissions = %d, want 9", provider.total)
	}
	if provider.peak > 5 {
		t.Errorf("in-flight jobs peaked at %d, above the ceiling of 5", provider.peak)
	}
}

func TestRunBatchNeverExceedsCeiling(t *testing.T) {
	provider := &trackingProvider{}
	store := newFakeEntityStore()
	sched := New(NewResolver(provider, defaultsFor), store, fixedPolicy(3, 0))

	results := sched.RunBatch(context.Background(), uuid.New(), imageJobs(10, "gemini-image"), nil)

	if len(results) != 10 {
		t.Fatalf("result count = %d, want 10", len(results))
	}
	if provider.peak > 3 {
		t.Errorf("in-flight jobs peaked at %d, above the ceiling of 3", provider.peak)
	}
	if store.staleSweeps != 1 {
		t.Errorf("expected one stale-flag sweep per story, got %d", store.staleSweeps)
	}
}

func TestRunBatchFailureDoesNotCancelSiblings(t *testing.T) {
	jobs := imageJobs(4, "gemini-image") // already the default: no fallback available
	provider := &trackingProvider{
		failOn: "gemini-image",
		fail:   map[uuid.UUID]error{jobs[0].ID: errors.New("upstream 500")},
	}
	store := newFakeEntityStore()
	sched := New(NewResolver(provider, defaultsFor), store, fixedPolicy(2, 0))

	results := sched.RunBatch(context.Background(), uuid.New(), jobs, nil)

	if results[0].OK() {
		t.Error("scripted failure should have failed")
	}
	for i := 1; i < 4; i++ {
		if !results[i].OK() {
			t.Errorf("sibling job %d must complete despite the failure: %+v", i, results[i])
		}
	}

	// The failed shot's flag is cleared so it stays selectable for retry.
	store.mu.Lock()
	flag := store.shotFlags[*jobs[0].ShotID]
	_, hasAsset := store.shotAssets[*jobs[0].ShotID]
	store.mu.Unlock()
	if flag || hasAsset {
		t.Error("failed job must clear the in-progress flag without writing an asset ref")
	}
}

func TestRunBatchMutatesEntityBeforeProgressEvent(t *testing.T) {
	jobs := imageJobs(5, "gemini-image")
	provider := &trackingProvider{}
	store := newFakeEntityStore()
	sched := New(NewResolver(provider, defaultsFor), store, fixedPolicy(2, 0))

	progress := make(chan models.Progress, len(jobs))
	results := sched.RunBatch(context.Background(), uuid.New(), jobs, progress)
	close(progress)

	seen := 0
	lastPercent := -1
	for ev := range progress {
		seen++
		if ev.Total != 5 {
			t.Errorf("event total = %d, want 5", ev.Total)
		}
		// Events leave the channel in counter order, so the sequence is
		// exactly 1..total even when wave siblings finish together.
		if ev.Completed != seen {
			t.Errorf("event %d carries Completed=%d", seen, ev.Completed)
		}
		if ev.Percent() < lastPercent {
			t.Errorf("progress went backwards: %d after %d", ev.Percent(), lastPercent)
		}
		lastPercent = ev.Percent()

		// Observers key off entity state: by the time an event is visible,
		// the shot must already carry its asset ref.
		if ev.ShotID != nil && !ev.Failed {
			if _, ok := store.shotRef(*ev.ShotID); !ok {
				t.Errorf("progress for shot %s emitted before its asset ref was written", ev.ShotID)
			}
		}
	}
	if seen != 5 {
		t.Errorf("got %d progress events, want 5", seen)
	}
	if lastPercent != 100 {
		t.Errorf("final percent = %d, want 100", lastPercent)
	}
	for i, r := range results {
		if !r.OK() {
			t.Errorf("job %d unexpectedly failed: %+v", i, r)
		}
	}
}

func TestRunBatchSweepKeepsLiveReservations(t *testing.T) {
	stories := story.NewStore()
	st, err := stories.Put(&models.Story{
		Title:  "sweep",
		Scenes: []models.Scene{{Shots: []models.Shot{{Content: "a"}, {Content: "b"}}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	shotA := st.Scenes[0].Shots[0].ID
	shotB := st.Scenes[0].Shots[1].ID

	// Shot B's video flag is a live reservation held by a queued batch;
	// its audio flag is a leftover nobody owns.
	if _, err := stories.SetShotInProgress(st.ID, shotB, models.JobKindVideo, true); err != nil {
		t.Fatal(err)
	}
	if _, err := stories.SetShotInProgress(st.ID, shotB, models.JobKindAudio, true); err != nil {
		t.Fatal(err)
	}

	jobs := []models.GenerationJob{{
		ID:        uuid.New(),
		Kind:      models.JobKindImage,
		StoryID:   st.ID,
		ShotID:    &shotA,
		BackendID: "gemini-image",
	}}
	sched := New(NewResolver(&trackingProvider{}, defaultsFor), stories, fixedPolicy(5, 0))
	sched.Reserved = func(storyID uuid.UUID) models.Reservations {
		var res models.Reservations
		res.AddJob(models.GenerationJob{Kind: models.JobKindVideo, StoryID: storyID, ShotID: &shotB})
		return res
	}

	results := sched.RunBatch(context.Background(), uuid.New(), jobs, nil)
	if !results[0].OK() {
		t.Fatalf("image job failed: %+v", results[0])
	}

	shot, err := stories.GetShot(st.ID, shotB)
	if err != nil {
		t.Fatal(err)
	}
	if !shot.VideoInProgress {
		t.Error("queued batch's reservation was cleared by another batch's sweep")
	}
	if shot.AudioInProgress {
		t.Error("unowned leftover flag survived the sweep")
	}
}

func TestRunBatchCharacterJobs(t *testing.T) {
	storyID := uuid.New()
	jobs := []models.GenerationJob{
		{
			ID:            uuid.New(),
			Kind:          models.JobKindCharacterImage,
			StoryID:       storyID,
			CharacterName: "Mara",
			BackendID:     "gemini-image",
			Params:        models.GenerationParams{Prompt: "weathered lighthouse keeper"},
		},
	}
	provider := &trackingProvider{}
	store := newFakeEntityStore()
	sched := New(NewResolver(provider, defaultsFor), store, fixedPolicy(5, 0))

	results := sched.RunBatch(context.Background(), uuid.New(), jobs, nil)
	if !results[0].OK() {
		t.Fatalf("character job failed: %+v", results[0])
	}
	if ref := store.charAssets["Mara"]; ref == "" {
		t.Error("character image ref not written")
	}
	if store.charFlags["Mara"] {
		t.Error("character in-progress flag not cleared")
	}
}

func TestRunBatchRetriesGenericFailures(t *testing.T) {
	jobs := imageJobs(1, "gemini-image")
	attempts := 0
	provider := &countingProvider{fn: func(models.GenerationJob) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("upstream 500")
		}
		return "assets/late-success.png", nil
	}}
	store := newFakeEntityStore()
	sched := New(NewResolver(provider, defaultsFor), store, fixedPolicy(1, 0))
	sched.Retries = 2

	results := sched.RunBatch(context.Background(), uuid.New(), jobs, nil)
	if !results[0].OK() {
		t.Fatalf("job should succeed on the third attempt: %+v", results[0])
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

type countingProvider struct {
	fn func(models.GenerationJob) (string, error)
}

func (p *countingProvider) Submit(_ context.Context, job models.GenerationJob) (string, error) {
	return p.fn(job)
}
