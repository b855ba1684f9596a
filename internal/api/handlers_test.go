package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	catalogsvc "github.com/storyloom/server/internal/catalog"
	"github.com/storyloom/server/internal/config"
	"github.com/storyloom/server/internal/models"
	"github.com/storyloom/server/internal/runs"
	"github.com/storyloom/server/internal/storage"
	"github.com/storyloom/server/internal/story"
)

type fakeQueue struct {
	batches []uuid.UUID
	exports []uuid.UUID
	err     error
}

func (q *fakeQueue) EnqueueGenerateBatch(_ context.Context, _, runID uuid.UUID) error {
	if q.err != nil {
		return q.err
	}
	q.batches = append(q.batches, runID)
	return nil
}

func (q *fakeQueue) EnqueueExport(_ context.Context, _, runID uuid.UUID) error {
	if q.err != nil {
		return q.err
	}
	q.exports = append(q.exports, runID)
	return nil
}

type fakeCatalogClient struct {
	items map[string][]models.CatalogItem
	err   error
}

func (c *fakeCatalogClient) List(_ context.Context, category, _ string) ([]models.CatalogItem, string, error) {
	if c.err != nil {
		return nil, "", c.err
	}
	return c.items[category], "", nil
}

type fixture struct {
	stories *story.Store
	runs    *runs.Registry
	queue   *fakeQueue
	router  http.Handler
}

func newFixture(t *testing.T, routerCfg RouterConfig, catClient catalogsvc.Client) *fixture {
	t.Helper()
	if catClient == nil {
		catClient = &fakeCatalogClient{}
	}
	cfg := &config.Config{
		DefaultImageBackend: "gemini-image",
		DefaultVideoBackend: "veo",
		DefaultAudioBackend: "elevenlabs",
	}
	fx := &fixture{
		stories: story.NewStore(),
		runs:    runs.NewRegistry(),
		queue:   &fakeQueue{},
	}
	cat := catalogsvc.NewService(catClient, time.Now, time.Minute)
	h := NewHandler(fx.stories, fx.runs, fx.queue, storage.New("http://storage.invalid", "key", "assets"), cat, cfg)
	fx.router = NewRouter(h, routerCfg)
	return fx
}

func (fx *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

func strPtr(s string) *string { return &s }

func testStory() *models.Story {
	return &models.Story{
		Title:       "The Lighthouse",
		Style:       "watercolor",
		AspectRatio: "9:16",
		Characters: []models.Character{
			{Name: "Mara", VisualPrompt: "a weathered lighthouse keeper", ImageRef: strPtr("chars/mara.png")},
		},
		Scenes: []models.Scene{{
			Title: "Night",
			Shots: []models.Shot{
				{Narration: "Mara climbs the stairs.", Content: "Mara on a spiral staircase", Location: "lighthouse interior"},
				{Narration: "", Content: "waves crash on rocks"},
				{Narration: "The lamp flickers.", Content: "the great lamp, close up"},
			},
		}},
	}
}

func (fx *fixture) createStory(t *testing.T) *models.Story {
	t.Helper()
	rec := fx.do(t, "POST", "/v1/stories", testStory())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create story: status %d: %s", rec.Code, rec.Body.String())
	}
	var resp models.CreateStoryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	st, err := fx.stories.Get(resp.StoryID)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestCreateAndGetStory(t *testing.T) {
	fx := newFixture(t, RouterConfig{}, nil)
	st := fx.createStory(t)

	if st.ID == uuid.Nil {
		t.Error("story id not assigned")
	}
	for _, shot := range st.Scenes[0].Shots {
		if shot.ID == uuid.Nil {
			t.Error("shot id not assigned")
		}
	}

	rec := fx.do(t, "GET", "/v1/stories/"+st.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get story: status %d", rec.Code)
	}
	var got models.Story
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Title != "The Lighthouse" || len(got.Scenes[0].Shots) != 3 {
		t.Errorf("story round trip wrong: %+v", got)
	}

	if rec := fx.do(t, "GET", "/v1/stories/"+uuid.NewString(), nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown story: status %d, want 404", rec.Code)
	}
}

func TestCreateStoryRejectsDuplicateCharacters(t *testing.T) {
	fx := newFixture(t, RouterConfig{}, nil)
	st := testStory()
	st.Characters = append(st.Characters, models.Character{Name: "Mara"})
	if rec := fx.do(t, "POST", "/v1/stories", st); rec.Code != http.StatusBadRequest {
		t.Errorf("duplicate character: status %d, want 400", rec.Code)
	}
}

func TestCreateBatchSelectsEligibleShots(t *testing.T) {
	fx := newFixture(t, RouterConfig{}, nil)
	st := fx.createStory(t)

	// First shot already has an image; second is mid-generation.
	shots := st.Scenes[0].Shots
	if _, err := fx.stories.SetShotAsset(st.ID, shots[0].ID, models.JobKindImage, "shots/a.png"); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.stories.SetShotInProgress(st.ID, shots[1].ID, models.JobKindImage, true); err != nil {
		t.Fatal(err)
	}

	rec := fx.do(t, "POST", "/v1/stories/"+st.ID.String()+"/batches", models.CreateBatchRequest{Kind: models.JobKindImage})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create batch: status %d: %s", rec.Code, rec.Body.String())
	}
	var resp models.CreateBatchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Jobs != 1 {
		t.Fatalf("jobs = %d, want 1 (only the third shot is eligible)", resp.Jobs)
	}
	if len(fx.queue.batches) != 1 || fx.queue.batches[0] != resp.BatchID {
		t.Errorf("batch not enqueued: %v", fx.queue.batches)
	}

	run, ok := fx.runs.GetBatch(resp.BatchID)
	if !ok {
		t.Fatal("batch run not registered")
	}
	job := run.Jobs[0]
	if *job.ShotID != shots[2].ID || job.BackendID != "gemini-image" {
		t.Errorf("unexpected job: %+v", job)
	}
	if job.Params.Prompt == "" || job.Params.AspectRatio != "9:16" {
		t.Errorf("params not filled: %+v", job.Params)
	}

	// The selected shot must now be flagged so a repeat request skips it.
	shot, err := fx.stories.GetShot(st.ID, shots[2].ID)
	if err != nil {
		t.Fatal(err)
	}
	if !shot.ImageInProgress {
		t.Error("selected shot not marked in progress")
	}
	if rec := fx.do(t, "POST", "/v1/stories/"+st.ID.String()+"/batches", models.CreateBatchRequest{Kind: models.JobKindImage}); rec.Code != http.StatusBadRequest {
		t.Errorf("repeat batch: status %d, want 400 (nothing eligible)", rec.Code)
	}
}

func TestCreateBatchAttachesCharacterReferences(t *testing.T) {
	fx := newFixture(t, RouterConfig{}, nil)
	st := fx.createStory(t)

	rec := fx.do(t, "POST", "/v1/stories/"+st.ID.String()+"/batches", models.CreateBatchRequest{Kind: models.JobKindImage})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp models.CreateBatchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	run, _ := fx.runs.GetBatch(resp.BatchID)

	// Shot 1 mentions Mara and must carry her portrait as a reference.
	byShot := make(map[uuid.UUID]models.GenerationJob)
	for _, j := range run.Jobs {
		byShot[*j.ShotID] = j
	}
	shots := st.Scenes[0].Shots
	if refs := byShot[shots[0].ID].InputRefs; len(refs) != 1 || refs[0] != "chars/mara.png" {
		t.Errorf("shot 1 refs = %v, want [chars/mara.png]", refs)
	}
	if refs := byShot[shots[1].ID].InputRefs; len(refs) != 0 {
		t.Errorf("shot 2 refs = %v, want none", refs)
	}
}

func TestCreateBatchVideoRequiresImage(t *testing.T) {
	fx := newFixture(t, RouterConfig{}, nil)
	st := fx.createStory(t)
	shots := st.Scenes[0].Shots

	req := models.CreateBatchRequest{Kind: models.JobKindVideo, ShotIDs: []uuid.UUID{shots[0].ID}}
	if rec := fx.do(t, "POST", "/v1/stories/"+st.ID.String()+"/batches", req); rec.Code != http.StatusBadRequest {
		t.Errorf("video without image: status %d, want 400", rec.Code)
	}
	if len(fx.queue.batches) != 0 {
		t.Error("ineligible batch must not be enqueued")
	}

	if _, err := fx.stories.SetShotAsset(st.ID, shots[0].ID, models.JobKindImage, "shots/a.png"); err != nil {
		t.Fatal(err)
	}
	rec := fx.do(t, "POST", "/v1/stories/"+st.ID.String()+"/batches", req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("video batch: status %d: %s", rec.Code, rec.Body.String())
	}
	var resp models.CreateBatchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	run, _ := fx.runs.GetBatch(resp.BatchID)
	job := run.Jobs[0]
	if job.BackendID != "veo" || len(job.InputRefs) != 1 || job.InputRefs[0] != "shots/a.png" {
		t.Errorf("unexpected video job: %+v", job)
	}
	if job.Params.DurationSec != 5 || job.Params.MotionPrompt == "" {
		t.Errorf("video params not filled: %+v", job.Params)
	}
}

func TestCreateBatchAudioSkipsSilentShots(t *testing.T) {
	fx := newFixture(t, RouterConfig{}, nil)
	st := fx.createStory(t)

	rec := fx.do(t, "POST", "/v1/stories/"+st.ID.String()+"/batches", models.CreateBatchRequest{Kind: models.JobKindAudio})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp models.CreateBatchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	// Shot 2 has no narration.
	if resp.Jobs != 2 {
		t.Errorf("jobs = %d, want 2", resp.Jobs)
	}
}

func TestCreateBatchUnknownKind(t *testing.T) {
	fx := newFixture(t, RouterConfig{}, nil)
	st := fx.createStory(t)
	rec := fx.do(t, "POST", "/v1/stories/"+st.ID.String()+"/batches", map[string]string{"kind": "hologram"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", rec.Code)
	}
}

func TestBatchStatusReportsProgress(t *testing.T) {
	fx := newFixture(t, RouterConfig{}, nil)
	st := fx.createStory(t)

	rec := fx.do(t, "POST", "/v1/stories/"+st.ID.String()+"/batches", models.CreateBatchRequest{Kind: models.JobKindImage})
	var created models.CreateBatchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	fx.runs.ApplyProgress(created.BatchID, models.Progress{Completed: 1, Total: created.Jobs})

	rec = fx.do(t, "GET", "/v1/stories/"+st.ID.String()+"/batches/"+created.BatchID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var status models.BatchStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Completed != 1 || status.Percent != 100/created.Jobs {
		t.Errorf("unexpected status: %+v", status)
	}

	// A batch from another story must not be visible under this one.
	if rec := fx.do(t, "GET", "/v1/stories/"+uuid.NewString()+"/batches/"+created.BatchID.String(), nil); rec.Code != http.StatusNotFound {
		t.Errorf("cross-story batch lookup: status %d, want 404", rec.Code)
	}
}

func TestCreateExportValidation(t *testing.T) {
	fx := newFixture(t, RouterConfig{}, nil)
	st := fx.createStory(t)
	shots := st.Scenes[0].Shots

	base := "/v1/stories/" + st.ID.String() + "/exports"

	// Shot has no video clip yet.
	req := models.CreateExportRequest{Segments: []models.ExportSegmentRequest{{ShotID: shots[0].ID}}}
	if rec := fx.do(t, "POST", base, req); rec.Code != http.StatusBadRequest {
		t.Errorf("export without video: status %d, want 400", rec.Code)
	}

	if _, err := fx.stories.SetShotAsset(st.ID, shots[0].ID, models.JobKindVideo, "shots/a.mp4"); err != nil {
		t.Fatal(err)
	}

	for _, bad := range []models.CreateExportRequest{
		{},
		{Segments: req.Segments, Quality: "ultra"},
		{Segments: req.Segments, Resolution: "widescreen"},
	} {
		if rec := fx.do(t, "POST", base, bad); rec.Code != http.StatusBadRequest {
			t.Errorf("bad request %+v: status %d, want 400", bad, rec.Code)
		}
	}
	if len(fx.queue.exports) != 0 {
		t.Fatal("rejected exports must not be enqueued")
	}

	req.Quality = "high"
	req.Resolution = "1080x1920"
	rec := fx.do(t, "POST", base, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create export: status %d: %s", rec.Code, rec.Body.String())
	}
	var resp models.CreateExportResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != models.ExportStatusQueued {
		t.Errorf("status = %s, want queued", resp.Status)
	}
	if len(fx.queue.exports) != 1 || fx.queue.exports[0] != resp.ExportID {
		t.Errorf("export not enqueued: %v", fx.queue.exports)
	}

	status := fx.do(t, "GET", base+"/"+resp.ExportID.String(), nil)
	if status.Code != http.StatusOK {
		t.Fatalf("export status: %d", status.Code)
	}
	var got models.ExportStatusResponse
	if err := json.Unmarshal(status.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ExportID != resp.ExportID || got.Status != models.ExportStatusQueued {
		t.Errorf("unexpected export status: %+v", got)
	}
}

func TestListCatalog(t *testing.T) {
	client := &fakeCatalogClient{items: map[string][]models.CatalogItem{
		"voices": {{ID: "v1", DisplayName: "Calm narrator", Kind: "voice"}},
	}}
	fx := newFixture(t, RouterConfig{}, client)

	rec := fx.do(t, "GET", "/v1/catalog/voices", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp models.CatalogResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Category != "voices" || len(resp.Items) != 1 || resp.Stale {
		t.Errorf("unexpected catalog response: %+v", resp)
	}
}

func TestListCatalogUpstreamFailure(t *testing.T) {
	fx := newFixture(t, RouterConfig{}, &fakeCatalogClient{err: errors.New("upstream down")})
	if rec := fx.do(t, "GET", "/v1/catalog/models", nil); rec.Code != http.StatusBadGateway {
		t.Errorf("status %d, want 502", rec.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	fx := newFixture(t, RouterConfig{BackendAPIKey: "secret"}, nil)

	// Health stays public.
	if rec := fx.do(t, "GET", "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("health: status %d", rec.Code)
	}

	path := "/v1/stories/" + uuid.NewString()

	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("GET", path, nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("wrong key: status %d, want 403", rec.Code)
	}

	// With the right key the request reaches the handler (404: no such story).
	for _, set := range []func(*http.Request){
		func(r *http.Request) { r.Header.Set("X-API-Key", "secret") },
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret") },
	} {
		req = httptest.NewRequest("GET", path, nil)
		set(req)
		rec = httptest.NewRecorder()
		fx.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("valid key: status %d, want 404", rec.Code)
		}
	}
}
