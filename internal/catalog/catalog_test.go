package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/storyloom/server/internal/models"
)

// fakeClient serves scripted pages and can be flipped into a failing state.
type fakeClient struct {
	pages   map[string][]models.CatalogItem // cursor -> items ("" is the first page)
	cursors map[string]string               // cursor -> next cursor
	fail    bool
	calls   int
}

func (f *fakeClient) List(_ context.Context, category, cursor string) ([]models.CatalogItem, string, error) {
	f.calls++
	if f.fail {
		return nil, "", errors.New("upstream unavailable")
	}
	return f.pages[cursor], f.cursors[cursor], nil
}

func voices(ids ...string) []models.CatalogItem {
	items := make([]models.CatalogItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, models.CatalogItem{ID: id, DisplayName: id, Kind: "voice"})
	}
	return items
}

func TestListAllFollowsCursors(t *testing.T) {
	client := &fakeClient{
		pages: map[string][]models.CatalogItem{
			"":   voices("alloy", "briar"),
			"p2": voices("cove"),
		},
		cursors: map[string]string{"": "p2"},
	}
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc := NewService(client, func() time.Time { return now }, time.Minute)

	items, stale, err := svc.ListAll(context.Background(), "voices")
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if stale {
		t.Error("fresh fetch should not be stale")
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	if items[2].ID != "cove" {
		t.Errorf("page order lost, last item = %q", items[2].ID)
	}
}

func TestListAllUsesCache(t *testing.T) {
	client := &fakeClient{pages: map[string][]models.CatalogItem{"": voices("alloy")}, cursors: map[string]string{}}
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc := NewService(client, func() time.Time { return now }, time.Minute)

	ctx := context.Background()
	if _, _, err := svc.ListAll(ctx, "voices"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.ListAll(ctx, "voices"); err != nil {
		t.Fatal(err)
	}

	if client.calls != 1 {
		t.Errorf("expected 1 upstream call, got %d", client.calls)
	}
}

func TestStaleServedOnFetchFailure(t *testing.T) {
	client := &fakeClient{pages: map[string][]models.CatalogItem{"": voices("alloy")}, cursors: map[string]string{}}
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc := NewService(client, clock, time.Minute)

	ctx := context.Background()
	if _, _, err := svc.ListAll(ctx, "voices"); err != nil {
		t.Fatal(err)
	}

	// TTL elapses, then the upstream starts failing.
	now = now.Add(2 * time.Minute)
	client.fail = true

	items, stale, err := svc.ListAll(ctx, "voices")
	if err != nil {
		t.Fatalf("stale serve should not error: %v", err)
	}
	if !stale {
		t.Error("result should carry the staleness marker")
	}
	if len(items) != 1 || items[0].ID != "alloy" {
		t.Errorf("stale result mismatch: %+v", items)
	}
}

func TestFailureWithoutFallbackPropagates(t *testing.T) {
	client := &fakeClient{fail: true}
	svc := NewService(client, nil, time.Minute)

	if _, _, err := svc.ListAll(context.Background(), "models"); err == nil {
		t.Fatal("expected error when no cached copy exists")
	}
}
