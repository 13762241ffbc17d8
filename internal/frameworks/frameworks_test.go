package frameworks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"growthscript/internal/queue"
	"growthscript/internal/storage"
)

type fakeQueue struct {
	jobs []queue.EmbeddingJob
}

func (f *fakeQueue) Enqueue(_ context.Context, job queue.EmbeddingJob) (string, error) {
	f.jobs = append(f.jobs, job)
	return "1-0", nil
}

func newTestService(t *testing.T) (*Service, *storage.Store, *fakeQueue) {
	t.Helper()
	store, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "fw.db"), true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	q := &fakeQueue{}
	return New(Config{Store: store, Queue: q, Logger: zerolog.Nop()}), store, q
}

func rawItems(t *testing.T, n int) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, 0, n)
	for i := 0; i < n; i++ {
		raw, err := json.Marshal(map[string]any{
			"title":    fmt.Sprintf("Framework %03d", i),
			"category": "growth",
			"tags":     []string{"a", "b"},
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		out = append(out, raw)
	}
	return out
}

func TestSeedInsertsInBatches(t *testing.T) {
	svc, store, q := newTestService(t)
	ctx := context.Background()

	res, err := svc.Seed(ctx, SeedRequest{Frameworks: rawItems(t, 120)})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !res.Success || res.InsertedCount != 120 || res.TotalProvided != 120 || len(res.Errors) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Message != "Successfully seeded 120 frameworks" {
		t.Fatalf("unexpected message %q", res.Message)
	}
	if len(q.jobs) != 120 || q.jobs[0].Kind != queue.KindFramework {
		t.Fatalf("expected a framework job per row, got %d", len(q.jobs))
	}

	all, err := store.ListFrameworks(ctx)
	if err != nil || len(all) != 120 {
		t.Fatalf("expected 120 rows, got %d (%v)", len(all), err)
	}
	if all[0].Title != "Framework 000" || len(all[0].Tags) != 2 {
		t.Fatalf("unexpected first row %+v", all[0])
	}

	res, err = svc.Seed(ctx, SeedRequest{Frameworks: rawItems(t, 3), ClearExisting: true})
	if err != nil || res.InsertedCount != 3 {
		t.Fatalf("reseed: %+v %v", res, err)
	}
	all, _ = store.ListFrameworks(ctx)
	if len(all) != 3 {
		t.Fatalf("clear_existing must replace the catalog, got %d rows", len(all))
	}
}

func TestSeedValidatesTitles(t *testing.T) {
	svc, store, q := newTestService(t)
	ctx := context.Background()

	items := rawItems(t, 2)
	items = append(items, json.RawMessage(`{"title": 7}`))
	_, err := svc.Seed(ctx, SeedRequest{Frameworks: items})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Index != 2 {
		t.Fatalf("expected validation error at index 2, got %v", err)
	}
	if _, err := svc.Seed(ctx, SeedRequest{Frameworks: []json.RawMessage{json.RawMessage(`{"summary":"x"}`)}}); !errors.As(err, &ve) || ve.Index != 0 {
		t.Fatalf("expected missing title error, got %v", err)
	}
	if _, err := svc.Seed(ctx, SeedRequest{}); !errors.Is(err, ErrNoFrameworks) {
		t.Fatalf("expected ErrNoFrameworks, got %v", err)
	}
	all, _ := store.ListFrameworks(ctx)
	if len(all) != 0 || len(q.jobs) != 0 {
		t.Fatalf("invalid seed must not write, got %d rows %d jobs", len(all), len(q.jobs))
	}
}

func TestRemoveDuplicatesKeepsOldest(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	fws, err := store.InsertFrameworks(ctx, []storage.Framework{{Title: "AIDA"}, {Title: "PAS"}})
	if err != nil {
		t.Fatalf("insert frameworks: %v", err)
	}
	var oldest []string
	for _, f := range fws {
		for i := 0; i < 3; i++ {
			id, err := store.InsertFrameworkEmbedding(ctx, f.ID, []float32{float32(i)})
			if err != nil {
				t.Fatalf("insert embedding: %v", err)
			}
			if i == 0 {
				oldest = append(oldest, id)
			}
			time.Sleep(2 * time.Millisecond)
		}
	}
	if _, err := store.InsertFrameworkEmbedding(ctx, "", []float32{1}); err != nil {
		t.Fatalf("insert null embedding: %v", err)
	}

	res, err := svc.RemoveDuplicates(ctx)
	if err != nil {
		t.Fatalf("dedupe: %v", err)
	}
	if res.RemovedCount != 5 || res.UniqueFrameworks != 2 {
		t.Fatalf("unexpected result %+v", res)
	}

	left, _ := store.ListFrameworkEmbeddings(ctx)
	if len(left) != 2 {
		t.Fatalf("expected 2 embeddings left, got %d", len(left))
	}
	for i, e := range left {
		if e.ID != oldest[0] && e.ID != oldest[1] {
			t.Fatalf("row %d: expected an oldest embedding to survive, got %s", i, e.ID)
		}
	}

	res, err = svc.RemoveDuplicates(ctx)
	if err != nil || res.RemovedCount != 0 || res.UniqueFrameworks != 2 {
		t.Fatalf("second dedupe should be a no-op, got %+v %v", res, err)
	}
}

func TestRemoveOrphans(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	if res, err := svc.RemoveOrphans(ctx); err != nil || res.RemovedCount != 0 || res.Message != "No embeddings found" {
		t.Fatalf("unexpected empty result %+v %v", res, err)
	}

	fws, _ := store.InsertFrameworks(ctx, []storage.Framework{{Title: "AIDA"}})
	_, _ = store.InsertFrameworkEmbedding(ctx, fws[0].ID, []float32{1})
	_, _ = store.InsertFrameworkEmbedding(ctx, "gone-1", []float32{1})
	_, _ = store.InsertFrameworkEmbedding(ctx, "gone-1", []float32{2})
	_, _ = store.InsertFrameworkEmbedding(ctx, "", []float32{3})

	res, err := svc.RemoveOrphans(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if res.RemovedCount != 3 || len(res.OrphanedFrameworkIDs) != 1 || res.OrphanedFrameworkIDs[0] != "gone-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	left, _ := store.ListFrameworkEmbeddings(ctx)
	if len(left) != 1 || left[0].FrameworkID != fws[0].ID {
		t.Fatalf("unexpected remaining embeddings %+v", left)
	}
}

func TestFind(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	_, _ = store.InsertFrameworks(ctx, []storage.Framework{
		{Title: "PAS", Summary: "Problem agitate solve", Category: "copywriting"},
		{Title: "AIDA", Summary: "Attention interest desire action", Category: "copywriting"},
		{Title: "Pirate Metrics", Summary: "AARRR funnel", Category: "growth"},
	})

	all, _ := svc.Find(ctx, "", "")
	if len(all) != 3 || all[0].Title != "AIDA" {
		t.Fatalf("expected title ordering, got %+v", all)
	}
	hits, _ := svc.Find(ctx, "AGITATE", "")
	if len(hits) != 1 || hits[0].Title != "PAS" {
		t.Fatalf("unexpected search hits %+v", hits)
	}
	growth, _ := svc.Find(ctx, "", "growth")
	if len(growth) != 1 || growth[0].Title != "Pirate Metrics" {
		t.Fatalf("unexpected category hits %+v", growth)
	}
}
