package knowledge

import (
	"context"
	"path/filepath"
	"testing"
)

func newBleveStore(t *testing.T) *BleveStore {
	t.Helper()
	store, err := NewBleveStore(filepath.Join(t.TempDir(), "learnings.bleve"))
	if err != nil {
		t.Fatalf("new bleve store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBleveSaveRetrieveRoundTrip(t *testing.T) {
	store := newBleveStore(t)
	ctx := context.Background()

	saved := Learning{
		Type:       TypeErrorResolution,
		Category:   "build",
		Tags:       []string{"go", "modules"},
		Content:    "go mod tidy resolves missing module errors",
		Confidence: 0.8,
		Provenance: Provenance{AgentID: "a1", Outcome: "completed"},
	}
	if err := store.Save(ctx, saved); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Retrieve(ctx, Filter{Categories: []string{"build"}})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 learning, got %d", len(got))
	}
	if got[0].Content != saved.Content || got[0].Type != TypeErrorResolution {
		t.Errorf("fields lost: %+v", got[0])
	}
	if got[0].Provenance.AgentID != "a1" {
		t.Errorf("provenance lost: %+v", got[0].Provenance)
	}
	if len(got[0].Tags) != 2 {
		t.Errorf("tags lost: %v", got[0].Tags)
	}
}

func TestBleveRelevanceRanking(t *testing.T) {
	store := newBleveStore(t)
	ctx := context.Background()

	for _, l := range []Learning{
		{Category: "parsing", Content: "recursive descent parsers need explicit error recovery", Confidence: 0.9},
		{Category: "deploy", Content: "kubernetes rollouts require readiness probes", Confidence: 0.9},
	} {
		if err := store.Save(ctx, l); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := store.RetrieveRelevant(ctx, "fix the parser error recovery", []string{"parsing"})
	if err != nil {
		t.Fatalf("retrieve relevant: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected at least one relevant learning")
	}
	if got[0].Category != "parsing" {
		t.Errorf("best match should be the parsing learning, got %q", got[0].Category)
	}
}

func TestBleveStatsDeleteClear(t *testing.T) {
	store := newBleveStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, Learning{ID: "fixed", Type: TypeToolUsage, Category: "files", Content: "read before write"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	stats, err := store.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 || stats.ByType[TypeToolUsage] != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	if err := store.Delete(ctx, "fixed"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "fixed"); err == nil {
		t.Error("deleting a missing learning should fail")
	}

	if err := store.Save(ctx, Learning{Content: "x"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	stats, err = store.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("clear left %d learnings", stats.Total)
	}
}
