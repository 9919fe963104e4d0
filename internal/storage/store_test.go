package storage

import (
	"context"
	"reflect"
	"testing"

	"rnnevo/internal/model"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"badger": NewBadgerStore(""),
	}
	for name, store := range stores {
		if err := store.Init(ctx); err != nil {
			t.Fatalf("%s init: %v", name, err)
		}
		store := store
		t.Cleanup(func() {
			_ = CloseIfSupported(store)
		})
	}
	return stores
}

func TestStoresGenomeRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		genome := sampleGenome()
		if err := store.SaveGenome(ctx, genome); err != nil {
			t.Fatalf("%s save genome: %v", name, err)
		}
		second := sampleGenome()
		second.ID = "a-0"
		if err := store.SaveGenome(ctx, second); err != nil {
			t.Fatalf("%s save genome: %v", name, err)
		}

		loaded, ok, err := store.GetGenome(ctx, genome.ID)
		if err != nil || !ok {
			t.Fatalf("%s get genome: ok=%t err=%v", name, ok, err)
		}
		if !reflect.DeepEqual(genome, loaded) {
			t.Fatalf("%s genome mismatch", name)
		}

		loaded.Nodes[1].Weights[0] = 42
		again, _, err := store.GetGenome(ctx, genome.ID)
		if err != nil {
			t.Fatalf("%s get genome: %v", name, err)
		}
		if again.Nodes[1].Weights[0] == 42 {
			t.Fatalf("%s returned shared genome state", name)
		}

		ids, err := store.ListGenomeIDs(ctx)
		if err != nil {
			t.Fatalf("%s list ids: %v", name, err)
		}
		if !reflect.DeepEqual(ids, []string{"a-0", "g-1"}) {
			t.Fatalf("%s ids got %v", name, ids)
		}

		if _, ok, err := store.GetGenome(ctx, "missing"); ok || err != nil {
			t.Fatalf("%s missing genome: ok=%t err=%v", name, ok, err)
		}
	}
}

func TestStoresIslandHistoryLineageRoundTrip(t *testing.T) {
	ctx := context.Background()
	versioned := model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
	for name, store := range openStores(t) {
		snapshot := model.IslandSnapshot{
			VersionedRecord:    versioned,
			ID:                 2,
			MaxSize:            4,
			Status:             model.IslandFilled,
			LatestGenerationID: 9,
			ErasedGenerationID: -1,
			GenomeIDs:          []string{"g-1", "g-2"},
			Fitness:            []float64{0.5, 0.75},
		}
		if err := store.SaveIsland(ctx, snapshot); err != nil {
			t.Fatalf("%s save island: %v", name, err)
		}
		island, ok, err := store.GetIsland(ctx, 2)
		if err != nil || !ok {
			t.Fatalf("%s get island: ok=%t err=%v", name, ok, err)
		}
		if !reflect.DeepEqual(island, snapshot) {
			t.Fatalf("%s island got %+v", name, island)
		}
		if _, ok, _ := store.GetIsland(ctx, 5); ok {
			t.Fatalf("%s found unsaved island", name)
		}

		history := []model.IterationRecord{
			{Iteration: 0, TrainingMSE: 1, ValidationMSE: 0.9, BestValidation: 0.9, LearningRate: 0.001},
			{Iteration: 1, TrainingMSE: 0.8, ValidationMSE: 0.7, BestValidation: 0.7, LearningRate: 0.0011, RolledBack: true, NormAdjustment: "high"},
		}
		if err := store.SaveTrainingHistory(ctx, "g-1", history); err != nil {
			t.Fatalf("%s save history: %v", name, err)
		}
		gotHistory, ok, err := store.GetTrainingHistory(ctx, "g-1")
		if err != nil || !ok {
			t.Fatalf("%s get history: ok=%t err=%v", name, ok, err)
		}
		if !reflect.DeepEqual(gotHistory, history) {
			t.Fatalf("%s history got %+v", name, gotHistory)
		}

		lineage := []model.LineageRecord{{
			VersionedRecord: versioned,
			GenomeID:        "g-2",
			ParentID:        "g-1",
			GenerationID:    3,
			Operations:      map[string]int{"add_edge": 1},
			Hash:            "abc",
			Fitness:         0.75,
			Inserted:        1,
		}}
		if err := store.SaveLineage(ctx, "run-1", lineage); err != nil {
			t.Fatalf("%s save lineage: %v", name, err)
		}
		gotLineage, ok, err := store.GetLineage(ctx, "run-1")
		if err != nil || !ok {
			t.Fatalf("%s get lineage: ok=%t err=%v", name, ok, err)
		}
		if !reflect.DeepEqual(gotLineage, lineage) {
			t.Fatalf("%s lineage got %+v", name, gotLineage)
		}
	}
}

func TestStoresRequireInit(t *testing.T) {
	ctx := context.Background()
	for name, store := range map[string]Store{"memory": NewMemoryStore(), "badger": NewBadgerStore("")} {
		if err := store.SaveGenome(ctx, sampleGenome()); err == nil {
			t.Fatalf("%s: expected error before init", name)
		}
	}
}

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store := NewBadgerStore(dir)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := store.SaveGenome(ctx, sampleGenome()); err != nil {
		t.Fatalf("save genome: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := NewBadgerStore(dir)
	if err := reopened.Init(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, ok, err := reopened.GetGenome(ctx, "g-1"); err != nil || !ok {
		t.Fatalf("get genome after reopen: ok=%t err=%v", ok, err)
	}
}

func TestNewStoreSelectsBackend(t *testing.T) {
	for _, kind := range []string{"", "memory", "badger"} {
		store, err := NewStore(kind, "")
		if err != nil {
			t.Fatalf("%q: %v", kind, err)
		}
		if store == nil {
			t.Fatalf("%q: nil store", kind)
		}
	}
	if _, err := NewStore("postgres", ""); err == nil {
		t.Fatal("expected unsupported backend error")
	}
}
