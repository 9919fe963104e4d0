package storage

import (
	"context"

	"rnnevo/internal/model"
)

// Store persists genomes, island snapshots, training histories and lineage.
// Get methods report a missing record with ok=false and a nil error.
type Store interface {
	Init(ctx context.Context) error
	SaveGenome(ctx context.Context, genome *model.Genome) error
	GetGenome(ctx context.Context, id string) (*model.Genome, bool, error)
	ListGenomeIDs(ctx context.Context) ([]string, error)
	SaveIsland(ctx context.Context, snapshot model.IslandSnapshot) error
	GetIsland(ctx context.Context, id int) (model.IslandSnapshot, bool, error)
	SaveTrainingHistory(ctx context.Context, genomeID string, history []model.IterationRecord) error
	GetTrainingHistory(ctx context.Context, genomeID string) ([]model.IterationRecord, bool, error)
	SaveLineage(ctx context.Context, runID string, lineage []model.LineageRecord) error
	GetLineage(ctx context.Context, runID string) ([]model.LineageRecord, bool, error)
}
