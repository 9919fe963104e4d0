package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"rnnevo/internal/model"
)

var errNotInitialized = errors.New("store is not initialized")

// MemoryStore keeps encoded records in maps. Genomes are held in their
// binary form, so callers never share state with what was saved.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	genomes     map[string][]byte
	islands     map[int]model.IslandSnapshot
	history     map[string][]model.IterationRecord
	lineage     map[string][]model.LineageRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.genomes = make(map[string][]byte)
	s.islands = make(map[int]model.IslandSnapshot)
	s.history = make(map[string][]model.IterationRecord)
	s.lineage = make(map[string][]model.LineageRecord)
	return nil
}

func (s *MemoryStore) SaveGenome(_ context.Context, genome *model.Genome) error {
	payload, err := EncodeGenome(genome)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}
	s.genomes[genome.ID] = payload
	return nil
}

func (s *MemoryStore) GetGenome(_ context.Context, id string) (*model.Genome, bool, error) {
	s.mu.RLock()
	payload, ok := s.genomes[id]
	s.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	genome, err := DecodeGenome(payload)
	if err != nil {
		return nil, false, err
	}
	return genome, true, nil
}

func (s *MemoryStore) ListGenomeIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.genomes))
	for id := range s.genomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) SaveIsland(_ context.Context, snapshot model.IslandSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}

	snapshot.GenomeIDs = append([]string(nil), snapshot.GenomeIDs...)
	snapshot.Fitness = append([]float64(nil), snapshot.Fitness...)
	s.islands[snapshot.ID] = snapshot
	return nil
}

func (s *MemoryStore) GetIsland(_ context.Context, id int) (model.IslandSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.islands[id]
	if !ok {
		return model.IslandSnapshot{}, false, nil
	}
	snapshot.GenomeIDs = append([]string(nil), snapshot.GenomeIDs...)
	snapshot.Fitness = append([]float64(nil), snapshot.Fitness...)
	return snapshot, true, nil
}

func (s *MemoryStore) SaveTrainingHistory(_ context.Context, genomeID string, history []model.IterationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}

	s.history[genomeID] = append([]model.IterationRecord(nil), history...)
	return nil
}

func (s *MemoryStore) GetTrainingHistory(_ context.Context, genomeID string) ([]model.IterationRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.history[genomeID]
	if !ok {
		return nil, false, nil
	}
	return append([]model.IterationRecord(nil), history...), true, nil
}

func (s *MemoryStore) SaveLineage(_ context.Context, runID string, lineage []model.LineageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}

	s.lineage[runID] = cloneLineage(lineage)
	return nil
}

func (s *MemoryStore) GetLineage(_ context.Context, runID string) ([]model.LineageRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lineage, ok := s.lineage[runID]
	if !ok {
		return nil, false, nil
	}
	return cloneLineage(lineage), true, nil
}

func cloneLineage(in []model.LineageRecord) []model.LineageRecord {
	out := make([]model.LineageRecord, len(in))
	for i, record := range in {
		out[i] = record
		if record.Operations != nil {
			out[i].Operations = make(map[string]int, len(record.Operations))
			for name, count := range record.Operations {
				out[i].Operations[name] = count
			}
		}
	}
	return out
}
