package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"rnnevo/internal/model"
)

const (
	genomePrefix  = "genome/"
	islandPrefix  = "island/"
	historyPrefix = "history/"
	lineagePrefix = "lineage/"
)

// BadgerStore keeps records in an embedded key-value store. An empty path
// opens an in-memory database.
type BadgerStore struct {
	path string

	mu sync.RWMutex
	db *badger.DB
}

func NewBadgerStore(path string) *BadgerStore {
	return &BadgerStore{path: path}
}

func (s *BadgerStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}
	opts := badger.DefaultOptions(s.path).WithLogger(nil)
	if s.path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("open badger store: %w", err)
	}
	s.db = db
	return nil
}

func (s *BadgerStore) SaveGenome(_ context.Context, genome *model.Genome) error {
	payload, err := EncodeGenome(genome)
	if err != nil {
		return err
	}
	return s.put(genomePrefix+genome.ID, payload)
}

func (s *BadgerStore) GetGenome(_ context.Context, id string) (*model.Genome, bool, error) {
	payload, ok, err := s.get(genomePrefix + id)
	if err != nil || !ok {
		return nil, false, err
	}
	genome, err := DecodeGenome(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode genome %s: %w", id, err)
	}
	return genome, true, nil
}

// ListGenomeIDs returns ids in key order, which is lexical.
func (s *BadgerStore) ListGenomeIDs(_ context.Context) ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var ids []string
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(genomePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), genomePrefix))
		}
		return nil
	})
	return ids, err
}

func (s *BadgerStore) SaveIsland(_ context.Context, snapshot model.IslandSnapshot) error {
	payload, err := EncodeIsland(snapshot)
	if err != nil {
		return err
	}
	return s.put(islandPrefix+strconv.Itoa(snapshot.ID), payload)
}

func (s *BadgerStore) GetIsland(_ context.Context, id int) (model.IslandSnapshot, bool, error) {
	payload, ok, err := s.get(islandPrefix + strconv.Itoa(id))
	if err != nil || !ok {
		return model.IslandSnapshot{}, false, err
	}
	snapshot, err := DecodeIsland(payload)
	if err != nil {
		return model.IslandSnapshot{}, false, fmt.Errorf("decode island %d: %w", id, err)
	}
	return snapshot, true, nil
}

func (s *BadgerStore) SaveTrainingHistory(_ context.Context, genomeID string, history []model.IterationRecord) error {
	payload, err := EncodeTrainingHistory(history)
	if err != nil {
		return err
	}
	return s.put(historyPrefix+genomeID, payload)
}

func (s *BadgerStore) GetTrainingHistory(_ context.Context, genomeID string) ([]model.IterationRecord, bool, error) {
	payload, ok, err := s.get(historyPrefix + genomeID)
	if err != nil || !ok {
		return nil, false, err
	}
	history, err := DecodeTrainingHistory(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode history %s: %w", genomeID, err)
	}
	return history, true, nil
}

func (s *BadgerStore) SaveLineage(_ context.Context, runID string, lineage []model.LineageRecord) error {
	payload, err := EncodeLineage(lineage)
	if err != nil {
		return err
	}
	return s.put(lineagePrefix+runID, payload)
}

func (s *BadgerStore) GetLineage(_ context.Context, runID string) ([]model.LineageRecord, bool, error) {
	payload, ok, err := s.get(lineagePrefix + runID)
	if err != nil || !ok {
		return nil, false, err
	}
	lineage, err := DecodeLineage(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode lineage %s: %w", runID, err)
	}
	return lineage, true, nil
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *BadgerStore) put(key string, payload []byte) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), payload)
	})
}

func (s *BadgerStore) get(key string) ([]byte, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}

	var payload []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (s *BadgerStore) getDB() (*badger.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db, nil
}
