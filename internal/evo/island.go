package evo

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"rnnevo/internal/genotype"
	"rnnevo/internal/model"
	"rnnevo/internal/storage"
)

// Rejected is returned by Island.Insert when the genome was not kept.
const Rejected = -1

var ErrIslandEmpty = errors.New("island is empty")

// Island is a bounded population ordered by ascending fitness. Members are
// deep copies owned by the island; at most one member exists per distinct
// enabled topology.
type Island struct {
	mu sync.Mutex

	id      int
	maxSize int
	status  model.IslandStatus

	genomes   []*model.Genome
	structure map[string][]*model.Genome

	latestGenerationID int32
	erasedGenerationID int32
	erased             bool
}

func NewIsland(id, maxSize int) (*Island, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("island %d: max size must be > 0, got %d", id, maxSize)
	}
	return &Island{
		id:                 id,
		maxSize:            maxSize,
		status:             model.IslandInitializing,
		structure:          map[string][]*model.Genome{},
		latestGenerationID: -1,
		erasedGenerationID: -1,
	}, nil
}

// RestoreIsland rebuilds a filled island from already evaluated genomes.
func RestoreIsland(id int, genomes []*model.Genome) (*Island, error) {
	island, err := NewIsland(id, len(genomes))
	if err != nil {
		return nil, err
	}
	for _, g := range genomes {
		if _, err := island.Insert(g); err != nil {
			return nil, err
		}
	}
	island.status = model.IslandFilled
	return island, nil
}

func (i *Island) ID() int      { return i.id }
func (i *Island) MaxSize() int { return i.maxSize }

// Insert offers a copy of g to the island and returns the index it landed
// at, or Rejected. The returned error is only ever an invariant violation.
func (i *Island) Insert(g *model.Genome) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if g.GenerationID <= i.erasedGenerationID {
		return Rejected, nil
	}
	if g.GenerationID > i.latestGenerationID {
		i.latestGenerationID = g.GenerationID
	}

	fitness := g.Fitness()
	if i.full() && fitness >= i.worstFitness() {
		return Rejected, nil
	}

	// Evicting duplicates never changes whether g becomes the best member,
	// so the weights are materialized before the island is touched.
	member := genotype.Clone(g)
	if len(i.genomes) == 0 || i.genomes[0].Fitness() > fitness {
		if fitness != model.MaxFitness && len(member.BestParameters) > 0 {
			if err := genotype.SetWeights(member, member.BestParameters); err != nil {
				return Rejected, err
			}
		}
	}

	hash := genotype.StructuralHash(g)
	bucket := i.structure[hash]
	for pos := 0; pos < len(bucket); {
		match := bucket[pos]
		if !genotype.Equals(match, g) {
			pos++
			continue
		}
		if match.Fitness() <= fitness {
			return Rejected, nil
		}
		if err := i.removeMember(match); err != nil {
			return Rejected, err
		}
		bucket = append(bucket[:pos], bucket[pos+1:]...)
	}
	if len(bucket) == 0 {
		delete(i.structure, hash)
	} else {
		i.structure[hash] = bucket
	}

	index := sort.Search(len(i.genomes), func(k int) bool {
		return i.genomes[k].Fitness() > fitness
	})
	i.genomes = append(i.genomes, nil)
	copy(i.genomes[index+1:], i.genomes[index:])
	i.genomes[index] = member
	i.structure[hash] = append(i.structure[hash], member)

	if len(i.genomes) >= i.maxSize {
		i.status = model.IslandFilled
	}
	if len(i.genomes) > i.maxSize {
		worst := i.genomes[len(i.genomes)-1]
		i.genomes = i.genomes[:len(i.genomes)-1]
		i.dropFromStructure(worst)
	}

	if index >= i.maxSize {
		return Rejected, nil
	}
	return index, nil
}

func (i *Island) removeMember(g *model.Genome) error {
	for k, member := range i.genomes {
		if member == g {
			i.genomes = append(i.genomes[:k], i.genomes[k+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: island %d hash bucket holds genome %s missing from the population", genotype.ErrInvariant, i.id, g.ID)
}

func (i *Island) dropFromStructure(g *model.Genome) {
	hash := genotype.StructuralHash(g)
	bucket := i.structure[hash]
	for k, member := range bucket {
		if member == g {
			bucket = append(bucket[:k], bucket[k+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(i.structure, hash)
		return
	}
	i.structure[hash] = bucket
}

// EraseIsland drops every member and refuses any later genome whose
// generation id is at or below the newest one seen so far.
func (i *Island) EraseIsland() {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.erasedGenerationID = i.latestGenerationID
	i.genomes = nil
	i.structure = map[string][]*model.Genome{}
	i.erased = true
	i.status = model.IslandRepopulating
}

func (i *Island) full() bool { return len(i.genomes) >= i.maxSize }

func (i *Island) worstFitness() float64 {
	if len(i.genomes) == 0 {
		return model.MaxFitness
	}
	return i.genomes[len(i.genomes)-1].Fitness()
}

func (i *Island) BestGenome() *model.Genome {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.genomes) == 0 {
		return nil
	}
	return i.genomes[0]
}

func (i *Island) WorstGenome() *model.Genome {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.genomes) == 0 {
		return nil
	}
	return i.genomes[len(i.genomes)-1]
}

func (i *Island) BestFitness() float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.genomes) == 0 {
		return model.MaxFitness
	}
	return i.genomes[0].Fitness()
}

func (i *Island) WorstFitness() float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.worstFitness()
}

func (i *Island) Size() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.genomes)
}

func (i *Island) IsFull() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.full()
}

func (i *Island) IsInitializing() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status == model.IslandInitializing
}

func (i *Island) IsRepopulating() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status == model.IslandRepopulating
}

func (i *Island) Status() model.IslandStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

func (i *Island) SetStatus(status model.IslandStatus) error {
	switch status {
	case model.IslandInitializing, model.IslandFilled, model.IslandRepopulating:
	default:
		return fmt.Errorf("unknown island status: %d", status)
	}
	i.mu.Lock()
	i.status = status
	i.mu.Unlock()
	return nil
}

// Contains returns the index of a structurally equal member, or -1. It scans
// the population rather than the hash buckets.
func (i *Island) Contains(g *model.Genome) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	for k, member := range i.genomes {
		if genotype.Equals(member, g) {
			return k
		}
	}
	return -1
}

// Genomes returns the members in fitness order. The genomes themselves are
// shared with the island and must not be modified.
func (i *Island) Genomes() []*model.Genome {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]*model.Genome(nil), i.genomes...)
}

func (i *Island) CopyRandomGenome(rng *rand.Rand) (*model.Genome, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.genomes) == 0 {
		return nil, ErrIslandEmpty
	}
	return genotype.CloneFresh(i.genomes[rng.Intn(len(i.genomes))])
}

// CopyTwoRandomGenomes returns copies of two distinct members, the fitter one
// first.
func (i *Island) CopyTwoRandomGenomes(rng *rand.Rand) (*model.Genome, *model.Genome, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.genomes) < 2 {
		return nil, nil, fmt.Errorf("island %d: need two genomes, have %d", i.id, len(i.genomes))
	}
	p1 := rng.Intn(len(i.genomes))
	p2 := rng.Intn(len(i.genomes) - 1)
	if p2 >= p1 {
		p2++
	}
	if p1 > p2 {
		p1, p2 = p2, p1
	}
	first, err := genotype.CloneFresh(i.genomes[p1])
	if err != nil {
		return nil, nil, err
	}
	second, err := genotype.CloneFresh(i.genomes[p2])
	if err != nil {
		return nil, nil, err
	}
	return first, second, nil
}

func (i *Island) SetLatestGenerationID(id int32) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.latestGenerationID = id
}

func (i *Island) ErasedGenerationID() int32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.erasedGenerationID
}

func (i *Island) BeenErased() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.erased
}

func (i *Island) Snapshot() model.IslandSnapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	snap := model.IslandSnapshot{
		VersionedRecord: model.VersionedRecord{
			SchemaVersion: storage.CurrentSchemaVersion,
			CodecVersion:  storage.CurrentCodecVersion,
		},
		ID:                 i.id,
		MaxSize:            i.maxSize,
		Status:             i.status,
		LatestGenerationID: i.latestGenerationID,
		ErasedGenerationID: i.erasedGenerationID,
		Erased:             i.erased,
		GenomeIDs:          make([]string, 0, len(i.genomes)),
		Fitness:            make([]float64, 0, len(i.genomes)),
	}
	for _, g := range i.genomes {
		snap.GenomeIDs = append(snap.GenomeIDs, g.ID)
		snap.Fitness = append(snap.Fitness, g.Fitness())
	}
	return snap
}
