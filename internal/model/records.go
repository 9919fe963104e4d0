package model

type IslandStatus uint8

const (
	IslandInitializing IslandStatus = iota
	IslandFilled
	IslandRepopulating
)

func (s IslandStatus) String() string {
	switch s {
	case IslandInitializing:
		return "initializing"
	case IslandFilled:
		return "filled"
	case IslandRepopulating:
		return "repopulating"
	default:
		return "unknown"
	}
}

// IslandSnapshot is the persisted view of an island: member ids best first.
type IslandSnapshot struct {
	VersionedRecord
	ID                 int          `json:"id"`
	MaxSize            int          `json:"max_size"`
	Status             IslandStatus `json:"status"`
	LatestGenerationID int32        `json:"latest_generation_id"`
	ErasedGenerationID int32        `json:"erased_generation_id"`
	Erased             bool         `json:"erased"`
	GenomeIDs          []string     `json:"genome_ids"`
	Fitness            []float64    `json:"fitness"`
}

// IterationRecord summarizes one trainer iteration.
type IterationRecord struct {
	Iteration      int     `json:"iteration"`
	TrainingMSE    float64 `json:"training_mse"`
	ValidationMSE  float64 `json:"validation_mse"`
	BestValidation float64 `json:"best_validation"`
	LearningRate   float64 `json:"learning_rate"`
	Norm           float64 `json:"norm"`
	ResetCount     float64 `json:"reset_count"`
	RolledBack     bool    `json:"rolled_back"`
	NormAdjustment string  `json:"norm_adjustment,omitempty"`
}

// LineageRecord ties a genome to the parent it was mutated from.
type LineageRecord struct {
	VersionedRecord
	GenomeID     string         `json:"genome_id"`
	ParentID     string         `json:"parent_id,omitempty"`
	GenerationID int32          `json:"generation_id"`
	Operations   map[string]int `json:"operations,omitempty"`
	Hash         string         `json:"hash"`
	Fitness      float64        `json:"fitness"`
	Inserted     int            `json:"inserted"`
}
