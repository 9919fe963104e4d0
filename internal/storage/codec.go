package storage

import (
	"encoding/json"
	"errors"

	"rnnevo/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeIsland(s model.IslandSnapshot) ([]byte, error) {
	return json.Marshal(s)
}

func DecodeIsland(data []byte) (model.IslandSnapshot, error) {
	var snapshot model.IslandSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return model.IslandSnapshot{}, err
	}
	if err := checkVersion(snapshot.VersionedRecord); err != nil {
		return model.IslandSnapshot{}, err
	}
	return snapshot, nil
}

func EncodeLineage(records []model.LineageRecord) ([]byte, error) {
	return json.Marshal(records)
}

func DecodeLineage(data []byte) ([]model.LineageRecord, error) {
	var records []model.LineageRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	for _, record := range records {
		if err := checkVersion(record.VersionedRecord); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func EncodeTrainingHistory(history []model.IterationRecord) ([]byte, error) {
	return json.Marshal(history)
}

func DecodeTrainingHistory(data []byte) ([]model.IterationRecord, error) {
	var history []model.IterationRecord
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
