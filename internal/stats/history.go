package stats

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"rnnevo/internal/model"
)

var historyHeader = []string{
	"iteration", "training_mse", "validation_mse", "best_validation",
	"learning_rate", "norm", "reset_count", "rolled_back", "norm_adjustment",
}

// HistorySummary condenses a training history.
type HistorySummary struct {
	Iterations       int     `json:"iterations"`
	Rollbacks        int     `json:"rollbacks"`
	HighNormClips    int     `json:"high_norm_clips"`
	LowNormBoosts    int     `json:"low_norm_boosts"`
	FirstTrainingMSE float64 `json:"first_training_mse"`
	FinalTrainingMSE float64 `json:"final_training_mse"`
	BestValidation   float64 `json:"best_validation"`
	MeanLearningRate float64 `json:"mean_learning_rate"`
	StdLearningRate  float64 `json:"std_learning_rate"`
	MaxNorm          float64 `json:"max_norm"`
}

func SummarizeHistory(history []model.IterationRecord) (HistorySummary, error) {
	if len(history) == 0 {
		return HistorySummary{}, errors.New("training history is empty")
	}
	summary := HistorySummary{
		Iterations:       len(history),
		FirstTrainingMSE: history[0].TrainingMSE,
		FinalTrainingMSE: history[len(history)-1].TrainingMSE,
		BestValidation:   model.MaxFitness,
	}
	rates := make([]float64, len(history))
	norms := make([]float64, len(history))
	for i, record := range history {
		rates[i] = record.LearningRate
		norms[i] = record.Norm
		if record.RolledBack {
			summary.Rollbacks++
		}
		switch record.NormAdjustment {
		case "high":
			summary.HighNormClips++
		case "low":
			summary.LowNormBoosts++
		}
		if record.BestValidation < summary.BestValidation {
			summary.BestValidation = record.BestValidation
		}
	}
	summary.MeanLearningRate, summary.StdLearningRate = stat.MeanStdDev(rates, nil)
	if len(rates) < 2 {
		summary.StdLearningRate = 0
	}
	summary.MaxNorm = floats.Max(norms)
	return summary, nil
}

func WriteHistoryCSV(w io.Writer, history []model.IterationRecord) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(historyHeader); err != nil {
		return err
	}
	for _, r := range history {
		if err := writer.Write([]string{
			strconv.Itoa(r.Iteration),
			formatFloat(r.TrainingMSE),
			formatFloat(r.ValidationMSE),
			formatFloat(r.BestValidation),
			formatFloat(r.LearningRate),
			formatFloat(r.Norm),
			formatFloat(r.ResetCount),
			strconv.FormatBool(r.RolledBack),
			r.NormAdjustment,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadHistoryCSV(r io.Reader) ([]model.IterationRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(historyHeader)
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New("history csv is empty")
	}
	for i, name := range historyHeader {
		if rows[0][i] != name {
			return nil, fmt.Errorf("history csv column %d: got %q want %q", i, rows[0][i], name)
		}
	}

	history := make([]model.IterationRecord, 0, len(rows)-1)
	for lineNo, row := range rows[1:] {
		record, err := parseHistoryRow(row)
		if err != nil {
			return nil, fmt.Errorf("history csv row %d: %w", lineNo+2, err)
		}
		history = append(history, record)
	}
	return history, nil
}

func parseHistoryRow(row []string) (model.IterationRecord, error) {
	var (
		record model.IterationRecord
		err    error
	)
	if record.Iteration, err = strconv.Atoi(row[0]); err != nil {
		return record, err
	}
	targets := []*float64{
		&record.TrainingMSE, &record.ValidationMSE, &record.BestValidation,
		&record.LearningRate, &record.Norm, &record.ResetCount,
	}
	for i, target := range targets {
		if *target, err = strconv.ParseFloat(row[i+1], 64); err != nil {
			return record, err
		}
	}
	if record.RolledBack, err = strconv.ParseBool(row[7]); err != nil {
		return record, err
	}
	record.NormAdjustment = row[8]
	return record, nil
}

func formatFloat(x float64) string {
	return strconv.FormatFloat(x, 'g', -1, 64)
}
