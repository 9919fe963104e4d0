package stats

import (
	"errors"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"rnnevo/internal/model"
)

// WriteLossPlot renders training and validation MSE per iteration. The file
// format follows the extension of path.
func WriteLossPlot(path, title string, history []model.IterationRecord) error {
	if len(history) == 0 {
		return errors.New("training history is empty")
	}
	train := make(plotter.XYs, 0, len(history))
	validation := make(plotter.XYs, 0, len(history))
	for _, record := range history {
		if finite(record.TrainingMSE) {
			train = append(train, plotter.XY{X: float64(record.Iteration), Y: record.TrainingMSE})
		}
		if finite(record.ValidationMSE) {
			validation = append(validation, plotter.XY{X: float64(record.Iteration), Y: record.ValidationMSE})
		}
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "MSE"
	if err := addLine(p, "training", train); err != nil {
		return err
	}
	if err := addLine(p, "validation", validation); err != nil {
		return err
	}
	p.Legend.Top = true
	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}

// WriteFitnessPlot renders the island's best fitness per generation.
func WriteFitnessPlot(path, title string, bestByGeneration []float64) error {
	points := make(plotter.XYs, 0, len(bestByGeneration))
	for i, best := range bestByGeneration {
		if finite(best) && best != model.MaxFitness {
			points = append(points, plotter.XY{X: float64(i + 1), Y: best})
		}
	}
	if len(points) == 0 {
		return errors.New("no evaluated generations to plot")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Generation"
	p.Y.Label.Text = "Best validation MSE"
	if err := addLine(p, "best", points); err != nil {
		return err
	}
	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}

func addLine(p *plot.Plot, name string, points plotter.XYs) error {
	if len(points) == 0 {
		return nil
	}
	line, err := plotter.NewLine(points)
	if err != nil {
		return err
	}
	p.Add(line)
	p.Legend.Add(name, line)
	return nil
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
