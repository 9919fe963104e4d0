package series

import (
	"fmt"
	"math"
	"math/rand"
)

// SineConfig describes a one-step-ahead prediction task over noisy sine
// waves with random phases.
type SineConfig struct {
	Series    int
	Length    int
	Frequency float64
	Noise     float64
	Seed      int64
}

func (c SineConfig) withDefaults() SineConfig {
	if c.Series <= 0 {
		c.Series = 6
	}
	if c.Length <= 0 {
		c.Length = 64
	}
	if c.Frequency <= 0 {
		c.Frequency = 0.2
	}
	return c
}

// Sine builds series whose inputs are (sin, cos) at step t and whose output
// is sin at step t+1.
func Sine(cfg SineConfig) (*InMemory, error) {
	cfg = cfg.withDefaults()
	rng := rand.New(rand.NewSource(cfg.Seed))
	inputs := make([][][]float64, cfg.Series)
	outputs := make([][][]float64, cfg.Series)
	for s := 0; s < cfg.Series; s++ {
		phase := rng.Float64() * 2 * math.Pi
		inputs[s] = make([][]float64, cfg.Length)
		outputs[s] = make([][]float64, cfg.Length)
		for t := 0; t < cfg.Length; t++ {
			x := float64(t)*cfg.Frequency + phase
			inputs[s][t] = []float64{math.Sin(x) + cfg.Noise*rng.NormFloat64(), math.Cos(x)}
			outputs[s][t] = []float64{math.Sin(x + cfg.Frequency)}
		}
	}
	ds, err := NewInMemory(inputs, outputs)
	if err != nil {
		return nil, err
	}
	ds.InputNames = []string{"sin", "cos"}
	ds.OutputNames = []string{"sin_next"}
	return ds, nil
}

// DelayConfig describes a memory task: the output repeats the input seen
// Delay steps earlier, and zero before that.
type DelayConfig struct {
	Series int
	Length int
	Delay  int
	Seed   int64
}

func Delay(cfg DelayConfig) (*InMemory, error) {
	if cfg.Series <= 0 || cfg.Length <= 0 {
		return nil, fmt.Errorf("delay task needs series and length > 0, got %d and %d", cfg.Series, cfg.Length)
	}
	if cfg.Delay < 0 || cfg.Delay >= cfg.Length {
		return nil, fmt.Errorf("delay %d out of range for length %d", cfg.Delay, cfg.Length)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	inputs := make([][][]float64, cfg.Series)
	outputs := make([][][]float64, cfg.Series)
	for s := 0; s < cfg.Series; s++ {
		inputs[s] = make([][]float64, cfg.Length)
		outputs[s] = make([][]float64, cfg.Length)
		for t := 0; t < cfg.Length; t++ {
			inputs[s][t] = []float64{rng.Float64()*2 - 1}
		}
		for t := 0; t < cfg.Length; t++ {
			v := 0.0
			if t >= cfg.Delay {
				v = inputs[s][t-cfg.Delay][0]
			}
			outputs[s][t] = []float64{v}
		}
	}
	ds, err := NewInMemory(inputs, outputs)
	if err != nil {
		return nil, err
	}
	ds.InputNames = []string{"signal"}
	ds.OutputNames = []string{fmt.Sprintf("signal_t-%d", cfg.Delay)}
	return ds, nil
}

// Synthetic builds a named generator's dataset. Known names are "sine" and
// "delay".
func Synthetic(name string, series, length int, seed int64) (*InMemory, error) {
	switch name {
	case "", "sine":
		return Sine(SineConfig{Series: series, Length: length, Seed: seed})
	case "delay":
		return Delay(DelayConfig{Series: series, Length: length, Delay: 2, Seed: seed})
	default:
		return nil, fmt.Errorf("unsupported synthetic dataset: %s", name)
	}
}
