package tuning

// NesterovStep applies a momentum update in place. velocity holds the
// previous step's velocity on entry and the new one on return; prevMu and lr
// belong to the step that produced grad.
func NesterovStep(params, velocity []float64, prevMu, mu, lr float64, grad []float64) {
	for i := range params {
		muV := velocity[i] * prevMu
		velocity[i] = muV - lr*grad[i]
		params[i] += muV + (mu+1)*velocity[i]
	}
}

// DescentStep is plain gradient descent.
func DescentStep(params []float64, lr float64, grad []float64) {
	for i := range params {
		params[i] -= lr * grad[i]
	}
}

func Clamp(params []float64, lo, hi float64) {
	for i, p := range params {
		if p < lo {
			params[i] = lo
		} else if p > hi {
			params[i] = hi
		}
	}
}
