package model

import (
	"math"
	"math/rand"
	"strings"

	"gobert/pkg/tensor"
)

// Initializer fills a weight matrix. Biases, LayerNorm parameters and
// other non-matrix tensors are not passed to it: biases and shifts start at
// zero and scales at one.
type Initializer interface {
	Initialize(w *tensor.Tensor, rng *rand.Rand)
}

// XavierInitialization draws from U[-limit, limit] with
// limit = sqrt(6 / (fan_in + fan_out)).
type XavierInitialization struct{}

// Initialize implements Initializer.
func (XavierInitialization) Initialize(w *tensor.Tensor, rng *rand.Rand) {
	fanIn, fanOut := fans(w)
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range w.Data {
		w.Data[i] = float32(rng.Float64()*2*limit - limit)
	}
}

// NormalInitialization draws from N(0, Std^2).
type NormalInitialization struct {
	Std float32
}

// Initialize implements Initializer.
func (n NormalInitialization) Initialize(w *tensor.Tensor, rng *rand.Rand) {
	for i := range w.Data {
		w.Data[i] = float32(rng.NormFloat64()) * n.Std
	}
}

func fans(w *tensor.Tensor) (int, int) {
	if len(w.Shape) < 2 {
		return w.Size(), w.Size()
	}
	return w.Shape[len(w.Shape)-2], w.Shape[len(w.Shape)-1]
}

// initializeParams applies init to every 2D ".weight" parameter in order.
// Everything else keeps its constructor value.
func initializeParams(params []Param, init Initializer, rng *rand.Rand) {
	for _, p := range params {
		if strings.HasSuffix(p.Name, ".weight") && len(p.Value.Shape) == 2 {
			init.Initialize(p.Value, rng)
		}
	}
}
