package privacy

import (
	"math"
	"math/rand/v2"
	"sync"
)

// Noise draws Laplace samples. It is safe for concurrent use.
type Noise struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewNoise returns a noise source. seed 0 draws from the runtime's random
// source; any other seed is reproducible.
func NewNoise(seed uint64) *Noise {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Noise{rng: rand.New(rand.NewPCG(seed, seed>>1|1))}
}

// Laplace returns a sample from Laplace(0, scale) by inverse CDF.
func (n *Noise) Laplace(scale float64) float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	for {
		u := n.rng.Float64() - 0.5
		tail := 1 - 2*math.Abs(u)
		if tail <= 0 {
			continue
		}
		if u < 0 {
			return scale * math.Log(tail)
		}
		return -scale * math.Log(tail)
	}
}

// NoisyCount releases count with Laplace noise of scale sensitivity/epsilon,
// clamped at zero.
func (n *Noise) NoisyCount(count, epsilon, sensitivity float64) float64 {
	return math.Max(0, count+n.Laplace(sensitivity/epsilon))
}
