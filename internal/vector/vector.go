// Package vector provides the float64 vector math shared by the stores and
// the clustering passes.
package vector

import "math"

// Cosine computes the cosine similarity between two vectors. Mismatched
// lengths and zero vectors yield 0.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// Normalize performs in-place L2 normalization.
func Normalize(vec []float64) {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= norm
	}
}

// Mean returns the component-wise mean of vecs. All vectors must share a
// length; nil is returned for empty or ragged input.
func Mean(vecs [][]float64) []float64 {
	if len(vecs) == 0 {
		return nil
	}
	dims := len(vecs[0])
	out := make([]float64, dims)
	for _, v := range vecs {
		if len(v) != dims {
			return nil
		}
		for i, x := range v {
			out[i] += x
		}
	}
	n := float64(len(vecs))
	for i := range out {
		out[i] /= n
	}
	return out
}

// RunningMean folds x into a mean of n vectors: (mean*n + x) / (n+1).
func RunningMean(mean []float64, n int, x []float64) []float64 {
	if n == 0 || len(mean) == 0 {
		return append([]float64(nil), x...)
	}
	out := make([]float64, len(mean))
	fn := float64(n)
	for i := range mean {
		out[i] = (mean[i]*fn + x[i]) / (fn + 1)
	}
	return out
}

// Clone copies v.
func Clone(v []float64) []float64 {
	if v == nil {
		return nil
	}
	return append([]float64(nil), v...)
}

// ToFloat32 converts v for backends that store single precision.
func ToFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// FromFloat32 widens a single precision vector.
func FromFloat32(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
