package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/mnemobot/mnemo/core"
)

// Local is a deterministic, dependency-free embedder. Each word hashes to a
// handful of signed coordinates and the sum is L2-normalized, so identical
// text always maps to the same unit vector and overlapping text maps to
// nearby ones. It backs the intent centroids and every test suite; it is not
// a semantic model.
type Local struct {
	dims int
}

// NewLocal returns a local embedder with the given dimension.
func NewLocal(dims int) *Local {
	if dims <= 0 {
		dims = 64
	}
	return &Local{dims: dims}
}

// Dims returns the output dimension.
func (l *Local) Dims() int { return l.dims }

// Embed hashes the lowercased words of text into a unit vector.
func (l *Local) Embed(_ context.Context, text string) ([]float32, error) {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return nil, &core.EmbeddingError{
			Kind: core.EmbeddingPermanent, Model: "local",
			Err: errEmptyInput,
		}
	}
	vec := make([]float32, l.dims)
	for _, w := range words {
		h := fnv.New64a()
		h.Write([]byte(w))
		seed := h.Sum64()
		// three coordinates per word, sign from the low bit
		for k := 0; k < 3; k++ {
			seed = seed*6364136223846793005 + 1442695040888963407
			idx := int(seed>>1) % l.dims
			if idx < 0 {
				idx += l.dims
			}
			sign := float32(1)
			if seed&1 == 1 {
				sign = -1
			}
			vec[idx] += sign
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}
