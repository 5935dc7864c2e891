package store

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/mnemobot/mnemo/core"
)

// encodeVector serializes a float32 vector as a little-endian blob, enforcing
// the configured dimension.
func (s *Store) encodeVector(v []float32) ([]byte, error) {
	if len(v) != s.dim {
		return nil, &core.StoreError{
			Kind: core.StoreConflict,
			Op:   "encode_vector",
			Err:  fmt.Errorf("expected dimension %d, got %d", s.dim, len(v)),
		}
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf, nil
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// CosineSimilarity computes cosine similarity in [-1,1] between two vectors.
// Mismatched or zero-norm vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
