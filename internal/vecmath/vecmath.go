// Package vecmath provides the small amount of vector arithmetic the feed
// uses: parsing externally supplied embeddings, coordinate-wise means, and
// brute-force cosine similarity. Embeddings are []float32; accumulation
// happens in float64 to limit rounding drift.
package vecmath

import (
	"encoding/binary"
	"encoding/json"
	"math"
)

// Parse normalizes an externally supplied embedding value to a vector.
// It accepts a JSON number array or a JSON string containing one; any other
// shape (null, objects, malformed text, empty arrays) yields nil. Parse never
// fails: partition files are hand-edited data and a bad embedding only
// disables similarity for that paper.
func Parse(raw json.RawMessage) []float32 {
	if len(raw) == 0 {
		return nil
	}

	var direct []float32
	if err := json.Unmarshal(raw, &direct); err == nil {
		if len(direct) == 0 {
			return nil
		}
		return direct
	}

	// Some producers double-encode the vector as a JSON string.
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	var nested []float32
	if err := json.Unmarshal([]byte(s), &nested); err != nil {
		return nil
	}
	if len(nested) == 0 {
		return nil
	}
	return nested
}

// Mean returns the coordinate-wise arithmetic mean of the given vectors.
// Vectors whose length differs from the first vector are excluded from the
// average rather than treated as an error. Returns nil when no vector
// qualifies, including the empty-input case.
func Mean(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	if dim == 0 {
		return nil
	}

	totals := make([]float64, dim)
	count := 0
	for _, vec := range vectors {
		if len(vec) != dim {
			continue
		}
		for i, v := range vec {
			totals[i] += float64(v)
		}
		count++
	}
	if count == 0 {
		return nil
	}

	mean := make([]float32, dim)
	for i, t := range totals {
		mean[i] = float32(t / float64(count))
	}
	return mean
}

// Cosine returns the cosine similarity of a and b. It returns 0 if either
// vector is empty, if lengths differ, or if either has zero magnitude.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, aNormSq, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aNormSq += float64(a[i]) * float64(a[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if aNormSq == 0 || bNormSq == 0 {
		return 0
	}
	return dot / (math.Sqrt(aNormSq) * math.Sqrt(bNormSq))
}

// Encode serializes a vector to little-endian bytes for BLOB storage.
// Returns nil for an empty vector so absent embeddings round-trip as NULL.
func Encode(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// Decode deserializes little-endian bytes into a vector. A byte slice whose
// length is not a multiple of 4 indicates corruption and decodes to nil.
func Decode(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
