package biometric

import (
	"fmt"
	"math"
)

// MaxScore is the sentinel returned when similarity is undefined (zero
// magnitude vectors under the cosine policy). It is the maximal cosine
// distance, strictly worse than any real comparison.
const MaxScore = 2.0

// Compare decides whether candidate matches template under the engine's
// policy. The returned score is always "lower = more similar" regardless of
// policy so callers get one uniform contract:
//
//   - dlib: score is the Euclidean distance; match iff score <= tolerance.
//   - facenet: cosine similarity s is computed; match iff s >= 1-tolerance;
//     the exposed score is 1-s.
//
// Mismatched engine tags or vector shapes are caller errors, not silent
// failures. Compare is pure and deterministic.
func Compare(template, candidate Vector, tolerance float64) (bool, float64, error) {
	if template.Engine != candidate.Engine {
		return false, 0, fmt.Errorf("engine mismatch: template %q vs candidate %q", template.Engine, candidate.Engine)
	}
	if len(template.Values) == 0 || len(template.Values) != len(candidate.Values) {
		return false, 0, fmt.Errorf("vector length mismatch: %d vs %d", len(template.Values), len(candidate.Values))
	}

	switch template.Engine {
	case EngineDlib:
		dist := euclidean(template.Values, candidate.Values)
		return dist <= tolerance, dist, nil
	case EngineFacenet:
		sim, ok := cosineSimilarity(template.Values, candidate.Values)
		if !ok {
			return false, MaxScore, nil
		}
		return sim >= 1-tolerance, 1 - sim, nil
	default:
		return false, 0, fmt.Errorf("unknown engine %q", template.Engine)
	}
}

func euclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// cosineSimilarity returns the similarity clamped to [-1, 1], or ok=false
// when either vector has zero magnitude.
func cosineSimilarity(a, b []float32) (float64, bool) {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return sim, true
}
