package identity

import (
	"context"
	"errors"
	"fmt"
	"math"

	"robotcore/internal/domain"
	"robotcore/internal/ports"
)

const DefaultThreshold = 0.70

// Matcher resolves a face crop against enrolled identities by cosine similarity.
type Matcher struct {
	embedder  ports.FaceEmbedder
	store     ports.IdentityStore
	threshold float64
}

func NewMatcher(embedder ports.FaceEmbedder, store ports.IdentityStore, threshold float64) *Matcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Matcher{embedder: embedder, store: store, threshold: threshold}
}

func (m *Matcher) Threshold() float64 {
	return m.threshold
}

// Match embeds the crop and returns the best enrolled identity. Match is nil
// when the best similarity is below the threshold; a similarity equal to the
// threshold counts as recognized (inclusive boundary, see DESIGN.md open
// question 1).
func (m *Matcher) Match(ctx context.Context, crop domain.FaceCrop) (ports.IdentityResult, error) {
	if m.embedder == nil {
		return ports.IdentityResult{}, errors.New("face embedder is not configured")
	}
	embedding, err := m.embedder.Embed(ctx, crop)
	if err != nil {
		return ports.IdentityResult{}, fmt.Errorf("failed to embed face: %w", err)
	}
	result := ports.IdentityResult{Embedding: embedding}
	if m.store == nil {
		return result, nil
	}

	known, err := m.store.All(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to load identities: %w", err)
	}

	var best *ports.StoredIdentity
	for i := range known {
		score := Cosine(embedding, known[i].Embedding)
		if best == nil || score > result.Best {
			best = &known[i]
			result.Best = score
		}
	}
	if best != nil && result.Best >= m.threshold {
		result.Match = &domain.FaceMatch{PersonID: best.PersonID, Name: best.Name, Similarity: result.Best}
	}
	return result, nil
}

// Cosine returns the cosine similarity of two vectors clamped to [0,1]. Vectors
// of different length or zero norm score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	score := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(0, math.Min(1, score))
}
