// Package scoring defines the confidence scorer contract the meta-router
// consumes, plus a keyword index provider.
package scoring

import (
	"context"
	"sort"

	"github.com/Rogers-F/threadline/internal/domain"
)

// Context carries optional signals from the thread being routed.
type Context struct {
	PriorDomains []string
	Entities     []string
}

// Scorer ranks candidate domains for free text. Confidences are in [0,1].
type Scorer interface {
	Score(ctx context.Context, text string, sc Context) ([]domain.Candidate, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, text string, sc Context) ([]domain.Candidate, error)

// Score calls f.
func (f ScorerFunc) Score(ctx context.Context, text string, sc Context) ([]domain.Candidate, error) {
	return f(ctx, text, sc)
}

// Rank sorts candidates by confidence descending, then by mention, then id,
// clamping confidences into [0,1]. The input slice is not modified.
func Rank(in []domain.Candidate) []domain.Candidate {
	out := make([]domain.Candidate, len(in))
	copy(out, in)
	for i := range out {
		switch {
		case out[i].Confidence < 0:
			out[i].Confidence = 0
		case out[i].Confidence > 1:
			out[i].Confidence = 1
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if mentionKey(a) != mentionKey(b) {
			return mentionKey(a) < mentionKey(b)
		}
		return a.Domain < b.Domain
	})
	return out
}

func mentionKey(c domain.Candidate) int {
	if c.Mention < 0 {
		return int(^uint(0) >> 1)
	}
	return c.Mention
}
