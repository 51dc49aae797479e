// Package similarity scores free text against stored outcomes. The token
// scorer is the zero-dependency default; the GenAI scorer upgrades matching
// to embeddings when an API key is configured.
package similarity

import (
	"context"
	"strings"

	"github.com/agnivade/levenshtein"

	"doppel/internal/config"
)

// Scorer rates how alike two texts are on [0, 1].
type Scorer interface {
	Score(ctx context.Context, a, b string) (float64, error)
	// ScoreAll rates query against every candidate. Implementations batch
	// where the backend allows it.
	ScoreAll(ctx context.Context, query string, candidates []string) ([]float64, error)
}

// New picks a scorer from config: "genai" with a key gets embeddings,
// everything else gets the token scorer.
func New(cfg config.SimilarityConfig) (Scorer, error) {
	if cfg.Provider == "genai" && cfg.GenAIAPIKey != "" {
		return NewGenAIScorer(cfg.GenAIAPIKey, cfg.GenAIModel)
	}
	return NewTokenScorer(), nil
}

// TokenScorer blends Jaccard overlap of token sets with a normalized edit
// distance. It is deterministic, offline, and good enough to route "fix the
// dashboard login bug" at an outcome named "Dashboard login".
type TokenScorer struct{}

// NewTokenScorer returns the lexical scorer.
func NewTokenScorer() *TokenScorer {
	return &TokenScorer{}
}

// Weighting between set overlap and edit distance. Overlap dominates; the
// edit component mostly breaks ties between equally-overlapping candidates.
const (
	jaccardWeight = 0.7
	editWeight    = 0.3
)

// Score implements Scorer.
func (s *TokenScorer) Score(_ context.Context, a, b string) (float64, error) {
	return lexicalScore(a, b), nil
}

// ScoreAll implements Scorer.
func (s *TokenScorer) ScoreAll(_ context.Context, query string, candidates []string) ([]float64, error) {
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		scores[i] = lexicalScore(query, c)
	}
	return scores, nil
}

func lexicalScore(a, b string) float64 {
	na, nb := normalize(a), normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}

	jaccard := jaccardIndex(tokenSet(na), tokenSet(nb))

	dist := levenshtein.ComputeDistance(na, nb)
	longest := len(na)
	if len(nb) > longest {
		longest = len(nb)
	}
	edit := 1 - float64(dist)/float64(longest)
	if edit < 0 {
		edit = 0
	}

	return jaccardWeight*jaccard + editWeight*edit
}

func jaccardIndex(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// stopwords are dropped before comparison; they carry routing noise, not
// meaning.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "be": true, "do": true, "for": true,
	"i": true, "in": true, "is": true, "it": true, "me": true, "my": true,
	"of": true, "on": true, "or": true, "please": true, "that": true,
	"the": true, "this": true, "to": true, "with": true,
}

func tokenSet(normalized string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(normalized) {
		if !stopwords[tok] {
			set[tok] = true
		}
	}
	return set
}

// normalize lowercases and strips everything but letters, digits and
// spaces, collapsing runs of removed characters into single spaces.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
