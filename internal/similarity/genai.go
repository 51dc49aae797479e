package similarity

import (
	"context"
	"fmt"
	"math"

	"google.golang.org/genai"
)

// GenAIScorer rates text pairs by cosine similarity of Gemini embeddings.
type GenAIScorer struct {
	client *genai.Client
	model  string
}

// NewGenAIScorer builds the embedding-backed scorer.
func NewGenAIScorer(apiKey, model string) (*GenAIScorer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai scorer requires an API key")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GenAIScorer{client: client, model: model}, nil
}

// Score implements Scorer.
func (s *GenAIScorer) Score(ctx context.Context, a, b string) (float64, error) {
	vecs, err := s.embed(ctx, []string{a, b})
	if err != nil {
		return 0, err
	}
	return cosine(vecs[0], vecs[1]), nil
}

// ScoreAll implements Scorer. Query and candidates go out in one batched
// embed call.
func (s *GenAIScorer) ScoreAll(ctx context.Context, query string, candidates []string) ([]float64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	vecs, err := s.embed(ctx, append([]string{query}, candidates...))
	if err != nil {
		return nil, err
	}

	scores := make([]float64, len(candidates))
	for i := range candidates {
		scores[i] = cosine(vecs[0], vecs[i+1])
	}
	return scores, nil
}

func (s *GenAIScorer) embed(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := s.client.Models.EmbedContent(ctx, s.model, contents,
		&genai.EmbedContentConfig{
			TaskType: "SEMANTIC_SIMILARITY",
		})
	if err != nil {
		return nil, fmt.Errorf("genai embed failed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("genai returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}

	vecs := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vecs[i] = emb.Values
	}
	return vecs, nil
}

// cosine maps the raw [-1, 1] cosine onto [0, 1] so both scorers share a
// scale. Mismatched or empty vectors score zero.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
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
	raw := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return (raw + 1) / 2
}
