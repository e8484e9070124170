// Package embedding provides the local, deterministic text-embedding
// service used to build product search vectors for semantic retrieval,
// and a gob-backed cache keyed by catalog file modification time (spec
// §4.5: "the cache key includes the catalog file's modification time so
// a catalog change invalidates the cache"). The embedding algorithm is
// adapted from the teacher's pkg/storage/vector.LocalEmbeddingService: a
// deterministic, hashed bag-of-words projection into a fixed dimension,
// L2-normalized so cosine similarity behaves like a proper metric.
package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

const defaultDimension = 384

var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9]+`)

// Service generates deterministic text embeddings without any external
// model call — useful as the retrieval-stage vectorizer and as a local
// fallback when no remote embedding provider is configured.
type Service struct {
	dimension int
	logger    *logrus.Logger
}

// NewService builds a Service with the given dimension; a
// non-positive dimension falls back to the default 384.
func NewService(dimension int, logger *logrus.Logger) *Service {
	if dimension <= 0 {
		dimension = defaultDimension
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{dimension: dimension, logger: logger}
}

// GetEmbeddingDimension reports the vector length this Service produces.
func (s *Service) GetEmbeddingDimension() int {
	return s.dimension
}

// GenerateTextEmbedding hashes text's tokens into a fixed-dimension
// vector and L2-normalizes it. Empty text yields the zero vector.
func (s *Service) GenerateTextEmbedding(ctx context.Context, text string) ([]float64, error) {
	vec := make([]float64, s.dimension)
	tokens := tokenPattern.FindAllString(strings.ToLower(text), -1)
	for _, tok := range tokens {
		s.accumulate(vec, tok, 1.0)
	}
	return normalize(vec), nil
}

// GenerateActionEmbedding folds an action type and its scalar/string
// parameters into a single vector, for callers that want to embed a
// structured intent rather than free text.
func (s *Service) GenerateActionEmbedding(ctx context.Context, actionType string, parameters map[string]interface{}) ([]float64, error) {
	vec := make([]float64, s.dimension)
	s.accumulate(vec, strings.ToLower(actionType), 1.0)
	for key, value := range parameters {
		switch v := value.(type) {
		case string:
			s.accumulate(vec, strings.ToLower(key+":"+v), 0.5)
		case bool:
			if v {
				s.accumulate(vec, strings.ToLower(key), 0.5)
			}
		case int, int32, int64, float32, float64:
			s.accumulate(vec, strings.ToLower(key), 0.5)
		}
	}
	return normalize(vec), nil
}

// GenerateContextEmbedding folds label/metadata maps into a vector, for
// embedding customer or message context alongside product text.
func (s *Service) GenerateContextEmbedding(ctx context.Context, labels map[string]string, metadata map[string]interface{}) ([]float64, error) {
	vec := make([]float64, s.dimension)
	for key, value := range labels {
		s.accumulate(vec, strings.ToLower(key+":"+value), 1.0)
	}
	for key, value := range metadata {
		switch v := value.(type) {
		case string:
			s.accumulate(vec, strings.ToLower(key+":"+v), 0.5)
		case bool:
			if v {
				s.accumulate(vec, strings.ToLower(key), 0.5)
			}
		case int, int32, int64, float32, float64:
			s.accumulate(vec, strings.ToLower(key), 0.5)
		}
	}
	return normalize(vec), nil
}

// CombineEmbeddings returns the L2-normalized average of the given
// equal-dimension embeddings; vectors of the wrong dimension are
// skipped. A single valid embedding is returned as given, without
// normalization, and combining zero embeddings yields the zero vector.
func (s *Service) CombineEmbeddings(embeddings ...[]float64) []float64 {
	sum := make([]float64, s.dimension)
	count := 0
	for _, e := range embeddings {
		if len(e) != s.dimension {
			continue
		}
		for i, v := range e {
			sum[i] += v
		}
		count++
	}
	if count == 0 {
		return sum
	}
	if count == 1 {
		return sum
	}
	for i := range sum {
		sum[i] /= float64(count)
	}
	return normalize(sum)
}

func (s *Service) accumulate(vec []float64, token string, weight float64) {
	if token == "" {
		return
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	idx := int(h.Sum32()) % len(vec)
	if idx < 0 {
		idx += len(vec)
	}
	vec[idx] += weight
}

func normalize(vec []float64) []float64 {
	var sumSq float64
	for _, v := range vec {
		sumSq += v * v
	}
	if sumSq == 0 {
		return vec
	}
	norm := math.Sqrt(sumSq)
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}
