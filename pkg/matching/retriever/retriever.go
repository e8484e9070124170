// Package retriever implements the Candidate Retriever (spec §4.5): a
// two-stage search over the product catalog — a semantic cosine-
// similarity filter (Stage A), then a token/dimension refinement with
// an exact-code short-circuit (Stage B). Retrieval over a message's
// line items fans out concurrently, bounded by a semaphore, matching
// the teacher's vector-store query tests' bounded-concurrency posture.
package retriever

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/sds-orderproc/orderproc/pkg/catalog"
	"github.com/sds-orderproc/orderproc/pkg/embedding"
	sharedmath "github.com/sds-orderproc/orderproc/pkg/shared/math"

	"github.com/sds-orderproc/orderproc/pkg/matching"
)

const (
	semanticFloorDefault = 0.60
	stageATopK           = 20
	finalTopK            = 5
	dimensionWeight      = 0.5
	dimensionTolerance   = 5.0
)

// Query is the retriever's input for one line item.
type Query struct {
	RawCode  string
	RawName  string
	AttrText string // serialized attribute string, e.g. "width=25 color=black"
}

// SearchText builds the query search text per spec §4.5: raw_code ||
// raw_name || attribute string.
func (q Query) SearchText() string {
	if q.RawCode != "" {
		return q.RawCode
	}
	if q.RawName != "" {
		if q.AttrText != "" {
			return q.RawName + " " + q.AttrText
		}
		return q.RawName
	}
	return q.AttrText
}

// Retriever scores catalog products against a line-item query using a
// cached embedding index.
type Retriever struct {
	store         *catalog.Store
	embedder      *embedding.Service
	index         *embedding.Index
	semanticFloor float64
	sem           *semaphore.Weighted
}

// New builds a Retriever. concurrency bounds how many Retrieve calls may
// run at once (spec §5: small semaphore, default 4).
func New(store *catalog.Store, embedder *embedding.Service, index *embedding.Index, semanticFloor float64, concurrency int64) *Retriever {
	if semanticFloor <= 0 {
		semanticFloor = semanticFloorDefault
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Retriever{
		store:         store,
		embedder:      embedder,
		index:         index,
		semanticFloor: semanticFloor,
		sem:           semaphore.NewWeighted(concurrency),
	}
}

// Retrieve runs Stage A (semantic filter) then Stage B (token/dimension
// refinement with exact-code short-circuit) for a single query,
// returning up to 5 ranked candidates.
func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]matching.Candidate, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	// Stage B short-circuit: an exact trimmed code match wins outright,
	// regardless of what Stage A would have ranked.
	if code := strings.TrimSpace(q.RawCode); code != "" {
		if p, ok := r.store.ByCode(code); ok {
			return []matching.Candidate{{
				ProductID: p.ID,
				Score:     1.0,
				Explain:   "exact_code",
			}}, nil
		}
	}

	queryVec, err := r.embedder.GenerateTextEmbedding(ctx, q.SearchText())
	if err != nil {
		return nil, err
	}
	queryDims := extractDimensions(q.SearchText())

	type scored struct {
		id    int
		score float64
	}
	var stageA []scored
	for id, vec := range r.index.Vectors {
		sim := sharedmath.CosineSimilarity(queryVec, vec)
		if sim >= r.semanticFloor {
			stageA = append(stageA, scored{id: id, score: sim})
		}
	}
	sort.Slice(stageA, func(i, j int) bool { return stageA[i].score > stageA[j].score })
	if len(stageA) > stageATopK {
		stageA = stageA[:stageATopK]
	}

	candidates := make([]matching.Candidate, 0, len(stageA))
	for _, s := range stageA {
		product, ok := r.store.ByID(s.id)
		if !ok {
			continue
		}
		candidateDims := extractDimensions(product.Name)
		overlap := dimensionOverlap(queryDims, candidateDims)
		final := s.score * (1 + dimensionWeight*overlap)
		candidates = append(candidates, matching.Candidate{
			ProductID: s.id,
			Score:     final,
			Explain:   "semantic+token",
		})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if len(candidates) > finalTopK {
		candidates = candidates[:finalTopK]
	}
	return candidates, nil
}

var dimensionTokenPattern = regexp.MustCompile(`(?i)(?:width|breite|w|height|h.he|h|thickness|st.rke|t|length|l.nge|l)[\s:=]*([0-9]+(?:\.[0-9]+)?)\s*(?:mm|m\b)|([0-9]+(?:\.[0-9]+)?)\s*mm\s*x|([0-9]+(?:\.[0-9]+)?)\s*x\s*([0-9]+(?:\.[0-9]+)?)|,\s*([0-9]+(?:\.[0-9]+)?)\s*mm`)

// extractDimensions pulls out numeric dimension tokens that appear in an
// explicit dimensional context (spec §4.5: "N mm x", "N x M", "Width:
// N", "Breite: N", ", N mm") — never a bare 3-4 digit number.
func extractDimensions(text string) []float64 {
	var dims []float64
	for _, m := range dimensionTokenPattern.FindAllStringSubmatch(text, -1) {
		for _, g := range m[1:] {
			if g == "" {
				continue
			}
			if v, err := strconv.ParseFloat(g, 64); err == nil {
				dims = append(dims, v)
			}
		}
	}
	return dims
}

// dimensionOverlap computes intersection-over-union of two dimension
// sets with a +/-5 unit tolerance per value.
func dimensionOverlap(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	matched := make(map[int]bool)
	intersection := 0
	for _, x := range a {
		for j, y := range b {
			if matched[j] {
				continue
			}
			if absFloat(x-y) <= dimensionTolerance {
				intersection++
				matched[j] = true
				break
			}
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
