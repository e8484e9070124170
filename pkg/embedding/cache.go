package embedding

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sds-orderproc/orderproc/pkg/orderrors"
)

// Index is the persisted form of the product search-vector cache: one
// entry per product id, keyed additionally by the catalog file's mtime
// so a catalog change invalidates the whole cache (spec §4.5).
type Index struct {
	Dimension int
	Vectors   map[int][]float64 // product id -> embedding
}

// CachePath returns the path embeddings/index_{mtime}.bin for the given
// catalog modification time, matching the filesystem layout in spec §6.
func CachePath(dir string, catalogMtime time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("index_%d.bin", catalogMtime.Unix()))
}

// LoadIndex reads a gob-encoded Index from path. Callers should treat a
// missing file as a cache miss, not an error.
func LoadIndex(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var idx Index
	if err := gob.NewDecoder(f).Decode(&idx); err != nil {
		return nil, orderrors.FailedToWithDetails("decode embedding index", "embedding", path, err)
	}
	return &idx, nil
}

// SaveIndex atomically writes idx to path (write to a temp file in the
// same directory, then rename), so a crash mid-write never leaves a
// corrupt cache file for a reader to pick up.
func SaveIndex(path string, idx *Index) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return orderrors.FailedToWithDetails("create embeddings directory", "embedding", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "index_*.tmp")
	if err != nil {
		return orderrors.FailedToWithDetails("create temp embedding index", "embedding", dir, err)
	}
	tmpPath := tmp.Name()

	if err := gob.NewEncoder(tmp).Encode(idx); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return orderrors.FailedToWithDetails("encode embedding index", "embedding", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return orderrors.FailedToWithDetails("close temp embedding index", "embedding", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return orderrors.FailedToWithDetails("rename embedding index into place", "embedding", path, err)
	}
	return nil
}

// Build computes a fresh Index over products, embedding each map value
// as that product's input text (the caller decides what the text
// holds), skipping the old cache entirely — callers persist the result
// with SaveIndex.
func (s *Service) Build(products map[int]string) (*Index, error) {
	ctx := context.Background()
	idx := &Index{Dimension: s.dimension, Vectors: make(map[int][]float64, len(products))}
	for id, text := range products {
		vec, err := s.GenerateTextEmbedding(ctx, text)
		if err != nil {
			return nil, err
		}
		idx.Vectors[id] = vec
	}
	return idx, nil
}
