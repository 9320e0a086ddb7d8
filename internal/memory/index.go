package memory

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/veritas-ai/veritas/internal/atomicio"
)

// CosineIndex is a flat cosine-similarity index over parallel (ids, vecs)
// arrays. Searches snapshot the arrays under the lock and score outside it;
// writes persist through an atomic file replace.
type CosineIndex struct {
	mu   sync.RWMutex
	dim  int
	path string // persistence path; empty = in-memory only

	ids  []string
	vecs [][]float32
}

// indexFile is the on-disk representation.
type indexFile struct {
	Dim  int         `json:"dim"`
	IDs  []string    `json:"ids"`
	Vecs [][]float32 `json:"vecs"`
}

// NewCosineIndex creates an index, loading an existing persisted file when
// present. A corrupt or mismatched file resets to an empty index rather than
// failing startup.
func NewCosineIndex(dim int, path string) (*CosineIndex, error) {
	if dim < 1 {
		return nil, fmt.Errorf("memory: index dim must be positive, got %d", dim)
	}
	idx := &CosineIndex{dim: dim, path: path}
	if path != "" {
		idx.load()
	}
	return idx, nil
}

func (x *CosineIndex) load() {
	if isSymlink(x.path) {
		return
	}
	data, err := os.ReadFile(x.path) //nolint:gosec // path is derived from validated config
	if err != nil {
		return
	}
	var f indexFile
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	if f.Dim != x.dim || len(f.IDs) != len(f.Vecs) {
		return
	}
	for _, v := range f.Vecs {
		if len(v) != x.dim || !allFinite(v) {
			return
		}
	}
	x.ids = f.IDs
	x.vecs = f.Vecs
}

// Size returns the number of indexed vectors.
func (x *CosineIndex) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ids)
}

// Add appends vectors with their ids and persists the index. A vector whose
// id already exists replaces the previous entry.
func (x *CosineIndex) Add(vecs [][]float32, ids []string) error {
	if len(vecs) != len(ids) {
		return fmt.Errorf("memory: add: %d vectors for %d ids", len(vecs), len(ids))
	}
	for _, v := range vecs {
		if len(v) != x.dim {
			return fmt.Errorf("memory: add: vector dim %d, index dim %d", len(v), x.dim)
		}
		if !allFinite(v) {
			return fmt.Errorf("memory: add: vectors must be finite")
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	pos := make(map[string]int, len(x.ids))
	for i, id := range x.ids {
		pos[id] = i
	}
	for i, id := range ids {
		if j, ok := pos[id]; ok {
			x.vecs[j] = vecs[i]
			continue
		}
		x.ids = append(x.ids, id)
		x.vecs = append(x.vecs, vecs[i])
		pos[id] = len(x.ids) - 1
	}
	return x.persistLocked()
}

func (x *CosineIndex) persistLocked() error {
	if x.path == "" {
		return nil
	}
	data, err := json.Marshal(indexFile{Dim: x.dim, IDs: x.ids, Vecs: x.vecs})
	if err != nil {
		return fmt.Errorf("memory: serialize index: %w", err)
	}
	return atomicio.WriteFile(x.path, data)
}

// Result is one search hit.
type Result struct {
	ID    string
	Score float64
}

// Search returns the top-k ids by cosine similarity to query. The id/vector
// snapshot is taken under the read lock; scoring runs outside it.
func (x *CosineIndex) Search(query []float32, k int) ([]Result, error) {
	if len(query) != x.dim {
		return nil, fmt.Errorf("memory: search: query dim %d, index dim %d", len(query), x.dim)
	}
	if k < 1 {
		k = 8
	}

	x.mu.RLock()
	ids := make([]string, len(x.ids))
	copy(ids, x.ids)
	vecs := make([][]float32, len(x.vecs))
	copy(vecs, x.vecs)
	x.mu.RUnlock()

	results := make([]Result, 0, len(ids))
	for i, v := range vecs {
		results = append(results, Result{ID: ids[i], Score: cosine(query, v)})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func allFinite(v []float32) bool {
	for _, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return false
		}
	}
	return true
}

func isSymlink(path string) bool {
	fi, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeSymlink != 0
}
