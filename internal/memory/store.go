package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-ai/veritas/internal/atomicio"
)

// Memory kinds, each with its own JSONL stream and index file.
var Kinds = []string{"episodic", "semantic", "skills"}

// Item is one stored memory record.
type Item struct {
	ID   string         `json:"id"`
	TS   float64        `json:"ts"`
	Tags []string       `json:"tags"`
	Text string         `json:"text"`
	Meta map[string]any `json:"meta"`
}

// Hit is a search result with its similarity score.
type Hit struct {
	Item
	Kind  string  `json:"kind"`
	Score float64 `json:"score"`
}

// RemoteHit is one result from a remote vector index.
type RemoteHit struct {
	ID    string
	Kind  string
	Score float64
}

// RemoteIndex is an optional ANN backend (e.g. Qdrant) mirroring the local
// index. The store treats it as an accelerator: failures fall back to the
// local cosine index and payloads are always hydrated locally.
type RemoteIndex interface {
	Upsert(ctx context.Context, id, kind, text string, vec []float32) error
	Search(ctx context.Context, vec []float32, kind string, limit int) ([]RemoteHit, error)
}

// Store is the file-backed memory substrate: per-kind JSONL streams with a
// cosine index per stream and a payload cache keyed by id.
type Store struct {
	dir      string
	embedder Embedder
	remote   RemoteIndex

	mu      sync.RWMutex
	indexes map[string]*CosineIndex
	items   map[string]map[string]Item // kind -> id -> item
}

// AttachRemote mirrors future puts into a remote index and prefers it for
// searches. Call before serving traffic.
func (s *Store) AttachRemote(remote RemoteIndex) {
	s.remote = remote
}

// OpenStore opens (and if needed rebuilds) the store under dir.
//
// Boot order follows the persisted index first: when an index file is intact
// it is used as-is; when it is empty but the JSONL stream exists, the index
// is rebuilt from the stream.
func OpenStore(dir string, embedder Embedder) (*Store, error) {
	s := &Store{
		dir:      dir,
		embedder: embedder,
		indexes:  make(map[string]*CosineIndex, len(Kinds)),
		items:    make(map[string]map[string]Item, len(Kinds)),
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("memory: create store dir: %w", err)
	}

	for _, kind := range Kinds {
		idx, err := NewCosineIndex(embedder.Dimensions(), s.indexPath(kind))
		if err != nil {
			return nil, err
		}
		s.indexes[kind] = idx
		s.items[kind] = make(map[string]Item)

		items, err := readItems(s.jsonlPath(kind))
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			s.items[kind][it.ID] = it
		}

		if idx.Size() == 0 && len(items) > 0 {
			if err := s.rebuildIndex(kind, items); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *Store) jsonlPath(kind string) string {
	return filepath.Join(s.dir, kind+".jsonl")
}

func (s *Store) indexPath(kind string) string {
	return filepath.Join(s.dir, kind+".index.json")
}

func (s *Store) rebuildIndex(kind string, items []Item) error {
	ids := make([]string, 0, len(items))
	vecs := make([][]float32, 0, len(items))
	for _, it := range items {
		vec, err := s.embedder.Embed(context.Background(), it.Text)
		if err != nil {
			return fmt.Errorf("memory: rebuild %s index: %w", kind, err)
		}
		ids = append(ids, it.ID)
		vecs = append(vecs, vec)
	}
	return s.indexes[kind].Add(vecs, ids)
}

// Put stores item under kind, appending to the JSONL stream and updating the
// index. Returns the item id.
func (s *Store) Put(ctx context.Context, kind string, item Item) (string, error) {
	if !validKind(kind) {
		return "", fmt.Errorf("memory: unknown kind %q", kind)
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.TS == 0 {
		item.TS = float64(time.Now().UnixNano()) / float64(time.Second)
	}
	if item.Tags == nil {
		item.Tags = []string{}
	}
	if item.Meta == nil {
		item.Meta = map[string]any{}
	}

	line, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("memory: marshal item: %w", err)
	}
	if err := atomicio.AppendLine(s.jsonlPath(kind), string(line)); err != nil {
		return "", err
	}

	vec, err := s.embedder.Embed(ctx, item.Text)
	if err != nil {
		return "", fmt.Errorf("memory: embed item: %w", err)
	}
	if err := s.indexes[kind].Add([][]float32{vec}, []string{item.ID}); err != nil {
		return "", err
	}
	if s.remote != nil {
		if err := s.remote.Upsert(ctx, item.ID, kind, item.Text, vec); err != nil {
			// The local index stays authoritative; a lagging mirror is fine.
			slog.Warn("memory: remote index upsert failed", "error", err)
		}
	}

	s.mu.Lock()
	s.items[kind][item.ID] = item
	s.mu.Unlock()
	return item.ID, nil
}

// Get returns the item with id in kind.
func (s *Store) Get(kind, id string) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID, ok := s.items[kind]
	if !ok {
		return Item{}, false
	}
	it, ok := byID[id]
	return it, ok
}

// Search runs a top-k cosine search across the requested kinds (all kinds
// when empty), dropping hits below minSim.
func (s *Store) Search(ctx context.Context, query string, k int, kinds []string, minSim float64) ([]Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if k < 1 {
		k = 8
	}
	if len(kinds) == 0 {
		kinds = Kinds
	}

	qv, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}

	if s.remote != nil {
		if hits, err := s.searchRemote(ctx, qv, k, kinds, minSim); err == nil {
			return hits, nil
		}
	}

	var hits []Hit
	for _, kind := range kinds {
		idx, ok := s.indexes[kind]
		if !ok {
			continue
		}
		results, err := idx.Search(qv, k)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if r.Score < minSim {
				continue
			}
			if item, ok := s.Get(kind, r.ID); ok {
				hits = append(hits, Hit{Item: item, Kind: kind, Score: r.Score})
			}
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// searchRemote queries the remote index once per requested kind and
// hydrates payloads from the local cache.
func (s *Store) searchRemote(ctx context.Context, qv []float32, k int, kinds []string, minSim float64) ([]Hit, error) {
	var hits []Hit
	for _, kind := range kinds {
		if !validKind(kind) {
			continue
		}
		results, err := s.remote.Search(ctx, qv, kind, k)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if r.Score < minSim {
				continue
			}
			if item, ok := s.Get(kind, r.ID); ok {
				hits = append(hits, Hit{Item: item, Kind: kind, Score: r.Score})
			}
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func validKind(kind string) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func readItems(path string) ([]Item, error) {
	f, err := os.Open(path) //nolint:gosec // path is derived from validated config
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("memory: open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var items []Item
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var it Item
		if err := json.Unmarshal([]byte(line), &it); err != nil {
			continue // tolerate individual corrupt lines
		}
		items = append(items, it)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("memory: scan %s: %w", filepath.Base(path), err)
	}
	return items, nil
}
