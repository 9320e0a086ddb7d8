// Package search provides the optional remote vector index for the memory
// substrate, backed by Qdrant over gRPC. The local cosine index remains the
// default; deployments with a Qdrant endpoint configured get ANN search
// without holding every vector in process memory.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// Result is one hit from the remote index.
type Result struct {
	ID    string
	Kind  string
	Score float32
}

// Config holds the Qdrant connection settings.
type Config struct {
	URL        string // "https://host:6333", "http://host:6334", or "host:6334"
	APIKey     string
	Collection string
	Dims       uint64
}

// Point is one memory vector to upsert.
type Point struct {
	ID        string // UUID string
	Kind      string
	Text      string
	Embedding []float32
	StoredAt  time.Time
}

// Index is a Qdrant-backed vector index for memory items.
type Index struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthMu  sync.Mutex
	lastCheck time.Time
	lastErr   error
}

// parseURL extracts host, port, and TLS flag. The REST port 6333 is mapped
// to the gRPC port 6334.
func parseURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}
	useTLS = u.Scheme == "https"
	host = u.Hostname()

	port = 6334
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

// NewIndex connects to Qdrant.
func NewIndex(cfg Config, logger *slog.Logger) (*Index, error) {
	host, port, useTLS, err := parseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}
	return &Index{client: client, collection: cfg.Collection, dims: cfg.Dims, logger: logger}, nil
}

// EnsureCollection creates the collection and the kind payload index when
// they do not exist yet.
func (x *Index) EnsureCollection(ctx context.Context) error {
	exists, err := x.client.CollectionExists(ctx, x.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}
	if exists {
		return nil
	}

	if err := x.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: x.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     x.dims,
			Distance: qdrant.Distance_Cosine,
		}),
	}); err != nil {
		return fmt.Errorf("search: create collection %q: %w", x.collection, err)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	if _, err := x.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: x.collection,
		FieldName:      "kind",
		FieldType:      &keywordType,
	}); err != nil {
		return fmt.Errorf("search: create index on kind: %w", err)
	}

	x.logger.Info("qdrant: created memory collection", "collection", x.collection, "dims", x.dims)
	return nil
}

// Upsert inserts or updates memory points.
func (x *Index) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(map[string]any{
				"kind":           p.Kind,
				"text":           p.Text,
				"stored_at_unix": float64(p.StoredAt.Unix()),
			}),
		}
	}

	if _, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: x.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	}); err != nil {
		return fmt.Errorf("search: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// Search queries the index, optionally restricted to one memory kind.
func (x *Index) Search(ctx context.Context, embedding []float32, kind string, limit int) ([]Result, error) {
	if limit < 1 {
		limit = 8
	}

	var filter *qdrant.Filter
	if kind != "" {
		filter = &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("kind", kind)}}
	}

	fetchLimit := uint64(limit) //nolint:gosec // limit is bounded by caller
	scored, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: x.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter:         filter,
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	results := make([]Result, 0, len(scored))
	for _, sp := range scored {
		id := sp.Id.GetUuid()
		if id == "" {
			continue
		}
		hitKind := ""
		if payload := sp.Payload; payload != nil {
			if v, ok := payload["kind"]; ok {
				hitKind = v.GetStringValue()
			}
		}
		results = append(results, Result{ID: id, Kind: hitKind, Score: sp.Score})
	}
	return results, nil
}

// Healthy reports reachability, cached for a short window so health checks
// do not hammer the backend.
func (x *Index) Healthy(ctx context.Context) error {
	x.healthMu.Lock()
	defer x.healthMu.Unlock()

	if time.Since(x.lastCheck) < 10*time.Second {
		return x.lastErr
	}
	_, err := x.client.HealthCheck(ctx)
	x.lastCheck = time.Now()
	x.lastErr = err
	if err != nil {
		return fmt.Errorf("search: qdrant unhealthy: %w", err)
	}
	return nil
}

// Close tears down the gRPC connection.
func (x *Index) Close() error {
	return x.client.Close()
}
