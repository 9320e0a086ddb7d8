// Package trustlog implements the append-only, hash-chained, Ed25519-signed
// audit ledger. Each entry links to its predecessor through the SHA-256 of
// the predecessor's canonical serialization; rotation carries the chain tail
// across files through a marker so the chain never restarts.
package trustlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-ai/veritas/internal/atomicio"
	"github.com/veritas-ai/veritas/internal/canonical"
)

// File names under the log root.
const (
	jsonlFile   = "trust_log.jsonl"
	jsonFile    = "trust_log.json"
	rotatedFile = "trust_log_old.jsonl"
	markerFile  = ".last_hash"
)

// MaxLines is the rotation threshold for the JSONL stream.
const MaxLines = 5000

// MaxJSONItems caps the bounded window kept in trust_log.json.
const MaxJSONItems = 2000

// Entry is one signed ledger record.
type Entry struct {
	DecisionID      string         `json:"decision_id"`
	Timestamp       string         `json:"timestamp"`
	PreviousHash    *string        `json:"previous_hash"`
	DecisionPayload map[string]any `json:"decision_payload"`
	PayloadHash     string         `json:"payload_hash"`
	Signature       string         `json:"signature"`
}

// Log is the ledger. A single mutex serializes check-rotate-append so a
// concurrent writer can never obtain a pre-rotation file descriptor.
type Log struct {
	mu   sync.Mutex
	dir  string
	keys *Keys

	maxLines int

	// Cached chain state, loaded lazily under mu.
	loaded    bool
	lineCount int
	lastHash  *string
	window    []Entry // trust_log.json contents
}

// Open prepares a ledger rooted at dir, creating the signing key pair on
// first use.
func Open(dir string) (*Log, error) {
	keys, err := LoadOrCreateKeys(filepath.Join(dir, "keys"))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("trustlog: create log dir: %w", err)
	}
	return &Log{dir: dir, keys: keys, maxLines: MaxLines}, nil
}

// Keys exposes the signing pair for export metadata.
func (l *Log) Keys() *Keys { return l.keys }

// Dir returns the ledger root.
func (l *Log) Dir() string { return l.dir }

func (l *Log) jsonlPath() string   { return filepath.Join(l.dir, jsonlFile) }
func (l *Log) jsonPath() string    { return filepath.Join(l.dir, jsonFile) }
func (l *Log) rotatedPath() string { return filepath.Join(l.dir, rotatedFile) }
func (l *Log) markerPath() string  { return filepath.Join(l.dir, markerFile) }

// Append signs payload, links it to the chain tail, and persists it to the
// JSONL stream and the bounded JSON window. The returned entry is the record
// as written.
func (l *Log) Append(payload map[string]any) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureLoaded(); err != nil {
		return Entry{}, err
	}
	if err := l.rotateIfNeeded(); err != nil {
		return Entry{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Entry{}, fmt.Errorf("trustlog: generate decision id: %w", err)
	}

	payloadHash, err := canonical.SHA256Hex(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("trustlog: hash payload: %w", err)
	}

	entry := Entry{
		DecisionID:      id.String(),
		Timestamp:       time.Now().UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z"),
		PreviousHash:    l.lastHash,
		DecisionPayload: payload,
		PayloadHash:     payloadHash,
		Signature:       l.keys.Sign(payloadHash),
	}

	line, err := canonical.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("trustlog: serialize entry: %w", err)
	}
	if err := atomicio.AppendLine(l.jsonlPath(), string(line)); err != nil {
		return Entry{}, err
	}

	chainHash := canonical.SHA256HexBytes(line)
	l.lastHash = &chainHash
	l.lineCount++

	l.window = append(l.window, entry)
	if len(l.window) > MaxJSONItems {
		l.window = l.window[len(l.window)-MaxJSONItems:]
	}
	if err := atomicio.WriteJSON(l.jsonPath(), map[string]any{"items": l.window}); err != nil {
		return Entry{}, err
	}

	return entry, nil
}

// ChainHash computes SHA-256(canonical_json(entry)) — the value the next
// entry carries as previous_hash.
func ChainHash(e Entry) (string, error) {
	return canonical.SHA256Hex(e)
}

// LastHash returns the current chain tail, or nil for an empty ledger.
func (l *Log) LastHash() (*string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureLoaded(); err != nil {
		return nil, err
	}
	return l.lastHash, nil
}

// ensureLoaded initializes cached chain state from disk. Called under mu.
func (l *Log) ensureLoaded() error {
	if l.loaded {
		return nil
	}

	entries, err := readEntries(l.jsonlPath())
	if err != nil {
		return err
	}
	l.lineCount = len(entries)

	if len(entries) > 0 {
		h, err := ChainHash(entries[len(entries)-1])
		if err != nil {
			return err
		}
		l.lastHash = &h
	} else if marker := l.readMarker(); marker != "" {
		// Fresh file after rotation: continue the chain from the marker.
		l.lastHash = &marker
	}

	l.window = l.loadWindow()
	l.loaded = true
	return nil
}

// rotateIfNeeded renames the active stream aside once it reaches the line
// cap, persisting the chain tail to the marker first. Called under mu.
func (l *Log) rotateIfNeeded() error {
	if l.lineCount < l.maxLines {
		return nil
	}

	active := l.jsonlPath()
	rotated := l.rotatedPath()
	if isSymlink(active) || isSymlink(rotated) {
		return fmt.Errorf("trustlog: refusing to rotate: symlink detected on log paths")
	}

	if l.lastHash != nil {
		if err := atomicio.WriteFile(l.markerPath(), []byte(*l.lastHash)); err != nil {
			return fmt.Errorf("trustlog: persist chain marker: %w", err)
		}
	}
	if err := os.Remove(rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("trustlog: remove previous rotation: %w", err)
	}
	if err := os.Rename(active, rotated); err != nil {
		return fmt.Errorf("trustlog: rotate: %w", err)
	}
	l.lineCount = 0
	return nil
}

func (l *Log) readMarker() string {
	data, err := os.ReadFile(l.markerPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (l *Log) loadWindow() []Entry {
	data, err := os.ReadFile(l.jsonPath())
	if err != nil {
		return nil
	}
	var doc struct {
		Items []Entry `json:"items"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	return doc.Items
}

// Entries returns all entries of the active stream, oldest first.
func (l *Log) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return readEntries(l.jsonlPath())
}

// AllEntries returns rotated-plus-active entries, oldest first.
func (l *Log) AllEntries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	old, err := readEntries(l.rotatedPath())
	if err != nil {
		return nil, err
	}
	cur, err := readEntries(l.jsonlPath())
	if err != nil {
		return nil, err
	}
	return append(old, cur...), nil
}

func readEntries(path string) ([]Entry, error) {
	f, err := os.Open(path) //nolint:gosec // path is derived from validated config
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("trustlog: open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("trustlog: parse entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("trustlog: scan %s: %w", filepath.Base(path), err)
	}
	return entries, nil
}

func isSymlink(path string) bool {
	fi, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeSymlink != 0
}
