package trustlog

import (
	"github.com/veritas-ai/veritas/internal/canonical"
)

// Issue reasons reported by chain verification.
const (
	ReasonPayloadHashMismatch  = "payload_hash_mismatch"
	ReasonPreviousHashMismatch = "previous_hash_mismatch"
	ReasonSignatureInvalid     = "signature_invalid"
)

// Issue is one detected chain or signature integrity problem.
type Issue struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// VerifyResult is the outcome of a chain walk.
type VerifyResult struct {
	OK             bool    `json:"ok"`
	EntriesChecked int     `json:"entries_checked"`
	Issues         []Issue `json:"issues"`
	ChainHash      string  `json:"chain_hash,omitempty"` // Tail hash after the walk.
}

// Verify walks the full ledger (rotated predecessor followed by the active
// stream) and checks, per entry: the payload hash, the previous-hash link,
// and the Ed25519 signature. Any issue means tampering.
func (l *Log) Verify() (VerifyResult, error) {
	entries, err := l.AllEntries()
	if err != nil {
		return VerifyResult{}, err
	}
	return verifyEntries(entries, l.keys), nil
}

// VerifyActive walks only the active stream, seeding the expected
// previous_hash from the rotation marker whenever one exists.
func (l *Log) VerifyActive() (VerifyResult, error) {
	entries, err := l.Entries()
	if err != nil {
		return VerifyResult{}, err
	}
	var seed *string
	if m := l.readMarker(); m != "" {
		seed = &m
	}
	return verifyEntriesFrom(entries, l.keys, seed), nil
}

func verifyEntries(entries []Entry, keys *Keys) VerifyResult {
	return verifyEntriesFrom(entries, keys, nil)
}

func verifyEntriesFrom(entries []Entry, keys *Keys, previous *string) VerifyResult {
	issues := []Issue{}

	for i, e := range entries {
		payloadHash, err := canonical.SHA256Hex(e.DecisionPayload)
		if err != nil || payloadHash != e.PayloadHash {
			issues = append(issues, Issue{Index: i, Reason: ReasonPayloadHashMismatch})
		}

		if !hashPtrEqual(e.PreviousHash, previous) {
			issues = append(issues, Issue{Index: i, Reason: ReasonPreviousHashMismatch})
		}

		if !keys.VerifySignature(e.PayloadHash, e.Signature) {
			issues = append(issues, Issue{Index: i, Reason: ReasonSignatureInvalid})
		}

		h, err := ChainHash(e)
		if err == nil {
			previous = &h
		}
	}

	tail := ""
	if previous != nil {
		tail = *previous
	}
	return VerifyResult{
		OK:             len(issues) == 0,
		EntriesChecked: len(entries),
		Issues:         issues,
		ChainHash:      tail,
	}
}

func hashPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Export bundles every entry with the public-key location for external
// verification tooling.
type Export struct {
	Entries       []Entry `json:"entries"`
	Count         int     `json:"count"`
	PublicKeyPath string  `json:"public_key_path"`
}

// ExportAll returns the full ledger plus verification metadata.
func (l *Log) ExportAll() (Export, error) {
	entries, err := l.AllEntries()
	if err != nil {
		return Export{}, err
	}
	return Export{
		Entries:       entries,
		Count:         len(entries),
		PublicKeyPath: l.keys.PublicPath,
	}, nil
}

// Page returns up to limit entries in reverse chronological order, starting
// after cursor (a decision_id; empty = newest). nextCursor is empty when the
// walk is exhausted.
func (l *Log) Page(limit int, cursor string) (items []Entry, nextCursor string, err error) {
	entries, err := l.AllEntries()
	if err != nil {
		return nil, "", err
	}
	if limit < 1 {
		limit = 50
	}

	// Walk newest-first.
	start := len(entries) - 1
	if cursor != "" {
		for i := len(entries) - 1; i >= 0; i-- {
			if entries[i].DecisionID == cursor {
				start = i - 1
				break
			}
		}
	}

	for i := start; i >= 0 && len(items) < limit; i-- {
		items = append(items, entries[i])
	}
	if items != nil && len(items) == limit && start-limit >= 0 {
		nextCursor = items[len(items)-1].DecisionID
	}
	return items, nextCursor, nil
}

// ForRequest returns all entries whose payload carries the given request_id,
// oldest first, together with a continuity check restricted to those entries'
// payload hashes and signatures.
func (l *Log) ForRequest(requestID string) ([]Entry, VerifyResult, error) {
	entries, err := l.AllEntries()
	if err != nil {
		return nil, VerifyResult{}, err
	}

	var matched []Entry
	issues := []Issue{}
	for _, e := range entries {
		rid, _ := e.DecisionPayload["request_id"].(string)
		if rid != requestID {
			continue
		}
		idx := len(matched)
		payloadHash, herr := canonical.SHA256Hex(e.DecisionPayload)
		if herr != nil || payloadHash != e.PayloadHash {
			issues = append(issues, Issue{Index: idx, Reason: ReasonPayloadHashMismatch})
		}
		if !l.keys.VerifySignature(e.PayloadHash, e.Signature) {
			issues = append(issues, Issue{Index: idx, Reason: ReasonSignatureInvalid})
		}
		matched = append(matched, e)
	}

	return matched, VerifyResult{
		OK:             len(issues) == 0,
		EntriesChecked: len(matched),
		Issues:         issues,
	}, nil
}
