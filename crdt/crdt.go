// Package crdt implements the conflict-free text sequence that backs
// collaborative editing: inserts and deletes from any number of replicas
// converge deterministically without central coordination.
package crdt

import (
	"sort"
	"strings"
	"sync"

	"github.com/ephemera-project/ephemera/ids"
	"github.com/ephemera-project/ephemera/operation"
)

// element is one character-bearing node in the replicated sequence. Deleted
// elements are tombstoned rather than removed, so every replica that has
// seen the same insert/delete multiset agrees on sequence positions.
type element struct {
	op      operation.CRDTOperation
	deleted bool
}

// Text is a replicated text sequence. Concurrent operations are ordered by
// (timestamp_ms ASC, operation_id lexicographic ASC); applying the same
// multiset of operations in any order yields identical text on every
// replica.
type Text struct {
	mu       sync.Mutex
	elements []element
	applied  map[string]bool
}

// NewText returns an empty replicated text sequence.
func NewText() *Text {
	return &Text{applied: make(map[string]bool)}
}

func opLess(a, b operation.CRDTOperation) bool {
	if a.TimestampMs != b.TimestampMs {
		return a.TimestampMs < b.TimestampMs
	}
	return a.ID.String() < b.ID.String()
}

// Apply merges op into the sequence. It is idempotent: reapplying an
// operation id already seen is a no-op. Out-of-range edits (e.g. a delete
// past the end of the visible text) are no-ops rather than errors.
func (t *Text) Apply(op operation.CRDTOperation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyLocked(op)
}

func (t *Text) applyLocked(op operation.CRDTOperation) {
	key := op.ID.String()
	if t.applied[key] {
		return
	}
	t.applied[key] = true

	switch op.Kind {
	case operation.KindInsert:
		t.insertLocked(op)
	case operation.KindDelete:
		t.deleteLocked(op)
	}
}

// insertLocked places op's content at the visible position implied by
// op.Position, then re-sorts within ties using the total order so
// concurrent inserts at the same position converge identically everywhere.
func (t *Text) insertLocked(op operation.CRDTOperation) {
	visibleIdx := 0
	insertAt := len(t.elements)
	for i, e := range t.elements {
		if !e.deleted {
			if visibleIdx == op.Position {
				insertAt = i
				break
			}
			visibleIdx++
		}
	}
	newElem := element{op: op}
	t.elements = append(t.elements, element{})
	copy(t.elements[insertAt+1:], t.elements[insertAt:])
	t.elements[insertAt] = newElem

	t.resolveTiesAround(insertAt)
}

// resolveTiesAround restores total-order sorting among elements that share
// an insertion point, so the final position of concurrent inserts does not
// depend on application order.
func (t *Text) resolveTiesAround(idx int) {
	start := idx
	for start > 0 && t.samePosition(start-1, start) {
		start--
	}
	end := idx
	for end < len(t.elements)-1 && t.samePosition(end, end+1) {
		end++
	}
	if end <= start {
		return
	}
	group := t.elements[start : end+1]
	sort.SliceStable(group, func(i, j int) bool {
		return opLess(group[i].op, group[j].op)
	})
}

func (t *Text) samePosition(i, j int) bool {
	return t.elements[i].op.Position == t.elements[j].op.Position &&
		t.elements[i].op.Kind == operation.KindInsert && t.elements[j].op.Kind == operation.KindInsert
}

// deleteLocked tombstones length visible characters starting at Position.
// Deleting past the end of the visible text silently truncates to however
// many characters remain.
func (t *Text) deleteLocked(op operation.CRDTOperation) {
	visibleIdx := 0
	remaining := int(op.Length)
	for i := range t.elements {
		if remaining == 0 {
			break
		}
		if t.elements[i].deleted {
			continue
		}
		if visibleIdx >= op.Position {
			t.elements[i].deleted = true
			remaining--
		}
		visibleIdx++
	}
}

// GetText materializes the current visible string.
func (t *Text) GetText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var b strings.Builder
	for _, e := range t.elements {
		if !e.deleted && e.op.Kind == operation.KindInsert {
			b.WriteString(e.op.Content)
		}
	}
	return b.String()
}

// State is an opaque, mergeable snapshot of a Text's full operation
// history.
type State struct {
	Operations []operation.CRDTOperation
}

// GetState serializes the full applied-operation history as an opaque state
// delta suitable for transfer to another replica.
func (t *Text) GetState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops := make([]operation.CRDTOperation, 0, len(t.elements))
	for _, e := range t.elements {
		ops = append(ops, e.op)
	}
	return State{Operations: ops}
}

// ApplyState merges a State produced by GetState. Merging is idempotent:
// operations already applied are skipped.
func (t *Text) ApplyState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, op := range s.Operations {
		t.applyLocked(op)
	}
}

// SyncEngine keeps an ordered, deduplicated operation history per workspace
// replica and answers "what changed since timestamp" queries.
type SyncEngine struct {
	mu      sync.Mutex
	text    *Text
	seen    map[string]bool
	history []operation.CRDTOperation
}

// NewSyncEngine returns a SyncEngine wrapping a fresh Text.
func NewSyncEngine() *SyncEngine {
	return &SyncEngine{text: NewText(), seen: make(map[string]bool)}
}

// ParticipantID is re-exported for callers constructing operations against
// this engine without importing ids directly.
type ParticipantID = ids.ParticipantID

// Apply records op into the history (skipping ids already applied) and
// applies it to the underlying text.
func (s *SyncEngine) Apply(op operation.CRDTOperation) {
	s.mu.Lock()
	key := op.ID.String()
	if s.seen[key] {
		s.mu.Unlock()
		return
	}
	s.seen[key] = true
	s.history = append(s.history, op)
	s.mu.Unlock()

	s.text.Apply(op)
}

// OperationsSince returns, in total order, every operation with
// timestamp_ms strictly greater than cutoff.
func (s *SyncEngine) OperationsSince(cutoffMs int64) []operation.CRDTOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	ordered := append([]operation.CRDTOperation{}, s.history...)
	sort.SliceStable(ordered, func(i, j int) bool { return opLess(ordered[i], ordered[j]) })

	out := make([]operation.CRDTOperation, 0, len(ordered))
	for _, op := range ordered {
		if op.TimestampMs > cutoffMs {
			out = append(out, op)
		}
	}
	return out
}

// GetText returns the current materialized text.
func (s *SyncEngine) GetText() string {
	return s.text.GetText()
}

// GetState returns the underlying text's opaque state snapshot.
func (s *SyncEngine) GetState() State {
	return s.text.GetState()
}

// ApplyState merges a remote snapshot, recording any newly-seen operations
// into the history so later OperationsSince calls reflect them.
func (s *SyncEngine) ApplyState(state State) {
	for _, op := range state.Operations {
		s.Apply(op)
	}
}
